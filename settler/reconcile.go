package settler

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/paynode"
)

const (
	sourceStream      = "stream"
	sourceSweep       = "sweep"
	sourceTimer       = "timer"
	sourceStartup     = "startup"
	sourceResubscribe = "resubscribe"

	resubscribeMin  = 100 * time.Millisecond
	resubscribeMax  = 30 * time.Second
	defaultInterval = 30 * time.Second
)

// Start subscribes to invoice state changes, recovers state with a startup
// sweep and runs the stream and the periodic sweep until Stop.
func (s *Settler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx, s.cancel = runCtx, cancel

	updates, err := s.pay.InvoiceStateUpdates(runCtx)
	if err != nil {
		cancel()
		return xerrors.Errorf("subscribing to invoice states: %w", err)
	}

	if err := s.remonitor(ctx); err != nil {
		log.Warnw("failed to re-register invoice monitors", "err", err)
	}
	if err := s.Sweep(ctx, sourceStartup); err != nil {
		log.Errorw("startup sweep failed", "err", err)
	}

	s.wg.Add(2)
	go s.streamLoop(runCtx, updates)
	go s.sweepLoop(runCtx)
	return nil
}

func (s *Settler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.sched.Stop()
	return nil
}

// remonitor asks the payment node to watch the tickets of every Open gig,
// since monitors may not survive a payment node restart.
func (s *Settler) remonitor(ctx context.Context) error {
	gigs, err := s.ledger.GigsByStatus(ctx, GigOpen)
	if err != nil {
		return err
	}
	for _, g := range gigs {
		for _, h := range []string{g.NetworkPaymentHash, g.PaymentHash} {
			if err := s.pay.Monitor(ctx, h); err != nil {
				return xerrors.Errorf("monitoring %s: %w", h, err)
			}
		}
	}
	return nil
}

func (s *Settler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(ctx, sourceSweep); err != nil {
				log.Errorw("reconciliation sweep failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Settler) streamLoop(ctx context.Context, updates <-chan paynode.InvoiceStateChange) {
	defer s.wg.Done()

	b := &backoff.Backoff{Min: resubscribeMin, Max: resubscribeMax, Factor: 2, Jitter: true}
	for {
		select {
		case upd, ok := <-updates:
			if ok {
				if err := s.onInvoiceState(ctx, upd); err != nil {
					log.Errorw("failed to apply invoice state change", "hash", upd.PaymentHash, "state", upd.State, "err", err)
				}
				continue
			}
		case <-ctx.Done():
			return
		}

		// the stream closed under us
		log.Warnw("invoice state stream closed, resubscribing")
		for {
			select {
			case <-s.clock.After(b.Duration()):
			case <-ctx.Done():
				return
			}
			var err error
			updates, err = s.pay.InvoiceStateUpdates(ctx)
			if err == nil {
				b.Reset()
				break
			}
			log.Warnw("resubscribing to invoice states failed", "attempt", b.Attempt(), "err", err)
		}
		if err := s.Sweep(ctx, sourceResubscribe); err != nil {
			log.Errorw("sweep after resubscribe failed", "err", err)
		}
	}
}

func (s *Settler) onInvoiceState(ctx context.Context, upd paynode.InvoiceStateChange) error {
	if upd.State != paynode.InvoiceAccepted && upd.State != paynode.InvoiceCancelled {
		return nil
	}
	gigs, err := s.ledger.GigsByPaymentHash(ctx, upd.PaymentHash)
	if err != nil {
		return err
	}
	for _, g := range gigs {
		if g.Status != GigOpen {
			continue
		}
		netState, replyState := upd.State, upd.State
		if g.NetworkPaymentHash == upd.PaymentHash {
			replyState, err = s.pay.InvoiceState(ctx, g.PaymentHash)
		} else {
			netState, err = s.pay.InvoiceState(ctx, g.NetworkPaymentHash)
		}
		if err != nil {
			log.Warnw("failed to query counterpart ticket", "gig", g.GigId, "err", err)
			continue
		}
		if err := s.applyTicketStates(ctx, g, netState, replyState, sourceStream); err != nil {
			return err
		}
	}
	return nil
}

// Sweep re-derives the state of every Open and Accepted gig from the
// payment node and the clock. It reaches the same states the stream does,
// then retries any network ticket a Completed gig left unsettled.
func (s *Settler) Sweep(ctx context.Context, source string) error {
	defer metrics.Timer(ctx, metrics.ReconcileSweepMs)()

	open, err := s.ledger.GigsByStatus(ctx, GigOpen)
	if err != nil {
		return xerrors.Errorf("listing open gigs: %w", err)
	}
	for _, g := range open {
		netState, err := s.pay.InvoiceState(ctx, g.NetworkPaymentHash)
		if err != nil {
			log.Warnw("failed to query network ticket", "gig", g.GigId, "err", err)
			continue
		}
		replyState, err := s.pay.InvoiceState(ctx, g.PaymentHash)
		if err != nil {
			log.Warnw("failed to query reply ticket", "gig", g.GigId, "err", err)
			continue
		}
		if err := s.applyTicketStates(ctx, g, netState, replyState, source); err != nil {
			log.Errorw("failed to reconcile gig", "gig", g.GigId, "err", err)
		}
	}

	accepted, err := s.ledger.GigsByStatus(ctx, GigAccepted)
	if err != nil {
		return xerrors.Errorf("listing accepted gigs: %w", err)
	}
	now := s.clock.Now()
	for _, g := range accepted {
		if !now.Before(g.DisputeDeadline) {
			if err := s.completeGig(ctx, g.GigId, g.ReplierPublicKey, source); err != nil {
				log.Errorw("failed to complete gig", "gig", g.GigId, "err", err)
			}
			continue
		}
		if _, ok := s.sched.Deadline(gigKey(g.GigId, g.ReplierPublicKey)); !ok {
			s.scheduleCompletion(g)
		}
	}

	if err := s.settleCompleted(ctx); err != nil {
		return xerrors.Errorf("settling completed gigs: %w", err)
	}
	return nil
}

func held(st paynode.InvoiceState) bool {
	return st == paynode.InvoiceAccepted || st == paynode.InvoiceSettled
}

// applyTicketStates is the single transition guard for Open gigs.
func (s *Settler) applyTicketStates(ctx context.Context, g *Gig, netState, replyState paynode.InvoiceState, source string) error {
	switch {
	case netState == paynode.InvoiceCancelled || replyState == paynode.InvoiceCancelled:
		ok, err := s.ledger.casGigStatus(ctx, g.GigId, g.ReplierPublicKey, GigOpen, GigCancelled)
		if err != nil {
			return err
		}
		if ok {
			s.recordTransition(ctx, g.GigId, g.ReplierPublicKey, GigOpen, GigCancelled, source)
		}

	case held(netState) && held(replyState):
		deadline := s.clock.Now().Add(s.cfg.DisputeGracePeriod)
		ok, err := s.ledger.acceptGig(ctx, g.GigId, g.ReplierPublicKey, deadline)
		if err != nil {
			return err
		}
		if ok {
			s.recordTransition(ctx, g.GigId, g.ReplierPublicKey, GigOpen, GigAccepted, source)
			g.Status, g.SubStatus, g.DisputeDeadline = GigAccepted, SubNone, deadline
			s.scheduleCompletion(g)
		}

	case held(netState) || held(replyState):
		sub := SubAcceptedByReplyTicket
		if held(netState) {
			sub = SubAcceptedByNetworkTicket
		}
		if g.SubStatus == sub {
			return nil
		}
		ok, err := s.ledger.casGig(ctx, g, GigOpen, g.SubStatus, GigOpen, sub, g.DisputeDeadline)
		if err != nil {
			return err
		}
		if ok {
			log.Debugw("gig half accepted", "gig", g.GigId, "sub_status", sub, "source", source)
		}
	}
	return nil
}

func (s *Settler) scheduleCompletion(g *Gig) {
	gigId, replier := g.GigId, g.ReplierPublicKey
	s.sched.Schedule(gigKey(gigId, replier), g.DisputeDeadline, func() {
		if err := s.completeGig(s.runCtx, gigId, replier, sourceTimer); err != nil {
			log.Errorw("failed to complete gig", "gig", gigId, "err", err)
		}
	})
}

// completeGig reveals the gig's preimages, marks it Completed and settles
// the authority's own ticket. It is a no-op unless the gig is Accepted.
func (s *Settler) completeGig(ctx context.Context, gigId, replier, source string) error {
	owned, ok, err := s.ledger.completeGig(ctx, gigId, replier, s.pubKey)
	if err != nil || !ok {
		return err
	}
	s.recordTransition(ctx, gigId, replier, GigAccepted, GigCompleted, source)

	if len(owned) == 0 {
		return xerrors.Errorf("settling network ticket of gig %s: %w", gigId, ErrUnknownPreimage)
	}
	for _, p := range owned {
		if err := s.settleOwned(ctx, p); err != nil {
			return xerrors.Errorf("settling network ticket of gig %s: %w", gigId, err)
		}
	}
	return nil
}

// settleOwned settles the invoice of an authority-owned preimage and marks
// it settled. An invoice that is already settled or cancelled only gets
// marked; one that is still open is left for a later sweep.
func (s *Settler) settleOwned(ctx context.Context, p OwnedPreimage) error {
	st, err := s.pay.InvoiceState(ctx, p.PaymentHash)
	if err != nil {
		return err
	}
	switch st {
	case paynode.InvoiceAccepted:
		if err := s.pay.SettleInvoice(ctx, p.Preimage); err != nil {
			return err
		}
	case paynode.InvoiceSettled:
	case paynode.InvoiceCancelled:
		log.Warnw("network ticket of completed gig was cancelled", "gig", p.GigId, "hash", p.PaymentHash)
	default:
		return xerrors.Errorf("invoice %s is %s, not accepted", p.PaymentHash, st)
	}
	return s.ledger.markPreimageSettled(ctx, p.PaymentHash)
}

// settleCompleted retries settlement of network tickets whose gig already
// reached Completed.
func (s *Settler) settleCompleted(ctx context.Context) error {
	pending, err := s.ledger.unsettledCompleted(ctx, s.pubKey)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if err := s.settleOwned(ctx, p); err != nil {
			log.Warnw("retrying network ticket settlement failed", "gig", p.GigId, "err", err)
			continue
		}
		log.Infow("settled network ticket of completed gig", "gig", p.GigId)
	}
	return nil
}
