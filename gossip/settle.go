package gossip

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"

	"github.com/giggossip/giggossip/paynode"
)

const (
	resubscribeMin = 100 * time.Millisecond
	resubscribeMax = 30 * time.Second
)

// follow feeds every event of a payment node stream to handle, subscribing
// again with backoff whenever the stream closes before ctx is done.
func follow[T any](ctx context.Context, clk clock.Clock, what string, ch <-chan T, subscribe func(context.Context) (<-chan T, error), handle func(context.Context, T)) {
	b := &backoff.Backoff{Min: resubscribeMin, Max: resubscribeMax, Factor: 2, Jitter: true}
	for {
		select {
		case evt, ok := <-ch:
			if ok {
				handle(ctx, evt)
				continue
			}
		case <-ctx.Done():
			return
		}

		log.Warnw("payment node stream closed, resubscribing", "stream", what)
		for {
			select {
			case <-clk.After(b.Duration()):
			case <-ctx.Done():
				return
			}
			var err error
			ch, err = subscribe(ctx)
			if err == nil {
				b.Reset()
				break
			}
			log.Warnw("resubscribing failed", "stream", what, "attempt", b.Attempt(), "err", err)
		}
	}
}

// onInvoiceState pays the inner network invoice once the outer invoice this
// node minted as a relay is held by its payer.
func (n *Node) onInvoiceState(ctx context.Context, upd paynode.InvoiceStateChange) {
	n.lk.Lock()
	inner, ok := n.nextToPay[upd.PaymentHash]
	if ok && upd.State == paynode.InvoiceCancelled {
		delete(n.nextToPay, upd.PaymentHash)
	}
	n.lk.Unlock()
	if !ok || upd.State != paynode.InvoiceAccepted {
		return
	}

	if err := n.pay.SendPayment(ctx, inner, n.cfg.PaymentFeeLimit); err != nil {
		log.Errorw("failed to pay inner network invoice, cancelling outer", "hash", upd.PaymentHash, "err", err)
		n.forgetRelay(ctx, upd.PaymentHash, true)
		return
	}
	log.Debugw("paid inner network invoice", "hash", upd.PaymentHash)
}

// onPaymentStatus settles the outer invoice with the preimage learnt from
// the inner payment, or cancels it when the inner payment failed.
func (n *Node) onPaymentStatus(ctx context.Context, upd paynode.PaymentStatusChange) {
	n.lk.Lock()
	_, ok := n.nextToPay[upd.PaymentHash]
	n.lk.Unlock()
	if !ok {
		return
	}

	switch upd.Status {
	case paynode.PaymentSucceeded:
		if err := n.pay.SettleInvoice(ctx, upd.Preimage); err != nil {
			log.Errorw("failed to settle relay invoice", "hash", upd.PaymentHash, "err", err)
			return
		}
		log.Infow("settled relay invoice", "hash", upd.PaymentHash)
		n.forgetRelay(ctx, upd.PaymentHash, false)
	case paynode.PaymentFailed:
		n.forgetRelay(ctx, upd.PaymentHash, true)
	}
}

func (n *Node) forgetRelay(ctx context.Context, hash string, cancel bool) {
	n.lk.Lock()
	delete(n.nextToPay, hash)
	n.lk.Unlock()

	if cancel {
		if err := n.pay.CancelInvoice(ctx, hash); err != nil {
			log.Warnw("failed to cancel relay invoice", "hash", hash, "err", err)
		}
	}
	if err := n.pay.StopMonitoring(ctx, hash); err != nil {
		log.Warnw("failed to stop monitoring relay invoice", "hash", hash, "err", err)
	}
}

// claimLoop settles the responder's reply invoices once the authority
// reveals their preimages.
func (n *Node) claimLoop(ctx context.Context) {
	defer n.wg.Done()

	interval := n.cfg.ClaimInterval
	if interval <= 0 {
		interval = DefaultConfig().ClaimInterval
	}
	ticker := n.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.claim(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) claim(ctx context.Context) {
	n.lk.Lock()
	pending := make(map[string]string, len(n.claims))
	for h, uri := range n.claims {
		pending[h] = uri
	}
	n.lk.Unlock()

	for hash, uri := range pending {
		sc, err := n.settlers.Get(uri)
		if err != nil {
			log.Errorw("no settler for reply claim", "hash", hash, "err", err)
			continue
		}
		pre, err := callSettler(ctx, sc, func(tok string) (string, error) {
			return sc.RevealPreimage(ctx, tok, hash)
		})
		if err != nil {
			log.Warnw("failed to query reply preimage", "hash", hash, "err", err)
			continue
		}
		if pre == "" {
			continue
		}
		if err := n.pay.SettleInvoice(ctx, pre); err != nil {
			log.Errorw("failed to settle reply invoice", "hash", hash, "err", err)
			continue
		}
		log.Infow("settled reply invoice", "hash", hash)

		n.lk.Lock()
		delete(n.claims, hash)
		n.lk.Unlock()
	}
}
