package gossip

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/hannahhoward/go-pubsub"
	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/retry"
	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/settler"
	"github.com/giggossip/giggossip/types"
)

var (
	ErrUnknownResponse  = errors.New("no such response")
	ErrReplyNotAccepted = errors.New("reply key not released, gig is not accepted")
)

const (
	settlerCallAttempts = 5
	settlerCallBackoff  = 200 * time.Millisecond
)

// Response is a reply surfaced to the requester.
type Response struct {
	Payload        *types.ReplyPayload
	NetworkInvoice string
	ServiceUri     string
}

func (r Response) PayloadId() string {
	return r.Payload.SignedRequestPayload.PayloadId
}

func (r Response) Replier() string {
	return r.Payload.ReplierCertificate.PublicKey
}

type ResponseHandler func(Response)

func dispatchResponse(event pubsub.Event, subFn pubsub.SubscriberFn) error {
	resp, ok := event.(Response)
	if !ok {
		return xerrors.Errorf("wrong type of event")
	}
	h, ok := subFn.(ResponseHandler)
	if !ok {
		return xerrors.Errorf("wrong type of subscriber")
	}
	h(resp)
	return nil
}

// OnResponse registers h for every reply reaching this node as requester.
func (n *Node) OnResponse(h ResponseHandler) (unsubscribe func()) {
	return n.responseEvents.Subscribe(h)
}

// callSettler runs f with a fresh auth token, retrying connection failures.
func callSettler[T any](ctx context.Context, c *settler.Client, f func(token string) (T, error)) (T, error) {
	return retry.Retry(ctx, settlerCallAttempts, settlerCallBackoff, []error{&jsonrpc.RPCConnectionError{}}, func() (T, error) {
		tok, err := c.Token(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		return f(tok)
	})
}

func (n *Node) invoiceExpiry() int64 {
	return int64(n.cfg.InvoicePaymentTimeout / time.Second)
}

// respond turns this node into the responder for bp: it mints the reply
// ticket, invoices it, obtains the settlement trust and sends the reply back
// along the accumulated route.
func (n *Node) respond(ctx context.Context, from string, bp *types.BroadcastPayload, message []byte, fee int64) error {
	sc, err := n.settlers.Get(n.cert.ServiceUri)
	if err != nil {
		return err
	}
	req := bp.SignedRequestPayload

	replyHash, err := callSettler(ctx, sc, func(tok string) (string, error) {
		return sc.MintReplyTicketHash(ctx, tok, req.PayloadId, n.pubKey)
	})
	if err != nil {
		return xerrors.Errorf("minting reply ticket: %w", err)
	}
	inv, err := n.pay.AddHodlInvoice(ctx, fee, replyHash, "", n.invoiceExpiry())
	if err != nil {
		return xerrors.Errorf("creating reply invoice: %w", err)
	}
	trust, err := callSettler(ctx, sc, func(tok string) (*types.SettlementTrust, error) {
		return sc.GenerateSettlementTrust(ctx, tok, message, inv.PaymentRequest, req, n.cert)
	})
	if err != nil {
		return xerrors.Errorf("generating settlement trust: %w", err)
	}

	n.lk.Lock()
	n.claims[replyHash] = n.cert.ServiceUri
	n.lk.Unlock()
	log.Infow("responding to request", "payload", req.PayloadId, "fee", fee, "reply_hash", replyHash)

	return n.OnReplyFrame(ctx, from, &types.ReplyFrame{
		EncryptedReplyPayload:   trust.EncryptedReplyPayload,
		SignedSettlementPromise: trust.SettlementPromise,
		ForwardOnion:            bp.BackwardOnion,
		NetworkInvoice:          trust.NetworkInvoice,
	}, true)
}

// OnReplyFrame relays a reply one hop back towards the requester, or
// surfaces it when this node is the requester. newResponse is set by the
// responder itself, which forwards its own network invoice unchanged.
func (n *Node) OnReplyFrame(ctx context.Context, from string, f *types.ReplyFrame, newResponse bool) error {
	promise := f.SignedSettlementPromise
	if promise == nil {
		n.drop(ctx, FrameReply, "malformed", "from", from)
		return nil
	}
	decoded, err := n.pay.DecodeInvoice(ctx, f.NetworkInvoice)
	if err != nil {
		n.drop(ctx, FrameReply, "invoice", "from", from, "err", err)
		return nil
	}
	authority, err := n.settlers.AuthorityPublicKey(ctx, promise.ServiceUri)
	if err != nil {
		n.drop(ctx, FrameReply, "authority", "uri", promise.ServiceUri, "err", err)
		return nil
	}
	networkHash := hex.EncodeToString(promise.NetworkPaymentHash)

	if f.ForwardOnion.IsEmpty() {
		return n.onReplyTerminus(ctx, f, decoded.PaymentHash, networkHash, authority)
	}

	layer, rest, err := f.ForwardOnion.Peel(n.priv)
	if err != nil {
		n.drop(ctx, FrameReply, "onion", "from", from, "err", err)
		return nil
	}
	if !n.isPeer(layer.PeerName) {
		n.drop(ctx, FrameReply, "unknown_peer", "next", layer.PeerName)
		return nil
	}
	if err := promise.VerifyAll(f.EncryptedReplyPayload, authority); err != nil {
		n.drop(ctx, FrameReply, "promise", "err", err)
		return nil
	}
	if networkHash != decoded.PaymentHash {
		n.drop(ctx, FrameReply, "hash_mismatch", "promise", networkHash, "invoice", decoded.PaymentHash)
		return nil
	}

	out := f.DeepCopy()
	out.ForwardOnion = rest
	if !newResponse {
		fee := n.cfg.PriceAmountForRouting
		inv, err := n.pay.AddHodlInvoice(ctx, decoded.NumSatoshis+fee, decoded.PaymentHash, "", n.invoiceExpiry())
		if err != nil {
			return xerrors.Errorf("creating relay invoice: %w", err)
		}
		n.lk.Lock()
		n.nextToPay[inv.PaymentHash] = f.NetworkInvoice
		n.lk.Unlock()
		if err := n.pay.Monitor(ctx, inv.PaymentHash); err != nil {
			return xerrors.Errorf("monitoring relay invoice: %w", err)
		}
		out.NetworkInvoice = inv.PaymentRequest
		stats.Record(ctx, metrics.RoutingFeeEarned.M(fee))
	}

	if err := n.tr.Send(ctx, layer.PeerName, out); err != nil {
		return xerrors.Errorf("forwarding reply: %w", err)
	}
	metrics.Count(ctx, metrics.ReplyRelayed)
	return nil
}

func (n *Node) onReplyTerminus(ctx context.Context, f *types.ReplyFrame, invoiceHash, networkHash, authority string) error {
	if networkHash != invoiceHash {
		n.drop(ctx, FrameReply, "hash_mismatch", "promise", networkHash, "invoice", invoiceHash)
		return nil
	}
	if err := f.SignedSettlementPromise.VerifyAll(f.EncryptedReplyPayload, authority); err != nil {
		n.drop(ctx, FrameReply, "promise", "err", err)
		return nil
	}
	rp, err := f.DecryptReplyPayload(n.priv)
	if err != nil {
		n.drop(ctx, FrameReply, "decrypt", "err", err)
		return nil
	}
	if rp.SignedRequestPayload == nil || rp.ReplierCertificate == nil {
		n.drop(ctx, FrameReply, "malformed")
		return nil
	}
	if err := rp.ReplierCertificate.Verify(ctx, n.settlers, n.clock.Now()); err != nil {
		n.drop(ctx, FrameReply, "replier_certificate", "err", err)
		return nil
	}

	resp := Response{
		Payload:        rp,
		NetworkInvoice: f.NetworkInvoice,
		ServiceUri:     f.SignedSettlementPromise.ServiceUri,
	}
	payloadId, replier := resp.PayloadId(), resp.Replier()

	n.lk.Lock()
	byReplier, ok := n.responses[payloadId]
	if !ok {
		byReplier = map[string][]Response{}
		n.responses[payloadId] = byReplier
	}
	byReplier[replier] = append(byReplier[replier], resp)
	n.lk.Unlock()

	metrics.Count(ctx, metrics.ReplyReceived)
	log.Infow("received reply", "payload", payloadId, "replier", replier)

	if err := n.responseEvents.Publish(resp); err != nil {
		log.Errorf("unexpected error publishing response: %s", err)
	}
	return nil
}

// GetResponses returns the replies for payloadId grouped by replier.
func (n *Node) GetResponses(payloadId string) [][]Response {
	n.lk.Lock()
	defer n.lk.Unlock()

	byReplier := n.responses[payloadId]
	repliers := make([]string, 0, len(byReplier))
	for r := range byReplier {
		repliers = append(repliers, r)
	}
	sort.Strings(repliers)

	out := make([][]Response, 0, len(repliers))
	for _, r := range repliers {
		out = append(out, append([]Response(nil), byReplier[r]...))
	}
	return out
}

// AcceptResponse pays the reply invoice and the network invoice of resp,
// which puts both tickets of the gig in escrow.
func (n *Node) AcceptResponse(ctx context.Context, resp Response) error {
	n.lk.Lock()
	_, ok := n.responses[resp.PayloadId()][resp.Replier()]
	n.lk.Unlock()
	if !ok {
		return ErrUnknownResponse
	}

	// both tickets must be held before the authority accepts the gig
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := n.pay.SendPayment(ectx, resp.Payload.ReplyInvoice, n.cfg.PaymentFeeLimit); err != nil {
			return xerrors.Errorf("paying reply invoice: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := n.pay.SendPayment(ectx, resp.NetworkInvoice, n.cfg.PaymentFeeLimit); err != nil {
			return xerrors.Errorf("paying network invoice: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	log.Infow("accepted response", "payload", resp.PayloadId(), "replier", resp.Replier())
	return nil
}

// RevealReplyMessage decrypts the reply message once the authority releases
// the gig key. It fails with ErrReplyNotAccepted before that.
func (n *Node) RevealReplyMessage(ctx context.Context, resp Response) ([]byte, error) {
	sc, err := n.settlers.Get(resp.ServiceUri)
	if err != nil {
		return nil, err
	}
	key, err := callSettler(ctx, sc, func(tok string) (string, error) {
		return sc.RevealSymmetricKey(ctx, tok, resp.PayloadId(), resp.Replier())
	})
	if err != nil {
		return nil, xerrors.Errorf("revealing reply key: %w", err)
	}
	if key == "" {
		return nil, ErrReplyNotAccepted
	}
	kb, err := hex.DecodeString(key)
	if err != nil {
		return nil, xerrors.Errorf("decoding reply key: %w", err)
	}
	return sigs.SymmetricDecrypt(kb, resp.Payload.EncryptedReplyMessage)
}

// ManageDispute opens or closes a dispute on the gig behind resp.
func (n *Node) ManageDispute(ctx context.Context, resp Response, open bool) error {
	sc, err := n.settlers.Get(resp.ServiceUri)
	if err != nil {
		return err
	}
	_, err = callSettler(ctx, sc, func(tok string) (struct{}, error) {
		return struct{}{}, sc.ManageDispute(ctx, tok, resp.PayloadId(), resp.Replier(), open)
	})
	return err
}
