package transport

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/lib/sigs"
	"github.com/giggossip/giggossip/metrics"
)

var ErrUnknownRecipient = xerrors.New("unknown recipient")

const memInboxSize = 256

// Hub connects MemTransports in one process. Delivery is asynchronous and
// goes through the same sealing and chunking as the network transport.
type Hub struct {
	lk    sync.RWMutex
	nodes map[string]*MemTransport
}

func NewHub() *Hub {
	return &Hub{nodes: map[string]*MemTransport{}}
}

type MemTransport struct {
	hub   *Hub
	codec *Codec
	inbox chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

var _ Transport = (*MemTransport)(nil)

// NewTransport attaches a transport for priv to the hub.
func (h *Hub) NewTransport(priv *sigs.PrivateKey, registry *Registry, maxChunk int) (*MemTransport, error) {
	codec, err := NewCodec(priv, registry, maxChunk)
	if err != nil {
		return nil, err
	}
	mt := &MemTransport{
		hub:     h,
		codec:   codec,
		inbox:   make(chan []byte, memInboxSize),
		closing: make(chan struct{}),
	}

	h.lk.Lock()
	h.nodes[codec.Identity()] = mt
	h.lk.Unlock()
	return mt, nil
}

func (h *Hub) lookup(pk string) (*MemTransport, bool) {
	h.lk.RLock()
	defer h.lk.RUnlock()
	mt, ok := h.nodes[pk]
	return mt, ok
}

func (mt *MemTransport) Identity() string {
	return mt.codec.Identity()
}

func (mt *MemTransport) Send(ctx context.Context, to string, frame interface{}) error {
	dst, ok := mt.hub.lookup(to)
	if !ok {
		return xerrors.Errorf("%w: %s", ErrUnknownRecipient, to)
	}
	chunks, err := mt.codec.Pack(to, frame)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		select {
		case dst.inbox <- c:
			metrics.Count(ctx, metrics.TransportChunkOut)
		case <-dst.closing:
			return xerrors.Errorf("%w: %s is closed", ErrUnknownRecipient, to)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (mt *MemTransport) Start(ctx context.Context, h Handler) error {
	mt.wg.Add(1)
	go func() {
		defer mt.wg.Done()
		for {
			select {
			case b := <-mt.inbox:
				metrics.Count(ctx, metrics.TransportChunkIn)
				from, frame, ok, err := mt.codec.Unpack(b)
				if err != nil {
					log.Warnw("dropping undecodable message", "err", err)
					continue
				}
				if !ok {
					continue
				}
				mt.wg.Add(1)
				go func() {
					defer mt.wg.Done()
					h(ctx, from, frame)
				}()
			case <-mt.closing:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (mt *MemTransport) Close() error {
	mt.closeOnce.Do(func() {
		mt.hub.lk.Lock()
		delete(mt.hub.nodes, mt.Identity())
		mt.hub.lk.Unlock()
		close(mt.closing)
	})
	mt.wg.Wait()
	return nil
}
