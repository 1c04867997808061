package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/gossip"
	"github.com/giggossip/giggossip/liquidity"
	"github.com/giggossip/giggossip/metrics"
	"github.com/giggossip/giggossip/settler"
)

// SettlerHandler serves the settler API, with metrics at /debug/metrics
// when metricsHandler is set.
func SettlerHandler(api settler.API, metricsHandler http.Handler) http.Handler {
	m := mux.NewRouter()
	m.Handle(settler.RPCPath, settler.NewRPCHandler(api))
	if metricsHandler != nil {
		m.Handle("/debug/metrics", metricsHandler)
	}
	return m
}

// GossipHandler serves the gossip operator API and the payout ledger on the
// admin listener.
func GossipHandler(api GossipNodeAPI) http.Handler {
	m := mux.NewRouter()
	m.Handle(gossip.RPCPath, gossip.NewRPCHandler(api.Gossip))
	m.PathPrefix("/liquidity").Handler(http.StripPrefix("/liquidity", liquidity.NewRPCHandler(api.Liquidity)))
	return m
}

// MetricsHandler exports views in prometheus format and tags the node info
// gauge with nodeType.
func MetricsHandler(namespace, nodeType string, views ...*view.View) (http.Handler, error) {
	h, err := metrics.NewExporter(namespace, views...)
	if err != nil {
		return nil, err
	}
	metrics.RecordInfo(context.Background(), nodeType)
	return h, nil
}

// ServeRPC serves h on addr until the returned StopFunc is called. The
// listener is bound before ServeRPC returns.
func ServeRPC(h http.Handler, id string, addr multiaddr.Multiaddr) (StopFunc, net.Addr, error) {
	lst, err := manet.Listen(addr)
	if err != nil {
		return nil, nil, xerrors.Errorf("could not listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		err := srv.Serve(manet.NetListener(lst))
		if !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("rpc server failed: %s", err)
		}
	}()

	log.Infow("serving rpc", "id", id, "addr", lst.Multiaddr())
	return srv.Shutdown, lst.Addr(), nil
}

// DialURL turns a listen multiaddr into a URL a client can dial, e.g.
// ws://127.0.0.1:9090/rpc/v0.
func DialURL(scheme, maddr, path string) (string, error) {
	ma, err := multiaddr.NewMultiaddr(maddr)
	if err != nil {
		return "", xerrors.Errorf("parsing %s: %w", maddr, err)
	}
	_, addr, err := manet.DialArgs(ma)
	if err != nil {
		return "", err
	}
	return scheme + "://" + addr + path, nil
}
