package metrics

import (
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	logging "github.com/ipfs/go-log/v2"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"
)

var log = logging.Logger("metrics")

// NewExporter registers views and returns an http handler serving them in
// the prometheus exposition format.
func NewExporter(namespace string, views ...*view.View) (http.Handler, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: namespace,
	})
	if err != nil {
		return nil, xerrors.Errorf("could not create the prometheus stats exporter: %w", err)
	}

	if err := view.Register(views...); err != nil {
		return nil, xerrors.Errorf("cannot register the view: %w", err)
	}
	log.Debugw("registered metric views", "count", len(views))

	return exporter, nil
}
