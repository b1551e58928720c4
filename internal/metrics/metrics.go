// Package metrics defines the Prometheus collectors exported on the
// manager's metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "yknsd"

var (
	DNSQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dns_queries_total",
		Help:      "DNS requests answered, by transport and response code.",
	}, []string{"transport", "rcode"})

	ReconcileEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_events_total",
		Help:      "Watch events applied, by source and event type.",
	}, []string{"source", "event"})

	Resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_resyncs_total",
		Help:      "Full list cycles started, by source.",
	}, []string{"source"})

	CertificatesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_issued_total",
		Help:      "Leaf certificates signed by the local CA.",
	})

	SecretPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "secret_pushes_total",
		Help:      "Certificate pushes into secrets, by result.",
	}, []string{"result"})
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		DNSQueries,
		ReconcileEvents,
		Resyncs,
		CertificatesIssued,
		SecretPushes,
	)
}

// RegisterStoreSize exports the number of resolvable names reported by fn.
// The returned collector can be passed to Unregister.
func RegisterStoreSize(fn func() int) (prometheus.Collector, error) {
	c := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_names",
		Help:      "Owner-names currently resolvable.",
	}, func() float64 {
		return float64(fn())
	})
	if err := ctrlmetrics.Registry.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
