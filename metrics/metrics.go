// Package metrics exposes the run's progress as Prometheus counters and
// gauges, served over an optional /metrics endpoint.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Progress tracks a single run's position through its measurement
// schedule and exports it as Prometheus metrics labeled by run ID.
type Progress struct {
	runID string

	measurementsTotal   prometheus.Counter
	currentTransaction  prometheus.Gauge
	currentChannel      prometheus.Gauge
	measurementsPlanned prometheus.Gauge
}

// NewProgress registers a fresh set of gauges/counters for runID against
// reg. Registering the same runID twice panics, matching
// client_golang's own double-registration behavior — callers create one
// Progress per process lifetime.
func NewProgress(reg prometheus.Registerer, runID string) *Progress {
	p := &Progress{
		runID: runID,
		measurementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mercator_measurements_total",
			Help:        "Number of completed tx/rx measurement steps.",
			ConstLabels: prometheus.Labels{"run_id": runID},
		}),
		currentTransaction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mercator_current_transaction",
			Help:        "Index of the transaction currently in progress.",
			ConstLabels: prometheus.Labels{"run_id": runID},
		}),
		currentChannel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mercator_current_channel",
			Help:        "Channel number currently being measured.",
			ConstLabels: prometheus.Labels{"run_id": runID},
		}),
		measurementsPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mercator_measurements_planned",
			Help:        "Total number of measurement steps planned for this run.",
			ConstLabels: prometheus.Labels{"run_id": runID},
		}),
	}
	reg.MustRegister(p.measurementsTotal, p.currentTransaction, p.currentChannel, p.measurementsPlanned)
	return p
}

// SetPlanned records the total step count computed once the schedule is
// known.
func (p *Progress) SetPlanned(n int) { p.measurementsPlanned.Set(float64(n)) }

// BeginStep records the transaction/channel about to run.
func (p *Progress) BeginStep(transCtr, channel int) {
	p.currentTransaction.Set(float64(transCtr))
	p.currentChannel.Set(float64(channel))
}

// EndStep increments the completed-measurement counter.
func (p *Progress) EndStep() { p.measurementsTotal.Inc() }

// ServeHTTP starts a /metrics HTTP server on addr using reg, and blocks
// until ctx is canceled or the server fails. Intended to run on its own
// goroutine alongside the controller.
func ServeHTTP(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
