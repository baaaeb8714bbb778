package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "willow"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reloads        *prom.CounterVec
	reloadDuration prom.Histogram
	framesDropped  prom.Counter
	transcriptions prom.Counter
	configUpdates  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the daemon metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		reloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Recognition engine reloads by terminal result",
		}, []string{"result"}),
		reloadDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "reload_duration_seconds",
			Help:      "Time from reload start to terminal state",
			Buckets:   prom.DefBuckets,
		}),
		framesDropped: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped while the engine was not ready",
		}),
		transcriptions: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Completed speech segment transcriptions",
		}),
		configUpdates: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Configuration update calls by result",
		}, []string{"result"}),
	}
	reg.MustRegister(pr.reloads, pr.reloadDuration, pr.framesDropped, pr.transcriptions, pr.configUpdates)
	return pr
}

func (p *PrometheusRecorder) IncReload(result ResultLabel) {
	if p == nil {
		return
	}
	p.reloads.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveReloadDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.reloadDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncFramesDropped(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.framesDropped.Add(float64(n))
}

func (p *PrometheusRecorder) IncTranscriptions() {
	if p == nil {
		return
	}
	p.transcriptions.Inc()
}

func (p *PrometheusRecorder) IncConfigUpdate(result ResultLabel) {
	if p == nil {
		return
	}
	p.configUpdates.WithLabelValues(string(result)).Inc()
}

// HTTPHandler returns an http.Handler that serves metrics for the provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
