package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"modelworker/pkg/types"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelworker",
			Subsystem: "inference",
			Name:      "generations_total",
			Help:      "Total generations by model and outcome",
		},
		[]string{"model", "status"},
	)

	firstTokenSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelworker",
			Subsystem: "inference",
			Name:      "first_token_seconds",
			Help:      "Latency from request start to the first generated token",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model"},
	)

	tokensPerSecond = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelworker",
			Subsystem: "inference",
			Name:      "tokens_per_second",
			Help:      "Token throughput of finished generations",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"model"},
	)

	completionTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelworker",
			Subsystem: "inference",
			Name:      "completion_tokens_total",
			Help:      "Total completion tokens produced",
		},
		[]string{"model"},
	)

	activeStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modelworker",
			Subsystem: "inference",
			Name:      "active_streams",
			Help:      "Generations currently streaming",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, firstTokenSeconds, tokensPerSecond, completionTokens, activeStreams)
}

// StreamStarted marks a generation as in progress.
func StreamStarted(model string) { activeStreams.WithLabelValues(model).Inc() }

// ObserveFinished records the final metrics of a generation.
func ObserveFinished(model string, m *types.InferenceMetrics, failed bool) {
	activeStreams.WithLabelValues(model).Dec()
	status := "ok"
	if failed {
		status = "error"
	}
	generationsTotal.WithLabelValues(model, status).Inc()
	if m == nil {
		return
	}
	if m.FirstTokenTimeMs != nil {
		firstTokenSeconds.WithLabelValues(model).Observe(float64(*m.FirstTokenTimeMs-m.StartTimeMs) / 1000.0)
	}
	if m.SpeedPerSecond > 0 {
		tokensPerSecond.WithLabelValues(model).Observe(m.SpeedPerSecond)
	}
	if m.CompletionTokens > 0 {
		completionTokens.WithLabelValues(model).Add(float64(m.CompletionTokens))
	}
}
