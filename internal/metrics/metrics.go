// Package metrics exposes Prometheus instrumentation for the agent
// runtime. Every method is safe to call on a nil *Metrics, so components
// take an optional *Metrics without guard checks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ollama_desktop"

// Metrics holds the runtime's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Turns counts finished turns. Labels: outcome (ok|error|need_permission|loop_exceeded).
	Turns *prometheus.CounterVec

	// ModelRequests counts streamed chat requests. Labels: model, status (ok|error).
	ModelRequests *prometheus.CounterVec

	// ModelLatency measures time to a complete streamed response in seconds. Labels: model.
	ModelLatency *prometheus.HistogramVec

	// ToolExecutions counts tool calls. Labels: tool, status (ok|error).
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds. Labels: tool.
	ToolDuration *prometheus.HistogramVec

	// RetrievedChunks observes how many chunks made it into a prompt.
	RetrievedChunks prometheus.Histogram

	// RetrievalDegraded counts retrievals that fell back to no context. Labels: reason.
	RetrievalDegraded *prometheus.CounterVec

	// VectorStoreUp is 1 when the last health probe succeeded.
	VectorStoreUp prometheus.Gauge

	// VectorizeDropped counts background vectorization jobs dropped on a full queue.
	VectorizeDropped prometheus.Counter

	// ServiceUp is 1 while a watched dependency answers its probe. Labels: service.
	ServiceUp *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "turns_total",
			Help: "Conversation turns by outcome.",
		}, []string{"outcome"}),
		ModelRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "model_requests_total",
			Help: "Streamed chat requests to the model service.",
		}, []string{"model", "status"}),
		ModelLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "model_request_seconds",
			Help:    "Time to a complete streamed chat response.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_executions_total",
			Help: "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_execution_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		RetrievedChunks: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "retrieved_chunks",
			Help:    "Chunks included in a retrieval context block.",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		}),
		RetrievalDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retrieval_degraded_total",
			Help: "Retrievals that returned no context because of a failure.",
		}, []string{"reason"}),
		VectorStoreUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vectorstore_up",
			Help: "Whether the last vector store health probe succeeded.",
		}),
		VectorizeDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vectorize_dropped_total",
			Help: "Background vectorization jobs dropped because the queue was full.",
		}),
		ServiceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_up",
			Help: "Whether a watched dependency answered its last probe.",
		}, []string{"service"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// TurnFinished records a turn outcome.
func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// ModelRequest records one streamed chat request.
func (m *Metrics) ModelRequest(model string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ModelRequests.WithLabelValues(model, status(ok)).Inc()
	if ok {
		m.ModelLatency.WithLabelValues(model).Observe(elapsed.Seconds())
	}
}

// ToolExecuted records one tool call.
func (m *Metrics) ToolExecuted(tool string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(ok)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Retrieved records the number of chunks placed in a context block.
func (m *Metrics) Retrieved(chunks int) {
	if m == nil {
		return
	}
	m.RetrievedChunks.Observe(float64(chunks))
}

// RetrievalFailed records a retrieval that degraded to no context.
func (m *Metrics) RetrievalFailed(reason string) {
	if m == nil {
		return
	}
	m.RetrievalDegraded.WithLabelValues(reason).Inc()
}

// SetVectorStoreUp implements vectorstore.HealthObserver.
func (m *Metrics) SetVectorStoreUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.VectorStoreUp.Set(1)
	} else {
		m.VectorStoreUp.Set(0)
	}
}

// VectorizeDrop records a dropped background job.
func (m *Metrics) VectorizeDrop() {
	if m == nil {
		return
	}
	m.VectorizeDropped.Inc()
}

// SetServiceUp implements connwatch.Observer.
func (m *Metrics) SetServiceUp(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ServiceUp.WithLabelValues(service).Set(v)
}
