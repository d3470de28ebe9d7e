// Package metrics exposes Prometheus instrumentation for the agent runtime.
// Every Collector method is safe on a nil receiver so components can run
// without metrics wired in.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry and the runtime's metric families.
type Collector struct {
	registry *prometheus.Registry

	factoryInits   *prometheus.CounterVec
	factoryTools   *prometheus.GaugeVec
	agentCreations *prometheus.CounterVec

	invocations        *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	toolCalls          *prometheus.CounterVec

	llmRequests  *prometheus.CounterVec
	llmTokens    *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector registers all metric families under namespace on a fresh registry.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		factoryInits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "factory_initializations_total",
			Help:      "Agent factory initialization attempts by outcome.",
		}, []string{"outcome"}),
		factoryTools: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "factory_tools",
			Help:      "Tools in the cached toolset by source.",
		}, []string{"source"}),
		agentCreations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_creations_total",
			Help:      "Per-request agent creations by outcome.",
		}, []string{"outcome"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Agent invocations by status.",
		}, []string{"status"}),
		invocationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of one agent invocation.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Model requests by model and status.",
		}, []string{"model", "status"}),
		llmTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"model", "direction"}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_circuit_state",
			Help:      "Model circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"model"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// FactoryInitialized records one initialization attempt and, on success, the
// composition of the cached toolset.
func (c *Collector) FactoryInitialized(ok bool, remoteTools, localTools int) {
	if c == nil {
		return
	}
	if !ok {
		c.factoryInits.WithLabelValues("failure").Inc()
		return
	}
	c.factoryInits.WithLabelValues("success").Inc()
	c.factoryTools.WithLabelValues("remote").Set(float64(remoteTools))
	c.factoryTools.WithLabelValues("local").Set(float64(localTools))
}

// AgentCreated records a CreateAgent outcome ("success" or the failing stage).
func (c *Collector) AgentCreated(outcome string) {
	if c == nil {
		return
	}
	c.agentCreations.WithLabelValues(outcome).Inc()
}

// Invocation records one finished agent turn.
func (c *Collector) Invocation(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(status).Inc()
	c.invocationDuration.Observe(d.Seconds())
}

// ToolCall records one tool execution.
func (c *Collector) ToolCall(tool string, isError bool) {
	if c == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	c.toolCalls.WithLabelValues(tool, status).Inc()
}

// LLMRequest records one model round trip and its token usage.
func (c *Collector) LLMRequest(model, status string, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequests.WithLabelValues(model, status).Inc()
	c.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// CircuitState records the breaker state of a model, using gobreaker's
// numbering (0 closed, 1 half-open, 2 open).
func (c *Collector) CircuitState(model string, state int) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(model).Set(float64(state))
}

// HTTPRequest records one served HTTP request.
func (c *Collector) HTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
