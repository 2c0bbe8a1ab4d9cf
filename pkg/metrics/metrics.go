// Package metrics defines the Prometheus collectors shared by the saga
// consumers, the state store, and the tool-call runtime. Collectors live in
// one place so multiple consumers in the same process never double-register.
package metrics

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// InstanceID labels per-replica metrics. Defaults to the hostname, which is
// the pod name under Kubernetes.
var InstanceID = func() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}()

// Consumer metrics.
var (
	SagaConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_consumer_messages_total",
		Help: "Total messages processed by saga consumers",
	}, []string{"consumer", "status", "instance"})

	SagaConsumerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_consumer_duration_seconds",
		Help:    "Consumer processing time",
		Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	}, []string{"consumer"})
)

// LLM metrics.
var (
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Total tokens used by LLM",
	}, []string{"consumer", "type"})

	LLMToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tool_calls_total",
		Help: "Tool calls made per LLM request",
	}, []string{"consumer"})

	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "Total LLM API requests",
	}, []string{"consumer", "model"})
)

// Saga completion metrics, recorded by the state store on terminal writes.
var (
	SagaCompletionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_completion_total",
		Help: "Total number of completed sagas by status",
	}, []string{"status"})

	SagaDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Duration of completed sagas in seconds",
		Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
	}, []string{"status"})
)
