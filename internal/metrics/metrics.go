// Package metrics exposes Prometheus collectors for the gateway, session and graph layers.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "followsync"

	labelEndpoint    = "endpoint"
	labelStatusClass = "status_class"
	labelState       = "state"
	labelKind        = "kind"
	labelOutcome     = "outcome"
	labelCollection  = "collection"

	// OutcomeSuccess labels an operation that completed.
	OutcomeSuccess = "success"
	// OutcomeFailure labels an operation that surfaced an error.
	OutcomeFailure = "failure"
	// OutcomeSkipped labels an operation that was not attempted.
	OutcomeSkipped = "skipped"

	statusClassTransport = "transport"
	statusClassFormat    = "%dxx"

	errMessageRegisterCollector = "register collector"
)

// Recorder owns every collector. A nil *Recorder is valid and records nothing.
type Recorder struct {
	gatewayRequests    *prometheus.CounterVec
	gatewayRetries     *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	sessionTransitions *prometheus.CounterVec
	graphLoads         *prometheus.CounterVec
	graphMutations     *prometheus.CounterVec
	graphRollbacks     *prometheus.CounterVec
	cloneFollows       *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them on registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_requests_total",
			Help:      "Remote API requests by endpoint and response status class.",
		}, []string{labelEndpoint, labelStatusClass}),
		gatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_retries_total",
			Help:      "Remote API request retries by endpoint.",
		}, []string{labelEndpoint}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Remote API request latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelEndpoint}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{labelState}),
		graphLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "graph_loads_total",
			Help:      "Follow graph loads by collection and outcome.",
		}, []string{labelCollection, labelOutcome}),
		graphMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "graph_mutations_total",
			Help:      "Follow and unfollow mutations by kind and outcome.",
		}, []string{labelKind, labelOutcome}),
		graphRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "graph_rollbacks_total",
			Help:      "Optimistic mutations rolled back after a remote failure.",
		}, []string{labelKind}),
		cloneFollows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "clone_follows_total",
			Help:      "Follow attempts issued by clone runs by outcome.",
		}, []string{labelOutcome}),
	}
	if registerer == nil {
		return recorder, nil
	}
	collectors := []prometheus.Collector{
		recorder.gatewayRequests,
		recorder.gatewayRetries,
		recorder.gatewayLatency,
		recorder.sessionTransitions,
		recorder.graphLoads,
		recorder.graphMutations,
		recorder.graphRollbacks,
		recorder.cloneFollows,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageRegisterCollector, err)
		}
	}
	return recorder, nil
}

// Handler serves the metrics gathered by gatherer in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveGatewayRequest records one completed remote call. A zero status means the
// request never produced a response.
func (recorder *Recorder) ObserveGatewayRequest(endpoint string, statusCode int, elapsed time.Duration) {
	if recorder == nil {
		return
	}
	recorder.gatewayRequests.WithLabelValues(endpoint, statusClass(statusCode)).Inc()
	recorder.gatewayLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveGatewayRetry records one retry of a remote call.
func (recorder *Recorder) ObserveGatewayRetry(endpoint string) {
	if recorder == nil {
		return
	}
	recorder.gatewayRetries.WithLabelValues(endpoint).Inc()
}

// ObserveSessionTransition records a transition into state.
func (recorder *Recorder) ObserveSessionTransition(state string) {
	if recorder == nil {
		return
	}
	recorder.sessionTransitions.WithLabelValues(state).Inc()
}

// ObserveGraphLoad records a list or count load.
func (recorder *Recorder) ObserveGraphLoad(collection string, outcome string) {
	if recorder == nil {
		return
	}
	recorder.graphLoads.WithLabelValues(collection, outcome).Inc()
}

// ObserveGraphMutation records a follow or unfollow outcome.
func (recorder *Recorder) ObserveGraphMutation(kind string, outcome string) {
	if recorder == nil {
		return
	}
	recorder.graphMutations.WithLabelValues(kind, outcome).Inc()
}

// ObserveGraphRollback records an optimistic mutation being reverted.
func (recorder *Recorder) ObserveGraphRollback(kind string) {
	if recorder == nil {
		return
	}
	recorder.graphRollbacks.WithLabelValues(kind).Inc()
}

// ObserveCloneFollow records one follow decision taken by a clone run.
func (recorder *Recorder) ObserveCloneFollow(outcome string) {
	if recorder == nil {
		return
	}
	recorder.cloneFollows.WithLabelValues(outcome).Inc()
}

func statusClass(statusCode int) string {
	if statusCode <= 0 {
		return statusClassTransport
	}
	return fmt.Sprintf(statusClassFormat, statusCode/100)
}

// StatusLabel renders a status code for log fields.
func StatusLabel(statusCode int) string {
	if statusCode <= 0 {
		return statusClassTransport
	}
	return strconv.Itoa(statusCode)
}
