package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/f-sync/followsync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderExposesObservations(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	require.NoError(t, err)

	recorder.ObserveGatewayRequest("profile_me", http.StatusOK, 10*time.Millisecond)
	recorder.ObserveGatewayRequest("profile_me", 0, time.Millisecond)
	recorder.ObserveGatewayRetry("profile_me")
	recorder.ObserveSessionTransition("authenticated")
	recorder.ObserveGraphMutation("follow", metrics.OutcomeFailure)
	recorder.ObserveGraphRollback("follow")

	count, err := testutil.GatherAndCount(registry, "followsync_gateway_requests_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	expected := `
# HELP followsync_graph_rollbacks_total Optimistic mutations rolled back after a remote failure.
# TYPE followsync_graph_rollbacks_total counter
followsync_graph_rollbacks_total{kind="follow"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "followsync_graph_rollbacks_total"))

	recorder2Registry := prometheus.NewRegistry()
	_, err = metrics.NewRecorder(recorder2Registry)
	require.NoError(t, err)
	_, err = metrics.NewRecorder(recorder2Registry)
	require.Error(t, err, "registering the same collectors twice must fail")
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()
	var recorder *metrics.Recorder
	recorder.ObserveGatewayRequest("x", http.StatusOK, time.Second)
	recorder.ObserveGraphLoad("followers", metrics.OutcomeSuccess)
	recorder.ObserveCloneFollow(metrics.OutcomeSkipped)
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	require.NoError(t, err)
	recorder.ObserveSessionTransition("anonymous")

	responseRecorder := httptest.NewRecorder()
	metrics.Handler(registry).ServeHTTP(responseRecorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, responseRecorder.Code)
	require.Contains(t, responseRecorder.Body.String(), `followsync_session_transitions_total{state="anonymous"} 1`)
}
