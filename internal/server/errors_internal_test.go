package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/session"
	"github.com/stretchr/testify/require"
)

func TestStatusForError(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "not authenticated", err: session.ErrNotAuthenticated, expected: http.StatusUnauthorized},
		{name: "mutation in flight", err: fmt.Errorf("follow: %w", graph.ErrMutationInFlight), expected: http.StatusConflict},
		{name: "self follow", err: graph.ErrSelfFollow, expected: http.StatusBadRequest},
		{name: "remote validation", err: apierr.FromStatus(http.StatusUnprocessableEntity, "bad"), expected: http.StatusBadRequest},
		{name: "remote rate limit", err: apierr.FromStatus(http.StatusTooManyRequests, ""), expected: http.StatusTooManyRequests},
		{name: "remote outage", err: apierr.FromStatus(http.StatusServiceUnavailable, ""), expected: http.StatusBadGateway},
		{name: "transport", err: apierr.Transport(errors.New("refused")), expected: http.StatusBadGateway},
		{name: "unknown", err: errors.New("boom"), expected: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, testCase.expected, statusForError(testCase.err))
		})
	}
}
