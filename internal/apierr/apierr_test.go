package apierr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/f-sync/followsync/internal/apierr"
)

func TestFromStatus(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name            string
		status          int
		serverMessage   string
		expectedKind    apierr.Kind
		expectedMessage string
		retryable       bool
	}{
		{name: "bad request keeps server message", status: http.StatusBadRequest, serverMessage: "username taken", expectedKind: apierr.KindValidation, expectedMessage: "username taken"},
		{name: "bad request default", status: http.StatusBadRequest, expectedKind: apierr.KindValidation, expectedMessage: "invalid data"},
		{name: "unauthorized ignores server message", status: http.StatusUnauthorized, serverMessage: "jwt expired", expectedKind: apierr.KindUnauthorized, expectedMessage: "invalid credentials"},
		{name: "forbidden", status: http.StatusForbidden, expectedKind: apierr.KindForbidden, expectedMessage: "access denied"},
		{name: "not found", status: http.StatusNotFound, expectedKind: apierr.KindNotFound, expectedMessage: "resource not found"},
		{name: "conflict", status: http.StatusConflict, serverMessage: "already following", expectedKind: apierr.KindConflict, expectedMessage: "already following"},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, expectedKind: apierr.KindValidation, expectedMessage: "invalid input data"},
		{name: "rate limited", status: http.StatusTooManyRequests, expectedKind: apierr.KindRateLimited, expectedMessage: "too many requests", retryable: true},
		{name: "server", status: http.StatusBadGateway, expectedKind: apierr.KindServer, expectedMessage: "internal server error", retryable: true},
		{name: "other client error", status: http.StatusTeapot, expectedKind: apierr.KindValidation, expectedMessage: "unknown error"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			apiError := apierr.FromStatus(testCase.status, testCase.serverMessage)
			if apiError.Kind != testCase.expectedKind {
				t.Fatalf("expected kind %s, got %s", testCase.expectedKind, apiError.Kind)
			}
			if apiError.Message != testCase.expectedMessage {
				t.Fatalf("expected message %q, got %q", testCase.expectedMessage, apiError.Message)
			}
			if apierr.IsRetryable(apiError) != testCase.retryable {
				t.Fatalf("expected retryable=%v", testCase.retryable)
			}
		})
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("load followers: %w", apierr.FromStatus(http.StatusUnauthorized, ""))
	if !apierr.IsUnauthorized(wrapped) {
		t.Fatalf("expected wrapped unauthorized error to be detected")
	}
	if apierr.KindOf(errors.New("plain")) != apierr.KindUnknown {
		t.Fatalf("expected plain errors to be unknown")
	}
	if apierr.Is(nil, apierr.KindUnknown) {
		t.Fatalf("nil error must not match any kind")
	}
}

func TestTransportErrorIsRetryableAndUnwraps(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	transportError := apierr.Transport(cause)
	if !errors.Is(transportError, cause) {
		t.Fatalf("expected transport error to unwrap to its cause")
	}
	if !apierr.IsRetryable(transportError) {
		t.Fatalf("expected transport errors to be retryable")
	}
	if apierr.IsRetryable(apierr.Decode(cause)) {
		t.Fatalf("decode errors must not be retried")
	}
}
