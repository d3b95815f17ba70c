package gateway

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryHeaders(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	testCases := []struct {
		name         string
		headers      http.Header
		expectedWait time.Duration
	}{
		{name: "retry after seconds", headers: http.Header{"Retry-After": {"3"}}, expectedWait: 3 * time.Second},
		{name: "retry after date", headers: http.Header{"Retry-After": {now.Add(5 * time.Second).Format(http.TimeFormat)}}, expectedWait: 5 * time.Second},
		{name: "rate limit reset", headers: http.Header{"X-Rate-Limit-Reset": {"1704110410"}}, expectedWait: 10 * time.Second},
		{name: "reset in the past", headers: http.Header{"X-Rate-Limit-Reset": {"1704110000"}}, expectedWait: 0},
		{name: "no headers", headers: http.Header{}, expectedWait: 0},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if wait := parseRetryHeaders(testCase.headers, now); wait != testCase.expectedWait {
				t.Fatalf("expected %s, got %s", testCase.expectedWait, wait)
			}
		})
	}
}
