// Package gateway is the HTTP client for the remote follow API.
//
// Every response body is an envelope of the form {success, data, message}. Non-2xx
// responses are mapped onto apierr kinds; idempotent requests are retried with
// exponential backoff on transport failures, 429 and 5xx.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single HTTP attempt when no client is supplied.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxRetries is the retry budget for idempotent requests.
	DefaultMaxRetries = 3
	// DefaultPageLimit is the page size requested when callers pass none.
	DefaultPageLimit = 10

	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMaxRetryWait   = 30 * time.Second
	defaultUserAgent      = "followsync/1.0"
	maxResponseBodyBytes  = 8 << 20

	headerAccept         = "Accept"
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	headerRequestID      = "X-Request-ID"
	headerUserAgent      = "User-Agent"
	headerRetryAfter     = "Retry-After"
	headerRateLimitReset = "x-rate-limit-reset"
	contentTypeJSON      = "application/json"
	bearerPrefix         = "Bearer "

	logMessageRequestAttempt  = "remote request"
	logMessageRequestRetry    = "retrying remote request"
	logMessageRequestFailed   = "remote request failed"
	logMessageUnauthorizedHit = "remote api rejected session token"
	logFieldEndpoint          = "endpoint"
	logFieldMethod            = "method"
	logFieldPath              = "path"
	logFieldRequestID         = "request_id"
	logFieldStatus            = "status"
	logFieldDelay             = "delay"
	logFieldKind              = "kind"

	errMessageEmptyBaseURL   = "api base url cannot be empty"
	errMessageInvalidBaseURL = "invalid api base url"
	errMessageBuildRequest   = "build request"
	errMessageReadToken      = "read session token"
	errMessageReadResponse   = "read response body"
	errMessageEncodeRequest  = "encode request body"
	errMessageDecodeEnvelope = "decode response envelope"
	errMessageDecodeData     = "decode response data"
	errMessageRejected       = "request rejected"
)

var (
	// ErrEmptyBaseURL is returned when a Client is constructed without a base URL.
	ErrEmptyBaseURL = errors.New(errMessageEmptyBaseURL)
	// ErrInvalidProfileID is returned for non-positive profile identifiers.
	ErrInvalidProfileID = errors.New("profile id must be positive")
)

// TokenSource supplies the bearer token for authenticated requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// UnauthorizedHook is invoked with the token that the remote API rejected.
type UnauthorizedHook func(rejectedToken string)

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout applies to each attempt when HTTPClient is nil.
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetryWait caps waits requested through Retry-After and x-rate-limit-reset.
	MaxRetryWait time.Duration
	TokenSource  TokenSource
	UserAgent    string
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
}

// Client talks to the remote follow API.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetryWait   time.Duration
	tokenSource    TokenSource
	userAgent      string
	logger         *zap.Logger
	metrics        *metrics.Recorder

	hooksMutex        sync.RWMutex
	unauthorizedHooks []UnauthorizedHook
}

// NewClient validates the configuration and constructs a Client.
func NewClient(config Config) (*Client, error) {
	trimmedBaseURL := strings.TrimSpace(config.BaseURL)
	if trimmedBaseURL == "" {
		return nil, ErrEmptyBaseURL
	}
	parsedBaseURL, err := url.Parse(strings.TrimRight(trimmedBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageInvalidBaseURL, err)
	}
	if parsedBaseURL.Scheme == "" || parsedBaseURL.Host == "" {
		return nil, fmt.Errorf("%s: %q", errMessageInvalidBaseURL, trimmedBaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	initialBackoff := config.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	maxRetryWait := config.MaxRetryWait
	if maxRetryWait <= 0 {
		maxRetryWait = defaultMaxRetryWait
	}
	userAgent := strings.TrimSpace(config.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:        parsedBaseURL,
		httpClient:     httpClient,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		maxRetryWait:   maxRetryWait,
		tokenSource:    config.TokenSource,
		userAgent:      userAgent,
		logger:         logger,
		metrics:        config.Metrics,
	}, nil
}

// OnUnauthorized registers a hook invoked whenever a request carrying a token is
// answered with 401.
func (client *Client) OnUnauthorized(hook UnauthorizedHook) {
	if hook == nil {
		return
	}
	client.hooksMutex.Lock()
	defer client.hooksMutex.Unlock()
	client.unauthorizedHooks = append(client.unauthorizedHooks, hook)
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type requestBody struct {
	contents    []byte
	contentType string
}

type requestSpec struct {
	endpoint string
	method   string
	segments []string
	query    url.Values
	body     *requestBody
	// explicitToken overrides the token source.
	explicitToken string
	authenticated bool
	retryable     bool
}

// retryHintBackOff lets a 429 response stretch the next wait to what the server asked for.
type retryHintBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (hinted *retryHintBackOff) NextBackOff() time.Duration {
	next := hinted.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if hinted.hint > next {
		next = hinted.hint
	}
	hinted.hint = 0
	return next
}

func jsonBody(payload any) (*requestBody, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}
	return &requestBody{contents: encoded, contentType: contentTypeJSON}, nil
}

func (client *Client) execute(ctx context.Context, spec requestSpec, target any) error {
	token := spec.explicitToken
	if token == "" && spec.authenticated && client.tokenSource != nil {
		sourcedToken, err := client.tokenSource.Token(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", errMessageReadToken, err)
		}
		token = sourcedToken
	}

	requestURL := client.baseURL.JoinPath(spec.segments...)
	if len(spec.query) > 0 {
		requestURL.RawQuery = spec.query.Encode()
	}
	requestID := uuid.NewString()
	logger := client.logger.With(
		zap.String(logFieldEndpoint, spec.endpoint),
		zap.String(logFieldMethod, spec.method),
		zap.String(logFieldRequestID, requestID),
	)

	retryBudget := 0
	if spec.retryable {
		retryBudget = client.maxRetries
	}
	hinted := &retryHintBackOff{BackOff: backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(client.initialBackoff),
		backoff.WithMaxInterval(client.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(retryBudget)), ctx)

	startedAt := time.Now()
	lastStatus := 0
	operation := func() error {
		statusCode, retryAfter, attemptErr := client.attempt(ctx, spec, requestURL, requestID, token, target)
		lastStatus = statusCode
		if attemptErr == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if !apierr.IsRetryable(attemptErr) {
			return backoff.Permanent(attemptErr)
		}
		if retryAfter > client.maxRetryWait {
			retryAfter = client.maxRetryWait
		}
		hinted.hint = retryAfter
		return attemptErr
	}
	notify := func(err error, delay time.Duration) {
		client.metrics.ObserveGatewayRetry(spec.endpoint)
		logger.Warn(logMessageRequestRetry, zap.Error(err), zap.Duration(logFieldDelay, delay))
	}

	err := backoff.RetryNotify(operation, policy, notify)
	client.metrics.ObserveGatewayRequest(spec.endpoint, lastStatus, time.Since(startedAt))
	if err == nil {
		return nil
	}

	logger.Debug(logMessageRequestFailed,
		zap.String(logFieldStatus, metrics.StatusLabel(lastStatus)),
		zap.String(logFieldKind, string(apierr.KindOf(err))),
		zap.Error(err),
	)
	if token != "" && apierr.IsUnauthorized(err) {
		logger.Info(logMessageUnauthorizedHit)
		client.notifyUnauthorized(token)
	}
	return err
}

// attempt performs one HTTP exchange. It returns the status code (zero when no
// response arrived) and any wait the server asked for.
func (client *Client) attempt(ctx context.Context, spec requestSpec, requestURL *url.URL, requestID string, token string, target any) (int, time.Duration, error) {
	var bodyReader io.Reader
	if spec.body != nil {
		bodyReader = bytes.NewReader(spec.body.contents)
	}
	request, err := http.NewRequestWithContext(ctx, spec.method, requestURL.String(), bodyReader)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", errMessageBuildRequest, err)
	}
	request.Header.Set(headerAccept, contentTypeJSON)
	request.Header.Set(headerUserAgent, client.userAgent)
	request.Header.Set(headerRequestID, requestID)
	if spec.body != nil {
		request.Header.Set(headerContentType, spec.body.contentType)
	}
	if token != "" {
		request.Header.Set(headerAuthorization, bearerPrefix+token)
	}

	client.logger.Debug(logMessageRequestAttempt,
		zap.String(logFieldEndpoint, spec.endpoint),
		zap.String(logFieldPath, requestURL.Path),
		zap.String(logFieldRequestID, requestID),
	)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return 0, 0, apierr.Transport(err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err != nil {
		return response.StatusCode, 0, apierr.Transport(fmt.Errorf("%s: %w", errMessageReadResponse, err))
	}

	var decoded envelope
	envelopeErr := json.Unmarshal(body, &decoded)
	if len(bytes.TrimSpace(body)) == 0 {
		envelopeErr = nil
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		retryAfter := time.Duration(0)
		if response.StatusCode == http.StatusTooManyRequests {
			retryAfter = parseRetryHeaders(response.Header, time.Now())
		}
		return response.StatusCode, retryAfter, apierr.FromStatus(response.StatusCode, decoded.Message)
	}
	if envelopeErr != nil {
		return response.StatusCode, 0, apierr.Decode(fmt.Errorf("%s: %w", errMessageDecodeEnvelope, envelopeErr))
	}
	if decoded.Success != nil && !*decoded.Success {
		return response.StatusCode, 0, &apierr.Error{
			Kind:    apierr.KindValidation,
			Status:  response.StatusCode,
			Message: firstNonEmpty(decoded.Message, errMessageRejected),
		}
	}
	if target == nil || len(decoded.Data) == 0 || string(decoded.Data) == "null" {
		return response.StatusCode, 0, nil
	}
	if err := json.Unmarshal(decoded.Data, target); err != nil {
		return response.StatusCode, 0, apierr.Decode(fmt.Errorf("%s: %w", errMessageDecodeData, err))
	}
	return response.StatusCode, 0, nil
}

func (client *Client) notifyUnauthorized(rejectedToken string) {
	client.hooksMutex.RLock()
	hooks := append([]UnauthorizedHook(nil), client.unauthorizedHooks...)
	client.hooksMutex.RUnlock()
	for _, hook := range hooks {
		hook(rejectedToken)
	}
}

// parseRetryHeaders prefers Retry-After (seconds or HTTP date) and falls back to the
// x-rate-limit-reset epoch. Zero means the server gave no hint.
func parseRetryHeaders(headers http.Header, now time.Time) time.Duration {
	if retryAfter := strings.TrimSpace(headers.Get(headerRetryAfter)); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
		if retryAt, err := http.ParseTime(retryAfter); err == nil {
			if wait := retryAt.Sub(now); wait > 0 {
				return wait
			}
			return 0
		}
	}
	if reset := strings.TrimSpace(headers.Get(headerRateLimitReset)); reset != "" {
		if unixSeconds, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if wait := time.Unix(unixSeconds, 0).Sub(now); wait > 0 {
				return wait
			}
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func profileSegment(profileID int64) (string, error) {
	if profileID <= 0 {
		return "", ErrInvalidProfileID
	}
	return strconv.FormatInt(profileID, 10), nil
}
