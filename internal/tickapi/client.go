// Package tickapi calls the remote tick endpoint
package tickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"trade_executor/internal/core"
	apperrors "trade_executor/pkg/errors"
	"trade_executor/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxDetailLength = 200
	maxBodyBytes    = 10 << 20
	userAgent       = "trade_executor/1.0"
)

// TimeoutError is returned when the endpoint does not answer within the
// deadline. The request may still have reached the remote side.
type TimeoutError struct {
	URL   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout: %s did not respond in %s", e.URL, e.After)
}

func (e *TimeoutError) Unwrap() error { return apperrors.ErrTickTimeout }

// TransportError wraps a network level failure
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ConnectionError: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError is a non-2xx reply
type RemoteError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%d", e.StatusCode)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Detail)
}

// DecodeError is a 2xx reply whose body could not be parsed. The transactions
// sent with the request were acknowledged.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", apperrors.ErrMalformedOrders, e.Err)
}

func (e *DecodeError) Unwrap() error { return apperrors.ErrMalformedOrders }

// Acknowledged reports whether err proves the remote side accepted the request
func Acknowledged(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Option customizes the client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client posts tick requests. One call is one HTTP request; there are no
// retries, the next scheduled tick is the retry.
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  core.ILogger
	tracer  trace.Tracer
}

// NewClient creates a tick client. timeout bounds the whole call, including
// reading the response body.
func NewClient(url, apiKey string, timeout time.Duration, logger core.ILogger, opts ...Option) *Client {
	c := &Client{
		url:     url,
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.WithField("component", "tick_client"),
		tracer:  telemetry.GetTracer("tickapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the tick endpoint
func (c *Client) URL() string {
	return c.url
}

type rawResponse struct {
	status int
	body   []byte
	err    error
}

// Tick sends prices and pending transactions and returns the decoded reply.
// The deadline is enforced here rather than trusted to the transport: on
// expiry the request is cancelled and abandoned.
func (c *Client) Tick(ctx context.Context, req *core.TickRequest) (*core.TickResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tick request: %w", err)
	}

	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "tick",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.url", c.url),
			attribute.String("request_id", requestID),
			attribute.Int("tick.prices", len(req.Prices)),
			attribute.Int("tick.transactions", len(req.Transactions)),
		),
	)
	defer span.End()

	start := time.Now()
	raw, err := c.post(ctx, requestID, payload)
	elapsed := float64(time.Since(start).Milliseconds())

	outcome := "ok"
	defer func() {
		telemetry.GetGlobalMetrics().RecordRemoteLatency(ctx, elapsed, outcome)
	}()

	if err != nil {
		outcome = "transport"
		var te *TimeoutError
		if errors.As(err, &te) {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", raw.status))
	c.logger.Debug("Tick response", "request_id", requestID, "status", raw.status, "bytes", len(raw.body), "elapsed_ms", elapsed)

	if raw.status < 200 || raw.status >= 300 {
		outcome = "rejected"
		rerr := &RemoteError{StatusCode: raw.status, Detail: ExtractDetail(raw.body)}
		span.SetStatus(codes.Error, rerr.Error())
		return nil, rerr
	}

	var resp core.TickResponse
	if err := json.Unmarshal(raw.body, &resp); err != nil {
		outcome = "malformed"
		derr := &DecodeError{Err: err}
		span.SetStatus(codes.Error, derr.Error())
		return nil, derr
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, requestID string, payload []byte) (*rawResponse, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("X-Request-ID", requestID)

	// Buffered so the goroutine never blocks after the caller gave up
	done := make(chan rawResponse, 1)
	go func() {
		resp, err := c.http.Do(httpReq)
		if err != nil {
			done <- rawResponse{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		done <- rawResponse{status: resp.StatusCode, body: body, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) || isTimeout(r.err) {
				return nil, &TimeoutError{URL: c.url, After: c.timeout}
			}
			return nil, &TransportError{Err: r.err}
		}
		return &r, nil
	case <-timer.C:
		c.logger.Warn("Tick request abandoned", "request_id", requestID, "timeout", c.timeout.String())
		return nil, &TimeoutError{URL: c.url, After: c.timeout}
	case <-ctx.Done():
		return nil, &TransportError{Err: ctx.Err()}
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// ExtractDetail pulls a readable message out of an error body: the detail
// field, then the error field, then a nested error inside either. A body that
// is not JSON is returned as text, truncated to 200 characters.
func ExtractDetail(body []byte) string {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return truncate(string(body), maxDetailLength)
	}

	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return ""
	}

	var detail interface{}
	switch {
	case truthy(obj["detail"]):
		detail = obj["detail"]
	case truthy(obj["error"]):
		detail = obj["error"]
	default:
		return ""
	}

	if nested, ok := detail.(map[string]interface{}); ok {
		if inner, ok := nested["error"]; ok {
			detail = inner
		}
	}
	return stringify(detail)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case map[string]interface{}:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
