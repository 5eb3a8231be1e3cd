package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/oremus-labs/agentdesk/internal/metrics"
	"github.com/oremus-labs/agentdesk/internal/observability"
)

const maxBodyBytes = 8 << 20

// Credentials supplies the bearer token and reacts to its rejection.
type Credentials interface {
	Token(ctx context.Context) string
	// Expire clears the credential and raises the expiry signal. It reports
	// whether the signal fired.
	Expire(ctx context.Context, reason string) bool
}

// Request describes one envelope call.
type Request struct {
	Method string
	Path   string
	// Route is the templated path used for metrics labels; defaults to Path.
	Route string
	Query url.Values
	// Body is JSON-encoded unless Form is set.
	Body interface{}
	Form url.Values
	// NoRetry disables retries even for GET. Other methods are never
	// retried: a mutation whose response was lost may already be applied.
	NoRetry bool
	// NoAuth sends the call without a credential. A 401 on such a call is a
	// plain failure, not an expiry.
	NoAuth bool
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
}

func (r Request) retryable() bool {
	if r.NoRetry {
		return false
	}
	switch strings.ToUpper(r.Method) {
	case "", http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

func (r Request) route() string {
	if r.Route != "" {
		return r.Route
	}
	return r.Path
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Credentials   Credentials
	HTTPClient    *http.Client
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *zerolog.Logger
}

// Client performs envelope calls against the backend API.
type Client struct {
	baseURL       string
	credentials   Credentials
	httpClient    *http.Client
	timeout       time.Duration
	retryAttempts int
	retryDelay    time.Duration
	logger        zerolog.Logger
}

// New constructs a Client with defaults for unset options.
func New(opts Options) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		credentials:   opts.Credentials,
		httpClient:    opts.HTTPClient,
		timeout:       opts.Timeout,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		logger:        log.With().Str("component", "transport").Logger(),
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.retryAttempts < 1 {
		c.retryAttempts = 3
	}
	if c.retryDelay < 0 {
		c.retryDelay = 0
	}
	return c
}

// BaseURL returns the API root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Credentials returns the credential source, which may be nil.
func (c *Client) Credentials() Credentials { return c.credentials }

// Token returns the current bearer token or "".
func (c *Client) Token(ctx context.Context) string {
	if c.credentials == nil {
		return ""
	}
	return c.credentials.Token(ctx)
}

// Expire forwards a rejected credential to the credential source.
func (c *Client) Expire(ctx context.Context, reason string) bool {
	if c.credentials == nil {
		return false
	}
	return c.credentials.Expire(ctx, reason)
}

// Do performs req and decodes the unwrapped payload into T.
func Do[T any](ctx context.Context, c *Client, req Request) Envelope[T] {
	raw := c.Call(ctx, req)
	if !raw.Success {
		return failed[T](raw.Status, raw.Err, raw.Message)
	}
	var data T
	if raw.Data != nil && len(*raw.Data) > 0 && !bytes.Equal(*raw.Data, []byte("null")) {
		if err := json.Unmarshal(*raw.Data, &data); err != nil {
			return failed[T](raw.Status, errors.Wrap(ErrDecode, err.Error()), fmt.Sprintf("decode response: %v", err))
		}
	}
	return succeeded(raw.Status, &data)
}

// Call performs req and returns the unwrapped payload as raw JSON. It never
// panics and never returns a bare error: every failure is a failed Envelope.
func (c *Client) Call(ctx context.Context, req Request) (env Envelope[json.RawMessage]) {
	start := time.Now()
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	req.Method = method

	ctx, span := observability.Tracer().Start(ctx, "transport.call")
	defer func() {
		if r := recover(); r != nil {
			env = failed[json.RawMessage](0, errors.Errorf("panic: %v", r), fmt.Sprintf("internal error: %v", r))
		}
		outcome := "success"
		switch {
		case errors.Is(env.Err, ErrAuthExpired):
			outcome = "auth_expired"
		case errors.Is(env.Err, ErrTransport):
			outcome = "transport_error"
		case !env.Success:
			outcome = "error"
		}
		metrics.ObserveAPICall(method, req.route(), outcome, time.Since(start))
		span.SetAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", req.route()),
			attribute.Int("http.status_code", env.Status),
		)
		if !env.Success {
			span.SetStatus(codes.Error, env.Message)
		}
		span.End()
	}()

	attempts := 1
	if req.retryable() {
		attempts = c.retryAttempts
	}

	for attempt := 1; ; attempt++ {
		status, body, err := c.attempt(ctx, req)
		env = c.normalize(ctx, req, status, body, err)
		if env.Success {
			c.logger.Debug().Str("method", method).Str("path", req.Path).Int("status", status).
				Int("attempt", attempt).Dur("elapsed", time.Since(start)).Msg("call succeeded")
			return env
		}
		if attempt >= attempts || !shouldRetry(ctx, status, err) {
			c.logger.Warn().Str("method", method).Str("path", req.Path).Int("status", status).
				Int("attempt", attempt).Str("reason", env.Message).Msg("call failed")
			return env
		}
		metrics.ObserveRetry(req.route())
		c.logger.Warn().Str("method", method).Str("path", req.Path).Int("status", status).
			Int("attempt", attempt).Int("max_attempts", attempts).Str("reason", env.Message).Msg("retrying call")
		if !sleep(ctx, c.retryDelay) {
			return failed[json.RawMessage](0, errors.Wrap(ErrTransport, ctx.Err().Error()), ctx.Err().Error())
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (int, []byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, errors.Wrap(ErrTransport, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, errors.Wrap(ErrTransport, errors.Wrap(err, "read response body").Error())
	}
	return resp.StatusCode, body, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if !req.NoAuth {
		if token := c.Token(ctx); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return httpReq, nil
}

func (c *Client) normalize(ctx context.Context, req Request, status int, body []byte, err error) Envelope[json.RawMessage] {
	if err != nil {
		return failed[json.RawMessage](status, err, transportMessage(err))
	}
	if status == http.StatusUnauthorized && !req.NoAuth {
		c.Expire(ctx, fmt.Sprintf("401 from %s %s", req.Method, req.route()))
		return failed[json.RawMessage](status, errors.Wrap(ErrAuthExpired, req.route()), ExtractMessage(status, body))
	}
	if status < 200 || status >= 300 {
		return failed[json.RawMessage](status, errors.Wrapf(ErrStatus, "status %d", status), ExtractMessage(status, body))
	}
	data, message, ok := unwrapBackend(body)
	if !ok {
		if message == "" {
			message = "request rejected by backend"
		}
		return failed[json.RawMessage](status, ErrRejected, message)
	}
	raw := json.RawMessage(data)
	return succeeded(status, &raw)
}

func shouldRetry(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		return errors.Is(err, ErrTransport)
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// transportMessage drops the sentinel prefix so callers see the underlying cause.
func transportMessage(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "+ErrTransport.Error()); idx > 0 {
		return msg[:idx]
	}
	return msg
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
