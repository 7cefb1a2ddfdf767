// Package lead talks to the service that owns lead entities. The engine
// pushes stage changes to it and asks it to evaluate Decision step
// conditions.
package lead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/model"
)

const maxResponseBytes = 1 << 20

// StatusError is returned when the lead service answers with a non-2xx
// status.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lead: %s returned %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Client is an HTTP client for the lead service guarded by a circuit
// breaker. It implements the orchestrator's stage updater and condition
// evaluator.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   config.RetryConfig
	breaker *Breaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sets the bearer token sent on every call.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// NewClient creates a lead service client from cfg.
func NewClient(cfg config.LeadConfig, logger *zap.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:  cfg.Retry,
		logger: logger.Named("lead"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewBreaker(cfg.CircuitBreaker, func(s State) {
		c.metrics.SetLeadCircuitBreakerState(float64(s))
		c.logger.Warn("circuit breaker state changed", zap.Stringer("state", s))
	})
	return c
}

type stageRequest struct {
	model.StageUpdate
	model.Scope
}

// UpdateStage moves the lead's stage to the one named in update.
func (c *Client) UpdateStage(ctx context.Context, entityID string, scope model.Scope, update model.StageUpdate) error {
	path := "/leads/" + url.PathEscape(entityID) + "/stage"
	_, err := c.do(ctx, "update_stage", http.MethodPut, path, stageRequest{StageUpdate: update, Scope: scope})
	return err
}

type conditionRequest struct {
	ConditionType  string `json:"condition_type"`
	ConditionValue string `json:"condition_value"`
	model.Scope
}

type conditionResponse struct {
	Result *bool `json:"result"`
}

// Evaluate asks the lead service whether the lead satisfies a condition.
func (c *Client) Evaluate(ctx context.Context, entityID string, scope model.Scope, conditionType, conditionValue string) (bool, error) {
	path := "/leads/" + url.PathEscape(entityID) + "/conditions/evaluate"
	body, err := c.do(ctx, "evaluate_condition", http.MethodPost, path, conditionRequest{
		ConditionType:  conditionType,
		ConditionValue: conditionValue,
		Scope:          scope,
	})
	if err != nil {
		return false, err
	}

	var resp conditionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("lead: decode condition result: %w", err)
	}
	if resp.Result == nil {
		return false, errors.New("lead: condition result missing")
	}
	return *resp.Result, nil
}

// HealthCheck reports the lead service unhealthy while the breaker is
// open, and otherwise probes its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.breaker.State() == StateOpen {
		return ErrCircuitOpen
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("lead: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lead: health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("lead: health returned %d", resp.StatusCode)
	}
	return nil
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// do sends one logical call, retrying transport failures and retryable
// 5xx answers with exponential backoff.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	ctx, span := observability.StartSpan(ctx, "lead."+op)
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("lead: encode %s: %w", op, err)
	}

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				observability.EndSpanWithError(span, ctx.Err())
				return nil, ctx.Err()
			case <-time.After(backoff(c.retry, attempt)):
			}
		}

		respBody, status, err := c.once(ctx, op, method, path, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retryable(err, status) {
			break
		}
		c.logger.Debug("retrying lead call",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max", attempts),
			zap.Error(err),
		)
	}

	observability.EndSpanWithError(span, lastErr)
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, op, method, path string, body []byte) ([]byte, int, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("lead: build request: %w", err)
	}
	c.setHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		c.metrics.RecordLeadRequest(op, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("lead: %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordLeadRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.Failure()
		return nil, resp.StatusCode, fmt.Errorf("lead: read %s response: %w", op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
	case resp.StatusCode < 400:
		c.breaker.Success()
	}
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &StatusError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) setHeaders(ctx context.Context, h http.Header) {
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	if c.token != "" {
		h.Set("Authorization", "Bearer "+sanitizeHeader(c.token))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, h)
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func retryable(err error, status int) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status == 0 {
		var netErr net.Error
		var opErr *net.OpError
		return errors.As(err, &netErr) || errors.As(err, &opErr)
	}
	switch status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
