// Package providers contains the concrete provider implementations:
// the shared HTTP plumbing plus the vendor clients in subpackages.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/convergelabs/modelgate/core"
)

// BaseClient provides common functionality for the remote vendor
// clients: an instrumented HTTP client, JSON round-trips, error
// classification and request/response logging.
//
// Retries are intentionally absent here. The orchestrator owns the
// retry loop; a client that retried internally would multiply attempts
// and hide failures from the circuit breaker.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger
}

// NewBaseClient creates a base client with an otelhttp-instrumented
// transport and the given per-request timeout
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BaseClient{
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger: logger,
	}
}

// PostJSON marshals the payload, executes the request and decodes a
// successful JSON response into out. Non-2xx statuses are classified
// into gateway errors.
func (b *BaseClient) PostJSON(ctx context.Context, url string, headers map[string]string, payload, out interface{}, providerID string) error {
	resp, err := b.Post(ctx, url, headers, payload, providerID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewGatewayError(core.KindProviderTransient, providerID+".decode", err)
	}
	return nil
}

// Post executes a JSON POST and returns the raw response for streaming
// consumers. The caller owns the response body. Non-2xx statuses are
// drained, closed and classified.
func (b *BaseClient) Post(ctx context.Context, url string, headers map[string]string, payload interface{}, providerID string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.NewGatewayError(core.KindInternal, providerID+".marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewGatewayError(core.KindInternal, providerID+".request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewGatewayError(core.KindOf(ctx.Err()), providerID+".call", ctx.Err())
		}
		// Connection-level failure; the upstream may be down or flapping
		return nil, core.NewGatewayError(core.KindProviderTransient, providerID+".call", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, b.HandleError(resp, providerID)
	}
	return resp, nil
}

// HandleError classifies an upstream error response. Retry-After on a
// 429 is surfaced as the RetryAfter hint.
func (b *BaseClient) HandleError(resp *http.Response, providerID string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	kind := core.ClassifyStatus(resp.StatusCode)

	ge := core.Errorf(kind, providerID+".call", "upstream status %d: %s",
		resp.StatusCode, string(snippet))
	ge.ProviderID = providerID
	if kind == core.KindRateLimited {
		if d, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil {
			ge.RetryAfter = d
		}
	}

	b.Logger.Error("Provider request failed", map[string]interface{}{
		"operation":   "provider_request_error",
		"provider":    providerID,
		"status_code": resp.StatusCode,
		"error_kind":  string(kind),
	})
	return ge
}

// LogRequest logs an outgoing generation request
func (b *BaseClient) LogRequest(providerID, model string, req *core.Request, streaming bool) {
	b.Logger.Info("Provider request initiated", map[string]interface{}{
		"operation":  "provider_request",
		"provider":   providerID,
		"model":      model,
		"request_id": req.ID,
		"messages":   len(req.Messages),
		"streaming":  streaming,
	})
}

// LogResponse logs a completed generation
func (b *BaseClient) LogResponse(providerID, model string, tokens int, duration time.Duration) {
	fields := map[string]interface{}{
		"operation":    "provider_response",
		"provider":     providerID,
		"model":        model,
		"total_tokens": tokens,
		"duration_ms":  duration.Milliseconds(),
	}
	if duration > 0 {
		fields["tokens_per_second"] = float64(tokens) / duration.Seconds()
	}
	b.Logger.Info("Provider response received", fields)
}

// HealthCheck issues a GET against a cheap endpoint and maps the result
// to a health status
func (b *BaseClient) HealthCheck(ctx context.Context, url string, headers map[string]string) core.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.HealthUnknown
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return core.HealthUnhealthy
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 500 {
		return core.HealthHealthy
	}
	return core.HealthUnhealthy
}

// RequireSetting extracts a mandatory string from a settings map
func RequireSetting(settings map[string]interface{}, key string) (string, error) {
	v, ok := settings[key]
	if !ok {
		return "", fmt.Errorf("setting %q: %w", key, core.ErrMissingConfiguration)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("setting %q must be a non-empty string: %w", key, core.ErrInvalidConfiguration)
	}
	return s, nil
}

// StringSetting extracts an optional string with a fallback
func StringSetting(settings map[string]interface{}, key, fallback string) string {
	if v, ok := settings[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
