// Package llmgateway is the HTTP client for the language-model gateway:
// callGateway (session-reusing proposal/reply generation) and callHaiku
// (stateless fast micro-proposal calls), both circuit-broken and traced.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("llmgateway")

// CallOptions customizes a gateway call.
type CallOptions struct {
	Model     string
	SessionID string // threads a long-lived logical session; empty for stateless calls
}

// Client talks to the gateway's HTTP endpoint through a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a gateway client. defaultTimeout bounds each individual HTTP
// call; callers pass a shorter context timeout for CallHaiku.
func New(baseURL string, defaultTimeout time.Duration) *Client {
	settings := gobreaker.Settings{
		Name:        "llm-gateway",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

type gatewayRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type gatewayResponse struct {
	Text string `json:"text"`
}

// CallGateway generates a proposal or reply, honoring a session id for
// context reuse across rounds. On exhausted retry or breaker-open, returns
// ("", nil) — the empty-string-not-error policy of §7 — so the caller
// treats it exactly like "generator returned null".
func (c *Client) CallGateway(ctx context.Context, prompt string, timeout time.Duration, opts CallOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "llmgateway.call_gateway")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.session_id", opts.SessionID),
		attribute.String("gateway.model", opts.Model),
	)

	text, err := c.callWithRetry(ctx, "/v1/generate", gatewayRequest{
		Prompt:    prompt,
		Model:     opts.Model,
		SessionID: opts.SessionID,
	}, timeout)
	if err != nil {
		span.RecordError(err)
		return "", nil
	}
	return text, nil
}

// CallHaiku is the fast, stateless variant used for micro-proposal calls; it
// never threads a session id.
func (c *Client) CallHaiku(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "llmgateway.call_haiku")
	defer span.End()

	text, err := c.callWithRetry(ctx, "/v1/generate/fast", gatewayRequest{Prompt: prompt}, 5*time.Second)
	if err != nil {
		span.RecordError(err)
		return "", nil
	}
	return text, nil
}

// callWithRetry performs the call through the breaker, retrying once at 2x
// timeout on a transient failure per §7's bounded-retry policy.
func (c *Client) callWithRetry(ctx context.Context, path string, body gatewayRequest, timeout time.Duration) (string, error) {
	text, err := c.call(ctx, path, body, timeout)
	if err == nil {
		return text, nil
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return "", fmt.Errorf("llmgateway: circuit open: %w", err)
	}
	return c.call(ctx, path, body, timeout*2)
}

func (c *Client) call(ctx context.Context, path string, body gatewayRequest, timeout time.Duration) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("llmgateway: marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("llmgateway: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(req.Header))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("llmgateway: request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("llmgateway: read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("llmgateway: unexpected status %d: %s", resp.StatusCode, string(data))
		}

		var out gatewayResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("llmgateway: decode response: %w", err)
		}
		return out.Text, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// IsHealthy reports whether the gateway looks reachable: the breaker is not
// open, and a lightweight probe succeeds.
func (c *Client) IsHealthy(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
