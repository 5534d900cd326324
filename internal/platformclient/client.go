// Package platformclient talks to the host platform's API: unary requests
// for project/deployment discovery, and long-lived streaming subscriptions
// for log tailing. It has no teacher analog (the teacher speaks gRPC to
// its own services), so its retry/backoff posture is grounded on
// pkg/client/grpc.go's "wrap a raw connection with policy" shape, re-aimed
// at HTTP since this platform's API is HTTP+streaming rather than gRPC.
package platformclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"errly/pkg/apperror"
	"errly/pkg/config"
	"errly/pkg/logger"
)

const requestTimeout = 30 * time.Second

// Deployment identifies one live deployment to tail.
type Deployment struct {
	ID              string `json:"id"`
	ServiceID       string `json:"serviceId"`
	ServiceName     string `json:"serviceName"`
	EnvironmentName string `json:"environmentName"`
	Status          string `json:"status"`
}

// rawResult is what a gated request returns before the caller interprets
// the status code.
type rawResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// Client is the platform API client: one breaker, one auth latch, one
// rate-limit tracker, shared across every request this process makes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string

	breaker *gobreaker.CircuitBreaker

	authError atomic.Bool

	rlMu       sync.Mutex
	rlRemain   int64
	rlLimit    int64
	rlResetsAt time.Time
}

// New builds a platform client from the operator's Railway configuration.
// baseURL is injected separately (rather than hardcoded) so tests can point
// it at an httptest server.
func New(cfg config.RailwayConfig, baseURL string) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		token:      cfg.APIToken,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "platform-client",
		MaxRequests: 1, // HALF_OPEN: a single trial request
		Interval:    0, // never clear CLOSED counts on a timer; only consecutive failures matter
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn("platform client breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return c
}

// AuthLatched reports whether a sticky auth failure is blocking requests.
func (c *Client) AuthLatched() bool { return c.authError.Load() }

// ClearAuthLatch releases the sticky auth flag; called after an operator
// updates the token.
func (c *Client) ClearAuthLatch() { c.authError.Store(false) }

// BreakerState exposes the breaker's current state for diagnostics.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

func (c *Client) isRateLimited() bool {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()
	return c.rlRemain <= 0 && time.Now().Before(c.rlResetsAt)
}

// RateLimitStatus reports the most recently observed rate-limit headers,
// for the diagnostics endpoint.
func (c *Client) RateLimitStatus() (remaining, limit int64, resetsAt time.Time) {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()
	return c.rlRemain, c.rlLimit, c.rlResetsAt
}

func (c *Client) updateRateLimit(h http.Header) {
	remain, rOk := parseHeaderInt(h, "x-ratelimit-remaining")
	limit, lOk := parseHeaderInt(h, "x-ratelimit-limit")
	reset, tOk := parseHeaderInt(h, "x-ratelimit-reset")
	if !rOk && !lOk && !tOk {
		return
	}
	c.rlMu.Lock()
	defer c.rlMu.Unlock()
	if rOk {
		c.rlRemain = remain
	}
	if lOk {
		c.rlLimit = limit
	}
	if tOk {
		c.rlResetsAt = time.Unix(reset, 0)
	}
}

func parseHeaderInt(h http.Header, key string) (int64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// doRequest implements the request lifecycle from spec §4.4: refuse if the
// breaker is OPEN, refuse if the auth latch is set, refuse if rate-limited,
// otherwise send with a 30s timeout. 2xx records a breaker success; 5xx,
// 429, network errors, and other 4xx (except 401/403) record a transient
// failure; 401/403 sets the auth latch without touching the breaker.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (rawResult, error) {
	if c.authError.Load() {
		return rawResult{}, apperror.New(apperror.CodeAuth, "platform auth is latched, refusing request").WithDetails("path", path)
	}
	if c.isRateLimited() {
		return rawResult{}, apperror.New(apperror.CodeRateLimited, "platform client is locally rate-limited").WithDetails("path", path)
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return rawResult{}, apperror.New(apperror.CodeTransport, "platform client breaker is open").WithDetails("path", path)
		}
		if result, ok := raw.(rawResult); ok {
			return result, err
		}
		return rawResult{}, err
	}
	return raw.(rawResult), nil
}

// send performs the actual HTTP round trip. Its (result, error) pair is
// what gobreaker uses to decide success vs. failure, so every branch must
// return a non-nil error exactly when spec's failure semantics call for one.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (rawResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return rawResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rawResult{}, apperror.Wrap(err, apperror.CodeTransport, "platform request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return rawResult{}, apperror.Wrap(err, apperror.CodeTransport, "reading platform response failed")
	}

	c.updateRateLimit(resp.Header)

	result := rawResult{statusCode: resp.StatusCode, body: respBody, header: resp.Header}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.authError.Store(true)
		// Not a transient failure: the breaker is not cycled on auth errors.
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return result, apperror.New(apperror.CodeRateLimited, "platform returned 429")
	case resp.StatusCode >= 400:
		return result, apperror.New(apperror.CodeTransport, fmt.Sprintf("platform returned %d", resp.StatusCode))
	default:
		if containsAuthRejection(respBody) {
			c.authError.Store(true)
		}
		return result, nil
	}
}

// containsAuthRejection catches GraphQL-style in-band auth errors that
// arrive with a 200 status and an "errors" array in the body.
func containsAuthRejection(body []byte) bool {
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return false
	}
	for _, e := range envelope.Errors {
		m := strings.ToLower(e.Message)
		if strings.Contains(m, "unauthorized") || strings.Contains(m, "forbidden") || strings.Contains(m, "authentication") {
			return true
		}
	}
	return false
}

// ListDeployments fetches the platform's deployment list and drops those
// whose ServiceID equals excludeServiceID. The request carries no project
// or environment parameter and no status filter is applied here; the Log
// Watcher filters the result by status and environment.
func (c *Client) ListDeployments(ctx context.Context, excludeServiceID string) ([]Deployment, error) {
	result, err := c.doRequest(ctx, http.MethodGet, "/deployments", nil)
	if err != nil {
		return nil, err
	}
	if result.statusCode == http.StatusUnauthorized || result.statusCode == http.StatusForbidden {
		return nil, apperror.New(apperror.CodeAuth, "platform rejected deployment discovery")
	}
	if result.statusCode >= 300 {
		return nil, apperror.New(apperror.CodeTransport, fmt.Sprintf("deployment discovery returned %d", result.statusCode))
	}

	var payload struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := json.Unmarshal(result.body, &payload); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeTransport, "decoding deployment discovery response")
	}

	filtered := payload.Deployments[:0]
	for _, d := range payload.Deployments {
		if d.ServiceID == excludeServiceID {
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered, nil
}
