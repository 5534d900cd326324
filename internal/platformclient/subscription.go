package platformclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"errly/pkg/apperror"
	"errly/pkg/logger"
)

// maxReconnectAttempts bounds the reconnect loop per spec §4.4: exponential
// backoff, 1s doubling, capped at 60s, at most 10 attempts before the
// subscription gives up and reports itself closed.
const maxReconnectAttempts = 10

// LogLine is one line of platform-supplied log output, with whatever
// structured severity hint the platform attaches (may be empty).
type LogLine struct {
	DeploymentID string
	ServiceID    string
	ServiceName  string
	Message      string
	Severity     string
	Timestamp    time.Time
}

// LogBatch groups the lines delivered by one read off the wire.
type LogBatch struct {
	Lines []LogLine
}

// Subscription is a lazy, cooperatively-drained sequence of log batches for
// one deployment. Callers read Batches() until it closes, and watch Errs()
// for a terminal error once reconnect attempts are exhausted. When Close is
// called or the context is canceled, Batches() closes and no error is sent.
type Subscription struct {
	Deployment Deployment

	batches chan LogBatch
	errs    chan error
	cancel  context.CancelFunc
}

// Close tears down the subscription's background goroutine.
func (s *Subscription) Close() { s.cancel() }

// Batches yields each delivered batch until the subscription ends.
func (s *Subscription) Batches() <-chan LogBatch { return s.batches }

// Errs carries the terminal error, if any, once the subscription ends.
func (s *Subscription) Errs() <-chan error { return s.errs }

// Subscribe opens a long-lived streaming connection tailing one
// deployment's logs. The wire format is newline-delimited JSON objects,
// each decoding into one LogLine; the connector reconnects transparently on
// a dropped stream using exponential backoff, subject to the same breaker,
// auth-latch, and rate-limit gates as any other request.
func (c *Client) Subscribe(ctx context.Context, dep Deployment) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Deployment: dep,
		batches:    make(chan LogBatch, 16),
		errs:       make(chan error, 1),
		cancel:     cancel,
	}

	go c.runSubscription(subCtx, sub)
	return sub
}

func (c *Client) runSubscription(ctx context.Context, sub *Subscription) {
	defer close(sub.batches)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.streamOnce(ctx, sub)
		if err == nil {
			// streamOnce only returns nil when the context was canceled
			// mid-stream; nothing more to report.
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		attempts++
		if attempts > maxReconnectAttempts {
			sub.errs <- apperror.Wrap(err, apperror.CodeTransport, "subscription exhausted reconnect attempts").
				WithDetails("deploymentId", sub.Deployment.ID)
			return
		}

		wait := b.NextBackOff()
		logger.Log.Warn("platform subscription dropped, reconnecting",
			"deployment_id", sub.Deployment.ID, "attempt", attempts, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// streamOnce opens one streaming HTTP connection and pumps lines into the
// batch channel until the stream ends, the context is canceled, or a read
// error occurs. A nil return means the context was canceled; any other
// return value is a dropped-stream error the caller should reconnect on.
func (c *Client) streamOnce(ctx context.Context, sub *Subscription) error {
	if c.authError.Load() {
		return apperror.New(apperror.CodeAuth, "platform auth is latched, refusing to open subscription")
	}
	if c.isRateLimited() {
		return apperror.New(apperror.CodeRateLimited, "platform client is locally rate-limited")
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return apperror.New(apperror.CodeTransport, "platform client breaker is open")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/deployments/"+sub.Deployment.ID+"/logs/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/x-ndjson")

	// The stream is long-lived, so it skips the shared client's per-request
	// timeout; context cancellation ends it instead.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return apperror.Wrap(err, apperror.CodeTransport, "opening subscription failed")
	}
	defer resp.Body.Close()

	c.updateRateLimit(resp.Header)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.authError.Store(true)
		return apperror.New(apperror.CodeAuth, "platform rejected subscription")
	}
	if resp.StatusCode != http.StatusOK {
		return apperror.New(apperror.CodeTransport, "subscription open returned non-200")
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var wire struct {
			DeploymentID string    `json:"deploymentId"`
			ServiceID    string    `json:"serviceId"`
			ServiceName  string    `json:"serviceName"`
			Message      string    `json:"message"`
			Severity     string    `json:"severity"`
			Timestamp    time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &wire); err != nil {
			logger.Log.Warn("dropping malformed subscription line", "deployment_id", sub.Deployment.ID, "error", err)
			continue
		}

		batch := LogBatch{Lines: []LogLine{{
			DeploymentID: sub.Deployment.ID,
			ServiceID:    wire.ServiceID,
			ServiceName:  sub.Deployment.ServiceName,
			Message:      wire.Message,
			Severity:     wire.Severity,
			Timestamp:    wire.Timestamp,
		}}}

		select {
		case sub.batches <- batch:
		case <-ctx.Done():
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return apperror.Wrap(err, apperror.CodeTransport, "subscription stream read error")
	}
	// EOF with no error: the platform closed the stream cleanly. Treat as a
	// drop so the caller reconnects.
	return apperror.New(apperror.CodeTransport, "subscription stream closed")
}
