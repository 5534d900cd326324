// Package retention implements the Retention Sweeper: a periodic prune of
// old error groups with a coalesced notification to the Push Hub.
// Grounded on the teacher's pkg/audit buffered/flush-period shape — a
// single time.Ticker-driven background task with one responsibility —
// re-aimed at deleting rather than flushing.
package retention

import (
	"context"
	"strconv"
	"time"

	"errly/internal/store"
	"errly/internal/wiring"
	"errly/pkg/logger"
)

const (
	sweepInterval        = time.Hour
	retentionSettingKey  = "retentionDays"
	defaultRetentionDays = 7
	minRetentionDays     = 1
	maxRetentionDays     = 90
	bulkClearThreshold   = 100
)

// Sweeper owns the periodic prune. hub may be nil in callers that don't
// care about the dashboard notification (e.g. some tests).
type Sweeper struct {
	store *store.Store
	hub   wiring.HubBroadcaster
	nowFn func() time.Time
}

// New builds a Sweeper.
func New(st *store.Store, hub wiring.HubBroadcaster) *Sweeper {
	return &Sweeper{store: st, hub: hub, nowFn: time.Now}
}

// Run sweeps once immediately, then every hour until ctx is canceled.
// It never returns an error: failures are logged and the loop continues,
// per spec's propagation policy for long-running background components.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	days := s.retentionDays(ctx)
	cutoff := s.nowFn().AddDate(0, 0, -days)

	ids, err := s.store.DeleteByRetention(ctx, cutoff)
	if err != nil {
		logger.Log.Error("retention sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	logger.Log.Info("retention sweep deleted error groups", "count", len(ids), "retention_days", days)

	if s.hub == nil {
		return
	}
	if len(ids) <= bulkClearThreshold {
		s.hub.Broadcast(wiring.HubEvent{Type: "error-cleared", Payload: map[string][]string{"ids": ids}})
		return
	}
	s.hub.Broadcast(wiring.HubEvent{Type: "bulk-cleared", Payload: map[string]any{}})
}

// retentionDays reads the operator-configured value, clamped to [1, 90],
// defaulting to 7 when unset or unparsable.
func (s *Sweeper) retentionDays(ctx context.Context) int {
	raw, err := s.store.GetSetting(ctx, retentionSettingKey)
	if err != nil {
		return defaultRetentionDays
	}

	days, err := strconv.Atoi(raw)
	if err != nil {
		return defaultRetentionDays
	}

	switch {
	case days < minRetentionDays:
		return minRetentionDays
	case days > maxRetentionDays:
		return maxRetentionDays
	default:
		return days
	}
}

// NotifyRetentionDaysChanged implements wiring.RetentionNotifier. The
// sweeper reads the setting fresh on every tick, so there is nothing to
// cache here; an external settings surface can still call this to trigger
// an out-of-cadence sweep against the new value.
func (s *Sweeper) NotifyRetentionDaysChanged(days int) {
	go s.sweepOnce(context.Background())
}
