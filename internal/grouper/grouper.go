// Package grouper implements the transactional upsert that turns a
// completed error event (from the Stack-Trace Assembler or a direct
// ingestion request) into a persisted ErrorGroup row, escalating severity
// and reverting a resolved status on recurrence, then fans the result out
// to the Push Hub and — on first sighting — an operator-configured
// webhook. Grounded on pkg/database/tx.go's transaction-function pattern
// (the select+upsert runs inside WithTransactionResult) and the teacher's
// pkg/audit fire-and-forget-logging discipline for the webhook dispatch
// path: errors there are logged at warn and never propagated.
package grouper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"errly/internal/fingerprint"
	"errly/internal/store"
	"errly/internal/webhook"
	"errly/internal/wiring"
	"errly/pkg/apperror"
	"errly/pkg/database"
)

const webhookURLSettingKey = "webhookUrl"

// Input is the set of fields a completed error event carries, regardless
// of whether it arrived via the log pipeline or direct HTTP ingestion.
type Input struct {
	Service      string
	DeploymentID string
	Message      string
	Stack        string // optional
	Severity     string // warn | error | fatal
	Endpoint     string // optional
	RawLog       string
	Source       string // auto-capture | direct
	Metadata     map[string]string
}

// Result is what Process returns: the canonical, re-read group row and
// whether this call created it.
type Result struct {
	Group *store.ErrorGroup
	IsNew bool
}

// Grouper owns the transactional upsert and its two fan-out side effects.
type Grouper struct {
	db    database.DB
	store *store.Store
	hook  *webhook.Dispatcher
	hub   wiring.HubBroadcaster
	nowFn func() time.Time
	newID func() string
}

// New builds a Grouper. hub may be nil (e.g. in tests that don't care
// about broadcast fan-out); a nil hub simply skips the Broadcast call.
func New(db database.DB, st *store.Store, hook *webhook.Dispatcher, hub wiring.HubBroadcaster) *Grouper {
	return &Grouper{
		db:    db,
		store: st,
		hook:  hook,
		hub:   hub,
		nowFn: time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Process runs spec's §4.6 algorithm: compute fingerprint, look up the
// existing group inside a transaction, insert or update, then — outside
// the transaction — dispatch the webhook on a genuinely new group and
// broadcast the summary to the Push Hub either way.
func (g *Grouper) Process(ctx context.Context, in Input) (Result, error) {
	fp := fingerprint.Fingerprint(in.Service, in.Message, in.Stack)
	now := g.nowFn().UnixMilli()

	var metadata *string
	if len(in.Metadata) > 0 {
		b, err := json.Marshal(in.Metadata)
		if err != nil {
			return Result{}, apperror.Wrap(err, apperror.CodeInternal, "failed to marshal metadata")
		}
		s := string(b)
		metadata = &s
	}

	result, err := database.WithTransactionResult(ctx, g.db, func(tx *sqlx.Tx) (Result, error) {
		existing, err := g.store.GetGroupByFingerprint(ctx, tx, fp)
		if err != nil && err != store.ErrGroupNotFound {
			return Result{}, fmt.Errorf("looking up group by fingerprint: %w", err)
		}

		if err == store.ErrGroupNotFound {
			group := &store.ErrorGroup{
				ID:              g.newID(),
				Fingerprint:     fp,
				Service:         in.Service,
				DeploymentID:    in.DeploymentID,
				Message:         in.Message,
				Severity:        in.Severity,
				Status:          store.StatusNew,
				RawLog:          in.RawLog,
				Source:          in.Source,
				Metadata:        metadata,
				FirstSeenAt:     now,
				LastSeenAt:      now,
				OccurrenceCount: 1,
				StatusChangedAt: now,
				CreatedAt:       now,
			}
			if in.Stack != "" {
				group.StackTrace = &in.Stack
			}
			if in.Endpoint != "" {
				group.Endpoint = &in.Endpoint
			}
			if err := g.store.InsertGroup(ctx, tx, group); err != nil {
				return Result{}, fmt.Errorf("inserting new group: %w", err)
			}
			return Result{Group: group, IsNew: true}, nil
		}

		existing.LastSeenAt = now
		existing.OccurrenceCount++
		existing.DeploymentID = in.DeploymentID
		existing.RawLog = in.RawLog
		existing.Message = in.Message
		existing.Severity = store.MaxSeverity(existing.Severity, in.Severity)

		if existing.Status == store.StatusResolved {
			existing.Status = store.StatusNew
			existing.StatusChangedAt = now
		}

		if in.Endpoint != "" {
			existing.Endpoint = &in.Endpoint
		}
		if metadata != nil {
			existing.Metadata = metadata
		}
		if in.Stack != "" {
			existing.StackTrace = &in.Stack
		}

		if err := g.store.UpdateGroup(ctx, tx, existing); err != nil {
			return Result{}, fmt.Errorf("updating existing group: %w", err)
		}

		canonical, err := g.store.GetGroupByFingerprint(ctx, tx, fp)
		if err != nil {
			// The row we just updated is gone: a hard invariant violation,
			// not a recoverable condition.
			return Result{}, apperror.Wrap(err, apperror.CodeInvariant, "group row missing immediately after update")
		}
		return Result{Group: canonical, IsNew: false}, nil
	})
	if err != nil {
		return Result{}, err
	}

	eventType := "error-updated"
	if result.IsNew {
		eventType = "new-error"
	}
	if g.hub != nil {
		g.hub.Broadcast(wiring.HubEvent{Type: eventType, Payload: result.Group})
	}

	if result.IsNew {
		g.dispatchWebhook(ctx, result.Group)
	}

	return result, nil
}

// dispatchWebhook resolves the configured URL from settings and fires the
// fire-and-forget notification. Any failure — missing setting, validation,
// network — is logged at warn and swallowed; it never fails Process.
func (g *Grouper) dispatchWebhook(ctx context.Context, group *store.ErrorGroup) {
	if g.hook == nil {
		return
	}
	url, err := g.store.GetSetting(ctx, webhookURLSettingKey)
	if err != nil || url == "" {
		return
	}
	g.hook.Dispatch(ctx, url, webhook.Payload{
		Type:      "new-error",
		Error:     group,
		Timestamp: g.nowFn().UnixMilli(),
	})
}
