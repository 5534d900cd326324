package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store is the SQLite-backed persistence layer for error groups, sessions,
// and settings.
type Store struct {
	db *sqlx.DB
}

// New wraps an opened database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx, letting every method
// below run either standalone or inside a caller-managed transaction.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *Store) ext(tx *sqlx.Tx) queryer {
	if tx != nil {
		return tx
	}
	return s.db
}

// GetGroupByFingerprint looks up an ErrorGroup by its content fingerprint.
// Pass a non-nil tx to make this part of the grouper's atomic
// select-then-upsert.
func (s *Store) GetGroupByFingerprint(ctx context.Context, tx *sqlx.Tx, fingerprint string) (*ErrorGroup, error) {
	var g ErrorGroup
	err := s.ext(tx).GetContext(ctx, &g, `SELECT * FROM error_groups WHERE fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group by fingerprint: %w", err)
	}
	return &g, nil
}

// InsertGroup creates a new ErrorGroup row.
func (s *Store) InsertGroup(ctx context.Context, tx *sqlx.Tx, g *ErrorGroup) error {
	_, err := s.ext(tx).ExecContext(ctx, `
		INSERT INTO error_groups (
			id, fingerprint, service, deployment_id, message, stack_trace,
			severity, status, endpoint, raw_log, source, metadata,
			first_seen_at, last_seen_at, occurrence_count, status_changed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Fingerprint, g.Service, g.DeploymentID, g.Message, g.StackTrace,
		g.Severity, g.Status, g.Endpoint, g.RawLog, g.Source, g.Metadata,
		g.FirstSeenAt, g.LastSeenAt, g.OccurrenceCount, g.StatusChangedAt, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// UpdateGroup persists the full row, keyed by id. Used by the grouper after
// computing the recurrence update; status-change requests use UpdateStatus.
func (s *Store) UpdateGroup(ctx context.Context, tx *sqlx.Tx, g *ErrorGroup) error {
	res, err := s.ext(tx).ExecContext(ctx, `
		UPDATE error_groups SET
			deployment_id = ?, message = ?, stack_trace = ?, severity = ?,
			status = ?, endpoint = ?, raw_log = ?, metadata = ?,
			last_seen_at = ?, occurrence_count = ?, status_changed_at = ?
		WHERE id = ?`,
		g.DeploymentID, g.Message, g.StackTrace, g.Severity,
		g.Status, g.Endpoint, g.RawLog, g.Metadata,
		g.LastSeenAt, g.OccurrenceCount, g.StatusChangedAt,
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update group rows affected: %w", err)
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// GetByID fetches one ErrorGroup by its id.
func (s *Store) GetByID(ctx context.Context, id string) (*ErrorGroup, error) {
	var g ErrorGroup
	err := s.db.GetContext(ctx, &g, `SELECT * FROM error_groups WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group by id: %w", err)
	}
	return &g, nil
}

// escapeLike escapes SQLite LIKE wildcards in user-supplied substring
// search input, so a literal "%" or "_" in a message doesn't behave as a
// wildcard.
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

func buildWhere(f ListFilter, now time.Time) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	if f.Service != "" {
		conditions = append(conditions, "service = ?")
		args = append(args, f.Service)
	}
	if f.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, f.Status)
	}
	if since := f.TimeRange.Since(now); since > 0 {
		conditions = append(conditions, "last_seen_at >= ?")
		args = append(args, since)
	}
	if f.Query != "" {
		pattern := "%" + escapeLike(f.Query) + "%"
		conditions = append(conditions, "(message LIKE ? ESCAPE '\\' OR stack_trace LIKE ? ESCAPE '\\')")
		args = append(args, pattern, pattern)
	}

	return strings.Join(conditions, " AND "), args
}

// List returns a page of error groups matching opts.Filter, newest-last-seen
// first, plus the total matching row count (ignoring pagination).
func (s *Store) List(ctx context.Context, opts ListOptions) ([]ErrorGroup, int, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	where, args := buildWhere(opts.Filter, time.Now())

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM error_groups WHERE %s`, where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}

	selectQuery := fmt.Sprintf(`SELECT * FROM error_groups WHERE %s ORDER BY last_seen_at DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, opts.Offset)

	var groups []ErrorGroup
	if err := s.db.SelectContext(ctx, &groups, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}

	return groups, total, nil
}

// GetRelated returns other groups (different service) whose last-seen
// timestamp falls within windowMinutes of group's, capped at limit.
func (s *Store) GetRelated(ctx context.Context, g *ErrorGroup, windowMinutes, limit int) ([]ErrorGroup, error) {
	if windowMinutes <= 0 || windowMinutes > 60 {
		windowMinutes = 5
	}
	if limit <= 0 {
		limit = 20
	}
	windowMs := int64(windowMinutes) * 60 * 1000

	var related []ErrorGroup
	err := s.db.SelectContext(ctx, &related, `
		SELECT * FROM error_groups
		WHERE id != ? AND service != ? AND last_seen_at BETWEEN ? AND ?
		ORDER BY last_seen_at DESC
		LIMIT ?`,
		g.ID, g.Service, g.LastSeenAt-windowMs, g.LastSeenAt+windowMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get related groups: %w", err)
	}
	return related, nil
}

// UpdateStatus sets a group's status directly (the external status API),
// stamping status_changed_at, and returns the updated row.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) (*ErrorGroup, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE error_groups SET status = ?, status_changed_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update status rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrGroupNotFound
	}
	return s.GetByID(ctx, id)
}

// DeleteByIDs removes the named groups and returns the ids that actually
// existed and were deleted, mirroring DeleteByRetention's contract so
// callers can notify downstream about exactly what changed.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	selectQuery, args, err := sqlx.In(`SELECT id FROM error_groups WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}
	selectQuery = s.db.Rebind(selectQuery)
	var existing []string
	if err := s.db.SelectContext(ctx, &existing, selectQuery, args...); err != nil {
		return nil, fmt.Errorf("select existing groups: %w", err)
	}
	if len(existing) == 0 {
		return nil, nil
	}

	deleteQuery, args, err := sqlx.In(`DELETE FROM error_groups WHERE id IN (?)`, existing)
	if err != nil {
		return nil, fmt.Errorf("build delete query: %w", err)
	}
	deleteQuery = s.db.Rebind(deleteQuery)
	if _, err := s.db.ExecContext(ctx, deleteQuery, args...); err != nil {
		return nil, fmt.Errorf("delete groups: %w", err)
	}
	return existing, nil
}

// DeleteAll removes every error group. Callers must have already confirmed
// this is intentional; the Store itself applies no extra guard.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM error_groups`)
	if err != nil {
		return 0, fmt.Errorf("delete all groups: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteByRetention removes groups whose last_seen_at predates cutoff and
// returns their ids so the caller can notify downstream.
func (s *Store) DeleteByRetention(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	cutoffMs := cutoff.UnixMilli()
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM error_groups WHERE last_seen_at < ?`, cutoffMs); err != nil {
		return nil, fmt.Errorf("select retention candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM error_groups WHERE last_seen_at < ?`, cutoffMs); err != nil {
		return nil, fmt.Errorf("delete retention candidates: %w", err)
	}
	return ids, nil
}

// Services lists the distinct service names that have ever reported an
// error group.
func (s *Store) Services(ctx context.Context) ([]string, error) {
	var services []string
	if err := s.db.SelectContext(ctx, &services, `SELECT DISTINCT service FROM error_groups ORDER BY service`); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// Stats summarizes counts by severity and status, plus the error rate over
// the last hour, for the dashboard stats endpoint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{BySeverity: map[string]int{}, ByStatus: map[string]int{}}

	if err := s.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM error_groups`); err != nil {
		return Stats{}, fmt.Errorf("count total: %w", err)
	}

	type bucket struct {
		Key   string `db:"k"`
		Count int    `db:"c"`
	}

	var bySeverity []bucket
	if err := s.db.SelectContext(ctx, &bySeverity, `SELECT severity AS k, COUNT(*) AS c FROM error_groups GROUP BY severity`); err != nil {
		return Stats{}, fmt.Errorf("group by severity: %w", err)
	}
	for _, b := range bySeverity {
		stats.BySeverity[b.Key] = b.Count
	}

	var byStatus []bucket
	if err := s.db.SelectContext(ctx, &byStatus, `SELECT status AS k, COUNT(*) AS c FROM error_groups GROUP BY status`); err != nil {
		return Stats{}, fmt.Errorf("group by status: %w", err)
	}
	for _, b := range byStatus {
		stats.ByStatus[b.Key] = b.Count
	}

	hourAgo := time.Now().Add(-time.Hour).UnixMilli()
	if err := s.db.GetContext(ctx, &stats.ErrorsLastHour, `SELECT COUNT(*) FROM error_groups WHERE last_seen_at >= ?`, hourAgo); err != nil {
		return Stats{}, fmt.Errorf("count last hour: %w", err)
	}

	return stats, nil
}

// CreateSession persists a new dashboard session.
func (s *Store) CreateSession(ctx context.Context, id string, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, expires_at) VALUES (?, ?)`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession looks up a session by its hashed id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes one session (logout).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions sweeps sessions whose expiry has passed.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now.UnixMilli()); err != nil {
		return fmt.Errorf("delete expired sessions: %w", err)
	}
	return nil
}

// DeleteAllSessions invalidates every session (mass-invalidation).
func (s *Store) DeleteAllSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("delete all sessions: %w", err)
	}
	return nil
}

// GetSetting fetches a setting's raw JSON value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a setting's value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
