package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Security-relevant audit actions. Events carrying one of these actions are
// always recorded regardless of log level.
const (
	ActionLogin          = "LOGIN"
	ActionLogout         = "LOGOUT"
	ActionAuthFailure    = "AUTH_FAIL"
	ActionAccessDenied   = "ACCESS_DENIED"
	ActionPasswordChange = "PASSWORD_CHANGE"
)

const (
	defaultAuditLimit        = 100
	defaultUserActivityLimit = 50
	maxAuditLimit            = 1000
)

// ErrInvalidRetention is returned when an audit cleanup is requested with a
// retention below one day. The floor prevents an accidental full wipe of the
// audit trail.
var ErrInvalidRetention = errors.New("audit retention must be at least one day")

type (
	// AuditEntry is the input of a LogAction call.
	AuditEntry struct {
		UserID          string // empty means a system-initiated action
		Action          string
		ResourceType    string
		ResourceID      string
		Details         map[string]any
		IPAddress       string
		UserAgent       string
		Success         bool
		ErrorMessage    string
		ExecutionTimeMS int64
	}

	// AuditEvent is a recorded audit log row.
	AuditEvent struct {
		ID              int64
		UserID          string
		Action          string
		ResourceType    string
		ResourceID      string
		Details         map[string]any
		IPAddress       string
		UserAgent       string
		Success         bool
		ErrorMessage    string
		ExecutionTimeMS int64
		Timestamp       time.Time
	}

	// AuditFilter narrows an audit trail query. Zero-value fields match
	// everything.
	AuditFilter struct {
		UserID       string
		Action       string
		ResourceType string
		ResourceID   string
		Success      *bool
		Since        *time.Time
		Until        *time.Time
		Limit        int
		Offset       int
	}

	// AuditStatistics aggregates audit activity over a window.
	AuditStatistics struct {
		TotalEvents      int64
		SuccessfulEvents int64
		FailedEvents     int64
		UniqueUsers      int64
		AvgExecutionMS   float64
		ByAction         []ActionCount
	}

	// ActionCount is the per-action slice of AuditStatistics.
	ActionCount struct {
		Action   string
		Count    int64
		Failures int64
	}
)

// NewAuditEntry returns an entry with the success flag preset, the common
// case for callers that only report failures explicitly.
func NewAuditEntry(action, resourceType string) AuditEntry {
	return AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		Success:      true,
	}
}

// IsSecurityAction reports whether an action belongs to the security set.
func IsSecurityAction(action string) bool {
	switch action {
	case ActionLogin, ActionLogout, ActionAuthFailure, ActionAccessDenied, ActionPasswordChange:
		return true
	default:
		return false
	}
}

// AuditManager writes and queries the append-only audit log.
//
// The log records who did what to which resource, with outcome and timing.
// Rows are never updated; the only deletion path is retention cleanup.
type AuditManager struct {
	conn   *Connection
	logger *slog.Logger
}

// NewAuditManager creates an audit manager on an open connection.
func NewAuditManager(conn *Connection) (*AuditManager, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &AuditManager{conn: conn, logger: conn.logger}, nil
}

// LogAction appends an audit event. Callers on hot paths treat failures as
// best-effort: a broken audit write must never break the operation it
// records, so they log the returned error instead of propagating it.
func (m *AuditManager) LogAction(ctx context.Context, entry AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return ErrInvalidAction
	}

	_, err := m.conn.ExecContext(ctx, `
		INSERT INTO audit_log (
			user_id, action, resource_type, resource_id, details,
			ip_address, user_agent, success, error_message,
			execution_time_ms, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableString(entry.UserID), entry.Action, entry.ResourceType,
		nullableString(entry.ResourceID), marshalMetadata(entry.Details),
		nullableString(entry.IPAddress), nullableString(entry.UserAgent),
		boolToInt(entry.Success), nullableString(entry.ErrorMessage),
		entry.ExecutionTimeMS, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to log audit action %s: %w", entry.Action, err)
	}

	return nil
}

// Trail queries the audit log newest-first. The default page is 100 events;
// requests are capped at 1000.
func (m *AuditManager) Trail(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	query := `
		SELECT id, user_id, action, resource_type, resource_id, details,
		       ip_address, user_agent, success, error_message,
		       execution_time_ms, timestamp
		FROM audit_log`

	var (
		clauses []string
		args    []any
	)

	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}

	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}

	if filter.ResourceType != "" {
		clauses = append(clauses, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}

	if filter.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}

	if filter.Success != nil {
		clauses = append(clauses, "success = ?")
		args = append(args, boolToInt(*filter.Success))
	}

	if filter.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	if filter.Until != nil {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, formatTime(*filter.Until))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := m.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*AuditEvent

	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit rows: %w", err)
	}

	return events, nil
}

// UserActivity returns the most recent events for one user, newest first.
// The default page is 50 events.
func (m *AuditManager) UserActivity(ctx context.Context, userID string, since *time.Time, limit int) ([]*AuditEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}

	if limit <= 0 {
		limit = defaultUserActivityLimit
	}

	return m.Trail(ctx, AuditFilter{
		UserID: userID,
		Since:  since,
		Limit:  limit,
	})
}

// SecurityEvents returns events that carry a security action (login,
// logout, auth failure, access denial, password change) or that failed,
// newest first. The default page is 100 events.
func (m *AuditManager) SecurityEvents(ctx context.Context, since *time.Time, limit int) ([]*AuditEvent, error) {
	query := `
		SELECT id, user_id, action, resource_type, resource_id, details,
		       ip_address, user_agent, success, error_message,
		       execution_time_ms, timestamp
		FROM audit_log
		WHERE (action IN (?, ?, ?, ?, ?) OR success = 0)`

	args := []any{
		ActionLogin, ActionLogout, ActionAuthFailure,
		ActionAccessDenied, ActionPasswordChange,
	}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(*since))
	}

	if limit <= 0 {
		limit = defaultAuditLimit
	}

	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := m.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*AuditEvent

	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security events: %w", err)
	}

	return events, nil
}

// ActionSummary aggregates event counts per action since the given time,
// most frequent first. A nil since covers the whole log.
func (m *AuditManager) ActionSummary(ctx context.Context, since *time.Time) ([]ActionCount, error) {
	var (
		where string
		args  []any
	)

	if since != nil {
		where = " WHERE timestamp >= ?"
		args = append(args, formatTime(*since))
	}

	rows, err := m.conn.QueryContext(ctx, `
		SELECT action, COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM audit_log`+where+`
		GROUP BY action
		ORDER BY COUNT(*) DESC, action`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []ActionCount

	for rows.Next() {
		var count ActionCount
		if err := rows.Scan(&count.Action, &count.Count, &count.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}

		counts = append(counts, count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action counts: %w", err)
	}

	return counts, nil
}

// Statistics aggregates audit activity since the given time. A nil since
// covers the whole log.
func (m *AuditManager) Statistics(ctx context.Context, since *time.Time) (*AuditStatistics, error) {
	var (
		where string
		args  []any
	)

	if since != nil {
		where = " WHERE timestamp >= ?"
		args = append(args, formatTime(*since))
	}

	var stats AuditStatistics

	err := m.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT user_id),
		       COALESCE(AVG(execution_time_ms), 0.0)
		FROM audit_log`+where,
		args...,
	).Scan(
		&stats.TotalEvents, &stats.SuccessfulEvents, &stats.FailedEvents,
		&stats.UniqueUsers, &stats.AvgExecutionMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit statistics: %w", err)
	}

	stats.ByAction, err = m.ActionSummary(ctx, since)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

// Cleanup deletes audit events older than the retention window and returns
// how many rows were removed. Retention below one day is rejected.
func (m *AuditManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, ErrInvalidRetention
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := m.conn.ExecContext(ctx,
		"DELETE FROM audit_log WHERE timestamp < ?",
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit log: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count audit cleanup: %w", err)
	}

	if deleted > 0 {
		m.logger.Info("Audit log cleaned up",
			slog.Int64("deleted", deleted),
			slog.Int("retention_days", retentionDays))
	}

	return deleted, nil
}

func scanAuditEvent(s scanner) (*AuditEvent, error) {
	var (
		event      AuditEvent
		userID     sql.NullString
		resourceID sql.NullString
		details    sql.NullString
		ipAddress  sql.NullString
		userAgent  sql.NullString
		success    int
		errMessage sql.NullString
		execMS     sql.NullInt64
		timestamp  string
	)

	err := s.Scan(
		&event.ID, &userID, &event.Action, &event.ResourceType, &resourceID,
		&details, &ipAddress, &userAgent, &success, &errMessage, &execMS,
		&timestamp,
	)
	if err != nil {
		return nil, err
	}

	event.UserID = userID.String
	event.ResourceID = resourceID.String
	event.Details = unmarshalMetadata(details.String)
	event.IPAddress = ipAddress.String
	event.UserAgent = userAgent.String
	event.Success = success != 0
	event.ErrorMessage = errMessage.String
	event.ExecutionTimeMS = execMS.Int64
	event.Timestamp = parseStoreTime(timestamp)

	return &event, nil
}

// nullableString maps the empty string to SQL NULL on insert.
func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
