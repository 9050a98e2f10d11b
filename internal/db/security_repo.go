package db

import (
	"context"
	"encoding/json"
	"time"

	"monsaas/internal/types"
)

// SecurityEventRepository provides data access for the security_events
// table. Events are append-only: there is no update path, and deletion
// happens only through the retention purge.
type SecurityEventRepository struct {
	db DBTX
}

// NewSecurityEventRepository creates a SecurityEventRepository backed by
// the given database connection (pool or transaction).
func NewSecurityEventRepository(db DBTX) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

// Append inserts a security event. Details are stored as JSONB so the
// schema can evolve without migrations; the schema_version field inside
// the payload keeps old rows parseable.
func (r *SecurityEventRepository) Append(ctx context.Context, event *types.SecurityEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode event details", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO security_events (id, event_type, severity, user_id, details, ip_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		event.ID,
		string(event.Type),
		string(event.Severity),
		event.UserID,
		details,
		nilIfEmpty(event.IP),
		nilIfEmpty(event.UserAgent),
		nilIfZeroTime(event.Timestamp),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append security event", err)
	}
	return nil
}

// CountRecentByType returns how many events of the given type a user
// has accrued since the cutoff. Used for severity escalation and
// lock-timeout frequency checks.
func (r *SecurityEventRepository) CountRecentByType(ctx context.Context, userID string, eventType types.SecurityEventType, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_events
		 WHERE user_id = $1 AND event_type = $2 AND created_at > $3`,
		userID,
		string(eventType),
		since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count security events", err)
	}
	return count, nil
}

// ListRecent returns the newest events first, capped at limit. This is
// the dashboard's event feed query.
func (r *SecurityEventRepository) ListRecent(ctx context.Context, limit int) ([]types.SecurityEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, event_type, severity, user_id, details, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		 FROM security_events
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query security events", err)
	}
	defer rows.Close()

	var events []types.SecurityEvent
	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating security events", err)
	}
	return events, nil
}

// PurgeExpired deletes events older than the cutoff and returns the
// deleted rows so the retention job can archive them before they are
// gone. DELETE ... RETURNING makes the read-and-delete atomic.
func (r *SecurityEventRepository) PurgeExpired(ctx context.Context, before time.Time) ([]types.SecurityEvent, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM security_events
		 WHERE created_at < $1
		 RETURNING id, event_type, severity, user_id, details, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at`,
		before,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to purge security events", err)
	}
	defer rows.Close()

	var purged []types.SecurityEvent
	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		purged = append(purged, event)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating purged security events", err)
	}
	return purged, nil
}

// scanEvent scans one security_events row, decoding the JSONB details
// payload.
func scanEvent(scan func(dest ...any) error) (types.SecurityEvent, error) {
	var (
		event      types.SecurityEvent
		eventType  string
		severity   string
		detailsRaw []byte
	)
	if err := scan(&event.ID, &eventType, &severity, &event.UserID, &detailsRaw, &event.IP, &event.UserAgent, &event.Timestamp); err != nil {
		return types.SecurityEvent{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan security event", err)
	}
	event.Type = types.SecurityEventType(eventType)
	event.Severity = types.Severity(severity)
	if len(detailsRaw) > 0 {
		if err := json.Unmarshal(detailsRaw, &event.Details); err != nil {
			return types.SecurityEvent{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode event details", err)
		}
	}
	return event, nil
}
