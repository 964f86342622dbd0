package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ============================================================================
// POSTGRES SCAN STORE
// ============================================================================

const schemaDDL = `
CREATE TABLE IF NOT EXISTS scan_sessions (
	id               BIGSERIAL PRIMARY KEY,
	uid              TEXT NOT NULL UNIQUE,
	started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at         TIMESTAMPTZ,
	scan_operator_id TEXT NOT NULL,
	event_id         TEXT,
	location         TEXT,
	device_info      TEXT
);

CREATE TABLE IF NOT EXISTS scan_logs (
	id                 BIGSERIAL PRIMARY KEY,
	uid                TEXT NOT NULL UNIQUE,
	scan_session_id    BIGINT REFERENCES scan_sessions(id),
	scanned_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	result             TEXT NOT NULL,
	location           TEXT,
	device_id          TEXT,
	ticket_id          TEXT NOT NULL,
	ticket_data        JSONB,
	validation_details JSONB,
	fraud_flags        JSONB,
	created_by         TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_scan_logs_ticket   ON scan_logs (ticket_id, scanned_at DESC);
CREATE INDEX IF NOT EXISTS idx_scan_logs_event    ON scan_logs ((ticket_data->>'eventId'), scanned_at);
CREATE INDEX IF NOT EXISTS idx_scan_logs_scanned  ON scan_logs (scanned_at);

CREATE TABLE IF NOT EXISTS scanned_tickets_cache (
	ticket_id      TEXT PRIMARY KEY,
	first_scan_at  TIMESTAMPTZ NOT NULL,
	last_scan_at   TIMESTAMPTZ NOT NULL,
	scan_count     INTEGER NOT NULL DEFAULT 1,
	scan_locations TEXT[] NOT NULL DEFAULT '{}',
	is_blocked     BOOLEAN NOT NULL DEFAULT FALSE,
	block_reason   TEXT,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fraud_attempts (
	id          BIGSERIAL PRIMARY KEY,
	uid         TEXT NOT NULL UNIQUE,
	scan_log_id BIGINT NOT NULL REFERENCES scan_logs(id),
	fraud_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	details     JSONB,
	ip_address  TEXT,
	user_agent  TEXT,
	blocked     BOOLEAN NOT NULL DEFAULT FALSE,
	created_by  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fraud_attempts_created ON fraud_attempts (created_at);
`

// PostgresStore implements ScanStore on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// PoolConfig bounds the underlying connection pool.
type PoolConfig struct {
	MaxOpen     int
	IdleTimeout time.Duration
}

// OpenPostgres connects, verifies the connection and ensures the schema.
func OpenPostgres(dbURL string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
		db.SetMaxIdleConns(pool.MaxOpen / 2)
	}
	if pool.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(pool.IdleTimeout)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection pool without touching the schema.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
}

func (s *PostgresStore) ensureSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// SESSIONS
// ============================================================================

func (s *PostgresStore) CreateScanSession(ctx context.Context, n NewSession) (*ScanSession, error) {
	session := &ScanSession{
		UID:        uuid.New().String(),
		OperatorID: n.OperatorID,
		EventID:    n.EventID,
		Location:   n.Location,
		DeviceInfo: n.DeviceInfo,
	}

	query := `INSERT INTO scan_sessions (uid, scan_operator_id, event_id, location, device_info)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		RETURNING id, started_at`
	err := s.db.QueryRowContext(ctx, query,
		session.UID, n.OperatorID, n.EventID, n.Location, n.DeviceInfo,
	).Scan(&session.ID, &session.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) EndScanSession(ctx context.Context, uid string) (*ScanSession, error) {
	query := `UPDATE scan_sessions SET ended_at = now()
		WHERE uid = $1 AND ended_at IS NULL
		RETURNING id, uid, started_at, ended_at, scan_operator_id,
			COALESCE(event_id, ''), COALESCE(location, ''), COALESCE(device_info, '')`

	session := &ScanSession{}
	err := s.db.QueryRowContext(ctx, query, uid).Scan(
		&session.ID, &session.UID, &session.StartedAt, &session.EndedAt,
		&session.OperatorID, &session.EventID, &session.Location, &session.DeviceInfo,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end scan session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) GetActiveScanSessions(ctx context.Context, f SessionFilter) ([]*ScanSession, error) {
	query := `SELECT id, uid, started_at, ended_at, scan_operator_id,
			COALESCE(event_id, ''), COALESCE(location, ''), COALESCE(device_info, '')
		FROM scan_sessions
		WHERE ended_at IS NULL
			AND ($1 = '' OR scan_operator_id = $1)
			AND ($2 = '' OR event_id = $2)
			AND ($3 = '' OR location = $3)
		ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, f.OperatorID, f.EventID, f.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ScanSession
	for rows.Next() {
		session := &ScanSession{}
		if err := rows.Scan(
			&session.ID, &session.UID, &session.StartedAt, &session.EndedAt,
			&session.OperatorID, &session.EventID, &session.Location, &session.DeviceInfo,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ============================================================================
// SCAN LOGS
// ============================================================================

func (s *PostgresStore) CreateScanLog(ctx context.Context, n NewScanLog) (*ScanLog, error) {
	ticketData, err := marshalJSONB(n.TicketData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket data: %w", err)
	}
	details, err := marshalJSONB(n.ValidationDetails)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation details: %w", err)
	}
	var flags []byte
	if len(n.FraudFlags) > 0 {
		if flags, err = json.Marshal(n.FraudFlags); err != nil {
			return nil, fmt.Errorf("failed to encode fraud flags: %w", err)
		}
	}

	scannedAt := n.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now()
	}

	entry := &ScanLog{
		UID:               uuid.New().String(),
		SessionID:         n.SessionID,
		TicketID:          n.TicketID,
		ScannedAt:         scannedAt,
		Result:            n.Result,
		Location:          n.Location,
		DeviceID:          n.DeviceID,
		TicketData:        n.TicketData,
		ValidationDetails: n.ValidationDetails,
		FraudFlags:        n.FraudFlags,
		CreatedBy:         n.CreatedBy,
	}

	query := `INSERT INTO scan_logs
			(uid, scan_session_id, scanned_at, result, location, device_id,
			 ticket_id, ticket_data, validation_details, fraud_flags, created_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, NULLIF($11, ''))
		RETURNING id, created_at`
	err = s.db.QueryRowContext(ctx, query,
		entry.UID, n.SessionID, scannedAt, n.Result, n.Location, n.DeviceID,
		n.TicketID, ticketData, details, nullableBytes(flags), n.CreatedBy,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan log: %w", err)
	}
	return entry, nil
}

const scanLogColumns = `id, uid, scan_session_id, scanned_at, result,
	COALESCE(location, ''), COALESCE(device_id, ''), ticket_id,
	ticket_data, validation_details, fraud_flags, COALESCE(created_by, ''), created_at`

func (s *PostgresStore) GetTicketScanHistory(ctx context.Context, ticketID string, limit, offset int) ([]*ScanLog, error) {
	limit = clampHistoryLimit(limit)
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + scanLogColumns + ` FROM scan_logs
		WHERE ticket_id = $1 ORDER BY scanned_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, query, ticketID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan history: %w", err)
	}
	defer rows.Close()

	return scanLogRows(rows)
}

func (s *PostgresStore) GetTicketLogs(ctx context.Context, ticketID string, limit int) ([]*ScanLog, error) {
	return s.GetTicketScanHistory(ctx, ticketID, limit, 0)
}

func scanLogRows(rows *sql.Rows) ([]*ScanLog, error) {
	var logs []*ScanLog
	for rows.Next() {
		entry := &ScanLog{}
		var ticketData, details, flags []byte
		if err := rows.Scan(
			&entry.ID, &entry.UID, &entry.SessionID, &entry.ScannedAt, &entry.Result,
			&entry.Location, &entry.DeviceID, &entry.TicketID,
			&ticketData, &details, &flags, &entry.CreatedBy, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		if len(ticketData) > 0 {
			json.Unmarshal(ticketData, &entry.TicketData)
		}
		if len(details) > 0 {
			json.Unmarshal(details, &entry.ValidationDetails)
		}
		if len(flags) > 0 {
			json.Unmarshal(flags, &entry.FraudFlags)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ============================================================================
// TICKET CACHE
// ============================================================================

// UpsertTicketCache increments the per-ticket counter and blocks the ticket
// once the count exceeds maxScansPerTicket. The upsert and the block check
// run in one round trip.
func (s *PostgresStore) UpsertTicketCache(ctx context.Context, ticketID, location string, maxScansPerTicket int) (*TicketCacheRow, error) {
	query := `INSERT INTO scanned_tickets_cache
			(ticket_id, first_scan_at, last_scan_at, scan_count, scan_locations, updated_at)
		VALUES ($1, now(), now(), 1, CASE WHEN $2 = '' THEN '{}'::text[] ELSE ARRAY[$2] END, now())
		ON CONFLICT (ticket_id) DO UPDATE SET
			last_scan_at   = now(),
			scan_count     = scanned_tickets_cache.scan_count + 1,
			scan_locations = CASE
				WHEN $2 = '' OR $2 = ANY(scanned_tickets_cache.scan_locations)
					THEN scanned_tickets_cache.scan_locations
				ELSE array_append(scanned_tickets_cache.scan_locations, $2)
			END,
			is_blocked   = scanned_tickets_cache.is_blocked OR scanned_tickets_cache.scan_count + 1 > $3,
			block_reason = CASE
				WHEN scanned_tickets_cache.is_blocked THEN scanned_tickets_cache.block_reason
				WHEN scanned_tickets_cache.scan_count + 1 > $3 THEN $4
				ELSE scanned_tickets_cache.block_reason
			END,
			updated_at = now()
		RETURNING ticket_id, first_scan_at, last_scan_at, scan_count, scan_locations,
			is_blocked, COALESCE(block_reason, ''), updated_at`

	row := &TicketCacheRow{}
	var locations pq.StringArray
	err := s.db.QueryRowContext(ctx, query, ticketID, location, maxScansPerTicket, BlockReasonTooManyScans).Scan(
		&row.TicketID, &row.FirstScanAt, &row.LastScanAt, &row.ScanCount,
		&locations, &row.IsBlocked, &row.BlockReason, &row.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert ticket cache: %w", err)
	}
	row.ScanLocations = locations
	return row, nil
}

func (s *PostgresStore) GetTicketCache(ctx context.Context, ticketID string) (*TicketCacheRow, error) {
	query := `SELECT ticket_id, first_scan_at, last_scan_at, scan_count, scan_locations,
			is_blocked, COALESCE(block_reason, ''), updated_at
		FROM scanned_tickets_cache WHERE ticket_id = $1`

	row := &TicketCacheRow{}
	var locations pq.StringArray
	err := s.db.QueryRowContext(ctx, query, ticketID).Scan(
		&row.TicketID, &row.FirstScanAt, &row.LastScanAt, &row.ScanCount,
		&locations, &row.IsBlocked, &row.BlockReason, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket cache: %w", err)
	}
	row.ScanLocations = locations
	return row, nil
}

// ============================================================================
// FRAUD ATTEMPTS
// ============================================================================

func (s *PostgresStore) CreateFraudAttempt(ctx context.Context, n NewFraudAttempt) (*FraudAttempt, error) {
	details, err := marshalJSONB(n.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fraud details: %w", err)
	}

	attempt := &FraudAttempt{
		UID:       uuid.New().String(),
		ScanLogID: n.ScanLogID,
		FraudType: n.FraudType,
		Severity:  n.Severity,
		Details:   n.Details,
		IPAddress: n.IPAddress,
		UserAgent: n.UserAgent,
		Blocked:   n.Blocked,
		CreatedBy: n.CreatedBy,
	}

	query := `INSERT INTO fraud_attempts
			(uid, scan_log_id, fraud_type, severity, details, ip_address, user_agent, blocked, created_by)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''))
		RETURNING id, created_at`
	err = s.db.QueryRowContext(ctx, query,
		attempt.UID, n.ScanLogID, n.FraudType, n.Severity, details,
		n.IPAddress, n.UserAgent, n.Blocked, n.CreatedBy,
	).Scan(&attempt.ID, &attempt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create fraud attempt: %w", err)
	}
	return attempt, nil
}

// ============================================================================
// STATISTICS
// ============================================================================

func (s *PostgresStore) GetEventScanStats(ctx context.Context, eventID string, start, end time.Time) (*EventScanStats, error) {
	start, end = statsWindow(start, end)

	stats := &EventScanStats{EventID: eventID, StartDate: start, EndDate: end}

	query := `SELECT count(*), count(DISTINCT ticket_id),
			count(*) FILTER (WHERE result = 'valid'),
			count(*) FILTER (WHERE result <> 'valid'),
			count(*) FILTER (WHERE result = 'fraud_detected')
		FROM scan_logs
		WHERE ticket_data->>'eventId' = $1 AND scanned_at BETWEEN $2 AND $3`
	err := s.db.QueryRowContext(ctx, query, eventID, start, end).Scan(
		&stats.TotalScans, &stats.UniqueTickets,
		&stats.SuccessfulScans, &stats.FailedScans, &stats.FraudAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate event stats: %w", err)
	}

	locQuery := `SELECT DISTINCT location FROM scan_logs
		WHERE ticket_data->>'eventId' = $1 AND scanned_at BETWEEN $2 AND $3 AND location IS NOT NULL
		ORDER BY location`
	rows, err := s.db.QueryContext(ctx, locQuery, eventID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list event locations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, fmt.Errorf("failed to scan location row: %w", err)
		}
		stats.Locations = append(stats.Locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.SuccessRate = successRate(stats.SuccessfulScans, stats.TotalScans)
	return stats, nil
}

// ============================================================================
// RETENTION
// ============================================================================

// CleanupOldScans deletes scan logs, ended sessions and fraud attempts older
// than the retention horizon. Cache rows only go once the ticket itself has
// expired.
func (s *PostgresStore) CleanupOldScans(ctx context.Context, retentionDays int) (*CleanupReport, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	report := &CleanupReport{}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fraud_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete old fraud attempts: %w", err)
	}
	report.FraudAttemptsDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM scan_logs WHERE scanned_at < $1
			AND id NOT IN (SELECT scan_log_id FROM fraud_attempts)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete old scan logs: %w", err)
	}
	report.ScanLogsDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM scan_sessions WHERE ended_at IS NOT NULL AND ended_at < $1
			AND id NOT IN (SELECT scan_session_id FROM scan_logs WHERE scan_session_id IS NOT NULL)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	report.SessionsDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM scanned_tickets_cache WHERE ticket_id IN (
			SELECT ticket_id FROM scan_logs
			WHERE ticket_data->>'expiresAt' IS NOT NULL
			GROUP BY ticket_id
			HAVING max((ticket_data->>'expiresAt')::timestamptz) < now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired cache rows: %w", err)
	}
	report.CacheRowsDeleted, _ = res.RowsAffected()

	s.logger.Printf("retention sweep: %d logs, %d sessions, %d fraud attempts, %d cache rows",
		report.ScanLogsDeleted, report.SessionsDeleted,
		report.FraudAttemptsDeleted, report.CacheRowsDeleted)
	return report, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func marshalJSONB(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func statsWindow(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}
	return start, end
}

func successRate(successful, total int) string {
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(successful)/float64(total)*100)
}
