package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ScanStore used by tests and by deployments
// that run without a database. Semantics match PostgresStore.
type MemoryStore struct {
	mu sync.Mutex

	nextSessionID int64
	nextLogID     int64
	nextFraudID   int64

	sessions map[string]*ScanSession // keyed by uid
	logs     []*ScanLog
	cache    map[string]*TicketCacheRow
	fraud    []*FraudAttempt

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*ScanSession),
		cache:    make(map[string]*TicketCacheRow),
		now:      time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// SESSIONS
// ============================================================================

func (s *MemoryStore) CreateScanSession(_ context.Context, n NewSession) (*ScanSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSessionID++
	session := &ScanSession{
		ID:         s.nextSessionID,
		UID:        uuid.New().String(),
		StartedAt:  s.now(),
		OperatorID: n.OperatorID,
		EventID:    n.EventID,
		Location:   n.Location,
		DeviceInfo: n.DeviceInfo,
	}
	s.sessions[session.UID] = session
	return copySession(session), nil
}

func (s *MemoryStore) EndScanSession(_ context.Context, uid string) (*ScanSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[uid]
	if !ok || session.EndedAt != nil {
		return nil, ErrNotFound
	}
	ended := s.now()
	session.EndedAt = &ended
	return copySession(session), nil
}

func (s *MemoryStore) GetActiveScanSessions(_ context.Context, f SessionFilter) ([]*ScanSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ScanSession
	for _, session := range s.sessions {
		if session.EndedAt != nil {
			continue
		}
		if f.OperatorID != "" && session.OperatorID != f.OperatorID {
			continue
		}
		if f.EventID != "" && session.EventID != f.EventID {
			continue
		}
		if f.Location != "" && session.Location != f.Location {
			continue
		}
		out = append(out, copySession(session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// ============================================================================
// SCAN LOGS
// ============================================================================

func (s *MemoryStore) CreateScanLog(_ context.Context, n NewScanLog) (*ScanLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scannedAt := n.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = s.now()
	}

	s.nextLogID++
	entry := &ScanLog{
		ID:                s.nextLogID,
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
		CreatedAt:         s.now(),
	}
	s.logs = append(s.logs, entry)
	return entry, nil
}

func (s *MemoryStore) GetTicketScanHistory(_ context.Context, ticketID string, limit, offset int) ([]*ScanLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = clampHistoryLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var matched []*ScanLog
	for _, entry := range s.logs {
		if entry.TicketID == ticketID {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ScannedAt.After(matched[j].ScannedAt) })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) GetTicketLogs(ctx context.Context, ticketID string, limit int) ([]*ScanLog, error) {
	return s.GetTicketScanHistory(ctx, ticketID, limit, 0)
}

// ============================================================================
// TICKET CACHE
// ============================================================================

func (s *MemoryStore) UpsertTicketCache(_ context.Context, ticketID, location string, maxScansPerTicket int) (*TicketCacheRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	row, ok := s.cache[ticketID]
	if !ok {
		row = &TicketCacheRow{
			TicketID:    ticketID,
			FirstScanAt: now,
			LastScanAt:  now,
			ScanCount:   1,
			UpdatedAt:   now,
		}
		if location != "" {
			row.ScanLocations = []string{location}
		}
		s.cache[ticketID] = row
		return copyCacheRow(row), nil
	}

	row.LastScanAt = now
	row.ScanCount++
	row.UpdatedAt = now
	if location != "" && !containsString(row.ScanLocations, location) {
		row.ScanLocations = append(row.ScanLocations, location)
	}
	if !row.IsBlocked && row.ScanCount > maxScansPerTicket {
		row.IsBlocked = true
		row.BlockReason = BlockReasonTooManyScans
	}
	return copyCacheRow(row), nil
}

func (s *MemoryStore) GetTicketCache(_ context.Context, ticketID string) (*TicketCacheRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.cache[ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCacheRow(row), nil
}

// ============================================================================
// FRAUD ATTEMPTS
// ============================================================================

func (s *MemoryStore) CreateFraudAttempt(_ context.Context, n NewFraudAttempt) (*FraudAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextFraudID++
	attempt := &FraudAttempt{
		ID:        s.nextFraudID,
		UID:       uuid.New().String(),
		ScanLogID: n.ScanLogID,
		FraudType: n.FraudType,
		Severity:  n.Severity,
		Details:   n.Details,
		IPAddress: n.IPAddress,
		UserAgent: n.UserAgent,
		Blocked:   n.Blocked,
		CreatedBy: n.CreatedBy,
		CreatedAt: s.now(),
	}
	s.fraud = append(s.fraud, attempt)
	return attempt, nil
}

// ============================================================================
// STATISTICS
// ============================================================================

func (s *MemoryStore) GetEventScanStats(_ context.Context, eventID string, start, end time.Time) (*EventScanStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, end = statsWindow(start, end)
	stats := &EventScanStats{EventID: eventID, StartDate: start, EndDate: end}

	tickets := make(map[string]struct{})
	locations := make(map[string]struct{})
	for _, entry := range s.logs {
		if logEventID(entry) != eventID {
			continue
		}
		if entry.ScannedAt.Before(start) || entry.ScannedAt.After(end) {
			continue
		}
		stats.TotalScans++
		tickets[entry.TicketID] = struct{}{}
		if entry.Location != "" {
			locations[entry.Location] = struct{}{}
		}
		switch entry.Result {
		case "valid":
			stats.SuccessfulScans++
		case "fraud_detected":
			stats.FailedScans++
			stats.FraudAttempts++
		default:
			stats.FailedScans++
		}
	}

	stats.UniqueTickets = len(tickets)
	for loc := range locations {
		stats.Locations = append(stats.Locations, loc)
	}
	sort.Strings(stats.Locations)
	stats.SuccessRate = successRate(stats.SuccessfulScans, stats.TotalScans)
	return stats, nil
}

// ============================================================================
// RETENTION
// ============================================================================

func (s *MemoryStore) CleanupOldScans(_ context.Context, retentionDays int) (*CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	report := &CleanupReport{}

	kept := s.fraud[:0]
	for _, attempt := range s.fraud {
		if attempt.CreatedAt.Before(cutoff) {
			report.FraudAttemptsDeleted++
			continue
		}
		kept = append(kept, attempt)
	}
	s.fraud = kept

	referenced := make(map[int64]struct{}, len(s.fraud))
	for _, attempt := range s.fraud {
		referenced[attempt.ScanLogID] = struct{}{}
	}

	keptLogs := s.logs[:0]
	for _, entry := range s.logs {
		_, ref := referenced[entry.ID]
		if entry.ScannedAt.Before(cutoff) && !ref {
			report.ScanLogsDeleted++
			continue
		}
		keptLogs = append(keptLogs, entry)
	}
	s.logs = keptLogs

	for uid, session := range s.sessions {
		if session.EndedAt != nil && session.EndedAt.Before(cutoff) {
			delete(s.sessions, uid)
			report.SessionsDeleted++
		}
	}

	now := s.now()
	for ticketID := range s.cache {
		if exp, ok := s.latestExpiry(ticketID); ok && exp.Before(now) {
			delete(s.cache, ticketID)
			report.CacheRowsDeleted++
		}
	}
	return report, nil
}

// latestExpiry reads the newest scan log's recorded expiresAt for a ticket.
func (s *MemoryStore) latestExpiry(ticketID string) (time.Time, bool) {
	var latest *ScanLog
	for _, entry := range s.logs {
		if entry.TicketID != ticketID {
			continue
		}
		if latest == nil || entry.ScannedAt.After(latest.ScannedAt) {
			latest = entry
		}
	}
	if latest == nil || latest.TicketData == nil {
		return time.Time{}, false
	}
	raw, ok := latest.TicketData["expiresAt"].(string)
	if !ok {
		return time.Time{}, false
	}
	exp, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return exp, true
}

// ============================================================================
// HELPERS
// ============================================================================

func logEventID(entry *ScanLog) string {
	if entry.TicketData == nil {
		return ""
	}
	id, _ := entry.TicketData["eventId"].(string)
	return id
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func copySession(s *ScanSession) *ScanSession {
	out := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	return &out
}

func copyCacheRow(r *TicketCacheRow) *TicketCacheRow {
	out := *r
	out.ScanLocations = append([]string(nil), r.ScanLocations...)
	return &out
}
