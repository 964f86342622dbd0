package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanpoint/backend/internal/core"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	session, err := s.CreateScanSession(ctx, NewSession{
		OperatorID: "OP-1",
		EventID:    "E1",
		Location:   "Main",
		DeviceInfo: "scanner-01",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.UID)
	assert.Nil(t, session.EndedAt)

	active, err := s.GetActiveScanSessions(ctx, SessionFilter{OperatorID: "OP-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)

	ended, err := s.EndScanSession(ctx, session.UID)
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)
	assert.False(t, ended.EndedAt.Before(ended.StartedAt))

	active, err = s.GetActiveScanSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)

	// Ending twice is not found
	_, err = s.EndScanSession(ctx, session.UID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheUpsertBlocksAfterLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var row *TicketCacheRow
	var err error
	for i := 0; i < 5; i++ {
		row, err = s.UpsertTicketCache(ctx, "T1", "Main", 5)
		require.NoError(t, err)
		assert.False(t, row.IsBlocked, "scan %d must not block", i+1)
	}
	assert.Equal(t, 5, row.ScanCount)

	// 6th scan crosses maxScansPerTicket=5
	row, err = s.UpsertTicketCache(ctx, "T1", "Gate B", 5)
	require.NoError(t, err)
	assert.Equal(t, 6, row.ScanCount)
	assert.True(t, row.IsBlocked)
	assert.Equal(t, BlockReasonTooManyScans, row.BlockReason)
	assert.ElementsMatch(t, []string{"Main", "Gate B"}, row.ScanLocations)

	// Block is observable on reads
	got, err := s.GetTicketCache(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, got.IsBlocked)
}

func TestCacheLocationsDeduplicated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.UpsertTicketCache(ctx, "T1", "Main", 10)
	s.UpsertTicketCache(ctx, "T1", "Main", 10)
	row, err := s.UpsertTicketCache(ctx, "T1", "Main", 10)
	require.NoError(t, err)

	assert.Equal(t, 3, row.ScanCount)
	assert.Equal(t, []string{"Main"}, row.ScanLocations)
}

func TestGetTicketCacheMiss(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetTicketCache(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanHistoryOrderingAndPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		_, err := s.CreateScanLog(ctx, NewScanLog{
			TicketID:  "T1",
			ScannedAt: base.Add(time.Duration(i) * time.Minute),
			Result:    core.ResultValid,
		})
		require.NoError(t, err)
	}
	s.CreateScanLog(ctx, NewScanLog{TicketID: "T2", ScannedAt: base, Result: core.ResultInvalid})

	history, err := s.GetTicketScanHistory(ctx, "T1", 3, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Newest first
	assert.Equal(t, base.Add(6*time.Minute), history[0].ScannedAt)
	assert.Equal(t, base.Add(4*time.Minute), history[2].ScannedAt)

	page2, err := s.GetTicketScanHistory(ctx, "T1", 3, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, base.Add(3*time.Minute), page2[0].ScannedAt)

	// Offset past the end
	empty, err := s.GetTicketScanHistory(ctx, "T1", 3, 100)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestScanHistoryLimitClamped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < MaxHistoryLimit+20; i++ {
		s.CreateScanLog(ctx, NewScanLog{TicketID: "T1", Result: core.ResultValid})
	}

	history, err := s.GetTicketScanHistory(ctx, "T1", 1000, 0)
	require.NoError(t, err)
	assert.Len(t, history, MaxHistoryLimit)
}

func TestEventScanStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	add := func(ticketID, result, location string, at time.Time) {
		s.CreateScanLog(ctx, NewScanLog{
			TicketID:   ticketID,
			ScannedAt:  at,
			Result:     result,
			Location:   location,
			TicketData: map[string]interface{}{"eventId": "E1"},
		})
	}
	add("T1", core.ResultValid, "Main", now.Add(-time.Hour))
	add("T1", core.ResultAlreadyUsed, "Main", now.Add(-50*time.Minute))
	add("T2", core.ResultValid, "Gate B", now.Add(-40*time.Minute))
	add("T3", core.ResultFraudDetected, "Gate B", now.Add(-30*time.Minute))
	// Outside the default 24h window
	add("T4", core.ResultValid, "Main", now.Add(-48*time.Hour))
	// Different event
	s.CreateScanLog(ctx, NewScanLog{
		TicketID:   "T9",
		ScannedAt:  now,
		Result:     core.ResultValid,
		TicketData: map[string]interface{}{"eventId": "E2"},
	})

	stats, err := s.GetEventScanStats(ctx, "E1", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalScans)
	assert.Equal(t, 3, stats.UniqueTickets)
	assert.Equal(t, 2, stats.SuccessfulScans)
	assert.Equal(t, 2, stats.FailedScans)
	assert.Equal(t, 1, stats.FraudAttempts)
	assert.Equal(t, []string{"Gate B", "Main"}, stats.Locations)
	assert.Equal(t, "50.00%", stats.SuccessRate)
}

func TestEventScanStatsEmpty(t *testing.T) {
	s := NewMemoryStore()
	stats, err := s.GetEventScanStats(context.Background(), "E1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalScans)
	assert.Equal(t, "0.00%", stats.SuccessRate)
}

func TestCleanupOldScans(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40)

	// Old log without fraud reference: swept
	s.CreateScanLog(ctx, NewScanLog{TicketID: "T-old", ScannedAt: old, Result: core.ResultInvalid})
	// Recent log: kept
	s.CreateScanLog(ctx, NewScanLog{TicketID: "T-new", Result: core.ResultValid})
	// Old log referenced by a recent fraud attempt: kept for referential integrity
	flagged, err := s.CreateScanLog(ctx, NewScanLog{TicketID: "T-fraud", ScannedAt: old, Result: core.ResultFraudDetected})
	require.NoError(t, err)
	s.CreateFraudAttempt(ctx, NewFraudAttempt{
		ScanLogID: flagged.ID,
		FraudType: core.FraudForgedQR,
		Severity:  core.SeverityHigh,
	})

	// Ended session beyond retention
	session, _ := s.CreateScanSession(ctx, NewSession{OperatorID: "OP-1"})
	s.EndScanSession(ctx, session.UID)
	s.mu.Lock()
	endedLongAgo := old
	s.sessions[session.UID].EndedAt = &endedLongAgo
	s.mu.Unlock()

	report, err := s.CleanupOldScans(ctx, 30)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.ScanLogsDeleted)
	assert.Equal(t, int64(1), report.SessionsDeleted)
	assert.Equal(t, int64(0), report.FraudAttemptsDeleted)

	remaining, err := s.GetTicketLogs(ctx, "T-fraud", 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestCleanupRemovesExpiredCacheRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CreateScanLog(ctx, NewScanLog{
		TicketID: "T1",
		Result:   core.ResultValid,
		TicketData: map[string]interface{}{
			"expiresAt": time.Now().Add(-time.Hour).Format(time.RFC3339),
		},
	})
	s.UpsertTicketCache(ctx, "T1", "Main", 5)

	s.CreateScanLog(ctx, NewScanLog{
		TicketID: "T2",
		Result:   core.ResultValid,
		TicketData: map[string]interface{}{
			"expiresAt": time.Now().Add(time.Hour).Format(time.RFC3339),
		},
	})
	s.UpsertTicketCache(ctx, "T2", "Main", 5)

	report, err := s.CleanupOldScans(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.CacheRowsDeleted)

	_, err = s.GetTicketCache(ctx, "T1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTicketCache(ctx, "T2")
	assert.NoError(t, err)
}
