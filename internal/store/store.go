// Package store persists scan sessions, scan logs, the per-ticket counter
// cache and fraud attempts. The Postgres implementation is the production
// backend; the in-memory one backs tests and offline-only deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// MaxHistoryLimit caps the page size of scan history queries.
const MaxHistoryLimit = 100

// ScanStore is the persistence contract of the validation pipeline.
type ScanStore interface {
	CreateScanSession(ctx context.Context, s NewSession) (*ScanSession, error)
	EndScanSession(ctx context.Context, uid string) (*ScanSession, error)
	GetActiveScanSessions(ctx context.Context, f SessionFilter) ([]*ScanSession, error)

	CreateScanLog(ctx context.Context, l NewScanLog) (*ScanLog, error)
	GetTicketScanHistory(ctx context.Context, ticketID string, limit, offset int) ([]*ScanLog, error)
	GetTicketLogs(ctx context.Context, ticketID string, limit int) ([]*ScanLog, error)

	UpsertTicketCache(ctx context.Context, ticketID, location string, maxScansPerTicket int) (*TicketCacheRow, error)
	GetTicketCache(ctx context.Context, ticketID string) (*TicketCacheRow, error)

	CreateFraudAttempt(ctx context.Context, a NewFraudAttempt) (*FraudAttempt, error)

	// GetEventScanStats defaults to the last 24 hours when start is zero.
	GetEventScanStats(ctx context.Context, eventID string, start, end time.Time) (*EventScanStats, error)

	CleanupOldScans(ctx context.Context, retentionDays int) (*CleanupReport, error)

	Close() error
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 || limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
