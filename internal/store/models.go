package store

import (
	"time"

	"github.com/scanpoint/backend/internal/core"
)

// ============================================================================
// DATA MODELS
// ============================================================================

// ScanSession is a work unit bound to an operator, device and location.
// A session is active while EndedAt is nil.
type ScanSession struct {
	ID         int64      `json:"id"`
	UID        string     `json:"uid"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	OperatorID string     `json:"operatorId"`
	EventID    string     `json:"eventId,omitempty"`
	Location   string     `json:"location,omitempty"`
	DeviceInfo string     `json:"deviceInfo,omitempty"`
}

// NewSession carries the fields needed to open a session.
type NewSession struct {
	OperatorID string
	EventID    string
	Location   string
	DeviceInfo string
}

// ScanLog is one validation attempt. Append-only.
type ScanLog struct {
	ID                int64                  `json:"id"`
	UID               string                 `json:"uid"`
	SessionID         *int64                 `json:"sessionId,omitempty"`
	TicketID          string                 `json:"ticketId"`
	ScannedAt         time.Time              `json:"scannedAt"`
	Result            string                 `json:"result"`
	Location          string                 `json:"location,omitempty"`
	DeviceID          string                 `json:"deviceId,omitempty"`
	TicketData        map[string]interface{} `json:"ticketData,omitempty"`
	ValidationDetails map[string]interface{} `json:"validationDetails,omitempty"`
	FraudFlags        []core.FraudFlag       `json:"fraudFlags,omitempty"`
	CreatedBy         string                 `json:"createdBy,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// NewScanLog carries the fields of a scan log to append.
type NewScanLog struct {
	SessionID         *int64
	TicketID          string
	ScannedAt         time.Time
	Result            string
	Location          string
	DeviceID          string
	TicketData        map[string]interface{}
	ValidationDetails map[string]interface{}
	FraudFlags        []core.FraudFlag
	CreatedBy         string
}

// TicketCacheRow is the per-ticket scan counter. One row per ticket ever seen.
type TicketCacheRow struct {
	TicketID      string    `json:"ticketId"`
	FirstScanAt   time.Time `json:"firstScanAt"`
	LastScanAt    time.Time `json:"lastScanAt"`
	ScanCount     int       `json:"scanCount"`
	ScanLocations []string  `json:"scanLocations"`
	IsBlocked     bool      `json:"isBlocked"`
	BlockReason   string    `json:"blockReason,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// BlockReasonTooManyScans is set when scanCount exceeds the per-ticket limit.
const BlockReasonTooManyScans = "Trop de scans"

// FraudAttempt records one detected fraud occurrence. Append-only.
type FraudAttempt struct {
	ID        int64                  `json:"id"`
	UID       string                 `json:"uid"`
	ScanLogID int64                  `json:"scanLogId"`
	FraudType string                 `json:"fraudType"`
	Severity  string                 `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ipAddress,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
	Blocked   bool                   `json:"blocked"`
	CreatedBy string                 `json:"createdBy,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// NewFraudAttempt carries the fields of a fraud attempt to append.
type NewFraudAttempt struct {
	ScanLogID int64
	FraudType string
	Severity  string
	Details   map[string]interface{}
	IPAddress string
	UserAgent string
	Blocked   bool
	CreatedBy string
}

// EventScanStats aggregates scan activity for one event over a window.
type EventScanStats struct {
	EventID         string    `json:"eventId"`
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	TotalScans      int       `json:"totalScans"`
	UniqueTickets   int       `json:"uniqueTickets"`
	SuccessfulScans int       `json:"successfulScans"`
	FailedScans     int       `json:"failedScans"`
	FraudAttempts   int       `json:"fraudAttempts"`
	Locations       []string  `json:"locations"`
	SuccessRate     string    `json:"successRate"`
}

// SessionFilter narrows GetActiveScanSessions.
type SessionFilter struct {
	OperatorID string
	EventID    string
	Location   string
}

// CleanupReport is the result of one retention sweep.
type CleanupReport struct {
	ScanLogsDeleted      int64 `json:"scanLogsDeleted"`
	SessionsDeleted      int64 `json:"sessionsDeleted"`
	FraudAttemptsDeleted int64 `json:"fraudAttemptsDeleted"`
	CacheRowsDeleted     int64 `json:"cacheRowsDeleted"`
}
