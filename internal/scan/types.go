package scan

import (
	"sync/atomic"
	"time"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/qr"
	"github.com/scanpoint/backend/internal/rules"
)

// Config tunes the orchestrator.
type Config struct {
	// ScanTimeout bounds one validation end to end and ages out stale
	// concurrency-gate entries
	ScanTimeout time.Duration

	// MaxConcurrentScans caps the concurrency gate
	MaxConcurrentScans int

	// MaxScansPerTicket is the per-ticket block threshold
	MaxScansPerTicket int

	// MaxQRLength is the input-gate size limit in characters
	MaxQRLength int

	// FraudDetectionEnabled toggles the fraud analyzer stage
	FraudDetectionEnabled bool

	// BlockOnFraud lets a block_scan recommendation fail the validation.
	// Off in production: the upstream verdict always wins there.
	BlockOnFraud bool
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		ScanTimeout:           15 * time.Second,
		MaxConcurrentScans:    100,
		MaxScansPerTicket:     5,
		MaxQRLength:           10000,
		FraudDetectionEnabled: true,
		BlockOnFraud:          false,
	}
}

// TicketBlock is the ticket part of a successful outcome.
type TicketBlock struct {
	ID         string    `json:"id"`
	EventID    string    `json:"eventId"`
	TicketType string    `json:"ticketType"`
	Status     string    `json:"status"`
	ScannedAt  time.Time `json:"scannedAt"`
}

// ScanInfoBlock describes the scan itself in a successful outcome.
type ScanInfoBlock struct {
	ScanID    string    `json:"scanId"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Offline   bool      `json:"offline,omitempty"`
}

// OutcomeMetadata carries per-stage validation details.
type OutcomeMetadata struct {
	QRValidation       *qr.ValidationInfo     `json:"qrValidation,omitempty"`
	BusinessValidation map[string]interface{} `json:"businessValidation,omitempty"`
}

// Outcome is the result of one validation request.
type Outcome struct {
	Success        bool             `json:"success"`
	ValidationID   string           `json:"validationId"`
	Code           string           `json:"code,omitempty"`
	Message        string           `json:"message,omitempty"`
	Ticket         *TicketBlock     `json:"ticket,omitempty"`
	Event          *rules.EventInfo `json:"event,omitempty"`
	ScanInfo       *ScanInfoBlock   `json:"scanInfo,omitempty"`
	ValidationTime string           `json:"validationTime"`
	FraudFlags     []core.FraudFlag `json:"fraudFlags,omitempty"`
	Metadata       *OutcomeMetadata `json:"metadata,omitempty"`
}

// Stats are the orchestrator's running counters.
type Stats struct {
	totalScans             atomic.Int64
	successfulScans        atomic.Int64
	failedScans            atomic.Int64
	fraudAttempts          atomic.Int64
	concurrentScansBlocked atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	TotalScans             int64 `json:"totalScans"`
	SuccessfulScans        int64 `json:"successfulScans"`
	FailedScans            int64 `json:"failedScans"`
	FraudAttempts          int64 `json:"fraudAttempts"`
	ConcurrentScansBlocked int64 `json:"concurrentScansBlocked"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalScans:             s.totalScans.Load(),
		SuccessfulScans:        s.successfulScans.Load(),
		FailedScans:            s.failedScans.Load(),
		FraudAttempts:          s.fraudAttempts.Load(),
		ConcurrentScansBlocked: s.concurrentScansBlocked.Load(),
	}
}
