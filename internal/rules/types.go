package rules

import (
	"time"

	"github.com/scanpoint/backend/internal/core"
)

// ============================================================================
// WIRE TYPES — upstream rules service contract
// ============================================================================

// ValidateTicketRequest is the body of POST /api/internal/validation/validate-ticket.
type ValidateTicketRequest struct {
	TicketID           string             `json:"ticketId"`
	EventID            string             `json:"eventId"`
	TicketType         string             `json:"ticketType"`
	UserID             string             `json:"userId,omitempty"`
	ScanContext        scanContextPayload `json:"scanContext"`
	ValidationMetadata ValidationMetadata `json:"validationMetadata"`
}

type scanContextPayload struct {
	Location     string    `json:"location,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	OperatorID   string    `json:"operatorId,omitempty"`
	CheckpointID string    `json:"checkpointId,omitempty"`
}

// ValidationMetadata describes how the QR was validated locally.
type ValidationMetadata struct {
	QRVersion   string    `json:"qrVersion"`
	QRAlgorithm string    `json:"qrAlgorithm"`
	ValidatedAt time.Time `json:"validatedAt"`
}

// TicketInfo is the upstream's view of the ticket.
type TicketInfo struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	TicketType string `json:"ticketType,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

// EventInfo is the upstream's view of the event.
type EventInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// Verdict is a successful business validation from the rules service.
type Verdict struct {
	Ticket TicketInfo `json:"ticket"`
	Event  EventInfo  `json:"event"`
}

// TicketStatus is the response of GET /api/internal/tickets/{id}/status.
type TicketStatus struct {
	TicketID string `json:"ticketId"`
	Status   string `json:"status"`
	EventID  string `json:"eventId,omitempty"`
}

// ScanRecord is the fire-and-forget payload of POST /api/internal/scans/record.
type ScanRecord struct {
	TicketID     string    `json:"ticketId"`
	EventID      string    `json:"eventId,omitempty"`
	Result       string    `json:"result"`
	ScannedAt    time.Time `json:"scannedAt"`
	Location     string    `json:"location,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
	OperatorID   string    `json:"operatorId,omitempty"`
	ValidationID string    `json:"validationId,omitempty"`
}

// envelope is the upstream's uniform response wrapper.
type envelope struct {
	Success bool    `json:"success"`
	Code    string  `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
	Data    *struct {
		Ticket *TicketInfo `json:"ticket,omitempty"`
		Event  *EventInfo  `json:"event,omitempty"`
		Status string      `json:"status,omitempty"`
	} `json:"data,omitempty"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error,omitempty"`
}

func (e *envelope) errorCode() string {
	if e.Error != nil && e.Error.Code != "" {
		return e.Error.Code
	}
	return e.Code
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

// MapUpstreamCode translates an upstream business code into the
// orchestrator's canonical set. Unknown codes deliberately collapse to
// INVALID so upstream topology never leaks to checkpoints.
func MapUpstreamCode(code string) string {
	switch code {
	case "TICKET_NOT_FOUND":
		return core.CodeInvalid
	case "TICKET_ALREADY_USED":
		return core.CodeAlreadyUsed
	case "TICKET_EXPIRED":
		return core.CodeExpired
	case "EVENT_NOT_FOUND", "USER_NOT_AUTHORIZED", "ZONE_ACCESS_DENIED", "TIME_ACCESS_DENIED":
		return core.CodeNotAuthorized
	case "EVENT_NOT_ACTIVE", "EVENT_ENDED":
		return core.CodeEventClosed
	default:
		return core.CodeInvalid
	}
}
