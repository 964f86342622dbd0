// Package core holds the domain types shared across the validation engine:
// machine error codes, fraud flags, scan context and scan results.
package core

import (
	"fmt"
	"time"
)

// ============================================================================
// ERROR CODES (observable taxonomy)
// ============================================================================

const (
	// Client
	CodeMissingOrInvalidQR = "MISSING_OR_INVALID_QR_CODE"
	CodeQRTooLarge         = "QR_CODE_TOO_LARGE"
	CodeInvalidScanContext = "INVALID_SCAN_CONTEXT"
	CodeMissingTicketID    = "MISSING_TICKET_ID"

	// Decoding
	CodeUnsupportedFormat  = "UNSUPPORTED_QR_FORMAT"
	CodeInvalidJWT         = "INVALID_JWT_FORMAT"
	CodeInvalidJSON        = "INVALID_JSON_FORMAT"
	CodeInvalidBase64      = "INVALID_BASE64_FORMAT"
	CodeInvalidPNGBase64   = "INVALID_PNG_BASE64_FORMAT"
	CodeUnsupportedJWTAlg  = "UNSUPPORTED_JWT_ALGORITHM"
	CodeUnsupportedVersion = "UNSUPPORTED_QR_VERSION"
	CodeInvalidStructure   = "INVALID_QR_STRUCTURE"
	CodeQRExpired          = "QR_CODE_EXPIRED"

	// Crypto / fraud
	CodeInvalidSignature = "INVALID_CRYPTOGRAPHIC_SIGNATURE"
	CodeConcurrentScan   = "CONCURRENT_SCAN_DETECTED"

	// Business (mapped from the rules service)
	CodeInvalid       = "INVALID"
	CodeAlreadyUsed   = "ALREADY_USED"
	CodeExpired       = "EXPIRED"
	CodeNotAuthorized = "NOT_AUTHORIZED"
	CodeEventClosed   = "EVENT_CLOSED"

	// Offline
	CodeOfflineNotFound = "TICKET_NOT_FOUND_OFFLINE"
	CodeOfflineExpired  = "TICKET_EXPIRED_OFFLINE"
	CodeOfflineInactive = "TICKET_INACTIVE_OFFLINE"
	CodeOfflineMaxScans = "MAX_SCANS_EXCEEDED_OFFLINE"

	// Infrastructure
	CodeCoreUnavailable   = "CORE_SERVICE_UNAVAILABLE"
	CodeCoreCommunication = "CORE_COMMUNICATION_ERROR"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeScanRecordFailed  = "SCAN_RECORD_FAILED"
)

// ============================================================================
// FRAUD FLAGS
// ============================================================================

// Severity levels for fraud flags and fraud attempts.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Fraud flag types raised by the decoder, the concurrency gate and the
// pattern analyzer.
const (
	FraudForgedQR        = "FORGED_QR"
	FraudConcurrentScan  = "CONCURRENT_SCAN_ATTEMPT"
	FraudRapidScans      = "rapid_scans"
	FraudLocationHopping = "location_hopping"
	FraudVolumeAnomaly   = "volume_anomaly"
	FraudOffHours        = "off_hours"
	FraudCyclicScans     = "cyclic_scans"
	FraudMetadataAnomaly = "metadata_anomaly"
)

// FraudFlag is a tagged record attached to a failed or suspicious scan.
type FraudFlag struct {
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ============================================================================
// SCAN CONTEXT & RESULTS
// ============================================================================

// ScanContext describes where and by whom a scan is performed. Checkpoints
// are technical callers; every field is optional on the wire.
type ScanContext struct {
	Location     string    `json:"location,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
	OperatorID   string    `json:"operatorId,omitempty"`
	CheckpointID string    `json:"checkpointId,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// Scan log results.
const (
	ResultValid         = "valid"
	ResultInvalid       = "invalid"
	ResultAlreadyUsed   = "already_used"
	ResultExpired       = "expired"
	ResultFraudDetected = "fraud_detected"
)

// TicketTypes enumerates the admission classes the decoder accepts.
var TicketTypes = map[string]bool{
	"standard":   true,
	"vip":        true,
	"premium":    true,
	"early-bird": true,
	"student":    true,
	"staff":      true,
}

// ============================================================================
// VALIDATION ERROR
// ============================================================================

// ValidationError is the typed failure carrier used across the pipeline so
// each stage's machine code survives verbatim to the response.
type ValidationError struct {
	Code       string
	Message    string
	FraudFlags []FraudFlag
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError builds a ValidationError without fraud flags.
func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// WithFlag attaches a fraud flag and returns the error for chaining.
func (e *ValidationError) WithFlag(flag FraudFlag) *ValidationError {
	e.FraudFlags = append(e.FraudFlags, flag)
	return e
}
