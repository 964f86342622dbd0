// Package scan is the validation orchestrator. One call runs the staged
// pipeline: input gate, concurrency gate, QR decode, rules verdict, fraud
// analysis, response assembly, deferred persistence.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/fraud"
	"github.com/scanpoint/backend/internal/hotcache"
	"github.com/scanpoint/backend/internal/metrics"
	"github.com/scanpoint/backend/internal/qr"
	"github.com/scanpoint/backend/internal/rules"
)

// TicketRules is the slice of the rules client the orchestrator needs.
type TicketRules interface {
	ValidateTicket(ctx context.Context, claims *qr.Claims, scanCtx core.ScanContext, meta rules.ValidationMetadata) (*rules.Verdict, error)
}

// FraudDetector evaluates a decoded scan for fraud patterns.
type FraudDetector interface {
	Analyze(claims *qr.Claims, scanCtx core.ScanContext) *fraud.Analysis
}

// Validator runs the end-to-end validation pipeline.
type Validator struct {
	cfg      Config
	decoder  *qr.Decoder
	rules    TicketRules
	detector FraudDetector
	cache    *hotcache.Cache
	recorder *Recorder
	met      *metrics.Metrics

	gate   *concurrencyGate
	stats  Stats
	logger *log.Logger
	now    func() time.Time
}

// NewValidator wires the pipeline together. detector and met may be nil.
func NewValidator(cfg Config, decoder *qr.Decoder, ticketRules TicketRules, detector FraudDetector, cache *hotcache.Cache, recorder *Recorder, met *metrics.Metrics) *Validator {
	if cfg.MaxQRLength <= 0 {
		cfg.MaxQRLength = 10000
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 15 * time.Second
	}
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = 100
	}
	return &Validator{
		cfg:      cfg,
		decoder:  decoder,
		rules:    ticketRules,
		detector: detector,
		cache:    cache,
		recorder: recorder,
		met:      met,
		gate:     newConcurrencyGate(cfg.MaxConcurrentScans, cfg.ScanTimeout),
		logger:   log.New(log.Writer(), "[SCAN] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Stats returns a snapshot of the orchestrator counters.
func (v *Validator) Stats() StatsSnapshot {
	return v.stats.Snapshot()
}

// InFlight returns the number of validations currently admitted.
func (v *Validator) InFlight() int {
	return v.gate.inFlight()
}

// ValidateTicket validates one QR payload end to end. It always returns an
// outcome; failures are carried as codes, never as panics.
func (v *Validator) ValidateTicket(ctx context.Context, qrCode string, scanCtx core.ScanContext) (out *Outcome) {
	validationID := uuid.New().String()
	start := v.now()
	if scanCtx.Timestamp.IsZero() {
		scanCtx.Timestamp = start
	}

	defer func() {
		if r := recover(); r != nil {
			v.logger.Printf("panic in validation %s: %v", validationID, r)
			out = v.fail(validationID, start, "",
				core.NewValidationError(core.CodeValidationError, "internal validation error"))
		}
	}()

	// Input gate
	if qrCode == "" {
		return v.fail(validationID, start, "",
			core.NewValidationError(core.CodeMissingOrInvalidQR, "qrCode is required"))
	}
	if len(qrCode) > v.cfg.MaxQRLength {
		return v.fail(validationID, start, "",
			core.NewValidationError(core.CodeQRTooLarge, "qrCode exceeds maximum length"))
	}
	if err := validateScanContext(scanCtx); err != nil {
		return v.fail(validationID, start, "", err)
	}

	// Concurrency gate
	switch v.gate.admit(qrCode, validationID) {
	case gateDuplicate:
		v.stats.concurrentScansBlocked.Add(1)
		if v.met != nil {
			v.met.ConcurrentBlocked.Inc()
		}
		verr := core.NewValidationError(core.CodeConcurrentScan, "this QR code is already being validated").
			WithFlag(core.FraudFlag{
				Type:     core.FraudConcurrentScan,
				Severity: core.SeverityMedium,
				Details:  map[string]interface{}{"sameQRCode": true},
			})
		return v.fail(validationID, start, "", verr)
	case gateSaturated:
		v.stats.concurrentScansBlocked.Add(1)
		return v.fail(validationID, start, "",
			core.NewValidationError(core.CodeConcurrentScan, "too many scans in flight"))
	}
	defer v.gate.release(qrCode, validationID)

	if v.met != nil {
		v.met.PendingScans.Set(float64(v.gate.inFlight()))
		defer func() { v.met.PendingScans.Set(float64(v.gate.inFlight())) }()
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.ScanTimeout)
	defer cancel()

	// Decode
	claims, info, err := v.decoder.Decode(qrCode)
	if err != nil {
		return v.fail(validationID, start, "", asValidationError(err))
	}
	format := string(info.FormatType)

	// Blocked tickets fail before the upstream is consulted
	if v.cache != nil {
		if blocked, reason := v.cache.IsBlocked(ctx, claims.TicketID); blocked {
			verr := blockError(reason)
			v.persistFailure(validationID, claims, scanCtx, verr, info, true)
			return v.fail(validationID, start, format, verr)
		}
	}

	// Rules verdict
	meta := rules.ValidationMetadata{
		QRVersion:   claims.Version,
		QRAlgorithm: claims.Algorithm,
		ValidatedAt: info.ValidatedAt,
	}
	verdict, err := v.rules.ValidateTicket(ctx, claims, scanCtx, meta)
	if err != nil {
		verr := asValidationError(err)
		v.persistFailure(validationID, claims, scanCtx, verr, info, false)
		return v.fail(validationID, start, format, verr)
	}

	// Fraud analysis never overrides the upstream verdict unless explicitly
	// configured to (development installs)
	var flags []core.FraudFlag
	if v.cfg.FraudDetectionEnabled && v.detector != nil {
		analysis := v.detector.Analyze(claims, scanCtx)
		flags = analysis.FraudFlags
		v.observeFraud(analysis)

		if v.cfg.BlockOnFraud && containsAction(analysis.Recommendations, fraud.ActionBlockScan) {
			verr := core.NewValidationError(core.CodeInvalid, "scan blocked by fraud analysis")
			verr.FraudFlags = flags
			v.persistFraudBlock(validationID, claims, scanCtx, flags)
			return v.fail(validationID, start, format, verr)
		}
	}

	// Assembly
	now := v.now()
	status := verdict.Ticket.Status
	if status == "" {
		status = "VALID"
	}
	event := verdict.Event
	out = &Outcome{
		Success:      true,
		ValidationID: validationID,
		Ticket: &TicketBlock{
			ID:         claims.TicketID,
			EventID:    claims.EventID,
			TicketType: claims.TicketType,
			Status:     status,
			ScannedAt:  now,
		},
		Event: &event,
		ScanInfo: &ScanInfoBlock{
			ScanID:    validationID,
			Timestamp: now,
			Location:  scanCtx.Location,
			DeviceID:  scanCtx.DeviceID,
		},
		ValidationTime: elapsed(start, now),
		Metadata: &OutcomeMetadata{
			QRValidation: info,
			BusinessValidation: map[string]interface{}{
				"ticketStatus": status,
				"eventStatus":  verdict.Event.Status,
			},
		},
	}

	// Deferred persistence
	if v.recorder != nil {
		v.recorder.Enqueue(&Record{
			ValidationID:      validationID,
			TicketID:          claims.TicketID,
			ScannedAt:         now,
			Result:            core.ResultValid,
			Location:          scanCtx.Location,
			DeviceID:          scanCtx.DeviceID,
			OperatorID:        scanCtx.OperatorID,
			IPAddress:         scanCtx.IPAddress,
			UserAgent:         scanCtx.UserAgent,
			TicketData:        ticketData(claims),
			ValidationDetails: validationDetails(info, start, now),
			FraudFlags:        flags,
			CountScan:         true,
			ReportUpstream:    true,
		})
	}

	v.stats.totalScans.Add(1)
	v.stats.successfulScans.Add(1)
	if v.met != nil {
		v.met.ScansTotal.WithLabelValues(core.ResultValid, format).Inc()
		v.met.ScanDuration.WithLabelValues(core.ResultValid).Observe(now.Sub(start).Seconds())
	}
	return out
}

// ============================================================================
// FAILURE PATHS
// ============================================================================

// fail produces a terminal failure outcome and updates the counters.
func (v *Validator) fail(validationID string, start time.Time, format string, verr *core.ValidationError) *Outcome {
	now := v.now()
	v.stats.totalScans.Add(1)
	v.stats.failedScans.Add(1)
	if len(verr.FraudFlags) > 0 {
		v.stats.fraudAttempts.Add(1)
	}
	if v.met != nil {
		if format == "" {
			format = "none"
		}
		v.met.ScansTotal.WithLabelValues(verr.Code, format).Inc()
		v.met.ScanDuration.WithLabelValues(verr.Code).Observe(now.Sub(start).Seconds())
	}

	return &Outcome{
		Success:        false,
		ValidationID:   validationID,
		Code:           verr.Code,
		Message:        verr.Message,
		ValidationTime: elapsed(start, now),
		FraudFlags:     verr.FraudFlags,
	}
}

// persistFailure appends a scan log for a failed validation of a decoded
// ticket.
func (v *Validator) persistFailure(validationID string, claims *qr.Claims, scanCtx core.ScanContext, verr *core.ValidationError, info *qr.ValidationInfo, blocked bool) {
	if v.recorder == nil {
		return
	}
	v.recorder.Enqueue(&Record{
		ValidationID: validationID,
		TicketID:     claims.TicketID,
		ScannedAt:    v.now(),
		Result:       resultForCode(verr.Code),
		Location:     scanCtx.Location,
		DeviceID:     scanCtx.DeviceID,
		OperatorID:   scanCtx.OperatorID,
		IPAddress:    scanCtx.IPAddress,
		UserAgent:    scanCtx.UserAgent,
		TicketData:   ticketData(claims),
		ValidationDetails: map[string]interface{}{
			"code":         verr.Code,
			"qrValidation": info,
		},
		FraudFlags: verr.FraudFlags,
		Blocked:    blocked,
	})
}

func (v *Validator) persistFraudBlock(validationID string, claims *qr.Claims, scanCtx core.ScanContext, flags []core.FraudFlag) {
	if v.recorder == nil {
		return
	}
	v.recorder.Enqueue(&Record{
		ValidationID: validationID,
		TicketID:     claims.TicketID,
		ScannedAt:    v.now(),
		Result:       core.ResultFraudDetected,
		Location:     scanCtx.Location,
		DeviceID:     scanCtx.DeviceID,
		OperatorID:   scanCtx.OperatorID,
		IPAddress:    scanCtx.IPAddress,
		UserAgent:    scanCtx.UserAgent,
		TicketData:   ticketData(claims),
		FraudFlags:   flags,
		Blocked:      true,
	})
}

func (v *Validator) observeFraud(analysis *fraud.Analysis) {
	if analysis.IsSuspicious {
		v.stats.fraudAttempts.Add(1)
	}
	if v.met == nil {
		return
	}
	for _, flag := range analysis.FraudFlags {
		v.met.FraudFlagsTotal.WithLabelValues(flag.Type, flag.Severity).Inc()
	}
	if analysis.RiskScore > 0 {
		v.met.RiskScore.Observe(float64(analysis.RiskScore))
	}
}

// ============================================================================
// HELPERS
// ============================================================================

func validateScanContext(scanCtx core.ScanContext) *core.ValidationError {
	for _, field := range []string{scanCtx.Location, scanCtx.DeviceID, scanCtx.OperatorID, scanCtx.CheckpointID} {
		if len(field) > 256 {
			return core.NewValidationError(core.CodeInvalidScanContext, "scan context field too long")
		}
	}
	return nil
}

func asValidationError(err error) *core.ValidationError {
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return core.NewValidationError(core.CodeValidationError, err.Error())
}

// blockError derives the client-facing code from the stored block reason.
func blockError(reason string) *core.ValidationError {
	if reason == "" {
		reason = "ticket is blocked"
	}
	return core.NewValidationError(core.CodeAlreadyUsed, reason)
}

// resultForCode maps a failure code to the scan-log result enum.
func resultForCode(code string) string {
	switch code {
	case core.CodeQRExpired, core.CodeExpired:
		return core.ResultExpired
	case core.CodeAlreadyUsed:
		return core.ResultAlreadyUsed
	case core.CodeInvalidSignature, core.CodeConcurrentScan:
		return core.ResultFraudDetected
	default:
		return core.ResultInvalid
	}
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func ticketData(claims *qr.Claims) map[string]interface{} {
	data := map[string]interface{}{
		"ticketId":   claims.TicketID,
		"eventId":    claims.EventID,
		"ticketType": claims.TicketType,
		"issuedAt":   claims.IssuedAt.Format(time.RFC3339),
		"expiresAt":  claims.ExpiresAt.Format(time.RFC3339),
		"version":    claims.Version,
		"algorithm":  claims.Algorithm,
	}
	if claims.UserID != "" {
		data["userId"] = claims.UserID
	}
	return data
}

func validationDetails(info *qr.ValidationInfo, start, end time.Time) map[string]interface{} {
	return map[string]interface{}{
		"formatType":          info.FormatType,
		"cryptographicMethod": info.CryptographicMethod,
		"durationMs":          end.Sub(start).Milliseconds(),
	}
}

func elapsed(start, end time.Time) string {
	return fmt.Sprintf("%dms", end.Sub(start).Milliseconds())
}
