package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/store"
)

// scanConfirmationRequest is the callback sent by the rules service after it
// records a validation that happened elsewhere (another checkpoint, the web
// backoffice). Field casing follows the caller's contract.
type scanConfirmationRequest struct {
	TicketID         string `json:"ticketId"`
	ValidationResult struct {
		Success      bool             `json:"success"`
		ValidatedAt  string           `json:"validated_at"`
		OperatorID   string           `json:"operator_id"`
		Location     string           `json:"location"`
		DeviceID     string           `json:"device_id"`
		CheckpointID string           `json:"checkpoint_id"`
		Blocked      bool             `json:"blocked"`
		BlockReason  string           `json:"block_reason"`
		FraudFlags   []core.FraudFlag `json:"fraud_flags,omitempty"`
	} `json:"validationResult"`
	ScanMetadata struct {
		ValidationSource string `json:"validation_source"`
		ValidationType   string `json:"validation_type"`
		ProcessingTimeMs int    `json:"processing_time_ms"`
	} `json:"scanMetadata"`
}

func (s *Server) handleScanConfirmation(w http.ResponseWriter, r *http.Request) {
	var req scanConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.CodeValidationError, "invalid request payload", nil)
		return
	}
	if req.TicketID == "" {
		writeError(w, http.StatusBadRequest, core.CodeMissingTicketID, "ticketId is required", nil)
		return
	}

	scannedAt := time.Now().UTC()
	if req.ValidationResult.ValidatedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ValidationResult.ValidatedAt); err == nil {
			scannedAt = t
		}
	}

	result := core.ResultInvalid
	switch {
	case len(req.ValidationResult.FraudFlags) > 0:
		result = core.ResultFraudDetected
	case req.ValidationResult.Success:
		result = core.ResultValid
	}

	// Successful scans performed elsewhere still count against the
	// per-ticket limit.
	if result == core.ResultValid && s.cache != nil {
		if _, err := s.cache.RecordScan(r.Context(), req.TicketID, req.ValidationResult.Location, s.maxScansPerTicket); err != nil {
			s.logger.Printf("cache update failed for confirmed scan %s: %v", req.TicketID, err)
		}
	}

	entry, err := s.store.CreateScanLog(r.Context(), store.NewScanLog{
		TicketID:  req.TicketID,
		ScannedAt: scannedAt,
		Result:    result,
		Location:  req.ValidationResult.Location,
		DeviceID:  req.ValidationResult.DeviceID,
		ValidationDetails: map[string]interface{}{
			"validationSource": req.ScanMetadata.ValidationSource,
			"validationType":   req.ScanMetadata.ValidationType,
			"processingTimeMs": req.ScanMetadata.ProcessingTimeMs,
			"checkpointId":     req.ValidationResult.CheckpointID,
			"blocked":          req.ValidationResult.Blocked,
			"blockReason":      req.ValidationResult.BlockReason,
		},
		FraudFlags: req.ValidationResult.FraudFlags,
		CreatedBy:  req.ValidationResult.OperatorID,
	})
	if err != nil {
		s.logger.Printf("confirmation log write failed for %s: %v", req.TicketID, err)
		writeError(w, http.StatusInternalServerError, core.CodeScanRecordFailed, "scan log write failed", nil)
		return
	}

	if result == core.ResultFraudDetected {
		lead := highestSeverityFlag(req.ValidationResult.FraudFlags)
		if _, err := s.store.CreateFraudAttempt(r.Context(), store.NewFraudAttempt{
			ScanLogID: entry.ID,
			FraudType: lead.Type,
			Severity:  lead.Severity,
			Details:   lead.Details,
			Blocked:   req.ValidationResult.Blocked,
			CreatedBy: req.ValidationResult.OperatorID,
		}); err != nil {
			s.logger.Printf("fraud attempt write failed for %s: %v", req.TicketID, err)
		}
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"ticketId": req.TicketID,
		"result":   result,
		"logUid":   entry.UID,
	})
}

func highestSeverityFlag(flags []core.FraudFlag) core.FraudFlag {
	rank := map[string]int{
		core.SeverityLow:    0,
		core.SeverityMedium: 1,
		core.SeverityHigh:   2,
	}
	lead := flags[0]
	for _, f := range flags[1:] {
		if rank[f.Severity] > rank[lead.Severity] {
			lead = f
		}
	}
	return lead
}
