package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/store"
)

// ============================================================================
// VALIDATION
// ============================================================================

type validateRequest struct {
	QRCode      string           `json:"qrCode"`
	ScanContext core.ScanContext `json:"scanContext"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.CodeMissingOrInvalidQR, "invalid request payload", nil)
		return
	}

	if req.ScanContext.IPAddress == "" {
		req.ScanContext.IPAddress = clientAddr(r)
	}
	if req.ScanContext.UserAgent == "" {
		req.ScanContext.UserAgent = r.UserAgent()
	}

	outcome := s.validator.ValidateTicket(r.Context(), req.QRCode, req.ScanContext)

	if s.feed != nil {
		ticketID, eventID := "", ""
		if outcome.Ticket != nil {
			ticketID, eventID = outcome.Ticket.ID, outcome.Ticket.EventID
		}
		s.feed.StreamScanResult(ticketID, eventID, outcome.Success, outcome.Code, req.ScanContext.Location)
		for _, flag := range outcome.FraudFlags {
			s.feed.StreamFraudAlert(ticketID, flag.Type, flag.Severity, 0)
		}
	}

	// A concurrent duplicate is surfaced as a fraud signal
	status := http.StatusOK
	if outcome.Code == core.CodeConcurrentScan && len(outcome.FraudFlags) > 0 {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, outcome)
}

type validateOfflineRequest struct {
	TicketID    string           `json:"ticketId"`
	ScanContext core.ScanContext `json:"scanContext"`
}

type offlineOutcome struct {
	Success  bool        `json:"success"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message,omitempty"`
	TicketID string      `json:"ticketId"`
	ScanInfo interface{} `json:"scanInfo,omitempty"`
	Offline  bool        `json:"offline"`
}

func (s *Server) handleValidateOffline(w http.ResponseWriter, r *http.Request) {
	var req validateOfflineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.CodeMissingTicketID, "invalid request payload", nil)
		return
	}
	if req.TicketID == "" {
		writeError(w, http.StatusBadRequest, core.CodeMissingTicketID, "ticketId is required", nil)
		return
	}

	info, err := s.offline.ValidateTicketOffline(req.TicketID, req.ScanContext)
	if s.met != nil {
		result := "accepted"
		if err != nil {
			result = "rejected"
		}
		s.met.OfflineValidations.WithLabelValues(result).Inc()
		s.met.PendingSyncDepth.Set(float64(s.offline.PendingCount()))
	}
	if err != nil {
		var verr *core.ValidationError
		code, msg := core.CodeValidationError, err.Error()
		if errors.As(err, &verr) {
			code, msg = verr.Code, verr.Message
		}
		writeJSON(w, http.StatusOK, offlineOutcome{
			Code:     code,
			Message:  msg,
			TicketID: req.TicketID,
			Offline:  true,
		})
		return
	}

	writeJSON(w, http.StatusOK, offlineOutcome{
		Success:  true,
		TicketID: req.TicketID,
		ScanInfo: info,
		Offline:  true,
	})
}

// ============================================================================
// HISTORY & STATS
// ============================================================================

func (s *Server) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	ticketID := mux.Vars(r)["ticketId"]

	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > store.MaxHistoryLimit {
		writeError(w, http.StatusBadRequest, core.CodeValidationError, "limit must be between 1 and 100", nil)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, core.CodeValidationError, "offset must be >= 0", nil)
		return
	}

	logs, err := s.store.GetTicketScanHistory(r.Context(), ticketID, limit, offset)
	if err != nil {
		s.logger.Printf("history query failed for %s: %v", ticketID, err)
		writeError(w, http.StatusInternalServerError, core.CodeValidationError, "history query failed", nil)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"ticketId": ticketID,
		"scans":    logs,
		"limit":    limit,
		"offset":   offset,
		"count":    len(logs),
	})
}

func (s *Server) handleTicketLogs(w http.ResponseWriter, r *http.Request) {
	ticketID := mux.Vars(r)["ticketId"]

	logs, err := s.store.GetTicketLogs(r.Context(), ticketID, store.MaxHistoryLimit)
	if err != nil {
		s.logger.Printf("log query failed for %s: %v", ticketID, err)
		writeError(w, http.StatusInternalServerError, core.CodeValidationError, "log query failed", nil)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"ticketId": ticketID,
		"logs":     logs,
		"count":    len(logs),
	})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventId"]

	start, err := queryTime(r, "startDate")
	if err != nil {
		writeError(w, http.StatusBadRequest, core.CodeValidationError, "startDate must be RFC3339", nil)
		return
	}
	end, err := queryTime(r, "endDate")
	if err != nil {
		writeError(w, http.StatusBadRequest, core.CodeValidationError, "endDate must be RFC3339", nil)
		return
	}

	stats, err := s.store.GetEventScanStats(r.Context(), eventID, start, end)
	if err != nil {
		s.logger.Printf("stats query failed for event %s: %v", eventID, err)
		writeError(w, http.StatusInternalServerError, core.CodeValidationError, "stats query failed", nil)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"scans": s.validator.Stats(),
	}
	if s.offline != nil {
		data["offline"] = map[string]interface{}{
			"cachedTickets": s.offline.Size(),
			"pendingSync":   s.offline.PendingCount(),
		}
	}
	if s.feed != nil {
		data["websocket"] = s.feed.Statistics()
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"inFlight":  s.validator.InFlight(),
	})
}

// ============================================================================
// SESSIONS
// ============================================================================

type createSessionRequest struct {
	OperatorID string `json:"operatorId"`
	EventID    string `json:"eventId"`
	Location   string `json:"location"`
	DeviceInfo string `json:"deviceInfo"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.CodeValidationError, "invalid request payload", nil)
		return
	}
	if req.OperatorID == "" {
		writeError(w, http.StatusBadRequest, core.CodeValidationError, "operatorId is required", nil)
		return
	}

	session, err := s.store.CreateScanSession(r.Context(), store.NewSession{
		OperatorID: req.OperatorID,
		EventID:    req.EventID,
		Location:   req.Location,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		s.logger.Printf("session create failed: %v", err)
		writeError(w, http.StatusInternalServerError, core.CodeValidationError, "session create failed", nil)
		return
	}

	if s.feed != nil {
		s.feed.StreamSessionUpdate(session.ID, "started", session.OperatorID, session.Location)
	}
	writeData(w, http.StatusOK, session)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]

	session, err := s.store.EndScanSession(r.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, core.CodeValidationError, "session not found or already ended", nil)
			return
		}
		s.logger.Printf("session end failed for %s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, core.CodeValidationError, "session end failed", nil)
		return
	}

	if s.feed != nil {
		s.feed.StreamSessionUpdate(session.ID, "ended", session.OperatorID, session.Location)
	}
	writeData(w, http.StatusOK, session)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		OperatorID: r.URL.Query().Get("operatorId"),
		EventID:    r.URL.Query().Get("eventId"),
		Location:   r.URL.Query().Get("location"),
	}
	sessions, err := s.store.GetActiveScanSessions(r.Context(), filter)
	if err != nil {
		s.logger.Printf("active session query failed: %v", err)
		writeError(w, http.StatusInternalServerError, core.CodeValidationError, "session query failed", nil)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// queryTime parses an RFC3339 query parameter, zero when absent.
func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
