package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanpoint/backend/internal/circuitbreaker"
	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/qr"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.Timeout = 2 * time.Second
	cfg.Breaker = &circuitbreaker.Config{
		Timeout:                  2 * time.Second,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          3,
		ResetTimeout:             time.Minute,
		RollingCountWindow:       10 * time.Second,
		RollingCountBuckets:      10,
		MaxHalfOpenRequests:      1,
		OnStateChange:            func(string, circuitbreaker.State, circuitbreaker.State) {},
	}
	return NewClient(cfg)
}

func testClaims() *qr.Claims {
	return &qr.Claims{
		TicketID:   "TICKET-123",
		EventID:    "EVENT-456",
		TicketType: "vip",
		UserID:     "USER-789",
	}
}

func testScanContext() core.ScanContext {
	return core.ScanContext{
		Location:  "gate-a",
		DeviceID:  "scanner-01",
		Timestamp: time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestValidateTicketSuccess(t *testing.T) {
	var gotBody ValidateTicketRequest
	var gotHeaders http.Header

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/internal/validation/validate-ticket", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"ticket": map[string]string{"id": "TICKET-123", "status": "valid"},
				"event":  map[string]string{"id": "EVENT-456", "title": "Main Show", "status": "active"},
			},
		})
	}))

	meta := ValidationMetadata{QRVersion: "1.0", QRAlgorithm: "HS256", ValidatedAt: time.Now()}
	verdict, err := client.ValidateTicket(context.Background(), testClaims(), testScanContext(), meta)
	require.NoError(t, err)

	assert.Equal(t, "TICKET-123", verdict.Ticket.ID)
	assert.Equal(t, "valid", verdict.Ticket.Status)
	assert.Equal(t, "Main Show", verdict.Event.Title)

	assert.Equal(t, "TICKET-123", gotBody.TicketID)
	assert.Equal(t, "vip", gotBody.TicketType)
	assert.Equal(t, "gate-a", gotBody.ScanContext.Location)
	assert.Equal(t, "1.0", gotBody.ValidationMetadata.QRVersion)

	assert.Equal(t, "scan-service", gotHeaders.Get("X-Service-Name"))
	assert.NotEmpty(t, gotHeaders.Get("X-Request-ID"))
	assert.NotEmpty(t, gotHeaders.Get("X-Timestamp"))
}

func TestValidateTicketUpstreamRejection(t *testing.T) {
	cases := []struct {
		upstream string
		want     string
	}{
		{"TICKET_NOT_FOUND", core.CodeInvalid},
		{"TICKET_ALREADY_USED", core.CodeAlreadyUsed},
		{"TICKET_EXPIRED", core.CodeExpired},
		{"USER_NOT_AUTHORIZED", core.CodeNotAuthorized},
		{"ZONE_ACCESS_DENIED", core.CodeNotAuthorized},
		{"EVENT_ENDED", core.CodeEventClosed},
		{"SOMETHING_NEW", core.CodeInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.upstream, func(t *testing.T) {
			client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"success": false,
					"error":   map[string]string{"code": tc.upstream},
					"message": "rejected",
				})
			}))

			_, err := client.ValidateTicket(context.Background(), testClaims(), testScanContext(), ValidationMetadata{})
			require.Error(t, err)

			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.want, verr.Code)
		})
	}
}

func TestValidateTicketTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from now on

	cfg := DefaultConfig(srv.URL)
	cfg.Timeout = time.Second
	client := NewClient(cfg)

	_, err := client.ValidateTicket(context.Background(), testClaims(), testScanContext(), ValidationMetadata{})
	require.Error(t, err)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeCoreCommunication, verr.Code)
}

func TestValidateTicketServerError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.ValidateTicket(context.Background(), testClaims(), testScanContext(), ValidationMetadata{})
	require.Error(t, err)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeCoreCommunication, verr.Code)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.ValidateTicket(ctx, testClaims(), testScanContext(), ValidationMetadata{})
		require.Error(t, err)
	}

	// Breaker is open now: this call must fail fast without hitting the wire
	before := atomic.LoadInt64(&calls)
	_, err := client.ValidateTicket(ctx, testClaims(), testScanContext(), ValidationMetadata{})
	require.Error(t, err)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeCoreUnavailable, verr.Code)
	assert.Equal(t, before, atomic.LoadInt64(&calls))
}

func TestBreakersAreIndependentPerOperation(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/internal/validation/validate-ticket" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"event": map[string]string{"id": "EVENT-456", "status": "active"}},
		})
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		client.ValidateTicket(ctx, testClaims(), testScanContext(), ValidationMetadata{})
	}
	require.Equal(t, circuitbreaker.StateOpen, client.Breakers().Get(OpValidateTicket).State())

	// validate-event still flows despite the open validate-ticket breaker
	info, err := client.ValidateEvent(ctx, "EVENT-456")
	require.NoError(t, err)
	assert.Equal(t, "active", info.Status)
}

func TestValidateEventClosed(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/internal/events/EVENT-456/validate", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"code":    "EVENT_NOT_ACTIVE",
		})
	}))

	_, err := client.ValidateEvent(context.Background(), "EVENT-456")
	require.Error(t, err)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeEventClosed, verr.Code)
}

func TestCheckTicketStatus(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/internal/tickets/TICKET-123/status", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"status": "used"},
		})
	}))

	status, err := client.CheckTicketStatus(context.Background(), "TICKET-123")
	require.NoError(t, err)
	assert.Equal(t, "TICKET-123", status.TicketID)
	assert.Equal(t, "used", status.Status)
}

func TestRecordScanReportsDeliveryFailure(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := client.RecordScan(context.Background(), ScanRecord{
		TicketID:  "TICKET-123",
		Result:    core.ResultValid,
		ScannedAt: time.Now(),
	})
	require.Error(t, err)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeCoreCommunication, verr.Code)
}

func TestRecordScanSuccess(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/internal/scans/record", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}))

	err := client.RecordScan(context.Background(), ScanRecord{
		TicketID:  "TICKET-123",
		Result:    core.ResultValid,
		ScannedAt: time.Now(),
	})
	assert.NoError(t, err)
}
