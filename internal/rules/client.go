// Package rules is the HTTP client for the upstream rules service. Every
// operation runs through its own circuit breaker so a failing endpoint
// degrades alone instead of taking the whole validation path down.
package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scanpoint/backend/internal/circuitbreaker"
	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/qr"
)

// Breaker operation names. Each name owns an independent breaker.
const (
	OpValidateTicket = "validate-ticket"
	OpValidateEvent  = "validate-event"
	OpCheckStatus    = "check-ticket-status"
	OpRecordScan     = "record-scan"
)

const serviceName = "scan-service"

// Config holds rules client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker *circuitbreaker.Config
}

// DefaultConfig returns client defaults suitable for same-datacenter calls.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Client talks to the rules service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	logger     *log.Logger
}

// NewClient creates a rules client with per-operation circuit breakers.
func NewClient(cfg Config) *Client {
	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig("")
		breakerCfg.Timeout = cfg.Timeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breakers:   circuitbreaker.NewManager(breakerCfg),
		logger:     log.New(log.Writer(), "[RULES] ", log.LstdFlags),
	}
}

// Breakers exposes the per-operation breakers for health reporting.
func (c *Client) Breakers() *circuitbreaker.Manager {
	return c.breakers
}

// ============================================================================
// OPERATIONS
// ============================================================================

// ValidateTicket asks the rules service for a business verdict on a
// cryptographically valid ticket.
func (c *Client) ValidateTicket(ctx context.Context, claims *qr.Claims, scanCtx core.ScanContext, meta ValidationMetadata) (*Verdict, error) {
	body := ValidateTicketRequest{
		TicketID:   claims.TicketID,
		EventID:    claims.EventID,
		TicketType: claims.TicketType,
		UserID:     claims.UserID,
		ScanContext: scanContextPayload{
			Location:     scanCtx.Location,
			DeviceID:     scanCtx.DeviceID,
			Timestamp:    scanCtx.Timestamp,
			OperatorID:   scanCtx.OperatorID,
			CheckpointID: scanCtx.CheckpointID,
		},
		ValidationMetadata: meta,
	}

	var env envelope
	err := c.execute(ctx, OpValidateTicket, http.MethodPost, "/api/internal/validation/validate-ticket", body, &env)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, upstreamError(&env)
	}

	verdict := &Verdict{}
	if env.Data != nil {
		if env.Data.Ticket != nil {
			verdict.Ticket = *env.Data.Ticket
		}
		if env.Data.Event != nil {
			verdict.Event = *env.Data.Event
		}
	}
	if verdict.Ticket.ID == "" {
		verdict.Ticket.ID = claims.TicketID
	}
	if verdict.Event.ID == "" {
		verdict.Event.ID = claims.EventID
	}
	return verdict, nil
}

// ValidateEvent checks that an event exists and currently admits scans.
func (c *Client) ValidateEvent(ctx context.Context, eventID string) (*EventInfo, error) {
	var env envelope
	path := "/api/internal/events/" + eventID + "/validate"
	err := c.execute(ctx, OpValidateEvent, http.MethodGet, path, nil, &env)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, upstreamError(&env)
	}

	info := &EventInfo{ID: eventID}
	if env.Data != nil && env.Data.Event != nil {
		info = env.Data.Event
	}
	return info, nil
}

// CheckTicketStatus fetches the current upstream status of a ticket.
func (c *Client) CheckTicketStatus(ctx context.Context, ticketID string) (*TicketStatus, error) {
	var env envelope
	path := "/api/internal/tickets/" + ticketID + "/status"
	err := c.execute(ctx, OpCheckStatus, http.MethodGet, path, nil, &env)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, upstreamError(&env)
	}

	status := &TicketStatus{TicketID: ticketID}
	if env.Data != nil {
		if env.Data.Status != "" {
			status.Status = env.Data.Status
		}
		if env.Data.Ticket != nil {
			if env.Data.Ticket.Status != "" {
				status.Status = env.Data.Ticket.Status
			}
		}
	}
	return status, nil
}

// RecordScan reports a completed scan upstream. Callers on the hot path
// treat it as fire-and-forget; the offline sync uses the returned error to
// decide whether to keep the record queued.
func (c *Client) RecordScan(ctx context.Context, record ScanRecord) error {
	var env envelope
	err := c.execute(ctx, OpRecordScan, http.MethodPost, "/api/internal/scans/record", record, &env)
	if err != nil {
		return err
	}
	if !env.Success {
		return upstreamError(&env)
	}
	return nil
}

// ============================================================================
// TRANSPORT
// ============================================================================

// execute runs one HTTP exchange under the operation's breaker. Breaker and
// transport failures come back as typed validation errors; a decoded envelope
// is always handed to the caller for business interpretation.
func (c *Client) execute(ctx context.Context, op, method, path string, body interface{}, out *envelope) error {
	cb := c.breakers.Get(op)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, method, path, body, out)
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return core.NewValidationError(core.CodeCoreUnavailable,
			fmt.Sprintf("rules service unavailable (%s breaker open)", op))
	default:
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		return core.NewValidationError(core.CodeCoreCommunication,
			fmt.Sprintf("rules service call failed: %v", err))
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out *envelope) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Service-Name", serviceName)
	req.Header.Set("X-Request-ID", uuid.New().String())
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 5xx means the upstream itself broke, not a business verdict
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("rules service returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// upstreamError converts a success=false envelope into a canonical
// validation error.
func upstreamError(env *envelope) *core.ValidationError {
	message := env.Message
	if message == "" {
		message = "ticket rejected by rules service"
	}
	return core.NewValidationError(MapUpstreamCode(env.errorCode()), message)
}
