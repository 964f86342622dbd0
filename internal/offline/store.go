// Package offline keeps a local ticket cache so checkpoints stay operational
// when the rules service is unreachable. Local decisions are queued and
// drained upstream once connectivity returns.
package offline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/rules"
)

// Entry statuses.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Pending sync actions.
const (
	ActionStore    = "store"
	ActionValidate = "validate"
	ActionUpdate   = "update"
)

// MaxOfflineValidations caps local validations per ticket between syncs.
const MaxOfflineValidations = 5

// ErrSyncInProgress is returned when a sync is requested while one runs.
var ErrSyncInProgress = errors.New("offline sync already in progress")

// ScanInfo records one offline validation.
type ScanInfo struct {
	ScanID    string    `json:"scanId"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Offline   bool      `json:"offline"`
}

// Entry is one locally cached ticket.
type Entry struct {
	TicketID        string                 `json:"ticketId"`
	TicketData      map[string]interface{} `json:"ticketData,omitempty"`
	StoredAt        time.Time              `json:"storedAt"`
	ExpiresAt       time.Time              `json:"expiresAt"`
	LastValidated   time.Time              `json:"lastValidated,omitempty"`
	ValidationCount int                    `json:"validationCount"`
	Status          string                 `json:"status"`
	ScanHistory     []ScanInfo             `json:"scanHistory,omitempty"`
}

// PendingAction is a buffered write intent awaiting upstream acknowledgment.
// Entries persist until acknowledged; Attempts only drives warnings.
type PendingAction struct {
	Action    string            `json:"action"`
	TicketID  string            `json:"ticketId"`
	Record    *rules.ScanRecord `json:"record,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Attempts  int               `json:"attempts"`
}

// SyncReport summarizes one drain of the pending queue.
type SyncReport struct {
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	Pending      int           `json:"pending"`
	SyncDuration time.Duration `json:"syncDuration"`
}

// Uplink is the slice of the rules client the offline store needs.
type Uplink interface {
	RecordScan(ctx context.Context, record rules.ScanRecord) error
	CheckTicketStatus(ctx context.Context, ticketID string) (*rules.TicketStatus, error)
}

// Config tunes the offline store.
type Config struct {
	SyncInterval   time.Duration
	CacheTTL       time.Duration
	BatchSize      int
	BackupInterval time.Duration
	BackupPath     string
}

// DefaultConfig returns offline defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:   time.Minute,
		CacheTTL:       24 * time.Hour,
		BatchSize:      50,
		BackupInterval: 5 * time.Minute,
		BackupPath:     "offline_snapshot.json",
	}
}

// Store is the offline ticket cache plus its pending-sync queue.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	pending map[string]*PendingAction

	syncMu  sync.Mutex
	syncing bool

	cfg    Config
	uplink Uplink
	logger *log.Logger
	stop   chan struct{}
	now    func() time.Time
}

// NewStore creates an offline store; call Start to enable the maintenance
// loops (periodic sync, retention, snapshot).
func NewStore(cfg Config, uplink Uplink) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Store{
		entries: make(map[string]*Entry),
		pending: make(map[string]*PendingAction),
		cfg:     cfg,
		uplink:  uplink,
		logger:  log.New(log.Writer(), "[OFFLINE] ", log.LstdFlags),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// ============================================================================
// CACHE MANAGEMENT
// ============================================================================

// StoreTicket seeds or refreshes a local entry during cache warm-up.
func (s *Store) StoreTicket(ticketID string, ticketData map[string]interface{}, expiresAt time.Time) *Entry {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ticketID]
	if !ok {
		entry = &Entry{
			TicketID: ticketID,
			StoredAt: now,
			Status:   StatusActive,
		}
		s.entries[ticketID] = entry
	}
	entry.TicketData = ticketData
	entry.ExpiresAt = expiresAt

	s.enqueueLocked(ticketID, &PendingAction{
		Action:    ActionStore,
		TicketID:  ticketID,
		Timestamp: now,
	})
	return copyEntry(entry)
}

// Warm seeds or refreshes a local entry from a scan that was just validated
// online. Unlike StoreTicket no pending action is enqueued: the upstream
// already knows this ticket, and an in-flight validate action must not be
// displaced. A revoked entry keeps its status.
func (s *Store) Warm(ticketID string, ticketData map[string]interface{}, expiresAt time.Time) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ticketID]
	if !ok {
		entry = &Entry{
			TicketID: ticketID,
			StoredAt: now,
			Status:   StatusActive,
		}
		s.entries[ticketID] = entry
	}
	entry.TicketData = ticketData
	entry.ExpiresAt = expiresAt
}

// RevokeTicket marks a cached ticket unusable offline.
func (s *Store) RevokeTicket(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ticketID]
	if !ok {
		return false
	}
	entry.Status = StatusRevoked
	s.enqueueLocked(ticketID, &PendingAction{
		Action:    ActionUpdate,
		TicketID:  ticketID,
		Timestamp: s.now(),
	})
	return true
}

// GetTicket returns a copy of the cached entry, if any.
func (s *Store) GetTicket(ticketID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[ticketID]
	if !ok {
		return nil, false
	}
	return copyEntry(entry), true
}

// Size returns the number of cached tickets.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// PendingCount returns the depth of the sync queue.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// ============================================================================
// OFFLINE VALIDATION
// ============================================================================

// ValidateTicketOffline makes a local admission decision without the rules
// service. Every decision is queued for later reconciliation.
func (s *Store) ValidateTicketOffline(ticketID string, scanCtx core.ScanContext) (*ScanInfo, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ticketID]
	if !ok {
		return nil, core.NewValidationError(core.CodeOfflineNotFound, "ticket not in offline cache")
	}
	if now.After(entry.ExpiresAt) {
		return nil, core.NewValidationError(core.CodeOfflineExpired, "cached ticket has expired")
	}
	if entry.Status != StatusActive {
		return nil, core.NewValidationError(core.CodeOfflineInactive, "cached ticket is not active")
	}

	info := ScanInfo{
		ScanID:    uuid.New().String(),
		Timestamp: now,
		Location:  scanCtx.Location,
		DeviceID:  scanCtx.DeviceID,
		Offline:   true,
	}
	entry.ScanHistory = append(entry.ScanHistory, info)
	entry.LastValidated = now
	entry.ValidationCount++

	if entry.ValidationCount > MaxOfflineValidations {
		return nil, core.NewValidationError(core.CodeOfflineMaxScans, "offline validation limit reached")
	}

	s.enqueueLocked(ticketID, &PendingAction{
		Action:   ActionValidate,
		TicketID: ticketID,
		Record: &rules.ScanRecord{
			TicketID:   ticketID,
			Result:     core.ResultValid,
			ScannedAt:  now,
			Location:   scanCtx.Location,
			DeviceID:   scanCtx.DeviceID,
			OperatorID: scanCtx.OperatorID,
		},
		Timestamp: now,
	})
	return &info, nil
}

// enqueueLocked replaces the pending action for a ticket; the queue is keyed
// by ticketId so the newest intent wins. Caller holds s.mu.
func (s *Store) enqueueLocked(ticketID string, action *PendingAction) {
	if prev, ok := s.pending[ticketID]; ok {
		action.Attempts = prev.Attempts
	}
	s.pending[ticketID] = action
}

// ============================================================================
// SYNC
// ============================================================================

// Sync drains up to BatchSize pending actions through the rules client.
// Overlapping syncs are refused. Failed entries stay queued.
func (s *Store) Sync(ctx context.Context) (*SyncReport, error) {
	s.syncMu.Lock()
	if s.syncing {
		s.syncMu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.syncing = true
	s.syncMu.Unlock()

	defer func() {
		s.syncMu.Lock()
		s.syncing = false
		s.syncMu.Unlock()
	}()

	started := s.now()

	s.mu.RLock()
	batch := make([]*PendingAction, 0, s.cfg.BatchSize)
	for _, action := range s.pending {
		if len(batch) >= s.cfg.BatchSize {
			break
		}
		batch = append(batch, action)
	}
	s.mu.RUnlock()

	report := &SyncReport{}
	for _, action := range batch {
		if err := s.processAction(ctx, action); err != nil {
			report.Failed++
			s.mu.Lock()
			if current, ok := s.pending[action.TicketID]; ok {
				current.Attempts++
				if current.Attempts >= 10 {
					s.logger.Printf("pending %s for ticket %s has failed %d times",
						current.Action, current.TicketID, current.Attempts)
				}
			}
			s.mu.Unlock()
			continue
		}
		report.Synced++
		s.mu.Lock()
		// A newer action may have replaced this one while it was in
		// flight; only the acknowledged action is removed.
		if current, ok := s.pending[action.TicketID]; ok && current == action {
			delete(s.pending, action.TicketID)
		}
		s.mu.Unlock()
	}

	report.Pending = s.PendingCount()
	report.SyncDuration = s.now().Sub(started)
	s.logger.Printf("sync: %d synced, %d failed, %d pending (%s)",
		report.Synced, report.Failed, report.Pending, report.SyncDuration)
	return report, nil
}

func (s *Store) processAction(ctx context.Context, action *PendingAction) error {
	switch action.Action {
	case ActionValidate:
		if action.Record == nil {
			return nil
		}
		return s.uplink.RecordScan(ctx, *action.Record)
	case ActionStore, ActionUpdate:
		status, err := s.uplink.CheckTicketStatus(ctx, action.TicketID)
		if err != nil {
			return err
		}
		s.applyUpstreamStatus(action.TicketID, status.Status)
		return nil
	default:
		s.logger.Printf("dropping pending entry with unknown action %q", action.Action)
		return nil
	}
}

// applyUpstreamStatus folds the authoritative upstream status back into the
// local entry.
func (s *Store) applyUpstreamStatus(ticketID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ticketID]
	if !ok {
		return
	}
	switch status {
	case "valid", "VALID", "active":
		entry.Status = StatusActive
	case "":
	default:
		entry.Status = StatusRevoked
	}
}

// ============================================================================
// MAINTENANCE LOOPS
// ============================================================================

// Start launches periodic sync, retention and snapshot loops.
func (s *Store) Start() {
	if s.cfg.SyncInterval > 0 {
		go s.tickerLoop(s.cfg.SyncInterval, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				s.logger.Printf("periodic sync failed: %v", err)
			}
		})
	}
	if s.cfg.CacheTTL > 0 {
		go s.tickerLoop(s.cfg.CacheTTL/4, s.sweepExpired)
	}
	if s.cfg.BackupInterval > 0 && s.cfg.BackupPath != "" {
		go s.tickerLoop(s.cfg.BackupInterval, func() {
			if err := s.Backup(); err != nil {
				s.logger.Printf("snapshot failed: %v", err)
			}
		})
	}
}

// Stop terminates all maintenance loops.
func (s *Store) Stop() {
	close(s.stop)
}

func (s *Store) tickerLoop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.stop:
			return
		}
	}
}

// sweepExpired removes entries whose expiresAt has passed. Their pending
// actions stay queued until acknowledged.
func (s *Store) sweepExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for ticketID, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, ticketID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Printf("retention removed %d expired tickets", removed)
	}
}

func copyEntry(e *Entry) *Entry {
	out := *e
	out.ScanHistory = append([]ScanInfo(nil), e.ScanHistory...)
	return &out
}
