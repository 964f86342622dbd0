package offline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/rules"
)

// fakeUplink stands in for the rules client during sync tests.
type fakeUplink struct {
	mu       sync.Mutex
	records  []rules.ScanRecord
	statuses map[string]string
	fail     bool
}

func newFakeUplink() *fakeUplink {
	return &fakeUplink{statuses: make(map[string]string)}
}

func (f *fakeUplink) RecordScan(_ context.Context, record rules.ScanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("upstream down")
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fakeUplink) CheckTicketStatus(_ context.Context, ticketID string) (*rules.TicketStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("upstream down")
	}
	status, ok := f.statuses[ticketID]
	if !ok {
		status = "valid"
	}
	return &rules.TicketStatus{TicketID: ticketID, Status: status}, nil
}

func testStore(t *testing.T, uplink Uplink) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BackupPath = filepath.Join(t.TempDir(), "snapshot.json")
	return NewStore(cfg, uplink)
}

func scanContext() core.ScanContext {
	return core.ScanContext{Location: "Main", DeviceID: "D1", OperatorID: "O1"}
}

func seed(s *Store, ticketID string, expiresIn time.Duration) {
	s.StoreTicket(ticketID, map[string]interface{}{"eventId": "E1"}, time.Now().Add(expiresIn))
}

func TestValidateOfflineHappyPath(t *testing.T) {
	s := testStore(t, newFakeUplink())
	seed(s, "T1", time.Hour)

	info, err := s.ValidateTicketOffline("T1", scanContext())
	require.NoError(t, err)
	assert.True(t, info.Offline)
	assert.NotEmpty(t, info.ScanID)
	assert.Equal(t, "Main", info.Location)

	entry, ok := s.GetTicket("T1")
	require.True(t, ok)
	assert.Equal(t, 1, entry.ValidationCount)
	assert.Len(t, entry.ScanHistory, 1)
	assert.Equal(t, 1, s.PendingCount())
}

func TestValidateOfflineUnknownTicket(t *testing.T) {
	s := testStore(t, newFakeUplink())

	_, err := s.ValidateTicketOffline("missing", scanContext())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeOfflineNotFound, verr.Code)
}

func TestValidateOfflineExpiredTicket(t *testing.T) {
	s := testStore(t, newFakeUplink())
	seed(s, "T1", -time.Minute)

	_, err := s.ValidateTicketOffline("T1", scanContext())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeOfflineExpired, verr.Code)
}

func TestValidateOfflineRevokedTicket(t *testing.T) {
	s := testStore(t, newFakeUplink())
	seed(s, "T1", time.Hour)
	require.True(t, s.RevokeTicket("T1"))

	_, err := s.ValidateTicketOffline("T1", scanContext())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeOfflineInactive, verr.Code)
}

func TestValidateOfflineScanLimit(t *testing.T) {
	s := testStore(t, newFakeUplink())
	seed(s, "T1", time.Hour)

	// Five validations pass
	for i := 0; i < MaxOfflineValidations; i++ {
		_, err := s.ValidateTicketOffline("T1", scanContext())
		require.NoError(t, err, "validation %d", i+1)
	}

	// The sixth is rejected
	_, err := s.ValidateTicketOffline("T1", scanContext())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeOfflineMaxScans, verr.Code)
}

func TestSyncDrainsQueue(t *testing.T) {
	uplink := newFakeUplink()
	s := testStore(t, uplink)
	seed(s, "T1", time.Hour)
	_, err := s.ValidateTicketOffline("T1", scanContext())
	require.NoError(t, err)

	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Pending)
	assert.GreaterOrEqual(t, report.SyncDuration, time.Duration(0))

	uplink.mu.Lock()
	defer uplink.mu.Unlock()
	require.Len(t, uplink.records, 1)
	assert.Equal(t, "T1", uplink.records[0].TicketID)
	assert.Equal(t, core.ResultValid, uplink.records[0].Result)
}

func TestSyncKeepsFailedEntriesQueued(t *testing.T) {
	uplink := newFakeUplink()
	uplink.fail = true
	s := testStore(t, uplink)
	seed(s, "T1", time.Hour)
	s.ValidateTicketOffline("T1", scanContext())

	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Pending)

	// A later sync after recovery drains it
	uplink.mu.Lock()
	uplink.fail = false
	uplink.mu.Unlock()

	report, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Pending)
}

func TestSyncRefusesOverlap(t *testing.T) {
	s := testStore(t, newFakeUplink())

	s.syncMu.Lock()
	s.syncing = true
	s.syncMu.Unlock()

	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestSyncRespectsBatchSize(t *testing.T) {
	uplink := newFakeUplink()
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BackupPath = filepath.Join(t.TempDir(), "snapshot.json")
	s := NewStore(cfg, uplink)

	for _, id := range []string{"T1", "T2", "T3", "T4"} {
		seed(s, id, time.Hour)
		s.ValidateTicketOffline(id, scanContext())
	}

	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 2, report.Pending)
}

func TestStoreActionRefreshesStatusFromUpstream(t *testing.T) {
	uplink := newFakeUplink()
	uplink.statuses["T1"] = "cancelled"
	s := testStore(t, uplink)
	seed(s, "T1", time.Hour)

	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	entry, ok := s.GetTicket("T1")
	require.True(t, ok)
	assert.Equal(t, StatusRevoked, entry.Status)
}

func TestRetentionSweepRemovesExpired(t *testing.T) {
	s := testStore(t, newFakeUplink())
	seed(s, "T-live", time.Hour)
	seed(s, "T-dead", -time.Minute)

	s.sweepExpired()

	assert.Equal(t, 1, s.Size())
	_, ok := s.GetTicket("T-live")
	assert.True(t, ok)
}

func TestBackupAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap", "offline.json")
	cfg := DefaultConfig()
	cfg.BackupPath = path

	original := NewStore(cfg, newFakeUplink())
	original.StoreTicket("T1", map[string]interface{}{"eventId": "E1"}, time.Now().Add(time.Hour))
	_, err := original.ValidateTicketOffline("T1", scanContext())
	require.NoError(t, err)
	require.NoError(t, original.Backup())

	restored := NewStore(cfg, newFakeUplink())
	require.NoError(t, restored.Restore())

	assert.Equal(t, 1, restored.Size())
	assert.Equal(t, 1, restored.PendingCount())
	entry, ok := restored.GetTicket("T1")
	require.True(t, ok)
	assert.Equal(t, 1, entry.ValidationCount)
	assert.Len(t, entry.ScanHistory, 1)
}

func TestRestoreMissingSnapshotIsFine(t *testing.T) {
	s := testStore(t, newFakeUplink())
	assert.NoError(t, s.Restore())
	assert.Zero(t, s.Size())
}

func TestWarmSeedsEntryWithoutPendingAction(t *testing.T) {
	s := testStore(t, newFakeUplink())

	s.Warm("T-WARM", map[string]interface{}{"eventId": "E1"}, time.Now().Add(time.Hour))

	entry, ok := s.GetTicket("T-WARM")
	require.True(t, ok)
	assert.Equal(t, StatusActive, entry.Status)
	// Unlike StoreTicket, warm-up enqueues nothing: upstream already
	// knows this ticket
	assert.Zero(t, s.PendingCount())

	info, err := s.ValidateTicketOffline("T-WARM", scanContext())
	require.NoError(t, err)
	assert.True(t, info.Offline)
}

func TestWarmDoesNotDisplacePendingValidation(t *testing.T) {
	s := testStore(t, newFakeUplink())
	seed(s, "T1", time.Hour)

	_, err := s.ValidateTicketOffline("T1", scanContext())
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingCount())
	pending := s.pending["T1"]
	require.Equal(t, ActionValidate, pending.Action)

	s.Warm("T1", map[string]interface{}{"eventId": "E1"}, time.Now().Add(2*time.Hour))

	// The queued validate action is untouched
	assert.Same(t, pending, s.pending["T1"])
}

func TestWarmKeepsRevokedStatus(t *testing.T) {
	s := testStore(t, newFakeUplink())
	seed(s, "T1", time.Hour)
	require.True(t, s.RevokeTicket("T1"))

	s.Warm("T1", map[string]interface{}{"eventId": "E1"}, time.Now().Add(time.Hour))

	entry, ok := s.GetTicket("T1")
	require.True(t, ok)
	assert.Equal(t, StatusRevoked, entry.Status)
}

// rescanningUplink performs a new offline validation for the same ticket
// while the previous one is being delivered, replacing its pending action.
type rescanningUplink struct {
	*fakeUplink
	store *Store
	once  sync.Once
}

func (r *rescanningUplink) RecordScan(ctx context.Context, record rules.ScanRecord) error {
	r.once.Do(func() {
		if _, err := r.store.ValidateTicketOffline(record.TicketID, scanContext()); err != nil {
			panic(err)
		}
	})
	return r.fakeUplink.RecordScan(ctx, record)
}

func TestSyncKeepsActionReplacedMidFlight(t *testing.T) {
	up := &rescanningUplink{fakeUplink: newFakeUplink()}
	s := testStore(t, up)
	up.store = s
	seed(s, "T1", time.Hour)

	_, err := s.ValidateTicketOffline("T1", scanContext())
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingCount())

	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)

	// The validation performed mid-sync enqueued a newer action; it must
	// survive until its own acknowledgment
	require.Equal(t, 1, s.PendingCount())

	report, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, s.PendingCount())

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Len(t, up.records, 2)
}
