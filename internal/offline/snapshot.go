package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshot is the durable form of the offline state.
type snapshot struct {
	SavedAt time.Time                 `json:"savedAt"`
	Entries map[string]*Entry         `json:"entries"`
	Pending map[string]*PendingAction `json:"pending"`
}

// Backup writes the in-memory state to the configured snapshot file. The
// write goes through a temp file and rename so a crash never leaves a
// truncated snapshot.
func (s *Store) Backup() error {
	s.mu.RLock()
	snap := snapshot{
		SavedAt: s.now(),
		Entries: make(map[string]*Entry, len(s.entries)),
		Pending: make(map[string]*PendingAction, len(s.pending)),
	}
	for id, entry := range s.entries {
		snap.Entries[id] = copyEntry(entry)
	}
	for id, action := range s.pending {
		copied := *action
		snap.Pending[id] = &copied
	}
	s.mu.RUnlock()

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := s.cfg.BackupPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.cfg.BackupPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.BackupPath); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Restore loads the snapshot written by Backup. A missing file is not an
// error; the store simply starts empty.
func (s *Store) Restore() error {
	payload, err := os.ReadFile(s.cfg.BackupPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Entries != nil {
		s.entries = snap.Entries
	}
	if snap.Pending != nil {
		s.pending = snap.Pending
	}
	s.logger.Printf("restored %d tickets and %d pending actions from snapshot (saved %s)",
		len(s.entries), len(s.pending), snap.SavedAt.Format(time.RFC3339))
	return nil
}
