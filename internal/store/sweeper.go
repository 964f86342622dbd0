package store

import (
	"context"
	"log"
	"time"
)

// RetentionSweeper runs CleanupOldScans on a fixed schedule.
type RetentionSweeper struct {
	store         ScanStore
	interval      time.Duration
	retentionDays int
	logger        *log.Logger
	stop          chan struct{}
}

// NewRetentionSweeper creates a sweeper; call Start to begin sweeping.
func NewRetentionSweeper(s ScanStore, interval time.Duration, retentionDays int) *RetentionSweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionSweeper{
		store:         s,
		interval:      interval,
		retentionDays: retentionDays,
		logger:        log.New(log.Writer(), "[RETENTION] ", log.LstdFlags),
		stop:          make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (r *RetentionSweeper) Start() {
	go r.loop()
	r.logger.Printf("retention sweeper started (every %s, keep %d days)", r.interval, r.retentionDays)
}

// Stop terminates the sweep loop.
func (r *RetentionSweeper) Stop() {
	close(r.stop)
}

func (r *RetentionSweeper) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := r.store.CleanupOldScans(ctx, r.retentionDays); err != nil {
				r.logger.Printf("sweep failed: %v", err)
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}
