package scan

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/hotcache"
	"github.com/scanpoint/backend/internal/metrics"
	"github.com/scanpoint/backend/internal/rules"
	"github.com/scanpoint/backend/internal/store"
)

// Record is one scan awaiting persistence.
type Record struct {
	ValidationID      string
	SessionID         *int64
	TicketID          string
	ScannedAt         time.Time
	Result            string
	Location          string
	DeviceID          string
	OperatorID        string
	IPAddress         string
	UserAgent         string
	TicketData        map[string]interface{}
	ValidationDetails map[string]interface{}
	FraudFlags        []core.FraudFlag
	Blocked           bool

	// CountScan updates the per-ticket cache row (valid scans only)
	CountScan bool
	// ReportUpstream forwards the record to the rules service
	ReportUpstream bool
}

// ScanReporter is the slice of the rules client the recorder needs.
type ScanReporter interface {
	RecordScan(ctx context.Context, record rules.ScanRecord) error
}

// OfflineSeeder receives successfully validated tickets so they stay usable
// when the rules service becomes unreachable.
type OfflineSeeder interface {
	Warm(ticketID string, ticketData map[string]interface{}, expiresAt time.Time)
}

// Recorder persists scan records off the hot path through a bounded worker
// pool. A failed write never affects the response that was already sent;
// it is logged and counted.
type Recorder struct {
	store    store.ScanStore
	cache    *hotcache.Cache
	reporter ScanReporter
	seeder   OfflineSeeder
	met      *metrics.Metrics

	maxScansPerTicket int

	queue   chan *Record
	logger  *log.Logger
	wg      sync.WaitGroup
	workers int
}

// NewRecorder creates a recorder with a background worker pool. seeder may
// be nil.
func NewRecorder(st store.ScanStore, cache *hotcache.Cache, reporter ScanReporter, seeder OfflineSeeder, met *metrics.Metrics, maxScansPerTicket, workers int) *Recorder {
	if workers <= 0 {
		workers = 4
	}
	r := &Recorder{
		store:             st,
		cache:             cache,
		reporter:          reporter,
		seeder:            seeder,
		met:               met,
		maxScansPerTicket: maxScansPerTicket,
		queue:             make(chan *Record, 1000),
		logger:            log.New(log.Writer(), "[RECORDER] ", log.LstdFlags),
		workers:           workers,
	}

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue schedules a record for persistence. When the queue is full the
// record is dropped and counted; admission decisions already reached the
// checkpoint.
func (r *Recorder) Enqueue(rec *Record) {
	select {
	case r.queue <- rec:
		if r.met != nil {
			r.met.RecorderQueueDepth.Set(float64(len(r.queue)))
		}
	default:
		r.logger.Printf("queue full, dropping scan record %s for ticket %s", rec.ValidationID, rec.TicketID)
		r.countDropped()
	}
}

// Close drains the queue and stops the workers.
func (r *Recorder) Close() {
	close(r.queue)
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for rec := range r.queue {
		r.persist(rec)
		if r.met != nil {
			r.met.RecorderQueueDepth.Set(float64(len(r.queue)))
		}
	}
}

func (r *Recorder) persist(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := r.store.CreateScanLog(ctx, store.NewScanLog{
		SessionID:         rec.SessionID,
		TicketID:          rec.TicketID,
		ScannedAt:         rec.ScannedAt,
		Result:            rec.Result,
		Location:          rec.Location,
		DeviceID:          rec.DeviceID,
		TicketData:        rec.TicketData,
		ValidationDetails: rec.ValidationDetails,
		FraudFlags:        rec.FraudFlags,
		CreatedBy:         rec.OperatorID,
	})
	if err != nil {
		r.logger.Printf("scan log write failed for %s: %v", rec.ValidationID, err)
		r.countDropped()
		return
	}

	if rec.CountScan && r.cache != nil {
		if _, err := r.cache.RecordScan(ctx, rec.TicketID, rec.Location, r.maxScansPerTicket); err != nil {
			r.logger.Printf("cache update failed for ticket %s: %v", rec.TicketID, err)
		}
	}

	// Offline warm-up: a ticket that just passed online validation stays
	// usable through a rules-service outage.
	if rec.Result == core.ResultValid && r.seeder != nil {
		if raw, ok := rec.TicketData["expiresAt"].(string); ok {
			if expiresAt, err := time.Parse(time.RFC3339, raw); err == nil {
				r.seeder.Warm(rec.TicketID, rec.TicketData, expiresAt)
			}
		}
	}

	// One fraud-attempt row per fraud_detected log
	if rec.Result == core.ResultFraudDetected && len(rec.FraudFlags) > 0 {
		lead := leadFlag(rec.FraudFlags)
		_, err := r.store.CreateFraudAttempt(ctx, store.NewFraudAttempt{
			ScanLogID: entry.ID,
			FraudType: lead.Type,
			Severity:  lead.Severity,
			Details:   lead.Details,
			IPAddress: rec.IPAddress,
			UserAgent: rec.UserAgent,
			Blocked:   rec.Blocked,
			CreatedBy: rec.OperatorID,
		})
		if err != nil {
			r.logger.Printf("fraud attempt write failed for %s: %v", rec.ValidationID, err)
		}
	}

	if rec.ReportUpstream && r.reporter != nil {
		if err := r.reporter.RecordScan(ctx, rules.ScanRecord{
			TicketID:     rec.TicketID,
			Result:       rec.Result,
			ScannedAt:    rec.ScannedAt,
			Location:     rec.Location,
			DeviceID:     rec.DeviceID,
			OperatorID:   rec.OperatorID,
			ValidationID: rec.ValidationID,
		}); err != nil {
			// Advisory only
			r.logger.Printf("upstream scan record for %s not delivered: %v", rec.ValidationID, err)
		}
	}
}

func (r *Recorder) countDropped() {
	if r.met != nil {
		r.met.ScanRecordsDropped.Inc()
	}
}

// leadFlag picks the highest-severity flag to represent the attempt.
func leadFlag(flags []core.FraudFlag) core.FraudFlag {
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
