// Package fraud evaluates scan attempts against a set of sliding-window
// patterns and produces a composite risk score with recommended actions.
// Histories live in process memory, keyed per pattern, and are swept daily.
package fraud

import (
	"log"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/qr"
)

// Recommended actions, deduplicated in the final analysis.
const (
	ActionBlockScan          = "block_scan"
	ActionRequireExtraChecks = "require_additional_verification"
	ActionIncreaseMonitoring = "increase_monitoring"
)

// Pattern thresholds.
const (
	rapidScanWindow    = 10 * time.Second
	rapidScanTrigger   = 5
	rapidScanScore     = 40
	locationHopWindow  = 5 * time.Minute
	locationHopTrigger = 3
	locationHopScore   = 30
	volumeWindow       = time.Hour
	volumeTrigger      = 100
	volumeScore        = 50
	offHoursScore      = 20
	cyclicScore        = 25
	metadataScoreCap   = 25

	maxHistoryEvents = 50
	maxIntervals     = 10
	historySweep     = 24 * time.Hour
)

// Analysis is the outcome of one fraud evaluation.
type Analysis struct {
	IsSuspicious    bool             `json:"isSuspicious"`
	FraudFlags      []core.FraudFlag `json:"fraudFlags"`
	RiskScore       int              `json:"riskScore"`
	Recommendations []string         `json:"recommendations"`
}

// scanEvent is one observation in a pattern history.
type scanEvent struct {
	at       time.Time
	location string
}

// history is the per-key event buffer. Each key carries its own lock so
// unrelated tickets never contend.
type history struct {
	mu     sync.Mutex
	events []scanEvent
	seen   time.Time
}

// Analyzer evaluates scans against the pattern set.
type Analyzer struct {
	ticketIP  sync.Map // ticketId|ip -> *history (rapid_scans)
	ticket    sync.Map // ticketId    -> *history (location_hopping, cyclic_scans)
	ip        sync.Map // ip          -> *history (volume_anomaly)

	logger *log.Logger
	stop   chan struct{}
	now    func() time.Time
}

// NewAnalyzer creates a fraud analyzer; call Start to enable history sweeps.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		logger: log.New(log.Writer(), "[FRAUD] ", log.LstdFlags),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the daily history sweep.
func (a *Analyzer) Start() {
	go a.sweepLoop()
}

// Stop terminates the history sweep.
func (a *Analyzer) Stop() {
	close(a.stop)
}

// Analyze evaluates one scan attempt. It records the attempt in every
// relevant history before judging, so the current scan counts toward its
// own windows.
func (a *Analyzer) Analyze(claims *qr.Claims, scanCtx core.ScanContext) *Analysis {
	now := a.now()
	result := &Analysis{}

	if flag, ok := a.checkRapidScans(claims.TicketID, scanCtx.IPAddress, now); ok {
		a.raise(result, flag, rapidScanScore, ActionRequireExtraChecks)
	}
	if flag, ok := a.checkLocationHopping(claims.TicketID, scanCtx.Location, now); ok {
		a.raise(result, flag, locationHopScore, ActionIncreaseMonitoring)
	}
	if flag, ok := a.checkVolumeAnomaly(scanCtx.IPAddress, now); ok {
		a.raise(result, flag, volumeScore, ActionRequireExtraChecks)
	}
	if flag, ok := a.checkOffHours(now); ok {
		a.raise(result, flag, offHoursScore, ActionIncreaseMonitoring)
	}
	if flag, ok := a.checkCyclicScans(claims.TicketID); ok {
		a.raise(result, flag, cyclicScore, ActionIncreaseMonitoring)
	}
	if flag, score, ok := a.checkMetadataAnomaly(scanCtx, now); ok {
		a.raise(result, flag, score, ActionIncreaseMonitoring)
	}

	if result.RiskScore >= 80 {
		result.Recommendations = appendUnique(result.Recommendations, ActionBlockScan)
	}
	if result.RiskScore >= 60 {
		result.Recommendations = appendUnique(result.Recommendations, ActionRequireExtraChecks)
	}
	if result.RiskScore >= 40 {
		result.Recommendations = appendUnique(result.Recommendations, ActionIncreaseMonitoring)
	}

	result.IsSuspicious = result.RiskScore > 50 || len(result.FraudFlags) > 0
	return result
}

func (a *Analyzer) raise(result *Analysis, flag core.FraudFlag, score int, action string) {
	result.FraudFlags = append(result.FraudFlags, flag)
	result.RiskScore += score
	result.Recommendations = appendUnique(result.Recommendations, action)
}

// ============================================================================
// PATTERNS
// ============================================================================

func (a *Analyzer) checkRapidScans(ticketID, ip string, now time.Time) (core.FraudFlag, bool) {
	h := a.load(&a.ticketIP, ticketID+"|"+ip)
	count := h.append(now, "", rapidScanWindow)
	if count < rapidScanTrigger {
		return core.FraudFlag{}, false
	}
	return core.FraudFlag{
		Type:     core.FraudRapidScans,
		Severity: core.SeverityHigh,
		Details: map[string]interface{}{
			"scansInWindow": count,
			"windowSeconds": int(rapidScanWindow.Seconds()),
		},
	}, true
}

func (a *Analyzer) checkLocationHopping(ticketID, location string, now time.Time) (core.FraudFlag, bool) {
	if location == "" {
		return core.FraudFlag{}, false
	}
	h := a.load(&a.ticket, ticketID)
	h.append(now, location, 0)

	locations := h.distinctLocations(now.Add(-locationHopWindow))
	if len(locations) < locationHopTrigger {
		return core.FraudFlag{}, false
	}
	return core.FraudFlag{
		Type:     core.FraudLocationHopping,
		Severity: core.SeverityMedium,
		Details: map[string]interface{}{
			"locations":     locations,
			"windowMinutes": int(locationHopWindow.Minutes()),
		},
	}, true
}

func (a *Analyzer) checkVolumeAnomaly(ip string, now time.Time) (core.FraudFlag, bool) {
	if ip == "" {
		return core.FraudFlag{}, false
	}
	h := a.load(&a.ip, ip)
	count := h.append(now, "", volumeWindow)
	if count < volumeTrigger {
		return core.FraudFlag{}, false
	}
	return core.FraudFlag{
		Type:     core.FraudVolumeAnomaly,
		Severity: core.SeverityHigh,
		Details: map[string]interface{}{
			"scansInWindow": count,
			"ipAddress":     ip,
		},
	}, true
}

func (a *Analyzer) checkOffHours(now time.Time) (core.FraudFlag, bool) {
	hour := now.Hour()
	if hour < 2 || hour > 5 {
		return core.FraudFlag{}, false
	}
	return core.FraudFlag{
		Type:     core.FraudOffHours,
		Severity: core.SeverityLow,
		Details:  map[string]interface{}{"hour": hour},
	}, true
}

// checkCyclicScans flags near-constant inter-scan intervals, the signature
// of an automated replay.
func (a *Analyzer) checkCyclicScans(ticketID string) (core.FraudFlag, bool) {
	h := a.load(&a.ticket, ticketID)
	intervals := h.intervals(maxIntervals)
	if len(intervals) < 3 {
		return core.FraudFlag{}, false
	}

	mean := 0.0
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	if mean == 0 {
		return core.FraudFlag{}, false
	}

	variance := 0.0
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))

	if math.Sqrt(variance) >= 0.2*mean {
		return core.FraudFlag{}, false
	}
	return core.FraudFlag{
		Type:     core.FraudCyclicScans,
		Severity: core.SeverityMedium,
		Details: map[string]interface{}{
			"intervals":   len(intervals),
			"meanSeconds": mean,
		},
	}, true
}

func (a *Analyzer) checkMetadataAnomaly(scanCtx core.ScanContext, now time.Time) (core.FraudFlag, int, bool) {
	var signals []string
	score := 0

	if isBotUserAgent(scanCtx.UserAgent) {
		signals = append(signals, "bot_user_agent")
		score += 15
	}
	if isPrivateIP(scanCtx.IPAddress) {
		signals = append(signals, "private_ip")
		score += 10
	}
	if !scanCtx.Timestamp.IsZero() {
		skew := now.Sub(scanCtx.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > time.Minute {
			signals = append(signals, "clock_skew")
			score += 20
		}
	}

	if len(signals) == 0 {
		return core.FraudFlag{}, 0, false
	}
	if score > metadataScoreCap {
		score = metadataScoreCap
	}
	severity := core.SeverityLow
	if len(signals) > 1 {
		severity = core.SeverityMedium
	}
	return core.FraudFlag{
		Type:     core.FraudMetadataAnomaly,
		Severity: severity,
		Details:  map[string]interface{}{"signals": signals},
	}, score, true
}

// ============================================================================
// HISTORIES
// ============================================================================

func (a *Analyzer) load(m *sync.Map, key string) *history {
	if v, ok := m.Load(key); ok {
		return v.(*history)
	}
	v, _ := m.LoadOrStore(key, &history{})
	return v.(*history)
}

// append records an event and returns the number of events inside the
// window (all events when window is zero).
func (h *history) append(now time.Time, location string, window time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, scanEvent{at: now, location: location})
	if len(h.events) > maxHistoryEvents {
		h.events = h.events[len(h.events)-maxHistoryEvents:]
	}
	h.seen = now

	if window == 0 {
		return len(h.events)
	}
	cutoff := now.Add(-window)
	count := 0
	for _, e := range h.events {
		if !e.at.Before(cutoff) {
			count++
		}
	}
	return count
}

func (h *history) distinctLocations(cutoff time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, e := range h.events {
		if e.at.Before(cutoff) || e.location == "" {
			continue
		}
		if _, dup := seen[e.location]; dup {
			continue
		}
		seen[e.location] = struct{}{}
		out = append(out, e.location)
	}
	return out
}

// intervals returns the inter-scan gaps in seconds over the last n events.
func (h *history) intervals(n int) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	events := h.events
	if len(events) > n {
		events = events[len(events)-n:]
	}
	if len(events) < 2 {
		return nil
	}

	out := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		out = append(out, events[i].at.Sub(events[i-1].at).Seconds())
	}
	return out
}

func (a *Analyzer) sweepLoop() {
	ticker := time.NewTicker(historySweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweepHistories()
		case <-a.stop:
			return
		}
	}
}

func (a *Analyzer) sweepHistories() {
	cutoff := a.now().Add(-historySweep)
	removed := 0
	for _, m := range []*sync.Map{&a.ticketIP, &a.ticket, &a.ip} {
		m.Range(func(key, value interface{}) bool {
			h := value.(*history)
			h.mu.Lock()
			stale := h.seen.Before(cutoff)
			h.mu.Unlock()
			if stale {
				m.Delete(key)
				removed++
			}
			return true
		})
	}
	if removed > 0 {
		a.logger.Printf("history sweep removed %d idle keys", removed)
	}
}

// ============================================================================
// HELPERS
// ============================================================================

var botMarkers = []string{"bot", "curl", "wget", "python", "spider", "scraper", "httpclient"}

func isBotUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, marker := range botMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback()
}

func appendUnique(set []string, s string) []string {
	for _, v := range set {
		if v == s {
			return set
		}
	}
	return append(set, s)
}
