package fraud

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/qr"
)

// Midday, far from the off-hours window.
var noon = time.Date(2026, 1, 28, 12, 0, 0, 0, time.UTC)

func testAnalyzer(at time.Time) *Analyzer {
	a := NewAnalyzer()
	a.now = func() time.Time { return at }
	return a
}

func claimsFor(ticketID string) *qr.Claims {
	return &qr.Claims{TicketID: ticketID, EventID: "E1", TicketType: "standard"}
}

func cleanContext() core.ScanContext {
	return core.ScanContext{
		Location:  "Main",
		DeviceID:  "D1",
		IPAddress: "203.0.113.10",
		UserAgent: "ScanPoint/2.1 (Android 14)",
		Timestamp: noon,
	}
}

func TestCleanScanIsNotSuspicious(t *testing.T) {
	a := testAnalyzer(noon)

	result := a.Analyze(claimsFor("T1"), cleanContext())

	assert.False(t, result.IsSuspicious)
	assert.Empty(t, result.FraudFlags)
	assert.Zero(t, result.RiskScore)
	assert.Empty(t, result.Recommendations)
}

func TestRapidScansFlagged(t *testing.T) {
	a := testAnalyzer(noon)
	scanCtx := cleanContext()

	var result *Analysis
	for i := 0; i < 5; i++ {
		a.now = func() time.Time { return noon.Add(time.Duration(i) * time.Second) }
		result = a.Analyze(claimsFor("T1"), scanCtx)
	}

	require.NotEmpty(t, result.FraudFlags)
	found := false
	for _, flag := range result.FraudFlags {
		if flag.Type == core.FraudRapidScans {
			found = true
			assert.Equal(t, core.SeverityHigh, flag.Severity)
		}
	}
	assert.True(t, found)
	assert.True(t, result.IsSuspicious)
	assert.Contains(t, result.Recommendations, ActionRequireExtraChecks)
}

func TestRapidScansRequireSameTicketAndIP(t *testing.T) {
	a := testAnalyzer(noon)

	// 4 from one IP then 1 from another: neither key reaches 5
	scanCtx := cleanContext()
	for i := 0; i < 4; i++ {
		a.Analyze(claimsFor("T1"), scanCtx)
	}
	scanCtx.IPAddress = "198.51.100.7"
	result := a.Analyze(claimsFor("T1"), scanCtx)

	for _, flag := range result.FraudFlags {
		assert.NotEqual(t, core.FraudRapidScans, flag.Type)
	}
}

func TestLocationHoppingFlagged(t *testing.T) {
	a := testAnalyzer(noon)
	scanCtx := cleanContext()

	for i, loc := range []string{"Main", "Gate B", "VIP"} {
		scanCtx.Location = loc
		a.now = func() time.Time { return noon.Add(time.Duration(i) * time.Minute) }
		result := a.Analyze(claimsFor("T1"), scanCtx)
		if i < 2 {
			continue
		}
		found := false
		for _, flag := range result.FraudFlags {
			if flag.Type == core.FraudLocationHopping {
				found = true
				assert.Equal(t, core.SeverityMedium, flag.Severity)
			}
		}
		assert.True(t, found)
	}
}

func TestVolumeAnomalyFlagged(t *testing.T) {
	a := testAnalyzer(noon)
	scanCtx := cleanContext()

	var result *Analysis
	for i := 0; i < 100; i++ {
		// Distinct tickets, same IP, spread to dodge rapid/cyclic patterns
		a.now = func() time.Time { return noon.Add(time.Duration(i*17) * time.Second) }
		scanCtx.Location = "Main"
		result = a.Analyze(claimsFor(fmt.Sprintf("T%d", i)), scanCtx)
	}

	found := false
	for _, flag := range result.FraudFlags {
		if flag.Type == core.FraudVolumeAnomaly {
			found = true
		}
	}
	assert.True(t, found)
	assert.True(t, result.IsSuspicious)
}

func TestOffHoursFlagged(t *testing.T) {
	at := time.Date(2026, 1, 28, 3, 30, 0, 0, time.UTC)
	a := testAnalyzer(at)
	scanCtx := cleanContext()
	scanCtx.Timestamp = at

	result := a.Analyze(claimsFor("T1"), scanCtx)

	require.Len(t, result.FraudFlags, 1)
	assert.Equal(t, core.FraudOffHours, result.FraudFlags[0].Type)
	assert.Equal(t, core.SeverityLow, result.FraudFlags[0].Severity)
	// A single low-severity flag still marks the scan suspicious
	assert.True(t, result.IsSuspicious)
	assert.Equal(t, offHoursScore, result.RiskScore)
}

func TestCyclicScansFlagged(t *testing.T) {
	a := testAnalyzer(noon)
	scanCtx := cleanContext()

	// Metronomic 30s cadence
	var result *Analysis
	for i := 0; i < 5; i++ {
		a.now = func() time.Time { return noon.Add(time.Duration(i*30) * time.Second) }
		result = a.Analyze(claimsFor("T1"), scanCtx)
	}

	found := false
	for _, flag := range result.FraudFlags {
		if flag.Type == core.FraudCyclicScans {
			found = true
		}
	}
	assert.True(t, found)
}

func TestIrregularCadenceNotCyclic(t *testing.T) {
	a := testAnalyzer(noon)
	scanCtx := cleanContext()

	offsets := []time.Duration{0, 25 * time.Second, 3 * time.Minute, 4 * time.Minute, 11 * time.Minute}
	var result *Analysis
	for _, off := range offsets {
		at := noon.Add(off)
		a.now = func() time.Time { return at }
		result = a.Analyze(claimsFor("T1"), scanCtx)
	}

	for _, flag := range result.FraudFlags {
		assert.NotEqual(t, core.FraudCyclicScans, flag.Type)
	}
}

func TestMetadataAnomalySignals(t *testing.T) {
	a := testAnalyzer(noon)
	scanCtx := cleanContext()
	scanCtx.UserAgent = "python-requests/2.31"
	scanCtx.IPAddress = "192.168.1.20"
	scanCtx.Timestamp = noon.Add(-5 * time.Minute) // heavy skew

	result := a.Analyze(claimsFor("T1"), scanCtx)

	require.Len(t, result.FraudFlags, 1)
	flag := result.FraudFlags[0]
	assert.Equal(t, core.FraudMetadataAnomaly, flag.Type)
	assert.Equal(t, core.SeverityMedium, flag.Severity)
	signals := flag.Details["signals"].([]string)
	assert.ElementsMatch(t, []string{"bot_user_agent", "private_ip", "clock_skew"}, signals)
	assert.LessOrEqual(t, result.RiskScore, metadataScoreCap)
}

func TestRecommendationThresholds(t *testing.T) {
	a := testAnalyzer(noon)
	scanCtx := cleanContext()

	// rapid(40) + volume(50) pushes the score past the block threshold
	for i := 0; i < 100; i++ {
		a.Analyze(claimsFor("T1"), scanCtx)
	}
	result := a.Analyze(claimsFor("T1"), scanCtx)

	assert.GreaterOrEqual(t, result.RiskScore, 80)
	assert.Contains(t, result.Recommendations, ActionBlockScan)
	assert.Contains(t, result.Recommendations, ActionRequireExtraChecks)
	assert.Contains(t, result.Recommendations, ActionIncreaseMonitoring)
}

func TestHistorySweepRemovesIdleKeys(t *testing.T) {
	a := testAnalyzer(noon)
	a.Analyze(claimsFor("T1"), cleanContext())

	// Jump past the sweep horizon
	a.now = func() time.Time { return noon.Add(historySweep + time.Hour) }
	a.sweepHistories()

	count := 0
	a.ticket.Range(func(interface{}, interface{}) bool { count++; return true })
	assert.Zero(t, count)
}

func TestHistoryBufferCapped(t *testing.T) {
	a := testAnalyzer(noon)
	for i := 0; i < maxHistoryEvents+30; i++ {
		a.Analyze(claimsFor("T1"), cleanContext())
	}

	v, ok := a.ticket.Load("T1")
	require.True(t, ok)
	h := v.(*history)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.LessOrEqual(t, len(h.events), maxHistoryEvents)
}
