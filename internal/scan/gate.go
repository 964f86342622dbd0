package scan

import (
	"sync"
	"time"
)

// pendingScan is one in-flight validation tracked by the concurrency gate.
type pendingScan struct {
	validationID string
	startTime    time.Time
}

// gateVerdict is the result of an admission attempt.
type gateVerdict int

const (
	gateAdmitted gateVerdict = iota
	gateDuplicate
	gateSaturated
)

// concurrencyGate serializes validations per qrCode and caps the total
// number in flight. Stale entries (older than scanTimeout, left by crashed
// or cancelled requests) are evicted on contact.
type concurrencyGate struct {
	mu          sync.Mutex
	pending     map[string]*pendingScan
	maxInFlight int
	scanTimeout time.Duration
	now         func() time.Time
}

func newConcurrencyGate(maxInFlight int, scanTimeout time.Duration) *concurrencyGate {
	return &concurrencyGate{
		pending:     make(map[string]*pendingScan),
		maxInFlight: maxInFlight,
		scanTimeout: scanTimeout,
		now:         time.Now,
	}
}

// admit tries to register a validation for qrCode.
func (g *concurrencyGate) admit(qrCode, validationID string) gateVerdict {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.pending[qrCode]; ok {
		if now.Sub(entry.startTime) < g.scanTimeout {
			return gateDuplicate
		}
		delete(g.pending, qrCode)
	}

	if len(g.pending) >= g.maxInFlight {
		return gateSaturated
	}

	g.pending[qrCode] = &pendingScan{validationID: validationID, startTime: now}
	return gateAdmitted
}

// release removes the entry registered by admit. Safe to call on a qrCode
// whose entry was already evicted.
func (g *concurrencyGate) release(qrCode, validationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.pending[qrCode]; ok && entry.validationID == validationID {
		delete(g.pending, qrCode)
	}
}

// inFlight returns the number of registered validations.
func (g *concurrencyGate) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
