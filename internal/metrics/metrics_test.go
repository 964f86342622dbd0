package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanpoint/backend/internal/circuitbreaker"
)

func TestBreakerStateGaugeMatchesBreakerEnum(t *testing.T) {
	met := New()
	met.BreakerState.WithLabelValues("validate").Set(float64(circuitbreaker.StateOpen))

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != "scan_rules_breaker_state" {
			continue
		}
		// Help text must describe the actual enum order
		assert.Contains(t, family.GetHelp(), "0 closed, 1 open, 2 half-open")
		require.Len(t, family.GetMetric(), 1)
		assert.Equal(t, float64(circuitbreaker.StateOpen), family.GetMetric()[0].GetGauge().GetValue())
		return
	}
	t.Fatal("scan_rules_breaker_state was not gathered")
}
