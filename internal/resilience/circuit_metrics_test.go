package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pay/internal/resilience"
)

func TestBreakerMetricsFollowStateChanges(t *testing.T) {
	const target = "storage-metrics"
	ctx := context.Background()
	breaker := resilience.NewBreaker(1, 0.5, 20*time.Millisecond).WithTarget(target)
	state := func() float64 { return testutil.ToFloat64(resilience.BreakerState.WithLabelValues(target)) }

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, float64(resilience.Open), state())

	require.Eventually(t, func() bool { return breaker.Allow(ctx) }, 200*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, float64(resilience.HalfOpen), state())

	breaker.Report(ctx, true)
	require.Equal(t, float64(resilience.Closed), state())

	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues(target)))
	for _, edge := range [][2]string{{"closed", "open"}, {"open", "half_open"}, {"half_open", "closed"}} {
		got := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues(target, edge[0], edge[1]))
		require.Equal(t, 1.0, got, "%s -> %s", edge[0], edge[1])
	}
}

func TestMustRegisterMetricsIsRepeatable(t *testing.T) {
	reg := prometheus.NewRegistry()
	resilience.MustRegisterMetrics(reg)
	require.NotPanics(t, func() { resilience.MustRegisterMetrics(reg) })
}
