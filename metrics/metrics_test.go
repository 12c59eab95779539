package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIndependentRegistries(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.ResolveMiss.Inc()
	m1.Dropped(DropSpoofed)
	m1.Dropped(DropSpoofed)

	assert.Equal(t, float64(1), testutil.ToFloat64(m1.ResolveMiss))
	assert.Equal(t, float64(0), testutil.ToFloat64(m2.ResolveMiss))
	assert.Equal(t, float64(2), testutil.ToFloat64(m1.DatagramDropped.WithLabelValues(DropSpoofed)))

	families, err := m1.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
