package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romancircus/jinyang/internal/common/config"
	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/provider/breaker"
)

func testProviders() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "p2", Type: "opencode", Priority: 2, Enabled: true},
		{Name: "p1", Type: "opencode", Priority: 1, Enabled: true},
		{Name: "p3", Type: "chat", Priority: 3, Enabled: false},
	}
}

func newTestRouter() *Router {
	return NewRouter(testProviders(), breaker.Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}, logger.Default())
}

func TestEnabledProvidersPriorityOrdered(t *testing.T) {
	r := newTestRouter()
	enabled := r.GetEnabledProviders()
	require.Len(t, enabled, 2)
	assert.Equal(t, "p1", enabled[0].Name)
	assert.Equal(t, "p2", enabled[1].Name)
}

func TestSelectPrefersHighestPriority(t *testing.T) {
	r := newTestRouter()
	selection, err := r.SelectProvider()
	require.NoError(t, err)
	assert.Equal(t, "p1", selection.Provider.Name)
	assert.False(t, selection.Degraded)
}

func TestSelectSkipsOpenBreaker(t *testing.T) {
	r := newTestRouter()
	r.RecordFailure("p1")
	r.RecordFailure("p1")

	selection, err := r.SelectProvider()
	require.NoError(t, err)
	assert.Equal(t, "p2", selection.Provider.Name)
}

func TestSelectSkipsUnhealthyProvider(t *testing.T) {
	r := newTestRouter()
	r.SetHealth("p1", HealthStatus{Healthy: false, Error: "connect refused"})

	selection, err := r.SelectProvider()
	require.NoError(t, err)
	assert.Equal(t, "p2", selection.Provider.Name)
}

func TestSelectDegradesWhenNothingQualifies(t *testing.T) {
	r := newTestRouter()
	r.SetHealth("p1", HealthStatus{Healthy: false})
	r.SetHealth("p2", HealthStatus{Healthy: false})

	selection, err := r.SelectProvider()
	require.NoError(t, err)
	assert.Equal(t, "p1", selection.Provider.Name)
	assert.True(t, selection.Degraded)
}

func TestUsable(t *testing.T) {
	r := newTestRouter()
	assert.True(t, r.Usable("p1"))

	r.RecordFailure("p1")
	r.RecordFailure("p1")
	assert.False(t, r.Usable("p1"))

	r.SetHealth("p2", HealthStatus{Healthy: false})
	assert.False(t, r.Usable("p2"))
	assert.False(t, r.Usable("unknown"))
}

func TestNoProviders(t *testing.T) {
	r := NewRouter(nil, breaker.DefaultConfig(), logger.Default())
	_, err := r.SelectProvider()
	assert.ErrorIs(t, err, ErrNoProviders)
}
