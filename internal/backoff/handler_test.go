package backoff_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/backoff"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/prefs"
)

func newHandler(t *testing.T) (*backoff.Handler, *clockwork.FakeClock, *prefs.MemoryStore) {
	t.Helper()
	store := prefs.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	h := backoff.NewHandler(prefs.NewBranch(store, "backoff"), clock, events.NewNopLogger())
	return h, clock, store
}

func TestGetSet(t *testing.T) {
	h, _, store := newHandler(t)

	assert.Equal(t, int64(0), h.GetEarliestNextRequest())

	require.NoError(t, h.SetEarliestNextRequest(5000))
	assert.Equal(t, int64(5000), h.GetEarliestNextRequest())

	// Set overwrites unconditionally, even backwards.
	require.NoError(t, h.SetEarliestNextRequest(100))
	assert.Equal(t, int64(100), h.GetEarliestNextRequest())

	v, ok, err := store.Get("backoff.earliestNextRequest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "100", v)
}

func TestExtendIsMonotonic(t *testing.T) {
	h, _, _ := newHandler(t)
	require.NoError(t, h.SetEarliestNextRequest(1000))

	tests := []struct {
		extend int64
		want   int64
	}{
		{500, 1000},
		{1000, 1000},
		{1001, 1001},
		{999, 1001},
		{4000, 4000},
	}
	for _, tt := range tests {
		require.NoError(t, h.ExtendEarliestNextRequest(tt.extend))
		assert.Equal(t, tt.want, h.GetEarliestNextRequest(), "after extend(%d)", tt.extend)
	}
}

func TestDelayCountsDown(t *testing.T) {
	h, clock, _ := newHandler(t)
	now := clock.Now().UnixMilli()

	require.NoError(t, h.SetEarliestNextRequest(now+5000))
	assert.Equal(t, int64(5000), h.DelayMilliseconds())

	last := h.DelayMilliseconds()
	for i := 0; i < 6; i++ {
		clock.Advance(time.Second)
		d := h.DelayMilliseconds()
		assert.LessOrEqual(t, d, last)
		assert.GreaterOrEqual(t, d, int64(0))
		last = d
	}
	assert.Equal(t, int64(0), last)
}

func TestShouldSync(t *testing.T) {
	h, clock, _ := newHandler(t)
	assert.True(t, h.ShouldSync(false))

	require.NoError(t, h.RequestBackoff(2401000))
	assert.False(t, h.ShouldSync(false))
	assert.True(t, h.ShouldSync(true))

	clock.Advance(2401 * time.Second)
	assert.True(t, h.ShouldSync(false))
}

func TestRequestBackoffNeverShortens(t *testing.T) {
	h, clock, _ := newHandler(t)
	now := clock.Now().UnixMilli()

	require.NoError(t, h.RequestBackoff(10000))
	require.NoError(t, h.RequestBackoff(2000))
	assert.Equal(t, now+10000, h.GetEarliestNextRequest())

	require.NoError(t, h.RequestBackoff(0))
	assert.Equal(t, now+10000, h.GetEarliestNextRequest())
}

func TestUnreadableStateIsIgnored(t *testing.T) {
	h, _, store := newHandler(t)
	require.NoError(t, store.Put("backoff.earliestNextRequest", "garbage"))

	assert.Equal(t, int64(0), h.GetEarliestNextRequest())
	assert.True(t, h.ShouldSync(false))
}
