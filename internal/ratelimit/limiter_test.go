package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, cfg)
}

func countAdmitted(t *testing.T, l *Limiter, scope string, attempts int) int {
	t.Helper()
	admitted := 0
	for i := 0; i < attempts; i++ {
		ok, err := l.TryAcquire(context.Background(), scope)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	return admitted
}

func TestMinuteCap(t *testing.T) {
	l := newTestLimiter(t, Config{PerMinute: 10, PerHour: 1000})
	assert.Equal(t, 10, countAdmitted(t, l, "noreply", 200), "excess sends defer, they are not dropped")
}

func TestHourCapWhenTighter(t *testing.T) {
	l := newTestLimiter(t, Config{PerMinute: 100, PerHour: 3})
	assert.Equal(t, 3, countAdmitted(t, l, "noreply", 20))
}

func TestWindowRollover(t *testing.T) {
	l := newTestLimiter(t, Config{PerMinute: 2, PerHour: 100})
	now := time.Date(2026, 3, 1, 10, 30, 59, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.Equal(t, 2, countAdmitted(t, l, "noreply", 5))

	// The budget refills at the minute boundary, not on a sliding horizon.
	now = now.Add(time.Second)
	assert.Equal(t, 2, countAdmitted(t, l, "noreply", 5))
}

func TestHourWindowSurvivesMinuteRollover(t *testing.T) {
	l := newTestLimiter(t, Config{PerMinute: 10, PerHour: 3})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.Equal(t, 3, countAdmitted(t, l, "noreply", 5))

	now = now.Add(time.Minute)
	assert.Equal(t, 0, countAdmitted(t, l, "noreply", 5), "hour budget stays spent across minutes")

	now = now.Add(time.Hour)
	assert.Equal(t, 3, countAdmitted(t, l, "noreply", 5))
}

func TestScopesAreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{PerMinute: 1, PerHour: 10})
	assert.Equal(t, 1, countAdmitted(t, l, "alerts", 3))
	assert.Equal(t, 1, countAdmitted(t, l, "newsletter", 3))
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t, Config{PerMinute: 5, PerHour: 4})
	ctx := context.Background()

	left, err := l.Remaining(ctx, "noreply")
	require.NoError(t, err)
	assert.Equal(t, 4, left, "the tighter window bounds the answer")

	countAdmitted(t, l, "noreply", 3)
	left, err = l.Remaining(ctx, "noreply")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}
