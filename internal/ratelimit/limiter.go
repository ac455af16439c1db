// Package ratelimit gates the worker pool's dispatch-to-provider rate with
// fixed per-minute and per-hour windows. Admission is never limited; jobs wait
// on the queue instead when the budget is exhausted.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config caps sends per fixed wall-clock window.
type Config struct {
	PerMinute int
	PerHour   int
}

// Limiter is a dual fixed-window counter on Redis. Increment-and-check runs
// as a single script, so two workers can never both consume the last slot.
type Limiter struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// New creates a limiter with the given caps.
func New(client *redis.Client, cfg Config) *Limiter {
	return &Limiter{client: client, cfg: cfg, now: time.Now}
}

// acquireScript checks both windows and increments both or neither.
// KEYS: minute key, hour key. ARGV: minute cap, hour cap, minute TTL, hour TTL.
// Returns 1 when the send is admitted.
var acquireScript = redis.NewScript(`
local m = tonumber(redis.call('GET', KEYS[1]) or '0')
local h = tonumber(redis.call('GET', KEYS[2]) or '0')
if m >= tonumber(ARGV[1]) or h >= tonumber(ARGV[2]) then
	return 0
end
m = redis.call('INCR', KEYS[1])
if m == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[3])
end
h = redis.call('INCR', KEYS[2])
if h == 1 then
	redis.call('EXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

func (l *Limiter) windowKeys(scope string) (minuteKey, hourKey string) {
	now := l.now().UTC()
	minuteKey = fmt.Sprintf("ratelimit:%s:m:%s", scope, now.Truncate(time.Minute).Format("200601021504"))
	hourKey = fmt.Sprintf("ratelimit:%s:h:%s", scope, now.Truncate(time.Hour).Format("2006010215"))
	return minuteKey, hourKey
}

// TryAcquire consumes one send slot for scope if both windows have capacity.
func (l *Limiter) TryAcquire(ctx context.Context, scope string) (bool, error) {
	minuteKey, hourKey := l.windowKeys(scope)
	res, err := acquireScript.Run(ctx, l.client,
		[]string{minuteKey, hourKey},
		l.cfg.PerMinute, l.cfg.PerHour,
		int((2 * time.Minute).Seconds()), int((2 * time.Hour).Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit acquire: %w", err)
	}
	return res == 1, nil
}

// Remaining reports how many sends scope may still make in the current
// windows; the tighter window wins.
func (l *Limiter) Remaining(ctx context.Context, scope string) (int, error) {
	minuteKey, hourKey := l.windowKeys(scope)
	vals, err := l.client.MGet(ctx, minuteKey, hourKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit remaining: %w", err)
	}
	minuteLeft := l.cfg.PerMinute - toInt(vals[0])
	hourLeft := l.cfg.PerHour - toInt(vals[1])
	left := minuteLeft
	if hourLeft < left {
		left = hourLeft
	}
	if left < 0 {
		left = 0
	}
	return left, nil
}

func toInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
