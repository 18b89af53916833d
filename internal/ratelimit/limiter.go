package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// hitScript increments the window counter and swaps the last-seen marker in
// one round trip. The caller's clock is passed in so every process judges
// burst recency on the same timeline as its window math.
//
// KEYS[1] counter, KEYS[2] last-seen marker
// ARGV[1] window ms, ARGV[2] now ms, ARGV[3] burst window ms (0 disables)
// returns {count, ttl ms, last seen ms}
var hitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
local last = 0
if tonumber(ARGV[3]) > 0 then
	last = tonumber(redis.call('GET', KEYS[2]) or '0')
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
end
return {count, ttl, last}
`)

// syncScript folds a batch of locally admitted hits into the shared counter.
//
// KEYS[1] counter; ARGV[1] delta, ARGV[2] window ms
// returns {count, ttl ms}
var syncScript = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
return {count, ttl}
`)

type Config struct {
	Policies map[Scope]Policy

	// Timeout bounds every call to the shared counter.
	Timeout time.Duration

	MaxKeys       int
	MaxAge        time.Duration
	SweepInterval time.Duration
	SyncInterval  time.Duration
}

type Limiter struct {
	rdb    redis.Scripter
	cfg    Config
	local  *mirror
	log    logrus.FieldLogger
	now    func() time.Time
	stop   chan struct{}
	done   chan struct{}
	active bool
}

func New(rdb redis.Scripter, cfg Config, log logrus.FieldLogger) *Limiter {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 100000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	return &Limiter{
		rdb:   rdb,
		cfg:   cfg,
		local: newMirror(cfg.MaxKeys),
		log:   log.WithField("component", "ratelimit"),
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func counterKey(scope Scope, clientKey string) string {
	return "rate-limit:" + string(scope) + ":" + clientKey
}

// Check counts one hit for clientKey under scope.
//
// The returned error is non-nil only when the decision could not be made:
// an unknown scope, or a fail-closed policy whose shared counter is down.
// A rejected hit is reported through Decision.Admitted.
func (l *Limiter) Check(ctx context.Context, scope Scope, clientKey string) (Decision, error) {
	p, ok := l.cfg.Policies[scope]
	if !ok {
		return Decision{Scope: scope}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	key := counterKey(scope, clientKey)
	now := l.now()

	if p.Local {
		return l.checkLocal(scope, p, key, now), nil
	}

	// A key already past its highest possible limit stays rejected until
	// the window ends; no need to ask Redis again.
	if e, ok := l.local.peek(key, now); ok && e.count >= int64(p.maxLimit()) {
		var d Decision
		l.local.with(key, now, p.Window, func(e *entry) {
			burst := p.BurstWindow > 0 && !e.lastSeen.IsZero() && now.Sub(e.lastSeen) <= p.BurstWindow
			e.count++
			e.lastSeen = now
			d = Decision{Scope: scope, Limit: p.effectiveLimit(burst), ResetAt: e.resetAt, BurstActive: burst}
		})
		return d, nil
	}

	count, ttl, last, err := l.hit(ctx, p, key, now)
	if err != nil {
		if p.FailClosed {
			l.log.WithError(err).WithField("scope", scope).Warn("ratelimit: counter unavailable, rejecting")
			return Decision{Scope: scope, Limit: p.Limit, ResetAt: now.Add(p.Window)},
				fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		l.log.WithError(err).WithField("scope", scope).Warn("ratelimit: counter unavailable, admitting")
		return Decision{Scope: scope, Admitted: true, Limit: p.Limit, Remaining: p.Limit, ResetAt: now.Add(p.Window)}, nil
	}

	burst := p.BurstWindow > 0 && last > 0 && now.Sub(time.UnixMilli(last)) <= p.BurstWindow
	limit := p.effectiveLimit(burst)
	resetAt := now.Add(ttl)

	l.local.store(key, entry{count: count, resetAt: resetAt, window: p.Window, lastSeen: now})

	return Decision{
		Scope:       scope,
		Admitted:    count <= int64(limit),
		Limit:       limit,
		Remaining:   remaining(limit, count),
		ResetAt:     resetAt,
		BurstActive: burst,
	}, nil
}

func (l *Limiter) hit(ctx context.Context, p Policy, key string, now time.Time) (count int64, ttl time.Duration, last int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	res, err := hitScript.Run(ctx, l.rdb,
		[]string{key, key + ":seen"},
		p.Window.Milliseconds(), now.UnixMilli(), p.BurstWindow.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, 0, 0, err
	}
	if len(res) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected counter reply of length %d", len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, res[2], nil
}

func (l *Limiter) checkLocal(scope Scope, p Policy, key string, now time.Time) Decision {
	var d Decision
	l.local.with(key, now, p.Window, func(e *entry) {
		burst := p.BurstWindow > 0 && !e.lastSeen.IsZero() && now.Sub(e.lastSeen) <= p.BurstWindow
		e.count++
		e.pending++
		e.lastSeen = now
		limit := p.effectiveLimit(burst)
		d = Decision{
			Scope:       scope,
			Admitted:    e.count <= int64(limit),
			Limit:       limit,
			Remaining:   remaining(limit, e.count),
			ResetAt:     e.resetAt,
			BurstActive: burst,
		}
	})
	return d
}

// Sync pushes locally admitted hits to the shared counter and adopts the
// shared totals. Failed pushes are kept for the next round.
func (l *Limiter) Sync(ctx context.Context) error {
	deltas := l.local.drain()
	if len(deltas) == 0 {
		return nil
	}

	var firstErr error
	failed := 0
	for _, d := range deltas {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
		res, err := syncScript.Run(callCtx, l.rdb, []string{d.key}, d.pending, d.window.Milliseconds()).Int64Slice()
		cancel()
		if err == nil && len(res) != 2 {
			err = fmt.Errorf("unexpected counter reply of length %d", len(res))
		}
		if err != nil {
			l.local.restore(d)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		l.local.settle(d, res[0], l.now().Add(time.Duration(res[1])*time.Millisecond))
	}
	if firstErr != nil {
		return fmt.Errorf("sync %d of %d counters: %w", failed, len(deltas), firstErr)
	}
	return nil
}

// Sweep evicts expired and idle entries from the local mirror.
func (l *Limiter) Sweep() int {
	return l.local.sweep(l.now(), l.cfg.MaxAge)
}

// Start runs the sweeper and the reconcile loop until Shutdown.
func (l *Limiter) Start() {
	l.active = true
	go l.run()
}

// Shutdown stops the background loops after one last sync.
func (l *Limiter) Shutdown() {
	if !l.active {
		return
	}
	close(l.stop)
	<-l.done
}

func (l *Limiter) run() {
	defer close(l.done)

	sweep := time.NewTicker(orDefault(l.cfg.SweepInterval, 30*time.Second))
	defer sweep.Stop()
	sync := time.NewTicker(orDefault(l.cfg.SyncInterval, time.Second))
	defer sync.Stop()

	for {
		select {
		case <-sweep.C:
			if n := l.Sweep(); n > 0 {
				l.log.WithField("evicted", n).Debug("ratelimit: swept local mirror")
			}
		case <-sync.C:
			if err := l.Sync(context.Background()); err != nil {
				l.log.WithError(err).Warn("ratelimit: reconcile failed")
			}
		case <-l.stop:
			if err := l.Sync(context.Background()); err != nil {
				l.log.WithError(err).Warn("ratelimit: final reconcile failed")
			}
			return
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}
