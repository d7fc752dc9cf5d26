// Package timer implements the distributed Timer Engine: schedule/cancel a
// named timer with a JSON payload, and drain due timers exactly once across
// however many dispatcher instances are running.
package timer

import (
	"context"
	"strings"
	"time"

	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/logger"
	"github.com/weelo/dispatch-core/pkg/sharedstore"

	"github.com/weelo/dispatch-core/internal/domain"
)

const defaultSafetyBuffer = 60 * time.Second

// Handler processes one due timer. Handlers must be short and idempotent: a
// handler that wakes to find its booking already terminal must clean up and
// exit without side effects, per §4.3's cancellation semantics.
type Handler func(ctx context.Context, key, payload string) error

// Config carries the tunables named in spec §6.
type Config struct {
	DrainInterval  time.Duration `env:"TIMER_DRAIN_INTERVAL_MS" env-default:"5s"`
	HandlerLockTTL time.Duration `env:"TIMER_HANDLER_LOCK_TTL" env-default:"10s"`
	SafetyBuffer   time.Duration `env:"TIMER_SAFETY_BUFFER" env-default:"60s"`
	// DrainBatchSize bounds how many due timers are popped per prefix per
	// tick, so one overloaded prefix cannot starve another.
	DrainBatchSize int64 `env:"TIMER_DRAIN_BATCH_SIZE" env-default:"200"`
}

// DueTimer is one timer returned by Drain.
type DueTimer struct {
	Key       string
	Payload   string
	ExpiresAt time.Time
}

// Engine is the Timer Engine. One Engine per instance; every instance runs
// an identical Run loop, with the handler lock deciding which one actually
// executes a given due timer.
type Engine struct {
	store    sharedstore.Store
	cfg      Config
	handlers map[string]Handler
}

// New builds an Engine. Register prefix handlers with RegisterHandler
// before calling Run.
func New(store sharedstore.Store, cfg Config) *Engine {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 5 * time.Second
	}
	if cfg.HandlerLockTTL <= 0 {
		cfg.HandlerLockTTL = 10 * time.Second
	}
	if cfg.SafetyBuffer <= 0 {
		cfg.SafetyBuffer = defaultSafetyBuffer
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 200
	}
	return &Engine{store: store, cfg: cfg, handlers: make(map[string]Handler)}
}

// RegisterHandler binds a handler to every timer key starting with prefix
// (e.g. "timer:radius:" or "timer:booking:").
func (e *Engine) RegisterHandler(prefix string, handler Handler) {
	e.handlers[prefix] = handler
}

// Schedule places a timer under key with the given JSON payload, expiring
// at expiresAt. A timer already scheduled under key is replaced. The
// payload string itself carries a TTL of expiresAt+SafetyBuffer so storage
// self-cleans even if drain never runs.
func (e *Engine) Schedule(ctx context.Context, key, payload string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt) + e.cfg.SafetyBuffer
	if ttl <= 0 {
		ttl = e.cfg.SafetyBuffer
	}
	if err := e.store.Set(ctx, key, payload, ttl); err != nil {
		return errors.Wrap(err, "timer schedule: set payload")
	}
	if err := e.store.ZAdd(ctx, domain.TimersPendingKey, float64(expiresAt.Unix()), key); err != nil {
		return errors.Wrap(err, "timer schedule: pending index add")
	}
	return nil
}

// Cancel removes a timer idempotently; calling it on an already-cancelled
// or never-scheduled key is a no-op success.
func (e *Engine) Cancel(ctx context.Context, key string) error {
	if err := e.store.Del(ctx, key); err != nil {
		return errors.Wrap(err, "timer cancel: delete payload")
	}
	if err := e.store.ZRem(ctx, domain.TimersPendingKey, key); err != nil {
		return errors.Wrap(err, "timer cancel: pending index remove")
	}
	return nil
}

// Drain atomically claims timers due at or before now whose key starts
// with prefix, dereferencing each claimed key's payload. Timers belonging
// to other prefixes that this pop happened to claim are put back
// immediately with score `now`, so they are picked up by the next drain
// call for their own prefix; each timer is still claimed (popped from the
// pending index) by exactly one caller at a time, so no due timer is
// delivered twice concurrently.
func (e *Engine) Drain(ctx context.Context, prefix string, now time.Time, limit int64) ([]DueTimer, error) {
	popped, err := e.store.ZPopByScore(ctx, domain.TimersPendingKey, float64(now.Unix()), limit)
	if err != nil {
		return nil, errors.Wrap(err, "timer drain: pop due members")
	}
	if len(popped) == 0 {
		return nil, nil
	}

	due := make([]DueTimer, 0, len(popped))
	for _, key := range popped {
		if !strings.HasPrefix(key, prefix) {
			if rerr := e.store.ZAdd(ctx, domain.TimersPendingKey, float64(now.Unix()), key); rerr != nil {
				logger.L().ErrorContext(ctx, "timer drain: failed to requeue foreign-prefix timer", "key", key, "error", rerr)
			}
			continue
		}

		payload, ok, gerr := e.store.Get(ctx, key)
		if gerr != nil {
			logger.L().ErrorContext(ctx, "timer drain: payload lookup failed", "key", key, "error", gerr)
			continue
		}
		if !ok {
			// Payload already expired/absent: treat as cancelled.
			continue
		}
		due = append(due, DueTimer{Key: key, Payload: payload, ExpiresAt: now})
	}
	return due, nil
}

// Run drains every registered prefix on a ticker until ctx is cancelled.
// Each due timer is processed under a short-TTL named lock so instances
// racing on the same timer serialize; only the lock holder runs the
// handler.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainOnce(ctx)
		}
	}
}

func (e *Engine) drainOnce(ctx context.Context) {
	now := time.Now()
	for prefix, handler := range e.handlers {
		due, err := e.Drain(ctx, prefix, now, e.cfg.DrainBatchSize)
		if err != nil {
			logger.L().ErrorContext(ctx, "timer drain failed", "prefix", prefix, "error", err)
			continue
		}
		for _, d := range due {
			e.dispatch(ctx, prefix, handler, d)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, prefix string, handler Handler, d DueTimer) {
	trimmedPrefix := strings.TrimSuffix(prefix, ":")
	id := strings.TrimPrefix(d.Key, prefix)
	lock := e.store.NewLock(domain.LockKey(domain.TimerHandlerLock(trimmedPrefix, id)), e.cfg.HandlerLockTTL)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.L().ErrorContext(ctx, "timer dispatch: lock acquire failed", "key", d.Key, "error", err)
		return
	}
	if !acquired {
		return
	}

	if err := handler(ctx, d.Key, d.Payload); err != nil {
		logger.L().ErrorContext(ctx, "timer handler failed, leaving lock to expire", "key", d.Key, "error", err)
		return
	}
	if err := lock.Release(ctx); err != nil {
		logger.L().WarnContext(ctx, "timer dispatch: lock release failed", "key", d.Key, "error", err)
	}
}
