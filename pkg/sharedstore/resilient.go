package sharedstore

import (
	"context"
	"time"

	"github.com/weelo/dispatch-core/pkg/concurrency/distlock"
	"github.com/weelo/dispatch-core/pkg/resilience"
)

// ResilientConfig configures the resilient store wrapper, mirroring
// pkg/cache's ResilientConfig shape.
type ResilientConfig struct {
	CircuitBreakerEnabled   bool          `env:"SHARED_STORE_CB_ENABLED" env-default:"true"`
	CircuitBreakerThreshold int64         `env:"SHARED_STORE_CB_THRESHOLD" env-default:"5"`
	CircuitBreakerTimeout   time.Duration `env:"SHARED_STORE_CB_TIMEOUT" env-default:"30s"`

	RetryEnabled     bool          `env:"SHARED_STORE_RETRY_ENABLED" env-default:"true"`
	RetryMaxAttempts int           `env:"SHARED_STORE_RETRY_MAX" env-default:"2"`
	RetryBackoff     time.Duration `env:"SHARED_STORE_RETRY_BACKOFF" env-default:"50ms"`
}

// ResilientStore wraps a Store with circuit breaker and bounded retry, the
// same decorator pkg/cache.ResilientCache applies to Cache.
type ResilientStore struct {
	store    Store
	cb       *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
}

func NewResilientStore(store Store, cfg ResilientConfig) *ResilientStore {
	rs := &ResilientStore{store: store}

	if cfg.CircuitBreakerEnabled {
		rs.cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "sharedstore",
			FailureThreshold: cfg.CircuitBreakerThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}
	if cfg.RetryEnabled {
		rs.retryCfg = resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     time.Second,
			Multiplier:     2.0,
		}
	}
	return rs
}

func (rs *ResilientStore) execute(ctx context.Context, fn resilience.Executor) error {
	operation := fn
	if rs.cb != nil {
		cbFn := operation
		operation = func(ctx context.Context) error {
			return rs.cb.Execute(ctx, cbFn)
		}
	}
	if rs.retryCfg.MaxAttempts > 0 {
		return resilience.Retry(ctx, rs.retryCfg, operation)
	}
	return operation(ctx)
}

func (rs *ResilientStore) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var ok bool
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		val, ok, err = rs.store.Get(ctx, key)
		return err
	})
	return val, ok, err
}

func (rs *ResilientStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.Set(ctx, key, value, ttl) })
}

func (rs *ResilientStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = rs.store.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (rs *ResilientStore) Del(ctx context.Context, key string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.Del(ctx, key) })
}

func (rs *ResilientStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.Expire(ctx, key, ttl) })
}

func (rs *ResilientStore) Incr(ctx context.Context, key string) (int64, error) {
	var v int64
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		v, err = rs.store.Incr(ctx, key)
		return err
	})
	return v, err
}

func (rs *ResilientStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.HSet(ctx, key, fields) })
}

func (rs *ResilientStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		m, err = rs.store.HGetAll(ctx, key)
		return err
	})
	return m, err
}

func (rs *ResilientStore) HDel(ctx context.Context, key string, fields ...string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.HDel(ctx, key, fields...) })
}

func (rs *ResilientStore) SAdd(ctx context.Context, key string, members ...string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.SAdd(ctx, key, members...) })
}

func (rs *ResilientStore) SRem(ctx context.Context, key string, members ...string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.SRem(ctx, key, members...) })
}

func (rs *ResilientStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = rs.store.SIsMember(ctx, key, member)
		return err
	})
	return ok, err
}

func (rs *ResilientStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var m []string
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		m, err = rs.store.SMembers(ctx, key)
		return err
	})
	return m, err
}

func (rs *ResilientStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.ZAdd(ctx, key, score, member) })
}

func (rs *ResilientStore) ZRem(ctx context.Context, key string, members ...string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.ZRem(ctx, key, members...) })
}

func (rs *ResilientStore) ZPopByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	var out []string
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = rs.store.ZPopByScore(ctx, key, maxScore, limit)
		return err
	})
	return out, err
}

func (rs *ResilientStore) LPush(ctx context.Context, key string, values ...string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.LPush(ctx, key, values...) })
}

func (rs *ResilientStore) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	var k, v string
	var ok bool
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		k, v, ok, err = rs.store.BRPop(ctx, timeout, keys...)
		return err
	})
	return k, v, ok, err
}

func (rs *ResilientStore) GeoAdd(ctx context.Context, key, member string, lng, lat float64) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.GeoAdd(ctx, key, member, lng, lat) })
}

func (rs *ResilientStore) GeoRemove(ctx context.Context, key, member string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.GeoRemove(ctx, key, member) })
}

func (rs *ResilientStore) GeoSearch(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]GeoMember, error) {
	var out []GeoMember
	err := rs.execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = rs.store.GeoSearch(ctx, key, lng, lat, radiusKm, count)
		return err
	})
	return out, err
}

func (rs *ResilientStore) Publish(ctx context.Context, channel, message string) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.Publish(ctx, channel, message) })
}

func (rs *ResilientStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return rs.store.Subscribe(ctx, channel)
}

func (rs *ResilientStore) NewLock(key string, ttl time.Duration) distlock.Lock {
	return rs.store.NewLock(key, ttl)
}

func (rs *ResilientStore) Ping(ctx context.Context) error {
	return rs.execute(ctx, func(ctx context.Context) error { return rs.store.Ping(ctx) })
}

func (rs *ResilientStore) Close() error {
	return rs.store.Close()
}

// CircuitBreakerState returns the current circuit breaker state.
func (rs *ResilientStore) CircuitBreakerState() resilience.State {
	if rs.cb == nil {
		return ""
	}
	return rs.cb.State()
}
