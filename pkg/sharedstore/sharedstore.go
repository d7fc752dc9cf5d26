// Package sharedstore abstracts the remote key-value service every instance
// coordinates through: strings with TTL, counters, hashes, sets, sorted
// sets, geospatial indexes, pub/sub and a distributed lock primitive.
//
// Two adapters implement Store: adapters/redis (production, go-redis v9)
// and adapters/memory (development/test, in-process). Both carry the same
// semantics, including blocking list pop and geo radius search, so the same
// calling code runs against either, with one difference: the memory
// adapter's Expire applies only to string keys, while the redis adapter's
// applies to a key of any type.
package sharedstore

import (
	"context"
	"time"

	"github.com/weelo/dispatch-core/pkg/concurrency/distlock"
)

// GeoMember is one result of a GeoSearch call.
type GeoMember struct {
	Member     string
	DistanceKm float64
}

// Subscription is a live pub/sub subscription returned by Subscribe.
type Subscription interface {
	// Channel delivers published messages until the subscription is closed.
	Channel() <-chan string
	Close() error
}

// Store is the shared-store contract. All operations must be safe under
// concurrent callers; ordinary not-found conditions are reported through
// the (bool, error) or (string, bool, error) return shapes below rather
// than as errors, so callers never need to string-match.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Sorted sets (used by the Timer Engine's pending index)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZPopByScore atomically removes and returns up to limit members
	// scored at most maxScore, in ascending score order. This is the
	// single round-trip scripted operation the Timer Engine's drain
	// relies on to guarantee each due timer is claimed by exactly one
	// caller.
	ZPopByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	// BRPop blocks up to timeout for a value on any of keys.
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, ok bool, err error)

	// Geospatial
	GeoAdd(ctx context.Context, key, member string, lng, lat float64) error
	GeoRemove(ctx context.Context, key, member string) error
	GeoSearch(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]GeoMember, error)

	// Pub/Sub
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// NewLock builds a distributed lock on key, delegating to the same
	// connection the rest of the store uses.
	NewLock(key string, ttl time.Duration) distlock.Lock

	// Ping verifies connectivity; used at startup to decide whether a
	// configured redis adapter is reachable.
	Ping(ctx context.Context) error

	Close() error
}
