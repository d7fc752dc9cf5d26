// Package redis implements sharedstore.Store over github.com/redis/go-redis/v9.
package redis

import (
	"context"
	"time"

	"github.com/weelo/dispatch-core/pkg/concurrency/distlock"
	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/sharedstore"
	goredis "github.com/redis/go-redis/v9"
)

// Adapter implements sharedstore.Store against a single redis.Client.
type Adapter struct {
	client *goredis.Client
	locker *distlock.RedisLocker
}

// New dials cfg.URL and verifies connectivity with a PING.
func New(cfg sharedstore.Config) (*Adapter, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid shared store url")
	}
	opts.MaxRetries = cfg.MaxRetries
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.New(errors.CodeStoreUnavailable, "shared store unreachable", err)
	}

	return &Adapter{
		client: client,
		locker: distlock.NewRedisLocker(client, "lock:"),
	}, nil
}

func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := a.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err)
	}
	return val, true, nil
}

func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return storeErr(a.client.Set(ctx, key, value, ttl).Err())
}

func (a *Adapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := a.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return ok, nil
}

func (a *Adapter) Del(ctx context.Context, key string) error {
	return storeErr(a.client.Del(ctx, key).Err())
}

func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return storeErr(a.client.Expire(ctx, key, ttl).Err())
}

func (a *Adapter) Incr(ctx context.Context, key string) (int64, error) {
	v, err := a.client.Incr(ctx, key).Result()
	return v, storeErr(err)
}

func (a *Adapter) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return storeErr(a.client.HSet(ctx, key, values...).Err())
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := a.client.HGetAll(ctx, key).Result()
	return m, storeErr(err)
}

func (a *Adapter) HDel(ctx context.Context, key string, fields ...string) error {
	return storeErr(a.client.HDel(ctx, key, fields...).Err())
}

func (a *Adapter) SAdd(ctx context.Context, key string, members ...string) error {
	args := toInterfaceSlice(members)
	return storeErr(a.client.SAdd(ctx, key, args...).Err())
}

func (a *Adapter) SRem(ctx context.Context, key string, members ...string) error {
	args := toInterfaceSlice(members)
	return storeErr(a.client.SRem(ctx, key, args...).Err())
}

func (a *Adapter) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := a.client.SIsMember(ctx, key, member).Result()
	return ok, storeErr(err)
}

func (a *Adapter) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := a.client.SMembers(ctx, key).Result()
	return members, storeErr(err)
}

func (a *Adapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return storeErr(a.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err())
}

func (a *Adapter) ZRem(ctx context.Context, key string, members ...string) error {
	args := toInterfaceSlice(members)
	return storeErr(a.client.ZRem(ctx, key, args...).Err())
}

// zPopByScoreScript atomically reads members scored at most ARGV[1] (at
// most ARGV[2] of them) and removes them in one round trip, per spec
// §9's "issued as a single round-trip using the store's scripting
// facility."
var zPopByScoreScript = goredis.NewScript(`
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #members > 0 then
    redis.call("ZREM", KEYS[1], unpack(members))
end
return members
`)

func (a *Adapter) ZPopByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	res, err := zPopByScoreScript.Run(ctx, a.client, []string{key}, maxScore, limit).StringSlice()
	if err != nil && err != goredis.Nil {
		return nil, storeErr(err)
	}
	return res, nil
}

func (a *Adapter) LPush(ctx context.Context, key string, values ...string) error {
	args := toInterfaceSlice(values)
	return storeErr(a.client.LPush(ctx, key, args...).Err())
}

func (a *Adapter) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	res, err := a.client.BRPop(ctx, timeout, keys...).Result()
	if err == goredis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, storeErr(err)
	}
	return res[0], res[1], true, nil
}

func (a *Adapter) GeoAdd(ctx context.Context, key, member string, lng, lat float64) error {
	return storeErr(a.client.GeoAdd(ctx, key, &goredis.GeoLocation{Name: member, Longitude: lng, Latitude: lat}).Err())
}

func (a *Adapter) GeoRemove(ctx context.Context, key, member string) error {
	return storeErr(a.client.ZRem(ctx, key, member).Err())
}

func (a *Adapter) GeoSearch(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]sharedstore.GeoMember, error) {
	res, err := a.client.GeoSearchLocation(ctx, key, &goredis.GeoSearchLocationQuery{
		GeoSearchQuery: goredis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]sharedstore.GeoMember, 0, len(res))
	for _, loc := range res {
		out = append(out, sharedstore.GeoMember{Member: loc.Name, DistanceKm: loc.Dist})
	}
	return out, nil
}

func (a *Adapter) Publish(ctx context.Context, channel, message string) error {
	return storeErr(a.client.Publish(ctx, channel, message).Err())
}

func (a *Adapter) Subscribe(ctx context.Context, channel string) (sharedstore.Subscription, error) {
	sub := a.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, storeErr(err)
	}
	return &subscription{sub: sub, out: sub.Channel()}, nil
}

func (a *Adapter) NewLock(key string, ttl time.Duration) distlock.Lock {
	return a.locker.NewLock(key, ttl)
}

func (a *Adapter) Ping(ctx context.Context) error {
	return storeErr(a.client.Ping(ctx).Err())
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

type subscription struct {
	sub *goredis.PubSub
	out <-chan *goredis.Message
}

func (s *subscription) Channel() <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for msg := range s.out {
			ch <- msg.Payload
		}
	}()
	return ch
}

func (s *subscription) Close() error {
	return s.sub.Close()
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeStoreUnavailable, "shared store operation failed", err)
}

func toInterfaceSlice(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
