// Package memory implements sharedstore.Store in-process, for development
// and tests. Geo search uses a haversine distance over a plain map instead
// of a geospatial index; blocking list pop is implemented with condition
// variables instead of a server-side block.
package memory

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/weelo/dispatch-core/pkg/concurrency/distlock"
	"github.com/weelo/dispatch-core/pkg/sharedstore"
)

const earthRadiusKm = 6371.0

type stringEntry struct {
	value     string
	expiresAt time.Time
	hasTTL    bool
}

type zsetEntry struct {
	member string
	score  float64
}

type geoEntry struct {
	member string
	lng    float64
	lat    float64
}

// Adapter is an in-process sharedstore.Store.
type Adapter struct {
	mu sync.Mutex

	strings map[string]stringEntry
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string][]zsetEntry
	lists   map[string][]string
	geos    map[string][]geoEntry
	topics  map[string][]chan string

	listCond *sync.Cond
	locker   *distlock.MemoryLocker
}

// New builds an empty in-process store.
func New() *Adapter {
	a := &Adapter{
		strings: make(map[string]stringEntry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string][]zsetEntry),
		lists:   make(map[string][]string),
		geos:    make(map[string][]geoEntry),
		topics:  make(map[string][]chan string),
		locker:  distlock.NewMemoryLocker(),
	}
	a.listCond = sync.NewCond(&a.mu)
	return a
}

func (a *Adapter) expired(e stringEntry) bool {
	return e.hasTTL && time.Now().After(e.expiresAt)
}

func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.strings[key]
	if !ok || a.expired(e) {
		delete(a.strings, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(key, value, ttl)
	return nil
}

func (a *Adapter) setLocked(key, value string, ttl time.Duration) {
	e := stringEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expiresAt = time.Now().Add(ttl)
	}
	a.strings[key] = e
}

func (a *Adapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.strings[key]; ok && !a.expired(e) {
		return false, nil
	}
	a.setLocked(key, value, ttl)
	return true, nil
}

func (a *Adapter) Del(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.strings, key)
	delete(a.hashes, key)
	delete(a.sets, key)
	delete(a.zsets, key)
	delete(a.lists, key)
	delete(a.geos, key)
	return nil
}

func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.strings[key]; ok {
		e.hasTTL = true
		e.expiresAt = time.Now().Add(ttl)
		a.strings[key] = e
	}
	return nil
}

func (a *Adapter) Incr(ctx context.Context, key string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.strings[key]
	var current int64
	if ok && !a.expired(e) {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	current++
	a.strings[key] = stringEntry{value: strconv.FormatInt(current, 10), hasTTL: e.hasTTL, expiresAt: e.expiresAt}
	return current, nil
}

func (a *Adapter) HSet(ctx context.Context, key string, fields map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hashes[key]
	if !ok {
		h = make(map[string]string)
		a.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string)
	for k, v := range a.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (a *Adapter) HDel(ctx context.Context, key string, fields ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(a.hashes, key)
	}
	return nil
}

func (a *Adapter) SAdd(ctx context.Context, key string, members ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sets[key]
	if !ok {
		s = make(map[string]struct{})
		a.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (a *Adapter) SRem(ctx context.Context, key string, members ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s, m)
	}
	return nil
}

func (a *Adapter) SIsMember(ctx context.Context, key, member string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sets[key][member]
	return ok, nil
}

func (a *Adapter) SMembers(ctx context.Context, key string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sets[key]))
	for m := range a.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (a *Adapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	z := a.zsets[key]
	for i, e := range z {
		if e.member == member {
			z[i].score = score
			return nil
		}
	}
	a.zsets[key] = append(z, zsetEntry{member: member, score: score})
	return nil
}

func (a *Adapter) ZRem(ctx context.Context, key string, members ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zremLocked(key, members...)
	return nil
}

func (a *Adapter) zremLocked(key string, members ...string) {
	z := a.zsets[key]
	if z == nil {
		return
	}
	remove := make(map[string]struct{}, len(members))
	for _, m := range members {
		remove[m] = struct{}{}
	}
	kept := z[:0]
	for _, e := range z {
		if _, drop := remove[e.member]; !drop {
			kept = append(kept, e)
		}
	}
	a.zsets[key] = kept
}

func (a *Adapter) ZPopByScore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	z := append([]zsetEntry(nil), a.zsets[key]...)
	sort.Slice(z, func(i, j int) bool { return z[i].score < z[j].score })

	var popped []string
	for _, e := range z {
		if e.score > maxScore {
			break
		}
		if int64(len(popped)) >= limit {
			break
		}
		popped = append(popped, e.member)
	}
	if len(popped) > 0 {
		a.zremLocked(key, popped...)
	}
	return popped, nil
}

func (a *Adapter) LPush(ctx context.Context, key string, values ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range values {
		a.lists[key] = append([]string{v}, a.lists[key]...)
	}
	a.listCond.Broadcast()
	return nil
}

func (a *Adapter) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	deadline := time.Now().Add(timeout)
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		for _, key := range keys {
			l := a.lists[key]
			if len(l) > 0 {
				v := l[len(l)-1]
				a.lists[key] = l[:len(l)-1]
				return key, v, true, nil
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", "", false, nil
		}
		waited := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			a.mu.Lock()
			a.listCond.Broadcast()
			a.mu.Unlock()
			close(waited)
		})
		a.listCond.Wait()
		timer.Stop()
		select {
		case <-waited:
		default:
		}
		if ctx.Err() != nil {
			return "", "", false, ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", "", false, nil
		}
	}
}

func (a *Adapter) GeoAdd(ctx context.Context, key, member string, lng, lat float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.geos[key]
	for i, e := range g {
		if e.member == member {
			g[i].lng, g[i].lat = lng, lat
			return nil
		}
	}
	a.geos[key] = append(g, geoEntry{member: member, lng: lng, lat: lat})
	return nil
}

func (a *Adapter) GeoRemove(ctx context.Context, key, member string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.geos[key]
	kept := g[:0]
	for _, e := range g {
		if e.member != member {
			kept = append(kept, e)
		}
	}
	a.geos[key] = kept
	return nil
}

func (a *Adapter) GeoSearch(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]sharedstore.GeoMember, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var matches []sharedstore.GeoMember
	for _, e := range a.geos[key] {
		d := haversineKm(lat, lng, e.lat, e.lng)
		if d <= radiusKm {
			matches = append(matches, sharedstore.GeoMember{Member: e.member, DistanceKm: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].DistanceKm < matches[j].DistanceKm })
	if count > 0 && len(matches) > count {
		matches = matches[:count]
	}
	return matches, nil
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func (a *Adapter) Publish(ctx context.Context, channel, message string) error {
	a.mu.Lock()
	subs := append([]chan string(nil), a.topics[channel]...)
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, channel string) (sharedstore.Subscription, error) {
	ch := make(chan string, 64)
	a.mu.Lock()
	a.topics[channel] = append(a.topics[channel], ch)
	a.mu.Unlock()

	return &subscription{adapter: a, channel: channel, ch: ch}, nil
}

type subscription struct {
	adapter *Adapter
	channel string
	ch      chan string
}

func (s *subscription) Channel() <-chan string {
	return s.ch
}

func (s *subscription) Close() error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	subs := s.adapter.topics[s.channel]
	for i, ch := range subs {
		if ch == s.ch {
			s.adapter.topics[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func (a *Adapter) NewLock(key string, ttl time.Duration) distlock.Lock {
	return a.locker.NewLock(key, ttl)
}

func (a *Adapter) Ping(ctx context.Context) error {
	return nil
}

func (a *Adapter) Close() error {
	return a.locker.Close()
}
