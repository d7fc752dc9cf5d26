// Package presence implements the Presence Index: which transporters are
// online, their current truck type and last-known coordinates, and whether
// they are mid-trip. It answers range queries (nearest online transporters
// of a truck type within a radius) and point queries (is transporter X
// online?) against the shared store, with a durable-store fallback for the
// latter when the online set looks freshly restarted.
package presence

import (
	"context"
	"time"

	"github.com/weelo/dispatch-core/pkg/cache"
	"github.com/weelo/dispatch-core/pkg/concurrency"
	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/logger"
	"github.com/weelo/dispatch-core/pkg/sharedstore"

	"github.com/weelo/dispatch-core/internal/domain"
)

// DurableTransporters is the narrow read/write surface the Presence Index
// needs against the durable store: point availability lookups for the
// online_filter fallback, the staleness sweep's corrective write, and the
// vehicle-type listing the dispatcher's DB-wide fallback uses.
type DurableTransporters interface {
	IsTransporterAvailable(ctx context.Context, transporterID string) (bool, error)
	SetTransporterAvailability(ctx context.Context, transporterID string, available bool) error
	TransportersByVehicleType(ctx context.Context, vehicleType string) ([]string, error)
}

// Config carries the tunables named in spec §4.2/§6.
type Config struct {
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" env-default:"60s"`
	SweepInterval time.Duration `env:"STALE_CLEANUP_INTERVAL_MS" env-default:"30s"`
	// searchOverscan is how many extra geo candidates Nearest requests
	// beyond limit, to absorb lazily-swept stragglers without a second
	// round trip in the common case.
	searchOverscan int
}

// OnlineHook is invoked, fire-and-forget, whenever a transporter transitions
// from absent/offline to present, per §4.7's re-broadcast-on-coming-online.
type OnlineHook func(ctx context.Context, transporterID string)

// Index is the Presence Index, backed by sharedstore.Store for the geo
// index/online set/reverse map and pkg/cache.Cache for the per-transporter
// detail hash (a single TTL'd JSON blob, not worth the richer store's
// surface).
type Index struct {
	store   sharedstore.Store
	details cache.Cache
	durable DurableTransporters
	cfg     Config
	onOnline OnlineHook
}

// New builds a Presence Index. onOnline may be nil; set it with
// SetOnlineHook once the dispatcher is constructed to break the import
// cycle between the two packages.
func New(store sharedstore.Store, details cache.Cache, durable DurableTransporters, cfg Config) *Index {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	cfg.searchOverscan = 3
	return &Index{store: store, details: details, durable: durable, cfg: cfg}
}

// SetOnlineHook registers the callback fired when a transporter transitions
// to online. Not safe for concurrent use with Update; call once at startup.
func (idx *Index) SetOnlineHook(hook OnlineHook) {
	idx.onOnline = hook
}

// Update upserts a presence entry with TTL PresenceTTL. If the transporter
// is mid-trip it is removed from the geo index but the detail hash is kept,
// so an in-trip transporter still answers online_filter/point queries but
// never a geo radius query. A changed truck type key moves the geo index
// entry.
func (idx *Index) Update(ctx context.Context, transporterID, truckTypeKey, vehicleID string, lat, lng float64, isOnTrip bool) error {
	prevTruckType, hadPrev, err := idx.store.Get(ctx, domain.DriverVehicleKey(transporterID))
	if err != nil {
		return errors.Wrap(err, "presence update: read reverse truck-type map")
	}
	if hadPrev && prevTruckType != truckTypeKey {
		if err := idx.store.GeoRemove(ctx, domain.GeoDriversKey(prevTruckType), transporterID); err != nil {
			return errors.Wrap(err, "presence update: remove stale geo entry")
		}
	}
	if isOnTrip {
		if err := idx.store.GeoRemove(ctx, domain.GeoDriversKey(truckTypeKey), transporterID); err != nil {
			return errors.Wrap(err, "presence update: remove on-trip geo entry")
		}
	} else {
		if err := idx.store.GeoAdd(ctx, domain.GeoDriversKey(truckTypeKey), transporterID, lng, lat); err != nil {
			return errors.Wrap(err, "presence update: geo add")
		}
	}
	if err := idx.store.Set(ctx, domain.DriverVehicleKey(transporterID), truckTypeKey, idx.cfg.PresenceTTL); err != nil {
		return errors.Wrap(err, "presence update: reverse truck-type map")
	}

	entry := domain.PresenceEntry{
		TransporterID: transporterID,
		TruckTypeKey:  truckTypeKey,
		VehicleID:     vehicleID,
		Lat:           lat,
		Lng:           lng,
		IsOnTrip:      isOnTrip,
		LastSeen:      time.Now(),
	}
	if err := idx.details.Set(ctx, domain.DriverDetailsKey(transporterID), entry, idx.cfg.PresenceTTL); err != nil {
		return errors.Wrap(err, "presence update: detail hash")
	}

	wasOnline, err := idx.store.SIsMember(ctx, domain.OnlineTransportersKey, transporterID)
	if err != nil {
		return errors.Wrap(err, "presence update: online set check")
	}
	if err := idx.store.SAdd(ctx, domain.OnlineTransportersKey, transporterID); err != nil {
		return errors.Wrap(err, "presence update: online set add")
	}

	if !wasOnline && idx.onOnline != nil {
		hook := idx.onOnline
		concurrency.SafeGo(ctx, func() { hook(context.WithoutCancel(ctx), transporterID) })
	}
	return nil
}

// Touch extends a transporter's presence TTL from a heartbeat, but only if
// the entry already exists. This is the guard against the "ghost-online"
// bug from spec §4.4: a heartbeat that lands after the transporter has
// already toggled offline must not revive their presence.
func (idx *Index) Touch(ctx context.Context, transporterID string, lat, lng float64) (bool, error) {
	var entry domain.PresenceEntry
	if err := idx.details.Get(ctx, domain.DriverDetailsKey(transporterID), &entry); err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "presence touch: detail hash lookup")
	}
	if err := idx.Update(ctx, transporterID, entry.TruckTypeKey, entry.VehicleID, lat, lng, entry.IsOnTrip); err != nil {
		return false, err
	}
	return true, nil
}

// Reconnect implements spec §4.4's reconnection rule: if the durable
// is_available flag is true but the transporter has no live presence
// entry, re-create one so they start receiving broadcasts again without an
// explicit toggle. lastLat/lastLng are a best-effort last-known position;
// the next heartbeat will refresh them.
func (idx *Index) Reconnect(ctx context.Context, transporterID, truckTypeKey, vehicleID string, lastLat, lastLng float64) error {
	return idx.Update(ctx, transporterID, truckTypeKey, vehicleID, lastLat, lastLng, false)
}

// Offline removes a transporter from the geo index, the online set, and the
// detail hash.
func (idx *Index) Offline(ctx context.Context, transporterID string) error {
	truckTypeKey, had, err := idx.store.Get(ctx, domain.DriverVehicleKey(transporterID))
	if err != nil {
		return errors.Wrap(err, "presence offline: read reverse truck-type map")
	}
	if had {
		if err := idx.store.GeoRemove(ctx, domain.GeoDriversKey(truckTypeKey), transporterID); err != nil {
			return errors.Wrap(err, "presence offline: geo remove")
		}
	}
	if err := idx.store.Del(ctx, domain.DriverVehicleKey(transporterID)); err != nil {
		return errors.Wrap(err, "presence offline: reverse map delete")
	}
	if err := idx.store.SRem(ctx, domain.OnlineTransportersKey, transporterID); err != nil {
		return errors.Wrap(err, "presence offline: online set remove")
	}
	if err := idx.details.Delete(ctx, domain.DriverDetailsKey(transporterID)); err != nil {
		return errors.Wrap(err, "presence offline: detail hash delete")
	}
	return nil
}

// Nearest returns online, not-on-trip transporter ids of truckTypeKey within
// radiusKm of (lat,lng), nearest first, capped at limit. Geo stragglers,
// entries whose detail hash has already expired, are lazily swept off the
// index as they're encountered.
func (idx *Index) Nearest(ctx context.Context, truckTypeKey string, lat, lng, radiusKm float64, limit int) ([]string, error) {
	want := limit * idx.cfg.searchOverscan
	if want < limit {
		want = limit
	}
	candidates, err := idx.store.GeoSearch(ctx, domain.GeoDriversKey(truckTypeKey), lng, lat, radiusKm, want)
	if err != nil {
		return nil, errors.Wrap(err, "presence nearest: geo search")
	}

	out := make([]string, 0, limit)
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		var entry domain.PresenceEntry
		if err := idx.details.Get(ctx, domain.DriverDetailsKey(c.Member), &entry); err != nil {
			if errors.Is(err, errors.CodeNotFound) {
				if rmErr := idx.store.GeoRemove(ctx, domain.GeoDriversKey(truckTypeKey), c.Member); rmErr != nil {
					logger.L().WarnContext(ctx, "presence nearest: failed to sweep stale geo entry", "transporter_id", c.Member, "error", rmErr)
				}
				continue
			}
			return nil, errors.Wrap(err, "presence nearest: detail hash lookup")
		}
		if entry.IsOnTrip {
			continue
		}
		out = append(out, c.Member)
	}
	return out, nil
}

// OnlineFilter returns the subset of ids currently online. When the online
// set itself looks empty (which may mean "really empty" or "just
// restarted") it falls back to a durable point read per id.
func (idx *Index) OnlineFilter(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	members, err := idx.store.SMembers(ctx, domain.OnlineTransportersKey)
	if err != nil {
		return nil, errors.Wrap(err, "presence online_filter: read online set")
	}
	if len(members) == 0 {
		return idx.onlineFilterFallback(ctx, ids)
	}

	online := make(map[string]struct{}, len(members))
	for _, m := range members {
		online[m] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := online[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (idx *Index) onlineFilterFallback(ctx context.Context, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		available, err := idx.durable.IsTransporterAvailable(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "presence online_filter: durable fallback")
		}
		if available {
			out = append(out, id)
		}
	}
	return out, nil
}

// SweepStale runs one pass of the staleness sweep: members of the online
// set whose detail hash has already expired are dropped from the online
// set and the geo index, and the durable availability flag is corrected.
func (idx *Index) SweepStale(ctx context.Context) error {
	members, err := idx.store.SMembers(ctx, domain.OnlineTransportersKey)
	if err != nil {
		return errors.Wrap(err, "presence sweep: read online set")
	}
	for _, id := range members {
		var entry domain.PresenceEntry
		err := idx.details.Get(ctx, domain.DriverDetailsKey(id), &entry)
		if err == nil {
			continue
		}
		if !errors.Is(err, errors.CodeNotFound) {
			logger.L().ErrorContext(ctx, "presence sweep: detail hash lookup failed", "transporter_id", id, "error", err)
			continue
		}

		if truckTypeKey, had, gerr := idx.store.Get(ctx, domain.DriverVehicleKey(id)); gerr == nil && had {
			if rmErr := idx.store.GeoRemove(ctx, domain.GeoDriversKey(truckTypeKey), id); rmErr != nil {
				logger.L().WarnContext(ctx, "presence sweep: geo remove failed", "transporter_id", id, "error", rmErr)
			}
		}
		if err := idx.store.Del(ctx, domain.DriverVehicleKey(id)); err != nil {
			logger.L().WarnContext(ctx, "presence sweep: reverse map delete failed", "transporter_id", id, "error", err)
		}
		if err := idx.store.SRem(ctx, domain.OnlineTransportersKey, id); err != nil {
			return errors.Wrap(err, "presence sweep: online set remove")
		}
		if err := idx.durable.SetTransporterAvailability(ctx, id, false); err != nil {
			logger.L().ErrorContext(ctx, "presence sweep: durable availability update failed", "transporter_id", id, "error", err)
		}
	}
	return nil
}

// RunSweepLoop runs SweepStale on a ticker, guarded by the named
// presence-sweep lock so the sweep is effectively singleton cluster-wide
// regardless of how many instances are running it. Blocks until ctx is
// cancelled.
func (idx *Index) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(idx.cfg.SweepInterval)
	defer ticker.Stop()
	lock := idx.store.NewLock(domain.LockKey(domain.LockPresenceSweep), idx.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acquired, err := lock.Acquire(ctx)
			if err != nil {
				logger.L().ErrorContext(ctx, "presence sweep: lock acquire failed", "error", err)
				continue
			}
			if !acquired {
				continue
			}
			if err := idx.SweepStale(ctx); err != nil {
				logger.L().ErrorContext(ctx, "presence sweep pass failed", "error", err)
			}
			if err := lock.Release(ctx); err != nil {
				logger.L().WarnContext(ctx, "presence sweep: lock release failed", "error", err)
			}
		}
	}
}
