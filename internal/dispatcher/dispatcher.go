// Package dispatcher implements the progressive-radius broadcast: the
// initial match at booking creation, each radius expansion driven by the
// Timer Engine, the database-wide fallback, and re-broadcast to a
// transporter that just came online.
package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/logger"
	"github.com/weelo/dispatch-core/pkg/sharedstore"

	"github.com/weelo/dispatch-core/internal/domain"
)

// RadiusStep is one entry of the progressive expansion table.
type RadiusStep struct {
	RadiusKm float64
	Timeout  time.Duration
}

// DefaultSteps is the step table named in spec §4.6.
func DefaultSteps() []RadiusStep {
	return []RadiusStep{
		{RadiusKm: 10, Timeout: 15 * time.Second},
		{RadiusKm: 25, Timeout: 15 * time.Second},
		{RadiusKm: 50, Timeout: 15 * time.Second},
		{RadiusKm: 75, Timeout: 15 * time.Second},
	}
}

// Config carries the dispatcher's tunables, per spec §6.
type Config struct {
	Steps           []RadiusStep
	NPerStep        int           `env:"RADIUS_N_PER_STEP" env-default:"20"`
	DispatchHorizon time.Duration `env:"BROADCAST_TIMEOUT_SECONDS" env-default:"120s"`
	// RebroadcastMaxAge bounds how old a booking may be for the
	// coming-online rebroadcast, per §4.7.
	RebroadcastMaxAge time.Duration `env:"REBROADCAST_MAX_AGE" env-default:"30m"`
	// RebroadcastCap bounds how many bookings a single coming-online
	// event rebroadcasts, per §4.7.
	RebroadcastCap int `env:"REBROADCAST_CAP" env-default:"20"`
}

// PresenceIndex is the narrow surface of internal/presence.Index the
// dispatcher needs.
type PresenceIndex interface {
	Nearest(ctx context.Context, truckTypeKey string, lat, lng, radiusKm float64, limit int) ([]string, error)
	OnlineFilter(ctx context.Context, ids []string) ([]string, error)
}

// DurableLookup is the narrow surface of internal/durable.Store the
// dispatcher needs for the DB-wide fallback, radius-timer re-reads and the
// re-broadcast scan.
type DurableLookup interface {
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	TransportersByVehicleType(ctx context.Context, vehicleType string) ([]string, error)
	ActiveBookingsByVehicleType(ctx context.Context, vehicleType string) ([]domain.Booking, error)
}

// TimerScheduler is the narrow surface of internal/timer.Engine the
// dispatcher needs.
type TimerScheduler interface {
	Schedule(ctx context.Context, key, payload string, expiresAt time.Time) error
	Cancel(ctx context.Context, key string) error
}

// Emitter is the narrow surface of internal/delivery.Hub the dispatcher
// needs, kept as a local interface so this package never imports delivery.
type Emitter interface {
	Emit(ctx context.Context, room string, event domain.EventName, data interface{}) error
}

// Dispatcher implements the progressive radius expansion and re-broadcast.
type Dispatcher struct {
	store    sharedstore.Store
	presence PresenceIndex
	durable  DurableLookup
	timers   TimerScheduler
	emit     Emitter
	cfg      Config
}

func New(store sharedstore.Store, presenceIdx PresenceIndex, durable DurableLookup, timers TimerScheduler, emit Emitter, cfg Config) *Dispatcher {
	if len(cfg.Steps) == 0 {
		cfg.Steps = DefaultSteps()
	}
	if cfg.NPerStep <= 0 {
		cfg.NPerStep = 20
	}
	if cfg.DispatchHorizon <= 0 {
		cfg.DispatchHorizon = 120 * time.Second
	}
	if cfg.RebroadcastMaxAge <= 0 {
		cfg.RebroadcastMaxAge = 30 * time.Minute
	}
	if cfg.RebroadcastCap <= 0 {
		cfg.RebroadcastCap = 20
	}
	return &Dispatcher{store: store, presence: presenceIdx, durable: durable, timers: timers, emit: emit, cfg: cfg}
}

// InitialMatch resolves step 1's match set inline at booking creation. If
// nothing is online nearby it falls back to every transporter of the
// matching vehicle type intersected with the online set, and reports that
// further radius expansion must be skipped since the fallback already
// notified everyone reachable.
func (d *Dispatcher) InitialMatch(ctx context.Context, b *domain.Booking) (matched []string, skipExpansion bool, err error) {
	matched, err = d.presence.Nearest(ctx, b.VehicleType, b.Pickup.Lat, b.Pickup.Lng, d.cfg.Steps[0].RadiusKm, d.cfg.NPerStep)
	if err != nil {
		return nil, false, errors.Wrap(err, "dispatcher initial match: presence nearest")
	}
	if len(matched) > 0 {
		return matched, false, nil
	}

	allOfType, err := d.durable.TransportersByVehicleType(ctx, b.VehicleType)
	if err != nil {
		return nil, false, errors.Wrap(err, "dispatcher initial match: durable fallback listing")
	}
	online, err := d.presence.OnlineFilter(ctx, allOfType)
	if err != nil {
		return nil, false, errors.Wrap(err, "dispatcher initial match: online filter")
	}
	return online, true, nil
}

// FanOutInitial broadcasts to matched at step 0, records them in the
// notified set, and, unless skipExpansion is set, schedules the first
// radius timer. Returns the notified-set write errors as retried-once-and-
// logged per spec §7's non-critical-path policy; it never blocks the
// broadcast on that failure.
func (d *Dispatcher) FanOutInitial(ctx context.Context, b *domain.Booking, matched []string, skipExpansion bool) error {
	if err := d.broadcastTo(ctx, b, matched, 0, false); err != nil {
		return errors.Wrap(err, "dispatcher fan out initial")
	}
	if skipExpansion {
		return nil
	}

	state := domain.RadiusState{
		BookingID:        b.ID,
		CustomerID:       b.CustomerID,
		TruckTypeKey:     b.VehicleType,
		PickupLat:        b.Pickup.Lat,
		PickupLng:        b.Pickup.Lng,
		CurrentStepIndex: 0,
	}
	return d.scheduleRadiusTimer(ctx, state, d.cfg.Steps[0].Timeout)
}

// HandleRadiusTimer is the timer.Handler registered for the "timer:radius:"
// prefix: re-read the booking, stop and wipe radius state if it is
// terminal or fully filled, otherwise run one expansion step.
func (d *Dispatcher) HandleRadiusTimer(ctx context.Context, key, payload string) error {
	var state domain.RadiusState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return errors.Wrap(err, "radius timer: decode payload")
	}

	b, err := d.durable.GetBooking(ctx, state.BookingID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return d.wipeRadiusState(ctx, state.BookingID)
		}
		return errors.Wrap(err, "radius timer: re-read booking")
	}
	if b.Status.IsTerminal() {
		return d.wipeRadiusState(ctx, state.BookingID)
	}

	return d.expand(ctx, b, state)
}

func (d *Dispatcher) expand(ctx context.Context, b *domain.Booking, state domain.RadiusState) error {
	nextIndex := state.CurrentStepIndex + 1
	if nextIndex >= len(d.cfg.Steps) {
		return d.expandDBFallback(ctx, b, state)
	}

	step := d.cfg.Steps[nextIndex]
	candidates, err := d.presence.Nearest(ctx, state.TruckTypeKey, state.PickupLat, state.PickupLng, step.RadiusKm, d.cfg.NPerStep)
	if err != nil {
		return errors.Wrap(err, "radius expand: presence nearest")
	}

	fresh, err := d.dedupeAgainstNotified(ctx, state.BookingID, candidates)
	if err != nil {
		return errors.Wrap(err, "radius expand: dedupe notified set")
	}

	if len(fresh) > 0 {
		if err := d.emitAndRecordNotified(ctx, b, fresh, nextIndex, false); err != nil {
			return errors.Wrap(err, "radius expand: broadcast new candidates")
		}
	}

	state.CurrentStepIndex = nextIndex
	return d.scheduleRadiusTimer(ctx, state, step.Timeout)
}

func (d *Dispatcher) expandDBFallback(ctx context.Context, b *domain.Booking, state domain.RadiusState) error {
	allOfType, err := d.durable.TransportersByVehicleType(ctx, state.TruckTypeKey)
	if err != nil {
		return errors.Wrap(err, "radius db fallback: list transporters")
	}
	online, err := d.presence.OnlineFilter(ctx, allOfType)
	if err != nil {
		return errors.Wrap(err, "radius db fallback: online filter")
	}
	fresh, err := d.dedupeAgainstNotified(ctx, state.BookingID, online)
	if err != nil {
		return errors.Wrap(err, "radius db fallback: dedupe notified set")
	}
	if len(fresh) > 0 {
		if err := d.emitAndRecordNotified(ctx, b, fresh, len(d.cfg.Steps)-1, false); err != nil {
			return errors.Wrap(err, "radius db fallback: broadcast")
		}
	}
	return d.wipeRadiusState(ctx, state.BookingID)
}

// RebroadcastToTransporter implements §4.7: a transporter that just came
// online receives a one-shot NEW_BROADCAST for every active/partially
// filled booking of its truck type, capped and age-bounded.
func (d *Dispatcher) RebroadcastToTransporter(ctx context.Context, transporterID, truckTypeKey string) {
	bookings, err := d.durable.ActiveBookingsByVehicleType(ctx, truckTypeKey)
	if err != nil {
		logger.L().ErrorContext(ctx, "rebroadcast: list active bookings failed", "transporter_id", transporterID, "error", err)
		return
	}

	now := time.Now()
	sent := 0
	for _, b := range bookings {
		if sent >= d.cfg.RebroadcastCap {
			break
		}
		if now.After(b.ExpiresAt) {
			continue
		}
		if now.Sub(b.CreatedAt) > d.cfg.RebroadcastMaxAge {
			continue
		}

		already, err := d.store.SIsMember(ctx, domain.NotifiedSetKey(b.ID), transporterID)
		if err != nil {
			logger.L().ErrorContext(ctx, "rebroadcast: notified-set check failed", "booking_id", b.ID, "error", err)
			continue
		}
		if already {
			continue
		}

		booking := b
		if err := d.emitAndRecordNotified(ctx, &booking, []string{transporterID}, -1, true); err != nil {
			logger.L().ErrorContext(ctx, "rebroadcast: emit failed", "booking_id", b.ID, "transporter_id", transporterID, "error", err)
			continue
		}
		sent++
	}
}

func (d *Dispatcher) broadcastTo(ctx context.Context, b *domain.Booking, transporterIDs []string, stepIndex int, isRebroadcast bool) error {
	return d.emitAndRecordNotified(ctx, b, transporterIDs, stepIndex, isRebroadcast)
}

func (d *Dispatcher) emitAndRecordNotified(ctx context.Context, b *domain.Booking, transporterIDs []string, stepIndex int, isRebroadcast bool) error {
	payload := domain.BuildBroadcastPayload(b, time.Now(), stepIndex, isRebroadcast)
	for _, id := range transporterIDs {
		if err := d.emit.Emit(ctx, domain.RoomUser(id), domain.EventNewBroadcast, payload); err != nil {
			logger.L().ErrorContext(ctx, "broadcast emit failed", "booking_id", b.ID, "transporter_id", id, "error", err)
			continue
		}
		if err := d.recordNotified(ctx, b.ID, id); err != nil {
			logger.L().ErrorContext(ctx, "notified-set write failed after retry, continuing", "booking_id", b.ID, "transporter_id", id, "error", err)
		}
	}
	return nil
}

// recordNotified appends transporterID to the booking's notified set,
// retrying once on failure and logging rather than blocking the broadcast,
// per spec §7's non-critical-path policy.
func (d *Dispatcher) recordNotified(ctx context.Context, bookingID, transporterID string) error {
	key := domain.NotifiedSetKey(bookingID)
	ttl := d.cfg.DispatchHorizon + 30*time.Second

	err := d.store.SAdd(ctx, key, transporterID)
	if err != nil {
		err = d.store.SAdd(ctx, key, transporterID)
	}
	if err != nil {
		return err
	}
	if err := d.store.Expire(ctx, key, ttl); err != nil {
		logger.L().WarnContext(ctx, "notified-set ttl refresh failed", "booking_id", bookingID, "error", err)
	}
	return nil
}

func (d *Dispatcher) dedupeAgainstNotified(ctx context.Context, bookingID string, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	notified, err := d.store.SMembers(ctx, domain.NotifiedSetKey(bookingID))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(notified))
	for _, id := range notified {
		seen[id] = struct{}{}
	}
	fresh := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := seen[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

func (d *Dispatcher) scheduleRadiusTimer(ctx context.Context, state domain.RadiusState, timeout time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal radius state")
	}
	expiresAt := time.Now().Add(timeout)
	if err := d.store.Set(ctx, domain.RadiusStepKey(state.BookingID), strconv.Itoa(state.CurrentStepIndex), d.cfg.DispatchHorizon+30*time.Second); err != nil {
		logger.L().WarnContext(ctx, "radius step marker write failed", "booking_id", state.BookingID, "error", err)
	}
	return d.timers.Schedule(ctx, domain.RadiusTimerKey(state.BookingID), string(payload), expiresAt)
}

// wipeRadiusState cancels the radius timer and clears the step marker, per
// §4.6 "wipe radius state" on reaching a terminal condition or exhausting
// the step table.
func (d *Dispatcher) wipeRadiusState(ctx context.Context, bookingID string) error {
	if err := d.timers.Cancel(ctx, domain.RadiusTimerKey(bookingID)); err != nil {
		return errors.Wrap(err, "wipe radius state: cancel timer")
	}
	if err := d.store.Del(ctx, domain.RadiusStepKey(bookingID)); err != nil {
		return errors.Wrap(err, "wipe radius state: delete step marker")
	}
	return nil
}

// WipeRadiusState exposes wipeRadiusState to internal/lifecycle, which
// calls it when a booking reaches a terminal or fully-filled state while a
// radius timer may still be pending.
func (d *Dispatcher) WipeRadiusState(ctx context.Context, bookingID string) error {
	return d.wipeRadiusState(ctx, bookingID)
}

