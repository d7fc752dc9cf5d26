// Package lifecycle implements the Lifecycle Engine: the booking state
// machine of spec §4.5 (create, cancel, acceptance and timeout) together
// with its idempotency and single-in-flight guards. Every transition is an
// atomic conditional update against internal/durable.Store; the decision of
// what happened is always the update's own return value, never a prior
// read (spec §5's ordering guarantee).
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/weelo/dispatch-core/pkg/concurrency"
	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/logger"
	"github.com/weelo/dispatch-core/pkg/messaging"
	"github.com/weelo/dispatch-core/pkg/sharedstore"

	"github.com/weelo/dispatch-core/internal/domain"
	"github.com/weelo/dispatch-core/internal/durable"
)

// Config carries the tunables named in spec §6.
type Config struct {
	DispatchHorizon      time.Duration `env:"BROADCAST_TIMEOUT_SECONDS" env-default:"120s"`
	CreateLockTTL        time.Duration `env:"CUSTOMER_CREATE_LOCK_TTL" env-default:"10s"`
	IdempotencySafety    time.Duration `env:"IDEMPOTENCY_SAFETY_MARGIN" env-default:"30s"`
	SingleInFlightSafety time.Duration `env:"SINGLE_IN_FLIGHT_SAFETY_MARGIN" env-default:"60s"`
}

// DispatcherOps is the narrow surface of internal/dispatcher.Dispatcher the
// Lifecycle Engine needs: resolving and fanning out the initial match set,
// and wiping radius state when a booking reaches a terminal condition. Kept
// as a local interface so this package never imports internal/delivery and
// internal/dispatcher never imports internal/lifecycle (spec §9's no
// bidirectional imports).
type DispatcherOps interface {
	InitialMatch(ctx context.Context, b *domain.Booking) (matched []string, skipExpansion bool, err error)
	FanOutInitial(ctx context.Context, b *domain.Booking, matched []string, skipExpansion bool) error
	WipeRadiusState(ctx context.Context, bookingID string) error
}

// TimerScheduler is the narrow surface of internal/timer.Engine the
// Lifecycle Engine needs for the per-booking expiry timer.
type TimerScheduler interface {
	Schedule(ctx context.Context, key, payload string, expiresAt time.Time) error
	Cancel(ctx context.Context, key string) error
}

// Emitter is the narrow surface of internal/delivery.Hub the Lifecycle
// Engine needs to push events to customers and transporters.
type Emitter interface {
	Emit(ctx context.Context, room string, event domain.EventName, data interface{}) error
}

// Engine is the Lifecycle Engine.
type Engine struct {
	durable    durable.Store
	store      sharedstore.Store
	dispatcher DispatcherOps
	timers     TimerScheduler
	emit       Emitter
	audit      messaging.Producer
	cfg        Config
}

// New builds a Lifecycle Engine. audit may be nil, in which case the
// create/cancel/accept/timeout audit trail is skipped, useful for tests
// that don't care about it.
func New(store sharedstore.Store, db durable.Store, dispatcher DispatcherOps, timers TimerScheduler, emit Emitter, audit messaging.Producer, cfg Config) *Engine {
	if cfg.DispatchHorizon <= 0 {
		cfg.DispatchHorizon = 120 * time.Second
	}
	if cfg.CreateLockTTL <= 0 {
		cfg.CreateLockTTL = 10 * time.Second
	}
	if cfg.IdempotencySafety <= 0 {
		cfg.IdempotencySafety = 30 * time.Second
	}
	if cfg.SingleInFlightSafety <= 0 {
		cfg.SingleInFlightSafety = 60 * time.Second
	}
	return &Engine{durable: db, store: store, dispatcher: dispatcher, timers: timers, emit: emit, audit: audit, cfg: cfg}
}

// CreateResult is the response shape the HTTP surface needs from Create.
type CreateResult struct {
	Booking                  *domain.Booking
	MatchingTransportersCount int
	TimeoutSeconds           int
	Idempotent               bool
}

// Create implements spec §4.5's create flow.
func (e *Engine) Create(ctx context.Context, req domain.CreateRequest) (*CreateResult, error) {
	if req.TrucksNeeded <= 0 {
		return nil, errors.InvalidArgument("trucks_needed must be positive", nil)
	}

	fp := fingerprint(req)
	if existing, matchCount, ok, err := e.probeIdempotency(ctx, req.CustomerID, fp); err != nil {
		return nil, err
	} else if ok {
		return &CreateResult{Booking: existing, MatchingTransportersCount: matchCount, TimeoutSeconds: int(e.cfg.DispatchHorizon.Seconds()), Idempotent: true}, nil
	}

	lock := e.store.NewLock(domain.LockKey(domain.CustomerBroadcastCreateLock(req.CustomerID)), e.cfg.CreateLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create: lock acquire")
	}
	if !acquired {
		return nil, errors.New(errors.CodeConflict, "a broadcast creation is already in progress for this customer", nil)
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			logger.L().WarnContext(ctx, "create: lock release failed", "customer_id", req.CustomerID, "error", rerr)
		}
	}()

	now := time.Now()
	booking := &domain.Booking{
		ID:             uuid.NewString(),
		CustomerID:     req.CustomerID,
		CustomerName:   req.CustomerName,
		CustomerPhone:  req.CustomerPhone,
		Pickup:         req.Pickup,
		Drop:           req.Drop,
		VehicleType:    req.VehicleType,
		VehicleSubtype: req.VehicleSubtype,
		TrucksNeeded:   req.TrucksNeeded,
		TrucksFilled:   0,
		PricePerTruck:  req.PricePerTruck,
		TotalAmount:    req.PricePerTruck * float64(req.TrucksNeeded),
		Goods:          req.Goods,
		WeightKg:       req.WeightKg,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      now.Add(e.cfg.DispatchHorizon),
		Status:         domain.BookingStatusCreated,
		CreatedAt:      now,
		StateChangedAt: now,
	}

	created, err := e.durable.CreateBookingIfNoActive(ctx, booking)
	if err != nil {
		return nil, errors.Wrap(err, "create: insert booking")
	}
	if !created {
		return nil, errors.New(errors.CodeOrderActiveExists, "customer already has an in-flight broadcast", nil)
	}
	e.publishAudit(ctx, "booking.created", booking.ID, map[string]interface{}{"customer_id": req.CustomerID})

	matched, skipExpansion, err := e.dispatcher.InitialMatch(ctx, booking)
	if err != nil {
		return nil, errors.Wrap(err, "create: initial match")
	}

	if len(matched) == 0 {
		if _, err := e.durable.UpdateBookingIfStatusIn(ctx, booking.ID, []domain.BookingStatus{domain.BookingStatusCreated}, map[string]interface{}{"status": string(domain.BookingStatusExpired)}); err != nil {
			logger.L().ErrorContext(ctx, "create: transition to expired failed", "booking_id", booking.ID, "error", err)
		}
		booking.Status = domain.BookingStatusExpired
		e.emitToCustomer(ctx, booking, domain.EventNoVehiclesAvailable, map[string]interface{}{"booking_id": booking.ID, "reason": "no vehicles available"})
		return &CreateResult{Booking: booking, MatchingTransportersCount: 0, TimeoutSeconds: int(e.cfg.DispatchHorizon.Seconds())}, nil
	}

	if _, err := e.durable.UpdateBookingIfStatusIn(ctx, booking.ID, []domain.BookingStatus{domain.BookingStatusCreated}, map[string]interface{}{"status": string(domain.BookingStatusBroadcasting)}); err != nil {
		return nil, errors.Wrap(err, "create: transition to broadcasting")
	}
	booking.Status = domain.BookingStatusBroadcasting

	if err := e.dispatcher.FanOutInitial(ctx, booking, matched, skipExpansion); err != nil {
		return nil, errors.Wrap(err, "create: fan out")
	}

	if err := e.writeMarkers(ctx, req.CustomerID, fp, booking.ID); err != nil {
		logger.L().ErrorContext(ctx, "create: marker write failed, retrying once", "booking_id", booking.ID, "error", err)
		if err := e.writeMarkers(ctx, req.CustomerID, fp, booking.ID); err != nil {
			logger.L().ErrorContext(ctx, "create: marker write failed after retry, continuing", "booking_id", booking.ID, "error", err)
		}
	}

	expiryPayload, err := json.Marshal(domain.BookingTimerPayload{BookingID: booking.ID})
	if err != nil {
		return nil, errors.Wrap(err, "create: marshal expiry payload")
	}
	if err := e.timers.Schedule(ctx, domain.BookingTimerKey(booking.ID), string(expiryPayload), booking.ExpiresAt); err != nil {
		return nil, errors.Wrap(err, "create: schedule expiry timer")
	}

	if _, err := e.durable.UpdateBookingIfStatusIn(ctx, booking.ID, []domain.BookingStatus{domain.BookingStatusBroadcasting}, map[string]interface{}{"status": string(domain.BookingStatusActive)}); err != nil {
		return nil, errors.Wrap(err, "create: transition to active")
	}
	booking.Status = domain.BookingStatusActive

	return &CreateResult{
		Booking:                   booking,
		MatchingTransportersCount: len(matched),
		TimeoutSeconds:            int(e.cfg.DispatchHorizon.Seconds()),
	}, nil
}

func (e *Engine) probeIdempotency(ctx context.Context, customerID, fp string) (*domain.Booking, int, bool, error) {
	bookingID, ok, err := e.store.Get(ctx, domain.IdempotencyKey(customerID, fp))
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "create: idempotency probe")
	}
	if !ok {
		return nil, 0, false, nil
	}
	booking, err := e.durable.GetBooking(ctx, bookingID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil, 0, false, nil
		}
		return nil, 0, false, errors.Wrap(err, "create: idempotency booking lookup")
	}
	if booking.Status.IsTerminal() {
		return nil, 0, false, nil
	}
	notified, err := e.store.SMembers(ctx, domain.NotifiedSetKey(booking.ID))
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "create: idempotency match count")
	}
	return booking, len(notified), true, nil
}

func (e *Engine) writeMarkers(ctx context.Context, customerID, fp, bookingID string) error {
	if err := e.store.Set(ctx, domain.IdempotencyKey(customerID, fp), bookingID, e.cfg.DispatchHorizon+e.cfg.IdempotencySafety); err != nil {
		return err
	}
	return e.store.Set(ctx, domain.CustomerActiveBroadcastKey(customerID), bookingID, e.cfg.DispatchHorizon+e.cfg.SingleInFlightSafety)
}

func (e *Engine) clearMarkers(ctx context.Context, customerID, bookingID string) {
	if err := e.store.Del(ctx, domain.CustomerActiveBroadcastKey(customerID)); err != nil {
		logger.L().WarnContext(ctx, "clear markers: single-in-flight delete failed", "booking_id", bookingID, "error", err)
	}
}

// Cancel implements spec §4.5's cancel flow.
func (e *Engine) Cancel(ctx context.Context, bookingID, requesterID string) (*domain.Booking, error) {
	existing, gerr := e.durable.GetBooking(ctx, bookingID)
	if gerr != nil {
		return nil, errors.Wrap(gerr, "cancel: read booking")
	}
	if requesterID != "" && existing.CustomerID != requesterID {
		return nil, errors.Forbidden("booking does not belong to requester", nil)
	}

	rows, err := e.durable.UpdateBookingIfStatusIn(ctx, bookingID, domain.CancellableStatuses, map[string]interface{}{"status": string(domain.BookingStatusCancelled)})
	if err != nil {
		return nil, errors.Wrap(err, "cancel: conditional update")
	}

	booking, gerr := e.durable.GetBooking(ctx, bookingID)
	if gerr != nil {
		return nil, errors.Wrap(gerr, "cancel: re-read booking")
	}

	if rows == 0 {
		if booking.Status == domain.BookingStatusCancelled {
			return booking, nil
		}
		return nil, errors.New(errors.CodeBookingCannotCancel, "booking is not in a cancellable state", nil)
	}
	booking.Status = domain.BookingStatusCancelled

	e.cleanupOnTerminal(ctx, booking)
	e.clearMarkers(ctx, booking.CustomerID, booking.ID)

	notified, err := e.store.SMembers(ctx, domain.NotifiedSetKey(booking.ID))
	if err != nil {
		logger.L().ErrorContext(ctx, "cancel: read notified set failed", "booking_id", booking.ID, "error", err)
	}
	if err := e.store.Del(ctx, domain.NotifiedSetKey(booking.ID)); err != nil {
		logger.L().WarnContext(ctx, "cancel: delete notified set failed", "booking_id", booking.ID, "error", err)
	}

	reverted, err := e.durable.CancelPendingAssignments(ctx, booking.ID)
	if err != nil {
		logger.L().ErrorContext(ctx, "cancel: revert pending assignments failed", "booking_id", booking.ID, "error", err)
	}
	for _, a := range reverted {
		if a.VehicleID != "" {
			if err := e.durable.ReleaseVehicle(ctx, a.VehicleID); err != nil {
				logger.L().ErrorContext(ctx, "cancel: release vehicle failed", "vehicle_id", a.VehicleID, "error", err)
			}
		}
	}

	e.notifyTransporters(ctx, notified, domain.EventRequestNoLongerAvailable, map[string]interface{}{"booking_id": booking.ID, "reason": "cancelled"})
	e.emitToCustomer(ctx, booking, domain.EventBookingUpdated, map[string]interface{}{"booking_id": booking.ID, "status": string(domain.BookingStatusCancelled)})
	e.publishAudit(ctx, "booking.cancelled", booking.ID, nil)

	return booking, nil
}

// AcceptResult is the response shape the acceptance path returns.
type AcceptResult struct {
	Booking    *domain.Booking
	Assignment *domain.Assignment
	FullyFilled bool
}

// Accept implements spec §4.5's acceptance flow: one transporter claims one
// truck slot of a booking.
func (e *Engine) Accept(ctx context.Context, bookingID, transporterID, vehicleID, driverID string) (*AcceptResult, error) {
	allowed := []domain.BookingStatus{domain.BookingStatusBroadcasting, domain.BookingStatusActive, domain.BookingStatusPartiallyFilled}
	applied, booking, err := e.durable.IncrementTrucksFilled(ctx, bookingID, allowed)
	if err != nil {
		return nil, errors.Wrap(err, "accept: conditional increment")
	}
	if !applied {
		return nil, errors.New(errors.CodeRequestAlreadyTaken, "the slot was just filled by someone else", nil)
	}

	assignment := &domain.Assignment{
		ID:            uuid.NewString(),
		BookingID:     bookingID,
		TransporterID: transporterID,
		VehicleID:     vehicleID,
		DriverID:      driverID,
		Status:        domain.AssignmentStatusPending,
		CreatedAt:     time.Now(),
	}
	if err := e.durable.CreateAssignment(ctx, assignment); err != nil {
		return nil, errors.Wrap(err, "accept: create assignment")
	}

	e.emitToTransporter(ctx, transporterID, domain.EventAcceptConfirmation, map[string]interface{}{"booking_id": bookingID, "assignment_id": assignment.ID})

	notified, err := e.store.SMembers(ctx, domain.NotifiedSetKey(bookingID))
	if err != nil {
		logger.L().ErrorContext(ctx, "accept: read notified set failed", "booking_id", bookingID, "error", err)
	}
	others := exclude(notified, transporterID)

	if booking.Status == domain.BookingStatusFullyFilled {
		e.cleanupOnTerminal(ctx, booking)
		e.clearMarkers(ctx, booking.CustomerID, booking.ID)

		e.emitToCustomer(ctx, booking, domain.EventBookingFullyFilled, map[string]interface{}{"booking_id": bookingID, "trucks_filled": booking.TrucksFilled})
		e.notifyTransporters(ctx, others, domain.EventRequestNoLongerAvailable, map[string]interface{}{"booking_id": bookingID, "reason": "fully_filled"})
		e.publishAudit(ctx, "booking.fully_filled", bookingID, nil)

		return &AcceptResult{Booking: booking, Assignment: assignment, FullyFilled: true}, nil
	}

	e.emitToCustomer(ctx, booking, domain.EventBookingPartiallyFilled, map[string]interface{}{
		"booking_id": bookingID, "trucks_filled": booking.TrucksFilled, "trucks_remaining": booking.RemainingTrucks(),
	})
	e.notifyTransporters(ctx, others, domain.EventTrucksRemainingUpdate, map[string]interface{}{
		"booking_id": bookingID, "trucks_remaining": booking.RemainingTrucks(),
	})
	e.publishAudit(ctx, "booking.partially_filled", bookingID, nil)

	return &AcceptResult{Booking: booking, Assignment: assignment, FullyFilled: false}, nil
}

// HandleExpiry is the timer.Handler registered for the "timer:booking:"
// prefix, per spec §4.5's timeout flow.
func (e *Engine) HandleExpiry(ctx context.Context, key, payload string) error {
	var p domain.BookingTimerPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return errors.Wrap(err, "expiry: decode payload")
	}

	booking, err := e.durable.GetBooking(ctx, p.BookingID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil
		}
		return errors.Wrap(err, "expiry: re-read booking")
	}
	return e.expire(ctx, booking)
}

// expire is shared by HandleExpiry and the startup sweep (spec §8 S5).
func (e *Engine) expire(ctx context.Context, booking *domain.Booking) error {
	if booking.Status.IsTerminal() || booking.Status == domain.BookingStatusFullyFilled {
		e.cleanupOnTerminal(ctx, booking)
		return nil
	}

	rows, err := e.durable.UpdateBookingIfStatusIn(ctx, booking.ID, domain.NonTerminalStatuses, map[string]interface{}{"status": string(domain.BookingStatusExpired)})
	if err != nil {
		return errors.Wrap(err, "expiry: conditional update")
	}
	if rows == 0 {
		// Another instance's handler, or the acceptance path, already
		// moved this booking on; re-read found it terminal above or it
		// raced us. Either way there is nothing left for us to do.
		return nil
	}
	booking.Status = domain.BookingStatusExpired

	e.cleanupOnTerminal(ctx, booking)
	e.clearMarkers(ctx, booking.CustomerID, booking.ID)

	notified, nerr := e.store.SMembers(ctx, domain.NotifiedSetKey(booking.ID))
	if nerr != nil {
		logger.L().ErrorContext(ctx, "expiry: read notified set failed", "booking_id", booking.ID, "error", nerr)
	}
	if derr := e.store.Del(ctx, domain.NotifiedSetKey(booking.ID)); derr != nil {
		logger.L().WarnContext(ctx, "expiry: delete notified set failed", "booking_id", booking.ID, "error", derr)
	}

	if booking.TrucksFilled > 0 {
		e.emitToCustomer(ctx, booking, domain.EventBookingExpired, map[string]interface{}{
			"booking_id": booking.ID, "status": "partially_filled_expired", "trucks_filled": booking.TrucksFilled,
		})
	} else {
		e.emitToCustomer(ctx, booking, domain.EventBookingExpired, map[string]interface{}{
			"booking_id": booking.ID, "status": "expired", "reason": "no vehicles accepted",
		})
	}
	e.notifyTransporters(ctx, notified, domain.EventRequestNoLongerAvailable, map[string]interface{}{"booking_id": booking.ID, "reason": "expired"})
	e.publishAudit(ctx, "booking.expired", booking.ID, map[string]interface{}{"trucks_filled": booking.TrucksFilled})

	return nil
}

// StartupSweep implements spec §8 S5: on startup, every instance scans for
// bookings whose expires_at has already passed while still non-terminal and
// drives them through timeout, since the background timer may have never
// fired if the instance that scheduled it crashed before the durable record
// could be trusted again.
func (e *Engine) StartupSweep(ctx context.Context) error {
	stale, err := e.durable.SweepExpiredBookings(ctx)
	if err != nil {
		return errors.Wrap(err, "startup sweep: list expired bookings")
	}
	for i := range stale {
		b := stale[i]
		if err := e.expire(ctx, &b); err != nil {
			logger.L().ErrorContext(ctx, "startup sweep: expire failed", "booking_id", b.ID, "error", err)
		}
	}
	logger.L().InfoContext(ctx, "startup sweep complete", "swept", len(stale))
	return nil
}

func (e *Engine) cleanupOnTerminal(ctx context.Context, booking *domain.Booking) {
	if err := e.dispatcher.WipeRadiusState(ctx, booking.ID); err != nil {
		logger.L().WarnContext(ctx, "cleanup: wipe radius state failed", "booking_id", booking.ID, "error", err)
	}
	if err := e.timers.Cancel(ctx, domain.BookingTimerKey(booking.ID)); err != nil {
		logger.L().WarnContext(ctx, "cleanup: cancel expiry timer failed", "booking_id", booking.ID, "error", err)
	}
}

func (e *Engine) emitToCustomer(ctx context.Context, b *domain.Booking, event domain.EventName, data interface{}) {
	if err := e.emit.Emit(ctx, domain.RoomUser(b.CustomerID), event, data); err != nil {
		logger.L().ErrorContext(ctx, "emit to customer failed", "booking_id", b.ID, "event", event, "error", err)
	}
}

func (e *Engine) emitToTransporter(ctx context.Context, transporterID string, event domain.EventName, data interface{}) {
	if err := e.emit.Emit(ctx, domain.RoomUser(transporterID), event, data); err != nil {
		logger.L().ErrorContext(ctx, "emit to transporter failed", "transporter_id", transporterID, "event", event, "error", err)
	}
}

func (e *Engine) notifyTransporters(ctx context.Context, ids []string, event domain.EventName, data interface{}) {
	for _, id := range ids {
		transporterID := id
		concurrency.SafeGo(ctx, func() { e.emitToTransporter(context.WithoutCancel(ctx), transporterID, event, data) })
	}
}

func (e *Engine) publishAudit(ctx context.Context, eventType, bookingID string, extra map[string]interface{}) {
	if e.audit == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{"booking_id": bookingID, "extra": extra})
	if err != nil {
		logger.L().WarnContext(ctx, "audit: marshal failed", "event_type", eventType, "error", err)
		return
	}
	msg := &messaging.Message{Topic: "dispatch.audit", Key: []byte(bookingID), Payload: payload, Headers: map[string]string{"type": eventType}}
	if err := e.audit.Publish(ctx, msg); err != nil {
		logger.L().WarnContext(ctx, "audit publish failed", "event_type", eventType, "booking_id", bookingID, "error", err)
	}
}

func exclude(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
