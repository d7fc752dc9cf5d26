package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/weelo/dispatch-core/pkg/concurrency"
	"github.com/weelo/dispatch-core/pkg/errors"
	storememory "github.com/weelo/dispatch-core/pkg/sharedstore/adapters/memory"
	"github.com/weelo/dispatch-core/pkg/test"

	"github.com/weelo/dispatch-core/internal/domain"
	"github.com/weelo/dispatch-core/internal/lifecycle"
)

type fakeDurable struct {
	mu              sync.Mutex
	bookings        map[string]*domain.Booking
	activeByCust    map[string]string
	assignments     map[string][]domain.Assignment
	released        []string
	createCalls     int
	incrementCalls  int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		bookings:     map[string]*domain.Booking{},
		activeByCust: map[string]string{},
		assignments:  map[string][]domain.Assignment{},
	}
}

func (f *fakeDurable) CreateBookingIfNoActive(ctx context.Context, b *domain.Booking) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if _, ok := f.activeByCust[b.CustomerID]; ok {
		return false, nil
	}
	cp := *b
	f.bookings[b.ID] = &cp
	f.activeByCust[b.CustomerID] = b.ID
	return true, nil
}

func (f *fakeDurable) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, errors.NotFound("booking not found", nil)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeDurable) UpdateBookingIfStatusIn(ctx context.Context, id string, allowed []domain.BookingStatus, updates map[string]interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return 0, nil
	}
	if !statusIn(b.Status, allowed) {
		return 0, nil
	}
	if st, ok := updates["status"].(string); ok {
		b.Status = domain.BookingStatus(st)
		if b.Status.IsTerminal() {
			delete(f.activeByCust, b.CustomerID)
		}
	}
	return 1, nil
}

func (f *fakeDurable) IncrementTrucksFilled(ctx context.Context, id string, allowed []domain.BookingStatus) (bool, *domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrementCalls++
	b, ok := f.bookings[id]
	if !ok {
		return false, nil, errors.NotFound("booking not found", nil)
	}
	if !statusIn(b.Status, allowed) || b.TrucksFilled >= b.TrucksNeeded {
		cp := *b
		return false, &cp, nil
	}
	b.TrucksFilled++
	if b.TrucksFilled >= b.TrucksNeeded {
		b.Status = domain.BookingStatusFullyFilled
		delete(f.activeByCust, b.CustomerID)
	} else {
		b.Status = domain.BookingStatusPartiallyFilled
	}
	cp := *b
	return true, &cp, nil
}

func (f *fakeDurable) FindActiveBookingByCustomer(ctx context.Context, customerID string) (*domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.activeByCust[customerID]
	if !ok {
		return nil, nil
	}
	cp := *f.bookings[id]
	return &cp, nil
}

func (f *fakeDurable) SweepExpiredBookings(ctx context.Context) ([]domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Booking
	for _, b := range f.bookings {
		if !b.Status.IsTerminal() && time.Now().After(b.ExpiresAt) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeDurable) TransportersByVehicleType(ctx context.Context, vehicleType string) ([]string, error) {
	return nil, nil
}

func (f *fakeDurable) ActiveBookingsByVehicleType(ctx context.Context, vehicleType string) ([]domain.Booking, error) {
	return nil, nil
}

func (f *fakeDurable) IsTransporterAvailable(ctx context.Context, transporterID string) (bool, error) {
	return false, nil
}

func (f *fakeDurable) SetTransporterAvailability(ctx context.Context, transporterID string, available bool) error {
	return nil
}

func (f *fakeDurable) GetTransporterVehicleType(ctx context.Context, transporterID string) (string, error) {
	return "", errors.NotFound("transporter not found", nil)
}

func (f *fakeDurable) CreateAssignment(ctx context.Context, a *domain.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments[a.BookingID] = append(f.assignments[a.BookingID], *a)
	return nil
}

func (f *fakeDurable) GetAssignmentsByBooking(ctx context.Context, bookingID string) ([]domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Assignment(nil), f.assignments[bookingID]...), nil
}

func (f *fakeDurable) CancelPendingAssignments(ctx context.Context, bookingID string) ([]domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reverted []domain.Assignment
	for i, a := range f.assignments[bookingID] {
		if a.Status == domain.AssignmentStatusPending {
			a.Status = domain.AssignmentStatusCancelled
			f.assignments[bookingID][i] = a
			reverted = append(reverted, a)
		}
	}
	return reverted, nil
}

func (f *fakeDurable) ReleaseVehicle(ctx context.Context, vehicleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, vehicleID)
	return nil
}

func statusIn(s domain.BookingStatus, allowed []domain.BookingStatus) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

type fakeDispatcher struct {
	mu           sync.Mutex
	matched      []string
	skip         bool
	fanOutCalls  int
	wipedBooking []string
}

func (f *fakeDispatcher) InitialMatch(ctx context.Context, b *domain.Booking) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.matched...), f.skip, nil
}

func (f *fakeDispatcher) FanOutInitial(ctx context.Context, b *domain.Booking, matched []string, skipExpansion bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fanOutCalls++
	return nil
}

func (f *fakeDispatcher) WipeRadiusState(ctx context.Context, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wipedBooking = append(f.wipedBooking, bookingID)
	return nil
}

type fakeTimers struct {
	mu        sync.Mutex
	scheduled map[string]string
	cancelled map[string]bool
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{scheduled: map[string]string{}, cancelled: map[string]bool{}}
}

func (f *fakeTimers) Schedule(ctx context.Context, key, payload string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[key] = payload
	return nil
}

func (f *fakeTimers) Cancel(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[key] = true
	delete(f.scheduled, key)
	return nil
}

type emittedEvent struct {
	room  string
	event domain.EventName
	data  interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeEmitter) Emit(ctx context.Context, room string, event domain.EventName, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{room: room, event: event, data: data})
	return nil
}

func (f *fakeEmitter) has(event domain.EventName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type LifecycleSuite struct {
	test.Suite
	durable    *fakeDurable
	dispatcher *fakeDispatcher
	timers     *fakeTimers
	emit       *fakeEmitter
	e          *lifecycle.Engine
}

func (s *LifecycleSuite) SetupTest() {
	s.Suite.SetupTest()
	s.durable = newFakeDurable()
	s.dispatcher = &fakeDispatcher{matched: []string{"t1", "t2"}}
	s.timers = newFakeTimers()
	s.emit = &fakeEmitter{}
	s.e = lifecycle.New(storememory.New(), s.durable, s.dispatcher, s.timers, s.emit, nil, lifecycle.Config{
		DispatchHorizon: time.Minute,
	})
}

func (s *LifecycleSuite) req() domain.CreateRequest {
	return domain.CreateRequest{
		CustomerID:    "cust-1",
		VehicleType:   "flatbed",
		TrucksNeeded:  2,
		PricePerTruck: 100,
		Pickup:        domain.Location{Lat: 1, Lng: 2},
		Drop:          domain.Location{Lat: 3, Lng: 4},
	}
}

func (s *LifecycleSuite) TestCreateFansOutAndBecomesActive() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)
	s.Require().False(res.Idempotent)
	s.Require().Equal(domain.BookingStatusActive, res.Booking.Status)
	s.Require().Equal(2, res.MatchingTransportersCount)
	s.Require().Equal(1, s.dispatcher.fanOutCalls)
	s.Require().Len(s.timers.scheduled, 1)
}

func (s *LifecycleSuite) TestCreateExpiresImmediatelyWhenNobodyMatches() {
	s.dispatcher.matched = nil
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)
	s.Require().Equal(domain.BookingStatusExpired, res.Booking.Status)
	s.Require().True(s.emit.has(domain.EventNoVehiclesAvailable))
	s.Require().Empty(s.timers.scheduled)
}

func (s *LifecycleSuite) TestCreateRejectsWhenCustomerAlreadyHasActiveBooking() {
	_, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	req2 := s.req()
	req2.Pickup = domain.Location{Lat: 9, Lng: 9}
	_, err = s.e.Create(s.Ctx, req2)
	s.Require().Error(err)
}

func (s *LifecycleSuite) TestCreateIsIdempotentForRepeatedRequest() {
	req := s.req()
	res1, err := s.e.Create(s.Ctx, req)
	s.Require().NoError(err)
	s.Require().False(res1.Idempotent)

	res2, err := s.e.Create(s.Ctx, req)
	s.Require().NoError(err)
	s.Require().True(res2.Idempotent)
	s.Require().Equal(res1.Booking.ID, res2.Booking.ID)
	s.Require().Equal(1, s.durable.createCalls)
}

func (s *LifecycleSuite) TestAcceptFillsOneSlotAndStaysPartiallyFilled() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	acc, err := s.e.Accept(s.Ctx, res.Booking.ID, "t1", "v1", "d1")
	s.Require().NoError(err)
	s.Require().False(acc.FullyFilled)
	s.Require().Equal(domain.BookingStatusPartiallyFilled, acc.Booking.Status)
	s.Require().True(s.emit.has(domain.EventBookingPartiallyFilled))
}

func (s *LifecycleSuite) TestAcceptSecondSlotFullyFillsAndCleansUp() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	_, err = s.e.Accept(s.Ctx, res.Booking.ID, "t1", "v1", "d1")
	s.Require().NoError(err)
	acc, err := s.e.Accept(s.Ctx, res.Booking.ID, "t2", "v2", "d2")
	s.Require().NoError(err)

	s.Require().True(acc.FullyFilled)
	s.Require().Equal(domain.BookingStatusFullyFilled, acc.Booking.Status)
	s.Require().True(s.emit.has(domain.EventBookingFullyFilled))
	s.Require().Contains(s.dispatcher.wipedBooking, res.Booking.ID)
	s.Require().True(s.timers.cancelled[domain.BookingTimerKey(res.Booking.ID)])
}

func (s *LifecycleSuite) TestAcceptRejectsWhenBookingAlreadyFull() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	_, err = s.e.Accept(s.Ctx, res.Booking.ID, "t1", "v1", "d1")
	s.Require().NoError(err)
	_, err = s.e.Accept(s.Ctx, res.Booking.ID, "t2", "v2", "d2")
	s.Require().NoError(err)

	_, err = s.e.Accept(s.Ctx, res.Booking.ID, "t3", "v3", "d3")
	s.Require().Error(err)
}

// TestConcurrentAcceptsOnSingleSlotNeverDoubleFill races 20 callers against
// a one-truck booking through pkg/concurrency.FanOut. The conditional
// increment's own RowsAffected is the only thing that may decide a winner
// (spec §5), so exactly one of them must come back FullyFilled and the rest
// must come back CodeRequestAlreadyTaken; trucks_filled must never exceed
// trucks_needed regardless of how the goroutines interleave.
func (s *LifecycleSuite) TestConcurrentAcceptsOnSingleSlotNeverDoubleFill() {
	req := s.req()
	req.TrucksNeeded = 1
	res, err := s.e.Create(s.Ctx, req)
	s.Require().NoError(err)

	const callers = 20
	var mu sync.Mutex
	wins, losses, otherErrs := 0, 0, 0

	concurrency.FanOut(s.Ctx, callers, func(i int) {
		transporterID := fmt.Sprintf("t%d", i)
		acc, err := s.e.Accept(s.Ctx, res.Booking.ID, transporterID, "v"+transporterID, "d"+transporterID)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil && acc.FullyFilled:
			wins++
		case errors.Is(err, errors.CodeRequestAlreadyTaken):
			losses++
		default:
			otherErrs++
		}
	})

	s.Require().Equal(1, wins)
	s.Require().Equal(callers-1, losses)
	s.Require().Equal(0, otherErrs)

	final, err := s.durable.GetBooking(s.Ctx, res.Booking.ID)
	s.Require().NoError(err)
	s.Require().Equal(1, final.TrucksFilled)
	s.Require().Equal(domain.BookingStatusFullyFilled, final.Status)

	assignments, err := s.durable.GetAssignmentsByBooking(s.Ctx, res.Booking.ID)
	s.Require().NoError(err)
	s.Require().Len(assignments, 1)
}

func (s *LifecycleSuite) TestCancelRevertsAssignmentsAndReleasesVehicles() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)
	_, err = s.e.Accept(s.Ctx, res.Booking.ID, "t1", "v1", "d1")
	s.Require().NoError(err)

	cancelled, err := s.e.Cancel(s.Ctx, res.Booking.ID, "cust-1")
	s.Require().NoError(err)
	s.Require().Equal(domain.BookingStatusCancelled, cancelled.Status)
	s.Require().Contains(s.durable.released, "v1")
}

func (s *LifecycleSuite) TestCancelRejectsWrongRequester() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	_, err = s.e.Cancel(s.Ctx, res.Booking.ID, "someone-else")
	s.Require().Error(err)
}

func (s *LifecycleSuite) TestCancelIsIdempotentOnAlreadyCancelledBooking() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	_, err = s.e.Cancel(s.Ctx, res.Booking.ID, "cust-1")
	s.Require().NoError(err)
	again, err := s.e.Cancel(s.Ctx, res.Booking.ID, "cust-1")
	s.Require().NoError(err)
	s.Require().Equal(domain.BookingStatusCancelled, again.Status)
}

func (s *LifecycleSuite) TestHandleExpirySetsExpiredWhenNobodyAccepted() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	payload := `{"booking":"` + res.Booking.ID + `"}`
	s.Require().NoError(s.e.HandleExpiry(s.Ctx, domain.BookingTimerKey(res.Booking.ID), payload))

	got, err := s.durable.GetBooking(s.Ctx, res.Booking.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.BookingStatusExpired, got.Status)
	s.Require().True(s.emit.has(domain.EventBookingExpired))
}

func (s *LifecycleSuite) TestHandleExpiryIsNoOpOnceAlreadyFullyFilled() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)
	_, err = s.e.Accept(s.Ctx, res.Booking.ID, "t1", "v1", "d1")
	s.Require().NoError(err)
	_, err = s.e.Accept(s.Ctx, res.Booking.ID, "t2", "v2", "d2")
	s.Require().NoError(err)

	payload := `{"booking":"` + res.Booking.ID + `"}`
	s.Require().NoError(s.e.HandleExpiry(s.Ctx, domain.BookingTimerKey(res.Booking.ID), payload))

	got, err := s.durable.GetBooking(s.Ctx, res.Booking.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.BookingStatusFullyFilled, got.Status)
}

func (s *LifecycleSuite) TestStartupSweepExpiresStaleBookings() {
	res, err := s.e.Create(s.Ctx, s.req())
	s.Require().NoError(err)

	s.durable.mu.Lock()
	s.durable.bookings[res.Booking.ID].ExpiresAt = time.Now().Add(-time.Minute)
	s.durable.mu.Unlock()

	s.Require().NoError(s.e.StartupSweep(s.Ctx))

	got, err := s.durable.GetBooking(s.Ctx, res.Booking.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.BookingStatusExpired, got.Status)
}

func TestLifecycleSuite(t *testing.T) {
	test.Run(t, new(LifecycleSuite))
}
