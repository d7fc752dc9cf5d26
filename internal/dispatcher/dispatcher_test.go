package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/weelo/dispatch-core/pkg/errors"
	storememory "github.com/weelo/dispatch-core/pkg/sharedstore/adapters/memory"
	"github.com/weelo/dispatch-core/pkg/test"

	"github.com/weelo/dispatch-core/internal/dispatcher"
	"github.com/weelo/dispatch-core/internal/domain"
)

type fakePresence struct {
	mu      sync.Mutex
	nearest []string
	online  map[string]bool
}

func (f *fakePresence) Nearest(ctx context.Context, truckTypeKey string, lat, lng, radiusKm float64, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nearest...), nil
}

func (f *fakePresence) OnlineFilter(ctx context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if f.online[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeDurableLookup struct {
	mu                  sync.Mutex
	bookings            map[string]*domain.Booking
	transportersByType  map[string][]string
	activeByVehicleType map[string][]domain.Booking
}

func newFakeDurableLookup() *fakeDurableLookup {
	return &fakeDurableLookup{
		bookings:            map[string]*domain.Booking{},
		transportersByType:  map[string][]string{},
		activeByVehicleType: map[string][]domain.Booking{},
	}
}

func (f *fakeDurableLookup) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, errors.NotFound("booking not found", nil)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeDurableLookup) TransportersByVehicleType(ctx context.Context, vehicleType string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transportersByType[vehicleType]...), nil
}

func (f *fakeDurableLookup) ActiveBookingsByVehicleType(ctx context.Context, vehicleType string) ([]domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Booking(nil), f.activeByVehicleType[vehicleType]...), nil
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

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type DispatcherSuite struct {
	test.Suite
	presence *fakePresence
	durable  *fakeDurableLookup
	timers   *fakeTimers
	emit     *fakeEmitter
	d        *dispatcher.Dispatcher
}

func (s *DispatcherSuite) SetupTest() {
	s.Suite.SetupTest()
	s.presence = &fakePresence{online: map[string]bool{}}
	s.durable = newFakeDurableLookup()
	s.timers = newFakeTimers()
	s.emit = &fakeEmitter{}
	s.d = dispatcher.New(storememory.New(), s.presence, s.durable, s.timers, s.emit, dispatcher.Config{
		Steps: []dispatcher.RadiusStep{
			{RadiusKm: 10, Timeout: time.Second},
			{RadiusKm: 25, Timeout: time.Second},
		},
		NPerStep: 20,
	})
}

func (s *DispatcherSuite) booking(id string) *domain.Booking {
	return &domain.Booking{
		ID:           id,
		CustomerID:   "cust-1",
		VehicleType:  "flatbed",
		Pickup:       domain.Location{Lat: 1, Lng: 2},
		TrucksNeeded: 2,
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
		Status:       domain.BookingStatusBroadcasting,
	}
}

func (s *DispatcherSuite) TestInitialMatchUsesNearestWhenAvailable() {
	s.presence.nearest = []string{"t1", "t2"}
	matched, skip, err := s.d.InitialMatch(s.Ctx, s.booking("b1"))
	s.Require().NoError(err)
	s.Require().False(skip)
	s.Require().ElementsMatch([]string{"t1", "t2"}, matched)
}

func (s *DispatcherSuite) TestInitialMatchFallsBackToDurableWhenNobodyNearby() {
	s.durable.transportersByType["flatbed"] = []string{"t1", "t2", "t3"}
	s.presence.online = map[string]bool{"t1": true, "t3": true}

	matched, skip, err := s.d.InitialMatch(s.Ctx, s.booking("b1"))
	s.Require().NoError(err)
	s.Require().True(skip)
	s.Require().ElementsMatch([]string{"t1", "t3"}, matched)
}

func (s *DispatcherSuite) TestFanOutInitialSchedulesRadiusTimerUnlessSkipped() {
	b := s.booking("b1")
	s.Require().NoError(s.d.FanOutInitial(s.Ctx, b, []string{"t1"}, false))
	s.Require().Equal(1, s.emit.count())
	s.Require().Len(s.timers.scheduled, 1)
}

func (s *DispatcherSuite) TestFanOutInitialSkipsTimerWhenFallbackAlreadyNotifiedEveryone() {
	b := s.booking("b1")
	s.Require().NoError(s.d.FanOutInitial(s.Ctx, b, []string{"t1"}, true))
	s.Require().Equal(1, s.emit.count())
	s.Require().Empty(s.timers.scheduled)
}

func (s *DispatcherSuite) TestHandleRadiusTimerWipesStateWhenBookingTerminal() {
	b := s.booking("b1")
	b.Status = domain.BookingStatusCancelled
	s.durable.bookings[b.ID] = b

	payload := `{"booking":"b1","truck_type_key":"flatbed","current_step_index":0}`

	s.Require().NoError(s.d.HandleRadiusTimer(s.Ctx, domain.RadiusTimerKey(b.ID), payload))
	s.Require().Equal(0, s.emit.count())
	s.Require().True(s.timers.cancelled[domain.RadiusTimerKey(b.ID)])
}

func (s *DispatcherSuite) TestHandleRadiusTimerExpandsWithRealBookingData() {
	b := s.booking("b1")
	b.TrucksFilled = 1
	s.durable.bookings[b.ID] = b
	s.presence.nearest = []string{"t9"}

	payload := `{"booking":"b1","truck_type_key":"flatbed","pickup_lat":1,"pickup_lng":2,"current_step_index":0}`
	s.Require().NoError(s.d.HandleRadiusTimer(s.Ctx, domain.RadiusTimerKey(b.ID), payload))

	s.Require().Equal(1, s.emit.count())
	ev := s.emit.events[0]
	bp, ok := ev.data.(domain.BroadcastPayload)
	s.Require().True(ok)
	s.Require().Equal(2, bp.TrucksNeeded)
	s.Require().Equal(1, bp.TrucksFilled)
	s.Require().Len(s.timers.scheduled, 1)
}

func (s *DispatcherSuite) TestHandleRadiusTimerFallsBackToDBWhenStepsExhausted() {
	b := s.booking("b1")
	s.durable.bookings[b.ID] = b
	s.durable.transportersByType["flatbed"] = []string{"t1", "t2"}
	s.presence.online = map[string]bool{"t1": true, "t2": true}

	payload := `{"booking":"b1","truck_type_key":"flatbed","pickup_lat":1,"pickup_lng":2,"current_step_index":1}`
	s.Require().NoError(s.d.HandleRadiusTimer(s.Ctx, domain.RadiusTimerKey(b.ID), payload))

	s.Require().Equal(2, s.emit.count())
	s.Require().True(s.timers.cancelled[domain.RadiusTimerKey(b.ID)])
}

func (s *DispatcherSuite) TestRebroadcastToTransporterRespectsCapAndAge() {
	s.d = dispatcher.New(storememory.New(), s.presence, s.durable, s.timers, s.emit, dispatcher.Config{
		RebroadcastCap:    1,
		RebroadcastMaxAge: time.Hour,
	})
	fresh := s.booking("b1")
	stale := s.booking("b2")
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)
	s.durable.activeByVehicleType["flatbed"] = []domain.Booking{*fresh, *stale}

	s.d.RebroadcastToTransporter(s.Ctx, "t1", "flatbed")
	s.Require().Equal(1, s.emit.count())
	s.Require().Equal("user:t1", s.emit.events[0].room)
}

func TestDispatcherSuite(t *testing.T) {
	test.Run(t, new(DispatcherSuite))
}
