package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	cachememory "github.com/weelo/dispatch-core/pkg/cache/adapters/memory"
	storememory "github.com/weelo/dispatch-core/pkg/sharedstore/adapters/memory"
	"github.com/weelo/dispatch-core/pkg/test"

	"github.com/weelo/dispatch-core/internal/presence"
)

type fakeDurable struct {
	mu        sync.Mutex
	available map[string]bool
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{available: make(map[string]bool)}
}

func (f *fakeDurable) IsTransporterAvailable(ctx context.Context, transporterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[transporterID], nil
}

func (f *fakeDurable) SetTransporterAvailability(ctx context.Context, transporterID string, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[transporterID] = available
	return nil
}

func (f *fakeDurable) TransportersByVehicleType(ctx context.Context, vehicleType string) ([]string, error) {
	return nil, nil
}

type PresenceSuite struct {
	test.Suite
	idx     *presence.Index
	durable *fakeDurable
}

func (s *PresenceSuite) SetupTest() {
	s.Suite.SetupTest()
	s.durable = newFakeDurable()
	s.idx = presence.New(storememory.New(), cachememory.New(), s.durable, presence.Config{
		PresenceTTL:   time.Minute,
		SweepInterval: time.Second,
	})
}

func (s *PresenceSuite) TestUpdateThenNearest() {
	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-10t", "v1", 12.97, 77.59, false))
	s.Require().NoError(s.idx.Update(s.Ctx, "t2", "flatbed-10t", "v2", 12.98, 77.60, false))

	ids, err := s.idx.Nearest(s.Ctx, "flatbed-10t", 12.97, 77.59, 25, 10)
	s.Require().NoError(err)
	s.Require().ElementsMatch([]string{"t1", "t2"}, ids)
}

func (s *PresenceSuite) TestOnTripExcludedFromGeoButStaysOnline() {
	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-10t", "v1", 12.97, 77.59, true))

	ids, err := s.idx.Nearest(s.Ctx, "flatbed-10t", 12.97, 77.59, 25, 10)
	s.Require().NoError(err)
	s.Require().Empty(ids)

	online, err := s.idx.OnlineFilter(s.Ctx, []string{"t1"})
	s.Require().NoError(err)
	s.Require().Equal([]string{"t1"}, online)
}

func (s *PresenceSuite) TestOfflineRemovesEverything() {
	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-10t", "v1", 12.97, 77.59, false))
	s.Require().NoError(s.idx.Offline(s.Ctx, "t1"))

	ids, err := s.idx.Nearest(s.Ctx, "flatbed-10t", 12.97, 77.59, 25, 10)
	s.Require().NoError(err)
	s.Require().Empty(ids)

	online, err := s.idx.OnlineFilter(s.Ctx, []string{"t1"})
	s.Require().NoError(err)
	s.Require().Empty(online)
}

func (s *PresenceSuite) TestOnlineFilterFallsBackToDurableWhenSetEmpty() {
	s.durable.available["t9"] = true

	online, err := s.idx.OnlineFilter(s.Ctx, []string{"t9", "t10"})
	s.Require().NoError(err)
	s.Require().Equal([]string{"t9"}, online)
}

func (s *PresenceSuite) TestTruckTypeChangeMovesGeoEntry() {
	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-10t", "v1", 12.97, 77.59, false))
	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-20t", "v1", 12.97, 77.59, false))

	oldType, err := s.idx.Nearest(s.Ctx, "flatbed-10t", 12.97, 77.59, 25, 10)
	s.Require().NoError(err)
	s.Require().Empty(oldType)

	newType, err := s.idx.Nearest(s.Ctx, "flatbed-20t", 12.97, 77.59, 25, 10)
	s.Require().NoError(err)
	s.Require().Equal([]string{"t1"}, newType)
}

func (s *PresenceSuite) TestComingOnlineFiresHookOnce() {
	var fired int
	var mu sync.Mutex
	done := make(chan struct{}, 4)
	s.idx.SetOnlineHook(func(ctx context.Context, transporterID string) {
		mu.Lock()
		fired++
		mu.Unlock()
		done <- struct{}{}
	})

	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-10t", "v1", 12.97, 77.59, false))
	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("online hook was not fired")
	}

	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-10t", "v1", 12.98, 77.60, false))

	mu.Lock()
	defer mu.Unlock()
	s.Require().Equal(1, fired)
}

func (s *PresenceSuite) TestTouchExtendsExistingEntry() {
	s.Require().NoError(s.idx.Update(s.Ctx, "t1", "flatbed-10t", "v1", 12.97, 77.59, false))

	touched, err := s.idx.Touch(s.Ctx, "t1", 13.0, 77.6)
	s.Require().NoError(err)
	s.Require().True(touched)

	ids, err := s.idx.Nearest(s.Ctx, "flatbed-10t", 13.0, 77.6, 1, 10)
	s.Require().NoError(err)
	s.Require().Equal([]string{"t1"}, ids)
}

func (s *PresenceSuite) TestTouchIsNoOpForUnknownTransporter() {
	touched, err := s.idx.Touch(s.Ctx, "ghost", 1, 2)
	s.Require().NoError(err)
	s.Require().False(touched)

	online, err := s.idx.OnlineFilter(s.Ctx, []string{"ghost"})
	s.Require().NoError(err)
	s.Require().Empty(online)
}

func (s *PresenceSuite) TestReconnectRecreatesPresence() {
	s.Require().NoError(s.idx.Reconnect(s.Ctx, "t1", "flatbed-10t", "v1", 12.97, 77.59))

	online, err := s.idx.OnlineFilter(s.Ctx, []string{"t1"})
	s.Require().NoError(err)
	s.Require().Equal([]string{"t1"}, online)

	ids, err := s.idx.Nearest(s.Ctx, "flatbed-10t", 12.97, 77.59, 1, 10)
	s.Require().NoError(err)
	s.Require().Equal([]string{"t1"}, ids)
}

func TestPresenceSuite(t *testing.T) {
	test.Run(t, new(PresenceSuite))
}
