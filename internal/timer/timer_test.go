package timer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	storememory "github.com/weelo/dispatch-core/pkg/sharedstore/adapters/memory"
	"github.com/weelo/dispatch-core/pkg/test"

	"github.com/weelo/dispatch-core/internal/domain"
	"github.com/weelo/dispatch-core/internal/timer"
)

type TimerSuite struct {
	test.Suite
	engine *timer.Engine
}

func (s *TimerSuite) SetupTest() {
	s.Suite.SetupTest()
	s.engine = timer.New(storememory.New(), timer.Config{
		DrainInterval:  50 * time.Millisecond,
		HandlerLockTTL: time.Second,
		SafetyBuffer:   time.Minute,
	})
}

func (s *TimerSuite) TestScheduleThenDrainReturnsDueTimer() {
	key := domain.BookingTimerKey("b1")
	s.Require().NoError(s.engine.Schedule(s.Ctx, key, `{"booking":"b1"}`, time.Now().Add(-time.Second)))

	due, err := s.engine.Drain(s.Ctx, "timer:booking:", time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Require().Equal(key, due[0].Key)
	s.Require().JSONEq(`{"booking":"b1"}`, due[0].Payload)
}

func (s *TimerSuite) TestDrainOnlyReturnsDueWhenPastExpiry() {
	key := domain.RadiusTimerKey("b2")
	s.Require().NoError(s.engine.Schedule(s.Ctx, key, `{}`, time.Now().Add(time.Hour)))

	due, err := s.engine.Drain(s.Ctx, "timer:radius:", time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Empty(due)
}

func (s *TimerSuite) TestCancelRemovesTimerIdempotently() {
	key := domain.BookingTimerKey("b3")
	s.Require().NoError(s.engine.Schedule(s.Ctx, key, `{}`, time.Now().Add(-time.Second)))
	s.Require().NoError(s.engine.Cancel(s.Ctx, key))
	s.Require().NoError(s.engine.Cancel(s.Ctx, key))

	due, err := s.engine.Drain(s.Ctx, "timer:booking:", time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Empty(due)
}

func (s *TimerSuite) TestScheduleReplacesExistingTimerUnderSameKey() {
	key := domain.BookingTimerKey("b4")
	s.Require().NoError(s.engine.Schedule(s.Ctx, key, `{"n":1}`, time.Now().Add(-time.Second)))
	s.Require().NoError(s.engine.Schedule(s.Ctx, key, `{"n":2}`, time.Now().Add(-time.Second)))

	due, err := s.engine.Drain(s.Ctx, "timer:booking:", time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Require().JSONEq(`{"n":2}`, due[0].Payload)
}

func (s *TimerSuite) TestDrainFiltersByPrefixAndRequeuesOthers() {
	bKey := domain.BookingTimerKey("b5")
	rKey := domain.RadiusTimerKey("b5")
	s.Require().NoError(s.engine.Schedule(s.Ctx, bKey, `{}`, time.Now().Add(-time.Second)))
	s.Require().NoError(s.engine.Schedule(s.Ctx, rKey, `{}`, time.Now().Add(-time.Second)))

	due, err := s.engine.Drain(s.Ctx, "timer:booking:", time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Require().Equal(bKey, due[0].Key)

	due, err = s.engine.Drain(s.Ctx, "timer:radius:", time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Require().Equal(rKey, due[0].Key)
}

func (s *TimerSuite) TestRunDispatchesHandlerExactlyOnce() {
	key := domain.BookingTimerKey("b6")
	s.Require().NoError(s.engine.Schedule(s.Ctx, key, `{}`, time.Now().Add(-time.Second)))

	var mu sync.Mutex
	calls := 0
	fired := make(chan struct{}, 1)
	s.engine.RegisterHandler("timer:booking:", func(ctx context.Context, key, payload string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(s.Ctx, 2*time.Second)
	defer cancel()
	go s.engine.Run(ctx)

	select {
	case <-fired:
	case <-time.After(time.Second):
		s.FailNow("handler never fired")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	s.Require().Equal(1, calls)
}

func TestTimerSuite(t *testing.T) {
	test.Run(t, new(TimerSuite))
}
