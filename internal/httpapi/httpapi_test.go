package httpapi_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/test"

	"github.com/weelo/dispatch-core/internal/domain"
	"github.com/weelo/dispatch-core/internal/httpapi"
	"github.com/weelo/dispatch-core/internal/lifecycle"
)

type fakeEngine struct {
	mu            sync.Mutex
	createResult  *lifecycle.CreateResult
	createErr     error
	cancelBooking *domain.Booking
	cancelErr     error
	lastCreateReq domain.CreateRequest
	lastCancelID  string
	lastRequester string
}

func (f *fakeEngine) Create(ctx context.Context, req domain.CreateRequest) (*lifecycle.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCreateReq = req
	return f.createResult, f.createErr
}

func (f *fakeEngine) Cancel(ctx context.Context, bookingID, requesterID string) (*domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCancelID = bookingID
	f.lastRequester = requesterID
	return f.cancelBooking, f.cancelErr
}

type fakeDurable struct {
	booking *domain.Booking
	err     error
}

func (f *fakeDurable) FindActiveBookingByCustomer(ctx context.Context, customerID string) (*domain.Booking, error) {
	return f.booking, f.err
}

type HTTPAPISuite struct {
	test.Suite
	echo    *echo.Echo
	engine  *fakeEngine
	durable *fakeDurable
}

func (s *HTTPAPISuite) SetupTest() {
	s.Suite.SetupTest()
	s.engine = &fakeEngine{}
	s.durable = &fakeDurable{}
	s.echo = echo.New()
	api := httpapi.New(s.engine, s.durable)
	g := s.echo.Group("")
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpapi.WithPrincipal(c, httpapi.Principal{UserID: "cust-1"})
			return next(c)
		}
	})
	api.RegisterRoutes(g)
}

func (s *HTTPAPISuite) TestCreateBookingReturns201OnSuccess() {
	s.engine.createResult = &lifecycle.CreateResult{
		Booking:                   &domain.Booking{ID: "b1", CustomerID: "cust-1", Status: domain.BookingStatusActive},
		MatchingTransportersCount: 3,
		TimeoutSeconds:            120,
	}

	body := `{"pickup":{"lat":1,"lng":2},"drop":{"lat":3,"lng":4},"vehicle_type":"flatbed-10t","trucks_needed":2}`
	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusCreated, rec.Code)
	s.Require().Equal("cust-1", s.engine.lastCreateReq.CustomerID)
	s.Require().Equal("flatbed-10t", s.engine.lastCreateReq.VehicleType)
}

func (s *HTTPAPISuite) TestCreateBookingRejectsMissingVehicleType() {
	body := `{"pickup":{"lat":1,"lng":2},"drop":{"lat":3,"lng":4},"trucks_needed":2}`
	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusBadRequest, rec.Code)
}

func (s *HTTPAPISuite) TestCreateBookingPropagatesEngineError() {
	s.engine.createErr = errors.New(errors.CodeOrderActiveExists, "customer already has an in-flight broadcast", nil)

	body := `{"pickup":{"lat":1,"lng":2},"drop":{"lat":3,"lng":4},"vehicle_type":"flatbed-10t","trucks_needed":2}`
	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusConflict, rec.Code)
}

func (s *HTTPAPISuite) TestCancelBookingUsesPrincipalAsRequester() {
	s.engine.cancelBooking = &domain.Booking{ID: "b1", Status: domain.BookingStatusCancelled}

	req := httptest.NewRequest(http.MethodPatch, "/bookings/b1/cancel", nil)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusOK, rec.Code)
	s.Require().Equal("b1", s.engine.lastCancelID)
	s.Require().Equal("cust-1", s.engine.lastRequester)
}

func (s *HTTPAPISuite) TestCancelBookingPropagatesForbidden() {
	s.engine.cancelErr = errors.Forbidden("booking does not belong to requester", nil)

	req := httptest.NewRequest(http.MethodPatch, "/bookings/b1/cancel", nil)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusForbidden, rec.Code)
}

func (s *HTTPAPISuite) TestActiveBookingReturnsNilWhenNoneActive() {
	req := httptest.NewRequest(http.MethodGet, "/bookings/active", nil)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusOK, rec.Code)
	s.Require().JSONEq(`{"booking":null}`, rec.Body.String())
}

func (s *HTTPAPISuite) TestActiveBookingReturnsBookingWhenPresent() {
	s.durable.booking = &domain.Booking{ID: "b1", CustomerID: "cust-1", Status: domain.BookingStatusActive}

	req := httptest.NewRequest(http.MethodGet, "/bookings/active", nil)
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusOK, rec.Code)
	s.Require().Contains(rec.Body.String(), `"id":"b1"`)
}

func TestHTTPAPISuite(t *testing.T) {
	test.Run(t, new(HTTPAPISuite))
}
