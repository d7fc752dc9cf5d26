// Package httpapi implements the three customer-facing REST endpoints of
// spec §6 as thin adapters over the Lifecycle Engine: create a broadcast,
// cancel one, and list a customer's currently active booking. Who the
// caller is has already been decided upstream; this package only checks
// that the resolved Principal owns the booking it is acting on.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/weelo/dispatch-core/pkg/errors"
	"github.com/weelo/dispatch-core/pkg/logger"

	"github.com/weelo/dispatch-core/internal/domain"
	"github.com/weelo/dispatch-core/internal/lifecycle"
)

// Principal is the authenticated caller, resolved by whatever middleware
// sits in front of this package: a bearer-token check, a gateway header,
// a session cookie. internal/httpapi does not care which.
type Principal struct {
	UserID string
	Roles  []string
}

const principalContextKey = "httpapi.principal"

// WithPrincipal stores a resolved Principal on the echo context for
// downstream handlers. Call this from the auth middleware mounted ahead of
// RegisterRoutes.
func WithPrincipal(c echo.Context, p Principal) {
	c.Set(principalContextKey, p)
}

func principalFrom(c echo.Context) (Principal, bool) {
	p, ok := c.Get(principalContextKey).(Principal)
	return p, ok
}

// Engine is the narrow surface of internal/lifecycle.Engine the HTTP
// handlers call into.
type Engine interface {
	Create(ctx context.Context, req domain.CreateRequest) (*lifecycle.CreateResult, error)
	Cancel(ctx context.Context, bookingID, requesterID string) (*domain.Booking, error)
}

// ActiveLookup is the narrow durable-store surface GET /bookings/active
// needs.
type ActiveLookup interface {
	FindActiveBookingByCustomer(ctx context.Context, customerID string) (*domain.Booking, error)
}

// API wires the Lifecycle Engine to Echo routes.
type API struct {
	engine   Engine
	durable  ActiveLookup
	validate *validator.Validate
}

// New builds an API. Mount it with RegisterRoutes.
func New(engine Engine, durable ActiveLookup) *API {
	return &API{engine: engine, durable: durable, validate: validator.New()}
}

// RegisterRoutes mounts the three endpoints under group g (e.g. the root
// echo.Echo, or an "/api/v1" sub-group carrying the auth middleware).
func (a *API) RegisterRoutes(g *echo.Group) {
	g.POST("/bookings", a.createBooking)
	g.PATCH("/bookings/:id/cancel", a.cancelBooking)
	g.GET("/bookings/active", a.activeBooking)
}

// createRequestBody is the wire shape of POST /bookings; domain.CreateRequest
// itself carries no JSON tags since it is also built directly by tests.
type createRequestBody struct {
	CustomerName   string       `json:"customer_name"`
	CustomerPhone  string       `json:"customer_phone"`
	Pickup         locationBody `json:"pickup" validate:"required"`
	Drop           locationBody `json:"drop" validate:"required"`
	VehicleType    string       `json:"vehicle_type" validate:"required"`
	VehicleSubtype string       `json:"vehicle_subtype"`
	TrucksNeeded   int          `json:"trucks_needed" validate:"required,min=1"`
	PricePerTruck  float64      `json:"price_per_truck" validate:"min=0"`
	Goods          string       `json:"goods"`
	WeightKg       float64      `json:"weight_kg" validate:"min=0"`
	ScheduledAt    string       `json:"scheduled_at"`
}

type locationBody struct {
	Lat     float64 `json:"lat" validate:"required"`
	Lng     float64 `json:"lng" validate:"required"`
	Address string  `json:"address"`
	City    string  `json:"city"`
	State   string  `json:"state"`
}

func (a *API) createBooking(c echo.Context) error {
	principal, ok := principalFrom(c)
	if !ok {
		return writeErr(c, errors.Unauthenticated("no principal resolved for this request", nil))
	}

	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return writeErr(c, errors.InvalidArgument("malformed request body", err))
	}
	if err := a.validate.Struct(body); err != nil {
		return writeErr(c, errors.InvalidArgument("request validation failed", err))
	}

	scheduledAt, err := parseScheduledAt(body.ScheduledAt)
	if err != nil {
		return writeErr(c, errors.InvalidArgument("scheduled_at must be RFC3339", err))
	}

	req := domain.CreateRequest{
		CustomerID:     principal.UserID,
		CustomerName:   body.CustomerName,
		CustomerPhone:  body.CustomerPhone,
		Pickup:         domain.Location{Lat: body.Pickup.Lat, Lng: body.Pickup.Lng, Address: body.Pickup.Address, City: body.Pickup.City, State: body.Pickup.State},
		Drop:           domain.Location{Lat: body.Drop.Lat, Lng: body.Drop.Lng, Address: body.Drop.Address, City: body.Drop.City, State: body.Drop.State},
		VehicleType:    body.VehicleType,
		VehicleSubtype: body.VehicleSubtype,
		TrucksNeeded:   body.TrucksNeeded,
		PricePerTruck:  body.PricePerTruck,
		Goods:          body.Goods,
		WeightKg:       body.WeightKg,
		ScheduledAt:    scheduledAt,
	}

	result, err := a.engine.Create(c.Request().Context(), req)
	if err != nil {
		return writeErr(c, err)
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]interface{}{
		"booking":                     result.Booking,
		"matching_transporters_count": result.MatchingTransportersCount,
		"timeout_seconds":             result.TimeoutSeconds,
		"idempotent":                  result.Idempotent,
	})
}

func (a *API) cancelBooking(c echo.Context) error {
	principal, ok := principalFrom(c)
	if !ok {
		return writeErr(c, errors.Unauthenticated("no principal resolved for this request", nil))
	}

	bookingID := c.Param("id")
	if bookingID == "" {
		return writeErr(c, errors.InvalidArgument("missing booking id", nil))
	}

	booking, err := a.engine.Cancel(c.Request().Context(), bookingID, principal.UserID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, booking)
}

func (a *API) activeBooking(c echo.Context) error {
	principal, ok := principalFrom(c)
	if !ok {
		return writeErr(c, errors.Unauthenticated("no principal resolved for this request", nil))
	}

	booking, err := a.durable.FindActiveBookingByCustomer(c.Request().Context(), principal.UserID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"booking": booking})
}

func writeErr(c echo.Context, err error) error {
	status := errors.StatusOf(err)
	logger.L().WarnContext(c.Request().Context(), "httpapi: request failed", "status", status, "error", err)
	return c.JSON(status, map[string]interface{}{"error": err.Error()})
}

func parseScheduledAt(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
