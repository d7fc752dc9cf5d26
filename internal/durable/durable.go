// Package durable implements the durable store interface spec §6 names,
// over GORM/Postgres in production and GORM/SQLite in tests, holding the
// Booking and Assignment rows plus the narrow transporter/vehicle
// read/write surface the Lifecycle Engine and Presence Index need.
package durable

import (
	"context"

	"github.com/weelo/dispatch-core/internal/domain"
)

// Store is the durable store contract consumed by internal/lifecycle,
// internal/dispatcher and internal/presence.
type Store interface {
	// CreateBookingIfNoActive inserts b inside a serializable transaction,
	// rejecting (created=false, err=nil) if the customer already has a
	// non-terminal booking.
	CreateBookingIfNoActive(ctx context.Context, b *domain.Booking) (created bool, err error)

	GetBooking(ctx context.Context, id string) (*domain.Booking, error)

	// UpdateBookingIfStatusIn applies updates only if the row's current
	// status is in allowed, returning the number of rows affected (0 or 1).
	UpdateBookingIfStatusIn(ctx context.Context, id string, allowed []domain.BookingStatus, updates map[string]interface{}) (int64, error)

	// IncrementTrucksFilled atomically increments trucks_filled by one and
	// transitions status to fully_filled or partially_filled in the same
	// UPDATE, but only if trucks_filled < trucks_needed and status is in
	// allowed. The increment and the resulting status are one atomic
	// statement so no other transition can land between them. Returns the
	// row after the attempt and whether this call's increment was the one
	// that applied.
	IncrementTrucksFilled(ctx context.Context, id string, allowed []domain.BookingStatus) (applied bool, b *domain.Booking, err error)

	FindActiveBookingByCustomer(ctx context.Context, customerID string) (*domain.Booking, error)

	// SweepExpiredBookings returns every non-terminal booking whose
	// expires_at has already passed, for the startup sweep.
	SweepExpiredBookings(ctx context.Context) ([]domain.Booking, error)

	TransportersByVehicleType(ctx context.Context, vehicleType string) ([]string, error)
	ActiveBookingsByVehicleType(ctx context.Context, vehicleType string) ([]domain.Booking, error)

	IsTransporterAvailable(ctx context.Context, transporterID string) (bool, error)
	SetTransporterAvailability(ctx context.Context, transporterID string, available bool) error
	// GetTransporterVehicleType backs the Delivery Fabric's reconnect path:
	// when a transporter's durable is_available flag is true but they have
	// no live presence entry, the fabric needs their truck type to
	// re-create one.
	GetTransporterVehicleType(ctx context.Context, transporterID string) (string, error)

	CreateAssignment(ctx context.Context, a *domain.Assignment) error
	GetAssignmentsByBooking(ctx context.Context, bookingID string) ([]domain.Assignment, error)
	// CancelPendingAssignments transitions every pending assignment of
	// bookingID to cancelled and returns the ones it changed, so the
	// caller can release their vehicles and notify their transporters.
	CancelPendingAssignments(ctx context.Context, bookingID string) ([]domain.Assignment, error)
	ReleaseVehicle(ctx context.Context, vehicleID string) error
}

func toRecord(b *domain.Booking) *BookingRecord {
	return &BookingRecord{
		ID:             b.ID,
		CustomerID:     b.CustomerID,
		CustomerName:   b.CustomerName,
		CustomerPhone:  b.CustomerPhone,
		PickupLat:      b.Pickup.Lat,
		PickupLng:      b.Pickup.Lng,
		PickupAddress:  b.Pickup.Address,
		PickupCity:     b.Pickup.City,
		PickupState:    b.Pickup.State,
		DropLat:        b.Drop.Lat,
		DropLng:        b.Drop.Lng,
		DropAddress:    b.Drop.Address,
		DropCity:       b.Drop.City,
		DropState:      b.Drop.State,
		VehicleType:    b.VehicleType,
		VehicleSubtype: b.VehicleSubtype,
		TrucksNeeded:   b.TrucksNeeded,
		TrucksFilled:   b.TrucksFilled,
		PricePerTruck:  b.PricePerTruck,
		TotalAmount:    b.TotalAmount,
		Goods:          b.Goods,
		WeightKg:       b.WeightKg,
		ScheduledAt:    b.ScheduledAt,
		ExpiresAt:      b.ExpiresAt,
		Status:         string(b.Status),
		CreatedAt:      b.CreatedAt,
		StateChangedAt: b.StateChangedAt,
	}
}

func fromRecord(r *BookingRecord) *domain.Booking {
	return &domain.Booking{
		ID:             r.ID,
		CustomerID:     r.CustomerID,
		CustomerName:   r.CustomerName,
		CustomerPhone:  r.CustomerPhone,
		Pickup:         domain.Location{Lat: r.PickupLat, Lng: r.PickupLng, Address: r.PickupAddress, City: r.PickupCity, State: r.PickupState},
		Drop:           domain.Location{Lat: r.DropLat, Lng: r.DropLng, Address: r.DropAddress, City: r.DropCity, State: r.DropState},
		VehicleType:    r.VehicleType,
		VehicleSubtype: r.VehicleSubtype,
		TrucksNeeded:   r.TrucksNeeded,
		TrucksFilled:   r.TrucksFilled,
		PricePerTruck:  r.PricePerTruck,
		TotalAmount:    r.TotalAmount,
		Goods:          r.Goods,
		WeightKg:       r.WeightKg,
		ScheduledAt:    r.ScheduledAt,
		ExpiresAt:      r.ExpiresAt,
		Status:         domain.BookingStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		StateChangedAt: r.StateChangedAt,
	}
}

func assignmentToRecord(a *domain.Assignment) *AssignmentRecord {
	return &AssignmentRecord{
		ID:            a.ID,
		BookingID:     a.BookingID,
		TransporterID: a.TransporterID,
		VehicleID:     a.VehicleID,
		DriverID:      a.DriverID,
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt,
	}
}

func assignmentFromRecord(r AssignmentRecord) domain.Assignment {
	return domain.Assignment{
		ID:            r.ID,
		BookingID:     r.BookingID,
		TransporterID: r.TransporterID,
		VehicleID:     r.VehicleID,
		DriverID:      r.DriverID,
		Status:        domain.AssignmentStatus(r.Status),
		CreatedAt:     r.CreatedAt,
	}
}

func nonTerminalStrings() []string {
	out := make([]string, len(domain.NonTerminalStatuses))
	for i, s := range domain.NonTerminalStatuses {
		out[i] = string(s)
	}
	return out
}

func statusStrings(statuses []domain.BookingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
