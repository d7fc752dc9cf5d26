package durable

import (
	"context"
	stdsql "database/sql"
	goerrors "errors"
	"time"

	"gorm.io/gorm"

	"github.com/weelo/dispatch-core/pkg/database/sql"
	"github.com/weelo/dispatch-core/pkg/errors"

	"github.com/weelo/dispatch-core/internal/domain"
)

func isNotFound(err error) bool {
	return goerrors.Is(err, gorm.ErrRecordNotFound)
}

// GormStore implements Store against any sql.SQL-backed GORM connection
// (Postgres in production, SQLite in tests).
type GormStore struct {
	db sql.SQL
}

// New builds a GormStore and runs AutoMigrate for the models it owns.
func New(db sql.SQL) (*GormStore, error) {
	conn := db.Get(context.Background())
	if err := conn.AutoMigrate(&BookingRecord{}, &AssignmentRecord{}, &TransporterRecord{}, &VehicleRecord{}); err != nil {
		return nil, errors.Wrap(err, "durable store migration")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateBookingIfNoActive(ctx context.Context, b *domain.Booking) (bool, error) {
	rec := toRecord(b)
	created := false

	err := s.db.Get(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&BookingRecord{}).
			Where("customer_id = ? AND status IN ?", b.CustomerID, nonTerminalStrings()).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		created = true
		return nil
	}, &stdsql.TxOptions{Isolation: stdsql.LevelSerializable})

	if err != nil {
		return false, errors.New(errors.CodeDurableUnavailable, "create booking failed", err)
	}
	return created, nil
}

func (s *GormStore) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	var rec BookingRecord
	if err := s.db.Get(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, errors.NotFound("booking not found", err)
		}
		return nil, errors.New(errors.CodeDurableUnavailable, "get booking failed", err)
	}
	return fromRecord(&rec), nil
}

func (s *GormStore) UpdateBookingIfStatusIn(ctx context.Context, id string, allowed []domain.BookingStatus, updates map[string]interface{}) (int64, error) {
	withTimestamp := make(map[string]interface{}, len(updates)+1)
	for k, v := range updates {
		withTimestamp[k] = v
	}
	withTimestamp["state_changed_at"] = time.Now()

	result := s.db.Get(ctx).Model(&BookingRecord{}).
		Where("id = ? AND status IN ?", id, statusStrings(allowed)).
		Updates(withTimestamp)
	if result.Error != nil {
		return 0, errors.New(errors.CodeDurableUnavailable, "conditional booking update failed", result.Error)
	}
	return result.RowsAffected, nil
}

// IncrementTrucksFilled implements the acceptance path's atomic conditional
// increment and fill-state transition (spec §4.5 step 1) as a single
// UPDATE: the WHERE clause is the only place the "already taken" decision
// is made, and the resulting status is computed by the same statement as
// the increment, never by a follow-up UPDATE, so no concurrent cancel or
// expiry can land between "truck counted" and "status reflects it".
func (s *GormStore) IncrementTrucksFilled(ctx context.Context, id string, allowed []domain.BookingStatus) (bool, *domain.Booking, error) {
	result := s.db.Get(ctx).Model(&BookingRecord{}).
		Where("id = ? AND status IN ? AND trucks_filled < trucks_needed", id, statusStrings(allowed)).
		Updates(map[string]interface{}{
			"trucks_filled": gorm.Expr("trucks_filled + 1"),
			"status": gorm.Expr(
				"CASE WHEN trucks_filled + 1 >= trucks_needed THEN ? ELSE ? END",
				string(domain.BookingStatusFullyFilled), string(domain.BookingStatusPartiallyFilled),
			),
			"state_changed_at": time.Now(),
		})
	if result.Error != nil {
		return false, nil, errors.New(errors.CodeDurableUnavailable, "increment trucks filled failed", result.Error)
	}

	b, err := s.GetBooking(ctx, id)
	if err != nil {
		return false, nil, err
	}
	return result.RowsAffected > 0, b, nil
}

func (s *GormStore) FindActiveBookingByCustomer(ctx context.Context, customerID string) (*domain.Booking, error) {
	var rec BookingRecord
	err := s.db.Get(ctx).
		Where("customer_id = ? AND status IN ?", customerID, nonTerminalStrings()).
		First(&rec).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.New(errors.CodeDurableUnavailable, "find active booking failed", err)
	}
	return fromRecord(&rec), nil
}

func (s *GormStore) SweepExpiredBookings(ctx context.Context) ([]domain.Booking, error) {
	var recs []BookingRecord
	err := s.db.Get(ctx).
		Where("expires_at < ? AND status IN ?", time.Now(), nonTerminalStrings()).
		Find(&recs).Error
	if err != nil {
		return nil, errors.New(errors.CodeDurableUnavailable, "sweep expired bookings failed", err)
	}
	out := make([]domain.Booking, 0, len(recs))
	for i := range recs {
		out = append(out, *fromRecord(&recs[i]))
	}
	return out, nil
}

func (s *GormStore) TransportersByVehicleType(ctx context.Context, vehicleType string) ([]string, error) {
	var ids []string
	err := s.db.Get(ctx).Model(&TransporterRecord{}).
		Where("vehicle_type = ?", vehicleType).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.New(errors.CodeDurableUnavailable, "list transporters by vehicle type failed", err)
	}
	return ids, nil
}

func (s *GormStore) ActiveBookingsByVehicleType(ctx context.Context, vehicleType string) ([]domain.Booking, error) {
	var recs []BookingRecord
	err := s.db.Get(ctx).
		Where("vehicle_type = ? AND status IN ?", vehicleType, []string{
			string(domain.BookingStatusActive), string(domain.BookingStatusPartiallyFilled),
		}).
		Find(&recs).Error
	if err != nil {
		return nil, errors.New(errors.CodeDurableUnavailable, "list active bookings by vehicle type failed", err)
	}
	out := make([]domain.Booking, 0, len(recs))
	for i := range recs {
		out = append(out, *fromRecord(&recs[i]))
	}
	return out, nil
}

func (s *GormStore) IsTransporterAvailable(ctx context.Context, transporterID string) (bool, error) {
	var rec TransporterRecord
	err := s.db.Get(ctx).First(&rec, "id = ?", transporterID).Error
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.New(errors.CodeDurableUnavailable, "transporter availability lookup failed", err)
	}
	return rec.IsAvailable, nil
}

func (s *GormStore) GetTransporterVehicleType(ctx context.Context, transporterID string) (string, error) {
	var rec TransporterRecord
	err := s.db.Get(ctx).First(&rec, "id = ?", transporterID).Error
	if err != nil {
		if isNotFound(err) {
			return "", errors.NotFound("transporter not found", err)
		}
		return "", errors.New(errors.CodeDurableUnavailable, "transporter vehicle type lookup failed", err)
	}
	return rec.VehicleType, nil
}

func (s *GormStore) SetTransporterAvailability(ctx context.Context, transporterID string, available bool) error {
	result := s.db.Get(ctx).Model(&TransporterRecord{}).
		Where("id = ?", transporterID).
		Update("is_available", available)
	if result.Error != nil {
		return errors.New(errors.CodeDurableUnavailable, "transporter availability update failed", result.Error)
	}
	if result.RowsAffected == 0 {
		err := s.db.Get(ctx).Create(&TransporterRecord{ID: transporterID, IsAvailable: available}).Error
		if err != nil {
			return errors.New(errors.CodeDurableUnavailable, "transporter availability insert failed", err)
		}
	}
	return nil
}

func (s *GormStore) CreateAssignment(ctx context.Context, a *domain.Assignment) error {
	if err := s.db.Get(ctx).Create(assignmentToRecord(a)).Error; err != nil {
		return errors.New(errors.CodeDurableUnavailable, "create assignment failed", err)
	}
	return nil
}

func (s *GormStore) GetAssignmentsByBooking(ctx context.Context, bookingID string) ([]domain.Assignment, error) {
	var recs []AssignmentRecord
	if err := s.db.Get(ctx).Where("booking_id = ?", bookingID).Find(&recs).Error; err != nil {
		return nil, errors.New(errors.CodeDurableUnavailable, "list assignments failed", err)
	}
	out := make([]domain.Assignment, 0, len(recs))
	for _, r := range recs {
		out = append(out, assignmentFromRecord(r))
	}
	return out, nil
}

func (s *GormStore) CancelPendingAssignments(ctx context.Context, bookingID string) ([]domain.Assignment, error) {
	var recs []AssignmentRecord
	if err := s.db.Get(ctx).
		Where("booking_id = ? AND status = ?", bookingID, string(domain.AssignmentStatusPending)).
		Find(&recs).Error; err != nil {
		return nil, errors.New(errors.CodeDurableUnavailable, "find pending assignments failed", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	if err := s.db.Get(ctx).Model(&AssignmentRecord{}).
		Where("id IN ?", ids).
		Update("status", string(domain.AssignmentStatusCancelled)).Error; err != nil {
		return nil, errors.New(errors.CodeDurableUnavailable, "cancel pending assignments failed", err)
	}

	out := make([]domain.Assignment, 0, len(recs))
	for _, r := range recs {
		r.Status = string(domain.AssignmentStatusCancelled)
		out = append(out, assignmentFromRecord(r))
	}
	return out, nil
}

func (s *GormStore) ReleaseVehicle(ctx context.Context, vehicleID string) error {
	if err := s.db.Get(ctx).Model(&VehicleRecord{}).
		Where("id = ?", vehicleID).
		Update("in_use", false).Error; err != nil {
		return errors.New(errors.CodeDurableUnavailable, "release vehicle failed", err)
	}
	return nil
}
