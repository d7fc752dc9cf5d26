package durable

import "time"

// BookingRecord is the GORM row backing domain.Booking. There is no
// notified-transporters column here: the ids of notified transporters are
// kept only in the shared store's per-booking notified set.
type BookingRecord struct {
	ID             string `gorm:"primaryKey"`
	CustomerID     string `gorm:"index"`
	CustomerName   string
	CustomerPhone  string
	PickupLat      float64
	PickupLng      float64
	PickupAddress  string
	PickupCity     string
	PickupState    string
	DropLat        float64
	DropLng        float64
	DropAddress    string
	DropCity       string
	DropState      string
	VehicleType    string `gorm:"index"`
	VehicleSubtype string
	TrucksNeeded   int
	TrucksFilled   int
	PricePerTruck  float64
	TotalAmount    float64
	Goods          string
	WeightKg       float64
	ScheduledAt    *time.Time
	ExpiresAt      time.Time `gorm:"index"`
	Status         string    `gorm:"index"`
	CreatedAt      time.Time
	StateChangedAt time.Time
}

func (BookingRecord) TableName() string { return "bookings" }

// AssignmentRecord is the GORM row backing domain.Assignment.
type AssignmentRecord struct {
	ID            string `gorm:"primaryKey"`
	BookingID     string `gorm:"index"`
	TransporterID string `gorm:"index"`
	VehicleID     string
	DriverID      string
	Status        string
	CreatedAt     time.Time
}

func (AssignmentRecord) TableName() string { return "assignments" }

// TransporterRecord is the narrow transporter-availability surface this
// core owns read/write access to; the rest of the transporter profile
// belongs to a system outside this module's scope.
type TransporterRecord struct {
	ID          string `gorm:"primaryKey"`
	VehicleType string `gorm:"index"`
	IsAvailable bool   `gorm:"index"`
}

func (TransporterRecord) TableName() string { return "transporters" }

// VehicleRecord is the narrow vehicle-busy-flag surface the cancel-revert
// path needs.
type VehicleRecord struct {
	ID            string `gorm:"primaryKey"`
	TransporterID string `gorm:"index"`
	InUse         bool
}

func (VehicleRecord) TableName() string { return "vehicles" }
