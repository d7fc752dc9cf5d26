package domain

import "fmt"

// Shared-store key builders. Every component constructs keys through these
// functions so the literal layout lives in exactly one place.

func CustomerActiveBroadcastKey(customerID string) string {
	return fmt.Sprintf("customer:active-broadcast:%s", customerID)
}

func IdempotencyKey(customerID, fingerprint string) string {
	return fmt.Sprintf("idem:broadcast:create:%s:%s", customerID, fingerprint)
}

// BookingTimerPrefix and RadiusTimerPrefix are the timer.Engine.
// RegisterHandler prefixes for the two handlers the module registers.
const (
	BookingTimerPrefix = "timer:booking:"
	RadiusTimerPrefix  = "timer:radius:"
)

func BookingTimerKey(bookingID string) string {
	return BookingTimerPrefix + bookingID
}

func RadiusTimerKey(bookingID string) string {
	return RadiusTimerPrefix + bookingID
}

const TimersPendingKey = "timers:pending"

func NotifiedSetKey(bookingID string) string {
	return fmt.Sprintf("broadcast:notified:%s", bookingID)
}

func RadiusStepKey(bookingID string) string {
	return fmt.Sprintf("broadcast:radius:step:%s", bookingID)
}

const OnlineTransportersKey = "online:transporters"

func PresenceKey(transporterID string) string {
	return fmt.Sprintf("transporter:presence:%s", transporterID)
}

func GeoDriversKey(truckTypeKey string) string {
	return fmt.Sprintf("geo:drivers:%s", truckTypeKey)
}

func DriverDetailsKey(transporterID string) string {
	return fmt.Sprintf("driver:details:%s", transporterID)
}

func DriverVehicleKey(transporterID string) string {
	return fmt.Sprintf("driver:vehicle:%s", transporterID)
}

func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// Named lock identifiers used across the module.
const (
	LockPresenceSweep = "presence-sweep"
)

func CustomerBroadcastCreateLock(customerID string) string {
	return fmt.Sprintf("customer-broadcast-create:%s", customerID)
}

// Delivery Fabric room names, per spec §4.4.

func RoomUser(userID string) string        { return fmt.Sprintf("user:%s", userID) }
func RoomRole(role string) string          { return fmt.Sprintf("role:%s", role) }
func RoomBooking(bookingID string) string  { return fmt.Sprintf("booking:%s", bookingID) }
func RoomOrder(orderID string) string      { return fmt.Sprintf("order:%s", orderID) }
func RoomTrip(tripID string) string        { return fmt.Sprintf("trip:%s", tripID) }

func TimerHandlerLock(prefix, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}
