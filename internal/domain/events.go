package domain

import "time"

// EventName is the single source of truth for outbound event names, per
// spec §9's "one enumeration of event names."
type EventName string

const (
	EventConnected                  EventName = "connected"
	EventNewBroadcast               EventName = "new_broadcast"
	EventBookingUpdated             EventName = "booking_updated"
	EventBookingFullyFilled         EventName = "booking_fully_filled"
	EventBookingPartiallyFilled     EventName = "booking_partially_filled"
	EventBookingExpired             EventName = "booking_expired"
	EventNoVehiclesAvailable        EventName = "no_vehicles_available"
	EventBroadcastStateChanged      EventName = "broadcast_state_changed"
	EventAcceptConfirmation         EventName = "accept_confirmation"
	EventRequestNoLongerAvailable   EventName = "request_no_longer_available"
	EventTrucksRemainingUpdate      EventName = "trucks_remaining_update"
	EventTruckAssigned              EventName = "truck_assigned"
	EventConnectionClosed           EventName = "connection_closed"
	EventPong                       EventName = "pong"
)

// ClientEventName enumerates the inbound, client-to-server events the
// Delivery Fabric understands.
type ClientEventName string

const (
	ClientEventHeartbeat       ClientEventName = "heartbeat"
	ClientEventJoinBooking     ClientEventName = "join_booking"
	ClientEventLeaveBooking    ClientEventName = "leave_booking"
	ClientEventJoinOrder       ClientEventName = "join_order"
	ClientEventLeaveOrder      ClientEventName = "leave_order"
	ClientEventUpdateLocation  ClientEventName = "update_location"
	ClientEventPing            ClientEventName = "ping"
)

// HeartbeatPayload is the body of an inbound heartbeat event.
type HeartbeatPayload struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Battery float64 `json:"battery,omitempty"`
	SpeedKm float64 `json:"speed,omitempty"`
}

// BroadcastPayload is the canonical new_broadcast payload built exactly
// once per spec §4.6: "there is exactly one builder for this payload."
type BroadcastPayload struct {
	BookingID          string   `json:"booking_id"`
	Pickup             Location `json:"pickup"`
	Drop               Location `json:"drop"`
	PickupLat          float64  `json:"pickup_lat"`
	PickupLng          float64  `json:"pickup_lng"`
	DropLat            float64  `json:"drop_lat"`
	DropLng            float64  `json:"drop_lng"`
	VehicleType        string   `json:"vehicle_type"`
	VehicleSubtype     string   `json:"vehicle_subtype,omitempty"`
	TrucksNeeded       int      `json:"trucks_needed"`
	TrucksFilled       int      `json:"trucks_filled"`
	TrucksRemaining    int      `json:"trucks_remaining"`
	PricePerTruck      float64  `json:"price_per_truck"`
	TotalAmount        float64  `json:"total_amount"`
	Goods              string   `json:"goods,omitempty"`
	RemainingSeconds   int      `json:"remaining_seconds"`
	RadiusStepIndex    int      `json:"radius_step_index"`
	IsRebroadcast      bool     `json:"is_rebroadcast"`
}

// BuildBroadcastPayload is the single shared constructor for the
// new_broadcast payload, referenced from the initial fan-out, every radius
// expansion, the database-wide fallback, and the re-broadcast path.
func BuildBroadcastPayload(b *Booking, now time.Time, radiusStepIndex int, isRebroadcast bool) BroadcastPayload {
	remaining := int(b.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return BroadcastPayload{
		BookingID:        b.ID,
		Pickup:           b.Pickup,
		Drop:             b.Drop,
		PickupLat:        b.Pickup.Lat,
		PickupLng:        b.Pickup.Lng,
		DropLat:          b.Drop.Lat,
		DropLng:          b.Drop.Lng,
		VehicleType:      b.VehicleType,
		VehicleSubtype:   b.VehicleSubtype,
		TrucksNeeded:     b.TrucksNeeded,
		TrucksFilled:     b.TrucksFilled,
		TrucksRemaining:  b.RemainingTrucks(),
		PricePerTruck:    b.PricePerTruck,
		TotalAmount:      b.TotalAmount,
		Goods:            b.Goods,
		RemainingSeconds: remaining,
		RadiusStepIndex:  radiusStepIndex,
		IsRebroadcast:    isRebroadcast,
	}
}

// Envelope is the wire shape every outbound event is wrapped in before
// being handed to the Delivery Fabric.
type Envelope struct {
	Event EventName   `json:"event"`
	Data  interface{} `json:"data"`
}
