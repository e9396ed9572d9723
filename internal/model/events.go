package model

import "time"

type EventKind string

const (
	EventRouteConfirmed EventKind = "RouteConfirmed"
	EventRouteRejected  EventKind = "RouteRejected"
	EventRouteChanged   EventKind = "RouteChanged"
	EventRouteStarted   EventKind = "RouteStarted"
	EventRouteFinished  EventKind = "RouteFinished"
	EventRouteFrozen    EventKind = "RouteFrozen"
)

// Event is a flat outbound record announced on the broker.
type Event struct {
	ID          string         `json:"id"`
	Kind        EventKind      `json:"kind"`
	RequestID   string         `json:"requestId,omitempty"`
	TourID      string         `json:"tourId,omitempty"`
	VehicleID   string         `json:"vehicleId,omitempty"`
	CommunityID string         `json:"communityId,omitempty"`
	Pickup      *Window        `json:"pickup,omitempty"`
	Dropoff     *Window        `json:"dropoff,omitempty"`
	Reason      Reason         `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	TS          time.Time      `json:"ts"`
}
