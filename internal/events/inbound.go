// Package events carries lifecycle messages in and out of the dispatcher: typed inbound
// payloads with required-field validation, and the transports outbound events travel on.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ridepool/internal/model"
)

// Type names an inbound message kind.
type Type string

const (
	OrderStarted      Type = "OrderStarted"
	OrderCancelled    Type = "OrderCancelled"
	StopAdded         Type = "StopAdded"
	StopUpdated       Type = "StopUpdated"
	StopDeleted       Type = "StopDeleted"
	BusUpdated        Type = "BusUpdated"
	BusDeleted        Type = "BusDeleted"
	UpdateBusPosition Type = "UpdateBusPosition"
)

// Envelope is the wire form of every inbound message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type OrderStartedPayload struct {
	TourID    string    `json:"tourId"`
	VehicleID string    `json:"vehicleId"`
	At        time.Time `json:"at"`
}

type OrderCancelledPayload struct {
	RequestID string `json:"requestId"`
}

// StopPayload carries a station for StopAdded and StopUpdated.
type StopPayload struct {
	ID           string             `json:"id"`
	CommunityID  string             `json:"communityId"`
	Name         string             `json:"name"`
	NodeID       int64              `json:"nodeId"`
	Lat          *float64           `json:"lat"`
	Lon          *float64           `json:"lon"`
	Mandatory    bool               `json:"mandatory"`
	ClosingTimes []model.Interval   `json:"closingTimes"`
	Connections  []model.Connection `json:"connections"`
}

type StopDeletedPayload struct {
	ID string `json:"id"`
}

// BusPayload replaces a vehicle. Slots and blockers are replaced only when Slots is present.
type BusPayload struct {
	ID          string           `json:"id"`
	CommunityID string           `json:"communityId"`
	Type        string           `json:"type"`
	Capacity    *model.Capacity  `json:"capacity"`
	Slots       []model.Interval `json:"slots"`
	Blockers    []model.Interval `json:"blockers"`
}

type BusDeletedPayload struct {
	ID string `json:"id"`
}

type BusPositionPayload struct {
	VehicleID string    `json:"vehicleId"`
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	At        time.Time `json:"at"`
}

// Message is a decoded inbound message. Payload holds a pointer to the typed payload.
type Message struct {
	Type    Type
	Payload any
}

// Decode parses and validates raw. Every failure is a MalformedMessage.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, model.Wrap(model.ReasonMalformedMessage, err, "message is not a valid envelope")
	}
	if env.Type == "" {
		return Message{}, model.Fail(model.ReasonMalformedMessage, "message type is missing")
	}
	var p any
	switch env.Type {
	case OrderStarted:
		p = &OrderStartedPayload{}
	case OrderCancelled:
		p = &OrderCancelledPayload{}
	case StopAdded, StopUpdated:
		p = &StopPayload{}
	case StopDeleted:
		p = &StopDeletedPayload{}
	case BusUpdated:
		p = &BusPayload{}
	case BusDeleted:
		p = &BusDeletedPayload{}
	case UpdateBusPosition:
		p = &BusPositionPayload{}
	default:
		return Message{}, model.Fail(model.ReasonMalformedMessage, "unknown message type %q", env.Type)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Message{}, model.Fail(model.ReasonMalformedMessage, "%s: payload is missing", env.Type)
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return Message{}, model.Wrap(model.ReasonMalformedMessage, err, fmt.Sprintf("%s: payload does not decode", env.Type))
	}
	if missing := required(p); len(missing) > 0 {
		return Message{}, model.Fail(model.ReasonMalformedMessage, "%s: missing required fields: %s", env.Type, strings.Join(missing, ", "))
	}
	return Message{Type: env.Type, Payload: p}, nil
}

// required returns the names of the required fields p leaves empty.
func required(p any) []string {
	var missing []string
	need := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}
	switch v := p.(type) {
	case *OrderStartedPayload:
		need(v.TourID != "", "tourId")
	case *OrderCancelledPayload:
		need(v.RequestID != "", "requestId")
	case *StopPayload:
		need(v.ID != "", "id")
		need(v.CommunityID != "", "communityId")
		need(v.Lat != nil, "lat")
		need(v.Lon != nil, "lon")
	case *StopDeletedPayload:
		need(v.ID != "", "id")
	case *BusPayload:
		need(v.ID != "", "id")
		need(v.CommunityID != "", "communityId")
		need(v.Capacity != nil, "capacity")
	case *BusDeletedPayload:
		need(v.ID != "", "id")
	case *BusPositionPayload:
		need(v.VehicleID != "", "vehicleId")
		need(v.Lat != nil, "lat")
		need(v.Lon != nil, "lon")
	}
	return missing
}
