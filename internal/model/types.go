package model

import (
	"fmt"
	"time"
)

// Core domain types shared by the dispatcher, the solver and the store.

type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Interval is a closed time interval [Start, End].
type Interval struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && !t.After(i.End)
}

func (i Interval) Overlaps(o Interval) bool {
	return !i.End.Before(o.Start) && !o.End.Before(i.Start)
}

// Window is an arrival/departure time window.
type Window struct {
	Min time.Time `json:"min"`
	Max time.Time `json:"max"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Min) && !t.After(w.Max)
}

func (w Window) Overlaps(o Window) bool {
	return !w.Max.Before(o.Min) && !o.Max.Before(w.Min)
}

func (w Window) Shift(d time.Duration) Window {
	return Window{Min: w.Min.Add(d), Max: w.Max.Add(d)}
}

// Connection is a scheduled connecting service (e.g. a train) calling at a station.
type Connection struct {
	Name      string    `json:"name"`
	Arrival   time.Time `json:"arrival"`
	Departure time.Time `json:"departure"`
}

type Station struct {
	ID           string       `json:"id"`
	CommunityID  string       `json:"communityId"`
	Name         string       `json:"name,omitempty"`
	NodeID       int64        `json:"nodeId"`
	Lat          float64      `json:"lat"`
	Lon          float64      `json:"lon"`
	Mandatory    bool         `json:"mandatory,omitempty"`
	ClosingTimes []Interval   `json:"closingTimes,omitempty"`
	Connections  []Connection `json:"connections,omitempty"`
}

func (s Station) Position() Position { return Position{Lat: s.Lat, Lon: s.Lon} }

// Load is the demand of one passenger booking.
type Load struct {
	Seats       int `json:"seats"`
	Wheelchairs int `json:"wheelchairs"`
}

func (l Load) Empty() bool { return l.Seats <= 0 && l.Wheelchairs <= 0 }

func (l Load) Add(o Load) Load {
	return Load{Seats: l.Seats + o.Seats, Wheelchairs: l.Wheelchairs + o.Wheelchairs}
}

func (l Load) Sub(o Load) Load {
	return Load{Seats: l.Seats - o.Seats, Wheelchairs: l.Wheelchairs - o.Wheelchairs}
}

// Weighted is the seat-equivalent load where each wheelchair blocks seatsPerWheelchair seats.
func (l Load) Weighted(seatsPerWheelchair int) int {
	return l.Seats + l.Wheelchairs*seatsPerWheelchair
}

func (l Load) String() string {
	return fmt.Sprintf("%d standard seats, %d wheelchair seats", l.Seats, l.Wheelchairs)
}

type Capacity struct {
	Seats              int `json:"seats"`
	Wheelchairs        int `json:"wheelchairs"`
	SeatsPerWheelchair int `json:"seatsPerWheelchair"`
}

// Fits reports whether l fits on all three capacity dimensions.
func (c Capacity) Fits(l Load) bool {
	if l.Seats > c.Seats || l.Wheelchairs > c.Wheelchairs {
		return false
	}
	return l.Weighted(c.SeatsPerWheelchair) <= c.Seats
}

func (c Capacity) String() string {
	return fmt.Sprintf("%d standard seats, %d wheelchair seats", c.Seats, c.Wheelchairs)
}

type Vehicle struct {
	ID          string    `json:"id"`
	CommunityID string    `json:"communityId"`
	Type        string    `json:"type,omitempty"`
	Capacity    Capacity  `json:"capacity"`
	Position    *Position `json:"position,omitempty"`
	PositionAt  time.Time `json:"positionAt,omitempty"`
}

// VehicleAvailability is the raw availability feed entry for one vehicle.
type VehicleAvailability struct {
	Vehicle  Vehicle    `json:"vehicle"`
	Slots    []Interval `json:"slots"`
	Blockers []Interval `json:"blockers,omitempty"`
}

type Stop struct {
	ID        string    `json:"id"`
	StationID string    `json:"stationId,omitempty"`
	NodeID    int64     `json:"nodeId"`
	Lat       float64   `json:"lat,omitempty"`
	Lon       float64   `json:"lon,omitempty"`
	TMin      time.Time `json:"tMin"`
	TMax      time.Time `json:"tMax"`
	Boarding  []string  `json:"boarding,omitempty"`
	Alighting []string  `json:"alighting,omitempty"`
}

// Empty reports whether nobody boards or alights here; such a stop is removable.
func (s Stop) Empty() bool { return len(s.Boarding) == 0 && len(s.Alighting) == 0 }

func (s Stop) Window() Window { return Window{Min: s.TMin, Max: s.TMax} }

type Passenger struct {
	ID              string `json:"id"`
	Load            Load   `json:"load"`
	BoardingStopID  string `json:"boardingStopId"`
	AlightingStopID string `json:"alightingStopId"`
	GroupID         string `json:"groupId,omitempty"`
}

type Tour struct {
	ID          string      `json:"id"`
	VehicleID   string      `json:"vehicleId"`
	CommunityID string      `json:"communityId"`
	Status      TourStatus  `json:"status"`
	Stops       []Stop      `json:"stops"`
	Passengers  []Passenger `json:"passengers,omitempty"`
	Path        []PathPoint `json:"path,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// PathPoint is one time-annotated vertex of a tour polyline.
type PathPoint struct {
	NodeID int64     `json:"nodeId"`
	Lat    float64   `json:"lat"`
	Lon    float64   `json:"lon"`
	Time   time.Time `json:"time"`
}

// Moby is an in-flight routing request, or a Promise rebuilt from a committed passenger.
type Moby struct {
	RequestID   string  `json:"requestId"`
	Start       Station `json:"start"`
	Stop        Station `json:"stop"`
	StartWindow *Window `json:"startWindow,omitempty"`
	StopWindow  *Window `json:"stopWindow,omitempty"`
	Load        Load    `json:"load"`
	GroupID     string  `json:"groupId,omitempty"`
	Promise     bool    `json:"promise,omitempty"`
	VehicleID   string  `json:"vehicleId,omitempty"`
	TourID      string  `json:"tourId,omitempty"`
	// committed stop ids, set on promises only
	BoardingStopID  string `json:"boardingStopId,omitempty"`
	AlightingStopID string `json:"alightingStopId,omitempty"`
}

// TourFilter narrows store tour listings; zero fields do not filter.
type TourFilter struct {
	CommunityID string
	VehicleIDs  []string
	Statuses    []TourStatus
	From, To    time.Time
}
