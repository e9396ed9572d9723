package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ridepool/internal/dispatch"
	"ridepool/internal/model"
	"ridepool/internal/plan"
	"ridepool/internal/store"
)

// requestBody is the wire form of a ride request. Anchor is "departure" (default) or
// "arrival"; mode is "", "earlier" or "later".
type requestBody struct {
	dispatch.Request
	Anchor string `json:"anchor"`
	Mode   string `json:"mode"`
}

func decodeRequest(r *http.Request) (dispatch.Request, error) {
	var body requestBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return dispatch.Request{}, model.Wrap(model.ReasonInvalidRequest, err, "invalid JSON")
	}
	req := body.Request
	switch strings.ToLower(body.Anchor) {
	case "", "departure":
		req.Anchor = plan.Departure
	case "arrival":
		req.Anchor = plan.Arrival
	default:
		return req, model.Fail(model.ReasonInvalidRequest, "unknown anchor %q", body.Anchor)
	}
	switch strings.ToLower(body.Mode) {
	case "", "none", "earlier", "later":
		req.Mode = plan.ParseMode(strings.ToLower(body.Mode))
	default:
		return req, model.Fail(model.ReasonInvalidRequest, "unknown mode %q", body.Mode)
	}
	return req, nil
}

// scopedRequest decodes the body and refuses requests whose stations lie outside the caller's
// community. Requests that do not resolve are passed on so the dispatcher reports the reason.
func (s *Server) scopedRequest(w http.ResponseWriter, r *http.Request) (dispatch.Request, bool) {
	p, ok := s.principal(w, r)
	if !ok {
		return dispatch.Request{}, false
	}
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, r, "Invalid request", err)
		return req, false
	}
	if p.IsAdmin() || p.Community == "" {
		return req, true
	}
	if c, err := s.Dispatcher.Community(r.Context(), req); err == nil && !p.Allows(c) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "request stations belong to community "+c, r.URL.Path)
		return req, false
	}
	return req, true
}

// BookHandler handles POST /v1/requests
func (s *Server) BookHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.scopedRequest(w, r)
	if !ok {
		return
	}
	out, err := s.Dispatcher.Book(r.Context(), req)
	if err != nil {
		writeError(w, r, "Booking rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// CheckHandler handles POST /v1/requests/check
func (s *Server) CheckHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.scopedRequest(w, r)
	if !ok {
		return
	}
	res, err := s.Dispatcher.Check(r.Context(), req)
	if err != nil {
		writeError(w, r, "Check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// booking is the public view of one booked request.
type booking struct {
	RequestID   string           `json:"requestId"`
	TourID      string           `json:"tourId"`
	VehicleID   string           `json:"vehicleId"`
	CommunityID string           `json:"communityId"`
	Status      model.TourStatus `json:"status"`
	Load        model.Load       `json:"load"`
	Pickup      model.Window     `json:"pickup"`
	Dropoff     model.Window     `json:"dropoff"`
}

func bookingOf(t model.Tour, requestID string) (booking, bool) {
	p, ok := t.Passenger(requestID)
	if !ok {
		return booking{}, false
	}
	b := booking{RequestID: requestID, TourID: t.ID, VehicleID: t.VehicleID, CommunityID: t.CommunityID, Status: t.Status, Load: p.Load}
	if i := t.StopIndex(p.BoardingStopID); i >= 0 {
		b.Pickup = t.Stops[i].Window()
	}
	if i := t.StopIndex(p.AlightingStopID); i >= 0 {
		b.Dropoff = t.Stops[i].Window()
	}
	return b, true
}

// RequestHandler handles GET /v1/requests/{id}
func (s *Server) RequestHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	t, err := s.Dispatcher.Lookup(r.Context(), id)
	if err != nil {
		writeError(w, r, "Lookup failed", err)
		return
	}
	b, found := bookingOf(t, id)
	if !found || !p.Allows(t.CommunityID) {
		writeProblem(w, http.StatusNotFound, "Not Found", "request "+id+" is not booked", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CancelHandler handles DELETE /v1/requests/{id}
func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if t, err := s.Dispatcher.Lookup(r.Context(), id); err == nil && !p.Allows(t.CommunityID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "request belongs to another community", r.URL.Path)
		return
	}
	t, err := s.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, "Cancel failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "tourId": t.ID, "status": "cancelled"})
}

// ToursHandler handles GET /v1/tours?community=&status=&vehicle=&from=&to=
func (s *Server) ToursHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.TourFilter{CommunityID: q.Get("community")}
	if f.CommunityID == "" && !p.IsAdmin() {
		f.CommunityID = p.Community
	}
	if f.CommunityID != "" && !p.Allows(f.CommunityID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "community not allowed", r.URL.Path)
		return
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			ts := model.TourStatus(strings.TrimSpace(st))
			if !ts.Valid() {
				writeProblem(w, http.StatusBadRequest, "Invalid status", st, r.URL.Path)
				return
			}
			f.Statuses = append(f.Statuses, ts)
		}
	}
	if v := q.Get("vehicle"); v != "" {
		f.VehicleIDs = strings.Split(v, ",")
	}
	for _, b := range []struct {
		key string
		dst *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(b.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid "+b.key, err.Error(), r.URL.Path)
				return
			}
			*b.dst = t
		}
	}
	items, err := s.Store.ListTours(r.Context(), f)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List tours failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []model.Tour{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// tour loads the tour named in the path and checks the caller may see it.
func (s *Server) tour(w http.ResponseWriter, r *http.Request) (model.Tour, bool) {
	p, ok := s.principal(w, r)
	if !ok {
		return model.Tour{}, false
	}
	t, err := s.Store.GetTour(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && !p.Allows(t.CommunityID)) {
		writeProblem(w, http.StatusNotFound, "Tour not found", r.PathValue("id"), r.URL.Path)
		return model.Tour{}, false
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get tour failed", err.Error(), r.URL.Path)
		return model.Tour{}, false
	}
	return t, true
}

// TourHandler handles GET /v1/tours/{id}
func (s *Server) TourHandler(w http.ResponseWriter, r *http.Request) {
	if t, ok := s.tour(w, r); ok {
		writeJSON(w, http.StatusOK, t)
	}
}

// RunJobHandler handles POST /v1/admin/jobs/{name}; "all" runs every job.
func (s *Server) RunJobHandler(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	if s.Jobs == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Jobs disabled", "", r.URL.Path)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	name := r.PathValue("name")
	if name == "all" {
		writeJSON(w, http.StatusOK, map[string]any{"reports": s.Jobs.RunAll(ctx)})
		return
	}
	rep, err := s.Jobs.Run(ctx, name)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Job failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
