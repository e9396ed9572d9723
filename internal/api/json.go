package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"ridepool/internal/dispatch"
	"ridepool/internal/model"
	"ridepool/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Reason   model.Reason   `json:"reason,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// reasonStatus maps rejection reasons onto HTTP statuses. Anything missing is a 500.
var reasonStatus = map[model.Reason]int{
	model.ReasonInvalidRequest:     http.StatusBadRequest,
	model.ReasonMalformedMessage:   http.StatusBadRequest,
	model.ReasonDuplicateRequest:   http.StatusConflict,
	model.ReasonCommitFailure:      http.StatusConflict,
	model.ReasonNoStop:             http.StatusUnprocessableEntity,
	model.ReasonSameStop:           http.StatusUnprocessableEntity,
	model.ReasonCommunityConflict:  http.StatusUnprocessableEntity,
	model.ReasonTimeInPast:         http.StatusUnprocessableEntity,
	model.ReasonTimeTooFarInFuture: http.StatusUnprocessableEntity,
	model.ReasonNoVehicles:         http.StatusConflict,
	model.ReasonNoVehiclesBlocker:  http.StatusConflict,
	model.ReasonVehiclesTooSmall:   http.StatusConflict,
	model.ReasonNoRouteFound:       http.StatusConflict,
}

// writeError renders err as a problem; dispatch failures carry their reason.
func writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dispatch.ErrNotBooked):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
		return
	}
	var de *model.DispatchError
	if !errors.As(err, &de) {
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
		return
	}
	status, ok := reasonStatus[de.Reason]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, Problem{
		Type:     "urn:ridepool:reason:" + string(de.Reason),
		Title:    title,
		Status:   status,
		Detail:   de.Message,
		Instance: r.URL.Path,
		Reason:   de.Reason,
		Context:  de.Context,
	})
}
