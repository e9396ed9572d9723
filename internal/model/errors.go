package model

import (
	"errors"
	"fmt"
)

// Reason enumerates every way a dispatch request can fail.
type Reason string

const (
	ReasonDuplicateRequest   Reason = "DuplicateRequest"
	ReasonCommunityConflict  Reason = "CommunityConflict"
	ReasonNoStop             Reason = "NoStop"
	ReasonSameStop           Reason = "SameStop"
	ReasonNoVehicles         Reason = "NoAvailableVehicles"
	ReasonNoVehiclesBlocker  Reason = "NoAvailableVehiclesDueToBlocker"
	ReasonVehiclesTooSmall   Reason = "VehiclesTooSmall"
	ReasonTimeInPast         Reason = "TimeInPast"
	ReasonTimeTooFarInFuture Reason = "TimeTooFarInFuture"
	ReasonNoRouteFound       Reason = "NoRouteFound"
	ReasonSolverInternal     Reason = "SolverInternalError"
	ReasonCommitFailure      Reason = "CommitFailure"
	ReasonMalformedMessage   Reason = "MalformedMessage"
	ReasonInvalidRequest     Reason = "InvalidRequest"
	ReasonInternal           Reason = "Internal"
)

// AllReasons lists the taxonomy in a stable order (metrics pre-registration, docs).
var AllReasons = []Reason{
	ReasonDuplicateRequest, ReasonCommunityConflict, ReasonNoStop, ReasonSameStop,
	ReasonNoVehicles, ReasonNoVehiclesBlocker, ReasonVehiclesTooSmall, ReasonTimeInPast,
	ReasonTimeTooFarInFuture, ReasonNoRouteFound, ReasonSolverInternal, ReasonCommitFailure,
	ReasonMalformedMessage, ReasonInvalidRequest, ReasonInternal,
}

// Retryable reports whether a later attempt (more slack, another window) may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonNoRouteFound, ReasonNoVehicles, ReasonNoVehiclesBlocker, ReasonVehiclesTooSmall:
		return true
	default:
		return false
	}
}

// DispatchError is a domain failure carrying one Reason and optional request context.
type DispatchError struct {
	Reason  Reason
	Message string
	Context map[string]any
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func Fail(reason Reason, format string, args ...any) *DispatchError {
	return &DispatchError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Wrap(reason Reason, err error, msg string) *DispatchError {
	return &DispatchError{Reason: reason, Message: msg, Err: err}
}

// ReasonOf extracts the Reason of err, or ReasonInternal for foreign errors.
func ReasonOf(err error) Reason {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonInternal
}

// WithContext returns a copy of e with extra context merged in.
func (e *DispatchError) WithContext(kv map[string]any) *DispatchError {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+len(kv))
	for k, v := range e.Context {
		out.Context[k] = v
	}
	for k, v := range kv {
		out.Context[k] = v
	}
	return &out
}
