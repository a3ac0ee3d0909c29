package types

import (
	"errors"
	"fmt"
)

// Session errors. Handlers map these onto HTTP codes, everything else is a
// driver or internal failure.
var (
	ErrNotConnected          = errors.New("not connected to a box")
	ErrAlreadyRecording      = errors.New("a recording is already active")
	ErrNotRecording          = errors.New("no recording active")
	ErrNotStimulating        = errors.New("no stimulation active")
	ErrConcurrentOperation   = errors.New("another operation is in progress")
	ErrNoStimulationSettings = errors.New("no stimulation settings uploaded")
	ErrSettingsIncomplete    = errors.New("recording settings incomplete")
)

// DeviceUnavailableError means the physical box is not reachable at all.
type DeviceUnavailableError struct {
	Reason string
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device unavailable: %s", e.Reason)
}

// DriverError is a low-level failure talking to the box: a timeout, a broken
// link or the known incompatible-driver condition. Fatal marks link failures
// that invalidate the session.
type DriverError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s failed: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// ErrIncompatibleDriver is the well-known operational failure mode where the
// installed low-level driver does not match the box firmware. It is surfaced
// by name, never retried silently.
var ErrIncompatibleDriver = errors.New("incompatible device driver installed")

// ParseError reports a malformed or out-of-range settings document. Nothing
// has been applied when it is returned.
type ParseError struct {
	Element string
	Attr    string
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Attr != "" {
		return fmt.Sprintf("invalid %s attribute %q: %s", e.Element, e.Attr, e.Reason)
	}
	return fmt.Sprintf("invalid %s element: %s", e.Element, e.Reason)
}

// MappingConflictError reports an electrode claimed by two stimulation units
// on the same box. Both claimants are named.
type MappingConflictError struct {
	Box        int
	Probe      int
	Electrode  int
	FirstUnit  int
	SecondUnit int
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf(
		"electrode %d on box %d probe %d is claimed by stimulation units %d and %d",
		e.Electrode, e.Box, e.Probe, e.FirstUnit, e.SecondUnit)
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
