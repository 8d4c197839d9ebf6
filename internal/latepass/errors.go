package latepass

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Reason is the machine-readable verdict reported by the validation gate and
// attached to errors returned by Use.
type Reason string

const (
	ReasonInvalidQR      Reason = "INVALID_QR"
	ReasonWrongTimetable Reason = "WRONG_TIMETABLE"
	ReasonNotFound       Reason = "TICKET_NOT_FOUND"
	ReasonAlreadyUsed    Reason = "TICKET_ALREADY_USED"
	ReasonCanceled       Reason = "TICKET_CANCELED"
	ReasonExpired        Reason = "TICKET_EXPIRED"
)

// Error is a classified domain error.
type Error struct {
	Code   codes.Code
	Reason Reason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf classifies err. Unclassified errors are Internal.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codes.Internal
}

// ReasonOf returns the verdict reason attached to err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func newError(code codes.Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return newError(codes.NotFound, format, args...)
}

func invalidArgument(format string, args ...any) error {
	return newError(codes.InvalidArgument, format, args...)
}

func failedPrecondition(format string, args ...any) error {
	return newError(codes.FailedPrecondition, format, args...)
}

func internal(err error, msg string) error {
	return &Error{Code: codes.Internal, Msg: msg, Err: err}
}

// errNotFound is returned by repositories for missing rows; services turn it
// into a NotFound error naming the entity.
var errNotFound = errors.New("not found")

// errDuplicateActive is returned by repositories when the partial unique
// index on active tickets rejects an insert.
var errDuplicateActive = errors.New("duplicate active ticket")

// reasonForStatus maps a terminal status to its verdict.
func reasonForStatus(s Status) Reason {
	switch s {
	case StatusUsed:
		return ReasonAlreadyUsed
	case StatusCanceled:
		return ReasonCanceled
	case StatusExpired:
		return ReasonExpired
	}
	return ""
}
