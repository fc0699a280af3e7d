package command

import (
	"errors"
	"fmt"
)

// RejectReason classifies why a payload was rejected.
type RejectReason string

const (
	BadLength RejectReason = "bad_length"
	BadValue  RejectReason = "bad_value"
	BadFormat RejectReason = "bad_format"
)

// ParseError reports a rejected transport payload. Transports map the
// reason onto their own protocol-level error codes.
type ParseError struct {
	Reason RejectReason
	Msg    string
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// Is allows errors.Is to compare ParseError values by Reason
func (e *ParseError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ParseError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Predefined sentinel errors for rejection reasons
var (
	ErrBadLength = &ParseError{Reason: BadLength}
	ErrBadValue  = &ParseError{Reason: BadValue}
	ErrBadFormat = &ParseError{Reason: BadFormat}
)

// IsRejection reports whether err is a ParseError of any reason.
func IsRejection(err error) bool {
	var perr *ParseError
	return errors.As(err, &perr)
}

func rejectf(reason RejectReason, format string, args ...interface{}) error {
	return &ParseError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}
