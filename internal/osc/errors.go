package osc

import (
	"errors"
	"fmt"
)

// Decode failure kinds. Every error returned by the decoder wraps exactly one.
var (
	ErrUnrecognizedHeader       = errors.New("unrecognized packet header")
	ErrMissingAddressTerminator = errors.New("missing address terminator")
	ErrInvalidAddress           = errors.New("invalid address")
	ErrMalformedTypeTag         = errors.New("malformed type tag")
	ErrUnknownTypeCode          = errors.New("unknown type code")
	ErrTruncated                = errors.New("truncated packet")
	ErrBundleLength             = errors.New("bundle element length mismatch")
)

// DecodeError describes why a buffer could not be decoded. Offset is relative to
// the start of the buffer handed to the failing decoder, which for nested bundle
// elements is the element payload.
type DecodeError struct {
	Kind   error
	Offset int
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("osc: %s at offset %d", e.Kind, e.Offset)
	}
	return fmt.Sprintf("osc: %s at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

// Unwrap returns the failure kind so callers can use errors.Is.
func (e *DecodeError) Unwrap() error { return e.Kind }

func decodeErr(kind error, offset int, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

// Reason returns a short, stable label for the failure kind of err, suitable for
// metric labels. Errors that are not decode failures map to "other".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnrecognizedHeader):
		return "unrecognized_header"
	case errors.Is(err, ErrMissingAddressTerminator):
		return "missing_address_terminator"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrMalformedTypeTag):
		return "malformed_type_tag"
	case errors.Is(err, ErrUnknownTypeCode):
		return "unknown_type_code"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrBundleLength):
		return "bundle_length"
	default:
		return "other"
	}
}
