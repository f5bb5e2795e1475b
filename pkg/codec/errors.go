package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedType is returned when a value has no registered encoder and is not natively representable.
	ErrUnsupportedType = errors.New("unsupported type for serialization")

	// ErrDecode is returned for malformed tagged structures.
	ErrDecode = errors.New("failed to decode tagged structure")

	// ErrEncoderRegistered is returned when an encoder for the same type is registered twice.
	ErrEncoderRegistered = errors.New("encoder already registered for type")

	// ErrDecoderRegistered is returned when a decoder for the same tag is registered twice.
	ErrDecoderRegistered = errors.New("decoder already registered for tag")

	// ErrRegistryFrozen is returned when registering after Freeze.
	ErrRegistryFrozen = errors.New("codec registry is frozen")

	// ErrFormatRegistered is returned when a wire format content type is registered twice.
	ErrFormatRegistered = errors.New("format already registered for content type")

	// ErrFormatNil is returned when registering a nil wire format.
	ErrFormatNil = errors.New("format is nil")

	// ErrUnknownContentType is returned when no wire format is registered for a content type.
	ErrUnknownContentType = errors.New("unknown content type")
)

// DecodeError describes a failure to decode one tagged structure.
type DecodeError struct {
	Tag string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
