package record

import "errors"

var (
	// ErrTypeViolation is returned when a key or value fails a record's
	// insertion check. The record is left unchanged.
	ErrTypeViolation = errors.New("type violation")

	// ErrKeyMissing is returned when a lookup or removal references a key
	// that is not present.
	ErrKeyMissing = errors.New("key missing")

	// ErrShapeMismatch is returned when an array's payload length is not
	// consistent with its declared dtype and shape.
	ErrShapeMismatch = errors.New("array shape mismatch")
)
