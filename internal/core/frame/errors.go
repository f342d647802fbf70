package frame

import "errors"

var (
	ErrEmptyFrame        = errors.New("frame: empty frame")
	ErrUnknownKind       = errors.New("frame: unknown frame kind")
	ErrBadLength         = errors.New("frame: invalid channel list length")
	ErrTruncated         = errors.New("frame: truncated data")
	ErrTrailingData      = errors.New("frame: trailing data after channel list")
	ErrBadRange          = errors.New("frame: invalid range")
	ErrBadChannel        = errors.New("frame: bad channel")
	ErrUnknownPayloadTag = errors.New("frame: unknown payload tag")
	ErrBadPayload        = errors.New("frame: malformed payload")

	// ErrInvalidPayload is returned when a value cannot be carried on the
	// wire at all (funcs, chans, complex numbers, unmarshalable JSON).
	ErrInvalidPayload = errors.New("frame: invalid payload type")
)
