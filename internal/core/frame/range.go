package frame

import (
	"fmt"
	"strings"
)

// Range decides how far a published event travels.
type Range int

const (
	// ClientOnly events never leave the publishing process.
	ClientOnly Range = 0
	// ServerOnly events reach the peer, which must not re-broadcast them.
	ServerOnly Range = 1
	// All events reach the peer for re-broadcast to its other clients.
	All Range = 2
)

func (r Range) Valid() bool {
	return r >= ClientOnly && r <= All
}

func (r Range) String() string {
	switch r {
	case ClientOnly:
		return "client-only"
	case ServerOnly:
		return "server-only"
	case All:
		return "all"
	default:
		return fmt.Sprintf("range(%d)", int(r))
	}
}

// ParseRange accepts the names printed by String and the wire digits.
func ParseRange(raw string) (Range, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "client-only", "clientonly", "client", "0":
		return ClientOnly, nil
	case "server-only", "serveronly", "server", "1":
		return ServerOnly, nil
	case "all", "2":
		return All, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadRange, raw)
	}
}

func (r Range) digit() (byte, error) {
	if !r.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrBadRange, int(r))
	}
	return byte('0' + r), nil
}

func rangeFromDigit(c byte) (Range, error) {
	if c < '0' || c > '9' {
		return 0, fmt.Errorf("%w: %q", ErrBadRange, c)
	}
	r := Range(c - '0')
	if !r.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrBadRange, int(r))
	}
	return r, nil
}

func (r Range) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadRange, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Range) UnmarshalText(text []byte) error {
	parsed, err := ParseRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
