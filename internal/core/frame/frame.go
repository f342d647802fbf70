// Package frame implements the text wire format spoken between a router and
// its peer.
//
// Three frame kinds exist, each selected by its first byte:
//
//	s<len>:<channels>                        subscribe
//	u<len>:<channels>                        unsubscribe
//	p<range><len>:<channels><tag><payload>   publish
//
// <channels> is a comma separated list in which literal commas are escaped as
// "\,"; <len> is its byte length in decimal. The publish payload starts with a
// one byte type tag (s, i, f, j or n).
package frame

import (
	"fmt"
	"strings"
)

// Kind is the control prefix of a frame.
type Kind byte

const (
	KindSubscribe   Kind = 's'
	KindUnsubscribe Kind = 'u'
	KindPublish     Kind = 'p'
)

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindPublish:
		return "publish"
	default:
		return fmt.Sprintf("kind(%q)", byte(k))
	}
}

// Frame is one decoded control message. Range and Payload are only
// meaningful for publish frames.
type Frame struct {
	Kind     Kind
	Range    Range
	Channels []string
	Payload  any
}

func Subscribe(channels ...string) Frame {
	return Frame{Kind: KindSubscribe, Channels: channels}
}

func Unsubscribe(channels ...string) Frame {
	return Frame{Kind: KindUnsubscribe, Channels: channels}
}

func Publish(r Range, channels []string, data any) Frame {
	return Frame{Kind: KindPublish, Range: r, Channels: channels, Payload: data}
}

// Encode renders f in wire form.
func (f Frame) Encode() (string, error) {
	list, err := EncodeChannels(f.Channels)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	switch f.Kind {
	case KindSubscribe, KindUnsubscribe:
		b.Grow(len(list) + 12)
		b.WriteByte(byte(f.Kind))
		writeChannelList(&b, list)
	case KindPublish:
		digit, err := f.Range.digit()
		if err != nil {
			return "", err
		}
		payload, err := EncodePayload(f.Payload)
		if err != nil {
			return "", err
		}
		b.Grow(len(list) + len(payload) + 13)
		b.WriteByte(byte(KindPublish))
		b.WriteByte(digit)
		writeChannelList(&b, list)
		b.WriteString(payload)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, byte(f.Kind))
	}
	return b.String(), nil
}

// Decode parses one wire frame. Only the first byte selects the kind; the
// length field must follow the prefix (and the range digit) immediately.
func Decode(msg string) (Frame, error) {
	if msg == "" {
		return Frame{}, ErrEmptyFrame
	}

	kind := Kind(msg[0])
	switch kind {
	case KindSubscribe, KindUnsubscribe:
		channels, rest, err := readChannelList(msg[1:])
		if err != nil {
			return Frame{}, err
		}
		if rest != "" {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest))
		}
		return Frame{Kind: kind, Channels: channels}, nil
	case KindPublish:
		if len(msg) < 2 {
			return Frame{}, fmt.Errorf("%w: publish frame without range", ErrTruncated)
		}
		r, err := rangeFromDigit(msg[1])
		if err != nil {
			return Frame{}, err
		}
		channels, rest, err := readChannelList(msg[2:])
		if err != nil {
			return Frame{}, err
		}
		payload, err := DecodePayload(rest)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind, Range: r, Channels: channels, Payload: payload}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownKind, msg[0])
	}
}
