package frame

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

const (
	TagString = 's'
	TagInt    = 'i'
	TagFloat  = 'f'
	TagJSON   = 'j'
	TagNull   = 'n'
)

// EncodePayload renders data as a tag byte followed by its text form.
// Values that are neither strings, integers, floats nor nil travel as JSON.
func EncodePayload(data any) (string, error) {
	switch v := data.(type) {
	case nil:
		return string(TagNull), nil
	case string:
		return string(TagString) + v, nil
	case int:
		return intPayload(int64(v)), nil
	case int8:
		return intPayload(int64(v)), nil
	case int16:
		return intPayload(int64(v)), nil
	case int32:
		return intPayload(int64(v)), nil
	case int64:
		return intPayload(v), nil
	case uint:
		return uintPayload(uint64(v)), nil
	case uint8:
		return uintPayload(uint64(v)), nil
	case uint16:
		return uintPayload(uint64(v)), nil
	case uint32:
		return uintPayload(uint64(v)), nil
	case uint64:
		return uintPayload(v), nil
	case float32:
		return string(TagFloat) + strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return string(TagFloat) + strconv.FormatFloat(v, 'g', -1, 64), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return "", fmt.Errorf("%w: raw JSON is not valid", ErrInvalidPayload)
		}
		return string(TagJSON) + string(v), nil
	}

	switch reflect.TypeOf(data).Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return "", fmt.Errorf("%w: %T", ErrInvalidPayload, data)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(TagJSON) + string(b), nil
}

// ValidatePayload reports whether data can be published to the peer.
func ValidatePayload(data any) error {
	_, err := EncodePayload(data)
	return err
}

// DecodePayload parses a tagged payload segment. Integers decode to int64
// (uint64 when they overflow it), floats to float64 and JSON to the
// encoding/json generic forms.
func DecodePayload(s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing payload tag", ErrBadPayload)
	}
	body := s[1:]
	switch s[0] {
	case TagString:
		return body, nil
	case TagInt:
		if n, err := strconv.ParseInt(body, 10, 64); err == nil {
			return n, nil
		}
		if n, err := strconv.ParseUint(body, 10, 64); err == nil {
			return n, nil
		}
		return nil, fmt.Errorf("%w: integer %q", ErrBadPayload, body)
	case TagFloat:
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: float %q", ErrBadPayload, body)
		}
		return f, nil
	case TagJSON:
		var v any
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return v, nil
	case TagNull:
		if body != "" {
			return nil, fmt.Errorf("%w: null payload carries %d bytes", ErrBadPayload, len(body))
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadTag, s[0])
	}
}

func intPayload(n int64) string {
	return string(TagInt) + strconv.FormatInt(n, 10)
}

func uintPayload(n uint64) string {
	return string(TagInt) + strconv.FormatUint(n, 10)
}
