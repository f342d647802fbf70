package frame

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	separator = ','
	escape    = '\\'

	// maxLengthDigits bounds the decimal length field; longer prefixes are
	// treated as garbage rather than parsed.
	maxLengthDigits = 9
)

// EncodeChannels joins names with ',' after escaping literal commas as "\,".
func EncodeChannels(names []string) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("%w: empty channel list", ErrBadChannel)
	}
	var b strings.Builder
	for i, name := range names {
		if err := CheckName(name); err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteByte(separator)
		}
		b.WriteString(strings.ReplaceAll(name, ",", `\,`))
	}
	return b.String(), nil
}

// DecodeChannels splits on unescaped commas and unescapes "\," back to ",".
// It refuses every name EncodeChannels would refuse.
func DecodeChannels(list string) ([]string, error) {
	if list == "" {
		return nil, fmt.Errorf("%w: empty channel list", ErrBadChannel)
	}
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(list); i++ {
		c := list[i]
		if c == escape && i+1 < len(list) && list[i+1] == separator {
			cur.WriteByte(separator)
			i++
			continue
		}
		if c == separator {
			if cur.Len() == 0 {
				return nil, fmt.Errorf("%w: empty name at offset %d", ErrBadChannel, i)
			}
			if err := CheckName(cur.String()); err != nil {
				return nil, err
			}
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	if cur.Len() == 0 {
		return nil, fmt.Errorf("%w: trailing separator", ErrBadChannel)
	}
	if err := CheckName(cur.String()); err != nil {
		return nil, err
	}
	return append(out, cur.String()), nil
}

// CheckName reports whether name can be carried in a channel list. A trailing
// backslash would merge with the following separator, so it is refused.
func CheckName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadChannel)
	}
	if strings.HasSuffix(name, `\`) {
		return fmt.Errorf("%w: %q ends with an escape character", ErrBadChannel, name)
	}
	return nil
}

func writeChannelList(b *strings.Builder, list string) {
	b.WriteString(strconv.Itoa(len(list)))
	b.WriteByte(':')
	b.WriteString(list)
}

// readChannelList consumes "<len>:<list>" from the start of s and returns the
// decoded names plus whatever follows the list.
func readChannelList(s string) ([]string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return nil, "", fmt.Errorf("%w: missing length prefix", ErrBadLength)
	}
	if colon > maxLengthDigits {
		return nil, "", fmt.Errorf("%w: length field too long", ErrBadLength)
	}
	n := 0
	for i := 0; i < colon; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return nil, "", fmt.Errorf("%w: %q", ErrBadLength, s[:colon])
		}
		n = n*10 + int(c-'0')
	}
	body := s[colon+1:]
	if n > len(body) {
		return nil, "", fmt.Errorf("%w: list wants %d bytes, have %d", ErrTruncated, n, len(body))
	}
	names, err := DecodeChannels(body[:n])
	if err != nil {
		return nil, "", err
	}
	return names, body[n:], nil
}
