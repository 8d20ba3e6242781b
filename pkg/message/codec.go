package message

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// Decode-side errors. ErrCriticalOption is deliberately distinct from
// ErrMalformed so the caller can answer 4.02 instead of dropping.
var (
	ErrMalformed      = errors.New("malformed message")
	ErrCriticalOption = errors.New("critical option unrecognized")
)

// FormatError is returned by Encode when the message cannot be
// serialized within the protocol or transport limits.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "format: " + e.Reason }

func dbg(msg string, args ...any) {
	logger := slog.Default()
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		logger.Debug(msg, args...)
	}
}

// EncodeUint serializes v big-endian with leading zero bytes stripped;
// zero encodes to an empty value.
func EncodeUint(v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	i := 0
	for i < 3 && tmp[i] == 0 {
		i++
	}
	if v == 0 {
		return nil
	}
	return tmp[i:]
}

// DecodeUint reconstructs a fixed-width uint from its variable-length
// big-endian form. Values longer than 4 bytes are rejected.
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, fmt.Errorf("uint value %d bytes long: %w", len(b), ErrMalformed)
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}

// Extension thresholds of the delta + nibble-length option scheme.
const (
	extByte     = 13 // one extension byte carries value-13
	extWord     = 14 // two extension bytes carry value-269
	nibbleRes   = 15 // reserved outside the payload marker
	extWordBase = 269
)

// Encode serializes m. maxSize bounds the encoded length (the
// transport MTU); maxSize <= 0 disables the check. Encode fails with
// *FormatError when the token is too long, an option violates its
// length bounds, an empty message carries token/options/payload, or
// the result exceeds maxSize.
func Encode(m Message, maxSize int) ([]byte, error) {
	if len(m.Token) > TokenMaxLen {
		return nil, &FormatError{Reason: fmt.Sprintf("token length %d > %d", len(m.Token), TokenMaxLen)}
	}
	if m.IsEmpty() && (len(m.Token) > 0 || m.Options.Len() > 0 || len(m.Payload) > 0) {
		return nil, &FormatError{Reason: "empty message with token, options or payload"}
	}

	var buf bytes.Buffer
	buf.WriteByte(Version<<6 | uint8(m.Type)<<4 | uint8(len(m.Token)))
	buf.WriteByte(uint8(m.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.Write(mid[:])
	buf.Write(m.Token)

	prev := OptionNumber(0)
	for _, opt := range m.Options.sorted() {
		if !opt.Number.validLength(len(opt.Value)) {
			return nil, &FormatError{Reason: fmt.Sprintf("option %d: value length %d out of bounds", opt.Number, len(opt.Value))}
		}
		writeOption(&buf, uint32(opt.Number-prev), opt.Value)
		prev = opt.Number
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(PayloadMarker)
		buf.Write(m.Payload)
	}

	if maxSize > 0 && buf.Len() > maxSize {
		return nil, &FormatError{Reason: fmt.Sprintf("encoded length %d exceeds MTU %d", buf.Len(), maxSize)}
	}
	dbg("codec.encode", "type", m.Type, "code", m.Code, "bytes", buf.Len())
	return buf.Bytes(), nil
}

func writeOption(buf *bytes.Buffer, delta uint32, value []byte) {
	dn, dext := splitExt(delta)
	ln, lext := splitExt(uint32(len(value)))
	buf.WriteByte(dn<<4 | ln)
	buf.Write(dext)
	buf.Write(lext)
	buf.Write(value)
}

// splitExt maps a delta or length onto its nibble and extension bytes.
func splitExt(v uint32) (uint8, []byte) {
	switch {
	case v < extByte:
		return uint8(v), nil
	case v < extWordBase:
		return extByte, []byte{uint8(v - extByte)}
	default:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(v-extWordBase))
		return extWord, ext[:]
	}
}

// Decode parses one message from b. On ErrCriticalOption the returned
// message still carries the header fields (and any options parsed so
// far) so the caller can address its rejection response.
//
// The wire deltas are unsigned, so non-ascending option order cannot be
// expressed; inputs that try (via the reserved nibble 15) are rejected
// as malformed.
func Decode(b []byte) (Message, error) {
	var m Message
	if len(b) < 4 {
		return m, fmt.Errorf("header %d bytes: %w", len(b), ErrMalformed)
	}
	if b[0]>>6 != Version {
		return m, fmt.Errorf("version %d: %w", b[0]>>6, ErrMalformed)
	}
	m.Type = Type(b[0] >> 4 & 0x3)
	tkl := int(b[0] & 0xf)
	m.Code = Code(b[1])
	m.MessageID = binary.BigEndian.Uint16(b[2:4])

	if tkl > TokenMaxLen {
		return m, fmt.Errorf("token length %d: %w", tkl, ErrMalformed)
	}
	if len(b) < 4+tkl {
		return m, fmt.Errorf("token truncated: %w", ErrMalformed)
	}
	m.Token = append([]byte(nil), b[4:4+tkl]...)

	rest := b[4+tkl:]
	number := OptionNumber(0)
	for len(rest) > 0 {
		if rest[0] == PayloadMarker {
			if len(rest) == 1 {
				return m, fmt.Errorf("payload marker with no payload: %w", ErrMalformed)
			}
			m.Payload = append([]byte(nil), rest[1:]...)
			break
		}
		dn := rest[0] >> 4
		ln := rest[0] & 0xf
		if dn == nibbleRes || ln == nibbleRes {
			return m, fmt.Errorf("reserved option nibble: %w", ErrMalformed)
		}
		rest = rest[1:]

		delta, r, err := readExt(dn, rest)
		if err != nil {
			return m, err
		}
		length, r, err := readExt(ln, r)
		if err != nil {
			return m, err
		}
		if uint32(len(r)) < length {
			return m, fmt.Errorf("option value truncated: %w", ErrMalformed)
		}
		number += OptionNumber(delta)
		value := append([]byte(nil), r[:length]...)
		rest = r[length:]

		switch {
		case !number.recognized() && number.Critical():
			return m, fmt.Errorf("option %d: %w", number, ErrCriticalOption)
		case !number.validLength(len(value)):
			// A malformed option value is treated like an
			// unrecognized option: fatal if critical, skipped
			// if elective.
			if number.Critical() {
				return m, fmt.Errorf("option %d length %d: %w", number, len(value), ErrCriticalOption)
			}
			dbg("codec.skip_option", "number", number, "len", len(value))
		default:
			// Unrecognized elective options are retained.
			m.Options = append(m.Options, Option{Number: number, Value: value})
		}
	}

	if m.IsEmpty() && (tkl > 0 || m.Options.Len() > 0 || len(m.Payload) > 0) {
		return m, fmt.Errorf("empty message with token, options or payload: %w", ErrMalformed)
	}
	dbg("codec.decode", "type", m.Type, "code", m.Code, "bytes", len(b))
	return m, nil
}

// readExt resolves one nibble plus its extension bytes into a value.
func readExt(nib uint8, rest []byte) (uint32, []byte, error) {
	switch nib {
	case extByte:
		if len(rest) < 1 {
			return 0, nil, fmt.Errorf("extension byte truncated: %w", ErrMalformed)
		}
		return uint32(rest[0]) + extByte, rest[1:], nil
	case extWord:
		if len(rest) < 2 {
			return 0, nil, fmt.Errorf("extension word truncated: %w", ErrMalformed)
		}
		return uint32(binary.BigEndian.Uint16(rest[:2])) + extWordBase, rest[2:], nil
	default:
		return uint32(nib), rest, nil
	}
}
