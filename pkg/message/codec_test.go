package message

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeGet(t *testing.T) {
	m := Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0x1234,
		Token:     []byte{0x37},
	}
	if err := m.Options.Add(UriPath, []byte("temp")); err != nil {
		t.Fatal(err)
	}

	b, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != Confirmable || got.Code != GET || got.MessageID != 0x1234 {
		t.Fatalf("header mismatch: %s", got.String())
	}
	if !bytes.Equal(got.Token, []byte{0x37}) {
		t.Fatalf("token mismatch: %x", got.Token)
	}
	if got.Options.Len() != 1 {
		t.Fatalf("want 1 option, got %d", got.Options.Len())
	}
	if v, ok := got.Options.Get(UriPath); !ok || !bytes.Equal(v, []byte("temp")) {
		t.Fatalf("uri-path mismatch: %q", v)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("unexpected payload: %x", got.Payload)
	}
}

func TestRoundTripPayloadAndRepeats(t *testing.T) {
	m := Message{
		Type:      NonConfirmable,
		Code:      POST,
		MessageID: 0xbeef,
		Token:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Payload:   []byte("hello sensor"),
	}
	for _, seg := range []string{"a", "bb", "ccc"} {
		if err := m.Options.Add(UriPath, []byte(seg)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Options.SetUint(ContentFormat, MediaTextPlain); err != nil {
		t.Fatal(err)
	}

	b, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
	var segs []string
	for v := range got.Options.Find(UriPath) {
		segs = append(segs, string(v))
	}
	if len(segs) != 3 || segs[0] != "a" || segs[1] != "bb" || segs[2] != "ccc" {
		t.Fatalf("uri-path segments %v", segs)
	}
}

// Extension-byte boundaries of the delta/length nibble scheme: deltas
// 12 (plain), 13 and 268 (one byte), 269+ (two bytes).
func TestOptionDeltaExtensions(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, MessageID: 1, Token: []byte{9}}
	for _, n := range []OptionNumber{UriHost, UriPath, Size1, NoResponse, 2000} {
		var v []byte
		if n == UriHost {
			v = []byte("h")
		}
		if err := m.Options.Add(n, v); err != nil {
			t.Fatal(err)
		}
	}
	b, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var nums []OptionNumber
	for _, opt := range got.Options {
		nums = append(nums, opt.Number)
	}
	want := []OptionNumber{UriHost, UriPath, Size1, NoResponse, 2000}
	if len(nums) != len(want) {
		t.Fatalf("numbers %v", nums)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("numbers %v, want %v", nums, want)
		}
	}
}

func TestLongValueExtension(t *testing.T) {
	long := bytes.Repeat([]byte{0xab}, 700)
	m := Message{Type: Confirmable, Code: PUT, MessageID: 7, Token: []byte{1}}
	if err := m.Options.Add(ProxyUri, long); err != nil {
		t.Fatal(err)
	}
	b, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := got.Options.Get(ProxyUri); !ok || !bytes.Equal(v, long) {
		t.Fatalf("long value mismatch (len %d)", len(v))
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(Message{Type: Confirmable, Code: GET, MessageID: 1, Token: []byte{1}}, 0)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		b    []byte
	}{
		{"short header", []byte{0x40, 0x01, 0x00}},
		{"bad version", []byte{0x80, 0x01, 0x00, 0x01}},
		{"token length 9", []byte{0x49, 0x01, 0x00, 0x01}},
		{"token truncated", []byte{0x42, 0x01, 0x00, 0x01, 0xaa}},
		{"reserved nibble", append(append([]byte{}, valid...), 0xf1, 0x00)},
		{"delta ext truncated", append(append([]byte{}, valid...), 0xd0)},
		{"length ext truncated", append(append([]byte{}, valid...), 0xbd)},
		{"value truncated", append(append([]byte{}, valid...), 0xb2, 0xaa)},
		{"marker no payload", append(append([]byte{}, valid...), 0xff)},
		{"empty with token", []byte{0x61, 0x00, 0x00, 0x01, 0xaa}},
	}
	for _, tc := range cases {
		_, err := Decode(tc.b)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: want ErrMalformed, got %v", tc.name, err)
		}
	}
}

func TestDecodeCriticalUnrecognized(t *testing.T) {
	// Option 9 is odd (critical) and not in the registry.
	m := Message{Type: Confirmable, Code: GET, MessageID: 0x0101, Token: []byte{5}}
	if err := m.Options.Add(9, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	b, err := Encode(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if !errors.Is(err, ErrCriticalOption) {
		t.Fatalf("want ErrCriticalOption, got %v", err)
	}
	if errors.Is(err, ErrMalformed) {
		t.Fatal("critical-option error must be distinct from malformed")
	}
	// Header fields survive so the caller can address a 4.02/RST.
	if got.MessageID != 0x0101 || got.Type != Confirmable {
		t.Fatalf("header not preserved: %s", got.String())
	}
}

func TestDecodeElectiveUnrecognizedRetained(t *testing.T) {
	// Option 1000 is even (elective) and unknown to the registry.
	m := Message{Type: NonConfirmable, Code: GET, MessageID: 2, Token: []byte{5}}
	if err := m.Options.Add(1000, []byte("x")); err != nil {
		t.Fatal(err)
	}
	b, err := Encode(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := got.Options.Get(1000); !ok || string(v) != "x" {
		t.Fatalf("elective option not retained: %v %q", ok, v)
	}
}

func TestEncodeLimits(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, MessageID: 1, Token: bytes.Repeat([]byte{1}, 9)}
	var fe *FormatError
	if _, err := Encode(m, 0); !errors.As(err, &fe) {
		t.Fatalf("long token: want FormatError, got %v", err)
	}

	m = Message{Type: Confirmable, Code: GET, MessageID: 1, Token: []byte{1},
		Payload: bytes.Repeat([]byte{0xaa}, 2000)}
	if _, err := Encode(m, DefaultMTU); !errors.As(err, &fe) {
		t.Fatalf("MTU: want FormatError, got %v", err)
	}
	if _, err := Encode(m, 0); err != nil {
		t.Fatalf("unbounded encode: %v", err)
	}

	m = Message{Type: Acknowledgement, Code: Empty, MessageID: 1, Token: []byte{1}}
	if _, err := Encode(m, 0); !errors.As(err, &fe) {
		t.Fatalf("empty with token: want FormatError, got %v", err)
	}
}

func TestUintRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 12, 255, 256, 60000, 1 << 20, 0xffffffff} {
		b := EncodeUint(v)
		got, err := DecodeUint(b)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("uint round trip: %d -> %x -> %d", v, b, got)
		}
		if len(b) > 0 && b[0] == 0 {
			t.Fatalf("leading zero byte in %x for %d", b, v)
		}
	}
	if _, err := DecodeUint([]byte{1, 2, 3, 4, 5}); err == nil {
		t.Fatal("5-byte uint accepted")
	}
}

func TestCBORPayload(t *testing.T) {
	type reading struct {
		Sensor string  `cbor:"sensor"`
		Value  float64 `cbor:"value"`
	}
	var m Message
	m.Type = Confirmable
	m.Code = Content
	m.MessageID = 3
	m.Token = []byte{7}
	if err := m.SetCBORPayload(reading{Sensor: "temp", Value: 21.5}); err != nil {
		t.Fatal(err)
	}
	if cf, ok := m.Options.GetUint(ContentFormat); !ok || cf != MediaCBOR {
		t.Fatalf("content format %d %v", cf, ok)
	}

	b, err := Encode(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	var r reading
	if err := got.CBORPayload(&r); err != nil {
		t.Fatal(err)
	}
	if r.Sensor != "temp" || r.Value != 21.5 {
		t.Fatalf("payload %+v", r)
	}

	if err := got.Options.SetUint(ContentFormat, MediaJSON); err != nil {
		t.Fatal(err)
	}
	if err := got.CBORPayload(&r); err == nil {
		t.Fatal("JSON-tagged payload decoded as CBOR")
	}
}
