package message

import (
	"bytes"
	"errors"
	"testing"
)

// Options inserted out of order must still encode in ascending
// numeric order.
func TestEncodeSortsOptions(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, MessageID: 1, Token: []byte{1}}
	if err := m.Options.AddUint(MaxAge, 60); err != nil { // 14
		t.Fatal(err)
	}
	if err := m.Options.Add(UriHost, []byte("node")); err != nil { // 3
		t.Fatal(err)
	}
	if err := m.Options.Add(UriPath, []byte("x")); err != nil { // 11
		t.Fatal(err)
	}

	b, err := Encode(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	prev := OptionNumber(0)
	for _, opt := range got.Options {
		if opt.Number < prev {
			t.Fatalf("descending option order: %d after %d", opt.Number, prev)
		}
		prev = opt.Number
	}
	if got.Options.Len() != 3 {
		t.Fatalf("want 3 options, got %d", got.Options.Len())
	}
}

func TestFindRestartable(t *testing.T) {
	var o Options
	for _, q := range []string{"a=1", "b=2", "c=3"} {
		if err := o.Add(UriQuery, []byte(q)); err != nil {
			t.Fatal(err)
		}
	}
	if err := o.Add(UriPath, []byte("p")); err != nil {
		t.Fatal(err)
	}

	seq := o.Find(UriQuery)
	for range 2 { // the sequence restarts cleanly
		n := 0
		for v := range seq {
			if !bytes.HasPrefix(v, []byte{byte('a' + n)}) {
				t.Fatalf("value %q at position %d", v, n)
			}
			n++
		}
		if n != 3 {
			t.Fatalf("want 3 values, got %d", n)
		}
	}

	// Early break must not panic or corrupt the table.
	for range o.Find(UriQuery) {
		break
	}
	if o.Len() != 4 {
		t.Fatalf("table mutated: %d", o.Len())
	}
}

func TestAddBounds(t *testing.T) {
	var o Options
	var fe *FormatError
	if err := o.Add(ContentFormat, []byte{1, 2, 3}); !errors.As(err, &fe) {
		t.Fatalf("content-format 3 bytes: want FormatError, got %v", err)
	}
	if err := o.Add(UriHost, nil); !errors.As(err, &fe) {
		t.Fatalf("uri-host empty: want FormatError, got %v", err)
	}
	if err := o.Add(ETag, bytes.Repeat([]byte{1}, 9)); !errors.As(err, &fe) {
		t.Fatalf("etag 9 bytes: want FormatError, got %v", err)
	}
	if o.Len() != 0 {
		t.Fatalf("failed adds must not insert: %d", o.Len())
	}
}

func TestSetRemove(t *testing.T) {
	var o Options
	if err := o.Add(UriPath, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := o.Add(UriPath, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := o.Set(UriPath, []byte("only")); err != nil {
		t.Fatal(err)
	}
	if o.Len() != 1 {
		t.Fatalf("set left %d values", o.Len())
	}
	o.Remove(UriPath)
	if o.Contains(UriPath) {
		t.Fatal("remove left values behind")
	}
}

func TestPathHelpers(t *testing.T) {
	var o Options
	if err := o.SetPath("/sensors/temp/"); err != nil {
		t.Fatal(err)
	}
	if got := o.Path(); got != "/sensors/temp" {
		t.Fatalf("path %q", got)
	}
	var empty Options
	if got := empty.Path(); got != "/" {
		t.Fatalf("empty path %q", got)
	}
}

func TestCriticalPredicate(t *testing.T) {
	if !UriPath.Critical() || !IfMatch.Critical() {
		t.Fatal("odd numbers are critical")
	}
	if ContentFormat.Critical() || MaxAge.Critical() {
		t.Fatal("even numbers are elective")
	}
}
