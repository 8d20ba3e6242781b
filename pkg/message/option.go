package message

import (
	"fmt"
	"iter"
	"sort"
	"strings"
)

// OptionNumber identifies the semantics of an option. Odd numbers are
// critical: a receiver that does not recognize one must reject the
// whole message. Even numbers are elective and may be ignored.
type OptionNumber uint16

const (
	IfMatch       OptionNumber = 1
	UriHost       OptionNumber = 3
	ETag          OptionNumber = 4
	IfNoneMatch   OptionNumber = 5
	Observe       OptionNumber = 6
	UriPort       OptionNumber = 7
	LocationPath  OptionNumber = 8
	UriPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	MaxAge        OptionNumber = 14
	UriQuery      OptionNumber = 15
	Accept        OptionNumber = 17
	LocationQuery OptionNumber = 20
	Block2        OptionNumber = 23
	Block1        OptionNumber = 27
	Size2         OptionNumber = 28
	ProxyUri      OptionNumber = 35
	ProxyScheme   OptionNumber = 39
	Size1         OptionNumber = 60
	NoResponse    OptionNumber = 258
)

// Critical reports whether an unrecognized occurrence of this number
// must cause rejection of the message.
func (n OptionNumber) Critical() bool { return n&1 == 1 }

// Unsafe reports whether a proxy that does not understand the option
// must not forward the message.
func (n OptionNumber) Unsafe() bool { return n&2 == 2 }

// Option is a single (number, value) pair.
type Option struct {
	Number OptionNumber
	Value  []byte
}

type optionDef struct {
	minLen     int
	maxLen     int
	repeatable bool
}

// Registered bounds per RFC 7252/7959. Unknown numbers fall back to
// maxOptionLen so elective options from future registries round-trip.
var optionDefs = map[OptionNumber]optionDef{
	IfMatch:       {0, 8, true},
	UriHost:       {1, 255, false},
	ETag:          {1, 8, true},
	IfNoneMatch:   {0, 0, false},
	Observe:       {0, 3, false},
	UriPort:       {0, 2, false},
	LocationPath:  {0, 255, true},
	UriPath:       {0, 255, true},
	ContentFormat: {0, 2, false},
	MaxAge:        {0, 4, false},
	UriQuery:      {0, 255, true},
	Accept:        {0, 2, false},
	LocationQuery: {0, 255, true},
	Block2:        {0, 3, false},
	Block1:        {0, 3, false},
	Size2:         {0, 4, false},
	ProxyUri:      {1, 1034, false},
	ProxyScheme:   {1, 255, false},
	Size1:         {0, 4, false},
	NoResponse:    {0, 1, false},
}

// Largest value any registered option admits (Proxy-Uri).
const maxOptionLen = 1034

// validLength reports whether a value of length l is admissible for n.
func (n OptionNumber) validLength(l int) bool {
	def, ok := optionDefs[n]
	if !ok {
		return l <= maxOptionLen
	}
	return l >= def.minLen && l <= def.maxLen
}

// recognized reports whether n is in the registry this engine knows.
func (n OptionNumber) recognized() bool {
	_, ok := optionDefs[n]
	return ok
}

// Options is the ordered option table of a message. Insertion order is
// free; the canonical ascending-number order is established when the
// message is encoded. Values are not copied.
type Options []Option

// Add appends a value for number n. It fails when the value violates
// the per-number length bounds.
func (o *Options) Add(n OptionNumber, v []byte) error {
	if !n.validLength(len(v)) {
		return &FormatError{Reason: fmt.Sprintf("option %d: value length %d out of bounds", n, len(v))}
	}
	*o = append(*o, Option{Number: n, Value: v})
	return nil
}

// Set removes every value for n and adds v.
func (o *Options) Set(n OptionNumber, v []byte) error {
	o.Remove(n)
	return o.Add(n, v)
}

// AddUint appends a numeric value in the variable-length big-endian
// form (leading zero bytes stripped).
func (o *Options) AddUint(n OptionNumber, v uint32) error {
	return o.Add(n, EncodeUint(v))
}

// SetUint replaces every value for n with the numeric value v.
func (o *Options) SetUint(n OptionNumber, v uint32) error {
	o.Remove(n)
	return o.AddUint(n, v)
}

// Remove deletes every value for n.
func (o *Options) Remove(n OptionNumber) {
	out := (*o)[:0]
	for _, opt := range *o {
		if opt.Number != n {
			out = append(out, opt)
		}
	}
	*o = out
}

// Find yields the values stored for n, in table order. The sequence is
// finite and may be ranged over any number of times.
func (o Options) Find(n OptionNumber) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, opt := range o {
			if opt.Number == n && !yield(opt.Value) {
				return
			}
		}
	}
}

// Get returns the first value for n.
func (o Options) Get(n OptionNumber) ([]byte, bool) {
	for _, opt := range o {
		if opt.Number == n {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetUint returns the first value for n decoded as a big-endian uint.
func (o Options) GetUint(n OptionNumber) (uint32, bool) {
	v, ok := o.Get(n)
	if !ok {
		return 0, false
	}
	u, err := DecodeUint(v)
	if err != nil {
		return 0, false
	}
	return u, true
}

// Contains reports whether at least one value for n is present.
func (o Options) Contains(n OptionNumber) bool {
	_, ok := o.Get(n)
	return ok
}

// Len is the number of (number, value) pairs in the table.
func (o Options) Len() int { return len(o) }

// sorted returns the table in canonical ascending-number order,
// preserving the relative order of repeated numbers.
func (o Options) sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// SetPath replaces the Uri-Path options with the segments of path.
func (o *Options) SetPath(path string) error {
	o.Remove(UriPath)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		if err := o.Add(UriPath, []byte(seg)); err != nil {
			return err
		}
	}
	return nil
}

// Path joins the Uri-Path segments into a "/"-prefixed string.
func (o Options) Path() string {
	var b strings.Builder
	for seg := range o.Find(UriPath) {
		b.WriteByte('/')
		b.Write(seg)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
