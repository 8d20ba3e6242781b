package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Content-Format registry values carried in the ContentFormat/Accept
// options.
const (
	MediaTextPlain  uint32 = 0
	MediaLinkFormat uint32 = 40
	MediaXML        uint32 = 41
	MediaOctets     uint32 = 42
	MediaJSON       uint32 = 50
	MediaCBOR       uint32 = 60
)

// encMode uses Core Deterministic Encoding so the same logical payload
// always produces identical bytes (and so dedup-replayed responses are
// byte-stable).
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}
}

// SetCBORPayload encodes v as CBOR into the payload and tags the
// message with Content-Format application/cbor.
func (m *Message) SetCBORPayload(v any) error {
	b, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	m.Payload = b
	return m.Options.SetUint(ContentFormat, MediaCBOR)
}

// CBORPayload decodes the payload into v. It fails when the message is
// tagged with a Content-Format other than application/cbor; an
// untagged payload is decoded optimistically.
func (m *Message) CBORPayload(v any) error {
	if cf, ok := m.Options.GetUint(ContentFormat); ok && cf != MediaCBOR {
		return fmt.Errorf("content format %d is not CBOR", cf)
	}
	return cbor.Unmarshal(m.Payload, v)
}
