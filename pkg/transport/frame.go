package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream bindings keep the datagram message format and add a 4-byte
// big-endian length prefix per frame. The cap bounds both directions:
// outbound frames larger than it are a caller bug (the codec's MTU
// check fires first), inbound prefixes larger than it are a hostile or
// desynchronized peer and poison the whole stream.
const defaultMaxFrame = 64 * 1024

func frameLimit(maxFrame int) int {
	if maxFrame <= 0 {
		return defaultMaxFrame
	}
	return maxFrame
}

func writeFrame(w io.Writer, p []byte, maxFrame int) error {
	if limit := frameLimit(maxFrame); len(p) > limit {
		return fmt.Errorf("frame too large: %d > %d", len(p), limit)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

func readFrame(r *bufio.Reader, maxFrame int) ([]byte, error) {
	hdr, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if limit := frameLimit(maxFrame); n > uint32(limit) {
		return nil, fmt.Errorf("frame too large: %d > %d", n, limit)
	}
	_, _ = r.Discard(4)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
