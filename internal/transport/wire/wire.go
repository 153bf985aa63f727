// Package wire is the framed TCP protocol shared by the peer and client
// transports. Every message is one frame:
//
//	length   uint32   big endian, bytes after the length field
//	request  uint64   correlation id, echoed in the response frame
//	kind     uint8    message kind, defined per transport
//	payload  []byte   gob-encoded request or response envelope
//
// Connections multiplex concurrent requests; responses are correlated by
// request id and may arrive out of order.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// HeaderSize is the frame header after the length field: request id + kind.
const HeaderSize = 8 + 1

// MaxFrameBytes bounds one frame; snapshots dominate the payload size.
const MaxFrameBytes = 256 << 20

// Envelope wraps every response payload so handler errors survive the wire.
// Body is empty when Err is set.
type Envelope struct {
	Err  string
	Body []byte
}

// WriteFrame writes one frame and flushes the writer.
func WriteFrame(w *bufio.Writer, requestID uint64, kind uint8, payload []byte) error {
	total := HeaderSize + len(payload)
	if total > MaxFrameBytes {
		return fmt.Errorf("wire: frame of %d bytes exceeds limit", total)
	}

	var header [4 + HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	binary.BigEndian.PutUint64(header[4:12], requestID)
	header[12] = kind

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// ReadFrame reads one frame.
func ReadFrame(r *bufio.Reader) (requestID uint64, kind uint8, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, nil, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < HeaderSize || total > MaxFrameBytes {
		return 0, 0, nil, fmt.Errorf("wire: bad frame length %d", total)
	}

	buf := make([]byte, total)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, 0, nil, err
	}
	requestID = binary.BigEndian.Uint64(buf[0:8])
	kind = buf[8]
	return requestID, kind, buf[HeaderSize:], nil
}

// EncodeGob gob-encodes v into a fresh byte slice.
func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeGob decodes gob data into v.
func DecodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
