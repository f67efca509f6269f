package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds the encoded size of one message. A peer exceeding it
// is disconnected.
const MaxMessageSize = 16 << 20

// ErrTooLarge is returned when a frame exceeds MaxMessageSize; the
// connection carrying it must be closed.
var ErrTooLarge = errors.New("message exceeds maximum size")

// EncodedSize returns the number of bytes Write will produce for m,
// including the leading length field.
func (m *Message) EncodedSize() int {
	n := 4 + 2 + 4 + 1
	for _, c := range m.Components {
		n += 4 + len(c)
	}
	n += 4 + len(m.Payload)
	return n
}

// AppendWire appends the wire form of m to buf and returns the result.
// Layout, little-endian: u32 total_len (bytes after this field), u16
// n_components, u32 request_id, u8 flags, then per component u32 len and
// bytes, then u32 payload_len and payload bytes.
func (m *Message) AppendWire(buf []byte) ([]byte, error) {
	total := m.EncodedSize()
	if total > MaxMessageSize {
		return buf, ErrTooLarge
	}
	if len(m.Components) > 0xffff {
		return buf, fmt.Errorf("too many components: %d", len(m.Components))
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(total-4))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Components)))
	buf = binary.LittleEndian.AppendUint32(buf, m.RequestID)
	buf = append(buf, m.Flags)
	for _, c := range m.Components {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c)))
		buf = append(buf, c...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf, nil
}

// Write encodes m onto w as a single write.
func Write(w io.Writer, m *Message) error {
	buf, err := m.AppendWire(nil)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Read decodes one message from r. The returned message is pooled; release
// it with Release.
func Read(r io.Reader) (*Message, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint32(head[:])
	if total > MaxMessageSize-4 {
		return nil, ErrTooLarge
	}
	if total < 7 {
		return nil, fmt.Errorf("short message: %d bytes", total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// Decode parses the body of a message (everything after the total_len
// field).
func Decode(body []byte) (*Message, error) {
	if len(body) < 7 {
		return nil, fmt.Errorf("short message: %d bytes", len(body))
	}
	nComponents := int(binary.LittleEndian.Uint16(body[0:2]))
	m := New()
	m.RequestID = binary.LittleEndian.Uint32(body[2:6])
	m.Flags = body[6]
	off := 7

	for i := 0; i < nComponents; i++ {
		if off+4 > len(body) {
			Release(m)
			return nil, fmt.Errorf("truncated component %d", i)
		}
		clen := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if clen < 0 || off+clen > len(body) {
			Release(m)
			return nil, fmt.Errorf("truncated component %d", i)
		}
		m.Components = append(m.Components, string(body[off:off+clen]))
		off += clen
	}

	if off+4 > len(body) {
		Release(m)
		return nil, errors.New("truncated payload length")
	}
	plen := int(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	if plen < 0 || off+plen > len(body) {
		Release(m)
		return nil, errors.New("truncated payload")
	}
	m.Payload = append(m.Payload[:0], body[off:off+plen]...)
	return m, nil
}
