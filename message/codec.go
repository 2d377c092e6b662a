package message

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// ErrShortBuffer is returned by TryDecode when the buffered bytes do not
// yet contain a full frame; callers should buffer more bytes and retry,
// which is how transport.Manager's readPump drains a socket's receive
// buffer.
var ErrShortBuffer = errors.New("message: short buffer, need more bytes")

// ErrMalformed wraps any parse failure below the length prefix, and is
// treated by the connection manager as a protocol violation that forces a
// peer disconnect.
var ErrMalformed = errors.New("message: malformed frame")

// bodyCompression selects how Encode/Decode treat the body field.
type bodyCompression uint8

const (
	// NoCompression leaves Body bytes untouched on the wire.
	NoCompression bodyCompression = iota
	// Snappy compresses Body with google snappy block compression.
	Snappy
)

// Codec encodes and decodes length-prefixed Message frames. It is safe for
// concurrent use; Encode/Decode hold no shared mutable state beyond the
// immutable compression selector.
type Codec struct {
	Compression bodyCompression
}

// NewCodec returns a Codec using the given body compression scheme.
func NewCodec(compressBody bool) *Codec {
	c := &Codec{Compression: NoCompression}
	if compressBody {
		c.Compression = Snappy
	}
	return c
}

// frame layout on the wire:
//   uint32 totalLen (excludes itself)
//   uint16 nameLen | name bytes
//   uint16 headerCount
//     per header: uint16 keyLen|key, uint32 valLen|val
//   uint8  bodyCompression
//   uint32 bodyLen | body bytes

// Encode writes m to w as a single length-prefixed frame.
func (c *Codec) Encode(w io.Writer, m *Message) error {
	buf, err := c.marshal(m)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "message: write length prefix")
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "message: write frame body")
	}
	return nil
}

func (c *Codec) marshal(m *Message) ([]byte, error) {
	var b strings.Builder
	writeStr16(&b, m.Name)

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic encoding, useful for tests and hashing

	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(keys)))
	b.Write(cnt[:])
	for _, k := range keys {
		writeStr16(&b, k)
		writeStr32(&b, m.Headers[k])
	}

	body := m.Body
	compression := NoCompression
	if c.Compression == Snappy && len(body) > 0 {
		body = snappy.Encode(nil, body)
		compression = Snappy
	}
	b.WriteByte(byte(compression))
	writeBytes32(&b, body)

	return []byte(b.String()), nil
}

// Decode reads exactly one frame from br, blocking until enough bytes are
// available. Use TryDecode from a non-blocking recv buffer instead.
func (c *Codec) Decode(br *bufio.Reader) (*Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(br, lenPrefix[:]); err != nil {
		return nil, errors.Wrap(err, "message: read length prefix")
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, errors.Wrap(err, "message: read frame body")
	}
	return unmarshal(buf)
}

// TryDecode attempts to decode a single frame out of the front of buf. It
// returns ErrShortBuffer if buf does not yet contain a complete frame,
// which transport.Manager's readPump treats as "wait for more
// bytes", never as a protocol error.
func TryDecode(buf []byte) (m *Message, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf[:4])
	total := int(n) + 4
	if len(buf) < total {
		return nil, 0, ErrShortBuffer
	}
	m, err = unmarshal(buf[4:total])
	if err != nil {
		return nil, 0, err
	}
	return m, total, nil
}

func unmarshal(buf []byte) (*Message, error) {
	r := &reader{buf: buf}
	name, err := r.readStr16()
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "message: read name: %v", err)
	}
	cnt, err := r.readUint16()
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "message: read header count: %v", err)
	}
	headers := make(map[string]string, cnt)
	for i := 0; i < int(cnt); i++ {
		k, err := r.readStr16()
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "message: read header key: %v", err)
		}
		v, err := r.readStr32()
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "message: read header value: %v", err)
		}
		headers[k] = v
	}
	compression, err := r.readByte()
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "message: read compression tag: %v", err)
	}
	body, err := r.readBytes32()
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "message: read body: %v", err)
	}
	if bodyCompression(compression) == Snappy && len(body) > 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "message: snappy decode body: %v", err)
		}
		body = decoded
	}
	if !r.exhausted() {
		return nil, errors.Wrap(ErrMalformed, "message: trailing bytes after frame")
	}
	return &Message{Name: name, Headers: headers, Body: body}, nil
}

func writeStr16(b *strings.Builder, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	b.Write(l[:])
	b.WriteString(s)
}

func writeStr32(b *strings.Builder, s string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	b.Write(l[:])
	b.WriteString(s)
}

func writeBytes32(b *strings.Builder, data []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	b.Write(l[:])
	b.Write(data)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) exhausted() bool { return r.pos == len(r.buf) }

func (r *reader) readByte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) readUint16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *reader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) readStr16() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) readStr32() (string, error) {
	b, err := r.readBytes32()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readBytes32() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}
