package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// --------------------------------------------------------------------------
// Constants and Errors
// --------------------------------------------------------------------------

const (
	// HeaderSize is the size of the big-endian length prefix of every frame.
	HeaderSize = 4

	// MinPayloadSize is the smallest valid payload: operation byte plus
	// a 4-byte request id.
	MinPayloadSize = 5

	// MaxPayloadSize bounds a single frame. Anything larger is treated as a
	// malformed frame and terminates the connection.
	MaxPayloadSize = 64 * 1024 * 1024

	// maxRetainedCap keeps oversized buffers out of the pool so a single
	// large frame does not pin memory forever.
	maxRetainedCap = 1 << 20
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the payload.
	ErrShortBuffer = errors.New("protocol: read past end of buffer")

	// ErrVarintOverflow is returned when a var-uint does not terminate within
	// its maximum encoded length.
	ErrVarintOverflow = errors.New("protocol: var-uint overflow")
)

// --------------------------------------------------------------------------
// Pooled Buffer
// --------------------------------------------------------------------------

// Buffer is a pooled byte buffer with primitive writers and readers for the
// wire format. Writes append to the underlying slice, reads consume from a
// cursor. A Buffer obtained from Get must be returned with Put on every exit
// path of request handling.
type Buffer struct {
	buf []byte
	off int
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return &Buffer{buf: make([]byte, 0, 512)}
	},
}

// Get returns an empty buffer from the pool.
func Get() *Buffer {
	b := bufferPool.Get().(*Buffer)
	b.Reset()
	return b
}

// GetFrame returns a buffer from the pool with the 4-byte length header
// reserved. Call Frame after writing the payload to patch the header.
func GetFrame() *Buffer {
	b := Get()
	b.buf = append(b.buf, 0, 0, 0, 0)
	return b
}

// Put returns a buffer to the pool.
func Put(b *Buffer) {
	if b == nil || cap(b.buf) > maxRetainedCap {
		return
	}
	bufferPool.Put(b)
}

// Reset clears the buffer for reuse. The underlying storage is retained.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

// Resize grows the buffer to exactly n bytes and returns the backing slice,
// ready to be filled with io.ReadFull. The read cursor is reset.
func (b *Buffer) Resize(n int) []byte {
	if cap(b.buf) < n {
		b.buf = make([]byte, n)
	} else {
		b.buf = b.buf[:n]
	}
	b.off = 0
	return b.buf
}

// Len returns the number of bytes written to the buffer.
func (b *Buffer) Len() int { return len(b.buf) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.buf) - b.off }

// Bytes returns the written bytes. The slice is only valid until the buffer
// is returned to the pool.
func (b *Buffer) Bytes() []byte { return b.buf }

// Frame patches the reserved length header with the payload length and
// returns the complete frame. The buffer must have been created by GetFrame.
func (b *Buffer) Frame() []byte {
	binary.BigEndian.PutUint32(b.buf[:HeaderSize], uint32(len(b.buf)-HeaderSize))
	return b.buf
}

// --------------------------------------------------------------------------
// Write Primitives
// --------------------------------------------------------------------------

func (b *Buffer) WriteUint8(v uint8) {
	b.buf = append(b.buf, v)
}

func (b *Buffer) WriteUint32(v uint32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
}

func (b *Buffer) WriteUint64(v uint64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
}

func (b *Buffer) WriteInt32(v int32) {
	b.WriteUint32(uint32(v))
}

func (b *Buffer) WriteInt64(v int64) {
	b.WriteUint64(uint64(v))
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}
}

func (b *Buffer) WriteFloat32(v float32) {
	b.WriteUint32(math.Float32bits(v))
}

func (b *Buffer) WriteFloat64(v float64) {
	b.WriteUint64(math.Float64bits(v))
}

// WriteUvarint writes v as a LEB128-style var-uint: 7 data bits per byte,
// high bit set on all but the last byte.
func (b *Buffer) WriteUvarint(v uint64) {
	for v >= 0x80 {
		b.buf = append(b.buf, byte(v)|0x80)
		v >>= 7
	}
	b.buf = append(b.buf, byte(v))
}

// WriteString writes a var-uint length prefix followed by the UTF-8 bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteUvarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// WriteBytes writes a var-uint length prefix followed by the raw bytes.
func (b *Buffer) WriteBytes(v []byte) {
	b.WriteUvarint(uint64(len(v)))
	b.buf = append(b.buf, v...)
}

// WriteRaw appends p without a length prefix.
func (b *Buffer) WriteRaw(p []byte) {
	b.buf = append(b.buf, p...)
}

// WriteTagged writes the 1-byte tag followed by the variant's natural
// encoding.
func (b *Buffer) WriteTagged(v TaggedValue) {
	b.WriteUint8(uint8(v.Tag))
	switch v.Tag {
	case TagNull:
	case TagInt64:
		b.WriteInt64(v.Int64)
	case TagFloat32:
		b.WriteFloat32(v.Float32)
	case TagFloat64:
		b.WriteFloat64(v.Float64)
	case TagBool:
		b.WriteBool(v.Bool)
	case TagString:
		b.WriteString(v.Str)
	case TagBytes:
		b.WriteBytes(v.Bytes)
	}
}

// --------------------------------------------------------------------------
// Read Primitives
// --------------------------------------------------------------------------

func (b *Buffer) ReadUint8() (uint8, error) {
	if b.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	v := b.buf[b.off]
	b.off++
	return v, nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(b.buf[b.off:])
	b.off += 4
	return v, nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint64(b.buf[b.off:])
	b.off += 8
	return v, nil
}

func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

func (b *Buffer) ReadInt64() (int64, error) {
	v, err := b.ReadUint64()
	return int64(v), err
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadUvarint reads a LEB128-style var-uint.
func (b *Buffer) ReadUvarint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if shift > 63 {
			return 0, ErrVarintOverflow
		}
		c, err := b.ReadUint8()
		if err != nil {
			return 0, err
		}
		v |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return v, nil
		}
		shift += 7
	}
}

// ReadString reads a var-uint length prefix followed by that many UTF-8
// bytes. The returned string is a copy and safe to retain.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUvarint()
	if err != nil {
		return "", err
	}
	if uint64(b.Remaining()) < n {
		return "", ErrShortBuffer
	}
	s := string(b.buf[b.off : b.off+int(n)])
	b.off += int(n)
	return s, nil
}

// ReadBytes reads a var-uint length prefix followed by that many raw bytes.
// The returned slice is a copy and safe to retain.
func (b *Buffer) ReadBytes() ([]byte, error) {
	n, err := b.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(b.Remaining()) < n {
		return nil, ErrShortBuffer
	}
	v := make([]byte, n)
	copy(v, b.buf[b.off:b.off+int(n)])
	b.off += int(n)
	return v, nil
}

// ReadTagged reads a 1-byte tag followed by the variant's natural encoding.
func (b *Buffer) ReadTagged() (TaggedValue, error) {
	t, err := b.ReadUint8()
	if err != nil {
		return TaggedValue{}, err
	}
	switch Tag(t) {
	case TagNull:
		return Null(), nil
	case TagInt64:
		v, err := b.ReadInt64()
		return Int64Value(v), err
	case TagFloat32:
		v, err := b.ReadFloat32()
		return Float32Value(v), err
	case TagFloat64:
		v, err := b.ReadFloat64()
		return Float64Value(v), err
	case TagBool:
		v, err := b.ReadBool()
		return BoolValue(v), err
	case TagString:
		v, err := b.ReadString()
		return StringValue(v), err
	case TagBytes:
		v, err := b.ReadBytes()
		return BytesValue(v), err
	default:
		return TaggedValue{}, fmt.Errorf("protocol: unknown value tag %d", t)
	}
}
