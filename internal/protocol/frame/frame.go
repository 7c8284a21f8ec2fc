package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// Marker is the leading byte of every frame on the device link.
	Marker byte = 0x3C
	// HeaderLen covers the marker plus the little-endian uint16 length.
	HeaderLen = 3
	// MaxPayloadLen is the largest payload a uint16 length can describe.
	MaxPayloadLen = 0xFFFF
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortHeader     = errors.New("frame: short header")
)

// Frame is one complete wire message. Length always equals len(Payload).
type Frame struct {
	Length  uint16
	Payload []byte
}

// Encode returns marker || uint16 LE length || payload.
func Encode(payload []byte) ([]byte, error) {
	return AppendEncode(make([]byte, 0, HeaderLen+len(payload)), payload)
}

// AppendEncode appends the wire form of payload to dst.
func AppendEncode(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return dst, ErrPayloadTooLarge
	}
	dst = append(dst, Marker)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame encodes payload and hands it to w in a single Write call so
// concurrent writers on a shared link never interleave inside one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until one complete frame has been read from r. Bytes
// preceding the marker are skipped.
func ReadFrame(r io.Reader) (Frame, error) {
	var one [1]byte
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return Frame{}, err
		}
		if one[0] == Marker {
			break
		}
	}

	var lenBuf [HeaderLen - 1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	n := binary.LittleEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Length: n, Payload: payload}, nil
}

// Phase is the decoder's position within the frame grammar.
type Phase int

const (
	PhaseSeekingMarker Phase = iota
	PhaseReadingHeader
	PhaseReadingPayload
)

func (p Phase) String() string {
	switch p {
	case PhaseSeekingMarker:
		return "seeking_marker"
	case PhaseReadingHeader:
		return "reading_header"
	case PhaseReadingPayload:
		return "reading_payload"
	default:
		return "unknown"
	}
}

// Decoder is the incremental parser for one input stream. It is not safe
// for concurrent use; each stream owns its own Decoder.
type Decoder struct {
	phase     Phase
	header    [HeaderLen - 1]byte
	headerN   int
	length    uint16
	payload   []byte
	discarded uint64
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes chunk and returns every frame it completes, in order.
// Partial progress (marker seen, some header bytes, some payload bytes) is
// kept until the next call. Returned payloads never alias chunk.
func (d *Decoder) Feed(chunk []byte) []Frame {
	var out []Frame
	i := 0
	for i < len(chunk) {
		switch d.phase {
		case PhaseSeekingMarker:
			idx := bytes.IndexByte(chunk[i:], Marker)
			if idx < 0 {
				d.discarded += uint64(len(chunk) - i)
				return out
			}
			d.discarded += uint64(idx)
			i += idx + 1
			d.phase = PhaseReadingHeader
			d.headerN = 0

		case PhaseReadingHeader:
			n := copy(d.header[d.headerN:], chunk[i:])
			d.headerN += n
			i += n
			if d.headerN < len(d.header) {
				return out
			}
			d.length = binary.LittleEndian.Uint16(d.header[:])
			d.payload = make([]byte, 0, d.length)
			d.phase = PhaseReadingPayload
			if d.length == 0 {
				out = append(out, d.complete())
			}

		case PhaseReadingPayload:
			take := int(d.length) - len(d.payload)
			if rest := len(chunk) - i; rest < take {
				take = rest
			}
			d.payload = append(d.payload, chunk[i:i+take]...)
			i += take
			if len(d.payload) == int(d.length) {
				out = append(out, d.complete())
			}
		}
	}
	return out
}

func (d *Decoder) complete() Frame {
	f := Frame{Length: d.length, Payload: d.payload}
	d.phase = PhaseSeekingMarker
	d.headerN = 0
	d.length = 0
	d.payload = nil
	return f
}

// Phase reports where the decoder will resume on the next Feed.
func (d *Decoder) Phase() Phase {
	return d.phase
}

// Discarded is the cumulative count of bytes dropped while seeking a marker.
func (d *Decoder) Discarded() uint64 {
	return d.discarded
}

// Buffered is the number of bytes of the current frame held so far,
// including the marker.
func (d *Decoder) Buffered() int {
	switch d.phase {
	case PhaseReadingHeader:
		return 1 + d.headerN
	case PhaseReadingPayload:
		return HeaderLen + len(d.payload)
	default:
		return 0
	}
}

// Reset drops any partial frame. The discard counter is preserved.
func (d *Decoder) Reset() {
	d.phase = PhaseSeekingMarker
	d.headerN = 0
	d.length = 0
	d.payload = nil
}
