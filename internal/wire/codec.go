// Package wire implements the length-prefixed envelope framing described
// in spec.md §4.1: a legacy 4-byte-length+JSON mode kept for
// compatibility, and a current 5-byte-header+codec-tagged mode that
// additionally supports msgpack. Grounded on the streaming read-loop
// shape of ws/internal/shared/pump_read.go and the envelope-serialize
// idiom of ws/internal/single/messaging/message.go.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agent-relay/relay/internal/envelope"
)

// MaxFrameSize is the hard ceiling on a single frame's payload (spec.md §4.1).
const MaxFrameSize = 16 << 20 // 16 MiB

// Codec tags the payload encoding used by current-mode frames.
type Codec byte

const (
	CodecJSON    Codec = 1
	CodecMsgpack Codec = 2
)

// Mode selects which framing an egress connection uses.
type Mode int

const (
	ModeLegacy Mode = iota
	ModeCurrent
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d bytes", MaxFrameSize)

// Encode serializes env as a single frame in the given mode/codec.
func Encode(env *envelope.Envelope, mode Mode, codec Codec) ([]byte, error) {
	switch mode {
	case ModeLegacy:
		body, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal envelope: %w", err)
		}
		if len(body) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		out := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
		copy(out[4:], body)
		return out, nil
	case ModeCurrent:
		var body []byte
		var err error
		switch codec {
		case CodecMsgpack:
			body, err = msgpack.Marshal(env)
		default:
			codec = CodecJSON
			body, err = json.Marshal(env)
		}
		if err != nil {
			return nil, fmt.Errorf("wire: marshal envelope: %w", err)
		}
		if len(body) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		out := make([]byte, 5+len(body))
		out[0] = byte(codec)
		binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
		copy(out[5:], body)
		return out, nil
	default:
		return nil, fmt.Errorf("wire: unknown mode %d", mode)
	}
}

// Decoder incrementally reassembles frames from a growing byte buffer and
// emits complete envelopes one at a time.
//
// A Decoder reads exactly one framing mode, fixed at construction: a
// legacy-mode Decoder reads only 4-byte-length-prefixed JSON frames, and a
// current-mode Decoder reads only 5-byte-header (1 codec byte + 4-byte
// length) frames. It does not detect the mode from the incoming bytes, so
// a frame in the other mode is misread or rejected as malformed.
type Decoder struct {
	mode Mode
	buf  []byte
}

// NewDecoder returns a Decoder expecting frames in the given mode.
func NewDecoder(mode Mode) *Decoder {
	return &Decoder{mode: mode}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to extract one complete envelope from the buffered bytes.
// It returns (env, true, nil) on success, (nil, false, nil) when more
// bytes are needed, and a non-nil error on a malformed or oversized frame.
func (d *Decoder) Next() (*envelope.Envelope, bool, error) {
	switch d.mode {
	case ModeLegacy:
		return d.nextLegacy()
	default:
		return d.nextCurrent()
	}
}

func (d *Decoder) nextLegacy() (*envelope.Envelope, bool, error) {
	if len(d.buf) < 4 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(d.buf[:4])
	if length > MaxFrameSize {
		return nil, false, ErrFrameTooLarge
	}
	total := 4 + int(length)
	if len(d.buf) < total {
		return nil, false, nil
	}
	body := d.buf[4:total]
	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("wire: invalid frame json: %w", err)
	}
	d.consume(total)
	return &env, true, nil
}

func (d *Decoder) nextCurrent() (*envelope.Envelope, bool, error) {
	if len(d.buf) < 5 {
		return nil, false, nil
	}
	codec := Codec(d.buf[0])
	length := binary.BigEndian.Uint32(d.buf[1:5])
	if length > MaxFrameSize {
		return nil, false, ErrFrameTooLarge
	}
	total := 5 + int(length)
	if len(d.buf) < total {
		return nil, false, nil
	}
	body := d.buf[5:total]
	var env envelope.Envelope
	var err error
	switch codec {
	case CodecMsgpack:
		err = msgpack.Unmarshal(body, &env)
	case CodecJSON:
		err = json.Unmarshal(body, &env)
	default:
		err = fmt.Errorf("wire: unknown codec tag %d", codec)
	}
	if err != nil {
		return nil, false, fmt.Errorf("wire: invalid frame body: %w", err)
	}
	d.consume(total)
	return &env, true, nil
}

func (d *Decoder) consume(n int) {
	remaining := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}

// ReadAll drains r, feeding a Decoder and invoking fn for every envelope
// until EOF or an error. Used by tests and by simple non-connection
// contexts; the long-lived connection read loop (internal/conn) manages
// its own buffer growth and error handling inline.
func ReadAll(r io.Reader, mode Mode, fn func(*envelope.Envelope) error) error {
	dec := NewDecoder(mode)
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			dec.Feed(chunk[:n])
			for {
				env, ok, derr := dec.Next()
				if derr != nil {
					return derr
				}
				if !ok {
					break
				}
				if ferr := fn(env); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
