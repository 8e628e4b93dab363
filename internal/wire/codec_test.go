package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agent-relay/relay/internal/envelope"
)

func sampleEnvelope() *envelope.Envelope {
	env := &envelope.Envelope{
		V:    1,
		Type: envelope.TypeSend,
		ID:   "1-1",
		Ts:   1234,
		From: "Alice",
		To:   "Bob",
	}
	_ = env.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: "hi"})
	return env
}

func TestRoundTripLegacy(t *testing.T) {
	env := sampleEnvelope()
	frame, err := Encode(env, ModeLegacy, CodecJSON)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewDecoder(ModeLegacy)
	dec.Feed(frame)
	got, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if got.ID != env.ID || got.From != env.From || got.To != env.To {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, env)
	}
}

func TestRoundTripCurrentMsgpack(t *testing.T) {
	env := sampleEnvelope()
	frame, err := Encode(env, ModeCurrent, CodecMsgpack)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewDecoder(ModeCurrent)
	dec.Feed(frame)
	got, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if got.ID != env.ID {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, env)
	}
}

func TestSplitAcrossReads(t *testing.T) {
	env := sampleEnvelope()
	frame, _ := Encode(env, ModeLegacy, CodecJSON)

	dec := NewDecoder(ModeLegacy)
	for i := 0; i < len(frame); i++ {
		dec.Feed(frame[i : i+1])
		env, ok, err := dec.Next()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if i < len(frame)-1 {
			if ok {
				t.Fatalf("decoded prematurely at byte %d", i)
			}
			continue
		}
		if !ok || env == nil {
			t.Fatalf("expected complete envelope at final byte")
		}
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	dec := NewDecoder(ModeLegacy)
	header := make([]byte, 4)
	header[0] = 0xFF // length byte pushes declared size far past MaxFrameSize
	dec.Feed(header)
	_, _, err := dec.Next()
	if err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}

func TestMalformedJSONAborts(t *testing.T) {
	bad := []byte("not json")
	frame := make([]byte, 4+len(bad))
	frame[3] = byte(len(bad))
	copy(frame[4:], bad)

	dec := NewDecoder(ModeLegacy)
	dec.Feed(frame)
	_, _, err := dec.Next()
	if err == nil {
		t.Fatalf("expected malformed json to error")
	}
}

func TestReadAll(t *testing.T) {
	env := sampleEnvelope()
	frame, _ := Encode(env, ModeLegacy, CodecJSON)
	buf := bytes.NewReader(append(append([]byte{}, frame...), frame...))

	var seen []string
	err := ReadAll(buf, ModeLegacy, func(e *envelope.Envelope) error {
		seen = append(seen, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(seen))
	}
}

func TestReadAllPropagatesCallbackError(t *testing.T) {
	env := sampleEnvelope()
	frame, _ := Encode(env, ModeLegacy, CodecJSON)
	buf := bytes.NewReader(frame)

	boom := errors.New("boom")
	err := ReadAll(buf, ModeLegacy, func(e *envelope.Envelope) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}
