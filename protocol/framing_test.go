package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// chunkReader yields at most n bytes per Read, to exercise frames split
// across arbitrarily small socket reads.
type chunkReader struct {
	data []byte
	n    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.n
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func encodeAll(t *testing.T, envelopes []Envelope) []byte {
	t.Helper()
	var stream bytes.Buffer
	for _, e := range envelopes {
		if err := WriteFrame(&stream, e); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	return stream.Bytes()
}

func TestFramingChunkSizes(t *testing.T) {
	envelopes := []Envelope{
		NewRequest(ActionPresence).Set("user", map[string]any{"account_name": "alice"}),
		NewResponse(StatusChallenge).Set("token", "cafe0123"),
		NewRequest(ActionMsg).Set("to", "bob").Set("message", "hi"),
	}
	stream := encodeAll(t, envelopes)

	// One byte at a time, odd chunks, and the whole stream in one read
	// must all yield the same ordered sequence of envelopes.
	for _, chunk := range []int{1, 3, 7, len(stream)} {
		fr := NewFrameReader(&chunkReader{data: stream, n: chunk}, 0)
		for i, want := range envelopes {
			got, err := fr.ReadEnvelope()
			if err != nil {
				t.Fatalf("chunk %d: ReadEnvelope %d: %v", chunk, i, err)
			}
			if !Equal(want, got) {
				t.Errorf("chunk %d: envelope %d = %v, want %v", chunk, i, got, want)
			}
		}
		if _, err := fr.ReadFrame(); err != io.EOF {
			t.Errorf("chunk %d: trailing read = %v, want io.EOF", chunk, err)
		}
	}
}

func TestFramingBackToBackFrames(t *testing.T) {
	// Two frames delivered in a single read must not merge.
	stream := append(Frame([]byte(`{"response":200}`)), Frame([]byte(`{"response":400}`))...)
	fr := NewFrameReader(bytes.NewReader(stream), 0)

	first, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != `{"response":200}` {
		t.Errorf("first frame = %q", first)
	}
	second, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(second) != `{"response":400}` {
		t.Errorf("second frame = %q", second)
	}
}

func TestFramingOversizeFrame(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<20)
	fr := NewFrameReader(bytes.NewReader(header[:]), 1024)

	_, err := fr.ReadFrame()
	var framingErr *FramingError
	if !errors.As(err, &framingErr) {
		t.Fatalf("oversize frame error = %v, want FramingError", err)
	}
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversize frame error does not wrap ErrFrameTooLarge: %v", err)
	}
}

func TestFramingTruncatedStream(t *testing.T) {
	full := Frame([]byte(`{"response":200}`))

	// Cut inside the header and inside the payload.
	for _, cut := range []int{2, len(full) - 3} {
		fr := NewFrameReader(bytes.NewReader(full[:cut]), 0)
		_, err := fr.ReadFrame()
		var framingErr *FramingError
		if !errors.As(err, &framingErr) {
			t.Errorf("cut at %d: error = %v, want FramingError", cut, err)
		}
	}
}

// timeoutErr mimics a net.Error deadline expiry.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// stallReader delivers its script one step at a time: a positive count
// yields that many bytes, a zero yields a timeout error.
type stallReader struct {
	data  []byte
	steps []int
}

func (r *stallReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	if step == 0 {
		return 0, timeoutErr{}
	}
	if step > len(r.data) {
		step = len(r.data)
	}
	if step > len(p) {
		step = len(p)
	}
	copy(p, r.data[:step])
	r.data = r.data[step:]
	return step, nil
}

func TestFramingResumesAfterTimeout(t *testing.T) {
	payload := []byte(`{"response":200}`)
	frame := Frame(payload)

	// Timeouts before the frame, inside the header, and inside the
	// payload; the reader must keep its place and finish the frame on
	// retry.
	fr := NewFrameReader(&stallReader{
		data:  frame,
		steps: []int{0, 2, 0, 2, 5, 0, len(frame)},
	}, 0)

	timeouts := 0
	for {
		got, err := fr.ReadFrame()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				timeouts++
				continue
			}
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("payload after resumed reads = %q, want %q", got, payload)
		}
		break
	}
	if timeouts != 3 {
		t.Errorf("saw %d timeouts, want 3", timeouts)
	}
}

func TestFramingEmptyStream(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(nil), 0)
	if _, err := fr.ReadFrame(); err != io.EOF {
		t.Errorf("empty stream read = %v, want io.EOF", err)
	}
}

func TestFrameLayout(t *testing.T) {
	payload := []byte(`{"action":"presence"}`)
	frame := Frame(payload)
	if len(frame) != 4+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), 4+len(payload))
	}
	if got := binary.BigEndian.Uint32(frame[:4]); got != uint32(len(payload)) {
		t.Errorf("length prefix = %d, want %d", got, len(payload))
	}
	if !bytes.Equal(frame[4:], payload) {
		t.Errorf("payload bytes altered: %q", frame[4:])
	}
}

func TestReadEnvelopeBadPayload(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(Frame([]byte(`not json`))), 0)
	_, err := fr.ReadEnvelope()
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("bad payload error = %v, want DecodeError", err)
	}
}
