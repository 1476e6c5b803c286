package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds how many payload bytes one frame may declare.
const DefaultMaxFrame = 64 * 1024

// headerSize is the 4-byte big-endian length prefix.
const headerSize = 4

// ErrFrameTooLarge is wrapped into a FramingError when a frame declares
// more bytes than the configured maximum.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FramingError reports a malformed or oversize length prefix, or a stream
// that ended inside a frame.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "framing: " + e.Reason + ": " + e.Err.Error()
	}
	return "framing: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// EncodeFrame serializes an envelope and prepends the length prefix.
func EncodeFrame(e Envelope) ([]byte, error) {
	payload, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return Frame(payload), nil
}

// Frame prepends the 4-byte big-endian length prefix to a payload.
func Frame(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// WriteFrame frames and writes one envelope to w.
func WriteFrame(w io.Writer, e Envelope) error {
	buf, err := EncodeFrame(e)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// FrameReader extracts length-prefixed payloads from a byte stream.
// Frames split across arbitrarily small reads are reassembled and
// back-to-back frames are never merged. Partial frames are buffered
// across calls, so a transient read error (a deadline expiry between
// frames) does not lose stream position: the caller may re-arm the
// deadline and call ReadFrame again.
type FrameReader struct {
	r        io.Reader
	maxFrame uint32

	header     [headerSize]byte
	headerFill int
	payload    []byte
	payloadPos int
	inPayload  bool
}

// NewFrameReader wraps r. A maxFrame of 0 selects DefaultMaxFrame.
func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &FrameReader{r: r, maxFrame: uint32(maxFrame)}
}

// ReadFrame returns the payload of the next frame. It returns io.EOF on a
// clean end of stream between frames, a FramingError if the stream ends
// mid-frame or the declared length exceeds the maximum, and any other
// read error (timeouts included) as-is with the partial frame retained.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for fr.headerFill < headerSize {
		n, err := fr.r.Read(fr.header[fr.headerFill:])
		fr.headerFill += n
		if fr.headerFill == headerSize {
			break
		}
		if err == io.EOF {
			if fr.headerFill == 0 {
				return nil, io.EOF
			}
			return nil, &FramingError{Reason: "short length prefix", Err: io.ErrUnexpectedEOF}
		}
		if err != nil {
			return nil, err
		}
	}

	if !fr.inPayload {
		size := binary.BigEndian.Uint32(fr.header[:])
		if size > fr.maxFrame {
			return nil, &FramingError{
				Reason: fmt.Sprintf("declared length %d", size),
				Err:    ErrFrameTooLarge,
			}
		}
		fr.payload = make([]byte, size)
		fr.payloadPos = 0
		fr.inPayload = true
	}

	for fr.payloadPos < len(fr.payload) {
		n, err := fr.r.Read(fr.payload[fr.payloadPos:])
		fr.payloadPos += n
		if fr.payloadPos == len(fr.payload) {
			break
		}
		if err == io.EOF {
			return nil, &FramingError{Reason: "truncated payload", Err: io.ErrUnexpectedEOF}
		}
		if err != nil {
			return nil, err
		}
	}

	out := fr.payload
	fr.headerFill = 0
	fr.payload = nil
	fr.inPayload = false
	return out, nil
}

// ReadEnvelope reads and decodes the next envelope from the stream.
func (fr *FrameReader) ReadEnvelope() (Envelope, error) {
	payload, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}
