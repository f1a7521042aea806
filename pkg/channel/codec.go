package channel

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// headerLength is the size of the big-endian length prefix.
	headerLength = 4

	// MaxMessageSize bounds the body of a single frame.
	MaxMessageSize = 1 << 20
)

var (
	ErrMessageTooLarge  = errors.New("message exceeds maximum size")
	ErrEmptyFrame       = errors.New("empty frame")
	ErrTruncatedFrame   = errors.New("truncated frame")
	ErrMalformedMessage = errors.New("malformed message")
)

// WriteMessage encodes msg and writes it as a single frame.
func WriteMessage(w io.Writer, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(body), MaxMessageSize)
	}
	// header and body go out in one write so concurrent writers that
	// serialize on a lock never interleave partial frames
	frame := make([]byte, headerLength+len(body))
	binary.BigEndian.PutUint32(frame[:headerLength], uint32(len(body)))
	copy(frame[headerLength:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r and decodes it. A stream that ends
// cleanly before a new frame returns io.EOF.
func ReadMessage(r io.Reader) (*Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}

// ReadFrame reads one length prefixed frame. The declared length is checked
// against MaxMessageSize before anything is allocated for the body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: partial header", ErrTruncatedFrame)
		}
		return nil, err
	}
	return readBody(r, binary.BigEndian.Uint32(header[:]))
}

func checkLength(n uint32) error {
	if n == 0 {
		return ErrEmptyFrame
	}
	if n > MaxMessageSize {
		return fmt.Errorf("%w: declared %d > %d", ErrMessageTooLarge, n, MaxMessageSize)
	}
	return nil
}

func readBody(r io.Reader, n uint32) ([]byte, error) {
	if err := checkLength(n); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: expected %d bytes", ErrTruncatedFrame, n)
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// DecodeMessage parses and validates a frame body.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
