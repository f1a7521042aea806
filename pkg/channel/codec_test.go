package channel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"
)

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "request",
			msg:  &Message{Kind: KindRequest, ID: "1", Method: "request_approval", Params: mustRaw(t, map[string]any{"action_type": "write_file"})},
		},
		{
			name: "request without params",
			msg:  &Message{Kind: KindRequest, ID: "2", Method: "ping"},
		},
		{
			name: "response with result",
			msg:  &Message{Kind: KindResponse, ID: "1", Result: mustRaw(t, map[string]any{"approved": true})},
		},
		{
			name: "response without result",
			msg:  &Message{Kind: KindResponse, ID: "3"},
		},
		{
			name: "error response",
			msg:  NewErrorResponse("4", CodeMethodNotFound, "method \"x\" not found"),
		},
		{
			name: "notification",
			msg:  &Message{Kind: KindNotification, Method: "report_progress", Params: mustRaw(t, map[string]any{"message": "50%"})},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteMessage(&buf, tt.msg); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, tt.msg)
			}
			if buf.Len() != 0 {
				t.Fatalf("%d bytes left in the stream", buf.Len())
			}
		})
	}
}

func TestFrameHeaderIsBigEndianLength(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{Kind: KindNotification, Method: "report_progress"}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	frame := buf.Bytes()
	n := binary.BigEndian.Uint32(frame[:4])
	if int(n) != len(frame)-4 {
		t.Fatalf("header declares %d bytes, body has %d", n, len(frame)-4)
	}
}

// countingReader records how many bytes were consumed from the stream.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestOversizedFrameRejectedBeforeBodyRead(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)
	stream := append(header[:], bytes.Repeat([]byte("x"), 1024)...)
	r := &countingReader{r: bytes.NewReader(stream)}

	_, err := ReadMessage(r)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if r.n != 4 {
		t.Fatalf("expected only the header to be read, consumed %d bytes", r.n)
	}
}

func TestWriteRejectsOversizedMessage(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxMessageSize)
	msg := &Message{Kind: KindNotification, Method: "report_progress", Params: mustRaw(t, string(big))}
	if err := WriteMessage(io.Discard, msg); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name   string
		stream []byte
		want   error
	}{
		{name: "clean eof", stream: nil, want: io.EOF},
		{name: "partial header", stream: []byte{0, 0}, want: ErrTruncatedFrame},
		{name: "empty frame", stream: []byte{0, 0, 0, 0}, want: ErrEmptyFrame},
		{name: "truncated body", stream: []byte{0, 0, 0, 10, '{'}, want: ErrTruncatedFrame},
		{name: "invalid json", stream: append([]byte{0, 0, 0, 3}, "{x}"...), want: ErrMalformedMessage},
		{name: "unknown kind", stream: append([]byte{0, 0, 0, 15}, `{"kind":"oops"}`...), want: ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.stream))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	invalid := []*Message{
		{Kind: KindRequest, Method: "ping"},
		{Kind: KindRequest, ID: "1"},
		{Kind: KindResponse},
		{Kind: KindResponse, ID: "1", Result: json.RawMessage(`1`), Error: &Error{Code: 1}},
		{Kind: KindNotification},
	}
	for _, msg := range invalid {
		if err := msg.Validate(); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("expected %+v to be invalid, got %v", msg, err)
		}
	}
}
