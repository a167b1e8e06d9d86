package gitter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrKeepAlive marks a whitespace-only frame. The streaming API sends these
// periodically so NAT firewalls keep the connection open; callers skip them.
var ErrKeepAlive = errors.New("keep-alive frame")

// MalformedFrameError is a frame that did not parse as JSON. The stream is
// still usable; callers log and read on.
type MalformedFrameError struct {
	Frame string
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed stream frame %q: %v", e.Frame, e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// Message is one chat message from the streaming API. Only the fields the
// bridge forwards are decoded.
type Message struct {
	Text     string `json:"text"`
	FromUser struct {
		Username string `json:"username"`
	} `json:"fromUser"`
}

// StreamReader frames a chat-message stream: raw bytes are buffered, split
// on newlines, and each complete frame parsed as one JSON message.
type StreamReader struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func NewStreamReader(body io.ReadCloser) *StreamReader {
	return &StreamReader{body: body, r: bufio.NewReader(body)}
}

// Read returns the next frame. ErrKeepAlive and *MalformedFrameError are
// recoverable: the connection is intact and Read can be called again. Any
// other error means the stream is gone.
func (s *StreamReader) Read() (Message, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		// A partial frame with no trailing newline is dropped; the remote
		// never terminates a message without one.
		return Message{}, err
	}

	frame := strings.TrimSpace(line)
	if frame == "" {
		return Message{}, ErrKeepAlive
	}

	var msg Message
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		return Message{}, &MalformedFrameError{Frame: frame, Err: err}
	}

	return msg, nil
}

// Close releases the underlying connection.
func (s *StreamReader) Close() error {
	return s.body.Close()
}
