package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxMessageSize is the default maximum frame size (50MB).
const MaxMessageSize = 50 * 1024 * 1024 // 50MB

// ErrMessageTooLarge is returned when a message exceeds the frame limit.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")

// Response frames start with one of these status bytes.
const (
	// FrameOK is followed by an Arrow IPC stream of admission results.
	FrameOK byte = 0x00
	// FrameError is followed by a UTF-8 error message.
	FrameError byte = 0x01
)

// ReadMessage reads a length-prefixed message of at most MaxMessageSize.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadMessage(r io.Reader) ([]byte, error) {
	return ReadMessageLimit(r, MaxMessageSize)
}

// ReadMessageLimit reads a length-prefixed message of at most limit bytes.
func ReadMessageLimit(r io.Reader, limit int) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if int64(length) > int64(limit) {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, length, limit)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return buf, nil
}

// WriteMessage writes a length-prefixed message.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("%w: data length %d exceeds uint32 max", ErrMessageTooLarge, len(data))
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	length := uint32(len(data)) // #nosec G115 - bounds checked above
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	return nil
}

// WriteResponse writes a status byte followed by body as one message.
func WriteResponse(w io.Writer, frame byte, body []byte) error {
	msg := make([]byte, 0, len(body)+1)
	msg = append(msg, frame)
	msg = append(msg, body...)
	return WriteMessage(w, msg)
}

// SplitResponse separates the status byte of a response message.
func SplitResponse(msg []byte) (byte, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, errors.New("empty response")
	}
	switch msg[0] {
	case FrameOK, FrameError:
		return msg[0], msg[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown response frame 0x%02x", msg[0])
	}
}
