// Package wire implements the privleapd frame protocol: a 4-byte
// big-endian length prefix followed by a payload of one or more
// unit-separator-delimited ASCII strings. The same grammar is used on
// both the control and comm endpoints, in both directions.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// MaxFrameLen bounds the length prefix. Frames claiming a larger payload
// are rejected before any read is attempted, so a hostile or confused peer
// can't make the daemon allocate an unbounded buffer.
const MaxFrameLen = 1 << 20 // 1 MiB

// Separator delimits positional strings within a frame's payload.
const Separator = 0x1F

var (
	// ErrInvalidMessage covers a frame whose announced length exceeds
	// MaxFrameLen, or whose payload is empty, or whose payload contains an
	// empty string where the grammar requires a non-empty one (e.g. two
	// consecutive separators).
	ErrInvalidMessage = errors.New("wire: invalid message")

	// ErrExtraData covers a payload with bytes left over after its last
	// separator-terminated string — in practice, a trailing separator with
	// nothing following it.
	ErrExtraData = errors.New("wire: extra data after last string")

	// ErrInvalidAscii covers a byte outside the printable 7-bit ASCII range
	// (0x20-0x7E) inside one of the payload's strings.
	ErrInvalidAscii = errors.New("wire: disallowed byte in message")

	// ErrUnknownType covers a message type the receiving endpoint variant
	// does not recognize. Decode never returns it, since it does not know
	// the endpoint variant; the control and comm handlers check the
	// decoded type themselves and log and close on an unexpected one
	// without returning this error.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Message is one decoded frame: a type token plus its positional args.
type Message struct {
	Type string
	Args []string
}

// New builds a Message, primarily so call sites read like
// wire.New("SIGNAL", action) instead of a raw struct literal.
func New(typ string, args ...string) Message {
	return Message{Type: typ, Args: args}
}

func isValidByte(b byte) bool {
	return b >= 0x20 && b <= 0x7E
}

// validateString checks a single already-split field against the grammar:
// non-empty, and every byte printable 7-bit ASCII (which also excludes the
// separator and 0x7F by construction of the range).
func validateString(s []byte) error {
	if len(s) == 0 {
		return ErrInvalidMessage
	}
	for _, b := range s {
		if !isValidByte(b) {
			return ErrInvalidAscii
		}
	}
	return nil
}

// Encode renders a Message as a framed byte slice ready to write to a
// socket. It returns an error if any field violates the grammar, so a bug
// that tries to smuggle a raw control byte into a positional argument is
// caught at the point of encoding rather than silently desynchronizing the
// peer.
func Encode(msg Message) ([]byte, error) {
	if err := validateString([]byte(msg.Type)); err != nil {
		return nil, err
	}
	payload := []byte(msg.Type)
	for _, arg := range msg.Args {
		if err := validateString([]byte(arg)); err != nil {
			return nil, err
		}
		payload = append(payload, Separator)
		payload = append(payload, arg...)
	}
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("%w: payload is %s, max is %s",
			ErrInvalidMessage, humanize.Bytes(uint64(len(payload))), humanize.Bytes(MaxFrameLen))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// Decode parses one frame's payload (length prefix already stripped and
// verified by the caller) into a Message.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, ErrInvalidMessage
	}

	fields := splitSeparator(payload)

	// A trailing separator produces an empty final field: the bytes of
	// that separator are "past" the last real string.
	if len(fields) > 1 && len(fields[len(fields)-1]) == 0 {
		return Message{}, ErrExtraData
	}

	for i, f := range fields {
		if err := validateString(f); err != nil {
			if i == len(fields)-1 {
				// Already handled above for the pure-trailing-separator
				// case; any other empty-or-invalid field is malformed.
				if len(f) == 0 {
					return Message{}, ErrInvalidMessage
				}
			}
			return Message{}, err
		}
	}

	msg := Message{Type: string(fields[0])}
	for _, f := range fields[1:] {
		msg.Args = append(msg.Args, string(f))
	}
	return msg, nil
}

func splitSeparator(payload []byte) [][]byte {
	var fields [][]byte
	start := 0
	for i, b := range payload {
		if b == Separator {
			fields = append(fields, payload[start:i])
			start = i + 1
		}
	}
	fields = append(fields, payload[start:])
	return fields
}

// ReadFrame reads one length-prefixed frame from r into a newly allocated
// payload slice of the announced length. It enforces MaxFrameLen before
// allocating or attempting to read the payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > MaxFrameLen {
		return nil, fmt.Errorf("%w: announced length %s exceeds max %s",
			ErrInvalidMessage, humanize.Bytes(uint64(frameLen)), humanize.Bytes(MaxFrameLen))
	}

	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes a complete frame to w, retrying on short writes.
func WriteFrame(w io.Writer, frame []byte) error {
	for written := 0; written < len(frame); {
		n, err := w.Write(frame[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
