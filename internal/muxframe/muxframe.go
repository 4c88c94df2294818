package muxframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type identifies what a frame on the server channel carries.
type Type byte

const (
	TypeData  Type = 1
	TypeOpen  Type = 2
	TypeClose Type = 3
	TypeReady Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeOpen:
		return "open"
	case TypeClose:
		return "close"
	case TypeReady:
		return "ready"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// MaxFrameSize bounds a single length-prefixed frame read from a stream.
const MaxFrameSize = 16 << 20

var (
	ErrShortFrame     = errors.New("frame too short")
	ErrSessionMissing = errors.New("session id required")
	ErrFrameTooLarge  = errors.New("frame too large")
)

type Frame struct {
	Type      Type
	SessionID string
	Payload   []byte
}

// Encode lays a frame out as: type (1 byte), session id length (2 bytes,
// big endian), session id, payload. Ready frames carry no session id.
func Encode(f Frame) ([]byte, error) {
	sid := []byte(f.SessionID)
	if len(sid) == 0 && f.Type != TypeReady {
		return nil, ErrSessionMissing
	}
	if len(sid) > 0xFFFF {
		return nil, errors.New("session id too long")
	}
	buf := make([]byte, 3+len(sid)+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(sid)))
	copy(buf[3:], sid)
	copy(buf[3+len(sid):], f.Payload)
	return buf, nil
}

func Decode(data []byte) (Frame, error) {
	if len(data) < 3 {
		return Frame{}, ErrShortFrame
	}
	t := Type(data[0])
	sidLen := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < 3+sidLen {
		return Frame{}, errors.New("frame missing session id")
	}
	f := Frame{
		Type:      t,
		SessionID: string(data[3 : 3+sidLen]),
		Payload:   data[3+sidLen:],
	}
	if f.SessionID == "" && t != TypeReady {
		return Frame{}, ErrSessionMissing
	}
	return f, nil
}

// WriteMessage writes one length-prefixed message to a byte stream.
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one length-prefixed message written by WriteMessage.
func ReadMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
