package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed wire header size: channel id, command, payload length.
const HeaderLen = 9

// CreditLen is the payload size of a CREDIT frame.
const CreditLen = 4

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrUnknownCommand    = errors.New("frame: unknown command")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrUnexpectedPayload = errors.New("frame: command carries no payload")
	ErrInvalidCredit     = errors.New("frame: invalid credit payload")
)

// Header is the fixed wire header.
type Header struct {
	ChannelID uint32
	Command   Command
	Length    uint32
}

// Frame is one complete wire unit.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 32 * 1024,
	}
}

// Validate checks a header against the command table and limits.
func Validate(h Header, limits Limits) error {
	if !h.Command.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(h.Command))
	}
	switch h.Command {
	case CmdData, CmdError:
		if h.Length > limits.MaxPayloadBytes {
			return fmt.Errorf("%w: channel=%d len=%d max=%d", ErrPayloadTooLarge, h.ChannelID, h.Length, limits.MaxPayloadBytes)
		}
	case CmdCredit:
		if h.Length != CreditLen {
			return fmt.Errorf("%w: channel=%d len=%d", ErrInvalidCredit, h.ChannelID, h.Length)
		}
	case CmdOpen, CmdClose, CmdCloseAck:
		if h.Length != 0 {
			return fmt.Errorf("%w: %s channel=%d len=%d", ErrUnexpectedPayload, h.Command, h.ChannelID, h.Length)
		}
	}
	return nil
}

// ReadHeader reads and validates one fixed header. A stream that ends cleanly
// before the first header byte yields io.EOF.
func ReadHeader(r io.Reader, limits Limits) (Header, error) {
	var fixed [HeaderLen]byte
	n, err := io.ReadFull(r, fixed[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Header{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: %w", ErrShortHeader, err)
		}
		return Header{}, err
	}
	h := DecodeHeader(fixed[:])
	if err := Validate(h, limits); err != nil {
		return Header{}, err
	}
	return h, nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	h, err := ReadHeader(r, limits)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	h := f.Header
	h.Length = uint32(len(f.Payload))
	if err := Validate(h, limits); err != nil {
		return err
	}
	var hb [HeaderLen]byte
	PutHeader(hb[:], h)
	if _, err := w.Write(hb[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	return buf
}

// PutHeader encodes h into the first HeaderLen bytes of b.
func PutHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:4], h.ChannelID)
	b[4] = byte(h.Command)
	binary.BigEndian.PutUint32(b[5:9], h.Length)
}

// DecodeHeader panics if b is shorter than HeaderLen.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderLen-1]
	return Header{
		ChannelID: binary.BigEndian.Uint32(b[0:4]),
		Command:   Command(b[4]),
		Length:    binary.BigEndian.Uint32(b[5:9]),
	}
}

// Credit builds a CREDIT frame granting n bytes on channelID.
func Credit(channelID, n uint32) Frame {
	return Frame{
		Header:  Header{ChannelID: channelID, Command: CmdCredit, Length: CreditLen},
		Payload: EncodeCredit(n),
	}
}

func EncodeCredit(n uint32) []byte {
	buf := make([]byte, CreditLen)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

func DecodeCredit(payload []byte) (uint32, error) {
	if len(payload) != CreditLen {
		return 0, fmt.Errorf("%w: len=%d", ErrInvalidCredit, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// Control builds a payload-less OPEN, CLOSE or CLOSE_ACK frame.
func Control(channelID uint32, cmd Command) Frame {
	return Frame{Header: Header{ChannelID: channelID, Command: cmd}}
}

// Error builds an ERROR frame; the reason is truncated to fit limits.
func Error(channelID uint32, reason string, limits Limits) Frame {
	payload := []byte(reason)
	if uint32(len(payload)) > limits.MaxPayloadBytes {
		payload = payload[:limits.MaxPayloadBytes]
	}
	return Frame{
		Header:  Header{ChannelID: channelID, Command: CmdError, Length: uint32(len(payload))},
		Payload: payload,
	}
}
