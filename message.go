package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Wire layout of a control message header. Integer fields are in network
// byte order; the payload follows immediately.
//
//	+---------+------+---------+-------------+
//	| version | type |   id    |   length    |
//	|   1B    |  1B  |   2B    |     4B      |
//	+---------+------+---------+-------------+
const (
	// HeaderSize is the fixed size of a message header.
	HeaderSize = 8
	// Version is the only protocol version the server accepts.
	Version uint8 = 1
	// MinLength is the smallest payload a message may declare.
	MinLength = 2
	// MaskSize is the size of a NOTIFY subscription mask payload.
	MaskSize = 8
)

// MessageType identifies what a message carries.
type MessageType uint8

// Message types. RESPONSE is only ever sent by the server.
const (
	TypeRequestAdd MessageType = 1
	TypeRequestDel MessageType = 2
	TypeNotify     MessageType = 3
	TypeResponse   MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeRequestAdd:
		return "request-add"
	case TypeRequestDel:
		return "request-del"
	case TypeNotify:
		return "notify"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Notification categories for the subscription mask.
const (
	NotifyNone      uint64 = 0
	NotifyPeerState uint64 = 1 << 0
	NotifyConfig    uint64 = 1 << 1
	NotifyAll       uint64 = math.MaxUint64
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Protocol errors.
var (
	// ErrBadVersion is returned for a header carrying an unsupported version.
	ErrBadVersion = errors.New("unsupported protocol version")
	// ErrShortLength is returned for a declared payload length below MinLength.
	ErrShortLength = errors.New("message length below minimum")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrShortHeader is returned when fewer than HeaderSize bytes are decoded.
	ErrShortHeader = errors.New("short message header")
)

// Header is the fixed message header.
type Header struct {
	Version uint8
	Type    MessageType
	ID      uint16
	Length  uint32
}

// Validate checks the framing invariants a server enforces before it
// allocates a receive buffer. maxLength <= 0 disables the size limit.
func (h Header) Validate(maxLength int) error {
	if h.Length < MinLength {
		return errors.Wrapf(ErrShortLength, "length %d", h.Length)
	}
	if h.Version != Version {
		return errors.Wrapf(ErrBadVersion, "version %d", h.Version)
	}
	if maxLength > 0 && uint64(h.Length) > uint64(maxLength) {
		return errors.Wrapf(ErrMessageTooLarge, "length %d exceeds %d", h.Length, maxLength)
	}
	return nil
}

func putHeader(b []byte, h Header) {
	b[0] = h.Version
	b[1] = byte(h.Type)
	binary.BigEndian.PutUint16(b[2:4], h.ID)
	binary.BigEndian.PutUint32(b[4:8], h.Length)
}

// EncodeHeader returns the wire form of h.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	putHeader(b, h)
	return b
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Version: b[0],
		Type:    MessageType(b[1]),
		ID:      binary.BigEndian.Uint16(b[2:4]),
		Length:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Message is one complete control message. Data holds exactly the
// declared payload bytes.
type Message struct {
	Header
	Data []byte
}

// NewMessage builds a current-version message of type t.
func NewMessage(t MessageType, id uint16, data []byte) Message {
	return Message{
		Header: Header{Version: Version, Type: t, ID: id, Length: uint32(len(data))},
		Data:   data,
	}
}

// Encode serializes m. The header length is always taken from len(m.Data).
func Encode(m Message) ([]byte, error) {
	if len(m.Data) < MinLength {
		return nil, errors.Wrapf(ErrShortLength, "length %d", len(m.Data))
	}
	if uint64(len(m.Data)) > math.MaxUint32 {
		return nil, ErrMessageTooLarge
	}

	h := m.Header
	h.Length = uint32(len(m.Data))

	b := make([]byte, HeaderSize+len(m.Data))
	putHeader(b, h)
	copy(b[HeaderSize:], m.Data)
	return b, nil
}

// ReadMessage reads one complete message from a blocking reader. It is the
// client-side counterpart of the server's non-blocking receive path.
func ReadMessage(r io.Reader, maxLength int) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrShortHeader
		}
		return Message{}, err
	}

	h, _ := DecodeHeader(hdr[:])
	if err := h.Validate(maxLength); err != nil {
		return Message{}, err
	}

	data := make([]byte, h.Length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, errors.Wrap(err, "read payload")
	}
	return Message{Header: h, Data: data}, nil
}

// WriteMessage encodes m and writes it to w in a single call.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// EncodeMask returns the NOTIFY payload for mask.
func EncodeMask(mask uint64) []byte {
	b := make([]byte, MaskSize)
	binary.BigEndian.PutUint64(b, mask)
	return b
}

// DecodeMask reads a subscription mask from the start of a NOTIFY payload.
// A payload shorter than MaskSize fills the high-order bytes and the rest
// are zero; bytes past MaskSize are ignored.
func DecodeMask(b []byte) uint64 {
	var buf [MaskSize]byte
	copy(buf[:], b)
	return binary.BigEndian.Uint64(buf[:])
}
