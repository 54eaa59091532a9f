// Package tftp implements the server side of the Trivial File Transfer
// Protocol (RFC 1350): wire codec, per-transfer session engine, and the
// well-known-port listener that dispatches sessions.
package tftp

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Kind discriminates the five TFTP message variants. Go has no closed sum
// type, so Message carries every variant's fields and Kind says which ones
// are meaningful — the tagged-variant rendering of the wire union.
type Kind uint16

const (
	KindRRQ   Kind = 1
	KindWRQ   Kind = 2
	KindData  Kind = 3
	KindAck   Kind = 4
	KindError Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindRRQ:
		return "RRQ"
	case KindWRQ:
		return "WRQ"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the wire-level TFTP error code (§3 of the spec).
type ErrorCode uint16

const (
	ErrNotDefined       ErrorCode = 0
	ErrFileNotFound     ErrorCode = 1
	ErrAccessViolation  ErrorCode = 2
	ErrDiskFull         ErrorCode = 3
	ErrIllegalOperation ErrorCode = 4
	ErrUnknownTID       ErrorCode = 5
	ErrFileExists       ErrorCode = 6
	ErrNoSuchUser       ErrorCode = 7
)

const (
	// MaxDataSize is the largest payload a DATA message may carry.
	MaxDataSize = 512
	// MaxDatagramSize is the largest well-formed TFTP datagram (4-byte
	// header + 512 bytes of data).
	MaxDatagramSize = 4 + MaxDataSize
	// ModeNetASCII and ModeOctet are the two transfer-mode tokens this
	// server recognizes. Per spec Non-goals, NETASCII is accepted on the
	// wire but transferred with octet-identical (binary) semantics.
	ModeNetASCII = "netascii"
	ModeOctet    = "octet"
)

// ErrMalformed is returned by Decode when a datagram cannot be parsed into
// any of the five message variants.
var ErrMalformed = errors.New("malformed TFTP message")

// Message is the decoded form of a single TFTP datagram.
type Message struct {
	Kind Kind

	// RRQ / WRQ
	Filename string
	Mode     string

	// DATA / ACK
	Block uint16

	// DATA
	Data []byte

	// ERROR
	ErrCode ErrorCode
	ErrMsg  string
}

// NewRRQ builds a read-request message.
func NewRRQ(filename, mode string) Message {
	return Message{Kind: KindRRQ, Filename: filename, Mode: mode}
}

// NewWRQ builds a write-request message.
func NewWRQ(filename, mode string) Message {
	return Message{Kind: KindWRQ, Filename: filename, Mode: mode}
}

// NewData builds a DATA message. data is not copied; callers must not
// mutate it after the call.
func NewData(block uint16, data []byte) Message {
	return Message{Kind: KindData, Block: block, Data: data}
}

// NewAck builds an ACK message.
func NewAck(block uint16) Message {
	return Message{Kind: KindAck, Block: block}
}

// NewError builds an ERROR message.
func NewError(code ErrorCode, msg string) Message {
	return Message{Kind: KindError, ErrCode: code, ErrMsg: msg}
}

// Decode parses a received UDP datagram into a Message. It fails with
// ErrMalformed (wrapped with a cause) under the conditions listed in
// spec §4.1: a too-short fixed-size message, an opcode outside {1..5}, or
// (for RRQ/WRQ) a payload that isn't two NUL-terminated strings strictly
// within len(b)-2 bytes.
func Decode(b []byte) (Message, error) {
	if len(b) < 2 {
		return Message{}, errors.Wrap(ErrMalformed, "datagram shorter than opcode")
	}
	opcode := Kind(binary.BigEndian.Uint16(b[:2]))
	rest := b[2:]

	switch opcode {
	case KindRRQ, KindWRQ:
		filename, mode, err := readTwoCStrings(rest)
		if err != nil {
			return Message{}, errors.Wrap(ErrMalformed, err.Error())
		}
		return Message{Kind: opcode, Filename: filename, Mode: mode}, nil

	case KindData:
		if len(rest) < 2 {
			return Message{}, errors.Wrap(ErrMalformed, "DATA shorter than block number")
		}
		block := binary.BigEndian.Uint16(rest[:2])
		data := append([]byte{}, rest[2:]...)
		if len(data) > MaxDataSize {
			return Message{}, errors.Wrap(ErrMalformed, "DATA payload exceeds 512 bytes")
		}
		return Message{Kind: KindData, Block: block, Data: data}, nil

	case KindAck:
		if len(rest) < 2 {
			return Message{}, errors.Wrap(ErrMalformed, "ACK shorter than block number")
		}
		block := binary.BigEndian.Uint16(rest[:2])
		return Message{Kind: KindAck, Block: block}, nil

	case KindError:
		if len(rest) < 2 {
			return Message{}, errors.Wrap(ErrMalformed, "ERROR shorter than error code")
		}
		code := ErrorCode(binary.BigEndian.Uint16(rest[:2]))
		msg, err := readOneCString(rest[2:])
		if err != nil {
			return Message{}, errors.Wrap(ErrMalformed, err.Error())
		}
		return Message{Kind: KindError, ErrCode: code, ErrMsg: msg}, nil

	default:
		return Message{}, errors.Wrapf(ErrMalformed, "unknown opcode %d", opcode)
	}
}

// Encode serializes m into a freshly allocated buffer ready to hand to a
// net.PacketConn.
func (m Message) Encode() ([]byte, error) {
	var buf bytes.Buffer

	switch m.Kind {
	case KindRRQ, KindWRQ:
		if m.Filename == "" || m.Mode == "" {
			return nil, errors.Errorf("%s requires both filename and mode", m.Kind)
		}
		writeOpcode(&buf, m.Kind)
		buf.WriteString(m.Filename)
		buf.WriteByte(0)
		buf.WriteString(m.Mode)
		buf.WriteByte(0)

	case KindData:
		if len(m.Data) > MaxDataSize {
			return nil, errors.Errorf("DATA payload of %d bytes exceeds 512-byte maximum", len(m.Data))
		}
		writeOpcode(&buf, m.Kind)
		binary.Write(&buf, binary.BigEndian, m.Block)
		buf.Write(m.Data)

	case KindAck:
		writeOpcode(&buf, m.Kind)
		binary.Write(&buf, binary.BigEndian, m.Block)

	case KindError:
		if len(m.ErrMsg) >= MaxDataSize {
			return nil, errors.Errorf("ERROR message of %d bytes is too long to encode", len(m.ErrMsg))
		}
		writeOpcode(&buf, m.Kind)
		binary.Write(&buf, binary.BigEndian, uint16(m.ErrCode))
		buf.WriteString(m.ErrMsg)
		buf.WriteByte(0)

	default:
		return nil, errors.Errorf("cannot encode message of unknown kind %d", m.Kind)
	}

	return buf.Bytes(), nil
}

func writeOpcode(buf *bytes.Buffer, k Kind) {
	binary.Write(buf, binary.BigEndian, uint16(k))
}

// readTwoCStrings splits b into the two NUL-terminated ASCII strings a
// well-formed RRQ/WRQ payload must contain, with nothing after the second
// terminator but whatever option bytes an option-negotiating client might
// have appended — this server doesn't negotiate options (spec Non-goals),
// so trailing bytes past the second NUL are ignored rather than rejected,
// matching the teacher's leniency toward unsupported trailing options.
func readTwoCStrings(b []byte) (first, second string, err error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", "", errors.New("request missing filename terminator")
	}
	first = string(b[:i])
	rest := b[i+1:]

	j := bytes.IndexByte(rest, 0)
	if j < 0 {
		return "", "", errors.New("request missing mode terminator")
	}
	second = string(rest[:j])

	if first == "" || second == "" {
		return "", "", errors.New("request has empty filename or mode")
	}
	return first, second, nil
}

// readOneCString reads a single NUL-terminated ASCII string from b.
func readOneCString(b []byte) (string, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", errors.New("message missing string terminator")
	}
	return string(b[:i]), nil
}

// IsKnownMode reports whether mode is one of the two transfer modes this
// server recognizes, matched case-insensitively as RFC 1350 requires.
func IsKnownMode(mode string) bool {
	return strings.EqualFold(mode, ModeNetASCII) || strings.EqualFold(mode, ModeOctet)
}
