// Package adbwire implements the ADB message framing used on the wire:
// a fixed 24-byte header optionally followed by a payload whose size the
// header declares. The transport layer consumes this package through
// sequential fixed-length reads; it never backtracks.
package adbwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the exact size of an encoded message header.
	HeaderLen = 24

	// MaxPayload is the largest payload this side will accept or produce.
	// Matches the maxdata limit negotiated by current adbd versions.
	MaxPayload = 1024 * 1024

	// Version is the protocol version advertised in connect messages.
	Version = 0x01000001
)

// Command identifies a message type. Values are the little-endian fourcc
// codes of the ADB protocol.
type Command uint32

const (
	CmdSync     Command = 0x434e5953 // "SYNC"
	CmdConnect  Command = 0x4e584e43 // "CNXN"
	CmdAuth     Command = 0x48545541 // "AUTH"
	CmdOpen     Command = 0x4e45504f // "OPEN"
	CmdOkay     Command = 0x59414b4f // "OKAY"
	CmdClose    Command = 0x45534c43 // "CLSE"
	CmdWrite    Command = 0x45545257 // "WRTE"
	CmdStartTLS Command = 0x534c5453 // "STLS"
)

// String renders the fourcc if it is printable, the raw value otherwise.
func (c Command) String() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(c))
	for _, ch := range b {
		if ch < 0x20 || ch > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(c))
		}
	}
	return string(b[:])
}

var (
	ErrShortHeader     = errors.New("adbwire: header shorter than 24 bytes")
	ErrBadMagic        = errors.New("adbwire: header magic does not match command")
	ErrPayloadTooLarge = errors.New("adbwire: declared payload exceeds maximum")
	ErrPayloadMismatch = errors.New("adbwire: payload size differs from declared length")
)

// Header is the decoded form of the 24-byte message header. The trailing
// magic word is not stored; it is derived on encode and verified on decode.
type Header struct {
	Command  Command
	Arg0     uint32
	Arg1     uint32
	Length   uint32
	Checksum uint32
}

// Checksum is the unsigned byte sum the header's checksum field carries.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// NewHeader builds a header describing the given payload. The payload
// itself is attached later via WithPayload.
func NewHeader(cmd Command, arg0, arg1 uint32, payload []byte) Header {
	return Header{
		Command:  cmd,
		Arg0:     arg0,
		Arg1:     arg1,
		Length:   uint32(len(payload)),
		Checksum: Checksum(payload),
	}
}

// DecodeHeader parses and validates an encoded header. src must hold at
// least HeaderLen bytes; extra bytes are ignored.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	cmd := binary.LittleEndian.Uint32(src[0:4])
	magic := binary.LittleEndian.Uint32(src[20:24])
	if magic != ^cmd {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Command:  Command(cmd),
		Arg0:     binary.LittleEndian.Uint32(src[4:8]),
		Arg1:     binary.LittleEndian.Uint32(src[8:12]),
		Length:   binary.LittleEndian.Uint32(src[12:16]),
		Checksum: binary.LittleEndian.Uint32(src[16:20]),
	}
	if h.Length > MaxPayload {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// AppendTo appends the encoded header to dst and returns the extended slice.
func (h Header) AppendTo(dst []byte) []byte {
	var b [HeaderLen]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(b[4:8], h.Arg0)
	binary.LittleEndian.PutUint32(b[8:12], h.Arg1)
	binary.LittleEndian.PutUint32(b[12:16], h.Length)
	binary.LittleEndian.PutUint32(b[16:20], h.Checksum)
	binary.LittleEndian.PutUint32(b[20:24], ^uint32(h.Command))
	return append(dst, b[:]...)
}

// Encode returns the 24-byte encoded form of the header alone.
func (h Header) Encode() []byte {
	return h.AppendTo(make([]byte, 0, HeaderLen))
}

// WithPayload combines a decoded header with the payload received for it.
// The payload length must equal the header's declared length; a header
// declaring length zero takes a nil or empty payload.
func (h Header) WithPayload(payload []byte) (*Packet, error) {
	if uint32(len(payload)) != h.Length {
		return nil, fmt.Errorf("%w: declared %d, got %d", ErrPayloadMismatch, h.Length, len(payload))
	}
	if h.Length == 0 {
		return &Packet{Header: h}, nil
	}
	return &Packet{Header: h, Payload: payload}, nil
}

// Packet is a complete message: header plus the payload it declares.
// Payload is nil exactly when Header.Length is zero.
type Packet struct {
	Header
	Payload []byte
}

// NewPacket builds a packet with header fields derived from the payload.
func NewPacket(cmd Command, arg0, arg1 uint32, payload []byte) *Packet {
	h := NewHeader(cmd, arg0, arg1, payload)
	if len(payload) == 0 {
		return &Packet{Header: h}
	}
	return &Packet{Header: h, Payload: payload}
}

// NewConnectPacket builds the banner message a host sends first. The system
// identity string follows the "host::<name>" convention.
func NewConnectPacket(identity string) *Packet {
	// adbd expects the identity NUL-terminated.
	banner := append([]byte(identity), 0)
	return NewPacket(CmdConnect, Version, MaxPayload, banner)
}

// Encode serializes header and payload into one contiguous buffer.
func (p *Packet) Encode() []byte {
	buf := make([]byte, 0, HeaderLen+len(p.Payload))
	buf = p.Header.AppendTo(buf)
	return append(buf, p.Payload...)
}
