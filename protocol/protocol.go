// Package protocol implements encoding and decoding of PLDM messages
// exchanged between the BMC and the host processor.
//
// Only the pieces the daemon itself speaks are implemented: the common
// three-byte message header and the OEM file-I/O command set. The codec
// validates every length before touching payload bytes; malformed input
// produces an error, never a panic.
package protocol

import (
	"errors"
	"fmt"
)

// ErrMessageTooShort indicates a buffer smaller than the PLDM header.
var ErrMessageTooShort = errors.New("message shorter than PLDM header")

// ErrInvalidHeaderVersion indicates an unsupported header version field.
var ErrInvalidHeaderVersion = errors.New("unsupported PLDM header version")

// HeaderSize is the size of the common PLDM message header in bytes.
const HeaderSize = 3

// TypeOEM is the PLDM message type carrying the vendor file-I/O commands.
const TypeOEM uint8 = 0x3F

// headerVersion is the only header version this codec understands.
const headerVersion uint8 = 0

// CompletionCode is the protocol-level status carried in every response.
type CompletionCode uint8

// Generic completion codes from the PLDM base specification, plus the
// file-I/O specific range used by the file commands.
const (
	Success                 CompletionCode = 0x00
	Error                   CompletionCode = 0x01
	ErrorInvalidData        CompletionCode = 0x02
	ErrorInvalidLength      CompletionCode = 0x03
	ErrorUnsupportedCommand CompletionCode = 0x05

	InvalidFileHandle    CompletionCode = 0x80
	DataOutOfRange       CompletionCode = 0x81
	InvalidReadLength    CompletionCode = 0x82
	InvalidWriteLength   CompletionCode = 0x83
	FileTableUnavailable CompletionCode = 0x84
)

// Command identifies a file-I/O operation.
type Command uint8

// File-I/O command codes.
const (
	CmdGetFileTable        Command = 0x01
	CmdReadFile            Command = 0x04
	CmdWriteFile           Command = 0x05
	CmdReadFileIntoMemory  Command = 0x06
	CmdWriteFileFromMemory Command = 0x07
)

// String returns the command mnemonic for logging.
func (c Command) String() string {
	switch c {
	case CmdGetFileTable:
		return "GetFileTable"
	case CmdReadFile:
		return "ReadFile"
	case CmdWriteFile:
		return "WriteFile"
	case CmdReadFileIntoMemory:
		return "ReadFileIntoMemory"
	case CmdWriteFileFromMemory:
		return "WriteFileFromMemory"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint8(c))
	}
}

// EncodeCCOnlyResponse builds a response carrying only a completion code,
// used for commands that fail before any payload can be produced.
func EncodeCCOnlyResponse(instanceID uint8, command Command, cc CompletionCode) []byte {
	buf := make([]byte, HeaderSize+1)
	copy(buf, EncodeHeader(Header{InstanceID: instanceID, Type: TypeOEM, Command: command}))
	buf[HeaderSize] = uint8(cc)
	return buf
}

// Header is the common PLDM message header.
type Header struct {
	Request    bool
	InstanceID uint8
	Type       uint8
	Command    Command
}

// EncodeHeader serializes h into the three-byte wire header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	if h.Request {
		buf[0] |= 0x80
	}
	buf[0] |= h.InstanceID & 0x1F
	buf[1] = (headerVersion << 6) | (h.Type & 0x3F)
	buf[2] = uint8(h.Command)
	return buf
}

// DecodeHeader parses the common header from the start of msg.
func DecodeHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, ErrMessageTooShort
	}
	if msg[1]>>6 != headerVersion {
		return Header{}, ErrInvalidHeaderVersion
	}
	return Header{
		Request:    msg[0]&0x80 != 0,
		InstanceID: msg[0] & 0x1F,
		Type:       msg[1] & 0x3F,
		Command:    Command(msg[2]),
	}, nil
}
