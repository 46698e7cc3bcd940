package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrPayloadTooShort indicates a request payload smaller than its fixed part.
var ErrPayloadTooShort = errors.New("payload shorter than request fixed fields")

// ErrPayloadTruncated indicates a payload shorter than its declared length.
var ErrPayloadTruncated = errors.New("payload truncated")

// MaxDirectPayload is the largest payload a ReadFile/WriteFile response can
// carry without falling back to a DMA transfer.
const MaxDirectPayload = 4096

// FileMemoryRequest is the decoded payload of a ReadFileIntoMemory or
// WriteFileFromMemory command.
type FileMemoryRequest struct {
	Handle  uint32
	Offset  uint32
	Length  uint32
	Address uint64
}

// fileMemoryReqSize is the wire size of a FileMemoryRequest payload.
const fileMemoryReqSize = 20

// DecodeFileMemoryRequest parses the payload of a file-to-memory command.
func DecodeFileMemoryRequest(payload []byte) (FileMemoryRequest, error) {
	if len(payload) < fileMemoryReqSize {
		return FileMemoryRequest{}, ErrPayloadTooShort
	}
	return FileMemoryRequest{
		Handle:  binary.LittleEndian.Uint32(payload[0:4]),
		Offset:  binary.LittleEndian.Uint32(payload[4:8]),
		Length:  binary.LittleEndian.Uint32(payload[8:12]),
		Address: binary.LittleEndian.Uint64(payload[12:20]),
	}, nil
}

// EncodeFileMemoryRequest serializes req behind a request header, the
// inverse of DecodeFileMemoryRequest. Serves as a fixture builder for
// inbound commands.
func EncodeFileMemoryRequest(instanceID uint8, command Command, req FileMemoryRequest) []byte {
	buf := make([]byte, HeaderSize+fileMemoryReqSize)
	copy(buf, EncodeHeader(Header{Request: true, InstanceID: instanceID, Type: TypeOEM, Command: command}))
	binary.LittleEndian.PutUint32(buf[HeaderSize:], req.Handle)
	binary.LittleEndian.PutUint32(buf[HeaderSize+4:], req.Offset)
	binary.LittleEndian.PutUint32(buf[HeaderSize+8:], req.Length)
	binary.LittleEndian.PutUint64(buf[HeaderSize+12:], req.Address)
	return buf
}

// EncodeFileMemoryResponse builds the complete response message for a
// file-to-memory command: header, completion code, transferred length.
func EncodeFileMemoryResponse(instanceID uint8, command Command, cc CompletionCode, length uint32) []byte {
	buf := make([]byte, HeaderSize+5)
	copy(buf, EncodeHeader(Header{InstanceID: instanceID, Type: TypeOEM, Command: command}))
	buf[HeaderSize] = uint8(cc)
	binary.LittleEndian.PutUint32(buf[HeaderSize+1:], length)
	return buf
}

// DecodeFileMemoryResponse parses a file-to-memory response payload
// (everything after the header).
func DecodeFileMemoryResponse(payload []byte) (CompletionCode, uint32, error) {
	if len(payload) < 5 {
		return 0, 0, ErrPayloadTooShort
	}
	return CompletionCode(payload[0]), binary.LittleEndian.Uint32(payload[1:5]), nil
}

// ReadWriteFileRequest is the decoded payload of a direct ReadFile or
// WriteFile command. For WriteFile, Data carries the bytes to store.
type ReadWriteFileRequest struct {
	Handle uint32
	Offset uint32
	Length uint32
	Data   []byte
}

// rwFileReqSize is the wire size of the fixed part of a ReadWriteFileRequest.
const rwFileReqSize = 12

// DecodeReadWriteFileRequest parses a direct file command payload. When
// withData is true the declared length of payload bytes must follow the
// fixed fields.
func DecodeReadWriteFileRequest(payload []byte, withData bool) (ReadWriteFileRequest, error) {
	if len(payload) < rwFileReqSize {
		return ReadWriteFileRequest{}, ErrPayloadTooShort
	}
	req := ReadWriteFileRequest{
		Handle: binary.LittleEndian.Uint32(payload[0:4]),
		Offset: binary.LittleEndian.Uint32(payload[4:8]),
		Length: binary.LittleEndian.Uint32(payload[8:12]),
	}
	if withData {
		if uint64(len(payload)) < rwFileReqSize+uint64(req.Length) {
			return ReadWriteFileRequest{}, ErrPayloadTruncated
		}
		req.Data = payload[rwFileReqSize : rwFileReqSize+req.Length]
	}
	return req, nil
}

// EncodeReadFileResponse builds the response for a direct ReadFile command.
// The data slice is appended after the transferred length; it is empty on
// error responses.
func EncodeReadFileResponse(instanceID uint8, command Command, cc CompletionCode, data []byte) []byte {
	buf := make([]byte, HeaderSize+5+len(data))
	copy(buf, EncodeHeader(Header{InstanceID: instanceID, Type: TypeOEM, Command: command}))
	buf[HeaderSize] = uint8(cc)
	binary.LittleEndian.PutUint32(buf[HeaderSize+1:], uint32(len(data)))
	copy(buf[HeaderSize+5:], data)
	return buf
}

// GetFileTableRequest is the decoded payload of a GetFileTable command.
type GetFileTableRequest struct {
	TransferHandle uint32
	OperationFlag  uint8
	TableType      uint8
}

// DecodeGetFileTableRequest parses a GetFileTable payload.
func DecodeGetFileTableRequest(payload []byte) (GetFileTableRequest, error) {
	if len(payload) < 6 {
		return GetFileTableRequest{}, ErrPayloadTooShort
	}
	return GetFileTableRequest{
		TransferHandle: binary.LittleEndian.Uint32(payload[0:4]),
		OperationFlag:  payload[4],
		TableType:      payload[5],
	}, nil
}

// Transfer operation flags a GetFileTable request may carry.
const (
	OpFlagGetNextPart  uint8 = 0x00
	OpFlagGetFirstPart uint8 = 0x01
)

// TransferFlagStartAndEnd marks a table response delivered in one part.
const TransferFlagStartAndEnd uint8 = 0x05

// EncodeGetFileTableResponse builds the response for a GetFileTable command.
// The table is always delivered in a single part.
func EncodeGetFileTableResponse(instanceID uint8, cc CompletionCode, nextHandle uint32, table []byte) []byte {
	if cc != Success {
		buf := make([]byte, HeaderSize+1)
		copy(buf, EncodeHeader(Header{InstanceID: instanceID, Type: TypeOEM, Command: CmdGetFileTable}))
		buf[HeaderSize] = uint8(cc)
		return buf
	}
	buf := make([]byte, HeaderSize+6+len(table))
	copy(buf, EncodeHeader(Header{InstanceID: instanceID, Type: TypeOEM, Command: CmdGetFileTable}))
	buf[HeaderSize] = uint8(cc)
	binary.LittleEndian.PutUint32(buf[HeaderSize+1:], nextHandle)
	buf[HeaderSize+5] = TransferFlagStartAndEnd
	copy(buf[HeaderSize+6:], table)
	return buf
}
