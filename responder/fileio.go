package responder

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/baemyung/ibm-pldm/dma"
	"github.com/baemyung/ibm-pldm/protocol"
)

// Handler dispatches the file-I/O command set. The command set is closed:
// dispatch is a switch over the known codes, and anything else is answered
// with an unsupported-command completion code.
type Handler struct {
	loop     dma.Loop
	device   dma.Device
	registry *Registry
	sink     dma.Sink

	deadline     time.Duration
	pollInterval time.Duration
}

// NewHandler creates a file-I/O command handler. The deadline and poll
// interval bound every DMA transfer the handler schedules; zero values fall
// back to the session defaults.
func NewHandler(loop dma.Loop, device dma.Device, registry *Registry, sink dma.Sink, deadline, pollInterval time.Duration) *Handler {
	return &Handler{
		loop:         loop,
		device:       device,
		registry:     registry,
		sink:         sink,
		deadline:     deadline,
		pollInterval: pollInterval,
	}
}

// Handle processes one request message and returns the response to send
// back, or nil when the response will be delivered asynchronously through
// the sink after a DMA transfer terminates.
func (h *Handler) Handle(msg []byte) []byte {
	hdr, err := protocol.DecodeHeader(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handle",
			"error":    err.Error(),
		}).Error("Failed to decode request header")
		return nil
	}
	if !hdr.Request {
		return nil
	}
	payload := msg[protocol.HeaderSize:]

	switch hdr.Command {
	case protocol.CmdReadFileIntoMemory:
		return h.fileToMemory(hdr, payload, true)
	case protocol.CmdWriteFileFromMemory:
		return h.fileToMemory(hdr, payload, false)
	case protocol.CmdReadFile:
		return h.readFile(hdr, payload)
	case protocol.CmdWriteFile:
		return h.writeFile(hdr, payload)
	case protocol.CmdGetFileTable:
		return h.getFileTable(hdr, payload)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Handle",
			"command":  hdr.Command.String(),
		}).Warn("Unsupported file-I/O command")
		return protocol.EncodeCCOnlyResponse(hdr.InstanceID, hdr.Command, protocol.ErrorUnsupportedCommand)
	}
}

// fileToMemory handles ReadFileIntoMemory and WriteFileFromMemory: it
// validates the request, sizes a DMA session, and hands off to the chunked
// transfer engine. The response is deferred except on validation failure.
func (h *Handler) fileToMemory(hdr protocol.Header, payload []byte, upstream bool) []byte {
	lengthError := protocol.InvalidWriteLength
	if upstream {
		lengthError = protocol.InvalidReadLength
	}

	req, err := protocol.DecodeFileMemoryRequest(payload)
	if err != nil {
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.ErrorInvalidLength, 0)
	}
	if req.Length == 0 || req.Length%dma.MinTransferSize != 0 {
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, lengthError, 0)
	}

	entry, ok := h.registry.Lookup(req.Handle)
	if !ok {
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.InvalidFileHandle, 0)
	}

	if upstream {
		fi, err := os.Stat(entry.Path)
		if err != nil {
			return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.InvalidFileHandle, 0)
		}
		if uint64(req.Offset)+uint64(req.Length) > uint64(fi.Size()) {
			return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.DataOutOfRange, 0)
		}
	}

	// unix.Open rather than os.Open: the session owns the descriptor and
	// closes it on release, which must not race an os.File finalizer.
	flags := unix.O_RDONLY
	if !upstream {
		flags = unix.O_WRONLY | unix.O_CREAT
	}
	fd, err := unix.Open(entry.Path, flags|unix.O_CLOEXEC, 0o644)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fileToMemory",
			"command":  hdr.Command.String(),
			"path":     entry.Path,
			"error":    err.Error(),
		}).Error("Failed to open backing file")
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.Error, 0)
	}

	session := dma.NewSession(h.device, req.Length)
	session.SetDeadline(h.deadline, h.pollInterval)
	rctx := dma.ResponseContext{
		Command:    hdr.Command,
		InstanceID: hdr.InstanceID,
		Key:        uuid.New(),
		Sink:       h.sink,
	}

	logrus.WithFields(logrus.Fields{
		"function": "fileToMemory",
		"command":  hdr.Command.String(),
		"key":      rctx.Key.String(),
		"handle":   req.Handle,
		"offset":   req.Offset,
		"length":   req.Length,
		"address":  req.Address,
	}).Info("Dispatching DMA file transfer")

	dma.PerformChunkedTransfer(h.loop, session, fd, req.Offset, req.Length, req.Address, upstream, rctx)
	return nil
}

// readFile answers a direct ReadFile command with the payload inline.
func (h *Handler) readFile(hdr protocol.Header, payload []byte) []byte {
	req, err := protocol.DecodeReadWriteFileRequest(payload, false)
	if err != nil {
		return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.ErrorInvalidLength, nil)
	}
	if req.Length == 0 || req.Length > protocol.MaxDirectPayload {
		return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.InvalidReadLength, nil)
	}
	entry, ok := h.registry.Lookup(req.Handle)
	if !ok {
		return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.InvalidFileHandle, nil)
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.InvalidFileHandle, nil)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.Error, nil)
	}
	size := uint64(fi.Size())
	if uint64(req.Offset) >= size {
		return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.DataOutOfRange, nil)
	}

	length := uint64(req.Length)
	if uint64(req.Offset)+length > size {
		length = size - uint64(req.Offset)
	}
	data := make([]byte, length)
	if _, err := f.ReadAt(data, int64(req.Offset)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "readFile",
			"handle":   req.Handle,
			"offset":   req.Offset,
			"error":    err.Error(),
		}).Error("Failed to read backing file")
		return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.Error, nil)
	}
	return protocol.EncodeReadFileResponse(hdr.InstanceID, hdr.Command, protocol.Success, data)
}

// writeFile answers a direct WriteFile command, storing the inline payload.
func (h *Handler) writeFile(hdr protocol.Header, payload []byte) []byte {
	req, err := protocol.DecodeReadWriteFileRequest(payload, true)
	if err != nil {
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.ErrorInvalidLength, 0)
	}
	if req.Length == 0 || req.Length > protocol.MaxDirectPayload {
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.InvalidWriteLength, 0)
	}
	entry, ok := h.registry.Lookup(req.Handle)
	if !ok {
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.InvalidFileHandle, 0)
	}

	f, err := os.OpenFile(entry.Path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.Error, 0)
	}
	defer f.Close()

	n, err := f.WriteAt(req.Data, int64(req.Offset))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeFile",
			"handle":   req.Handle,
			"offset":   req.Offset,
			"error":    err.Error(),
		}).Error("Failed to write backing file")
		return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.Error, 0)
	}
	return protocol.EncodeFileMemoryResponse(hdr.InstanceID, hdr.Command, protocol.Success, uint32(n))
}

// getFileTable answers a GetFileTable command with the whole attribute
// table in a single part.
func (h *Handler) getFileTable(hdr protocol.Header, payload []byte) []byte {
	req, err := protocol.DecodeGetFileTableRequest(payload)
	if err != nil {
		return protocol.EncodeGetFileTableResponse(hdr.InstanceID, protocol.ErrorInvalidLength, 0, nil)
	}
	if req.OperationFlag != protocol.OpFlagGetFirstPart && req.OperationFlag != protocol.OpFlagGetNextPart {
		return protocol.EncodeGetFileTableResponse(hdr.InstanceID, protocol.ErrorInvalidData, 0, nil)
	}
	if req.TableType != 0 {
		return protocol.EncodeGetFileTableResponse(hdr.InstanceID, protocol.FileTableUnavailable, 0, nil)
	}
	table, err := h.registry.Table()
	if err != nil {
		return protocol.EncodeGetFileTableResponse(hdr.InstanceID, protocol.Error, 0, nil)
	}
	return protocol.EncodeGetFileTableResponse(hdr.InstanceID, protocol.Success, 0, table)
}
