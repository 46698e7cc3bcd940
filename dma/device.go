// Package dma implements the asynchronous DMA-based chunked file-transfer
// engine. A transfer stages data through a page-aligned, memory-mapped
// window owned by a Session and is driven to completion by event-loop
// readiness callbacks, bounded by a watchdog timer, with exactly one
// protocol response delivered per logical transfer.
package dma

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxChunkSize is the hardware limit for a single DMA operation in bytes.
const MaxChunkSize = 8384512

// MinTransferSize is the minimum granularity of a DMA transfer in bytes.
const MinTransferSize = 16

// DefaultDevicePath is the XDMA character device exposed by the BMC kernel.
const DefaultDevicePath = "/dev/aspeed-xdma"

// Device is the single-chunk hardware DMA primitive. It opens the DMA
// engine, maps its shared window, and moves at most MaxChunkSize bytes
// between a host address and the window per Transfer call.
type Device interface {
	// Open returns a descriptor for the DMA engine, or an error if the
	// device cannot be opened.
	Open() (int, error)

	// Map maps length bytes of the engine's shared window read+write.
	Map(fd int, length int) ([]byte, error)

	// Unmap releases a window returned by Map.
	Unmap(window []byte) error

	// Transfer moves len(window) bytes between the host address and the
	// window, toward the host when upstream is true. It returns the number
	// of bytes moved; short or failed operations return an error.
	Transfer(fd int, window []byte, address uint64, upstream bool) (int, error)

	// Close releases a descriptor returned by Open.
	Close(fd int) error
}

// XDMADevice drives the ASPEED XDMA engine through its character device.
type XDMADevice struct {
	Path string
}

// NewXDMADevice returns a device bound to path, or to DefaultDevicePath
// when path is empty.
func NewXDMADevice(path string) *XDMADevice {
	if path == "" {
		path = DefaultDevicePath
	}
	return &XDMADevice{Path: path}
}

// Open opens the XDMA device non-blocking so that operation completion is
// observed through readiness events rather than blocking reads.
func (d *XDMADevice) Open() (int, error) {
	fd, err := unix.Open(d.Path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", d.Path, err)
	}
	return fd, nil
}

// Map maps the engine's shared window. The length must be page aligned.
func (d *XDMADevice) Map(fd int, length int) ([]byte, error) {
	window, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", d.Path, err)
	}
	return window, nil
}

// Unmap releases a mapped window.
func (d *XDMADevice) Unmap(window []byte) error {
	return unix.Munmap(window)
}

// xdmaOpSize is the wire size of the operation descriptor the driver
// consumes: host address, length, direction.
const xdmaOpSize = 16

// Transfer submits one operation descriptor to the engine. The driver moves
// the bytes between the host address and the start of the shared window.
func (d *XDMADevice) Transfer(fd int, window []byte, address uint64, upstream bool) (int, error) {
	op := make([]byte, xdmaOpSize)
	binary.LittleEndian.PutUint64(op[0:8], address)
	binary.LittleEndian.PutUint32(op[8:12], uint32(len(window)))
	if upstream {
		binary.LittleEndian.PutUint32(op[12:16], 1)
	}
	if _, err := unix.Write(fd, op); err != nil {
		return -1, fmt.Errorf("submit xdma op: %w", err)
	}
	return len(window), nil
}

// Close releases the engine descriptor.
func (d *XDMADevice) Close(fd int) error {
	return unix.Close(fd)
}
