package dma

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/baemyung/ibm-pldm/eventloop"
)

// ErrResourceUnavailable indicates the DMA device could not be opened.
var ErrResourceUnavailable = errors.New("DMA device unavailable")

// ErrMapFailed indicates the DMA window could not be mapped.
var ErrMapFailed = errors.New("DMA window mapping failed")

// ErrWindowNotMapped indicates a chunk operation before MapWindow.
var ErrWindowNotMapped = errors.New("DMA window not mapped")

// ErrChunkExceedsMax indicates a chunk operation above the hardware limit.
var ErrChunkExceedsMax = errors.New("chunk length exceeds hardware maximum")

// DefaultDeadline bounds a whole logical transfer. A transfer that has not
// completed when the deadline elapses is torn down with a timeout response.
const DefaultDeadline = 20 * time.Second

// DefaultPollInterval is the watchdog re-fire interval after the deadline.
const DefaultPollInterval = 1 * time.Second

// Session owns one DMA window and the descriptors backing it for the
// lifetime of a single logical transfer. All methods must be called from
// the loop goroutine; a session never has more than one chunk operation in
// flight.
type Session struct {
	device            Device
	requestedLength   uint32
	pageAlignedLength uint32
	maxChunk          uint32

	deadline     time.Duration
	pollInterval time.Duration

	dmaFd    int
	sourceFd int
	window   []byte

	// completed transitions false to true at most once, before the
	// response is sent; no chunk operation is issued once it is set.
	completed bool
	released  bool

	loop    Loop
	watched bool
	timer   eventloop.TimerHandle
}

// NewSession creates a session sized for a transfer of length bytes. The
// window allocation is rounded up to the page size.
func NewSession(device Device, length uint32) *Session {
	pageSize := uint32(os.Getpagesize())
	aligned := (length / pageSize) * pageSize
	if length > aligned {
		aligned += pageSize
	}
	logrus.WithFields(logrus.Fields{
		"function":            "NewSession",
		"requested_length":    length,
		"page_aligned_length": aligned,
	}).Debug("Creating DMA transfer session")
	return &Session{
		device:            device,
		requestedLength:   length,
		pageAlignedLength: aligned,
		maxChunk:          MaxChunkSize,
		deadline:          DefaultDeadline,
		pollInterval:      DefaultPollInterval,
		dmaFd:             -1,
		sourceFd:          -1,
	}
}

// SetDeadline overrides the watchdog deadline and poll interval for this
// session. Must be called before the transfer is scheduled.
func (s *Session) SetDeadline(deadline, pollInterval time.Duration) {
	if deadline > 0 {
		s.deadline = deadline
	}
	if pollInterval > 0 {
		s.pollInterval = pollInterval
	}
}

// RequestedLength returns the length the transfer was sized for.
func (s *Session) RequestedLength() uint32 { return s.requestedLength }

// PageAlignedLength returns the window allocation size.
func (s *Session) PageAlignedLength() uint32 { return s.pageAlignedLength }

// AcquireWindow opens the DMA device descriptor. Idempotent; a second call
// on an open session is a no-op.
func (s *Session) AcquireWindow() error {
	if s.dmaFd >= 0 {
		return nil
	}
	fd, err := s.device.Open()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}
	s.dmaFd = fd
	return nil
}

// MapWindow maps pageAlignedLength bytes of the device window read+write.
// It must follow a successful AcquireWindow.
func (s *Session) MapWindow() error {
	if s.dmaFd < 0 {
		return fmt.Errorf("%w: device not acquired", ErrMapFailed)
	}
	if s.window != nil {
		return nil
	}
	window, err := s.device.Map(s.dmaFd, int(s.pageAlignedLength))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	s.window = window
	return nil
}

// SetSourceFd records the file descriptor backing the transfer so that
// Release can close it on every exit path.
func (s *Session) SetSourceFd(fd int) {
	s.sourceFd = fd
}

// TransferChunk synchronously moves exactly length bytes between the file
// descriptor and the host address through the mapped window, toward the
// host when upstream is true. Returns the number of bytes moved.
func (s *Session) TransferChunk(fd int, offset, length uint32, address uint64, upstream bool) (int, error) {
	if length > s.maxChunk {
		return -1, ErrChunkExceedsMax
	}
	if s.window == nil {
		return -1, ErrWindowNotMapped
	}

	if upstream {
		n, err := unix.Pread(fd, s.window[:length], int64(offset))
		if err != nil {
			return -1, fmt.Errorf("read source at offset %d: %w", offset, err)
		}
		if uint32(n) != length {
			return -1, fmt.Errorf("short read from source: %d of %d bytes", n, length)
		}
		return s.device.Transfer(s.dmaFd, s.window[:length], address, true)
	}

	n, err := s.device.Transfer(s.dmaFd, s.window[:length], address, false)
	if err != nil {
		return -1, err
	}
	if _, err := unix.Pwrite(fd, s.window[:n], int64(offset)); err != nil {
		return -1, fmt.Errorf("write source at offset %d: %w", offset, err)
	}
	return n, nil
}

// TransferToSocket moves length bytes from the host address into the window
// and relays them to a connected socket descriptor.
func (s *Session) TransferToSocket(sockFd int, length uint32, address uint64) (int, error) {
	if length > s.maxChunk {
		return -1, ErrChunkExceedsMax
	}
	if s.window == nil {
		return -1, ErrWindowNotMapped
	}
	n, err := s.device.Transfer(s.dmaFd, s.window[:length], address, false)
	if err != nil {
		return -1, err
	}
	sent := 0
	for sent < n {
		w, err := unix.Write(sockFd, s.window[sent:n])
		if err != nil {
			return -1, fmt.Errorf("relay to socket: %w", err)
		}
		sent += w
	}
	return sent, nil
}

// detach drops the watcher and timer. Called before Release so the loop
// holds no callback referencing the session once it is released.
func (s *Session) detach() {
	if s.watched {
		s.watched = false
		if err := s.loop.RemoveFD(s.dmaFd); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "detach",
				"error":    err.Error(),
			}).Warn("Failed to unregister DMA descriptor from event loop")
		}
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Release unmaps the window, closes both descriptors, and detaches the
// watcher and timer. Idempotent; every call after the first is a no-op.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	s.detach()

	if s.window != nil {
		if err := s.device.Unmap(s.window); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Release",
				"error":    err.Error(),
			}).Warn("Failed to unmap DMA window")
		}
		s.window = nil
	}
	if s.dmaFd >= 0 {
		if err := s.device.Close(s.dmaFd); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Release",
				"error":    err.Error(),
			}).Warn("Failed to close DMA descriptor")
		}
		s.dmaFd = -1
	}
	if s.sourceFd >= 0 {
		if err := unix.Close(s.sourceFd); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Release",
				"error":    err.Error(),
			}).Warn("Failed to close source descriptor")
		}
		s.sourceFd = -1
	}
}
