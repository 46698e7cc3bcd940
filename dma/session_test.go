package dma

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewSessionPageAlignment(t *testing.T) {
	pageSize := uint32(os.Getpagesize())
	dev := newFakeDevice()

	tests := []struct {
		name    string
		length  uint32
		aligned uint32
	}{
		{"one byte rounds up to a page", 1, pageSize},
		{"exact page stays exact", pageSize, pageSize},
		{"page plus one rounds to two pages", pageSize + 1, 2 * pageSize},
		{"sub-page length", 4000, pageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(dev, tt.length)
			if s.RequestedLength() != tt.length {
				t.Errorf("RequestedLength = %d, want %d", s.RequestedLength(), tt.length)
			}
			if s.PageAlignedLength() != tt.aligned {
				t.Errorf("PageAlignedLength = %d, want %d", s.PageAlignedLength(), tt.aligned)
			}
			if s.PageAlignedLength()%pageSize != 0 {
				t.Errorf("PageAlignedLength %d not page aligned", s.PageAlignedLength())
			}
		})
	}
}

func TestAcquireWindowIdempotent(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, 64)

	if err := s.AcquireWindow(); err != nil {
		t.Fatalf("AcquireWindow failed: %v", err)
	}
	if err := s.AcquireWindow(); err != nil {
		t.Fatalf("second AcquireWindow failed: %v", err)
	}
	if dev.opened != 1 {
		t.Errorf("device opened %d times, want 1", dev.opened)
	}
}

func TestAcquireWindowFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.openErr = errors.New("no such device")
	s := NewSession(dev, 64)

	err := s.AcquireWindow()
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("AcquireWindow error = %v, want ErrResourceUnavailable", err)
	}
}

func TestMapWindowRequiresAcquire(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, 64)

	err := s.MapWindow()
	if !errors.Is(err, ErrMapFailed) {
		t.Errorf("MapWindow error = %v, want ErrMapFailed", err)
	}
}

func TestMapWindowFailurePropagatesCause(t *testing.T) {
	dev := newFakeDevice()
	dev.mapErr = unix.ENOMEM
	s := NewSession(dev, 64)

	if err := s.AcquireWindow(); err != nil {
		t.Fatalf("AcquireWindow failed: %v", err)
	}
	err := s.MapWindow()
	if !errors.Is(err, ErrMapFailed) {
		t.Errorf("MapWindow error = %v, want ErrMapFailed", err)
	}
	if !errors.Is(err, unix.ENOMEM) {
		t.Errorf("MapWindow error = %v, want wrapped ENOMEM", err)
	}
}

func TestTransferChunkGuards(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, 64)
	s.maxChunk = 16

	if _, err := s.TransferChunk(0, 0, 32, 0, true); !errors.Is(err, ErrChunkExceedsMax) {
		t.Errorf("oversized chunk error = %v, want ErrChunkExceedsMax", err)
	}
	if _, err := s.TransferChunk(0, 0, 16, 0, true); !errors.Is(err, ErrWindowNotMapped) {
		t.Errorf("unmapped chunk error = %v, want ErrWindowNotMapped", err)
	}
}

func TestTransferChunkUpstreamReadsSource(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, 64)

	path := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x5A}, 64), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	s.SetSourceFd(fd)

	if err := s.AcquireWindow(); err != nil {
		t.Fatalf("AcquireWindow failed: %v", err)
	}
	if err := s.MapWindow(); err != nil {
		t.Fatalf("MapWindow failed: %v", err)
	}

	n, err := s.TransferChunk(fd, 16, 32, 0x2000, true)
	if err != nil {
		t.Fatalf("TransferChunk failed: %v", err)
	}
	if n != 32 {
		t.Errorf("TransferChunk moved %d bytes, want 32", n)
	}
	if len(dev.transfers) != 1 || !dev.transfers[0].upstream || dev.transfers[0].length != 32 {
		t.Errorf("unexpected device transfer record: %+v", dev.transfers)
	}

	s.Release()
}

func TestTransferChunkDownstreamWritesSource(t *testing.T) {
	dev := newFakeDevice()
	dev.fillByte = 0xC3
	s := NewSession(dev, 64)

	path := filepath.Join(t.TempDir(), "dst")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	s.SetSourceFd(fd)

	if err := s.AcquireWindow(); err != nil {
		t.Fatalf("AcquireWindow failed: %v", err)
	}
	if err := s.MapWindow(); err != nil {
		t.Fatalf("MapWindow failed: %v", err)
	}

	n, err := s.TransferChunk(fd, 0, 24, 0x3000, false)
	if err != nil {
		t.Fatalf("TransferChunk failed: %v", err)
	}
	if n != 24 {
		t.Errorf("TransferChunk moved %d bytes, want 24", n)
	}
	s.Release()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back fixture: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xC3}, 24)) {
		t.Errorf("destination content = %x, want 24 bytes of c3", got)
	}
}

func TestTransferToSocket(t *testing.T) {
	dev := newFakeDevice()
	dev.fillByte = 0x7E
	s := NewSession(dev, 64)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	if err := s.AcquireWindow(); err != nil {
		t.Fatalf("AcquireWindow failed: %v", err)
	}
	if err := s.MapWindow(); err != nil {
		t.Fatalf("MapWindow failed: %v", err)
	}

	n, err := s.TransferToSocket(fds[0], 16, 0x4000)
	if err != nil {
		t.Fatalf("TransferToSocket failed: %v", err)
	}
	if n != 16 {
		t.Errorf("TransferToSocket relayed %d bytes, want 16", n)
	}
	unix.Close(fds[0])

	buf := make([]byte, 32)
	got, err := unix.Read(fds[1], buf)
	if err != nil {
		t.Fatalf("read socket: %v", err)
	}
	if !bytes.Equal(buf[:got], bytes.Repeat([]byte{0x7E}, 16)) {
		t.Errorf("socket content = %x, want 16 bytes of 7e", buf[:got])
	}

	s.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, 64)

	if err := s.AcquireWindow(); err != nil {
		t.Fatalf("AcquireWindow failed: %v", err)
	}
	if err := s.MapWindow(); err != nil {
		t.Fatalf("MapWindow failed: %v", err)
	}

	s.Release()
	s.Release()

	if len(dev.closed) != 1 {
		t.Errorf("device closed %d times, want 1", len(dev.closed))
	}
	if dev.unmapped != 1 {
		t.Errorf("window unmapped %d times, want 1", dev.unmapped)
	}
}

func TestReleaseWithoutResourcesIsNoOp(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, 64)

	s.Release()
	s.Release()

	if len(dev.closed) != 0 || dev.unmapped != 0 {
		t.Errorf("release touched resources that were never acquired: closed=%v unmapped=%d", dev.closed, dev.unmapped)
	}
}
