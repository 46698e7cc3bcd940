package responder

import (
	"time"

	"github.com/google/uuid"

	"github.com/baemyung/ibm-pldm/eventloop"
)

// stubLoop runs submitted jobs inline and lets tests fire readiness
// callbacks by descriptor.
type stubLoop struct {
	fds    map[int]eventloop.Callback
	timers []*stubTimer
}

func newStubLoop() *stubLoop {
	return &stubLoop{fds: make(map[int]eventloop.Callback)}
}

func (l *stubLoop) AddFD(fd int, events eventloop.Events, cb eventloop.Callback) error {
	l.fds[fd] = cb
	return nil
}

func (l *stubLoop) RemoveFD(fd int) error {
	delete(l.fds, fd)
	return nil
}

func (l *stubLoop) NewTimer(deadline, interval time.Duration, cb func()) (eventloop.TimerHandle, error) {
	t := &stubTimer{cb: cb}
	l.timers = append(l.timers, t)
	return t, nil
}

func (l *stubLoop) Submit(fn func()) {
	fn()
}

func (l *stubLoop) fireReadiness(fd int) {
	if cb, ok := l.fds[fd]; ok {
		cb(eventloop.EventRead | eventloop.EventWrite)
	}
}

type stubTimer struct {
	cb      func()
	stopped bool
}

func (t *stubTimer) Stop() { t.stopped = true }

// stubDevice is an always-succeeding DMA engine.
type stubDevice struct {
	nextFd    int
	transfers int
}

func newStubDevice() *stubDevice {
	return &stubDevice{nextFd: 300}
}

func (d *stubDevice) Open() (int, error) {
	fd := d.nextFd
	d.nextFd++
	return fd, nil
}

func (d *stubDevice) Map(fd int, length int) ([]byte, error) {
	return make([]byte, length), nil
}

func (d *stubDevice) Unmap(window []byte) error { return nil }

func (d *stubDevice) Transfer(fd int, window []byte, address uint64, upstream bool) (int, error) {
	d.transfers++
	return len(window), nil
}

func (d *stubDevice) Close(fd int) error { return nil }

// memSink records delivered responses.
type memSink struct {
	responses [][]byte
	keys      []uuid.UUID
}

func (s *memSink) Send(response []byte, key uuid.UUID) error {
	s.responses = append(s.responses, response)
	s.keys = append(s.keys, key)
	return nil
}
