package dma

import (
	"time"

	"github.com/google/uuid"

	"github.com/baemyung/ibm-pldm/eventloop"
)

// fakeDevice scripts the hardware DMA primitive. Each Transfer call
// consumes the next scripted result; calls past the script succeed moving
// the full window.
type fakeDevice struct {
	openErr error
	mapErr  error

	fillByte byte

	opened    int
	unmapped  int
	closed    []int
	transfers []fakeTransfer
	results   []fakeResult
	nextFd    int
}

type fakeTransfer struct {
	length   int
	address  uint64
	upstream bool
}

type fakeResult struct {
	n   int
	err error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{nextFd: 100}
}

func (d *fakeDevice) Open() (int, error) {
	if d.openErr != nil {
		return -1, d.openErr
	}
	d.opened++
	fd := d.nextFd
	d.nextFd++
	return fd, nil
}

func (d *fakeDevice) Map(fd int, length int) ([]byte, error) {
	if d.mapErr != nil {
		return nil, d.mapErr
	}
	return make([]byte, length), nil
}

func (d *fakeDevice) Unmap(window []byte) error {
	d.unmapped++
	return nil
}

func (d *fakeDevice) Transfer(fd int, window []byte, address uint64, upstream bool) (int, error) {
	idx := len(d.transfers)
	d.transfers = append(d.transfers, fakeTransfer{length: len(window), address: address, upstream: upstream})
	if !upstream {
		for i := range window {
			window[i] = d.fillByte
		}
	}
	if idx < len(d.results) {
		r := d.results[idx]
		if r.err != nil {
			return -1, r.err
		}
		return r.n, nil
	}
	return len(window), nil
}

func (d *fakeDevice) Close(fd int) error {
	d.closed = append(d.closed, fd)
	return nil
}

// chunkLengths returns the length of every chunk operation issued so far.
func (d *fakeDevice) chunkLengths() []int {
	out := make([]int, len(d.transfers))
	for i, t := range d.transfers {
		out[i] = t.length
	}
	return out
}

// fakeLoop drives callbacks synchronously so tests control the interleaving
// of readiness and timer events.
type fakeLoop struct {
	addErr   error
	timerErr error

	fds     map[int]eventloop.Callback
	removed []int
	timers  []*fakeTimer
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{fds: make(map[int]eventloop.Callback)}
}

func (l *fakeLoop) AddFD(fd int, events eventloop.Events, cb eventloop.Callback) error {
	if l.addErr != nil {
		return l.addErr
	}
	l.fds[fd] = cb
	return nil
}

func (l *fakeLoop) RemoveFD(fd int) error {
	delete(l.fds, fd)
	l.removed = append(l.removed, fd)
	return nil
}

func (l *fakeLoop) NewTimer(deadline, interval time.Duration, cb func()) (eventloop.TimerHandle, error) {
	if l.timerErr != nil {
		return nil, l.timerErr
	}
	t := &fakeTimer{cb: cb}
	l.timers = append(l.timers, t)
	return t, nil
}

func (l *fakeLoop) Submit(fn func()) {
	fn()
}

// fireReadiness invokes the readiness callback registered for fd.
func (l *fakeLoop) fireReadiness(fd int) {
	if cb, ok := l.fds[fd]; ok {
		cb(eventloop.EventRead | eventloop.EventWrite)
	}
}

type fakeTimer struct {
	cb      func()
	stopped bool
}

func (t *fakeTimer) Stop() {
	t.stopped = true
}

// fire simulates the deadline elapsing. A stopped timer never fires.
func (t *fakeTimer) fire() {
	if !t.stopped {
		t.cb()
	}
}

// fakeSink records every delivered response.
type fakeSink struct {
	responses [][]byte
	keys      []uuid.UUID
	sendErr   error
}

func (s *fakeSink) Send(response []byte, key uuid.UUID) error {
	s.responses = append(s.responses, response)
	s.keys = append(s.keys, key)
	return s.sendErr
}
