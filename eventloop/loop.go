// Package eventloop provides the single-threaded cooperative event loop the
// daemon runs on. File-descriptor readiness callbacks, timer callbacks, and
// submitted jobs all execute on the one loop goroutine and run to completion
// without preempting each other.
package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrLoopClosed indicates an operation on a loop that has been closed.
var ErrLoopClosed = errors.New("event loop is closed")

// Events is a bitmask of descriptor readiness conditions.
type Events uint32

// Readiness conditions a callback can be registered for or invoked with.
const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
)

// Callback is invoked on the loop goroutine when a watched descriptor
// becomes ready.
type Callback func(events Events)

// TimerHandle detaches a running timer from the loop. Stop is idempotent.
type TimerHandle interface {
	Stop()
}

// Loop multiplexes descriptor readiness and timers over one epoll instance.
type Loop struct {
	epfd   int
	wakeFd int

	mu        sync.Mutex
	callbacks map[int]Callback
	pending   *queue.Queue
	closed    bool
	running   bool
}

// New creates an event loop backed by a fresh epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}
	l := &Loop{
		epfd:      epfd,
		wakeFd:    wakeFd,
		callbacks: make(map[int]Callback),
		pending:   queue.New(),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakeup: %w", err)
	}
	return l, nil
}

// AddFD registers fd for the given readiness events. The callback runs on
// the loop goroutine.
func (l *Loop) AddFD(fd int, events Events, cb Callback) error {
	var ev unix.EpollEvent
	if events&EventRead != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	ev.Fd = int32(fd)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	l.callbacks[fd] = cb
	return nil
}

// RemoveFD unregisters fd from the loop. Removing a descriptor that is not
// registered is an error from epoll and is reported as such.
func (l *Loop) RemoveFD(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	delete(l.callbacks, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Submit schedules fn to run on the loop goroutine. Safe to call from any
// goroutine; jobs run in submission order.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending.Add(fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakeFd, one[:]); err != nil && err != unix.EAGAIN {
		logrus.WithFields(logrus.Fields{
			"function": "wake",
			"error":    err.Error(),
		}).Warn("Failed to signal event loop wakeup")
	}
}

// Run drives the loop until ctx is cancelled or Close is called. It must be
// called from exactly one goroutine; that goroutine becomes the loop thread.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.running = true
	l.mu.Unlock()
	defer l.releaseFds()

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	events := make([]unix.EpollEvent, 64)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return ErrLoopClosed
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFd {
				l.drainWakeup()
				l.runPending()
				continue
			}
			l.mu.Lock()
			cb := l.callbacks[fd]
			l.mu.Unlock()
			if cb == nil {
				continue
			}
			var ev Events
			if events[i].Events&unix.EPOLLIN != 0 {
				ev |= EventRead
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				ev |= EventWrite
			}
			if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= EventError
			}
			cb(ev)
		}
	}
}

func (l *Loop) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) runPending() {
	for {
		l.mu.Lock()
		if l.pending.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.pending.Remove().(func())
		l.mu.Unlock()
		fn()
	}
}

// Close shuts the loop down. No new jobs are accepted after Close; jobs
// already queued may still run once before Run observes the close. If Run is
// active it releases the descriptors itself on exit; otherwise Close releases
// them directly. Close is idempotent.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	running := l.running
	l.mu.Unlock()
	if running {
		l.wake()
		return nil
	}
	l.releaseFds()
	return nil
}

func (l *Loop) releaseFds() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.epfd >= 0 {
		unix.Close(l.wakeFd)
		unix.Close(l.epfd)
		l.epfd = -1
		l.wakeFd = -1
	}
}
