package eventloop

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a loop-driven deadline timer backed by a timerfd. The callback
// runs on the loop goroutine, repeating every interval after the initial
// deadline until Stop is called.
type Timer struct {
	loop *Loop
	fd   int

	mu      sync.Mutex
	stopped bool
}

// NewTimer arms a timer that first fires after deadline and then every
// interval. An interval of zero makes the timer one-shot.
func (l *Loop) NewTimer(deadline, interval time.Duration, cb func()) (TimerHandle, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd create: %w", err)
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(deadline.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("timerfd settime: %w", err)
	}

	t := &Timer{loop: l, fd: fd}
	if err := l.AddFD(fd, EventRead, func(Events) {
		var buf [8]byte
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
		cb()
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("register timerfd: %w", err)
	}
	return t, nil
}

// Stop detaches the timer from the loop and releases its descriptor.
// Idempotent; a stopped timer never fires again.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.loop.RemoveFD(t.fd)
	unix.Close(t.fd)
}
