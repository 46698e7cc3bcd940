package dma

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/baemyung/ibm-pldm/eventloop"
	"github.com/baemyung/ibm-pldm/protocol"
)

// ErrSessionUnusable indicates a transfer scheduled against a nil or
// zero-length session.
var ErrSessionUnusable = errors.New("transfer session unusable")

// ErrTimerSetupFailed indicates the event loop could not arm the watchdog.
var ErrTimerSetupFailed = errors.New("watchdog timer setup failed")

// ErrChunkTransferFailed indicates a chunk operation returned short or
// negative.
var ErrChunkTransferFailed = errors.New("chunk transfer failed")

// Loop is the subset of the event loop a transfer needs: descriptor
// readiness watchers, deadline timers, and job submission.
type Loop interface {
	AddFD(fd int, events eventloop.Events, cb eventloop.Callback) error
	RemoveFD(fd int) error
	NewTimer(deadline, interval time.Duration, cb func()) (eventloop.TimerHandle, error)
	Submit(fn func())
}

// Sink receives the final encoded response for a transfer. It is solely
// responsible for routing by correlation key; implementations may be shared
// across sessions and are always invoked from the loop goroutine. A sink
// must not synchronously re-enter teardown of the session that completed.
type Sink interface {
	Send(response []byte, key uuid.UUID) error
}

// ResponseContext carries everything needed to build and route the single
// response of a transfer. It is immutable per transfer and consumed once.
type ResponseContext struct {
	Command    protocol.Command
	InstanceID uint8
	Key        uuid.UUID
	Sink       Sink
}

// OutcomeKind classifies how a transfer terminated.
type OutcomeKind uint8

// Terminal outcomes of a transfer.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimedOut
)

// String returns the outcome mnemonic for logging.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a transfer. Bytes is the transferred
// total for OutcomeSuccess; Reason carries the failure cause otherwise.
type Outcome struct {
	Kind   OutcomeKind
	Bytes  uint32
	Reason error
}

// chunkCursor tracks progress through a chunked transfer. Remaining is
// strictly decreasing; offset and address advance in lockstep.
type chunkCursor struct {
	remaining uint32
	offset    uint32
	address   uint64
}

func (c *chunkCursor) advance(n uint32) {
	c.remaining -= n
	c.offset += n
	c.address += uint64(n)
}

// PerformChunkedTransfer schedules a chunked DMA transfer of length bytes
// between the file descriptor and the host address, toward the host when
// upstream is true. It returns immediately; the response is delivered later
// through the context's sink, exactly once per transfer, on every exit path.
func PerformChunkedTransfer(loop Loop, s *Session, fd int, offset, length uint32, address uint64, upstream bool, rctx ResponseContext) {
	loop.Submit(func() {
		startTransfer(loop, s, fd, offset, length, address, upstream, rctx)
	})
}

func startTransfer(loop Loop, s *Session, fd int, offset, length uint32, address uint64, upstream bool, rctx ResponseContext) {
	if s != nil {
		s.SetSourceFd(fd)
	}
	if s == nil || length == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "startTransfer",
			"command":  rctx.Command.String(),
			"length":   length,
		}).Error("Transfer session unusable, no I/O attempted")
		// With no session there is no Release to close the source
		// descriptor, so it is closed here.
		if s == nil && fd >= 0 {
			unix.Close(fd)
		}
		finishTransfer(s, rctx, Outcome{Kind: OutcomeFailure, Reason: ErrSessionUnusable})
		return
	}

	if err := s.AcquireWindow(); err != nil {
		// Device open failure: the timer is never armed and no chunk is
		// attempted.
		finishTransfer(s, rctx, Outcome{Kind: OutcomeFailure, Reason: err})
		return
	}
	if err := s.MapWindow(); err != nil {
		finishTransfer(s, rctx, Outcome{Kind: OutcomeFailure, Reason: err})
		return
	}

	timer, err := loop.NewTimer(s.deadline, s.pollInterval, func() {
		if s.completed {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "startTransfer",
			"command":  rctx.Command.String(),
			"key":      rctx.Key.String(),
			"deadline": s.deadline,
		}).Error("Transfer deadline elapsed, terminating")
		finishTransfer(s, rctx, Outcome{Kind: OutcomeTimedOut})
	})
	if err != nil {
		finishTransfer(s, rctx, Outcome{Kind: OutcomeFailure, Reason: errors.Join(ErrTimerSetupFailed, err)})
		return
	}
	s.timer = timer

	cursor := &chunkCursor{remaining: length, offset: offset, address: address}
	watchCb := func(events eventloop.Events) {
		if events&(eventloop.EventRead|eventloop.EventWrite) == 0 {
			return
		}
		if s.completed {
			return
		}
		runChunks(s, fd, cursor, length, upstream, rctx)
	}
	if err := loop.AddFD(s.dmaFd, eventloop.EventRead|eventloop.EventWrite, watchCb); err != nil {
		finishTransfer(s, rctx, Outcome{Kind: OutcomeFailure, Reason: err})
		return
	}
	s.loop = loop
	s.watched = true

	logrus.WithFields(logrus.Fields{
		"function": "startTransfer",
		"command":  rctx.Command.String(),
		"key":      rctx.Key.String(),
		"length":   length,
		"offset":   offset,
		"address":  address,
		"upstream": upstream,
	}).Info("Chunked DMA transfer scheduled")
}

// runChunks drains the transfer on one readiness event: full-size chunks
// while more than the hardware maximum remains, then one final chunk for
// the remainder.
func runChunks(s *Session, fd int, cursor *chunkCursor, requested uint32, upstream bool, rctx ResponseContext) {
	for cursor.remaining > s.maxChunk {
		n, err := s.TransferChunk(fd, cursor.offset, s.maxChunk, cursor.address, upstream)
		if err != nil || n < 0 {
			logrus.WithFields(logrus.Fields{
				"function": "runChunks",
				"command":  rctx.Command.String(),
				"offset":   cursor.offset,
				"error":    errString(err),
			}).Error("Chunk transfer failed mid-stream")
			finishTransfer(s, rctx, Outcome{Kind: OutcomeFailure, Reason: errors.Join(ErrChunkTransferFailed, err)})
			return
		}
		cursor.advance(s.maxChunk)
	}

	n, err := s.TransferChunk(fd, cursor.offset, cursor.remaining, cursor.address, upstream)
	if err == nil && n >= 0 && uint32(n) == cursor.remaining {
		finishTransfer(s, rctx, Outcome{Kind: OutcomeSuccess, Bytes: requested})
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "runChunks",
		"command":   rctx.Command.String(),
		"offset":    cursor.offset,
		"remaining": cursor.remaining,
		"moved":     n,
		"error":     errString(err),
	}).Error("Final chunk transfer failed")
	finishTransfer(s, rctx, Outcome{Kind: OutcomeFailure, Reason: errors.Join(ErrChunkTransferFailed, err)})
}

// finishTransfer is the single terminal path for a transfer: it marks the
// session completed, encodes and delivers exactly one response, then drops
// the watcher and timer before releasing the session. Safe on sessions that
// never acquired resources; teardown there is a no-op.
func finishTransfer(s *Session, rctx ResponseContext, outcome Outcome) {
	if s != nil {
		if s.completed {
			return
		}
		s.completed = true
	}

	var response []byte
	switch outcome.Kind {
	case OutcomeSuccess:
		response = protocol.EncodeFileMemoryResponse(rctx.InstanceID, rctx.Command, protocol.Success, outcome.Bytes)
	default:
		response = protocol.EncodeFileMemoryResponse(rctx.InstanceID, rctx.Command, protocol.Error, 0)
	}

	if rctx.Sink != nil {
		if err := rctx.Sink.Send(response, rctx.Key); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "finishTransfer",
				"key":      rctx.Key.String(),
				"error":    err.Error(),
			}).Error("Failed to deliver transfer response")
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "finishTransfer",
			"key":      rctx.Key.String(),
		}).Debug("No response sink configured, dropping response")
	}

	logrus.WithFields(logrus.Fields{
		"function": "finishTransfer",
		"command":  rctx.Command.String(),
		"key":      rctx.Key.String(),
		"outcome":  outcome.Kind,
		"bytes":    outcome.Bytes,
		"reason":   errString(outcome.Reason),
	}).Info("Transfer terminated")

	if s != nil {
		s.detach()
		s.Release()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
