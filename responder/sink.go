package responder

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SocketSink delivers encoded responses over the transport socket. It is
// shared by every in-flight transfer and safe to invoke from any loop
// callback; Send never re-enters the transfer engine.
type SocketSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSocketSink wraps the connected transport socket's writer side.
func NewSocketSink(w io.Writer) *SocketSink {
	return &SocketSink{w: w}
}

// Send writes the response to the transport. The correlation key is logged
// for tracing; routing on the wire is positional, one response per request.
func (s *SocketSink) Send(response []byte, key uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(response); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"key":      key.String(),
		"bytes":    len(response),
	}).Debug("Response delivered to transport")
	return nil
}
