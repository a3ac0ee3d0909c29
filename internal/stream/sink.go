package stream

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// FrameWriter consumes encoded wire frames.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Sink is the TCP link to the external streaming consumer. Writes are
// best-effort: a failed write drops the connection and surfaces the error,
// the caller decides whether to reconnect.
type Sink struct {
	address   string
	timeout   time.Duration
	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

var _ FrameWriter = (*Sink)(nil)

func NewSink(address string, timeout time.Duration) *Sink {
	return &Sink{
		address: address,
		timeout: timeout,
	}
}

// Connect stellt die TCP-Verbindung zum Sink her
func (s *Sink) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", s.address, s.timeout)
	if err != nil {
		return fmt.Errorf("connecting to sink %s: %w", s.address, err)
	}

	s.conn = conn
	s.connected = true

	return nil
}

// Close schließt die Verbindung
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	err := s.conn.Close()
	s.connected = false
	s.conn = nil

	return err
}

func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// WriteFrame pushes one frame to the sink within the write deadline.
func (s *Sink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return fmt.Errorf("sink not connected")
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("setting sink write deadline: %w", err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		// Verbindung ist nicht mehr brauchbar
		s.conn.Close()
		s.conn = nil
		s.connected = false
		return fmt.Errorf("writing frame to sink: %w", err)
	}
	return nil
}
