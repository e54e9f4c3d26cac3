// Package inhibitor keeps the power manager from suspending the device while
// the modem is busy with something that must not be interrupted.
package inhibitor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ackTimeout bounds the wait for the power manager's single zero byte.
const ackTimeout = 2 * time.Second

// Socket holds a connection to the power manager's inhibitor socket. The
// power manager counts every open connection as a blocking inhibitor.
type Socket struct {
	path   string
	logger zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewSocket(path string, logger zerolog.Logger) *Socket {
	return &Socket{
		path:   path,
		logger: logger.With().Str("component", "inhibitor").Logger(),
	}
}

// Acquire connects and waits for the acknowledgment. Acquiring a held
// inhibitor is a no-op.
func (s *Socket) Acquire(ctx context.Context, why string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to connect to inhibitor socket: %w", err)
	}

	deadline := time.Now().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	ack := make([]byte, 1)
	if _, err := conn.Read(ack); err != nil {
		conn.Close()
		return fmt.Errorf("no acknowledgment from power manager: %w", err)
	}
	if ack[0] != 0 {
		conn.Close()
		return fmt.Errorf("unexpected acknowledgment %#x", ack[0])
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to clear deadline: %w", err)
	}

	s.conn = conn
	s.logger.Info().Str("why", why).Msg("suspend inhibited")
	return nil
}

func (s *Socket) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.logger.Info().Msg("suspend inhibitor released")
	if err != nil {
		return fmt.Errorf("failed to close inhibitor connection: %w", err)
	}
	return nil
}

func (s *Socket) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
