package inhibitor

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// powerManager accepts one connection, acknowledges it and reports when the
// client goes away.
func powerManager(t *testing.T, ack byte) (string, <-chan struct{}) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "inhibit.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		defer l.Close()
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := conn.Write([]byte{ack}); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
		close(released)
	}()
	return path, released
}

func TestSocketAcquireRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	path, released := powerManager(t, 0)
	s := NewSocket(path, zerolog.Nop())

	require.NoError(t, s.Acquire(context.Background(), "modem firmware update"))
	assert.True(t, s.Held())

	// a second acquire keeps the same connection
	require.NoError(t, s.Acquire(context.Background(), "modem firmware update"))

	select {
	case <-released:
		t.Fatal("inhibitor released while held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Release())
	assert.False(t, s.Held())

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("power manager did not see the release")
	}

	require.NoError(t, s.Release(), "releasing twice is fine")
}

func TestSocketBadAck(t *testing.T) {
	path, _ := powerManager(t, 7)
	s := NewSocket(path, zerolog.Nop())

	assert.Error(t, s.Acquire(context.Background(), "test"))
	assert.False(t, s.Held())
}

func TestSocketNoServer(t *testing.T) {
	s := NewSocket(filepath.Join(t.TempDir(), "missing.sock"), zerolog.Nop())
	assert.Error(t, s.Acquire(context.Background(), "test"))
}
