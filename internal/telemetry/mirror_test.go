package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/cellular-service/internal/automaton"
	"github.com/librescoot/cellular-service/internal/modem"
	"github.com/librescoot/cellular-service/internal/nfmc"
)

type fakeConn struct {
	subjects []string
	msgs     []Message
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.subjects = append(c.subjects, subject)
	c.msgs = append(c.msgs, msg)
	return nil
}

func newMirror(conn Conn) (*Mirror, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewMirror(conn, "cellular.scooter-1.state", clock, zerolog.Nop()), clock
}

func TestMirrorStateChanged(t *testing.T) {
	conn := &fakeConn{}
	m, clock := newMirror(conn)

	m.StateChanged(automaton.StateRegistered, automaton.StatePdnActivating)

	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	assert.Equal(t, "cellular.scooter-1.state", conn.subjects[0])
	assert.Equal(t, KindState, msg.Kind)
	assert.Equal(t, "registered", msg.From)
	assert.Equal(t, "pdn-activating", msg.To)
	assert.Equal(t, clock.Now().UnixMilli(), msg.TS)
	assert.Equal(t, m.Session(), msg.Session)
	_, err := uuid.Parse(msg.ID)
	assert.NoError(t, err)
}

func TestMirrorFaultAndSignal(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newMirror(conn)

	m.Fault(automaton.CauseAttach, automaton.OutcomeTerminal, 6)
	m.SignalChanged(modem.SignalQuality{RSSI: 0})

	require.Len(t, conn.msgs, 2)
	assert.Equal(t, "attach", conn.msgs[0].Cause)
	assert.Equal(t, "terminal", conn.msgs[0].Outcome)
	assert.Equal(t, 6, conn.msgs[0].Global)

	require.NotNil(t, conn.msgs[1].RSSI, "a zero rssi is still reported")
	assert.Equal(t, 0, *conn.msgs[1].RSSI)
	assert.NotEqual(t, conn.msgs[0].ID, conn.msgs[1].ID)
}

func TestMirrorTempos(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newMirror(conn)

	tempo := [nfmc.TempoCount]uint32{1, 2, 3, 4, 5, 6, 7}
	m.Tempos(true, tempo)
	m.Tempos(false, [nfmc.TempoCount]uint32{})

	require.Len(t, conn.msgs, 2)
	assert.True(t, *conn.msgs[0].NFMC)
	assert.Equal(t, tempo[:], conn.msgs[0].Tempos)
	assert.False(t, *conn.msgs[1].NFMC)
	assert.Empty(t, conn.msgs[1].Tempos)
}

func TestMirrorPublishErrorIsSwallowed(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	m, _ := newMirror(conn)

	assert.NotPanics(t, func() {
		m.StateChanged(automaton.StateInit, automaton.StateModemOn)
	})
}
