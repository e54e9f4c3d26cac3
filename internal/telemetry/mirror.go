// Package telemetry mirrors lifecycle changes onto a NATS subject so fleet
// tooling can follow a scooter's connectivity without polling its data cache.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/librescoot/cellular-service/internal/automaton"
	"github.com/librescoot/cellular-service/internal/modem"
	"github.com/librescoot/cellular-service/internal/nfmc"
)

const (
	KindState  = "state"
	KindFault  = "fault"
	KindSignal = "signal"
	KindNFMC   = "nfmc"
)

// Conn is the part of a NATS connection the mirror needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON document published for every change.
type Message struct {
	ID      string   `json:"id"`
	Session string   `json:"session"`
	Kind    string   `json:"kind"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	Cause   string   `json:"cause,omitempty"`
	Outcome string   `json:"outcome,omitempty"`
	Global  int      `json:"global,omitempty"`
	RSSI    *int     `json:"rssi,omitempty"`
	NFMC    *bool    `json:"nfmc_active,omitempty"`
	Tempos  []uint32 `json:"tempos,omitempty"`
	TS      int64    `json:"ts"`
}

// Mirror implements automaton.Observer.
type Mirror struct {
	conn    Conn
	subject string
	session string
	clock   clockwork.Clock
	logger  zerolog.Logger
}

func NewMirror(conn Conn, subject string, clock clockwork.Clock, logger zerolog.Logger) *Mirror {
	return &Mirror{
		conn:    conn,
		subject: subject,
		session: uuid.NewString(),
		clock:   clock,
		logger:  logger,
	}
}

// Connect dials NATS with reconnects that never give up.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

func (m *Mirror) Session() string {
	return m.session
}

func (m *Mirror) StateChanged(from, to automaton.State) {
	m.publish(Message{Kind: KindState, From: from.String(), To: to.String()})
}

func (m *Mirror) Fault(cause automaton.FailCause, outcome automaton.Outcome, global int) {
	m.publish(Message{
		Kind:    KindFault,
		Cause:   cause.String(),
		Outcome: outcome.String(),
		Global:  global,
	})
}

func (m *Mirror) SignalChanged(q modem.SignalQuality) {
	rssi := int(q.RSSI)
	m.publish(Message{Kind: KindSignal, RSSI: &rssi})
}

func (m *Mirror) Tempos(active bool, tempo [nfmc.TempoCount]uint32) {
	msg := Message{Kind: KindNFMC, NFMC: &active}
	if active {
		msg.Tempos = tempo[:]
	}
	m.publish(msg)
}

// publish never fails the caller; the NATS client buffers while reconnecting.
func (m *Mirror) publish(msg Message) {
	msg.ID = uuid.NewString()
	msg.Session = m.session
	msg.TS = m.clock.Now().UnixMilli()

	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("kind", msg.Kind).Msg("failed to encode telemetry")
		return
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		m.logger.Warn().Err(err).Str("subject", m.subject).Msg("failed to publish telemetry")
	}
}
