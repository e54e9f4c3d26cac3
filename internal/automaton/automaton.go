// Package automaton sequences the cellular modem from power-on to data-ready.
//
// All lifecycle state is owned by a single goroutine that consumes a queue of
// Envelopes. Modem callbacks, timers, data cache notifications and operator
// commands only ever post envelopes onto that queue.
package automaton

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/librescoot/cellular-service/internal/datacache"
	"github.com/librescoot/cellular-service/internal/modem"
	"github.com/librescoot/cellular-service/internal/nfmc"
)

// Publisher is the automaton's view of the data cache.
type Publisher interface {
	PublishCellularInfo(ctx context.Context, info datacache.CellularInfo) error
	PublishSimInfo(ctx context.Context, info datacache.SimInfo) error
	PublishDataInfo(ctx context.Context, info datacache.DataInfo) error
	PublishNFMCInfo(ctx context.Context, info datacache.NFMCInfo) error
	ReadDataInfo(ctx context.Context) (datacache.DataInfo, error)
	ReadTargetCommand(ctx context.Context) (datacache.TargetCommand, error)
}

// Observer is told about lifecycle progress. Calls are made from the
// automaton goroutine and must not block.
type Observer interface {
	StateChanged(from, to State)
	Fault(cause FailCause, outcome Outcome, global int)
	SignalChanged(q modem.SignalQuality)
	Tempos(active bool, tempo [nfmc.TempoCount]uint32)
}

// Rebooter restarts the device once a modem firmware update is over.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Inhibitor keeps the device awake while the modem reprograms itself.
type Inhibitor interface {
	Acquire(ctx context.Context, why string) error
	Release() error
}

type Config struct {
	PollingInterval      time.Duration
	NetworkStatusTimeout time.Duration
	PDNRetryDelay        time.Duration
	RegisterRetryDelay   time.Duration
	FotaTimeout          time.Duration
	SimPollInterval      time.Duration
	SimPollCount         int

	RetryMax       int
	SimRetryMax    int
	GlobalRetryCap int
	CsqFailMax     int

	Pin       string
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		PollingInterval:      5 * time.Second,
		NetworkStatusTimeout: 180 * time.Second,
		PDNRetryDelay:        30 * time.Second,
		RegisterRetryDelay:   60 * time.Second,
		FotaTimeout:          6 * time.Minute,
		SimPollInterval:      100 * time.Millisecond,
		SimPollCount:         200,
		RetryMax:             5,
		SimRetryMax:          datacache.MaxSimSlots,
		GlobalRetryCap:       6,
		CsqFailMax:           5,
		QueueSize:            32,
	}
}

type Deps struct {
	Modem     modem.Service
	Publisher Publisher
	Observer  Observer
	Rebooter  Rebooter
	Inhibitor Inhibitor
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

type Automaton struct {
	cfg       Config
	params    datacache.Params
	modem     modem.Service
	pub       Publisher
	observer  Observer
	rebooter  Rebooter
	inhibitor Inhibitor
	clock     clockwork.Clock
	timers    *TimerBank
	logger    zerolog.Logger

	queue   chan Envelope
	dropLog rate.Sometimes

	// owned by the loop goroutine
	pending       []Event
	state         State
	retry         RetryContext
	nfmc          nfmc.Context
	simIndex      int
	cellular      datacache.CellularInfo
	sim           datacache.SimInfo
	data          datacache.DataInfo
	csqFails      int
	pollingActive bool
	pdnTempoIdx   int
	regTempoIdx   int
	inhibited     bool

	// mirror of state for timer guards
	current     atomic.Int32
	tickPending atomic.Bool
}

func New(cfg Config, params datacache.Params, deps Deps) (*Automaton, error) {
	if deps.Modem == nil {
		return nil, errors.New("modem service is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cellular params: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}

	a := &Automaton{
		cfg:           cfg,
		params:        params,
		modem:         deps.Modem,
		pub:           deps.Publisher,
		observer:      deps.Observer,
		rebooter:      deps.Rebooter,
		inhibitor:     deps.Inhibitor,
		clock:         deps.Clock,
		timers:        NewTimerBank(deps.Clock),
		logger:        deps.Logger.With().Str("component", "automaton").Logger(),
		queue:         make(chan Envelope, cfg.QueueSize),
		dropLog:       rate.Sometimes{First: 1, Interval: 10 * time.Second},
		state:         StateInit,
		retry:         NewRetryContext(cfg.GlobalRetryCap),
		pollingActive: true,
	}
	a.current.Store(int32(StateInit))
	return a, nil
}

// State returns the current lifecycle state. Safe from any goroutine.
func (a *Automaton) State() State {
	return State(a.current.Load())
}

// Post queues an envelope without blocking. It reports false when the queue
// is full and the envelope was dropped.
func (a *Automaton) Post(env Envelope) bool {
	select {
	case a.queue <- env:
		return true
	default:
		a.dropLog.Do(func() {
			a.logger.Warn().
				Str("type", env.Type.String()).
				Int("id", env.ID).
				Msg("automaton queue full, dropping message")
		})
		return false
	}
}

// RadioOn starts the full connection sequence.
func (a *Automaton) RadioOn() bool {
	return a.Post(Envelope{Type: MessageCommand, ID: int(CommandRadioOn)})
}

// ModemPowerOn only powers the modem, without the automatic sequence.
func (a *Automaton) ModemPowerOn() bool {
	return a.Post(Envelope{Type: MessageCommand, ID: int(CommandModemPowerOn)})
}

// SetPolling switches the periodic signal refresh in data-ready on or off.
func (a *Automaton) SetPolling(on bool) bool {
	cmd := CommandPollingOff
	if on {
		cmd = CommandPollingOn
	}
	return a.Post(Envelope{Type: MessageCommand, ID: int(cmd)})
}

// CacheChanged notifies a change of a watched data cache entry.
func (a *Automaton) CacheChanged(entry datacache.Entry) {
	a.Post(Envelope{Type: MessageCacheChange, ID: int(entry)})
}

// Run publishes the initial status, subscribes to modem events and processes
// the queue until ctx is cancelled.
func (a *Automaton) Run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.timers.StopAll()

	a.logger.Info().Str("target", string(a.params.TargetState)).Msg("automaton started")

	for {
		if env, ok := a.next(); ok {
			a.handle(ctx, env)
			continue
		}
		select {
		case <-ctx.Done():
			a.release()
			return nil
		case env := <-a.queue:
			a.handle(ctx, env)
		}
	}
}

func (a *Automaton) start(ctx context.Context) error {
	for i := range a.sim.SlotStatus {
		a.sim.SlotStatus[i] = datacache.SimNotUsed
	}
	a.simIndex = 0
	a.sim.ActiveSlot = a.params.SimSlots[0].Type
	a.publishSim(ctx)

	a.cellular.State = datacache.ServiceUnavailable
	a.cellular.ModemState = datacache.ModemOff
	a.cellular.MNOName = ""
	a.publishCellular(ctx)

	if err := a.pub.PublishNFMCInfo(ctx, datacache.NFMCInfo{State: datacache.ServiceUnavailable}); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish nfmc info")
	}

	if err := a.modem.SubscribeModemEvents(a.onModemEvent); err != nil {
		return fmt.Errorf("failed to subscribe to modem events: %w", err)
	}

	a.timers.StartPeriodic(TimerPolling, a.cfg.PollingInterval, a.onTimer)
	return nil
}

// handle runs one envelope through translation and dispatch.
func (a *Automaton) handle(ctx context.Context, env Envelope) {
	ev := a.translate(ctx, env)
	switch ev {
	case EventNone:
		return
	case EventPollingTick:
		a.tickPending.Store(false)
		a.pollingTick(ctx)
		return
	}

	a.logger.Debug().
		Str("state", a.state.String()).
		Str("event", ev.String()).
		Msg("dispatch")
	a.dispatch(ctx, ev)
}

// translate maps an envelope to the automaton event it stands for.
func (a *Automaton) translate(ctx context.Context, env Envelope) Event {
	switch env.Type {
	case MessageEvent:
		return Event(env.ID)

	case MessageTimer:
		id := TimerID(env.ID)
		if !a.timers.Current(id, uint64(env.Value)) {
			if id == TimerPolling {
				a.tickPending.Store(false)
			}
			a.logger.Debug().Str("timer", id.String()).Msg("dropping superseded timer expiry")
			return EventNone
		}
		switch id {
		case TimerPolling:
			return EventPollingTick
		case TimerPDNRetry:
			return EventPdnRetryTimer
		case TimerNetworkStatus:
			return EventRegistrationTimeout
		case TimerRegisterRetry:
			return EventRegisterRetryTimer
		case TimerFota:
			return EventFotaTimeout
		}

	case MessageCommand:
		switch Command(env.ID) {
		case CommandRadioOn:
			return EventInit
		case CommandModemPowerOn:
			return EventPowerOn
		case CommandPollingOn, CommandPollingOff:
			a.pollingActive = Command(env.ID) == CommandPollingOn
			a.logger.Info().Bool("active", a.pollingActive).Msg("modem polling switched")
			return EventNone
		default:
			return EventUnknownCommand
		}

	case MessageURC:
		switch URC(env.ID) {
		case URCNetworkRegistration:
			return EventNetworkCallback
		case URCPdnEvent:
			a.retry.PdnStatus = modem.PDNEvent(env.Value)
			return EventPdnStatus
		case URCModemEvent:
			mask := modem.Event(env.Value)
			switch {
			case mask.Has(modem.EventFotaEnd):
				return EventFotaEnd
			case mask.Has(modem.EventFotaStart):
				return EventFotaStart
			}
			if mask.Has(modem.EventBoot) {
				a.logger.Info().Msg("modem booted")
			}
			if mask.Has(modem.EventPowerDown) {
				a.logger.Info().Msg("modem powered down")
			}
			return EventURC
		}

	case MessageCacheChange:
		return a.translateCacheChange(ctx, datacache.Entry(env.ID))
	}

	a.logger.Warn().Str("type", env.Type.String()).Int("id", env.ID).Msg("unrecognised message")
	return EventNone
}

func (a *Automaton) translateCacheChange(ctx context.Context, entry datacache.Entry) Event {
	switch entry {
	case datacache.EntryDataInfo:
		info, err := a.pub.ReadDataInfo(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to read cellular data info")
			return EventNone
		}
		if info.State == datacache.ServiceFail {
			return EventDataFail
		}

	case datacache.EntryTargetCommand:
		cmd, err := a.pub.ReadTargetCommand(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to read target state command")
			return EventNone
		}
		if cmd.State == datacache.ServiceOn && cmd.Target != "" {
			a.logger.Info().
				Str("from", string(a.params.TargetState)).
				Str("to", string(cmd.Target)).
				Msg("target state changed")
			a.params.TargetState = cmd.Target
			return EventTargetStateChanged
		}
	}
	return EventNone
}

// setState moves to next if the lifecycle allows it.
func (a *Automaton) setState(next State) {
	prev := a.state
	if prev == next {
		return
	}
	if !prev.CanTransition(next) {
		a.logger.Error().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("refusing invalid state transition")
		return
	}
	a.state = next
	a.current.Store(int32(next))
	a.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("state changed")
	a.observer.StateChanged(prev, next)
}

// post queues an event for the automaton itself. Follow-up events never go
// through the shared queue, so a burst of external messages cannot drop them.
func (a *Automaton) post(ev Event) {
	a.pending = append(a.pending, ev)
}

// next pops the oldest follow-up event. They run before anything queued.
func (a *Automaton) next() (Envelope, bool) {
	if len(a.pending) == 0 {
		return Envelope{}, false
	}
	ev := a.pending[0]
	n := copy(a.pending, a.pending[1:])
	a.pending = a.pending[:n]
	return eventEnvelope(ev), true
}

// onTimer runs on the clock's goroutine. It only queues the expiry when the
// automaton is still in the state the timer belongs to. The expiry carries
// the timer generation so one that was restarted or stopped meanwhile is
// dropped by translate.
func (a *Automaton) onTimer(id TimerID, gen uint64) {
	state := a.State()
	switch id {
	case TimerPolling:
		if state == StateInit {
			return
		}
		if !a.tickPending.CompareAndSwap(false, true) {
			return
		}
	case TimerPDNRetry:
		if state != StatePdnActivating {
			return
		}
	case TimerNetworkStatus:
		if state != StateAwaitingNetworkStatus {
			return
		}
	case TimerRegisterRetry:
		if state != StateNetworkStatusFail {
			return
		}
	case TimerFota:
		if state != StateReprogramming {
			return
		}
	}
	if !a.Post(Envelope{Type: MessageTimer, ID: int(id), Value: int(gen)}) && id == TimerPolling {
		a.tickPending.Store(false)
	}
}

func (a *Automaton) onNetworkEvent() {
	a.Post(Envelope{Type: MessageURC, ID: int(URCNetworkRegistration)})
}

func (a *Automaton) onPDNEvent(cid int, ev modem.PDNEvent) {
	a.logger.Debug().Int("cid", cid).Str("event", ev.String()).Msg("pdn event")
	a.Post(Envelope{Type: MessageURC, ID: int(URCPdnEvent), Value: int(ev)})
}

func (a *Automaton) onModemEvent(ev modem.Event) {
	a.ModemEvent(ev)
}

// ModemEvent injects a modem lifecycle notification, for the events the
// modem service cannot observe itself such as a firmware update.
func (a *Automaton) ModemEvent(ev modem.Event) bool {
	return a.Post(Envelope{Type: MessageURC, ID: int(URCModemEvent), Value: int(ev)})
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State) {}
func (NopObserver) Fault(FailCause, Outcome, int) {}
func (NopObserver) SignalChanged(modem.SignalQuality) {}
func (NopObserver) Tempos(bool, [nfmc.TempoCount]uint32) {}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) StateChanged(from, to State) {
	for _, obs := range o {
		obs.StateChanged(from, to)
	}
}

func (o Observers) Fault(cause FailCause, outcome Outcome, global int) {
	for _, obs := range o {
		obs.Fault(cause, outcome, global)
	}
}

func (o Observers) SignalChanged(q modem.SignalQuality) {
	for _, obs := range o {
		obs.SignalChanged(q)
	}
}

func (o Observers) Tempos(active bool, tempo [nfmc.TempoCount]uint32) {
	for _, obs := range o {
		obs.Tempos(active, tempo)
	}
}
