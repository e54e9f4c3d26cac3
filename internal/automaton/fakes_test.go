package automaton

import (
	"context"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/cellular-service/internal/datacache"
	"github.com/librescoot/cellular-service/internal/modem"
	"github.com/librescoot/cellular-service/internal/nfmc"
)

type fakeModem struct {
	mu    sync.Mutex
	calls []string

	powerOnErr  error
	resetErr    error
	initErr     error
	imsi        string
	imsiErr     error
	signal      modem.SignalQuality
	signalErr   error
	net         modem.NetStatus
	netErr      error
	attached    bool
	attachErr   error
	defineErr   error
	activateErr error

	onModem   func(modem.Event)
	onPowerOn func()
}

func (f *fakeModem) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeModem) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeModem) count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeModem) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeModem) PowerOn(context.Context) error {
	f.record("PowerOn")
	if f.onPowerOn != nil {
		f.onPowerOn()
	}
	return f.powerOnErr
}

func (f *fakeModem) PowerOff(context.Context) error {
	f.record("PowerOff")
	return nil
}

func (f *fakeModem) Reset(context.Context) error {
	f.record("Reset")
	return f.resetErr
}

func (f *fakeModem) SelectSim(context.Context, int) error {
	f.record("SelectSim")
	return nil
}

func (f *fakeModem) Init(context.Context, modem.InitMode, string) error {
	f.record("Init")
	return f.initErr
}

func (f *fakeModem) DeviceInfo(context.Context) (modem.DeviceInfo, error) {
	f.record("DeviceInfo")
	return modem.DeviceInfo{IMEI: "356938035643809", Manufacturer: "Quectel", Model: "EC25"}, nil
}

func (f *fakeModem) IMSI(context.Context) (string, error) {
	f.record("IMSI")
	return f.imsi, f.imsiErr
}

func (f *fakeModem) SignalQuality(context.Context) (modem.SignalQuality, error) {
	f.record("SignalQuality")
	return f.signal, f.signalErr
}

func (f *fakeModem) RegisterNet(context.Context) (modem.NetStatus, error) {
	f.record("RegisterNet")
	return f.net, nil
}

func (f *fakeModem) NetStatus(context.Context) (modem.NetStatus, error) {
	f.record("NetStatus")
	return f.net, f.netErr
}

func (f *fakeModem) AttachStatus(context.Context) (bool, error) {
	f.record("AttachStatus")
	return f.attached, f.attachErr
}

func (f *fakeModem) AttachPS(context.Context) error {
	f.record("AttachPS")
	return nil
}

func (f *fakeModem) DefinePDN(context.Context, modem.PDNConfig) error {
	f.record("DefinePDN")
	return f.defineErr
}

func (f *fakeModem) SetDefaultPDN(context.Context, int) error {
	f.record("SetDefaultPDN")
	return nil
}

func (f *fakeModem) ActivatePDN(context.Context) error {
	f.record("ActivatePDN")
	return f.activateErr
}

func (f *fakeModem) SubscribeNetworkEvents(func()) error { return nil }

func (f *fakeModem) SubscribePDNEvents(int, func(int, modem.PDNEvent)) error { return nil }

func (f *fakeModem) SubscribeModemEvents(fn func(modem.Event)) error {
	f.onModem = fn
	return nil
}

type fakePublisher struct {
	cellular []datacache.CellularInfo
	sim      []datacache.SimInfo
	data     []datacache.DataInfo
	nfmc     []datacache.NFMCInfo

	dataInfo datacache.DataInfo
	target   datacache.TargetCommand
}

func (p *fakePublisher) PublishCellularInfo(_ context.Context, info datacache.CellularInfo) error {
	p.cellular = append(p.cellular, info)
	return nil
}

func (p *fakePublisher) PublishSimInfo(_ context.Context, info datacache.SimInfo) error {
	p.sim = append(p.sim, info)
	return nil
}

func (p *fakePublisher) PublishDataInfo(_ context.Context, info datacache.DataInfo) error {
	p.data = append(p.data, info)
	return nil
}

func (p *fakePublisher) PublishNFMCInfo(_ context.Context, info datacache.NFMCInfo) error {
	p.nfmc = append(p.nfmc, info)
	return nil
}

func (p *fakePublisher) ReadDataInfo(context.Context) (datacache.DataInfo, error) {
	return p.dataInfo, nil
}

func (p *fakePublisher) ReadTargetCommand(context.Context) (datacache.TargetCommand, error) {
	return p.target, nil
}

func (p *fakePublisher) dataStates() []datacache.ServiceState {
	var states []datacache.ServiceState
	for _, d := range p.data {
		states = append(states, d.State)
	}
	return states
}

type recordingObserver struct {
	NopObserver
	states []State
	faults []FailCause
	tempos [nfmc.TempoCount]uint32
}

func (o *recordingObserver) StateChanged(_, to State) {
	o.states = append(o.states, to)
}

func (o *recordingObserver) Fault(cause FailCause, _ Outcome, _ int) {
	o.faults = append(o.faults, cause)
}

func (o *recordingObserver) Tempos(_ bool, tempo [nfmc.TempoCount]uint32) {
	o.tempos = tempo
}

type fakeInhibitor struct {
	held     bool
	acquired int
}

func (i *fakeInhibitor) Acquire(context.Context, string) error {
	i.held = true
	i.acquired++
	return nil
}

func (i *fakeInhibitor) Release() error {
	i.held = false
	return nil
}

type fakeRebooter struct {
	reboots int
}

func (r *fakeRebooter) Reboot(context.Context) error {
	r.reboots++
	return nil
}

type harness struct {
	a        *Automaton
	modem    *fakeModem
	pub      *fakePublisher
	obs      *recordingObserver
	inhibit  *fakeInhibitor
	rebooter *fakeRebooter
	clock    *clockwork.FakeClock
	ctx      context.Context
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SimPollInterval = 0
	cfg.SimPollCount = 3
	cfg.GlobalRetryCap = 100
	return cfg
}

func newHarness(t *testing.T, cfg Config, params datacache.Params) *harness {
	t.Helper()

	h := &harness{
		modem:    &fakeModem{imsi: "208150123456789"},
		pub:      &fakePublisher{},
		obs:      &recordingObserver{},
		inhibit:  &fakeInhibitor{},
		rebooter: &fakeRebooter{},
		clock:    clockwork.NewFakeClock(),
		ctx:      context.Background(),
	}

	a, err := New(cfg, params, Deps{
		Modem:     h.modem,
		Publisher: h.pub,
		Observer:  h.obs,
		Rebooter:  h.rebooter,
		Inhibitor: h.inhibit,
		Clock:     h.clock,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, a.start(h.ctx))
	t.Cleanup(a.timers.StopAll)

	h.a = a
	return h
}

// step handles the next follow-up event or queued envelope, in the order the
// loop would. It reports false if both are empty.
func (h *harness) step() bool {
	if env, ok := h.a.next(); ok {
		h.a.handle(h.ctx, env)
		return true
	}
	select {
	case env := <-h.a.queue:
		h.a.handle(h.ctx, env)
		return true
	default:
		return false
	}
}

// drain handles envelopes until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if !h.step() {
			return
		}
	}
	t.Fatal("automaton queue did not drain")
}

// force puts the automaton in state s without running any transition.
func (h *harness) force(s State) {
	h.a.state = s
	h.a.current.Store(int32(s))
}

// timer handles an expiry of the timer's current generation.
func (h *harness) timer(id TimerID) {
	h.a.handle(h.ctx, Envelope{Type: MessageTimer, ID: int(id), Value: int(h.a.timers.generation(id))})
}
