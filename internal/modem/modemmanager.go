package modem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	mmService         = "org.freedesktop.ModemManager1"
	mmPath            = "/org/freedesktop/ModemManager1"
	mmModemInterface  = mmService + ".Modem"
	mm3gppInterface   = mmModemInterface + ".Modem3gpp"
	mmSimpleInterface = mmModemInterface + ".Simple"
	mmSimInterface    = mmService + ".Sim"
	mmBearerInterface = mmService + ".Bearer"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"

	emptySlotPath = dbus.ObjectPath("/")
)

// ModemManager modem states.
const (
	mmStateFailed       int32 = -1
	mmStateInitializing int32 = 1
	mmStateLocked       int32 = 2
)

// ModemManager failure reasons reported with mmStateFailed.
const (
	mmFailedReasonSimMissing uint32 = 2
	mmFailedReasonSimError   uint32 = 3
)

const (
	mmPowerStateLow uint32 = 2
	mmPowerStateOn  uint32 = 3
)

const (
	mmPacketServiceDetached uint32 = 1
	mmPacketServiceAttached uint32 = 2
)

var ErrNoModem = errors.New("no modem exported by ModemManager")

// PowerControl drives the modem supply and reset lines.
type PowerControl interface {
	PulsePowerKey(ctx context.Context) error
	PulseReset(ctx context.Context) error
}

// ModemManager implements Service over the ModemManager D-Bus API. The
// power key and reset lines are driven through PowerControl, everything else
// goes through ModemManager.
type ModemManager struct {
	conn          *dbus.Conn
	power         PowerControl
	logger        zerolog.Logger
	appearTimeout time.Duration

	mu         sync.Mutex
	modemPath  dbus.ObjectPath
	bearerPath dbus.ObjectPath
	pdns       map[int]PDNConfig
	defaultCID int

	onNetwork func()
	onPDN     func(cid int, ev PDNEvent)
	pdnCID    int
	onModem   func(ev Event)

	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewModemManager(conn *dbus.Conn, power PowerControl, logger zerolog.Logger) *ModemManager {
	return &ModemManager{
		conn:          conn,
		power:         power,
		logger:        logger.With().Str("component", "modem").Logger(),
		appearTimeout: 30 * time.Second,
		pdns:          make(map[int]PDNConfig),
		defaultCID:    1,
		done:          make(chan struct{}),
	}
}

// Start subscribes to the ModemManager signals the callbacks are fed from.
func (m *ModemManager) Start() error {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchObjectPath(mmPath),
			dbus.WithMatchInterface(dbusObjectManager),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchObjectPath(mmPath),
			dbus.WithMatchInterface(dbusObjectManager),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
		{
			dbus.WithMatchInterface(dbusProperties),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}
	for _, opts := range matches {
		if err := m.conn.AddMatchSignal(opts...); err != nil {
			return fmt.Errorf("failed to add ModemManager signal match: %w", err)
		}
	}

	m.signals = make(chan *dbus.Signal, 16)
	m.conn.Signal(m.signals)

	m.wg.Add(1)
	go m.listenForSignals()
	return nil
}

func (m *ModemManager) Close() {
	close(m.done)
	m.conn.RemoveSignal(m.signals)
	m.wg.Wait()
}

func (m *ModemManager) listenForSignals() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			m.handleSignal(sig)
		}
	}
}

func (m *ModemManager) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusObjectManager + ".InterfacesAdded":
		if hasModemInterface(sig.Body) {
			m.logger.Debug().Str("path", pathOf(sig.Body)).Msg("modem appeared")
			m.notifyModem(EventBoot)
		}
	case dbusObjectManager + ".InterfacesRemoved":
		if hasModemInterface(sig.Body) {
			m.mu.Lock()
			m.modemPath = ""
			m.bearerPath = ""
			m.mu.Unlock()
			m.logger.Debug().Str("path", pathOf(sig.Body)).Msg("modem removed")
			m.notifyModem(EventPowerDown)
		}
	case dbusProperties + ".PropertiesChanged":
		m.handlePropertiesChanged(sig)
	}
}

func (m *ModemManager) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	m.mu.Lock()
	modemPath, bearerPath := m.modemPath, m.bearerPath
	onNetwork, onPDN, cid := m.onNetwork, m.onPDN, m.pdnCID
	m.mu.Unlock()

	switch {
	case sig.Path == modemPath && iface == mm3gppInterface:
		if _, ok := changed["RegistrationState"]; ok && onNetwork != nil {
			onNetwork()
		}
		if v, ok := changed["PacketServiceState"]; ok && onPDN != nil {
			if s, ok := v.Value().(uint32); ok && s == mmPacketServiceDetached {
				onPDN(cid, PDNNetworkDetach)
			}
		}
	case bearerPath != "" && sig.Path == bearerPath && iface == mmBearerInterface:
		if v, ok := changed["Connected"]; ok && onPDN != nil {
			if connected, ok := v.Value().(bool); ok && !connected {
				onPDN(cid, PDNNetworkPDNDeactivated)
			}
		}
	}
}

func (m *ModemManager) notifyModem(ev Event) {
	m.mu.Lock()
	fn := m.onModem
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func hasModemInterface(body []interface{}) bool {
	for _, b := range body {
		switch v := b.(type) {
		case map[string]map[string]dbus.Variant:
			if _, ok := v[mmModemInterface]; ok {
				return true
			}
		case []string:
			for _, iface := range v {
				if iface == mmModemInterface {
					return true
				}
			}
		}
	}
	return false
}

func pathOf(body []interface{}) string {
	if len(body) > 0 {
		if p, ok := body[0].(dbus.ObjectPath); ok {
			return string(p)
		}
	}
	return ""
}

// findModem returns the first modem object exported by ModemManager.
func (m *ModemManager) findModem(ctx context.Context) (dbus.ObjectPath, error) {
	m.mu.Lock()
	path := m.modemPath
	m.mu.Unlock()
	if path != "" {
		return path, nil
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := m.conn.Object(mmService, mmPath)
	if err := obj.CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("failed to list ModemManager objects: %w", err)
	}

	var paths []string
	for p, ifaces := range objects {
		if _, ok := ifaces[mmModemInterface]; ok {
			paths = append(paths, string(p))
		}
	}
	if len(paths) == 0 {
		return "", ErrNoModem
	}
	sort.Strings(paths)

	path = dbus.ObjectPath(paths[0])
	m.mu.Lock()
	m.modemPath = path
	m.mu.Unlock()
	return path, nil
}

func (m *ModemManager) modem(ctx context.Context) (dbus.BusObject, error) {
	path, err := m.findModem(ctx)
	if err != nil {
		return nil, err
	}
	return m.conn.Object(mmService, path), nil
}

func (m *ModemManager) waitForModem(ctx context.Context) (dbus.BusObject, error) {
	ctx, cancel := context.WithTimeout(ctx, m.appearTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		obj, err := m.modem(ctx)
		if err == nil {
			return obj, nil
		}
		if !errors.Is(err, ErrNoModem) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("modem did not appear: %w", ErrNoModem)
		case <-ticker.C:
		}
	}
}

func (m *ModemManager) PowerOn(ctx context.Context) error {
	if _, err := m.findModem(ctx); errors.Is(err, ErrNoModem) {
		if err := m.power.PulsePowerKey(ctx); err != nil {
			return fmt.Errorf("failed to pulse power key: %w", err)
		}
	}

	obj, err := m.waitForModem(ctx)
	if err != nil {
		return err
	}
	if err := obj.CallWithContext(ctx, mmModemInterface+".SetPowerState", 0, mmPowerStateOn).Err; err != nil {
		return fmt.Errorf("failed to set modem power state: %w", err)
	}
	return nil
}

func (m *ModemManager) PowerOff(ctx context.Context) error {
	obj, err := m.modem(ctx)
	if errors.Is(err, ErrNoModem) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := obj.CallWithContext(ctx, mmModemInterface+".Enable", 0, false).Err; err != nil {
		m.logger.Warn().Err(err).Msg("failed to disable modem")
	}
	if err := obj.CallWithContext(ctx, mmModemInterface+".SetPowerState", 0, mmPowerStateLow).Err; err != nil {
		m.logger.Warn().Err(err).Msg("failed to set low power state")
	}
	if err := m.power.PulsePowerKey(ctx); err != nil {
		return fmt.Errorf("failed to pulse power key: %w", err)
	}

	m.mu.Lock()
	m.modemPath = ""
	m.bearerPath = ""
	m.mu.Unlock()
	return nil
}

func (m *ModemManager) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.modemPath = ""
	m.bearerPath = ""
	m.mu.Unlock()

	if err := m.power.PulseReset(ctx); err != nil {
		return fmt.Errorf("failed to pulse reset line: %w", err)
	}
	_, err := m.waitForModem(ctx)
	return err
}

func (m *ModemManager) SelectSim(ctx context.Context, slot int) error {
	obj, err := m.modem(ctx)
	if err != nil {
		return err
	}

	var slots []dbus.ObjectPath
	if err := getProperty(obj, mmModemInterface, "SimSlots", &slots); err != nil || len(slots) <= 1 {
		// single slot modems have nothing to select
		return nil
	}

	// ModemManager slot numbers start at 1
	if err := obj.CallWithContext(ctx, mmModemInterface+".SetPrimarySimSlot", 0, uint32(slot+1)).Err; err != nil {
		return fmt.Errorf("failed to select sim slot %d: %w", slot, err)
	}
	return nil
}

func (m *ModemManager) Init(ctx context.Context, mode InitMode, pin string) error {
	obj, err := m.modem(ctx)
	if err != nil {
		return err
	}

	var state int32
	if err := getProperty(obj, mmModemInterface, "State", &state); err != nil {
		return err
	}

	switch state {
	case mmStateFailed:
		var reason uint32
		_ = getProperty(obj, mmModemInterface, "StateFailedReason", &reason)
		switch reason {
		case mmFailedReasonSimMissing:
			return ErrSimNotInserted
		case mmFailedReasonSimError:
			return ErrSimError
		default:
			return fmt.Errorf("modem failed, reason %d", reason)
		}
	case mmStateInitializing:
		return ErrSimBusy
	case mmStateLocked:
		if pin == "" {
			return ErrSimPinLocked
		}
		sim, err := m.sim(obj)
		if err != nil {
			return err
		}
		if err := sim.CallWithContext(ctx, mmSimInterface+".SendPin", 0, pin).Err; err != nil {
			return fmt.Errorf("%w: %v", ErrSimIncorrectPassword, err)
		}
	}

	if mode == InitFull {
		if err := obj.CallWithContext(ctx, mmModemInterface+".Enable", 0, true).Err; err != nil {
			return fmt.Errorf("failed to enable modem: %w", err)
		}
	}
	return nil
}

func (m *ModemManager) sim(modem dbus.BusObject) (dbus.BusObject, error) {
	var path dbus.ObjectPath
	if err := getProperty(modem, mmModemInterface, "Sim", &path); err != nil {
		return nil, err
	}
	if path == "" || path == emptySlotPath {
		return nil, ErrSimNotInserted
	}
	return m.conn.Object(mmService, path), nil
}

func (m *ModemManager) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	obj, err := m.modem(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}

	var info DeviceInfo
	props := []struct {
		name string
		dst  *string
	}{
		{"EquipmentIdentifier", &info.IMEI},
		{"Manufacturer", &info.Manufacturer},
		{"Model", &info.Model},
		{"Revision", &info.Revision},
		{"DeviceIdentifier", &info.Serial},
	}
	for _, p := range props {
		if err := getProperty(obj, mmModemInterface, p.name, p.dst); err != nil {
			return info, err
		}
	}

	if sim, err := m.sim(obj); err == nil {
		_ = getProperty(sim, mmSimInterface, "SimIdentifier", &info.ICCID)
	}
	return info, nil
}

func (m *ModemManager) IMSI(ctx context.Context) (string, error) {
	obj, err := m.modem(ctx)
	if err != nil {
		return "", err
	}
	sim, err := m.sim(obj)
	if err != nil {
		return "", err
	}

	var imsi string
	if err := getProperty(sim, mmSimInterface, "Imsi", &imsi); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSimError, err)
	}
	if imsi == "" {
		return "", ErrSimBusy
	}
	return imsi, nil
}

func (m *ModemManager) SignalQuality(ctx context.Context) (SignalQuality, error) {
	obj, err := m.modem(ctx)
	if err != nil {
		return SignalQuality{}, err
	}

	v, err := obj.GetProperty(mmModemInterface + ".SignalQuality")
	if err != nil {
		return SignalQuality{}, fmt.Errorf("failed to read signal quality: %w", err)
	}
	fields, ok := v.Value().([]interface{})
	if !ok || len(fields) != 2 {
		return SignalQuality{}, fmt.Errorf("unexpected signal quality value %v", v)
	}
	percent, _ := fields[0].(uint32)
	recent, _ := fields[1].(bool)

	return signalFromPercent(percent, recent), nil
}

// signalFromPercent maps ModemManager's 0-100 quality onto the 0-31 rssi
// scale, with 99 for an unknown or stale value.
func signalFromPercent(percent uint32, recent bool) SignalQuality {
	if !recent || percent == 0 {
		return SignalQuality{RSSI: RSSIUnknown, BER: RSSIUnknown}
	}
	if percent > 100 {
		percent = 100
	}
	return SignalQuality{RSSI: uint8(percent * 31 / 100), BER: RSSIUnknown}
}

func (m *ModemManager) RegisterNet(ctx context.Context) (NetStatus, error) {
	obj, err := m.modem(ctx)
	if err != nil {
		return NetStatus{}, err
	}
	// empty operator id selects automatic registration
	if err := obj.CallWithContext(ctx, mm3gppInterface+".Register", 0, "").Err; err != nil {
		return NetStatus{}, fmt.Errorf("failed to register: %w", err)
	}
	return m.NetStatus(ctx)
}

func (m *ModemManager) NetStatus(ctx context.Context) (NetStatus, error) {
	obj, err := m.modem(ctx)
	if err != nil {
		return NetStatus{}, err
	}

	var reg uint32
	if err := getProperty(obj, mm3gppInterface, "RegistrationState", &reg); err != nil {
		return NetStatus{}, err
	}
	state := regStateFromMM(reg)

	var operator string
	_ = getProperty(obj, mm3gppInterface, "OperatorName", &operator)

	return NetStatus{EPS: state, GPRS: state, CS: state, OperatorName: operator}, nil
}

func regStateFromMM(v uint32) RegState {
	switch v {
	case 0:
		return RegNotRegistered
	case 1, 9:
		return RegHome
	case 2:
		return RegSearching
	case 3:
		return RegDenied
	case 5, 10:
		return RegRoaming
	default:
		return RegUnknown
	}
}

func (m *ModemManager) AttachStatus(ctx context.Context) (bool, error) {
	obj, err := m.modem(ctx)
	if err != nil {
		return false, err
	}

	var ps uint32
	if err := getProperty(obj, mm3gppInterface, "PacketServiceState", &ps); err != nil {
		// older ModemManager releases lack the property
		st, err := m.NetStatus(ctx)
		if err != nil {
			return false, err
		}
		return st.Registered(), nil
	}
	return ps == mmPacketServiceAttached, nil
}

func (m *ModemManager) AttachPS(ctx context.Context) error {
	obj, err := m.modem(ctx)
	if err != nil {
		return err
	}
	if err := obj.CallWithContext(ctx, mm3gppInterface+".SetPacketServiceState", 0, mmPacketServiceAttached).Err; err != nil {
		return fmt.Errorf("failed to attach packet service: %w", err)
	}
	return nil
}

func (m *ModemManager) DefinePDN(ctx context.Context, cfg PDNConfig) error {
	obj, err := m.modem(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.pdns[cfg.CID] = cfg
	m.mu.Unlock()

	if err := obj.CallWithContext(ctx, mm3gppInterface+".SetInitialEpsBearerSettings", 0, bearerProperties(cfg)).Err; err != nil {
		return fmt.Errorf("failed to define pdn %d: %w", cfg.CID, err)
	}
	return nil
}

func (m *ModemManager) SetDefaultPDN(_ context.Context, cid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pdns[cid]; !ok {
		m.pdns[cid] = PDNConfig{CID: cid}
	}
	m.defaultCID = cid
	return nil
}

func (m *ModemManager) ActivatePDN(ctx context.Context) error {
	obj, err := m.modem(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cfg := m.pdns[m.defaultCID]
	m.mu.Unlock()

	var bearer dbus.ObjectPath
	if err := obj.CallWithContext(ctx, mmSimpleInterface+".Connect", 0, bearerProperties(cfg)).Store(&bearer); err != nil {
		return fmt.Errorf("failed to activate pdn %d: %w", cfg.CID, err)
	}

	m.mu.Lock()
	m.bearerPath = bearer
	m.mu.Unlock()
	m.logger.Info().Str("bearer", string(bearer)).Int("cid", cfg.CID).Msg("pdn activated")
	return nil
}

func bearerProperties(cfg PDNConfig) map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"apn": dbus.MakeVariant(cfg.APN),
	}
	if cfg.Username != "" {
		props["user"] = dbus.MakeVariant(cfg.Username)
	}
	if cfg.Password != "" {
		props["password"] = dbus.MakeVariant(cfg.Password)
	}
	return props
}

func (m *ModemManager) SubscribeNetworkEvents(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNetwork = fn
	return nil
}

func (m *ModemManager) SubscribePDNEvents(cid int, fn func(cid int, ev PDNEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPDN = fn
	m.pdnCID = cid
	return nil
}

func (m *ModemManager) SubscribeModemEvents(fn func(ev Event)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onModem = fn
	return nil
}

func getProperty(obj dbus.BusObject, iface, name string, dst interface{}) error {
	v, err := obj.GetProperty(iface + "." + name)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := dbus.Store([]interface{}{v.Value()}, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}
