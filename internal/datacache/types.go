package datacache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/librescoot/cellular-service/internal/nfmc"
)

// MaxSimSlots is the number of SIM slots a device can configure.
const MaxSimSlots = 3

// Redis hashes of the entries shared with the rest of the system.
const (
	KeyCellular = "cellular"
	KeySim      = "cellular:sim"
	KeyData     = "cellular:data"
	KeyNFMC     = "cellular:nfmc"
	KeyTarget   = "cellular:target"
	KeyParams   = "cellular:params"
)

// Entry identifies a watched data cache entry.
type Entry int

const (
	EntryDataInfo Entry = iota
	EntryTargetCommand
)

func (e Entry) String() string {
	switch e {
	case EntryDataInfo:
		return "cellular-data-info"
	case EntryTargetCommand:
		return "target-state-command"
	default:
		return "unknown"
	}
}

// ServiceState is the runtime state of a published entry.
type ServiceState string

const (
	ServiceOff          ServiceState = "off"
	ServiceOn           ServiceState = "on"
	ServiceRun          ServiceState = "running"
	ServiceFail         ServiceState = "fail"
	ServiceUnavailable  ServiceState = "unavailable"
	ServiceShuttingDown ServiceState = "shutting-down"
)

type ModemState string

const (
	ModemOff          ModemState = "off"
	ModemPoweredOn    ModemState = "powered-on"
	ModemSimConnected ModemState = "sim-connected"
	ModemDataOK       ModemState = "data-ok"
)

type SimStatus string

const (
	SimOK                SimStatus = "ok"
	SimNotImplemented    SimStatus = "not-implemented"
	SimBusy              SimStatus = "busy"
	SimNotInserted       SimStatus = "not-inserted"
	SimPinOrPukLocked    SimStatus = "pin-or-puk-locked"
	SimIncorrectPassword SimStatus = "incorrect-password"
	SimError             SimStatus = "error"
	SimNotUsed           SimStatus = "not-used"
	SimConnectionOngoing SimStatus = "connection-ongoing"
)

type SlotType string

const (
	SlotModemSocket      SlotType = "modem-socket"
	SlotModemEmbeddedSim SlotType = "modem-embedded-sim"
	SlotHostEmbeddedSim  SlotType = "host-embedded-sim"
)

// Index returns the modem side slot number of the slot type.
func (s SlotType) Index() int {
	switch s {
	case SlotModemEmbeddedSim:
		return 1
	case SlotHostEmbeddedSim:
		return 2
	default:
		return 0
	}
}

// TargetState is the lifecycle goal requested by the rest of the system.
type TargetState string

const (
	TargetOff     TargetState = "off"
	TargetSimOnly TargetState = "sim-only"
	TargetFull    TargetState = "full"
)

// ParseTargetState accepts the names above and the numeric forms 0, 1 and 2.
func ParseTargetState(s string) (TargetState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "0":
		return TargetOff, nil
	case "sim-only", "sim_only", "1":
		return TargetSimOnly, nil
	case "full", "2":
		return TargetFull, nil
	default:
		return "", fmt.Errorf("unknown target state %q", s)
	}
}

// SimSlot is the configuration of one SIM source.
type SimSlot struct {
	Type     SlotType `yaml:"type"`
	APN      string   `yaml:"apn"`
	CID      int      `yaml:"cid"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// Params is the cellular configuration read at start.
type Params struct {
	SetPDNMode  bool                    `yaml:"set_pdn_mode"`
	SimSlots    []SimSlot               `yaml:"sim_slots"`
	TargetState TargetState             `yaml:"target_state"`
	NFMCActive  bool                    `yaml:"nfmc_active"`
	NFMCBase    [nfmc.TempoCount]uint32 `yaml:"nfmc_base"`
}

func DefaultParams() Params {
	return Params{
		SetPDNMode:  true,
		SimSlots:    []SimSlot{{Type: SlotModemSocket, CID: 1}},
		TargetState: TargetFull,
		NFMCActive:  false,
		NFMCBase:    nfmc.DefaultBase,
	}
}

// Validate checks slot count and target state.
func (p Params) Validate() error {
	if len(p.SimSlots) == 0 || len(p.SimSlots) > MaxSimSlots {
		return fmt.Errorf("sim slot count must be between 1 and %d, got %d", MaxSimSlots, len(p.SimSlots))
	}
	if _, err := ParseTargetState(string(p.TargetState)); err != nil {
		return err
	}
	for i, s := range p.SimSlots {
		switch s.Type {
		case SlotModemSocket, SlotModemEmbeddedSim, SlotHostEmbeddedSim:
		default:
			return fmt.Errorf("sim slot %d: unknown type %q", i, s.Type)
		}
	}
	return nil
}

// CellularInfo is the modem status entry.
type CellularInfo struct {
	State        ServiceState
	ModemState   ModemState
	SignalLevel  int
	SignalDBM    int
	IMEI         string
	MNOName      string
	Manufacturer string
	Model        string
	Revision     string
	Serial       string
	ICCID        string
}

func (c CellularInfo) fields() map[string]string {
	return map[string]string{
		"state":        string(c.State),
		"modem-state":  string(c.ModemState),
		"signal-level": strconv.Itoa(c.SignalLevel),
		"signal-dbm":   strconv.Itoa(c.SignalDBM),
		"imei":         c.IMEI,
		"mno-name":     c.MNOName,
		"manufacturer": c.Manufacturer,
		"model":        c.Model,
		"revision":     c.Revision,
		"serial":       c.Serial,
		"iccid":        c.ICCID,
	}
}

// SimInfo is the SIM status entry.
type SimInfo struct {
	State      ServiceState
	IMSI       string
	ActiveSlot SlotType
	SlotStatus [MaxSimSlots]SimStatus
}

func (s SimInfo) fields() map[string]string {
	f := map[string]string{
		"state":       string(s.State),
		"imsi":        s.IMSI,
		"active-slot": string(s.ActiveSlot),
	}
	for i, st := range s.SlotStatus {
		f[fmt.Sprintf("slot:%d", i)] = string(st)
	}
	return f
}

// DataInfo is the cellular data availability entry. The data path writes
// ServiceFail into it when the connection stops carrying traffic.
type DataInfo struct {
	State ServiceState
}

func (d DataInfo) fields() map[string]string {
	return map[string]string{"state": string(d.State)}
}

// TargetCommand is the externally written request to change the target state.
type TargetCommand struct {
	State  ServiceState
	Target TargetState
}

func (t TargetCommand) fields() map[string]string {
	return map[string]string{
		"state":  string(t.State),
		"target": string(t.Target),
	}
}

// NFMCInfo is the published back-off configuration.
type NFMCInfo struct {
	State  ServiceState
	Active bool
	Tempo  [nfmc.TempoCount]uint32
}

func (n NFMCInfo) fields() map[string]string {
	f := map[string]string{
		"state":  string(n.State),
		"active": strconv.FormatBool(n.Active),
	}
	for i, v := range n.Tempo {
		f[fmt.Sprintf("tempo:%d", i)] = strconv.FormatUint(uint64(v), 10)
	}
	return f
}

func parseTargetCommand(m map[string]string) (TargetCommand, error) {
	cmd := TargetCommand{State: ServiceState(m["state"])}
	if v, ok := m["target"]; ok && v != "" {
		target, err := ParseTargetState(v)
		if err != nil {
			return TargetCommand{}, err
		}
		cmd.Target = target
	}
	return cmd, nil
}

func parseDataInfo(m map[string]string) DataInfo {
	return DataInfo{State: ServiceState(m["state"])}
}
