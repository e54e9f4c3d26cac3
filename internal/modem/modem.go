// Package modem defines the operations the connectivity automaton needs from
// the modem and implements them on top of ModemManager.
package modem

import (
	"context"
	"errors"
)

// SIM related outcomes of Init and IMSI. Any other non-nil error is a
// generic modem failure.
var (
	ErrSimBusy              = errors.New("sim busy")
	ErrSimError             = errors.New("sim error")
	ErrSimNotInserted       = errors.New("sim not inserted")
	ErrSimPinLocked         = errors.New("sim pin or puk locked")
	ErrSimIncorrectPassword = errors.New("sim incorrect password")
)

// InitMode selects how far modem initialisation goes.
type InitMode int

const (
	InitSimOnly InitMode = iota
	InitFull
)

// RegState is a network registration state.
type RegState int

const (
	RegNotRegistered RegState = iota
	RegHome
	RegSearching
	RegDenied
	RegUnknown
	RegRoaming
)

func (r RegState) String() string {
	switch r {
	case RegNotRegistered:
		return "not-registered"
	case RegHome:
		return "home"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "denied"
	case RegRoaming:
		return "roaming"
	default:
		return "unknown"
	}
}

// Registered reports home or roaming registration.
func (r RegState) Registered() bool {
	return r == RegHome || r == RegRoaming
}

// NetStatus is the result of a registration query.
type NetStatus struct {
	EPS          RegState
	GPRS         RegState
	CS           RegState
	OperatorName string
}

// Registered reports whether the packet domain (EPS or GPRS) is registered.
func (n NetStatus) Registered() bool {
	return n.EPS.Registered() || n.GPRS.Registered()
}

// SignalQuality carries 27.007 style rssi (0-31, 99 unknown) and ber.
type SignalQuality struct {
	RSSI uint8
	BER  uint8
}

const RSSIUnknown = 99

type DeviceInfo struct {
	IMEI         string
	Manufacturer string
	Model        string
	Revision     string
	Serial       string
	ICCID        string
}

type PDNConfig struct {
	CID      int
	APN      string
	Username string
	Password string
}

// PDNEvent is reported asynchronously for a data context.
type PDNEvent int

const (
	PDNOther PDNEvent = iota
	PDNNetworkDetach
	PDNNetworkDeactivated
	PDNNetworkPDNDeactivated
)

func (e PDNEvent) String() string {
	switch e {
	case PDNNetworkDetach:
		return "nw-detach"
	case PDNNetworkDeactivated:
		return "nw-deact"
	case PDNNetworkPDNDeactivated:
		return "nw-pdn-deact"
	default:
		return "other"
	}
}

// Event is a modem lifecycle notification. Several can be reported at once.
type Event uint16

const (
	EventBoot Event = 1 << iota
	EventPowerDown
	EventFotaStart
	EventFotaEnd
)

func (e Event) Has(flag Event) bool {
	return e&flag != 0
}

// Service is the modem side collaborator. Calls are synchronous and may block
// for seconds. Callbacks run on the collaborator's goroutines.
type Service interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	Reset(ctx context.Context) error

	SelectSim(ctx context.Context, slot int) error
	Init(ctx context.Context, mode InitMode, pin string) error
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
	IMSI(ctx context.Context) (string, error)
	SignalQuality(ctx context.Context) (SignalQuality, error)

	RegisterNet(ctx context.Context) (NetStatus, error)
	NetStatus(ctx context.Context) (NetStatus, error)
	AttachStatus(ctx context.Context) (bool, error)
	AttachPS(ctx context.Context) error

	DefinePDN(ctx context.Context, cfg PDNConfig) error
	SetDefaultPDN(ctx context.Context, cid int) error
	ActivatePDN(ctx context.Context) error

	SubscribeNetworkEvents(fn func()) error
	SubscribePDNEvents(cid int, fn func(cid int, ev PDNEvent)) error
	SubscribeModemEvents(fn func(ev Event)) error
}
