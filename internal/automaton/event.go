package automaton

import "fmt"

// Event is the automaton input a queued envelope translates to.
type Event int

const (
	EventNone Event = iota
	EventInit
	EventPowerOn
	EventPoweredOn
	EventModemInitialized
	EventNetworkCallback
	EventSignalQuality
	EventRegistrationTimeout
	EventNetworkStatus
	EventNetworkStatusOk
	EventAttached
	EventPdnActivated
	EventPdnRetryTimer
	EventPdnStatus
	EventDataFail
	EventFail
	EventPollingTick
	EventURC
	EventUnknownCommand
	EventTargetStateChanged
	EventRegisterRetryTimer
	EventFotaStart
	EventFotaEnd
	EventFotaTimeout
)

var eventNames = map[Event]string{
	EventNone:                "none",
	EventInit:                "init",
	EventPowerOn:             "power-on",
	EventPoweredOn:           "powered-on",
	EventModemInitialized:    "modem-initialized",
	EventNetworkCallback:     "network-callback",
	EventSignalQuality:       "signal-quality",
	EventRegistrationTimeout: "registration-timeout",
	EventNetworkStatus:       "network-status",
	EventNetworkStatusOk:     "network-status-ok",
	EventAttached:            "attached",
	EventPdnActivated:        "pdn-activated",
	EventPdnRetryTimer:       "pdn-retry-timer",
	EventPdnStatus:           "pdn-status-changed",
	EventDataFail:            "data-fail",
	EventFail:                "fail",
	EventPollingTick:         "polling-tick",
	EventURC:                 "urc",
	EventUnknownCommand:      "unknown-command",
	EventTargetStateChanged:  "target-state-changed",
	EventRegisterRetryTimer:  "register-retry-timer",
	EventFotaStart:           "fota-start",
	EventFotaEnd:             "fota-end",
	EventFotaTimeout:         "fota-timeout",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// MessageType tells where a queued envelope came from.
type MessageType int

const (
	// MessageEvent carries an automaton Event posted by the automaton itself.
	MessageEvent MessageType = iota
	// MessageCommand carries a Command from the console or the IPC surface.
	MessageCommand
	// MessageCacheChange carries the datacache.Entry that changed.
	MessageCacheChange
	// MessageURC carries an unsolicited modem notification.
	MessageURC
	// MessageTimer carries the TimerID that expired.
	MessageTimer
)

func (t MessageType) String() string {
	switch t {
	case MessageEvent:
		return "event"
	case MessageCommand:
		return "command"
	case MessageCacheChange:
		return "cache-change"
	case MessageURC:
		return "urc"
	case MessageTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Command is an operator request.
type Command int

const (
	CommandRadioOn Command = iota + 1
	CommandModemPowerOn
	CommandPollingOn
	CommandPollingOff
)

// URC identifies the kind of unsolicited notification in an envelope.
type URC int

const (
	URCNetworkRegistration URC = iota + 1
	URCPdnEvent
	URCModemEvent
)

// Envelope is the unit on the automaton queue. Value carries the PDN event
// or the modem event mask of URC envelopes and is zero otherwise.
type Envelope struct {
	Type  MessageType
	ID    int
	Value int
}

func eventEnvelope(e Event) Envelope {
	return Envelope{Type: MessageEvent, ID: int(e)}
}
