package automaton

// State is the current step of the connectivity lifecycle.
type State int32

const (
	StateInit State = iota
	StateReset
	StateModemOn
	StateModemOff
	StateModemOnOnly
	StateSimOnly
	StatePoweredOn
	StateAwaitingSignal
	StateAwaitingNetworkStatus
	StateNetworkStatusOk
	StateRegistered
	StatePdnActivating
	StateDataReady
	StateReprogramming
	StateFail
	StateNetworkStatusFail
)

var stateNames = map[State]string{
	StateInit:                  "init",
	StateReset:                 "reset",
	StateModemOn:               "modem-on",
	StateModemOff:              "modem-off",
	StateModemOnOnly:           "modem-on-only",
	StateSimOnly:               "sim-only",
	StatePoweredOn:             "powered-on",
	StateAwaitingSignal:        "awaiting-signal",
	StateAwaitingNetworkStatus: "awaiting-network-status",
	StateNetworkStatusOk:       "network-status-ok",
	StateRegistered:            "registered",
	StatePdnActivating:         "pdn-activating",
	StateDataReady:             "data-ready",
	StateReprogramming:         "reprogramming",
	StateFail:                  "fail",
	StateNetworkStatusFail:     "network-status-fail",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// transitions lists the states each state may hand over to. A firmware
// update may interrupt any state except itself, which is checked separately.
var transitions = map[State][]State{
	StateInit:                  {StateInit, StateModemOn, StateModemOff, StateModemOnOnly},
	StateReset:                 {StateModemOn, StateInit},
	StateModemOn:               {StatePoweredOn, StateSimOnly, StateReset, StateFail, StateInit},
	StateModemOff:              {StateModemOn, StateModemOff},
	StateModemOnOnly:           {StateInit},
	StateSimOnly:               {StateModemOn, StateModemOff},
	StatePoweredOn:             {StateAwaitingSignal, StateInit},
	StateAwaitingSignal:        {StateAwaitingNetworkStatus, StateReset, StateFail, StateInit},
	StateAwaitingNetworkStatus: {StateNetworkStatusOk, StateNetworkStatusFail, StateReset, StateFail, StateInit},
	StateNetworkStatusOk:       {StateRegistered, StateReset, StateFail, StateInit},
	StateRegistered:            {StatePdnActivating, StateAwaitingNetworkStatus, StateInit},
	StatePdnActivating:         {StateDataReady, StateAwaitingNetworkStatus, StateRegistered, StateInit},
	StateDataReady:             {StateAwaitingNetworkStatus, StateRegistered, StateReset, StateFail, StateInit},
	StateNetworkStatusFail:     {StateInit},
	StateReprogramming:         {},
	StateFail:                  {},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	if next == StateReprogramming {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
