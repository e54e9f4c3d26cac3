package automaton

import "github.com/librescoot/cellular-service/internal/modem"

// FailCause classifies a fault recorded by the retry manager.
type FailCause int

const (
	CauseNone FailCause = iota
	CausePowerOn
	CauseReset
	CauseCsq
	CauseGns
	CauseRegister
	CauseAttach
	CausePdpDefine
	CausePdpActivation
	CauseCellularData
	CauseSim
	CauseCmd
	causeCount
)

var causeNames = [causeCount]string{
	CauseNone:          "none",
	CausePowerOn:       "power-on",
	CauseReset:         "reset",
	CauseCsq:           "signal-quality",
	CauseGns:           "net-status",
	CauseRegister:      "register",
	CauseAttach:        "attach",
	CausePdpDefine:     "pdp-define",
	CausePdpActivation: "pdp-activation",
	CauseCellularData:  "cellular-data",
	CauseSim:           "sim",
	CauseCmd:           "command",
}

func (c FailCause) String() string {
	if c < 0 || c >= causeCount {
		return "unknown"
	}
	return causeNames[c]
}

// Outcome is the decision taken for a recorded fault.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeTerminal
)

func (o Outcome) String() string {
	if o == OutcomeTerminal {
		return "terminal"
	}
	return "retry"
}

// RetryContext holds the fault counters of the automaton. Every fault counts
// against its own cause and against the global counter.
type RetryContext struct {
	// GlobalCap is the fault number at which recovery stops, whatever the
	// cause of the individual faults.
	GlobalCap int

	Cause      FailCause
	Global     int
	ResetCount int

	counts [causeCount]int

	// last observed network and data state
	Net       modem.NetStatus
	PdnStatus modem.PDNEvent
	Signal    modem.SignalQuality
}

func NewRetryContext(globalCap int) RetryContext {
	return RetryContext{GlobalCap: globalCap}
}

// Record counts a fault of the given cause. A cause may recover limit times;
// the fault after that, or the fault that reaches GlobalCap, is terminal.
func (r *RetryContext) Record(cause FailCause, limit int) Outcome {
	r.counts[cause]++
	r.Global++
	r.ResetCount++
	r.Cause = cause

	if r.counts[cause] <= limit && r.Global < r.GlobalCap {
		return OutcomeRetry
	}
	return OutcomeTerminal
}

// Count returns the number of faults recorded for cause since the last Clear.
func (r *RetryContext) Count(cause FailCause) int {
	return r.counts[cause]
}

// Clear zeroes every per-cause counter and the global counter. ResetCount
// keeps counting for the lifetime of the process.
func (r *RetryContext) Clear() {
	r.counts = [causeCount]int{}
	r.Global = 0
	r.Cause = CauseNone
}
