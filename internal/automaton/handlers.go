package automaton

import "context"

// dispatch hands ev to the handler of the current state. Firmware update
// start, generic notifications and unknown commands are handled the same way
// in every state.
func (a *Automaton) dispatch(ctx context.Context, ev Event) {
	switch ev {
	case EventFotaStart:
		a.fotaStart(ctx)
		return
	case EventURC:
		a.logger.Debug().Str("state", a.state.String()).Msg("modem notification without lifecycle effect")
		return
	case EventUnknownCommand:
		a.logger.Warn().Str("state", a.state.String()).Msg("unknown command")
		return
	}

	switch a.state {
	case StateInit:
		a.initState(ctx, ev)
	case StateReset:
		a.resetState(ctx, ev)
	case StateModemOn:
		a.modemOnState(ctx, ev)
	case StateModemOff, StateSimOnly:
		a.modemIdleState(ctx, ev)
	case StateModemOnOnly:
		a.modemOnOnlyState(ctx, ev)
	case StatePoweredOn:
		a.poweredOnState(ctx, ev)
	case StateAwaitingSignal:
		a.awaitingSignalState(ctx, ev)
	case StateAwaitingNetworkStatus:
		a.awaitingNetworkStatusState(ctx, ev)
	case StateNetworkStatusOk:
		a.networkStatusOkState(ctx, ev)
	case StateRegistered:
		a.registeredState(ctx, ev)
	case StatePdnActivating:
		a.pdnActivatingState(ctx, ev)
	case StateDataReady:
		a.dataReadyState(ctx, ev)
	case StateNetworkStatusFail:
		a.networkStatusFailState(ctx, ev)
	case StateReprogramming:
		a.reprogrammingState(ctx, ev)
	case StateFail:
		a.failState(ev)
	}
}

// ignore logs an event the current state has no use for.
func (a *Automaton) ignore(ev Event) {
	a.logger.Warn().
		Str("state", a.state.String()).
		Str("event", ev.String()).
		Msg("event not handled in current state")
}

func (a *Automaton) initState(ctx context.Context, ev Event) {
	switch ev {
	case EventInit:
		a.powerOnModem(ctx)
	case EventPowerOn:
		a.setState(StateModemOnOnly)
		a.powerOnOnly(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) resetState(ctx context.Context, ev Event) {
	switch ev {
	case EventInit:
		a.setState(StateModemOn)
		a.resetModem(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) modemOnState(ctx context.Context, ev Event) {
	switch ev {
	case EventPoweredOn:
		a.initModem(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

// modemIdleState serves ModemOff and SimOnly, which only wait for a new target.
func (a *Automaton) modemIdleState(ctx context.Context, ev Event) {
	switch ev {
	case EventTargetStateChanged:
		a.powerOnModem(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) modemOnOnlyState(ctx context.Context, ev Event) {
	switch ev {
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) poweredOnState(ctx context.Context, ev Event) {
	switch ev {
	case EventModemInitialized:
		a.setState(StateAwaitingSignal)
		a.registerNetwork(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) awaitingSignalState(ctx context.Context, ev Event) {
	switch ev {
	case EventNetworkCallback:
		a.networkEvent(ctx)
	case EventSignalQuality:
		a.signalQualityTest()
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) awaitingNetworkStatusState(ctx context.Context, ev Event) {
	switch ev {
	case EventNetworkCallback, EventNetworkStatus:
		a.networkStatusTest()
	case EventRegistrationTimeout:
		a.registrationTimeout(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) networkStatusOkState(ctx context.Context, ev Event) {
	switch ev {
	case EventNetworkStatusOk:
		a.attach(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) registeredState(ctx context.Context, ev Event) {
	switch ev {
	case EventAttached:
		a.setState(StatePdnActivating)
		a.activatePDN(ctx)
	case EventNetworkCallback:
		a.networkEvent(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) pdnActivatingState(ctx context.Context, ev Event) {
	switch ev {
	case EventPdnActivated:
		a.dataReady(ctx)
	case EventPdnRetryTimer:
		a.activatePDN(ctx)
	case EventNetworkCallback:
		a.networkEvent(ctx)
	case EventPdnStatus:
		a.pdnEvent(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) dataReadyState(ctx context.Context, ev Event) {
	switch ev {
	case EventNetworkCallback:
		a.networkEvent(ctx)
	case EventDataFail:
		a.fault(ctx, CauseCellularData, a.cfg.RetryMax)
	case EventPdnStatus:
		a.pdnEvent(ctx)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) networkStatusFailState(ctx context.Context, ev Event) {
	switch ev {
	case EventRegisterRetryTimer:
		a.setState(StateInit)
		a.post(EventInit)
	case EventTargetStateChanged:
		a.targetStateChanged(ctx)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) reprogrammingState(ctx context.Context, ev Event) {
	switch ev {
	case EventFotaEnd, EventFotaTimeout:
		a.fotaEnd(ctx, ev == EventFotaTimeout)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) failState(ev Event) {
	switch ev {
	case EventFail:
		a.logger.Error().
			Str("cause", a.retry.Cause.String()).
			Int("global_retries", a.retry.Global).
			Int("resets", a.retry.ResetCount).
			Msg("modem failed, restart required")
	default:
		a.ignore(ev)
	}
}
