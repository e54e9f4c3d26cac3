package automaton

import (
	"context"
	"errors"
	"time"

	"github.com/librescoot/cellular-service/internal/datacache"
	"github.com/librescoot/cellular-service/internal/modem"
	"github.com/librescoot/cellular-service/internal/nfmc"
)

// powerOnModem powers the modem unless the target is off.
func (a *Automaton) powerOnModem(ctx context.Context) {
	if a.params.TargetState == datacache.TargetOff {
		if a.state == StateSimOnly {
			a.powerOff(ctx)
		}
		a.setState(StateModemOff)
		a.cellular.ModemState = datacache.ModemOff
		a.publishCellular(ctx)
		return
	}

	a.setState(StateModemOn)
	if err := a.modem.PowerOn(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("modem power on failed")
		a.fault(ctx, CausePowerOn, a.cfg.RetryMax)
		return
	}

	a.cellular.State = datacache.ServiceRun
	a.cellular.ModemState = datacache.ModemPoweredOn
	a.publishCellular(ctx)
	a.post(EventPoweredOn)
}

func (a *Automaton) powerOnOnly(ctx context.Context) {
	if err := a.modem.PowerOn(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("modem power on failed")
		return
	}
	a.cellular.ModemState = datacache.ModemPoweredOn
	a.publishCellular(ctx)
	a.logger.Info().Msg("modem powered on without connection sequence")
}

func (a *Automaton) powerOff(ctx context.Context) {
	if err := a.modem.PowerOff(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("modem power off failed")
	}
	a.cellular.ModemState = datacache.ModemOff
	a.publishCellular(ctx)
}

func (a *Automaton) resetModem(ctx context.Context) {
	if err := a.modem.Reset(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("modem reset failed")
		a.fault(ctx, CauseReset, a.cfg.RetryMax)
		return
	}

	a.cellular.State = datacache.ServiceOn
	a.publishCellular(ctx)
	a.post(EventPoweredOn)
}

// initModem selects the SIM, defines the PDN and initialises the modem.
// SIM failures rotate to the next configured slot before retrying.
func (a *Automaton) initModem(ctx context.Context) {
	slot := a.params.SimSlots[a.simIndex]
	if err := a.modem.SelectSim(ctx, slot.Type.Index()); err != nil {
		a.logger.Warn().Err(err).Str("slot", string(slot.Type)).Msg("sim select failed")
	}

	if a.params.SetPDNMode {
		// the modem attaches as soon as the radio is on, so the context goes first
		if !a.definePDN(ctx) {
			return
		}
	}

	mode := modem.InitFull
	if a.params.TargetState == datacache.TargetSimOnly {
		mode = modem.InitSimOnly
	}

	err := a.modem.Init(ctx, mode, a.cfg.Pin)
	switch {
	case err == nil,
		errors.Is(err, modem.ErrSimBusy),
		errors.Is(err, modem.ErrSimPinLocked),
		errors.Is(err, modem.ErrSimIncorrectPassword):
		if err != nil {
			a.logger.Warn().Err(err).Msg("modem initialised with sim problem")
		}
	default:
		a.logger.Warn().Err(err).Str("slot", string(slot.Type)).Msg("modem init failed")
		a.rotateSim(ctx, simStatusFromErr(err))
		a.fault(ctx, CauseSim, a.cfg.SimRetryMax)
		return
	}

	if err := a.modem.SubscribeNetworkEvents(a.onNetworkEvent); err != nil {
		a.logger.Warn().Err(err).Msg("failed to subscribe to network events")
	}
	a.readDeviceInfo(ctx)

	if a.params.TargetState == datacache.TargetSimOnly {
		a.cellular.ModemState = datacache.ModemSimConnected
		a.publishCellular(ctx)
		a.setState(StateSimOnly)
		return
	}
	a.setState(StatePoweredOn)
	a.post(EventModemInitialized)
}

func (a *Automaton) rotateSim(ctx context.Context, status datacache.SimStatus) {
	a.sim.State = datacache.ServiceOn
	a.sim.SlotStatus[a.simIndex] = status
	a.simIndex = (a.simIndex + 1) % len(a.params.SimSlots)
	a.sim.ActiveSlot = a.params.SimSlots[a.simIndex].Type
	a.publishSim(ctx)
}

func (a *Automaton) definePDN(ctx context.Context) bool {
	slot := a.params.SimSlots[a.simIndex]
	err := a.modem.DefinePDN(ctx, modem.PDNConfig{
		CID:      slot.CID,
		APN:      slot.APN,
		Username: slot.Username,
		Password: slot.Password,
	})
	if err != nil {
		a.logger.Warn().Err(err).Int("cid", slot.CID).Msg("pdn define failed")
		a.fault(ctx, CausePdpDefine, a.cfg.RetryMax)
		return false
	}
	return true
}

// readDeviceInfo publishes the modem identity and, for a full start, waits for
// the SIM to report its IMSI.
func (a *Automaton) readDeviceInfo(ctx context.Context) {
	info, err := a.modem.DeviceInfo(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to read device info")
	}
	a.cellular.IMEI = info.IMEI
	a.cellular.Manufacturer = info.Manufacturer
	a.cellular.Model = info.Model
	a.cellular.Revision = info.Revision
	a.cellular.Serial = info.Serial
	a.cellular.ICCID = info.ICCID
	a.publishCellular(ctx)

	if a.params.TargetState != datacache.TargetFull {
		return
	}

	a.sim.State = datacache.ServiceOn
	a.sim.SlotStatus[a.simIndex] = datacache.SimConnectionOngoing
	a.publishSim(ctx)

	a.sim.SlotStatus[a.simIndex] = a.pollIMSI(ctx)
	a.publishSim(ctx)
}

// pollIMSI retries while the SIM is busy, up to SimPollCount times.
func (a *Automaton) pollIMSI(ctx context.Context) datacache.SimStatus {
	polls := 0
	for {
		imsi, err := a.modem.IMSI(ctx)
		if err == nil {
			a.sim.IMSI = imsi
			a.fillNFMC(ctx, imsi)
			return datacache.SimOK
		}
		if !errors.Is(err, modem.ErrSimBusy) && !errors.Is(err, modem.ErrSimError) {
			return simStatusFromErr(err)
		}

		polls++
		if polls > a.cfg.SimPollCount {
			a.logger.Warn().Err(err).Int("polls", polls).Msg("sim did not become ready")
			return simStatusFromErr(err)
		}
		if a.cfg.SimPollInterval > 0 {
			select {
			case <-ctx.Done():
				return datacache.SimError
			case <-a.clock.After(a.cfg.SimPollInterval):
			}
		} else if ctx.Err() != nil {
			return datacache.SimError
		}
	}
}

func simStatusFromErr(err error) datacache.SimStatus {
	switch {
	case err == nil:
		return datacache.SimOK
	case errors.Is(err, modem.ErrSimBusy):
		return datacache.SimBusy
	case errors.Is(err, modem.ErrSimNotInserted):
		return datacache.SimNotInserted
	case errors.Is(err, modem.ErrSimPinLocked):
		return datacache.SimPinOrPukLocked
	case errors.Is(err, modem.ErrSimIncorrectPassword):
		return datacache.SimIncorrectPassword
	default:
		return datacache.SimError
	}
}

// fillNFMC derives the back-off tempos from the IMSI and publishes them.
func (a *Automaton) fillNFMC(ctx context.Context, imsi string) {
	hi, lo, err := nfmc.ParseIMSI(imsi)
	if err != nil {
		a.logger.Warn().Err(err).Msg("cannot derive nfmc tempos")
		return
	}
	a.nfmc.Fill(a.params.NFMCActive, a.params.NFMCBase, hi, lo)

	info := datacache.NFMCInfo{State: datacache.ServiceOff, Active: a.nfmc.Active, Tempo: a.nfmc.Tempo}
	if a.nfmc.Active {
		info.State = datacache.ServiceOn
	}
	if err := a.pub.PublishNFMCInfo(ctx, info); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish nfmc info")
	}
	a.observer.Tempos(a.nfmc.Active, a.nfmc.Tempo)
}

func (a *Automaton) registerNetwork(ctx context.Context) {
	status, err := a.modem.RegisterNet(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("network registration request failed")
		return
	}
	a.retry.Net = status
	if err := a.modem.AttachPS(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("packet domain attach request failed")
	}
	a.post(EventSignalQuality)
}

// signalQualityTest leaves the signal wait once a usable rssi was seen.
func (a *Automaton) signalQualityTest() {
	rssi := a.retry.Signal.RSSI
	if rssi == 0 || rssi == modem.RSSIUnknown {
		return
	}
	a.timers.Start(TimerNetworkStatus, a.cfg.NetworkStatusTimeout, a.onTimer)
	a.setState(StateAwaitingNetworkStatus)
	a.post(EventNetworkStatus)
}

func (a *Automaton) networkStatusTest() {
	if !a.retry.Net.Registered() {
		return
	}
	a.timers.Stop(TimerNetworkStatus)
	a.setState(StateNetworkStatusOk)
	a.regTempoIdx = 0
	a.post(EventNetworkStatusOk)
}

// networkEvent re-evaluates registration after a network notification.
func (a *Automaton) networkEvent(ctx context.Context) {
	status, err := a.modem.NetStatus(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to read network status")
		return
	}
	a.retry.Net = status
	if status.Registered() {
		a.updateOperator(ctx, status.OperatorName)
	} else {
		a.publishData(ctx, datacache.ServiceOff)
	}
	a.setState(StateAwaitingNetworkStatus)
	a.post(EventNetworkCallback)
}

func (a *Automaton) updateOperator(ctx context.Context, name string) {
	if name == "" {
		return
	}
	a.cellular.MNOName = name
	a.cellular.State = datacache.ServiceOn
	a.publishCellular(ctx)
}

func (a *Automaton) registrationTimeout(ctx context.Context) {
	a.setState(StateNetworkStatusFail)
	a.powerOff(ctx)

	delay := a.cfg.RegisterRetryDelay
	if a.nfmc.Active {
		delay = time.Duration(a.nfmc.Tempo[a.regTempoIdx]) * time.Millisecond
	}
	a.logger.Warn().
		Dur("retry_in", delay).
		Int("tempo_index", a.regTempoIdx).
		Msg("network registration timed out")
	a.timers.Start(TimerRegisterRetry, delay, a.onTimer)
	a.regTempoIdx = (a.regTempoIdx + 1) % nfmc.TempoCount
}

func (a *Automaton) attach(ctx context.Context) {
	if status, err := a.modem.NetStatus(ctx); err == nil {
		a.retry.Net = status
		a.updateOperator(ctx, status.OperatorName)
	}

	attached, err := a.modem.AttachStatus(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to read attach status")
		a.fault(ctx, CauseAttach, a.cfg.RetryMax)
		return
	}
	if !attached {
		a.logger.Warn().Msg("not attached to packet domain")
		a.fault(ctx, CauseAttach, a.cfg.RetryMax)
		return
	}
	a.setState(StateRegistered)
	a.post(EventAttached)
}

// activatePDN activates the data context, or schedules the next attempt with
// the NFMC tempo of the current retry index.
func (a *Automaton) activatePDN(ctx context.Context) {
	slot := a.params.SimSlots[a.simIndex]
	if err := a.modem.SetDefaultPDN(ctx, slot.CID); err != nil {
		a.logger.Warn().Err(err).Int("cid", slot.CID).Msg("failed to set default pdn")
	}
	if err := a.modem.SubscribePDNEvents(slot.CID, a.onPDNEvent); err != nil {
		a.logger.Warn().Err(err).Int("cid", slot.CID).Msg("failed to subscribe to pdn events")
	}

	if err := a.modem.ActivatePDN(ctx); err != nil {
		delay := a.cfg.PDNRetryDelay
		if a.nfmc.Active {
			delay = time.Duration(a.nfmc.Tempo[a.pdnTempoIdx]) * time.Millisecond
		}
		a.logger.Warn().
			Err(err).
			Dur("retry_in", delay).
			Int("tempo_index", a.pdnTempoIdx).
			Msg("pdn activation failed")
		a.timers.Start(TimerPDNRetry, delay, a.onTimer)
		a.pdnTempoIdx = (a.pdnTempoIdx + 1) % nfmc.TempoCount
		return
	}

	a.pdnTempoIdx = 0
	a.post(EventPdnActivated)
}

func (a *Automaton) dataReady(ctx context.Context) {
	a.timers.Stop(TimerPDNRetry)
	a.retry.Clear()
	a.setState(StateDataReady)
	a.publishData(ctx, datacache.ServiceOn)
	a.cellular.ModemState = datacache.ModemDataOK
	a.publishCellular(ctx)
}

func (a *Automaton) pdnEvent(ctx context.Context) {
	switch a.retry.PdnStatus {
	case modem.PDNNetworkDetach:
		a.networkEvent(ctx)
	case modem.PDNNetworkDeactivated, modem.PDNNetworkPDNDeactivated:
		a.setState(StateRegistered)
		a.post(EventAttached)
	default:
		a.setState(StateAwaitingNetworkStatus)
		a.post(EventNetworkCallback)
	}
}

// targetStateChanged powers the modem down and restarts from Init with the
// new target.
func (a *Automaton) targetStateChanged(ctx context.Context) {
	a.powerOff(ctx)
	a.timers.Stop(TimerPDNRetry)
	a.timers.Stop(TimerNetworkStatus)
	a.timers.Stop(TimerRegisterRetry)
	a.setState(StateInit)

	a.publishData(ctx, datacache.ServiceShuttingDown)
	a.cellular.State = datacache.ServiceUnavailable
	a.publishCellular(ctx)
	a.sim.State = datacache.ServiceUnavailable
	a.publishSim(ctx)

	a.post(EventInit)
}

// pollingTick serves the periodic timer: registration polling, signal polling
// and signal refresh while data is up.
func (a *Automaton) pollingTick(ctx context.Context) {
	switch a.state {
	case StateAwaitingNetworkStatus:
		status, err := a.modem.NetStatus(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to poll network status")
			a.fault(ctx, CauseGns, a.cfg.RetryMax)
			return
		}
		a.retry.Net = status
		a.post(EventNetworkStatus)
		a.updateOperator(ctx, status.OperatorName)

	case StateAwaitingSignal:
		a.refreshSignal(ctx)
		if a.state == StateAwaitingSignal {
			a.post(EventSignalQuality)
		}

	case StateDataReady:
		if a.pollingActive {
			a.refreshSignal(ctx)
		}
	}
}

// refreshSignal reads the signal quality and publishes it when it changed.
// CsqFailMax consecutive read failures count as one fault.
func (a *Automaton) refreshSignal(ctx context.Context) {
	q, err := a.modem.SignalQuality(ctx)
	if err != nil {
		a.csqFails++
		a.logger.Debug().Err(err).Int("failures", a.csqFails).Msg("signal quality read failed")
		if a.csqFails >= a.cfg.CsqFailMax {
			a.csqFails = 0
			a.fault(ctx, CauseCsq, a.cfg.RetryMax)
		}
		return
	}
	a.csqFails = 0

	if q == a.retry.Signal {
		return
	}
	a.retry.Signal = q

	if q.RSSI == modem.RSSIUnknown {
		a.cellular.SignalLevel = 0
		a.cellular.SignalDBM = 0
	} else {
		a.cellular.SignalLevel = int(q.RSSI)
		a.cellular.SignalDBM = -113 + 2*int(q.RSSI)
	}
	a.publishCellular(ctx)
	a.observer.SignalChanged(q)
}

// fault runs the retry manager: back to Reset while retries remain,
// otherwise into the terminal Fail state.
func (a *Automaton) fault(ctx context.Context, cause FailCause, limit int) {
	outcome := a.retry.Record(cause, limit)
	a.publishData(ctx, datacache.ServiceOff)
	a.observer.Fault(cause, outcome, a.retry.Global)

	if outcome == OutcomeRetry {
		a.logger.Warn().
			Str("cause", cause.String()).
			Int("count", a.retry.Count(cause)).
			Int("global", a.retry.Global).
			Msg("resetting modem")
		a.setState(StateReset)
		a.post(EventInit)
		return
	}

	a.logger.Error().
		Str("cause", cause.String()).
		Int("count", a.retry.Count(cause)).
		Int("global", a.retry.Global).
		Msg("retries exhausted")
	a.setState(StateFail)
	a.post(EventFail)
}

func (a *Automaton) fotaStart(ctx context.Context) {
	if a.state == StateReprogramming {
		return
	}
	a.logger.Info().Str("state", a.state.String()).Msg("modem firmware update started")

	a.timers.Stop(TimerPDNRetry)
	a.timers.Stop(TimerNetworkStatus)
	a.timers.Stop(TimerRegisterRetry)
	a.publishData(ctx, datacache.ServiceShuttingDown)
	a.setState(StateReprogramming)
	a.timers.Start(TimerFota, a.cfg.FotaTimeout, a.onTimer)

	if a.inhibitor != nil && !a.inhibited {
		if err := a.inhibitor.Acquire(ctx, "modem firmware update"); err != nil {
			a.logger.Warn().Err(err).Msg("failed to take suspend inhibitor")
		} else {
			a.inhibited = true
		}
	}
}

// fotaEnd reboots the device; the modem comes back with new firmware.
func (a *Automaton) fotaEnd(ctx context.Context, timedOut bool) {
	a.timers.Stop(TimerFota)
	if timedOut {
		a.logger.Error().Dur("timeout", a.cfg.FotaTimeout).Msg("modem firmware update did not complete")
	} else {
		a.logger.Info().Msg("modem firmware update finished")
	}
	a.release()

	if a.rebooter == nil {
		a.logger.Error().Msg("no rebooter configured, staying in reprogramming")
		return
	}
	if err := a.rebooter.Reboot(ctx); err != nil {
		a.logger.Error().Err(err).Msg("reboot failed")
	}
}

func (a *Automaton) release() {
	if !a.inhibited || a.inhibitor == nil {
		return
	}
	if err := a.inhibitor.Release(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to release suspend inhibitor")
	}
	a.inhibited = false
}

func (a *Automaton) publishCellular(ctx context.Context) {
	if err := a.pub.PublishCellularInfo(ctx, a.cellular); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish cellular info")
	}
}

func (a *Automaton) publishSim(ctx context.Context) {
	if err := a.pub.PublishSimInfo(ctx, a.sim); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish sim info")
	}
}

func (a *Automaton) publishData(ctx context.Context, state datacache.ServiceState) {
	a.data.State = state
	if err := a.pub.PublishDataInfo(ctx, a.data); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish cellular data info")
	}
}
