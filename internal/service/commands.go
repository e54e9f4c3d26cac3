package service

import (
	"fmt"
	"strings"

	"github.com/librescoot/cellular-service/internal/datacache"
	"github.com/librescoot/cellular-service/internal/modem"
)

// CommandType is the kind of an operator or system command.
type CommandType int

const (
	CommandRadioOn CommandType = iota
	CommandModemPowerOn
	CommandTarget
	CommandPolling
	CommandModemEvent
)

// Command is a parsed entry of one of the command lists.
type Command struct {
	Type   CommandType
	Target datacache.TargetState
	On     bool
	Event  modem.Event
}

// ParseCellularCommand parses an entry of the scooter:cellular list:
// radio-on, modem-power-on, target:<state>, polling:on|off, fota:start|end.
func ParseCellularCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	name, arg, hasArg := strings.Cut(s, ":")

	switch name {
	case "radio-on":
		return Command{Type: CommandRadioOn}, nil
	case "modem-power-on":
		return Command{Type: CommandModemPowerOn}, nil
	case "target":
		if !hasArg {
			return Command{}, fmt.Errorf("target command needs a state")
		}
		t, err := datacache.ParseTargetState(arg)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CommandTarget, Target: t}, nil
	case "polling":
		switch arg {
		case "on":
			return Command{Type: CommandPolling, On: true}, nil
		case "off":
			return Command{Type: CommandPolling}, nil
		}
		return Command{}, fmt.Errorf("invalid polling argument %q", arg)
	case "fota":
		switch arg {
		case "start":
			return Command{Type: CommandModemEvent, Event: modem.EventFotaStart}, nil
		case "end":
			return Command{Type: CommandModemEvent, Event: modem.EventFotaEnd}, nil
		}
		return Command{}, fmt.Errorf("invalid fota argument %q", arg)
	}
	return Command{}, fmt.Errorf("unknown cellular command %q", s)
}

// ParseModemCommand parses an entry of the scooter:modem list the power
// manager writes before suspending and after waking up.
func ParseModemCommand(s string) (Command, error) {
	switch strings.TrimSpace(s) {
	case "enable":
		return Command{Type: CommandTarget, Target: datacache.TargetFull}, nil
	case "disable":
		return Command{Type: CommandTarget, Target: datacache.TargetOff}, nil
	}
	return Command{}, fmt.Errorf("unknown modem command %q", s)
}
