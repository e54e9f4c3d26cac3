package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/cellular-service/internal/datacache"
	"github.com/librescoot/cellular-service/internal/modem"
)

func TestParseCellularCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"radio-on", Command{Type: CommandRadioOn}},
		{" modem-power-on\n", Command{Type: CommandModemPowerOn}},
		{"target:off", Command{Type: CommandTarget, Target: datacache.TargetOff}},
		{"target:sim-only", Command{Type: CommandTarget, Target: datacache.TargetSimOnly}},
		{"target:2", Command{Type: CommandTarget, Target: datacache.TargetFull}},
		{"polling:on", Command{Type: CommandPolling, On: true}},
		{"polling:off", Command{Type: CommandPolling}},
		{"fota:start", Command{Type: CommandModemEvent, Event: modem.EventFotaStart}},
		{"fota:end", Command{Type: CommandModemEvent, Event: modem.EventFotaEnd}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCellularCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCellularCommandErrors(t *testing.T) {
	for _, in := range []string{"", "reboot", "target", "target:max", "polling:maybe", "fota:abort"} {
		_, err := ParseCellularCommand(in)
		assert.Error(t, err, in)
	}
}

func TestParseModemCommand(t *testing.T) {
	got, err := ParseModemCommand("disable")
	require.NoError(t, err)
	assert.Equal(t, Command{Type: CommandTarget, Target: datacache.TargetOff}, got)

	got, err = ParseModemCommand("enable")
	require.NoError(t, err)
	assert.Equal(t, Command{Type: CommandTarget, Target: datacache.TargetFull}, got)

	_, err = ParseModemCommand("reset")
	assert.Error(t, err)
}
