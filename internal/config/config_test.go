package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/cellular-service/internal/datacache"
	"github.com/librescoot/cellular-service/internal/nfmc"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("cellular-service", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := New()
	return c, c.ParseArgs(fs, args)
}

func TestDefaults(t *testing.T) {
	c, err := parse(t)
	require.NoError(t, err)

	assert.Equal(t, "localhost", c.RedisHost)
	assert.Equal(t, 6379, c.RedisPort)
	assert.Equal(t, 5*time.Second, c.PollingPeriod)
	assert.Equal(t, 180*time.Second, c.NetworkStatusTimeout)
	assert.Equal(t, 30*time.Second, c.PDNRetryDelay)
	assert.Equal(t, 60*time.Second, c.RegisterRetryDelay)
	assert.Equal(t, 6*time.Minute, c.FotaTimeout)
	assert.Equal(t, 5, c.RetryMax)
	assert.Equal(t, 3, c.SimRetryMax)
	assert.Equal(t, 6, c.GlobalRetryCap)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Equal(t, "/tmp/suspend_inhibitor", c.InhibitorSocket)
	assert.Regexp(t, `^cellular\..+\.state$`, c.NATSSubject)
}

func TestParseFlags(t *testing.T) {
	c, err := parse(t,
		"-redis-host", "192.168.7.1",
		"-polling-period", "2s",
		"-global-retry-cap", "10",
		"-sim-retry-max", "1",
		"-pin", "1234",
		"-nats-url", "nats://10.0.0.1:4222",
		"-log-level", "debug",
	)
	require.NoError(t, err)

	assert.Equal(t, "192.168.7.1", c.RedisHost)
	assert.Equal(t, 2*time.Second, c.PollingPeriod)
	assert.Equal(t, 10, c.GlobalRetryCap)

	a := c.Automaton()
	assert.Equal(t, 2*time.Second, a.PollingInterval)
	assert.Equal(t, 10, a.GlobalRetryCap)
	assert.Equal(t, 1, a.SimRetryMax)
	assert.Equal(t, "1234", a.Pin)
	assert.Equal(t, 5, a.CsqFailMax)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero polling", []string{"-polling-period", "0s"}},
		{"bad port", []string{"-redis-port", "70000"}},
		{"no global cap", []string{"-global-retry-cap", "0"}},
		{"negative sim cap", []string{"-sim-retry-max", "-1"}},
		{"non numeric pin", []string{"-pin", "12ab"}},
		{"bad log level", []string{"-log-level", "verbose"}},
		{"bad nats url", []string{"-nats-url", "not a url"}},
		{"shared gpio line", []string{"-gpio-power-key", "3", "-gpio-reset", "3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestVersionSkipsValidation(t *testing.T) {
	c, err := parse(t, "-version", "-polling-period", "0s")
	require.NoError(t, err)
	assert.True(t, c.ShowVersion)
}

func TestLoadParams(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/cellular/params.yaml", []byte(`
target_state: sim-only
nfmc_active: true
nfmc_base: [1000, 2000, 3000, 4000, 5000, 6000, 7000]
sim_slots:
  - type: modem-socket
    apn: internet.example
  - type: modem-embedded-sim
    apn: m2m.example
    cid: 2
`), 0o644))

	p, err := LoadParams(fs, "/etc/cellular/params.yaml", datacache.DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, datacache.TargetSimOnly, p.TargetState)
	assert.True(t, p.NFMCActive)
	assert.True(t, p.SetPDNMode, "keys absent from the file keep their default")
	assert.Equal(t, [nfmc.TempoCount]uint32{1000, 2000, 3000, 4000, 5000, 6000, 7000}, p.NFMCBase)
	require.Len(t, p.SimSlots, 2)
	assert.Equal(t, "internet.example", p.SimSlots[0].APN)
	assert.Equal(t, 1, p.SimSlots[0].CID)
	assert.Equal(t, datacache.SlotModemEmbeddedSim, p.SimSlots[1].Type)
	assert.Equal(t, 2, p.SimSlots[1].CID)
}

func TestLoadParamsKeepsSlotsWhenAbsent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "params.yaml", []byte("target_state: \"off\"\n"), 0o644))

	base := datacache.DefaultParams()
	p, err := LoadParams(fs, "params.yaml", base)
	require.NoError(t, err)
	assert.Equal(t, datacache.TargetOff, p.TargetState)
	assert.Equal(t, base.SimSlots, p.SimSlots)
}

func TestLoadParamsErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := datacache.DefaultParams()

	p, err := LoadParams(fs, "", base)
	require.NoError(t, err)
	assert.Equal(t, base, p)

	_, err = LoadParams(fs, "missing.yaml", base)
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("sim_slots:\n  - type: floppy\n"), 0o644))
	_, err = LoadParams(fs, "bad.yaml", base)
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "short.yaml", []byte("nfmc_base: [1, 2]\n"), 0o644))
	_, err = LoadParams(fs, "short.yaml", base)
	assert.Error(t, err)
}
