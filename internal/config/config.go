package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/librescoot/cellular-service/internal/automaton"
	"github.com/librescoot/cellular-service/internal/datacache"
)

type Config struct {
	RedisHost string `validate:"required"`
	RedisPort int    `validate:"min=1,max=65535"`

	ParamsFile string

	PollingPeriod        time.Duration `validate:"gt=0s"`
	NetworkStatusTimeout time.Duration `validate:"gt=0s"`
	PDNRetryDelay        time.Duration `validate:"gt=0s"`
	RegisterRetryDelay   time.Duration `validate:"gt=0s"`
	FotaTimeout          time.Duration `validate:"gt=0s"`

	RetryMax       int `validate:"min=0"`
	SimRetryMax    int `validate:"min=0"`
	GlobalRetryCap int `validate:"min=1"`

	Pin    string `validate:"omitempty,numeric,min=4,max=8"`
	DryRun bool

	MetricsAddr     string
	NATSURL         string `validate:"omitempty,url"`
	NATSSubject     string
	InhibitorSocket string

	LogLevel string `validate:"oneof=trace debug info warn error"`
	LogFile  string

	GPIOChip     string `validate:"required"`
	GPIOPowerKey int    `validate:"min=0"`
	GPIOReset    int    `validate:"min=0"`

	ShowVersion bool
}

func New() *Config {
	defaults := automaton.DefaultConfig()

	return &Config{
		RedisHost:            "localhost",
		RedisPort:            6379,
		PollingPeriod:        defaults.PollingInterval,
		NetworkStatusTimeout: defaults.NetworkStatusTimeout,
		PDNRetryDelay:        defaults.PDNRetryDelay,
		RegisterRetryDelay:   defaults.RegisterRetryDelay,
		FotaTimeout:          defaults.FotaTimeout,
		RetryMax:             defaults.RetryMax,
		SimRetryMax:          defaults.SimRetryMax,
		GlobalRetryCap:       defaults.GlobalRetryCap,
		MetricsAddr:          ":9090",
		NATSSubject:          defaultSubject(),
		InhibitorSocket:      "/tmp/suspend_inhibitor",
		LogLevel:             "info",
		GPIOChip:             "gpiochip0",
		GPIOPowerKey:         10,
		GPIOReset:            11,
	}
}

func defaultSubject() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "cellular." + host + ".state"
}

// Parse reads the process command line.
func (c *Config) Parse() error {
	return c.ParseArgs(flag.CommandLine, os.Args[1:])
}

func (c *Config) ParseArgs(fs *flag.FlagSet, args []string) error {
	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis host")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")

	fs.StringVar(&c.ParamsFile, "params-file", c.ParamsFile,
		"YAML file with the cellular parameters (SIM slots, APN, NFMC)")

	fs.DurationVar(&c.PollingPeriod, "polling-period", c.PollingPeriod,
		"Period of the network status and signal quality poll")
	fs.DurationVar(&c.NetworkStatusTimeout, "network-status-timeout", c.NetworkStatusTimeout,
		"Time allowed for network registration before the modem is powered off")
	fs.DurationVar(&c.PDNRetryDelay, "pdn-retry-delay", c.PDNRetryDelay,
		"Delay before retrying a failed PDN activation when NFMC is inactive")
	fs.DurationVar(&c.RegisterRetryDelay, "register-retry-delay", c.RegisterRetryDelay,
		"Delay before retrying registration when NFMC is inactive")
	fs.DurationVar(&c.FotaTimeout, "fota-timeout", c.FotaTimeout,
		"Time allowed for a modem firmware update before the device is rebooted")

	fs.IntVar(&c.RetryMax, "retry-max", c.RetryMax,
		"Faults tolerated per cause before the automaton gives up")
	fs.IntVar(&c.SimRetryMax, "sim-retry-max", c.SimRetryMax,
		"SIM faults tolerated, over all slots, before the automaton gives up")
	fs.IntVar(&c.GlobalRetryCap, "global-retry-cap", c.GlobalRetryCap,
		"Fault number, counted over all causes, that stops recovery")

	fs.StringVar(&c.Pin, "pin", c.Pin, "SIM PIN")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun,
		"Dry run (don't toggle GPIO lines or reboot)")

	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr,
		"Listen address of the Prometheus endpoint (empty disables)")
	fs.StringVar(&c.NATSURL, "nats-url", c.NATSURL,
		"NATS server for lifecycle telemetry (empty disables)")
	fs.StringVar(&c.NATSSubject, "nats-subject", c.NATSSubject,
		"NATS subject of the lifecycle telemetry")
	fs.StringVar(&c.InhibitorSocket, "inhibitor-socket", c.InhibitorSocket,
		"Suspend inhibitor socket of the power manager (empty uses the power:inhibits hash)")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel,
		"Log level (trace, debug, info, warn, error)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile,
		"Additionally write logs to this rotated file")

	fs.StringVar(&c.GPIOChip, "gpio-chip", c.GPIOChip, "GPIO chip of the modem control lines")
	fs.IntVar(&c.GPIOPowerKey, "gpio-power-key", c.GPIOPowerKey, "Line offset of the modem power key")
	fs.IntVar(&c.GPIOReset, "gpio-reset", c.GPIOReset, "Line offset of the modem reset")

	fs.BoolVar(&c.ShowVersion, "version", c.ShowVersion, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.ShowVersion {
		return nil
	}
	return c.Validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %q check", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.GPIOPowerKey == c.GPIOReset {
		return fmt.Errorf("power key and reset cannot share line %d", c.GPIOReset)
	}
	return nil
}

// Automaton derives the automaton settings from the flags.
func (c *Config) Automaton() automaton.Config {
	cfg := automaton.DefaultConfig()
	cfg.PollingInterval = c.PollingPeriod
	cfg.NetworkStatusTimeout = c.NetworkStatusTimeout
	cfg.PDNRetryDelay = c.PDNRetryDelay
	cfg.RegisterRetryDelay = c.RegisterRetryDelay
	cfg.FotaTimeout = c.FotaTimeout
	cfg.RetryMax = c.RetryMax
	cfg.SimRetryMax = c.SimRetryMax
	cfg.GlobalRetryCap = c.GlobalRetryCap
	cfg.Pin = c.Pin
	return cfg
}

// LoadParams overlays the YAML params file on base. An empty path returns
// base unchanged.
func LoadParams(fs afero.Fs, path string, base datacache.Params) (datacache.Params, error) {
	if path == "" {
		return base, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return base, fmt.Errorf("failed to read params file: %w", err)
	}

	p := base
	p.SimSlots = nil
	if err := yaml.Unmarshal(data, &p); err != nil {
		return base, fmt.Errorf("failed to parse params file %s: %w", path, err)
	}
	if p.SimSlots == nil {
		p.SimSlots = append([]datacache.SimSlot(nil), base.SimSlots...)
	}
	for i := range p.SimSlots {
		if p.SimSlots[i].CID == 0 {
			p.SimSlots[i].CID = 1
		}
	}

	if err := p.Validate(); err != nil {
		return base, fmt.Errorf("params file %s: %w", path, err)
	}
	return p, nil
}
