package hardware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warthog618/go-gpiocdev"
)

// Pulse widths of the modem control lines.
const (
	PowerKeyPulse = 750 * time.Millisecond
	ResetPulse    = 300 * time.Millisecond
)

type GPIOConfig struct {
	Chip     string
	PowerKey int
	Reset    int
}

// GPIOManager drives the modem power key and reset lines
type GPIOManager struct {
	chip   *gpiocdev.Chip
	lines  map[string]*gpiocdev.Line
	logger zerolog.Logger
	dryRun bool

	// a pulse on one line must not overlap a pulse on the other
	mu sync.Mutex
}

// NewGPIOManager opens the chip and requests both lines as inactive outputs.
func NewGPIOManager(cfg GPIOConfig, logger zerolog.Logger, dryRun bool) (*GPIOManager, error) {
	gm := &GPIOManager{
		lines:  make(map[string]*gpiocdev.Line),
		logger: logger.With().Str("component", "gpio").Logger(),
		dryRun: dryRun,
	}

	if dryRun {
		return gm, nil
	}

	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip: %w", err)
	}
	gm.chip = chip

	if err := gm.requestLine("power_key", cfg.PowerKey); err != nil {
		gm.Close()
		return nil, err
	}
	if err := gm.requestLine("reset", cfg.Reset); err != nil {
		gm.Close()
		return nil, err
	}

	gm.logger.Info().
		Str("chip", cfg.Chip).
		Int("power_key", cfg.PowerKey).
		Int("reset", cfg.Reset).
		Msg("initialized modem GPIO lines")
	return gm, nil
}

func (gm *GPIOManager) requestLine(name string, offset int) error {
	line, err := gm.chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("failed to request %s GPIO %d: %w", name, offset, err)
	}
	gm.lines[name] = line
	return nil
}

// PulsePowerKey toggles the modem on or off, depending on its current state.
func (gm *GPIOManager) PulsePowerKey(ctx context.Context) error {
	return gm.pulse(ctx, "power_key", PowerKeyPulse)
}

// PulseReset restarts the modem.
func (gm *GPIOManager) PulseReset(ctx context.Context) error {
	return gm.pulse(ctx, "reset", ResetPulse)
}

func (gm *GPIOManager) pulse(ctx context.Context, name string, width time.Duration) error {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if gm.dryRun {
		gm.logger.Info().Str("line", name).Dur("width", width).Msg("DRY RUN: would pulse line")
		return nil
	}

	line, ok := gm.lines[name]
	if !ok {
		return fmt.Errorf("%s GPIO line not initialized", name)
	}

	if err := line.SetValue(1); err != nil {
		return fmt.Errorf("failed to assert %s: %w", name, err)
	}

	timer := time.NewTimer(width)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// always release the line, even when cancelled
	if err := line.SetValue(0); err != nil {
		return fmt.Errorf("failed to release %s: %w", name, err)
	}

	gm.logger.Debug().Str("line", name).Dur("width", width).Msg("pulsed line")
	return ctx.Err()
}

// Close releases all GPIO resources
func (gm *GPIOManager) Close() error {
	if gm.dryRun {
		return nil
	}

	var lastErr error
	for name, line := range gm.lines {
		if err := line.Close(); err != nil {
			gm.logger.Warn().Err(err).Str("line", name).Msg("failed to close GPIO line")
			lastErr = err
		}
	}

	if gm.chip != nil {
		if err := gm.chip.Close(); err != nil {
			gm.logger.Warn().Err(err).Msg("failed to close GPIO chip")
			lastErr = err
		}
	}

	return lastErr
}
