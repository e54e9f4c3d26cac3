// Package systemd issues platform power commands through systemctl.
package systemd

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

type Client struct {
	logger zerolog.Logger
	dryRun bool

	// command builds the process to run; replaced in tests
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewClient(logger zerolog.Logger, dryRun bool) *Client {
	return &Client{
		logger:  logger.With().Str("component", "systemd").Logger(),
		dryRun:  dryRun,
		command: exec.CommandContext,
	}
}

func (c *Client) IssueCommand(ctx context.Context, command string) error {
	switch command {
	case "reboot":
	default:
		return fmt.Errorf("unsupported command: %s", command)
	}

	if c.dryRun {
		c.logger.Info().Str("command", command).Msg("dry run, not issuing power command")
		return nil
	}

	c.logger.Warn().Str("command", command).Msg("issuing power command")
	if out, err := c.command(ctx, "systemctl", command).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to execute %s: %w (%s)", command, err, out)
	}
	return nil
}

// Reboot restarts the device, used once the modem firmware update is over.
func (c *Client) Reboot(ctx context.Context) error {
	return c.IssueCommand(ctx, "reboot")
}
