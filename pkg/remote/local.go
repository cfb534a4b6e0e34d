package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// LocalGateway runs commands on this host, ignoring the host argument. It
// serves single-host deployments and tests.
type LocalGateway struct {
	// Timeout bounds each command (default: 10 minutes)
	Timeout time.Duration
}

// NewLocalGateway creates a local gateway
func NewLocalGateway() *LocalGateway {
	return &LocalGateway{Timeout: 10 * time.Minute}
}

// Run executes argv directly, without a shell
func (g *LocalGateway) Run(ctx context.Context, host string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("no command specified")
	}

	execCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{Output: output.String()}, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		return Result{ExitCode: exitErr.ExitCode(), Output: output.String()}, nil
	default:
		// not found, not executable, or killed by the timeout
		return Result{}, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
}
