package remote

import (
	"context"
	"strings"

	"github.com/cuemby/pdisk/pkg/metrics"
	"github.com/cuemby/pdisk/pkg/types"
)

// Result is the outcome of a command that ran
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr
}

// Gateway runs privileged commands on storage and compute hosts. Run returns
// an error only when the command could not be run at all; a command that
// ran and failed is reported through Result.ExitCode.
type Gateway interface {
	Run(ctx context.Context, host string, argv []string) (Result, error)
}

// Exec runs argv on host and turns both transport failures and non-zero
// exits into a *types.RemoteExecutionError carrying the output
func Exec(ctx context.Context, gw Gateway, host string, argv ...string) (string, error) {
	res, err := gw.Run(ctx, host, argv)
	if err != nil {
		metrics.RemoteCommandsTotal.WithLabelValues("unreachable").Inc()
		return "", &types.RemoteExecutionError{Host: host, Command: Join(argv), ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		metrics.RemoteCommandsTotal.WithLabelValues("failed").Inc()
		return res.Output, &types.RemoteExecutionError{
			Host:     host,
			Command:  Join(argv),
			ExitCode: res.ExitCode,
			Output:   strings.TrimSpace(res.Output),
		}
	}
	metrics.RemoteCommandsTotal.WithLabelValues("ok").Inc()
	return res.Output, nil
}

// Join renders argv as a POSIX shell command line
func Join(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = Quote(arg)
	}
	return strings.Join(quoted, " ")
}

// Quote quotes s for a POSIX shell when it contains anything but safe
// characters
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_./:=@%+,", r)
}
