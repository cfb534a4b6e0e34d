package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/retry"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHGateway runs commands over SSH with public key authentication.
// Connection failures are retried according to the retry policy; once a
// command has started it is never repeated. A command still running after
// the configured command timeout is abandoned by closing the connection.
type SSHGateway struct {
	cfg    config.SSHConfig
	policy retry.Policy
	client *ssh.ClientConfig
	logger zerolog.Logger
}

// NewSSHGateway loads the private key and known hosts named by cfg. Without
// a known hosts file, host keys are not verified.
func NewSSHGateway(cfg config.SSHConfig, policy retry.Policy) (*SSHGateway, error) {
	logger := log.WithComponent("ssh")

	key, err := os.ReadFile(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", cfg.PrivateKey, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		logger.Warn().Msg("No known_hosts configured, host keys are not verified")
	}

	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = config.Duration(10 * time.Minute)
	}

	return &SSHGateway{
		cfg:    cfg,
		policy: policy,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.ConnectTimeout.Std(),
		},
		logger: logger,
	}, nil
}

// addr appends the configured port unless host carries one
func (g *SSHGateway) addr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(g.cfg.Port))
}

func (g *SSHGateway) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	var client *ssh.Client
	err := retry.Do(ctx, g.policy, transient, func(ctx context.Context) error {
		d := net.Dialer{Timeout: g.client.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, g.client)
		if err != nil {
			conn.Close()
			return err
		}
		client = ssh.NewClient(c, chans, reqs)
		return nil
	})
	return client, err
}

// transient reports whether a connection failure may succeed when repeated;
// authentication and host key failures never do
func transient(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return false
	}
	return !strings.Contains(err.Error(), "unable to authenticate")
}

// Run executes argv on host through a login shell
func (g *SSHGateway) Run(ctx context.Context, host string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("no command specified")
	}
	addr := g.addr(host)
	command := Join(argv)

	client, err := g.dial(ctx, addr)
	if err != nil {
		return Result{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout.Std())
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open session on %s: %w", addr, err)
	}
	defer session.Close()

	// Closing the client unblocks the session when ctx ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	g.logger.Debug().Str("host", addr).Str("command", command).Msg("Running remote command")

	output, err := session.CombinedOutput(command)
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return Result{Output: string(output)}, nil
	case errors.As(err, &exitErr):
		return Result{ExitCode: exitErr.ExitStatus(), Output: string(output)}, nil
	default:
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return Result{}, fmt.Errorf("command on %s did not complete: %w", addr, err)
	}
}
