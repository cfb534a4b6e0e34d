package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/retry"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshServer answers exec requests: "fail N" exits with N, "hang" never
// returns, anything else echoes the command line
type sshServer struct {
	addr     string
	hostKey  ssh.PublicKey
	listener net.Listener
}

func newSSHServer(t *testing.T, authorized ssh.PublicKey) *sshServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key for %s", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()

	return &sshServer{addr: ln.Addr().String(), hostKey: hostSigner.PublicKey(), listener: ln}
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				if payload.Command == "hang" {
					// until the client goes away
					_, _ = io.Copy(io.Discard, ch)
					return
				}

				var status uint32
				if code, ok := strings.CutPrefix(payload.Command, "fail "); ok {
					fmt.Sscanf(code, "%d", &status)
					fmt.Fprintf(ch.Stderr(), "failing with %d\n", status)
				} else {
					fmt.Fprintf(ch, "ran: %s\n", payload.Command)
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

// writeClientKey writes an OpenSSH private key and returns its path and public key
func writeClientKey(t *testing.T, dir string) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return path, signer.PublicKey()
}

var sshPolicy = retry.Policy{MaxAttempts: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond, Timeout: 5 * time.Second}

func TestSSHGateway(t *testing.T) {
	dir := t.TempDir()
	keyPath, pub := writeClientKey(t, dir)
	srv := newSSHServer(t, pub)

	knownHosts := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{srv.addr}, srv.hostKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0600))

	gw, err := NewSSHGateway(config.SSHConfig{
		User:           "oneadmin",
		PrivateKey:     keyPath,
		KnownHosts:     knownHosts,
		ConnectTimeout: config.Duration(5 * time.Second),
	}, sshPolicy)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := gw.Run(ctx, srv.addr, []string{"mkdir", "-p", "/var/lib/one/42 images"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ran: mkdir -p '/var/lib/one/42 images'\n", res.Output)

	res, err = gw.Run(ctx, srv.addr, []string{"fail", "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "failing with 3")

	out, err := Exec(ctx, gw, srv.addr, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ran: echo hi\n", out)
}

func TestSSHGatewayCommandTimeout(t *testing.T) {
	dir := t.TempDir()
	keyPath, pub := writeClientKey(t, dir)
	srv := newSSHServer(t, pub)

	gw, err := NewSSHGateway(config.SSHConfig{
		User:           "oneadmin",
		PrivateKey:     keyPath,
		ConnectTimeout: config.Duration(5 * time.Second),
		CommandTimeout: config.Duration(100 * time.Millisecond),
	}, sshPolicy)
	require.NoError(t, err)

	start := time.Now()
	_, err = gw.Run(context.Background(), srv.addr, []string{"hang"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	// reported as a transport failure of the step
	_, err = Exec(context.Background(), gw, srv.addr, "hang")
	var rerr *types.RemoteExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.True(t, types.IsRetryable(err))

	// the connection is per command, so later commands are unaffected
	out, err := Exec(context.Background(), gw, srv.addr, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ran: echo hi\n", out)
}

func TestSSHGatewayRejectsUnknownHostKey(t *testing.T) {
	dir := t.TempDir()
	keyPath, pub := writeClientKey(t, dir)
	srv := newSSHServer(t, pub)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	knownHosts := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{srv.addr}, otherSigner.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0600))

	gw, err := NewSSHGateway(config.SSHConfig{User: "oneadmin", PrivateKey: keyPath, KnownHosts: knownHosts}, sshPolicy)
	require.NoError(t, err)

	_, err = gw.Run(context.Background(), srv.addr, []string{"true"})
	assert.Error(t, err)
}

func TestSSHGatewayUnreachable(t *testing.T) {
	dir := t.TempDir()
	keyPath, _ := writeClientKey(t, dir)

	gw, err := NewSSHGateway(config.SSHConfig{User: "oneadmin", PrivateKey: keyPath, Port: 1}, sshPolicy)
	require.NoError(t, err)

	_, err = gw.Run(context.Background(), "127.0.0.1", []string{"true"})
	assert.Error(t, err)
}

func TestNewSSHGatewayBadKey(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0600))

	_, err := NewSSHGateway(config.SSHConfig{PrivateKey: bad}, sshPolicy)
	assert.Error(t, err)

	_, err = NewSSHGateway(config.SSHConfig{PrivateKey: filepath.Join(dir, "missing")}, sshPolicy)
	assert.Error(t, err)
}
