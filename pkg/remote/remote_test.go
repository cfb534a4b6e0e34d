package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/pdisk/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFunc func(ctx context.Context, host string, argv []string) (Result, error)

func (f gatewayFunc) Run(ctx context.Context, host string, argv []string) (Result, error) {
	return f(ctx, host, argv)
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"/var/lib/one/42/images/disk.0", "/var/lib/one/42/images/disk.0"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$(reboot)", "'$(reboot)'"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Quote(tt.in))
		})
	}

	assert.Equal(t, "mkdir -p '/a b'", Join([]string{"mkdir", "-p", "/a b"}))
}

func TestExec(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		gw := gatewayFunc(func(_ context.Context, host string, argv []string) (Result, error) {
			return Result{Output: "ok\n"}, nil
		})
		out, err := Exec(ctx, gw, "node1", "true")
		require.NoError(t, err)
		assert.Equal(t, "ok\n", out)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		gw := gatewayFunc(func(_ context.Context, host string, argv []string) (Result, error) {
			return Result{ExitCode: 2, Output: "no such device\n"}, nil
		})
		_, err := Exec(ctx, gw, "node1", "attach", "x y")
		assert.ErrorIs(t, err, types.ErrRemoteExecution)
		assert.False(t, types.IsRetryable(err))

		var rerr *types.RemoteExecutionError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "node1", rerr.Host)
		assert.Equal(t, "attach 'x y'", rerr.Command)
		assert.Equal(t, 2, rerr.ExitCode)
		assert.Equal(t, "no such device", rerr.Output)
		assert.Contains(t, err.Error(), "no such device")
	})

	t.Run("transport failure", func(t *testing.T) {
		cause := errors.New("connection refused")
		gw := gatewayFunc(func(_ context.Context, host string, argv []string) (Result, error) {
			return Result{}, cause
		})
		_, err := Exec(ctx, gw, "node1", "true")
		assert.ErrorIs(t, err, types.ErrRemoteExecution)
		assert.ErrorIs(t, err, cause)
		assert.True(t, types.IsRetryable(err))
	})
}

func TestRouter(t *testing.T) {
	var local, remote []string
	r := NewRouter(
		gatewayFunc(func(_ context.Context, host string, _ []string) (Result, error) {
			local = append(local, host)
			return Result{}, nil
		}),
		gatewayFunc(func(_ context.Context, host string, _ []string) (Result, error) {
			remote = append(remote, host)
			return Result{}, nil
		}),
	)

	for _, host := range []string{"localhost", "node-1", "127.0.0.1", "storage.example.org", ""} {
		_, err := r.Run(context.Background(), host, []string{"true"})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"localhost", "127.0.0.1", ""}, local)
	assert.Equal(t, []string{"node-1", "storage.example.org"}, remote)
}
