// Package remotetest provides a recording remote.Gateway for tests.
package remotetest

import (
	"context"
	"strings"
	"sync"

	"github.com/cuemby/pdisk/pkg/remote"
)

// Call is one recorded command
type Call struct {
	Host string
	Argv []string
}

// Command returns the call as a single line
func (c Call) Command() string {
	return strings.Join(c.Argv, " ")
}

// Handler answers a command
type Handler func(host string, argv []string) (remote.Result, error)

// Gateway records every command. Commands are answered by the first
// handler whose prefix matches the command line, and succeed with no
// output otherwise.
type Gateway struct {
	mu       sync.Mutex
	calls    []Call
	prefixes []string
	handlers []Handler
}

// New returns a gateway on which every command succeeds
func New() *Gateway {
	return &Gateway{}
}

// Handle answers commands starting with prefix using h
func (g *Gateway) Handle(prefix string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prefixes = append(g.prefixes, prefix)
	g.handlers = append(g.handlers, h)
}

// Respond answers commands starting with prefix with a fixed result
func (g *Gateway) Respond(prefix string, res remote.Result, err error) {
	g.Handle(prefix, func(string, []string) (remote.Result, error) {
		return res, err
	})
}

// Run implements remote.Gateway
func (g *Gateway) Run(ctx context.Context, host string, argv []string) (remote.Result, error) {
	g.mu.Lock()
	call := Call{Host: host, Argv: append([]string(nil), argv...)}
	g.calls = append(g.calls, call)
	var handler Handler
	for i, prefix := range g.prefixes {
		if strings.HasPrefix(call.Command(), prefix) {
			handler = g.handlers[i]
			break
		}
	}
	g.mu.Unlock()

	if handler == nil {
		return remote.Result{}, nil
	}
	return handler(host, argv)
}

// Calls returns the recorded commands
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// Commands returns the recorded command lines starting with prefix
func (g *Gateway) Commands(prefix string) []string {
	var out []string
	for _, c := range g.Calls() {
		if strings.HasPrefix(c.Command(), prefix) {
			out = append(out, c.Command())
		}
	}
	return out
}

var _ remote.Gateway = (*Gateway)(nil)
