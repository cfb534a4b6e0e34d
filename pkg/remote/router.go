package remote

import (
	"context"
	"slices"
)

// LocalHosts are the host names a Router runs in-process
var LocalHosts = []string{"", "localhost", "127.0.0.1", "::1"}

// Router sends commands for local host names to Local and everything else
// to Remote
type Router struct {
	Local  Gateway
	Remote Gateway
}

// NewRouter creates a router
func NewRouter(local, remote Gateway) *Router {
	return &Router{Local: local, Remote: remote}
}

func (r *Router) Run(ctx context.Context, host string, argv []string) (Result, error) {
	if slices.Contains(LocalHosts, host) {
		return r.Local.Run(ctx, host, argv)
	}
	return r.Remote.Run(ctx, host, argv)
}
