/*
Package remote runs privileged commands on storage and compute hosts.

Every filesystem, attach, detach and checksum operation of the workflows goes
through a Gateway. Two implementations are provided:

  - SSHGateway connects with public key authentication (golang.org/x/crypto/ssh),
    verifies host keys against a known_hosts file when one is configured, and
    retries connection failures with the shared retry policy. A command that
    has started is never repeated.
  - LocalGateway runs commands on the local host, for single-host setups
    and tests.

A Router combines the two, running commands addressed to localhost
in-process.

Gateways report how a command ended; Exec turns a non-zero exit or a
transport failure into a *types.RemoteExecutionError that carries the host,
the command line and its output:

	out, err := remote.Exec(ctx, gw, "node1", "mkdir", "-p", dir)
	if err != nil {
		return err // errors.Is(err, types.ErrRemoteExecution)
	}

Arguments are quoted for a POSIX shell before being sent over SSH.
*/
package remote
