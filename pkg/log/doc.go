/*
Package log provides structured logging for pdisk using zerolog.

A single package-level Logger is configured once by the CLI through Init and
shared by every component. Components derive child loggers carrying their
name and the identifiers they work on, so that the log lines of one attach
or save can be followed across packages.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

Output goes to stderr unless Config.Output is set: stdout is reserved for
command results, since the hypervisor hooks read what pdisk prints. JSON
output suits log shipping; the console writer is the default for
interactive use. Until Init is called the Logger discards everything, which
keeps tests quiet.

# Child loggers

	logger := log.WithComponent("attach")
	logger.Info().Str("volume_uuid", uuid).Msg("Disk attached")

	vmLogger := log.WithVMID("42")
	volLogger := log.WithVolumeID(uuid)

Field names are shared across packages: component, vm_id, volume_uuid,
identifier, target.

# Levels

  - debug: cache hits, individual remote commands, resolved manifests
  - info: completed attaches, saves, quarantines and sweeps
  - warn: best-effort cleanup that failed; the original error is still
    returned to the caller
  - error: aborted workflows and failed sweeps

Errors are attached with Err(err) rather than formatted into the message.
*/
package log
