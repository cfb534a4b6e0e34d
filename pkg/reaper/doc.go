/*
Package reaper implements the quarantine window for volume deletion.

Volumes are never deleted directly by the workflows. Quarantine stamps a
volume with the current time and reassigns it to the quarantine owner;
Sweep later deletes the volumes whose stamp is older than the configured
threshold. A sweep never stops on a single bad volume: inspect and delete
failures are logged, counted in pdisk_quarantine_sweep_failures_total and
reported in the SweepResult.

	r := reaper.New(store, cfg.Quarantine)
	r.Start(ctx)      // sweeps every quarantine.sweep_interval
	defer r.Stop()
*/
package reaper
