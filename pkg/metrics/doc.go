/*
Package metrics provides Prometheus metrics and health reporting for pdisk.

All collectors are registered with the default registry at package init and
exposed by Handler. The volume store server mounts Handler on /metrics next
to the /health and /ready handlers; the CLI workflows update the same
collectors, which only become visible when a process serves them.

# Metrics

Workflows:

	pdisk_attach_total{path,result}           attach outcomes, path is clone or direct
	pdisk_attach_duration_seconds             attach latency
	pdisk_save_total{result}                  detached, saved or aborted
	pdisk_save_duration_seconds               detach and save latency
	pdisk_cache_lookups_total{result}         origin cache hit, miss or error

Quarantine:

	pdisk_quarantine_sweep_deleted_total      volumes permanently deleted
	pdisk_quarantine_sweep_failures_total     volumes a sweep could not delete
	pdisk_quarantine_sweep_duration_seconds   sweep latency

Transport:

	pdisk_store_requests_total{method,status} volume store client requests
	pdisk_http_retries_total                  retried HTTP requests
	pdisk_remote_commands_total{result}       commands run on hypervisor hosts

Volume store:

	pdisk_volumes_total{kind}                 volumes by kind
	pdisk_volumes_quarantined                 volumes awaiting the sweep
	pdisk_api_request_duration_seconds{method} API latency

The volume gauges are refreshed by a Collector polling the store.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AttachDuration)

# Health

Components report their state with RegisterComponent and UpdateComponent.
GetHealth is healthy while every component is; GetReadiness additionally
requires the critical components (storage, driver and api by default) to
have registered.
*/
package metrics
