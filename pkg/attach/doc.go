/*
Package attach turns an image or volume reference into a block device
attached to a VM.

# Paths

Catalog identifiers and manifest URLs take the copy-on-write path: the
image is cached as an origin volume on first use (see package cache) and
every VM gets its own COW child of that origin. Volume references
(pdisk:<host>:<port>:<uuid>) are attached directly, after these checks:

  - the boot disk (disk.0) must be of type MACHINE_IMAGE_LIVE and unmounted
  - other disks must have one of the configured data disk types
  - the requester must own the volume, the volume's visibility must not be
    restricted, or the requester must be a superuser

All checks run before anything is mutated.

# States

	Resolving -> Authorizing -> DirectAttach -> Attaching -> Attached
	          \-> Cloning ------------------/
	any failure -> RolledBack

On failure the run undoes what it did, newest first: the mount count is
released, the device is unregistered and the COW child it created is
deleted. Rollback errors are logged. The origin volume and persisted
volumes are never deleted.

A successful attach increments the volume's mount count at the store and
records the mount in the local ledger, where the detach workflow finds it.
*/
package attach
