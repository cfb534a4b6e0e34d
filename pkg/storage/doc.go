/*
Package storage provides BoltDB-backed persistence for pdisk.

One database file serves two roles depending on the process that opens it:

  - the volume store server keeps volume metadata in the "volumes" bucket
    (VolumeStore), keyed by uuid
  - hypervisor-side commands keep the mount ledger in the "mounts" bucket
    (MountStore), keyed by "<vmID>/<volumeUUID>"

Values are JSON. Every mutation runs inside a single bbolt write
transaction, so AdjustMountCount is atomic across concurrent callers and a
failed UpdateVolume callback leaves the record untouched.

# Usage

	store, err := storage.NewBoltStore("/var/lib/pdisk/mounts.db", 10*time.Second)
	if err != nil {
		return err
	}
	defer store.Close()

	mounts, err := store.ListMountsByVM("42")

BoltDB takes an exclusive file lock. A second process opening the same file
waits for up to the lock timeout and then fails. Hypervisor commands use
Ledger, which opens the file around each mount operation only, so a slow
remote attach in one process does not block the ledger of another.

# Search

SearchVolumes matches one field at a time. The supported fields are tag,
identifier, owner, kind, type, visibility, origin, sha1 and quarantine. An
empty value matches every volume where the field is set, which is how the
reaper lists quarantined volumes.
*/
package storage
