/*
Package detach tears down the disks of a VM and, on request, saves the
boot disk as a new image.

Every mount recorded for the VM in the ledger is unregistered on its host,
its mount count is released and its ledger entry removed. A mount that
fails to unregister keeps both, and the save is not attempted.

A save then runs these steps on the detached disk:

	checksum -> rebase -> build manifest -> sign -> publish -> notify

The checksum strategy depends on the storage backend (see package
checksum). Rebase flattens the disk into a new origin volume; it is the one
step that cannot be undone, so a save that fails afterwards quarantines the
rebased volume instead of deleting it. The manifest is published only once
rebase and signing have both succeeded. Notification failures are logged.

COW children created by the attach workflow are quarantined once they are
no longer needed, including the saved disk itself.
*/
package detach
