/*
Package types defines the data model shared by every pdisk package: volumes
as reported by the volume store, mounts recorded in the ledger, manifests
describing publishable images and the events sent when an image is saved.

It also holds the error taxonomy. Each failure class is a sentinel compared
with errors.Is:

	ErrManifestParse, ErrInvalidDigest, ErrInvalidIdentifier
	ErrVolumeNotFound, ErrVolumeConflict, ErrVolumeServiceUnavailable
	ErrBootDiskInvariant, ErrUnsupportedDiskType, ErrAuthorization
	ErrRemoteExecution, ErrChecksumMismatch, ErrSigning, ErrPublish

Two error types carry details: *RemoteExecutionError (host, command line,
exit code and output of a failed remote command) and *StoreError (status
and message of a failed volume store request). Both unwrap to their
sentinel. IsRetryable reports transport failures, which are the only errors
retried, and only at the network call that produced them.
*/
package types
