package storage

import (
	"time"

	"github.com/cuemby/pdisk/pkg/types"
)

// Ledger is the MountStore of hypervisor-side commands. The database file
// is opened for each operation, so the bbolt file lock is held only while
// mounts are read or written and never across remote commands.
type Ledger struct {
	path        string
	lockTimeout time.Duration
}

// NewLedger returns a ledger on the database file at path. Each operation
// waits for up to lockTimeout for other processes to release the file.
func NewLedger(path string, lockTimeout time.Duration) *Ledger {
	return &Ledger{path: path, lockTimeout: lockTimeout}
}

func (l *Ledger) RecordMount(mount *types.Mount) error {
	return l.with(func(s *BoltStore) error {
		return s.RecordMount(mount)
	})
}

func (l *Ledger) ListMountsByVM(vmID string) (mounts []*types.Mount, err error) {
	err = l.with(func(s *BoltStore) error {
		mounts, err = s.ListMountsByVM(vmID)
		return err
	})
	return mounts, err
}

func (l *Ledger) DeleteMount(vmID, volumeUUID string) error {
	return l.with(func(s *BoltStore) error {
		return s.DeleteMount(vmID, volumeUUID)
	})
}

func (l *Ledger) with(fn func(*BoltStore) error) (err error) {
	store, err := NewBoltStore(l.path, l.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(store)
}

var _ MountStore = (*Ledger)(nil)
