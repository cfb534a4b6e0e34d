package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/pdisk/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketVolumes = []byte("volumes")
	bucketMounts  = []byte("mounts")
)

// BoltStore implements VolumeStore and MountStore using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database file at path. Other
// processes holding the file lock are waited for up to lockTimeout.
func NewBoltStore(path string, lockTimeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVolumes, bucketMounts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Volume operations

func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		if b.Get([]byte(volume.UUID)) != nil {
			return fmt.Errorf("volume %s already exists", volume.UUID)
		}
		return putJSON(b, volume.UUID, volume)
	})
}

func (s *BoltStore) GetVolume(uuid string) (*types.Volume, error) {
	var volume types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketVolumes), uuid, &volume)
	})
	if err != nil {
		return nil, err
	}
	return &volume, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			volumes = append(volumes, &volume)
			return nil
		})
	})
	return volumes, err
}

func (s *BoltStore) UpdateVolume(uuid string, fn func(*types.Volume) error) (*types.Volume, error) {
	var volume types.Volume
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		if err := getJSON(b, uuid, &volume); err != nil {
			return err
		}
		if err := fn(&volume); err != nil {
			return err
		}
		volume.UUID = uuid
		volume.UpdatedAt = time.Now().UTC()
		return putJSON(b, uuid, &volume)
	})
	if err != nil {
		return nil, err
	}
	return &volume, nil
}

func (s *BoltStore) DeleteVolume(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		var volume types.Volume
		if err := getJSON(b, uuid, &volume); err != nil {
			return err
		}
		if volume.MountCount > 0 {
			return fmt.Errorf("%w: %s has %d mounts", ErrInUse, uuid, volume.MountCount)
		}
		return b.Delete([]byte(uuid))
	})
}

func (s *BoltStore) SearchVolumes(field, value string) ([]string, error) {
	if !searchable(field) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}

	uuids := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			got := volume.Field(field)
			if (value == "" && got != "") || (value != "" && got == value) {
				uuids = append(uuids, volume.UUID)
			}
			return nil
		})
	})
	sort.Strings(uuids)
	return uuids, err
}

func (s *BoltStore) AdjustMountCount(uuid string, delta int) (int, error) {
	volume, err := s.UpdateVolume(uuid, func(v *types.Volume) error {
		if v.MountCount+delta < 0 {
			return fmt.Errorf("%w: %s has %d mounts, delta %d", ErrNegativeCount, uuid, v.MountCount, delta)
		}
		v.MountCount += delta
		return nil
	})
	if err != nil {
		return 0, err
	}
	return volume.MountCount, nil
}

// Mount operations

func mountKey(vmID, volumeUUID string) []byte {
	return []byte(vmID + "/" + volumeUUID)
}

func (s *BoltStore) RecordMount(mount *types.Mount) error {
	if mount.CreatedAt.IsZero() {
		mount.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(mount)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMounts).Put(mountKey(mount.VMID, mount.VolumeUUID), data)
	})
}

// ListMountsByVM returns the mounts of a VM ordered by device index
func (s *BoltStore) ListMountsByVM(vmID string) ([]*types.Mount, error) {
	var mounts []*types.Mount
	prefix := []byte(vmID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMounts).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var mount types.Mount
			if err := json.Unmarshal(v, &mount); err != nil {
				return err
			}
			mounts = append(mounts, &mount)
		}
		return nil
	})
	sort.SliceStable(mounts, func(i, j int) bool {
		return mounts[i].DeviceIndex < mounts[j].DeviceIndex
	})
	return mounts, err
}

func (s *BoltStore) DeleteMount(vmID, volumeUUID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMounts).Delete(mountKey(vmID, volumeUUID))
	})
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v interface{}) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(data, v)
}

func searchable(field string) bool {
	for _, f := range types.SearchFields {
		if f == field {
			return true
		}
	}
	return false
}
