// Package volumestoretest provides an in-memory volumestore.Store for tests.
package volumestoretest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volumestore"
)

// Image is what a create-from-url download of a URL yields
type Image struct {
	Bytes int64
	SHA1  string
}

// Store is an in-memory volume store. Operations can be made to fail with
// FailOn and every call is recorded.
type Store struct {
	mu      sync.Mutex
	volumes map[string]*types.Volume
	images  map[string]Image
	fail    map[string]error
	calls   []string
	next    int
}

// New returns an empty store
func New() *Store {
	return &Store{
		volumes: make(map[string]*types.Volume),
		images:  make(map[string]Image),
		fail:    make(map[string]error),
	}
}

// AddImage registers the content served at url
func (s *Store) AddImage(url string, img Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[url] = img
}

// Put inserts or replaces a volume
func (s *Store) Put(v *types.Volume) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.volumes[v.UUID] = &cp
}

// Volume returns a copy of a stored volume, or nil
func (s *Store) Volume(uuid string) *types.Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[uuid]
	if !ok {
		return nil
	}
	cp := *v
	return &cp
}

// Len returns the number of stored volumes
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.volumes)
}

// FailOn makes every call of op (a method name such as "Rebase") fail with
// err. A nil err clears the failure. Operations scoped to one volume can be
// targeted with "op:uuid".
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Calls returns the recorded calls as "Op" or "Op:uuid"
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how many times op was called
func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op || strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

// enter records a call and returns the injected failure, if any. Callers
// hold s.mu.
func (s *Store) enter(op, uuid string) error {
	if uuid != "" {
		s.calls = append(s.calls, op+":"+uuid)
		if err, ok := s.fail[op+":"+uuid]; ok {
			return err
		}
	} else {
		s.calls = append(s.calls, op)
	}
	return s.fail[op]
}

func (s *Store) newUUID() string {
	s.next++
	return fmt.Sprintf("vol-%04d", s.next)
}

func (s *Store) lookup(op, uuid string) (*types.Volume, error) {
	v, ok := s.volumes[uuid]
	if !ok {
		return nil, &types.StoreError{Op: op, Status: 404, Message: "no volume " + uuid, Kind: types.ErrVolumeNotFound}
	}
	return v, nil
}

func conflict(op, format string, args ...interface{}) error {
	return &types.StoreError{Op: op, Status: 409, Message: fmt.Sprintf(format, args...), Kind: types.ErrVolumeConflict}
}

func (s *Store) create(opts volumestore.CreateOptions) *types.Volume {
	v := &types.Volume{
		UUID:       s.newUUID(),
		Kind:       types.VolumeKindOrigin,
		Type:       opts.Type,
		Tag:        opts.Tag,
		Identifier: opts.Identifier,
		Owner:      opts.Owner,
		Visibility: opts.Visibility,
		SizeGiB:    opts.SizeGiB,
		CreatedAt:  time.Now().UTC(),
	}
	s.volumes[v.UUID] = v
	return v
}

func (s *Store) Create(ctx context.Context, opts volumestore.CreateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Create", ""); err != nil {
		return "", err
	}
	return s.create(opts).UUID, nil
}

func (s *Store) CreateFromURL(ctx context.Context, opts volumestore.CreateOptions, url string, sizeBytes int64, sha1 string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateFromURL", ""); err != nil {
		return "", err
	}

	img, ok := s.images[url]
	if !ok {
		return "", &types.StoreError{Op: "create from url", Status: 502, Message: "cannot download " + url, Kind: types.ErrVolumeServiceUnavailable}
	}
	if img.Bytes != sizeBytes {
		return "", conflict("create from url", "size mismatch: declared %d bytes, downloaded %d", sizeBytes, img.Bytes)
	}
	if !strings.EqualFold(img.SHA1, sha1) {
		return "", conflict("create from url", "checksum mismatch")
	}

	v := s.create(opts)
	v.SHA1 = strings.ToLower(sha1)
	return v.UUID, nil
}

func (s *Store) CreateCowChild(ctx context.Context, originUUID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateCowChild", originUUID); err != nil {
		return "", err
	}
	origin, err := s.lookup("create cow child", originUUID)
	if err != nil {
		return "", err
	}

	child := &types.Volume{
		UUID:       s.newUUID(),
		Kind:       types.VolumeKindCOW,
		Type:       types.DiskTypeMachineLive,
		Owner:      origin.Owner,
		Visibility: types.VisibilityPrivate,
		SizeGiB:    origin.SizeGiB,
		Origin:     origin.UUID,
		SHA1:       origin.SHA1,
		CreatedAt:  time.Now().UTC(),
	}
	s.volumes[child.UUID] = child
	return child.UUID, nil
}

func (s *Store) Rebase(ctx context.Context, uuid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Rebase", uuid); err != nil {
		return "", err
	}
	src, err := s.lookup("rebase", uuid)
	if err != nil {
		return "", err
	}

	v := &types.Volume{
		UUID:       s.newUUID(),
		Kind:       types.VolumeKindOrigin,
		Type:       types.DiskTypeMachineOrigin,
		Owner:      src.Owner,
		Visibility: types.VisibilityPrivate,
		SizeGiB:    src.SizeGiB,
		CreatedAt:  time.Now().UTC(),
	}
	s.volumes[v.UUID] = v
	return v.UUID, nil
}

func (s *Store) Get(ctx context.Context, uuid string) (*types.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Get", uuid); err != nil {
		return nil, err
	}
	v, err := s.lookup("get", uuid)
	if err != nil {
		return nil, err
	}
	cp := *v
	return &cp, nil
}

func (s *Store) Update(ctx context.Context, uuid string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Update", uuid); err != nil {
		return err
	}
	v, err := s.lookup("update", uuid)
	if err != nil {
		return err
	}

	updated := *v
	for field, value := range fields {
		switch field {
		case "tag":
			updated.Tag = value
		case "identifier":
			updated.Identifier = value
		case "owner":
			updated.Owner = value
		case "visibility":
			updated.Visibility = types.Visibility(value)
		case "type":
			updated.Type = types.DiskType(value)
		case "quarantine":
			if value == "" {
				updated.QuarantinedAt = nil
				continue
			}
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return conflict("update", "invalid quarantine %q", value)
			}
			updated.QuarantinedAt = &t
		default:
			return conflict("update", "field cannot be updated: %s", field)
		}
	}
	updated.UpdatedAt = time.Now().UTC()
	s.volumes[uuid] = &updated
	return nil
}

func (s *Store) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Delete", uuid); err != nil {
		return err
	}
	v, err := s.lookup("delete", uuid)
	if err != nil {
		return err
	}
	if v.MountCount > 0 {
		return conflict("delete", "volume %s has %d mounts", uuid, v.MountCount)
	}
	delete(s.volumes, uuid)
	return nil
}

func (s *Store) MountCount(ctx context.Context, uuid string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MountCount", uuid); err != nil {
		return 0, err
	}
	v, err := s.lookup("mount count", uuid)
	if err != nil {
		return 0, err
	}
	return v.MountCount, nil
}

func (s *Store) AdjustMountCount(ctx context.Context, uuid string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AdjustMountCount", uuid); err != nil {
		return 0, err
	}
	v, err := s.lookup("adjust mount count", uuid)
	if err != nil {
		return 0, err
	}
	if v.MountCount+delta < 0 {
		return 0, conflict("adjust mount count", "count would become negative")
	}
	v.MountCount += delta
	return v.MountCount, nil
}

func (s *Store) Search(ctx context.Context, field, value string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Search", ""); err != nil {
		return nil, err
	}

	uuids := []string{}
	for _, v := range s.volumes {
		got := v.Field(field)
		if (value == "" && got != "") || (value != "" && got == value) {
			uuids = append(uuids, v.UUID)
		}
	}
	sort.Strings(uuids)
	return uuids, nil
}

func (s *Store) TransferURL(ctx context.Context, uuid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("TransferURL", uuid); err != nil {
		return "", err
	}
	if _, err := s.lookup("transfer url", uuid); err != nil {
		return "", err
	}
	return "iscsi://store.test/" + uuid, nil
}

var _ volumestore.Store = (*Store)(nil)
