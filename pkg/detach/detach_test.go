package detach

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pdisk/pkg/attach"
	"github.com/cuemby/pdisk/pkg/checksum"
	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/identifier"
	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/reaper"
	"github.com/cuemby/pdisk/pkg/remote"
	"github.com/cuemby/pdisk/pkg/remote/remotetest"
	"github.com/cuemby/pdisk/pkg/signing"
	"github.com/cuemby/pdisk/pkg/storage"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volumestore/volumestoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	emptySHA1 = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	emptyID   = "No5o-5ea0sNMlW_75VgGJCv2AcJ"
	helloSHA1 = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
)

var now = time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

type fakeResolver map[string]*types.Manifest

func (f fakeResolver) Resolve(ctx context.Context, ref string) (*manifest.Resolved, error) {
	parsed, err := manifest.ParseReference(ref)
	if err != nil {
		return nil, err
	}
	if parsed.Kind == manifest.ReferenceVolume {
		return &manifest.Resolved{Reference: parsed}, nil
	}
	m, ok := f[ref]
	if !ok {
		return nil, fmt.Errorf("%w: no manifest for %s", types.ErrManifestParse, ref)
	}
	cp := *m
	return &manifest.Resolved{Reference: parsed, Manifest: &cp}, nil
}

type fakeChecksum struct {
	res   checksum.Result
	err   error
	calls []string
}

func (f *fakeChecksum) Checksum(ctx context.Context, uuid string) (checksum.Result, error) {
	f.calls = append(f.calls, uuid)
	return f.res, f.err
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, *types.Manifest) error {
	return errors.New("hsm offline")
}

type published struct {
	endpoint string
	manifest *types.Manifest
}

type fakePublisher struct {
	published []published
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, endpoint string, m *types.Manifest) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{endpoint: endpoint, manifest: m})
	return nil
}

type fakeNotifier struct {
	events []types.Event
	err    error
}

func (f *fakeNotifier) Notify(ctx context.Context, ev types.Event) error {
	f.events = append(f.events, ev)
	return f.err
}

// digestStore reports a fixed sha1 for every rebased volume
type digestStore struct {
	*volumestoretest.Store
	sha1 string
}

func (s digestStore) Get(ctx context.Context, uuid string) (*types.Volume, error) {
	v, err := s.Store.Get(ctx, uuid)
	if err == nil && v.Kind == types.VolumeKindOrigin && v.Type == types.DiskTypeMachineOrigin {
		v.SHA1 = s.sha1
	}
	return v, err
}

type testEnv struct {
	store     *volumestoretest.Store
	mounts    *storage.BoltStore
	gw        *remotetest.Gateway
	checksum  *fakeChecksum
	signer    *signing.Ed25519Signer
	publisher *fakePublisher
	notifier  *fakeNotifier
	deps      Dependencies
}

// newTestEnv sets up VM 42 with an ephemeral boot disk cloned from the
// catalog image, a persisted data disk and an ephemeral data disk
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mounts, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { mounts.Close() })

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := &testEnv{
		store:     volumestoretest.New(),
		mounts:    mounts,
		gw:        remotetest.New(),
		checksum:  &fakeChecksum{res: checksum.Result{SHA1: helloSHA1, Bytes: 5}},
		signer:    signing.NewEd25519Signer(key),
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
	}

	env.store.Put(&types.Volume{UUID: "origin", Kind: types.VolumeKindOrigin, Type: types.DiskTypeMachineOrigin, Tag: emptyID, Identifier: emptyID})
	env.store.Put(&types.Volume{UUID: "live", Kind: types.VolumeKindCOW, Type: types.DiskTypeMachineLive, Origin: "origin", MountCount: 1})
	env.store.Put(&types.Volume{UUID: "data", Kind: types.VolumeKindOrigin, Type: types.DiskTypeDataReadWrite, Owner: "alice", MountCount: 2})
	env.store.Put(&types.Volume{UUID: "scratch", Kind: types.VolumeKindCOW, Type: types.DiskTypeMachineLive, Origin: "origin", MountCount: 1})

	env.record(t, &types.Mount{VolumeUUID: "live", DeviceIndex: 0, SourceRef: emptyID, Ephemeral: true})
	env.record(t, &types.Mount{VolumeUUID: "data", DeviceIndex: 1, SourceRef: "pdisk:store.test:8080:data"})
	env.record(t, &types.Mount{VolumeUUID: "scratch", DeviceIndex: 2, SourceRef: emptyID, Ephemeral: true})

	rp := reaper.New(env.store, config.QuarantineConfig{Owner: "quarantine"})
	env.deps = Dependencies{
		Store:   env.store,
		Mounts:  mounts,
		Gateway: env.gw,
		Resolver: fakeResolver{
			emptyID: {
				Identifier: emptyID,
				Checksums:  map[string]string{types.ChecksumSHA1: emptySHA1},
				Bytes:      1 << 30,
				Format:     types.ImageFormatQCOW2,
				Locations:  []string{"http://images.test/ubuntu.img"},
				Version:    "2.3.4",
				OS:         "ubuntu",
				Comment:    "base image",
			},
		},
		Checksum:  env.checksum,
		Signer:    env.signer,
		Publisher: env.publisher,
		Notifier:  env.notifier,
		Reaper:    rp,
	}
	return env
}

func (e *testEnv) record(t *testing.T, m *types.Mount) {
	t.Helper()
	m.VMID = "42"
	m.HostID = "node-1"
	m.DeviceTarget = fmt.Sprintf("/srv/42/images/disk.%d", m.DeviceIndex)
	m.VolumeRef = "pdisk:store.test:8080:" + m.VolumeUUID
	require.NoError(t, e.mounts.RecordMount(m))
}

func (e *testEnv) workflow() *Workflow {
	w := New(Options{DetachCommand: "pdisk-detach", StoreEndpoint: "http://store.test:8080"}, e.deps)
	w.now = func() time.Time { return now }
	return w
}

func saveRequest(t *testing.T, index int) Request {
	t.Helper()
	d, err := attach.ParseDestination(fmt.Sprintf("node-1:/srv/42/images/disk.%d", index))
	require.NoError(t, err)
	return Request{
		Disk:    d,
		Owner:   "alice",
		Save:    true,
		Catalog: "http://catalog.test",
		Email:   "alice@example.org",
		Comment: "patched",
	}
}

func TestDetachWithoutSave(t *testing.T) {
	env := newTestEnv(t)
	req := saveRequest(t, 0)
	req.Save = false

	res, err := env.workflow().Detach(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"live", "data", "scratch"}, res.Detached)
	assert.ElementsMatch(t, []string{"live", "scratch"}, res.Quarantined)
	assert.Nil(t, res.Saved)

	assert.Equal(t, []string{
		"pdisk-detach --unregister --pdisk-id pdisk:store.test:8080:live --vm-id 42 --vm-disk-name disk.0 --target /srv/42/images/disk.0",
		"pdisk-detach --unregister --pdisk-id pdisk:store.test:8080:data --vm-id 42 --vm-disk-name disk.1 --target /srv/42/images/disk.1",
		"pdisk-detach --unregister --pdisk-id pdisk:store.test:8080:scratch --vm-id 42 --vm-disk-name disk.2 --target /srv/42/images/disk.2",
	}, env.gw.Commands("pdisk-detach"))

	assert.Equal(t, 0, env.store.Volume("live").MountCount)
	assert.Equal(t, 1, env.store.Volume("data").MountCount)
	assert.Equal(t, 0, env.store.Volume("scratch").MountCount)

	assert.True(t, env.store.Volume("live").Quarantined())
	assert.True(t, env.store.Volume("scratch").Quarantined())
	assert.False(t, env.store.Volume("data").Quarantined(), "persisted volumes are left alone")
	assert.Equal(t, "alice", env.store.Volume("data").Owner)

	mounts, err := env.mounts.ListMountsByVM("42")
	require.NoError(t, err)
	assert.Empty(t, mounts)

	assert.Equal(t, 0, env.store.CallCount("Rebase"))
	assert.Empty(t, env.checksum.calls)
	assert.Empty(t, env.publisher.published)
}

func TestSave(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.workflow().Detach(context.Background(), saveRequest(t, 0))
	require.NoError(t, err)
	require.NotNil(t, res.Saved)

	assert.Equal(t, []string{"live"}, env.checksum.calls)
	rebased := res.Saved.VolumeUUID
	assert.Equal(t, "vol-0001", rebased)

	wantID, err := identifier.Encode(helloSHA1)
	require.NoError(t, err)

	m := res.Saved.Manifest
	assert.Equal(t, wantID, m.Identifier)
	assert.Equal(t, map[string]string{types.ChecksumSHA1: helloSHA1}, m.Checksums)
	assert.Equal(t, int64(5), m.Bytes)
	assert.Equal(t, types.ImageFormatQCOW2, m.Format)
	assert.Equal(t, []string{"pdisk:store.test:8080:vol-0001"}, m.Locations)
	assert.Equal(t, "2.3.5", m.Version)
	assert.Equal(t, "alice", m.Creator)
	assert.Equal(t, "ubuntu", m.OS)
	assert.Equal(t, "patched", m.Comment)
	assert.Equal(t, now, m.Created)
	assert.Equal(t, now.AddDate(0, 6, 0), m.ValidUntil)
	assert.NoError(t, signing.Verify(env.signer.PublicKey(), m))

	require.Len(t, env.publisher.published, 1)
	assert.Equal(t, "http://catalog.test", env.publisher.published[0].endpoint)
	assert.Same(t, m, env.publisher.published[0].manifest)

	v := env.store.Volume(rebased)
	require.NotNil(t, v)
	assert.Equal(t, wantID, v.Tag)
	assert.Equal(t, wantID, v.Identifier)
	assert.Equal(t, "alice", v.Owner)
	assert.False(t, v.Quarantined())

	require.Len(t, env.notifier.events, 1)
	ev := env.notifier.events[0]
	assert.Equal(t, wantID, ev.Identifier)
	assert.Equal(t, "42", ev.VMID)
	assert.Equal(t, "alice@example.org", ev.Email)
	assert.Equal(t, "pdisk:store.test:8080:vol-0001", ev.Location)

	assert.ElementsMatch(t, []string{"live", "scratch"}, res.Quarantined)
	assert.True(t, env.store.Volume("live").Quarantined())
	assert.NotNil(t, env.store.Volume("origin"))
}

func TestSavePersistedVolume(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.workflow().Detach(context.Background(), saveRequest(t, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Saved)

	assert.Equal(t, []string{"data"}, env.checksum.calls)
	m := res.Saved.Manifest
	assert.Equal(t, manifest.DefaultVersion, m.Version)
	assert.Equal(t, types.ImageFormatRaw, m.Format)
	assert.Equal(t, "patched", m.Comment)

	// the persisted source is neither quarantined nor deleted
	assert.False(t, env.store.Volume("data").Quarantined())
	assert.ElementsMatch(t, []string{"live", "scratch"}, res.Quarantined)
}

func TestSaveDefaultsToOriginCatalog(t *testing.T) {
	env := newTestEnv(t)
	req := saveRequest(t, 0)
	req.Catalog = ""
	req.Comment = ""

	res, err := env.workflow().Detach(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, env.publisher.published, 1)
	assert.Empty(t, env.publisher.published[0].endpoint)
	assert.Equal(t, "base image", res.Saved.Manifest.Comment)
}

func TestSaveSignFailureNeverPublishes(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Signer = failingSigner{}

	res, err := env.workflow().Detach(context.Background(), saveRequest(t, 0))
	assert.ErrorIs(t, err, types.ErrSigning)
	assert.ErrorContains(t, err, "hsm offline")
	require.NotNil(t, res)
	assert.Nil(t, res.Saved)

	assert.Empty(t, env.publisher.published)
	assert.Empty(t, env.notifier.events)

	rebased := env.store.Volume("vol-0001")
	require.NotNil(t, rebased, "rebased volume is left for the reaper")
	assert.True(t, rebased.Quarantined())
	assert.Empty(t, rebased.Identifier)
	assert.True(t, env.store.Volume("live").Quarantined())
}

func TestSaveFailures(t *testing.T) {
	storeDown := &types.StoreError{Op: "test", Status: 503, Kind: types.ErrVolumeServiceUnavailable}

	tests := []struct {
		name            string
		setup           func(env *testEnv)
		wantErr         error
		wantRebased     bool
		wantQuarantined bool
	}{
		{
			name: "checksum fails",
			setup: func(env *testEnv) {
				env.checksum.err = &types.RemoteExecutionError{Host: "storage-1", Command: "sha1sum", ExitCode: 1}
			},
			wantErr: types.ErrRemoteExecution,
		},
		{
			name:    "rebase fails",
			setup:   func(env *testEnv) { env.store.FailOn("Rebase", storeDown) },
			wantErr: types.ErrVolumeServiceUnavailable,
		},
		{
			name: "checksum mismatch",
			setup: func(env *testEnv) {
				env.deps.Store = digestStore{Store: env.store, sha1: emptySHA1}
			},
			wantErr:         types.ErrChecksumMismatch,
			wantRebased:     true,
			wantQuarantined: true,
		},
		{
			name: "original manifest unavailable",
			setup: func(env *testEnv) {
				env.deps.Resolver = fakeResolver{}
			},
			wantErr:         types.ErrManifestParse,
			wantRebased:     true,
			wantQuarantined: true,
		},
		{
			name:            "tagging fails",
			setup:           func(env *testEnv) { env.store.FailOn("Update:vol-0001", storeDown) },
			wantErr:         types.ErrVolumeServiceUnavailable,
			wantRebased:     true,
			wantQuarantined: false,
		},
		{
			name: "publish fails",
			setup: func(env *testEnv) {
				env.publisher.err = fmt.Errorf("%w: catalog returned 500", types.ErrPublish)
			},
			wantErr:         types.ErrPublish,
			wantRebased:     true,
			wantQuarantined: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env)

			res, err := env.workflow().Detach(context.Background(), saveRequest(t, 0))
			assert.ErrorIs(t, err, tt.wantErr)
			require.NotNil(t, res)
			assert.Nil(t, res.Saved)

			assert.Empty(t, env.publisher.published)
			assert.Empty(t, env.notifier.events)

			rebased := env.store.Volume("vol-0001")
			if !tt.wantRebased {
				assert.Nil(t, rebased)
				return
			}
			require.NotNil(t, rebased, "rebased volume is never deleted")
			assert.Equal(t, tt.wantQuarantined, rebased.Quarantined())

			// the detach itself went through
			mounts, err := env.mounts.ListMountsByVM("42")
			require.NoError(t, err)
			assert.Empty(t, mounts)
		})
	}
}

func TestSaveNotifyFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("smtp down")

	res, err := env.workflow().Detach(context.Background(), saveRequest(t, 0))
	require.NoError(t, err)
	require.NotNil(t, res.Saved)
	assert.Len(t, env.publisher.published, 1)
	assert.Len(t, env.notifier.events, 1)
}

func TestSaveUnknownDisk(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.workflow().Detach(context.Background(), saveRequest(t, 7))
	assert.ErrorIs(t, err, types.ErrVolumeNotFound)

	assert.Empty(t, env.gw.Calls(), "nothing detached")
	mounts, err := env.mounts.ListMountsByVM("42")
	require.NoError(t, err)
	assert.Len(t, mounts, 3)
}

func TestDetachFailureAbortsSave(t *testing.T) {
	env := newTestEnv(t)
	env.gw.Respond("pdisk-detach --unregister --pdisk-id pdisk:store.test:8080:data", remote.Result{ExitCode: 1, Output: "device busy"}, nil)

	res, err := env.workflow().Detach(context.Background(), saveRequest(t, 0))
	assert.ErrorIs(t, err, types.ErrRemoteExecution)
	assert.ErrorContains(t, err, "device busy")

	// the other disks were still detached
	assert.Equal(t, []string{"live", "scratch"}, res.Detached)
	assert.Equal(t, 2, env.store.Volume("data").MountCount)

	mounts, err := env.mounts.ListMountsByVM("42")
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "data", mounts[0].VolumeUUID)

	assert.Equal(t, 0, env.store.CallCount("Rebase"))
	assert.Empty(t, env.publisher.published)
}

func TestDetachNothingMounted(t *testing.T) {
	env := newTestEnv(t)
	req := saveRequest(t, 0)
	req.Disk.VMID = "99"
	req.Save = false

	res, err := env.workflow().Detach(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Detached)
	assert.Empty(t, env.gw.Calls())
}
