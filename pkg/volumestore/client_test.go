package volumestore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/pdisk/pkg/api"
	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/retry"
	"github.com/cuemby/pdisk/pkg/storage"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSHA1 = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"

var fastPolicy = retry.Policy{
	MaxAttempts: 3,
	MinWait:     time.Millisecond,
	MaxWait:     5 * time.Millisecond,
	Timeout:     5 * time.Second,
}

// newStoreServer runs the reference volume store on a temporary directory
func newStoreServer(t *testing.T, opts api.Options) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(filepath.Join(dir, "store.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver, err := volume.NewFileDriver(filepath.Join(dir, "volumes"))
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(store, driver, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := NewClient(config.StoreConfig{Endpoint: endpoint}, fastPolicy)
	require.NoError(t, err)
	return c
}

func imageServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientInvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "store:8445", "ftp://store"} {
		_, err := NewClient(config.StoreConfig{Endpoint: endpoint}, fastPolicy)
		assert.Error(t, err, endpoint)
	}
}

func TestClientLifecycle(t *testing.T) {
	srv := newStoreServer(t, api.Options{})
	img := imageServer(t, "hello")
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	origin, err := c.CreateFromURL(ctx, CreateOptions{SizeGiB: 1, Tag: "img", Visibility: types.VisibilityPublic}, img.URL, 5, helloSHA1)
	require.NoError(t, err)

	uuids, err := c.Search(ctx, FieldTag, "img")
	require.NoError(t, err)
	assert.Equal(t, []string{origin}, uuids)

	child, err := c.CreateCowChild(ctx, origin)
	require.NoError(t, err)
	assert.NotEqual(t, origin, child)

	vol, err := c.Get(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeKindCOW, vol.Kind)
	assert.Equal(t, origin, vol.Origin)

	n, err := c.AdjustMountCount(ctx, child, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.MountCount(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = c.Delete(ctx, child)
	assert.ErrorIs(t, err, types.ErrVolumeConflict, "mounted volumes cannot be deleted")

	_, err = c.AdjustMountCount(ctx, child, -1)
	require.NoError(t, err)

	_, err = c.AdjustMountCount(ctx, child, -1)
	assert.ErrorIs(t, err, types.ErrVolumeConflict)

	rebased, err := c.Rebase(ctx, child)
	require.NoError(t, err)

	require.NoError(t, c.Update(ctx, rebased, map[string]string{"tag": "saved", "owner": "alice"}))
	vol, err = c.Get(ctx, rebased)
	require.NoError(t, err)
	assert.Equal(t, "saved", vol.Tag)
	assert.Equal(t, "alice", vol.Owner)
	assert.Equal(t, helloSHA1, vol.SHA1)

	turl, err := c.TransferURL(ctx, rebased)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/disks/"+rebased+"/content", turl)

	require.NoError(t, c.Delete(ctx, child))
	_, err = c.Get(ctx, child)
	assert.ErrorIs(t, err, types.ErrVolumeNotFound)

	var serr *types.StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusNotFound, serr.Status)
	assert.NotEmpty(t, serr.Message)
}

func TestCreateFromURLSizeMismatch(t *testing.T) {
	srv := newStoreServer(t, api.Options{})
	img := imageServer(t, "hello")
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.CreateFromURL(ctx, CreateOptions{SizeGiB: 1, Tag: "img"}, img.URL, 4, helloSHA1)
	assert.ErrorIs(t, err, types.ErrVolumeConflict)

	uuids, err := c.Search(ctx, FieldTag, "img")
	require.NoError(t, err)
	assert.Empty(t, uuids)
}

func TestConcurrentMountCount(t *testing.T) {
	srv := newStoreServer(t, api.Options{})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.Create(ctx, CreateOptions{SizeGiB: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.AdjustMountCount(ctx, id, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := c.MountCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestBasicAuthCredentials(t *testing.T) {
	srv := newStoreServer(t, api.Options{Username: "pdisk", Password: "secret"})
	ctx := context.Background()

	anonymous := newTestClient(t, srv.URL)
	_, err := anonymous.Search(ctx, FieldTag, "")
	assert.ErrorIs(t, err, types.ErrAuthorization)

	c, err := NewClient(config.StoreConfig{Endpoint: srv.URL, Username: "pdisk", Password: "secret"}, fastPolicy)
	require.NoError(t, err)
	_, err = c.Search(ctx, FieldTag, "")
	assert.NoError(t, err)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, types.ErrVolumeNotFound},
		{"bad request", http.StatusBadRequest, types.ErrVolumeConflict},
		{"conflict", http.StatusConflict, types.ErrVolumeConflict},
		{"length required", http.StatusLengthRequired, types.ErrVolumeConflict},
		{"server error", http.StatusInternalServerError, types.ErrVolumeServiceUnavailable},
		{"unavailable", http.StatusServiceUnavailable, types.ErrVolumeServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message": "boom"}`))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Get(context.Background(), "v1")
			assert.ErrorIs(t, err, tt.want)

			var serr *types.StoreError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, "boom", serr.Message)
			assert.Equal(t, tt.status, serr.Status)
		})
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"uuid": "v1", "count": 2}`))
	}))
	defer srv.Close()

	n, err := newTestClient(t, srv.URL).MountCount(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnreachableStore(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.Get(context.Background(), "v1")
	assert.ErrorIs(t, err, types.ErrVolumeServiceUnavailable)
	assert.True(t, types.IsRetryable(err))
}

func TestDeriveFollowsNoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Location", "/disks/child")
		w.WriteHeader(http.StatusSeeOther)
		_, _ = w.Write([]byte(`{"uuid": "child"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv.URL).CreateCowChild(context.Background(), "origin")
	require.NoError(t, err)
	assert.Equal(t, "child", id)
}

// a store that applies a change and then fails to answer must see it once
func TestStateChangesAreNotRepeated(t *testing.T) {
	tests := []struct {
		name string
		call func(c *Client) error
	}{
		{"adjust mount count", func(c *Client) error {
			_, err := c.AdjustMountCount(context.Background(), "v1", 1)
			return err
		}},
		{"create", func(c *Client) error {
			_, err := c.Create(context.Background(), CreateOptions{SizeGiB: 1})
			return err
		}},
		{"create cow child", func(c *Client) error {
			_, err := c.CreateCowChild(context.Background(), "v1")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer srv.Close()

			err := tt.call(newTestClient(t, srv.URL))
			assert.ErrorIs(t, err, types.ErrVolumeServiceUnavailable)
			assert.Equal(t, int32(1), requests.Load())
		})
	}
}
