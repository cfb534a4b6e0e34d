package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/storage"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/cuemby/pdisk/pkg/volume"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures the volume store server
type Options struct {
	// Username and Password enable HTTP basic authentication on /disks/
	Username string
	Password string

	// TransferBase is the scheme and host used in transfer URLs. When empty
	// the request Host is used.
	TransferBase string

	// Client downloads images for create-from-url
	Client *http.Client
}

// Server implements the volume store REST surface on a metadata store and a
// volume driver
type Server struct {
	store  storage.VolumeStore
	driver volume.Driver
	opts   Options
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// CreateRequest is the body of POST /disks/
type CreateRequest struct {
	Size       int    `json:"size"`
	Tag        string `json:"tag,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Type       string `json:"type,omitempty"`
	URL        string `json:"url,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	SHA1       string `json:"sha1,omitempty"`
}

// ActionRequest is the body of POST /disks/{uuid}
type ActionRequest struct {
	Action string `json:"action"`
}

// CountRequest is the body of PATCH /disks/{uuid}/count
type CountRequest struct {
	Delta int `json:"delta"`
}

// Actions accepted by POST /disks/{uuid}
const (
	ActionCOW    = "cow"
	ActionRebase = "rebase"
)

// NewServer creates a new volume store server
func NewServer(store storage.VolumeStore, driver volume.Driver, opts Options) *Server {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Minute}
	}

	s := &Server{
		store:  store,
		driver: driver,
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("api"),
	}

	disks := http.NewServeMux()
	disks.HandleFunc("POST /disks/{$}", s.createHandler)
	disks.HandleFunc("GET /disks/{$}", s.searchHandler)
	disks.HandleFunc("POST /disks/{uuid}", s.actionHandler)
	disks.HandleFunc("GET /disks/{uuid}", s.getHandler)
	disks.HandleFunc("PUT /disks/{uuid}", s.updateHandler)
	disks.HandleFunc("DELETE /disks/{uuid}", s.deleteHandler)
	disks.HandleFunc("DELETE /disks/{uuid}/{$}", s.deleteHandler)
	disks.HandleFunc("PATCH /disks/{uuid}/count", s.countHandler)
	disks.HandleFunc("GET /disks/{uuid}/turl/{$}", s.transferURLHandler)
	disks.HandleFunc("GET /disks/{uuid}/content", s.contentHandler)

	s.mux.Handle("/disks/", instrument(basicAuth(opts.Username, opts.Password, disks)))
	s.registerHealth()

	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on addr until Stop is called
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Volume store listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) createHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Size < 1 {
		writeError(w, http.StatusBadRequest, "size must be at least 1 GiB")
		return
	}

	vol := &types.Volume{
		UUID:       uuid.New().String(),
		Kind:       types.VolumeKindOrigin,
		Type:       types.DiskType(req.Type),
		Tag:        req.Tag,
		Identifier: req.Identifier,
		Owner:      req.Owner,
		Visibility: types.Visibility(req.Visibility),
		SizeGiB:    req.Size,
		CreatedAt:  time.Now().UTC(),
	}
	if vol.Visibility == "" {
		vol.Visibility = types.VisibilityPrivate
	}
	logger := s.logger.With().Str("volume_uuid", vol.UUID).Logger()

	if req.URL == "" {
		if err := s.driver.Create(vol.UUID, vol.SizeGiB); err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
	} else {
		digests, status, err := s.download(r.Context(), vol, req)
		if err != nil {
			if derr := s.driver.Delete(vol.UUID); derr != nil {
				logger.Warn().Err(derr).Msg("Failed to remove partial download")
			}
			logger.Warn().Err(err).Str("url", req.URL).Msg("Create from URL rejected")
			writeError(w, status, "%v", err)
			return
		}
		vol.SHA1 = digests.SHA1
		vol.SHA256 = digests.SHA256
	}

	if err := s.store.CreateVolume(vol); err != nil {
		_ = s.driver.Delete(vol.UUID)
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	logger.Info().Str("tag", vol.Tag).Int("size", vol.SizeGiB).Msg("Volume created")
	writeJSON(w, http.StatusCreated, map[string]string{"uuid": vol.UUID})
}

// download fills a new volume from req.URL and verifies the declared size
// and digest. The returned status is used when err is not nil.
func (s *Server) download(ctx context.Context, vol *types.Volume, req CreateRequest) (volume.Digests, int, error) {
	if req.SHA1 == "" || req.Bytes <= 0 {
		return volume.Digests{}, http.StatusBadRequest, fmt.Errorf("bytes and sha1 are required with url")
	}
	if types.BytesToGiB(req.Bytes) > req.Size {
		return volume.Digests{}, http.StatusConflict, fmt.Errorf("image of %d bytes does not fit in %d GiB", req.Bytes, req.Size)
	}

	body, err := s.openSource(ctx, req.URL)
	if err != nil {
		return volume.Digests{}, http.StatusBadGateway, err
	}
	defer body.Close()

	digests, err := s.driver.Write(vol.UUID, body)
	if err != nil {
		return volume.Digests{}, http.StatusBadGateway, err
	}

	if digests.Bytes != req.Bytes {
		return digests, http.StatusConflict, fmt.Errorf("size mismatch: declared %d bytes, downloaded %d", req.Bytes, digests.Bytes)
	}
	if !strings.EqualFold(digests.SHA1, req.SHA1) {
		return digests, http.StatusConflict, fmt.Errorf("checksum mismatch: declared sha1 %s, downloaded %s", req.SHA1, digests.SHA1)
	}
	return digests, 0, nil
}

// openSource opens an http(s) URL or a pdisk: reference to a local volume
func (s *Server) openSource(ctx context.Context, source string) (io.ReadCloser, error) {
	ref, err := manifest.ParseReference(source)
	if err != nil {
		return nil, err
	}

	switch ref.Kind {
	case manifest.ReferenceVolume:
		if _, err := s.store.GetVolume(ref.UUID); err != nil {
			return nil, err
		}
		return s.driver.Open(ref.UUID)
	case manifest.ReferenceURL:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.opts.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", ref.URL, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to download %s: %s", ref.URL, resp.Status)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported source %q", source)
	}
}

func (s *Server) actionHandler(w http.ResponseWriter, r *http.Request) {
	parentUUID := r.PathValue("uuid")

	var req ActionRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
	} else {
		req.Action = r.FormValue("action")
	}

	parent, err := s.store.GetVolume(parentUUID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	child := &types.Volume{
		UUID:       uuid.New().String(),
		Owner:      parent.Owner,
		Visibility: types.VisibilityPrivate,
		SizeGiB:    parent.SizeGiB,
		CreatedAt:  time.Now().UTC(),
	}

	switch req.Action {
	case ActionCOW:
		child.Kind = types.VolumeKindCOW
		child.Type = types.DiskTypeMachineLive
		child.Origin = parent.UUID
		child.SHA1 = parent.SHA1
		child.SHA256 = parent.SHA256
	case ActionRebase:
		child.Kind = types.VolumeKindOrigin
		child.Type = types.DiskTypeMachineOrigin
	default:
		writeError(w, http.StatusBadRequest, "unknown action %q", req.Action)
		return
	}

	if err := s.driver.Clone(parent.UUID, child.UUID); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	if req.Action == ActionRebase {
		digests, err := s.driver.Checksum(child.UUID)
		if err != nil {
			_ = s.driver.Delete(child.UUID)
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		child.SHA1 = digests.SHA1
		child.SHA256 = digests.SHA256
	}

	if err := s.store.CreateVolume(child); err != nil {
		_ = s.driver.Delete(child.UUID)
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	s.logger.Info().
		Str("action", req.Action).
		Str("parent", parent.UUID).
		Str("volume_uuid", child.UUID).
		Msg("Volume derived")

	w.Header().Set("Location", "/disks/"+child.UUID)
	writeJSON(w, http.StatusSeeOther, map[string]string{"uuid": child.UUID})
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	vol, err := s.store.GetVolume(r.PathValue("uuid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

func (s *Server) updateHandler(w http.ResponseWriter, r *http.Request) {
	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	vol, err := s.store.UpdateVolume(r.PathValue("uuid"), func(v *types.Volume) error {
		return applyFields(v, fields)
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

var errBadField = errors.New("field cannot be updated")

// applyFields merges metadata updates into v
func applyFields(v *types.Volume, fields map[string]string) error {
	for field, value := range fields {
		switch field {
		case "tag":
			v.Tag = value
		case "identifier":
			v.Identifier = value
		case "owner":
			v.Owner = value
		case "visibility":
			v.Visibility = types.Visibility(value)
		case "type":
			v.Type = types.DiskType(value)
		case "quarantine":
			if value == "" {
				v.QuarantinedAt = nil
				continue
			}
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return fmt.Errorf("%w: quarantine: %v", errBadField, err)
			}
			t = t.UTC()
			v.QuarantinedAt = &t
		default:
			return fmt.Errorf("%w: %s", errBadField, field)
		}
	}
	return nil
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	if err := s.store.DeleteVolume(id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.driver.Delete(id); err != nil {
		s.logger.Warn().Err(err).Str("volume_uuid", id).Msg("Failed to remove volume content")
	}

	s.logger.Info().Str("volume_uuid", id).Msg("Volume deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if len(query) == 0 {
		volumes, err := s.store.ListVolumes()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		uuids := make([]string, 0, len(volumes))
		for _, v := range volumes {
			uuids = append(uuids, v.UUID)
		}
		writeJSON(w, http.StatusOK, uuids)
		return
	}
	if len(query) > 1 {
		writeError(w, http.StatusBadRequest, "search accepts a single field")
		return
	}

	for field := range query {
		uuids, err := s.store.SearchVolumes(field, query.Get(field))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, uuids)
	}
}

func (s *Server) countHandler(w http.ResponseWriter, r *http.Request) {
	var req CountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, "delta must not be zero")
		return
	}

	count, err := s.store.AdjustMountCount(r.PathValue("uuid"), req.Delta)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) transferURLHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	if _, err := s.store.GetVolume(id); err != nil {
		writeStoreError(w, err)
		return
	}

	base := s.opts.TransferBase
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	writeJSON(w, http.StatusOK, map[string]string{"turl": strings.TrimSuffix(base, "/") + "/disks/" + id + "/content"})
}

func (s *Server) contentHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	if _, err := s.store.GetVolume(id); err != nil {
		writeStoreError(w, err)
		return
	}

	content, err := s.driver.Open(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content); err != nil {
		s.logger.Warn().Err(err).Str("volume_uuid", id).Msg("Content transfer interrupted")
	}
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, ErrorResponse{Message: fmt.Sprintf(format, args...)})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, storage.ErrNegativeCount), errors.Is(err, storage.ErrInUse):
		writeError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, storage.ErrUnknownField), errors.Is(err, errBadField):
		writeError(w, http.StatusBadRequest, "%v", err)
	default:
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}
