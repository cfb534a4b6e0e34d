package volumestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/metrics"
	"github.com/cuemby/pdisk/pkg/retry"
	"github.com/cuemby/pdisk/pkg/types"
	rhttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Client talks to the volume store REST API. Transport failures and 5xx
// responses are retried by the underlying retryablehttp client. POST and
// PATCH requests change state on every delivery, so they are repeated only
// when the connection to the store could not be made.
type Client struct {
	endpoint string
	username string
	password string
	http     *rhttp.Client
	logger   zerolog.Logger
}

// NewClient creates a client for the store at cfg.Endpoint
func NewClient(cfg config.StoreConfig, policy retry.Policy) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid volume store endpoint %q", cfg.Endpoint)
	}

	client := retry.NewHTTPClient(policy)
	// Derivation answers 303; the new uuid is in the body
	client.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     client,
		logger:   log.WithComponent("volumestore"),
	}, nil
}

type createBody struct {
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

func newCreateBody(opts CreateOptions) createBody {
	return createBody{
		Size:       opts.SizeGiB,
		Tag:        opts.Tag,
		Identifier: opts.Identifier,
		Visibility: string(opts.Visibility),
		Owner:      opts.Owner,
		Type:       string(opts.Type),
	}
}

type uuidResponse struct {
	UUID string `json:"uuid"`
}

func (c *Client) Create(ctx context.Context, opts CreateOptions) (string, error) {
	var resp uuidResponse
	if err := c.do(ctx, "create", http.MethodPost, "/disks/", newCreateBody(opts), &resp); err != nil {
		return "", err
	}
	return resp.UUID, nil
}

func (c *Client) CreateFromURL(ctx context.Context, opts CreateOptions, imageURL string, sizeBytes int64, sha1 string) (string, error) {
	body := newCreateBody(opts)
	body.URL = imageURL
	body.Bytes = sizeBytes
	body.SHA1 = sha1

	var resp uuidResponse
	if err := c.do(ctx, "create from url", http.MethodPost, "/disks/", body, &resp); err != nil {
		return "", err
	}
	return resp.UUID, nil
}

func (c *Client) CreateCowChild(ctx context.Context, originUUID string) (string, error) {
	return c.derive(ctx, "create cow child", originUUID, "cow")
}

func (c *Client) Rebase(ctx context.Context, uuid string) (string, error) {
	return c.derive(ctx, "rebase", uuid, "rebase")
}

func (c *Client) derive(ctx context.Context, op, uuid, action string) (string, error) {
	var resp uuidResponse
	if err := c.do(ctx, op, http.MethodPost, diskPath(uuid), map[string]string{"action": action}, &resp); err != nil {
		return "", err
	}
	if resp.UUID == "" {
		return "", &types.StoreError{Op: op, Message: "response carries no uuid", Kind: types.ErrVolumeServiceUnavailable}
	}
	return resp.UUID, nil
}

func (c *Client) Get(ctx context.Context, uuid string) (*types.Volume, error) {
	var vol types.Volume
	if err := c.do(ctx, "get", http.MethodGet, diskPath(uuid), nil, &vol); err != nil {
		return nil, err
	}
	return &vol, nil
}

func (c *Client) Update(ctx context.Context, uuid string, fields map[string]string) error {
	return c.do(ctx, "update", http.MethodPut, diskPath(uuid), fields, nil)
}

func (c *Client) Delete(ctx context.Context, uuid string) error {
	return c.do(ctx, "delete", http.MethodDelete, diskPath(uuid)+"/", nil, nil)
}

func (c *Client) MountCount(ctx context.Context, uuid string) (int, error) {
	vol, err := c.Get(ctx, uuid)
	if err != nil {
		return 0, err
	}
	return vol.MountCount, nil
}

func (c *Client) AdjustMountCount(ctx context.Context, uuid string, delta int) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, "adjust mount count", http.MethodPatch, diskPath(uuid)+"/count", map[string]int{"delta": delta}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Search(ctx context.Context, field, value string) ([]string, error) {
	query := url.Values{}
	query.Set(field, value)

	var uuids []string
	if err := c.do(ctx, "search", http.MethodGet, "/disks/?"+query.Encode(), nil, &uuids); err != nil {
		return nil, err
	}
	return uuids, nil
}

func (c *Client) TransferURL(ctx context.Context, uuid string) (string, error) {
	var resp struct {
		TURL string `json:"turl"`
	}
	if err := c.do(ctx, "transfer url", http.MethodGet, diskPath(uuid)+"/turl/", nil, &resp); err != nil {
		return "", err
	}
	return resp.TURL, nil
}

func diskPath(uuid string) string {
	return "/disks/" + url.PathEscape(uuid)
}

// do sends one request. in is JSON-encoded when not nil; out is decoded from
// a successful response when not nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body interface{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body = data
	}

	if method == http.MethodPost || method == http.MethodPatch {
		ctx = retry.WithoutReplay(ctx)
	}

	req, err := rhttp.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.StoreRequestsTotal.WithLabelValues(method, "error").Inc()
		c.logger.Warn().Err(err).Str("op", op).Msg("Volume store unreachable")
		return &types.StoreError{Op: op, Message: err.Error(), Kind: types.ErrVolumeServiceUnavailable}
	}
	defer resp.Body.Close()

	metrics.StoreRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Volume store request")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.StoreError{Op: op, Status: resp.StatusCode, Message: err.Error(), Kind: types.ErrVolumeServiceUnavailable}
	}

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusSeeOther {
		return &types.StoreError{
			Op:      op,
			Status:  resp.StatusCode,
			Message: errorMessage(data),
			Kind:    kindForStatus(resp.StatusCode),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &types.StoreError{Op: op, Status: resp.StatusCode, Message: "invalid response: " + err.Error(), Kind: types.ErrVolumeServiceUnavailable}
	}
	return nil
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return types.ErrVolumeNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return types.ErrAuthorization
	case status >= 500:
		return types.ErrVolumeServiceUnavailable
	default:
		// 400, 409, 411 and anything else the request itself caused
		return types.ErrVolumeConflict
	}
}

var _ Store = (*Client)(nil)
