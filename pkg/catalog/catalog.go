// Package catalog fetches and publishes manifest documents.
//
// A catalog serves manifests at {endpoint}/metadata/{identifier} and accepts
// new ones with a POST of the XML document to {endpoint}/metadata/.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/retry"
	"github.com/cuemby/pdisk/pkg/types"
	rhttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// maxManifestSize bounds the documents read from a catalog
const maxManifestSize = 1 << 20

// Client is a catalog client
type Client struct {
	endpoint string
	http     *rhttp.Client
	logger   zerolog.Logger
}

// NewClient creates a client for the catalog at endpoint. An empty endpoint
// is allowed for URL-only use; Fetch and a default Publish then fail.
func NewClient(endpoint string, policy retry.Policy) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     retry.NewHTTPClient(policy),
		logger:   log.WithComponent("catalog"),
	}
}

// Endpoint returns the default catalog endpoint
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Fetch retrieves the manifest published under id
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("no catalog endpoint configured")
	}
	return c.FetchURL(ctx, c.endpoint+"/metadata/"+url.PathEscape(id))
}

// FetchURL retrieves a manifest document from rawURL
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := rhttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxManifestSize {
		return nil, fmt.Errorf("%w: document at %s exceeds %d bytes", types.ErrManifestParse, rawURL, maxManifestSize)
	}
	return data, nil
}

// Publish uploads a signed manifest to endpoint, or to the default endpoint
// when endpoint is empty. Failures wrap types.ErrPublish.
func (c *Client) Publish(ctx context.Context, endpoint string, m *types.Manifest) error {
	if endpoint == "" {
		endpoint = c.endpoint
	}
	if endpoint == "" {
		return fmt.Errorf("%w: no catalog endpoint", types.ErrPublish)
	}
	if m.Signature == "" {
		return fmt.Errorf("%w: manifest %s is not signed", types.ErrPublish, m.Identifier)
	}

	data, err := manifest.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPublish, err)
	}

	target := strings.TrimSuffix(endpoint, "/") + "/metadata/"
	req, err := rhttp.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPublish, err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPublish, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: POST %s: %s: %s", types.ErrPublish, target, resp.Status, strings.TrimSpace(string(body)))
	}

	c.logger.Info().
		Str("identifier", m.Identifier).
		Str("endpoint", endpoint).
		Msg("Manifest published")
	return nil
}

var _ manifest.Fetcher = (*Client)(nil)
