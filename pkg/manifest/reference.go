package manifest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cuemby/pdisk/pkg/identifier"
)

// VolumeScheme prefixes direct volume store references
const VolumeScheme = "pdisk"

// ReferenceKind is the shape of an image reference
type ReferenceKind int

const (
	// ReferenceVolume is a persisted volume: pdisk:<host>:<port>:<uuid>
	ReferenceVolume ReferenceKind = iota + 1

	// ReferenceCatalog is a bare content identifier looked up in the catalog
	ReferenceCatalog

	// ReferenceURL is an absolute http(s) URL to a manifest document
	ReferenceURL
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferenceVolume:
		return "volume"
	case ReferenceCatalog:
		return "catalog"
	case ReferenceURL:
		return "url"
	}
	return "unknown"
}

// Reference is a parsed image reference
type Reference struct {
	Kind ReferenceKind

	// ReferenceVolume
	Host string
	Port int
	UUID string

	// ReferenceCatalog
	Identifier string

	// ReferenceURL
	URL string
}

// ParseReference classifies s as a volume reference, a catalog identifier or
// a manifest URL
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)

	if rest, ok := strings.CutPrefix(s, VolumeScheme+":"); ok {
		parts := strings.Split(rest, ":")
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return Reference{}, fmt.Errorf("invalid volume reference %q: want %s:<host>:<port>:<uuid>", s, VolumeScheme)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			return Reference{}, fmt.Errorf("invalid port in volume reference %q", s)
		}
		return Reference{Kind: ReferenceVolume, Host: parts[0], Port: port, UUID: parts[2]}, nil
	}

	if identifier.Valid(s) {
		return Reference{Kind: ReferenceCatalog, Identifier: s}, nil
	}

	if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return Reference{Kind: ReferenceURL, URL: s}, nil
	}

	return Reference{}, fmt.Errorf("unrecognized image reference %q", s)
}

// VolumeReference formats a direct volume store reference
func VolumeReference(host string, port int, uuid string) string {
	return fmt.Sprintf("%s:%s:%d:%s", VolumeScheme, host, port, uuid)
}

func (r Reference) String() string {
	switch r.Kind {
	case ReferenceVolume:
		return VolumeReference(r.Host, r.Port, r.UUID)
	case ReferenceCatalog:
		return r.Identifier
	case ReferenceURL:
		return r.URL
	}
	return ""
}

// EndpointReference formats the reference of uuid on the volume store
// reached at endpoint. The port defaults from the scheme.
func EndpointReference(endpoint, uuid string) (string, error) {
	host, port, err := endpointAddress(endpoint)
	if err != nil {
		return "", err
	}
	return VolumeReference(host, port, uuid), nil
}

// ServedBy reports whether a volume reference names the volume store
// reached at endpoint
func (r Reference) ServedBy(endpoint string) (bool, error) {
	host, port, err := endpointAddress(endpoint)
	if err != nil {
		return false, err
	}
	return r.Kind == ReferenceVolume && strings.EqualFold(r.Host, host) && r.Port == port, nil
}

func endpointAddress(endpoint string) (string, int, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "", 0, fmt.Errorf("invalid volume store endpoint %q", endpoint)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return "", 0, fmt.Errorf("invalid port in volume store endpoint %q", endpoint)
		}
	}
	return u.Hostname(), port, nil
}
