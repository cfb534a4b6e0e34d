package manifest

import (
	_ "crypto/sha256" // registers digest algorithms for go-digest
	_ "crypto/sha512"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cuemby/pdisk/pkg/identifier"
	"github.com/cuemby/pdisk/pkg/types"
	"github.com/opencontainers/go-digest"
)

// DefaultVersion is given to manifests that never carried a version
const DefaultVersion = "1.0.0"

// ValidUntil returns the end of the validity window of a manifest created at t
func ValidUntil(t time.Time) time.Time {
	return t.AddDate(0, 6, 0)
}

type document struct {
	XMLName    xml.Name   `xml:"manifest"`
	Identifier string     `xml:"identifier,omitempty"`
	Checksums  []checksum `xml:"checksum"`
	Bytes      string     `xml:"bytes"`
	Format     string     `xml:"format"`
	Locations  []string   `xml:"location"`
	Version    string     `xml:"version,omitempty"`
	Created    string     `xml:"created,omitempty"`
	Valid      string     `xml:"valid,omitempty"`
	Creator    string     `xml:"creator,omitempty"`
	OS         string     `xml:"os,omitempty"`
	Comment    string     `xml:"comment,omitempty"`
	Signature  string     `xml:"signature"`
}

type checksum struct {
	Algorithm string `xml:"algorithm,attr"`
	Value     string `xml:",chardata"`
}

// canonicalAlgorithm maps sha1, SHA1 and SHA-1 to SHA-1
func canonicalAlgorithm(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if strings.HasPrefix(upper, "SHA") && !strings.HasPrefix(upper, "SHA-") {
		upper = "SHA-" + upper[3:]
	}
	return upper
}

func parseError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrManifestParse, fmt.Sprintf(format, args...))
}

// Parse decodes and validates a manifest document. A missing identifier is
// derived from the SHA-1 digest.
func Parse(data []byte) (*types.Manifest, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, parseError("%v", err)
	}

	m := &types.Manifest{
		Identifier: strings.TrimSpace(doc.Identifier),
		Checksums:  make(map[string]string, len(doc.Checksums)),
		Format:     types.ImageFormat(strings.TrimSpace(doc.Format)),
		Version:    strings.TrimSpace(doc.Version),
		Creator:    strings.TrimSpace(doc.Creator),
		OS:         strings.TrimSpace(doc.OS),
		Comment:    strings.TrimSpace(doc.Comment),
		Signature:  strings.TrimSpace(doc.Signature),
	}

	for _, c := range doc.Checksums {
		m.Checksums[canonicalAlgorithm(c.Algorithm)] = strings.ToLower(strings.TrimSpace(c.Value))
	}
	for _, loc := range doc.Locations {
		if loc = strings.TrimSpace(loc); loc != "" {
			m.Locations = append(m.Locations, loc)
		}
	}

	if b := strings.TrimSpace(doc.Bytes); b != "" {
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return nil, parseError("invalid bytes %q", b)
		}
		m.Bytes = n
	}

	var err error
	if m.Created, err = parseTime("created", doc.Created); err != nil {
		return nil, err
	}
	if m.ValidUntil, err = parseTime("valid", doc.Valid); err != nil {
		return nil, err
	}

	if m.Identifier == "" && m.Digest() != "" {
		if id, err := identifier.Encode(m.Digest()); err == nil {
			m.Identifier = id
		}
	}

	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseTime(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, parseError("invalid %s %q", field, s)
	}
	return t, nil
}

// Validate checks the fields needed for content identity
func Validate(m *types.Manifest) error {
	sha1 := m.Digest()
	if sha1 == "" {
		return parseError("missing %s checksum", types.ChecksumSHA1)
	}
	id, err := identifier.Encode(sha1)
	if err != nil {
		return parseError("invalid %s checksum %q", types.ChecksumSHA1, sha1)
	}
	if m.Identifier != id {
		return parseError("identifier %q does not match checksum (want %q)", m.Identifier, id)
	}

	for name, alg := range map[string]digest.Algorithm{
		types.ChecksumSHA256: digest.SHA256,
		types.ChecksumSHA512: digest.SHA512,
	} {
		value, ok := m.Checksums[name]
		if !ok {
			continue
		}
		if err := digest.NewDigestFromEncoded(alg, value).Validate(); err != nil {
			return parseError("invalid %s checksum: %v", name, err)
		}
	}

	if m.Bytes <= 0 {
		return parseError("missing or non-positive bytes")
	}
	if len(m.Locations) == 0 {
		return parseError("no location")
	}
	switch m.Format {
	case types.ImageFormatRaw, types.ImageFormatQCOW2:
	default:
		return parseError("unsupported format %q", m.Format)
	}
	return nil
}

// Marshal encodes m as a manifest document
func Marshal(m *types.Manifest) ([]byte, error) {
	doc := document{
		Identifier: m.Identifier,
		Bytes:      strconv.FormatInt(m.Bytes, 10),
		Format:     string(m.Format),
		Locations:  m.Locations,
		Version:    m.Version,
		Creator:    m.Creator,
		OS:         m.OS,
		Comment:    m.Comment,
		Signature:  m.Signature,
	}
	if !m.Created.IsZero() {
		doc.Created = m.Created.UTC().Format(time.RFC3339)
	}
	if !m.ValidUntil.IsZero() {
		doc.Valid = m.ValidUntil.UTC().Format(time.RFC3339)
	}

	// SHA-1 first, then the rest in a fixed order
	for _, name := range []string{types.ChecksumSHA1, types.ChecksumSHA256, types.ChecksumSHA512} {
		if v, ok := m.Checksums[name]; ok {
			doc.Checksums = append(doc.Checksums, checksum{Algorithm: name, Value: v})
		}
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

// NextVersion increments the patch component of v. Versions are parsed
// loosely, so "2" and "v2.1" are accepted.
func NextVersion(v string) (string, error) {
	if strings.TrimSpace(v) == "" {
		return DefaultVersion, nil
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return "", parseError("invalid version %q: %v", v, err)
	}
	return parsed.IncPatch().String(), nil
}
