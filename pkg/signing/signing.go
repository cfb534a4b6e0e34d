// Package signing signs manifests before they are published to a catalog.
//
// The signature covers the XML encoding of the manifest with an empty
// signature element, so a consumer verifies by clearing the signature,
// re-encoding and checking the bytes.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/cuemby/pdisk/pkg/manifest"
	"github.com/cuemby/pdisk/pkg/types"
	"golang.org/x/crypto/ssh"
)

// Signer fills in Manifest.Signature
type Signer interface {
	Sign(ctx context.Context, m *types.Manifest) error
}

// Ed25519Signer signs with an Ed25519 private key
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps key
func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

// LoadEd25519Signer reads a PEM encoded key, either PKCS#8 or OpenSSH
func LoadEd25519Signer(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read key: %v", types.ErrSigning, err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse key %s: %v", types.ErrSigning, path, err)
	}

	switch key := raw.(type) {
	case ed25519.PrivateKey:
		return NewEd25519Signer(key), nil
	case *ed25519.PrivateKey:
		return NewEd25519Signer(*key), nil
	default:
		return nil, fmt.Errorf("%w: key %s is %T, not ed25519", types.ErrSigning, path, raw)
	}
}

// PublicKey returns the key consumers verify against
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(ctx context.Context, m *types.Manifest) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrSigning, err)
	}
	payload, err := signedBytes(m)
	if err != nil {
		return err
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload))
	return nil
}

// Verify checks the signature of m against pub
func Verify(pub ed25519.PublicKey, m *types.Manifest) error {
	if m.Signature == "" {
		return fmt.Errorf("%w: manifest %s is not signed", types.ErrSigning, m.Identifier)
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %v", types.ErrSigning, err)
	}
	payload, err := signedBytes(m)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("%w: signature of %s does not match", types.ErrSigning, m.Identifier)
	}
	return nil
}

func signedBytes(m *types.Manifest) ([]byte, error) {
	unsigned := *m
	unsigned.Signature = ""
	data, err := manifest.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSigning, err)
	}
	return data, nil
}
