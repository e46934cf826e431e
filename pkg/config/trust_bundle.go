package config

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TrustBundle resolves the CA material of a credential configuration into
// a certificate pool. The bundle may come from a file or be inlined in the
// configuration, and can be pinned to a SHA-256 checksum. Loading is lazy
// and cached per instance.
type TrustBundle struct {
	path   string
	inline string
	sha256 string

	mu     sync.Mutex
	cached []byte
	pool   *x509.CertPool
}

// TrustBundle returns the CA bundle described by the credential section,
// or nil when no trust anchors are configured.
func (c CredentialsConfig) TrustBundle() *TrustBundle {
	if c.CAFile == "" && c.CAInline == "" {
		return nil
	}
	return &TrustBundle{path: c.CAFile, inline: c.CAInline, sha256: c.CASHA256}
}

// PEM returns the bundle's PEM bytes, reading the backing file on first
// use and enforcing the checksum pin if one is set.
func (b *TrustBundle) PEM() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pemLocked()
}

func (b *TrustBundle) pemLocked() ([]byte, error) {
	if b.cached != nil {
		return append([]byte(nil), b.cached...), nil
	}

	var data []byte
	switch {
	case strings.TrimSpace(b.inline) != "":
		data = []byte(b.inline)
	case b.path != "":
		var err error
		data, err = os.ReadFile(filepath.Clean(b.path))
		if err != nil {
			return nil, fmt.Errorf("trust bundle: read: %w", err)
		}
	default:
		return nil, fmt.Errorf("trust bundle: no ca_file or ca_inline configured")
	}

	if err := b.verifyPin(data); err != nil {
		return nil, err
	}
	b.cached = data
	return append([]byte(nil), data...), nil
}

func (b *TrustBundle) verifyPin(data []byte) error {
	if b.sha256 == "" {
		return nil
	}
	want := strings.TrimSpace(strings.ToLower(b.sha256))
	want = strings.TrimPrefix(want, "sha256:")
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != want {
		return fmt.Errorf("trust bundle: checksum mismatch")
	}
	return nil
}

// CertPool parses the bundle into a certificate pool.
func (b *TrustBundle) CertPool() (*x509.CertPool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		return b.pool, nil
	}

	data, err := b.pemLocked()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("trust bundle: no certificates found")
	}
	b.pool = pool
	return pool, nil
}
