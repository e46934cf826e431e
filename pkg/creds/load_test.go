package creds

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEMCert(t *testing.T, dir, name string, certs ...*x509.Certificate) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, c := range certs {
		require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}))
	}
	return path
}

func writePEMKey(t *testing.T, dir, name string, key any) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadX509(t *testing.T) {
	dir := t.TempDir()
	key, cert := testKeyAndCert(t, "load.example.com")
	certFile := writePEMCert(t, dir, "cert.pem", cert)
	keyFile := writePEMKey(t, dir, "key.pem", key)
	caFile := writePEMCert(t, dir, "ca.pem", cert)

	m, err := LoadX509(certFile, keyFile, caFile)
	require.NoError(t, err)
	require.Len(t, m.Chain, 1)
	assert.Equal(t, cert.Raw, m.Chain[0].Raw)
	assert.NotNil(t, m.Key)
	assert.NotNil(t, m.Roots)
}

func TestLoadX509EmptyPaths(t *testing.T) {
	m, err := LoadX509("", "", "")
	require.NoError(t, err)
	assert.Empty(t, m.Chain)
	assert.Nil(t, m.Key)
	assert.Nil(t, m.Roots)
}

func TestLoadX509MissingFile(t *testing.T) {
	_, err := LoadX509(filepath.Join(t.TempDir(), "nope.pem"), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read certificate")
}

func TestLoadX509ChainOrder(t *testing.T) {
	dir := t.TempDir()
	_, leaf := testKeyAndCert(t, "leaf.example.com")
	_, issuer := testKeyAndCert(t, "issuer.example.com")
	certFile := writePEMCert(t, dir, "chain.pem", leaf, issuer)

	m, err := LoadX509(certFile, "", "")
	require.NoError(t, err)
	require.Len(t, m.Chain, 2)
	assert.Equal(t, "leaf.example.com", m.Chain[0].Subject.CommonName)
	assert.Equal(t, "issuer.example.com", m.Chain[1].Subject.CommonName)
}

func TestLoadCertPoolRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
	_, err := LoadCertPool(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contains no certificates")
}

func TestLoadPSK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psk.txt")
	content := "# identities\n\nalice:deadbeef\nbob: cafef00d\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadPSK(path, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Identity)
	assert.Equal(t, []byte{0xca, 0xfe, 0xf0, 0x0d}, p.Key)

	_, err = LoadPSK(path, "mallory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `identity "mallory" not found`)
}

func TestLoadPSKMalformed(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "noline.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice deadbeef\n"), 0o600))
	_, err := LoadPSK(path, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed line")

	path = filepath.Join(dir, "badhex.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice:zzzz\n"), 0o600))
	_, err = LoadPSK(path, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}
