package creds

import (
	"bufio"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// LoadX509 reads PEM-encoded certificate, key and CA bundle files into an
// X509 material. keyFile may be empty for a client without a certificate;
// caFile may be empty when the system trust store should apply.
func LoadX509(certFile, keyFile, caFile string) (X509, error) {
	var m X509

	if certFile != "" {
		chain, err := readCertChain(certFile)
		if err != nil {
			return m, err
		}
		m.Chain = chain
	}

	if keyFile != "" {
		key, err := readPrivateKey(keyFile)
		if err != nil {
			return m, err
		}
		m.Key = key
	}

	if caFile != "" {
		pool, err := LoadCertPool(caFile)
		if err != nil {
			return m, err
		}
		m.Roots = pool
	}

	return m, nil
}

// LoadCertPool reads a PEM bundle into a certificate pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA bundle %s contains no certificates", path)
	}
	return pool, nil
}

// LoadPSK reads a pre-shared key for the given identity from a file of
// "identity:hexkey" lines. Blank lines and #-comments are skipped.
func LoadPSK(path, identity string) (PSK, error) {
	f, err := os.Open(path)
	if err != nil {
		return PSK{}, fmt.Errorf("read PSK file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, hexKey, ok := strings.Cut(line, ":")
		if !ok {
			return PSK{}, fmt.Errorf("PSK file %s: malformed line %q", path, line)
		}
		if id != identity {
			continue
		}
		key, err := hex.DecodeString(strings.TrimSpace(hexKey))
		if err != nil {
			return PSK{}, fmt.Errorf("PSK file %s: bad key for identity %q: %w", path, identity, err)
		}
		return PSK{Identity: identity, Key: key}, nil
	}
	if err := scanner.Err(); err != nil {
		return PSK{}, fmt.Errorf("read PSK file %s: %w", path, err)
	}
	return PSK{}, fmt.Errorf("PSK file %s: identity %q not found", path, identity)
}

func readCertChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}

	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %s: %w", path, err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("certificate %s contains no certificates", path)
	}
	return chain, nil
}

func readPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key %s is not PEM encoded", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("private key %s has unsupported type %T", path, key)
		}
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("private key %s could not be parsed", path)
}
