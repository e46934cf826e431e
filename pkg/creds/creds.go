// Package creds holds the credential configuration a TLS session is built
// against: endpoint role, credential variant with its key material, an
// optional priority string, and the peer verification policy. A Set is
// immutable once built and may be shared by any number of concurrent
// sessions; sessions only ever read it.
package creds

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// Role fixes which side of the handshake an endpoint plays.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

func (r Role) valid() bool {
	return r == RoleClient || r == RoleServer
}

// Material is the closed set of credential variants. Exactly three types
// implement it: Anon, PSK and X509.
type Material interface {
	// Variant names the credential type for logs and error messages.
	Variant() string

	validate(role Role) error
}

// Anon is anonymous key exchange: encryption without peer identity. Peer
// verification is a no-op for this variant.
type Anon struct{}

func (Anon) Variant() string { return "anon" }

func (Anon) validate(Role) error { return nil }

// PSK is pre-shared-key authentication. Both sides must hold the same
// identity/key pair.
type PSK struct {
	Identity string
	Key      []byte
}

func (PSK) Variant() string { return "psk" }

func (p PSK) validate(Role) error {
	if p.Identity == "" {
		return errors.New("psk credential requires an identity")
	}
	if len(p.Key) == 0 {
		return errors.New("psk credential requires a key")
	}
	return nil
}

// X509 is certificate-based authentication. Servers must carry a chain and
// key; clients may, for mutual authentication. Roots are the trust anchors
// used to verify the peer's chain.
type X509 struct {
	Chain []*x509.Certificate
	Key   crypto.Signer
	Roots *x509.CertPool
}

func (X509) Variant() string { return "x509" }

func (m X509) validate(role Role) error {
	if role == RoleServer {
		if len(m.Chain) == 0 || m.Key == nil {
			return errors.New("x509 server credential requires a certificate chain and private key")
		}
	}
	if len(m.Chain) != 0 && m.Key == nil {
		return errors.New("x509 credential has a chain but no private key")
	}
	return nil
}

// Set is one endpoint's immutable credential configuration.
type Set struct {
	role       Role
	material   Material
	priority   string
	verifyPeer bool
}

// Option adjusts a Set during construction.
type Option func(*Set)

// WithPriority overrides the default priority string.
func WithPriority(p string) Option {
	return func(s *Set) { s.priority = p }
}

// WithVerifyPeer enables peer certificate verification. Only the X509
// variant acts on it; for the others verification is always a no-op.
func WithVerifyPeer() Option {
	return func(s *Set) { s.verifyPeer = true }
}

// New validates and builds a credential set.
func New(role Role, m Material, opts ...Option) (*Set, error) {
	if !role.valid() {
		return nil, fmt.Errorf("unknown credential role %q", role)
	}
	if m == nil {
		return nil, errors.New("credential set requires material")
	}
	if err := m.validate(role); err != nil {
		return nil, fmt.Errorf("invalid %s credential: %w", m.Variant(), err)
	}

	s := &Set{role: role, material: m}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Role returns the endpoint role the set was built for.
func (s *Set) Role() Role { return s.role }

// Material returns the variant payload.
func (s *Set) Material() Material { return s.material }

// Priority returns the configured priority string, or empty when the
// system default applies.
func (s *Set) Priority() string { return s.priority }

// VerifyPeer reports whether the peer's certificate must be verified after
// the handshake.
func (s *Set) VerifyPeer() bool { return s.verifyPeer }
