package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlslink/tlslink/pkg/authz"
	"github.com/tlslink/tlslink/pkg/creds"
)

func makeLeaf(t *testing.T, name string, notBefore, notAfter time.Time) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

// verifySession builds a client session whose engine presents the given
// peer chain with the given trust status.
func verifySession(t *testing.T, hostname, authzid string, chain []*x509.Certificate,
	status ChainStatus, role creds.Role, opts ...Option) *Session {
	t.Helper()

	material := creds.X509{}
	if role == creds.RoleServer {
		key, cert := makeLeaf(t, "self.example.com",
			time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		material.Chain = []*x509.Certificate{cert}
		material.Key = key
	}
	set, err := creds.New(role, material, creds.WithVerifyPeer())
	require.NoError(t, err)

	now := time.Now()
	opts = append([]Option{
		WithEngineFactory(func(eio EngineIO, _ EngineConfig) (Engine, error) {
			return &stubEngine{chain: chain, status: status, params: connectedParams()}, nil
		}),
		WithClock(func() time.Time { return now }),
	}, opts...)

	s, err := New(set, hostname, authzid, role, opts...)
	require.NoError(t, err)
	return s
}

func validChain(t *testing.T, name string) []*x509.Certificate {
	t.Helper()
	_, cert := makeLeaf(t, name, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	return []*x509.Certificate{cert}
}

func TestCheckPeerCredentialsX509(t *testing.T) {
	ctx := context.Background()

	t.Run("trusted chain with matching hostname", func(t *testing.T) {
		chain := validChain(t, "peer.example.com")
		s := verifySession(t, "peer.example.com", "", chain, 0, creds.RoleClient)

		require.NoError(t, s.CheckPeerCredentials(ctx))
		assert.Equal(t, chain[0].Subject.String(), s.PeerName())
	})

	t.Run("hostname mismatch", func(t *testing.T) {
		chain := validChain(t, "peer.example.com")
		s := verifySession(t, "other.example.com", "", chain, 0, creds.RoleClient)

		err := s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
		assert.Contains(t, err.Error(), "does not match the hostname")
		assert.Empty(t, s.PeerName())
	})

	t.Run("client requires a hostname", func(t *testing.T) {
		chain := validChain(t, "peer.example.com")
		s := verifySession(t, "", "", chain, 0, creds.RoleClient)

		err := s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
		assert.Contains(t, err.Error(), "no hostname")
	})

	t.Run("server accepts a client without hostname check", func(t *testing.T) {
		chain := validChain(t, "client.example.com")
		s := verifySession(t, "", "", chain, 0, creds.RoleServer)

		require.NoError(t, s.CheckPeerCredentials(ctx))
		assert.Equal(t, chain[0].Subject.String(), s.PeerName())
	})

	t.Run("empty chain", func(t *testing.T) {
		s := verifySession(t, "peer.example.com", "", nil, 0, creds.RoleClient)

		err := s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
		assert.Contains(t, err.Error(), "no certificate peers")
	})

	t.Run("untrusted chain", func(t *testing.T) {
		chain := validChain(t, "peer.example.com")
		s := verifySession(t, "peer.example.com", "", chain,
			ChainInvalid|ChainSignerNotFound, creds.RoleClient)

		err := s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
		assert.Contains(t, err.Error(), "known issuer")
	})

	t.Run("expired certificate", func(t *testing.T) {
		_, cert := makeLeaf(t, "peer.example.com",
			time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
		s := verifySession(t, "peer.example.com", "",
			[]*x509.Certificate{cert}, 0, creds.RoleClient)

		err := s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("not yet valid certificate", func(t *testing.T) {
		_, cert := makeLeaf(t, "peer.example.com",
			time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
		s := verifySession(t, "peer.example.com", "",
			[]*x509.Certificate{cert}, 0, creds.RoleClient)

		err := s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
		assert.Contains(t, err.Error(), "not yet activated")
	})

	t.Run("verification disabled", func(t *testing.T) {
		set, err := creds.New(creds.RoleClient, creds.X509{})
		require.NoError(t, err)
		s, err := New(set, "", "", creds.RoleClient,
			WithEngineFactory(stubFactory(&stubEngine{})))
		require.NoError(t, err)

		require.NoError(t, s.CheckPeerCredentials(ctx))
		assert.Empty(t, s.PeerName())
	})
}

func TestCheckPeerCredentialsAuthz(t *testing.T) {
	ctx := context.Background()
	chain := validChain(t, "peer.example.com")
	peerDN := chain[0].Subject.String()

	t.Run("allowed", func(t *testing.T) {
		policy, err := authz.NewRuleList([]authz.Rule{{Match: peerDN, Allow: true}}, false)
		require.NoError(t, err)
		s := verifySession(t, "peer.example.com", "acl-1", chain, 0, creds.RoleClient,
			WithAuthzPolicy(policy))

		require.NoError(t, s.CheckPeerCredentials(ctx))
		assert.Equal(t, peerDN, s.PeerName())
	})

	t.Run("denied", func(t *testing.T) {
		policy, err := authz.NewRuleList(nil, false)
		require.NoError(t, err)
		s := verifySession(t, "peer.example.com", "acl-1", chain, 0, creds.RoleClient,
			WithAuthzPolicy(policy))

		err = s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
		assert.Contains(t, err.Error(), "denied")
		assert.Empty(t, s.PeerName())
	})

	t.Run("policy missing", func(t *testing.T) {
		s := verifySession(t, "peer.example.com", "acl-1", chain, 0, creds.RoleClient)

		err := s.CheckPeerCredentials(ctx)
		require.Error(t, err)
		assert.True(t, IsVerificationError(err))
	})

	t.Run("no authz identity skips the policy", func(t *testing.T) {
		s := verifySession(t, "peer.example.com", "", chain, 0, creds.RoleClient)
		require.NoError(t, s.CheckPeerCredentials(ctx))
	})
}

func TestCheckPeerCredentialsNonX509(t *testing.T) {
	ctx := context.Background()

	for _, role := range []creds.Role{creds.RoleClient, creds.RoleServer} {
		s, err := New(anonSet(t, role), "", "", role,
			WithEngineFactory(stubFactory(&stubEngine{})))
		require.NoError(t, err)
		assert.NoError(t, s.CheckPeerCredentials(ctx))
	}

	set, err := creds.New(creds.RoleClient, creds.PSK{Identity: "id", Key: []byte("k")})
	require.NoError(t, err)
	s, err := New(set, "", "", creds.RoleClient,
		WithEngineFactory(stubFactory(&stubEngine{})))
	require.NoError(t, err)
	assert.NoError(t, s.CheckPeerCredentials(ctx))
}

func TestChainStatusReason(t *testing.T) {
	tests := []struct {
		status ChainStatus
		want   string
	}{
		{ChainInvalid, "not trusted"},
		{ChainInvalid | ChainSignerNotFound, "known issuer"},
		{ChainInvalid | ChainRevoked, "revoked"},
		{ChainInvalid | ChainInsecureAlgorithm, "insecure algorithm"},
		// The most specific condition wins.
		{ChainInvalid | ChainSignerNotFound | ChainInsecureAlgorithm, "insecure algorithm"},
	}
	for _, tt := range tests {
		assert.Contains(t, tt.status.Reason(), tt.want)
	}
}
