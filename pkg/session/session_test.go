package session

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlslink/tlslink/pkg/creds"
)

// stubEngine lets individual tests script engine behavior.
type stubEngine struct {
	io EngineIO

	handshakeFn func() (Status, error)
	byeFn       func() (Status, error)
	readFn      func([]byte) (int, error)
	writeFn     func([]byte) (int, error)

	params    Params
	paramsErr error
	chain     []*x509.Certificate
	status    ChainStatus
}

func (e *stubEngine) Handshake() (Status, error) {
	if e.handshakeFn != nil {
		return e.handshakeFn()
	}
	return StatusComplete, nil
}

func (e *stubEngine) Bye() (Status, error) {
	if e.byeFn != nil {
		return e.byeFn()
	}
	return StatusComplete, nil
}

func (e *stubEngine) Read(p []byte) (int, error) {
	if e.readFn != nil {
		return e.readFn(p)
	}
	return 0, ErrWouldBlock
}

func (e *stubEngine) Write(p []byte) (int, error) {
	if e.writeFn != nil {
		return e.writeFn(p)
	}
	return len(p), nil
}

func (e *stubEngine) Pending() int { return 0 }

func (e *stubEngine) Negotiated() (Params, error) {
	if e.paramsErr != nil {
		return Params{}, e.paramsErr
	}
	return e.params, nil
}

func (e *stubEngine) PeerCertificates() []*x509.Certificate { return e.chain }

func (e *stubEngine) VerifyPeerChain(time.Time) (ChainStatus, error) {
	return e.status, nil
}

func (e *stubEngine) Close() error { return nil }

// stubFactory installs the given stub and hands it the bridge.
func stubFactory(stub *stubEngine) EngineFactory {
	return func(eio EngineIO, _ EngineConfig) (Engine, error) {
		stub.io = eio
		return stub, nil
	}
}

func connectedParams() Params {
	return Params{Version: VersionTLS13, Suite: SuiteAES128GCMSHA256, KeyBits: 128}
}

func TestNewRejectsRoleMismatch(t *testing.T) {
	set := anonSet(t, creds.RoleServer)

	factoryCalled := false
	_, err := New(set, "", "", creds.RoleClient,
		WithEngineFactory(func(EngineIO, EngineConfig) (Engine, error) {
			factoryCalled = true
			return &stubEngine{}, nil
		}))

	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	// The mismatch must be caught before any engine is allocated.
	assert.False(t, factoryCalled)
}

func TestNewRejectsNilCredentials(t *testing.T) {
	_, err := New(nil, "", "", creds.RoleClient)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestNewRejectsBadPriority(t *testing.T) {
	set, err := creds.New(creds.RoleClient, creds.Anon{}, creds.WithPriority("BOGUS"))
	require.NoError(t, err)

	factoryCalled := false
	_, err = New(set, "", "", creds.RoleClient,
		WithEngineFactory(func(EngineIO, EngineConfig) (Engine, error) {
			factoryCalled = true
			return &stubEngine{}, nil
		}))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.False(t, factoryCalled)
}

func TestCredentialDispatch(t *testing.T) {
	capture := func(captured *EngineConfig) EngineFactory {
		return func(_ EngineIO, cfg EngineConfig) (Engine, error) {
			*captured = cfg
			return &stubEngine{}, nil
		}
	}

	t.Run("x509 server requests client certificates", func(t *testing.T) {
		key, cert := makeLeaf(t, "srv.example.com", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		set, err := creds.New(creds.RoleServer, creds.X509{
			Chain: []*x509.Certificate{cert},
			Key:   key,
		})
		require.NoError(t, err)

		var cfg EngineConfig
		_, err = New(set, "", "", creds.RoleServer, WithEngineFactory(capture(&cfg)))
		require.NoError(t, err)
		assert.True(t, cfg.RequestClientCert)
		assert.Equal(t, []uint16{
			SuiteAES128GCMSHA256,
			SuiteAES256GCMSHA384,
			SuiteChaCha20Poly1305SHA256,
		}, cfg.Suites)
	})

	t.Run("priority override narrows suites", func(t *testing.T) {
		set, err := creds.New(creds.RoleClient, creds.Anon{}, creds.WithPriority("SECURE256"))
		require.NoError(t, err)

		var cfg EngineConfig
		_, err = New(set, "", "", creds.RoleClient, WithEngineFactory(capture(&cfg)))
		require.NoError(t, err)
		assert.Equal(t, []uint16{SuiteAES256GCMSHA384}, cfg.Suites)
		assert.False(t, cfg.RequestClientCert)
	})

	t.Run("anon variant enables anonymous key exchange", func(t *testing.T) {
		var cfg EngineConfig
		_, err := New(anonSet(t, creds.RoleClient), "", "", creds.RoleClient,
			WithEngineFactory(capture(&cfg)))
		require.NoError(t, err)
		assert.True(t, cfg.AnonKX)
		assert.False(t, cfg.PSKDHE)
		assert.False(t, cfg.PSKKE)
	})

	t.Run("psk variant enables both psk modes", func(t *testing.T) {
		set, err := creds.New(creds.RoleClient, creds.PSK{
			Identity: "id",
			Key:      []byte("0123456789abcdef"),
		})
		require.NoError(t, err)

		var cfg EngineConfig
		_, err = New(set, "", "", creds.RoleClient, WithEngineFactory(capture(&cfg)))
		require.NoError(t, err)
		assert.True(t, cfg.PSKDHE)
		assert.True(t, cfg.PSKKE)
		assert.False(t, cfg.AnonKX)
	})

	t.Run("hostname reaches the engine", func(t *testing.T) {
		set := anonSet(t, creds.RoleClient)
		var cfg EngineConfig
		_, err := New(set, "peer.example.com", "", creds.RoleClient, WithEngineFactory(capture(&cfg)))
		require.NoError(t, err)
		assert.Equal(t, "peer.example.com", cfg.Hostname)
	})
}

func TestHandshakeTransportErrorPrecedence(t *testing.T) {
	transportFail := errors.New("connection reset by peer")
	tr := &scriptTransport{writes: []scriptResult{{0, transportFail}}}

	stub := &stubEngine{}
	stub.handshakeFn = func() (Status, error) {
		// The engine tries to push a flight, the transport fails, and the
		// engine reports a generic failure.
		_, _ = stub.io.Write([]byte("flight"))
		return StatusWantSend, errors.New("handshake failed")
	}

	s, err := New(anonSet(t, creds.RoleClient), "", "", creds.RoleClient,
		WithEngineFactory(stubFactory(stub)))
	require.NoError(t, err)
	s.SetTransport(tr)

	_, err = s.HandshakeStep()
	require.Error(t, err)
	// The captured transport error wins over the engine's generic one.
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, transportFail)

	// Slots were cleared: a second failure with no transport involvement
	// is a plain protocol error.
	stub.handshakeFn = func() (Status, error) {
		return StatusWantRecv, errors.New("handshake failed")
	}
	_, err = s.HandshakeStep()
	require.Error(t, err)
	assert.False(t, IsTransportError(err))
}

func TestWriteTransportErrorPrecedence(t *testing.T) {
	transportFail := errors.New("broken pipe")
	tr := &scriptTransport{writes: []scriptResult{{0, transportFail}}}

	stub := &stubEngine{}
	stub.handshakeFn = func() (Status, error) { return StatusComplete, nil }
	stub.params = connectedParams()
	stub.writeFn = func(p []byte) (int, error) {
		_, _ = stub.io.Write(p)
		return 0, errors.New("record push failed")
	}

	s, err := New(anonSet(t, creds.RoleClient), "", "", creds.RoleClient,
		WithEngineFactory(stubFactory(stub)))
	require.NoError(t, err)
	s.SetTransport(tr)
	_, err = s.HandshakeStep()
	require.NoError(t, err)

	_, err = s.Write([]byte("data"))
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, transportFail)
}

func TestReadTransportErrorPrecedence(t *testing.T) {
	transportFail := errors.New("connection reset")
	tr := &scriptTransport{reads: []scriptResult{{0, transportFail}}}

	stub := &stubEngine{params: connectedParams()}
	stub.readFn = func(p []byte) (int, error) {
		_, _ = stub.io.Read(p)
		return 0, errors.New("record pull failed")
	}

	s, err := New(anonSet(t, creds.RoleClient), "", "", creds.RoleClient,
		WithEngineFactory(stubFactory(stub)))
	require.NoError(t, err)
	s.SetTransport(tr)
	_, err = s.HandshakeStep()
	require.NoError(t, err)

	_, err = s.Read(make([]byte, 8), false)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, transportFail)
}

func TestGuardPredicateInvocation(t *testing.T) {
	t.Run("consulted when thread safety required", func(t *testing.T) {
		stub := &stubEngine{params: connectedParams()}
		var seen *Params
		s, err := New(anonSet(t, creds.RoleClient), "", "", creds.RoleClient,
			WithEngineFactory(stubFactory(stub)),
			WithGuardPredicate(func(p Params) bool {
				seen = &p
				return false
			}))
		require.NoError(t, err)
		s.SetTransport(&scriptTransport{})
		s.RequireThreadSafety()

		_, err = s.HandshakeStep()
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, connectedParams(), *seen)
	})

	t.Run("skipped otherwise", func(t *testing.T) {
		stub := &stubEngine{params: connectedParams()}
		called := false
		s, err := New(anonSet(t, creds.RoleClient), "", "", creds.RoleClient,
			WithEngineFactory(stubFactory(stub)),
			WithGuardPredicate(func(Params) bool {
				called = true
				return true
			}))
		require.NoError(t, err)
		s.SetTransport(&scriptTransport{})

		_, err = s.HandshakeStep()
		require.NoError(t, err)
		assert.False(t, called)
	})
}

func TestDefaultGuardPredicate(t *testing.T) {
	assert.True(t, DefaultGuardPredicate(Params{Version: VersionTLS13, Suite: SuiteAES128GCMSHA256}))
	assert.True(t, DefaultGuardPredicate(Params{Version: VersionTLS13, Suite: SuiteAES256GCMSHA384}))
	assert.False(t, DefaultGuardPredicate(Params{Version: VersionTLS13, Suite: SuiteChaCha20Poly1305SHA256}))
	assert.False(t, DefaultGuardPredicate(Params{Version: 0x0303, Suite: SuiteAES128GCMSHA256}))
}

func TestPeerNameEmptyByDefault(t *testing.T) {
	s, err := New(anonSet(t, creds.RoleClient), "", "", creds.RoleClient,
		WithEngineFactory(stubFactory(&stubEngine{})))
	require.NoError(t, err)
	assert.Empty(t, s.PeerName())
}
