// Package session implements a transport-agnostic TLS session layer. A
// Session drives a TLS engine over caller-supplied read/write callbacks,
// exposing non-blocking handshake, record I/O, orderly termination and
// post-handshake peer verification. It never owns a socket and never blocks
// internally: every operation either completes or returns ErrWouldBlock
// (or WantSend/WantRecv) so the caller can wait for readiness in its own
// event loop.
package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tlslink/tlslink/pkg/authz"
	"github.com/tlslink/tlslink/pkg/creds"
)

// Session is one endpoint of a TLS connection. Reads and writes may run
// concurrently from two goroutines (full duplex); all other operations are
// single-caller. The credential set is shared and read-only; everything
// else is owned by the session.
type Session struct {
	id     string
	logger *slog.Logger

	creds    *creds.Set
	hostname string
	authzid  string
	policy   authz.Policy

	engine Engine
	br     *bridge

	handshakeComplete bool
	peerName          string

	requireThreadSafety bool
	lockEnabled         atomic.Bool
	guard               sync.Mutex
	guardPred           GuardPredicate

	metrics *Metrics
	timeFn  func() time.Time
}

// Option adjusts session construction.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	factory   EngineFactory
	guardPred GuardPredicate
	policy    authz.Policy
	metrics   *Metrics
	timeFn    func() time.Time
}

// WithLogger installs a structured logger. Nil selects slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEngineFactory overrides the TLS engine implementation.
func WithEngineFactory(f EngineFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithGuardPredicate overrides the decision of whether negotiated
// parameters require serialized engine access.
func WithGuardPredicate(p GuardPredicate) Option {
	return func(o *options) { o.guardPred = p }
}

// WithAuthzPolicy installs the external authorization policy queried with
// the session's authorization identity during peer verification.
func WithAuthzPolicy(p authz.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithMetrics records session outcomes on the given collector.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the clock used for certificate validity checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.timeFn = now }
}

// New builds a session for the given role against a shared credential set.
// hostname is the expected peer identity for client-side verification;
// authzid is the identity handed to the authorization policy. A role that
// does not match the credential set fails before any engine is allocated.
func New(set *creds.Set, hostname, authzid string, role creds.Role, opts ...Option) (*Session, error) {
	o := options{
		factory:   NewMintEngine,
		guardPred: DefaultGuardPredicate,
		timeFn:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if set == nil {
		return nil, newError(ErrorTypeConfig, "session requires a credential set")
	}
	if set.Role() != role {
		return nil, newError(ErrorTypeConfig, "credentials endpoint doesn't match session role %q", role)
	}

	engCfg, err := dispatchCredentials(set, role, hostname, o.timeFn)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.NewString(),
		creds:     set,
		hostname:  hostname,
		authzid:   authzid,
		policy:    o.policy,
		guardPred: o.guardPred,
		metrics:   o.metrics,
		timeFn:    o.timeFn,
	}
	s.logger = o.logger.With("session", s.id, "role", string(role))
	s.br = newBridge(&s.guard, &s.lockEnabled)

	engine, err := o.factory(s.br, engCfg)
	if err != nil {
		return nil, wrapError(ErrorTypeConfig, err, "cannot initialize TLS engine")
	}
	s.engine = engine

	s.logger.Debug("session created",
		"variant", set.Material().Variant(),
		"hostname", hostname,
		"authzid", authzid)
	return s, nil
}

// dispatchCredentials resolves the credential variant into an engine
// configuration: priority string composed as <base>:<variant suffix>, plus
// the matching key material.
func dispatchCredentials(set *creds.Set, role creds.Role, hostname string, timeFn func() time.Time) (EngineConfig, error) {
	base := set.Priority()
	if base == "" {
		base = DefaultPriority
	}

	var prio string
	switch set.Material().(type) {
	case creds.Anon:
		prio = base + ":" + priorityAnonSuffix
	case creds.PSK:
		prio = base + ":" + priorityPSKSuffix
	case creds.X509:
		prio = base
	default:
		return EngineConfig{}, newError(ErrorTypeUnsupportedCredential,
			"unsupported TLS credentials type %q", set.Material().Variant())
	}

	profile, err := parsePriority(prio)
	if err != nil {
		return EngineConfig{}, wrapError(ErrorTypeConfig, err,
			"unable to set TLS session priority %q", prio)
	}

	_, isX509 := set.Material().(creds.X509)
	return EngineConfig{
		Role:              role,
		Hostname:          hostname,
		Suites:            profile.suites,
		AnonKX:            profile.anonKX,
		PSKDHE:            profile.pskDHE,
		PSKKE:             profile.pskKE,
		Material:          set.Material(),
		RequestClientCert: isX509 && role == creds.RoleServer,
		Time:              timeFn,
	}, nil
}

// SetTransport installs the byte channel the session runs over. Must be
// called once, before the first handshake step.
func (s *Session) SetTransport(t Transport) {
	s.br.install(t)
}

// RequireThreadSafety declares that reads and writes will be issued from
// different goroutines. Must be called before the handshake completes; the
// session decides at handshake time whether the negotiated parameters make
// serialization necessary.
func (s *Session) RequireThreadSafety() {
	s.requireThreadSafety = true
}

// ID returns the session's log correlation identifier.
func (s *Session) ID() string { return s.id }

// HandshakeComplete reports whether the handshake has finished. Once true
// it stays true for the life of the session.
func (s *Session) HandshakeComplete() bool { return s.handshakeComplete }

// PeerName returns the distinguished name extracted from the peer's leaf
// certificate, or empty before verification (and for non-X.509 variants).
func (s *Session) PeerName() string { return s.peerName }

// HandshakeStep advances the handshake by one non-blocking step. The
// caller must re-invoke it on every readiness event for the reported
// direction until it returns StatusComplete or an error.
func (s *Session) HandshakeStep() (Status, error) {
	if s.handshakeComplete {
		return StatusComplete, nil
	}

	unlock := s.enterEngine()
	st, err := s.engine.Handshake()
	unlock()

	if err != nil {
		err = s.stepFailure("TLS handshake failed", err)
		s.metrics.handshakeFailed()
		return st, err
	}
	if st != StatusComplete {
		return st, nil
	}

	s.handshakeComplete = true
	s.metrics.handshakeDone()

	params, perr := s.engine.Negotiated()
	if perr != nil {
		s.logger.Debug("negotiated parameters unavailable", "error", perr)
		return StatusComplete, nil
	}
	s.logger.Debug("handshake complete",
		"version", params.Version, "suite", params.Suite, "key_bits", params.KeyBits)

	if s.requireThreadSafety && s.guardPred(params) {
		s.lockEnabled.Store(true)
		s.metrics.guardEngaged()
		s.logger.Warn("serializing engine access for negotiated parameters",
			"version", params.Version, "suite", params.Suite)
	}
	return StatusComplete, nil
}

// ByeStep advances the orderly shutdown exchange by one non-blocking step.
// A session that never completed its handshake terminates trivially.
func (s *Session) ByeStep() (Status, error) {
	if !s.handshakeComplete {
		return StatusComplete, nil
	}

	unlock := s.enterEngine()
	st, err := s.engine.Bye()
	unlock()

	if err != nil {
		return st, s.stepFailure("TLS termination failed", err)
	}
	return st, nil
}

// stepFailure builds the terminal error for a failed handshake or bye
// step: a captured transport error carries more actionable detail than the
// engine's generic failure and takes precedence. Both error slots are
// cleared either way.
func (s *Session) stepFailure(what string, engineErr error) error {
	detail := s.br.pendingError()
	s.br.clearErrors()
	if detail != nil && detail != io.EOF {
		return wrapError(ErrorTypeTransport, detail, "%s: %v", what, engineErr)
	}
	return wrapError(ErrorTypeProtocol, engineErr, "%s", what)
}

// Write encrypts and pushes application bytes. It returns the count the
// engine accepted, ErrWouldBlock when the transport cannot make progress,
// or a terminal error.
func (s *Session) Write(p []byte) (int, error) {
	unlock := s.enterEngine()
	n, err := s.engine.Write(p)
	unlock()

	switch {
	case err == nil:
		s.metrics.wroteBytes(n)
		return n, nil
	case errors.Is(err, ErrWouldBlock):
		return 0, ErrWouldBlock
	}

	if detail := s.br.takeWriteError(); detail != nil {
		return 0, wrapError(ErrorTypeTransport, detail, "cannot write to TLS channel")
	}
	return 0, wrapError(ErrorTypeProtocol, err, "cannot write to TLS channel")
}

// Read returns decrypted application bytes. An orderly peer shutdown
// returns (0, io.EOF). A transport that ends without orderly shutdown
// returns (0, io.EOF) only when gracefulEOF is set; otherwise it is an
// error.
func (s *Session) Read(p []byte, gracefulEOF bool) (int, error) {
	unlock := s.enterEngine()
	n, err := s.engine.Read(p)
	unlock()

	switch {
	case err == nil:
		s.metrics.readBytes(n)
		return n, nil
	case errors.Is(err, ErrWouldBlock):
		return 0, ErrWouldBlock
	case errors.Is(err, io.EOF) && !errors.Is(err, ErrPrematureClose):
		return 0, io.EOF
	case errors.Is(err, ErrPrematureClose):
		s.br.takeReadError()
		if gracefulEOF {
			return 0, io.EOF
		}
		return 0, newError(ErrorTypeTransport, "connection closed before TLS termination")
	}

	if detail := s.br.takeReadError(); detail != nil && detail != io.EOF {
		return 0, wrapError(ErrorTypeTransport, detail, "cannot read from TLS channel")
	}
	return 0, wrapError(ErrorTypeProtocol, err, "cannot read from TLS channel")
}

// Pending reports decrypted bytes buffered in the engine, zero before the
// handshake completes. The engine may pre-read to answer, so the call
// serializes on the guard like any other engine access.
func (s *Session) Pending() int {
	unlock := s.enterEngine()
	defer unlock()
	return s.engine.Pending()
}

// KeyBits reports the negotiated cipher key size in bits. It fails when no
// cipher has been negotiated yet.
func (s *Session) KeyBits() (int, error) {
	params, err := s.engine.Negotiated()
	if err != nil {
		return 0, wrapError(ErrorTypeProtocol, err, "cannot get TLS cipher key size")
	}
	return params.KeyBits, nil
}

// Close releases the engine. The credential set is shared and survives.
func (s *Session) Close() error {
	return s.engine.Close()
}

// enterEngine serializes engine access while the concurrency guard is
// engaged. The bridge drops the guard again around transport callbacks.
func (s *Session) enterEngine() func() {
	if !s.lockEnabled.Load() {
		return func() {}
	}
	s.guard.Lock()
	return s.guard.Unlock
}
