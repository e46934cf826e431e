package session

import (
	"crypto/x509"
	"time"

	"github.com/tlslink/tlslink/pkg/creds"
)

// Status is the progress report of the handshake and bye state machines.
type Status int

const (
	// StatusComplete means the negotiation finished.
	StatusComplete Status = iota
	// StatusWantRecv means the engine is waiting for peer bytes; retry
	// after read readiness.
	StatusWantRecv
	// StatusWantSend means the engine has bytes queued that the transport
	// could not accept; retry after write readiness.
	StatusWantSend
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusWantRecv:
		return "want-recv"
	case StatusWantSend:
		return "want-send"
	}
	return "unknown"
}

// Params describes the negotiated protocol parameters of a completed
// handshake.
type Params struct {
	// Version is the wire protocol version, e.g. 0x0304 for TLS 1.3.
	Version uint16
	// Suite is the IANA cipher suite identifier.
	Suite uint16
	// KeyBits is the negotiated cipher key size in bits.
	KeyBits int
}

// VersionTLS13 is the wire value for TLS 1.3.
const VersionTLS13 uint16 = 0x0304

// TLS 1.3 cipher suite identifiers the priority parser knows about.
const (
	SuiteAES128GCMSHA256        uint16 = 0x1301
	SuiteAES256GCMSHA384        uint16 = 0x1302
	SuiteChaCha20Poly1305SHA256 uint16 = 0x1303
)

// ChainStatus is a bitmask describing why a peer chain failed trust
// verification. Zero means the chain is trusted.
type ChainStatus uint32

const (
	ChainInvalid ChainStatus = 1 << iota
	ChainSignerNotFound
	ChainRevoked
	ChainInsecureAlgorithm
)

// Engine is the underlying TLS implementation a session drives. All calls
// are non-blocking: an engine never waits for the transport, it reports
// ErrWouldBlock (or a WantSend/WantRecv status) and expects to be invoked
// again. The session owns the engine exclusively and closes it on release.
type Engine interface {
	// Handshake advances the negotiation by at most one step.
	Handshake() (Status, error)

	// Bye advances the orderly shutdown exchange by at most one step.
	Bye() (Status, error)

	// Read returns decrypted application bytes. io.EOF reports an orderly
	// peer shutdown; ErrPrematureClose reports transport closure without
	// one.
	Read(p []byte) (int, error)

	// Write encrypts and pushes application bytes.
	Write(p []byte) (int, error)

	// Pending reports decrypted bytes buffered inside the engine.
	Pending() int

	// Negotiated reports the agreed parameters; it fails before the
	// handshake completes.
	Negotiated() (Params, error)

	// PeerCertificates returns the chain the peer presented, leaf first.
	PeerCertificates() []*x509.Certificate

	// VerifyPeerChain checks the presented chain against the engine's
	// configured trust anchors. Expiry is deliberately not part of the
	// answer; the peer verifier checks validity windows itself, per
	// certificate.
	VerifyPeerChain(now time.Time) (ChainStatus, error)

	Close() error
}

// EngineIO is the session-side byte channel handed to an engine factory.
// Reads pull from the caller's transport callback, writes push to it, and
// ErrWouldBlock passes through unchanged.
type EngineIO interface {
	Transport

	// LastBlocked reports which direction most recently returned
	// ErrWouldBlock.
	LastBlocked() Direction

	// SawEOF reports whether the transport hit end-of-stream.
	SawEOF() bool
}

// EngineConfig is the output of the credential dispatcher: everything an
// engine needs to be constructed for one session.
type EngineConfig struct {
	Role     creds.Role
	Hostname string

	// Suites is the cipher suite preference list resolved from the
	// priority string.
	Suites []uint16

	// AnonKX permits the unauthenticated key exchange the anonymous
	// credential variant rides on. Resolved from the priority string.
	AnonKX bool

	// PSKDHE and PSKKE select the pre-shared-key exchange modes the
	// priority string enabled: psk_dhe_ke and psk_ke respectively.
	PSKDHE bool
	PSKKE  bool

	// Material is the credential payload for this session's variant.
	Material creds.Material

	// RequestClientCert asks a server engine to request, but not enforce,
	// a client certificate. Enforcement is the peer verifier's job.
	RequestClientCert bool

	// Time overrides the clock, for tests. Nil means time.Now.
	Time func() time.Time
}

// EngineFactory builds an engine over the session's transport bridge.
type EngineFactory func(io EngineIO, cfg EngineConfig) (Engine, error)

// GuardPredicate decides, from the negotiated parameters, whether engine
// access must be serialized for the rest of the session. The default
// matches the known defect shape of record-layer rekeying: TLS 1.3 with an
// AEAD that triggers automatic key updates.
type GuardPredicate func(Params) bool

// DefaultGuardPredicate reports true for TLS 1.3 sessions not using
// ChaCha20-Poly1305. ChaCha20's rekey threshold is never reached in
// practice, so those sessions stay lock-free.
func DefaultGuardPredicate(p Params) bool {
	return p.Version == VersionTLS13 && p.Suite != SuiteChaCha20Poly1305SHA256
}
