package session

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bifurcation/mint"

	"github.com/tlslink/tlslink/pkg/creds"
)

// mintEngine drives a mint TLS 1.3 connection over the session's transport
// bridge. mint wants a net.Conn it can read and write on its own schedule,
// including from an internal writer goroutine after the handshake, so the
// engine gives it a purely in-memory conn and moves bytes between that
// conn and the transport synchronously, inside each engine call. All
// transport callbacks therefore happen on the caller's goroutine, which is
// what the concurrency guard's lock juggling depends on.
type mintEngine struct {
	io   EngineIO
	shim *memConn
	conn *mint.Conn

	roots *x509.CertPool

	hsDone  bool
	byeSent bool
	byeDone bool

	// Decrypted bytes pulled out of mint ahead of a caller read.
	rdbuf []byte
}

// NewMintEngine is the default EngineFactory.
func NewMintEngine(eio EngineIO, cfg EngineConfig) (Engine, error) {
	mcfg := &mint.Config{
		NonBlocking:  true,
		ServerName:   cfg.Hostname,
		CipherSuites: mintSuites(cfg.Suites),
		Time:         cfg.Time,
	}

	var roots *x509.CertPool

	switch m := cfg.Material.(type) {
	case creds.X509:
		// Chain validation happens after the handshake, against the
		// credential's trust anchors, so the in-handshake check is
		// disabled on both ends.
		mcfg.InsecureSkipVerify = true
		mcfg.RequireClientAuth = cfg.RequestClientCert
		if len(m.Chain) > 0 {
			mcfg.Certificates = []*mint.Certificate{{
				Chain:      m.Chain,
				PrivateKey: m.Key,
			}}
		}
		roots = m.Roots

	case creds.Anon:
		if !cfg.AnonKX {
			return nil, errors.New("anonymous credentials need an anonymous key exchange enabled in the priority")
		}
		// No long-lived identity: an ephemeral self-signed certificate
		// carries the key exchange and is never validated.
		mcfg.InsecureSkipVerify = true
		if mcfg.ServerName == "" {
			// mint aborts a client hello without a server name, even
			// though the peer's certificate is never checked against it.
			mcfg.ServerName = "anonymous.invalid"
		}
		if cfg.Role == creds.RoleServer {
			key, cert, err := mint.MakeNewSelfSignedCert("anonymous.invalid", mint.ECDSA_P256_SHA256)
			if err != nil {
				return nil, fmt.Errorf("generate ephemeral certificate: %w", err)
			}
			mcfg.Certificates = []*mint.Certificate{{
				Chain:      []*x509.Certificate{cert},
				PrivateKey: key,
			}}
		}

	case creds.PSK:
		var modes []mint.PSKKeyExchangeMode
		if cfg.PSKDHE {
			modes = append(modes, mint.PSKModeDHEKE)
		}
		if cfg.PSKKE {
			modes = append(modes, mint.PSKModeKE)
		}
		if len(modes) == 0 {
			return nil, errors.New("pre-shared-key credentials need a PSK key exchange enabled in the priority")
		}
		mcfg.InsecureSkipVerify = true
		mcfg.PSKModes = modes
		psk := mint.PreSharedKey{
			CipherSuite: firstSuite(mcfg.CipherSuites),
			Identity:    []byte(m.Identity),
			Key:         m.Key,
		}
		// Servers look the key up by the identity on the wire, clients by
		// the server name they dialed.
		cache := mint.PSKMapCache{}
		cache[m.Identity] = psk
		cache[hex.EncodeToString(psk.Identity)] = psk
		if cfg.Hostname != "" {
			cache[cfg.Hostname] = psk
		}
		mcfg.PSKs = &cache

	default:
		return nil, fmt.Errorf("unsupported credential variant %q", cfg.Material.Variant())
	}

	shim := newMemConn()
	var conn *mint.Conn
	if cfg.Role == creds.RoleClient {
		conn = mint.Client(shim, mcfg)
	} else {
		conn = mint.Server(shim, mcfg)
	}

	return &mintEngine{io: eio, shim: shim, conn: conn, roots: roots}, nil
}

func mintSuites(suites []uint16) []mint.CipherSuite {
	out := make([]mint.CipherSuite, len(suites))
	for i, s := range suites {
		out[i] = mint.CipherSuite(s)
	}
	return out
}

func firstSuite(suites []mint.CipherSuite) mint.CipherSuite {
	if len(suites) > 0 {
		return suites[0]
	}
	return mint.TLS_AES_128_GCM_SHA256
}

func (e *mintEngine) connected() bool {
	st := e.conn.GetHsState()
	return st == mint.StateClientConnected || st == mint.StateServerConnected
}

// fill moves available transport bytes into the in-memory conn. It stops
// quietly on would-block and records transport EOF on the shim; any other
// transport error is returned for the session to classify.
func (e *mintEngine) fill() error {
	buf := make([]byte, 16*1024)
	for {
		n, err := e.io.Read(buf)
		if n > 0 {
			e.shim.feed(buf[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			return nil
		case errors.Is(err, io.EOF):
			e.shim.closeRead()
			return nil
		default:
			return err
		}
	}
}

// flush pushes staged wire bytes to the transport. It returns ErrWouldBlock
// with the remainder left staged when the transport cannot take more.
func (e *mintEngine) flush() error {
	for {
		b := e.shim.staged()
		if len(b) == 0 {
			return nil
		}
		n, err := e.io.Write(b)
		e.shim.consumeStaged(n)
		if err != nil {
			return err
		}
	}
}

// awaitStaged gives mint's writer goroutine a moment to deposit a record
// it has already accepted. Encryption is quick; the bound exists only so a
// wedged connection cannot stall the caller.
func (e *mintEngine) awaitStaged() {
	for i := 0; i < 50 && e.shim.stagedLen() == 0; i++ {
		time.Sleep(200 * time.Microsecond)
	}
}

func (e *mintEngine) Handshake() (Status, error) {
	if e.hsDone {
		return StatusComplete, nil
	}
	if err := e.fill(); err != nil {
		return StatusWantRecv, err
	}

	for {
		alert := e.conn.Handshake()
		switch alert {
		case mint.AlertNoAlert:
			if !e.connected() {
				continue
			}
			if err := e.flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
				return StatusWantSend, err
			}
			if e.shim.stagedLen() > 0 {
				return StatusWantSend, nil
			}
			e.hsDone = true
			return StatusComplete, nil

		case mint.AlertWouldBlock:
			if err := e.flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
				return StatusWantSend, err
			}
			if e.shim.stagedLen() > 0 {
				return StatusWantSend, nil
			}
			if e.shim.readClosed() {
				return StatusWantRecv, ErrPrematureClose
			}
			return StatusWantRecv, nil

		case mint.AlertCloseNotify:
			return StatusWantRecv, errors.New("peer aborted the handshake")

		default:
			return StatusWantRecv, fmt.Errorf("handshake alert: %v", alert)
		}
	}
}

func (e *mintEngine) Write(p []byte) (int, error) {
	n, err := e.conn.Write(p)
	switch {
	case err == nil:
	case err == mint.AlertWouldBlock:
		return 0, ErrWouldBlock
	case errors.Is(err, io.EOF):
		return 0, errors.New("write on closed TLS connection")
	default:
		return 0, err
	}

	e.awaitStaged()
	if ferr := e.flush(); ferr != nil && !errors.Is(ferr, ErrWouldBlock) {
		return 0, ferr
	}
	return n, nil
}

func (e *mintEngine) Read(p []byte) (int, error) {
	if len(e.rdbuf) > 0 {
		n := copy(p, e.rdbuf)
		e.rdbuf = e.rdbuf[n:]
		return n, nil
	}

	if err := e.fill(); err != nil {
		return 0, err
	}

	n, err := e.conn.Read(p)
	// Key update responses and alerts may have been staged.
	if ferr := e.flush(); ferr != nil && !errors.Is(ferr, ErrWouldBlock) {
		return 0, ferr
	}

	switch {
	case err == nil:
		return n, nil
	case err == mint.AlertWouldBlock:
		if e.shim.readClosed() && e.shim.inLen() == 0 {
			return e.settleClosedStream(p)
		}
		return 0, ErrWouldBlock
	case errors.Is(err, io.EOF):
		return e.settleEOF(p)
	default:
		return 0, err
	}
}

// settleClosedStream resolves a read that blocked after the transport hit
// end-of-stream with the in-memory conn drained. Any record still being
// processed on mint's internal goroutines surfaces within moments as data,
// an orderly close or nothing at all; only the last case is a premature
// termination.
func (e *mintEngine) settleClosedStream(p []byte) (int, error) {
	for i := 0; i < 250; i++ {
		n, err := e.conn.Read(p)
		switch {
		case n > 0:
			return n, nil
		case errors.Is(err, io.EOF):
			return e.settleEOF(p)
		case err == nil || err == mint.AlertWouldBlock:
			time.Sleep(200 * time.Microsecond)
		default:
			return 0, err
		}
	}
	return 0, ErrPrematureClose
}

// settleEOF decides what an io.EOF from mint means. A consumed close_notify
// keeps reporting io.EOF on every subsequent read; the transport
// end-of-stream mint echoes back is a one-shot followed by would-block, so
// a second read tells the two apart.
func (e *mintEngine) settleEOF(p []byte) (int, error) {
	if !e.shim.readClosed() {
		return 0, io.EOF
	}
	n, err := e.conn.Read(p)
	switch {
	case n > 0:
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	default:
		return 0, ErrPrematureClose
	}
}

func (e *mintEngine) Bye() (Status, error) {
	if e.byeDone {
		return StatusComplete, nil
	}

	if !e.byeSent {
		// Close hands the shutdown command to mint's controller goroutine
		// over a channel that races the connection's closed signal; when
		// the command loses, no close_notify is produced and nothing will
		// ever be staged for this close. A delivered command stages the
		// alert before Close returns, so there is no window to wait out
		// here: whatever the staging buffer holds now is the entire
		// shutdown record. The peer's end-of-stream does not depend on
		// the alert alone; closing the transport afterwards lands on the
		// graceful-EOF read path either way.
		if err := e.conn.Close(); err != nil {
			return StatusWantSend, fmt.Errorf("close TLS connection: %w", err)
		}
		e.byeSent = true
	}

	if err := e.flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
		return StatusWantSend, err
	}
	if e.shim.stagedLen() > 0 {
		return StatusWantSend, nil
	}
	e.byeDone = true
	return StatusComplete, nil
}

func (e *mintEngine) Pending() int {
	if !e.connected() {
		return 0
	}
	if len(e.rdbuf) == 0 {
		buf := make([]byte, 16*1024)
		if n, err := e.conn.Read(buf); err == nil && n > 0 {
			e.rdbuf = append(e.rdbuf, buf[:n]...)
		}
	}
	return len(e.rdbuf)
}

func (e *mintEngine) Negotiated() (Params, error) {
	if !e.connected() {
		return Params{}, errors.New("no cipher negotiated yet")
	}
	cs := e.conn.ConnectionState().CipherSuite
	return Params{
		Version: VersionTLS13,
		Suite:   uint16(cs.Suite),
		KeyBits: suiteKeyBits(cs),
	}, nil
}

// suiteKeyBits maps the negotiated suite to its cipher key size. Suites
// outside the priority parser's vocabulary fall back to mint's own key
// length table.
func suiteKeyBits(cs mint.CipherSuiteParams) int {
	switch uint16(cs.Suite) {
	case SuiteAES128GCMSHA256:
		return 128
	case SuiteAES256GCMSHA384, SuiteChaCha20Poly1305SHA256:
		return 256
	}
	return cs.KeyLengths["key"] * 8
}

func (e *mintEngine) PeerCertificates() []*x509.Certificate {
	return e.conn.ConnectionState().PeerCertificates
}

// VerifyPeerChain builds a trust path from the presented chain to the
// credential's anchors. Validity windows are excluded from the result
// here; the session checks them per certificate for precise reporting.
func (e *mintEngine) VerifyPeerChain(now time.Time) (ChainStatus, error) {
	chain := e.PeerCertificates()
	if len(chain) == 0 {
		return 0, nil
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         e.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err == nil {
		return 0, nil
	}
	return classifyChainError(err), nil
}

// classifyChainError folds a chain-building failure into the trust status
// bitmask. Validity-window failures classify as trusted: x509.Expired
// covers both ends of the window, and the peer verifier reports those per
// certificate with the exact failing one named.
func classifyChainError(err error) ChainStatus {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		return 0
	}
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return ChainInvalid | ChainSignerNotFound
	}
	var insecure x509.InsecureAlgorithmError
	if errors.As(err, &insecure) {
		return ChainInvalid | ChainInsecureAlgorithm
	}
	return ChainInvalid
}

// Close releases the connection. A second close is a no-op: once the
// controller goroutine has exited, re-sending the shutdown command could
// park the caller on a channel nobody drains.
func (e *mintEngine) Close() error {
	if e.byeSent {
		return nil
	}
	e.byeSent = true
	return e.conn.Close()
}

// memConn is the in-memory net.Conn handed to mint. Reads on an open,
// empty buffer return (0, nil), which mint's record layer reports as
// would-block; after closeRead they return io.EOF. Writes always succeed
// into the staging buffer, which the engine drains to the transport.
type memConn struct {
	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer
	eof bool
}

func newMemConn() *memConn {
	return &memConn{}
}

func (c *memConn) feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.Write(p)
}

func (c *memConn) closeRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eof = true
}

func (c *memConn) readClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

func (c *memConn) inLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Len()
}

// staged returns a copy of the bytes waiting for the transport.
func (c *memConn) staged() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Len() == 0 {
		return nil
	}
	return append([]byte(nil), c.out.Bytes()...)
}

func (c *memConn) consumeStaged(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Next(n)
}

func (c *memConn) stagedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Len()
}

func (c *memConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in.Len() == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	return c.in.Read(p)
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *memConn) Close() error                       { return nil }
func (c *memConn) LocalAddr() net.Addr                { return nil }
func (c *memConn) RemoteAddr() net.Addr               { return nil }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }
