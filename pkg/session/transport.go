package session

import (
	"io"
	"sync"
	"sync/atomic"
)

// Transport is the caller-supplied byte channel a session runs over. The
// session never owns a socket; every byte the engine sends or receives goes
// through exactly these two methods. Both follow the usual io contract with
// one extension: returning ErrWouldBlock means "no progress possible right
// now, retry after readiness" and is not a failure. Any other error is
// captured by the session and surfaced verbatim from the operation that
// tripped it. A net.Conn satisfies Transport directly.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Direction identifies which half of the transport an operation is waiting
// on.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionWrite {
		return "write"
	}
	return "read"
}

// bridge adapts the engine's push/pull primitives to the installed
// Transport. It keeps one pending error slot per direction so concurrent
// reads and writes never clobber each other's failure detail, and it tracks
// which direction blocked last so the handshake and bye state machines can
// report WantSend/WantRecv.
//
// When the concurrency guard is engaged the bridge drops the lock for the
// duration of each callback: the callback may block indefinitely or reenter
// the session, and holding the guard across it would deadlock.
type bridge struct {
	transport   Transport
	guard       *sync.Mutex
	lockEnabled *atomic.Bool

	// Pending per-direction errors. Each slot is owned by its direction:
	// werr only by writers, rerr only by readers.
	rerr error
	werr error

	lastBlocked atomic.Int32
	readEOF     atomic.Bool
}

func newBridge(guard *sync.Mutex, lockEnabled *atomic.Bool) *bridge {
	b := &bridge{guard: guard, lockEnabled: lockEnabled}
	b.lastBlocked.Store(int32(DirectionRead))
	return b
}

func (b *bridge) install(t Transport) {
	b.transport = t
}

// push hands engine output to the transport's Write callback.
func (b *bridge) push(p []byte) (int, error) {
	if b.transport == nil {
		b.werr = newError(ErrorTypeTransport, "no transport installed")
		return 0, b.werr
	}

	b.werr = nil

	if b.lockEnabled.Load() {
		b.guard.Unlock()
	}
	n, err := b.transport.Write(p)
	if b.lockEnabled.Load() {
		b.guard.Lock()
	}

	switch {
	case err == nil:
		return n, nil
	case err == ErrWouldBlock:
		b.lastBlocked.Store(int32(DirectionWrite))
		return 0, ErrWouldBlock
	default:
		b.werr = err
		return 0, err
	}
}

// pull fills engine input from the transport's Read callback.
func (b *bridge) pull(p []byte) (int, error) {
	if b.transport == nil {
		b.rerr = newError(ErrorTypeTransport, "no transport installed")
		return 0, b.rerr
	}

	b.rerr = nil

	if b.lockEnabled.Load() {
		b.guard.Unlock()
	}
	n, err := b.transport.Read(p)
	if b.lockEnabled.Load() {
		b.guard.Lock()
	}

	switch {
	case err == nil:
		return n, nil
	case err == ErrWouldBlock:
		b.lastBlocked.Store(int32(DirectionRead))
		return 0, ErrWouldBlock
	case err == io.EOF:
		b.readEOF.Store(true)
		b.rerr = io.EOF
		return n, io.EOF
	default:
		b.rerr = err
		return 0, err
	}
}

// Read implements EngineIO for engine factories.
func (b *bridge) Read(p []byte) (int, error) { return b.pull(p) }

// Write implements EngineIO for engine factories.
func (b *bridge) Write(p []byte) (int, error) { return b.push(p) }

// LastBlocked implements EngineIO.
func (b *bridge) LastBlocked() Direction {
	return Direction(b.lastBlocked.Load())
}

// SawEOF implements EngineIO.
func (b *bridge) SawEOF() bool {
	return b.readEOF.Load()
}

// takeReadError consumes the pending read-side error, if any.
func (b *bridge) takeReadError() error {
	err := b.rerr
	b.rerr = nil
	return err
}

// takeWriteError consumes the pending write-side error, if any.
func (b *bridge) takeWriteError() error {
	err := b.werr
	b.werr = nil
	return err
}

func (b *bridge) clearErrors() {
	b.rerr = nil
	b.werr = nil
}

func (b *bridge) pendingError() error {
	if b.rerr != nil {
		return b.rerr
	}
	return b.werr
}
