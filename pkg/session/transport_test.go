package session

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptTransport returns canned results, one per call and direction.
type scriptTransport struct {
	reads  []scriptResult
	writes []scriptResult
}

type scriptResult struct {
	n   int
	err error
}

func (s *scriptTransport) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, ErrWouldBlock
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	return r.n, r.err
}

func (s *scriptTransport) Write(p []byte) (int, error) {
	if len(s.writes) == 0 {
		return len(p), nil
	}
	r := s.writes[0]
	s.writes = s.writes[1:]
	return r.n, r.err
}

func newTestBridge(t Transport) *bridge {
	var guard sync.Mutex
	var lockEnabled atomic.Bool
	b := newBridge(&guard, &lockEnabled)
	if t != nil {
		b.install(t)
	}
	return b
}

func TestBridgeRequiresTransport(t *testing.T) {
	b := newTestBridge(nil)

	_, err := b.pull(make([]byte, 4))
	require.Error(t, err)
	assert.Error(t, b.takeReadError())

	_, err = b.push([]byte("x"))
	require.Error(t, err)
	assert.Error(t, b.takeWriteError())
}

func TestBridgeErrorSlotsPerDirection(t *testing.T) {
	readFail := errors.New("connection reset")
	writeFail := errors.New("broken pipe")
	tr := &scriptTransport{
		reads:  []scriptResult{{0, readFail}},
		writes: []scriptResult{{0, writeFail}},
	}
	b := newTestBridge(tr)

	_, err := b.pull(make([]byte, 4))
	assert.ErrorIs(t, err, readFail)
	_, err = b.push([]byte("x"))
	assert.ErrorIs(t, err, writeFail)

	// Each slot holds its own direction's failure.
	assert.ErrorIs(t, b.takeReadError(), readFail)
	assert.ErrorIs(t, b.takeWriteError(), writeFail)

	// Taking consumes.
	assert.NoError(t, b.takeReadError())
	assert.NoError(t, b.takeWriteError())
}

func TestBridgeClearsSlotAtCallStart(t *testing.T) {
	readFail := errors.New("transient")
	tr := &scriptTransport{
		reads: []scriptResult{{0, readFail}, {3, nil}},
	}
	b := newTestBridge(tr)

	_, err := b.pull(make([]byte, 4))
	require.Error(t, err)

	// The next successful pull must leave no stale error behind.
	n, err := b.pull(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, b.takeReadError())
}

func TestBridgeLastBlockedDirection(t *testing.T) {
	tr := &scriptTransport{
		reads:  []scriptResult{{0, ErrWouldBlock}},
		writes: []scriptResult{{0, ErrWouldBlock}},
	}
	b := newTestBridge(tr)

	_, err := b.pull(make([]byte, 4))
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, DirectionRead, b.LastBlocked())

	_, err = b.push([]byte("x"))
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, DirectionWrite, b.LastBlocked())

	// Would-block never lands in an error slot.
	assert.NoError(t, b.takeReadError())
	assert.NoError(t, b.takeWriteError())
}

func TestBridgeTracksEOF(t *testing.T) {
	tr := &scriptTransport{reads: []scriptResult{{0, io.EOF}}}
	b := newTestBridge(tr)

	assert.False(t, b.SawEOF())
	_, err := b.pull(make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, b.SawEOF())
}
