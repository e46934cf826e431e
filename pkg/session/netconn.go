package session

import (
	"errors"
	"net"
	"os"
	"time"
)

// netTransport adapts a blocking net.Conn to the non-blocking Transport
// contract. Reads poll with a short deadline and report ErrWouldBlock on
// timeout; writes block until the kernel accepts the bytes.
type netTransport struct {
	conn net.Conn
	poll time.Duration
}

// NewNetTransport wraps a net.Conn for use as a session transport.
func NewNetTransport(conn net.Conn) Transport {
	return &netTransport{conn: conn, poll: 10 * time.Millisecond}
}

func (t *netTransport) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(p)
	if err != nil && isTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func (t *netTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
