// Package console implements the monitor's guest console: a single-
// client, non-blocking TCP byte stream backing the CIF's "con"
// ihandle.
//
// Grounded on spec.md §6 for the socket/banner behavior and on the
// teacher's use of golang.org/x/sys/unix for low-level socket
// control (there applied to a local tty; here to a TCP listener's
// socket options, since this monitor has no local tty to manage).
package console

import (
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/andreiw/pvp/internal/log"
)

// Banner is written to a newly connected console client.
const Banner = "pvp console\r\n"

// deadline bounds every read/write against the active connection so
// the single-threaded execution loop never blocks on a slow or idle
// client.
const deadline = 5 * time.Millisecond

// Console is a single-client TCP byte stream.
type Console struct {
	log      *log.Logger
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn
}

// Listen starts accepting connections on addr (":7000" style).
func Listen(addr string, logger *log.Logger) (*Console, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error

			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}

			return sockErr
		},
	}

	ln, err := lc.Listen(nil, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Console{log: logger, listener: ln}

	go c.acceptLoop()

	return c, nil
}

func (c *Console) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.conn = conn
		c.mu.Unlock()

		conn.Write([]byte(Banner))
		c.log.Info("console client connected", "remote", conn.RemoteAddr())
	}
}

// Read performs a non-blocking read from the active connection, if
// any. A timeout or no active connection reports zero bytes, not an
// error: the guest's "read" CIF call treats both as not-ready.
func (c *Console) Read(p []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return 0, nil
	}

	conn.SetReadDeadline(time.Now().Add(deadline))

	n, err := conn.Read(p)
	if err != nil {
		return n, nil
	}

	return n, nil
}

// Write performs a best-effort write to the active connection, if
// any.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return len(p), nil
	}

	conn.SetWriteDeadline(time.Now().Add(deadline))

	n, err := conn.Write(p)
	if err != nil {
		return n, nil
	}

	return n, nil
}

// Close shuts down the listener and any active connection.
func (c *Console) Close() error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	return c.listener.Close()
}
