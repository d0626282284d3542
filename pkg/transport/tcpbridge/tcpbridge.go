// Package tcpbridge implements a transport.Transport over a plain TCP
// connection, for bridging to an ESP-AT peer exposed as a "serial-to-IP"
// endpoint (common on development boards and emulators that don't expose
// a real UART to the host running the driver).
//
// The wrapping style - embed net.Conn, track byte counters and open/close
// timestamps, expose the raw file descriptor for low-level diagnostics -
// is carried over from this driver's socket-statistics ancestor.
package tcpbridge

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/higebu/netfd"
)

// Conn wraps a net.Conn as a transport.Transport: Read blocks for at most
// the read timeout given to Wrap and reports a timeout as (n, nil), and
// Write is the plain best-effort net.Conn.Write.
type Conn struct {
	net.Conn

	openedAt int64
	txBytes  int64
	rxBytes  int64

	readTimeout time.Duration
}

// Wrap adapts an established net.Conn into a Conn. readTimeout bounds how
// long a single Read call may block; pass 0 to disable the deadline
// entirely (only appropriate for a dedicated reader goroutine, which this
// driver does not use).
func Wrap(nc net.Conn, readTimeout time.Duration) *Conn {
	return &Conn{
		Conn:        nc,
		openedAt:    time.Now().UnixNano(),
		readTimeout: readTimeout,
	}
}

// Read implements transport.Transport. It applies the configured read
// deadline on every call so the coordinator's polled drain loop never
// blocks indefinitely waiting on URCs that may never come.
func (c *Conn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	n, err := c.Conn.Read(p)
	if n > 0 {
		atomic.AddInt64(&c.rxBytes, int64(n))
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, nil
	}
	return n, err
}

// Write implements transport.Transport.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		atomic.AddInt64(&c.txBytes, int64(n))
	}
	return n, err
}

// Stats is a point-in-time snapshot of byte counters. pkg/metrics's
// collector does not read it.
type Stats struct {
	OpenedAt int64
	TxBytes  int64
	RxBytes  int64
	FD       int
}

// Stats returns a snapshot of this connection's counters and underlying
// file descriptor (-1 if the descriptor could not be resolved, e.g. the
// wrapped net.Conn isn't a *net.TCPConn).
func (c *Conn) Stats() Stats {
	fd := -1
	if tc, ok := c.Conn.(*net.TCPConn); ok {
		fd = netfd.GetFdFromConn(tc)
	}
	return Stats{
		OpenedAt: c.openedAt,
		TxBytes:  atomic.LoadInt64(&c.txBytes),
		RxBytes:  atomic.LoadInt64(&c.rxBytes),
		FD:       fd,
	}
}
