// Package transport wraps a UDP socket in the non-blocking shape the
// protocol event loops want: sends that either complete or fail, a
// receive that polls instead of blocking, and a monotonic clock.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// pollDeadline bounds how long TryRecv may wait for a datagram. A
// zero deadline would make the runtime fail the read before draining
// queued datagrams, so it has to be slightly in the future.
const pollDeadline = time.Millisecond

// Conn is a non-blocking datagram endpoint.
type Conn struct {
	pc    *net.UDPConn
	start time.Time
}

// Listen binds a datagram socket on 0.0.0.0:port. Pass port 0 for an
// ephemeral binding (the sender side).
func Listen(port int) (*Conn, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("error binding udp port %d: %w", port, err)
	}
	return &Conn{pc: pc, start: time.Now()}, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.pc.LocalAddr().(*net.UDPAddr)
}

// Send transmits one datagram to the peer.
func (c *Conn) Send(b []byte, to *net.UDPAddr) error {
	n, err := c.pc.WriteToUDP(b, to)
	if err != nil {
		return fmt.Errorf("error sending %d-octet datagram to %s: %w", len(b), to, err)
	}
	if n != len(b) {
		return fmt.Errorf("short datagram write to %s: %d != %d", to, n, len(b))
	}
	return nil
}

// TryRecv polls for one datagram into buf. ok is false when nothing
// is waiting, which is not an error and must not be logged as one.
func (c *Conn) TryRecv(buf []byte) (n int, from *net.UDPAddr, ok bool, err error) {
	if err := c.pc.SetReadDeadline(time.Now().Add(pollDeadline)); err != nil {
		return 0, nil, false, err
	}
	n, from, err = c.pc.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return n, from, true, nil
}

// NowMillis is a monotonic millisecond clock, anchored at the
// connection's creation. Wall-clock jumps do not affect it.
func (c *Conn) NowMillis() int64 {
	return time.Since(c.start).Milliseconds()
}

// Close releases the socket.
func (c *Conn) Close() error {
	return c.pc.Close()
}
