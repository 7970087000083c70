package forwarder

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// maxDatagram is large enough for any PULL_RESP a server sends.
const maxDatagram = 65507

// Conn is the datagram transport to the network server.
type Conn interface {
	Send(b []byte) error
	// Recv waits at most wait for one datagram. It returns nil, nil when
	// nothing arrived in time.
	Recv(wait time.Duration) ([]byte, error)
	Close() error
}

// Dialer opens a fresh transport to addr ("host:port").
type Dialer func(addr string) (Conn, error)

type udpConn struct {
	c   *net.UDPConn
	buf []byte
}

// DialUDP resolves addr and returns a connected UDP socket.
func DialUDP(addr string) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &udpConn{c: c, buf: make([]byte, maxDatagram)}, nil
}

func (u *udpConn) Send(b []byte) error {
	_, err := u.c.Write(b)
	return err
}

func (u *udpConn) Recv(wait time.Duration) ([]byte, error) {
	if err := u.c.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	n, err := u.c.Read(u.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, u.buf[:n])
	return out, nil
}

func (u *udpConn) Close() error {
	return u.c.Close()
}
