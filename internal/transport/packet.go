// Package transport provides the outbound packet source and inbound packet
// sink the modem core is wired to: datagram channels carrying opaque
// byte-packets, independent of any particular tunnel implementation.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// AbsolutelyMaxMTU bounds what the source will accept in one read; the
// modem core separately rejects anything over its own frame payload limit.
const AbsolutelyMaxMTU = 20480

// ErrTimeout is returned by PacketSource.Poll when no datagram arrived
// within the requested timeout.
var ErrTimeout = errors.New("transport: poll timed out")

// PacketSource yields outbound datagrams to transmit.
type PacketSource interface {
	// Poll blocks for up to timeout waiting for one datagram. It returns
	// ErrTimeout if none arrives in time.
	Poll(timeout time.Duration) ([]byte, error)
	Close() error
}

// PacketSink accepts datagrams recovered by the demodulator.
type PacketSink interface {
	Send(payload []byte) error
	Close() error
}

// UnixDatagramSource reads outbound packets from a SOCK_DGRAM/AF_UNIX
// endpoint, matching the source tree's process-local packet channels.
type UnixDatagramSource struct {
	conn *net.UnixConn
}

// ListenUnixDatagramSource binds path as a Unix datagram socket and returns
// a source reading from it.
func ListenUnixDatagramSource(path string) (*UnixDatagramSource, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("listen outbound endpoint %s: %w", path, err)
	}
	return &UnixDatagramSource{conn: conn}, nil
}

func (s *UnixDatagramSource) Poll(timeout time.Duration) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, AbsolutelyMaxMTU)
	n, _, err := s.conn.ReadFromUnix(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read outbound endpoint: %w", err)
	}
	return buf[:n], nil
}

func (s *UnixDatagramSource) Close() error { return s.conn.Close() }

// UnixDatagramSink writes recovered packets to a SOCK_DGRAM/AF_UNIX
// endpoint at path.
type UnixDatagramSink struct {
	conn *net.UnixConn
	dst  *net.UnixAddr
}

// DialUnixDatagramSink targets path as the inbound endpoint destination.
func DialUnixDatagramSink(path string) (*UnixDatagramSink, error) {
	dst := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, dst)
	if err != nil {
		return nil, fmt.Errorf("dial inbound endpoint %s: %w", path, err)
	}
	return &UnixDatagramSink{conn: conn, dst: dst}, nil
}

func (s *UnixDatagramSink) Send(payload []byte) error {
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("send inbound packet: %w", err)
	}
	return nil
}

func (s *UnixDatagramSink) Close() error { return s.conn.Close() }
