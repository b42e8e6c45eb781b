package iface

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	intErrors "github.com/fernwood-systems/mdns/internal/errors"
	"github.com/fernwood-systems/mdns/internal/wire"
)

var (
	groupV4 = net.IPv4(224, 0, 0, 251)
	groupV6 = net.ParseIP("ff02::fb")
)

// sockets wraps the IPv4 socket every interface must have, plus a
// best-effort IPv6 socket. IPv6 is not a hard requirement: §4.4 treats
// it as reserved for a future OS/driver combination that may not
// support it, so a V6 bring-up failure is recorded but never fails
// bind() as a whole.
type sockets struct {
	v4    *ipv4.PacketConn
	v4raw net.PacketConn
	v6    *ipv6.PacketConn
	v6raw net.PacketConn
}

func bindSockets(ifi *net.Interface) (*sockets, error) {
	lc := net.ListenConfig{Control: PlatformControl}

	rawV4, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", wire.DefaultPort))
	if err != nil {
		return nil, &intErrors.NetworkError{Operation: "bind ipv4 socket", Err: err, Details: ifi.Name}
	}
	pc4 := ipv4.NewPacketConn(rawV4)
	if err := pc4.JoinGroup(ifi, &net.UDPAddr{IP: groupV4}); err != nil {
		_ = rawV4.Close()
		return nil, &intErrors.NetworkError{Operation: "join ipv4 multicast group", Err: err, Details: ifi.Name}
	}
	_ = pc4.SetMulticastTTL(255)
	_ = pc4.SetMulticastLoopback(true)
	_ = pc4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)

	s := &sockets{v4: pc4, v4raw: rawV4}

	rawV6, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf(":%d", wire.DefaultPort))
	if err != nil {
		// Best effort: IPv6 bring-up failure does not block IPv4 operation.
		return s, nil
	}
	pc6 := ipv6.NewPacketConn(rawV6)
	if err := pc6.JoinGroup(ifi, &net.UDPAddr{IP: groupV6}); err != nil {
		_ = rawV6.Close()
		return s, nil
	}
	_ = pc6.SetMulticastHopLimit(255)
	_ = pc6.SetMulticastLoopback(true)
	_ = pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)
	s.v6, s.v6raw = pc6, rawV6

	return s, nil
}

func (s *sockets) close() error {
	var firstErr error
	if s.v4raw != nil {
		if err := s.v4raw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.v6raw != nil {
		if err := s.v6raw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sendV4 writes a packet to dest over the IPv4 socket.
func (s *sockets) sendV4(data []byte, dest *net.UDPAddr) (int, error) {
	return s.v4raw.WriteTo(data, dest)
}

// sendV6 writes a packet to dest over the IPv6 socket, if one is up.
func (s *sockets) sendV6(data []byte, dest *net.UDPAddr) (int, error) {
	if s.v6raw == nil {
		return 0, &intErrors.NetworkError{Operation: "send ipv6", Details: "no ipv6 socket bound on this interface"}
	}
	return s.v6raw.WriteTo(data, dest)
}
