// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package broadcast sends and receives UDP multicast advertisements and
// runs the periodic announcement loops used by publishers.
//
// Requires that the OS kernel supports IP multicast.
package broadcast

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	posttroll "github.com/pytroll/go-posttroll"
)

// TTLLocalnet keeps advertisements on the local network (<32).
const TTLLocalnet = 31

const receiverBufSize = 4096

func configuredTTL() int {
	if v := os.Getenv("POSTTROLL_MC_TTL"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			return ttl
		}
	}
	return TTLLocalnet
}

// IsBroadcastGroup reports whether group selects plain broadcast
// rather than a multicast group.
func IsBroadcastGroup(group string) bool {
	if group == "" || group == "<broadcast>" {
		return true
	}
	ip := net.ParseIP(group)
	return ip != nil && (ip.Equal(net.IPv4zero) || ip.Equal(net.IPv4bcast))
}

func multicastGroupIP(group string) (net.IP, error) {
	ip := net.ParseIP(group)
	if ip == nil {
		addrs, err := net.LookupIP(group)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("%w: cannot resolve group %q", posttroll.ErrConfig, group)
		}
		ip = addrs[0]
	}
	ip = ip.To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%w: invalid multicast address %q", posttroll.ErrConfig, group)
	}
	return ip, nil
}

func interfaceByNameOrAddr(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	if iface, err := net.InterfaceByName(name); err == nil {
		return iface, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.String() == name {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no interface %q", posttroll.ErrConfig, name)
}

// MulticastSender emits datagrams to a multicast group, or to the
// broadcast address when the group is empty or a broadcast address.
type MulticastSender struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
	pc   *ipv4.PacketConn
}

// NewMulticastSender opens a sender towards group:port. The iface
// argument selects the source interface by name or address; empty
// leaves the routing table in charge.
func NewMulticastSender(port int, group, iface string) (*MulticastSender, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("%w: opening sender socket: %v", posttroll.ErrConnection, err)
	}
	s := &MulticastSender{conn: conn}
	if IsBroadcastGroup(group) {
		s.dst = &net.UDPAddr{IP: net.IPv4bcast, Port: port}
		return s, nil
	}
	ip, err := multicastGroupIP(group)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.dst = &net.UDPAddr{IP: ip, Port: port}
	s.pc = ipv4.NewPacketConn(conn)
	if err := s.pc.SetMulticastTTL(configuredTTL()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: setting multicast TTL: %v", posttroll.ErrConnection, err)
	}
	_ = s.pc.SetMulticastLoopback(true)
	if ifi, err := interfaceByNameOrAddr(iface); err != nil {
		conn.Close()
		return nil, err
	} else if ifi != nil {
		if err := s.pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: selecting interface %s: %v", posttroll.ErrConnection, iface, err)
		}
	}
	return s, nil
}

// Send emits one datagram.
func (s *MulticastSender) Send(data string) error {
	_, err := s.conn.WriteToUDP([]byte(data), s.dst)
	return err
}

// Close releases the sender socket.
func (s *MulticastSender) Close() error {
	return s.conn.Close()
}

// MulticastReceiver listens for datagrams on a multicast group. A
// receiver also picks up plain broadcast on the same port.
type MulticastReceiver struct {
	conn    *net.UDPConn
	timeout time.Duration
}

// NewMulticastReceiver joins group on port. A broadcast group binds a
// plain UDP socket instead of joining.
func NewMulticastReceiver(port int, group string) (*MulticastReceiver, error) {
	if IsBroadcastGroup(group) {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			return nil, fmt.Errorf("%w: binding port %d: %v", posttroll.ErrConnection, port, err)
		}
		return &MulticastReceiver{conn: conn}, nil
	}
	ip, err := multicastGroupIP(group)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("%w: joining %s:%d: %v", posttroll.ErrConnection, group, port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastLoopback(true)
	return &MulticastReceiver{conn: conn}, nil
}

// SetTimeout makes Receive return posttroll.ErrTimeout after d.
func (r *MulticastReceiver) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Receive blocks for the next datagram and returns its payload and
// source address.
func (r *MulticastReceiver) Receive() (string, *net.UDPAddr, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return "", nil, err
		}
	}
	buf := make([]byte, receiverBufSize)
	n, src, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", nil, fmt.Errorf("%w: multicast receive", posttroll.ErrTimeout)
		}
		return "", nil, err
	}
	return string(buf[:n]), src, nil
}

// Close releases the receiver socket.
func (r *MulticastReceiver) Close() error {
	return r.conn.Close()
}
