// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmq

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
)

// Default range used when a random publisher port is requested.
const (
	DefaultMinPort = 49152
	DefaultMaxPort = 65536
)

// PortRange limits the ports tried when binding a server socket to
// port 0. The zero value selects the configured defaults.
type PortRange struct {
	Min int
	Max int
}

func (r PortRange) withDefaults() PortRange {
	if r.Min == 0 {
		r.Min = envInt("POSTTROLL_PUB_MIN_PORT", DefaultMinPort)
	}
	if r.Max == 0 {
		r.Max = envInt("POSTTROLL_PUB_MAX_PORT", DefaultMaxPort)
	}
	return r
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// NewPublishSocket creates and binds a PUB socket for the given
// destination (e.g. "tcp://*:0"). It returns the socket and the port it
// ended up bound to.
func NewPublishSocket(destination string, portRange PortRange) (zmq4.Socket, int, error) {
	return newServerSocket(zmq4.NewPub, destination, portRange)
}

// NewReplySocket creates and binds a REP socket for the given
// destination.
func NewReplySocket(destination string) (zmq4.Socket, int, error) {
	return newServerSocket(zmq4.NewRep, destination, PortRange{})
}

// NewSubscribeSocket creates a SUB socket connected to address with
// prefix subscriptions for each topic.
func NewSubscribeSocket(address string, topics []string) (zmq4.Socket, error) {
	sock, err := newClientSocket(zmq4.NewSub, address, 0)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if err := sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			sock.Close()
			return nil, fmt.Errorf("subscribing to %q: %w", topic, err)
		}
	}
	return sock, nil
}

// NewRequestSocket creates a REQ socket connected to address.
func NewRequestSocket(address string, timeout time.Duration) (zmq4.Socket, error) {
	return newClientSocket(zmq4.NewReq, address, timeout)
}

// NewPullSocket creates a PULL socket connected to address.
func NewPullSocket(address string) (zmq4.Socket, error) {
	return newClientSocket(zmq4.NewPull, address, 0)
}

type socketMaker func(ctx context.Context, opts ...zmq4.Option) zmq4.Socket

func newClientSocket(mk socketMaker, address string, timeout time.Duration) (zmq4.Socket, error) {
	cfg := posttroll.GetConfig()
	opts := keepaliveOptions(cfg)
	if cfg.Backend() == posttroll.BackendSecureZMQ {
		sec, err := clientSecurity(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, zmq4.WithSecurity(sec))
	}
	if timeout > 0 {
		opts = append(opts, zmq4.WithTimeout(timeout), zmq4.WithDialerTimeout(timeout))
	}
	sock := mk(Context(), opts...)
	if err := sock.Dial(address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: dial %s: %v", posttroll.ErrConnection, address, err)
	}
	return sock, nil
}

func newServerSocket(mk socketMaker, destination string, portRange PortRange) (zmq4.Socket, int, error) {
	cfg := posttroll.GetConfig()
	opts := keepaliveOptions(cfg)
	if cfg.Backend() == posttroll.BackendSecureZMQ {
		sec, err := serverSecurity(cfg)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, zmq4.WithSecurity(sec))
	}
	sock := mk(Context(), opts...)
	port, err := bind(sock, destination, portRange)
	if err != nil {
		sock.Close()
		return nil, 0, err
	}
	return sock, port, nil
}

// bind attaches the socket to its destination. Port 0 picks a free port
// within the range, trying from a random starting point so concurrent
// publishers spread out.
func bind(sock zmq4.Socket, destination string, portRange PortRange) (int, error) {
	scheme, host, port, err := splitAddress(destination)
	if err != nil {
		return 0, err
	}
	if port != 0 {
		if err := listenWithRetry(sock, destination); err != nil {
			return 0, fmt.Errorf("%w: bind %s: %v", posttroll.ErrConnection, destination, err)
		}
		return port, nil
	}
	r := portRange.withDefaults()
	span := r.Max - r.Min
	if span <= 0 {
		return 0, fmt.Errorf("%w: empty port range [%d, %d)", posttroll.ErrConfig, r.Min, r.Max)
	}
	start := rand.Intn(span)
	var lastErr error
	for i := 0; i < span; i++ {
		candidate := r.Min + (start+i)%span
		ep := fmt.Sprintf("%s://%s:%d", scheme, host, candidate)
		if err := sock.Listen(ep); err != nil {
			lastErr = err
			continue
		}
		return candidate, nil
	}
	return 0, fmt.Errorf("%w: no free port in [%d, %d): %v", posttroll.ErrConnection, r.Min, r.Max, lastErr)
}

// listenWithRetry retries a fixed-port bind a few times, for the
// restart case where the previous owner has not released the port yet.
func listenWithRetry(sock zmq4.Socket, destination string) error {
	const retries = 5
	var err error
	for i := 0; i < retries; i++ {
		if err = sock.Listen(destination); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func splitAddress(destination string) (scheme, host string, port int, err error) {
	scheme, rest, found := strings.Cut(destination, "://")
	if !found {
		return "", "", 0, fmt.Errorf("%w: invalid address %q", posttroll.ErrConfig, destination)
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: invalid address %q", posttroll.ErrConfig, destination)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: invalid port in %q", posttroll.ErrConfig, destination)
	}
	return scheme, host, port, nil
}

// CloseSocket closes a socket, tolerating repeat closes.
func CloseSocket(sock zmq4.Socket) {
	if sock != nil {
		_ = sock.Close()
	}
}
