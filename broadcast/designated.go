// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broadcast

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
	backend "github.com/pytroll/go-posttroll/backends/zmq"
)

const designatedSendTimeout = 10 * time.Second

// DesignatedReceiversSender registers advertisements point-to-point
// with a fixed set of nameservers, used when multicast is unavailable
// or disabled. Each send is a small request/reply exchange that waits
// for the receiver's "ok".
type DesignatedReceiversSender struct {
	defaultPort int
	receivers   []string

	mu     sync.Mutex
	closed bool
	logger *posttroll.Logger
}

// NewDesignatedReceiversSender builds a sender for the receivers,
// given as "host" or "host:port"; bare hosts get defaultPort.
func NewDesignatedReceiversSender(defaultPort int, receivers []string) *DesignatedReceiversSender {
	return &DesignatedReceiversSender{
		defaultPort: defaultPort,
		receivers:   receivers,
		logger:      posttroll.NewLogger("broadcaster", posttroll.LogLevelInfo),
	}
}

// Send delivers data to every designated receiver.
func (s *DesignatedReceiversSender) Send(data string) error {
	var firstErr error
	for _, receiver := range s.receivers {
		if err := s.sendTo(receiver, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *DesignatedReceiversSender) sendTo(address, data string) error {
	if !strings.Contains(address, ":") {
		address = fmt.Sprintf("%s:%d", address, s.defaultPort)
	}
	full := "tcp://" + address

	sock, err := backend.NewRequestSocket(full, designatedSendTimeout)
	if err != nil {
		return err
	}
	defer backend.CloseSocket(sock)

	if err := sock.Send(zmq4.NewMsgString(data)); err != nil {
		return fmt.Errorf("%w: sending to %s: %v", posttroll.ErrConnection, full, err)
	}
	reply, err := sock.Recv()
	if err != nil {
		if s.isClosed() {
			return nil
		}
		return fmt.Errorf("%w: no acknowledge from %s: %v", posttroll.ErrConnection, full, err)
	}
	if ack := string(reply.Bytes()); ack != "ok" {
		s.logger.Warn("invalid acknowledge received: %s", ack)
	}
	return nil
}

func (s *DesignatedReceiversSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the sender as shut down.
func (s *DesignatedReceiversSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
