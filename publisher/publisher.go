// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package publisher provides the outbound message endpoints: a plain
// Publisher bound to a port, and the announced NoisyPublisher that
// advertises its address so subscribers can find it.
package publisher

import (
	"fmt"
	"sync"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
	backend "github.com/pytroll/go-posttroll/backends/zmq"
	"github.com/pytroll/go-posttroll/broadcast"
	"github.com/pytroll/go-posttroll/message"
)

// Publisher binds a publish socket and sends raw encoded messages on
// it. Sends from concurrent goroutines are serialized by a lock.
//
// Setting the port to 0 in the destination picks a random free port;
// the range can be limited through POSTTROLL_PUB_MIN_PORT and
// POSTTROLL_PUB_MAX_PORT or the PortRange argument.
type Publisher struct {
	name        string
	destination string
	portRange   backend.PortRange

	mu   sync.Mutex
	sock zmq4.Socket
	port int

	heartbeat *heartbeat
	logger    *posttroll.Logger
}

// New creates a publisher for a destination such as "tcp://*:9000" or
// "tcp://*:0".
func New(destination, name string, portRange backend.PortRange) *Publisher {
	return &Publisher{
		name:        name,
		destination: destination,
		portRange:   portRange,
		logger:      posttroll.NewLogger("publisher", posttroll.LogLevelInfo),
	}
}

// Start binds the publish socket.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock != nil {
		return nil
	}
	sock, port, err := backend.NewPublishSocket(p.destination, p.portRange)
	if err != nil {
		return err
	}
	p.sock = sock
	p.port = port
	p.logger.Info("publisher %q started on port %d", p.name, port)
	return nil
}

// Port returns the bound port, 0 before Start.
func (p *Publisher) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Send publishes one raw encoded message.
func (p *Publisher) Send(raw string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return fmt.Errorf("%w: publisher not started", posttroll.ErrConnection)
	}
	return p.sock.Send(zmq4.NewMsgString(raw))
}

// Heartbeat sends a beat message, but only if minInterval has passed
// since the last one.
func (p *Publisher) Heartbeat(minInterval time.Duration) error {
	p.mu.Lock()
	if p.heartbeat == nil {
		p.heartbeat = &heartbeat{subject: "/heartbeat/" + p.name}
	}
	hb := p.heartbeat
	p.mu.Unlock()
	return hb.beat(p, minInterval)
}

// Stop closes the publish socket. Stop is idempotent.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return
	}
	backend.CloseSocket(p.sock)
	p.sock = nil
}

type heartbeat struct {
	subject string
	mu      sync.Mutex
	last    time.Time
}

func (hb *heartbeat) beat(p *Publisher, minInterval time.Duration) error {
	hb.mu.Lock()
	if minInterval > 0 && time.Since(hb.last) < minInterval {
		hb.mu.Unlock()
		return nil
	}
	hb.last = time.Now()
	hb.mu.Unlock()

	msg := message.New(hb.subject, "beat",
		map[string]interface{}{"min_interval": minInterval.Seconds()})
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return p.Send(raw)
}

// Options configures a NoisyPublisher.
type Options struct {
	// Port to bind; 0 picks a free one from the configured range.
	Port int
	// Aliases are additional service labels to advertise.
	Aliases []string
	// BroadcastInterval is the advertisement cadence, 2s by default.
	BroadcastInterval time.Duration
	// Nameservers switches advertisement from multicast to direct
	// registration with the listed hosts.
	Nameservers []string
	// MinPort and MaxPort bound random port selection.
	MinPort, MaxPort int
}

// NoisyPublisher is a Publisher that advertises its own name and
// address. The name is what subscribers search for in the nameserver.
type NoisyPublisher struct {
	name string
	opts Options

	mu    sync.Mutex
	pub   *Publisher
	bcast *broadcast.MessageBroadcaster

	logger *posttroll.Logger
}

// NewNoisyPublisher builds an announced publisher.
func NewNoisyPublisher(name string, opts Options) *NoisyPublisher {
	return &NoisyPublisher{
		name:   name,
		opts:   opts,
		logger: posttroll.NewLogger("publisher", posttroll.LogLevelInfo),
	}
}

// Start binds the publish socket and launches the announcer.
func (np *NoisyPublisher) Start() (*Publisher, error) {
	np.mu.Lock()
	defer np.mu.Unlock()

	destination := fmt.Sprintf("tcp://*:%d", np.opts.Port)
	pub := New(destination, np.name,
		backend.PortRange{Min: np.opts.MinPort, Max: np.opts.MaxPort})
	if err := pub.Start(); err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("tcp://%s:%d", posttroll.GetOwnIP(), pub.Port())
	bcast, err := broadcast.NewAddressServiceBroadcaster(np.name, addr,
		np.opts.Aliases, np.opts.BroadcastInterval, np.opts.Nameservers)
	if err != nil {
		pub.Stop()
		return nil, err
	}
	np.pub = pub
	np.bcast = bcast.Start()
	np.logger.Debug("entering publish %s", addr)
	return pub, nil
}

// Send publishes one raw encoded message.
func (np *NoisyPublisher) Send(raw string) error {
	np.mu.Lock()
	pub := np.pub
	np.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("%w: publisher not started", posttroll.ErrConnection)
	}
	return pub.Send(raw)
}

// Heartbeat forwards to the underlying publisher.
func (np *NoisyPublisher) Heartbeat(minInterval time.Duration) error {
	np.mu.Lock()
	pub := np.pub
	np.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("%w: publisher not started", posttroll.ErrConnection)
	}
	return pub.Heartbeat(minInterval)
}

// Port returns the bound port, 0 before Start.
func (np *NoisyPublisher) Port() int {
	np.mu.Lock()
	defer np.mu.Unlock()
	if np.pub == nil {
		return 0
	}
	return np.pub.Port()
}

// Stop revokes the advertisement and closes the socket. Stop is
// idempotent.
func (np *NoisyPublisher) Stop() {
	np.mu.Lock()
	pub, bcast := np.pub, np.bcast
	np.pub, np.bcast = nil, nil
	np.mu.Unlock()

	if bcast != nil {
		bcast.Stop()
	}
	if pub != nil {
		pub.Stop()
	}
}

// Publish runs fn with a started announced publisher and guarantees
// Stop on every exit path.
func Publish(name string, opts Options, fn func(*NoisyPublisher) error) error {
	np := NewNoisyPublisher(name, opts)
	if _, err := np.Start(); err != nil {
		return err
	}
	defer np.Stop()
	return fn(np)
}
