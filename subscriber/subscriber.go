// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package subscriber consumes message streams. A Subscriber connects
// to explicit publisher addresses; an NSSubscriber resolves services
// through the nameserver and follows publishers as they come and go.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
	backend "github.com/pytroll/go-posttroll/backends/zmq"
	"github.com/pytroll/go-posttroll/message"
)

// Subscriber subscribes to message streams on a set of addresses,
// filtered by subject prefix on the publishing side. The optional
// MessageFilter discriminates further on the subscriber side.
type Subscriber struct {
	topics    []string
	filter    func(*message.Message) bool
	translate bool
	logger    *posttroll.Logger

	mu      sync.Mutex
	addrSub map[string]zmq4.Socket
	subAddr map[zmq4.Socket]string
	hooks   map[zmq4.Socket]func(*message.Message)
	recvr   *backend.SocketReceiver
	stopped chan struct{}
	once    sync.Once
}

// SubscriberOptions tunes a plain Subscriber.
type SubscriberOptions struct {
	// MessageFilter discards messages it returns false for.
	MessageFilter func(*message.Message) bool
	// Translate rewrites the sender host to the connected address.
	Translate bool

	Logger *posttroll.Logger
}

// New creates a subscriber for addresses and subject-prefix topics.
// Connection failures for individual addresses are logged, not fatal.
func New(addresses, topics []string, opts SubscriberOptions) *Subscriber {
	if opts.Logger == nil {
		opts.Logger = posttroll.NewLogger("subscriber", posttroll.LogLevelInfo)
	}
	s := &Subscriber{
		topics:    MagickfyTopics(topics),
		filter:    opts.MessageFilter,
		translate: opts.Translate,
		logger:    opts.Logger,
		addrSub:   make(map[string]zmq4.Socket),
		subAddr:   make(map[zmq4.Socket]string),
		hooks:     make(map[zmq4.Socket]func(*message.Message)),
		recvr:     backend.NewSocketReceiver(opts.Logger),
		stopped:   make(chan struct{}),
	}
	s.Update(addresses)
	return s
}

// MagickfyTopics prefixes topics with the wire magick so that ZeroMQ
// prefix subscriptions match encoded subjects.
func MagickfyTopics(topics []string) []string {
	if topics == nil {
		return []string{message.Magick}
	}
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		switch {
		case strings.HasPrefix(t, message.Magick):
		case strings.HasPrefix(t, "/"):
			t = message.Magick + t
		default:
			t = message.Magick + "/" + t
		}
		out = append(out, t)
	}
	return out
}

// Add connects a subscribe socket to address. Adding a connected
// address is a no-op.
func (s *Subscriber) Add(address string, topics []string) error {
	if topics == nil {
		topics = s.topics
	} else {
		topics = MagickfyTopics(topics)
	}
	s.mu.Lock()
	if _, ok := s.addrSub[address]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("adding address %s with topics %v", address, topics)
	sock, err := backend.NewSubscribeSocket(address, topics)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.addrSub[address]; ok {
		s.mu.Unlock()
		backend.CloseSocket(sock)
		return nil
	}
	s.addrSub[address] = sock
	s.subAddr[sock] = address
	s.mu.Unlock()
	s.recvr.Register(sock)
	return nil
}

// Remove disconnects from address. Removing an unknown address is a
// no-op.
func (s *Subscriber) Remove(address string) {
	s.mu.Lock()
	sock, ok := s.addrSub[address]
	if ok {
		delete(s.addrSub, address)
		delete(s.subAddr, sock)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("removing address %s", address)
	s.recvr.Unregister(sock)
	backend.CloseSocket(sock)
}

// Update reconciles the connection set against addresses and reports
// whether anything changed.
func (s *Subscriber) Update(addresses []string) bool {
	current := make(map[string]bool)
	for _, addr := range s.Addresses() {
		current[addr] = true
	}
	wanted := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		wanted[addr] = true
	}
	changed := false
	for addr := range current {
		if !wanted[addr] {
			s.Remove(addr)
			changed = true
		}
	}
	for addr := range wanted {
		if !current[addr] {
			if err := s.Add(addr, nil); err != nil {
				s.logger.Warn("cannot subscribe to %s: %v", addr, err)
				continue
			}
			changed = true
		}
	}
	return changed
}

// Addresses returns the connected addresses.
func (s *Subscriber) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.addrSub))
	for addr := range s.addrSub {
		out = append(out, addr)
	}
	return out
}

// AddHookSub attaches a SUB callback served by the receive loop. Good
// for operations that must happen in the same stream as the main
// receive, like connection bookkeeping.
func (s *Subscriber) AddHookSub(address string, topics []string, callback func(*message.Message)) error {
	s.logger.Info("adding SUB hook %s for topics %v", address, topics)
	sock, err := backend.NewSubscribeSocket(address, MagickfyTopics(topics))
	if err != nil {
		return err
	}
	s.addHook(sock, callback)
	return nil
}

// AddHookPull attaches a PULL callback served by the receive loop, for
// pushed in-process messages from another thread.
func (s *Subscriber) AddHookPull(address string, callback func(*message.Message)) error {
	s.logger.Info("adding PULL hook %s", address)
	sock, err := backend.NewPullSocket(address)
	if err != nil {
		return err
	}
	s.addHook(sock, callback)
	return nil
}

func (s *Subscriber) addHook(sock zmq4.Socket, callback func(*message.Message)) {
	s.mu.Lock()
	s.hooks[sock] = callback
	s.mu.Unlock()
	s.recvr.Register(sock)
}

// ReceiveMessage returns the next message passing the filters, waiting
// up to timeout. Expiry returns posttroll.ErrTimeout. Hook messages
// are dispatched to their callbacks and do not count.
func (s *Subscriber) ReceiveMessage(timeout time.Duration) (*message.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("%w: no message", posttroll.ErrTimeout)
			}
		}
		select {
		case <-s.stopped:
			return nil, fmt.Errorf("%w: subscriber stopped", posttroll.ErrConnection)
		default:
		}
		msg, sock, err := s.recvr.Receive(remaining)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		callback, isHook := s.hooks[sock]
		addr := s.subAddr[sock]
		s.mu.Unlock()
		if isHook {
			callback(msg)
			continue
		}
		if s.filter != nil && !s.filter(msg) {
			continue
		}
		if s.translate {
			translateSender(msg, addr)
		}
		return msg, nil
	}
}

func translateSender(msg *message.Message, address string) {
	u, err := url.Parse(address)
	if err != nil {
		return
	}
	user := msg.Sender
	if i := strings.Index(user, "@"); i >= 0 {
		user = user[:i]
	}
	msg.Sender = user + "@" + u.Hostname()
}

// Recv yields messages until the context is done or the subscriber is
// stopped. Transport errors end the stream.
func (s *Subscriber) Recv(ctx context.Context) <-chan *message.Message {
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for {
			msg, err := s.ReceiveMessage(500 * time.Millisecond)
			if err != nil {
				if errors.Is(err, posttroll.ErrTimeout) {
					select {
					case <-ctx.Done():
						return
					case <-s.stopped:
						return
					default:
						continue
					}
				}
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			}
		}
	}()
	return out
}

// Stop ends the receive loops. Stop is idempotent.
func (s *Subscriber) Stop() {
	s.once.Do(func() { close(s.stopped) })
}

// Close stops the subscriber and closes every socket.
func (s *Subscriber) Close() {
	s.Stop()
	s.mu.Lock()
	socks := make([]zmq4.Socket, 0, len(s.subAddr)+len(s.hooks))
	for sock := range s.subAddr {
		socks = append(socks, sock)
	}
	for sock := range s.hooks {
		socks = append(socks, sock)
	}
	s.addrSub = make(map[string]zmq4.Socket)
	s.subAddr = make(map[zmq4.Socket]string)
	s.hooks = make(map[zmq4.Socket]func(*message.Message))
	s.mu.Unlock()
	for _, sock := range socks {
		backend.CloseSocket(sock)
	}
	s.recvr.Close()
}
