// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broadcast

import (
	"sync"
	"time"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/message"
)

// DefaultInterval is the advertisement cadence when none is given.
const DefaultInterval = 2 * time.Second

// A Sender delivers one advertisement payload somewhere.
type Sender interface {
	Send(data string) error
	Close() error
}

// MessageBroadcaster emits a fixed payload on a timer until stopped.
// With an interval of zero or less no broadcasting is done. On stop a
// final stop payload is emitted so receivers can evict immediately.
type MessageBroadcaster struct {
	sender   Sender
	msg      string
	stopMsg  string
	interval time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *posttroll.Logger
}

// NewMessageBroadcaster builds a broadcaster emitting msg every
// interval through sender, and stopMsg once on shutdown. An empty
// stopMsg skips the final emission.
func NewMessageBroadcaster(sender Sender, msg, stopMsg string, interval time.Duration) *MessageBroadcaster {
	return &MessageBroadcaster{
		sender:   sender,
		msg:      msg,
		stopMsg:  stopMsg,
		interval: interval,
		done:     make(chan struct{}),
		logger:   posttroll.NewLogger("broadcaster", posttroll.LogLevelInfo),
	}
}

// Start launches the broadcast loop.
func (b *MessageBroadcaster) Start() *MessageBroadcaster {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interval <= 0 || b.running {
		return b
	}
	b.running = true
	b.wg.Add(1)
	go b.run()
	return b
}

// IsRunning reports whether the loop is active.
func (b *MessageBroadcaster) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Stop halts the loop, emits the stop payload and closes the sender.
// Stop is idempotent.
func (b *MessageBroadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	if b.stopMsg != "" {
		if err := b.sender.Send(b.stopMsg); err != nil {
			b.logger.Warn("sending stop payload: %v", err)
		}
	}
	if err := b.sender.Close(); err != nil {
		b.logger.Warn("closing sender: %v", err)
	}
}

func (b *MessageBroadcaster) run() {
	defer b.wg.Done()
	networkFail := false
	for {
		err := b.sender.Send(b.msg)
		switch {
		case err != nil && !networkFail:
			b.logger.Error("network unreachable, trying again in %s: %v", b.interval, err)
			networkFail = true
		case err == nil && networkFail:
			b.logger.Info("network connection re-established")
			networkFail = false
		}
		select {
		case <-b.done:
			return
		case <-time.After(b.interval):
		}
	}
}

// NewAddressServiceBroadcaster announces a publisher's endpoint, name
// and aliases. With a non-empty nameservers list the advertisements go
// point-to-point to each listed nameserver instead of multicast.
func NewAddressServiceBroadcaster(name, address string, aliases []string, interval time.Duration, nameservers []string) (*MessageBroadcaster, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	services := append([]string{name}, aliases...)

	announce, err := advertisement(name, address, services, true)
	if err != nil {
		return nil, err
	}
	stop, err := advertisement(name, address, services, false)
	if err != nil {
		return nil, err
	}

	cfg := posttroll.GetConfig()
	port := cfg.BroadcastPort()
	var sender Sender
	if len(nameservers) > 0 {
		sender = NewDesignatedReceiversSender(port, nameservers)
	} else {
		sender, err = NewMulticastSender(port, cfg.McGroup(),
			cfg.GetString(posttroll.KeyMulticastInterface, ""))
		if err != nil {
			return nil, err
		}
	}
	return NewMessageBroadcaster(sender, announce, stop, interval), nil
}

func advertisement(name, address string, services []string, status bool) (string, error) {
	atype := "info"
	if !status {
		atype = "stop"
	}
	serviceList := make([]interface{}, len(services))
	for i, s := range services {
		serviceList[i] = s
	}
	msg := message.New("/address/"+name, atype, map[string]interface{}{
		"URI":     address,
		"service": serviceList,
		"status":  status,
	})
	return msg.Encode()
}
