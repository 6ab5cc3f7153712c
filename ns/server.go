// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ns

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/address"
	backend "github.com/pytroll/go-posttroll/backends/zmq"
	"github.com/pytroll/go-posttroll/message"
)

const serveTimeout = time.Second

// Options configures a NameServer.
type Options struct {
	// MaxAge is the staleness threshold for advertisements.
	MaxAge time.Duration
	// MulticastEnabled listens for multicast advertisements; when
	// false, publishers register directly.
	MulticastEnabled bool
	// RestrictToLocalhost only accepts advertisements from this host.
	RestrictToLocalhost bool

	Logger *posttroll.Logger
}

// NameServer hosts an address receiver and answers lookups on the
// nameserver reply socket.
type NameServer struct {
	opts     Options
	logger   *posttroll.Logger
	receiver *address.Receiver

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	listener zmq4.Socket
}

// New builds a nameserver; Run brings it to life.
func New(opts Options) *NameServer {
	if opts.Logger == nil {
		opts.Logger = posttroll.NewLogger("nameserver", posttroll.LogLevelInfo)
	}
	return &NameServer{
		opts:   opts,
		logger: opts.Logger,
		done:   make(chan struct{}),
		receiver: address.NewReceiver(address.Options{
			MaxAge:              opts.MaxAge,
			DoHeartbeat:         true,
			MulticastEnabled:    opts.MulticastEnabled,
			RestrictToLocalhost: opts.RestrictToLocalhost,
			Logger:              opts.Logger,
		}),
	}
}

// Run starts the address receiver and serves lookup requests until
// Stop. It returns on fatal errors such as the reply port being in use.
func (ns *NameServer) Run() error {
	ns.mu.Lock()
	if ns.running {
		ns.mu.Unlock()
		return fmt.Errorf("%w: nameserver already running", posttroll.ErrConfig)
	}
	select {
	case <-ns.done:
		// Stop was called before Run.
		ns.mu.Unlock()
		return nil
	default:
	}
	ns.running = true
	ns.mu.Unlock()
	defer func() {
		ns.mu.Lock()
		ns.running = false
		ns.mu.Unlock()
	}()

	if err := ns.receiver.Start(); err != nil {
		return err
	}
	defer ns.receiver.Stop()

	port := posttroll.GetConfig().NameserverPort()
	listener, _, err := backend.NewReplySocket(fmt.Sprintf("tcp://*:%d", port))
	if err != nil {
		return err
	}
	ns.mu.Lock()
	ns.listener = listener
	ns.mu.Unlock()
	defer backend.CloseSocket(listener)
	ns.logger.Debug("nameserver listening on port %d", port)

	receiver := backend.NewSocketReceiver(ns.logger)
	receiver.Register(listener)
	defer receiver.Close()

	for {
		select {
		case <-ns.done:
			return nil
		default:
		}
		msg, _, err := receiver.Receive(serveTimeout)
		if err != nil {
			if errors.Is(err, posttroll.ErrTimeout) {
				continue
			}
			select {
			case <-ns.done:
				return nil
			default:
				return err
			}
		}
		reply, err := ns.handle(msg)
		if err != nil {
			ns.logger.Warn("handling %s: %v", msg, err)
			reply = message.New(requestSubject, "info", "")
		}
		raw, err := reply.Encode()
		if err != nil {
			return err
		}
		if err := listener.Send(zmq4.NewMsgString(raw)); err != nil {
			return fmt.Errorf("%w: sending reply: %v", posttroll.ErrConnection, err)
		}
	}
}

// handle builds the reply for one incoming message. Lookup requests
// get the live address list; direct have_address/stop_address control
// messages mutate the table.
func (ns *NameServer) handle(msg *message.Message) (*message.Message, error) {
	switch msg.Type {
	case "request":
		data, ok := msg.Data.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed request data")
		}
		service, _ := data["service"].(string)
		ns.logger.Debug("replying to request for %q", service)
		return activeAddressReply(service, ns.receiver), nil
	case "have_address":
		adv, ok := address.FromData(msg.Data)
		if !ok {
			return nil, fmt.Errorf("malformed have_address data")
		}
		ns.receiver.Register(adv)
		return message.New(requestSubject, "info", "ok"), nil
	case "stop_address":
		adv, ok := address.FromData(msg.Data)
		if !ok {
			return nil, fmt.Errorf("malformed stop_address data")
		}
		ns.receiver.Drop(adv.URI)
		return message.New(requestSubject, "info", "ok"), nil
	default:
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
}

// activeAddressReply renders the live addresses for a service as a
// nameserver reply. No live address yields an empty payload.
func activeAddressReply(service string, receiver *address.Receiver) *message.Message {
	addrs := receiver.Get(service)
	if len(addrs) == 0 {
		return message.New(requestSubject, "info", "")
	}
	data := make([]interface{}, len(addrs))
	for i, adv := range addrs {
		data[i] = adv.ToData()
	}
	return message.New(requestSubject, "info", data)
}

// Stop makes Run return. Stop is idempotent.
func (ns *NameServer) Stop() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	select {
	case <-ns.done:
		return
	default:
	}
	close(ns.done)
	if ns.listener != nil {
		backend.CloseSocket(ns.listener)
	}
}
