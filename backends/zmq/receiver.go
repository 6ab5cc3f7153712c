// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmq

import (
	"fmt"
	"sync"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/message"
)

// Received pairs a decoded message with the socket it arrived on.
type Received struct {
	Message *message.Message
	Socket  zmq4.Socket
}

// SocketReceiver multiplexes receives over any number of sockets. Each
// registered socket gets a pump goroutine feeding a shared channel;
// Receive drains that channel with a timeout. Closing a registered
// socket retires its pump.
type SocketReceiver struct {
	mu         sync.Mutex
	registered map[zmq4.Socket]bool
	out        chan Received
	done       chan struct{}
	wg         sync.WaitGroup
	logger     *posttroll.Logger
}

// NewSocketReceiver creates an empty receiver.
func NewSocketReceiver(logger *posttroll.Logger) *SocketReceiver {
	if logger == nil {
		logger = posttroll.NewLogger("receiver", posttroll.LogLevelWarn)
	}
	return &SocketReceiver{
		registered: make(map[zmq4.Socket]bool),
		out:        make(chan Received, 64),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Register starts receiving from sock.
func (r *SocketReceiver) Register(sock zmq4.Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[sock] {
		return
	}
	r.registered[sock] = true
	r.wg.Add(1)
	go r.pump(sock)
}

// Unregister stops delivering messages from sock. The caller closes the
// socket itself, which retires the pump goroutine.
func (r *SocketReceiver) Unregister(sock zmq4.Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, sock)
}

func (r *SocketReceiver) isRegistered(sock zmq4.Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[sock]
}

func (r *SocketReceiver) pump(sock zmq4.Socket) {
	defer r.wg.Done()
	for {
		raw, err := sock.Recv()
		if err != nil {
			return
		}
		if !r.isRegistered(sock) {
			continue
		}
		msg, err := message.Decode(string(raw.Bytes()))
		if err != nil {
			r.logger.Warn("dropping undecodable frame: %v", err)
			continue
		}
		select {
		case r.out <- Received{Message: msg, Socket: sock}:
		case <-r.done:
			return
		}
	}
}

// Receive returns the next message from any registered socket, waiting
// up to timeout. A non-positive timeout waits forever. Expiry returns
// posttroll.ErrTimeout.
func (r *SocketReceiver) Receive(timeout time.Duration) (*message.Message, zmq4.Socket, error) {
	if timeout <= 0 {
		select {
		case rec := <-r.out:
			return rec.Message, rec.Socket, nil
		case <-r.done:
			return nil, nil, fmt.Errorf("%w: receiver closed", posttroll.ErrConnection)
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-r.out:
		return rec.Message, rec.Socket, nil
	case <-r.done:
		return nil, nil, fmt.Errorf("%w: receiver closed", posttroll.ErrConnection)
	case <-timer.C:
		return nil, nil, fmt.Errorf("%w: nothing received on sockets", posttroll.ErrTimeout)
	}
}

// Close releases the receiver. Registered sockets must be closed by
// their owners; Close then waits for the pumps to retire.
func (r *SocketReceiver) Close() {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	close(r.done)
	r.registered = make(map[zmq4.Socket]bool)
	r.mu.Unlock()
	r.wg.Wait()
}
