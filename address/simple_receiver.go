// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package address

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
	backend "github.com/pytroll/go-posttroll/backends/zmq"
)

// SimpleReceiver accepts direct advertisement registrations on a reply
// socket, for publishers that cannot multicast. Every payload is
// acknowledged with "ok".
type SimpleReceiver struct {
	sock    zmq4.Socket
	timeout time.Duration

	out  chan string
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSimpleReceiver binds the reply socket on port and starts serving.
func NewSimpleReceiver(port int, timeout time.Duration) (*SimpleReceiver, error) {
	sock, _, err := backend.NewReplySocket(fmt.Sprintf("tcp://*:%d", port))
	if err != nil {
		return nil, err
	}
	r := &SimpleReceiver{
		sock:    sock,
		timeout: timeout,
		out:     make(chan string, 16),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.serve()
	return r, nil
}

func (r *SimpleReceiver) serve() {
	defer r.wg.Done()
	for {
		msg, err := r.sock.Recv()
		if err != nil {
			return
		}
		if err := r.sock.Send(zmq4.NewMsgString("ok")); err != nil {
			return
		}
		select {
		case r.out <- string(msg.Bytes()):
		case <-r.done:
			return
		}
	}
}

// Receive returns the next registered payload. The source address is
// nil: restriction to localhost does not apply to direct registrations.
func (r *SimpleReceiver) Receive() (string, *net.UDPAddr, error) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case data := <-r.out:
		return data, nil, nil
	case <-r.done:
		return "", nil, fmt.Errorf("%w: receiver closed", posttroll.ErrConnection)
	case <-timer.C:
		return "", nil, fmt.Errorf("%w: direct registration receive", posttroll.ErrTimeout)
	}
}

// Close shuts the reply socket down.
func (r *SimpleReceiver) Close() error {
	r.once.Do(func() { close(r.done) })
	backend.CloseSocket(r.sock)
	r.wg.Wait()
	return nil
}
