// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ns hosts the nameserver and its client side: point-in-time
// lookups of the live publishers for a service.
package ns

import (
	"fmt"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/address"
	backend "github.com/pytroll/go-posttroll/backends/zmq"
	"github.com/pytroll/go-posttroll/message"
)

// DefaultTimeout bounds nameserver lookups.
const DefaultTimeout = 10 * time.Second

const requestSubject = "/oper/ns"

// GetPubAddress asks the nameserver on host for the publishers of the
// named service. The empty name returns every live publisher. An
// unanswered request fails with ErrTimeout.
func GetPubAddress(name string, timeout time.Duration, nameserver string) ([]address.Advertisement, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if nameserver == "" {
		nameserver = "localhost"
	}
	endpoint := fmt.Sprintf("tcp://%s:%d", nameserver, posttroll.GetConfig().NameserverPort())

	sock, err := backend.NewRequestSocket(endpoint, timeout)
	if err != nil {
		return nil, err
	}
	defer backend.CloseSocket(sock)

	request := message.New(requestSubject, "request",
		map[string]interface{}{"service": name})
	raw, err := request.Encode()
	if err != nil {
		return nil, err
	}
	if err := sock.Send(zmq4.NewMsgString(raw)); err != nil {
		return nil, fmt.Errorf("%w: sending request to %s: %v", posttroll.ErrConnection, endpoint, err)
	}

	receiver := backend.NewSocketReceiver(nil)
	receiver.Register(sock)
	defer receiver.Close()
	reply, _, err := receiver.Receive(timeout)
	if err != nil {
		return nil, fmt.Errorf("didn't get an address after %s: %w", timeout, err)
	}
	return parseAddresses(reply.Data), nil
}

func parseAddresses(data interface{}) []address.Advertisement {
	items, ok := data.([]interface{})
	if !ok {
		return nil
	}
	var out []address.Advertisement
	for _, item := range items {
		if adv, ok := address.FromData(item); ok {
			out = append(out, adv)
		}
	}
	return out
}

// GetPubAddresses retries lookups for each name until something is
// found or timeout passes, and fails with ErrAddressNotFound when the
// services stay unknown.
func GetPubAddresses(names []string, timeout time.Duration, nameserver string) ([]address.Advertisement, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if len(names) == 0 {
		names = []string{""}
	}
	var out []address.Advertisement
	for _, name := range names {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			addrs, err := GetPubAddress(name, timeout, nameserver)
			if err == nil && len(addrs) > 0 {
				out = append(out, addrs...)
				break
			}
			time.Sleep(timeout / 20)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", posttroll.ErrAddressNotFound, names)
	}
	return out, nil
}
