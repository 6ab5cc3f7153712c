// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytroll/go-posttroll/address"
	"github.com/pytroll/go-posttroll/message"
)

func newServer(t *testing.T) *NameServer {
	t.Helper()
	return New(Options{MulticastEnabled: true})
}

func request(t *testing.T, service string) *message.Message {
	t.Helper()
	return message.New(requestSubject, "request",
		map[string]interface{}{"service": service})
}

func haveAddress(name, uri string) *message.Message {
	return message.New("/address/"+name, "have_address", map[string]interface{}{
		"URI":     uri,
		"service": []interface{}{name},
		"status":  true,
	})
}

func TestHandleRequestEmptyTable(t *testing.T) {
	server := newServer(t)
	reply, err := server.handle(request(t, "alpha"))
	require.NoError(t, err)
	assert.Equal(t, "info", reply.Type)
	assert.Equal(t, requestSubject, reply.Subject)
	assert.Equal(t, "", reply.Data, "no live address yields an empty payload")
}

func TestHaveAddressThenRequest(t *testing.T) {
	server := newServer(t)
	_, err := server.handle(haveAddress("alpha", "tcp://10.0.0.1:9000"))
	require.NoError(t, err)

	reply, err := server.handle(request(t, "alpha"))
	require.NoError(t, err)
	items, ok := reply.Data.([]interface{})
	require.True(t, ok, "expected an address list, got %T", reply.Data)
	require.Len(t, items, 1)
	adv, ok := address.FromData(items[0])
	require.True(t, ok)
	assert.Equal(t, "tcp://10.0.0.1:9000", adv.URI)

	// The reply must survive a wire roundtrip.
	raw, err := reply.Encode()
	require.NoError(t, err)
	decoded, err := message.Decode(raw)
	require.NoError(t, err)
	items, ok = decoded.Data.([]interface{})
	require.True(t, ok)
	adv, ok = address.FromData(items[0])
	require.True(t, ok)
	assert.Equal(t, "tcp://10.0.0.1:9000", adv.URI)
}

func TestRequestEmptyServiceReturnsAll(t *testing.T) {
	server := newServer(t)
	_, err := server.handle(haveAddress("alpha", "tcp://10.0.0.1:9000"))
	require.NoError(t, err)
	_, err = server.handle(haveAddress("beta", "tcp://10.0.0.2:9001"))
	require.NoError(t, err)

	reply, err := server.handle(request(t, ""))
	require.NoError(t, err)
	items, ok := reply.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestServiceNameFilter(t *testing.T) {
	server := newServer(t)
	_, err := server.handle(haveAddress("alpha", "tcp://10.0.0.1:9000"))
	require.NoError(t, err)
	_, err = server.handle(haveAddress("beta", "tcp://10.0.0.2:9001"))
	require.NoError(t, err)

	reply, err := server.handle(request(t, "alpha"))
	require.NoError(t, err)
	items, ok := reply.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	adv, _ := address.FromData(items[0])
	assert.Equal(t, "tcp://10.0.0.1:9000", adv.URI)
}

func TestStopAddress(t *testing.T) {
	server := newServer(t)
	_, err := server.handle(haveAddress("alpha", "tcp://10.0.0.1:9000"))
	require.NoError(t, err)

	stop := message.New("/address/alpha", "stop_address", map[string]interface{}{
		"URI":     "tcp://10.0.0.1:9000",
		"service": []interface{}{"alpha"},
		"status":  false,
	})
	_, err = server.handle(stop)
	require.NoError(t, err)

	reply, err := server.handle(request(t, "alpha"))
	require.NoError(t, err)
	assert.Equal(t, "", reply.Data)
}

func TestHandleRejectsUnknownTypes(t *testing.T) {
	server := newServer(t)
	_, err := server.handle(message.New("/oper/ns", "gossip", "hi"))
	require.Error(t, err)
}

func TestHandleRejectsMalformedRequest(t *testing.T) {
	server := newServer(t)
	_, err := server.handle(message.New(requestSubject, "request", "not-a-mapping"))
	require.Error(t, err)
}

func TestStopIdempotentAndBeforeRun(t *testing.T) {
	server := newServer(t)
	server.Stop()
	server.Stop()
	// Run after Stop returns immediately.
	require.NoError(t, server.Run())
}
