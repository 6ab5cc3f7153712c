// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broadcast

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/internal/testutil"
)

func TestReceiverTimeout(t *testing.T) {
	port := testutil.GetUDPPort(t)
	recv, err := NewMulticastReceiver(port, "")
	require.NoError(t, err)
	defer recv.Close()
	recv.SetTimeout(50 * time.Millisecond)

	_, _, err = recv.Receive()
	require.Error(t, err)
	assert.True(t, errors.Is(err, posttroll.ErrTimeout), "expected timeout, got %v", err)
}

func TestBroadcastSendReceiveLoopback(t *testing.T) {
	port := testutil.GetUDPPort(t)
	recv, err := NewMulticastReceiver(port, "")
	require.NoError(t, err)
	defer recv.Close()
	recv.SetTimeout(2 * time.Second)

	// A plain datagram to the receiver port stands in for broadcast,
	// which not all test environments route.
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("an advertisement"))
	require.NoError(t, err)

	data, src, err := recv.Receive()
	require.NoError(t, err)
	assert.Equal(t, "an advertisement", data)
	require.NotNil(t, src)
	assert.Equal(t, "127.0.0.1", src.IP.String())
}
