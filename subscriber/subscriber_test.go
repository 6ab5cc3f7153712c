// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package subscriber

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	posttroll "github.com/pytroll/go-posttroll"
	backend "github.com/pytroll/go-posttroll/backends/zmq"
	"github.com/pytroll/go-posttroll/internal/testutil"
	"github.com/pytroll/go-posttroll/message"
	"github.com/pytroll/go-posttroll/publisher"
)

func TestMagickfyTopics(t *testing.T) {
	assert.Equal(t, []string{message.Magick}, MagickfyTopics(nil),
		"nil topics subscribe to everything")
	assert.Equal(t, []string{"pytroll://counter"}, MagickfyTopics([]string{"/counter"}))
	assert.Equal(t, []string{"pytroll://counter"}, MagickfyTopics([]string{"counter"}))
	assert.Equal(t, []string{"pytroll://"}, MagickfyTopics([]string{""}))
	assert.Equal(t, []string{"pytroll://already"}, MagickfyTopics([]string{"pytroll://already"}))
}

// startPublisher binds a publisher on a loopback port and returns it
// with its subscribe address.
func startPublisher(t *testing.T, name string) (*publisher.Publisher, string) {
	t.Helper()
	port := testutil.GetAvailablePort(t)
	pub := publisher.New(fmt.Sprintf("tcp://*:%d", port), name, backend.PortRange{})
	require.NoError(t, pub.Start())
	t.Cleanup(pub.Stop)
	return pub, fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

// sendUntilReceived works around the slow-joiner nature of pub/sub:
// the publisher repeats the message until the subscriber reports it.
func sendUntilReceived(t *testing.T, pub *publisher.Publisher, raw string, sub *Subscriber, timeout time.Duration) *message.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		require.NoError(t, pub.Send(raw))
		msg, err := sub.ReceiveMessage(200 * time.Millisecond)
		if err == nil {
			return msg
		}
		if !errors.Is(err, posttroll.ErrTimeout) {
			t.Fatalf("receive failed: %v", err)
		}
	}
	t.Fatalf("message not received within %v", timeout)
	return nil
}

func TestLoopbackPubSub(t *testing.T) {
	pub, addr := startPublisher(t, "svc")

	sub := New([]string{addr}, []string{"/counter"}, SubscriberOptions{})
	defer sub.Close()
	require.Equal(t, []string{addr}, sub.Addresses())

	sent := message.New("/counter", "info", "1")
	raw, err := sent.Encode()
	require.NoError(t, err)

	got := sendUntilReceived(t, pub, raw, sub, 3*time.Second)
	assert.Equal(t, "/counter", got.Subject)
	assert.Equal(t, "info", got.Type)
	assert.Equal(t, "1", got.Data)
	assert.Equal(t, sent.ID, got.ID)
}

func TestSubjectPrefixFiltering(t *testing.T) {
	pub, addr := startPublisher(t, "svc")

	sub := New([]string{addr}, []string{"/wanted"}, SubscriberOptions{})
	defer sub.Close()

	wanted, err := message.New("/wanted/things", "info", "yes").Encode()
	require.NoError(t, err)
	unwanted, err := message.New("/other/things", "info", "no").Encode()
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	var got *message.Message
	for time.Now().Before(deadline) {
		require.NoError(t, pub.Send(unwanted))
		require.NoError(t, pub.Send(wanted))
		msg, err := sub.ReceiveMessage(200 * time.Millisecond)
		if err == nil {
			got = msg
			break
		}
	}
	require.NotNil(t, got, "no message within deadline")
	assert.True(t, strings.HasPrefix(got.Subject, "/wanted"),
		"subject %q does not match the subscribed prefix", got.Subject)
}

func TestMessageFilter(t *testing.T) {
	pub, addr := startPublisher(t, "svc")

	sub := New([]string{addr}, nil, SubscriberOptions{
		MessageFilter: func(msg *message.Message) bool { return msg.Data == "keep" },
	})
	defer sub.Close()

	drop, err := message.New("/f", "info", "drop").Encode()
	require.NoError(t, err)
	keep, err := message.New("/f", "info", "keep").Encode()
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, pub.Send(drop))
		require.NoError(t, pub.Send(keep))
		msg, err := sub.ReceiveMessage(200 * time.Millisecond)
		if err == nil {
			assert.Equal(t, "keep", msg.Data)
			return
		}
	}
	t.Fatal("filtered message not received within deadline")
}

func TestUpdateAddsAndRemoves(t *testing.T) {
	_, addrA := startPublisher(t, "a")
	_, addrB := startPublisher(t, "b")

	sub := New([]string{addrA}, nil, SubscriberOptions{})
	defer sub.Close()
	require.Equal(t, []string{addrA}, sub.Addresses())

	changed := sub.Update([]string{addrA, addrB})
	assert.True(t, changed)
	assert.ElementsMatch(t, []string{addrA, addrB}, sub.Addresses())

	changed = sub.Update([]string{addrB})
	assert.True(t, changed)
	assert.Equal(t, []string{addrB}, sub.Addresses())

	changed = sub.Update([]string{addrB})
	assert.False(t, changed, "no-op update must report no change")
}

func TestAddSameAddressTwice(t *testing.T) {
	_, addr := startPublisher(t, "a")
	sub := New(nil, nil, SubscriberOptions{})
	defer sub.Close()
	require.NoError(t, sub.Add(addr, nil))
	require.NoError(t, sub.Add(addr, nil))
	assert.Len(t, sub.Addresses(), 1)
}

func TestReceiveTimeout(t *testing.T) {
	_, addr := startPublisher(t, "quiet")
	sub := New([]string{addr}, nil, SubscriberOptions{})
	defer sub.Close()

	start := time.Now()
	_, err := sub.ReceiveMessage(100 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, posttroll.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestStopIdempotent(t *testing.T) {
	_, addr := startPublisher(t, "a")
	sub := New([]string{addr}, nil, SubscriberOptions{})
	sub.Stop()
	sub.Stop()
	sub.Close()
	sub.Close()
}

func TestTranslateRewritesSenderHost(t *testing.T) {
	pub, addr := startPublisher(t, "svc")

	sub := New([]string{addr}, nil, SubscriberOptions{Translate: true})
	defer sub.Close()

	raw, err := message.New("/t", "info", "x").Encode()
	require.NoError(t, err)
	got := sendUntilReceived(t, pub, raw, sub, 3*time.Second)
	assert.True(t, strings.HasSuffix(got.Sender, "@127.0.0.1"),
		"sender %q should carry the connected host", got.Sender)
}
