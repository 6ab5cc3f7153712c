// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package address

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytroll/go-posttroll/message"
)

type fakeAnnouncer struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAnnouncer) Send(raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeAnnouncer) Heartbeat(time.Duration) error { return nil }
func (f *fakeAnnouncer) Stop()                         {}

func (f *fakeAnnouncer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestReceiver(maxAge time.Duration) (*Receiver, *fakeAnnouncer) {
	r := NewReceiver(Options{MaxAge: maxAge, MulticastEnabled: true})
	pub := &fakeAnnouncer{}
	r.pub = pub
	return r, pub
}

func advertise(name, uri string, aliases ...string) string {
	services := make([]interface{}, 0, len(aliases)+1)
	services = append(services, name)
	for _, alias := range aliases {
		services = append(services, alias)
	}
	msg := message.New("/address/"+name, "info", map[string]interface{}{
		"URI":     uri,
		"service": services,
		"status":  true,
	})
	raw, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	return raw
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestReceiver(10 * time.Second)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000", "al"), nil)

	byName := r.Get("alpha")
	require.Len(t, byName, 1)
	assert.Equal(t, "tcp://10.0.0.1:9000", byName[0].URI)

	byAlias := r.Get("al")
	require.Len(t, byAlias, 1)

	assert.Empty(t, r.Get("beta"))
	assert.Len(t, r.Get(""), 1, "empty name returns everything")
}

func TestReAdvertisementRefreshesWithoutDuplicates(t *testing.T) {
	r, pub := newTestReceiver(10 * time.Second)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000"), nil)
	first := r.Get("alpha")[0].ReceiveTime

	time.Sleep(5 * time.Millisecond)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000"), nil)

	live := r.Get("alpha")
	require.Len(t, live, 1, "same address must not duplicate")
	assert.True(t, live[0].ReceiveTime.After(first), "refresh must bump receive time")
	assert.Len(t, pub.snapshot(), 1, "only the first registration publishes an add event")
}

func TestLastWriterWinsOnSameAddress(t *testing.T) {
	r, _ := newTestReceiver(10 * time.Second)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000"), nil)
	r.handle(advertise("beta", "tcp://10.0.0.1:9000"), nil)

	assert.Empty(t, r.Get("alpha"))
	require.Len(t, r.Get("beta"), 1)
}

func TestEvictionByAge(t *testing.T) {
	r, pub := newTestReceiver(30 * time.Millisecond)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000"), nil)
	require.Len(t, r.Get("alpha"), 1)

	time.Sleep(50 * time.Millisecond)
	r.checkAge()

	assert.Empty(t, r.Get("alpha"))
	sent := pub.snapshot()
	require.Len(t, sent, 2)
	removal, err := message.Decode(sent[1])
	require.NoError(t, err)
	assert.Equal(t, false, removal.Data.(map[string]interface{})["status"])
}

func TestEvictionIsIdempotent(t *testing.T) {
	r, _ := newTestReceiver(10 * time.Second)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000"), nil)
	r.drop("tcp://10.0.0.1:9000", "test")
	r.drop("tcp://10.0.0.1:9000", "test")
	assert.Empty(t, r.Get("alpha"))
}

func TestStopAdvertisementEvictsImmediately(t *testing.T) {
	r, _ := newTestReceiver(10 * time.Second)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000"), nil)
	require.Len(t, r.Get("alpha"), 1)

	stop := message.New("/address/alpha", "stop", map[string]interface{}{
		"URI":     "tcp://10.0.0.1:9000",
		"service": []interface{}{"alpha"},
		"status":  false,
	})
	raw, err := stop.Encode()
	require.NoError(t, err)
	r.handle(raw, nil)

	assert.Empty(t, r.Get("alpha"))
}

func TestZeroMaxAgeEvictsOnNextSweep(t *testing.T) {
	// A zero MaxAge selects DefaultMaxAge, so the smallest positive age
	// stands in for zero here.
	r, _ := newTestReceiver(time.Nanosecond)
	r.handle(advertise("alpha", "tcp://10.0.0.1:9000"), nil)
	time.Sleep(time.Millisecond)
	r.checkAge()
	assert.Empty(t, r.Get("alpha"))
}

func TestIgnoresForeignSubjects(t *testing.T) {
	r, _ := newTestReceiver(10 * time.Second)
	msg := message.New("/something/else", "info", map[string]interface{}{"URI": "tcp://x:1"})
	raw, err := msg.Encode()
	require.NoError(t, err)
	r.handle(raw, nil)
	assert.Empty(t, r.GetActiveAddresses())
}

func TestIgnoresGarbage(t *testing.T) {
	r, _ := newTestReceiver(10 * time.Second)
	r.handle("not a message at all", nil)
	assert.Empty(t, r.GetActiveAddresses())
}

func TestAdvertisementFromData(t *testing.T) {
	adv, ok := FromData(map[string]interface{}{
		"URI":     "tcp://10.0.0.1:9000",
		"service": []interface{}{"alpha", "al"},
		"status":  true,
	})
	require.True(t, ok)
	assert.Equal(t, []string{"alpha", "al"}, adv.Service)
	assert.True(t, adv.HasService("al"))
	assert.True(t, adv.HasService(""))
	assert.False(t, adv.HasService("beta"))

	_, ok = FromData(map[string]interface{}{"service": "x"})
	assert.False(t, ok, "URI is mandatory")
	_, ok = FromData("nonsense")
	assert.False(t, ok)
}

func TestAdvertisementDataRoundtrip(t *testing.T) {
	adv := Advertisement{
		URI:         "tcp://10.0.0.1:9000",
		Name:        "alpha",
		Service:     []string{"alpha", "al"},
		Status:      true,
		ReceiveTime: time.Now().UTC(),
	}
	back, ok := FromData(adv.ToData())
	require.True(t, ok)
	assert.Equal(t, adv.URI, back.URI)
	assert.Equal(t, adv.Service, back.Service)
	assert.Equal(t, adv.Status, back.Status)
}
