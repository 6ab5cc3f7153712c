// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package subscriber

import (
	"fmt"
	"sync"
	"time"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/message"
	"github.com/pytroll/go-posttroll/ns"
)

// AddrRefreshInterval is the cadence of nameserver re-polls while an
// address listener is active.
const AddrRefreshInterval = 10 * time.Second

// Options configures an NSSubscriber or the Subscribe helper.
type Options struct {
	// Services to discover. nil means no discovery (explicit
	// addresses only); [""] means every service.
	Services []string
	// Topics are the subject prefixes to subscribe to; nil means all.
	Topics []string
	// Addresses are explicit endpoints joined besides discovery.
	Addresses []string
	// MessageFilter discards messages it returns false for.
	MessageFilter func(*message.Message) bool
	// Translate rewrites sender hosts to the connected addresses.
	Translate bool
	// Nameserver is the host to query, "localhost" by default.
	Nameserver string
	// AddrListener follows publishers as they come and go.
	AddrListener bool
	// Timeout bounds the initial address resolution.
	Timeout time.Duration

	Logger *posttroll.Logger
}

// NSSubscriber subscribes to services by looking their publishers up
// in the nameserver.
type NSSubscriber struct {
	opts   Options
	logger *posttroll.Logger

	mu       sync.Mutex
	sub      *Subscriber
	listener *addressListener
}

// NewNSSubscriber builds a subscriber resolving addresses through the
// nameserver; Start connects it.
func NewNSSubscriber(opts Options) *NSSubscriber {
	if opts.Nameserver == "" {
		opts.Nameserver = "localhost"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = ns.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = posttroll.NewLogger("subscriber", posttroll.LogLevelInfo)
	}
	return &NSSubscriber{opts: opts, logger: opts.Logger}
}

// Start resolves the requested services and connects the subscriber.
func (n *NSSubscriber) Start() (*Subscriber, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return n.sub, nil
	}
	n.logger.Debug("subscribing to topics %v", n.opts.Topics)
	sub := New(n.opts.Addresses, n.opts.Topics, SubscriberOptions{
		MessageFilter: n.opts.MessageFilter,
		Translate:     n.opts.Translate,
		Logger:        n.opts.Logger,
	})

	for _, service := range n.opts.Services {
		addrs := n.resolve(service)
		if len(addrs) == 0 {
			n.logger.Warn("cannot get any address for %q", service)
			continue
		}
		n.logger.Debug("got addresses for %q: %v", service, addrs)
		for _, addr := range addrs {
			if err := sub.Add(addr, nil); err != nil {
				n.logger.Warn("cannot subscribe to %s: %v", addr, err)
			}
		}
	}

	if n.opts.AddrListener && len(n.opts.Services) > 0 {
		listener, err := newAddressListener(sub, n.opts.Services, n.opts.Nameserver, n.opts.Logger)
		if err != nil {
			sub.Close()
			return nil, err
		}
		n.listener = listener
	}
	n.sub = sub
	return sub, nil
}

// resolve polls the nameserver for service until an address appears or
// the timeout passes.
func (n *NSSubscriber) resolve(service string) []string {
	deadline := time.Now().Add(n.opts.Timeout)
	for {
		addrs, err := ns.GetPubAddress(service, n.opts.Timeout, n.opts.Nameserver)
		if err != nil {
			n.logger.Debug("nameserver lookup for %q: %v", service, err)
		}
		if len(addrs) > 0 {
			uris := make([]string, len(addrs))
			for i, adv := range addrs {
				uris[i] = adv.URI
			}
			return uris
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		time.Sleep(time.Second)
	}
}

// Stop disconnects the subscriber and its address listener.
func (n *NSSubscriber) Stop() {
	n.mu.Lock()
	sub, listener := n.sub, n.listener
	n.sub, n.listener = nil, nil
	n.mu.Unlock()
	if listener != nil {
		listener.stop()
	}
	if sub != nil {
		sub.Close()
	}
}

// addressListener keeps the connection set of a subscriber aligned
// with the live publishers of the requested services: push
// notifications from the nameserver's address publisher give fast
// add/remove, a periodic re-poll covers lost notifications.
type addressListener struct {
	sub        *Subscriber
	services   []string
	nameserver string
	logger     *posttroll.Logger

	mu         sync.Mutex
	discovered map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newAddressListener(sub *Subscriber, services []string, nameserver string, logger *posttroll.Logger) (*addressListener, error) {
	al := &addressListener{
		sub:        sub,
		services:   services,
		nameserver: nameserver,
		logger:     logger,
		discovered: make(map[string]bool),
		done:       make(chan struct{}),
	}
	port := posttroll.GetConfig().AddressPublishPort()
	hookAddr := fmt.Sprintf("tcp://%s:%d", nameserver, port)
	if err := sub.AddHookSub(hookAddr, []string{"/address"}, al.handle); err != nil {
		return nil, err
	}
	al.wg.Add(1)
	go al.pollLoop()
	return al, nil
}

// handle reacts to one registration event pushed by the nameserver.
func (al *addressListener) handle(msg *message.Message) {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		return
	}
	uri, _ := data["URI"].(string)
	if uri == "" {
		return
	}
	status := true
	if st, ok := data["status"].(bool); ok {
		status = st
	}
	if !status {
		al.logger.Debug("removing address %s", uri)
		al.forget(uri)
		al.sub.Remove(uri)
		return
	}
	if !al.wantsService(data["service"]) {
		return
	}
	al.logger.Debug("adding address %s", uri)
	al.remember(uri)
	if err := al.sub.Add(uri, nil); err != nil {
		al.logger.Warn("cannot subscribe to %s: %v", uri, err)
	}
}

func (al *addressListener) wantsService(service interface{}) bool {
	names := map[string]bool{}
	switch svc := service.(type) {
	case string:
		names[svc] = true
	case []interface{}:
		for _, item := range svc {
			if s, ok := item.(string); ok {
				names[s] = true
			}
		}
	}
	for _, wanted := range al.services {
		if wanted == "" || names[wanted] {
			return true
		}
	}
	return false
}

// pollLoop re-queries the nameserver so missed push notifications
// cannot strand the connection set. Lookup failures are logged and
// retried with backoff; they never end the listener.
func (al *addressListener) pollLoop() {
	defer al.wg.Done()
	interval := AddrRefreshInterval
	for {
		select {
		case <-al.done:
			return
		case <-time.After(interval):
		}
		if al.pollOnce() {
			interval = AddrRefreshInterval
		} else if interval < 2*time.Minute {
			interval *= 2
		}
	}
}

func (al *addressListener) pollOnce() bool {
	live := make(map[string]bool)
	allOK := true
	for _, service := range al.services {
		addrs, err := ns.GetPubAddress(service, 5*time.Second, al.nameserver)
		if err != nil {
			al.logger.Debug("refresh lookup for %q: %v", service, err)
			allOK = false
			continue
		}
		for _, adv := range addrs {
			live[adv.URI] = true
		}
	}
	for uri := range live {
		al.remember(uri)
		if err := al.sub.Add(uri, nil); err != nil {
			al.logger.Warn("cannot subscribe to %s: %v", uri, err)
		}
	}
	if allOK {
		// Only addresses this listener discovered are reclaimed;
		// caller-supplied ones stay.
		for _, uri := range al.known() {
			if !live[uri] {
				al.forget(uri)
				al.sub.Remove(uri)
			}
		}
	}
	return allOK
}

func (al *addressListener) remember(uri string) {
	al.mu.Lock()
	al.discovered[uri] = true
	al.mu.Unlock()
}

func (al *addressListener) forget(uri string) {
	al.mu.Lock()
	delete(al.discovered, uri)
	al.mu.Unlock()
}

func (al *addressListener) known() []string {
	al.mu.Lock()
	defer al.mu.Unlock()
	out := make([]string, 0, len(al.discovered))
	for uri := range al.discovered {
		out = append(out, uri)
	}
	return out
}

func (al *addressListener) stop() {
	close(al.done)
	al.wg.Wait()
}

// Subscribe runs fn with a connected subscriber and guarantees cleanup
// on every exit path.
func Subscribe(opts Options, fn func(*Subscriber) error) error {
	nsub := NewNSSubscriber(opts)
	sub, err := nsub.Start()
	if err != nil {
		return err
	}
	defer nsub.Stop()
	return fn(sub)
}
