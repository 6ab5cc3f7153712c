// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package address

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/broadcast"
	"github.com/pytroll/go-posttroll/message"
	"github.com/pytroll/go-posttroll/publisher"
)

const (
	// DefaultMaxAge is the eviction threshold for advertisements that
	// stop refreshing.
	DefaultMaxAge = 10 * time.Second

	ingestTimeout     = 2 * time.Second
	heartbeatInterval = 29 * time.Second
	addressSubject    = "/address"
)

// A source yields raw advertisement payloads. The returned address is
// nil for sources that are not datagram-based.
type source interface {
	Receive() (string, *net.UDPAddr, error)
	Close() error
}

// An announcer republishes registration events so subscribers can react
// without polling.
type announcer interface {
	Send(raw string) error
	Heartbeat(minInterval time.Duration) error
	Stop()
}

// Options configures a Receiver.
type Options struct {
	// MaxAge is the staleness threshold; DefaultMaxAge when zero.
	MaxAge time.Duration
	// PublishPort carries registration events to push-notified
	// subscribers; the configured address_publish_port when zero.
	PublishPort int
	// DoHeartbeat beats the event publisher periodically.
	DoHeartbeat bool
	// MulticastEnabled listens for multicast advertisements; when
	// false a plain reply socket on the broadcast port is used
	// instead and publishers must register directly.
	MulticastEnabled bool
	// RestrictToLocalhost drops advertisements from other hosts.
	RestrictToLocalhost bool

	Logger *posttroll.Logger
}

// Receiver aggregates advertisements into a table keyed by endpoint
// URI. Two advertisements for the same URI refresh a single record,
// last writer wins. Records older than MaxAge are evicted by a sweep
// running at min(MaxAge/20, 1s).
type Receiver struct {
	opts   Options
	maxAge time.Duration
	logger *posttroll.Logger

	mu        sync.Mutex
	addresses map[string]Advertisement
	running   bool
	done      chan struct{}
	wg        sync.WaitGroup

	src source
	pub announcer

	localIPs map[string]bool

	// seams for tests
	newSource    func() (source, error)
	newAnnouncer func() (announcer, error)
}

// NewReceiver builds a receiver; Start brings it to life.
func NewReceiver(opts Options) *Receiver {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.PublishPort == 0 {
		opts.PublishPort = posttroll.GetConfig().AddressPublishPort()
	}
	if opts.Logger == nil {
		opts.Logger = posttroll.NewLogger("address-receiver", posttroll.LogLevelInfo)
	}
	r := &Receiver{
		opts:      opts,
		maxAge:    opts.MaxAge,
		logger:    opts.Logger,
		addresses: make(map[string]Advertisement),
		done:      make(chan struct{}),
		localIPs:  make(map[string]bool),
	}
	for _, ip := range posttroll.GetLocalIPs() {
		r.localIPs[ip] = true
	}
	r.localIPs["127.0.0.1"] = true
	r.newSource = r.defaultSource
	r.newAnnouncer = r.defaultAnnouncer
	return r
}

func (r *Receiver) defaultSource() (source, error) {
	cfg := posttroll.GetConfig()
	if r.opts.MulticastEnabled {
		recv, err := broadcast.NewMulticastReceiver(cfg.BroadcastPort(), cfg.McGroup())
		if err != nil {
			return nil, err
		}
		recv.SetTimeout(ingestTimeout)
		return recv, nil
	}
	return NewSimpleReceiver(cfg.BroadcastPort(), ingestTimeout)
}

func (r *Receiver) defaultAnnouncer() (announcer, error) {
	var nameservers []string
	if !r.opts.MulticastEnabled {
		nameservers = []string{"localhost"}
	}
	pub := publisher.NewNoisyPublisher("address_receiver", publisher.Options{
		Port:        r.opts.PublishPort,
		Aliases:     []string{"addresses"},
		Nameservers: nameservers,
	})
	if _, err := pub.Start(); err != nil {
		return nil, err
	}
	return pub, nil
}

// Start launches the ingest and eviction threads.
func (r *Receiver) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	src, err := r.newSource()
	if err != nil {
		return err
	}
	pub, err := r.newAnnouncer()
	if err != nil {
		src.Close()
		return err
	}

	r.mu.Lock()
	r.src = src
	r.pub = pub
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(2)
	go r.ingest()
	go r.sweep()
	r.logger.Info("receiver started, max age %s", r.maxAge)
	return nil
}

// Stop halts the receiver. Stop is idempotent.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.done)
	src, pub := r.src, r.pub
	r.mu.Unlock()

	src.Close()
	r.wg.Wait()
	pub.Stop()
}

// IsRunning reports whether the receiver threads are alive.
func (r *Receiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Get returns the live advertisements whose service labels contain
// name. The empty name returns everything.
func (r *Receiver) Get(name string) []Advertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Advertisement
	for _, adv := range r.addresses {
		if adv.HasService(name) {
			out = append(out, adv)
		}
	}
	return out
}

// GetActiveAddresses returns every live advertisement.
func (r *Receiver) GetActiveAddresses() []Advertisement {
	return r.Get("")
}

// Register records an advertisement received out of band, e.g. a
// direct have_address control message.
func (r *Receiver) Register(adv Advertisement) {
	r.register(adv)
}

// Drop removes the record for uri immediately.
func (r *Receiver) Drop(uri string) {
	r.drop(uri, "stop requested")
}

func (r *Receiver) ingest() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		default:
		}
		data, from, err := r.src.Receive()
		if err != nil {
			if errors.Is(err, posttroll.ErrTimeout) {
				continue
			}
			if r.IsRunning() {
				r.logger.Debug("ingest interrupted: %v", err)
			}
			return
		}
		r.handle(data, from)
	}
}

func (r *Receiver) handle(data string, from *net.UDPAddr) {
	if from != nil && r.opts.RestrictToLocalhost && !r.localIPs[from.IP.String()] {
		r.logger.Debug("discarding external advertisement from %s", from.IP)
		return
	}
	msg, err := message.Decode(data)
	if err != nil {
		r.logger.Warn("undecodable advertisement %q: %v", data, err)
		return
	}
	if !strings.HasPrefix(strings.ToLower(msg.Subject), addressSubject) {
		return
	}
	adv, ok := FromData(msg.Data)
	if !ok {
		r.logger.Warn("malformed advertisement data in %s", msg)
		return
	}
	adv.Name = strings.TrimPrefix(msg.Subject, addressSubject+"/")
	if msg.Type == "stop" || !adv.Status {
		r.drop(adv.URI, "stop advertisement")
		return
	}
	adv.Status = true
	r.register(adv)
}

func (r *Receiver) register(adv Advertisement) {
	adv.ReceiveTime = time.Now().UTC()
	r.mu.Lock()
	_, known := r.addresses[adv.URI]
	r.addresses[adv.URI] = adv
	r.mu.Unlock()
	if !known {
		r.logger.Info("registering %s for %v", adv.URI, adv.Service)
		r.publishEvent(adv, true)
	}
}

// drop removes a record immediately. Dropping an unknown address is a
// no-op, so eviction and stop advertisements never race.
func (r *Receiver) drop(uri, reason string) {
	r.mu.Lock()
	adv, known := r.addresses[uri]
	if known {
		delete(r.addresses, uri)
	}
	r.mu.Unlock()
	if known {
		r.logger.Info("removing %s (%s)", uri, reason)
		r.publishEvent(adv, false)
	}
}

func (r *Receiver) sweep() {
	defer r.wg.Done()
	interval := r.maxAge / 20
	if interval > time.Second || interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.checkAge()
			if r.opts.DoHeartbeat {
				if err := r.pub.Heartbeat(heartbeatInterval); err != nil {
					r.logger.Debug("heartbeat failed: %v", err)
				}
			}
		}
	}
}

func (r *Receiver) checkAge() {
	now := time.Now().UTC()
	var stale []Advertisement
	r.mu.Lock()
	for uri, adv := range r.addresses {
		if now.Sub(adv.ReceiveTime) > r.maxAge {
			stale = append(stale, adv)
			delete(r.addresses, uri)
		}
	}
	r.mu.Unlock()
	for _, adv := range stale {
		r.logger.Info("removing %s (stale)", adv.URI)
		r.publishEvent(adv, false)
	}
}

// publishEvent forwards a registration change on the receiver's own
// publisher so push-notified subscribers track it without polling.
func (r *Receiver) publishEvent(adv Advertisement, status bool) {
	if r.pub == nil {
		return
	}
	adv.Status = status
	msg := message.New("/address/"+adv.Name, "info", adv.ToData())
	raw, err := msg.Encode()
	if err != nil {
		r.logger.Warn("encoding registration event: %v", err)
		return
	}
	if err := r.pub.Send(raw); err != nil {
		r.logger.Debug("publishing registration event: %v", err)
	}
}

// String aids debugging.
func (r *Receiver) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("address.Receiver(%d live)", len(r.addresses))
}
