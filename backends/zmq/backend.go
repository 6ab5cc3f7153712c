// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zmq provides the socket factories used by the rest of
// posttroll, over the pure-Go ZeroMQ implementation.
//
// Two backends are selectable through the "backend" configuration key:
// unsecure_zmq (plain sockets) and secure_zmq (CURVE peer
// authentication with key files).
package zmq

import (
	"context"
	"sync"
	"time"

	"github.com/destiny/zmq4/v25"

	posttroll "github.com/pytroll/go-posttroll"
)

var (
	ctxMu      sync.Mutex
	processCtx context.Context
	processCan context.CancelFunc
)

// Context returns the process-wide socket context, creating it lazily.
// All sockets created by this package share it, so DestroyContext tears
// every socket down at once.
func Context() context.Context {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if processCtx == nil {
		processCtx, processCan = context.WithCancel(context.Background())
	}
	return processCtx
}

// DestroyContext cancels the process-wide socket context. The next
// Context call renews it; long-lived components must be restarted
// afterwards. Child processes spawned after a fork-like re-exec get a
// fresh context of their own.
func DestroyContext() {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if processCan != nil {
		processCan()
		processCtx, processCan = nil, nil
	}
}

// keepaliveOptions maps the tcp_keepalive configuration keys onto ZMTP
// 3.1 heartbeats. The pure-Go transport cannot reach the kernel TCP
// keepalive knobs, so liveness probing happens at the protocol level:
// tcp_keepalive_idle drives the PING interval, tcp_keepalive_intvl the
// local PING timeout, and cnt*intvl the TTL granted to the remote peer.
func keepaliveOptions(cfg *posttroll.Config) []zmq4.Option {
	if !cfg.GetBool(posttroll.KeyTCPKeepalive, false) {
		return nil
	}
	idle := cfg.GetInt(posttroll.KeyTCPKeepaliveIdle, 60)
	intvl := cfg.GetInt(posttroll.KeyTCPKeepaliveIntvl, 10)
	cnt := cfg.GetInt(posttroll.KeyTCPKeepaliveCnt, 6)
	return []zmq4.Option{
		zmq4.WithHeartbeatIVL(time.Duration(idle) * time.Second),
		zmq4.WithHeartbeatTimeout(time.Duration(intvl) * time.Second),
		zmq4.WithHeartbeatTTL(time.Duration(cnt*intvl) * time.Second),
	}
}
