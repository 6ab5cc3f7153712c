// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package posttroll provides the process-wide configuration and shared
// plumbing for the posttroll messaging substrate.
//
// Posttroll lets independent processes publish typed notifications on
// named services and lets other processes subscribe to those services
// without knowing the publishers' addresses. A lightweight nameserver
// aggregates publisher advertisements (UDP multicast or direct pushes)
// and answers point-in-time lookups from subscribers.
//
// The sub-packages carry the actual machinery:
//
//   - message:     the versioned wire envelope
//   - backends/zmq: socket factories over the ZeroMQ transport
//   - broadcast:   UDP multicast advertisement plumbing
//   - address:     the live-address table with staleness eviction
//   - ns:          the nameserver process and its client side
//   - publisher:   outbound endpoints with announcement
//   - subscriber:  inbound consumers with dynamic connection tracking
package posttroll
