// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil provides testing utilities shared by the posttroll
// packages.
package testutil

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

var portCounter int64 = 20000

// GetAvailablePort returns an available TCP port for testing
func GetAvailablePort(t testing.TB) int {
	basePort := atomic.AddInt64(&portCounter, 1)

	for i := 0; i < 100; i++ {
		port := int(basePort) + i
		if port > 65535 {
			port = 20000 + (port % 45535)
		}
		if isPortAvailable(port) {
			return port
		}
	}
	t.Fatal("no available ports found in range")
	return 0
}

// isPortAvailable checks if a TCP port is available for binding
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// GetTestEndpoint returns a loopback endpoint with an available port
func GetTestEndpoint(t testing.TB) string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", GetAvailablePort(t))
}

// GetUDPPort returns an available UDP port for broadcast testing
func GetUDPPort(t testing.TB) int {
	basePort := atomic.AddInt64(&portCounter, 1)

	for i := 0; i < 100; i++ {
		port := int(basePort) + i
		if port > 65535 {
			port = 20000 + (port % 45535)
		}
		conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
		if err == nil {
			conn.Close()
			return port
		}
	}
	t.Fatal("no available UDP ports found")
	return 0
}

// WaitFor polls condition until it holds or the timeout passes.
func WaitFor(t testing.TB, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition after %v", timeout)
}
