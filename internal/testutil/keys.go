// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"testing"

	"github.com/destiny/zmq4/v25/security/curve"

	backend "github.com/pytroll/go-posttroll/backends/zmq"
)

// TestKeySet holds server and client certificates written to disk the
// way the secure backend expects them.
type TestKeySet struct {
	Dir string

	ServerKeys *curve.KeyPair
	ClientKeys *curve.KeyPair

	ServerPublicFile string
	ServerSecretFile string
	ClientPublicFile string
	ClientSecretFile string
	ClientsDir       string
}

// NewTestKeySet generates matched key pairs for client-server testing
// and writes their certificate files under dir.
func NewTestKeySet(t testing.TB, dir string) *TestKeySet {
	t.Helper()

	serverKeys, err := curve.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating server key pair: %v", err)
	}
	clientKeys, err := curve.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating client key pair: %v", err)
	}

	serverPublic, serverSecret, err := backend.WriteCertificate(dir, "server", serverKeys)
	if err != nil {
		t.Fatalf("writing server certificate: %v", err)
	}
	clientPublic, clientSecret, err := backend.WriteCertificate(dir, "client", clientKeys)
	if err != nil {
		t.Fatalf("writing client certificate: %v", err)
	}

	return &TestKeySet{
		Dir:              dir,
		ServerKeys:       serverKeys,
		ClientKeys:       clientKeys,
		ServerPublicFile: serverPublic,
		ServerSecretFile: serverSecret,
		ClientPublicFile: clientPublic,
		ClientSecretFile: clientSecret,
		ClientsDir:       dir,
	}
}
