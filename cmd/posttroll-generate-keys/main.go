// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// posttroll-generate-keys creates a public/secret key pair for the
// secure zmq backend. Two files are written, NAME.key and
// NAME.key_secret, in the current directory unless -d says otherwise.
//
// Usage:
//
//	posttroll-generate-keys [-d DIRECTORY] NAME
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/destiny/zmq4/v25/security/curve"

	backend "github.com/pytroll/go-posttroll/backends/zmq"
)

func main() {
	var dir string
	flag.StringVar(&dir, "d", ".", "directory to place the keys in")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: posttroll-generate-keys [-d DIRECTORY] NAME")
		os.Exit(1)
	}
	name := flag.Arg(0)

	keys, err := curve.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot generate key pair: %v\n", err)
		os.Exit(2)
	}
	publicPath, secretPath, err := backend.WriteCertificate(dir, name, keys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot write certificates: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("wrote %s and %s\n", publicPath, secretPath)
}
