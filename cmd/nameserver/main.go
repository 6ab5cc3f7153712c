// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The nameserver daemon hosts the address receiver and answers
// publisher lookups on the nameserver port.
//
// Usage:
//
//	nameserver [-d start|stop|status|restart] [-l LOG] [-v]
//	           [--no-multicast] [--restrict-to-localhost]
//
// Exit codes: 0 normal, 1 usage, 2 daemon action failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	posttroll "github.com/pytroll/go-posttroll"
	"github.com/pytroll/go-posttroll/ns"
)

const pidFile = "/tmp/nameserver.pid"

// daemonEnv marks the re-executed child of "-d start".
const daemonEnv = "POSTTROLL_NAMESERVER_DAEMONIZED"

func main() {
	var (
		daemon        string
		logFile       string
		verbose       bool
		noMulticast   bool
		localhostOnly bool
	)
	flag.StringVar(&daemon, "d", "", "daemon action: start|stop|status|restart")
	flag.StringVar(&logFile, "l", "", "file to log to (defaults to stderr)")
	flag.BoolVar(&verbose, "v", false, "print debug messages too")
	flag.BoolVar(&noMulticast, "no-multicast", false, "disable multicasting")
	flag.BoolVar(&localhostOnly, "restrict-to-localhost", false, "accept registrations only from localhost")
	flag.Parse()

	if flag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		flag.Usage()
		os.Exit(1)
	}

	switch daemon {
	case "":
		if os.Getenv(daemonEnv) == "" {
			os.Exit(serve(logFile, verbose, noMulticast, localhostOnly))
		}
		// Daemonized child: record our pid, then serve.
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "cannot write pid file: %v\n", err)
			os.Exit(2)
		}
		code := serve(logFile, verbose, noMulticast, localhostOnly)
		os.Remove(pidFile)
		os.Exit(code)
	case "start":
		os.Exit(daemonStart())
	case "stop":
		os.Exit(daemonStop())
	case "status":
		os.Exit(daemonStatus())
	case "restart":
		if code := daemonStop(); code != 0 {
			os.Exit(code)
		}
		os.Exit(daemonStart())
	default:
		fmt.Fprintf(os.Stderr, "invalid daemon action %q\n", daemon)
		flag.Usage()
		os.Exit(1)
	}
}

func serve(logFile string, verbose, noMulticast, localhostOnly bool) int {
	level := posttroll.LogLevelInfo
	if verbose {
		level = posttroll.LogLevelDebug
	}
	var out io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			return 2
		}
		defer f.Close()
		out = f
	}
	logger := posttroll.NewLoggerWithWriter(out, "nameserver", level)

	server := ns.New(ns.Options{
		MulticastEnabled:    !noMulticast,
		RestrictToLocalhost: localhostOnly,
		Logger:              logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g := new(errgroup.Group)
	g.Go(server.Run)
	g.Go(func() error {
		<-ctx.Done()
		server.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("%v", err)
		return 2
	}
	return 0
}

func daemonStart() int {
	if pid, ok := readPid(); ok && processAlive(pid) {
		fmt.Fprintf(os.Stderr, "nameserver already running (pid %d)\n", pid)
		return 2
	}
	args := make([]string, 0, len(os.Args)-1)
	skip := false
	for _, arg := range os.Args[1:] {
		if skip {
			skip = false
			continue
		}
		if arg == "-d" || arg == "--d" {
			skip = true
			continue
		}
		if strings.HasPrefix(arg, "-d=") || strings.HasPrefix(arg, "--d=") {
			continue
		}
		args = append(args, arg)
	}
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot start daemon: %v\n", err)
		return 2
	}
	fmt.Printf("nameserver started (pid %d)\n", cmd.Process.Pid)
	return 0
}

func daemonStop() int {
	pid, ok := readPid()
	if !ok {
		fmt.Fprintln(os.Stderr, "nameserver is not running")
		return 2
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "cannot stop pid %d: %v\n", pid, err)
		return 2
	}
	os.Remove(pidFile)
	return 0
}

func daemonStatus() int {
	pid, ok := readPid()
	if !ok || !processAlive(pid) {
		fmt.Println("nameserver is not running")
		return 2
	}
	fmt.Printf("nameserver is running (pid %d)\n", pid)
	return 0
}

func readPid() (int, bool) {
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
