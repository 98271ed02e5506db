/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command boopd is the relay server's entry point: it parses its CLI
// surface, loads the credential file and TLS material, stands up the
// listener, and hands every accepted connection to its own session engine,
// the way the teacher's SimpleRelay ingester bootstraps from mainInit into
// startSimpleListeners/acceptor.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/gravwell/boopd/internal/booplog"
	"github.com/gravwell/boopd/internal/creds"
	"github.com/gravwell/boopd/internal/presence"
	"github.com/gravwell/boopd/internal/session"
	"github.com/gravwell/boopd/internal/tlsmat"
	"github.com/gravwell/boopd/utils"
)

const logFile = `logs/boopd.log`

var (
	certFile = flag.String("c", "", "TLS certificate file (required)")
	keyFile  = flag.String("k", "", "TLS key file (required)")
	debug    = flag.Bool("d", false, "enable debug-level logging")

	lg *booplog.Logger
)

func mainInit() (credFile, bind string) {
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s -c cert -k key [-d] credential-file host:port\n", os.Args[0])
		os.Exit(1)
	}
	credFile, bind = flag.Arg(0), flag.Arg(1)
	if *certFile == `` || *keyFile == `` {
		fmt.Fprintln(os.Stderr, "-c and -k are required")
		os.Exit(1)
	}

	if err := os.MkdirAll(`logs`, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	var err error
	if lg, err = booplog.NewFile(logFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", logFile, err)
		os.Exit(1)
	}
	if *debug {
		lg.SetLevel(booplog.DEBUG)
	}
	return
}

func main() {
	credFile, bind := mainInit()

	records, err := creds.Load(credFile, func(path string) (io.ReadCloser, error) {
		return os.Open(path)
	})
	if err != nil {
		lg.FatalCode(1, "failed to load credential file", booplog.KV("path", credFile), booplog.KVErr(err))
	}
	lg.Info("loaded credential file", booplog.KV("records", len(records)), booplog.KV("path", credFile))

	tlsCfg, err := tlsmat.Load(*certFile, *keyFile)
	if err != nil {
		lg.FatalCode(1, "failed to load TLS material", booplog.KVErr(err))
	}

	listener, err := listen(bind, tlsCfg)
	if err != nil {
		lg.FatalCode(1, "failed to bind listener", booplog.KV("bind", bind), booplog.KVErr(err))
	}
	lg.Info("listening", booplog.KV("bind", bind))

	table := presence.New()

	var wg sync.WaitGroup
	wg.Add(1)
	go acceptLoop(listener, table, records, &wg)

	sig := utils.WaitForQuit()
	lg.Info("received signal, shutting down", booplog.KV("signal", sig.String()))
	listener.Close()
	wg.Wait()
}

// listen resolves bind as a TCP address and wraps it in a TLS listener, the
// way the teacher's SimpleRelay builds its TLS bind mode inline in
// startSimpleListeners.
func listen(bind string, tlsCfg *tls.Config) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", bind, err)
	}
	return tls.Listen("tcp", addr.String(), tlsCfg)
}

// acceptLoop mirrors the teacher's acceptor: it loops on Accept and hands
// every connection off to its own goroutine, tracking consecutive failures
// so a persistently broken listener doesn't spin forever.
func acceptLoop(listener net.Listener, table *presence.Table, records []creds.Record, wg *sync.WaitGroup) {
	defer wg.Done()
	var failCount int
	for {
		conn, err := listener.Accept()
		if err != nil {
			if failCount++; failCount > 3 {
				lg.Error("too many consecutive accept failures, stopping", booplog.KVErr(err))
				return
			}
			lg.Warn("accept failed", booplog.KVErr(err))
			continue
		}
		failCount = 0
		lg.Debug("accepted connection", booplog.KV("remote", conn.RemoteAddr().String()))
		eng := session.New(conn, table, records, lg)
		go func() {
			if err := eng.Run(); err != nil {
				lg.Debug("session ended", booplog.KVErr(err))
			}
		}()
	}
}
