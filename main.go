package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"revsocks/internal/muxsession"
	"revsocks/internal/reconnect"
	"revsocks/internal/resolver"
	"revsocks/internal/rlog"
	"revsocks/internal/transport"
)

var (
	server       = flag.String("server", "", "host:port of the reverse proxy server (required)")
	psk          = flag.String("psk", os.Getenv("REVSOCKS_PSK"), "pre-shared key for the reference transport adapter")
	windowSize   = flag.Uint("window", 262144, "per-channel flow-control window size in bytes")
	keepaliveMs  = flag.Uint("keepalive", 30000, "PING keepalive interval in milliseconds, 0 disables it")
	ioWorkers    = flag.Int("io-workers", runtime.NumCPU(), "advisory worker count, logged at startup; no worker pool is sized from it")
	dnsUpstream  = flag.String("dns", "8.8.8.8:53", "upstream DNS server for domain CONNECT targets")
	logLevelFlag = flag.String("log-level", "info", "debug|info|warn|error")
	reconnectMs  = flag.Uint("reconnect-ms", 1000, "initial reconnect backoff delay in milliseconds")
	reconnectMax = flag.Uint("reconnect-max", 60000, "reconnect backoff ceiling in milliseconds")
)

func main() {
	flag.Parse()

	level, err := rlog.ParseLevel(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "revsocks: %v\n", err)
		os.Exit(1)
	}
	logger := rlog.New(os.Stderr, level)

	if *server == "" {
		fmt.Fprintln(os.Stderr, "revsocks: -server is required")
		flag.Usage()
		os.Exit(1)
	}
	if *psk == "" {
		fmt.Fprintln(os.Stderr, "revsocks: -psk (or REVSOCKS_PSK) is required")
		os.Exit(1)
	}

	// io-workers is advisory: the async connection model spawns exactly
	// two goroutines per outbound connection regardless of thread count,
	// unlike the teacher's IOCP thread pool. It is accepted and logged so
	// operators moving from the original --threads flag have somewhere
	// for it to land.
	logger.Info.Printf("revsocks starting, io-workers=%d (advisory)", *ioWorkers)

	key, err := transport.DerivePSK(*psk)
	if err != nil {
		logger.Error.Printf("derive psk: %v", err)
		os.Exit(1)
	}

	res := resolver.New(*dnsUpstream)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := reconnect.Config{
		InitialDelay: time.Duration(*reconnectMs) * time.Millisecond,
		MaxDelay:     time.Duration(*reconnectMax) * time.Millisecond,
	}

	reconnect.Run(ctx, cfg, func(ctx context.Context) error {
		return runSession(ctx, key, res, logger)
	})

	logger.Info.Printf("revsocks exiting")
}

// runSession dials the server once, drives one mux session to
// completion, and returns the error that ended it, or nil if ctx was
// cancelled while the session was still healthy — mirroring the
// original client's RunSession/reconnect-loop split, where RunSession
// owns exactly one connection attempt and the caller owns backoff.
func runSession(ctx context.Context, key []byte, res *resolver.Resolver, logger *rlog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	t, err := transport.Dial(dialCtx, *server, key, 15*time.Second)
	cancel()
	if err != nil {
		logger.Warn.Printf("connect to %s failed: %v", *server, err)
		return err
	}
	logger.Info.Printf("connected to %s", *server)

	sess := muxsession.New(t, res, uint32(*windowSize), time.Duration(*keepaliveMs)*time.Millisecond, logger.Info)

	disconnected := make(chan error, 1)
	sess.Start(func(reason error) {
		select {
		case disconnected <- reason:
		default:
		}
	})

	select {
	case <-ctx.Done():
		sess.Shutdown()
		return nil
	case reason := <-disconnected:
		logger.Warn.Printf("session ended: %v", reason)
		return reason
	}
}
