// Package main implements the beedb replica process.
//
// A replica serves one shard: it stores the shard's keys, takes part in the
// shard's leader election and replicates writes with two-phase commit. The
// whole cluster is described by one configuration file; the replica id
// selects which entry of it this process is.
//
// Configuration:
//   - -config / BEEDB_CONFIG: cluster file (default: "beedb.yaml")
//   - -id / NODE_ID: replica id (required)
//   - BEEDB_LOG_LEVEL: overrides log.level from the file
//
// Example usage:
//
//	NODE_ID=a1 BEEDB_CONFIG=cluster.yaml ./node
//
// The process exits on SIGINT or SIGTERM, or once a shutdown requested on
// /internal/shutdown finished draining.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/node"
)

const shutdownTimeout = 5 * time.Second

func main() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if err := run(os.Args[1:], stop); err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stop <-chan os.Signal) error {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	configPath := fs.String("config", getenv("BEEDB_CONFIG", "beedb.yaml"), "cluster configuration file")
	id := fs.String("id", getenv("NODE_ID", ""), "replica id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id == "" {
		return errors.New("missing replica id (-id or NODE_ID)")
	}

	cfg, err := cluster.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := cluster.NewLogger("beedb-node", cfg.Log)

	replica, err := node.FromConfig(cfg, *id, logger)
	if err != nil {
		return err
	}

	_, rc, _ := cfg.Topology().Locate(*id)

	ln, err := net.Listen("tcp", rc.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s := &http.Server{
		Handler:           replica.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "replica", *id, "listen", ln.Addr().String(), "address", rc.Address)
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	replica.Start()

	err = waitForShutdown(replica, stop, serveErr, logger)

	replica.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := s.Shutdown(ctx); shutdownErr != nil {
		logger.Warn("server shutdown error", "error", shutdownErr)
	}

	logger.Info("stopped")
	return err
}

// waitForShutdown blocks until a signal arrives or a requested drain
// completes. After a signal it drains the replica, waiting at most
// shutdownTimeout for in-flight requests.
func waitForShutdown(replica *node.Replica, stop <-chan os.Signal, serveErr <-chan error, logger hclog.Logger) error {
	select {
	case <-replica.Drainer.Done():
		logger.Info("drained after shutdown request")
		return nil

	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)

	case sig := <-stop:
		logger.Info("signal received, draining", "signal", sig.String())
		replica.Drain()

		select {
		case <-replica.Drainer.Done():
		case <-time.After(shutdownTimeout):
			logger.Warn("in-flight requests still running", "active", replica.Drainer.Active())
		}
		return nil
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
