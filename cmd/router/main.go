// Package main implements the beedb router process.
//
// The router is the entry point for clients. It hashes every key to a
// shard, forwards the request to that shard's leader and relays the answer.
// Replicas announce new leaders on /set_master, and a health monitor polls
// every replica to discover leaders the router missed.
//
// Configuration:
//   - -config / BEEDB_CONFIG: cluster file (default: "beedb.yaml")
//   - BEEDB_LOG_LEVEL: overrides log.level from the file
//
// Example usage:
//
//	BEEDB_CONFIG=cluster.yaml ./router
//
//	curl -X POST localhost:8000/key -d '{"key":"user:1","value":{"name":"bee"}}'
//	curl localhost:8000/key/user:1
//	curl localhost:8000/admin/status
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/beedb/internal/admin"
	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/router"
)

const shutdownTimeout = 5 * time.Second

func main() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if err := run(os.Args[1:], stop); err != nil {
		fmt.Fprintf(os.Stderr, "router: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stop <-chan os.Signal) error {
	fs := flag.NewFlagSet("router", flag.ContinueOnError)
	configPath := fs.String("config", getenv("BEEDB_CONFIG", "beedb.yaml"), "cluster configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := cluster.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := cluster.NewLogger("beedb-router", cfg.Log)
	topology := cfg.Topology()
	timing := cfg.Timing

	registry := router.NewShardRegistry(topology)

	monitor := router.NewHealthMonitor(registry, timing.HealthInterval, timing.RPCTimeout, logger)
	monitor.SetOnUnhealthy(func(n cluster.NodeInfo) {
		logger.Warn("replica unreachable", "replica", n.ID, "shard", n.ShardID, "address", n.Addr)
	})

	srv := router.NewServer(router.ServerConfig{
		Registry:       registry,
		Monitor:        monitor,
		Admin:          admin.New(topology, timing.AdminTimeout, logger),
		Address:        cfg.Router.Address,
		RequestTimeout: 2*timing.PrepareTimeout + 2*timing.RPCTimeout,
		Logger:         logger,
	})

	ln, err := net.Listen("tcp", cfg.Router.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("router listening", "listen", ln.Addr().String(), "shards", topology.NumShards())
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	monitor.Start()

	select {
	case err = <-serveErr:
		err = fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		logger.Info("signal received, draining", "signal", sig.String())
	}

	srv.Drainer().Drain()
	select {
	case <-srv.Drainer().Done():
	case <-time.After(shutdownTimeout):
		logger.Warn("in-flight requests still running", "active", srv.Drainer().Active())
	}

	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := s.Shutdown(ctx); shutdownErr != nil {
		logger.Warn("server shutdown error", "error", shutdownErr)
	}

	logger.Info("router stopped")
	return err
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
