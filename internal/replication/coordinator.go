package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/shard"
)

// CoordinatorConfig wires a Coordinator to the leader's shard and to the
// other replicas of that shard.
type CoordinatorConfig struct {
	Shard     *shard.Shard
	Followers []string
	Transport Transport

	// PrepareTimeout bounds the whole prepare phase, and each commit or
	// abort call.
	PrepareTimeout time.Duration

	Logger hclog.Logger
}

// Coordinator is the leader side of two-phase commit. Proposals are run one
// at a time.
type Coordinator struct {
	shard     *shard.Shard
	followers []string
	transport Transport
	timeout   time.Duration
	log       hclog.Logger

	mu sync.Mutex
}

// NewCoordinator returns a coordinator for the leader replica of a shard.
//
// Parameters:
//   - cfg: the local shard, follower addresses and transport. PrepareTimeout
//     defaults to one second and a nil Logger discards output.
//
// Returns:
//   - *Coordinator: ready to accept proposals
//
// Example:
//
//	c := replication.NewCoordinator(replication.CoordinatorConfig{
//		Shard:          sh,
//		Followers:      []string{"http://127.0.0.1:9002", "http://127.0.0.1:9003"},
//		Transport:      transport,
//		PrepareTimeout: time.Second,
//	})
//	err := c.Propose(ctx, replication.Proposal{Key: "user:1", Value: value, Operation: cluster.OpCreate})
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	timeout := cfg.PrepareTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	return &Coordinator{
		shard:     cfg.Shard,
		followers: append([]string(nil), cfg.Followers...),
		transport: cfg.Transport,
		timeout:   timeout,
		log:       logger.Named("coordinator"),
	}
}

// Followers returns the addresses the coordinator replicates to.
func (c *Coordinator) Followers() []string {
	return append([]string(nil), c.followers...)
}

// Propose replicates a write to every follower, then applies it locally.
//
// If any follower fails to prepare, every follower is told to abort and the
// leader does not apply the write. Once all followers are prepared the
// round always commits: commit failures are reported with ErrPartialCommit
// after the local apply.
//
// The round is not cancelled when ctx is; it runs until it completes or its
// own timeouts expire.
func (c *Coordinator) Propose(ctx context.Context, p Proposal) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.Operation == cluster.OpDelete {
		p.Value = nil
	}

	ctx = context.WithoutCancel(ctx)

	txID := uuid.NewString()
	log := c.log.With("tx", txID, "key", p.Key, "op", p.Operation)

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	decision := DecisionRequest{TxID: txID, Key: p.Key, Operation: p.Operation}

	err := c.prepare(ctx, PrepareRequest{
		TxID:      txID,
		Key:       p.Key,
		Value:     p.Value,
		Operation: p.Operation,
	})
	if err != nil {
		log.Warn("prepare phase failed, aborting", "error", err)

		c.broadcast(ctx, decision, c.transport.Abort, "abort", log)
		c.shard.RecordAbort()

		return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
	}

	failed := c.broadcast(ctx, decision, c.transport.Commit, "commit", log)

	if err := c.apply(p); err != nil {
		log.Error("cannot apply committed operation", "error", err)
		return fmt.Errorf("%w: %v", ErrLocalApply, err)
	}
	c.shard.RecordCommit()

	if len(failed) > 0 {
		log.Warn("commit not acknowledged", "followers", failed)
		return fmt.Errorf("%w: %s", ErrPartialCommit, strings.Join(failed, ", "))
	}

	log.Debug("operation committed", "followers", len(c.followers),
		"duration", time.Since(start))

	return nil
}

func (c *Coordinator) prepare(ctx context.Context, req PrepareRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, follower := range c.followers {
		follower := follower // per-iteration copy; module targets go 1.21 loop semantics
		g.Go(func() error {
			if err := c.transport.Prepare(gctx, follower, req); err != nil {
				return fmt.Errorf("%s: %w", follower, err)
			}
			return nil
		})
	}

	return g.Wait()
}

type decisionFunc func(ctx context.Context, peer string, req DecisionRequest) error

// broadcast sends a decision to every follower in parallel and returns the
// followers that did not acknowledge it.
func (c *Coordinator) broadcast(ctx context.Context, req DecisionRequest, send decisionFunc, name string, log hclog.Logger) []string {
	var (
		mu     sync.Mutex
		failed []string
		wg     sync.WaitGroup
	)

	for _, follower := range c.followers {
		wg.Add(1)

		go func(follower string) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			if err := send(callCtx, follower, req); err != nil {
				log.Warn(name+" failed", "follower", follower, "error", err)

				mu.Lock()
				failed = append(failed, follower)
				mu.Unlock()
			}
		}(follower)
	}

	wg.Wait()

	return failed
}

func (c *Coordinator) apply(p Proposal) error {
	switch p.Operation {
	case cluster.OpCreate:
		return c.shard.Put(p.Key, p.Value)
	case cluster.OpDelete:
		return c.shard.Delete(p.Key)
	}
	return errors.New("unknown operation")
}
