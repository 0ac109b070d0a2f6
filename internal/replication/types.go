package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/storage"
)

var (
	// ErrPrepareFailed means at least one follower did not stage the
	// operation. The round was aborted and nothing was applied.
	ErrPrepareFailed = errors.New("prepare failed")

	// ErrPartialCommit means every follower staged the operation and the
	// leader applied it, but some followers did not acknowledge the commit.
	ErrPartialCommit = errors.New("commit not acknowledged by every follower")

	// ErrLocalApply means the leader could not apply a committed operation
	// to its own store.
	ErrLocalApply = errors.New("local apply failed")

	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrTxAborted means a prepare arrived after the abort of its own
	// transaction.
	ErrTxAborted = errors.New("transaction already aborted")
)

// Reply statuses.
const (
	StatusReady   = "ready"
	StatusOK      = "ok"
	StatusAborted = "aborted"
	StatusFail    = "fail"
)

// Proposal is a client write submitted to the shard leader. Value is nil
// for deletes.
type Proposal struct {
	Key       string
	Value     json.RawMessage
	Operation cluster.Operation
}

func (p Proposal) validate() error {
	return validateOperation(p.Key, p.Value, p.Operation)
}

func validateOperation(key string, value json.RawMessage, op cluster.Operation) error {
	if key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidProposal)
	}
	if !op.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidProposal, op)
	}
	if op == cluster.OpCreate && len(value) == 0 {
		return fmt.Errorf("%w: missing value", ErrInvalidProposal)
	}
	return nil
}

// PrepareRequest asks a follower to stage one operation under TxID. Value
// is empty for deletes.
type PrepareRequest struct {
	TxID      string            `json:"txId"`
	Key       string            `json:"key"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Operation cluster.Operation `json:"operation"`
}

// DecisionRequest carries a commit or abort for a staged operation.
type DecisionRequest struct {
	TxID      string            `json:"txId,omitempty"`
	Key       string            `json:"key"`
	Operation cluster.Operation `json:"operation"`
}

// Reply is the body a participant answers every 2PC call with.
type Reply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Transport carries 2PC calls to followers identified by address. A nil
// error means the follower answered with the expected status.
type Transport interface {
	Prepare(ctx context.Context, peer string, req PrepareRequest) error
	Commit(ctx context.Context, peer string, req DecisionRequest) error
	Abort(ctx context.Context, peer string, req DecisionRequest) error
}

// MarkerKey is the key of the prepare marker staged for an operation on key.
func MarkerKey(key string, op cluster.Operation) string {
	return storage.KeyHash(key) + "." + string(op)
}
