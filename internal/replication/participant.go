package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/beedb/internal/cluster"
	"github.com/dreamware/beedb/internal/shard"
	"github.com/dreamware/beedb/internal/storage"
)

// marker is the durable record of a staged operation.
type marker struct {
	TxID       string          `json:"txId"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Operation  string          `json:"operation"`
	PreparedAt time.Time       `json:"preparedAt"`
}

// Participant is the follower side of two-phase commit. Prepared operations
// are staged in a marker store separate from the data store, and applied to
// the shard on commit.
type Participant struct {
	shard   *shard.Shard
	markers storage.Store
	log     hclog.Logger

	mu      sync.Mutex
	aborted abortedSet
}

// abortedTxLimit bounds how many aborted transaction ids a participant
// remembers.
const abortedTxLimit = 1024

// abortedSet remembers the most recent aborted transaction ids, oldest
// evicted first.
type abortedSet struct {
	ids   map[string]struct{}
	order []string
}

func (s *abortedSet) add(txID string) {
	if txID == "" {
		return
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{}, abortedTxLimit)
	}
	if _, found := s.ids[txID]; found {
		return
	}

	if len(s.order) == abortedTxLimit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[txID] = struct{}{}
	s.order = append(s.order, txID)
}

func (s *abortedSet) contains(txID string) bool {
	_, found := s.ids[txID]
	return found
}

// NewParticipant returns the follower side of two-phase commit for sh.
// Prepare markers are kept in markers, a store separate from the shard's
// data so that staged operations never show up as keys.
func NewParticipant(sh *shard.Shard, markers storage.Store, logger hclog.Logger) *Participant {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Participant{
		shard:   sh,
		markers: markers,
		log:     logger.Named("participant"),
	}
}

// Prepare stages the operation. A later prepare for the same key and
// operation replaces the staged one. A prepare whose transaction was
// already aborted here fails with ErrTxAborted and stages nothing.
func (p *Participant) Prepare(req PrepareRequest) error {
	if err := validateOperation(req.Key, req.Value, req.Operation); err != nil {
		return err
	}

	data, err := json.Marshal(marker{
		TxID:       req.TxID,
		Key:        req.Key,
		Value:      req.Value,
		Operation:  string(req.Operation),
		PreparedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("cannot encode prepare marker: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aborted.contains(req.TxID) {
		p.log.Debug("refusing prepare of an aborted transaction", "tx", req.TxID, "key", req.Key)
		return fmt.Errorf("%w: %s", ErrTxAborted, req.TxID)
	}

	if err := p.markers.Put(MarkerKey(req.Key, req.Operation), data); err != nil {
		return fmt.Errorf("cannot store prepare marker: %w", err)
	}

	p.shard.RecordPrepare()
	p.log.Debug("prepared", "tx", req.TxID, "key", req.Key, "op", req.Operation)

	return nil
}

// Commit applies the staged operation and removes its marker. Without a
// matching marker, Commit succeeds and does nothing.
func (p *Participant) Commit(req DecisionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, found, err := p.loadMarker(req)
	if err != nil {
		return err
	}
	if !found {
		p.log.Debug("nothing to commit", "tx", req.TxID, "key", req.Key, "op", req.Operation)
		return nil
	}

	switch req.Operation {
	case cluster.OpCreate:
		err = p.shard.Put(m.Key, m.Value)
	case cluster.OpDelete:
		err = p.shard.Delete(m.Key)
	}
	if err != nil {
		return fmt.Errorf("cannot apply %s of %q: %w", req.Operation, m.Key, err)
	}

	if err := p.markers.Delete(MarkerKey(req.Key, req.Operation)); err != nil {
		return fmt.Errorf("cannot remove prepare marker: %w", err)
	}

	p.shard.RecordCommit()
	p.log.Debug("committed", "tx", m.TxID, "key", m.Key, "op", req.Operation)

	return nil
}

// Abort drops the staged operation. Without a matching marker, Abort
// succeeds and only remembers the transaction, so that a prepare still in
// flight for it is refused.
func (p *Participant) Abort(req DecisionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, found, err := p.loadMarker(req)
	if err != nil {
		return err
	}
	if !found {
		p.aborted.add(req.TxID)
		p.log.Debug("nothing to abort", "tx", req.TxID, "key", req.Key, "op", req.Operation)
		return nil
	}

	if err := p.markers.Delete(MarkerKey(req.Key, req.Operation)); err != nil {
		return fmt.Errorf("cannot remove prepare marker: %w", err)
	}

	p.shard.RecordAbort()
	p.log.Debug("aborted", "tx", req.TxID, "key", req.Key, "op", req.Operation)

	return nil
}

// Pending returns the number of staged operations.
func (p *Participant) Pending() int {
	return len(p.markers.List())
}

// loadMarker returns the marker matching the request. A marker staged by
// another transaction for the same key and operation does not match.
func (p *Participant) loadMarker(req DecisionRequest) (marker, bool, error) {
	var m marker

	if req.Key == "" {
		return m, false, fmt.Errorf("%w: missing key", ErrInvalidProposal)
	}
	if !req.Operation.Valid() {
		return m, false, fmt.Errorf("%w: unknown operation %q", ErrInvalidProposal, req.Operation)
	}

	data, err := p.markers.Get(MarkerKey(req.Key, req.Operation))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return m, false, nil
	} else if err != nil {
		return m, false, fmt.Errorf("cannot read prepare marker: %w", err)
	}

	if err := json.Unmarshal(data, &m); err != nil {
		return m, false, fmt.Errorf("cannot decode prepare marker: %w", err)
	}

	if req.TxID != "" && m.TxID != "" && req.TxID != m.TxID {
		p.log.Warn("ignoring decision for a replaced prepare",
			"tx", req.TxID, "staged_tx", m.TxID, "key", req.Key)
		return m, false, nil
	}

	return m, true, nil
}
