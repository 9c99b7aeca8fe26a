// Package memory is an in-process storage.Store used when no database is
// configured and by tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hookAuction/internal/model"
	"hookAuction/internal/storage"
)

type bidKey struct {
	filterHash common.Hash
	txHash     common.Hash
	logIndex   uint
}

type eventKey struct {
	filterHash common.Hash
	dedup      string
}

// Store implements storage.Store in memory.
type Store struct {
	mu         sync.RWMutex
	auctions   map[common.Hash]model.Auction
	bids       map[bidKey]model.Bid
	seen       map[string]struct{}
	hooks      map[string]model.Hook
	templates  map[string]map[int]model.TransactionTemplate
	events     map[eventKey]model.DetectedEvent
	executions map[string]model.HookExecution
	state      map[string]uint64
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		auctions:   make(map[common.Hash]model.Auction),
		bids:       make(map[bidKey]model.Bid),
		seen:       make(map[string]struct{}),
		hooks:      make(map[string]model.Hook),
		templates:  make(map[string]map[int]model.TransactionTemplate),
		events:     make(map[eventKey]model.DetectedEvent),
		executions: make(map[string]model.HookExecution),
		state:      make(map[string]uint64),
	}
}

func (s *Store) Close() {}

func (s *Store) GetAuction(_ context.Context, filterHash common.Hash) (model.Auction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[filterHash]
	return copyAuction(a), ok, nil
}

func (s *Store) ApplyAuctionUpdate(_ context.Context, update storage.AuctionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.EventKey != "" {
		if _, dup := s.seen[update.EventKey]; dup {
			return false, nil
		}
		s.seen[update.EventKey] = struct{}{}
	}
	a := copyAuction(update.Auction)
	s.auctions[a.FilterHash] = a
	if update.Bid != nil {
		b := *update.Bid
		b.Amount = cloneInt(b.Amount)
		s.bids[bidKey{b.FilterHash, b.TxHash, b.LogIndex}] = b
	}
	return true, nil
}

func (s *Store) ListBids(_ context.Context, filterHash common.Hash) ([]model.Bid, error) {
	return s.collectBids(func(b model.Bid) bool { return b.FilterHash == filterHash }), nil
}

func (s *Store) BidsByBidder(_ context.Context, bidder common.Address) ([]model.Bid, error) {
	return s.collectBids(func(b model.Bid) bool { return b.Bidder == bidder }), nil
}

func (s *Store) collectBids(keep func(model.Bid) bool) []model.Bid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Bid
	for _, b := range s.bids {
		if !keep(b) {
			continue
		}
		if a, ok := s.auctions[b.FilterHash]; ok {
			b.IsWinning = b.Position() == a.LastBid
		}
		b.Amount = cloneInt(b.Amount)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position().Less(out[j].Position()) })
	return out
}

func (s *Store) SaveHook(_ context.Context, hook model.Hook) error {
	if hook.ID == "" {
		return fmt.Errorf("hook id required")
	}
	s.mu.Lock()
	s.hooks[hook.ID] = hook
	s.mu.Unlock()
	return nil
}

func (s *Store) GetHook(_ context.Context, id string) (model.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hooks[id]
	if !ok {
		return model.Hook{}, fmt.Errorf("hook %s: %w", id, storage.ErrNotFound)
	}
	return h, nil
}

func (s *Store) ListHooks(_ context.Context) ([]model.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Hook, 0, len(s.hooks))
	for _, h := range s.hooks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetHookEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		return fmt.Errorf("hook %s: %w", id, storage.ErrNotFound)
	}
	h.Enabled = enabled
	s.hooks[id] = h
	return nil
}

func (s *Store) SaveTemplate(_ context.Context, tpl model.TransactionTemplate) error {
	if tpl.ID == "" {
		return fmt.Errorf("template id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.templates[tpl.ID]
	if !ok {
		versions = make(map[int]model.TransactionTemplate)
		s.templates[tpl.ID] = versions
	}
	if _, exists := versions[tpl.Version]; exists {
		return fmt.Errorf("template %s v%d: %w", tpl.ID, tpl.Version, storage.ErrImmutable)
	}
	versions[tpl.Version] = tpl
	return nil
}

func (s *Store) GetTemplate(_ context.Context, id string, version int) (model.TransactionTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.templates[id]
	if version > 0 {
		tpl, ok := versions[version]
		if !ok {
			return model.TransactionTemplate{}, fmt.Errorf("template %s v%d: %w", id, version, storage.ErrNotFound)
		}
		return tpl, nil
	}
	best, found := model.TransactionTemplate{}, false
	for v, tpl := range versions {
		if !found || v > best.Version {
			best, found = tpl, true
		}
	}
	if !found {
		return model.TransactionTemplate{}, fmt.Errorf("template %s: %w", id, storage.ErrNotFound)
	}
	return best, nil
}

func (s *Store) SaveDetectedEvent(_ context.Context, ev model.DetectedEvent) (bool, error) {
	key := eventKey{ev.FilterHash, ev.DedupKey()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[key]; dup {
		return false, nil
	}
	s.events[key] = ev
	return true, nil
}

func (s *Store) EventsBySignature(_ context.Context, topic0 common.Hash, since time.Time) ([]model.DetectedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := since.Unix()
	var out []model.DetectedEvent
	for _, ev := range s.events {
		if ev.Signature.Topic0 != topic0 || int64(ev.Timestamp) < cutoff {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (s *Store) CreateExecution(_ context.Context, exec model.HookExecution) error {
	if exec.ID == "" {
		return fmt.Errorf("execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	exec.FeeCharged = cloneInt(exec.FeeCharged)
	s.executions[exec.ID] = exec
	return nil
}

func (s *Store) FinalizeExecution(_ context.Context, id string, status model.ExecutionStatus, gasUsed uint64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	if !storage.CanFinalize(exec.Status, status) {
		return fmt.Errorf("execution %s is %s: %w", id, exec.Status, storage.ErrNotPending)
	}
	exec.Status = status
	exec.GasUsed = gasUsed
	exec.ErrorMessage = errMsg
	s.executions[id] = exec
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (model.HookExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return model.HookExecution{}, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	return exec, nil
}

func (s *Store) ExecutionsByStatus(_ context.Context, status model.ExecutionStatus) ([]model.HookExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.HookExecution
	for _, exec := range s.executions {
		if exec.Status == status {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) LoadState(_ context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, errors.New("state name required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[name]
	return v, ok, nil
}

func (s *Store) SaveState(_ context.Context, name string, value uint64) error {
	if name == "" {
		return errors.New("state name required")
	}
	s.mu.Lock()
	s.state[name] = value
	s.mu.Unlock()
	return nil
}

func copyAuction(a model.Auction) model.Auction {
	a.CurrentBid = cloneInt(a.CurrentBid)
	a.MinimumBid = cloneInt(a.MinimumBid)
	return a
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
