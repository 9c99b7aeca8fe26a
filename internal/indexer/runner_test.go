package indexer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookAuction/internal/ledger"
	"hookAuction/internal/model"
	"hookAuction/internal/storage/memory"
)

var ledgerAddr = common.HexToAddress("0x000000000000000000000000000000000000c0de")

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	logs      []types.Log
	failFirst int
	calls     int
	missing   map[uint64]bool
}

func (f *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(ctx context.Context, from, to uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("429 too many requests")
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if f.missing[number] {
		return 0, ethereum.NotFound
	}
	return 1_700_000_000 + number*2, nil
}

type recordingSink struct {
	batches [][]model.LedgerEvent
}

func (s *recordingSink) ApplyBatch(ctx context.Context, events []model.LedgerEvent) (int, error) {
	s.batches = append(s.batches, events)
	return len(events), nil
}

func (s *recordingSink) all() []model.LedgerEvent {
	var out []model.LedgerEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func bidLog(t *testing.T, block uint64, logIndex uint, amount int64) types.Log {
	t.Helper()
	ev := model.LedgerEvent{
		Kind:        model.LedgerBidPlaced,
		FilterHash:  common.HexToHash("0xf1"),
		Bidder:      common.BigToAddress(common.Big1),
		Amount:      big.NewInt(amount),
		PreviousBid: new(big.Int),
		TxHash:      common.BigToHash(big.NewInt(int64(block)*100 + int64(logIndex))),
		Position:    model.EventPosition{BlockNumber: block, LogIndex: logIndex},
	}
	log, err := ledger.EncodeLog(ledgerAddr, ev)
	require.NoError(t, err)
	return log
}

func TestRunnerBatchesAndCheckpoints(t *testing.T) {
	chain := &fakeChain{head: 20}
	chain.logs = []types.Log{bidLog(t, 3, 0, 1), bidLog(t, 3, 1, 2), bidLog(t, 12, 0, 3), bidLog(t, 19, 4, 4)}
	dup := chain.logs[1]
	chain.logs = append(chain.logs, dup)

	cp := &FileCheckpoint{Path: filepath.Join(t.TempDir(), "cp", "ledger.json")}
	sink := &recordingSink{}
	r := NewRunner(RunConfig{Ledger: ledgerAddr, FromBlock: 1, BatchSize: 10, RetryBackoff: time.Millisecond}, chain, sink, cp, nil)
	require.NoError(t, r.Run(context.Background()))

	require.Len(t, sink.batches, 2)
	events := sink.all()
	require.Len(t, events, 4, "duplicate log dropped")
	assert.Equal(t, uint64(1_700_000_006), events[0].Timestamp)
	assert.Equal(t, uint64(19), events[3].Position.BlockNumber)

	last, ok, err := cp.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), last)

	chain.head = 30
	chain.logs = append(chain.logs, bidLog(t, 25, 0, 5))
	sink2 := &recordingSink{}
	r2 := NewRunner(RunConfig{Ledger: ledgerAddr, FromBlock: 1, BatchSize: 10}, chain, sink2, cp, nil)
	require.NoError(t, r2.Run(context.Background()))
	events = sink2.all()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(25), events[0].Position.BlockNumber)
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	chain := &fakeChain{head: 5, failFirst: 2, logs: []types.Log{bidLog(t, 4, 0, 1)}}
	sink := &recordingSink{}
	r := NewRunner(RunConfig{Ledger: ledgerAddr, FromBlock: 1, BatchSize: 100, MaxRetries: 3, RetryBackoff: time.Millisecond}, chain, sink, nil, nil)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 3, chain.calls)
	assert.Len(t, sink.all(), 1)

	chain = &fakeChain{head: 5, failFirst: 5}
	r = NewRunner(RunConfig{Ledger: ledgerAddr, FromBlock: 1, BatchSize: 100, MaxRetries: 1, RetryBackoff: time.Millisecond}, chain, sink, nil, nil)
	assert.Error(t, r.Run(context.Background()))
	assert.Equal(t, 2, chain.calls)
}

func TestRunnerMissingBlockIsPermanent(t *testing.T) {
	chain := &fakeChain{head: 5, logs: []types.Log{bidLog(t, 4, 0, 1)}, missing: map[uint64]bool{4: true}}
	r := NewRunner(RunConfig{Ledger: ledgerAddr, FromBlock: 1, BatchSize: 100, MaxRetries: 5, RetryBackoff: time.Hour}, chain, &recordingSink{}, nil, nil)
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ethereum.NotFound)
}

func TestRunnerValidatesConfig(t *testing.T) {
	chain := &fakeChain{head: 5}
	assert.Error(t, NewRunner(RunConfig{Ledger: ledgerAddr}, chain, &recordingSink{}, nil, nil).Run(context.Background()))
	assert.Error(t, NewRunner(RunConfig{BatchSize: 1}, chain, &recordingSink{}, nil, nil).Run(context.Background()))
	assert.Error(t, NewRunner(RunConfig{Ledger: ledgerAddr, BatchSize: 1}, chain, nil, nil, nil).Run(context.Background()))
}

func TestStoreCheckpoint(t *testing.T) {
	ctx := context.Background()
	cp := &StoreCheckpoint{Store: memory.New(), Name: "ledger"}
	_, ok, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, cp.Save(ctx, 42))
	last, ok, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), last)

	var nilCp *StoreCheckpoint
	require.NoError(t, nilCp.Save(ctx, 1))
}

func TestWithRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, 10, 50*time.Millisecond, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
