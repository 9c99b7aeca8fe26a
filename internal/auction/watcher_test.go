package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookAuction/internal/ledger"
	"hookAuction/internal/storage/memory"
)

type fakeChain struct {
	mu      sync.Mutex
	logs    []types.Log
	subs    int
	failOne bool
}

func (f *fakeChain) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.subs++
	attempt := f.subs
	logs := append([]types.Log(nil), f.logs...)
	f.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		if attempt == 1 && f.failOne {
			return errors.New("connection reset")
		}
		for _, log := range logs {
			select {
			case ch <- log:
			case <-quit:
				return nil
			}
		}
		<-quit
		return nil
	}), nil
}

func (f *fakeChain) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return 1_700_000_000 + number, nil
}

func TestWatcherResubscribesAndCatchesUp(t *testing.T) {
	events, hashes := history(t)
	chain := &fakeChain{failOne: true}
	for _, ev := range events {
		log, err := ledger.EncodeLog(ledgerA, ev)
		require.NoError(t, err)
		chain.logs = append(chain.logs, log)
	}

	store := memory.New()
	s := NewSync(store, nil, nil)
	var catchUps int
	var mu sync.Mutex
	w, err := NewWatcher(WatchConfig{Ledger: ledgerA, RetryBackoff: time.Millisecond}, s, chain, func(context.Context) error {
		mu.Lock()
		catchUps++
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		a, ok, err := store.GetAuction(context.Background(), hashes[2])
		return err == nil && ok && a.CurrentBidder == bidders()[3]
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	chain.mu.Lock()
	assert.GreaterOrEqual(t, chain.subs, 2)
	chain.mu.Unlock()
	mu.Lock()
	assert.GreaterOrEqual(t, catchUps, 2)
	mu.Unlock()
}
