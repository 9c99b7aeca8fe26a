package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookAuction/internal/model"
	"hookAuction/internal/storage/memory"
)

var (
	chainID   = big.NewInt(8453)
	multicall = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	userTgt   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	feeTgt    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeChain struct {
	mu         sync.Mutex
	nonce      uint64
	nonceCalls int
	gasPrice   *big.Int
	balance    *big.Int
	receipts   map[common.Hash]*types.Receipt
	// onBalance, when set, answers BalanceAt for the n-th call (from 1).
	onBalance    func(n int) *big.Int
	balanceCalls int
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonceCalls++
	return c.nonce, nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	c.mu.Lock()
	c.balanceCalls++
	n, hook := c.balanceCalls, c.onBalance
	c.mu.Unlock()
	if hook != nil {
		return hook(n), nil
	}
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) nonceSyncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonceCalls
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	sent   []*types.Transaction
	status uint64
	err    error
}

func (b *fakeBroadcaster) SendRawTransactionSync(_ context.Context, raw []byte) (*types.Receipt, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.err != nil {
		return nil, b.err
	}
	return &types.Receipt{Status: b.status, TxHash: tx.Hash(), GasUsed: 21_000, BlockNumber: big.NewInt(100)}, nil
}

type rpcError struct {
	code int
	msg  string
	data interface{}
}

func (e rpcError) Error() string          { return e.msg }
func (e rpcError) ErrorCode() int         { return e.code }
func (e rpcError) ErrorData() interface{} { return e.data }

type fixture struct {
	chain *fakeChain
	bc    *fakeBroadcaster
	store *memory.Store
	exec  *Executor
	key   *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	fx := &fixture{
		chain: &fakeChain{nonce: 5, gasPrice: big.NewInt(10), balance: big.NewInt(1_000_000_000), receipts: map[common.Hash]*types.Receipt{}},
		bc:    &fakeBroadcaster{status: types.ReceiptStatusSuccessful},
		store: memory.New(),
		key:   key,
	}
	fx.exec, err = New(Config{ChainID: chainID, Multicall: multicall}, fx.chain, fx.bc, fx.store, key, nil, nil)
	require.NoError(t, err)
	ids := 0
	fx.exec.newID = func() string { ids++; return fmt.Sprintf("exec-%d", ids) }
	return fx
}

func multicallOf(calls ...model.ProcessedCall) *model.ProcessedMulticall {
	return &model.ProcessedMulticall{ID: "mc", TemplateID: "tpl", EventID: "ev", Calls: calls, EstimatedGas: 100_000}
}

func trigger() model.ProcessedCall {
	return model.ProcessedCall{Target: userTgt.Hex(), Value: "0", CallData: "0xdeadbeef", Role: model.RoleTrigger, AllowFailure: true}
}

func fee(value string) model.ProcessedCall {
	return model.ProcessedCall{Target: feeTgt.Hex(), Value: value, Role: model.RoleFee}
}

func TestExecuteSignsAndRecordsSuccess(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.exec.Execute(ctx, "hook-1", multicallOf(trigger(), fee("700")))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Execution.Status)
	require.Len(t, fx.bc.sent, 1)

	tx := fx.bc.sent[0]
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, multicall, *tx.To())
	assert.Zero(t, big.NewInt(700).Cmp(tx.Value()))
	assert.Equal(t, uint64(100_000), tx.Gas())
	assert.Equal(t, res.Execution.TxHash, tx.Hash())
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(fx.key.PublicKey), from)

	parsed, err := MulticallABI()
	require.NoError(t, err)
	method := parsed.Methods["aggregate3Value"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	values, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	calls := *abi.ConvertType(values[0], new([]call3Value)).(*[]call3Value)
	require.Len(t, calls, 2)
	assert.Equal(t, userTgt, calls[0].Target)
	assert.True(t, calls[0].AllowFailure)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, calls[0].CallData)
	assert.Equal(t, feeTgt, calls[1].Target)
	assert.False(t, calls[1].AllowFailure, "fee calls must succeed")

	stored, err := fx.store.GetExecution(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, stored.Status)
	assert.Equal(t, uint64(21_000), stored.GasUsed)
	assert.Equal(t, "hook-1", stored.HookID)
	assert.Equal(t, "ev", stored.TriggerEventID)
	assert.Zero(t, big.NewInt(1_000_000).Cmp(stored.FeeCharged))

	_, err = fx.exec.Execute(ctx, "hook-1", multicallOf(trigger()))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), fx.bc.sent[1].Nonce())
	assert.Equal(t, 1, fx.chain.nonceCalls, "nonce is tracked locally after the first sync")
}

func TestExecuteRevertedIsFailed(t *testing.T) {
	fx := newFixture(t)
	fx.bc.status = types.ReceiptStatusFailed
	res, err := fx.exec.Execute(context.Background(), "hook-1", multicallOf(fee("1")))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Execution.Status)
	assert.Equal(t, "transaction reverted", res.Execution.ErrorMessage)
}

func TestExecuteInsufficientBalance(t *testing.T) {
	fx := newFixture(t)
	// 100k gas * 10 wei = 1,000,000; plus value 1 exceeds the balance.
	fx.chain.balance = big.NewInt(1_000_000)
	_, err := fx.exec.Execute(context.Background(), "hook-1", multicallOf(fee("1")))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, fx.bc.sent)

	pending, err := fx.store.ExecutionsByStatus(context.Background(), model.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	fx.chain.balance = big.NewInt(1_000_001)
	_, err = fx.exec.Execute(context.Background(), "hook-1", multicallOf(fee("1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), fx.bc.sent[0].Nonce(), "released nonce is reused")
}

func TestExecuteRejectsUnresolvedPlaceholders(t *testing.T) {
	fx := newFixture(t)
	call := trigger()
	call.CallData = "0xdead${amount}"
	_, err := fx.exec.Execute(context.Background(), "hook-1", multicallOf(call))
	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)

	call = trigger()
	call.Unresolved = []string{"router"}
	_, err = fx.exec.Execute(context.Background(), "hook-1", multicallOf(call))
	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)

	assert.Empty(t, fx.bc.sent)
	assert.Zero(t, fx.chain.nonceCalls)
}

func TestExecuteBroadcastError(t *testing.T) {
	fx := newFixture(t)
	fx.bc.err = rpcError{code: 3, msg: "execution reverted", data: "0x08c379a0"}

	res, err := fx.exec.Execute(context.Background(), "hook-1", multicallOf(fee("1")))
	var bErr *BroadcastError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, 3, bErr.Code)
	assert.Equal(t, "0x08c379a0", bErr.Data)
	assert.Equal(t, model.StatusFailed, res.Execution.Status)

	stored, err := fx.store.GetExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "execution reverted")

	fx.bc.err = nil
	_, err = fx.exec.Execute(context.Background(), "hook-1", multicallOf(fee("1")))
	require.NoError(t, err)
	assert.Equal(t, 2, fx.chain.nonceCalls, "rejected broadcast resyncs the nonce")
}

func TestTimeoutLeavesPendingForTracker(t *testing.T) {
	fx := newFixture(t)
	fx.bc.err = fmt.Errorf("send: %w", context.DeadlineExceeded)

	res, err := fx.exec.Execute(context.Background(), "hook-1", multicallOf(fee("1")))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, model.StatusPending, res.Execution.Status)

	tracker := NewTracker(TrackerConfig{MaxAge: time.Hour}, fx.store, fx.chain, nil, nil)
	n, err := tracker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no receipt yet")

	fx.chain.receipts[res.Execution.TxHash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 30_000}
	n, err = tracker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := fx.store.GetExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, stored.Status)
	assert.Equal(t, uint64(30_000), stored.GasUsed)

	n, err = tracker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "settled rows are not touched again")
}

func TestTransportErrorLeavesPending(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.bc.err = fmt.Errorf("read response: %w", io.ErrUnexpectedEOF)

	res, err := fx.exec.Execute(ctx, "hook-1", multicallOf(fee("1")))
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, model.StatusPending, res.Execution.Status)

	stored, err := fx.store.GetExecution(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)

	// The transaction may already be in the mempool, so the next one
	// continues after it instead of reusing its nonce.
	fx.bc.err = nil
	_, err = fx.exec.Execute(ctx, "hook-1", multicallOf(fee("1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), fx.bc.sent[1].Nonce())
	assert.Equal(t, 1, fx.chain.nonceCalls)

	fx.chain.receipts[res.Execution.TxHash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 25_000}
	tracker := NewTracker(TrackerConfig{MaxAge: time.Hour}, fx.store, fx.chain, nil, nil)
	n, err := tracker.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, err = fx.store.GetExecution(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, stored.Status)
}

func sentNonces(b *fakeBroadcaster) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, 0, len(b.sent))
	for _, tx := range b.sent {
		out = append(out, tx.Nonce())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestAbortedExecutionDoesNotStrandLaterNonces(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	fx.chain.onBalance = func(n int) *big.Int {
		if n == 1 {
			close(entered)
			<-proceed
			return big.NewInt(0)
		}
		return big.NewInt(1_000_000_000)
	}

	errA := make(chan error, 1)
	go func() {
		_, err := fx.exec.Execute(ctx, "hook-a", multicallOf(fee("1")))
		errA <- err
	}()
	<-entered

	_, err := fx.exec.Execute(ctx, "hook-b", multicallOf(fee("1")))
	require.NoError(t, err)
	close(proceed)
	assert.ErrorIs(t, <-errA, ErrInsufficientBalance)

	_, err = fx.exec.Execute(ctx, "hook-c", multicallOf(fee("1")))
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6}, sentNonces(fx.bc))
}

func TestConcurrentExecutionsUseContiguousNonces(t *testing.T) {
	fx := newFixture(t)
	const workers = 24
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := fx.exec.Execute(context.Background(), fmt.Sprintf("hook-%d", i), multicallOf(fee("1")))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := sentNonces(fx.bc)
	require.Len(t, got, workers)
	for i, n := range got {
		assert.Equal(t, uint64(5+i), n)
	}
	assert.Equal(t, 1, fx.chain.nonceSyncs())
}

// flakyStore rejects every third execution row.
type flakyStore struct {
	*memory.Store
	mu    sync.Mutex
	calls int
}

var errStoreDown = errors.New("store down")

func (s *flakyStore) CreateExecution(ctx context.Context, exec model.HookExecution) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls%3 == 0
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.Store.CreateExecution(ctx, exec)
}

func TestConcurrentExecutionsWithAbortsUseContiguousNonces(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chain := &fakeChain{nonce: 5, gasPrice: big.NewInt(10), balance: big.NewInt(1_000_000_000)}
	bc := &fakeBroadcaster{status: types.ReceiptStatusSuccessful}
	exec, err := New(Config{ChainID: chainID, Multicall: multicall}, chain, bc, &flakyStore{Store: memory.New()}, key, nil, nil)
	require.NoError(t, err)

	const workers = 30
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		aborted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := exec.Execute(context.Background(), fmt.Sprintf("hook-%d", i), multicallOf(fee("1")))
			if err != nil {
				assert.ErrorIs(t, err, errStoreDown)
				mu.Lock()
				aborted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, workers/3, aborted)
	got := sentNonces(bc)
	require.Len(t, got, workers-aborted)
	for i, n := range got {
		assert.Equal(t, uint64(5+i), n, "no gaps left by aborted executions")
	}
}

func TestNonceManagerConcurrentReserve(t *testing.T) {
	chain := &fakeChain{nonce: 40}
	nm := NewNonceManager(chain, common.Address{})
	const workers = 50
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	got := map[uint64]bool{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := nm.Reserve(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			assert.False(t, got[n], "nonce %d reserved twice", n)
			got[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	for n := uint64(40); n < 40+workers; n++ {
		assert.True(t, got[n], "nonce %d missing", n)
	}
	assert.Equal(t, 1, chain.nonceSyncs())
}

func TestNonceManagerRelease(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{nonce: 9}
	nm := NewNonceManager(chain, common.Address{})

	a, err := nm.Reserve(ctx)
	require.NoError(t, err)
	nm.Release(a)
	again, err := nm.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, again, "top nonce is handed back in place")
	assert.Equal(t, 1, chain.nonceSyncs())

	b, err := nm.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), b)
	nm.Release(again)

	// An older nonce cannot be rewound locally, so the chain decides.
	chain.nonce = 10
	next, err := nm.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), next)
	assert.Equal(t, 2, chain.nonceSyncs())
}

func TestTrackerExpiresStalePending(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.CreateExecution(ctx, model.HookExecution{
		ID: "old", Status: model.StatusPending, TxHash: common.HexToHash("0x01"), Timestamp: start,
	}))
	tracker := NewTracker(TrackerConfig{MaxAge: time.Minute}, store, &fakeChain{}, nil, nil)
	tracker.now = func() time.Time { return start.Add(2 * time.Minute) }

	n, err := tracker.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, err := store.GetExecution(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "no receipt")
}

func TestNewValidatesConfig(t *testing.T) {
	key, _ := crypto.GenerateKey()
	fc := &fakeChain{}
	_, err := New(Config{Multicall: multicall}, fc, &fakeBroadcaster{}, memory.New(), key, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{ChainID: chainID}, fc, &fakeBroadcaster{}, memory.New(), key, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{ChainID: chainID, Multicall: multicall}, fc, &fakeBroadcaster{}, memory.New(), nil, nil, nil)
	assert.Error(t, err)
}

func TestEncodeMulticallValidation(t *testing.T) {
	_, _, err := EncodeMulticall(nil)
	assert.ErrorIs(t, err, ErrEmptyMulticall)

	_, _, err = EncodeMulticall([]model.ProcessedCall{{Target: "not-an-address"}})
	assert.ErrorContains(t, err, "invalid target")

	_, _, err = EncodeMulticall([]model.ProcessedCall{{Target: userTgt.Hex(), Value: "-1"}})
	assert.ErrorContains(t, err, "invalid value")

	_, total, err := EncodeMulticall([]model.ProcessedCall{fee("0x10"), fee("4")})
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(20).Cmp(total))
}
