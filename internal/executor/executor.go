package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hookAuction/internal/metrics"
	"hookAuction/internal/model"
	"hookAuction/internal/storage"
)

const defaultGasLimit = 500_000

// Chain is the read side the executor needs before signing.
type Chain interface {
	NonceSource
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Broadcaster submits a signed transaction and blocks until its receipt is known.
type Broadcaster interface {
	SendRawTransactionSync(ctx context.Context, raw []byte) (*types.Receipt, error)
}

type Config struct {
	ChainID   *big.Int
	Multicall common.Address
	// GasLimit is used when a template carries no estimate.
	GasLimit uint64
}

// Result is the outcome of one Execute call.
type Result struct {
	Execution model.HookExecution
	Receipt   *types.Receipt
}

// Executor signs multicalls with the automation key and broadcasts them.
type Executor struct {
	cfg         Config
	chain       Chain
	broadcaster Broadcaster
	store       storage.ExecutionStore
	key         *ecdsa.PrivateKey
	address     common.Address
	signer      types.Signer
	nonces      *NonceManager
	reserveMu   sync.Mutex
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

func New(cfg Config, chain Chain, broadcaster Broadcaster, store storage.ExecutionStore, key *ecdsa.PrivateKey, m *metrics.Metrics, logger *zap.Logger) (*Executor, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Multicall == (common.Address{}) {
		return nil, fmt.Errorf("multicall address is required")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if chain == nil || broadcaster == nil || store == nil {
		return nil, fmt.Errorf("chain, broadcaster and store are required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return &Executor{
		cfg:         cfg,
		chain:       chain,
		broadcaster: broadcaster,
		store:       store,
		key:         key,
		address:     address,
		signer:      types.LatestSignerForChainID(cfg.ChainID),
		nonces:      NewNonceManager(chain, address),
		metrics:     m,
		logger:      logger.With(zap.String("executor", address.Hex())),
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// Address is the automation wallet that signs every execution.
func (e *Executor) Address() common.Address { return e.address }

// Execute encodes, signs and broadcasts mc on behalf of hookID. Once the
// transaction is signed a pending execution row exists; the broadcast
// outcome finalizes it. Only a structured RPC rejection marks it failed
// before a receipt exists. Timeouts and transport errors leave it pending
// for the Tracker.
func (e *Executor) Execute(ctx context.Context, hookID string, mc *model.ProcessedMulticall) (Result, error) {
	start := e.now()
	if mc == nil {
		return Result{}, ErrEmptyMulticall
	}
	data, total, err := EncodeMulticall(mc.Calls)
	if err != nil {
		return Result{}, err
	}
	gasLimit := mc.EstimatedGas
	if gasLimit == 0 {
		gasLimit = e.cfg.GasLimit
	}

	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gas price: %w", err)
	}
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	required := new(big.Int).Add(total, fee)
	balance, err := e.chain.BalanceAt(ctx, e.address)
	if err != nil {
		return Result{}, fmt.Errorf("balance: %w", err)
	}
	if balance.Cmp(required) < 0 {
		e.metrics.Execution(string(model.StatusFailed), 0)
		return Result{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, required)
	}

	tx, raw, exec, err := e.prepare(ctx, hookID, mc, data, total, gasPrice, gasLimit, start)
	if err != nil {
		return Result{}, err
	}
	nonce := tx.Nonce()

	log := e.logger.With(
		zap.String("execution_id", exec.ID),
		zap.String("hook_id", hookID),
		zap.String("tx_hash", exec.TxHash.Hex()),
		zap.Uint64("nonce", nonce),
	)
	receipt, err := e.broadcaster.SendRawTransactionSync(ctx, raw)
	if err != nil {
		var rpcErr rpc.Error
		if !errors.As(err, &rpcErr) {
			// Timeouts and transport failures say nothing about inclusion.
			log.Warn("broadcast outcome unknown, execution left pending", zap.Error(err))
			e.metrics.Execution(string(model.StatusPending), e.now().Sub(start))
			if isTimeout(err) {
				return Result{Execution: exec}, fmt.Errorf("broadcast %s: %w", exec.TxHash.Hex(), ErrTimeout)
			}
			return Result{Execution: exec}, fmt.Errorf("broadcast %s: %w: %w", exec.TxHash.Hex(), ErrOutcomeUnknown, err)
		}
		// The node rejected the transaction, so the nonce was not consumed.
		e.nonces.Reset()
		err = asBroadcastError(err)
		exec.Status = model.StatusFailed
		exec.ErrorMessage = err.Error()
		e.finalize(ctx, log, exec)
		e.metrics.Execution(string(exec.Status), e.now().Sub(start))
		log.Warn("broadcast failed", zap.Error(err))
		return Result{Execution: exec}, err
	}

	exec.GasUsed = receipt.GasUsed
	if receipt.Status == types.ReceiptStatusSuccessful {
		exec.Status = model.StatusSuccess
	} else {
		exec.Status = model.StatusFailed
		exec.ErrorMessage = "transaction reverted"
	}
	e.finalize(ctx, log, exec)
	e.metrics.Execution(string(exec.Status), e.now().Sub(start))
	log.Info("execution finished",
		zap.String("status", string(exec.Status)),
		zap.Uint64("gas_used", exec.GasUsed),
		zap.Uint64("block", blockOf(receipt)),
	)
	return Result{Execution: exec, Receipt: receipt}, nil
}

// prepare reserves a nonce, signs and records the pending row. Reservation
// through recording is serialized, so an abort hands its nonce back before
// any other execution can reserve a later one.
func (e *Executor) prepare(ctx context.Context, hookID string, mc *model.ProcessedMulticall, data []byte, total, gasPrice *big.Int, gasLimit uint64, start time.Time) (*types.Transaction, []byte, model.HookExecution, error) {
	e.reserveMu.Lock()
	defer e.reserveMu.Unlock()

	nonce, err := e.nonces.Reserve(ctx)
	if err != nil {
		return nil, nil, model.HookExecution{}, fmt.Errorf("nonce: %w", err)
	}
	recorded := false
	defer func() {
		if !recorded {
			e.nonces.Release(nonce)
		}
	}()

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &e.cfg.Multicall,
		Value:    total,
		Data:     data,
	}), e.signer, e.key)
	if err != nil {
		return nil, nil, model.HookExecution{}, fmt.Errorf("sign: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, nil, model.HookExecution{}, fmt.Errorf("encode tx: %w", err)
	}

	exec := model.HookExecution{
		ID:             e.newID(),
		HookID:         hookID,
		TriggerEventID: mc.EventID,
		TxHash:         tx.Hash(),
		Status:         model.StatusPending,
		FeeCharged:     new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit)),
		Timestamp:      start,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, model.HookExecution{}, fmt.Errorf("record execution: %w", err)
	}
	recorded = true
	return tx, raw, exec, nil
}

// finalize never fails the call: the transaction is already out, and a row
// left pending is picked up by the Tracker.
func (e *Executor) finalize(ctx context.Context, log *zap.Logger, exec model.HookExecution) {
	err := e.store.FinalizeExecution(ctx, exec.ID, exec.Status, exec.GasUsed, exec.ErrorMessage)
	if err != nil && !errors.Is(err, storage.ErrNotPending) {
		log.Error("finalize execution", zap.Error(err))
	}
}

func blockOf(r *types.Receipt) uint64 {
	if r == nil || r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}
