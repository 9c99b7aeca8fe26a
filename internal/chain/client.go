package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"
)

// ErrTimeout marks an RPC call that exceeded its deadline.
var ErrTimeout = errors.New("rpc timeout")

const defaultTimeout = 10 * time.Second

// Client wraps go-ethereum RPC and bounds every call with a timeout.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	timeout   time.Duration
	tsCache   *lru.Cache
}

// NewClient dials rpcURL. Subscriptions need a websocket or IPC endpoint.
func NewClient(ctx context.Context, rpcURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rpcClient, err := rpc.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, wrapTimeout("dial", err)
	}
	cache, err := lru.New(4096)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		timeout:   timeout,
		tsCache:   cache,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	id, err := c.ethClient.ChainID(ctx)
	return id, wrapTimeout("chain id", err)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	n, err := c.ethClient.BlockNumber(ctx)
	return n, wrapTimeout("block number", err)
}

// HeaderByNumber returns the block header by number.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	h, err := c.ethClient.HeaderByNumber(ctx, number)
	return h, wrapTimeout("header", err)
}

// BlockTimestamp returns the block timestamp, using a bounded cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if ts, ok := c.tsCache.Get(number); ok {
		return ts.(uint64), nil
	}
	header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}
	c.tsCache.Add(number, header.Time)
	return header.Time, nil
}

// FilterLogs returns logs in [fromBlock, toBlock] for addresses and topic0 filters.
func (c *Client) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	logs, err := c.ethClient.FilterLogs(ctx, query)
	return logs, wrapTimeout("filter logs", err)
}

// SubscribeFilterLogs opens a live log subscription. Only the setup is bounded.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	setupCtx, cancel := c.bounded(ctx)
	defer cancel()
	sub, err := c.ethClient.SubscribeFilterLogs(setupCtx, q, ch)
	return sub, wrapTimeout("subscribe logs", err)
}

// PendingNonceAt returns the next nonce for account, including pending txs.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	n, err := c.ethClient.PendingNonceAt(ctx, account)
	return n, wrapTimeout("pending nonce", err)
}

// SuggestGasPrice returns the node's legacy gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	p, err := c.ethClient.SuggestGasPrice(ctx)
	return p, wrapTimeout("gas price", err)
}

// BalanceAt returns the latest balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	b, err := c.ethClient.BalanceAt(ctx, account, nil)
	return b, wrapTimeout("balance", err)
}

// TransactionReceipt returns the receipt or ethereum.NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	r, err := c.ethClient.TransactionReceipt(ctx, txHash)
	return r, wrapTimeout("receipt", err)
}

// SyncBroadcaster submits signed transactions with eth_sendRawTransactionSync,
// which returns the receipt once the transaction is included.
type SyncBroadcaster struct {
	rpcClient *rpc.Client
	timeout   time.Duration
}

func NewSyncBroadcaster(ctx context.Context, url string, timeout time.Duration) (*SyncBroadcaster, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := rpc.DialContext(dialCtx, url)
	if err != nil {
		return nil, wrapTimeout("dial broadcast", err)
	}
	return NewSyncBroadcasterWithClient(client, timeout), nil
}

// NewSyncBroadcasterWithClient reuses an existing RPC connection.
func NewSyncBroadcasterWithClient(client *rpc.Client, timeout time.Duration) *SyncBroadcaster {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SyncBroadcaster{rpcClient: client, timeout: timeout}
}

func (b *SyncBroadcaster) Close() {
	if b.rpcClient != nil {
		b.rpcClient.Close()
	}
}

// SendRawTransactionSync blocks until the node reports the inclusion result.
// RPC failures are returned unchanged so callers can inspect rpc.Error codes.
func (b *SyncBroadcaster) SendRawTransactionSync(ctx context.Context, raw []byte) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	var receipt *types.Receipt
	if err := b.rpcClient.CallContext(ctx, &receipt, "eth_sendRawTransactionSync", hexutil.Bytes(raw)); err != nil {
		return nil, wrapTimeout("send raw transaction sync", err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("send raw transaction sync: empty result")
	}
	return receipt, nil
}

func wrapTimeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return err
}
