package executor

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource reports the chain's next nonce for an account.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out transaction nonces for one account. It syncs from
// the chain on first use and after Reset.
type NonceManager struct {
	mu      sync.Mutex
	source  NonceSource
	account common.Address
	next    uint64
	synced  bool
}

func NewNonceManager(source NonceSource, account common.Address) *NonceManager {
	return &NonceManager{source: source, account: account}
}

// Reserve returns the next nonce and advances the counter.
func (n *NonceManager) Reserve(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.synced {
		next, err := n.source.PendingNonceAt(ctx, n.account)
		if err != nil {
			return 0, err
		}
		n.next = next
		n.synced = true
	}
	nonce := n.next
	n.next++
	return nonce, nil
}

// Release hands back an unused nonce. If later nonces were already handed
// out the counter resyncs from the chain on the next Reserve, so the gap is
// filled instead of stranding every later transaction behind it.
func (n *NonceManager) Release(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.synced {
		return
	}
	if n.next == nonce+1 {
		n.next = nonce
		return
	}
	n.synced = false
}

// Reset forces the next Reserve to resync from the chain.
func (n *NonceManager) Reset() {
	n.mu.Lock()
	n.synced = false
	n.mu.Unlock()
}
