package ledger

import "sync"

// NonceCounter is a single-writer sequence counter.
type NonceCounter struct {
	mu   sync.Mutex
	next uint64
}

func NewNonceCounter(start uint64) *NonceCounter {
	return &NonceCounter{next: start}
}

// Reserve returns the next nonce and advances the counter.
func (c *NonceCounter) Reserve() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// Release hands back n if it is the most recent reservation.
func (c *NonceCounter) Release(n uint64) {
	c.mu.Lock()
	if c.next == n+1 {
		c.next = n
	}
	c.mu.Unlock()
}

// Peek returns the next nonce without reserving it.
func (c *NonceCounter) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Set overwrites the counter, typically with the ledger's view.
func (c *NonceCounter) Set(n uint64) {
	c.mu.Lock()
	c.next = n
	c.mu.Unlock()
}
