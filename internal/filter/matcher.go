package filter

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"hookAuction/internal/model"
)

// Registration is a filter watched by the matcher along with the event ABI
// used to decode its logs.
type Registration struct {
	Hash     common.Hash
	Filter   model.EventFilter
	Event    abi.Event
	EventABI string
}

// Matcher indexes registrations by topic0. Safe for concurrent use.
type Matcher struct {
	mu      sync.RWMutex
	byTopic map[common.Hash]mapset.Set[common.Hash]
	filters map[common.Hash]Registration
}

func NewMatcher() *Matcher {
	return &Matcher{
		byTopic: make(map[common.Hash]mapset.Set[common.Hash]),
		filters: make(map[common.Hash]Registration),
	}
}

// Register adds or replaces a registration keyed by its filter hash.
func (m *Matcher) Register(reg Registration) error {
	if reg.Filter.Topic0 == (common.Hash{}) {
		return fmt.Errorf("filter topic0 is required")
	}
	if reg.Event.ID != (common.Hash{}) && reg.Event.ID != reg.Filter.Topic0 && !reg.Event.Anonymous {
		return fmt.Errorf("event %s id %s does not match topic0 %s", reg.Event.Name, reg.Event.ID.Hex(), reg.Filter.Topic0.Hex())
	}
	if reg.Hash == (common.Hash{}) {
		reg.Hash = Hash(reg.Filter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.filters[reg.Hash]; ok && prev.Filter.Topic0 != reg.Filter.Topic0 {
		m.detach(prev)
	}
	m.filters[reg.Hash] = reg
	set, ok := m.byTopic[reg.Filter.Topic0]
	if !ok {
		set = mapset.NewThreadUnsafeSet[common.Hash]()
		m.byTopic[reg.Filter.Topic0] = set
	}
	set.Add(reg.Hash)
	return nil
}

// Unregister removes one filter. Other filters on the same topic0 keep matching.
func (m *Matcher) Unregister(hash common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.filters[hash]
	if !ok {
		return false
	}
	m.detach(reg)
	delete(m.filters, hash)
	return true
}

func (m *Matcher) detach(reg Registration) {
	set, ok := m.byTopic[reg.Filter.Topic0]
	if !ok {
		return
	}
	set.Remove(reg.Hash)
	if set.Cardinality() == 0 {
		delete(m.byTopic, reg.Filter.Topic0)
	}
}

// HasTopic0 is the cheap pre-check done before decoding a log.
func (m *Matcher) HasTopic0(topic0 common.Hash) bool {
	m.mu.RLock()
	_, ok := m.byTopic[topic0]
	m.mu.RUnlock()
	return ok
}

// Match returns every registration whose filter accepts the log.
func (m *Matcher) Match(log *types.Log) []Registration {
	if log == nil || len(log.Topics) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.byTopic[log.Topics[0]]
	if !ok {
		return nil
	}
	var out []Registration
	set.Each(func(hash common.Hash) bool {
		reg := m.filters[hash]
		if Matches(reg.Filter, log) {
			out = append(out, reg)
		}
		return false
	})
	return out
}

// Get returns a registration by filter hash.
func (m *Matcher) Get(hash common.Hash) (Registration, bool) {
	m.mu.RLock()
	reg, ok := m.filters[hash]
	m.mu.RUnlock()
	return reg, ok
}

// Len returns the number of registered filters.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filters)
}

// Matches applies a single filter to a log. A zero contract address matches any emitter.
func Matches(f model.EventFilter, log *types.Log) bool {
	if len(log.Topics) == 0 || log.Topics[0] != f.Topic0 {
		return false
	}
	if f.ContractAddress != (common.Address{}) && f.ContractAddress != log.Address {
		return false
	}
	gates := []struct {
		use   bool
		topic common.Hash
	}{
		{f.UseTopic1, f.Topic1},
		{f.UseTopic2, f.Topic2},
		{f.UseTopic3, f.Topic3},
	}
	for i, gate := range gates {
		if !gate.use {
			continue
		}
		if len(log.Topics) <= i+1 || log.Topics[i+1] != gate.topic {
			return false
		}
	}
	return true
}
