package filter

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookAuction/internal/model"
)

func transferFilter() model.EventFilter {
	return model.EventFilter{
		ContractAddress: common.HexToAddress("0x000000000000000000000000000000000000aaaa"),
		Topic0:          crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
	}
}

func TestHashMatchesManualEncoding(t *testing.T) {
	f := transferFilter()
	f.Topic2 = common.HexToHash("0x02")
	f.UseTopic2 = true

	words := make([]byte, 0, 8*32)
	words = append(words, common.LeftPadBytes(f.ContractAddress.Bytes(), 32)...)
	words = append(words, f.Topic0.Bytes()...)
	words = append(words, f.Topic1.Bytes()...)
	words = append(words, f.Topic2.Bytes()...)
	words = append(words, f.Topic3.Bytes()...)
	for _, flag := range []bool{f.UseTopic1, f.UseTopic2, f.UseTopic3} {
		word := make([]byte, 32)
		if flag {
			word[31] = 1
		}
		words = append(words, word...)
	}

	encoded, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, words, encoded)
	assert.Equal(t, crypto.Keccak256Hash(words), Hash(f))
}

func TestHashStableAndFieldSensitive(t *testing.T) {
	base := transferFilter()
	assert.Equal(t, Hash(base), Hash(transferFilter()))

	variants := []func(f *model.EventFilter){
		func(f *model.EventFilter) { f.ContractAddress = common.HexToAddress("0xbbbb") },
		func(f *model.EventFilter) { f.Topic0 = common.HexToHash("0x01") },
		func(f *model.EventFilter) { f.Topic1 = common.HexToHash("0x01") },
		func(f *model.EventFilter) { f.Topic2 = common.HexToHash("0x01") },
		func(f *model.EventFilter) { f.Topic3 = common.HexToHash("0x01") },
		func(f *model.EventFilter) { f.UseTopic1 = true },
		func(f *model.EventFilter) { f.UseTopic2 = true },
		func(f *model.EventFilter) { f.UseTopic3 = true },
	}

	seen := map[common.Hash]int{Hash(base): -1}
	for i, mutate := range variants {
		f := transferFilter()
		mutate(&f)
		h := Hash(f)
		prev, dup := seen[h]
		require.False(t, dup, "variant %d collides with %d", i, prev)
		seen[h] = i
	}
}

func TestSwappedTopicsHashDifferently(t *testing.T) {
	a := transferFilter()
	a.Topic1 = common.HexToHash("0x01")
	a.Topic2 = common.HexToHash("0x02")

	b := transferFilter()
	b.Topic1 = common.HexToHash("0x02")
	b.Topic2 = common.HexToHash("0x01")

	assert.NotEqual(t, Hash(a), Hash(b))
}
