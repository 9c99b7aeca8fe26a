package filter

import (
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"hookAuction/internal/model"
)

var (
	hashArgs     abi.Arguments
	hashArgsOnce sync.Once
	hashArgsErr  error
)

func filterArguments() (abi.Arguments, error) {
	hashArgsOnce.Do(func() {
		names := []string{"address", "bytes32", "bytes32", "bytes32", "bytes32", "bool", "bool", "bool"}
		args := make(abi.Arguments, 0, len(names))
		for _, name := range names {
			typ, err := abi.NewType(name, "", nil)
			if err != nil {
				hashArgsErr = err
				return
			}
			args = append(args, abi.Argument{Type: typ})
		}
		hashArgs = args
	})
	return hashArgs, hashArgsErr
}

// Encode returns abi.encode over the eight filter fields in declaration order.
func Encode(f model.EventFilter) ([]byte, error) {
	args, err := filterArguments()
	if err != nil {
		return nil, err
	}
	return args.Pack(
		f.ContractAddress,
		[32]byte(f.Topic0),
		[32]byte(f.Topic1),
		[32]byte(f.Topic2),
		[32]byte(f.Topic3),
		f.UseTopic1,
		f.UseTopic2,
		f.UseTopic3,
	)
}

// Hash is keccak256(abi.encode(filter)), the key of every auction.
func Hash(f model.EventFilter) common.Hash {
	data, err := Encode(f)
	if err != nil {
		// Static argument types never fail to pack.
		panic(err)
	}
	return crypto.Keccak256Hash(data)
}
