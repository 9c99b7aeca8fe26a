package ledger

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const ledgerABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "filterHash", "type": "bytes32"},
      {"indexed": true, "name": "bidder", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": false, "name": "contractAddress", "type": "address"},
      {"indexed": false, "name": "topic0", "type": "bytes32"},
      {"indexed": false, "name": "topic1", "type": "bytes32"},
      {"indexed": false, "name": "topic2", "type": "bytes32"},
      {"indexed": false, "name": "topic3", "type": "bytes32"},
      {"indexed": false, "name": "useTopic1", "type": "bool"},
      {"indexed": false, "name": "useTopic2", "type": "bool"},
      {"indexed": false, "name": "useTopic3", "type": "bool"}
    ],
    "name": "AuctionCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "filterHash", "type": "bytes32"},
      {"indexed": true, "name": "bidder", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": false, "name": "previousBidder", "type": "address"},
      {"indexed": false, "name": "previousBid", "type": "uint256"}
    ],
    "name": "BidPlaced",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "filterHash", "type": "bytes32"},
      {"indexed": true, "name": "winner", "type": "address"},
      {"indexed": false, "name": "vault", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "WinningsWithdrawn",
    "type": "event"
  },
  {
    "inputs": [
      {"components": [
        {"name": "contractAddress", "type": "address"},
        {"name": "topic0", "type": "bytes32"},
        {"name": "topic1", "type": "bytes32"},
        {"name": "topic2", "type": "bytes32"},
        {"name": "topic3", "type": "bytes32"},
        {"name": "useTopic1", "type": "bool"},
        {"name": "useTopic2", "type": "bool"},
        {"name": "useTopic3", "type": "bool"}
      ], "name": "filter", "type": "tuple"}
    ],
    "name": "placeBid",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [
      {"name": "filterHash", "type": "bytes32"},
      {"name": "vault", "type": "address"},
      {"name": "nonce", "type": "uint256"},
      {"name": "signature", "type": "bytes"}
    ],
    "name": "withdrawWinnings",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "filterHash", "type": "bytes32"}],
    "name": "getWinner",
    "outputs": [{"name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "filterHash", "type": "bytes32"}],
    "name": "auctionExists",
    "outputs": [{"name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "executorNonce",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	ledgerABI     abi.ABI
	ledgerABIOnce sync.Once
	ledgerABIErr  error
)

// ContractABI returns the parsed ledger contract ABI.
func ContractABI() (abi.ABI, error) {
	ledgerABIOnce.Do(func() {
		ledgerABI, ledgerABIErr = abi.JSON(strings.NewReader(ledgerABIJSON))
	})
	return ledgerABI, ledgerABIErr
}

// EventTopics returns the topic0 of every ledger event the read model consumes.
func EventTopics() ([]common.Hash, error) {
	parsed, err := ContractABI()
	if err != nil {
		return nil, err
	}
	return []common.Hash{
		parsed.Events["AuctionCreated"].ID,
		parsed.Events["BidPlaced"].ID,
		parsed.Events["WinningsWithdrawn"].ID,
	}, nil
}
