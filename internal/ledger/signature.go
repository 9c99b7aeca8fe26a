package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	withdrawalArgs     abi.Arguments
	withdrawalArgsOnce sync.Once
	withdrawalArgsErr  error
)

func withdrawalArguments() (abi.Arguments, error) {
	withdrawalArgsOnce.Do(func() {
		var args abi.Arguments
		for _, name := range []string{"bytes32", "address", "uint256", "address"} {
			typ, err := abi.NewType(name, "", nil)
			if err != nil {
				withdrawalArgsErr = err
				return
			}
			args = append(args, abi.Argument{Type: typ})
		}
		withdrawalArgs = args
	})
	return withdrawalArgs, withdrawalArgsErr
}

// WithdrawalDigest is keccak256(abi.encode(filterHash, vault, nonce, ledger)).
func WithdrawalDigest(filterHash common.Hash, vault common.Address, nonce uint64, ledger common.Address) (common.Hash, error) {
	args, err := withdrawalArguments()
	if err != nil {
		return common.Hash{}, err
	}
	packed, err := args.Pack([32]byte(filterHash), vault, new(big.Int).SetUint64(nonce), ledger)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack withdrawal: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// SignWithdrawal signs the digest as an EIP-191 personal message. V is 27/28.
func SignWithdrawal(key *ecdsa.PrivateKey, filterHash common.Hash, vault common.Address, nonce uint64, ledger common.Address) ([]byte, error) {
	digest, err := WithdrawalDigest(filterHash, vault, nonce, ledger)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("sign withdrawal: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverWithdrawalSigner returns the address that produced signature.
func RecoverWithdrawalSigner(filterHash common.Hash, vault common.Address, nonce uint64, ledger common.Address, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(signature))
	}
	digest, err := WithdrawalDigest(filterHash, vault, nonce, ledger)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Authorization is a signed withdrawal ready for submission.
type Authorization struct {
	FilterHash common.Hash
	Vault      common.Address
	Nonce      uint64
	Signature  []byte
}

// Signer issues withdrawal authorizations for the executor identity. Nonces
// are reserved through a shared counter so concurrent withdrawals never sign
// the same nonce.
type Signer struct {
	mu     sync.Mutex
	key    *ecdsa.PrivateKey
	ledger common.Address
	nonces *NonceCounter
}

func NewSigner(key *ecdsa.PrivateKey, ledger common.Address, nonces *NonceCounter) *Signer {
	if nonces == nil {
		nonces = NewNonceCounter(0)
	}
	return &Signer{key: key, ledger: ledger, nonces: nonces}
}

// Address is the executor identity.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Authorize reserves the next nonce and signs a withdrawal for it. A failed
// signature hands the nonce back before anyone else can reserve.
func (s *Signer) Authorize(filterHash common.Hash, vault common.Address) (Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.nonces.Reserve()
	sig, err := SignWithdrawal(s.key, filterHash, vault, nonce, s.ledger)
	if err != nil {
		s.nonces.Release(nonce)
		return Authorization{}, err
	}
	return Authorization{FilterHash: filterHash, Vault: vault, Nonce: nonce, Signature: sig}, nil
}

// Nonces exposes the counter, e.g. to resync it after a rejected withdrawal.
func (s *Signer) Nonces() *NonceCounter { return s.nonces }
