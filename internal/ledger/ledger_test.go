package ledger

import (
	"crypto/ecdsa"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookAuction/internal/filter"
	"hookAuction/internal/model"
)

var (
	ownerAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	ledgerID  = common.HexToAddress("0x000000000000000000000000000000000000c0de")
)

func milliEther(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000))
}

func testFilter() model.EventFilter {
	return model.EventFilter{
		ContractAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topic0:          crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
	}
}

type fixture struct {
	ledger *Ledger
	escrow *Escrow
	events []model.LedgerEvent
	key    *ecdsa.PrivateKey
	signer *Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	fx := &fixture{escrow: NewEscrow()}
	fx.escrow.Fund(alice, milliEther(10_000))
	fx.escrow.Fund(bob, milliEther(10_000))

	l, err := New(Config{
		Address:  ledgerID,
		Owner:    ownerAddr,
		Executor: crypto.PubkeyToAddress(key.PublicKey),
		Bank:     fx.escrow,
		Sink:     func(ev model.LedgerEvent) { fx.events = append(fx.events, ev) },
		Now:      func() time.Time { return time.Unix(1_700_000_000, 0) },
	}, nil)
	require.NoError(t, err)
	fx.ledger = l
	fx.key = key
	fx.signer = NewSigner(key, ledgerID, nil)
	return fx
}

func TestRequiredBid(t *testing.T) {
	cases := []struct {
		current uint64
		want    uint64
	}{
		{100, 101},
		{1000, 1010},
		{99, 99},
		{1, 1},
		{250, 252},
	}
	for _, tc := range cases {
		got, err := RequiredBid(uint256.NewInt(tc.current))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Uint64(), "current=%d", tc.current)
	}

	ceiling := new(uint256.Int).SetAllOne()
	_, err := RequiredBid(ceiling)
	assert.ErrorIs(t, err, ErrAmountOverflow)
}

func TestPlaceBidIncrementScenario(t *testing.T) {
	fx := newFixture(t)
	f := testFilter()
	hash := filter.Hash(f)

	auction, err := fx.ledger.PlaceBid(alice, f, milliEther(1000))
	require.NoError(t, err)
	assert.Equal(t, alice, auction.CurrentBidder)
	assert.True(t, auction.IsActive)
	assert.Equal(t, 0, milliEther(1000).ToBig().Cmp(auction.MinimumBid))

	_, err = fx.ledger.PlaceBid(bob, f, milliEther(1005))
	var low *BidTooLowError
	require.ErrorAs(t, err, &low)
	assert.Equal(t, milliEther(1010), low.Required)
	assert.Equal(t, ClassEconomic, ClassOf(err))

	winner, err := fx.ledger.GetWinner(hash)
	require.NoError(t, err)
	assert.Equal(t, alice, winner)

	_, err = fx.ledger.PlaceBid(bob, f, milliEther(1010))
	require.NoError(t, err)

	winner, err = fx.ledger.GetWinner(hash)
	require.NoError(t, err)
	assert.Equal(t, bob, winner)
	assert.Equal(t, milliEther(10_000), fx.escrow.Balance(alice), "previous bidder refunded")
	assert.Equal(t, milliEther(1010), fx.escrow.Held())

	bids := fx.ledger.Bids(hash)
	require.Len(t, bids, 2)
	assert.False(t, bids[0].IsWinning)
	assert.True(t, bids[1].IsWinning)

	require.Len(t, fx.events, 2)
	assert.Equal(t, model.LedgerAuctionCreated, fx.events[0].Kind)
	assert.Equal(t, model.LedgerBidPlaced, fx.events[1].Kind)
	assert.Equal(t, alice, fx.events[1].PreviousBidder)
	assert.True(t, fx.events[0].Position.Less(fx.events[1].Position))
}

func TestPlaceBidExactThreshold(t *testing.T) {
	fx := newFixture(t)
	f := testFilter()

	_, err := fx.ledger.PlaceBid(alice, f, uint256.NewInt(1000))
	require.NoError(t, err)

	_, err = fx.ledger.PlaceBid(bob, f, uint256.NewInt(1009))
	var low *BidTooLowError
	require.ErrorAs(t, err, &low)

	_, err = fx.ledger.PlaceBid(bob, f, uint256.NewInt(1010))
	require.NoError(t, err)
}

func TestPlaceBidValidation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ledger.PlaceBid(alice, model.EventFilter{ContractAddress: alice}, milliEther(1))
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.Equal(t, ClassValidation, ClassOf(err))

	_, err = fx.ledger.PlaceBid(alice, testFilter(), new(uint256.Int))
	assert.ErrorIs(t, err, ErrZeroBid)

	poor := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	_, err = fx.ledger.PlaceBid(poor, testFilter(), milliEther(1))
	var transfer *TransferError
	require.ErrorAs(t, err, &transfer)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, fx.ledger.AuctionExists(filter.Hash(testFilter())))
}

func TestPlaceBidRefundFailureAborts(t *testing.T) {
	fx := newFixture(t)
	f := testFilter()
	hash := filter.Hash(f)

	_, err := fx.ledger.PlaceBid(alice, f, milliEther(1000))
	require.NoError(t, err)
	fx.escrow.Reject(alice, true)

	_, err = fx.ledger.PlaceBid(bob, f, milliEther(2000))
	var transfer *TransferError
	require.ErrorAs(t, err, &transfer)
	assert.Equal(t, alice, transfer.To)
	assert.Equal(t, ClassTransfer, ClassOf(err))

	winner, err := fx.ledger.GetWinner(hash)
	require.NoError(t, err)
	assert.Equal(t, alice, winner)
	assert.Equal(t, milliEther(10_000), fx.escrow.Balance(bob), "new bid returned")
	assert.Equal(t, milliEther(1000), fx.escrow.Held())
	assert.Len(t, fx.ledger.Bids(hash), 1)
	assert.Len(t, fx.events, 1)
}

func TestWithdrawWinningsOnce(t *testing.T) {
	fx := newFixture(t)
	f := testFilter()
	hash := filter.Hash(f)

	_, err := fx.ledger.PlaceBid(alice, f, milliEther(1000))
	require.NoError(t, err)

	auth, err := fx.signer.Authorize(hash, vaultAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), auth.Nonce)

	require.NoError(t, fx.ledger.WithdrawWinnings(hash, vaultAddr, auth.Nonce, auth.Signature))
	assert.Equal(t, milliEther(1000), fx.escrow.Balance(vaultAddr))
	assert.Equal(t, uint64(1), fx.ledger.ExecutorNonce())

	auction, ok := fx.ledger.GetAuction(hash)
	require.True(t, ok)
	assert.True(t, auction.IsExecuted)

	again, err := fx.signer.Authorize(hash, vaultAddr)
	require.NoError(t, err)
	err = fx.ledger.WithdrawWinnings(hash, vaultAddr, again.Nonce, again.Signature)
	assert.ErrorIs(t, err, ErrAuctionAlreadyExecuted)

	_, err = fx.ledger.PlaceBid(bob, f, milliEther(5000))
	assert.ErrorIs(t, err, ErrAuctionAlreadyExecuted)

	last := fx.events[len(fx.events)-1]
	assert.Equal(t, model.LedgerWinningsWithdrawn, last.Kind)
	assert.Equal(t, vaultAddr, last.Vault)
}

func TestWithdrawWinningsRejectsBadAuthorization(t *testing.T) {
	fx := newFixture(t)
	f := testFilter()
	hash := filter.Hash(f)
	_, err := fx.ledger.PlaceBid(alice, f, milliEther(1000))
	require.NoError(t, err)

	t.Run("stale nonce", func(t *testing.T) {
		sig, err := SignWithdrawal(fx.key, hash, vaultAddr, 7, ledgerID)
		require.NoError(t, err)
		err = fx.ledger.WithdrawWinnings(hash, vaultAddr, 7, sig)
		assert.ErrorIs(t, err, ErrInvalidSignature)
		assert.Equal(t, ClassAuthorization, ClassOf(err))
	})

	t.Run("wrong signer", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		sig, err := SignWithdrawal(other, hash, vaultAddr, 0, ledgerID)
		require.NoError(t, err)
		assert.ErrorIs(t, fx.ledger.WithdrawWinnings(hash, vaultAddr, 0, sig), ErrInvalidSignature)
	})

	t.Run("vault mismatch", func(t *testing.T) {
		sig, err := SignWithdrawal(fx.key, hash, vaultAddr, 0, ledgerID)
		require.NoError(t, err)
		assert.ErrorIs(t, fx.ledger.WithdrawWinnings(hash, bob, 0, sig), ErrInvalidSignature)
	})

	t.Run("other ledger", func(t *testing.T) {
		sig, err := SignWithdrawal(fx.key, hash, vaultAddr, 0, alice)
		require.NoError(t, err)
		assert.ErrorIs(t, fx.ledger.WithdrawWinnings(hash, vaultAddr, 0, sig), ErrInvalidSignature)
	})

	t.Run("zero vault", func(t *testing.T) {
		assert.ErrorIs(t, fx.ledger.WithdrawWinnings(hash, common.Address{}, 0, nil), ErrZeroVault)
	})

	t.Run("unknown auction", func(t *testing.T) {
		assert.ErrorIs(t, fx.ledger.WithdrawWinnings(common.HexToHash("0x01"), vaultAddr, 0, nil), ErrAuctionNotFound)
	})

	assert.Equal(t, uint64(0), fx.ledger.ExecutorNonce())
	assert.True(t, fx.escrow.Balance(vaultAddr).IsZero())
}

func TestAdminOperations(t *testing.T) {
	fx := newFixture(t)
	f := testFilter()
	hash := filter.Hash(f)
	_, err := fx.ledger.PlaceBid(alice, f, milliEther(1000))
	require.NoError(t, err)

	assert.ErrorIs(t, fx.ledger.Pause(alice, hash), ErrOnlyOwner)
	require.NoError(t, fx.ledger.Pause(ownerAddr, hash))

	_, err = fx.ledger.PlaceBid(bob, f, milliEther(2000))
	assert.ErrorIs(t, err, ErrAuctionNotActive)

	require.NoError(t, fx.ledger.Unpause(ownerAddr, hash))
	_, err = fx.ledger.PlaceBid(bob, f, milliEther(2000))
	require.NoError(t, err)

	require.NoError(t, fx.ledger.EmergencyRefund(ownerAddr, hash))
	assert.Equal(t, milliEther(10_000), fx.escrow.Balance(bob))
	assert.True(t, fx.escrow.Held().IsZero())
	auction, ok := fx.ledger.GetAuction(hash)
	require.True(t, ok)
	assert.False(t, auction.IsActive)
	assert.Equal(t, common.Address{}, auction.CurrentBidder)

	newOwner := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.NoError(t, fx.ledger.TransferOwnership(ownerAddr, newOwner))
	assert.ErrorIs(t, fx.ledger.SetExecutor(ownerAddr, alice), ErrOnlyOwner)
	require.NoError(t, fx.ledger.SetExecutor(newOwner, alice))
}

func TestDecodeLogRoundTripsEmittedEvents(t *testing.T) {
	fx := newFixture(t)
	f := testFilter()
	_, err := fx.ledger.PlaceBid(alice, f, milliEther(1000))
	require.NoError(t, err)
	_, err = fx.ledger.PlaceBid(bob, f, milliEther(1010))
	require.NoError(t, err)

	for _, ev := range fx.events {
		log, err := EncodeLog(ledgerID, ev)
		require.NoError(t, err)
		got, err := DecodeLog(log)
		require.NoError(t, err)
		assert.Equal(t, ev.Kind, got.Kind)
		assert.Equal(t, ev.FilterHash, got.FilterHash)
		assert.Equal(t, ev.Bidder, got.Bidder)
		assert.Equal(t, 0, ev.Amount.Cmp(got.Amount))
		assert.Equal(t, ev.Position, got.Position)
	}
	created, err := DecodeLog(mustEncode(t, fx.events[0]))
	require.NoError(t, err)
	require.NotNil(t, created.Filter)
	assert.Equal(t, filter.Hash(f), filter.Hash(*created.Filter))
}

func mustEncode(t *testing.T, ev model.LedgerEvent) types.Log {
	t.Helper()
	log, err := EncodeLog(ledgerID, ev)
	require.NoError(t, err)
	return log
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "1.01", FormatEther(milliEther(1010).ToBig()))
	assert.Equal(t, "0", FormatEther(new(uint256.Int).ToBig()))
	assert.Equal(t, "10", FormatEther(milliEther(10_000).ToBig()))

	wei, err := ParseEther("1.005")
	require.NoError(t, err)
	assert.Equal(t, 0, milliEther(1005).ToBig().Cmp(wei))
}

func TestSignerConcurrentAuthorizeUsesEachNonceOnce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key, ledgerID, NewNonceCounter(7))
	fh := filter.Hash(testFilter())

	const workers = 32
	var (
		mu     sync.Mutex
		nonces []uint64
		wg     sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			auth, err := signer.Authorize(fh, vaultAddr)
			if !assert.NoError(t, err) {
				return
			}
			got, err := RecoverWithdrawalSigner(fh, vaultAddr, auth.Nonce, ledgerID, auth.Signature)
			assert.NoError(t, err)
			assert.Equal(t, signer.Address(), got)
			mu.Lock()
			nonces = append(nonces, auth.Nonce)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	require.Len(t, nonces, workers)
	for i, n := range nonces {
		assert.Equal(t, uint64(7+i), n)
	}
	assert.Equal(t, uint64(7+workers), signer.Nonces().Peek())
}

func TestNonceCounterReleaseOnlyTop(t *testing.T) {
	c := NewNonceCounter(3)
	a := c.Reserve()
	b := c.Reserve()
	c.Release(a)
	assert.Equal(t, uint64(5), c.Peek(), "an older reservation cannot be handed back")
	c.Release(b)
	assert.Equal(t, uint64(4), c.Peek())
}
