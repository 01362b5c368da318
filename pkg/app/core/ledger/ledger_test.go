package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeperp/engine/pkg/app/core"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

func TestDepositWithdraw(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 1_000_000_000)) // $1000

	acc := l.Get(alice)
	require.NotNil(t, acc)
	assert.Equal(t, int64(1_000_000_000), acc.Free)

	require.NoError(t, l.Withdraw(alice, 400_000_000))
	assert.Equal(t, int64(600_000_000), l.Get(alice).Free)

	err := l.Withdraw(alice, 700_000_000)
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)

	err = l.Withdraw(bob, 1)
	assert.ErrorIs(t, err, core.ErrUnknownTrader)
}

func TestReserveCommitRelease(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 1_000_000_000))

	// Reserve margin+fee for an order.
	require.NoError(t, l.ReserveForOrder(alice, 300_000_000))
	acc := l.Get(alice)
	assert.Equal(t, int64(700_000_000), acc.Free)
	assert.Equal(t, int64(300_000_000), acc.LockedOrders)

	// A fill commits part of the lock as pair margin, fee leaves the account.
	require.NoError(t, l.CommitMargin(alice, 200_000_000, 1_000_000))
	acc = l.Get(alice)
	assert.Equal(t, int64(99_000_000), acc.LockedOrders)
	assert.Equal(t, int64(200_000_000), acc.LockedMargin)

	// Cancel returns the residual lock to free.
	require.NoError(t, l.ReleaseOrder(alice, 99_000_000))
	acc = l.Get(alice)
	assert.Equal(t, int64(0), acc.LockedOrders)
	assert.Equal(t, int64(799_000_000), acc.Free)

	// Conservation inside the account: total = deposit - fee.
	assert.Equal(t, int64(999_000_000), acc.Total())
}

func TestReserveInsufficient(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 100))
	err := l.ReserveForOrder(alice, 101)
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
	// Failed reserve leaves buckets untouched.
	acc := l.Get(alice)
	assert.Equal(t, int64(100), acc.Free)
	assert.Equal(t, int64(0), acc.LockedOrders)
}

func TestReleaseMarginPayout(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 500))
	require.NoError(t, l.ReserveForOrder(alice, 500))
	require.NoError(t, l.CommitMargin(alice, 500, 0))

	// Close with +100 profit: margin released plus payout.
	require.NoError(t, l.ReleaseMargin(alice, 500, 600))
	acc := l.Get(alice)
	assert.Equal(t, int64(0), acc.LockedMargin)
	assert.Equal(t, int64(600), acc.Free)
}

func TestDebitFreeShortfall(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 100))

	applied := l.DebitFree(alice, 250)
	assert.Equal(t, int64(100), applied)
	assert.Equal(t, int64(0), l.Get(alice).Free)

	// Unknown trader applies nothing.
	assert.Equal(t, int64(0), l.DebitFree(bob, 10))
}

func TestSettlePnL(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 100))

	applied, shortfall := l.SettlePnL(alice, 50)
	assert.Equal(t, int64(50), applied)
	assert.Equal(t, int64(0), shortfall)
	assert.Equal(t, int64(150), l.Get(alice).Free)

	// Loss beyond balance reports a shortfall instead of going negative.
	applied, shortfall = l.SettlePnL(alice, -200)
	assert.Equal(t, int64(-150), applied)
	assert.Equal(t, int64(50), shortfall)
	assert.Equal(t, int64(0), l.Get(alice).Free)
}

func TestNonces(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 1))

	assert.Equal(t, uint64(0), l.PeekNonce(alice))
	require.NoError(t, l.NextNonce(alice, 0))
	require.NoError(t, l.NextNonce(alice, 1))

	// Gaps are allowed, replays are not.
	require.NoError(t, l.NextNonce(alice, 10))
	assert.Equal(t, uint64(11), l.PeekNonce(alice))
	assert.ErrorIs(t, l.NextNonce(alice, 10), core.ErrBadNonce)
	assert.ErrorIs(t, l.NextNonce(alice, 3), core.ErrBadNonce)

	assert.ErrorIs(t, l.NextNonce(bob, 0), core.ErrUnknownTrader)
}

func TestTotalCollateral(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 1000))
	require.NoError(t, l.Deposit(bob, 500))
	require.NoError(t, l.ReserveForOrder(alice, 400))
	require.NoError(t, l.CommitMargin(alice, 300, 0))

	// Internal moves never change total collateral.
	assert.Equal(t, int64(1500), l.TotalCollateral())
}

func TestSnapshotIsCopy(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit(alice, 100))
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Free = 0
	assert.Equal(t, int64(100), l.Get(alice).Free)
}
