package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/app/core"
)

// Account is a trader's collateral state. All amounts are 1e6 fixed-point
// collateral units. Invariant: Free, LockedOrders, LockedMargin >= 0 at all
// times; no operation may drive any bucket negative.
type Account struct {
	Address      common.Address `json:"address"`
	Free         int64          `json:"free"`
	LockedOrders int64          `json:"lockedOrders"`
	LockedMargin int64          `json:"lockedMargin"`
	Nonce        uint64         `json:"nonce"` // next expected order nonce
}

// Total returns the account's full collateral balance.
func (a *Account) Total() int64 { return a.Free + a.LockedOrders + a.LockedMargin }

// Ledger tracks every trader's collateral buckets. It is shared across market
// workers, so each mutation takes the ledger lock; operations never block on
// anything while holding it.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[common.Address]*Account)}
}

func (l *Ledger) getLocked(addr common.Address) *Account {
	acc, ok := l.accounts[addr]
	if !ok {
		acc = &Account{Address: addr}
		l.accounts[addr] = acc
	}
	return acc
}

// Deposit credits free collateral, creating the account if needed.
func (l *Ledger) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getLocked(addr).Free += amount
	return nil
}

// Withdraw debits free collateral. Locked funds are not withdrawable.
func (l *Ledger) Withdraw(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return core.ErrUnknownTrader
	}
	if acc.Free < amount {
		return fmt.Errorf("%w: free %d, requested %d", core.ErrInsufficientFunds, acc.Free, amount)
	}
	acc.Free -= amount
	return nil
}

// Exists reports whether the trader has ever deposited.
func (l *Ledger) Exists(addr common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[addr]
	return ok
}

// ReserveForOrder moves amount free -> locked_orders at order admission.
func (l *Ledger) ReserveForOrder(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive: %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return core.ErrUnknownTrader
	}
	if acc.Free < amount {
		return fmt.Errorf("%w: free %d, required %d", core.ErrInsufficientFunds, acc.Free, amount)
	}
	acc.Free -= amount
	acc.LockedOrders += amount
	return nil
}

// ReleaseOrder moves amount locked_orders -> free when an order's residual is
// cancelled, rejected, or expires.
func (l *Ledger) ReleaseOrder(addr common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("release amount must be positive: %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return core.ErrUnknownTrader
	}
	if acc.LockedOrders < amount {
		return fmt.Errorf("release %d exceeds locked_orders %d for %s", amount, acc.LockedOrders, addr.Hex())
	}
	acc.LockedOrders -= amount
	acc.Free += amount
	return nil
}

// CommitMargin moves margin locked_orders -> locked_margin when a fill opens a
// pair, and debits fee from locked_orders into thin air (the fee is credited
// to the insurance fund by the caller).
func (l *Ledger) CommitMargin(addr common.Address, margin, fee int64) error {
	if margin < 0 || fee < 0 {
		return fmt.Errorf("negative commit: margin %d fee %d", margin, fee)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return core.ErrUnknownTrader
	}
	if acc.LockedOrders < margin+fee {
		return fmt.Errorf("commit %d+%d exceeds locked_orders %d for %s",
			margin, fee, acc.LockedOrders, addr.Hex())
	}
	acc.LockedOrders -= margin + fee
	acc.LockedMargin += margin
	return nil
}

// ReleaseMargin returns amount locked_margin -> free when a pair side closes.
// The realized PnL and fees have already been netted out of amount by the
// caller; amount is what the trader gets back.
func (l *Ledger) ReleaseMargin(addr common.Address, locked, payout int64) error {
	if locked < 0 || payout < 0 {
		return fmt.Errorf("negative release: locked %d payout %d", locked, payout)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return core.ErrUnknownTrader
	}
	if acc.LockedMargin < locked {
		return fmt.Errorf("release %d exceeds locked_margin %d for %s", locked, acc.LockedMargin, addr.Hex())
	}
	acc.LockedMargin -= locked
	acc.Free += payout
	return nil
}

// Credit adds amount to free collateral without creating the account. Used for
// positive PnL payouts and funding receipts.
func (l *Ledger) Credit(addr common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative: %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return core.ErrUnknownTrader
	}
	acc.Free += amount
	return nil
}

// DebitFree takes up to amount from free collateral and returns how much was
// actually taken. Shortfall, if any, is amount minus the return value. Losses
// beyond a trader's collateral never drive a balance negative; the caller
// routes the shortfall to the insurance fund.
func (l *Ledger) DebitFree(addr common.Address, amount int64) (applied int64) {
	if amount <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return 0
	}
	applied = amount
	if acc.Free < applied {
		applied = acc.Free
	}
	acc.Free -= applied
	return applied
}

// SettlePnL applies a signed collateral delta to free balance. Gains credit in
// full. Losses apply only up to the free balance; the uncovered remainder is
// returned as shortfall for the caller to draw from insurance. Balances never
// go negative.
func (l *Ledger) SettlePnL(addr common.Address, delta int64) (applied, shortfall int64) {
	if delta >= 0 {
		if err := l.Credit(addr, delta); err != nil {
			return 0, 0
		}
		return delta, 0
	}
	taken := l.DebitFree(addr, -delta)
	return -taken, -delta - taken
}

// NextNonce validates and consumes an order nonce. Nonces are strictly
// increasing per trader; a reused or decreasing nonce is rejected and the
// stored counter is untouched.
func (l *Ledger) NextNonce(addr common.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return core.ErrUnknownTrader
	}
	if nonce < acc.Nonce {
		return fmt.Errorf("%w: got %d, want >= %d", core.ErrBadNonce, nonce, acc.Nonce)
	}
	acc.Nonce = nonce + 1
	return nil
}

// PeekNonce returns the next expected nonce without consuming it.
func (l *Ledger) PeekNonce(addr common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acc, ok := l.accounts[addr]; ok {
		return acc.Nonce
	}
	return 0
}

// Get returns a copy of the account, or nil if it does not exist.
func (l *Ledger) Get(addr common.Address) *Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[addr]
	if !ok {
		return nil
	}
	cp := *acc
	return &cp
}

// Snapshot returns copies of every account, for queries and persistence.
func (l *Ledger) Snapshot() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, *acc)
	}
	return out
}

// TotalCollateral sums every bucket of every account. Used by conservation
// checks against the insurance fund.
func (l *Ledger) TotalCollateral() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, acc := range l.accounts {
		total += acc.Total()
	}
	return total
}

// Restore overwrites an account from a journal replay record.
func (l *Ledger) Restore(acc Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := acc
	l.accounts[acc.Address] = &cp
}
