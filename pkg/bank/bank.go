// Package bank is a single-asset account ledger backing the engine's
// collateral flows. It stands in for an external token or native balance
// module behind the engine's Bank interface.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/margined/perp/pkg/num"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger is an in-memory account set. Balances never go negative; a transfer
// that would overdraw fails whole.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]num.Uint
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]num.Uint)}
}

// Mint credits an account out of thin air. Test and genesis seeding only.
func (l *Ledger) Mint(account string, amount num.Uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := l.balances[account].Add(amount)
	if err != nil {
		return err
	}
	l.balances[account] = next
	return nil
}

func (l *Ledger) Balance(ctx context.Context, account string) (num.Uint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

func (l *Ledger) Transfer(ctx context.Context, from, to string, amount num.Uint) error {
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.balances[from]
	if src.LT(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, src.String(), amount.String())
	}
	dst, err := l.balances[to].Add(amount)
	if err != nil {
		return err
	}
	l.balances[from] = src.SaturatingSub(amount)
	l.balances[to] = dst
	return nil
}
