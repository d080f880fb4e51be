// Package ledger defines the token movement boundary the engine settles
// through. Every call is atomic: it either fully succeeds or returns an
// error having changed nothing, and the engine aborts the whole operation
// on any failure.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the
	// account's balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Ledger moves collateral tokens and mints/burns synthetic tokens on the
// engine's behalf. TransferIn debits a user into engine custody;
// TransferOut credits a user from custody.
type Ledger interface {
	TransferIn(ctx context.Context, token, from string, amount decimal.Decimal) error
	TransferOut(ctx context.Context, token, to string, amount decimal.Decimal) error
	Mint(ctx context.Context, token, to string, amount decimal.Decimal) error
	Burn(ctx context.Context, token, from string, amount decimal.Decimal) error
}

// MemoryLedger implements Ledger with in-memory balances. Used for
// development and testing; production deployments adapt the real token
// ledger behind the same interface.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal // token -> account -> balance
	custody  map[string]decimal.Decimal            // token -> engine-held balance
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]map[string]decimal.Decimal),
		custody:  make(map[string]decimal.Decimal),
	}
}

// Credit adds balance to an account. Development faucet; not part of the
// Ledger interface.
func (l *MemoryLedger) Credit(token, account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(token, account, amount)
}

// Balance returns the current balance of an account for a token.
func (l *MemoryLedger) Balance(token, account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[token][account]
}

// CustodyBalance returns the engine-held balance for a token.
func (l *MemoryLedger) CustodyBalance(token string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.custody[token]
}

func (l *MemoryLedger) credit(token, account string, amount decimal.Decimal) {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[string]decimal.Decimal)
		l.balances[token] = accounts
	}
	accounts[account] = accounts[account].Add(amount)
}

func (l *MemoryLedger) debit(token, account string, amount decimal.Decimal) error {
	balance := l.balances[token][account]
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, need %s", ErrInsufficientBalance, account, balance, token, amount)
	}
	l.balances[token][account] = balance.Sub(amount)
	return nil
}

func (l *MemoryLedger) TransferIn(_ context.Context, token, from string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	l.custody[token] = l.custody[token].Add(amount)
	return nil
}

func (l *MemoryLedger) TransferOut(_ context.Context, token, to string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.custody[token]
	if held.LessThan(amount) {
		return fmt.Errorf("%w: custody holds %s %s, need %s", ErrInsufficientBalance, held, token, amount)
	}
	l.custody[token] = held.Sub(amount)
	l.credit(token, to, amount)
	return nil
}

func (l *MemoryLedger) Mint(_ context.Context, token, to string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(token, to, amount)
	return nil
}

func (l *MemoryLedger) Burn(_ context.Context, token, from string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.debit(token, from, amount)
}
