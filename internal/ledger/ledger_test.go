package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func di(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestTransferIn_MovesToCustody(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.Credit("USDC", "alice", di(100))

	if err := l.TransferIn(ctx, "USDC", "alice", di(60)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.Balance("USDC", "alice").Equal(di(40)) {
		t.Errorf("expected alice balance 40, got %s", l.Balance("USDC", "alice"))
	}
	if !l.CustodyBalance("USDC").Equal(di(60)) {
		t.Errorf("expected custody 60, got %s", l.CustodyBalance("USDC"))
	}
}

func TestTransferIn_InsufficientBalance(t *testing.T) {
	l := NewMemoryLedger()
	l.Credit("USDC", "alice", di(10))

	err := l.TransferIn(context.Background(), "USDC", "alice", di(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	// Nothing moved.
	if !l.Balance("USDC", "alice").Equal(di(10)) {
		t.Errorf("balance must be unchanged after failed debit, got %s", l.Balance("USDC", "alice"))
	}
}

func TestTransferOut_RequiresCustody(t *testing.T) {
	l := NewMemoryLedger()

	err := l.TransferOut(context.Background(), "USDC", "bob", di(1))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance for empty custody, got %v", err)
	}
}

func TestMintAndBurn(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Mint(ctx, "sTSLA", "alice", di(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !l.Balance("sTSLA", "alice").Equal(di(50)) {
		t.Errorf("expected 50 after mint, got %s", l.Balance("sTSLA", "alice"))
	}

	if err := l.Burn(ctx, "sTSLA", "alice", di(20)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if !l.Balance("sTSLA", "alice").Equal(di(30)) {
		t.Errorf("expected 30 after burn, got %s", l.Balance("sTSLA", "alice"))
	}

	if err := l.Burn(ctx, "sTSLA", "alice", di(31)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance burning more than held, got %v", err)
	}
}

func TestInvalidAmounts(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.TransferIn(ctx, "USDC", "alice", di(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := l.Mint(ctx, "sTSLA", "alice", di(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
}
