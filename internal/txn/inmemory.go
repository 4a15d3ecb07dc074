package txn

import (
	"context"
	"fmt"
	"sync"
)

// LedgerParticipant is an in-memory account ledger implementing both
// protocols: Prepare places a hold, Commit applies it, Abort releases
// it; Act applies a movement directly and Compensate reverses it. All
// operations are idempotent per transaction id, as the participant
// contract requires under at-least-once delivery.
//
// Params: "account" (string) and "amount" (number; negative debits).
// Used by the demo wiring and as a realistic fixture in tests.
type LedgerParticipant struct {
	id   string
	caps Capabilities

	mu       sync.Mutex
	balances map[string]int64
	holds    map[string]ledgerMove // keyed by tx id
	applied  map[string]ledgerMove // keyed by tx id
}

type ledgerMove struct {
	account string
	amount  int64
}

// NewLedgerParticipant constructs a ledger with the declared capabilities.
func NewLedgerParticipant(id string, caps Capabilities) *LedgerParticipant {
	return &LedgerParticipant{
		id:       id,
		caps:     caps,
		balances: make(map[string]int64),
		holds:    make(map[string]ledgerMove),
		applied:  make(map[string]ledgerMove),
	}
}

func (l *LedgerParticipant) ID() string                 { return l.id }
func (l *LedgerParticipant) Capabilities() Capabilities { return l.caps }

// Deposit seeds an account balance.
func (l *LedgerParticipant) Deposit(account string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Balance returns the current balance, excluding holds.
func (l *LedgerParticipant) Balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

func (l *LedgerParticipant) Prepare(ctx context.Context, txID string, params map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	move, err := decodeMove(params)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holds[txID]; held {
		return nil
	}
	if move.amount < 0 && l.balances[move.account]+move.amount < 0 {
		return fmt.Errorf("account %s: insufficient funds", move.account)
	}
	if move.amount < 0 {
		l.balances[move.account] += move.amount
	}
	l.holds[txID] = move
	return nil
}

func (l *LedgerParticipant) Commit(ctx context.Context, txID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	move, held := l.holds[txID]
	if !held {
		return nil // already committed or never prepared here
	}
	if move.amount > 0 {
		l.balances[move.account] += move.amount
	}
	l.applied[txID] = move
	delete(l.holds, txID)
	return nil
}

func (l *LedgerParticipant) Abort(ctx context.Context, txID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	move, held := l.holds[txID]
	if !held {
		return nil
	}
	if move.amount < 0 {
		l.balances[move.account] -= move.amount
	}
	delete(l.holds, txID)
	return nil
}

func (l *LedgerParticipant) Act(ctx context.Context, txID string, params map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	move, err := decodeMove(params)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.applied[txID]; done {
		return nil
	}
	if move.amount < 0 && l.balances[move.account]+move.amount < 0 {
		return fmt.Errorf("account %s: insufficient funds", move.account)
	}
	l.balances[move.account] += move.amount
	l.applied[txID] = move
	return nil
}

func (l *LedgerParticipant) Compensate(ctx context.Context, txID string, params map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	move, done := l.applied[txID]
	if !done {
		return nil
	}
	l.balances[move.account] -= move.amount
	delete(l.applied, txID)
	return nil
}

func decodeMove(params map[string]any) (ledgerMove, error) {
	account, _ := params["account"].(string)
	if account == "" {
		return ledgerMove{}, fmt.Errorf("ledger params missing account")
	}
	switch v := params["amount"].(type) {
	case int64:
		return ledgerMove{account: account, amount: v}, nil
	case int:
		return ledgerMove{account: account, amount: int64(v)}, nil
	case float64:
		return ledgerMove{account: account, amount: int64(v)}, nil
	default:
		return ledgerMove{}, fmt.Errorf("ledger params missing amount")
	}
}
