package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process ledger used for development and tests. Balances
// and allowances are seeded by the test or the dev bootstrap.
type Memory struct {
	mu         sync.Mutex
	balances   map[string]uint64 // ledgerID|account -> balance
	allowances map[string]uint64 // ledgerID|owner|spender -> allowance
	nextBlock  uint64
}

// NewMemory creates an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[string]uint64),
		allowances: make(map[string]uint64),
		nextBlock:  1,
	}
}

func balanceKey(ledgerID, account string) string { return ledgerID + "|" + account }

func allowanceKey(ledgerID, owner, spender string) string {
	return ledgerID + "|" + owner + "|" + spender
}

// SetBalance seeds an account balance.
func (m *Memory) SetBalance(ledgerID, account string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(ledgerID, account)] = amount
}

// Approve seeds an allowance from owner to spender.
func (m *Memory) Approve(ledgerID, owner, spender string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey(ledgerID, owner, spender)] = amount
}

// Balance returns the current balance of an account.
func (m *Memory) Balance(ledgerID, account string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey(ledgerID, account)]
}

// TransferFrom moves amount from `from` to `to`, consuming the allowance
// granted to `to` as the spender.
func (m *Memory) TransferFrom(_ context.Context, ledgerID, from, to string, amount uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ak := allowanceKey(ledgerID, from, to)
	if m.allowances[ak] < amount {
		return 0, &TransferError{Code: CodeInsufficientAllowance, Allowance: m.allowances[ak]}
	}
	bk := balanceKey(ledgerID, from)
	if m.balances[bk] < amount {
		return 0, &TransferError{Code: CodeInsufficientFunds, Balance: m.balances[bk]}
	}

	m.allowances[ak] -= amount
	m.balances[bk] -= amount
	m.balances[balanceKey(ledgerID, to)] += amount

	block := m.nextBlock
	m.nextBlock++
	return block, nil
}

// Transfer moves amount from the unit account to the recipient.
func (m *Memory) Transfer(_ context.Context, ledgerID, from, to string, amount uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bk := balanceKey(ledgerID, from)
	if m.balances[bk] < amount {
		return 0, &TransferError{Code: CodeInsufficientFunds, Balance: m.balances[bk]}
	}
	m.balances[bk] -= amount
	m.balances[balanceKey(ledgerID, to)] += amount

	block := m.nextBlock
	m.nextBlock++
	return block, nil
}

var _ Client = (*Memory)(nil)
