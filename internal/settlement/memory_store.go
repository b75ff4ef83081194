package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/ckpay/platform/internal/unit"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps, for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	invoices     map[string]*Invoice
	transactions map[string]*Transaction
	txOrder      []string
	balances     map[string]uint64
	nextInvoice  uint64
	nextTx       uint64
}

// NewMemoryStore creates an empty in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:     make(map[string]*Invoice),
		transactions: make(map[string]*Transaction),
		balances:     make(map[string]uint64),
	}
}

func (m *MemoryStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *MemoryStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (m *MemoryStore) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *MemoryStore) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Invoice, 0, len(m.invoices))
	for _, inv := range m.invoices {
		result = append(result, copyInvoice(inv))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = copyTransaction(tx)
	m.txOrder = append(m.txOrder, tx.ID)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Transaction, 0, len(m.txOrder))
	for _, id := range m.txOrder {
		result = append(result, copyTransaction(m.transactions[id]))
	}
	return result, nil
}

func (m *MemoryStore) Balance(ctx context.Context, tokenSymbol string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[tokenSymbol], nil
}

func (m *MemoryStore) Balances(ctx context.Context) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]uint64, len(m.balances))
	for k, v := range m.balances {
		result[k] = v
	}
	return result, nil
}

func (m *MemoryStore) Credit(ctx context.Context, tokenSymbol string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[tokenSymbol] += amount
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, tokenSymbol string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[tokenSymbol] < amount {
		return ErrInsufficientBalance
	}
	m.balances[tokenSymbol] -= amount
	return nil
}

func (m *MemoryStore) NextInvoiceID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nextInvoice
	m.nextInvoice++
	return n, nil
}

func (m *MemoryStore) NextTransactionID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nextTx
	m.nextTx++
	return n, nil
}

func copyInvoice(inv *Invoice) *Invoice {
	cp := *inv
	if inv.ExpiresAt != nil {
		t := *inv.ExpiresAt
		cp.ExpiresAt = &t
	}
	if inv.Metadata != nil {
		cp.Metadata = append(unit.Metadata(nil), inv.Metadata...)
	}
	return &cp
}

func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.BlockIndex != nil {
		b := *tx.BlockIndex
		cp.BlockIndex = &b
	}
	if tx.Metadata != nil {
		cp.Metadata = append(unit.Metadata(nil), tx.Metadata...)
	}
	return &cp
}
