package store

import (
	"sync"

	"trade_executor/internal/core"
)

// MemoryStore implements core.IFillStore in memory
type MemoryStore struct {
	txs []core.Transaction
	mu  sync.RWMutex
}

func NewMemoryStore(initial ...core.Transaction) *MemoryStore {
	return &MemoryStore{txs: append([]core.Transaction{}, initial...)}
}

func (s *MemoryStore) Append(txs []core.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, txs...)
	return nil
}

func (s *MemoryStore) List() []core.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Transaction{}, s.txs...)
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = []core.Transaction{}
	return nil
}

func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}
