// Package store provides the durable queue of fills awaiting report
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"trade_executor/internal/core"
)

// FileStore keeps pending transactions in a JSON array file. Every write
// replaces the whole file through a temp file and rename, so readers never
// observe a truncated list. A missing or unparsable file reads as empty.
type FileStore struct {
	path   string
	logger core.ILogger
	mu     sync.Mutex
}

// NewFileStore opens the store at path, creating parent directories and an
// empty list file when absent.
func NewFileStore(path string, logger core.ILogger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		logger: logger.WithField("component", "fill_store"),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write([]core.Transaction{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat pending file: %w", err)
	}

	return s, nil
}

// Path returns the backing file location
func (s *FileStore) Path() string {
	return s.path
}

// Append adds transactions to the end of the list. Empty input is a no-op.
func (s *FileStore) Append(txs []core.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.read()
	current = append(current, txs...)
	if err := s.write(current); err != nil {
		return err
	}

	s.logger.Debug("Appended pending transactions", "added", len(txs), "total", len(current))
	return nil
}

// List returns all pending transactions in insertion order
func (s *FileStore) List() []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Clear removes every pending transaction
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write([]core.Transaction{})
}

// Count returns the number of pending transactions
func (s *FileStore) Count() int {
	return len(s.List())
}

// Check verifies the backing file is readable and well-formed
func (s *FileStore) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := Inspect(s.path)
	return err
}

// Inspect counts the pending transactions at path without creating or
// rewriting anything. A missing file holds zero transactions.
func Inspect(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pending file unreadable: %w", err)
	}
	var txs []core.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return 0, fmt.Errorf("pending file corrupt: %w", err)
	}
	return len(txs), nil
}

func (s *FileStore) read() []core.Transaction {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read pending file, treating as empty", "path", s.path, "error", err)
		}
		return []core.Transaction{}
	}

	var txs []core.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		s.logger.Warn("Pending file unparsable, treating as empty", "path", s.path, "error", err)
		return []core.Transaction{}
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	return txs
}

func (s *FileStore) write(txs []core.Transaction) error {
	data, err := json.MarshalIndent(txs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transactions: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pending-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace pending file: %w", err)
	}

	// Persist the rename itself
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
