package memo

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// Store persists invocation records.
//
// A record maps an InvocationKey to the Outputs of the one physical execution
// performed for that key. Records are written once, read on every later
// lookup, and never mutated or evicted.
type Store interface {
	// Get returns the recorded outputs for key and whether a record exists.
	Get(key InvocationKey) (Outputs, bool, error)

	// Put stores the outputs for key. Overwriting an existing record with
	// identical content is harmless; stores are append-mostly.
	Put(key InvocationKey, outputs Outputs) error

	// Close releases any resources held by the store.
	Close() error
}

// recordPrefix namespaces invocation records inside the badger keyspace.
const recordPrefix = "inv/"

// BadgerStore is the durable Store used by real pipeline runs.
//
// Badger commits each record atomically and holds a directory lock while
// open, so a cache directory is only ever written by one process at a time.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or initializes) the record store under dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache record store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the recorded outputs for key.
func (s *BadgerStore) Get(key InvocationKey) (Outputs, bool, error) {
	var outputs Outputs
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + string(key)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &outputs)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading record %s: %w", key.Short(), err)
	}
	return outputs, true, nil
}

// Put stores the outputs for key.
func (s *BadgerStore) Put(key InvocationKey, outputs Outputs) error {
	if outputs == nil {
		return fmt.Errorf("outputs are nil")
	}
	val, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("serializing record %s: %w", key.Short(), err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+string(key)), val)
	})
	if err != nil {
		return fmt.Errorf("writing record %s: %w", key.Short(), err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps records in memory. Useful for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[InvocationKey]Outputs
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[InvocationKey]Outputs)}
}

// Get returns the recorded outputs for key.
func (s *MemoryStore) Get(key InvocationKey) (Outputs, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outputs, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	// Copy so callers cannot mutate the stored record.
	cp := make(Outputs, len(outputs))
	for name, path := range outputs {
		cp[name] = path
	}
	return cp, true, nil
}

// Put stores the outputs for key.
func (s *MemoryStore) Put(key InvocationKey, outputs Outputs) error {
	if outputs == nil {
		return fmt.Errorf("outputs are nil")
	}
	cp := make(Outputs, len(outputs))
	for name, path := range outputs {
		cp[name] = path
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = cp
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
