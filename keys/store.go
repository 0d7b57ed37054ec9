package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
)

const (
	OmniAccountKey       = "rhinestone-account" // smart account created through the cross-chain provider
	DelegationSessionKey = "eip7702-session"    // session-key owner for the delegation panel

	storeNamespace = "aacompare/keys/"
	storeCache     = 16 // MB
	storeHandles   = 16
)

// ErrNotFound is returned when no record is stored under the requested name.
var ErrNotFound = errors.New("key record not found")

// Store persists key records by name. It plays the role of browser local storage:
// one JSON document per fixed string key.
type Store struct {
	db ethdb.KeyValueStore
	mu sync.Mutex
}

// OpenStore opens (or creates) a leveldb backed store at path.
// An empty path returns an in-memory store.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	db, err := leveldb.New(path, storeCache, storeHandles, storeNamespace, false)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewMemoryStore returns a store that is lost on exit.
func NewMemoryStore() *Store {
	return &Store{db: memorydb.New()}
}

// Load returns the record stored under name.
func (s *Store) Load(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(name)
}

func (s *Store) load(name string) (*Record, error) {
	ok, err := s.db.Has([]byte(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	b, err := s.db.Get([]byte(name))
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", name, err)
	}
	return &r, nil
}

// Save overwrites the record stored under name.
func (s *Store) Save(name string, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(name, r)
}

func (s *Store) save(name string, r *Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(name), b)
}

// Delete removes the record stored under name. Deleting a missing record is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(name))
}

// MarkFunded sets the funded flag on an existing record. It is a no-op when
// nothing is stored under name.
func (s *Store) MarkFunded(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.load(name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.Funded = true
	return s.save(name, r)
}

func (s *Store) Close() error {
	return s.db.Close()
}
