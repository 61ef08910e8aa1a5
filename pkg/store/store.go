// Package store persists the resumable session record that lets a reconnect
// within the resumption window reuse billing state instead of double
// charging.
package store

import (
	"encoding/json"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

var recordKey = []byte("session/resumable")

// Record is the state persisted on every teardown.
type Record struct {
	SessionID      string    `json:"session_id"`
	CoachID        string    `json:"coach_id"`
	Mode           string    `json:"mode"`
	EndedAt        time.Time `json:"ended_at"`
	BilledMinutes  int       `json:"billed_minutes"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
}

// Store is a durable single-record store backed by badger.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, core.NewFinalizationError("open resumption store", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only for the process, used in tests
// and when no durable path is configured.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, core.NewFinalizationError("open in-memory resumption store", err)
	}
	return &Store{db: db}, nil
}

// Save writes the resumable record, replacing any previous one.
func (s *Store) Save(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return core.NewFinalizationError("encode resumable record", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey, payload)
	})
	if err != nil {
		return core.NewFinalizationError("persist resumable record", err)
	}
	return nil
}

// LoadIfFresh returns the stored record when its teardown happened within
// window of now. A stale or missing record returns (nil, nil).
func (s *Store) LoadIfFresh(window time.Duration) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewFinalizationError("load resumable record", err)
	}

	if time.Since(rec.EndedAt) > window {
		return nil, nil
	}
	return &rec, nil
}

// Clear removes the resumable record, called once a session is finalized or
// explicitly abandoned.
func (s *Store) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey)
	})
	if err != nil {
		return core.NewFinalizationError("clear resumable record", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
