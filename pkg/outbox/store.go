package outbox

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"convosync/pkg/logger"
	"convosync/pkg/models"
)

const keyPrefix = "outbox!"

func entryKey(queueID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, queueID))
}

// Store persists outbox entries in a local pebble database. Keys are
// zero-padded queue ids, so iteration order is FIFO enqueue order.
// Writes use pebble.Sync: an entry is only "in the outbox" once it would
// survive a crash.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	nextID uint64
	closed bool
}

// Open opens (or creates) the store at path and runs crash recovery: any
// entry left in `sending` by a previous process is reset to `queued`.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox store: %w", err)
	}
	s := &Store{db: db, nextID: 1}
	entries, err := s.scan()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	recovered := 0
	for _, e := range entries {
		if e.QueueID >= s.nextID {
			s.nextID = e.QueueID + 1
		}
		if e.Status == models.EntrySending {
			e.Status = models.EntryQueued
			if err := s.put(e); err != nil {
				_ = db.Close()
				return nil, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		logger.Info("outbox_recovered_sending", "count", recovered)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Append assigns the next queue id and durably persists a new queued entry.
func (s *Store) Append(e models.OutboxEntry) (models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.OutboxEntry{}, ErrClosed
	}
	e.QueueID = s.nextID
	s.nextID++
	e.Status = models.EntryQueued
	if err := s.put(e); err != nil {
		return models.OutboxEntry{}, err
	}
	return e, nil
}

// Put overwrites an existing entry.
func (s *Store) Put(e models.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.put(e)
}

func (s *Store) put(e models.OutboxEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	if err := s.db.Set(entryKey(e.QueueID), b, pebble.Sync); err != nil {
		return fmt.Errorf("persist outbox entry %d: %w", e.QueueID, err)
	}
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(queueID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.Delete(entryKey(queueID), pebble.Sync); err != nil {
		return fmt.Errorf("delete outbox entry %d: %w", queueID, err)
	}
	return nil
}

// List returns all entries in FIFO order.
func (s *Store) List() ([]models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.scan()
}

func (s *Store) scan() ([]models.OutboxEntry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	defer iter.Close()
	var out []models.OutboxEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var e models.OutboxEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			logger.Warn("outbox_entry_corrupt", "key", string(iter.Key()), "error", err.Error())
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}
