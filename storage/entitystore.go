package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"microlend/market"
)

const (
	entityPrefix = "e/"
	indexPrefix  = "i/"
)

// envelope wraps every stored entity with write bookkeeping. Version counts
// committed writes so readers can detect lost updates; Indexes remembers the
// secondary index entries written alongside the entity so stale ones can be
// removed on the next write without decoding the payload.
type envelope struct {
	Version   uint64            `json:"version"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Indexes   map[string]string `json:"indexes,omitempty"`
	Data      json.RawMessage   `json:"data"`
}

func entityKey(kind market.EntityKind, key string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", entityPrefix, kind, url.PathEscape(key)))
}

func indexEntryKey(kind market.EntityKind, index, value, key string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s/%s", indexPrefix, kind, index, url.PathEscape(value), url.PathEscape(key)))
}

func indexScanPrefix(kind market.EntityKind, index, value string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s/", indexPrefix, kind, index, url.PathEscape(value)))
}

// keyedMutex serialises writers per entity key so read-merge-write cycles on
// the same record never interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// EntityStore is the keyed persistent store for the five marketplace entity
// kinds. It enforces no cross-entity invariant; those belong to the lifecycle
// controller. Writes are whole-entity replace-on-update with a last-write
// timestamp and a monotonically increasing version per key.
type EntityStore struct {
	db    Database
	locks *keyedMutex
	nowFn func() time.Time
}

// NewEntityStore wraps the given key-value backend.
func NewEntityStore(db Database) *EntityStore {
	return &EntityStore{
		db:    db,
		locks: newKeyedMutex(),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the timestamp source. Primarily for tests.
func (s *EntityStore) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// Put writes the entity, replacing any previous value under the same key and
// refreshing its secondary index entries.
func (s *EntityStore) Put(e market.Entity) error {
	if e == nil {
		return market.Validationf("nil entity")
	}
	key := e.StoreKey()
	if key == "" {
		return market.Validationf("entity key required")
	}
	unlock := s.locks.lock(lockName(e.StoreKind(), key))
	defer unlock()
	return s.write(e, key, nil)
}

// Get decodes the entity stored under (kind, key) into out. A missing key
// yields a NotFound error.
func (s *EntityStore) Get(kind market.EntityKind, key string, out any) error {
	raw, _, err := s.load(kind, key)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("storage: decode %s/%s: %w", kind, key, err)
	}
	return nil
}

// Version reports the committed write count for (kind, key).
func (s *EntityStore) Version(kind market.EntityKind, key string) (uint64, error) {
	_, version, err := s.load(kind, key)
	return version, err
}

// GetBy returns the raw payloads of every entity whose index entry matches
// value. Order is unspecified; callers sort explicitly.
func (s *EntityStore) GetBy(kind market.EntityKind, index, value string) ([]json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	var out []json.RawMessage
	err := s.db.Iterate(indexScanPrefix(kind, index, value), func(_, v []byte) error {
		raw, _, err := s.load(kind, string(v))
		if errors.Is(err, market.ErrNotFound) {
			// Index entry outlived the entity; skip.
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAll returns the raw payloads of every entity of the given kind, in
// unspecified order.
func (s *EntityStore) GetAll(kind market.EntityKind) ([]json.RawMessage, error) {
	prefix := []byte(fmt.Sprintf("%s%s/", entityPrefix, kind))
	var out []json.RawMessage
	err := s.db.Iterate(prefix, func(_, v []byte) error {
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return fmt.Errorf("storage: decode envelope: %w", err)
		}
		out = append(out, env.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update atomically applies a read-merge-write cycle: the current value is
// decoded into entity (which must be a pointer), apply mutates it, and the
// result is written back under the per-key lock. If apply returns an error
// nothing is written. A missing key yields NotFound.
func (s *EntityStore) Update(kind market.EntityKind, key string, entity market.Entity, apply func() error) error {
	unlock := s.locks.lock(lockName(kind, key))
	defer unlock()

	raw, version, err := s.load(kind, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, entity); err != nil {
		return fmt.Errorf("storage: decode %s/%s: %w", kind, key, err)
	}
	if err := apply(); err != nil {
		return err
	}
	if entity.StoreKey() != key {
		return market.Validationf("update must not change entity key")
	}
	return s.write(entity, key, &version)
}

// Delete removes the entity and its index entries. Used only for compensating
// writes (e.g. unwinding an escrow whose funding transfer failed); domain
// records are otherwise retained forever.
func (s *EntityStore) Delete(kind market.EntityKind, key string) error {
	unlock := s.locks.lock(lockName(kind, key))
	defer unlock()

	ekey := entityKey(kind, key)
	raw, err := s.db.Get(ekey)
	if errors.Is(err, ErrKeyNotFound) {
		return market.NotFoundf("%s %s not found", kind, key)
	}
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("storage: decode envelope: %w", err)
	}
	for index, value := range env.Indexes {
		if value == "" {
			continue
		}
		if err := s.db.Delete(indexEntryKey(kind, index, value, key)); err != nil {
			return err
		}
	}
	return s.db.Delete(ekey)
}

// Clear drops every entity and index entry. Intended for tests and demo
// reseeding only.
func (s *EntityStore) Clear() error {
	for _, prefix := range []string{entityPrefix, indexPrefix} {
		var keys [][]byte
		err := s.db.Iterate([]byte(prefix), func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := s.db.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func lockName(kind market.EntityKind, key string) string {
	return string(kind) + "/" + key
}

func (s *EntityStore) load(kind market.EntityKind, key string) (json.RawMessage, uint64, error) {
	raw, err := s.db.Get(entityKey(kind, key))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, 0, market.NotFoundf("%s %s not found", kind, key)
	}
	if err != nil {
		return nil, 0, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("storage: decode envelope: %w", err)
	}
	return env.Data, env.Version, nil
}

// write persists the entity and reconciles index entries. When expectVersion
// is non-nil the stored version must still match; the caller holds the key
// lock, so a mismatch means an out-of-band write and aborts with a conflict.
func (s *EntityStore) write(e market.Entity, key string, expectVersion *uint64) error {
	kind := e.StoreKind()
	ekey := entityKey(kind, key)

	var prior envelope
	havePrior := false
	if raw, err := s.db.Get(ekey); err == nil {
		if err := json.Unmarshal(raw, &prior); err != nil {
			return fmt.Errorf("storage: decode envelope: %w", err)
		}
		havePrior = true
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	if expectVersion != nil && (!havePrior || prior.Version != *expectVersion) {
		return market.Conflictf("%s %s modified concurrently", kind, key)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: encode %s/%s: %w", kind, key, err)
	}
	indexes := e.IndexValues()
	env := envelope{
		Version:   prior.Version + 1,
		UpdatedAt: s.nowFn().UTC(),
		Indexes:   indexes,
		Data:      data,
	}
	encoded, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("storage: encode envelope: %w", err)
	}
	if err := s.db.Put(ekey, encoded); err != nil {
		return err
	}

	// Reconcile secondary indexes: drop entries whose value changed, then add
	// the current ones.
	if havePrior {
		for index, old := range prior.Indexes {
			if old == "" || indexes[index] == old {
				continue
			}
			if err := s.db.Delete(indexEntryKey(kind, index, old, key)); err != nil {
				return err
			}
		}
	}
	for index, value := range indexes {
		if value == "" {
			continue
		}
		if err := s.db.Put(indexEntryKey(kind, index, value, key), []byte(key)); err != nil {
			return err
		}
	}
	return nil
}
