package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelStore stores one area in its own LevelDB directory. Every write is a
// single leveldb batch.
type LevelStore struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	closed bool
	feed   *feed
}

func NewLevelStore(path, area string) (*LevelStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
		BlockCacheCapacity:     4 * opt.MiB,
	})
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db, feed: newFeed(area)}, nil
}

func (s *LevelStore) get(keys []string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		v, err := s.db.Get([]byte(k), nil)
		if err != nil {
			if errors.Is(err, leveldb.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result[k] = v
	}
	return result, nil
}

func (s *LevelStore) all() (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage)
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		result[string(it.Key())] = clone(it.Value())
	}
	return result, it.Error()
}

func (s *LevelStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.get(keys)
}

func (s *LevelStore) GetAll(_ context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.all()
}

func (s *LevelStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	entries, err := normalize(entries)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	old, err := s.get(keys)
	if err != nil {
		return err
	}
	changes := changesForSet(old, entries)
	if len(changes) == 0 {
		return nil
	}

	batch := new(leveldb.Batch)
	for k := range changes {
		batch.Put([]byte(k), entries[k])
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changes)
	return nil
}

func (s *LevelStore) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old, err := s.get(keys)
	if err != nil {
		return err
	}
	return s.delete(ctx, old)
}

func (s *LevelStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old, err := s.all()
	if err != nil {
		return err
	}
	return s.delete(ctx, old)
}

func (s *LevelStore) delete(ctx context.Context, old map[string]json.RawMessage) error {
	if len(old) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for k := range old {
		batch.Delete([]byte(k))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changesForRemove(old))
	return nil
}

func (s *LevelStore) Subscribe(ctx context.Context) (<-chan ChangeSet, func()) {
	return s.feed.subscribe(ctx)
}

func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.feed.close()
	return s.db.Close()
}
