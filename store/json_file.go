package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JsonFileStore stores an area as a single JSON object on disk.
//
// Layout:
//
//	data_dir/
//	  sync.json    # "sync" area
//	  local.json   # "local" area
type JsonFileStore struct {
	mu     sync.RWMutex
	path   string
	closed bool
	feed   *feed
}

func NewJsonFileStore(dir, area string) (*JsonFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JsonFileStore{
		path: filepath.Join(dir, area+".json"),
		feed: newFeed(area),
	}, nil
}

// load reads the area file. Values are compacted so their accounted size
// does not depend on the file's indentation.
func (s *JsonFileStore) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", s.path, err)
	}
	result := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("store: parse %s: key %q: %w", s.path, k, err)
		}
		result[k] = buf.Bytes()
	}
	return result, nil
}

// save writes the area file through a temporary file and a rename.
func (s *JsonFileStore) save(entries map[string]json.RawMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JsonFileStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	result := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

func (s *JsonFileStore) GetAll(_ context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.load()
}

func (s *JsonFileStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	entries, err := normalize(entries)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	all, err := s.load()
	if err != nil {
		return err
	}
	changes := changesForSet(all, entries)
	if len(changes) == 0 {
		return nil
	}
	for k, v := range entries {
		all[k] = clone(v)
	}
	if err := s.save(all); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changes)
	return nil
}

func (s *JsonFileStore) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	all, err := s.load()
	if err != nil {
		return err
	}
	old := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			old[k] = v
			delete(all, k)
		}
	}
	if len(old) == 0 {
		return nil
	}
	if err := s.save(all); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changesForRemove(old))
	return nil
}

func (s *JsonFileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old, err := s.load()
	if err != nil {
		return err
	}
	if len(old) == 0 {
		return nil
	}
	if err := s.save(map[string]json.RawMessage{}); err != nil {
		return err
	}
	s.feed.publish(OriginFrom(ctx), changesForRemove(old))
	return nil
}

func (s *JsonFileStore) Subscribe(ctx context.Context) (<-chan ChangeSet, func()) {
	return s.feed.subscribe(ctx)
}

func (s *JsonFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.feed.close()
	return nil
}
