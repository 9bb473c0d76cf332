// Package store defines the backing key-value store interface and its
// implementations.
//
// A Store holds one storage area ("sync" or "local"): a flat map of keys to
// JSON values. Every write is applied as one batch and announced to
// subscribers as a ChangeSet carrying the old and new value of each key it
// changed.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/stevemurr/tabsync/quota"
)

// Well-known area names.
const (
	AreaSync  = "sync"
	AreaLocal = "local"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrInvalidValue is returned when a written value is not valid JSON.
	ErrInvalidValue = errors.New("store: invalid JSON value")
)

// Store is the interface that all backing stores must implement.
type Store interface {
	// Get returns the values of the requested keys. Missing keys are absent
	// from the result.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)

	// GetAll returns every entry in the area.
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)

	// Set writes all entries as a single batch.
	Set(ctx context.Context, entries map[string]json.RawMessage) error

	// Remove deletes keys. Keys that do not exist are ignored.
	Remove(ctx context.Context, keys ...string) error

	// Clear removes every entry in the area.
	Clear(ctx context.Context) error

	// Subscribe returns a channel of change sets. The channel is closed when
	// stop is called, ctx is done or the store is closed.
	Subscribe(ctx context.Context) (c <-chan ChangeSet, stop func())

	// Close releases resources held by the store.
	Close() error
}

// Change is the before and after value of one key. A nil value means the
// key was absent.
type Change struct {
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
}

// ChangeSet groups the changes made by one write.
type ChangeSet struct {
	Area    string            `json:"area"`
	Origin  string            `json:"origin,omitempty"`
	Changes map[string]Change `json:"changes"`
}

// Keys returns the changed keys in sorted order.
func (cs ChangeSet) Keys() []string {
	keys := make([]string, 0, len(cs.Changes))
	for k := range cs.Changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type originKey struct{}

// WithOrigin tags writes made with ctx so their change sets carry origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin set by WithOrigin, if any.
func OriginFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}

// Usage returns the number of entries and the accounted bytes of s.
func Usage(ctx context.Context, s Store) (items, bytes int, err error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	for k, v := range all {
		bytes += quota.EntrySize(k, v)
	}
	return len(all), bytes, nil
}

// normalize rejects values that are not valid JSON documents and returns
// compacted copies, so every backend accounts the same size for a value.
func normalize(entries map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		var buf bytes.Buffer
		if len(v) == 0 || json.Compact(&buf, v) != nil {
			return nil, fmt.Errorf("%w for key %q", ErrInvalidValue, k)
		}
		result[k] = buf.Bytes()
	}
	return result, nil
}

// clone copies a value so callers never share memory with the store.
func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}

// changesForSet computes the change map of writing entries over old.
// Keys whose value does not change are left out.
func changesForSet(old, entries map[string]json.RawMessage) map[string]Change {
	changes := make(map[string]Change, len(entries))
	for k, v := range entries {
		prev, ok := old[k]
		if ok && bytes.Equal(prev, v) {
			continue
		}
		changes[k] = Change{OldValue: clone(prev), NewValue: clone(v)}
	}
	return changes
}

// changesForRemove computes the change map of deleting the keys of old.
func changesForRemove(old map[string]json.RawMessage) map[string]Change {
	changes := make(map[string]Change, len(old))
	for k, v := range old {
		changes[k] = Change{OldValue: clone(v)}
	}
	return changes
}
