package chunked

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/stevemurr/tabsync/chunk"
	"github.com/stevemurr/tabsync/store"
)

// DocumentChange reports the new value of a document after a change of any
// of its entries. Value is nil when the document was removed. Err is set
// when the document could not be reloaded, for example because it is
// corrupt.
type DocumentChange struct {
	Key    string
	Value  json.RawMessage
	Origin string
	Err    error
}

// Watch reports changes of the given documents, or of all documents when
// no key is given. Entry changes are translated to document changes by
// reloading the document; a change is reported only when the loaded value
// differs from the last one reported for that key.
func (r *Repository) Watch(ctx context.Context, keys ...string) (<-chan DocumentChange, func()) {
	ctx, cancel := context.WithCancel(ctx)
	changes, stop := r.backend.Subscribe(ctx)

	watched := make(map[string]bool, len(keys))
	for _, k := range keys {
		watched[k] = true
	}

	out := make(chan DocumentChange)
	go func() {
		defer close(out)
		defer stop()

		last := make(map[string]json.RawMessage)
		for {
			var (
				cs store.ChangeSet
				ok bool
			)
			select {
			case cs, ok = <-changes:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}

			for _, key := range affected(cs.Changes, watched) {
				value, found, err := r.Load(ctx, key)
				if ctx.Err() != nil {
					return
				}
				if err == nil {
					prev, seen := last[key]
					if seen && bytes.Equal(prev, value) {
						continue
					}
					if !found {
						value = nil
					}
					last[key] = value
				}
				select {
				case out <- DocumentChange{Key: key, Value: value, Origin: cs.Origin, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel
}

// affected returns the sorted documents touched by a set of entry changes.
func affected(changes map[string]store.Change, watched map[string]bool) []string {
	set := make(map[string]struct{})
	for k := range changes {
		doc, _ := chunk.DocumentKey(k)
		if len(watched) > 0 && !watched[doc] {
			continue
		}
		set[doc] = struct{}{}
	}
	docs := make([]string, 0, len(set))
	for d := range set {
		docs = append(docs, d)
	}
	sort.Strings(docs)
	return docs
}
