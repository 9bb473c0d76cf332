package chunked

import (
	"context"
	"encoding/json"
)

// Document is a typed handle on one key of a Repository.
type Document[T any] struct {
	repo *Repository
	key  string
}

// NewDocument returns the handle of key, decoding values as T.
func NewDocument[T any](repo *Repository, key string) Document[T] {
	return Document[T]{repo: repo, key: key}
}

// Key returns the document key.
func (d Document[T]) Key() string { return d.key }

// Load returns the stored value. ok is false when nothing is stored. A
// value that does not decode as T is reported as corrupt.
func (d Document[T]) Load(ctx context.Context) (v T, ok bool, err error) {
	raw, ok, err := d.repo.Load(ctx, d.key)
	if err != nil || !ok {
		return v, false, err
	}
	if v, err = Decode[T](d.key, raw); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// LoadOr returns the stored value, or def when nothing is stored. When the
// stored value is corrupt, def is returned with the error so callers can
// carry on with the default.
func (d Document[T]) LoadOr(ctx context.Context, def T) (T, error) {
	v, ok, err := d.Load(ctx)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Save stores v, replacing the previous value.
func (d Document[T]) Save(ctx context.Context, v T) error {
	return d.repo.Save(ctx, d.key, v)
}

// Remove deletes the document.
func (d Document[T]) Remove(ctx context.Context) error {
	return d.repo.Remove(ctx, d.key)
}

// Decode unmarshals a loaded document of key into T.
func Decode[T any](key string, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &CorruptDocumentError{Key: key, Err: err}
	}
	return v, nil
}
