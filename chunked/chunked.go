// Package chunked persists JSON documents of any size into a quota-bound
// key-value store. Documents small enough for one entry are stored directly
// under their key; larger ones become a chunk set (see package chunk).
// Callers never see which representation is in use.
package chunked

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stevemurr/tabsync/chunk"
	"github.com/stevemurr/tabsync/logging"
	"github.com/stevemurr/tabsync/metrics"
	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
)

var (
	// ErrCorruptDocument matches every *CorruptDocumentError with errors.Is.
	ErrCorruptDocument = errors.New("chunked: corrupt document")

	errChecksumMismatch = errors.New("checksum mismatch")
)

// CorruptDocumentError reports a stored document that cannot be read back.
type CorruptDocumentError struct {
	Key string
	// Chunks is the chunk count from the metadata, zero for direct entries.
	Chunks int
	Err    error
}

func (e *CorruptDocumentError) Error() string {
	if e.Chunks > 0 {
		return fmt.Sprintf("chunked: document %q (%d chunks) is corrupt: %v", e.Key, e.Chunks, e.Err)
	}
	return fmt.Sprintf("chunked: document %q is corrupt: %v", e.Key, e.Err)
}

func (e *CorruptDocumentError) Is(target error) bool {
	return target == ErrCorruptDocument
}

func (e *CorruptDocumentError) Unwrap() error {
	return e.Err
}

// Backend is the key-value store documents are kept in. Both
// *syncstore.Store and every store.Store satisfy it.
type Backend interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)
	Set(ctx context.Context, entries map[string]json.RawMessage) error
	Remove(ctx context.Context, keys ...string) error
	Subscribe(ctx context.Context) (<-chan store.ChangeSet, func())
}

// Repository saves and loads documents.
//
// Concurrent saves of the same key are not serialized: the last write to
// complete wins. A save always writes the new representation fully before
// removing the old one, so readers see the old or the new document and
// never neither.
type Repository struct {
	backend Backend
	policy  quota.Policy
	logger  logrus.FieldLogger
	metrics repositoryMetrics
}

type repositoryMetrics struct {
	Saves           *prometheus.CounterVec
	SavedBytes      prometheus.Counter
	Loads           prometheus.Counter
	CorruptLoads    prometheus.Counter
	CleanupFailures prometheus.Counter
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithPolicy overrides the default quota policy. Its ChunkSize sets the
// encoded size of chunk bodies.
func WithPolicy(p quota.Policy) Option {
	return func(r *Repository) { r.policy = p }
}

func New(backend Backend, opts ...Option) *Repository {
	r := &Repository{
		backend: backend,
		policy:  quota.Default(),
		metrics: newMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

func newMetrics() repositoryMetrics {
	subsystem := "chunked"
	return repositoryMetrics{
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "saves_total",
			Help:      "Documents saved, by representation.",
		}, []string{"representation"}),
		SavedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "saved_bytes_total",
			Help:      "Serialized bytes of saved documents.",
		}),
		Loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "loads_total",
			Help:      "Document loads.",
		}),
		CorruptLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "corrupt_loads_total",
			Help:      "Loads that found a corrupt document.",
		}),
		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "cleanup_failures_total",
			Help:      "Saves whose removal of the previous representation failed.",
		}),
	}
}

func (r *Repository) Metrics() []prometheus.Collector {
	return metrics.PrometheusCollectorsFromFields(r.metrics)
}

// Save serializes v and stores it under key.
func (r *Repository) Save(ctx context.Context, key string, v any) error {
	data, err := chunk.Marshal(v)
	if err != nil {
		return fmt.Errorf("chunked: marshal %q: %w", key, err)
	}
	return r.SaveRaw(ctx, key, data)
}

// SaveRaw stores an already serialized document under key.
func (r *Repository) SaveRaw(ctx context.Context, key string, doc json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return fmt.Errorf("chunked: save %q: %w", key, err)
	}
	data := buf.Bytes()
	size := quota.ByteSize(string(data))
	logger := r.logger.WithFields(logrus.Fields{"key": key, "bytes": size})

	// the previous chunk set, read before it is overwritten
	oldChunks, state := r.storedChunkCount(ctx, key)

	if r.policy.FitsDirectly(size) {
		err := r.backend.Set(ctx, map[string]json.RawMessage{key: data})
		if err == nil {
			if state != metaAbsent {
				// Load prefers the metadata, so it has to go for the new
				// entry to be read.
				if err := r.backend.Remove(ctx, chunk.MetaKey(key)); err != nil {
					return fmt.Errorf("chunked: save %q: remove previous metadata: %w", key, err)
				}
				r.cleanup(ctx, key, staleEntries{
					keys: chunk.ChunkKeys(key, 0, oldChunks),
					scan: state == metaUnreadable,
				})
			}
			r.metrics.Saves.WithLabelValues("direct").Inc()
			r.metrics.SavedBytes.Add(float64(size))
			logger.Debug("saved document directly")
			return nil
		}
		logger.WithError(err).Warn("direct write failed, storing as chunks")
	}

	bodies := chunk.Split(string(data), r.policy.ChunkSize)
	meta, err := chunk.Marshal(chunk.Meta{
		ChunkCount:       len(bodies),
		OriginalByteSize: size,
		Checksum:         chunk.Checksum(string(data)),
	})
	if err != nil {
		return fmt.Errorf("chunked: save %q: %w", key, err)
	}
	batch := make(map[string]json.RawMessage, len(bodies)+1)
	for i, body := range bodies {
		encoded, err := chunk.Marshal(body)
		if err != nil {
			return fmt.Errorf("chunked: save %q: %w", key, err)
		}
		batch[chunk.ChunkKey(key, i)] = encoded
	}
	batch[chunk.MetaKey(key)] = meta

	if err := r.backend.Set(ctx, batch); err != nil {
		return fmt.Errorf("chunked: save %q: %w", key, err)
	}

	stale := staleEntries{direct: true, scan: state == metaUnreadable, from: len(bodies)}
	if state == metaPresent && oldChunks > len(bodies) {
		stale.keys = chunk.ChunkKeys(key, len(bodies), oldChunks)
	}
	r.cleanup(ctx, key, stale)

	r.metrics.Saves.WithLabelValues("chunked").Inc()
	r.metrics.SavedBytes.Add(float64(size))
	logger.WithField("chunks", len(bodies)).Debug("saved document as chunks")
	return nil
}

type metaState int

const (
	metaAbsent metaState = iota
	metaPresent
	metaUnreadable
)

// storedChunkCount reads the chunk count from the metadata of key.
func (r *Repository) storedChunkCount(ctx context.Context, key string) (int, metaState) {
	res, err := r.backend.Get(ctx, chunk.MetaKey(key))
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("read previous metadata")
		return 0, metaUnreadable
	}
	raw, ok := res[chunk.MetaKey(key)]
	if !ok {
		return 0, metaAbsent
	}
	var meta chunk.Meta
	if err := json.Unmarshal(raw, &meta); err != nil || meta.ChunkCount < 0 {
		return 0, metaUnreadable
	}
	return meta.ChunkCount, metaPresent
}

// staleEntries describes what is left of the previous representation of a
// document once the new one is written.
type staleEntries struct {
	// direct is set when a direct entry may remain.
	direct bool
	keys   []string
	// scan finds the chunk entries with index >= from by listing the store.
	scan bool
	from int
}

// syncRemover is implemented by backends that keep local copies of their
// entries next to the synchronized ones, such as *syncstore.Store.
type syncRemover interface {
	RemoveSync(ctx context.Context, keys ...string) error
}

// cleanup removes the stale entries of the previous representation of key.
// A direct entry is only removed from the synchronized side of the backend:
// its local copy may be legacy data. Failures are logged: the new
// representation is already complete and readable.
func (r *Repository) cleanup(ctx context.Context, key string, stale staleEntries) {
	var merr *multierror.Error
	if stale.direct {
		var err error
		if sr, ok := r.backend.(syncRemover); ok {
			err = sr.RemoveSync(ctx, key)
		} else {
			err = r.backend.Remove(ctx, key)
		}
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove direct entry: %w", err))
		}
	}
	keys := stale.keys
	if stale.scan {
		found, err := r.scanChunks(ctx, key, stale.from)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("scan: %w", err))
		}
		keys = append(keys, found...)
	}
	if len(keys) > 0 {
		if err := r.backend.Remove(ctx, keys...); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove: %w", err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		r.metrics.CleanupFailures.Inc()
		r.logger.WithError(err).WithField("key", key).Warn("previous representation not fully removed")
	}
}

// scanChunks returns the chunk entry keys of key with index >= from.
func (r *Repository) scanChunks(ctx context.Context, key string, from int) ([]string, error) {
	all, err := r.backend.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range all {
		if i, ok := chunk.ChunkIndex(key, k); ok && i >= from {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Load returns the document stored under key. ok is false when there is
// none. Missing chunks are read as empty bodies; the checksum or the JSON
// parse then reports the document as corrupt.
func (r *Repository) Load(ctx context.Context, key string) (doc json.RawMessage, ok bool, err error) {
	r.metrics.Loads.Inc()
	metaKey := chunk.MetaKey(key)
	res, err := r.backend.Get(ctx, metaKey, key)
	if err != nil {
		return nil, false, fmt.Errorf("chunked: load %q: %w", key, err)
	}

	rawMeta, chunked := res[metaKey]
	if !chunked {
		v, ok := res[key]
		return v, ok, nil
	}

	var meta chunk.Meta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, false, r.corrupt(key, 0, fmt.Errorf("metadata: %w", err))
	}
	if meta.ChunkCount < 0 {
		return nil, false, r.corrupt(key, 0, fmt.Errorf("metadata: negative chunk count %d", meta.ChunkCount))
	}

	keys := chunk.ChunkKeys(key, 0, meta.ChunkCount)
	entries, err := r.backend.Get(ctx, keys...)
	if err != nil {
		return nil, false, fmt.Errorf("chunked: load %q: %w", key, err)
	}
	bodies := make([]string, len(keys))
	var missing []int
	for i, k := range keys {
		v, ok := entries[k]
		if !ok {
			missing = append(missing, i)
			continue
		}
		if err := json.Unmarshal(v, &bodies[i]); err != nil {
			return nil, false, r.corrupt(key, meta.ChunkCount, fmt.Errorf("chunk %d: %w", i, err))
		}
	}
	if len(missing) > 0 {
		r.logger.WithFields(logrus.Fields{"key": key, "missing": missing}).Warn("chunks missing, reassembling without them")
	}

	joined := chunk.Join(bodies)
	if meta.Checksum != "" && chunk.Checksum(joined) != meta.Checksum {
		return nil, false, r.corrupt(key, meta.ChunkCount, errChecksumMismatch)
	}
	var out json.RawMessage
	if err := json.Unmarshal([]byte(joined), &out); err != nil {
		return nil, false, r.corrupt(key, meta.ChunkCount, err)
	}
	return out, true, nil
}

func (r *Repository) corrupt(key string, chunks int, err error) error {
	r.metrics.CorruptLoads.Inc()
	return &CorruptDocumentError{Key: key, Chunks: chunks, Err: err}
}

// Remove deletes the direct entry and the chunk set of key. Without
// readable metadata the chunks are found by scanning.
func (r *Repository) Remove(ctx context.Context, key string) error {
	keys := []string{key, chunk.MetaKey(key)}
	if count, state := r.storedChunkCount(ctx, key); state == metaPresent {
		keys = append(keys, chunk.ChunkKeys(key, 0, count)...)
	} else {
		found, err := r.scanChunks(ctx, key, 0)
		if err != nil {
			return fmt.Errorf("chunked: remove %q: %w", key, err)
		}
		keys = append(keys, found...)
	}
	if err := r.backend.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("chunked: remove %q: %w", key, err)
	}
	return nil
}

// Keys returns the documents present, direct or chunked, in sorted order.
func (r *Repository) Keys(ctx context.Context) ([]string, error) {
	all, err := r.backend.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunked: keys: %w", err)
	}
	seen := make(map[string]struct{})
	for k := range all {
		doc, part := chunk.DocumentKey(k)
		if part {
			if _, ok := all[chunk.MetaKey(doc)]; !ok {
				continue
			}
		}
		seen[doc] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
