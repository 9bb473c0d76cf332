// Package syncstore adapts the quota-constrained synchronized backend and
// gives it resilient write semantics: writes that the sync backend cannot
// take are retried once on the unconstrained local store.
package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stevemurr/tabsync/logging"
	"github.com/stevemurr/tabsync/metrics"
	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
)

// ErrBackendWrite matches every *WriteError with errors.Is.
var ErrBackendWrite = errors.New("syncstore: backend write failed")

// WriteError is returned when a write could not be persisted to either store.
type WriteError struct {
	Keys []string
	// SyncErr is nil when the sync backend was skipped because the batch
	// exceeded the total quota.
	SyncErr     error
	FallbackErr error
}

func (e *WriteError) Error() string {
	var merr *multierror.Error
	if e.SyncErr != nil {
		merr = multierror.Append(merr, fmt.Errorf("sync: %w", e.SyncErr))
	}
	merr = multierror.Append(merr, fmt.Errorf("local: %w", e.FallbackErr))
	merr.ErrorFormat = func(errs []error) string {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return fmt.Sprintf("syncstore: write of %s failed: %s", strings.Join(e.Keys, ", "), merr.Error())
}

func (e *WriteError) Is(target error) bool {
	return target == ErrBackendWrite
}

func (e *WriteError) Unwrap() []error {
	var errs []error
	if e.SyncErr != nil {
		errs = append(errs, e.SyncErr)
	}
	if e.FallbackErr != nil {
		errs = append(errs, e.FallbackErr)
	}
	return errs
}

// Fallback reasons, used as the metric label.
const (
	reasonTotalQuota   = "total-quota"
	reasonBackendError = "backend-error"
)

// Store reads and writes the synchronized area with the local area as
// fallback.
type Store struct {
	sync    store.Store
	local   store.Store
	policy  quota.Policy
	logger  logrus.FieldLogger
	metrics storeMetrics
}

type storeMetrics struct {
	SyncWrites       prometheus.Counter
	FallbackWrites   *prometheus.CounterVec
	FallbackFailures prometheus.Counter
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPolicy overrides the default quota policy.
func WithPolicy(p quota.Policy) Option {
	return func(s *Store) { s.policy = p }
}

func New(sync, local store.Store, opts ...Option) *Store {
	s := &Store{
		sync:   sync,
		local:  local,
		policy: quota.Default(),
		metrics: storeMetrics{
			SyncWrites: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "syncstore",
				Name:      "sync_writes_total",
				Help:      "Batches written to the sync backend.",
			}),
			FallbackWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "syncstore",
				Name:      "fallback_writes_total",
				Help:      "Batches redirected to the local store, by reason.",
			}, []string{"reason"}),
			FallbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "syncstore",
				Name:      "fallback_failures_total",
				Help:      "Batches that could not be written to either store.",
			}),
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

func (s *Store) Metrics() []prometheus.Collector {
	return metrics.PrometheusCollectorsFromFields(s.metrics)
}

// Sync returns the synchronized backend.
func (s *Store) Sync() store.Store { return s.sync }

// Local returns the local fallback store.
func (s *Store) Local() store.Store { return s.local }

// Get returns the values of keys. Keys missing from the sync backend are
// looked up in the local store, where fallback writes land.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	result, err := s.sync.Get(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("sync get: %w", err)
	}
	var missing []string
	for _, k := range keys {
		if _, ok := result[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	local, err := s.local.Get(ctx, missing...)
	if err != nil {
		s.logger.WithError(err).WithField("keys", missing).Warn("local lookup of keys missing from sync failed")
		return result, nil
	}
	for k, v := range local {
		result[k] = v
	}
	return result, nil
}

// GetSync reads the sync backend only.
func (s *Store) GetSync(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	return s.sync.Get(ctx, keys...)
}

// GetAll returns every entry of both stores, sync values taking precedence.
func (s *Store) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	result, err := s.local.GetAll(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("local scan failed")
		result = make(map[string]json.RawMessage)
	}
	synced, err := s.sync.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync get all: %w", err)
	}
	for k, v := range synced {
		result[k] = v
	}
	return result, nil
}

// Set writes entries as one batch to the sync backend. A batch larger than
// the total quota skips the sync backend; a failed sync write is retried on
// the local store. An error is returned only when the local write fails too.
func (s *Store) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	var size int
	for k, v := range entries {
		size += quota.EntrySize(k, v)
	}
	logger := s.logger.WithFields(logrus.Fields{"keys": len(entries), "bytes": size})

	if s.policy.ExceedsTotalQuota(size) {
		logger.Warn("quota policy violation: batch exceeds total sync quota, writing to local store")
		s.metrics.FallbackWrites.WithLabelValues(reasonTotalQuota).Inc()
		return s.fallback(ctx, entries, nil)
	}

	err := s.sync.Set(ctx, entries)
	if err == nil {
		s.metrics.SyncWrites.Inc()
		return nil
	}
	logger.WithError(err).Warn("sync write failed, writing to local store")
	s.metrics.FallbackWrites.WithLabelValues(reasonBackendError).Inc()
	return s.fallback(ctx, entries, err)
}

// fallback writes entries to the local store, then drops older copies of
// the same keys from the sync backend, which reads would otherwise prefer.
func (s *Store) fallback(ctx context.Context, entries map[string]json.RawMessage, syncErr error) error {
	keys := sortedKeys(entries)
	if err := s.local.Set(ctx, entries); err != nil {
		s.metrics.FallbackFailures.Inc()
		return &WriteError{Keys: keys, SyncErr: syncErr, FallbackErr: err}
	}
	if err := s.sync.Remove(ctx, keys...); err != nil {
		s.logger.WithError(err).WithField("keys", keys).Warn("sync copies of fallback keys not removed")
	}
	return nil
}

// Remove deletes keys from the sync backend, then purges them from the
// local store so stale fallback copies do not resurface.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.sync.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("sync remove: %w", err)
	}
	if err := s.local.Remove(ctx, keys...); err != nil {
		s.logger.WithError(err).WithField("keys", keys).Warn("purge of local copies failed")
	}
	return nil
}

// RemoveSync deletes keys from the sync backend only. Local copies, legacy
// data among them, are kept.
func (s *Store) RemoveSync(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.sync.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("sync remove: %w", err)
	}
	return nil
}

// Clear removes every entry of the sync backend. The local store keeps
// legacy data and is left alone.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.sync.Clear(ctx); err != nil {
		return fmt.Errorf("sync clear: %w", err)
	}
	return nil
}

// Subscribe merges the change feeds of both stores.
func (s *Store) Subscribe(ctx context.Context) (<-chan store.ChangeSet, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sc, stopSync := s.sync.Subscribe(ctx)
	lc, stopLocal := s.local.Subscribe(ctx)

	out := make(chan store.ChangeSet)
	go func() {
		defer close(out)
		defer stopSync()
		defer stopLocal()
		for sc != nil || lc != nil {
			var (
				cs store.ChangeSet
				ok bool
			)
			select {
			case cs, ok = <-sc:
				if !ok {
					sc = nil
					continue
				}
			case cs, ok = <-lc:
				if !ok {
					lc = nil
					continue
				}
			case <-ctx.Done():
				return
			}
			select {
			case out <- cs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel
}

func sortedKeys(entries map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
