// Package migration moves documents from the legacy local store into the
// chunked synchronized store, once.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stevemurr/tabsync/chunk"
	"github.com/stevemurr/tabsync/chunked"
	"github.com/stevemurr/tabsync/logging"
	"github.com/stevemurr/tabsync/metrics"
	"github.com/stevemurr/tabsync/quota"
)

// FlagKey is the synchronized entry marking a completed migration.
const FlagKey = "migrationComplete"

// LegacyKeys are the documents older versions kept in the local store.
var LegacyKeys = []string{"tiles", "settings", "quotesDeck", "quotesIndex", "userNotes", "userTodos"}

var (
	// ErrAborted matches every *AbortedError with errors.Is.
	ErrAborted = errors.New("migration: aborted")
	// ErrTooLarge is the cause of a migration skipped because the legacy
	// documents would not fit the total quota.
	ErrTooLarge = errors.New("legacy data exceeds the total quota")
)

// AbortedError reports a run that ended without setting the flag. The next
// run starts over.
type AbortedError struct {
	Reason string
	Err    error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("migration: aborted while %s: %v", e.Reason, e.Err)
}

func (e *AbortedError) Is(target error) bool {
	return target == ErrAborted
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}

// State is the progress of the migration in this process.
type State int

const (
	NotStarted State = iota
	InProgress
	Completed
	SkippedTooLarge
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case SkippedTooLarge:
		return "skipped-too-large"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Flags is where the completion flag is kept.
type Flags interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, entries map[string]json.RawMessage) error
}

// Legacy is the store documents are migrated from.
type Legacy interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
}

type Service struct {
	flags  Flags
	legacy Legacy
	repo   *chunked.Repository
	keys   []string
	policy quota.Policy
	logger logrus.FieldLogger

	mu    sync.Mutex
	state State

	metrics serviceMetrics
}

type serviceMetrics struct {
	Runs          *prometheus.CounterVec
	MigratedBytes prometheus.Counter
}

type Option func(*Service)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

func WithPolicy(p quota.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithKeys replaces LegacyKeys.
func WithKeys(keys ...string) Option {
	return func(s *Service) { s.keys = keys }
}

// New returns a service reading the flag from flags, the documents from
// legacy, and saving them through repo.
func New(flags Flags, legacy Legacy, repo *chunked.Repository, opts ...Option) *Service {
	s := &Service{
		flags:  flags,
		legacy: legacy,
		repo:   repo,
		keys:   LegacyKeys,
		policy: quota.Default(),
		metrics: serviceMetrics{
			Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "migration",
				Name:      "runs_total",
				Help:      "Migration runs, by resulting state.",
			}, []string{"state"}),
			MigratedBytes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "migration",
				Name:      "migrated_bytes_total",
				Help:      "Serialized size of the migrated legacy documents.",
			}),
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

func (s *Service) Metrics() []prometheus.Collector {
	return metrics.PrometheusCollectorsFromFields(s.metrics)
}

// State returns the state reached by the last run.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunOnce migrates the legacy documents unless the flag says it was done
// before. It must complete before the first load of a migrated document.
//
// An aborted run returns an *AbortedError and leaves the legacy store and
// the flag untouched; callers log it and carry on with whatever data is
// readable. A run skipped for size returns SkippedTooLarge with an error
// matching both ErrAborted and ErrTooLarge.
func (s *Service) RunOnce(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done, err := s.completed(ctx)
	if err != nil {
		return s.finish(NotStarted, &AbortedError{Reason: "reading the flag", Err: err})
	}
	if done {
		s.logger.Debug("migration already completed")
		s.state = Completed
		return Completed, nil
	}

	s.state = InProgress
	s.logger.Info("starting migration of legacy data")

	docs, err := s.legacy.Get(ctx, s.keys...)
	if err != nil {
		return s.finish(NotStarted, &AbortedError{Reason: "reading legacy data", Err: err})
	}
	data, err := chunk.Marshal(docs)
	if err != nil {
		return s.finish(NotStarted, &AbortedError{Reason: "measuring legacy data", Err: err})
	}
	size := quota.ByteSize(string(data))
	logger := s.logger.WithFields(logrus.Fields{"bytes": size, "documents": len(docs)})

	if s.policy.ExceedsTotalQuota(size) {
		logger.WithField("limit", s.policy.TotalLimit).Warn("legacy data exceeds the sync quota, keeping it in local storage")
		return s.finish(SkippedTooLarge, &AbortedError{Reason: "checking the quota", Err: ErrTooLarge})
	}

	for _, key := range s.keys {
		doc, ok := docs[key]
		if !ok {
			continue
		}
		if err := s.repo.SaveRaw(ctx, key, doc); err != nil {
			return s.finish(NotStarted, &AbortedError{Reason: fmt.Sprintf("saving %q", key), Err: err})
		}
	}

	if err := s.flags.Set(ctx, map[string]json.RawMessage{FlagKey: json.RawMessage("true")}); err != nil {
		return s.finish(NotStarted, &AbortedError{Reason: "setting the flag", Err: err})
	}
	s.metrics.MigratedBytes.Add(float64(size))
	logger.Info("migration completed")
	return s.finish(Completed, nil)
}

func (s *Service) finish(state State, err error) (State, error) {
	s.state = state
	s.metrics.Runs.WithLabelValues(state.String()).Inc()
	if err != nil && !errors.Is(err, ErrTooLarge) {
		s.logger.WithError(err).Warn("migration failed, continuing with local data")
	}
	return state, err
}

// completed reports whether the flag is set to true.
func (s *Service) completed(ctx context.Context) (bool, error) {
	res, err := s.flags.Get(ctx, FlagKey)
	if err != nil {
		return false, err
	}
	raw, ok := res[FlagKey]
	if !ok {
		return false, nil
	}
	var done bool
	if err := json.Unmarshal(raw, &done); err != nil {
		// anything but a boolean counts as unset
		return false, nil
	}
	return done, nil
}
