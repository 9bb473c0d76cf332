package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/stevemurr/tabsync/metrics"
	"github.com/stevemurr/tabsync/quota"
)

// QuotaStore enforces the quota of a sync area on top of another store:
// per-item size, total size, item count and write rate. Rejected writes
// return a *quota.ExceededError and leave the inner store untouched.
type QuotaStore struct {
	Store

	policy  quota.Policy
	limiter *rate.Limiter
	metrics quotaMetrics

	// serializes the read-check-write sequence of mutations
	mu sync.Mutex
}

type quotaMetrics struct {
	Rejected *prometheus.CounterVec
	Bytes    prometheus.Gauge
	Items    prometheus.Gauge
}

// NewQuotaStore wraps inner. A writesPerMinute of zero disables rate
// limiting.
func NewQuotaStore(inner Store, policy quota.Policy, writesPerMinute int) *QuotaStore {
	q := &QuotaStore{
		Store:  inner,
		policy: policy,
		metrics: quotaMetrics{
			Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "quota",
				Name:      "rejected_writes_total",
				Help:      "Writes rejected by the sync area quota, by exceeded limit.",
			}, []string{"limit"}),
			Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "quota",
				Name:      "used_bytes",
				Help:      "Accounted bytes in use after the last accepted write.",
			}),
			Items: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "quota",
				Name:      "used_items",
				Help:      "Entries in use after the last accepted write.",
			}),
		},
	}
	if writesPerMinute > 0 {
		q.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(writesPerMinute)), writesPerMinute)
	}
	return q
}

func (q *QuotaStore) Metrics() []prometheus.Collector {
	return metrics.PrometheusCollectorsFromFields(q.metrics)
}

func (q *QuotaStore) reject(err *quota.ExceededError) error {
	q.metrics.Rejected.WithLabelValues(string(err.Limit)).Inc()
	return err
}

func (q *QuotaStore) allow() error {
	if q.limiter != nil && !q.limiter.Allow() {
		return q.reject(&quota.ExceededError{Limit: quota.LimitWriteRate, Max: q.limiter.Burst()})
	}
	return nil
}

func (q *QuotaStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	entries, err := normalize(entries)
	if err != nil {
		return err
	}
	for k, v := range entries {
		if size := quota.EntrySize(k, v); size > q.policy.PerItemLimit {
			return q.reject(&quota.ExceededError{Limit: quota.LimitPerItem, Key: k, Size: size, Max: q.policy.PerItemLimit})
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.Store.GetAll(ctx)
	if err != nil {
		return err
	}
	for k, v := range entries {
		current[k] = v
	}
	var total int
	for k, v := range current {
		total += quota.EntrySize(k, v)
	}
	if len(current) > q.policy.MaxItems {
		return q.reject(&quota.ExceededError{Limit: quota.LimitMaxItems, Size: len(current), Max: q.policy.MaxItems})
	}
	if total > q.policy.TotalLimit {
		return q.reject(&quota.ExceededError{Limit: quota.LimitTotal, Size: total, Max: q.policy.TotalLimit})
	}
	if err := q.allow(); err != nil {
		return err
	}
	if err := q.Store.Set(ctx, entries); err != nil {
		return err
	}
	q.metrics.Bytes.Set(float64(total))
	q.metrics.Items.Set(float64(len(current)))
	return nil
}

func (q *QuotaStore) Remove(ctx context.Context, keys ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.allow(); err != nil {
		return err
	}
	return q.Store.Remove(ctx, keys...)
}

func (q *QuotaStore) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.allow(); err != nil {
		return err
	}
	return q.Store.Clear(ctx)
}
