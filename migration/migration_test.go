package migration_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/tabsync/chunk"
	"github.com/stevemurr/tabsync/chunked"
	"github.com/stevemurr/tabsync/migration"
	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
	"github.com/stevemurr/tabsync/syncstore"
)

var errBackend = errors.New("backend unavailable")

// countingStore counts reads and can fail them.
type countingStore struct {
	store.Store
	reads   atomic.Int32
	failGet bool
}

func (c *countingStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	c.reads.Add(1)
	if c.failGet {
		return nil, errBackend
	}
	return c.Store.Get(ctx, keys...)
}

type failingStore struct {
	store.Store
	failSet bool
}

func (f *failingStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	if f.failSet {
		return errBackend
	}
	return f.Store.Set(ctx, entries)
}

type fixture struct {
	svc    *migration.Service
	sync   *failingStore
	local  *failingStore
	legacy *countingStore
	repo   *chunked.Repository
	hook   *test.Hook
}

func newFixture(t *testing.T, legacy map[string]string) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{
		sync:  &failingStore{Store: store.NewMemoryStore(store.AreaSync)},
		local: &failingStore{Store: store.NewMemoryStore(store.AreaLocal)},
	}
	entries := make(map[string]json.RawMessage, len(legacy))
	for k, v := range legacy {
		entries[k] = json.RawMessage(v)
	}
	require.NoError(t, f.local.Set(ctx, entries))

	logger, hook := test.NewNullLogger()
	f.hook = hook
	f.legacy = &countingStore{Store: f.local}
	ss := syncstore.New(f.sync, f.local, syncstore.WithLogger(logger))
	f.repo = chunked.New(ss, chunked.WithLogger(logger))
	f.svc = migration.New(f.sync, f.legacy, f.repo, migration.WithLogger(logger))
	return f
}

func legacyData() map[string]string {
	return map[string]string{
		"tiles":     `[{"id":"1","name":"Example","url":"https://example.com"}]`,
		"settings":  `{"tileSize":"medium","showClock":true}`,
		"userNotes": `"remember the milk"`,
		"userTodos": `[]`,
		"other":     `"not migrated"`,
	}
}

func TestRunOnceMigrates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, legacyData())

	state, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, state)
	assert.Equal(t, migration.Completed, f.svc.State())

	synced, err := f.sync.GetAll(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(synced[migration.FlagKey]))
	for _, key := range []string{"tiles", "settings", "userNotes", "userTodos"} {
		assert.JSONEq(t, legacyData()[key], string(synced[key]), key)
	}
	assert.NotContains(t, synced, "other")
	assert.NotContains(t, synced, "quotesDeck")

	// legacy data is left in place
	local, err := f.local.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, local, len(legacyData()))
}

func TestRunOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, legacyData())

	_, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.legacy.reads.Load())

	state, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, state)
	assert.EqualValues(t, 1, f.legacy.reads.Load(), "second run must not read legacy data")

	// a fresh service sees the persisted flag
	again := migration.New(f.sync, f.legacy, f.repo)
	state, err = again.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, state)
	assert.EqualValues(t, 1, f.legacy.reads.Load())
}

func TestRunOnceChunksLargeDocuments(t *testing.T) {
	ctx := context.Background()
	tiles := `["` + strings.Repeat("t", 20000) + `"]`
	f := newFixture(t, map[string]string{"tiles": tiles})

	_, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)

	synced, err := f.sync.GetAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, synced, chunk.MetaKey("tiles"))
	assert.NotContains(t, synced, "tiles")

	got, ok, err := f.repo.Load(ctx, "tiles")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tiles, string(got))
}

func TestRunOnceKeepsLegacyOfChunkedDocuments(t *testing.T) {
	ctx := context.Background()
	legacy := map[string]string{
		"tiles":    `["` + strings.Repeat("t", 20000) + `"]`,
		"settings": `{"tileSize":"small"}`,
	}
	f := newFixture(t, legacy)

	state, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, state)

	local, err := f.local.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, local, 2)
	for key, doc := range legacy {
		assert.JSONEq(t, doc, string(local[key]), key)
	}
}

func TestRunOnceSkipsTooLarge(t *testing.T) {
	ctx := context.Background()
	big := `"` + strings.Repeat("n", quota.TotalLimit) + `"`
	f := newFixture(t, map[string]string{"userNotes": big, "settings": `{}`})

	state, err := f.svc.RunOnce(ctx)
	assert.Equal(t, migration.SkippedTooLarge, state)
	assert.ErrorIs(t, err, migration.ErrAborted)
	assert.ErrorIs(t, err, migration.ErrTooLarge)

	synced, err := f.sync.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, synced, "nothing is migrated and the flag is not set")

	// the size is checked again on every run
	state, _ = f.svc.RunOnce(ctx)
	assert.Equal(t, migration.SkippedTooLarge, state)
	assert.EqualValues(t, 2, f.legacy.reads.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.Metrics()[0]))

	require.NotNil(t, f.hook.LastEntry())
	assert.Contains(t, f.hook.LastEntry().Message, "exceeds the sync quota")
}

func TestRunOnceFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, legacyData())
	f.sync.failSet = true
	f.local.failSet = true

	state, err := f.svc.RunOnce(ctx)
	assert.Equal(t, migration.NotStarted, state)
	require.ErrorIs(t, err, migration.ErrAborted)
	assert.ErrorIs(t, err, syncstore.ErrBackendWrite)

	var ae *migration.AbortedError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Reason, "saving")

	synced, err := f.sync.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, synced, migration.FlagKey)

	f.sync.failSet = false
	f.local.failSet = false
	state, err = f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, state)
	assert.EqualValues(t, 2, f.legacy.reads.Load())
}

func TestRunOnceKeepsFlagInSyncArea(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, legacyData())
	// documents fall back to the local store, the flag has nowhere to go
	f.sync.failSet = true

	state, err := f.svc.RunOnce(ctx)
	assert.Equal(t, migration.NotStarted, state)
	var ae *migration.AbortedError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "setting the flag", ae.Reason)

	local, err := f.local.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, local, migration.FlagKey)

	f.sync.failSet = false
	state, err = f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, state)
}

func TestRunOnceLegacyReadFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, legacyData())
	f.legacy.failGet = true

	state, err := f.svc.RunOnce(ctx)
	assert.Equal(t, migration.NotStarted, state)
	assert.ErrorIs(t, err, migration.ErrAborted)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, migration.NotStarted, f.svc.State())
}

func TestRunOnceIgnoresMalformedFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, legacyData())
	require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{migration.FlagKey: json.RawMessage(`"yes"`)}))

	state, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, state)
	assert.EqualValues(t, 1, f.legacy.reads.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not-started", migration.NotStarted.String())
	assert.Equal(t, "skipped-too-large", migration.SkippedTooLarge.String())
	assert.Equal(t, "State(9)", migration.State(9).String())
}
