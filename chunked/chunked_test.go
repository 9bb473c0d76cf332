package chunked_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/tabsync/chunk"
	"github.com/stevemurr/tabsync/chunked"
	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
	"github.com/stevemurr/tabsync/syncstore"
)

var errBackend = errors.New("backend unavailable")

// failingStore fails Set when failSet is on, and batches of more than
// failBatchOver entries when that is positive.
type failingStore struct {
	store.Store
	failSet       bool
	failBatchOver int
}

func (f *failingStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	if f.failSet || f.failBatchOver > 0 && len(entries) > f.failBatchOver {
		return errBackend
	}
	return f.Store.Set(ctx, entries)
}

type fixture struct {
	repo  *chunked.Repository
	sync  *failingStore
	local *failingStore
}

func newFixture(t *testing.T, opts ...chunked.Option) fixture {
	t.Helper()
	f := fixture{
		sync:  &failingStore{Store: store.NewMemoryStore(store.AreaSync)},
		local: &failingStore{Store: store.NewMemoryStore(store.AreaLocal)},
	}
	f.repo = chunked.New(syncstore.New(f.sync, f.local), opts...)
	t.Cleanup(func() {
		f.sync.Close()
		f.local.Close()
	})
	return f
}

// representation inspects the sync entries of key, failing the test when the
// document is stored both directly and chunked, or not at all. It returns
// the chunk count, zero for a direct entry.
func representation(t *testing.T, s store.Store, key string) int {
	t.Helper()
	all, err := s.GetAll(context.Background())
	require.NoError(t, err)

	_, direct := all[key]
	rawMeta, chunked := all[chunk.MetaKey(key)]
	var chunks []string
	for k := range all {
		if _, ok := chunk.ChunkIndex(key, k); ok {
			chunks = append(chunks, k)
		}
	}
	require.True(t, direct != chunked, "key %q: direct=%v chunked=%v", key, direct, chunked)
	if direct {
		require.Empty(t, chunks, "direct entry %q has chunk entries left", key)
		return 0
	}
	var meta chunk.Meta
	require.NoError(t, json.Unmarshal(rawMeta, &meta))
	require.Len(t, chunks, meta.ChunkCount, "chunk entries of %q", key)
	return meta.ChunkCount
}

func load(t *testing.T, repo *chunked.Repository, key string) string {
	t.Helper()
	got, ok, err := repo.Load(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "document %q not found", key)
	return string(got)
}

func smallChunks(size int) quota.Policy {
	p := quota.Default()
	// documents of 100 bytes and more are chunked
	p.PerItemLimit = 600
	p.SafetyMargin = 500
	p.ChunkSize = size
	return p
}

func sampleDocuments() map[string]any {
	notes := make([]map[string]any, 40)
	for i := range notes {
		notes[i] = map[string]any{
			"id":      fmt.Sprintf("note-%d", i),
			"content": fmt.Sprintf("line one\nline \"two\" <b>%d</b> é日\U0001F642 ", i),
		}
	}
	return map[string]any{
		"empty":   []any{},
		"small":   map[string]any{"tileSize": "medium"},
		"string":  strings.Repeat("\\\"\t", 100),
		"unicode": strings.Repeat("日本語\U0001F642", 80),
		"notes":   notes,
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, size := range []int{1, 2, 7, 100, quota.ChunkSize} {
		t.Run(fmt.Sprintf("chunk size %d", size), func(t *testing.T) {
			f := newFixture(t, chunked.WithPolicy(smallChunks(size)))
			for key, doc := range sampleDocuments() {
				want, err := json.Marshal(doc)
				require.NoError(t, err)

				require.NoError(t, f.repo.Save(ctx, key, doc))
				assert.JSONEq(t, string(want), load(t, f.repo, key), key)
				representation(t, f.sync, key)
			}
		})
	}
}

func TestRepresentationExclusivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunked.WithPolicy(smallChunks(50)))

	sizes := []int{10, 400, 90, 1000, 120, 5, 250, 250, 3000, 0}
	for _, n := range sizes {
		doc := strings.Repeat("x", n)
		require.NoError(t, f.repo.Save(ctx, "doc", doc))

		chunks := representation(t, f.sync, "doc")
		if n+2 < 100 {
			assert.Zero(t, chunks, "size %d", n)
		} else {
			assert.Positive(t, chunks, "size %d", n)
		}
		var got string
		require.NoError(t, json.Unmarshal([]byte(load(t, f.repo, "doc")), &got))
		assert.Equal(t, doc, got)
	}
}

func TestChunkBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	limit := quota.PerItemLimit - quota.SafetyMargin // 7692

	// a JSON string of n bytes: n-2 characters plus the quotes
	direct := strings.Repeat("a", limit-1-2)
	require.NoError(t, f.repo.Save(ctx, "k", direct))
	assert.Zero(t, representation(t, f.sync, "k"), "%d bytes must be stored directly", limit-1)

	chunkedDoc := strings.Repeat("a", limit-2)
	require.NoError(t, f.repo.Save(ctx, "k", chunkedDoc))
	assert.Equal(t, 2, representation(t, f.sync, "k"), "%d bytes must be chunked", limit)

	var got string
	require.NoError(t, json.Unmarshal([]byte(load(t, f.repo, "k")), &got))
	assert.Equal(t, chunkedDoc, got)
}

func TestFallbackToLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync.failSet = true

	require.NoError(t, f.repo.Save(ctx, "settings", map[string]string{"tileSize": "large"}))
	assert.JSONEq(t, `{"tileSize":"large"}`, load(t, f.repo, "settings"))

	got, err := f.local.Get(ctx, "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tileSize":"large"}`, string(got["settings"]))
}

func TestDirectFailureFallsThroughToChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// single-entry writes fail on both stores, chunk batches go through
	repo := chunked.New(syncstore.New(&singleEntryFailing{Store: f.sync}, &singleEntryFailing{Store: f.local}))

	require.NoError(t, repo.Save(ctx, "settings", map[string]string{"tileSize": "small"}))
	assert.Equal(t, 1, representation(t, f.sync, "settings"))
	assert.JSONEq(t, `{"tileSize":"small"}`, load(t, repo, "settings"))
}

type singleEntryFailing struct {
	store.Store
}

func (s *singleEntryFailing) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	if len(entries) == 1 {
		return errBackend
	}
	return s.Store.Set(ctx, entries)
}

func TestChunkWriteFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	previous := strings.Repeat("p", 9000)
	require.NoError(t, f.repo.Save(ctx, "x", previous))

	f.sync.failSet = true
	f.local.failSet = true
	err := f.repo.Save(ctx, "x", strings.Repeat("n", 20000))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncstore.ErrBackendWrite)

	var got string
	require.NoError(t, json.Unmarshal([]byte(load(t, f.repo, "x")), &got))
	assert.Equal(t, previous, got)
}

func TestCorruptDocument(t *testing.T) {
	ctx := context.Background()

	t.Run("missing chunk", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.repo.Save(ctx, "x", strings.Repeat("a", 9000)))
		require.NoError(t, f.sync.Remove(ctx, "x_chunk_1"))

		_, _, err := f.repo.Load(ctx, "x")
		require.ErrorIs(t, err, chunked.ErrCorruptDocument)
		var ce *chunked.CorruptDocumentError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "x", ce.Key)
		assert.Equal(t, 2, ce.Chunks)
	})

	t.Run("truncation that still parses", func(t *testing.T) {
		f := newFixture(t)
		// a long number: its first chunk alone is valid JSON
		number := json.RawMessage("1" + strings.Repeat("0", 9000))
		require.NoError(t, f.repo.SaveRaw(ctx, "n", number))
		assert.Equal(t, 2, representation(t, f.sync, "n"))
		require.NoError(t, f.sync.Remove(ctx, "n_chunk_1"))

		_, _, err := f.repo.Load(ctx, "n")
		assert.ErrorIs(t, err, chunked.ErrCorruptDocument)
	})

	t.Run("metadata without checksum", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{
			"old_meta":    json.RawMessage(`{"chunkCount":2,"originalByteSize":13}`),
			"old_chunk_0": json.RawMessage(`"{\"a\":[1,"`),
			"old_chunk_1": json.RawMessage(`"2]}"`),
		}))
		assert.JSONEq(t, `{"a":[1,2]}`, load(t, f.repo, "old"))
	})

	t.Run("unreadable metadata", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{"m_meta": json.RawMessage(`"nope"`)}))
		_, _, err := f.repo.Load(ctx, "m")
		assert.ErrorIs(t, err, chunked.ErrCorruptDocument)
	})

	t.Run("chunk body is not a string", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{
			"b_meta":    json.RawMessage(`{"chunkCount":1,"originalByteSize":2}`),
			"b_chunk_0": json.RawMessage(`42`),
		}))
		_, _, err := f.repo.Load(ctx, "b")
		assert.ErrorIs(t, err, chunked.ErrCorruptDocument)
	})

	t.Run("counted", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{"c_meta": json.RawMessage(`[]`)}))
		_, _, err := f.repo.Load(ctx, "c")
		require.Error(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.repo.Metrics()[3]))
	})
}

func TestLoadAbsent(t *testing.T) {
	f := newFixture(t)
	got, ok, err := f.repo.Load(context.Background(), "nothing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

type tile struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

func TestTilesScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tiles := make([]tile, 5000)
	for i := range tiles {
		tiles[i] = tile{ID: fmt.Sprint(i)}
	}
	raw, err := chunk.Marshal(tiles)
	require.NoError(t, err)
	n := len(raw)

	require.NoError(t, f.repo.Save(ctx, "tiles", tiles))

	count := representation(t, f.sync, "tiles")
	assert.Equal(t, len(chunk.Split(string(raw), quota.ChunkSize)), count)
	assert.GreaterOrEqual(t, count, (n+quota.ChunkSize-1)/quota.ChunkSize)

	local, err := f.local.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, local, "the chunk set must fit the sync quota")

	got, ok, err := chunked.NewDocument[[]tile](f.repo, "tiles").Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tiles, got)
}

func TestSettingsScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.repo.Save(ctx, "settings", map[string]string{"tileSize": "medium"}))

	all, err := f.sync.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]json.RawMessage{"settings": json.RawMessage(`{"tileSize":"medium"}`)}, all)
	assert.NotContains(t, all, "settings_meta")
}

func TestShrinkScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	big := strings.Repeat("b", 9000-2)
	require.NoError(t, f.repo.Save(ctx, "x", big))
	assert.Equal(t, 2, representation(t, f.sync, "x"))

	small := strings.Repeat("s", 100-2)
	require.NoError(t, f.repo.Save(ctx, "x", small))

	all, err := f.sync.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "x_meta")
	assert.NotContains(t, all, "x_chunk_0")
	assert.NotContains(t, all, "x_chunk_1")
	assert.Len(t, all["x"], 100)
}

func TestSmallerChunkSetPurgesStaleChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.repo.Save(ctx, "x", strings.Repeat("a", 20000)))
	assert.Equal(t, 3, representation(t, f.sync, "x"))

	require.NoError(t, f.repo.Save(ctx, "x", strings.Repeat("b", 10000)))
	assert.Equal(t, 2, representation(t, f.sync, "x"))

	all, err := f.sync.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "x_chunk_2")
}

func TestUnreadableMetadataIsReplaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{
		"x_meta":    json.RawMessage(`"garbage"`),
		"x_chunk_0": json.RawMessage(`"a"`),
		"x_chunk_7": json.RawMessage(`"b"`),
	}))

	require.NoError(t, f.repo.Save(ctx, "x", "fresh"))

	assert.Zero(t, representation(t, f.sync, "x"))
	assert.Equal(t, `"fresh"`, load(t, f.repo, "x"))
}

func TestChunkedSaveKeepsLocalCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.local.Set(ctx, map[string]json.RawMessage{"tiles": json.RawMessage(`["legacy"]`)}))

	big := strings.Repeat("t", 20000)
	require.NoError(t, f.repo.Save(ctx, "tiles", big))
	assert.Equal(t, 3, representation(t, f.sync, "tiles"))

	local, err := f.local.Get(ctx, "tiles")
	require.NoError(t, err)
	assert.JSONEq(t, `["legacy"]`, string(local["tiles"]))

	var got string
	require.NoError(t, json.Unmarshal([]byte(load(t, f.repo, "tiles")), &got))
	assert.Equal(t, big, got)
}

func TestDirectSaveReportsMetadataLeft(t *testing.T) {
	ctx := context.Background()
	// three writes: the chunk batch, the direct entry removal, the new
	// direct entry. Removing the metadata is rejected.
	s := store.NewQuotaStore(store.NewMemoryStore(store.AreaSync), quota.Default(), 3)
	repo := chunked.New(s)

	big := strings.Repeat("b", 9000)
	require.NoError(t, repo.Save(ctx, "x", big))
	assert.Equal(t, 2, representation(t, s, "x"))

	err := repo.Save(ctx, "x", "new")
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	// the failed save is reported, the previous document stays readable
	var got string
	require.NoError(t, json.Unmarshal([]byte(load(t, repo, "x")), &got))
	assert.Equal(t, big, got)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("chunked", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.repo.Save(ctx, "x", strings.Repeat("a", 20000)))
		require.NoError(t, f.repo.Save(ctx, "y", 1))

		require.NoError(t, f.repo.Remove(ctx, "x"))

		all, err := f.sync.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"y"}, keysOf(all))
	})

	t.Run("orphaned chunks", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{
			"x_chunk_0":  json.RawMessage(`"a"`),
			"x_chunk_3":  json.RawMessage(`"b"`),
			"x_chunk_ab": json.RawMessage(`"c"`),
		}))

		require.NoError(t, f.repo.Remove(ctx, "x"))

		all, err := f.sync.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"x_chunk_ab"}, keysOf(all))
	})

	t.Run("fallback copies", func(t *testing.T) {
		f := newFixture(t)
		f.sync.failSet = true
		require.NoError(t, f.repo.Save(ctx, "n", []string{"a"}))
		f.sync.failSet = false

		require.NoError(t, f.repo.Remove(ctx, "n"))
		_, ok, err := f.repo.Load(ctx, "n")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.repo.Save(ctx, "tiles", strings.Repeat("t", 10000)))
	require.NoError(t, f.repo.Save(ctx, "settings", map[string]string{}))
	require.NoError(t, f.sync.Set(ctx, map[string]json.RawMessage{"orphan_chunk_0": json.RawMessage(`"x"`)}))

	keys, err := f.repo.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"settings", "tiles"}, keys)
}

func TestSaveRawRejectsInvalidJSON(t *testing.T) {
	f := newFixture(t)
	err := f.repo.SaveRaw(context.Background(), "bad", json.RawMessage(`{"a":`))
	assert.Error(t, err)
}

func TestSaveCountsRepresentations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.repo.Save(ctx, "a", 1))
	require.NoError(t, f.repo.Save(ctx, "b", strings.Repeat("b", 8000)))

	saves := f.repo.Metrics()[0]
	assert.Equal(t, 2, testutil.CollectAndCount(saves))
}

func TestQuotaBoundChunks(t *testing.T) {
	ctx := context.Background()
	sync := store.NewQuotaStore(store.NewMemoryStore(store.AreaSync), quota.Default(), 0)
	local := store.NewMemoryStore(store.AreaLocal)
	repo := chunked.New(syncstore.New(sync, local))

	// escape-heavy content doubles in size once stored as chunk strings
	doc := strings.Repeat(`"\`, 6000)
	require.NoError(t, repo.Save(ctx, "escaped", doc))

	all, err := local.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "every chunk entry must fit the per-item quota")

	var got string
	require.NoError(t, json.Unmarshal([]byte(load(t, repo, "escaped")), &got))
	assert.Equal(t, doc, got)
}

func keysOf(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
