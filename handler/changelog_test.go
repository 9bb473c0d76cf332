package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/tabsync/store"
)

func TestChangelog(t *testing.T) {
	l := newChangelog(3)

	resp := l.since(0)
	assert.Equal(t, int64(0), resp.Seq)
	assert.False(t, resp.Reset)
	assert.NotNil(t, resp.Changes)

	for i := 0; i < 5; i++ {
		l.append(store.ChangeSet{Area: store.AreaSync})
	}

	tests := []struct {
		since int64
		reset bool
		seqs  []int64
	}{
		{-1, false, nil},
		{0, true, []int64{3, 4, 5}},
		{1, true, []int64{3, 4, 5}},
		{2, false, []int64{3, 4, 5}},
		{4, false, []int64{5}},
		{5, false, nil},
		{6, true, nil},
	}
	for _, tt := range tests {
		resp := l.since(tt.since)
		assert.Equal(t, int64(5), resp.Seq, "since %d", tt.since)
		assert.Equal(t, tt.reset, resp.Reset, "since %d", tt.since)
		var seqs []int64
		for _, rec := range resp.Changes {
			seqs = append(seqs, rec.Seq)
		}
		assert.Equal(t, tt.seqs, seqs, "since %d", tt.since)
	}
}

func TestChangelogDefaultSize(t *testing.T) {
	l := newChangelog(0)
	for i := 0; i < DefaultChangelogSize+10; i++ {
		l.append(store.ChangeSet{})
	}
	resp := l.since(int64(DefaultChangelogSize))
	require.False(t, resp.Reset)
	assert.Len(t, resp.Changes, 10)
	assert.True(t, l.since(0).Reset)
}
