package handler

import (
	"sync"

	"github.com/stevemurr/tabsync/store"
)

// DefaultChangelogSize is the number of change sets kept per area.
const DefaultChangelogSize = 1024

// changelog numbers the change sets of one area and keeps the most recent
// ones so polling clients can catch up.
type changelog struct {
	size int

	mu      sync.Mutex
	seq     int64
	records []store.ChangeRecord
}

func newChangelog(size int) *changelog {
	if size <= 0 {
		size = DefaultChangelogSize
	}
	return &changelog{size: size}
}

func (l *changelog) append(cs store.ChangeSet) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.records = append(l.records, store.ChangeRecord{Seq: l.seq, ChangeSet: cs})
	if n := len(l.records) - l.size; n > 0 {
		l.records = append(l.records[:0:0], l.records[n:]...)
	}
	return l.seq
}

// since returns the records after seq. A negative seq returns only the
// current position. Reset is set when records after seq were evicted or
// seq is ahead of the log, which happens after a server restart.
func (l *changelog) since(seq int64) store.ChangesResponse {
	l.mu.Lock()
	defer l.mu.Unlock()

	resp := store.ChangesResponse{Seq: l.seq, Changes: []store.ChangeRecord{}}
	switch {
	case seq < 0:
		return resp
	case seq > l.seq:
		resp.Reset = true
		return resp
	}

	first := l.seq + 1
	if len(l.records) > 0 {
		first = l.records[0].Seq
	}
	if seq < first-1 {
		resp.Reset = true
	}
	for _, rec := range l.records {
		if rec.Seq > seq {
			resp.Changes = append(resp.Changes, rec)
		}
	}
	return resp
}
