package store

import (
	"context"
	"sync"
)

// feed fans change sets out to subscribers. Publishing never blocks: each
// subscriber owns a queue drained by its own goroutine, so a slow reader
// delays only itself and sees every change set in order.
type feed struct {
	area string

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	out    chan ChangeSet
	signal chan struct{}
	quit   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []ChangeSet
}

func newFeed(area string) *feed {
	return &feed{area: area, subs: make(map[*subscriber]struct{})}
}

func (f *feed) subscribe(ctx context.Context) (<-chan ChangeSet, func()) {
	s := &subscriber{
		out:    make(chan ChangeSet),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	stop := func() { s.once.Do(func() { close(s.quit) }) }

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.subs, s)
			f.mu.Unlock()
			close(s.out)
		}()
		s.run(ctx)
	}()
	return s.out, stop
}

// publish queues cs for every subscriber. Empty change sets are dropped.
func (f *feed) publish(origin string, changes map[string]Change) {
	if len(changes) == 0 {
		return
	}
	cs := ChangeSet{Area: f.area, Origin: origin, Changes: changes}

	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.push(cs)
	}
}

// close stops every subscriber and refuses new ones.
func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for s := range f.subs {
		s.once.Do(func() { close(s.quit) })
	}
}

func (s *subscriber) push(cs ChangeSet) {
	s.mu.Lock()
	s.queue = append(s.queue, cs)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (ChangeSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return ChangeSet{}, false
	}
	cs := s.queue[0]
	s.queue[0] = ChangeSet{}
	s.queue = s.queue[1:]
	return cs, true
}

func (s *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-s.signal:
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
		for {
			cs, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- cs:
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
