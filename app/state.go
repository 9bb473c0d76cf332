// Package app holds the application state of the new tab page: tiles,
// settings, notes, to-do lists and the quotes deck. State is loaded from a
// chunked repository at startup and kept current from its change feed;
// every mutation is saved before it returns.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/tabsync/chunked"
	"github.com/stevemurr/tabsync/logging"
	"github.com/stevemurr/tabsync/migration"
	"github.com/stevemurr/tabsync/store"
)

// ErrNotFound is returned when an operation names a missing item.
var ErrNotFound = errors.New("app: not found")

// Snapshot is a copy of the state at one point in time.
type Snapshot struct {
	Tiles       []Tile
	Settings    Settings
	Notes       []Note
	Todos       []TodoList
	QuotesDeck  []int
	QuotesIndex int
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Tiles = slices.Clone(s.Tiles)
	c.Notes = slices.Clone(s.Notes)
	c.Todos = slices.Clone(s.Todos)
	c.QuotesDeck = slices.Clone(s.QuotesDeck)
	c.Settings.KeyboardShortcuts = maps.Clone(s.Settings.KeyboardShortcuts)
	return c
}

func defaultSnapshot() Snapshot {
	return Snapshot{
		Tiles:      []Tile{},
		Settings:   DefaultSettings(),
		Notes:      []Note{},
		Todos:      []TodoList{},
		QuotesDeck: []int{},
	}
}

// Migrator moves legacy documents into the repository.
type Migrator interface {
	RunOnce(ctx context.Context) (migration.State, error)
}

type State struct {
	repo     *chunked.Repository
	migrator Migrator
	logger   logrus.FieldLogger
	now      func() time.Time
	rand     *rand.Rand
	origin   string

	mu     sync.RWMutex
	snap   Snapshot
	lastID int64

	listenersMu sync.Mutex
	listeners   []func(key string)
}

type Option func(*State)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *State) { s.logger = l }
}

// WithMigration runs m at the start of every Load.
func WithMigration(m Migrator) Option {
	return func(s *State) { s.migrator = m }
}

// WithClock sets the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithRand sets the source used to shuffle the quotes deck.
func WithRand(r *rand.Rand) Option {
	return func(s *State) { s.rand = r }
}

// WithOrigin tags the writes of this state with origin. Changes carrying
// the same origin are not reported back to OnChange listeners.
func WithOrigin(origin string) Option {
	return func(s *State) { s.origin = origin }
}

func New(repo *chunked.Repository, opts ...Option) *State {
	s := &State{
		repo: repo,
		now:  time.Now,
		snap: defaultSnapshot(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewPCG(uint64(s.now().UnixNano()), 0))
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Load reads every document concurrently. Missing documents take their
// default; corrupt ones are logged and replaced by their default in memory
// without being overwritten in storage. Notes stored in the legacy
// single-string format are converted and saved back.
//
// With a migrator, the migration runs first. A failed run leaves the
// legacy data where it is and the load goes on.
func (s *State) Load(ctx context.Context) error {
	if s.migrator != nil {
		if _, err := s.migrator.RunOnce(ctx); err != nil {
			s.logger.WithError(err).Debug("loading without migrated documents")
		}
	}
	raws := make([]json.RawMessage, len(Keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range Keys {
		g.Go(func() error {
			raw, _, err := s.repo.Load(gctx, key)
			if err != nil && !errors.Is(err, chunked.ErrCorruptDocument) {
				return err
			}
			if err != nil {
				s.logger.WithError(err).WithField("key", key).Warn("corrupt document, using the default")
				return nil
			}
			raws[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := defaultSnapshot()
	var convert bool
	for i, key := range Keys {
		converted, err := snap.apply(key, raws[i], s.now())
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("undecodable document, using the default")
			continue
		}
		convert = convert || converted
	}
	s.snap = snap
	if convert {
		s.logger.Info("converting notes from the legacy format")
		return s.save(ctx, KeyNotes, s.snap.Notes)
	}
	return nil
}

// apply decodes raw as the document key into snap. A nil raw resets the
// document to its default. converted reports notes read from the legacy
// format.
func (snap *Snapshot) apply(key string, raw json.RawMessage, now time.Time) (converted bool, err error) {
	def := defaultSnapshot()
	switch key {
	case KeyTiles:
		snap.Tiles, err = decodeOr(key, raw, def.Tiles)
	case KeySettings:
		snap.Settings, err = decodeSettings(raw)
	case KeyQuotesDeck:
		snap.QuotesDeck, err = decodeOr(key, raw, def.QuotesDeck)
	case KeyQuotesIndex:
		snap.QuotesIndex, err = decodeOr(key, raw, 0)
	case KeyNotes:
		snap.Notes, converted, err = decodeNotes(raw, now)
	case KeyTodos:
		snap.Todos, err = decodeOr(key, raw, def.Todos)
	default:
		return false, fmt.Errorf("app: unknown document %q", key)
	}
	return converted, err
}

// decodeOr decodes raw over def, or returns def when raw is nil or null.
func decodeOr[T any](key string, raw json.RawMessage, def T) (T, error) {
	if raw == nil || string(raw) == "null" {
		return def, nil
	}
	v, err := chunked.Decode[T](key, raw)
	if err != nil {
		return def, err
	}
	return v, nil
}

// decodeSettings decodes raw over the defaults, so settings added since the
// document was written take their default value.
func decodeSettings(raw json.RawMessage) (Settings, error) {
	settings := DefaultSettings()
	if raw == nil {
		return settings, nil
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultSettings(), &chunked.CorruptDocumentError{Key: KeySettings, Err: err}
	}
	if settings.KeyboardShortcuts == nil {
		settings.KeyboardShortcuts = DefaultShortcuts()
	}
	return settings, nil
}

func decodeNotes(raw json.RawMessage, now time.Time) ([]Note, bool, error) {
	var legacy string
	if raw != nil && json.Unmarshal(raw, &legacy) == nil {
		if legacy == "" {
			return []Note{}, false, nil
		}
		ms := now.UnixMilli()
		return []Note{{
			ID:        strconv.FormatInt(ms, 10),
			Title:     noteTitle(now),
			Content:   legacy,
			CreatedAt: ms,
			UpdatedAt: ms,
		}}, true, nil
	}
	notes, err := decodeOr(KeyNotes, raw, []Note{})
	return notes, false, err
}

func noteTitle(t time.Time) string {
	return t.Format("Jan 2, 03:04 PM")
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

func (s *State) Tiles() []Tile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snap.Tiles)
}

func (s *State) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings := s.snap.Settings
	settings.KeyboardShortcuts = maps.Clone(settings.KeyboardShortcuts)
	return settings
}

func (s *State) Notes() []Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snap.Notes)
}

func (s *State) Todos() []TodoList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snap.Todos)
}

// save stores a document. The caller holds mu.
func (s *State) save(ctx context.Context, key string, v any) error {
	if s.origin != "" {
		ctx = store.WithOrigin(ctx, s.origin)
	}
	if err := s.repo.Save(ctx, key, v); err != nil {
		return fmt.Errorf("app: save %s: %w", key, err)
	}
	return nil
}

// newID returns a millisecond timestamp id, unique within this state. The
// caller holds mu.
func (s *State) newID() string {
	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

// SetTiles replaces every tile.
func (s *State) SetTiles(ctx context.Context, tiles []Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tiles == nil {
		tiles = []Tile{}
	}
	if err := s.save(ctx, KeyTiles, tiles); err != nil {
		return err
	}
	s.snap.Tiles = slices.Clone(tiles)
	return nil
}

// AddTile appends a link tile unless a tile with the same URL exists, at
// the top level or in a folder. It reports whether the tile was added.
func (s *State) AddTile(ctx context.Context, t Tile) (Tile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.URL != "" && containsURL(s.snap.Tiles, t.URL) {
		return t, false, nil
	}
	if t.ID == "" {
		t.ID = s.newID()
	}
	if t.Type == "" {
		t.Type = TileLink
	}
	tiles := append(slices.Clone(s.snap.Tiles), t)
	if err := s.save(ctx, KeyTiles, tiles); err != nil {
		return t, false, err
	}
	s.snap.Tiles = tiles
	return t, true, nil
}

func containsURL(tiles []Tile, url string) bool {
	for _, t := range tiles {
		if t.URL == url || containsURL(t.Items, url) {
			return true
		}
	}
	return false
}

// RemoveTile deletes the tile with the given id, at the top level or in a
// folder.
func (s *State) RemoveTile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tiles, ok := removeTile(s.snap.Tiles, id)
	if !ok {
		return fmt.Errorf("%w: tile %q", ErrNotFound, id)
	}
	if err := s.save(ctx, KeyTiles, tiles); err != nil {
		return err
	}
	s.snap.Tiles = tiles
	return nil
}

func removeTile(tiles []Tile, id string) ([]Tile, bool) {
	out := make([]Tile, 0, len(tiles))
	var found bool
	for _, t := range tiles {
		if t.ID == id {
			found = true
			continue
		}
		if len(t.Items) > 0 {
			items, ok := removeTile(t.Items, id)
			if ok {
				t.Items = items
				found = true
			}
		}
		out = append(out, t)
	}
	return out, found
}

// UpdateSettings applies fn to a copy of the settings and saves the result.
func (s *State) UpdateSettings(ctx context.Context, fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.Settings
	next.KeyboardShortcuts = maps.Clone(next.KeyboardShortcuts)
	fn(&next)
	if err := s.save(ctx, KeySettings, next); err != nil {
		return err
	}
	s.snap.Settings = next
	return nil
}

// AddNote appends a note. An empty title gets the creation date.
func (s *State) AddNote(ctx context.Context, title, content, source string) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if title == "" {
		title = noteTitle(now)
	}
	n := Note{
		ID:        s.newID(),
		Title:     title,
		Content:   content,
		Source:    source,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	notes := append(slices.Clone(s.snap.Notes), n)
	if err := s.save(ctx, KeyNotes, notes); err != nil {
		return Note{}, err
	}
	s.snap.Notes = notes
	return n, nil
}

// UpdateNote replaces the title and content of a note.
func (s *State) UpdateNote(ctx context.Context, id, title, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.snap.Notes, func(n Note) bool { return n.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: note %q", ErrNotFound, id)
	}
	notes := slices.Clone(s.snap.Notes)
	notes[i].Title = title
	notes[i].Content = content
	notes[i].UpdatedAt = s.now().UnixMilli()
	if err := s.save(ctx, KeyNotes, notes); err != nil {
		return err
	}
	s.snap.Notes = notes
	return nil
}

// AddTodoList puts a new empty list first.
func (s *State) AddTodoList(ctx context.Context, title string) (TodoList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if title == "" {
		title = noteTitle(now)
	}
	l := TodoList{
		ID:        s.newID(),
		Title:     title,
		Items:     []TodoItem{},
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	todos := append([]TodoList{l}, s.snap.Todos...)
	if err := s.save(ctx, KeyTodos, todos); err != nil {
		return TodoList{}, err
	}
	s.snap.Todos = todos
	return l, nil
}

// AddTodoItem appends an item to a list.
func (s *State) AddTodoItem(ctx context.Context, listID, text string) (TodoItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.snap.Todos, func(l TodoList) bool { return l.ID == listID })
	if i < 0 {
		return TodoItem{}, fmt.Errorf("%w: to-do list %q", ErrNotFound, listID)
	}
	item := TodoItem{ID: s.newID(), Text: text}
	todos := slices.Clone(s.snap.Todos)
	todos[i].Items = append(slices.Clone(todos[i].Items), item)
	todos[i].UpdatedAt = s.now().UnixMilli()
	if err := s.save(ctx, KeyTodos, todos); err != nil {
		return TodoItem{}, err
	}
	s.snap.Todos = todos
	return item, nil
}

// ShuffleDeck deals a new deck of the indices of count quotes in random
// order and rewinds it.
func (s *State) ShuffleDeck(ctx context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuffle(ctx, count)
}

func (s *State) shuffle(ctx context.Context, count int) error {
	deck := make([]int, count)
	for i := range deck {
		deck[i] = i
	}
	// Fisher-Yates
	for i := len(deck) - 1; i > 0; i-- {
		j := s.rand.IntN(i + 1)
		deck[i], deck[j] = deck[j], deck[i]
	}
	if err := s.save(ctx, KeyQuotesDeck, deck); err != nil {
		return err
	}
	if err := s.save(ctx, KeyQuotesIndex, 0); err != nil {
		return err
	}
	s.snap.QuotesDeck = deck
	s.snap.QuotesIndex = 0
	return nil
}

// NextQuotes draws n quote indices from the deck, reshuffling a deck of
// count quotes whenever it runs out, and saves the new position. It
// returns nil when there are no quotes.
func (s *State) NextQuotes(ctx context.Context, count, n int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drawn := make([]int, 0, n)
	for len(drawn) < n {
		if s.snap.QuotesIndex >= len(s.snap.QuotesDeck) || len(s.snap.QuotesDeck) != count {
			if err := s.shuffle(ctx, count); err != nil {
				return nil, err
			}
		}
		drawn = append(drawn, s.snap.QuotesDeck[s.snap.QuotesIndex])
		s.snap.QuotesIndex++
	}
	if err := s.save(ctx, KeyQuotesIndex, s.snap.QuotesIndex); err != nil {
		return drawn, err
	}
	return drawn, nil
}

// OnChange registers fn to be called with the key of each document changed
// by another writer, after the state reflects the change.
func (s *State) OnChange(fn func(key string)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *State) notify(key string) {
	s.listenersMu.Lock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(key)
	}
}

// Watch applies document changes from the repository to the state until
// ctx is done or the returned stop function is called. stop waits for the
// watcher to exit.
func (s *State) Watch(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	changes, stopWatch := s.repo.Watch(ctx, Keys...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stopWatch()
		for dc := range changes {
			if dc.Err != nil {
				s.logger.WithError(dc.Err).WithField("key", dc.Key).Warn("reload changed document")
				continue
			}
			if s.origin != "" && dc.Origin == s.origin {
				continue
			}
			s.mu.Lock()
			_, err := s.snap.apply(dc.Key, dc.Value, s.now())
			s.mu.Unlock()
			if err != nil {
				s.logger.WithError(err).WithField("key", dc.Key).Warn("decode changed document")
				continue
			}
			s.logger.WithFields(logrus.Fields{"key": dc.Key, "origin": dc.Origin}).Debug("document changed")
			s.notify(dc.Key)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
