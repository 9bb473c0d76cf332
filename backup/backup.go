// Package backup exports every document into a single JSON bundle and
// imports such bundles back.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/tabsync/logging"
	"github.com/stevemurr/tabsync/schema"
)

// Version is written to every exported bundle.
const Version = "1.0.0"

// Keys are the documents a bundle carries, in import order.
var Keys = []string{"tiles", "settings", "quotesDeck", "quotesIndex", "userNotes", "userTodos"}

// defaults replace documents missing from an export or an import. Notes
// and to-do lists have none: they are left alone when absent.
var defaults = map[string]json.RawMessage{
	"tiles":       json.RawMessage(`[]`),
	"settings":    json.RawMessage(`{"tileSize":"medium","showQuotes":true,"quotePosition":"both","timeFont":"outfit","searchEngine":"google","timeFormat":"24h","tileTheme":"custom","applyThemeToSearchbar":false}`),
	"quotesDeck":  json.RawMessage(`[]`),
	"quotesIndex": json.RawMessage(`0`),
}

// ErrInvalidBundle is matched by errors returned for bundles that are not
// JSON or fail validation.
var ErrInvalidBundle = errors.New("backup: invalid bundle")

type invalidBundleError struct {
	err error
}

func (e *invalidBundleError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidBundle, e.err)
}

func (e *invalidBundleError) Is(target error) bool { return target == ErrInvalidBundle }

func (e *invalidBundleError) Unwrap() error { return e.err }

// Repository is the document store a bundle is exported from and imported
// into. *chunked.Repository satisfies it.
type Repository interface {
	Load(ctx context.Context, key string) (json.RawMessage, bool, error)
	SaveRaw(ctx context.Context, key string, doc json.RawMessage) error
}

type config struct {
	now    func() time.Time
	logger logrus.FieldLogger
}

type Option func(*config)

// WithClock sets the source of the export date.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.logger = l }
}

func newConfig(opts []Option) config {
	c := config{now: time.Now}
	for _, o := range opts {
		o(&c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// Export loads every document concurrently and writes them to w as one
// indented JSON object, together with the format version and the export
// date. Missing documents are written with their default value.
func Export(ctx context.Context, repo Repository, w io.Writer, opts ...Option) error {
	c := newConfig(opts)

	var mu sync.Mutex
	bundle := map[string]any{
		"version":    Version,
		"exportDate": c.now().UTC().Format(time.RFC3339),
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range Keys {
		g.Go(func() error {
			doc, ok, err := repo.Load(gctx, key)
			if err != nil {
				return fmt.Errorf("backup: export %q: %w", key, err)
			}
			if !ok {
				if doc, ok = defaults[key]; !ok {
					return nil
				}
			}
			mu.Lock()
			bundle[key] = doc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return fmt.Errorf("backup: export: %w", err)
	}
	c.logger.WithField("documents", len(bundle)-2).Info("exported bundle")
	return nil
}

// Import validates the bundle read from r and saves each document it holds,
// replacing the stored ones. Absent tiles, settings and quotes documents
// are reset to their defaults. It returns the keys written, sorted.
//
// Documents are saved one at a time; when a save fails the documents saved
// before it stay imported.
func Import(ctx context.Context, repo Repository, r io.Reader, opts ...Option) ([]string, error) {
	c := newConfig(opts)

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("backup: import: %w", err)
	}
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, &invalidBundleError{err: err}
	}
	// null stands for an absent document
	for k, v := range docs {
		if len(v) == 0 || string(v) == "null" {
			delete(docs, k)
		}
	}
	cleaned, err := json.Marshal(docs)
	if err != nil {
		return nil, &invalidBundleError{err: err}
	}
	if err := schema.ValidateJSON(schema.Bundle, cleaned); err != nil {
		return nil, &invalidBundleError{err: err}
	}

	var written []string
	for _, key := range Keys {
		doc, ok := docs[key]
		if !ok {
			if doc, ok = defaults[key]; !ok {
				continue
			}
		}
		if err := repo.SaveRaw(ctx, key, doc); err != nil {
			return written, fmt.Errorf("backup: import %q: %w", key, err)
		}
		written = append(written, key)
	}
	sort.Strings(written)

	logger := c.logger.WithField("documents", len(written))
	if v, ok := docs["version"]; ok {
		logger = logger.WithField("version", string(v))
	}
	logger.Info("imported bundle")
	return written, nil
}
