package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/stevemurr/tabsync/chunked"
	"github.com/stevemurr/tabsync/migration"
	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
	"github.com/stevemurr/tabsync/syncstore"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultWriteRate    = quota.WritesPerMinute
)

// stores is the client side storage stack of one command run.
type stores struct {
	sync  store.Store
	local store.Store
	repo  *chunked.Repository

	// migrated and migrateErr are the outcome of the migration run when
	// the stores were opened.
	migrated   migration.State
	migrateErr error
}

func (s *stores) Close() error {
	var result *multierror.Error
	if err := s.sync.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("sync: %w", err))
	}
	if err := s.local.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("local: %w", err))
	}
	return result.ErrorOrNil()
}

// openArea opens the backend configured for area. Sync areas on local
// backends get the quota of the synchronized store; remote areas are
// enforced by the server.
func (c *command) openArea(area, backend string, logger logrus.FieldLogger) (store.Store, error) {
	if backend == "remote" {
		url := c.config.GetString(optionNameRemoteURL)
		if url == "" {
			return nil, errors.New("remote backend needs --" + optionNameRemoteURL)
		}
		return store.NewRemoteStore(url, area,
			store.WithPollInterval(c.config.GetDuration(optionNamePollInterval)),
			store.WithLogger(logger),
		), nil
	}

	var dir string
	if backend != "memory" {
		d, err := c.dataDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	s, err := store.New(backend, dir, area)
	if err != nil {
		return nil, err
	}
	if area == store.AreaSync {
		return store.NewQuotaStore(s, quota.Default(), c.config.GetInt(optionNameWriteRate)), nil
	}
	return s, nil
}

// openStores builds the sync and local areas, the fallback store over them
// and the chunked repository on top, then runs the legacy migration so no
// command reads or writes documents before it. A failed migration is logged
// and left for the next run.
func (c *command) openStores(ctx context.Context, logger logrus.FieldLogger) (*stores, error) {
	sync, err := c.openArea(store.AreaSync, c.config.GetString(optionNameSyncBackend), logger)
	if err != nil {
		return nil, fmt.Errorf("open sync area: %w", err)
	}
	local, err := c.openArea(store.AreaLocal, c.config.GetString(optionNameLocalBackend), logger)
	if err != nil {
		_ = sync.Close()
		return nil, fmt.Errorf("open local area: %w", err)
	}

	ss := syncstore.New(sync, local, syncstore.WithLogger(logger))
	s := &stores{
		sync:  sync,
		local: local,
		repo:  chunked.New(ss, chunked.WithLogger(logger)),
	}
	// the flag lives in the sync area only, a local copy must not mark
	// the migration done
	svc := migration.New(sync, local, s.repo, migration.WithLogger(logger))
	s.migrated, s.migrateErr = svc.RunOnce(ctx)
	return s, nil
}
