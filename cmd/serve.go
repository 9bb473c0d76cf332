package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stevemurr/tabsync/handler"
	"github.com/stevemurr/tabsync/metrics"
	"github.com/stevemurr/tabsync/store"
)

const shutdownTimeout = 15 * time.Second

func (c *command) initServeCmd() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server.

The server hosts a quota enforced "sync" area and an unconstrained "local"
area over HTTP. Clients use them with the remote backend.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				return cmd.Help()
			}
			logger, err := c.newLogger(cmd)
			if err != nil {
				return fmt.Errorf("new logger: %w", err)
			}
			return c.serve(cmd.Context(), logger)
		},
	}
	cmd.Flags().String(optionNameAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(optionNameAllowedOrigins, "*", "comma separated CORS origins, empty disables CORS")
	cmd.Flags().Int(optionNameChangelogSize, handler.DefaultChangelogSize, "change sets kept per area")
	c.root.AddCommand(cmd)
}

// serve runs the server until ctx is done or a termination signal
// arrives.
func (c *command) serve(ctx context.Context, logger *logrus.Logger) error {
	areas := make(map[string]store.Store, 2)
	for _, a := range []struct{ area, option string }{
		{store.AreaSync, optionNameSyncBackend},
		{store.AreaLocal, optionNameLocalBackend},
	} {
		backend := c.config.GetString(a.option)
		if backend == "remote" {
			return fmt.Errorf("%s area: the server cannot use the remote backend", a.area)
		}
		s, err := c.openArea(a.area, backend, logger)
		if err != nil {
			return fmt.Errorf("open %s area: %w", a.area, err)
		}
		defer s.Close()
		areas[a.area] = s
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var origins []string
	for _, o := range strings.Split(c.config.GetString(optionNameAllowedOrigins), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	h := handler.New(areas,
		handler.WithLogger(logger),
		handler.WithGatherer(registry),
		handler.WithAllowedOrigins(origins...),
		handler.WithChangelogSize(c.config.GetInt(optionNameChangelogSize)),
	)
	defer h.Close()

	components := []metrics.Collector{h}
	if q, ok := areas[store.AreaSync].(metrics.Collector); ok {
		components = append(components, q)
	}
	metrics.MustRegister(registry, components...)

	ln, err := net.Listen("tcp", c.config.GetString(optionNameAddr))
	if err != nil {
		return err
	}
	errorLog := logger.WriterLevel(logrus.WarnLevel)
	defer errorLog.Close()
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(errorLog, "", 0),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	logger.WithFields(logrus.Fields{
		"addr":  ln.Addr().String(),
		"sync":  c.config.GetString(optionNameSyncBackend),
		"local": c.config.GetString(optionNameLocalBackend),
		"data":  c.config.GetString(optionNameDataDir),
	}).Info("sync server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
