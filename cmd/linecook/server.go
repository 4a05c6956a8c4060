package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/linecook/internal/audit"
	"github.com/fentz26/linecook/internal/controlplane"
	"github.com/fentz26/linecook/internal/events"
	"github.com/fentz26/linecook/internal/resqueue"
	"github.com/fentz26/linecook/internal/store"
	"github.com/fentz26/linecook/internal/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authoritative linecook server",
	Long: `Starts the server that owns order numbers, resolves conflicts and serves
the HTTP API clients replay their queued events against.`,
	RunE: runServer,
}

var (
	listenAddr  string
	dbPath      string
	catalogPath string
)

func init() {
	serverCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides server.listen)")
	serverCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides server.db)")
	serverCmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog of resources, users and workflows (overrides server.catalog)")
}

func runServer(cmd *cobra.Command, args []string) error {
	sc := cfg.Server
	if listenAddr != "" {
		sc.Listen = listenAddr
	}
	if dbPath != "" {
		sc.DB = dbPath
	}
	if catalogPath != "" {
		sc.Catalog = catalogPath
	}
	log := logger.Named("server")
	log.Info("starting linecook server", zap.String("db", sc.DB), zap.String("catalog", sc.Catalog))

	s, err := store.New(sc.DB)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database connection")
		if err := s.Close(); err != nil {
			log.Warn("database close error", zap.Error(err))
		}
	}()

	bus := events.NewBus(events.WithLogger(logger))
	defer bus.Close()
	stopLog := events.LogEvents(bus, logger.Named("events"))
	defer stopLog()

	service := controlplane.NewService(s, audit.NewPDRWriter(s, logger), resqueue.New(cfg.ETA),
		controlplane.WithPublisher(bus),
		controlplane.WithLogger(logger),
		controlplane.WithScope(sc.Scope),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sc.Catalog != "" {
		cat, err := workflow.LoadCatalog(sc.Catalog)
		if err != nil {
			return err
		}
		if err := service.ImportCatalog(ctx, cat); err != nil {
			return err
		}
		log.Info("catalog imported",
			zap.Int("resources", len(cat.Resources)),
			zap.Int("users", len(cat.Users)),
			zap.Int("workflows", len(cat.Workflows)),
		)
	}
	if err := service.Init(ctx, cfg.ETA.Window); err != nil {
		return err
	}

	server := controlplane.NewServer(service, sc.Listen, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shutdown complete")
	return err
}
