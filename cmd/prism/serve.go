package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/prism/internal/events"
	"github.com/ssd-technologies/prism/internal/metrics"
	"github.com/ssd-technologies/prism/internal/outbox"
	"github.com/ssd-technologies/prism/internal/pipeline"
	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/server"
	"github.com/ssd-technologies/prism/internal/storage"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox dispatcher and slot sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// services is everything serve wires together.
type services struct {
	db         *storage.DB
	catalog    *protocol.Catalog
	engine     *pipeline.Engine
	metrics    *metrics.Metrics
	hub        *events.Hub
	dispatcher *outbox.Dispatcher
	sweeper    *pipeline.Sweeper
	handler    *server.Server
}

func (a *app) buildServices(ctx context.Context) (*services, error) {
	cfg := a.cfg
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}

	catalog := protocol.NewCatalog(db, cfg.Pipeline.DefaultProtocol, a.logger.Named("catalog"))
	if cfg.Pipeline.ProtocolsFile != "" {
		n, err := catalog.LoadFile(ctx, cfg.Pipeline.ProtocolsFile)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.logger.Info("protocols loaded", zap.String("file", cfg.Pipeline.ProtocolsFile), zap.Int("added", n))
	}

	m, err := metrics.New()
	if err != nil {
		db.Close()
		return nil, err
	}

	engine := pipeline.New(db, catalog, pipeline.Options{
		StakeAmount:     cfg.Stake.Amount,
		InitialGrant:    cfg.Stake.InitialGrant,
		ExpireAfter:     cfg.Slots.ExpireAfter,
		RoutingFallback: cfg.Pipeline.RoutingFallback,
	}, m, a.logger.Named("pipeline"))

	hub := events.NewHub(cfg.Events.Buffer, a.logger.Named("events"))

	var reward outbox.RewardService = outbox.NewLogSink(a.logger.Named("reward"))
	if cfg.Outbox.RewardURL != "" {
		reward = outbox.NewWebhook(cfg.Outbox.RewardURL, cfg.Outbox.WebhookSecret, cfg.Outbox.Timeout)
	}
	var committer outbox.ChainCommitter = outbox.NewLogSink(a.logger.Named("commit"))
	if cfg.Outbox.CommitURL != "" {
		committer = outbox.NewWebhook(cfg.Outbox.CommitURL, cfg.Outbox.WebhookSecret, cfg.Outbox.Timeout)
	}

	dispatcher := outbox.New(outbox.NewDBStore(db), reward, committer, hub, outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		BaseBackoff:  cfg.Outbox.BaseBackoff,
		MaxBackoff:   cfg.Outbox.MaxBackoff,
	}, m, a.logger.Named("outbox"))

	return &services{
		db:         db,
		catalog:    catalog,
		engine:     engine,
		metrics:    m,
		hub:        hub,
		dispatcher: dispatcher,
		sweeper:    pipeline.NewSweeper(engine, cfg.Slots.SweepInterval, cfg.Slots.SweepBatch, a.logger.Named("sweeper")),
		handler: server.New(db, engine, catalog, hub, m, server.Options{
			AdminSecret: cfg.Server.AdminSecret,
			RateLimit:   cfg.Server.RateLimit,
		}, a.logger.Named("http")),
	}, nil
}

// serve runs until ctx is cancelled or a component fails, then shuts the
// rest down.
func (a *app) serve(ctx context.Context) error {
	svc, err := a.buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.db.Close()

	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.dispatcher.Run(gctx) })
	g.Go(func() error { return svc.sweeper.Run(gctx) })
	if path := a.cfg.Pipeline.ProtocolsFile; path != "" {
		w := protocol.NewWatcher(svc.catalog, path, a.logger.Named("catalog"))
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		a.logger.Info("prism listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		svc.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
