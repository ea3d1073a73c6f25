package cli

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pratik-mahalle/driftwatch/internal/api/handlers"
	"github.com/pratik-mahalle/driftwatch/internal/api/router"
	"github.com/pratik-mahalle/driftwatch/internal/definitions"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/validator"
)

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the drift detection agent",
		Long: `Run the agent until interrupted: schedule detections from the definitions
file, write change-sets, upload them to the collector and serve the local
HTTP API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg, true)

			a, err := newApp(cfg, log, appOptions{queueUploads: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return runAgent(cmd.Context(), a)
		},
	}
}

func runAgent(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log
	log.WithFields(map[string]interface{}{
		"agent_id":    cfg.Agent.ID,
		"data_dir":    cfg.Agent.DataDir,
		"definitions": cfg.Agent.DefinitionsFile,
		"algorithm":   a.hasher.Algorithm(),
		"collector":   cfg.Sync.CollectorURL,
	}).Info("Starting driftwatch agent")

	if a.client != nil {
		if err := a.client.Ping(ctx); err != nil {
			log.WarnWithErr(err, "Collector is not reachable; uploads will be retried")
		}
	}

	src := definitions.NewSource(cfg.Agent.DefinitionsFile, a.engine, log)
	if err := src.Reload(); err != nil {
		log.WarnWithErr(err, "Some drift definitions were rejected")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.worker.Start(gctx)
		return nil
	})
	if a.syncer != nil {
		g.Go(func() error {
			a.syncer.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return src.Watch(gctx)
	})

	if cfg.Server.Enabled {
		var supplier handlers.ContentSupplier
		if a.syncer != nil {
			supplier = a.syncer
		}
		var notifier drift.Notifier
		if a.syncer != nil {
			notifier = a.syncer
		}
		srv := &http.Server{
			Addr: cfg.Server.Addr(),
			Handler: router.New(gctx, cfg.Server, log, &router.Handlers{
				Health:     handlers.NewHealthHandler(a.ledger, log),
				Detection:  handlers.NewDetectionHandler(a.engine, a.queue, log),
				ChangeSets: handlers.NewChangeSetHandler(a.store, notifier, log),
				Content:    handlers.NewContentHandler(gctx, supplier, a.ledger, validator.New(), log),
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		g.Go(func() error {
			log.With("addr", srv.Addr).Info("Agent API listening")
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	log.Info("Agent stopped")
	return err
}
