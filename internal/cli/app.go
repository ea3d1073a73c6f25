package cli

import (
	"path/filepath"

	"github.com/pratik-mahalle/driftwatch/internal/changeset"
	"github.com/pratik-mahalle/driftwatch/internal/config"
	"github.com/pratik-mahalle/driftwatch/internal/db"
	"github.com/pratik-mahalle/driftwatch/internal/detector"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/engine"
	"github.com/pratik-mahalle/driftwatch/internal/hasher"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/scanner"
	"github.com/pratik-mahalle/driftwatch/internal/schedule"
	"github.com/pratik-mahalle/driftwatch/internal/syncer"
	"github.com/pratik-mahalle/driftwatch/internal/worker"
	"github.com/pratik-mahalle/driftwatch/pkg/client"
)

// app is the wired detection engine shared by the agent and one-off commands
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	hasher   *hasher.Hasher
	store    *changeset.FileStore
	ledger   *db.DB
	queue    *schedule.PriorityQueue
	detector *detector.Detector
	worker   *worker.DriftScanner
	engine   *engine.Engine
	client   *client.Client
	syncer   *syncer.Syncer
}

type appOptions struct {
	// queueUploads routes new change-sets through the sync workers. One-off
	// commands upload synchronously instead.
	queueUploads bool
}

func newApp(cfg *config.Config, log *logger.Logger, opts appOptions) (*app, error) {
	h, err := hasher.New(hasher.Algorithm(cfg.Agent.HashAlgorithm))
	if err != nil {
		return nil, err
	}
	store, err := changeset.NewFileStore(cfg.Agent.DataDir, log)
	if err != nil {
		return nil, err
	}
	ledger, err := db.Open(cfg.StateDBPath())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		hasher: h,
		store:  store,
		ledger: ledger,
		queue:  schedule.NewPriorityQueue(),
	}
	resolver := drift.RootResolver{Root: cfg.Agent.ResourceRoot}

	if cfg.Sync.Enabled() {
		compression, err := syncer.ParseCompression(cfg.Sync.Compression)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.client = client.NewClient(client.Config{
			BaseURL: cfg.Sync.CollectorURL,
			APIKey:  cfg.Sync.APIKey,
			AgentID: cfg.Agent.ID,
			Timeout: cfg.Sync.Timeout,
		})
		a.syncer, err = syncer.New(store, a.client, ledger, h, resolver, syncer.Config{
			Workers:     cfg.Sync.Workers,
			QueueSize:   cfg.Sync.QueueSize,
			Compression: compression,
			WorkDir:     filepath.Join(cfg.Agent.DataDir, "uploads"),
		}, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var notifier drift.Notifier
	if a.syncer != nil && opts.queueUploads {
		notifier = a.syncer
	}
	sc := scanner.New(h, scanner.WithLogger(log))
	a.detector = detector.New(a.queue, sc, store, notifier, resolver, detector.Config{
		Workers:     cfg.Agent.Workers,
		ScanTimeout: cfg.Agent.ScanTimeout,
	}, log)
	a.worker = worker.NewDriftScanner(a.detector, cfg.Agent.TickInterval, log)

	engineOpts := []engine.Option{engine.WithWaker(a.worker)}
	if a.syncer != nil {
		engineOpts = append(engineOpts, engine.WithForgetter(a.syncer))
	}
	a.engine = engine.New(a.queue, store, a.detector, log, engineOpts...)
	return a, nil
}

func (a *app) Close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.WarnWithErr(err, "Failed to close state database")
		}
	}
}
