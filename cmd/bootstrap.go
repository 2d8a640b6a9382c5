package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ffbatch/api"
	"ffbatch/cache"
	"ffbatch/config"
	"ffbatch/ffmpeg"
	"ffbatch/logging"
	"ffbatch/resource"
	"ffbatch/store"
	"ffbatch/task"
)

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	manager *task.Manager
	monitor *resource.Monitor
	reports *store.ReportStore
	closers []io.Closer
}

// bootstrap loads .env and configuration, sets up logging and wires the
// manager. Overrides run after the configuration is loaded.
func bootstrap(overrides ...func(*config.Config)) (*app, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	logFile, err := logging.Setup(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, logFile)

	runner, err := ffmpeg.NewRunner(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.monitor = resource.NewMonitor(cfg,
		resource.NewHostSampler(cfg.TempDir, log.Logger.With().Str("component", "sampler").Logger()),
		log.Logger.With().Str("component", "resources").Logger())
	opts := []task.Option{task.WithAdmitter(a.monitor)}

	if cfg.AdmissionReserve {
		opts = append(opts, task.WithReserver(resource.NewBudget(cfg.MemoryLimit, nil)))
	}
	if cfg.CacheEnabled {
		rc, err := cache.New(cfg.CacheMaxEntries)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, task.WithCache(rc))
	}
	if cfg.ReportDB != "-" {
		a.reports, err = store.Open(cfg.ReportDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.reports)
		opts = append(opts, task.WithReportSink(a.reports))
	}

	a.manager, err = task.NewManager(cfg, ffmpeg.NewBuilder(cfg), runner, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// reportIndex returns nil when the report database is disabled.
func (a *app) reportIndex() api.ReportIndex {
	if a.reports == nil {
		return nil
	}
	return a.reports
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
