package server

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/itstheanurag/runbox/internal/config"
	"github.com/itstheanurag/runbox/internal/database"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/journal"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/sandbox"
	"github.com/itstheanurag/runbox/internal/scheduler"
	"github.com/itstheanurag/runbox/internal/worker"
	"github.com/itstheanurag/runbox/internal/workspace"
	"github.com/rs/zerolog"
)

// Runtime is the execution core shared by the HTTP server and the CLI
// commands: registry, sandbox, workspaces, journal and scheduler.
type Runtime struct {
	Registry   *languages.Registry
	Sandbox    sandbox.Sandbox
	Workspaces *workspace.Manager
	Journal    journal.Store
	Scheduler  *scheduler.Scheduler

	conf   *config.Config
	logger *zerolog.Logger
}

func NewRuntime(ctx context.Context, conf *config.Config, logger *zerolog.Logger) (*Runtime, error) {
	var extra []languages.Language
	if conf.LanguagesFile != "" {
		loaded, err := languages.LoadFile(conf.LanguagesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load languages: %w", err)
		}
		extra = loaded
	}
	registry := languages.NewRegistry(DefaultLimits(conf.Limits), extra...)

	sb, err := sandbox.New(sandbox.Options{
		Driver:            conf.Sandbox.Driver,
		NsJailPath:        conf.Sandbox.NsJailPath,
		IsolateNamespaces: conf.Sandbox.IsolateNamespaces,
		CgroupRoot:        conf.Sandbox.CgroupRoot,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	workspaces, err := workspace.NewManager(conf.Sandbox.WorkspaceRoot, WorkspacePerm(conf.Sandbox.Driver), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace manager: %w", err)
	}
	// only a dedicated root may hold leftovers from a crashed process
	if conf.Sandbox.WorkspaceRoot != "" {
		removed, err := workspaces.Sweep()
		if err != nil {
			logger.Warn().Err(err).Msg("failed to sweep stale workspaces")
		} else if removed > 0 {
			logger.Info().Int("removed", removed).Msg("swept stale workspaces")
		}
	}

	journalPath := conf.Journal.SQLitePath
	if conf.Journal.Driver == "postgres" {
		journalPath = database.DSN(conf.Db)
	}
	store, err := journal.Open(ctx, conf.Journal.Driver, journalPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var exec worker.Executor = executor.NewExecutor(registry, sb, workspaces, logger)
	if _, ok := store.(journal.Nop); !ok {
		exec = journal.NewRecorder(exec, store, logger)
	}

	sched := scheduler.New(registry, exec, scheduler.Options{
		MaxConcurrent: conf.Scheduler.MaxConcurrent,
		QueueSize:     conf.Scheduler.QueueSize,
		QueueTimeout:  conf.Scheduler.QueueTimeout,
		Grace:         conf.Scheduler.Grace,
	}, logger)

	return &Runtime{
		Registry:   registry,
		Sandbox:    sb,
		Workspaces: workspaces,
		Journal:    store,
		Scheduler:  sched,
		conf:       conf,
		logger:     logger,
	}, nil
}

func DefaultLimits(l config.LimitsConfig) languages.Limits {
	return languages.Limits{
		CPUTime:        l.CPUTime,
		WallTimeout:    l.WallTimeout,
		CompileTimeout: l.CompileTimeout,
		MemoryBytes:    l.MemoryMB << 20,
		OutputBytes:    l.OutputBytes,
		MaxProcesses:   l.MaxProcesses,
		FileSizeBytes:  l.FileSizeMB << 20,
	}
}

// WorkspacePerm is the workspace mode a driver needs. The process driver
// runs children as the directory's owner; the others do not.
func WorkspacePerm(driver string) fs.FileMode {
	if driver == "process" {
		return workspace.PrivatePerm
	}
	return workspace.SharedPerm
}

// Start prepares driver images when configured and launches the workers.
func (r *Runtime) Start(ctx context.Context) error {
	if r.conf.Sandbox.Driver == "docker" && r.conf.Sandbox.PullImages {
		if err := r.ensureImages(ctx); err != nil {
			return fmt.Errorf("failed to ensure docker images: %w", err)
		}
	}
	r.Scheduler.Start()
	return nil
}

func (r *Runtime) ensureImages(ctx context.Context) error {
	langs := r.Registry.List()
	uniqueImages := make(map[string]bool)
	for _, l := range langs {
		if l.Config.Image != "" {
			uniqueImages[l.Config.Image] = true
		}
	}

	for img := range uniqueImages {
		if err := r.Sandbox.EnsureImage(ctx, img); err != nil {
			return err
		}
	}

	return nil
}

// Close stops the workers after in-flight executions finish and closes
// the journal.
func (r *Runtime) Close() error {
	r.Scheduler.Stop()
	if err := r.Journal.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}
