// Package engine assembles a working system from a config file: the
// backing store, content store, caches, node directory, materialization
// engine, loader, and fork manager, wired together and torn down as one
// unit.
package engine

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/StrataLabs/strata/cache"
	"github.com/StrataLabs/strata/config"
	"github.com/StrataLabs/strata/db/content"
	"github.com/StrataLabs/strata/db/tkv"
	"github.com/StrataLabs/strata/flush"
	"github.com/StrataLabs/strata/fork"
	"github.com/StrataLabs/strata/loader"
	"github.com/StrataLabs/strata/vfs"
	"github.com/StrataLabs/strata/watch"
)

type Engine struct {
	cfg    *config.Engine
	logger *slog.Logger

	kv      tkv.TKV
	content *content.Store
	vfs     *vfs.VFS
	flush   *flush.Engine
	loader  *loader.Loader
	forks   *fork.Manager
}

// New builds a full engine from the config at cfgPath. Close releases the
// store.
func New(ctx context.Context, cfgPath string, logger *slog.Logger) (*Engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, cfg, logger)
}

// NewFromConfig is New for an already-loaded config. Tests use it with an
// in-memory store by pointing DataDir at a temp dir.
func NewFromConfig(ctx context.Context, cfg *config.Engine, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := tkv.New(tkv.Config{
		Logger:    logger.WithGroup("tkv"),
		Directory: filepath.Join(cfg.DataDir, "store"),
		AppCtx:    ctx,
		CacheTTL:  cfg.Cache.NodeTTL.Std(),
	})
	if err != nil {
		return nil, err
	}

	contentStore := content.NewStore(content.Config{TKV: kv, Logger: logger})
	contentCache := cache.New(cache.Config{
		Capacity: cfg.Cache.CapacityBytes,
		IdleTTL:  cfg.Cache.IdleTTL.Std(),
	})

	v, err := vfs.New(vfs.Config{
		TKV:          kv,
		Content:      contentStore,
		Cache:        contentCache,
		Logger:       logger,
		NodeCacheTTL: cfg.Cache.NodeTTL.Std(),
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	fl, err := flush.New(flush.Config{VFS: v, Logger: logger})
	if err != nil {
		kv.Close()
		return nil, err
	}
	ld, err := loader.New(loader.Config{VFS: v, Logger: logger})
	if err != nil {
		kv.Close()
		return nil, err
	}
	fm, err := fork.New(fork.Config{VFS: v, Logger: logger})
	if err != nil {
		kv.Close()
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		kv:      kv,
		content: contentStore,
		vfs:     v,
		flush:   fl,
		loader:  ld,
		forks:   fm,
	}, nil
}

func (e *Engine) Config() *config.Engine { return e.cfg }

func (e *Engine) VFS() *vfs.VFS { return e.vfs }

func (e *Engine) Flush() *flush.Engine { return e.flush }

func (e *Engine) Loader() *loader.Loader { return e.loader }

func (e *Engine) Forks() *fork.Manager { return e.forks }

func (e *Engine) Content() *content.Store { return e.content }

// NewWatcher builds a watcher over this engine's node directory using the
// configured debounce settings. The caller owns Run and Close.
func (e *Engine) NewWatcher() (*watch.Watcher, error) {
	return watch.New(watch.Config{
		VFS:           e.vfs,
		Logger:        e.logger,
		Debounce:      e.cfg.Watcher.Debounce.Std(),
		BatchInterval: e.cfg.Watcher.BatchInterval.Std(),
		MaxBatchSize:  e.cfg.Watcher.MaxBatchSize,
	})
}

// FlushOptions translates the configured flush defaults into per-pass
// options targeting dir.
func (e *Engine) FlushOptions(dir string) flush.Options {
	return flush.Options{
		TargetDir:           dir,
		Incremental:         true,
		Atomic:              e.cfg.Flush.Atomic,
		CreateBackup:        e.cfg.Flush.CreateBackup,
		PreservePermissions: e.cfg.Flush.PreservePermissions,
		PreserveTimestamps:  e.cfg.Flush.PreserveTimestamps,
		MaxWorkers:          e.cfg.Flush.MaxWorkers,
	}
}

func (e *Engine) Close() error {
	return e.kv.Close()
}
