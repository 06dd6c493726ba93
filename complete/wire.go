package complete

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/admission"
	"github.com/Paranoid-AF/codelet/assemble"
	"github.com/Paranoid-AF/codelet/cache"
	"github.com/Paranoid-AF/codelet/generate"
	"github.com/Paranoid-AF/codelet/index"
	"github.com/Paranoid-AF/codelet/monitor"
	"github.com/Paranoid-AF/codelet/store"
)

// ConfigTag summarizes the settings that change what the model produces.
func ConfigTag(cfg *codelet.Config, promptTemplate string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%g\x00%s\x00%s",
		codelet.ResolveGenerationModel(cfg),
		cfg.Generation.MaxTokens,
		cfg.Generation.Temperature,
		strings.Join(cfg.Generation.Stop, "\x01"),
		promptTemplate,
	)
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

// FromConfig builds an Engine and its components from cfg. When mon is
// non-nil it bounds the cache, context and history budgets and receives
// their cleanup callbacks. With a cache store path, completions persist in
// badger and the acceptance history is saved on Close.
func FromConfig(cfg *codelet.Config, backend generate.Backend, mon *monitor.Monitor, logger *slog.Logger, opts ...Option) (*Engine, error) {
	return FromConfigWithStore(cfg, backend, mon, nil, logger, opts...)
}

// FromConfigWithStore is FromConfig with a cache store opened by the caller.
// A non-nil db replaces the one cache.store_path would open and is not
// closed by the engine; badger allows one open handle per directory, so
// engines that succeed each other share it.
func FromConfigWithStore(cfg *codelet.Config, backend generate.Backend, mon *monitor.Monitor, db cache.Store, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		cacheBudget, contextBudget, historyBudget func() int64
	)
	if mon != nil {
		cacheBudget = func() int64 { return mon.GetCacheAllocation().MaxCacheSize }
		contextBudget = func() int64 { return mon.GetCacheAllocation().MaxContextSize }
		historyBudget = func() int64 { return mon.GetCacheAllocation().MaxHistorySize }
	}

	var closers []func() error

	cacheOpts := []cache.Option{
		cache.WithMaxSize(cfg.Cache.MaxSizeBytes),
		cache.WithStaleAfter(cfg.StaleAfter()),
		cache.WithBudget(cacheBudget),
		cache.WithLogger(logger),
	}
	persist := db != nil || cfg.Cache.StorePath != ""
	if db == nil && persist {
		opened, err := OpenStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		db = opened
		closers = append(closers, opened.Close)
	}
	if db != nil {
		cacheOpts = append(cacheOpts, cache.WithStore(db))
	}

	var embedder *index.Embedder
	if codelet.EmbeddingEnabled(cfg) {
		embedder = index.NewEmbedder(
			codelet.ResolveEmbeddingBaseURL(cfg),
			codelet.ResolveEmbeddingAPIKey(cfg),
			codelet.ResolveEmbeddingModel(cfg),
			cfg.Embedding.Dimensions,
		)
	}
	history := index.NewHistory(
		index.WithEmbedder(embedder),
		index.WithBudget(historyBudget),
		index.WithLogger(logger),
	)
	if persist {
		path := codelet.HistoryPath()
		if err := history.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to load history", "path", path, "error", err)
		}
		// saved before the store closes
		closers = append([]func() error{func() error { return history.Save(path) }}, closers...)
		opts = append([]Option{withHistoryPath(path)}, opts...)
	}

	assembler := assemble.New(
		assemble.WithMaxConcurrency(cfg.Context.MaxConcurrency),
		assemble.WithMaxBytes(cfg.Context.MaxBytes),
		assemble.WithFileTTL(time.Duration(cfg.Context.FileTTLMinutes)*time.Minute),
		assemble.WithBudget(contextBudget),
		assemble.WithHistory(history),
		assemble.WithLogger(logger),
	)
	closers = append([]func() error{func() error { assembler.Close(); return nil }}, closers...)

	prompt := generate.LoadCustomPrompt()
	engineOpts := []Option{
		WithAdmission(admission.New(admission.WithMaxRate(cfg.Completion.MaxTypingRate))),
		WithCache(cache.New(cacheOpts...)),
		WithAssembler(assembler),
		WithHistory(history),
		WithRenderer(generate.Renderer{Template: prompt}),
		WithDebounce(cfg.DebounceMin()),
		WithAdaptiveDebounce(codelet.Enabled(cfg.Completion.AdaptiveDebounce)),
		WithInvalidateOnEdit(codelet.Enabled(cfg.Completion.InvalidateOnEdit)),
		WithStreaming(codelet.Enabled(cfg.Completion.Streaming)),
		WithConfigTag(ConfigTag(cfg, prompt)),
		WithLogger(logger),
	}
	for _, fn := range closers {
		engineOpts = append(engineOpts, withCloser(fn))
	}
	e := New(backend, append(engineOpts, opts...)...)

	if mon != nil {
		e.RegisterCleanup(mon)
	}
	return e, nil
}

// OpenStore opens the badger cache store at cfg.Cache.StorePath.
func OpenStore(cfg *codelet.Config, logger *slog.Logger) (*store.Badger, error) {
	scfg := store.DefaultConfig(cfg.Cache.StorePath)
	scfg.Logger = logger
	db, err := store.Open(scfg)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return db, nil
}

// Warm pre-loads files into the context cache.
func (e *Engine) Warm(ctx context.Context, paths []string) int {
	return e.assembler.Warm(ctx, paths)
}
