package main

import (
	"log/slog"
	"sync"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/complete"
	"github.com/Paranoid-AF/codelet/store"
)

// storePool keeps one badger handle per directory for as long as a service
// uses it. Badger locks its directory, so a reloaded service must reuse the
// handle of the service it replaces.
type storePool struct {
	mu   sync.Mutex
	open map[string]*pooledStore
}

type pooledStore struct {
	db   *store.Badger
	refs int
}

func newStorePool() *storePool {
	return &storePool{open: make(map[string]*pooledStore)}
}

// acquire returns the store for cfg.Cache.StorePath, opening it on first use.
// It returns nil when persistence is disabled.
func (p *storePool) acquire(cfg *codelet.Config) (*store.Badger, error) {
	path := cfg.Cache.StorePath
	if path == "" {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.open[path]; ok {
		ps.refs++
		return ps.db, nil
	}
	db, err := complete.OpenStore(cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	p.open[path] = &pooledStore{db: db, refs: 1}
	return db, nil
}

// release drops one reference to the store at path and closes it with the
// last one.
func (p *storePool) release(path string) {
	if path == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.open[path]
	if !ok {
		return
	}
	if ps.refs--; ps.refs > 0 {
		return
	}
	delete(p.open, path)
	if err := ps.db.Close(); err != nil {
		slog.Error("failed to close cache store", "path", path, "error", err)
	}
}
