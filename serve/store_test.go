package main

import (
	"testing"

	codelet "github.com/Paranoid-AF/codelet"
)

func TestStorePoolSharesHandle(t *testing.T) {
	cfg := codelet.DefaultConfig()
	cfg.Cache.StorePath = t.TempDir()
	pool := newStorePool()

	a, err := pool.acquire(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.acquire(cfg)
	if err != nil {
		t.Fatalf("second acquire of a locked directory: %v", err)
	}
	if a != b {
		t.Error("expected the same handle for one directory")
	}

	pool.release(cfg.Cache.StorePath)
	if _, ok := pool.open[cfg.Cache.StorePath]; !ok {
		t.Fatal("store closed while still referenced")
	}
	pool.release(cfg.Cache.StorePath)
	if _, ok := pool.open[cfg.Cache.StorePath]; ok {
		t.Fatal("store should close with its last reference")
	}

	// the directory lock is gone once closed
	c, err := pool.acquire(cfg)
	if err != nil {
		t.Fatalf("reopen after release: %v", err)
	}
	if c == a {
		t.Error("expected a fresh handle after the store closed")
	}
	pool.release(cfg.Cache.StorePath)
}

func TestStorePoolWithoutPath(t *testing.T) {
	pool := newStorePool()
	db, err := pool.acquire(codelet.DefaultConfig())
	if err != nil || db != nil {
		t.Fatalf("expected no store without a path, got %v, %v", db, err)
	}
	pool.release("")
}
