// Package assemble gathers the context sent along with a completion request:
// the text around the cursor, a syntax-light outline of the document, related
// files, the project manifest and previously accepted completions.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/index"
)

const (
	DefaultMaxBytes       = 8192
	DefaultMaxConcurrency = 5
	DefaultFileTTL        = 10 * time.Minute

	maxFileBytes   = 256 << 10
	maxCachedFiles = 512
	manifestTTL    = time.Hour
	relatedLimit   = 3
)

// FileSnippet is the (possibly truncated) content of a related file.
type FileSnippet struct {
	Path    string
	Content string
}

// Context is everything gathered for one request. Its Size never exceeds the
// limit in force when it was gathered.
type Context struct {
	URI      string
	Language string
	Prefix   string
	Suffix   string
	Imports  []string
	Symbols  []string
	Manifest map[string]string
	Related  []string
	Files    []FileSnippet
}

// Size returns the number of bytes of gathered text.
func (c *Context) Size() int {
	n := len(c.Prefix) + len(c.Suffix)
	for _, s := range c.Imports {
		n += len(s)
	}
	for _, s := range c.Symbols {
		n += len(s)
	}
	for k, v := range c.Manifest {
		n += len(k) + len(v)
	}
	for _, s := range c.Related {
		n += len(s)
	}
	for _, f := range c.Files {
		n += len(f.Path) + len(f.Content)
	}
	return n
}

// Assembler is safe for concurrent use.
type Assembler struct {
	files     *ttlcache.Cache[string, string]
	manifests *ttlcache.Cache[string, map[string]string]

	history        *index.History
	maxConcurrency int
	maxBytes       int
	budget         func() int64
	fileTTL        time.Duration
	logger         *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxConcurrency bounds parallel file loads.
func WithMaxConcurrency(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxConcurrency = n
		}
	}
}

// WithMaxBytes bounds the size of a gathered Context.
func WithMaxBytes(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxBytes = n
		}
	}
}

// WithBudget supplies a dynamic byte bound, typically the resource monitor's
// context allocation. The smaller of this and WithMaxBytes applies.
func WithBudget(fn func() int64) Option {
	return func(a *Assembler) { a.budget = fn }
}

// WithHistory adds previously accepted completions to gathered contexts.
func WithHistory(h *index.History) Option {
	return func(a *Assembler) { a.history = h }
}

// WithFileTTL sets how long loaded file contents are reused.
func WithFileTTL(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.fileTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// New creates an Assembler and starts its cache expiration loops.
// Call Close to stop them.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		maxConcurrency: DefaultMaxConcurrency,
		maxBytes:       DefaultMaxBytes,
		fileTTL:        DefaultFileTTL,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.files = ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](a.fileTTL),
		ttlcache.WithCapacity[string, string](maxCachedFiles),
	)
	a.manifests = ttlcache.New[string, map[string]string](
		ttlcache.WithTTL[string, map[string]string](manifestTTL),
		ttlcache.WithDisableTouchOnHit[string, map[string]string](),
	)
	go a.files.Start()
	go a.manifests.Start()
	return a
}

// Close stops the cache expiration loops.
func (a *Assembler) Close() {
	a.files.Stop()
	a.manifests.Stop()
}

// Purge drops all cached file contents and manifests.
func (a *Assembler) Purge() {
	a.files.DeleteAll()
	a.manifests.DeleteAll()
}

// CachedFiles returns the number of file contents currently cached.
func (a *Assembler) CachedFiles() int {
	return a.files.Len()
}

// Limit returns the byte bound currently in force.
func (a *Assembler) Limit() int {
	limit := a.maxBytes
	if a.budget != nil {
		if b := a.budget(); b >= 0 && b < int64(limit) {
			limit = int(b)
		}
	}
	return limit
}

// LoadFiles loads the given paths with bounded concurrency, reusing cached
// contents. Paths that fail to load are dropped, so the result has at most
// len(paths) entries, in the order given.
func (a *Assembler) LoadFiles(ctx context.Context, paths []string) []FileSnippet {
	tasks := make([]Task[FileSnippet], len(paths))
	for i, p := range paths {
		p := p
		tasks[i] = func(ctx context.Context) (FileSnippet, error) {
			content, err := a.loadFile(ctx, p)
			return FileSnippet{Path: p, Content: content}, err
		}
	}

	results := RunBounded(ctx, tasks, a.maxConcurrency)
	out := make([]FileSnippet, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			if !errors.Is(r.Err, context.Canceled) {
				a.logger.Debug("context file skipped", "path", paths[i], "error", r.Err)
			}
			continue
		}
		out = append(out, r.Value)
	}
	return out
}

// Warm pre-loads files into the content cache and returns how many loaded.
func (a *Assembler) Warm(ctx context.Context, paths []string) int {
	n := len(a.LoadFiles(ctx, paths))
	a.logger.Debug("warmed context files", "requested", len(paths), "loaded", n)
	return n
}

func (a *Assembler) loadFile(ctx context.Context, path string) (string, error) {
	if item := a.files.Get(path); item != nil {
		return item.Value(), nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes))
	if err != nil {
		return "", err
	}

	content := string(data)
	a.files.Set(path, content, ttlcache.DefaultTTL)
	return content, nil
}

// GatherContext assembles the context for a request. Parts are added in
// priority order (prefix, suffix, imports, symbols, manifest, related
// completions, related files) until the byte bound is used up. The only
// error is ctx's, when the request was cancelled during gathering.
func (a *Assembler) GatherContext(ctx context.Context, doc codelet.Document, pos codelet.Position, files []string) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := a.Limit()
	c := &Context{URI: doc.URI, Language: doc.LanguageID}

	off, ok := doc.Offset(pos)
	if !ok {
		off = len(doc.Text)
	}
	c.Prefix = tailRunes(doc.Text[:off], limit/2)
	remaining := limit - len(c.Prefix)
	c.Suffix = cutRunes(doc.Text[off:], min(limit/4, remaining))
	remaining -= len(c.Suffix)

	outline := Extract(doc.Text, doc.LanguageID)
	c.Imports, remaining = fitList(outline.Imports, remaining)
	c.Symbols, remaining = fitList(outline.Symbols, remaining)

	docPath := documentPath(doc.URI)
	if docPath != "" && remaining > 0 {
		manifest := a.manifest(filepath.Dir(docPath))
		for _, k := range sortedKeys(manifest) {
			v := manifest[k]
			if len(k)+len(v) > remaining {
				continue
			}
			if c.Manifest == nil {
				c.Manifest = make(map[string]string)
			}
			c.Manifest[k] = v
			remaining -= len(k) + len(v)
		}
	}

	if a.history != nil && remaining > 0 {
		line, _ := doc.LineAt(pos.Line)
		c.Related, remaining = fitList(a.related(ctx, doc.LanguageID, line), remaining)
	}

	var paths []string
	for _, p := range files {
		if p != docPath {
			paths = append(paths, p)
		}
	}
	if len(paths) > 0 && remaining > 0 {
		loaded := a.LoadFiles(ctx, paths)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(loaded) > 0 {
			share := remaining / len(loaded)
			for _, f := range loaded {
				room := share - len(f.Path)
				if room <= 0 {
					continue
				}
				c.Files = append(c.Files, FileSnippet{Path: f.Path, Content: truncate(f.Content, room)})
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *Assembler) manifest(dir string) map[string]string {
	if item := a.manifests.Get(dir); item != nil {
		return item.Value()
	}
	m := findManifests(dir)
	a.manifests.Set(dir, m, ttlcache.DefaultTTL)
	return m
}

func (a *Assembler) related(ctx context.Context, languageID, line string) []string {
	var entries []index.Entry
	if a.history.SemanticEnabled() && strings.TrimSpace(line) != "" {
		found, err := a.history.SearchRelevant(ctx, line, relatedLimit)
		if err != nil {
			a.logger.Debug("history search failed", "error", err)
		}
		entries = found
	}
	if len(entries) == 0 {
		entries = a.history.RecentForLanguage(languageID, relatedLimit)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

// fitList keeps items, in order, while they fit in budget.
func fitList(items []string, budget int) ([]string, int) {
	var out []string
	for _, s := range items {
		if len(s) > budget {
			break
		}
		out = append(out, s)
		budget -= len(s)
	}
	return out, budget
}

// documentPath maps a document URI to a filesystem path, or "" for
// untitled buffers and non-file schemes.
func documentPath(uri string) string {
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return ""
		}
		return filepath.FromSlash(u.Path)
	}
	if filepath.IsAbs(uri) {
		return uri
	}
	return ""
}
