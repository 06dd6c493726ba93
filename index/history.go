// Package index keeps a bounded history of accepted completions and, when an
// embedding API is configured, a semantic index over it.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// entryOverhead approximates per-entry bookkeeping in bytes.
const entryOverhead = 96

// Entry is one accepted completion. Prefix is the line text before the
// insertion point.
type Entry struct {
	ID         string    `json:"id"`
	Document   string    `json:"document"`
	LanguageID string    `json:"language_id,omitempty"`
	Prefix     string    `json:"prefix,omitempty"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
}

func (e Entry) size() int64 {
	return int64(len(e.ID)+len(e.Document)+len(e.LanguageID)+len(e.Prefix)+len(e.Text)) + entryOverhead
}

// query is the text embedded for an entry.
func (e Entry) query() string {
	return e.Prefix + e.Text
}

func entryID(document, text string) string {
	h := sha256.Sum256([]byte(document + "\x00" + text))
	return fmt.Sprintf("%x", h[:16])
}

// History is safe for concurrent use. Entries are kept oldest first; when the
// byte budget is exceeded the oldest entries go first.
type History struct {
	embedder *Embedder
	budget   func() int64
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	entries []Entry
	size    int64
	graph   *hnsw.Graph[string] // keyed by Entry.ID
}

// Option configures a History.
type Option func(*History)

// WithEmbedder enables semantic search. Nil leaves it disabled.
func WithEmbedder(e *Embedder) Option {
	return func(h *History) { h.embedder = e }
}

// WithBudget bounds the history in bytes, typically the resource monitor's
// history allocation. A negative or zero budget leaves the history unbounded.
func WithBudget(fn func() int64) Option {
	return func(h *History) { h.budget = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *History) { h.logger = l }
}

// NewHistory creates an empty history.
func NewHistory(opts ...Option) *History {
	h := &History{
		now:    time.Now,
		logger: slog.Default(),
		graph:  hnsw.NewGraph[string](),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SemanticEnabled reports whether an embedder is configured.
func (h *History) SemanticEnabled() bool {
	return h.embedder != nil
}

// EmbeddingModel returns the model name used by the embedder, or empty if disabled.
func (h *History) EmbeddingModel() string {
	if h.embedder == nil {
		return ""
	}
	return h.embedder.Model()
}

// Record adds an accepted completion. Text is redacted before it is stored.
// Recording the same text for the same document again moves it to the end.
// Embedding failures are logged; the entry is still kept for Recent.
func (h *History) Record(ctx context.Context, e Entry) {
	e.Text = RedactSnippet(e.Text, e.LanguageID)
	e.Prefix = RedactSnippet(e.Prefix, e.LanguageID)
	if e.Text == "" {
		return
	}
	e.ID = entryID(e.Document, e.Text)
	if e.At.IsZero() {
		e.At = h.now()
	}

	h.mu.Lock()
	h.removeLocked(e.ID)
	h.entries = append(h.entries, e)
	h.size += e.size()
	h.trimLocked(h.currentBudget())
	_, kept := h.findLocked(e.ID)
	h.mu.Unlock()

	if !kept || h.embedder == nil {
		return
	}

	vec, err := h.embedder.Embed(ctx, e.query())
	if err != nil {
		h.logger.Warn("history embed error", "document", e.Document, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.findLocked(e.ID); ok {
		h.graph.Add(hnsw.MakeNode(e.ID, vec))
	}
}

// Recent returns up to n entries, oldest first, most recent last.
func (h *History) Recent(n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || len(h.entries) == 0 {
		return nil
	}
	start := len(h.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]Entry, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

// RecentForLanguage returns up to n of the most recent entries whose language
// matches, most recent last.
func (h *History) RecentForLanguage(languageID string, n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Entry
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		if h.entries[i].LanguageID == languageID {
			out = append(out, h.entries[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SearchRelevant embeds the query and returns the topK most similar entries.
// Without an embedder it returns nil.
func (h *History) SearchRelevant(ctx context.Context, query string, topK int) ([]Entry, error) {
	if h.embedder == nil || topK <= 0 {
		return nil, nil
	}

	vec, err := h.embedder.Embed(ctx, RedactSnippet(query, ""))
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph.Len() == 0 {
		return nil, nil
	}
	neighbors := h.graph.Search(vec, topK)
	out := make([]Entry, 0, len(neighbors))
	for _, n := range neighbors {
		if e, ok := h.findLocked(n.Key); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Size returns the estimated size of all entries in bytes.
func (h *History) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Trim drops the oldest entries until the history fits its budget and
// returns how many were dropped. Registered as a memory pressure callback.
func (h *History) Trim() int {
	budget := h.currentBudget()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trimLocked(budget)
}

func (h *History) currentBudget() int64 {
	if h.budget == nil {
		return -1
	}
	if b := h.budget(); b > 0 {
		return b
	}
	return -1
}

func (h *History) trimLocked(budget int64) int {
	if budget < 0 {
		return 0
	}
	dropped := 0
	for h.size > budget && len(h.entries) > 0 {
		old := h.entries[0]
		h.entries[0] = Entry{}
		h.entries = h.entries[1:]
		h.size -= old.size()
		h.graph.Delete(old.ID)
		dropped++
	}
	return dropped
}

func (h *History) findLocked(id string) (Entry, bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].ID == id {
			return h.entries[i], true
		}
	}
	return Entry{}, false
}

func (h *History) removeLocked(id string) {
	for i, e := range h.entries {
		if e.ID == id {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			h.size -= e.size()
			h.graph.Delete(id)
			return
		}
	}
}

type historyFile struct {
	Model   string      `json:"model"`
	Entries []fileEntry `json:"entries"`
}

type fileEntry struct {
	Entry
	Embedding []float32 `json:"embedding,omitempty"`
}

// Save writes entries and their embeddings to path as JSON.
func (h *History) Save(path string) error {
	h.mu.RLock()
	entries := make([]fileEntry, 0, len(h.entries))
	for _, e := range h.entries {
		fe := fileEntry{Entry: e}
		if vec, ok := h.graph.Lookup(e.ID); ok {
			fe.Embedding = vec
		}
		entries = append(entries, fe)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(historyFile{Model: h.EmbeddingModel(), Entries: entries})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load restores entries saved by Save. Embeddings made with a different model
// than the current embedder are discarded; the entries are kept.
func (h *History) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var hf historyFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	useVectors := h.embedder != nil && hf.Model == h.EmbeddingModel()

	budget := h.currentBudget()
	h.mu.Lock()
	defer h.mu.Unlock()

	var nodes []hnsw.Node[string]
	for _, fe := range hf.Entries {
		if fe.ID == "" || fe.Text == "" {
			continue
		}
		h.removeLocked(fe.ID)
		h.entries = append(h.entries, fe.Entry)
		h.size += fe.Entry.size()
		if useVectors && len(fe.Embedding) > 0 {
			nodes = append(nodes, hnsw.MakeNode(fe.ID, fe.Embedding))
		}
	}
	if len(nodes) > 0 {
		h.graph.Add(nodes...)
	}
	h.trimLocked(budget)
	return nil
}
