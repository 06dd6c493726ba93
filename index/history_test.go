package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestRecordAndRecent(t *testing.T) {
	h := NewHistory(WithClock(fixedClock()))
	ctx := context.Background()
	for _, text := range []string{"a()", "b()", "c()"} {
		h.Record(ctx, Entry{Document: "file:///x.go", LanguageID: "go", Text: text})
	}

	got := texts(h.Recent(2))
	if strings.Join(got, ",") != "b(),c()" {
		t.Errorf("Recent(2) = %v, want [b() c()]", got)
	}
	if n := len(h.Recent(10)); n != 3 {
		t.Errorf("Recent(10) returned %d entries, want 3", n)
	}
	if h.Recent(0) != nil {
		t.Error("Recent(0) should be nil")
	}
}

func TestRecordDuplicateMovesToEnd(t *testing.T) {
	h := NewHistory()
	ctx := context.Background()
	h.Record(ctx, Entry{Document: "d", Text: "one"})
	h.Record(ctx, Entry{Document: "d", Text: "two"})
	h.Record(ctx, Entry{Document: "d", Text: "one"})

	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}
	if got := strings.Join(texts(h.Recent(2)), ","); got != "two,one" {
		t.Errorf("Recent = %s, want two,one", got)
	}
}

func TestRecordSkipsEmptyText(t *testing.T) {
	h := NewHistory()
	h.Record(context.Background(), Entry{Document: "d"})
	if h.Len() != 0 {
		t.Errorf("empty entry should not be recorded")
	}
}

func TestRecordRedacts(t *testing.T) {
	h := NewHistory()
	h.Record(context.Background(), Entry{Document: "d", LanguageID: "typescript", Text: `const token = "abc";`})
	got := h.Recent(1)[0].Text
	if got != `const token = "***";` {
		t.Errorf("recorded text = %q, want redacted", got)
	}
}

func TestBudgetDropsOldest(t *testing.T) {
	one := Entry{ID: entryID("d", "xxxx"), Document: "d", Text: "xxxx"}.size()
	var budget atomic.Int64
	budget.Store(2 * one)
	h := NewHistory(WithBudget(budget.Load))
	ctx := context.Background()

	for _, text := range []string{"aaaa", "bbbb", "cccc"} {
		h.Record(ctx, Entry{Document: "d", Text: text})
	}
	if got := strings.Join(texts(h.Recent(10)), ","); got != "bbbb,cccc" {
		t.Errorf("after overflow: %s, want bbbb,cccc", got)
	}
	if h.Size() > 2*one {
		t.Errorf("Size() = %d exceeds budget %d", h.Size(), 2*one)
	}

	budget.Store(one)
	if dropped := h.Trim(); dropped != 1 {
		t.Errorf("Trim() = %d, want 1", dropped)
	}
	if got := strings.Join(texts(h.Recent(10)), ","); got != "cccc" {
		t.Errorf("after Trim: %s, want cccc", got)
	}
}

func TestZeroBudgetIsUnbounded(t *testing.T) {
	h := NewHistory(WithBudget(func() int64 { return 0 }))
	for i := 0; i < 50; i++ {
		h.Record(context.Background(), Entry{Document: "d", Text: strings.Repeat("x", i+1)})
	}
	if h.Len() != 50 {
		t.Errorf("Len() = %d, want 50", h.Len())
	}
}

func TestRecentForLanguage(t *testing.T) {
	h := NewHistory()
	ctx := context.Background()
	h.Record(ctx, Entry{Document: "a.go", LanguageID: "go", Text: "g1"})
	h.Record(ctx, Entry{Document: "a.py", LanguageID: "python", Text: "p1"})
	h.Record(ctx, Entry{Document: "b.go", LanguageID: "go", Text: "g2"})
	h.Record(ctx, Entry{Document: "c.go", LanguageID: "go", Text: "g3"})

	if got := strings.Join(texts(h.RecentForLanguage("go", 2)), ","); got != "g2,g3" {
		t.Errorf("RecentForLanguage(go, 2) = %s, want g2,g3", got)
	}
	if got := h.RecentForLanguage("rust", 5); len(got) != 0 {
		t.Errorf("RecentForLanguage(rust) = %v, want empty", got)
	}
}

func TestSearchRelevantWithoutEmbedder(t *testing.T) {
	h := NewHistory()
	h.Record(context.Background(), Entry{Document: "d", Text: "x"})
	got, err := h.SearchRelevant(context.Background(), "x", 3)
	if err != nil || got != nil {
		t.Errorf("SearchRelevant without embedder = %v, %v; want nil, nil", got, err)
	}
	if h.SemanticEnabled() {
		t.Error("SemanticEnabled() should be false")
	}
}

// keywordVector maps text onto a tiny space so neighbours are predictable.
func keywordVector(text string) []float32 {
	v := []float32{0.05, 0.05, 0.05}
	if strings.Contains(text, "sort") {
		v[0] = 1
	}
	if strings.Contains(text, "http") {
		v[1] = 1
	}
	if strings.Contains(text, "json") {
		v[2] = 1
	}
	return v
}

func newEmbeddingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": keywordVector(in)}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchRelevantSemantic(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingServer(t, &calls)
	h := NewHistory(WithEmbedder(NewEmbedder(srv.URL+"/v1", "test-key", "test-embed", 3)))
	ctx := context.Background()

	h.Record(ctx, Entry{Document: "a.go", Text: "sort.Slice(items, less)"})
	h.Record(ctx, Entry{Document: "b.go", Text: "http.Get(url)"})
	h.Record(ctx, Entry{Document: "c.go", Text: "json.Marshal(v)"})

	got, err := h.SearchRelevant(ctx, "sort the results", 1)
	if err != nil {
		t.Fatalf("SearchRelevant error: %v", err)
	}
	if len(got) != 1 || got[0].Document != "a.go" {
		t.Errorf("SearchRelevant = %v, want the sort entry", got)
	}
	if calls.Load() != 4 {
		t.Errorf("embedding calls = %d, want 4", calls.Load())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	ctx := context.Background()

	h := NewHistory()
	h.Record(ctx, Entry{Document: "a.go", LanguageID: "go", Prefix: "return ", Text: "nil"})
	h.Record(ctx, Entry{Document: "b.go", LanguageID: "go", Text: "err"})
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewHistory()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(texts(loaded.Recent(10)), ","); got != "nil,err" {
		t.Errorf("loaded entries = %s, want nil,err", got)
	}
	if loaded.Recent(10)[0].Prefix != "return " {
		t.Errorf("prefix not preserved")
	}
	if loaded.Size() != h.Size() {
		t.Errorf("loaded size %d != saved size %d", loaded.Size(), h.Size())
	}
}

func TestLoadMissingFile(t *testing.T) {
	h := NewHistory()
	if err := h.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadKeepsVectorsForSameModel(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingServer(t, &calls)
	path := filepath.Join(t.TempDir(), "history.json")
	ctx := context.Background()

	h := NewHistory(WithEmbedder(NewEmbedder(srv.URL+"/v1", "k", "test-embed", 3)))
	h.Record(ctx, Entry{Document: "a.go", Text: "http.Get(url)"})
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	same := NewHistory(WithEmbedder(NewEmbedder(srv.URL+"/v1", "k", "test-embed", 3)))
	if err := same.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := same.SearchRelevant(ctx, "http", 1)
	if err != nil || len(got) != 1 {
		t.Errorf("same model search = %v, %v; want one hit", got, err)
	}

	other := NewHistory(WithEmbedder(NewEmbedder(srv.URL+"/v1", "k", "other-embed", 3)))
	if err := other.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err = other.SearchRelevant(ctx, "http", 1)
	if err != nil || len(got) != 0 {
		t.Errorf("other model search = %v, %v; want no hits", got, err)
	}
	if other.Len() != 1 {
		t.Errorf("entries should survive a model change, Len() = %d", other.Len())
	}
}
