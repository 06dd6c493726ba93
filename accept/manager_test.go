package accept

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	codelet "github.com/Paranoid-AF/codelet"
)

type recorder struct {
	mu   sync.Mutex
	done []Finished
}

func (r *recorder) record(f Finished) {
	r.mu.Lock()
	r.done = append(r.done, f)
	r.mu.Unlock()
}

func (r *recorder) all() []Finished {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Finished(nil), r.done...)
}

func TestManagerAcceptToEnd(t *testing.T) {
	var rec recorder
	m := NewManager(rec.record)

	id := m.Start(Completion{URI: "a", LanguageID: "go", Prefix: "\t", Text: "x := 1\nreturn x", Anchor: pos(4, 1)})
	if id == "" {
		t.Fatal("expected a session id")
	}
	if !m.Active("a") {
		t.Fatal("session should be active")
	}

	resp, err := m.Accept("a", codelet.AcceptLine)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Edits) != 1 || resp.Edits[0].Text != "x := 1" || !resp.Active || resp.Remaining != "return x" {
		t.Errorf("line response = %+v", resp)
	}
	if len(rec.all()) != 0 {
		t.Error("no report while the session is active")
	}

	resp, err = m.Accept("a", codelet.AcceptAll)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Active || resp.Remaining != "" || resp.Edits[0].Text != "\nreturn x" {
		t.Errorf("all response = %+v", resp)
	}

	done := rec.all()
	if len(done) != 1 {
		t.Fatalf("got %d reports, want 1", len(done))
	}
	f := done[0]
	if !f.Accepted || f.Inserted != "x := 1\nreturn x" || f.ID != id || f.LanguageID != "go" || f.Prefix != "\t" {
		t.Errorf("finished = %+v", f)
	}
	if m.Active("a") {
		t.Error("session should be gone")
	}
	if _, err := m.Accept("a", codelet.AcceptWord); !errors.Is(err, ErrNoActiveCompletion) {
		t.Errorf("expected ErrNoActiveCompletion, got %v", err)
	}
}

func TestManagerReject(t *testing.T) {
	var rec recorder
	m := NewManager(rec.record)
	m.Start(Completion{URI: "a", Text: "foo()"})

	resp, err := m.Accept("a", codelet.AcceptReject)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Edits) != 0 || resp.Active {
		t.Errorf("reject response = %+v", resp)
	}
	done := rec.all()
	if len(done) != 1 || done[0].Accepted || done[0].Inserted != "" {
		t.Errorf("finished = %+v", done)
	}
}

func TestManagerPartialThenReject(t *testing.T) {
	var rec recorder
	m := NewManager(rec.record)
	m.Start(Completion{URI: "a", Text: "one two three"})
	m.Accept("a", codelet.AcceptWord)
	m.Accept("a", codelet.AcceptReject)

	done := rec.all()
	if len(done) != 1 || !done[0].Accepted || done[0].Inserted != "one " {
		t.Errorf("partially accepted session should count as accepted: %+v", done)
	}
}

func TestManagerReplace(t *testing.T) {
	var rec recorder
	m := NewManager(rec.record)

	m.Start(Completion{URI: "a", Text: "untouched"})
	m.Start(Completion{URI: "a", Text: "second line\nmore"})
	done := rec.all()
	if len(done) != 1 || done[0].Accepted || done[0].Text != "untouched" {
		t.Errorf("an untouched session is reported as not accepted: %+v", done)
	}
	if m.Remaining("a") != "second line\nmore" {
		t.Errorf("remaining = %q", m.Remaining("a"))
	}

	m.Accept("a", codelet.AcceptLine)
	m.Start(Completion{URI: "a", Text: "third"})
	done = rec.all()
	if len(done) != 2 || !done[1].Accepted || done[1].Inserted != "second line" {
		t.Errorf("replacing a partly accepted session reports it: %+v", done)
	}

	if id := m.Start(Completion{URI: "a", Text: ""}); id != "" || m.Active("a") {
		t.Error("empty completion should clear the session")
	}
}

func TestManagerUnknownMode(t *testing.T) {
	m := NewManager(nil)
	m.Start(Completion{URI: "a", Text: "x"})
	if _, err := m.Accept("a", "sideways"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if !m.Active("a") {
		t.Error("unknown mode must not end the session")
	}
	m.Drop("a")
	if m.Active("a") {
		t.Error("Drop should remove the session")
	}
}

func TestManagerConcurrentDocuments(t *testing.T) {
	var rec recorder
	m := NewManager(rec.record)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			uri := fmt.Sprintf("doc-%d", i)
			m.Start(Completion{URI: uri, Text: "a b\nc"})
			for m.Active(uri) {
				if _, err := m.Accept(uri, codelet.AcceptWord); err != nil {
					t.Errorf("%s: %v", uri, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	done := rec.all()
	if len(done) != 20 {
		t.Fatalf("got %d reports, want 20", len(done))
	}
	for _, f := range done {
		if f.Inserted != "a b\nc" {
			t.Errorf("%s inserted %q", f.URI, f.Inserted)
		}
	}
}
