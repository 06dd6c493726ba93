package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/assemble"
	"github.com/Paranoid-AF/codelet/complete"
)

// termWriter wraps a file and converts \n to \r\n when the file is a terminal
// (needed because raw mode disables the kernel's NL→CRNL translation).
// When the file is redirected, \n passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

type requestEntry struct {
	Timestamp time.Time `toml:"timestamp"`
	URI       string    `toml:"uri"`
	Language  string    `toml:"language"`
	Line      int       `toml:"line"`
	Column    int       `toml:"column"`
	Prefix    string    `toml:"line_prefix"`
}

type contextEntry struct {
	Imports  []string          `toml:"imports,omitempty"`
	Symbols  []string          `toml:"symbols,omitempty"`
	Related  []string          `toml:"related,omitempty"`
	Files    []string          `toml:"files,omitempty"`
	Manifest map[string]string `toml:"manifest,omitempty"`
	Bytes    int               `toml:"bytes"`
}

type completionEntry struct {
	State     string `toml:"state"`
	Text      string `toml:"text,omitempty"`
	Source    string `toml:"source,omitempty"`
	LatencyMs int64  `toml:"latency_ms"`
	Tokens    int    `toml:"tokens"`
}

type errorEntry struct {
	Message string `toml:"message"`
}

type acceptEntry struct {
	Mode      string `toml:"mode"`
	Inserted  string `toml:"inserted"`
	Remaining string `toml:"remaining"`
	Active    bool   `toml:"active"`
}

type entry struct {
	Request    requestEntry     `toml:"request"`
	Context    *contextEntry    `toml:"context,omitempty"`
	Completion *completionEntry `toml:"completion,omitempty"`
	Error      *errorEntry      `toml:"error,omitempty"`
	Accept     *acceptEntry     `toml:"accept,omitempty"`
}

func newEntry(doc codelet.Document, pos codelet.Position) *entry {
	return &entry{Request: requestEntry{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		URI:       doc.URI,
		Language:  doc.LanguageID,
		Line:      pos.Line,
		Column:    pos.Column,
		Prefix:    doc.LinePrefix(pos),
	}}
}

func (e *entry) setContext(c *assemble.Context) {
	if c == nil {
		return
	}
	ce := &contextEntry{
		Imports:  c.Imports,
		Symbols:  c.Symbols,
		Related:  c.Related,
		Manifest: c.Manifest,
		Bytes:    c.Size(),
	}
	for _, f := range c.Files {
		ce.Files = append(ce.Files, f.Path)
	}
	e.Context = ce
}

func (e *entry) setOutcome(out complete.Outcome) {
	e.Completion = &completionEntry{
		State:     out.State.String(),
		Text:      out.Result.Text,
		Source:    string(out.Result.Source),
		LatencyMs: out.Result.Latency.Milliseconds(),
		Tokens:    out.Result.Tokens,
	}
	if out.Err != nil {
		e.Error = &errorEntry{Message: out.Err.Error()}
	}
}

// writeEntry writes a single TOML document to w, separated from the previous
// one by a comment rule.
func writeEntry(w io.Writer, e *entry) error {
	fmt.Fprintf(w, "# %s\n\n", strings.Repeat("═", 60))
	if err := toml.NewEncoder(w).Encode(e); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}
