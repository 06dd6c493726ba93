// Command codelet-repl is an interactive test REPL for codelet completions.
// It edits a document one line at a time in raw terminal mode, asks for a
// completion at the cursor on Tab and writes structured TOML results to stdout.
//
// Usage:
//
//	./codelet-repl main.go             # interactive, TOML on screen
//	./codelet-repl main.go > log.toml  # prompt on screen, TOML to file
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/accept"
	"github.com/Paranoid-AF/codelet/complete"
	"github.com/Paranoid-AF/codelet/generate"
)

const prompt = "> "

var acceptModes = map[string]codelet.AcceptMode{
	":w": codelet.AcceptWord,
	":l": codelet.AcceptLine,
	":a": codelet.AcceptAll,
	":r": codelet.AcceptReject,
}

type repl struct {
	tty     io.Writer
	out     io.Writer
	engine  *complete.Engine
	accepts *accept.Manager

	path    string
	lang    string
	version int
	buf     *Buffer
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	path := "scratch.go"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := codelet.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	gen, err := generate.FromConfig(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	engine, err := complete.FromConfig(cfg, gen, nil, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	editor, err := NewEditor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer editor.Close()

	r := &repl{
		tty:    editor.Tty(),
		out:    termWriter(os.Stdout),
		engine: engine,
	}
	r.accepts = accept.NewManager(func(f accept.Finished) {
		engine.RecordAcceptance(context.Background(), complete.Acceptance{
			URI:        f.URI,
			LanguageID: f.LanguageID,
			Prefix:     f.Prefix,
			Text:       f.Inserted,
			Accepted:   f.Accepted,
		})
	})
	if err := r.open(abs); err != nil {
		fmt.Fprintf(r.tty, "error: %v\r\n", err)
		return
	}

	fmt.Fprintf(r.tty, "\033[2J\033[H") // clear screen
	fmt.Fprintf(r.tty, "codelet repl\r\n")
	fmt.Fprintf(r.tty, "file: %s (%s)\r\n", r.path, r.lang)
	fmt.Fprintf(r.tty, "\r\nkeys: Tab complete at cursor, Enter new line\r\n")
	fmt.Fprintf(r.tty, "commands:\r\n")
	fmt.Fprintf(r.tty, "  :w :l :a :r  accept word, line, all / reject\r\n")
	fmt.Fprintf(r.tty, "  :open <path> load another file\r\n")
	fmt.Fprintf(r.tty, "  :show        print the buffer\r\n")
	fmt.Fprintf(r.tty, "  :stats       performance report\r\n")
	fmt.Fprintf(r.tty, "  :quit        exit\r\n\r\n")

	for {
		line, col := r.buf.Current()
		in, err := editor.ReadLine(prompt, line, col)
		if err == io.EOF || errors.Is(err, ErrInterrupt) {
			break
		}
		if err != nil {
			fmt.Fprintf(r.tty, "read error: %v\r\n", err)
			break
		}

		if in.Key == KeyEnter && strings.HasPrefix(strings.TrimSpace(in.Text), ":") {
			if !r.command(strings.TrimSpace(in.Text)) {
				break
			}
			if ghost := r.accepts.Remaining(r.uri()); ghost != "" {
				editor.SetGhost(ghost)
			}
			continue
		}

		r.buf.SetCurrent(in.Text, in.Column)
		r.edited()

		switch in.Key {
		case KeyEnter:
			r.buf.Break()
			r.edited()
		case KeyTab:
			if text := r.complete(); text != "" {
				editor.SetGhost(text)
			}
		}
	}
}

func (r *repl) uri() string { return "file://" + r.path }

func (r *repl) open(path string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.path != "" {
		r.engine.CloseDocument(r.uri())
		r.accepts.Drop(r.uri())
	}
	r.path = path
	r.lang = languageFor(filepath.Ext(path))
	r.version = 1
	r.buf = NewBuffer(strings.TrimSuffix(string(data), "\n"))
	r.engine.Warm(context.Background(), []string{path})
	return nil
}

func (r *repl) document() codelet.Document {
	return codelet.Document{URI: r.uri(), Version: r.version, LanguageID: r.lang, Text: r.buf.Text()}
}

// edited bumps the document version, as an editor does on every change.
func (r *repl) edited() {
	r.version++
	r.engine.NotifyEdit(r.uri(), r.version)
}

func (r *repl) complete() string {
	ctx := context.Background()
	doc, pos := r.document(), r.buf.Cursor()
	e := newEntry(doc, pos)

	if gathered, err := r.engine.Assembler().GatherContext(ctx, doc, pos, nil); err == nil {
		e.setContext(gathered)
	}

	out := r.engine.Complete(ctx, codelet.CompletionRequest{
		Document: doc,
		Position: pos,
		Trigger:  codelet.TriggerExplicit,
	}, nil)
	e.setOutcome(out)

	switch {
	case out.Err != nil:
		fmt.Fprintf(r.tty, "error [%s]: %v\r\n", out.State, out.Err)
	case out.Result.Text == "":
		fmt.Fprintf(r.tty, "(no completion, %s)\r\n", out.State)
	default:
		fmt.Fprintf(r.tty, "  [%s %dms] %s\r\n", out.Result.Source, out.Result.Latency.Milliseconds(),
			strings.ReplaceAll(out.Result.Text, "\n", "\r\n  "))
		r.accepts.Start(accept.Completion{
			URI:        doc.URI,
			LanguageID: doc.LanguageID,
			Prefix:     doc.LinePrefix(pos),
			Text:       out.Result.Text,
			Anchor:     pos,
		})
	}
	fmt.Fprintf(r.tty, "\r\n")

	if err := writeEntry(r.out, e); err != nil {
		slog.Warn("failed to write entry", "error", err)
	}
	return out.Result.Text
}

// command runs a colon command and reports whether the REPL should go on.
func (r *repl) command(text string) bool {
	name, arg, _ := strings.Cut(text, " ")
	if mode, ok := acceptModes[name]; ok {
		r.accept(mode)
		return true
	}

	switch name {
	case ":quit", ":q":
		return false
	case ":open":
		abs, err := filepath.Abs(strings.TrimSpace(arg))
		if err == nil {
			err = r.open(abs)
		}
		if err != nil {
			fmt.Fprintf(r.tty, "error: %v\r\n", err)
			return true
		}
		fmt.Fprintf(r.tty, "file: %s (%s)\r\n\r\n", r.path, r.lang)
	case ":show":
		fmt.Fprintf(r.tty, "%s\r\n\r\n", strings.ReplaceAll(r.buf.Text(), "\n", "\r\n"))
	case ":stats":
		fmt.Fprintf(r.tty, "%s\r\n", strings.ReplaceAll(r.engine.Stats().Report(), "\n", "\r\n"))
	default:
		fmt.Fprintf(r.tty, "unknown command: %s\r\n", name)
	}
	return true
}

func (r *repl) accept(mode codelet.AcceptMode) {
	resp, err := r.accepts.Accept(r.uri(), mode)
	if err != nil {
		fmt.Fprintf(r.tty, "error: %v\r\n", err)
		return
	}

	var inserted strings.Builder
	for _, edit := range resp.Edits {
		if r.buf.Apply(edit) {
			inserted.WriteString(edit.Text)
		}
	}
	if inserted.Len() > 0 {
		r.version++
	}

	doc := r.document()
	e := newEntry(doc, r.buf.Cursor())
	e.Accept = &acceptEntry{
		Mode:      string(mode),
		Inserted:  inserted.String(),
		Remaining: resp.Remaining,
		Active:    resp.Active,
	}
	if err := writeEntry(r.out, e); err != nil {
		slog.Warn("failed to write entry", "error", err)
	}
}
