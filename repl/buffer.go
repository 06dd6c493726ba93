package main

import (
	"strings"
	"unicode/utf8"

	codelet "github.com/Paranoid-AF/codelet"
)

// Buffer is the document being edited in the REPL, with a cursor.
type Buffer struct {
	lines  []string
	cursor codelet.Position
}

// NewBuffer holds text with the cursor at its end.
func NewBuffer(text string) *Buffer {
	b := &Buffer{lines: strings.Split(text, "\n")}
	last := len(b.lines) - 1
	b.cursor = codelet.Position{Line: last, Column: utf8.RuneCountInString(b.lines[last])}
	return b
}

func (b *Buffer) Text() string { return strings.Join(b.lines, "\n") }

func (b *Buffer) Cursor() codelet.Position { return b.cursor }

// Current returns the cursor line and column.
func (b *Buffer) Current() (string, int) {
	return b.lines[b.cursor.Line], b.cursor.Column
}

// SetCurrent replaces the cursor line after it was edited.
func (b *Buffer) SetCurrent(line string, col int) {
	b.lines[b.cursor.Line] = line
	b.cursor.Column = min(col, utf8.RuneCountInString(line))
}

// Break splits the cursor line at the cursor and moves to the new line.
func (b *Buffer) Break() {
	line := b.lines[b.cursor.Line]
	off := byteOffset([]byte(line), b.cursor.Column)
	rest := append([]string{line[:off], line[off:]}, b.lines[b.cursor.Line+1:]...)
	b.lines = append(b.lines[:b.cursor.Line], rest...)
	b.cursor = codelet.Position{Line: b.cursor.Line + 1}
}

// Apply inserts an accepted edit and leaves the cursor after it.
func (b *Buffer) Apply(edit codelet.Edit) bool {
	doc := codelet.Document{Text: b.Text()}
	off, ok := doc.Offset(edit.Position)
	if !ok {
		return false
	}
	b.lines = strings.Split(doc.Text[:off]+edit.Text+doc.Text[off:], "\n")

	end := edit.Position
	if i := strings.LastIndexByte(edit.Text, '\n'); i >= 0 {
		end.Line += strings.Count(edit.Text, "\n")
		end.Column = utf8.RuneCountInString(edit.Text[i+1:])
	} else {
		end.Column += utf8.RuneCountInString(edit.Text)
	}
	b.cursor = end
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var languages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".tsx":  "typescriptreact",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".rb":   "ruby",
	".sh":   "shellscript",
}

// languageFor maps a file extension to an editor language identifier.
func languageFor(ext string) string {
	if id, ok := languages[strings.ToLower(ext)]; ok {
		return id
	}
	return "plaintext"
}
