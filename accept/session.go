// Package accept lets a delivered completion be consumed piecewise: a line
// or a word at a time, all at once, or not at all.
package accept

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	codelet "github.com/Paranoid-AF/codelet"
)

// ErrNoActiveCompletion is returned by accept operations without an active session.
var ErrNoActiveCompletion = errors.New("no active completion")

// Session is the acceptance state of one completion. The zero value is
// inactive. A Session is not safe for concurrent use; Manager serializes
// access to the sessions it owns.
type Session struct {
	id       string
	document string
	text     string
	anchor   codelet.Position

	// offset indexes the unconsumed remainder of text.
	offset int
	// insert is where the next insertion goes.
	insert codelet.Position
	// pendingBreak is a line break consumed by AcceptNextLine but not yet
	// inserted; it leads the next insertion.
	pendingBreak string
	inserted     strings.Builder
	active       bool
}

// Initialize starts a session for text anchored at anchor in document,
// replacing whatever the session held before. Empty text leaves it inactive.
func (s *Session) Initialize(text string, anchor codelet.Position, document string) {
	s.id = uuid.NewString()
	s.document = document
	s.text = text
	s.anchor = anchor
	s.offset = 0
	s.insert = anchor
	s.pendingBreak = ""
	s.inserted.Reset()
	s.active = text != ""
}

// ID identifies the current completion.
func (s *Session) ID() string { return s.id }

// Document returns the document the session belongs to.
func (s *Session) Document() string { return s.document }

// Anchor returns where the completion was first inserted.
func (s *Session) Anchor() codelet.Position { return s.anchor }

// HasActiveCompletion reports whether anything can still be accepted.
func (s *Session) HasActiveCompletion() bool { return s.active }

// RemainingText returns the unconsumed part of the completion.
func (s *Session) RemainingText() string {
	if !s.active {
		return ""
	}
	return s.text[s.offset:]
}

// Inserted returns everything inserted so far.
func (s *Session) Inserted() string { return s.inserted.String() }

// AcceptNextLine inserts the first remaining line without its line break
// and reports whether more remains. The break is inserted in front of the
// next insertion, or with the last line when nothing follows it.
func (s *Session) AcceptNextLine() (codelet.Edit, bool, error) {
	if !s.active {
		return codelet.Edit{}, false, ErrNoActiveCompletion
	}
	rem := s.text[s.offset:]
	line, brk := rem, ""
	if i := strings.IndexByte(rem, '\n'); i >= 0 {
		line, brk = rem[:i], "\n"
		if strings.HasSuffix(line, "\r") {
			line, brk = line[:len(line)-1], "\r\n"
		}
	}
	s.offset += len(line) + len(brk)

	text := s.pendingBreak + line
	s.pendingBreak = brk
	if s.offset >= len(s.text) {
		text += brk
		s.pendingBreak = ""
	}
	edit := s.emit(text)
	return edit, s.active, nil
}

// AcceptNextWord inserts the leading whitespace, the next
// whitespace-delimited token and the whitespace that follows it, and
// reports whether more remains.
func (s *Session) AcceptNextWord() (codelet.Edit, bool, error) {
	if !s.active {
		return codelet.Edit{}, false, ErrNoActiveCompletion
	}
	rem := s.text[s.offset:]
	n := skip(rem, 0, unicode.IsSpace)
	n = skip(rem, n, func(r rune) bool { return !unicode.IsSpace(r) })
	n = skip(rem, n, unicode.IsSpace)
	s.offset += n

	text := s.pendingBreak + rem[:n]
	s.pendingBreak = ""
	edit := s.emit(text)
	return edit, s.active, nil
}

// AcceptAll inserts the whole remainder and ends the session.
func (s *Session) AcceptAll() (codelet.Edit, error) {
	if !s.active {
		return codelet.Edit{}, ErrNoActiveCompletion
	}
	text := s.pendingBreak + s.text[s.offset:]
	s.offset = len(s.text)
	s.pendingBreak = ""
	return s.emit(text), nil
}

// Reject discards the remainder without inserting anything.
func (s *Session) Reject() error {
	if !s.active {
		return ErrNoActiveCompletion
	}
	s.active = false
	s.pendingBreak = ""
	return nil
}

// emit records an insertion at the current point and moves the point past it.
func (s *Session) emit(text string) codelet.Edit {
	edit := codelet.Edit{Position: s.insert, Text: text}
	s.insert = advance(s.insert, text)
	s.inserted.WriteString(text)
	if s.offset >= len(s.text) {
		s.active = false
	}
	return edit
}

func skip(s string, i int, keep func(rune) bool) int {
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !keep(r) {
			break
		}
		i += size
	}
	return i
}

// advance returns the position after inserting text at pos.
func advance(pos codelet.Position, text string) codelet.Position {
	for _, r := range text {
		switch r {
		case '\n':
			pos.Line++
			pos.Column = 0
		case '\r':
		default:
			pos.Column++
		}
	}
	return pos
}
