package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/term"
)

// ErrInterrupt is returned when the user presses Ctrl-C.
var ErrInterrupt = errors.New("interrupted")

// Key is the keystroke that ended a ReadLine call.
type Key int

const (
	// KeyEnter commits the line.
	KeyEnter Key = iota
	// KeyTab asks for a completion at the cursor.
	KeyTab
)

// Input is what ReadLine returns: the line as edited and the rune column of
// the cursor.
type Input struct {
	Text   string
	Column int
	Key    Key
}

// Editor is a single-line editor over /dev/tty with cursor tracking.
// It reads from /dev/tty so it works even when stdout is redirected.
type Editor struct {
	tty      *os.File
	oldState *term.State
	buf      []byte
	pos      int // cursor byte offset into buf
	ghost    string
}

// NewEditor opens /dev/tty and switches to raw mode.
func NewEditor() (*Editor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return &Editor{tty: tty, oldState: old}, nil
}

// Close restores terminal state and closes the tty fd.
func (e *Editor) Close() {
	term.Restore(int(e.tty.Fd()), e.oldState)
	e.tty.Close()
}

// Tty returns the tty file for writing prompts/UI.
func (e *Editor) Tty() *os.File {
	return e.tty
}

// SetGhost shows text dimmed after the cursor until the next keystroke.
func (e *Editor) SetGhost(text string) {
	e.ghost = text
}

// ReadLine edits line starting with the cursor at rune column col.
// Returns io.EOF when the user presses Ctrl-D on an empty line.
func (e *Editor) ReadLine(prompt, line string, col int) (Input, error) {
	e.buf = append(e.buf[:0], line...)
	e.pos = byteOffset(e.buf, col)
	e.redraw(prompt)

	var esc [3]byte

	for {
		var b [1]byte
		if _, err := e.tty.Read(b[:]); err != nil {
			return Input{}, err
		}
		e.ghost = ""

		switch b[0] {
		case 3: // Ctrl-C
			fmt.Fprintf(e.tty, "\r\n")
			return Input{}, ErrInterrupt

		case 4: // Ctrl-D
			if len(e.buf) == 0 {
				fmt.Fprintf(e.tty, "\r\n")
				return Input{}, io.EOF
			}

		case 13, 10:
			fmt.Fprintf(e.tty, "\r\n")
			return e.input(KeyEnter), nil

		case 9:
			fmt.Fprintf(e.tty, "\r\n")
			return e.input(KeyTab), nil

		case 127, 8: // Backspace / Ctrl-H
			if e.pos > 0 {
				size := prevRuneLen(e.buf, e.pos)
				e.buf = append(e.buf[:e.pos-size], e.buf[e.pos:]...)
				e.pos -= size
			}

		case 1: // Ctrl-A
			e.pos = 0

		case 5: // Ctrl-E
			e.pos = len(e.buf)

		case 21: // Ctrl-U
			e.buf = e.buf[:0]
			e.pos = 0

		case 27:
			e.escape(esc[:])

		default:
			if b[0] >= 32 {
				ch := []byte{b[0]}
				if n := leadLen(b[0]); n > 1 {
					tmp := make([]byte, n-1)
					io.ReadFull(e.tty, tmp)
					ch = append(ch, tmp...)
				}
				e.buf = append(e.buf[:e.pos], append(ch, e.buf[e.pos:]...)...)
				e.pos += len(ch)
			}
		}

		e.redraw(prompt)
	}
}

// escape handles CSI cursor movement and delete sequences.
func (e *Editor) escape(esc []byte) {
	if n, _ := e.tty.Read(esc[:1]); n == 0 || esc[0] != '[' {
		return
	}
	if n, _ := e.tty.Read(esc[1:2]); n == 0 {
		return
	}
	switch esc[1] {
	case 'D':
		if e.pos > 0 {
			e.pos -= prevRuneLen(e.buf, e.pos)
		}
	case 'C':
		if e.pos < len(e.buf) {
			_, size := utf8.DecodeRune(e.buf[e.pos:])
			e.pos += size
		}
	case 'H':
		e.pos = 0
	case 'F':
		e.pos = len(e.buf)
	case '3': // \x1b[3~
		e.tty.Read(esc[2:3])
		if e.pos < len(e.buf) {
			_, size := utf8.DecodeRune(e.buf[e.pos:])
			e.buf = append(e.buf[:e.pos], e.buf[e.pos+size:]...)
		}
	case '1', '4': // \x1b[1~ and \x1b[4~
		e.tty.Read(esc[2:3])
		if esc[1] == '1' {
			e.pos = 0
		} else {
			e.pos = len(e.buf)
		}
	}
}

func (e *Editor) input(k Key) Input {
	return Input{Text: string(e.buf), Column: utf8.RuneCount(e.buf[:e.pos]), Key: k}
}

// redraw clears the current line and redraws prompt, buffer and ghost text.
func (e *Editor) redraw(prompt string) {
	// \r = carriage return, \x1b[K = clear to end of line
	fmt.Fprintf(e.tty, "\r\x1b[K%s%s", prompt, string(e.buf[:e.pos]))
	tail := e.buf[e.pos:]
	if e.ghost != "" {
		fmt.Fprintf(e.tty, "\x1b[2m%s\x1b[0m", firstLine(e.ghost))
	}
	fmt.Fprintf(e.tty, "%s", tail)

	back := utf8.RuneCount(tail)
	if e.ghost != "" {
		back += utf8.RuneCountInString(firstLine(e.ghost))
	}
	if back > 0 {
		fmt.Fprintf(e.tty, "\x1b[%dD", back)
	}
}

func prevRuneLen(buf []byte, pos int) int {
	_, size := utf8.DecodeLastRune(buf[:pos])
	return size
}

// byteOffset converts rune column col into a byte offset, clamped to buf.
func byteOffset(buf []byte, col int) int {
	off := 0
	for i := 0; i < col && off < len(buf); i++ {
		_, size := utf8.DecodeRune(buf[off:])
		off += size
	}
	return off
}

// leadLen returns the expected byte length of a UTF-8 sequence from its
// leading byte.
func leadLen(lead byte) int {
	switch {
	case lead < 0xC0:
		return 1
	case lead < 0xE0:
		return 2
	case lead < 0xF0:
		return 3
	}
	return 4
}
