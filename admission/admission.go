// Package admission decides whether an as-you-type trigger is worth a
// completion request at all.
package admission

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	codelet "github.com/Paranoid-AF/codelet"
)

const (
	DefaultMaxRate = 8.0
	DefaultSamples = 10
	DefaultHorizon = time.Second

	// minSamples is the fewest keystrokes a rate is computed from.
	minSamples = 3
)

var rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "codelet_admission_rejections_total",
	Help: "Automatic triggers rejected before any work was done, by reason.",
}, []string{"reason"})

// Controller is safe for concurrent use.
type Controller struct {
	maxRate float64
	samples int
	horizon time.Duration
	now     func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxRate sets the typing rate, in keystrokes per second, above which
// automatic triggers are rejected.
func WithMaxRate(r float64) Option {
	return func(c *Controller) {
		if r > 0 {
			c.maxRate = r
		}
	}
}

// WithWindow sets how many keystrokes are remembered and for how long.
func WithWindow(samples int, horizon time.Duration) Option {
	return func(c *Controller) {
		if samples >= minSamples {
			c.samples = samples
		}
		if horizon > 0 {
			c.horizon = horizon
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		maxRate: DefaultMaxRate,
		samples: DefaultSamples,
		horizon: DefaultHorizon,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxRate returns the configured typing rate threshold.
func (c *Controller) MaxRate() float64 { return c.maxRate }

// ShouldRespond reports whether a trigger should be served. Explicit
// triggers always are. An automatic trigger counts as a keystroke and is
// rejected when the cursor sits inside a string literal or a line comment,
// or when the document is being typed faster than the configured rate.
// Positions outside the document are admitted.
func (c *Controller) ShouldRespond(doc codelet.Document, pos codelet.Position, trigger codelet.TriggerKind) bool {
	if trigger == codelet.TriggerExplicit {
		return true
	}

	rate := c.record(doc.URI)

	if line, ok := doc.LineAt(pos.Line); ok && pos.Column >= 0 {
		before := runePrefix(line, pos.Column)
		switch cursorContext(before, doc.LanguageID) {
		case inString:
			rejections.WithLabelValues("string").Inc()
			return false
		case inComment:
			rejections.WithLabelValues("comment").Inc()
			return false
		}
	}

	if rate > c.maxRate {
		rejections.WithLabelValues("typing_rate").Inc()
		return false
	}
	return true
}

// TypingRate returns the current keystroke rate for a document in
// keystrokes per second, or 0 when there are too few recent samples.
func (c *Controller) TypingRate(uri string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.pruneLocked(uri, c.now())
	return rateOf(w)
}

// Forget drops the keystroke window of a closed document.
func (c *Controller) Forget(uri string) {
	c.mu.Lock()
	delete(c.windows, uri)
	c.mu.Unlock()
}

func (c *Controller) record(uri string) float64 {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	w := append(c.pruneLocked(uri, now), now)
	if len(w) > c.samples {
		w = w[len(w)-c.samples:]
	}
	c.windows[uri] = w
	return rateOf(w)
}

func (c *Controller) pruneLocked(uri string, now time.Time) []time.Time {
	w := c.windows[uri]
	cutoff := now.Add(-c.horizon)
	i := 0
	for i < len(w) && w[i].Before(cutoff) {
		i++
	}
	w = w[i:]
	if len(w) == 0 {
		delete(c.windows, uri)
		return nil
	}
	c.windows[uri] = w
	return w
}

func rateOf(w []time.Time) float64 {
	if len(w) < minSamples {
		return 0
	}
	span := w[len(w)-1].Sub(w[0])
	if span < time.Millisecond {
		span = time.Millisecond
	}
	return float64(len(w)-1) / span.Seconds()
}

type cursorState int

const (
	inCode cursorState = iota
	inString
	inComment
)

// hashComment lists languages whose line comments start with '#'.
var hashComment = map[string]bool{
	"python": true, "shellscript": true, "shell": true, "sh": true, "bash": true,
	"zsh": true, "ruby": true, "perl": true, "r": true, "yaml": true,
	"toml": true, "makefile": true, "dockerfile": true, "powershell": true,
	"elixir": true, "coffeescript": true,
}

// noSingleQuote lists languages where ' is not a string delimiter.
var noSingleQuote = map[string]bool{
	"rust": true, "markdown": true, "plaintext": true,
}

// cursorContext scans the text before the cursor and reports whether the
// cursor ends up inside a string literal or a comment. A delimiter preceded
// by an odd number of backslashes is escaped.
func cursorContext(before, languageID string) cursorState {
	lang := strings.ToLower(languageID)
	hash := hashComment[lang]
	singleQuote := !noSingleQuote[lang]

	var open rune
	escaped := false
	inBlock := false
	runes := []rune(before)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inBlock {
			if r == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				inBlock = false
				i++
			}
			continue
		}
		if open != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == open:
				open = 0
			}
			continue
		}
		switch {
		case r == '"' || r == '`' || (r == '\'' && singleQuote):
			open = r
		case hash && r == '#' && (i == 0 || unicode.IsSpace(runes[i-1])):
			return inComment
		case !hash && r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			return inComment
		case !hash && r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			inBlock = true
			i++
		}
	}
	switch {
	case open != 0:
		return inString
	case inBlock:
		return inComment
	}
	return inCode
}

// runePrefix returns the first n runes of s, or all of s.
func runePrefix(s string, n int) string {
	i := 0
	for off := range s {
		if i == n {
			return s[:off]
		}
		i++
	}
	return s
}
