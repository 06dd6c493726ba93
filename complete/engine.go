// Package complete coordinates completion requests. An Engine admits or
// suppresses each trigger, debounces it, supersedes older requests for the
// same document and runs the cache, context and inference steps for the
// request that survives.
package complete

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/admission"
	"github.com/Paranoid-AF/codelet/assemble"
	"github.com/Paranoid-AF/codelet/cache"
	"github.com/Paranoid-AF/codelet/generate"
	"github.com/Paranoid-AF/codelet/index"
	"github.com/Paranoid-AF/codelet/monitor"
)

// DefaultDebounce is the minimum debounce for automatic triggers.
const DefaultDebounce = 50 * time.Millisecond

// maxDebounceScale caps adaptive debounce at a multiple of the base delay.
const maxDebounceScale = 3.0

var (
	// ErrClosed is reported for requests made after Close.
	ErrClosed = errors.New("engine closed")
	// ErrStale means the document changed while the request was debouncing.
	ErrStale = errors.New("document changed")
)

// State is the lifecycle state of a document's latest request.
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateInFlight
	StateDelivered
	StateCancelled
	StateFailed
	// StateSuppressed means admission declined the trigger. It is not an error.
	StateSuppressed
)

var stateNames = [...]string{"idle", "debouncing", "in_flight", "delivered", "cancelled", "failed", "suppressed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Outcome is the final result of one Complete call. Result is only
// meaningful when State is StateDelivered.
type Outcome struct {
	Seq    uint64
	State  State
	Result codelet.Result
	Err    error
}

// Acceptance reports what the user did with a delivered completion.
type Acceptance struct {
	URI        string
	LanguageID string
	// Prefix is the line text before the insertion point.
	Prefix string
	// Text is what was inserted. Empty for rejections.
	Text     string
	Accepted bool
}

type docState struct {
	seq     uint64
	state   State
	version int
	cancel  context.CancelFunc
}

// Engine is safe for concurrent use. Requests for different documents run
// independently; a new admitted request for a document cancels the previous one.
type Engine struct {
	backend   generate.Backend
	admission *admission.Controller
	cache     *cache.Cache
	assembler *assemble.Assembler
	history   *index.History
	renderer  generate.Renderer
	genOpts   generate.Options
	stats     *Stats
	logger    *slog.Logger
	now       func() time.Time

	debounce         time.Duration
	adaptive         bool
	invalidateOnEdit bool
	streaming        bool
	configTag        string

	closers     []func() error
	historyPath string

	seq    atomic.Uint64
	wg     sync.WaitGroup
	mu     sync.Mutex
	docs   map[string]*docState
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdmission sets the admission controller.
func WithAdmission(c *admission.Controller) Option {
	return func(e *Engine) { e.admission = c }
}

// WithCache sets the completion cache.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithAssembler sets the context assembler. The caller keeps ownership.
func WithAssembler(a *assemble.Assembler) Option {
	return func(e *Engine) { e.assembler = a }
}

// WithHistory records accepted completions into h.
func WithHistory(h *index.History) Option {
	return func(e *Engine) { e.history = h }
}

// WithRenderer sets the prompt renderer.
func WithRenderer(r generate.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithGenerateOptions overrides per-call generation options.
func WithGenerateOptions(o generate.Options) Option {
	return func(e *Engine) { e.genOpts = o }
}

// WithDebounce sets the minimum debounce for automatic triggers.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.debounce = d
		}
	}
}

// WithAdaptiveDebounce scales the debounce with typing speed.
func WithAdaptiveDebounce(on bool) Option {
	return func(e *Engine) { e.adaptive = on }
}

// WithInvalidateOnEdit drops a document's cached completions on edit.
func WithInvalidateOnEdit(on bool) Option {
	return func(e *Engine) { e.invalidateOnEdit = on }
}

// WithStreaming forwards token events to the caller while generating.
func WithStreaming(on bool) Option {
	return func(e *Engine) { e.streaming = on }
}

// WithConfigTag mixes tag into cache keys so that results produced under a
// different model or prompt are not reused.
func WithConfigTag(tag string) Option {
	return func(e *Engine) { e.configTag = tag }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now for statistics.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func withHistoryPath(path string) Option {
	return func(e *Engine) { e.historyPath = path }
}

// withCloser registers cleanup for a component the engine owns.
func withCloser(fn func() error) Option {
	return func(e *Engine) { e.closers = append(e.closers, fn) }
}

// New creates an Engine around backend. Components not supplied through
// options get defaults; a default assembler is closed by Close.
func New(backend generate.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:          backend,
		debounce:         DefaultDebounce,
		adaptive:         true,
		invalidateOnEdit: true,
		logger:           slog.Default(),
		now:              time.Now,
		docs:             make(map[string]*docState),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.admission == nil {
		e.admission = admission.New()
	}
	if e.cache == nil {
		e.cache = cache.New(cache.WithLogger(e.logger))
	}
	if e.assembler == nil {
		e.assembler = assemble.New(assemble.WithHistory(e.history), assemble.WithLogger(e.logger))
		a := e.assembler
		e.closers = append([]func() error{func() error { a.Close(); return nil }}, e.closers...)
	}
	e.stats = newStats(e.now)
	return e
}

// Stats returns the engine's statistics.
func (e *Engine) Stats() *Stats { return e.stats }

// Cache returns the completion cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Assembler returns the context assembler.
func (e *Engine) Assembler() *assemble.Assembler { return e.assembler }

// History returns the acceptance history, or nil.
func (e *Engine) History() *index.History { return e.history }

// SaveHistory writes the acceptance history to its file, when the engine
// was built to persist it. Close saves it as well.
func (e *Engine) SaveHistory() error {
	if e.history == nil || e.historyPath == "" {
		return nil
	}
	return e.history.Save(e.historyPath)
}

// Complete runs one trigger through the pipeline and blocks until it is
// delivered, cancelled, failed or suppressed. onToken, when streaming is
// enabled, receives token events while this request is still current.
func (e *Engine) Complete(ctx context.Context, req codelet.CompletionRequest, onToken func(generate.TokenEvent)) Outcome {
	if req.Trigger == "" {
		req.Trigger = codelet.TriggerAutomatic
	}
	if !e.admission.ShouldRespond(req.Document, req.Position, req.Trigger) {
		requestsTotal.WithLabelValues(StateSuppressed.String()).Inc()
		return Outcome{State: StateSuppressed}
	}

	ctx, cancel, seq, ok := e.begin(ctx, req.Document)
	if !ok {
		requestsTotal.WithLabelValues(StateCancelled.String()).Inc()
		return Outcome{State: StateCancelled, Err: ErrClosed}
	}
	defer e.wg.Done()
	defer cancel()

	req.Seq = seq
	out := e.run(ctx, req, onToken)
	out.Seq = seq
	e.finish(req.Document.URI, seq, out.State)

	requestsTotal.WithLabelValues(out.State.String()).Inc()
	if out.State == StateDelivered {
		latencySeconds.Observe(out.Result.Latency.Seconds())
	}
	e.logger.Debug("completion finished",
		"uri", req.Document.URI, "seq", seq, "state", out.State.String(),
		"source", out.Result.Source, "latency", out.Result.Latency)
	return out
}

func (e *Engine) run(ctx context.Context, req codelet.CompletionRequest, onToken func(generate.TokenEvent)) Outcome {
	doc, pos := req.Document, req.Position

	if d := e.debounceFor(req); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return cancelled(ctx.Err())
		}
	}
	if err := e.enterFlight(doc, req.Seq); err != nil {
		return cancelled(err)
	}
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	start := time.Now()
	key := cache.Key{Document: doc.URI, Fingerprint: cache.Fingerprint(doc.Text, pos, e.configTag)}
	if res, ok := e.cache.Get(ctx, key); ok {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		res.Source = codelet.SourceCache
		res.Latency = time.Since(start)
		e.stats.recordDelivery(res, true)
		return Outcome{State: StateDelivered, Result: res}
	}

	gathered, err := e.assembler.GatherContext(ctx, doc, pos, req.Files)
	if err != nil {
		return cancelled(err)
	}
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	if !e.backend.IsModelLoaded() {
		e.stats.recordFailure()
		return Outcome{State: StateFailed, Err: generate.ErrModelNotLoaded}
	}

	prompt := e.renderer.Render(gathered)
	var (
		text   string
		tokens int
	)
	for ev := range generate.Stream(ctx, e.backend, prompt, e.genOpts) {
		switch {
		case ev.Err != nil:
			err = ev.Err
		case ev.Done:
			text = ev.Text
		default:
			tokens = ev.Count
			if e.streaming && onToken != nil && ctx.Err() == nil && e.current(doc.URI, req.Seq) {
				onToken(generate.TokenEvent{Token: ev.Token, Count: ev.Count})
			}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		e.logger.Error("inference failed", "uri", doc.URI, "error", err)
		e.stats.recordFailure()
		return Outcome{State: StateFailed, Err: err}
	}

	res := codelet.Result{
		Text:    generate.CleanCompletion(text, doc.LinePrefix(pos)),
		Latency: time.Since(start),
		Tokens:  tokens,
		Source:  codelet.SourceInference,
	}
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if res.Text != "" {
		e.cache.Set(ctx, key, res)
	}
	e.stats.recordDelivery(res, false)
	return Outcome{State: StateDelivered, Result: res}
}

func cancelled(err error) Outcome {
	return Outcome{State: StateCancelled, Err: err}
}

// begin registers a new request for doc, cancelling the one it supersedes.
func (e *Engine) begin(parent context.Context, doc codelet.Document) (context.Context, context.CancelFunc, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, 0, false
	}

	st := e.docLocked(doc.URI)
	if st.cancel != nil {
		st.cancel()
	}
	if doc.Version > st.version {
		st.version = doc.Version
	}

	ctx, cancel := context.WithCancel(parent)
	seq := e.seq.Add(1)
	st.seq, st.state, st.cancel = seq, StateDebouncing, cancel
	e.wg.Add(1)
	return ctx, cancel, seq, true
}

// enterFlight moves the request to InFlight unless it was superseded or the
// document moved past the version it was made for.
func (e *Engine) enterFlight(doc codelet.Document, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.docs[doc.URI]
	if st == nil || st.seq != seq {
		return context.Canceled
	}
	if st.version > doc.Version {
		return ErrStale
	}
	st.state = StateInFlight
	return nil
}

func (e *Engine) finish(uri string, seq uint64, state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.docs[uri]; st != nil && st.seq == seq {
		st.state = state
		st.cancel = nil
	}
}

func (e *Engine) current(uri string, seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.docs[uri]
	return st != nil && st.seq == seq
}

func (e *Engine) docLocked(uri string) *docState {
	st := e.docs[uri]
	if st == nil {
		st = &docState{}
		e.docs[uri] = st
	}
	return st
}

// State returns the state of the latest request for uri.
func (e *Engine) State(uri string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.docs[uri]; st != nil {
		return st.state
	}
	return StateIdle
}

// NotifyEdit records that uri changed to version. The document's live
// request is cancelled and, with invalidate-on-edit, its cached completions
// are dropped.
func (e *Engine) NotifyEdit(uri string, version int) {
	e.mu.Lock()
	st := e.docLocked(uri)
	if version > st.version {
		st.version = version
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	e.mu.Unlock()

	if e.invalidateOnEdit {
		if n := e.cache.InvalidateDocument(context.Background(), uri); n > 0 {
			e.logger.Debug("invalidated cached completions", "uri", uri, "count", n)
		}
	}
}

// Cancel cancels the live request for uri. It reports whether one was running.
func (e *Engine) Cancel(uri string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.docs[uri]
	if st == nil || st.cancel == nil {
		return false
	}
	st.cancel()
	st.cancel = nil
	return true
}

// CloseDocument forgets per-document state once the editor closes uri.
func (e *Engine) CloseDocument(uri string) {
	e.mu.Lock()
	if st := e.docs[uri]; st != nil && st.cancel != nil {
		st.cancel()
	}
	delete(e.docs, uri)
	e.mu.Unlock()
	e.admission.Forget(uri)
}

// RecordAcceptance feeds an acceptance or rejection into the statistics.
// Accepted text is added to the history.
func (e *Engine) RecordAcceptance(ctx context.Context, a Acceptance) {
	e.stats.recordAcceptance(a.Accepted)
	if !a.Accepted {
		acceptanceEvents.WithLabelValues("rejected").Inc()
		return
	}
	acceptanceEvents.WithLabelValues("accepted").Inc()
	if e.history != nil && strings.TrimSpace(a.Text) != "" {
		e.history.Record(ctx, index.Entry{
			Document:   a.URI,
			LanguageID: a.LanguageID,
			Prefix:     a.Prefix,
			Text:       a.Text,
		})
	}
}

// RegisterCleanup hands the engine's memory holders to m.
func (e *Engine) RegisterCleanup(m *monitor.Monitor) {
	m.RegisterCleanupCallback(func() error {
		if n := e.cache.Cleanup(); n > 0 {
			e.logger.Info("cache cleanup", "removed", n)
		}
		return nil
	})
	m.RegisterCleanupCallback(func() error {
		e.assembler.Purge()
		return nil
	})
	if e.history != nil {
		m.RegisterCleanupCallback(func() error {
			if n := e.history.Trim(); n > 0 {
				e.logger.Info("history trimmed", "removed", n)
			}
			return nil
		})
	}
}

// Close cancels all live requests, waits for them to return and releases
// owned components. Later Complete calls report ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, st := range e.docs {
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
	}
	e.mu.Unlock()

	e.wg.Wait()

	var errs []error
	for _, fn := range e.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
