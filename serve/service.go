package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/accept"
	"github.com/Paranoid-AF/codelet/complete"
	"github.com/Paranoid-AF/codelet/generate"
	"github.com/Paranoid-AF/codelet/monitor"
)

// Completer serves every message kind the daemon understands.
type Completer interface {
	// Complete returns nil when the request was cancelled or superseded.
	// onToken receives stream events when the request asked for streaming.
	Complete(ctx context.Context, req *codelet.Request, onToken func(codelet.TokenEvent)) *codelet.Response
	Edit(req *codelet.EditRequest)
	Accept(req *codelet.AcceptRequest) *codelet.AcceptResponse
	Stats(req *codelet.StatsRequest) *codelet.StatsResponse
	Warm(ctx context.Context, files []string)
	Close()
}

// service is the production Completer: an orchestration engine plus the
// acceptance sessions for the completions it delivered.
type service struct {
	engine        *complete.Engine
	accepts       *accept.Manager
	notConfigured bool
	stopMonitor   context.CancelFunc
	releaseStore  func()
}

// newService builds a service from configuration. A missing API key is not
// an error: completions then answer "not_configured". The cache store comes
// from stores and is released when the service closes.
func newService(cfg *codelet.Config, stores *storePool) (*service, error) {
	mon := monitor.New(
		monitor.WithLimit(uint64(max(cfg.Monitor.MemoryLimitBytes, 0))),
		monitor.WithThresholds(monitor.ThresholdsFrom(cfg.Monitor.Thresholds)),
	)

	var backend generate.Backend
	gen, err := generate.FromConfig(context.Background(), cfg)
	notConfigured := errors.Is(err, generate.ErrNotConfigured)
	switch {
	case notConfigured:
		slog.Warn("generation API key not configured")
		backend = generate.NewGenerator(codelet.ResolveGenerationBaseURL(cfg), "", 0)
	case err != nil:
		return nil, fmt.Errorf("generator: %w", err)
	default:
		backend = gen
	}

	db, err := stores.acquire(cfg)
	if err != nil {
		return nil, err
	}
	release := func() { stores.release(cfg.Cache.StorePath) }

	var engine *complete.Engine
	if db != nil {
		engine, err = complete.FromConfigWithStore(cfg, backend, mon, db, slog.Default())
	} else {
		engine, err = complete.FromConfig(cfg, backend, mon, slog.Default())
	}
	if err != nil {
		release()
		return nil, err
	}

	s := newServiceWith(engine)
	s.notConfigured = notConfigured
	s.releaseStore = release

	ctx, cancel := context.WithCancel(context.Background())
	s.stopMonitor = cancel
	go mon.Run(ctx, time.Duration(cfg.Monitor.IntervalSeconds)*time.Second)
	return s, nil
}

func newServiceWith(engine *complete.Engine) *service {
	s := &service{engine: engine, stopMonitor: func() {}, releaseStore: func() {}}
	s.accepts = accept.NewManager(s.finished)
	return s
}

func (s *service) finished(f accept.Finished) {
	s.engine.RecordAcceptance(context.Background(), complete.Acceptance{
		URI:        f.URI,
		LanguageID: f.LanguageID,
		Prefix:     f.Prefix,
		Text:       f.Inserted,
		Accepted:   f.Accepted,
	})
}

func (s *service) Complete(ctx context.Context, req *codelet.Request, onToken func(codelet.TokenEvent)) *codelet.Response {
	if s.notConfigured {
		return &codelet.Response{
			Error: &codelet.Error{
				Code:    "not_configured",
				Message: "generation API key not configured; set CODELET_GENERATION_API_KEY or edit " + codelet.ConfigPath(),
			},
		}
	}

	var forward func(generate.TokenEvent)
	if req.Stream && onToken != nil {
		forward = func(ev generate.TokenEvent) {
			onToken(codelet.TokenEvent{RequestID: req.RequestID, Token: ev.Token, Count: ev.Count})
		}
	}

	out := s.engine.Complete(ctx, codelet.CompletionRequest{
		Document: req.Document,
		Position: req.Position,
		Trigger:  req.Trigger,
		Files:    req.Files,
	}, forward)

	switch out.State {
	case complete.StateCancelled:
		return nil
	case complete.StateFailed:
		slog.Error("completion failed", "uri", req.Document.URI, "error", out.Err)
		return &codelet.Response{
			Error: &codelet.Error{Code: "api_error", Message: out.Err.Error()},
		}
	case complete.StateDelivered:
		r := out.Result
		s.accepts.Start(accept.Completion{
			URI:        req.Document.URI,
			LanguageID: req.Document.LanguageID,
			Prefix:     req.Document.LinePrefix(req.Position),
			Text:       r.Text,
			Anchor:     req.Position,
		})
		if r.Text == "" {
			return &codelet.Response{}
		}
		return &codelet.Response{
			Completion: &codelet.Completion{
				Text:      r.Text,
				Source:    r.Source,
				LatencyMs: r.Latency.Milliseconds(),
				Tokens:    r.Tokens,
			},
		}
	}
	// suppressed
	return &codelet.Response{}
}

func (s *service) Edit(req *codelet.EditRequest) {
	s.engine.NotifyEdit(req.URI, req.Version)
}

func (s *service) Accept(req *codelet.AcceptRequest) *codelet.AcceptResponse {
	resp, err := s.accepts.Accept(req.URI, req.Mode)
	switch {
	case errors.Is(err, accept.ErrNoActiveCompletion):
		resp.Error = &codelet.Error{Code: "no_active_completion", Message: err.Error()}
	case err != nil:
		resp.Error = &codelet.Error{Code: "invalid_request", Message: err.Error()}
	}
	return &resp
}

func (s *service) Stats(req *codelet.StatsRequest) *codelet.StatsResponse {
	st := s.engine.Stats()
	snap := st.Snapshot()
	resp := &codelet.StatsResponse{
		Report:         st.Report(),
		Generated:      snap.Generated,
		Accepted:       snap.Accepted,
		Rejected:       snap.Rejected,
		AcceptanceRate: snap.AcceptanceRate,
		CacheHitRate:   snap.CacheHitRate,
	}
	if req.Reset {
		st.Reset()
	}
	return resp
}

func (s *service) Warm(ctx context.Context, files []string) {
	n := s.engine.Warm(ctx, files)
	slog.Debug("context warmed", "requested", len(files), "loaded", n)
}

func (s *service) Close() {
	s.stopMonitor()
	if err := s.engine.Close(); err != nil {
		slog.Error("failed to close engine", "error", err)
	}
	s.releaseStore()
}
