// Package codelet defines the request/response types for codelet IPC and the
// value types shared by the completion pipeline.
// Messages are JSON-encoded and sent over a Unix domain socket, one per line.
package codelet

import (
	"strings"
	"time"
)

// TriggerKind describes what caused a completion request.
type TriggerKind string

const (
	// TriggerExplicit is a user invocation (keybinding, command). Always admitted.
	TriggerExplicit TriggerKind = "explicit"
	// TriggerAutomatic is an as-you-type trigger.
	TriggerAutomatic TriggerKind = "automatic"
)

// Source tells where a completion came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceInference Source = "inference"
)

// Position is a 0-based cursor location. Column counts runes.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Document is a snapshot of an open editor buffer.
type Document struct {
	URI        string `json:"uri"`
	Version    int    `json:"version"`
	LanguageID string `json:"language_id,omitempty"`
	Text       string `json:"text"`
}

// LineAt returns the text of the given 0-based line, and false when the line
// does not exist.
func (d Document) LineAt(line int) (string, bool) {
	if line < 0 {
		return "", false
	}
	start := 0
	for i := 0; i < line; i++ {
		idx := strings.IndexByte(d.Text[start:], '\n')
		if idx < 0 {
			return "", false
		}
		start += idx + 1
	}
	end := strings.IndexByte(d.Text[start:], '\n')
	if end < 0 {
		return d.Text[start:], true
	}
	return d.Text[start : start+end], true
}

// Offset converts a position into a byte offset into Text, clamping the column
// to the end of its line. Returns false when the line does not exist.
func (d Document) Offset(pos Position) (int, bool) {
	if pos.Line < 0 || pos.Column < 0 {
		return 0, false
	}
	start := 0
	for i := 0; i < pos.Line; i++ {
		idx := strings.IndexByte(d.Text[start:], '\n')
		if idx < 0 {
			return 0, false
		}
		start += idx + 1
	}
	// an invalid byte is one column and one byte wide
	off := len(d.Text)
	col := 0
	for i, r := range d.Text[start:] {
		if r == '\n' || col == pos.Column {
			off = start + i
			break
		}
		col++
	}
	return off, true
}

// LinePrefix returns the text of the cursor line before pos, or "" when the
// line does not exist.
func (d Document) LinePrefix(pos Position) string {
	off, ok := d.Offset(pos)
	if !ok {
		return ""
	}
	start := strings.LastIndexByte(d.Text[:off], '\n') + 1
	return d.Text[start:off]
}

// CompletionRequest is one trigger event as seen by the orchestrator.
// Seq is assigned by the orchestrator and increases monotonically.
type CompletionRequest struct {
	Document Document
	Position Position
	Trigger  TriggerKind
	Seq      uint64
	// Files lists paths of other files whose content may be used as context.
	Files []string
}

// Result is a completion produced by the pipeline.
type Result struct {
	Text    string        `json:"text"`
	Latency time.Duration `json:"latency"`
	Tokens  int           `json:"tokens"`
	Source  Source        `json:"source"`
}

// Request is sent from the editor client to the daemon.
type Request struct {
	// RequestID is a per-client incrementing identifier assigned by the editor.
	// The daemon echoes it back in the response for ordering.
	RequestID int `json:"request_id"`
	// Document is the buffer snapshot the completion is requested for.
	Document Document `json:"document"`
	// Position is the cursor position within the document.
	Position Position `json:"position"`
	// Trigger is "explicit" or "automatic". Empty means automatic.
	Trigger TriggerKind `json:"trigger,omitempty"`
	// Files lists related files to include as cross-file context.
	Files []string `json:"files,omitempty"`
	// Stream asks for token events before the final response.
	Stream bool `json:"stream,omitempty"`
}

// Completion is the wire form of a Result.
type Completion struct {
	Text      string `json:"text"`
	Source    Source `json:"source"`
	LatencyMs int64  `json:"latency_ms"`
	Tokens    int    `json:"tokens"`
}

// Response is sent from the daemon back to the editor client.
type Response struct {
	// RequestID is echoed from the request for ordering on the client side.
	RequestID int `json:"request_id"`
	// Completion is nil when there is nothing to show (suppressed, empty output, error).
	Completion *Completion `json:"completion,omitempty"`
	// Error is set when the daemon cannot fulfill the request.
	Error *Error `json:"error,omitempty"`
}

// TokenEvent is streamed to the client while a completion is generated.
type TokenEvent struct {
	RequestID int    `json:"request_id"`
	Token     string `json:"token"`
	Count     int    `json:"count"`
}

// Error describes a daemon-side error returned to the client.
type Error struct {
	// Code is a machine-readable error identifier (e.g. "not_configured", "api_error").
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// EditRequest notifies the daemon that a document changed.
type EditRequest struct {
	// Type is always "edit".
	Type    string `json:"type"`
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// AcceptMode selects how much of a delivered completion to accept.
type AcceptMode string

const (
	AcceptLine   AcceptMode = "line"
	AcceptWord   AcceptMode = "word"
	AcceptAll    AcceptMode = "all"
	AcceptReject AcceptMode = "reject"
)

// AcceptRequest consumes part of the last delivered completion for a document.
type AcceptRequest struct {
	// Type is always "accept".
	Type string     `json:"type"`
	URI  string     `json:"uri"`
	Mode AcceptMode `json:"mode"`
}

// Edit is a text insertion the client should apply.
type Edit struct {
	Position Position `json:"position"`
	Text     string   `json:"text"`
}

// AcceptResponse lists the insertions produced by an accept operation.
type AcceptResponse struct {
	Edits     []Edit `json:"edits"`
	Remaining string `json:"remaining"`
	Active    bool   `json:"active"`
	Error     *Error `json:"error,omitempty"`
}

// StatsRequest asks for the orchestrator statistics.
type StatsRequest struct {
	// Type is always "stats".
	Type string `json:"type"`
	// Reset zeroes the statistics after they are reported.
	Reset bool `json:"reset,omitempty"`
}

// StatsResponse carries the rendered performance report.
type StatsResponse struct {
	Report         string  `json:"report"`
	Generated      int64   `json:"generated"`
	Accepted       int64   `json:"accepted"`
	Rejected       int64   `json:"rejected"`
	AcceptanceRate float64 `json:"acceptance_rate"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
}

// ContextRequest is sent from the client to warm the file content cache.
type ContextRequest struct {
	// Type is always "context".
	Type string `json:"type"`
	// Files are paths to pre-load.
	Files []string `json:"files"`
}

// ContextResponse is sent from the daemon in response to a ContextRequest.
type ContextResponse struct {
	// OK is true when the warm-up was accepted.
	OK bool `json:"ok"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}

// ConfigRequest is sent from the client for configuration operations.
type ConfigRequest struct {
	// Action is the config operation: "get", "reload", "defaults", "default_prompt" or "validate".
	Action string `json:"action"`
}

// ConfigResponse is sent from the daemon in response to a ConfigRequest.
type ConfigResponse struct {
	// Config is the current configuration (for "get", "reload", and "defaults" actions).
	Config *Config `json:"config,omitempty"`
	// Prompt is the default prompt template (for "default_prompt" action).
	Prompt string `json:"prompt,omitempty"`
	// Warnings contains configuration warnings (for "validate" action).
	Warnings []string `json:"warnings,omitempty"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}
