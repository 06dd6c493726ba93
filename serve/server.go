package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sync"

	codelet "github.com/Paranoid-AF/codelet"
	defaults "github.com/Paranoid-AF/codelet/default"
)

// maxMessageBytes bounds one request line; documents travel whole.
const maxMessageBytes = 16 << 20

// envelope is decoded first to route a message.
type envelope struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// Server listens on a Unix domain socket for codelet requests.
type Server struct {
	listener net.Listener
	sockPath string
	reload   func() (Completer, error)
	stores   *storePool

	mu     sync.RWMutex
	engine Completer
}

// NewServer creates a server backed by a service built from cfg. Config
// reloads rebuild the service from disk.
func NewServer(sockPath string, cfg *codelet.Config) (*Server, error) {
	stores := newStorePool()
	svc, err := newService(cfg, stores)
	if err != nil {
		return nil, err
	}
	srv, err := NewServerWithCompleter(sockPath, svc)
	if err != nil {
		svc.Close()
		return nil, err
	}
	srv.stores = stores
	srv.reload = func() (Completer, error) {
		cfg, err := codelet.LoadConfig()
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		// the new engine loads the history file
		if cur, ok := srv.current().(*service); ok {
			if err := cur.engine.SaveHistory(); err != nil {
				slog.Warn("failed to save history before reload", "error", err)
			}
		}
		return newService(cfg, stores)
	}
	return srv, nil
}

// NewServerWithCompleter creates a new IPC server with a custom Completer.
func NewServerWithCompleter(sockPath string, completer Completer) (*Server, error) {
	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		sockPath: sockPath,
		engine:   completer,
	}, nil
}

// Serve accepts connections and handles requests.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close shuts down the server and the engine, and removes the socket file.
func (s *Server) Close() {
	s.listener.Close()
	s.current().Close()
	os.Remove(s.sockPath)
}

func (s *Server) current() Completer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxMessageBytes)
	if !scanner.Scan() {
		return
	}

	raw := scanner.Bytes()
	slog.Debug("request", "bytes", len(raw))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("invalid request", "error", err)
		return
	}

	engine := s.current()
	switch {
	case env.Type == "context":
		var req codelet.ContextRequest
		if decode(raw, &req) {
			s.handleContextRequest(conn, engine, &req)
		}
	case env.Type == "edit":
		var req codelet.EditRequest
		if decode(raw, &req) {
			engine.Edit(&req)
			writeJSON(conn, struct {
				OK bool `json:"ok"`
			}{true})
		}
	case env.Type == "accept":
		var req codelet.AcceptRequest
		if decode(raw, &req) {
			writeJSON(conn, engine.Accept(&req))
		}
	case env.Type == "stats":
		var req codelet.StatsRequest
		if decode(raw, &req) {
			writeJSON(conn, engine.Stats(&req))
		}
	case env.Action != "":
		var req codelet.ConfigRequest
		if decode(raw, &req) {
			s.handleConfigRequest(conn, &req)
		}
	case env.Type == "" || env.Type == "complete":
		var req codelet.Request
		if decode(raw, &req) {
			s.handleCompletion(conn, engine, &req)
		}
	default:
		slog.Warn("unknown message type", "type", env.Type)
		writeJSON(conn, codelet.Response{
			Error: &codelet.Error{Code: "invalid_request", Message: "unknown message type: " + env.Type},
		})
	}
}

func (s *Server) handleCompletion(conn net.Conn, engine Completer, req *codelet.Request) {
	var onToken func(codelet.TokenEvent)
	if req.Stream {
		onToken = func(ev codelet.TokenEvent) { writeJSON(conn, ev) }
	}

	resp := engine.Complete(context.Background(), req, onToken)

	// Cancelled or superseded: the client has already moved on.
	if resp == nil {
		return
	}
	resp.RequestID = req.RequestID
	writeJSON(conn, resp)
}

func (s *Server) handleContextRequest(conn net.Conn, engine Completer, req *codelet.ContextRequest) {
	resp := codelet.ContextResponse{OK: true}

	if len(req.Files) == 0 {
		resp.OK = false
		resp.Error = &codelet.Error{Code: "invalid_request", Message: "files is required"}
	} else {
		// Load in background, respond immediately
		go engine.Warm(context.Background(), req.Files)
	}

	writeJSON(conn, resp)
}

func (s *Server) handleConfigRequest(conn net.Conn, req *codelet.ConfigRequest) {
	var resp codelet.ConfigResponse

	switch req.Action {
	case "get":
		cfg, err := codelet.LoadConfig()
		if err != nil {
			resp.Error = &codelet.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Config = cfg
		}

	case "reload":
		// Respond immediately; rebuilding opens stores and may verify models.
		go s.reloadEngine()
		cfg, _ := codelet.LoadConfig()
		resp.Config = cfg

	case "defaults":
		resp.Config = codelet.DefaultConfig()

	case "default_prompt":
		resp.Prompt = defaults.DefaultPrompt

	case "validate":
		cfg, err := codelet.LoadConfig()
		if err != nil {
			resp.Error = &codelet.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Warnings = codelet.ValidateConfig(cfg)
			if err := cfg.Validate(); err != nil {
				resp.Error = &codelet.Error{Code: "config_invalid", Message: err.Error()}
			}
		}

	default:
		resp.Error = &codelet.Error{
			Code:    "unknown_action",
			Message: "unknown config action: " + req.Action,
		}
	}

	writeJSON(conn, resp)
}

func (s *Server) reloadEngine() {
	if s.reload == nil {
		return
	}
	next, err := s.reload()
	if err != nil {
		slog.Error("reload failed, keeping current engine", "error", err)
		return
	}

	s.mu.Lock()
	old := s.engine
	s.engine = next
	s.mu.Unlock()

	// Close old engine
	old.Close()
	slog.Info("engine reloaded")
}

func decode(raw []byte, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("invalid request", "error", err)
		return false
	}
	return true
}

func writeJSON(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	slog.Debug("response", "data", string(data))
	conn.Write(append(data, '\n'))
}
