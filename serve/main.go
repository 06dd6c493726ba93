// Command codeletd is the codelet daemon.
// It listens on a Unix domain socket for completion requests from editors,
// assembles context, and returns AI-generated code completions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	codelet "github.com/Paranoid-AF/codelet"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	verbose     bool
	metricsAddr string
	socketFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "codeletd",
	Short:         "Serve AI code completions over a Unix socket",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.SetVersionTemplate("codeletd {{.Version}}\n")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "log every request and response to stderr")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	rootCmd.Flags().StringVar(&socketFlag, "socket", "", "socket path (overrides CODELET_SOCKET)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("codeletd", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := codelet.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range codelet.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}

	socketPath := socketFlag
	if socketPath == "" {
		socketPath = resolveSocketPath()
	}
	slog.Info("starting", "socket", socketPath, "version", Version)

	srv, err := NewServer(socketPath, cfg)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	slog.Info("ready")

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		srv.Close()
		return nil
	case err := <-errCh:
		srv.Close()
		return fmt.Errorf("server: %w", err)
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		hs.Close()
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server", "error", err)
	}
}

func resolveSocketPath() string {
	if path := os.Getenv("CODELET_SOCKET"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/codelet.sock"
	}
	return fmt.Sprintf("/tmp/codelet-%d.sock", os.Getuid())
}
