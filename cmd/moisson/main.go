// Command moisson is the scraping service.
//
// Usage:
//
//	moisson -config moisson.yaml                        # HTTP API + queue workers
//	moisson -url https://example.com -rules rules.yaml  # one run, result JSON on stdout
//	moisson -mcp stdio                                  # MCP server on stdin/stdout
//	moisson -config moisson.yaml -mcp quic              # API + MCP over QUIC
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson"
	"github.com/hazyhaar/moisson/audit"
	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/internal/store"
	"github.com/hazyhaar/moisson/mcpquic"
	"github.com/hazyhaar/moisson/observability"
	"github.com/hazyhaar/moisson/shield"
	"github.com/hazyhaar/moisson/trace"
)

const (
	heartbeatInterval  = 15 * time.Second
	stalenessThreshold = 3 * heartbeatInterval
)

func main() {
	configPath := flag.String("config", "", "path to moisson.yaml config file")
	oneURL := flag.String("url", "", "scrape one URL and exit (result JSON on stdout)")
	rulesPath := flag.String("rules", "", "ruleset YAML file for -url")
	rulesetName := flag.String("ruleset", "", "stored ruleset name for -url")
	waitSel := flag.String("wait", "", "CSS selector to await before extracting (-url mode)")
	mcpMode := flag.String("mcp", "", `MCP transport: "stdio" or "quic"`)
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *oneURL != "":
		os.Exit(runOnce(ctx, logger, cfg, *oneURL, *rulesPath, *rulesetName, *waitSel))
	case *mcpMode == "stdio":
		if err := runMCPStdio(ctx, logger, cfg); err != nil {
			logger.Error("moisson: fatal", "error", err)
			os.Exit(1)
		}
	default:
		if err := runServe(ctx, logger, cfg, *mcpMode); err != nil {
			logger.Error("moisson: fatal", "error", err)
			os.Exit(1)
		}
	}
}

func loadConfig(path string) (*moisson.Config, error) {
	if path == "" {
		return moisson.DefaultConfig(), nil
	}
	return moisson.LoadConfig(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr: one-shot mode owns stdout for the result JSON.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildService(ctx context.Context, logger *slog.Logger, cfg *moisson.Config, dbOpts []dbopen.Option, svcOpts ...moisson.ServiceOption) (*moisson.Service, *sql.DB, error) {
	db, err := dbopen.Open(cfg.Store.Path, append([]dbopen.Option{dbopen.WithMkdirAll()}, dbOpts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	sk, err := moisson.BuildSink(ctx, cfg.Sinks, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("build sink: %w", err)
	}
	al := audit.NewSQLiteLogger(db)
	if err := al.Init(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("audit schema: %w", err)
	}
	opts := append([]moisson.ServiceOption{
		moisson.WithDB(db), moisson.WithSink(sk), moisson.WithAudit(al),
	}, svcOpts...)
	svc, err := moisson.New(cfg, logger, opts...)
	if err != nil {
		al.Close()
		db.Close()
		return nil, nil, err
	}
	return svc, db, nil
}

// runServe starts the HTTP API, the queue workers, and optionally the MCP
// QUIC listener, then blocks until the signal context ends.
func runServe(ctx context.Context, logger *slog.Logger, cfg *moisson.Config, mcpMode string) error {
	// SQL tracing. The trace store opens with the raw "sqlite" driver to
	// avoid recursion; the main database opens with "sqlite-trace" below.
	// TRACE_REMOTE_URL ships traces to another instance instead.
	var traceStore *trace.Store
	if url := os.Getenv("TRACE_REMOTE_URL"); url != "" {
		rs := trace.NewRemoteStore(url, nil)
		trace.SetStore(rs)
		defer rs.Close()
	} else {
		traceDBPath := filepath.Join(filepath.Dir(cfg.Store.Path), "moisson_traces.db")
		if err := os.MkdirAll(filepath.Dir(traceDBPath), 0755); err != nil {
			return fmt.Errorf("trace dir: %w", err)
		}
		traceDB, err := sql.Open("sqlite", traceDBPath+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return fmt.Errorf("trace db: %w", err)
		}
		defer traceDB.Close()
		ts := trace.NewStore(traceDB)
		if err := ts.Init(); err != nil {
			return fmt.Errorf("trace init: %w", err)
		}
		trace.SetStore(ts)
		defer ts.Close()
		traceStore = ts
	}

	// Observability DB beside the main one, raw driver like the trace DB.
	obsDBPath := filepath.Join(filepath.Dir(cfg.Store.Path), "moisson_obs.db")
	obsDB, err := sql.Open("sqlite", obsDBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("observability db: %w", err)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		return fmt.Errorf("observability schema: %w", err)
	}
	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer metrics.Close()

	// Heartbeat: liveness + runtime snapshot every 15s.
	heartbeat := observability.NewHeartbeatWriter(obsDB, "moisson", heartbeatInterval)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	svc, db, err := buildService(ctx, logger, cfg,
		[]dbopen.Option{dbopen.WithTrace()}, moisson.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer db.Close()
	defer svc.Close()

	if err := shield.Init(db); err != nil {
		return fmt.Errorf("shield schema: %w", err)
	}

	svc.StartWorkers(ctx)

	if mcpMode == "quic" {
		startQUIC(ctx, logger, svc)
	}

	r := chi.NewRouter()
	stack, rl := shield.DefaultAPIStack(db)
	for _, mw := range stack {
		r.Use(mw)
	}
	rl.StartReloader(ctx.Done())
	svc.RegisterHTTP(r)

	// Collector endpoint: other instances can ship their SQL traces here.
	if traceStore != nil {
		r.Post("/api/internal/traces", trace.IngestHandler(traceStore))
	}

	st := store.NewStore(db)
	r.Get("/api/internal/status", func(w http.ResponseWriter, req *http.Request) {
		resp := map[string]any{"status": "ok"}
		if stats, err := st.RunStats(req.Context()); err == nil {
			resp["runs"] = stats
		}
		// Heartbeat: last known liveness + runtime snapshot.
		hb, err := observability.LatestHeartbeat(req.Context(), obsDB, "moisson", stalenessThreshold)
		if err == nil && hb != nil {
			resp["heartbeat"] = hb
			if !hb.Alive {
				resp["status"] = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// startQUIC serves MCP over QUIC next to the HTTP API. Failures are logged,
// not fatal: the API stays up without the extra transport.
func startQUIC(ctx context.Context, logger *slog.Logger, svc *moisson.Service) {
	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "moisson",
		Version: "1.0.0",
	}, nil)
	svc.RegisterMCP(mcpSrv)
	if err := svc.RegisterDynamicTools(ctx, mcpSrv); err != nil {
		logger.Error("dynamic tools", "error", err)
	}

	quicAddr := env("MCP_QUIC_ADDR", ":9444")
	certFile := env("TLS_CERT", "")
	keyFile := env("TLS_KEY", "")

	var tlsCfg *tls.Config
	var err error
	if certFile != "" && keyFile != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
	} else {
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		logger.Error("MCP QUIC TLS", "error", err)
		return
	}

	ql, err := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
	if err != nil {
		logger.Error("MCP QUIC listener", "error", err)
		return
	}
	go func() {
		logger.Info("MCP QUIC starting", "addr", quicAddr)
		if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
			logger.Error("MCP QUIC", "error", sErr)
		}
	}()
}

// runMCPStdio serves MCP on stdin/stdout until the client disconnects.
func runMCPStdio(ctx context.Context, logger *slog.Logger, cfg *moisson.Config) error {
	svc, db, err := buildService(ctx, logger, cfg, nil)
	if err != nil {
		return err
	}
	defer db.Close()
	defer svc.Close()

	svc.StartWorkers(ctx)

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "moisson",
		Version: "1.0.0",
	}, nil)
	svc.RegisterMCP(srv)
	if err := svc.RegisterDynamicTools(ctx, srv); err != nil {
		return err
	}

	logger.Info("MCP stdio serving")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runOnce scrapes a single URL and prints the outcome JSON to stdout.
// Exit codes: 0 success, 1 fatal, 2 retries exhausted, 3 bad usage.
func runOnce(ctx context.Context, logger *slog.Logger, cfg *moisson.Config, url, rulesPath, rulesetName, waitSel string) int {
	req := moisson.Request{URL: url, Ruleset: rulesetName}
	if rulesPath != "" {
		data, err := os.ReadFile(rulesPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read rules:", err)
			return 3
		}
		var rs moisson.Ruleset
		if err := yaml.Unmarshal(data, &rs); err != nil {
			fmt.Fprintln(os.Stderr, "parse rules:", err)
			return 3
		}
		req.Rules = &rs
	}
	if req.Rules == nil && req.Ruleset == "" {
		fmt.Fprintln(os.Stderr, "one-shot mode needs -rules or -ruleset")
		return 3
	}
	if waitSel != "" {
		req.Wait = []moisson.WaitSpec{{Selector: waitSel}}
	}

	// The result JSON below is the output; the stdout sink would print the
	// records a second time. Webhook and Mongo sinks still apply.
	cfg.Sinks.Stdout = false

	svc, db, err := buildService(ctx, logger, cfg, nil)
	if err != nil {
		logger.Error("moisson: init", "error", err)
		return 1
	}
	defer db.Close()
	defer svc.Close()

	res, err := svc.Run(ctx, req)
	if err != nil {
		var re *moisson.RunError
		if errors.As(err, &re) {
			printJSON(re)
			if re.State == store.RunExhausted {
				return 2
			}
			return 1
		}
		logger.Error("moisson: run", "error", err)
		return 1
	}

	printJSON(res)
	return 0
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode result:", err)
		return
	}
	os.Stdout.Write(append(out, '\n'))
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
