package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Crestview-Labs/metagen/internal/config"
	"github.com/Crestview-Labs/metagen/internal/manager"
	"github.com/Crestview-Labs/metagen/internal/memory"
	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/internal/tools"
	"github.com/Crestview-Labs/metagen/internal/toolserver"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// runChat implements the chat command: assemble the runtime, run the
// read-eval loop against the Meta-agent, and shut everything down in order.
func runChat(ctx context.Context, cmd *cobra.Command, debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})

	var metrics *observability.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn(context.Background(), "metrics listener failed",
					"addr", cfg.Metrics.Addr,
					"error", err)
			}
		}()
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "metagen",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	store, err := openStore(cfg, logger, metrics)
	if err != nil {
		return err
	}

	supervisor, err := buildSupervisor(cfg, logger, metrics)
	if err != nil {
		_ = store.Close()
		return err
	}

	mgr := manager.New(cfg, store, tools.NewRegistry(), supervisor, nil, logger,
		manager.WithMetrics(metrics),
		manager.WithTracer(tracer),
	)

	// Cancel the session on shutdown signals. An interrupted turn leaves its
	// rows in_progress; the next startup's recovery sweep marks them abandoned.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		_ = mgr.Close(context.Background())
		return fmt.Errorf("initialize session: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "metagen %s  session %s\n", version, mgr.SessionID())
	for _, st := range mgr.ToolServers() {
		if st.Error != "" {
			fmt.Fprintf(out, "tool server %s: %s (%s)\n", st.Name, st.State, st.Error)
			continue
		}
		fmt.Fprintf(out, "tool server %s: %s, %d tools\n", st.Name, st.State, st.Tools)
	}
	fmt.Fprintln(out, `Type a message and press enter. "exit" or Ctrl-D ends the session.`)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for ctx.Err() == nil {
		fmt.Fprint(out, "\nyou> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		for msg := range mgr.ChatStream(ctx, line) {
			renderMessage(out, msg)
		}
	}
	fmt.Fprintln(out)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := mgr.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics listener: %w", err))
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("read input: %w", err))
	}
	return errors.Join(errs...)
}

// runTasksList implements "tasks list".
func runTasksList(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg, observability.NewNopLogger(), nil)
	if err != nil {
		return err
	}
	defer store.Close()

	configs, err := store.ListTaskConfigs(cmd.Context())
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(configs) == 0 {
		fmt.Fprintln(out, "No tasks defined.")
		return nil
	}
	for _, tc := range configs {
		fmt.Fprintf(out, "%s  (%s)\n", tc.Name, tc.ID)
		if desc := strings.TrimSpace(tc.Definition.Description); desc != "" {
			fmt.Fprintf(out, "    %s\n", desc)
		}
		if len(tc.Definition.InputSchema) > 0 {
			params := make([]string, 0, len(tc.Definition.InputSchema))
			for _, p := range tc.Definition.InputSchema {
				name := p.Name
				if p.Required {
					name += "*"
				}
				params = append(params, name)
			}
			fmt.Fprintf(out, "    params: %s\n", strings.Join(params, ", "))
		}
	}
	return nil
}

// runRecover implements the recover command.
func runRecover(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg, observability.NewNopLogger(), nil)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.RecoverAbandoned(cmd.Context())
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}

	out := cmd.OutOrStdout()
	if report.AbandonedTurns == 0 && report.AbandonedToolCalls == 0 {
		fmt.Fprintln(out, "Nothing to recover.")
		return nil
	}
	fmt.Fprintf(out, "Abandoned turns: %d\n", report.AbandonedTurns)
	fmt.Fprintf(out, "Abandoned tool calls: %d\n", report.AbandonedToolCalls)
	return nil
}

// openStore opens the configured SQLite database, creating its directory if
// needed.
func openStore(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*memory.SQLiteStore, error) {
	path := cfg.Database.Path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	opts := []memory.Option{
		memory.WithLogger(logger),
		memory.WithBusyTimeout(cfg.Database.BusyTimeout),
	}
	if metrics != nil {
		opts = append(opts, memory.WithMetrics(metrics))
	}
	store, err := memory.NewSQLiteStore(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return store, nil
}

// buildSupervisor constructs the tool-server supervisor from config, or nil
// when no servers are configured.
func buildSupervisor(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*toolserver.Supervisor, error) {
	if len(cfg.ToolServers) == 0 {
		return nil, nil
	}

	serverConfigs := make([]toolserver.ServerConfig, 0, len(cfg.ToolServers))
	for _, ts := range cfg.ToolServers {
		serverConfigs = append(serverConfigs, toolserver.ServerConfig{
			Name:           ts.Name,
			Command:        ts.Command,
			Args:           ts.Args,
			Env:            ts.Env,
			HealthInterval: ts.HealthInterval,
			MaxRestarts:    ts.MaxRestarts,
		})
	}

	opts := []toolserver.Option{
		toolserver.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, toolserver.WithMetrics(metrics))
	}
	// Share the database with tool servers unless it is process-private.
	if cfg.Database.Path != ":memory:" {
		if abs, err := filepath.Abs(cfg.Database.Path); err == nil {
			opts = append(opts, toolserver.WithDBPath(abs))
		}
	}

	supervisor, err := toolserver.NewSupervisor(serverConfigs, opts...)
	if err != nil {
		return nil, fmt.Errorf("configure tool servers: %w", err)
	}
	return supervisor, nil
}

// renderMessage prints one session-stream message in terminal form. Task
// agent messages are prefixed with the agent id so interleaved activity
// stays attributable.
func renderMessage(out io.Writer, msg models.Message) {
	prefix := ""
	if strings.HasPrefix(msg.AgentID, models.TaskAgentPrefix) {
		prefix = "[" + msg.AgentID + "] "
	}

	switch msg.Type {
	case models.MessageTypeAgent:
		if msg.Content != "" {
			fmt.Fprintf(out, "%s%s\n", prefix, msg.Content)
		}
	case models.MessageTypeThinking:
		if msg.Content != "" {
			fmt.Fprintf(out, "%s(thinking) %s\n", prefix, msg.Content)
		}
	case models.MessageTypeToolCall:
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(out, "%stool> %s %s\n", prefix, call.ToolName, compactArgs(call.ToolArgs))
		}
	case models.MessageTypeToolResult:
		fmt.Fprintf(out, "%stool> %s ok: %s\n", prefix, msg.ToolName, truncate(msg.Result, 200))
	case models.MessageTypeToolError:
		fmt.Fprintf(out, "%stool> %s failed (%s): %s\n", prefix, msg.ToolName, msg.ErrorType, msg.Error)
	case models.MessageTypeError:
		fmt.Fprintf(out, "%serror: %s\n", prefix, msg.Error)
	case models.MessageTypeUsage:
		if msg.Usage != nil {
			fmt.Fprintf(out, "%stokens: %d in / %d out\n", prefix, msg.Usage.InputTokens, msg.Usage.OutputTokens)
		}
	}
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return truncate(string(data), 200)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
