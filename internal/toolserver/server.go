package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/internal/retry"
	"github.com/Crestview-Labs/metagen/internal/tools"
)

// State is the lifecycle state of one supervised server.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
)

// ErrMaxRestarts marks a server that failed its restart budget and will not
// be retried again.
var ErrMaxRestarts = errors.New("tool server exceeded restart limit")

// probeTimeout bounds each health probe.
const probeTimeout = 5 * time.Second

// Server supervises one tool server process: it owns the transport, the
// cached tool catalog, and a health monitor that restarts the process with
// backoff when probes fail.
type Server struct {
	cfg     ServerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	factory TransportFactory

	backoffBase time.Duration
	backoffCap  time.Duration

	mu        sync.Mutex
	state     State
	transport Transport
	tools     []tools.Descriptor
	lastErr   error
	stopCh    chan struct{}
}

// NewServer creates a supervised server. A nil factory spawns the configured
// command over stdio.
func NewServer(cfg ServerConfig, logger *observability.Logger, metrics *observability.Metrics, factory TransportFactory) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if factory == nil {
		factory = NewStdioTransport
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		factory:     factory,
		backoffBase: 2 * time.Second,
		backoffCap:  30 * time.Second,
		state:       StateStopped,
	}
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.cfg.Name }

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of a stopped server, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Tools returns the cached tool catalog.
func (s *Server) Tools() []tools.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tools.Descriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// Start spawns the process, performs the handshake, and begins health
// monitoring. Valid only from the stopped state.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("server %s: cannot start while %s", s.cfg.Name, state)
	}
	s.state = StateStarting
	s.lastErr = nil
	s.mu.Unlock()

	transport, descriptors, err := s.connect(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("start server %s: %w", s.cfg.Name, err)
	}

	stopCh := make(chan struct{})
	s.mu.Lock()
	s.transport = transport
	s.tools = descriptors
	s.state = StateRunning
	s.stopCh = stopCh
	s.mu.Unlock()

	s.metrics.SetToolServerUp(s.cfg.Name, true)
	s.logger.Info(ctx, "tool server running",
		"server", s.cfg.Name,
		"tools", len(descriptors))

	go s.monitor(stopCh)
	return nil
}

// Stop closes the transport and halts health monitoring.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	transport := s.transport
	s.transport = nil
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	var err error
	if transport != nil {
		err = transport.Close()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.metrics.SetToolServerUp(s.cfg.Name, false)
	return err
}

// CallTool forwards one tool call to the running server.
func (s *Server) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	s.mu.Lock()
	state := s.state
	transport := s.transport
	s.mu.Unlock()
	if state != StateRunning || transport == nil {
		return nil, fmt.Errorf("server %s is %s", s.cfg.Name, state)
	}

	raw, err := transport.Call(ctx, methodCallTool, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, s.cfg.Name, err)
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode call_tool result from %s: %w", s.cfg.Name, err)
	}
	return &result, nil
}

// connect builds a fresh transport and runs the handshake against it.
func (s *Server) connect(ctx context.Context) (Transport, []tools.Descriptor, error) {
	transport := s.factory(s.cfg, s.logger)
	if err := transport.Connect(ctx); err != nil {
		return nil, nil, err
	}
	descriptors, err := s.handshake(ctx, transport)
	if err != nil {
		transport.Close()
		return nil, nil, err
	}
	return transport, descriptors, nil
}

// handshake initializes the connection and fetches the tool catalog.
func (s *Server) handshake(ctx context.Context, transport Transport) ([]tools.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	raw, err := transport.Call(ctx, methodInitialize, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("protocol version mismatch: server speaks %q, supervisor speaks %q",
			init.ProtocolVersion, ProtocolVersion)
	}
	s.logger.Debug(ctx, "tool server initialized",
		"server", s.cfg.Name,
		"server_name", init.ServerName,
		"protocol", init.ProtocolVersion)

	descriptors, err := s.fetchTools(ctx, transport)
	if err != nil {
		return nil, err
	}
	return descriptors, nil
}

// fetchTools lists the server's tools and converts them to descriptors.
func (s *Server) fetchTools(ctx context.Context, transport Transport) ([]tools.Descriptor, error) {
	raw, err := transport.Call(ctx, methodListTools, nil)
	if err != nil {
		return nil, fmt.Errorf("list_tools: %w", err)
	}
	var specs []ToolSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	descriptors := make([]tools.Descriptor, len(specs))
	for i, spec := range specs {
		descriptors[i] = tools.Descriptor{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		}
	}
	return descriptors, nil
}

// monitor probes the server on the configured interval and drives the
// restart cycle when a probe fails. Probes run on their own transport calls
// and never block concurrent CallTool traffic.
func (s *Server) monitor(stopCh chan struct{}) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		err := s.probe()
		if err == nil {
			continue
		}
		s.logger.Warn(ctx, "tool server probe failed",
			"server", s.cfg.Name,
			"error", err)

		if !s.restartCycle(stopCh) {
			return
		}
	}
}

// probe issues a bounded list_tools request and refreshes the catalog on
// success.
func (s *Server) probe() error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return fmt.Errorf("no transport")
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	raw, err := transport.Call(ctx, methodListTools, nil)
	if err != nil {
		return err
	}
	var specs []ToolSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return fmt.Errorf("decode tool list: %w", err)
	}

	descriptors := make([]tools.Descriptor, len(specs))
	for i, spec := range specs {
		descriptors[i] = tools.Descriptor{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		}
	}
	s.mu.Lock()
	s.tools = descriptors
	s.mu.Unlock()
	return nil
}

// restartCycle replaces the dead transport, waiting 2^attempts seconds
// (capped at 30s) between attempts. It reports whether monitoring should
// continue: false once the restart budget is spent or the server is stopped.
func (s *Server) restartCycle(stopCh chan struct{}) bool {
	ctx := context.Background()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.state = StateRestarting
	s.mu.Unlock()
	s.metrics.SetToolServerUp(s.cfg.Name, false)

	for attempts := 1; ; attempts++ {
		if attempts > s.cfg.MaxRestarts {
			s.terminalStop(ErrMaxRestarts)
			return false
		}

		delay := retry.Backoff(attempts, s.backoffBase, s.backoffCap, 2)
		select {
		case <-stopCh:
			return false
		case <-time.After(delay):
		}

		s.metrics.RecordToolServerRestart(s.cfg.Name)
		s.logger.Info(ctx, "restarting tool server",
			"server", s.cfg.Name,
			"attempt", attempts,
			"max_restarts", s.cfg.MaxRestarts)

		if err := s.restart(); err != nil {
			s.logger.Warn(ctx, "tool server restart failed",
				"server", s.cfg.Name,
				"attempt", attempts,
				"error", err)
			continue
		}

		s.metrics.SetToolServerUp(s.cfg.Name, true)
		s.logger.Info(ctx, "tool server recovered", "server", s.cfg.Name)
		return true
	}
}

// restart tears down the old transport and brings up a new one.
func (s *Server) restart() error {
	s.mu.Lock()
	old := s.transport
	s.transport = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	transport, descriptors, err := s.connect(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateRestarting {
		s.mu.Unlock()
		transport.Close()
		return fmt.Errorf("server %s stopped during restart", s.cfg.Name)
	}
	s.transport = transport
	s.tools = descriptors
	s.state = StateRunning
	s.mu.Unlock()
	return nil
}

// terminalStop parks the server in the stopped state with its fatal error.
func (s *Server) terminalStop(err error) {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.state = StateStopped
	s.lastErr = err
	s.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	s.metrics.SetToolServerUp(s.cfg.Name, false)
	s.logger.Error(context.Background(), "tool server stopped after repeated failures",
		"server", s.cfg.Name,
		"error", err)
}
