package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/internal/tools"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// Supervisor manages the configured set of tool servers and exposes their
// merged catalogs to the tool registry. The set is fixed at construction;
// individual servers restart themselves under the hood.
type Supervisor struct {
	servers map[string]*Server
	order   []string
	logger  *observability.Logger
	metrics *observability.Metrics
}

var _ tools.ServerCatalog = (*Supervisor)(nil)

// Option configures a Supervisor.
type Option func(*supervisorOptions)

type supervisorOptions struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	dbPath  string
	factory TransportFactory
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *observability.Logger) Option {
	return func(o *supervisorOptions) { o.logger = logger }
}

// WithMetrics attaches restart and availability metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *supervisorOptions) { o.metrics = metrics }
}

// WithDBPath injects the profile database path into every child environment
// as METAGEN_DB_PATH. Per-server env entries take precedence.
func WithDBPath(path string) Option {
	return func(o *supervisorOptions) { o.dbPath = path }
}

// WithTransportFactory overrides how server transports are built.
func WithTransportFactory(factory TransportFactory) Option {
	return func(o *supervisorOptions) { o.factory = factory }
}

// NewSupervisor validates the server configs and builds one Server per
// entry. Nothing is spawned until StartAll.
func NewSupervisor(configs []ServerConfig, opts ...Option) (*Supervisor, error) {
	var options supervisorOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = observability.NewNopLogger()
	}

	s := &Supervisor{
		servers: make(map[string]*Server, len(configs)),
		logger:  options.logger,
		metrics: options.metrics,
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("tool server config: %w", err)
		}
		if _, exists := s.servers[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate tool server name %q", cfg.Name)
		}
		cfg.Env = childEnv(options.dbPath, cfg.Env)
		s.servers[cfg.Name] = NewServer(cfg, options.logger, options.metrics, options.factory)
		s.order = append(s.order, cfg.Name)
	}
	return s, nil
}

// childEnv merges the database path injection with per-server additions.
func childEnv(dbPath string, extra map[string]string) map[string]string {
	if dbPath == "" && len(extra) == 0 {
		return nil
	}
	env := make(map[string]string, len(extra)+1)
	if dbPath != "" {
		env[DBPathEnv] = dbPath
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// StartAll starts every server in declaration order. A server that fails to
// start is reported but does not prevent the others from starting.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.order {
		if err := s.servers[name].Start(ctx); err != nil {
			s.logger.Error(ctx, "tool server failed to start",
				"server", name,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every server in reverse declaration order.
func (s *Supervisor) Close() error {
	var errs []error
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.servers[s.order[i]].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.order[i], err))
		}
	}
	return errors.Join(errs...)
}

// Server returns the named server.
func (s *Supervisor) Server(name string) (*Server, bool) {
	srv, ok := s.servers[name]
	return srv, ok
}

// Servers returns the managed server names in declaration order.
func (s *Supervisor) Servers() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ListTools merges the tool catalogs of every server, in declaration order.
func (s *Supervisor) ListTools() []tools.Descriptor {
	var out []tools.Descriptor
	for _, name := range s.order {
		out = append(out, s.servers[name].Tools()...)
	}
	return out
}

// FindTool locates a tool by name across all servers. The first server to
// claim a name wins.
func (s *Supervisor) FindTool(name string) (tools.Descriptor, bool) {
	for _, serverName := range s.order {
		for _, desc := range s.servers[serverName].Tools() {
			if desc.Name == name {
				return desc, true
			}
		}
	}
	return tools.Descriptor{}, false
}

// CallTool forwards a call to the server hosting the named tool and converts
// the wire result into an executor result.
func (s *Supervisor) CallTool(ctx context.Context, name string, args json.RawMessage) (*tools.Result, error) {
	server := s.owner(name)
	if server == nil {
		return nil, fmt.Errorf("no tool server provides %q", name)
	}

	result, err := server.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return &tools.Result{
			Success:   false,
			Error:     result.Text(),
			ErrorType: models.ToolErrorExecution,
		}, nil
	}
	return &tools.Result{Success: true, Content: result.Text()}, nil
}

// owner returns the server whose catalog contains the named tool.
func (s *Supervisor) owner(name string) *Server {
	for _, serverName := range s.order {
		server := s.servers[serverName]
		for _, desc := range server.Tools() {
			if desc.Name == name {
				return server
			}
		}
	}
	return nil
}

// ServerStatus is a point-in-time snapshot of one server for CLI reporting.
type ServerStatus struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	Tools int    `json:"tools"`
	Error string `json:"error,omitempty"`
}

// Status snapshots every server in declaration order.
func (s *Supervisor) Status() []ServerStatus {
	out := make([]ServerStatus, 0, len(s.order))
	for _, name := range s.order {
		server := s.servers[name]
		status := ServerStatus{
			Name:  name,
			State: server.State(),
			Tools: len(server.Tools()),
		}
		if err := server.Err(); err != nil {
			status.Error = err.Error()
		}
		out = append(out, status)
	}
	return out
}
