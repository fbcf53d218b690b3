package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Crestview-Labs/metagen/internal/observability"
	"github.com/Crestview-Labs/metagen/pkg/models"
)

// catalogFactory hands each server its own scripted transport and records
// the order transports are closed in.
type catalogFactory struct {
	mu         sync.Mutex
	closeOrder []string
}

func (f *catalogFactory) factory(cfg ServerConfig, _ *observability.Logger) Transport {
	name := cfg.Name
	var specs []ToolSpec
	var call func(CallToolParams) (any, error)
	switch name {
	case "weather":
		specs = []ToolSpec{{Name: "get_weather"}}
		call = func(p CallToolParams) (any, error) {
			return CallToolResult{Content: json.RawMessage(`"sunny"`)}, nil
		}
	case "files":
		specs = []ToolSpec{{Name: "read_file"}, {Name: "write_file"}}
		call = func(p CallToolParams) (any, error) {
			if p.Name == "write_file" {
				return CallToolResult{Content: json.RawMessage(`"disk full"`), IsError: true}, nil
			}
			return CallToolResult{Content: json.RawMessage(`{"bytes":42}`)}, nil
		}
	}

	return &fakeTransport{
		handler: protocolHandler(name, specs, call),
		onClose: func() {
			f.mu.Lock()
			f.closeOrder = append(f.closeOrder, name)
			f.mu.Unlock()
		},
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *catalogFactory) {
	t.Helper()
	cf := &catalogFactory{}
	sup, err := NewSupervisor(
		[]ServerConfig{
			{Name: "weather", Command: "true"},
			{Name: "files", Command: "true"},
		},
		WithTransportFactory(cf.factory),
	)
	if err != nil {
		t.Fatalf("failed to create supervisor: %v", err)
	}
	if err := sup.StartAll(context.Background()); err != nil {
		t.Fatalf("failed to start servers: %v", err)
	}
	t.Cleanup(func() { sup.Close() })
	return sup, cf
}

func TestSupervisorCatalog(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if got := sup.Servers(); len(got) != 2 || got[0] != "weather" || got[1] != "files" {
		t.Errorf("Servers() = %v, want [weather files]", got)
	}

	listed := sup.ListTools()
	if len(listed) != 3 {
		t.Fatalf("got %d tools, want 3", len(listed))
	}
	wantOrder := []string{"get_weather", "read_file", "write_file"}
	for i, want := range wantOrder {
		if listed[i].Name != want {
			t.Errorf("tools[%d] = %s, want %s", i, listed[i].Name, want)
		}
	}

	if _, ok := sup.FindTool("read_file"); !ok {
		t.Error("expected to find read_file")
	}
	if _, ok := sup.FindTool("ghost"); ok {
		t.Error("did not expect to find ghost")
	}
}

func TestSupervisorCallToolRouting(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	result, err := sup.CallTool(ctx, "get_weather", json.RawMessage(`{"city":"Oslo"}`))
	if err != nil {
		t.Fatalf("failed to call get_weather: %v", err)
	}
	if !result.Success || result.Content != "sunny" {
		t.Errorf("result = %+v", result)
	}

	result, err = sup.CallTool(ctx, "read_file", json.RawMessage(`{"path":"/tmp/x"}`))
	if err != nil {
		t.Fatalf("failed to call read_file: %v", err)
	}
	if !result.Success || result.Content != `{"bytes":42}` {
		t.Errorf("result = %+v", result)
	}

	result, err = sup.CallTool(ctx, "write_file", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("failed to call write_file: %v", err)
	}
	if result.Success || result.Error != "disk full" || result.ErrorType != models.ToolErrorExecution {
		t.Errorf("result = %+v, want execution error", result)
	}

	if _, err := sup.CallTool(ctx, "ghost", nil); err == nil {
		t.Error("expected error for unrouted tool")
	}
}

func TestSupervisorCloseReverseOrder(t *testing.T) {
	sup, cf := newTestSupervisor(t)

	if err := sup.Close(); err != nil {
		t.Fatalf("failed to close supervisor: %v", err)
	}

	cf.mu.Lock()
	order := append([]string(nil), cf.closeOrder...)
	cf.mu.Unlock()
	if len(order) != 2 || order[0] != "files" || order[1] != "weather" {
		t.Errorf("close order = %v, want [files weather]", order)
	}

	for _, name := range sup.Servers() {
		srv, _ := sup.Server(name)
		if got := srv.State(); got != StateStopped {
			t.Errorf("server %s state = %s, want %s", name, got, StateStopped)
		}
	}
}

func TestSupervisorStartAllPartialFailure(t *testing.T) {
	factory := func(cfg ServerConfig, _ *observability.Logger) Transport {
		if cfg.Name == "broken" {
			return &fakeTransport{connectErr: errors.New("exec format error")}
		}
		return &fakeTransport{handler: protocolHandler(cfg.Name, []ToolSpec{{Name: "echo"}}, nil)}
	}

	sup, err := NewSupervisor(
		[]ServerConfig{
			{Name: "broken", Command: "true"},
			{Name: "healthy", Command: "true"},
		},
		WithTransportFactory(factory),
	)
	if err != nil {
		t.Fatalf("failed to create supervisor: %v", err)
	}
	defer sup.Close()

	err = sup.StartAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exec format error") {
		t.Errorf("StartAll error = %v, want spawn failure", err)
	}

	healthy, _ := sup.Server("healthy")
	if got := healthy.State(); got != StateRunning {
		t.Errorf("healthy server state = %s, want %s", got, StateRunning)
	}
	if listed := sup.ListTools(); len(listed) != 1 || listed[0].Name != "echo" {
		t.Errorf("ListTools() = %v, want just echo", listed)
	}

	statuses := sup.Status()
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].State != StateStopped || statuses[0].Error == "" {
		t.Errorf("broken status = %+v", statuses[0])
	}
	if statuses[1].State != StateRunning || statuses[1].Tools != 1 {
		t.Errorf("healthy status = %+v", statuses[1])
	}
}

func TestSupervisorConfigErrors(t *testing.T) {
	tests := []struct {
		name        string
		configs     []ServerConfig
		errContains string
	}{
		{
			name:        "missing command",
			configs:     []ServerConfig{{Name: "a"}},
			errContains: "command is required",
		},
		{
			name:        "missing name",
			configs:     []ServerConfig{{Command: "true"}},
			errContains: "name is required",
		},
		{
			name: "duplicate name",
			configs: []ServerConfig{
				{Name: "a", Command: "true"},
				{Name: "a", Command: "true"},
			},
			errContains: "duplicate tool server name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSupervisor(tt.configs)
			if err == nil {
				t.Fatal("expected config error")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %q, want substring %q", err, tt.errContains)
			}
		})
	}
}

func TestSupervisorInjectsDBPath(t *testing.T) {
	var got map[string]string
	factory := func(cfg ServerConfig, _ *observability.Logger) Transport {
		got = cfg.Env
		return &fakeTransport{handler: protocolHandler(cfg.Name, nil, nil)}
	}

	sup, err := NewSupervisor(
		[]ServerConfig{{
			Name:    "s",
			Command: "true",
			Env:     map[string]string{"EXTRA": "1"},
		}},
		WithDBPath("/home/u/.metagen/metagen.db"),
		WithTransportFactory(factory),
	)
	if err != nil {
		t.Fatalf("failed to create supervisor: %v", err)
	}
	if err := sup.StartAll(context.Background()); err != nil {
		t.Fatalf("failed to start servers: %v", err)
	}
	defer sup.Close()

	if got[DBPathEnv] != "/home/u/.metagen/metagen.db" {
		t.Errorf("env[%s] = %q", DBPathEnv, got[DBPathEnv])
	}
	if got["EXTRA"] != "1" {
		t.Errorf("env[EXTRA] = %q", got["EXTRA"])
	}
}

func TestChildEnv(t *testing.T) {
	tests := []struct {
		name   string
		dbPath string
		extra  map[string]string
		want   map[string]string
	}{
		{
			name: "both empty",
		},
		{
			name:   "db path only",
			dbPath: "/p/db",
			want:   map[string]string{DBPathEnv: "/p/db"},
		},
		{
			name:   "per-server override wins",
			dbPath: "/p/db",
			extra:  map[string]string{DBPathEnv: "/other/db", "A": "1"},
			want:   map[string]string{DBPathEnv: "/other/db", "A": "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := childEnv(tt.dbPath, tt.extra)
			if len(got) != len(tt.want) {
				t.Fatalf("childEnv() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("env[%s] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		cfg         ServerConfig
		errContains string
	}{
		{
			name: "valid",
			cfg:  ServerConfig{Name: "ok", Command: "metagen-toolserver", Args: []string{"--demo"}},
		},
		{
			name:        "path traversal in command",
			cfg:         ServerConfig{Name: "bad", Command: "../../bin/evil"},
			errContains: "path traversal",
		},
		{
			name:        "shell metachars in args",
			cfg:         ServerConfig{Name: "bad", Command: "server", Args: []string{"x; rm -rf /"}},
			errContains: "shell metacharacters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, expected nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.errContains)
			}
		})
	}
}

func TestCallToolResultText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string content", `"plain text"`, "plain text"},
		{"object content", `{"a":1}`, `{"a":1}`},
		{"array content", `[1,2]`, `[1,2]`},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &CallToolResult{Content: json.RawMessage(tt.content)}
			if got := r.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
