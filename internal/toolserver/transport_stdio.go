package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Crestview-Labs/metagen/internal/observability"
)

// Transport is a duplex request/response connection to one tool server
// process. Implementations must allow concurrent Call invocations.
type Transport interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// TransportFactory builds the transport for a server. Tests substitute fakes.
type TransportFactory func(cfg ServerConfig, logger *observability.Logger) Transport

// NewStdioTransport is the default TransportFactory.
func NewStdioTransport(cfg ServerConfig, logger *observability.Logger) Transport {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &stdioTransport{
		cfg:      cfg,
		logger:   logger.WithFields("server", cfg.Name, "transport", "stdio"),
		pending:  make(map[int64]chan *jsonRPCResponse),
		stopChan: make(chan struct{}),
	}
}

// stdioTransport spawns the server process and frames JSON-RPC messages one
// per line over its stdin/stdout. Stderr is drained into the server log.
type stdioTransport struct {
	cfg    ServerConfig
	logger *observability.Logger

	process *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan *jsonRPCResponse
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect starts the subprocess and the read loops. The process lives until
// Close; ctx only bounds the spawn itself.
func (t *stdioTransport) Connect(ctx context.Context) error {
	procCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.process = exec.CommandContext(procCtx, t.cfg.Command, t.cfg.Args...)

	t.process.Env = os.Environ()
	for k, v := range t.cfg.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line limit

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		cancel()
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info(ctx, "started tool server process",
		"command", t.cfg.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}

	return nil
}

// Close terminates the subprocess and fails any pending calls.
func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)

		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.cancel != nil {
			t.cancel()
		}

		t.wg.Wait()
		if t.process != nil {
			_ = t.process.Wait()
		}
	})
	return nil
}

// Call sends a request and waits for the matching response.
func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("transport not connected")
	}

	id := t.nextID.Add(1)
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *jsonRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.writeMu.Lock()
	_, err = t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// readLoop reads responses from stdout until the process exits.
func (t *stdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)
	defer t.failPending()

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}

	if err := t.stdout.Err(); err != nil {
		t.logger.Error(context.Background(), "stdout scanner error", "error", err)
	}
}

// processLine routes one JSON-RPC response to its waiting caller.
func (t *stdioTransport) processLine(line string) {
	var resp jsonRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.logger.Warn(context.Background(), "discarding unparseable server output", "line", line)
		return
	}
	if resp.ID == nil {
		t.logger.Warn(context.Background(), "discarding response without id")
		return
	}

	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		t.logger.Warn(context.Background(), "unexpected response id type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

// failPending unblocks callers whose responses can no longer arrive.
func (t *stdioTransport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// logStderr captures the child's stderr into the server log.
func (t *stdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		if line := scanner.Text(); line != "" {
			t.logger.Debug(context.Background(), "tool server stderr", "message", line)
		}
	}
}
