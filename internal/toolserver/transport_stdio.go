package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/nexus/pkg/protocol"
)

// stdioCore is the shared duplex JSON-RPC-over-newline-delimited-stdio
// engine used by both local-stdio and sandbox-stdio transports. Grounded on
// the teacher's StdioTransport (pending-map correlation by request ID, a
// dedicated read loop, a buffered scanner) generalized to accept any
// io.Reader/io.WriteCloser pair rather than always owning a spawned
// *exec.Cmd, so the sandbox-attached variant can plug in demultiplexed
// frames instead of a raw process pipe.
type stdioCore struct {
	log    *slog.Logger
	stdin  io.WriteCloser
	stdout io.Reader

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan *protocol.Response
	events    chan *protocol.Notification
	connected atomic.Bool

	closeOnce sync.Once
	closeFn   func() error
}

func newStdioCore(log *slog.Logger, stdin io.WriteCloser, stdout io.Reader, closeFn func() error) *stdioCore {
	return &stdioCore{
		log:     log,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *protocol.Response),
		events:  make(chan *protocol.Notification, 64),
		closeFn: closeFn,
	}
}

func (c *stdioCore) start() {
	c.connected.Store(true)
	go c.readLoop()
}

func (c *stdioCore) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.processLine(scanner.Bytes())
	}
	c.connected.Store(false)
}

func (c *stdioCore) processLine(line []byte) {
	var probe struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		c.log.Warn("stdio transport: malformed line", "error", err)
		return
	}
	if probe.ID == nil && probe.Method != "" {
		var notif protocol.Notification
		if err := json.Unmarshal(line, &notif); err == nil {
			select {
			case c.events <- &notif:
			default:
			}
		}
		return
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.log.Warn("stdio transport: malformed response", "error", err)
		return
	}
	id, ok := numericID(resp.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

func numericID(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

func (c *stdioCore) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := protocol.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *stdioCore) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(protocol.Notification{JSONRPC: "2.0", Method: method, Params: raw})
}

func (c *stdioCore) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.stdin.Write(data)
	return err
}

func (c *stdioCore) Events() <-chan *protocol.Notification { return c.events }
func (c *stdioCore) Connected() bool                        { return c.connected.Load() }

func (c *stdioCore) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if c.closeFn != nil {
			err = c.closeFn()
		}
	})
	return err
}

// LocalStdioTransport spawns a local process and speaks newline-delimited
// JSON-RPC over its stdin/stdout, per spec §6's local-stdio variant.
type LocalStdioTransport struct {
	cfg *protocol.ServerConfig
	log *slog.Logger
	cmd *exec.Cmd
	*stdioCore
}

func NewLocalStdioTransport(cfg *protocol.ServerConfig) *LocalStdioTransport {
	return &LocalStdioTransport{cfg: cfg, log: slog.Default().With("server", cfg.Command)}
}

func (t *LocalStdioTransport) Connect(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Cwd
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	t.cmd = cmd
	t.stdioCore = newStdioCore(t.log, stdin, stdout, func() error {
		_ = stdin.Close()
		return cmd.Process.Kill()
	})
	t.stdioCore.start()
	return nil
}

// SandboxStdioTransport speaks newline-delimited JSON-RPC over a sandbox's
// attached stdio streams, demultiplexing the runtime's 8-byte frame header
// (pkg/protocol.FrameReader) before any line is handed to the JSON-RPC
// scanner, per spec §9.
type SandboxStdioTransport struct {
	cfg    *protocol.ServerConfig
	log    *slog.Logger
	stdin  io.WriteCloser
	stdout io.Reader
	closeFn func() error
	*stdioCore
}

// NewSandboxStdioTransport wraps already-attached sandbox stdio streams.
// The caller (ConnectionManager, via SandboxRuntime.Attach) is responsible
// for creating/owning the sandbox; this transport only demultiplexes and
// speaks JSON-RPC over the given streams.
func NewSandboxStdioTransport(cfg *protocol.ServerConfig) *SandboxStdioTransport {
	return &SandboxStdioTransport{cfg: cfg, log: slog.Default().With("server", cfg.ContainerImage)}
}

// Attach binds the transport to a running sandbox's multiplexed stdio pipe.
func (t *SandboxStdioTransport) Attach(stdin io.WriteCloser, multiplexed io.Reader, closeFn func() error) {
	t.stdin = stdin
	t.stdout = multiplexed
	t.closeFn = closeFn
}

func (t *SandboxStdioTransport) Connect(ctx context.Context) error {
	if t.stdin == nil || t.stdout == nil {
		return fmt.Errorf("toolserver: sandbox-stdio transport not attached")
	}
	demuxR, demuxW := io.Pipe()
	go t.demux(demuxW)
	t.stdioCore = newStdioCore(t.log, t.stdin, demuxR, t.closeFn)
	t.stdioCore.start()
	return nil
}

// demux reads framed chunks off the sandbox's multiplexed stream and
// forwards stdout-stream payloads as a plain byte stream for the JSON-RPC
// scanner; stderr frames are logged instead of being parsed as JSON-RPC.
func (t *SandboxStdioTransport) demux(w *io.PipeWriter) {
	fr := protocol.NewFrameReader(t.stdout)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			w.CloseWithError(err)
			return
		}
		switch frame.Stream {
		case protocol.StreamStdout:
			if _, err := w.Write(frame.Payload); err != nil {
				w.CloseWithError(err)
				return
			}
		case protocol.StreamStderr:
			t.log.Debug("sandbox stderr", "output", string(frame.Payload))
		}
	}
}
