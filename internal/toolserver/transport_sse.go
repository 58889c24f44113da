package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/nexus/pkg/protocol"
)

// SSETransport is the separate streaming variant spec §6 names: the
// orchestrator writes requests over POST and reads replies/notifications
// from a persistent Server-Sent-Events response body. Split out of the
// teacher's HTTPTransport (which conflated request/response and SSE
// polling into one type) per SPEC_FULL.md's deliberate generalization.
type SSETransport struct {
	cfg       *protocol.ServerConfig
	client    *http.Client
	connected atomic.Bool
	nextID    atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *protocol.Response
	events  chan *protocol.Notification

	cancel context.CancelFunc
}

func NewSSETransport(cfg *protocol.ServerConfig) *SSETransport {
	return &SSETransport{
		cfg:     cfg,
		client:  &http.Client{Timeout: 0},
		pending: make(map[int64]chan *protocol.Response),
		events:  make(chan *protocol.Notification, 64),
	}
}

func (t *SSETransport) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("toolserver: sse transport: status %d", resp.StatusCode)
	}

	t.connected.Store(true)
	go t.readLoop(resp.Body)
	return nil
}

func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer body.Close()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		case line == "":
			if len(dataLines) == 0 {
				continue
			}
			t.dispatch([]byte(strings.Join(dataLines, "\n")))
			dataLines = nil
		}
	}
}

func (t *SSETransport) dispatch(payload []byte) {
	var probe struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	if probe.ID == nil && probe.Method != "" {
		var notif protocol.Notification
		if json.Unmarshal(payload, &notif) == nil {
			select {
			case t.events <- &notif:
			default:
			}
		}
		return
	}
	var resp protocol.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	id, ok := numericID(resp.ID)
	if !ok {
		return
	}
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := t.nextID.Add(1)
	ch := make(chan *protocol.Response, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	body, err := json.Marshal(protocol.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}
	resp.Body.Close()

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	case r := <-ch:
		if r.Error != nil {
			return nil, r.Error
		}
		return r.Result, nil
	}
}

func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	_, err := t.Call(ctx, method, params)
	return err
}

func (t *SSETransport) Events() <-chan *protocol.Notification { return t.events }
func (t *SSETransport) Connected() bool                        { return t.connected.Load() }

func (t *SSETransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connected.Store(false)
	return nil
}
