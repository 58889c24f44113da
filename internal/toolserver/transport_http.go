package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/haasonsaas/nexus/pkg/protocol"
)

// HTTPTransport speaks request/response JSON-RPC: the orchestrator POSTs
// the message body and expects a JSON-RPC reply, per spec §6. Unlike the
// teacher's HTTPTransport (which embedded an SSE polling loop in the same
// struct), this variant is request/response only; SSETransport below is
// the separate streaming variant spec §6 names.
type HTTPTransport struct {
	cfg       *protocol.ServerConfig
	client    *http.Client
	connected atomic.Bool
	events    chan *protocol.Notification
	nextID    atomic.Int64
}

func NewHTTPTransport(cfg *protocol.ServerConfig) *HTTPTransport {
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout()},
		events: make(chan *protocol.Notification),
	}
}

func (t *HTTPTransport) Connect(ctx context.Context) error {
	if _, err := t.Call(ctx, "ping", nil); err != nil {
		// Connectivity is verified lazily on first real call too; a failed
		// ping at connect time still marks the transport unconnected but is
		// not fatal to construction.
		t.connected.Store(false)
		return nil
	}
	t.connected.Store(true)
	return nil
}

func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := t.nextID.Add(1)
	reqBody, err := json.Marshal(protocol.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		t.connected.Store(false)
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode >= 400 {
		t.connected.Store(false)
		return nil, fmt.Errorf("toolserver: http transport: status %d: %s", httpResp.StatusCode, string(body))
	}
	t.connected.Store(true)

	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("toolserver: http transport: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	_, err := t.Call(ctx, method, params)
	return err
}

func (t *HTTPTransport) Events() <-chan *protocol.Notification { return t.events }
func (t *HTTPTransport) Connected() bool                        { return t.connected.Load() }
