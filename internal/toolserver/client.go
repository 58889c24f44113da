package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/pkg/protocol"
)

// Client wraps one Transport with the tool-server JSON-RPC method surface:
// initialize handshake, tools/list, tools/call. Grounded on the teacher's
// mcp.Client (Connect/RefreshCapabilities/CallTool), trimmed to the tool
// capability only since resources/prompts/sampling are not part of this
// spec's tool-protocol surface.
type Client struct {
	Name      string
	transport Transport
	tools     []protocol.RemoteTool
}

func NewClient(name string, transport Transport) *Client {
	return &Client{Name: name, transport: transport}
}

// Connect opens the transport and performs the initialize handshake,
// tolerating servers that don't implement "initialize" by proceeding
// straight to tools/list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("toolserver: connect %s: %w", c.Name, err)
	}
	_, _ = c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "nexus-orchestrator", "version": "1"},
	})
	return c.RefreshTools(ctx)
}

// RefreshTools re-fetches the server's tool catalog.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.transport.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("toolserver: tools/list %s: %w", c.Name, err)
	}
	var result protocol.ToolListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("toolserver: tools/list %s: %w", c.Name, err)
	}
	c.tools = result.Tools
	return nil
}

func (c *Client) Tools() []protocol.RemoteTool { return c.tools }

// CallTool invokes tools/call with the given original (un-namespaced) name.
func (c *Client) CallTool(ctx context.Context, originalName string, args json.RawMessage) (*protocol.CallToolResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", protocol.CallToolParams{Name: originalName, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("toolserver: tools/call %s/%s: %w", c.Name, originalName, err)
	}
	return &result, nil
}

// HealthCheck performs the capability probe HealthMonitor uses: a
// lightweight tools/list round trip.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.RefreshTools(ctx)
}

func (c *Client) Connected() bool { return c.transport.Connected() }

func (c *Client) Close() error { return c.transport.Close() }
