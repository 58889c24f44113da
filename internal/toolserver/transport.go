package toolserver

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/protocol"
)

// Transport is the common capability set every wire variant implements,
// per spec §9's Design Notes: {connect, send, close, healthCheck}. The
// orchestrator dispatches on a closed set of four variants chosen at
// construction (NewTransport), never via further subtype branching at call
// sites.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Events() <-chan *protocol.Notification
	Connected() bool
}

// NewTransport constructs the transport variant named by cfg.Transport.
func NewTransport(cfg *protocol.ServerConfig) (Transport, error) {
	switch cfg.Transport {
	case protocol.TransportSandboxStdio:
		return NewSandboxStdioTransport(cfg), nil
	case protocol.TransportLocalStdio:
		return NewLocalStdioTransport(cfg), nil
	case protocol.TransportHTTP:
		return NewHTTPTransport(cfg), nil
	case protocol.TransportSSE:
		return NewSSETransport(cfg), nil
	default:
		return nil, &unknownTransportError{cfg.Transport}
	}
}

type unknownTransportError struct{ transport protocol.Transport }

func (e *unknownTransportError) Error() string {
	return "toolserver: unknown transport " + string(e.transport)
}
