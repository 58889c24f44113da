// Package sandboxruntime defines the SandboxRuntime capability (spec §1,
// §4.3): create/start/stop a sandboxed process with resource caps and
// attached stdio streams, plus exec of cleanup commands. It is an external
// collaborator per spec.md's scope; this package defines the interface, a
// circuit-broken/retrying wrapper every caller should use, and a
// firecracker-go-sdk-backed adapter.
package sandboxruntime

import (
	"context"
	"io"
	"time"
)

// Spec is the desired shape of a sandbox to create.
type Spec struct {
	Image   string
	Command []string
	Env     map[string]string

	MemoryMiB       int
	VCPU            float64
	NetworkDisabled bool
}

// DefaultSpec fills in spec §4.3's resource-cap defaults.
func DefaultSpec() Spec {
	return Spec{
		MemoryMiB:       512,
		VCPU:            0.5,
		NetworkDisabled: true,
	}
}

// AttachedStdio exposes a running sandbox's multiplexed stdio pipe, ready
// for toolserver.SandboxStdioTransport.Attach.
type AttachedStdio struct {
	Stdin  io.WriteCloser
	Stdout io.Reader // multiplexed: framed per pkg/protocol.FrameReader
}

// Runtime is the capability every sandbox-backed component depends on.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (sandboxID string, err error)
	Start(ctx context.Context, sandboxID string) error
	Stop(ctx context.Context, sandboxID string) error
	Destroy(ctx context.Context, sandboxID string) error
	Attach(ctx context.Context, sandboxID string) (AttachedStdio, error)
	// Exec runs a one-shot command inside the sandbox, used for the
	// workspace-reset cleanup command (spec §4.2's release policy).
	Exec(ctx context.Context, sandboxID string, cmd []string) error
}

// RetryableStatus reports whether an HTTP-flavored status code should be
// retried by the circuit-broken wrapper, per spec §4.3.
func RetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

const (
	DefaultMaxConcurrent = 20
	DefaultQueueCapacity = 100
	DefaultRetryAttempts = 3
	DefaultRetryBase     = time.Second
)
