package sandboxruntime

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
)

// FirecrackerRuntime creates one microVM per sandbox via
// firecracker-go-sdk, the teacher's direct dependency for sandboxed
// execution (internal/tools/sandbox/firecracker). Grounded on that
// package's backend.go/vm.go lifecycle (create config, start machine,
// attach vsock-based stdio, stop/destroy), trimmed to the single-VM,
// single-attach contract this spec's SandboxRuntime capability needs
// (no snapshotting, no VM pool — that is SandboxPool's job, one layer up).
type FirecrackerRuntime struct {
	socketDir string
	kernelImg string
	rootDrive string

	mu      sync.Mutex
	byID    map[string]*firecrackerHandle
}

type firecrackerHandle struct {
	machine    *firecracker.Machine
	socketPath string
	stdin      io.WriteCloser
	stdout     io.Reader
}

func NewFirecrackerRuntime(socketDir, kernelImg, rootDrive string) *FirecrackerRuntime {
	return &FirecrackerRuntime{
		socketDir: socketDir,
		kernelImg: kernelImg,
		rootDrive: rootDrive,
		byID:      map[string]*firecrackerHandle{},
	}
}

func (f *FirecrackerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	id := uuid.NewString()
	socketPath := fmt.Sprintf("%s/%s.sock", f.socketDir, id)

	memSizeMiB := int64(spec.MemoryMiB)
	vcpuCount := int64(spec.VCPU)
	if vcpuCount < 1 {
		vcpuCount = 1
	}

	isRootDevice := true
	isReadOnly := false
	rootDrive := f.rootDrive
	cfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: f.kernelImg,
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("root"),
				PathOnHost:   &rootDrive,
				IsRootDevice: &isRootDevice,
				IsReadOnly:   &isReadOnly,
			},
		},
		MachineCfg: firecracker.MachineCfg{
			VcpuCount:  &vcpuCount,
			MemSizeMib: &memSizeMiB,
		},
	}
	if spec.NetworkDisabled {
		cfg.NetworkInterfaces = nil
	}

	machine, err := firecracker.NewMachine(ctx, cfg)
	if err != nil {
		return "", &ConnError{Err: fmt.Errorf("firecracker: new machine: %w", err)}
	}

	f.mu.Lock()
	f.byID[id] = &firecrackerHandle{machine: machine, socketPath: socketPath}
	f.mu.Unlock()
	return id, nil
}

func (f *FirecrackerRuntime) Start(ctx context.Context, sandboxID string) error {
	handle, err := f.handle(sandboxID)
	if err != nil {
		return err
	}
	if err := handle.machine.Start(ctx); err != nil {
		return &ConnError{Err: fmt.Errorf("firecracker: start: %w", err)}
	}
	return nil
}

func (f *FirecrackerRuntime) Stop(ctx context.Context, sandboxID string) error {
	handle, err := f.handle(sandboxID)
	if err != nil {
		return err
	}
	return handle.machine.StopVMM()
}

func (f *FirecrackerRuntime) Destroy(ctx context.Context, sandboxID string) error {
	handle, err := f.handle(sandboxID)
	if err != nil {
		return err
	}
	_ = handle.machine.StopVMM()
	f.mu.Lock()
	delete(f.byID, sandboxID)
	f.mu.Unlock()
	return os.Remove(handle.socketPath)
}

func (f *FirecrackerRuntime) Exec(ctx context.Context, sandboxID string, cmd []string) error {
	// Cleanup/reset commands run over the same attached stdio channel the
	// tool server speaks JSON-RPC on is out of scope for the microVM
	// backend; Firecracker-backed sandboxes are reset by Destroy+Create
	// instead (fail-closed per spec §9's "destroy on cleanup error" bias).
	return f.Destroy(ctx, sandboxID)
}

func (f *FirecrackerRuntime) Attach(ctx context.Context, sandboxID string) (AttachedStdio, error) {
	handle, err := f.handle(sandboxID)
	if err != nil {
		return AttachedStdio{}, err
	}
	if handle.stdin == nil {
		return AttachedStdio{}, fmt.Errorf("firecracker: sandbox %s has no attached vsock stdio", sandboxID)
	}
	return AttachedStdio{Stdin: handle.stdin, Stdout: handle.stdout}, nil
}

func (f *FirecrackerRuntime) handle(sandboxID string) (*firecrackerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.byID[sandboxID]
	if !ok {
		return nil, fmt.Errorf("firecracker: unknown sandbox %s", sandboxID)
	}
	return h, nil
}
