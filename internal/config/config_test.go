package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const baseConfigYAML = `
version: 1
llm:
  api_key: test-key
sandbox:
  kernel_image: /var/lib/nexus/vmlinux
  root_drive: /var/lib/nexus/rootfs.ext4
`

func writeConfigFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "nexus.yaml", baseConfigYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.StateStore.Backend != "memory" {
		t.Errorf("StateStore.Backend = %q, want memory", cfg.StateStore.Backend)
	}
	if cfg.Sandbox.MemoryMiB != 512 {
		t.Errorf("Sandbox.MemoryMiB = %d, want 512", cfg.Sandbox.MemoryMiB)
	}
	if cfg.Pool.MaxTotal != 10 {
		t.Errorf("Pool.MaxTotal = %d, want 10", cfg.Pool.MaxTotal)
	}
	if cfg.Dispatch.WorkerConcurrency != 10 {
		t.Errorf("Dispatch.WorkerConcurrency = %d, want 10", cfg.Dispatch.WorkerConcurrency)
	}
	if cfg.LLM.DefaultModel == "" {
		t.Error("LLM.DefaultModel left empty")
	}
	if cfg.Tracing.ServiceName != "nexus-orchestrator" {
		t.Errorf("Tracing.ServiceName = %q, want nexus-orchestrator", cfg.Tracing.ServiceName)
	}
	if cfg.Tracing.Endpoint != "" {
		t.Errorf("Tracing.Endpoint = %q, want empty (tracing off by default)", cfg.Tracing.Endpoint)
	}
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "nexus.yaml", `
version: 1
sandbox:
  kernel_image: /var/lib/nexus/vmlinux
  root_drive: /var/lib/nexus/rootfs.ext4
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing llm.api_key")
	}
}

func TestLoadRejectsMissingKernelImage(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "nexus.yaml", `
version: 1
llm:
  api_key: test-key
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing sandbox.kernel_image")
	}
}

func TestLoadRejectsBadStateStoreBackend(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "nexus.yaml", baseConfigYAML+"state_store:\n  backend: mongodb\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported state_store.backend")
	}
}

func TestLoadRequiresRedisURL(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "nexus.yaml", baseConfigYAML+"state_store:\n  backend: redis\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for redis backend without url")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "nexus.yaml", `
version: 1
sandbox:
  kernel_image: /var/lib/nexus/vmlinux
  root_drive: /var/lib/nexus/rootfs.ext4
`)

	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("ENABLE_SANDBOX_POOL", "true")
	t.Setenv("POOL_MAX_TOTAL", "25")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("IDLE_SESSION_TTL_MS", "30000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("LLM.APIKey = %q, want env-key", cfg.LLM.APIKey)
	}
	if !cfg.Pool.Enabled {
		t.Error("Pool.Enabled = false, want true")
	}
	if cfg.Pool.MaxTotal != 25 {
		t.Errorf("Pool.MaxTotal = %d, want 25", cfg.Pool.MaxTotal)
	}
	if cfg.Dispatch.WorkerConcurrency != 4 {
		t.Errorf("Dispatch.WorkerConcurrency = %d, want 4", cfg.Dispatch.WorkerConcurrency)
	}
	if cfg.Session.IdleTTL != 30*time.Second {
		t.Errorf("Session.IdleTTL = %v, want 30s", cfg.Session.IdleTTL)
	}
}

func TestLoadResolvesInclude(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm.yaml", "llm:\n  api_key: included-key\n")
	path := writeConfigFile(t, dir, "nexus.yaml", `
version: 1
$include: llm.yaml
sandbox:
  kernel_image: /var/lib/nexus/vmlinux
  root_drive: /var/lib/nexus/rootfs.ext4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "included-key" {
		t.Errorf("LLM.APIKey = %q, want included-key", cfg.LLM.APIKey)
	}
}
