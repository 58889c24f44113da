// Package connection implements the ConnectionManager (spec §4.5): opening
// and closing clients to enabled tool servers, aggregating their catalogs
// under the deterministic namespacing rules, and routing tool calls back to
// the owning server. Grounded on internal/toolserver's predecessor
// mcp.Manager (Start/Stop/Connect/AllTools/CallTool/FindTool) and on the
// collision-handling technique of internal/tools/naming, generalized to the
// exact auto/prefix/none algorithm spec §4.5 states.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/internal/toolserver"
	"github.com/haasonsaas/nexus/pkg/orcherr"
	"github.com/haasonsaas/nexus/pkg/protocol"
)

// ExposedTool is one entry in the aggregate catalog getAllTools() returns.
type ExposedTool struct {
	protocol.ToolDescriptor
}

type serverEntry struct {
	name   string
	cfg    protocol.ServerConfig
	client *toolserver.Client
}

// Manager owns one Client per enabled tool server and the exposed-name
// routing table derived from the configured NamespacingStrategy.
type Manager struct {
	log      *slog.Logger
	registry *toolserver.Registry
	strategy protocol.NamespacingStrategy

	mu      sync.RWMutex
	servers map[string]*serverEntry
	// route maps exposedName -> serverName for the current catalog snapshot.
	route map[string]routeEntry
}

type routeEntry struct {
	serverName   string
	originalName string
}

func NewManager(registry *toolserver.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "connection.manager"),
		registry: registry,
		servers:  map[string]*serverEntry{},
		route:    map[string]routeEntry{},
	}
}

// Initialize connects to every enabled server. Per-server connection
// failures are logged but never abort initialization (spec §7: per-server
// failures are isolated).
func (m *Manager) Initialize(ctx context.Context) error {
	settings := m.registry.Settings()
	m.mu.Lock()
	m.strategy = settings.ToolNamespacing
	m.mu.Unlock()

	for name, cfg := range m.registry.All() {
		if !cfg.Enabled {
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			m.log.Error("connect server failed", "server", name, "error", err)
		}
	}
	m.rebuildRoutes()
	return nil
}

func (m *Manager) connectServer(ctx context.Context, name string, cfg protocol.ServerConfig) error {
	transport, err := toolserver.NewTransport(&cfg)
	if err != nil {
		return err
	}
	client := toolserver.NewClient(name, transport)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.servers[name] = &serverEntry{name: name, cfg: cfg, client: client}
	m.mu.Unlock()
	return nil
}

// Disconnect closes and forgets one server's client.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.rebuildRoutes()
	return entry.client.Close()
}

// Reconnect re-establishes a server's client, used by HealthMonitor.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	cfg, ok := m.registry.Get(name)
	if !ok {
		return orcherr.NotFoundf("connection: server %q not configured", name)
	}
	_ = m.Disconnect(name)
	if err := m.connectServer(ctx, name, cfg); err != nil {
		return err
	}
	m.rebuildRoutes()
	return nil
}

// CheckHealth performs the capability probe HealthMonitor calls.
func (m *Manager) CheckHealth(ctx context.Context, name string) error {
	m.mu.RLock()
	entry, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return orcherr.NotFoundf("connection: server %q not connected", name)
	}
	return entry.client.HealthCheck(ctx)
}

// Cleanup closes every connected client.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	servers := m.servers
	m.servers = map[string]*serverEntry{}
	m.mu.Unlock()
	for _, entry := range servers {
		_ = entry.client.Close()
	}
}

// rebuildRoutes recomputes the exposedName -> (server, originalName) table
// implementing spec §4.5's precise naming rules.
func (m *Manager) rebuildRoutes() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deterministic iteration order: sorted server names, matching "order =
	// iteration order of enabled map" read as a stable, reproducible order
	// rather than Go's randomized map iteration.
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	// First pass: count how many servers publish each originalName, needed
	// by the `auto` strategy's per-tool-collision branch.
	nameCount := map[string]int{}
	for _, name := range names {
		for _, t := range m.servers[name].client.Tools() {
			nameCount[t.Name]++
		}
	}
	multiServer := len(names) > 1

	route := map[string]routeEntry{}
	for _, name := range names {
		entry := m.servers[name]
		prefix := entry.cfg.ToolPrefix
		if prefix == "" {
			prefix = name
		}
		for _, t := range entry.client.Tools() {
			exposed := t.Name
			switch m.strategy {
			case protocol.NamespacePrefix:
				exposed = prefix + "_" + t.Name
			case protocol.NamespaceNone:
				exposed = t.Name
			case protocol.NamespaceAuto, "":
				if multiServer || nameCount[t.Name] > 1 {
					exposed = prefix + "_" + t.Name
				} else {
					exposed = t.Name
				}
			}
			// none: last-registered wins, i.e. later entries in sorted
			// order overwrite earlier ones deterministically.
			route[exposed] = routeEntry{serverName: name, originalName: t.Name}
		}
	}
	m.route = route
}

// GetAllTools returns the aggregate catalog with names resolved per the
// namespacing strategy.
func (m *Manager) GetAllTools() []ExposedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ExposedTool, 0, len(m.route))
	for exposed, re := range m.route {
		entry, ok := m.servers[re.serverName]
		if !ok {
			continue
		}
		for _, t := range entry.client.Tools() {
			if t.Name != re.originalName {
				continue
			}
			out = append(out, ExposedTool{protocol.ToolDescriptor{
				ServerName:   re.serverName,
				OriginalName: t.Name,
				ExposedName:  exposed,
				Description:  t.Description,
				Parameters:   t.InputSchema,
			}})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposedName < out[j].ExposedName })
	return out
}

// resolve implements spec §4.5's routing algorithm: prefix-match, then
// exact-match, then dash/underscore mangling fallback, else ToolNotFound.
func (m *Manager) resolve(exposedName string) (routeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if re, ok := m.route[exposedName]; ok {
		return re, nil
	}
	// Step 1: prefix match against any enabled server's prefix.
	for name, entry := range m.servers {
		prefix := entry.cfg.ToolPrefix
		if prefix == "" {
			prefix = name
		}
		if strings.HasPrefix(exposedName, prefix+"_") {
			original := exposedName[len(prefix)+1:]
			if hasTool(entry, original) {
				return routeEntry{serverName: name, originalName: original}, nil
			}
		}
	}
	// Step 2: already covered by the route-table lookup above (exact match
	// against advertised exposed names); nothing further to do here.

	// Step 3: dash/underscore mangling fallback.
	mangled := mangleVariants(exposedName)
	for _, candidate := range mangled {
		if re, ok := m.route[candidate]; ok {
			return re, nil
		}
		for name, entry := range m.servers {
			if hasTool(entry, candidate) {
				return routeEntry{serverName: name, originalName: candidate}, nil
			}
		}
	}

	return routeEntry{}, orcherr.New(orcherr.NotFound, "tool_not_found", fmt.Sprintf("tool %q not found", exposedName), nil)
}

func hasTool(entry *serverEntry, name string) bool {
	for _, t := range entry.client.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

func mangleVariants(name string) []string {
	dashToUnderscore := strings.ReplaceAll(name, "-", "_")
	underscoreToDash := strings.ReplaceAll(name, "_", "-")
	variants := []string{}
	if dashToUnderscore != name {
		variants = append(variants, dashToUnderscore)
	}
	if underscoreToDash != name {
		variants = append(variants, underscoreToDash)
	}
	return variants
}

// ExecuteTool routes exposedName to its owning server and invokes it.
func (m *Manager) ExecuteTool(ctx context.Context, exposedName string, args json.RawMessage) (*protocol.CallToolResult, error) {
	re, err := m.resolve(exposedName)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	entry, ok := m.servers[re.serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, orcherr.NotFoundf("connection: server %q not connected", re.serverName)
	}
	return entry.client.CallTool(ctx, re.originalName, args)
}
