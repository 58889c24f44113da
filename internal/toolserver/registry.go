// Package toolserver implements the ToolServerRegistry (spec §4.4): the
// file-backed tool-servers.json document, its transactional load/save,
// env-placeholder interpolation, and typed change events.
package toolserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus/pkg/orcherr"
	"github.com/haasonsaas/nexus/pkg/protocol"
)

// EventKind is one of the typed Registry change events.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventRemoved  EventKind = "removed"
	EventUpdated  EventKind = "updated"
	EventEnabled  EventKind = "enabled"
	EventDisabled EventKind = "disabled"
	EventSettings EventKind = "settings"
	EventReloaded EventKind = "reloaded"
)

// Event is emitted to Registry observers on every mutation.
type Event struct {
	Kind EventKind
	Name string
}

// Registry owns the tool-servers.json document: load/validate/mutate, with
// transactional (write-temp-then-rename) persistence and typed events.
// Grounded on internal/config/loader.go's file-parsing style and the
// teacher's JSON-RPC ServerConfig.Validate pattern, generalized to the
// four-transport discriminator in pkg/protocol.
type Registry struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	doc  protocol.Document

	subMu sync.Mutex
	subs  []chan Event
}

// NewRegistry loads path (creating an empty document if it does not exist).
func NewRegistry(path string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{path: path, log: log.With("component", "toolserver.registry")}
	if err := r.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		r.doc = protocol.Document{
			Servers: map[string]*protocol.ServerConfig{},
			Settings: protocol.Settings{
				AutoConnect:           true,
				HealthCheckIntervalMs: 60000,
				ToolNamespacing:       protocol.NamespaceAuto,
			},
		}
	}
	return r, nil
}

// Load (re)reads the document from disk, resolving ${NAME} env placeholders.
// Unresolved placeholders are logged as warnings, not treated as failures,
// per spec §4.4.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	expanded, unresolved := expandPlaceholders(string(data))
	for _, name := range unresolved {
		r.log.Warn("unresolved env placeholder in tool-servers.json", "placeholder", name)
	}

	var doc protocol.Document
	if err := unmarshalByExt(r.path, []byte(expanded), &doc); err != nil {
		return fmt.Errorf("toolserver: parse %s: %w", r.path, err)
	}
	if doc.Servers == nil {
		doc.Servers = map[string]*protocol.ServerConfig{}
	}
	for name, cfg := range doc.Servers {
		if err := cfg.Validate(name); err != nil {
			return fmt.Errorf("toolserver: invalid config: %w", err)
		}
	}

	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	r.emit(Event{Kind: EventReloaded})
	return nil
}

// Save persists the current document transactionally: write to a temp file
// in the same directory, then rename over the target (atomic on POSIX).
func (r *Registry) Save() error {
	r.mu.RLock()
	doc := r.doc
	r.mu.RUnlock()

	data, err := marshalByExt(r.path, doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".tool-servers-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}

// Subscribe returns a channel of future Events. The channel is never closed
// by Registry; callers should stop reading when done.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) emit(evt Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Get returns a copy of a server's config.
func (r *Registry) Get(name string) (protocol.ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.doc.Servers[name]
	if !ok {
		return protocol.ServerConfig{}, false
	}
	return *cfg, true
}

// All returns a snapshot of every configured server, keyed by name.
func (r *Registry) All() map[string]protocol.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]protocol.ServerConfig, len(r.doc.Servers))
	for name, cfg := range r.doc.Servers {
		out[name] = *cfg
	}
	return out
}

// Settings returns the current settings block.
func (r *Registry) Settings() protocol.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Settings
}

// Add inserts a new server config. Returns a Conflict-flavored error if the
// name already exists.
func (r *Registry) Add(name string, cfg protocol.ServerConfig) error {
	if err := cfg.Validate(name); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.doc.Servers[name]; exists {
		r.mu.Unlock()
		return orcherr.Conflictf("toolserver: server %q already exists", name)
	}
	r.doc.Servers[name] = &cfg
	r.mu.Unlock()
	if err := r.Save(); err != nil {
		return err
	}
	r.emit(Event{Kind: EventAdded, Name: name})
	return nil
}

// Update replaces an existing server's config.
func (r *Registry) Update(name string, cfg protocol.ServerConfig) error {
	if err := cfg.Validate(name); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.doc.Servers[name]; !exists {
		r.mu.Unlock()
		return orcherr.NotFoundf("toolserver: server %q not found", name)
	}
	r.doc.Servers[name] = &cfg
	r.mu.Unlock()
	if err := r.Save(); err != nil {
		return err
	}
	r.emit(Event{Kind: EventUpdated, Name: name})
	return nil
}

// Remove deletes a server config.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	if _, exists := r.doc.Servers[name]; !exists {
		r.mu.Unlock()
		return orcherr.NotFoundf("toolserver: server %q not found", name)
	}
	delete(r.doc.Servers, name)
	r.mu.Unlock()
	if err := r.Save(); err != nil {
		return err
	}
	r.emit(Event{Kind: EventRemoved, Name: name})
	return nil
}

// SetEnabled toggles a server's enabled flag and persists the change.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	cfg, exists := r.doc.Servers[name]
	if !exists {
		r.mu.Unlock()
		return orcherr.NotFoundf("toolserver: server %q not found", name)
	}
	cfg.Enabled = enabled
	r.mu.Unlock()
	if err := r.Save(); err != nil {
		return err
	}
	kind := EventDisabled
	if enabled {
		kind = EventEnabled
	}
	r.emit(Event{Kind: kind, Name: name})
	return nil
}

// UpdateSettings replaces the settings block.
func (r *Registry) UpdateSettings(s protocol.Settings) error {
	r.mu.Lock()
	r.doc.Settings = s
	r.mu.Unlock()
	if err := r.Save(); err != nil {
		return err
	}
	r.emit(Event{Kind: EventSettings})
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandPlaceholders substitutes ${NAME} from the process environment,
// leaving unresolved placeholders verbatim and reporting their names.
func expandPlaceholders(s string) (string, []string) {
	var unresolved []string
	expanded := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		unresolved = append(unresolved, name)
		return match
	})
	return expanded, unresolved
}

func unmarshalByExt(path string, data []byte, doc *protocol.Document) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, doc)
	default:
		return json.Unmarshal(data, doc)
	}
}

func marshalByExt(path string, doc protocol.Document) ([]byte, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Marshal(doc)
	default:
		return json.MarshalIndent(doc, "", "  ")
	}
}
