// Package registry keeps the command catalog: every endpoint a process
// registers, with the descriptor external consumers (CLI, MCP bridge,
// tests) need to call it. Descriptors are immutable after registration and
// snapshotted to the schema catalog file at server start.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/router"
)

// ParamSpec describes one parameter or result field.
type ParamSpec struct {
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Descriptor is the static metadata describing an endpoint to external
// consumers. Populated at registration, immutable thereafter.
type Descriptor struct {
	Endpoint    string               `json:"endpoint"`
	Description string               `json:"description"`
	Params      map[string]ParamSpec `json:"params,omitempty"`
	Result      map[string]ParamSpec `json:"result,omitempty"`
	AccessLevel string               `json:"accessLevel,omitempty"`
}

// Registry binds descriptors to terminal router subscriptions.
type Registry struct {
	rt *router.Router

	mu          sync.RWMutex
	descriptors map[string]Descriptor
	subs        map[string]*router.Subscription
}

// New creates a registry over a router shard.
func New(rt *router.Router) *Registry {
	return &Registry{
		rt:          rt,
		descriptors: make(map[string]Descriptor),
		subs:        make(map[string]*router.Subscription),
	}
}

// Register installs a terminal handler and records its descriptor. Fails
// with EndpointTaken when the endpoint already has a terminal subscriber.
func (r *Registry) Register(desc Descriptor, owner protocol.Context, fn router.HandlerFunc) error {
	if desc.Endpoint == "" {
		return protocol.InvalidMessage("descriptor requires an endpoint")
	}

	sub, err := r.rt.Register(desc.Endpoint, owner, fn, router.Terminal)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.descriptors[desc.Endpoint] = desc
	r.subs[desc.Endpoint] = sub
	r.mu.Unlock()

	logger.Registry().Debug().Str("endpoint", desc.Endpoint).Msg("command registered")
	return nil
}

// Unregister removes the handler and descriptor. Idempotent.
func (r *Registry) Unregister(endpoint string) {
	r.mu.Lock()
	sub := r.subs[endpoint]
	delete(r.subs, endpoint)
	delete(r.descriptors, endpoint)
	r.mu.Unlock()
	sub.Unregister()
}

// Get returns the descriptor for an endpoint.
func (r *Registry) Get(endpoint string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[endpoint]
	return d, ok
}

// List returns every descriptor sorted by endpoint.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Snapshot writes the schema catalog file atomically (tmp + rename).
func (r *Registry) Snapshot(path string) error {
	data, err := json.MarshalIndent(r.List(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	logger.Registry().Info().Str("path", path).Int("commands", len(r.descriptors)).
		Msg("schema catalog written")
	return nil
}

// LoadCatalog reads a schema catalog snapshot written by Snapshot.
func LoadCatalog(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("malformed catalog %s: %w", path, err)
	}
	return out, nil
}
