// Package registry tracks loaded server instances: identity, cached
// schema, and the live upstream session. All mutation goes through a
// single mutex; concurrent lookups during a remove are answered with a
// plain miss.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/mcpbox/internal/bridge"
	"github.com/jkaninda/mcpbox/internal/schema"
)

// ErrNotFound reports a lookup or remove against an unknown instance.
var ErrNotFound = errors.New("instance not found")

// Session is the live upstream capability held per instance.
// *upstream.Connector satisfies it.
type Session interface {
	Call(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// Instance is one loaded server.
type Instance struct {
	ID            string
	Name          string
	Status        string
	Tools         []schema.ToolDescriptor
	Prompts       []schema.PromptDescriptor
	InterfaceText string
	Fingerprint   string
	CreatedAt     time.Time

	conn Session
}

// Conn returns the live upstream session.
func (i *Instance) Conn() Session { return i.conn }

// Uptime is derived on every read.
func (i *Instance) Uptime() time.Duration { return time.Since(i.CreatedAt) }

// Registry is the in-memory instance table.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		logger:    logger.With(slog.String("component", "registry")),
	}
}

// Create registers a freshly loaded instance and assigns its id.
func (r *Registry) Create(name string, conn Session, tools []schema.ToolDescriptor, prompts []schema.PromptDescriptor, interfaceText, fingerprint string) *Instance {
	inst := &Instance{
		ID:            uuid.NewString(),
		Name:          name,
		Status:        "ready",
		Tools:         tools,
		Prompts:       prompts,
		InterfaceText: interfaceText,
		Fingerprint:   fingerprint,
		CreatedAt:     time.Now().UTC(),
		conn:          conn,
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()

	r.logger.Info("instance registered",
		slog.String("id", inst.ID),
		slog.String("name", name),
		slog.Int("tools", len(tools)),
	)
	return inst
}

// Replace registers a freshly loaded instance and evicts every existing
// instance with the same name in one critical section, so concurrent
// loads of one name cannot both survive. Evicted sessions are closed
// the way Remove closes them: best-effort, logged, never propagated.
func (r *Registry) Replace(name string, conn Session, tools []schema.ToolDescriptor, prompts []schema.PromptDescriptor, interfaceText, fingerprint string) *Instance {
	inst := &Instance{
		ID:            uuid.NewString(),
		Name:          name,
		Status:        "ready",
		Tools:         tools,
		Prompts:       prompts,
		InterfaceText: interfaceText,
		Fingerprint:   fingerprint,
		CreatedAt:     time.Now().UTC(),
		conn:          conn,
	}

	r.mu.Lock()
	var evicted []*Instance
	for id, prev := range r.instances {
		if prev.Name == name {
			evicted = append(evicted, prev)
			delete(r.instances, id)
		}
	}
	r.instances[inst.ID] = inst
	r.mu.Unlock()

	for _, prev := range evicted {
		if prev.conn != nil {
			if err := prev.conn.Close(); err != nil {
				r.logger.Warn("closing replaced upstream session failed",
					slog.String("id", prev.ID),
					slog.String("name", name),
					slog.Any("error", err),
				)
			}
		}
		r.logger.Info("instance replaced",
			slog.String("previous_id", prev.ID),
			slog.String("id", inst.ID),
			slog.String("name", name),
		)
	}

	r.logger.Info("instance registered",
		slog.String("id", inst.ID),
		slog.String("name", name),
		slog.Int("tools", len(tools)),
	)
	return inst
}

// Get looks up an instance by id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// GetByName returns the most recently created instance with the name.
func (r *Registry) GetByName(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Instance
	for _, inst := range r.instances {
		if inst.Name != name {
			continue
		}
		if found == nil || inst.CreatedAt.After(found.CreatedAt) {
			found = inst
		}
	}
	return found, found != nil
}

// List returns all instances ordered by creation time.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sortByCreation(out)
	return out
}

// Remove tears an instance down: the upstream session is closed and
// its subprocess terminated best-effort before the entry disappears.
// Teardown failures are logged, never propagated.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if inst.conn != nil {
		if err := inst.conn.Close(); err != nil {
			r.logger.Warn("closing upstream session failed",
				slog.String("id", id),
				slog.String("name", inst.Name),
				slog.Any("error", err),
			)
		}
	}
	r.logger.Info("instance removed",
		slog.String("id", id),
		slog.String("name", inst.Name),
	)
	return nil
}

// RemoveAll tears down every instance, for shutdown.
func (r *Registry) RemoveAll() {
	for _, inst := range r.List() {
		_ = r.Remove(inst.ID)
	}
}

// Session implements the bridge's session lookup. A miss during a
// concurrent Remove is expected.
func (r *Registry) Session(instanceID string) (bridge.Caller, bool) {
	inst, ok := r.Get(instanceID)
	if !ok || inst.conn == nil {
		return nil, false
	}
	return inst.conn, true
}

func sortByCreation(instances []*Instance) {
	for i := 1; i < len(instances); i++ {
		for j := i; j > 0 && instances[j].CreatedAt.Before(instances[j-1].CreatedAt); j-- {
			instances[j], instances[j-1] = instances[j-1], instances[j]
		}
	}
}

var _ bridge.SessionResolver = (*Registry)(nil)
