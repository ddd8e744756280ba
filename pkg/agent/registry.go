package agent

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	idleAfter    = 30 * time.Second
	offlineAfter = 5 * time.Minute
)

// Registry tracks the committee: adapters, capabilities and liveness.
// Many-reader single-writer; verdict collection takes a snapshot so a
// concurrent deregistration never mutates an in-flight fan-out.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	info     map[string]*Info
	log      *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		info:     make(map[string]*Info),
		log:      logger,
	}
}

// Register adds an agent. Re-registering the same id replaces capabilities
// and metadata in place (idempotent).
func (r *Registry) Register(a Adapter, capabilities []string, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	r.adapters[id] = a
	r.info[id] = &Info{
		ID:           id,
		Role:         a.Role(),
		Capabilities: append([]string(nil), capabilities...),
		Metadata:     cloneMeta(metadata),
		Status:       StatusActive,
		LastSeen:     time.Now(),
	}
	if r.log != nil {
		r.log.Infow("agent_registered", "agent", id, "role", a.Role())
	}
}

func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[id]; !ok {
		return false
	}
	delete(r.adapters, id)
	delete(r.info, id)
	if r.log != nil {
		r.log.Infow("agent_deregistered", "agent", id)
	}
	return true
}

func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Touch records liveness, called on every verdict or heartbeat.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inf, ok := r.info[id]; ok {
		inf.LastSeen = time.Now()
	}
}

// Snapshot returns the adapters sorted by id; the stable ordering doubles as
// the consensus leader-election order.
func (r *Registry) Snapshot() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IDs returns the lexicographically sorted agent ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// List reports agent infos with liveness-derived status.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]Info, 0, len(r.info))
	for _, inf := range r.info {
		cp := *inf
		switch age := now.Sub(inf.LastSeen); {
		case age > offlineAfter:
			cp.Status = StatusOffline
		case age > idleAfter:
			cp.Status = StatusIdle
		default:
			cp.Status = StatusActive
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasCapability reports whether id is registered with the given capability.
func (r *Registry) HasCapability(id, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inf, ok := r.info[id]
	if !ok {
		return false
	}
	for _, c := range inf.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
