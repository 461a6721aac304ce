// ABOUTME: Connection registry indexing registered peers by server id, server type and client id
// ABOUTME: Tracks one primary record per id plus duplicate ("slave") records sharing that id

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/pinion/internal/protocol"
)

var (
	// ErrClientExists is returned when a client id is already registered.
	ErrClientExists = errors.New("client id already registered")

	// ErrUnknownRole is returned for records that are neither monitor nor client.
	ErrUnknownRole = errors.New("unknown role")
)

// Channel is the outbound side of a connection.
type Channel interface {
	ID() string
	Send(topic string, msg any) error
}

// Record is one registered connection.
type Record struct {
	ID         string
	Role       protocol.Role
	ServerType string
	Username   string
	PID        int
	Info       protocol.Info
	Duplicate  bool

	channel Channel
}

// Send writes msg on the record's connection.
func (r *Record) Send(topic string, msg any) error {
	return r.channel.Send(topic, msg)
}

// ConnID returns the transport id of the record's connection.
func (r *Record) ConnID() string {
	return r.channel.ID()
}

// Params describes a record to add.
type Params struct {
	ID         string
	Role       protocol.Role
	ServerType string
	Username   string
	PID        int
	Info       protocol.Info
	Channel    Channel
}

// Registry holds every registered connection of a master.
type Registry struct {
	mu         sync.RWMutex
	primary    map[string]*Record
	duplicates map[string][]*Record
	byType     map[string][]*Record
	clients    map[string]*Record
	logger     *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		primary:    make(map[string]*Record),
		duplicates: make(map[string][]*Record),
		byType:     make(map[string][]*Record),
		clients:    make(map[string]*Record),
		logger:     logger.With("component", "registry"),
	}
}

// Add registers a connection. A monitor whose id already has a primary becomes a
// duplicate; a client whose id is taken is refused with ErrClientExists.
func (r *Registry) Add(p Params) (*Record, error) {
	rec := &Record{
		ID:         p.ID,
		Role:       p.Role,
		ServerType: p.ServerType,
		Username:   p.Username,
		PID:        p.PID,
		Info:       p.Info.Clone(),
		channel:    p.Channel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch p.Role {
	case protocol.RoleMonitor:
		if _, exists := r.primary[p.ID]; exists {
			rec.Duplicate = true
			r.duplicates[p.ID] = append(r.duplicates[p.ID], rec)
			r.logger.Info("duplicate server registered", "server_id", p.ID, "host", rec.Info.Host(), "port", rec.Info.Port())
			return rec, nil
		}
		r.primary[p.ID] = rec
		r.byType[p.ServerType] = append(r.byType[p.ServerType], rec)
		return rec, nil

	case protocol.RoleClient:
		if _, exists := r.clients[p.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrClientExists, p.ID)
		}
		r.clients[p.ID] = rec
		return rec, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownRole, p.Role)
	}
}

// Remove deletes the record matching id, role and info. For monitors the primary
// is tried first, then the duplicates; the first match by host and port wins.
// Removing the primary does not promote a duplicate. Returns false when nothing matched.
func (r *Registry) Remove(id string, role protocol.Role, info protocol.Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch role {
	case protocol.RoleClient:
		if _, ok := r.clients[id]; !ok {
			return false
		}
		delete(r.clients, id)
		return true

	case protocol.RoleMonitor:
		if rec, ok := r.primary[id]; ok && protocol.SameServer(rec.Info, info) {
			delete(r.primary, id)
			r.removeFromType(rec)
			return true
		}
		dups := r.duplicates[id]
		for i, rec := range dups {
			if !protocol.SameServer(rec.Info, info) {
				continue
			}
			dups = append(dups[:i:i], dups[i+1:]...)
			if len(dups) == 0 {
				delete(r.duplicates, id)
			} else {
				r.duplicates[id] = dups
			}
			return true
		}
	}
	return false
}

func (r *Registry) removeFromType(rec *Record) {
	list := r.byType[rec.ServerType]
	for i, candidate := range list {
		if candidate == rec {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byType, rec.ServerType)
		return
	}
	r.byType[rec.ServerType] = list
}

// Lookup returns the primary record for a server id.
func (r *Registry) Lookup(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.primary[id]
	return rec, ok
}

// LookupByType returns the primary records of a server type.
func (r *Registry) LookupByType(serverType string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Record(nil), r.byType[serverType]...)
}

// LookupClient returns the record for a client id.
func (r *Registry) LookupClient(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[id]
	return rec, ok
}

// Duplicates returns the duplicate records sharing id.
func (r *Registry) Duplicates(id string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Record(nil), r.duplicates[id]...)
}

// FindServer resolves id and info to the primary if its info matches, else the
// first matching duplicate.
func (r *Registry) FindServer(id string, info protocol.Info) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.primary[id]; ok && protocol.SameServer(rec.Info, info) {
		return rec, true
	}
	for _, rec := range r.duplicates[id] {
		if protocol.SameServer(rec.Info, info) {
			return rec, true
		}
	}
	return nil, false
}

// Primaries returns all primary monitor records ordered by id.
func (r *Registry) Primaries() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.primary))
	for _, rec := range r.primary {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clients returns all client records ordered by id.
func (r *Registry) Clients() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllDuplicates returns every duplicate record ordered by id, including
// those whose primary has gone.
func (r *Registry) AllDuplicates() []*Record {
	r.mu.RLock()
	var out []*Record
	for _, list := range r.duplicates {
		out = append(out, list...)
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports the number of primaries, duplicates and clients.
func (r *Registry) Counts() (primaries, duplicates, clients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.duplicates {
		duplicates += len(list)
	}
	return len(r.primary), duplicates, len(r.clients)
}
