// Package registry is the single source of truth for active port→upstream
// bindings. It mediates every control-plane mutation (create, update,
// delete) and the read-only snapshot view, and owns the shutdown signal
// that asks each binding's listener to stop accepting new connections.
//
// Locking discipline: the Registry's own mutex protects only map
// membership and each binding's shutdown cancel function; it is never held
// across network I/O. Each binding's upstream cell has its own lock, so an
// accept reading the upstream never takes the registry lock, and an Update
// holds only the registry lock for the map lookup and then the one cell's
// lock for the write. When both locks are needed — only during Create — the registry
// lock is always acquired first.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/portproxy/pkg/proxyerr"
)

// lockedSentinel is returned by Snapshot for a binding whose upstream lock
// is currently held by a concurrent Update, rather than blocking.
const lockedSentinel = "locked"

// ListenerSpawner starts the per-binding accept loop for a newly created
// binding. It must return promptly: BindFailed is the only error Create
// propagates to its caller, and everything else (accept errors, relay
// errors) is the listener's own problem to log and recover from.
//
// ctx is canceled when the binding is deleted; the spawner's goroutine is
// expected to stop accepting once it observes the cancellation.
type ListenerSpawner func(ctx context.Context, port uint16, upstream *UpstreamCell) error

// UpstreamCell is a shared, mutable cell holding a binding's current
// upstream URL string. The Registry writes it on Update; a binding's
// listener reads it once per accepted connection.
type UpstreamCell struct {
	mu    sync.RWMutex
	value string
}

// Snapshot returns the current upstream value.
func (c *UpstreamCell) Snapshot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// set overwrites the upstream value. Only the Registry calls this.
func (c *UpstreamCell) set(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

// trySnapshot returns the current value and true, or ("", false) if the
// cell's lock is currently held by a writer — used by Snapshot's
// non-blocking "locked" sentinel behavior.
func (c *UpstreamCell) trySnapshot() (string, bool) {
	if !c.mu.TryRLock() {
		return "", false
	}
	defer c.mu.RUnlock()
	return c.value, true
}

// binding is one active port→upstream association. Structural fields
// (Port, cancel) are immutable after creation; only the Upstream cell's
// contents change, via Update.
type binding struct {
	Port     uint16
	Upstream *UpstreamCell
	cancel   context.CancelFunc
}

// Entry is the read-only view of a binding returned by Snapshot.
type Entry struct {
	Port     uint16
	Upstream string
}

// Registry is the concurrent port→Binding map.
type Registry struct {
	spawn ListenerSpawner

	mu       sync.Mutex
	bindings map[uint16]*binding
}

// New constructs a Registry that spawns listeners via spawn.
func New(spawn ListenerSpawner) *Registry {
	return &Registry{
		spawn:    spawn,
		bindings: make(map[uint16]*binding),
	}
}

// Create admits a new binding iff no binding currently exists for port.
// The listener is spawned before the binding becomes visible to other
// operations: if spawning fails (BindFailed), no entry is inserted.
func (r *Registry) Create(port uint16, upstream string) error {
	if port == 0 {
		return proxyerr.New(proxyerr.BadUpstream, "port must be between 1 and 65535")
	}
	if err := validateUpstream(upstream); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.bindings[port]; exists {
		r.mu.Unlock()
		return proxyerr.New(proxyerr.PortInUse, fmt.Sprintf("port %d already bound", port))
	}

	cell := &UpstreamCell{value: upstream}
	ctx, cancel := context.WithCancel(context.Background())

	// Spawning happens while the registry lock is held, but spawn itself
	// must not perform network I/O beyond the bind syscall: accepting
	// connections happens in a goroutine the spawner starts and returns
	// from immediately.
	if err := r.spawn(ctx, port, cell); err != nil {
		cancel()
		r.mu.Unlock()
		return proxyerr.Wrap(proxyerr.BindFailed, fmt.Sprintf("bind port %d", port), err)
	}

	b := &binding{Port: port, Upstream: cell, cancel: cancel}
	r.bindings[port] = b
	r.mu.Unlock()

	log.Info().Uint16("port", port).Str("upstream", upstream).Msg("binding created")
	return nil
}

// Update replaces the upstream cell contents of an existing binding. It is
// atomic with respect to any single accept's snapshot: a concurrent accept
// observes either the old or the new value in full, never a partial write.
func (r *Registry) Update(port uint16, upstream string) error {
	if err := validateUpstream(upstream); err != nil {
		return err
	}

	r.mu.Lock()
	b, exists := r.bindings[port]
	r.mu.Unlock()
	if !exists {
		return proxyerr.New(proxyerr.NoSuchBinding, fmt.Sprintf("no binding for port %d", port))
	}

	b.Upstream.set(upstream)
	log.Info().Uint16("port", port).Str("upstream", upstream).Msg("binding updated")
	return nil
}

// Delete removes the binding and fires its shutdown signal. It returns
// immediately; it does not wait for the listener goroutine to finish, and
// already-accepted connections are not forcibly aborted.
func (r *Registry) Delete(port uint16) error {
	r.mu.Lock()
	b, exists := r.bindings[port]
	if exists {
		delete(r.bindings, port)
	}
	r.mu.Unlock()

	if !exists {
		return proxyerr.New(proxyerr.NoSuchBinding, fmt.Sprintf("no binding for port %d", port))
	}

	b.cancel()
	log.Info().Uint16("port", port).Msg("binding deleted")
	return nil
}

// Snapshot returns the current upstream value for every bound port. If a
// binding's upstream cell is held by a concurrent Update, its value is
// reported as the sentinel "locked" rather than blocking.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	ports := make([]*binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		ports = append(ports, b)
	}
	r.mu.Unlock()

	entries := make([]Entry, 0, len(ports))
	for _, b := range ports {
		value, ok := b.Upstream.trySnapshot()
		if !ok {
			value = lockedSentinel
		}
		entries = append(entries, Entry{Port: b.Port, Upstream: value})
	}
	return entries
}

func validateUpstream(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return proxyerr.Wrap(proxyerr.BadUpstream, "invalid upstream URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return proxyerr.New(proxyerr.BadUpstream, "upstream scheme must be http or https")
	}
	if u.Hostname() == "" {
		return proxyerr.New(proxyerr.BadUpstream, "upstream URL must include a host")
	}
	return nil
}
