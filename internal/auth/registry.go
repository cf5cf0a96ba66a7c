package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/angtu-eios/portal/internal/platform/httpx"
	"github.com/angtu-eios/portal/internal/shared"
	"github.com/angtu-eios/portal/internal/tokenstore"
)

const defaultRestoreTimeout = 10 * time.Second

// SessionHandlerFunc is an HTTP handler that receives the session of the
// calling browser.
type SessionHandlerFunc func(w http.ResponseWriter, r *http.Request, sess *Manager)

// Registry keeps one Manager per browser session id.
type Registry struct {
	provider       tokenstore.Provider
	cfg            Config
	restoreTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	manager  *Manager
	restore  sync.Once
	lastUsed time.Time
}

// NewRegistry constructs a Registry. cfg.Store is ignored; each manager gets
// a store scoped to its browser session.
func NewRegistry(provider tokenstore.Provider, cfg Config) *Registry {
	return &Registry{
		provider:       provider,
		cfg:            cfg,
		restoreTimeout: defaultRestoreTimeout,
		entries:        make(map[string]*registryEntry),
	}
}

// Get returns the Manager of a browser session, restoring a stored session
// the first time the id is seen. Later calls reconcile the manager with the
// stored record, which other replicas may have changed.
func (r *Registry) Get(ctx context.Context, sessionID string) *Manager {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		cfg := r.cfg
		cfg.Store = r.provider.Scope(sessionID)
		entry = &registryEntry{manager: NewManager(cfg)}
		r.entries[sessionID] = entry
	}
	entry.lastUsed = time.Now()
	r.mu.Unlock()

	restored := false
	entry.restore.Do(func() {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.restoreTimeout)
		defer cancel()
		entry.manager.RestoreOnStartup(restoreCtx)
		restored = true
	})
	if !restored {
		syncCtx, cancel := context.WithTimeout(ctx, r.restoreTimeout)
		defer cancel()
		entry.manager.Sync(syncCtx)
	}
	return entry.manager
}

// Forget drops the in-memory manager of a browser session. Stored
// credentials are left untouched.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// Sweep forgets managers idle for longer than idle and returns how many were dropped.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, entry := range r.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Handle adapts fn to an http.HandlerFunc.
func (r *Registry) Handle(fn SessionHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sess, ok := r.fromRequest(w, req)
		if !ok {
			return
		}
		fn(w, req, sess)
	}
}

func (r *Registry) fromRequest(w http.ResponseWriter, req *http.Request) (*Manager, bool) {
	sid := shared.SessionIDFromContext(req.Context())
	if sid == "" {
		httpx.RespondError(w, errors.New("auth: browser session missing"))
		return nil, false
	}
	return r.Get(req.Context(), sid), true
}
