package rbac

import "sync"

// Cache maps role ids to their resolved permissions. Entries are added and
// never updated in place; Invalidate and Clear are administrative resets.
// Every reset bumps the version of the affected roles so that a fetch started
// before the reset cannot store its result afterwards.
type Cache struct {
	mu       sync.RWMutex
	entries  map[int64][]Permission
	versions map[int64]uint64
	cleared  uint64
	seq      uint64
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[int64][]Permission),
		versions: make(map[int64]uint64),
	}
}

// Get returns a copy of the cached permissions of the role.
func (c *Cache) Get(roleID int64) ([]Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	perms, ok := c.entries[roleID]
	if !ok {
		return nil, false
	}
	return clonePermissions(perms), true
}

// Put stores the permissions of the role unless an entry already exists.
func (c *Cache) Put(roleID int64, perms []Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[roleID]; ok {
		return
	}
	c.entries[roleID] = clonePermissions(perms)
}

// Version returns the current version of the role. Pass it to PutIfCurrent
// with the result of a fetch started after the call.
func (c *Cache) Version(roleID int64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version(roleID)
}

func (c *Cache) version(roleID int64) uint64 {
	return max(c.versions[roleID], c.cleared)
}

// PutIfCurrent stores the permissions of the role like Put, provided the role
// was not invalidated since version was read. It reports whether the entry
// is present afterwards.
func (c *Cache) PutIfCurrent(roleID int64, version uint64, perms []Permission) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version(roleID) != version {
		return false
	}
	if _, ok := c.entries[roleID]; !ok {
		c.entries[roleID] = clonePermissions(perms)
	}
	return true
}

// Invalidate drops the entry of a single role.
func (c *Cache) Invalidate(roleID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, roleID)
	c.seq++
	c.versions[roleID] = c.seq
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64][]Permission)
	c.versions = make(map[int64]uint64)
	c.seq++
	c.cleared = c.seq
}

// Len reports the number of cached roles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func clonePermissions(perms []Permission) []Permission {
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}
