package replication

import "github.com/syncline/syncline/internal/core/entity"

// EntityMap is the per-connection bidirectional table translating between
// the remote peer's handles and local ones. Entries share the lifetime of
// the object and are dropped wholesale when the connection goes away.
type EntityMap struct {
	toLocal  map[entity.Handle]entity.Handle
	toRemote map[entity.Handle]entity.Handle
}

func NewEntityMap() *EntityMap {
	return &EntityMap{
		toLocal:  make(map[entity.Handle]entity.Handle),
		toRemote: make(map[entity.Handle]entity.Handle),
	}
}

// Insert records the pairing of a remote handle with a local one.
func (m *EntityMap) Insert(remote, local entity.Handle) {
	m.toLocal[remote] = local
	m.toRemote[local] = remote
}

// Local translates a remote handle into the local namespace.
func (m *EntityMap) Local(remote entity.Handle) (entity.Handle, bool) {
	local, ok := m.toLocal[remote]
	return local, ok
}

// Remote translates a local handle into the remote namespace.
func (m *EntityMap) Remote(local entity.Handle) (entity.Handle, bool) {
	remote, ok := m.toRemote[local]
	return remote, ok
}

// RemoveByLocal drops the pairing for a local handle.
func (m *EntityMap) RemoveByLocal(local entity.Handle) {
	if remote, ok := m.toRemote[local]; ok {
		delete(m.toRemote, local)
		delete(m.toLocal, remote)
	}
}

// RemoveByRemote drops the pairing for a remote handle.
func (m *EntityMap) RemoveByRemote(remote entity.Handle) {
	if local, ok := m.toLocal[remote]; ok {
		delete(m.toLocal, remote)
		delete(m.toRemote, local)
	}
}

// Clear drops every pairing. Called on connection teardown.
func (m *EntityMap) Clear() {
	m.toLocal = make(map[entity.Handle]entity.Handle)
	m.toRemote = make(map[entity.Handle]entity.Handle)
}

// Len returns the number of pairings.
func (m *EntityMap) Len() int { return len(m.toLocal) }
