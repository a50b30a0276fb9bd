// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"sync"
)

// Handle names an object across containers by (namespace, alias) and
// caches the resolved object once any loaded directory can answer it.
type Handle struct {
	Namespace Name
	Alias     Name

	mu     sync.Mutex
	object Object
}

// Object returns the cached resolution, nil when not yet resolved.
func (h *Handle) Object() Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.object
}

// SetObject installs the resolution.
func (h *Handle) SetObject(obj Object) {
	h.mu.Lock()
	h.object = obj
	h.mu.Unlock()
}

// Resolve returns the object aliased by the handle, searching every loaded
// directory of the handle's namespace. The first successful resolution is
// cached.
func (h *Handle) Resolve(m *ObjectStreamManager) Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.object != nil {
		return h.object
	}

	for _, dir := range m.DirectoriesByName(h.Namespace.Hash) {
		if obj, ok := dir.lookupAlias(h.Alias.Hash); ok {
			h.object = obj
			return obj
		}
	}
	return nil
}

// handleKey is the 64-bit composite interning key.
func handleKey(namespace, alias Name) uint64 {
	return (uint64(namespace.Hash) << 32) | uint64(alias.Hash)
}

// HandleManager interns handles by their composite key. String forms of
// names are back-filled the first time they are observed.
type HandleManager struct {
	mu               sync.Mutex
	systemNamespaces []string
	handles          map[uint64]*Handle
}

// NewHandleManager returns an empty manager.
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles: make(map[uint64]*Handle),
	}
}

// LookupHandle interns and returns the handle for (namespace, alias).
func (m *HandleManager) LookupHandle(namespace, alias Name) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := handleKey(namespace, alias)
	h, ok := m.handles[key]
	if !ok {
		h = &Handle{Namespace: namespace, Alias: alias}
		m.handles[key] = h
	}

	if namespace.Str != "" && h.Namespace.Str == "" {
		h.Namespace.Str = namespace.Str
	}
	if alias.Str != "" && h.Alias.Str == "" {
		h.Alias.Str = alias.Str
	}
	return h
}

// LookupHandleName interns and returns the handle for name.
func (m *HandleManager) LookupHandleName(name HandleName) *Handle {
	return m.LookupHandle(name.Namespace, name.Name)
}

// ReferenceResolverContext carries the state a resolver may consult.
type ReferenceResolverContext struct {
	RootObjects []Object
	BasePath    string
	Data        interface{}
	Metadata    *MetadataManager
}

// ReferenceResolver produces an object for a handle name, or nil.
type ReferenceResolver interface {
	ResolveReference(name HandleName, ctx *ReferenceResolverContext) Object
}

// ReferenceResolverSet is an ordered resolver collection; the first
// non-nil resolution wins.
type ReferenceResolverSet struct {
	mu        sync.RWMutex
	resolvers []ReferenceResolver
}

// Add appends a resolver.
func (s *ReferenceResolverSet) Add(r ReferenceResolver) {
	s.mu.Lock()
	s.resolvers = append(s.resolvers, r)
	s.mu.Unlock()
}

// ResolveReference asks each resolver in order.
func (s *ReferenceResolverSet) ResolveReference(name HandleName, ctx *ReferenceResolverContext) Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.resolvers {
		if obj := r.ResolveReference(name, ctx); obj != nil {
			return obj
		}
	}
	return nil
}

// ExternalReferenceSystem closes cross-container reference cycles: a
// global resolver set consulted first, with the handle's own directory
// lookup as the fallback.
type ExternalReferenceSystem struct {
	GlobalSet ReferenceResolverSet
}

// NewExternalReferenceSystem returns an empty system.
func NewExternalReferenceSystem() *ExternalReferenceSystem {
	return &ExternalReferenceSystem{}
}
