// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"sync"
)

// Object is any value reconstructed from a container. Every object knows
// its meta-type and memory-pool tag; field storage is protected so one
// goroutine can decode fields while another inspects a finished object.
// The unexported setMeta keeps the implementation set closed: object
// shapes are the known variants in this package plus the field bag.
type Object interface {
	Meta() *MetaObject
	Pool() MemoryPool
	SetPool(pool MemoryPool)
	SetField(name string, value interface{})
	Field(name string) (interface{}, bool)

	setMeta(meta *MetaObject)
}

// baseObject carries the common meta/pool/field-bag state.
type baseObject struct {
	meta *MetaObject
	pool MemoryPool

	mu     sync.RWMutex
	fields map[string]interface{}
}

// Meta implements Object.
func (o *baseObject) Meta() *MetaObject {
	return o.meta
}

func (o *baseObject) setMeta(meta *MetaObject) {
	o.meta = meta
}

// Pool implements Object.
func (o *baseObject) Pool() MemoryPool {
	return o.pool
}

// SetPool implements Object.
func (o *baseObject) SetPool(pool MemoryPool) {
	o.pool = pool
}

// SetField implements Object.
func (o *baseObject) SetField(name string, value interface{}) {
	o.mu.Lock()
	if o.fields == nil {
		o.fields = make(map[string]interface{})
	}
	o.fields[name] = value
	o.mu.Unlock()
}

// Field implements Object.
func (o *baseObject) Field(name string) (interface{}, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.fields[name]
	return v, ok
}

// GenericObject is the field-bag variant used for meta-types with no
// dedicated shape. The metadata manager can still decode it field by field.
type GenericObject struct {
	baseObject
}

// NullObject is the sentinel standing in for unresolved references.
type NullObject struct {
	baseObject
}

// ObjectList is a container's ordered object sequence.
type ObjectList struct {
	baseObject
	Objects []Object
}

// SetField captures the decoded element slice in addition to the bag.
func (l *ObjectList) SetField(name string, value interface{}) {
	if name == fieldData {
		if elems, ok := value.([]interface{}); ok {
			l.Objects = l.Objects[:0]
			for _, e := range elems {
				obj, _ := e.(Object)
				l.Objects = append(l.Objects, obj)
			}
		}
	}
	l.baseObject.SetField(name, value)
}

// NameList is the optional alias list parallel to an object list.
type NameList struct {
	baseObject
	Names []Name
}

// SetField captures the decoded names in addition to the bag.
func (l *NameList) SetField(name string, value interface{}) {
	if name == fieldData {
		if elems, ok := value.([]interface{}); ok {
			l.Names = l.Names[:0]
			for _, e := range elems {
				s, _ := e.(string)
				l.Names = append(l.Names, NewName(s))
			}
		}
	}
	l.baseObject.SetField(name, value)
}

// StringRefList is a flat string list; packages use one as their manifest.
type StringRefList struct {
	baseObject
	Strings []string
}

// SetField captures the decoded strings in addition to the bag.
func (l *StringRefList) SetField(name string, value interface{}) {
	if name == fieldData {
		if elems, ok := value.([]interface{}); ok {
			l.Strings = l.Strings[:0]
			for _, e := range elems {
				s, _ := e.(string)
				l.Strings = append(l.Strings, s)
			}
		}
	}
	l.baseObject.SetField(name, value)
}

// ObjectDirectory is the in-memory form of one loaded container.
type ObjectDirectory struct {
	Path string
	Name Name

	// UseNameList mirrors whether the container's ONAM fixup was
	// observed; when set, nameList position i aliases objectList
	// position i.
	UseNameList bool

	Loader ObjectLoader

	mu           sync.RWMutex
	dependencies []*ObjectDirectory
	objectList   *ObjectList
	nameList     *NameList
}

// NewObjectDirectory returns an empty directory for path under namespace.
func NewObjectDirectory(path string, namespace Name) *ObjectDirectory {
	return &ObjectDirectory{
		Path:       path,
		Name:       namespace,
		objectList: &ObjectList{},
		nameList:   &NameList{},
	}
}

// AddDependency appends a directory referenced by namespace from this one.
func (d *ObjectDirectory) AddDependency(dep *ObjectDirectory) {
	d.mu.Lock()
	d.dependencies = append(d.dependencies, dep)
	d.mu.Unlock()
}

// Dependencies returns the ordered dependency list.
func (d *ObjectDirectory) Dependencies() []*ObjectDirectory {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*ObjectDirectory, len(d.dependencies))
	copy(out, d.dependencies)
	return out
}

// Objects returns the directory's root object list.
func (d *ObjectDirectory) Objects() *ObjectList {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.objectList
}

// SetObjects installs the directory's root object list.
func (d *ObjectDirectory) SetObjects(list *ObjectList) {
	d.mu.Lock()
	d.objectList = list
	d.mu.Unlock()
}

// Names returns the directory's alias list.
func (d *ObjectDirectory) Names() *NameList {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nameList
}

// SetNames installs the directory's alias list.
func (d *ObjectDirectory) SetNames(list *NameList) {
	d.mu.Lock()
	d.nameList = list
	d.mu.Unlock()
}

// lookupAlias returns the object aliased by hash, honoring UseNameList.
func (d *ObjectDirectory) lookupAlias(aliasHash uint32) (Object, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.UseNameList || d.nameList == nil || d.objectList == nil {
		return nil, false
	}
	for i, name := range d.nameList.Names {
		if name.Hash == aliasHash && i < len(d.objectList.Objects) {
			return d.objectList.Objects[i], true
		}
	}
	return nil, false
}

// ObjectStreamManager is the per-instance cache of loaded directories,
// indexed by both path hash and namespace hash. A directory is inserted
// before its loader runs so that dependency cycles terminate at the
// cached, partially-populated entry.
type ObjectStreamManager struct {
	mu              sync.Mutex
	nameToDirectory map[uint32][]*ObjectDirectory
	pathToDirectory map[uint32]*ObjectDirectory
}

// NewObjectStreamManager returns an empty manager.
func NewObjectStreamManager() *ObjectStreamManager {
	return &ObjectStreamManager{
		nameToDirectory: make(map[uint32][]*ObjectDirectory),
		pathToDirectory: make(map[uint32]*ObjectDirectory),
	}
}

// Load loads path under its own namespace.
func (m *ObjectStreamManager) Load(a *Alchemy, path string) (*ObjectDirectory, error) {
	return m.LoadWithNamespace(a, path, NewName(path))
}

// LoadWithNamespace loads path under the given namespace. The returned
// directory is cached forever; a second load of the same path returns the
// cached entry regardless of namespace.
func (m *ObjectStreamManager) LoadWithNamespace(a *Alchemy, path string, namespace Name) (*ObjectDirectory, error) {
	filePath := NativePath(path)
	pathHash := hashLower(filePath)

	m.mu.Lock()
	if dir, ok := m.pathToDirectory[pathHash]; ok {
		m.mu.Unlock()
		return dir, nil
	}

	dir := NewObjectDirectory(filePath, namespace)
	dir.Loader = a.lookupLoader(filePath)
	m.pushDirLocked(dir, pathHash)
	m.mu.Unlock()

	if dir.Loader == nil {
		a.logger.Warnf("no loader found for file %s", filePath)
		return dir, nil
	}
	if err := dir.Loader.ReadFile(a, dir, filePath); err != nil {
		return dir, err
	}
	return dir, nil
}

func (m *ObjectStreamManager) pushDirLocked(dir *ObjectDirectory, pathHash uint32) {
	m.nameToDirectory[dir.Name.Hash] = append(m.nameToDirectory[dir.Name.Hash], dir)
	m.pathToDirectory[pathHash] = dir
}

// DirectoryByPath returns the cached directory for a normalized path.
func (m *ObjectStreamManager) DirectoryByPath(path string) (*ObjectDirectory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.pathToDirectory[hashLower(NativePath(path))]
	return dir, ok
}

// DirectoriesByName returns the cached directories for a namespace hash.
func (m *ObjectStreamManager) DirectoriesByName(nsHash uint32) []*ObjectDirectory {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirs := m.nameToDirectory[nsHash]
	out := make([]*ObjectDirectory, len(dirs))
	copy(out, dirs)
	return out
}
