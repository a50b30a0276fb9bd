// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/openalchemy/igz/log"
)

// Errors
var (
	// ErrArchiveFormat is returned when no opener is installed for the
	// archive container format.
	ErrArchiveFormat = errors.New("archive format not supported by any installed opener")

	// ErrArchiveMember is returned when a path is not present in an
	// archive.
	ErrArchiveMember = errors.New("path not found in archive")
)

// Archive is one mounted asset archive. The on-disk archive format is
// consumed opaquely through this interface.
type Archive interface {
	// Name is the archive's mount name.
	Name() string

	// Path is the path the archive was opened from.
	Path() string

	// HasFile reports whether the normalized path is a member.
	HasFile(path string) bool

	// ReadFile returns the member's bytes.
	ReadFile(path string) ([]byte, error)

	// Files lists member paths in normalized form.
	Files() []string
}

// ArchiveOpener opens the archive container at path. Installed per
// ArchiveManager so embedders can plug their container format in.
type ArchiveOpener func(fc *FileContext, reg *Registry, path string) (Archive, error)

// MemoryArchive is an Archive backed by an in-memory member table. It
// backs tests and synthesized mounts; member paths are matched in
// normalized lower-case form.
type MemoryArchive struct {
	path  string
	files map[string][]byte
	names []string
}

// NewMemoryArchive builds an archive from the given member table.
func NewMemoryArchive(path string, files map[string][]byte) *MemoryArchive {
	a := &MemoryArchive{
		path:  path,
		files: make(map[string][]byte, len(files)),
	}
	for name, data := range files {
		key := strings.ToLower(NativePath(name))
		a.files[key] = data
		a.names = append(a.names, key)
	}
	sort.Strings(a.names)
	return a
}

// Name implements Archive.
func (a *MemoryArchive) Name() string {
	return FileName(a.path)
}

// Path implements Archive.
func (a *MemoryArchive) Path() string {
	return a.path
}

// HasFile implements Archive.
func (a *MemoryArchive) HasFile(path string) bool {
	_, ok := a.files[strings.ToLower(NativePath(path))]
	return ok
}

// ReadFile implements Archive.
func (a *MemoryArchive) ReadFile(path string) ([]byte, error) {
	data, ok := a.files[strings.ToLower(NativePath(path))]
	if !ok {
		return nil, ErrArchiveMember
	}
	return data, nil
}

// Files implements Archive.
func (a *MemoryArchive) Files() []string {
	return a.names
}

// ArchiveManager is the archive stage of the processor chain. It holds the
// ordered list of mounted archives plus a separate list of patch archives;
// patches win over base archives on name collisions.
type ArchiveManager struct {
	processorBase

	mu            sync.RWMutex
	archives      []Archive
	patchArchives []Archive
	opener        ArchiveOpener
	logger        *log.Helper
}

// NewArchiveManager returns an empty manager with no opener installed.
func NewArchiveManager(logger *log.Helper) *ArchiveManager {
	return &ArchiveManager{logger: logger}
}

// SetOpener installs the archive container opener.
func (m *ArchiveManager) SetOpener(opener ArchiveOpener) {
	m.mu.Lock()
	m.opener = opener
	m.mu.Unlock()
}

// Mount appends an already-open archive.
func (m *ArchiveManager) Mount(a Archive) {
	m.mu.Lock()
	m.archives = append(m.archives, a)
	m.mu.Unlock()
}

// MountPatch appends an already-open patch archive.
func (m *ArchiveManager) MountPatch(a Archive) {
	m.mu.Lock()
	m.patchArchives = append(m.patchArchives, a)
	m.mu.Unlock()
}

// Archives returns the mounted base archives in mount order.
func (m *ArchiveManager) Archives() []Archive {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Archive, len(m.archives))
	copy(out, m.archives)
	return out
}

// LoadArchive opens the archive at path and mounts it.
func (m *ArchiveManager) LoadArchive(fc *FileContext, reg *Registry, path string) (Archive, error) {
	a, err := m.openArchive(fc, reg, path)
	if err != nil {
		return nil, err
	}
	m.Mount(a)
	return a, nil
}

func (m *ArchiveManager) openArchive(fc *FileContext, reg *Registry, path string) (Archive, error) {
	m.mu.RLock()
	opener := m.opener
	m.mu.RUnlock()
	if opener == nil {
		return nil, ErrArchiveFormat
	}
	return opener(fc, reg, interpretPath(path))
}

// find returns the archive containing path, patches first.
func (m *ArchiveManager) find(path string) Archive {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.patchArchives {
		if a.HasFile(path) {
			return a
		}
	}
	for _, a := range m.archives {
		if a.HasFile(path) {
			return a
		}
	}
	return nil
}

// Process answers Open and Exists from mounted archives; anything else is
// forwarded.
func (m *ArchiveManager) Process(item *WorkItem) {
	switch item.Type {
	case WorkTypeOpen:
		if a := m.find(item.Path); a != nil {
			data, err := a.ReadFile(item.Path)
			if err != nil {
				item.Status = StatusReadError
				break
			}
			item.File.Handle = NewReader(data, nil)
			item.File.Size = uint64(len(data))
			item.Status = StatusComplete
		}
	case WorkTypeExists:
		if m.find(item.Path) != nil {
			item.Status = StatusComplete
		}
	}
	if item.Status == StatusComplete {
		return
	}
	m.sendToNext(item)
}
