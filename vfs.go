// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/openalchemy/igz/log"
)

// virtualDevices maps recognized logical media prefixes to the physical
// sub-paths they stand for. Unknown prefixes are stripped.
var virtualDevices = map[string]string{
	"actors":           "actors",
	"anims":            "anims",
	"behavior_events":  "behavior_events",
	"animation_events": "animation_events",
	"behaviors":        "behaviors",
	"cutscene":         "cutscene",
	"data":             "",
	"fonts":            "fonts",
	"graphs":           "graphs",
	"vsc":              "vsc",
	"loosetextures":    "loosetextures",
	"luts":             "loosetextures/luts",
	"maps":             "maps",
	"materials":        "materialInstances",
	"models":           "models",
	"motionpaths":      "motionpaths",
	"renderer":         "renderer",
	"scripts":          "scripts",
	"shaders":          "shaders",
	"sky":              "sky",
	"sounds":           "sounds",
	"spawnmeshes":      "spawnmeshes",
	"textures":         "textures",
	"ui":               "ui",
	"vfx":              "vfx",
}

// WorkType identifies the operation carried by a WorkItem.
type WorkType int

// Work types.
const (
	WorkTypeInvalid WorkType = iota
	WorkTypeExists
	WorkTypeOpen
	WorkTypeClose
	WorkTypeRead
	WorkTypeWrite
	WorkTypeTruncate
	WorkTypeMkdir
	WorkTypeRmdir
	WorkTypeFileList
	WorkTypeFileListWithSizes
	WorkTypeUnlink
	WorkTypeRename
	WorkTypePrefetch
	WorkTypeFormat
	WorkTypeCommit

	// WorkTypeOverwrite patches an already-open in-memory file at an
	// offset. Kept distinct from WorkTypeRead, which reads.
	WorkTypeOverwrite
)

// WorkStatus is the terminal state of a processed WorkItem.
type WorkStatus int

// Work statuses.
const (
	StatusInactive WorkStatus = iota
	StatusActive
	StatusComplete
	StatusDeviceNotFound
	StatusInvalidPath
	StatusTooManyOpenFiles
	StatusBadParam
	StatusOutOfMemory
	StatusDiskFull
	StatusDoorOpen
	StatusReadError
	StatusWriteError
	StatusAlreadyInUse
	StatusAlreadyExists
	StatusEndOfFile
	StatusDeviceNotInitialized
	StatusMediaUnformatted
	StatusMediaCorrupt
	StatusPermissionDenied
	StatusGeneralError
	StatusStopped
	StatusUnsupported
)

// String implements fmt.Stringer.
func (s WorkStatus) String() string {
	statusMap := map[WorkStatus]string{
		StatusInactive:             "Inactive",
		StatusActive:               "Active",
		StatusComplete:             "Complete",
		StatusDeviceNotFound:       "DeviceNotFound",
		StatusInvalidPath:          "InvalidPath",
		StatusTooManyOpenFiles:     "TooManyOpenFiles",
		StatusBadParam:             "BadParam",
		StatusOutOfMemory:          "OutOfMemory",
		StatusDiskFull:             "DiskFull",
		StatusDoorOpen:             "DoorOpen",
		StatusReadError:            "ReadError",
		StatusWriteError:           "WriteError",
		StatusAlreadyInUse:         "AlreadyInUse",
		StatusAlreadyExists:        "AlreadyExists",
		StatusEndOfFile:            "EndOfFile",
		StatusDeviceNotInitialized: "DeviceNotInitialized",
		StatusMediaUnformatted:     "MediaUnformatted",
		StatusMediaCorrupt:         "MediaCorrupt",
		StatusPermissionDenied:     "PermissionDenied",
		StatusGeneralError:         "GeneralError",
		StatusStopped:              "Stopped",
		StatusUnsupported:          "Unsupported",
	}
	return statusMap[s]
}

// FileDescriptor is the result of an Open work item: the resolved path and
// an in-memory cursor over the file contents.
type FileDescriptor struct {
	Path     string
	Position uint64
	Size     uint64
	Flags    uint32
	Handle   *Reader

	close func() error
}

// Close releases any mapping or OS handle behind the descriptor.
func (fd *FileDescriptor) Close() error {
	fd.Handle = nil
	if fd.close == nil {
		return nil
	}
	c := fd.close
	fd.close = nil
	return c()
}

// WorkItem is one VFS request travelling through the processor chain.
type WorkItem struct {
	FileContext *FileContext
	Registry    *Registry
	File        FileDescriptor
	Path        string
	Flags       uint32
	Type        WorkType
	Status      WorkStatus
	Offset      uint64

	// Buffer variants. Bytes is used by read/overwrite, StringList by
	// file listing; both nil means no buffer.
	Bytes      []byte
	StringList *[]string
}

// WorkItemProcessor is one stage of the VFS chain. A processor either
// completes the item or forwards it unchanged to the next stage.
type WorkItemProcessor interface {
	Process(item *WorkItem)
	SetNextProcessor(p WorkItemProcessor)
}

// processorBase provides the chain plumbing shared by all processors. Like
// the mount manager it appends new processors at the tail.
type processorBase struct {
	next WorkItemProcessor
}

// SetNextProcessor appends p at the end of the chain.
func (b *processorBase) SetNextProcessor(p WorkItemProcessor) {
	if b.next != nil {
		b.next.SetNextProcessor(p)
		return
	}
	b.next = p
}

func (b *processorBase) sendToNext(item *WorkItem) {
	if b.next != nil {
		b.next.Process(item)
	}
}

// mountManager is the head of the chain; it only forwards.
type mountManager struct {
	processorBase
}

func (m *mountManager) Process(item *WorkItem) {
	m.sendToNext(item)
}

// FileContext routes file requests for one loaded game instance through
// its processor chain: optional update folder, then mounted archives, then
// host storage.
type FileContext struct {
	root           string
	ArchiveManager *ArchiveManager
	processors     WorkItemProcessor
	logger         *log.Helper
}

// NewFileContext builds a context rooted at gamePath. updateFolder is only
// used by engines with a separate update directory; pass "" to omit the
// provider from the chain.
func NewFileContext(gamePath, updateFolder string, logger *log.Helper) *FileContext {
	root := strings.TrimRight(gamePath, "\\/")

	fc := &FileContext{
		root:   root,
		logger: logger,
	}
	fc.ArchiveManager = NewArchiveManager(logger)

	head := &mountManager{}
	if updateFolder != "" {
		head.SetNextProcessor(NewUpdateProvider(updateFolder, logger))
	}
	head.SetNextProcessor(fc.ArchiveManager)
	head.SetNextProcessor(NewStorageDevice(logger))
	fc.processors = head
	return fc
}

// Root returns the physical root the context resolves against.
func (fc *FileContext) Root() string {
	return fc.root
}

// Open resolves path through the processor chain and returns its
// descriptor. A nil Handle on the returned descriptor means the open did
// not complete; the work status has already been logged.
func (fc *FileContext) Open(reg *Registry, path string, flags uint32) FileDescriptor {
	fc.logger.Debugf("opening path %q", path)
	resolved := interpretPath(path)

	item := WorkItem{
		FileContext: fc,
		Registry:    reg,
		File:        FileDescriptor{Path: resolved},
		Path:        resolved,
		Flags:       flags,
		Type:        WorkTypeOpen,
		Status:      StatusActive,
	}
	fc.process(&item)

	switch item.Status {
	case StatusComplete:
	case StatusActive:
		fc.logger.Errorf("failed to open %s: no work status was set by any file system processor", item.Path)
	default:
		fc.logger.Warnf("work item completed with status %s, path is %s", item.Status, item.Path)
	}
	return item.File
}

// Exists reports whether path resolves through the chain.
func (fc *FileContext) Exists(reg *Registry, path string) bool {
	item := WorkItem{
		FileContext: fc,
		Registry:    reg,
		File:        FileDescriptor{Path: interpretPath(path)},
		Path:        interpretPath(path),
		Type:        WorkTypeExists,
		Status:      StatusActive,
	}
	fc.process(&item)
	return item.Status == StatusComplete
}

// Do runs an arbitrary work item through the chain. The item's Status
// carries the outcome; callers decide what to do with non-Complete states.
func (fc *FileContext) Do(item *WorkItem) {
	item.FileContext = fc
	item.Status = StatusActive
	fc.process(item)
}

func (fc *FileContext) process(item *WorkItem) {
	fc.processors.Process(item)
}

// LoadArchive opens the archive at path and mounts it.
func (fc *FileContext) LoadArchive(reg *Registry, path string) (Archive, error) {
	return fc.ArchiveManager.LoadArchive(fc, reg, path)
}

// InitializeUpdate opens a single patch archive. Patch archives take
// precedence over base archives on name collisions.
func (fc *FileContext) InitializeUpdate(reg *Registry, updatePath string) {
	st, err := os.Stat(updatePath)
	if err != nil || !st.Mode().IsRegular() {
		return
	}
	patch, err := fc.ArchiveManager.openArchive(fc, reg, updatePath)
	if err != nil {
		fc.logger.Errorf("failed to load update archive %s: %v", updatePath, err)
		return
	}
	fc.ArchiveManager.MountPatch(patch)
}

// interpretPath rewrites a logical media:/rest path to its physical form.
// A colon in position 0 or 1 is a Windows drive letter and left untouched.
func interpretPath(path string) string {
	sep := strings.Index(path, ":")
	if sep <= 1 {
		return path
	}
	media := path[:sep]
	rest := ""
	if sep+2 <= len(path) {
		rest = path[sep+2:]
	}
	if device, ok := virtualDevices[media]; ok {
		return device + "/" + rest
	}
	// Unrecognized media tokens are stripped.
	return rest
}

// NativePath normalizes separators and media prefixes; the result is the
// canonical form used by the directory caches.
func NativePath(path string) string {
	return interpretPath(strings.ReplaceAll(path, "\\", "/"))
}

// FileName returns the path's file name without directory or extension.
func FileName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
