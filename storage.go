// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/openalchemy/igz/log"
)

// StorageDevice is the host filesystem stage of the processor chain. The
// same type also serves as the update-folder provider, which differs only
// in carrying a device path searched before the context root.
type StorageDevice struct {
	processorBase
	path   string
	name   string
	logger *log.Helper
}

// NewStorageDevice returns the plain host storage stage.
func NewStorageDevice(logger *log.Helper) *StorageDevice {
	return &StorageDevice{logger: logger}
}

// NewUpdateProvider returns a storage stage rooted at an update folder.
// Engines with a separate update directory check it before everything else.
func NewUpdateProvider(updateFolder string, logger *log.Helper) *StorageDevice {
	return &StorageDevice{
		path:   updateFolder,
		name:   "TFB Update Provider",
		logger: logger,
	}
}

// Path returns the device sub-path, empty for plain host storage.
func (d *StorageDevice) Path() string {
	return d.path
}

// Name returns the device name.
func (d *StorageDevice) Name() string {
	return d.name
}

// Process dispatches the work item to the matching operation and forwards
// to the next stage when the item did not complete here.
func (d *StorageDevice) Process(item *WorkItem) {
	switch item.Type {
	case WorkTypeExists:
		d.exists(item)
	case WorkTypeOpen:
		d.open(item)
	case WorkTypeClose:
		d.closeItem(item)
	case WorkTypeRead:
		d.read(item)
	case WorkTypeOverwrite:
		d.overwrite(item)
	case WorkTypeRmdir:
		d.rmdir(item)
	case WorkTypeFileList:
		d.fileList(item)
	case WorkTypeWrite, WorkTypeTruncate, WorkTypeMkdir, WorkTypeUnlink,
		WorkTypeRename, WorkTypePrefetch, WorkTypeFormat, WorkTypeCommit,
		WorkTypeFileListWithSizes:
		item.Status = StatusUnsupported
	}
	if item.Status == StatusComplete {
		return
	}
	d.sendToNext(item)
}

func (d *StorageDevice) combinedPath(item *WorkItem) string {
	return filepath.Join(item.FileContext.Root(), d.path, item.Path)
}

// findCaseInsensitivePath covers containers cooked with mismatched casing
// on case-sensitive filesystems. On a direct miss every path element is
// resolved against its parent's directory listing, compared case-folded.
func findCaseInsensitivePath(input string) (string, error) {
	parent := filepath.Dir(input)
	want := strings.ToLower(filepath.Base(input))

	if parent != input {
		if _, err := os.Stat(parent); err != nil {
			resolved, err := findCaseInsensitivePath(parent)
			if err != nil {
				return "", err
			}
			parent = resolved
		}
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if strings.ToLower(entry.Name()) == want {
			return filepath.Join(parent, entry.Name()), nil
		}
	}
	return "", fs.ErrNotExist
}

func (d *StorageDevice) exists(item *WorkItem) {
	full := d.combinedPath(item)
	if _, err := os.Stat(full); err == nil {
		item.Status = StatusComplete
		return
	}
	if _, err := findCaseInsensitivePath(full); err == nil {
		item.Status = StatusComplete
		return
	}
	item.Status = StatusInvalidPath
}

func (d *StorageDevice) open(item *WorkItem) {
	full := d.combinedPath(item)

	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		resolved, findErr := findCaseInsensitivePath(full)
		if findErr != nil {
			item.Status = StatusInvalidPath
			return
		}
		f, err = os.Open(resolved)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			item.Status = StatusInvalidPath
		} else {
			item.Status = StatusGeneralError
		}
		return
	}

	// Memory map the file instead of using read/write. The mapping is
	// private copy-on-write: overwrite work items patch the mapping,
	// never the container file.
	data, err := mmap.Map(f, mmap.COPY, 0)
	if err != nil {
		f.Close()
		item.Status = StatusGeneralError
		return
	}

	item.File.Handle = NewReader(data, nil)
	item.File.Size = uint64(len(data))
	item.File.close = func() error {
		if err := data.Unmap(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	item.Status = StatusComplete
}

func (d *StorageDevice) closeItem(item *WorkItem) {
	if err := item.File.Close(); err != nil {
		item.Status = StatusGeneralError
		return
	}
	item.Status = StatusComplete
}

func (d *StorageDevice) read(item *WorkItem) {
	if item.File.Handle == nil {
		item.Status = StatusStopped
		return
	}
	if item.Bytes == nil {
		item.Status = StatusGeneralError
		return
	}
	item.File.Handle.SeekTo(item.Offset)
	data, err := item.File.Handle.ReadBytes(uint64(len(item.Bytes)))
	if err != nil {
		item.Status = StatusEndOfFile
		return
	}
	copy(item.Bytes, data)
	item.Status = StatusComplete
}

// overwrite patches the in-memory file at the item offset. This mirrors a
// quirk of the engine's storage device whose read operation wrote the
// caller's buffer; it lives under its own work type here.
func (d *StorageDevice) overwrite(item *WorkItem) {
	if item.File.Handle == nil {
		item.Status = StatusStopped
		return
	}
	if item.Bytes == nil {
		item.Status = StatusGeneralError
		return
	}
	if _, err := item.File.Handle.WriteAt(item.Bytes, item.Offset); err != nil {
		item.Status = StatusGeneralError
		return
	}
	item.Status = StatusComplete
}

func (d *StorageDevice) rmdir(item *WorkItem) {
	if err := os.RemoveAll(d.combinedPath(item)); err != nil {
		item.Status = StatusUnsupported
		return
	}
	item.Status = StatusComplete
}

func (d *StorageDevice) fileList(item *WorkItem) {
	if item.StringList == nil {
		item.Status = StatusGeneralError
		return
	}
	err := filepath.WalkDir(d.combinedPath(item), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			*item.StringList = append(*item.StringList, path)
		}
		return nil
	})
	if err != nil {
		item.Status = StatusGeneralError
		return
	}
	item.Status = StatusComplete
}
