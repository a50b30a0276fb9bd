// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/openalchemy/igz/log"
)

// Builtin meta-type names the loader itself depends on.
const (
	MetaObjectList    = "igObjectList"
	MetaNameList      = "igNameList"
	MetaStringRefList = "igStringRefList"
	MetaNull          = "igNull"
)

// fieldData is the canonical element-payload field of the builtin list
// types.
const fieldData = "_data"

// Errors
var (
	// ErrSetupDefaultFields is returned when a field's default installer
	// signalled failure during instantiation.
	ErrSetupDefaultFields = errors.New("failed to set up default fields")

	// ErrBadDescriptor is returned for malformed metadata descriptors.
	ErrBadDescriptor = errors.New("malformed metadata descriptor")
)

// TypeMismatchError reports a descriptor disagreement. It is fatal to the
// current container load.
type TypeMismatchError struct {
	Expected string
}

// Error implements error.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("meta type mismatch, expected %s", e.Expected)
}

// MetaFieldSlot is one named field of a meta-type: its serialized offset
// within the object and the codec for its kind.
type MetaFieldSlot struct {
	Name   string
	Offset uint32
	Field  MetaField
}

// MetaObject is a named type descriptor: ordered field list, parent chain
// and instantiation hook. Interned by name in its MetadataManager.
type MetaObject struct {
	Name   string
	Parent *MetaObject
	Fields []MetaFieldSlot

	construct func() Object
	defaults  func(Object) error
}

// RawInstantiate returns a fresh zero-initialized object tagged with the
// given memory pool. deferDefaults skips the default-field installer.
func (m *MetaObject) RawInstantiate(pool MemoryPool, deferDefaults bool) (Object, error) {
	var obj Object
	if m.construct != nil {
		obj = m.construct()
	} else {
		obj = &GenericObject{}
	}
	obj.setMeta(m)
	obj.SetPool(pool)

	if !deferDefaults && m.defaults != nil {
		if err := m.defaults(obj); err != nil {
			return nil, ErrSetupDefaultFields
		}
	}
	return obj, nil
}

// fieldChain returns the field slots of the full parent chain, root first.
func (m *MetaObject) fieldChain() []MetaFieldSlot {
	if m.Parent == nil {
		return m.Fields
	}
	chain := m.Parent.fieldChain()
	out := make([]MetaFieldSlot, 0, len(chain)+len(m.Fields))
	out = append(out, chain...)
	out = append(out, m.Fields...)
	return out
}

// MetadataManager is the per-instance registry of named meta-types. A
// lookup lazily parses the descriptor tree rooted at the per-game asset
// directory; unknown names fall back to a field-bag meta so their objects
// remain decodable by field kind.
type MetadataManager struct {
	mu       sync.Mutex
	root     string
	platform Platform
	metas    map[string]*MetaObject
	fields   *MetaFieldRegistry
	logger   *log.Helper
}

// NewMetadataManager returns a registry rooted at the descriptor directory
// root; pass "" when no descriptor tree is available.
func NewMetadataManager(root string, platform Platform, logger *log.Helper) *MetadataManager {
	m := &MetadataManager{
		root:     root,
		platform: platform,
		metas:    make(map[string]*MetaObject),
		fields:   NewMetaFieldRegistry(),
		logger:   logger,
	}
	m.registerBuiltins()
	return m
}

// Fields exposes the field-kind registry.
func (m *MetadataManager) Fields() *MetaFieldRegistry {
	return m.fields
}

func (m *MetadataManager) registerBuiltins() {
	// Builtin list layouts: the vtable slot occupies the first
	// pointer-sized word; the {count, data} pair follows.
	dataOff := m.platform.PointerSize()

	listMeta := func(name, elemKind string, construct func() Object) *MetaObject {
		elem, _ := m.fields.Parse(elemKind)
		return &MetaObject{
			Name: name,
			Fields: []MetaFieldSlot{
				{Name: fieldData, Offset: dataOff, Field: &listField{elem: elem}},
			},
			construct: construct,
		}
	}

	m.metas[MetaObjectList] = listMeta(MetaObjectList, "objectref", func() Object { return &ObjectList{} })
	m.metas[MetaNameList] = listMeta(MetaNameList, "stringref", func() Object { return &NameList{} })
	m.metas[MetaStringRefList] = listMeta(MetaStringRefList, "stringref", func() Object { return &StringRefList{} })
	m.metas[MetaNull] = &MetaObject{
		Name:      MetaNull,
		construct: func() Object { return &NullObject{} },
	}
}

// GetOrCreateMeta resolves a type name, parsing its descriptor on first
// use. Unknown names synthesize a field-bag meta.
func (m *MetadataManager) GetOrCreateMeta(name string) (*MetaObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(name)
}

func (m *MetadataManager) getOrCreateLocked(name string) (*MetaObject, error) {
	if meta, ok := m.metas[name]; ok {
		return meta, nil
	}

	if m.root != "" {
		descPath := filepath.Join(m.root, name+".meta")
		if _, err := os.Stat(descPath); err == nil {
			meta, err := m.parseDescriptor(name, descPath)
			if err != nil {
				return nil, err
			}
			m.metas[name] = meta
			return meta, nil
		}
	}

	m.logger.Debugf("no descriptor for type %s, synthesizing field-bag meta", name)
	meta := &MetaObject{Name: name}
	m.metas[name] = meta
	return meta, nil
}

// parseDescriptor reads one type descriptor. Format, line oriented:
//
//	type <Name> [: <Parent>]
//	field <name> <kind> <offset>
func (m *MetadataManager) parseDescriptor(name, path string) (*MetaObject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta := &MetaObject{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		switch tokens[0] {
		case "type":
			if len(tokens) < 2 {
				return nil, fmt.Errorf("%w: %s", ErrBadDescriptor, line)
			}
			if tokens[1] != name {
				return nil, &TypeMismatchError{Expected: tokens[1]}
			}
			meta.Name = tokens[1]
			if len(tokens) == 4 && tokens[2] == ":" {
				parent, err := m.getOrCreateLocked(tokens[3])
				if err != nil {
					return nil, err
				}
				meta.Parent = parent
			}
		case "field":
			if len(tokens) != 4 {
				return nil, fmt.Errorf("%w: %s", ErrBadDescriptor, line)
			}
			kind, err := m.fields.Parse(tokens[2])
			if err != nil {
				return nil, err
			}
			offset, err := strconv.ParseUint(tokens[3], 0, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrBadDescriptor, line)
			}
			meta.Fields = append(meta.Fields, MetaFieldSlot{
				Name:   tokens[1],
				Offset: uint32(offset),
				Field:  kind,
			})
		default:
			return nil, fmt.Errorf("%w: %s", ErrBadDescriptor, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("%w: missing type line in %s", ErrBadDescriptor, path)
	}
	return meta, nil
}

// LoadAll parses every descriptor under the root. Self-test probe.
func (m *MetadataManager) LoadAll() error {
	if m.root == "" {
		return nil
	}
	return filepath.WalkDir(m.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		name := strings.TrimSuffix(filepath.Base(path), ".meta")
		if _, err := m.GetOrCreateMeta(name); err != nil {
			return fmt.Errorf("loading meta %s: %w", name, err)
		}
		return nil
	})
}

// ReadIGZFields decodes every field of obj at the reader's position,
// walking the meta-type's field list parent chain first and delegating to
// the registered field kinds.
func (m *MetadataManager) ReadIGZFields(a *Alchemy, r *Reader, ctx *LoaderContext, obj Object) error {
	meta := obj.Meta()
	if meta == nil {
		return nil
	}
	base := r.Tell()
	for _, slot := range meta.fieldChain() {
		r.SeekTo(base + uint64(slot.Offset))
		value, err := slot.Field.ReadIGZ(a, r, ctx)
		if err != nil {
			return fmt.Errorf("decoding field %s.%s: %w", meta.Name, slot.Name, err)
		}
		obj.SetField(slot.Name, value)
	}
	return nil
}
