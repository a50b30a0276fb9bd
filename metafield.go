// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Errors
var (
	// ErrSaveNotImplemented is returned by every field writer; the save
	// paths are stubs.
	ErrSaveNotImplemented = errors.New("igz save path not implemented")

	// ErrDanglingObjectRef is reported when an object-reference field is
	// non-null yet matches none of the runtime fixup tables. Terminal for
	// the current container.
	ErrDanglingObjectRef = errors.New("object reference matches no runtime fixup table")

	// ErrBadFieldIndex is reported when a decoded table index is out of
	// range.
	ErrBadFieldIndex = errors.New("field index out of range")

	// ErrUnknownFieldKind is returned by the registry for unregistered
	// kind names.
	ErrUnknownFieldKind = errors.New("unknown meta field kind")

	// ErrCorruptList is reported when a list header is implausible for
	// the file size.
	ErrCorruptList = errors.New("corrupt list header")
)

// SaverContext is the per-file state of a container save. The save paths
// are not implemented; the type exists so field kinds keep a stable
// signature.
type SaverContext struct{}

// MetaField is the codec for one field kind: it reads a value of its kind
// from the byte cursor given the current loader context, and writes it
// back on the (stubbed) save path.
type MetaField interface {
	Kind() string
	ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error)
	WriteIGZ(a *Alchemy, ctx *SaverContext) error
}

// memberOf reports whether v is present in a sorted runtime table.
func memberOf(table []uint64, v uint64) bool {
	i := sort.Search(len(table), func(i int) bool { return table[i] >= v })
	return i < len(table) && table[i] == v
}

type scalarField struct {
	kind string
}

func (f *scalarField) Kind() string { return f.kind }

func (f *scalarField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	switch f.kind {
	case "u8":
		return r.ReadUint8()
	case "u16":
		return r.ReadUint16()
	case "u32":
		return r.ReadUint32()
	case "u64":
		return r.ReadUint64()
	case "i8":
		return r.ReadInt8()
	case "i16":
		return r.ReadInt16()
	case "i32":
		return r.ReadInt32()
	case "i64":
		return r.ReadInt64()
	case "f32":
		return r.ReadFloat32()
	case "f64":
		return r.ReadFloat64()
	case "bool":
		v, err := r.ReadUint8()
		return v != 0, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFieldKind, f.kind)
}

func (f *scalarField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// sizeTypeField reads a platform-sized integer.
type sizeTypeField struct{}

func (f *sizeTypeField) Kind() string { return "sizetype" }

func (f *sizeTypeField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	return r.ReadPtr(ctx.Platform)
}

func (f *sizeTypeField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// stringRefField resolves an index into the container's string table.
type stringRefField struct{}

func (f *stringRefField) Kind() string { return "stringref" }

func (f *stringRefField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	raw, err := r.ReadPtr(ctx.Platform)
	if err != nil {
		return nil, err
	}
	idx := raw & 0x7FFFFFFF
	if idx >= uint64(len(ctx.StringList)) {
		return nil, fmt.Errorf("%w: string %d of %d", ErrBadFieldIndex, idx, len(ctx.StringList))
	}
	return ctx.StringList[idx], nil
}

func (f *stringRefField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// objectRefField decodes an object reference. The semantics depend on
// where the serialized location falls in the runtime fixup tables:
// runtime offsets name a local object, named externals and externals name
// cross-container objects, zero is null and anything else is fatal.
type objectRefField struct{}

func (f *objectRefField) Kind() string { return "objectref" }

func (f *objectRefField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	loc := r.Tell()
	raw, err := r.ReadPtr(ctx.Platform)
	if err != nil {
		return nil, err
	}

	if memberOf(ctx.Runtime.Offsets, loc) {
		obj, ok := ctx.OffsetObjects[raw]
		if !ok {
			return nil, fmt.Errorf("%w: no object at serialized offset %#x", ErrDanglingObjectRef, raw)
		}
		return obj, nil
	}
	if memberOf(ctx.Runtime.NamedExternals, loc) {
		idx := raw & 0x7FFFFFFF
		if idx >= uint64(len(ctx.NamedExternalList)) {
			return nil, fmt.Errorf("%w: named external %d of %d", ErrBadFieldIndex, idx, len(ctx.NamedExternalList))
		}
		return ctx.NamedExternalList[idx], nil
	}
	if memberOf(ctx.Runtime.Externals, loc) {
		idx := raw & 0x7FFFFFFF
		if idx >= uint64(len(ctx.ExternalList)) {
			return nil, fmt.Errorf("%w: external %d of %d", ErrBadFieldIndex, idx, len(ctx.ExternalList))
		}
		if obj := ctx.ExternalList[idx].Resolve(a.StreamManager); obj != nil {
			return obj, nil
		}
		return nil, nil
	}
	if raw == 0 {
		return nil, nil
	}
	return nil, ErrDanglingObjectRef
}

func (f *objectRefField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// enumField reads a serialized enum value.
type enumField struct {
	name string
}

func (f *enumField) Kind() string { return "enum:" + f.name }

func (f *enumField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (f *enumField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// listField decodes a size-typed {count, data} pair, then the elements at
// the deserialized data offset.
type listField struct {
	elem MetaField
}

func (f *listField) Kind() string { return "list:" + f.elem.Kind() }

func (f *listField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	count, err := r.ReadPtr(ctx.Platform)
	if err != nil {
		return nil, err
	}
	dataPtr, err := r.ReadPtr(ctx.Platform)
	if err != nil {
		return nil, err
	}

	elems := make([]interface{}, 0, count)
	if count == 0 || dataPtr == 0 {
		return elems, nil
	}
	if count > r.Size() {
		return nil, fmt.Errorf("%w: %d elements in a %d byte file", ErrCorruptList, count, r.Size())
	}

	resume := r.Tell()
	r.SeekTo(ctx.DeserializeOffset(dataPtr))
	for i := uint64(0); i < count; i++ {
		elem, err := f.elem.ReadIGZ(a, r, ctx)
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
	}
	r.SeekTo(resume)
	return elems, nil
}

func (f *listField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// handleField resolves a named-handle reference from the RHND table.
type handleField struct{}

func (f *handleField) Kind() string { return "handle" }

func (f *handleField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	loc := r.Tell()
	raw, err := r.ReadPtr(ctx.Platform)
	if err != nil {
		return nil, err
	}
	if memberOf(ctx.Runtime.Handles, loc) {
		idx := raw & 0x7FFFFFFF
		if idx >= uint64(len(ctx.NamedHandleList)) {
			return nil, fmt.Errorf("%w: handle %d of %d", ErrBadFieldIndex, idx, len(ctx.NamedHandleList))
		}
		return ctx.NamedHandleList[idx], nil
	}
	if raw == 0 {
		return nil, nil
	}
	return raw, nil
}

func (f *handleField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// memHandleField resolves a memory-handle location from the RMHN table.
type memHandleField struct{}

func (f *memHandleField) Kind() string { return "memoryhandle" }

func (f *memHandleField) ReadIGZ(a *Alchemy, r *Reader, ctx *LoaderContext) (interface{}, error) {
	loc := r.Tell()
	raw, err := r.ReadPtr(ctx.Platform)
	if err != nil {
		return nil, err
	}
	if raw != 0 && memberOf(ctx.Runtime.MemHandles, loc) {
		return ctx.DeserializeOffset(raw), nil
	}
	return raw, nil
}

func (f *memHandleField) WriteIGZ(a *Alchemy, ctx *SaverContext) error {
	return ErrSaveNotImplemented
}

// MetaFieldRegistry maps kind names to field codec constructors. The
// builtin kinds are installed at construction and Register adds custom
// ones; parameterized kinds (enums, lists) take their argument after a
// colon.
type MetaFieldRegistry struct {
	simple map[string]func() MetaField
}

// NewMetaFieldRegistry returns a registry with every builtin kind.
func NewMetaFieldRegistry() *MetaFieldRegistry {
	reg := &MetaFieldRegistry{simple: make(map[string]func() MetaField)}
	for _, kind := range []string{
		"u8", "u16", "u32", "u64",
		"i8", "i16", "i32", "i64",
		"f32", "f64", "bool",
	} {
		kind := kind
		reg.simple[kind] = func() MetaField { return &scalarField{kind: kind} }
	}
	reg.simple["sizetype"] = func() MetaField { return &sizeTypeField{} }
	reg.simple["stringref"] = func() MetaField { return &stringRefField{} }
	reg.simple["objectref"] = func() MetaField { return &objectRefField{} }
	reg.simple["handle"] = func() MetaField { return &handleField{} }
	reg.simple["memoryhandle"] = func() MetaField { return &memHandleField{} }
	return reg
}

// Register installs a custom kind constructor.
func (reg *MetaFieldRegistry) Register(kind string, ctor func() MetaField) {
	reg.simple[kind] = ctor
}

// Parse resolves a kind specifier to its codec.
func (reg *MetaFieldRegistry) Parse(spec string) (MetaField, error) {
	if ctor, ok := reg.simple[spec]; ok {
		return ctor(), nil
	}
	if name, found := strings.CutPrefix(spec, "enum:"); found {
		return &enumField{name: name}, nil
	}
	if elemSpec, found := strings.CutPrefix(spec, "list:"); found {
		elem, err := reg.Parse(elemSpec)
		if err != nil {
			return nil, err
		}
		return &listField{elem: elem}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFieldKind, spec)
}
