// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Errors
var (
	// ErrWrongMagic is returned when the first four bytes are not an IGZ
	// magic in either byte order.
	ErrWrongMagic = errors.New("wrong IGZ magic")

	// ErrUnsupportedVersion is returned for container versions outside
	// the supported range.
	ErrUnsupportedVersion = errors.New("unsupported IGZ version")

	// ErrFileNotReadable is returned when the VFS could not produce a
	// readable handle for the container.
	ErrFileNotReadable = errors.New("file could not be read")

	// ErrBadFixup is returned for structurally broken fixup entries.
	ErrBadFixup = errors.New("malformed fixup entry")
)

// Fixup magics of the modern dialect. Legacy containers identify the same
// handlers by numeric id, see legacyFixupMagics.
const (
	FixupTDEP = "TDEP"
	FixupTMET = "TMET"
	FixupTSTR = "TSTR"
	FixupEXID = "EXID"
	FixupEXNM = "EXNM"
	FixupTMHN = "TMHN"
	FixupRVTB = "RVTB"
	FixupROOT = "ROOT"
	FixupROFS = "ROFS"
	FixupRPID = "RPID"
	FixupRSTT = "RSTT"
	FixupRSTR = "RSTR"
	FixupRMHN = "RMHN"
	FixupREXT = "REXT"
	FixupRNEX = "RNEX"
	FixupRHND = "RHND"
	FixupONAM = "ONAM"
	FixupMTSZ = "MTSZ" // metadata sizes, consumed and ignored
)

// legacyFixupMagics maps legacy numeric fixup ids to handlers. The gaps
// are unassigned in every container observed so far; the dispatcher skips
// them with a warning rather than guessing.
var legacyFixupMagics = map[uint8]string{
	0x00: FixupTMET,
	0x01: FixupTSTR,
	0x02: FixupEXID,
	0x03: FixupEXNM,
	0x05: FixupRVTB,
	0x0A: FixupTMHN,
	0x0C: FixupMTSZ,
	0x0E: FixupRSTR,
}

// maxSections is the section table's hardcoded capacity.
const maxSections = 0x20

// Thumbnail is one TMHN entry: a byte size and a raw data pointer.
type Thumbnail struct {
	Size uint64
	Data uint64
}

// RuntimeFields holds the offset tables decoded from the runtime fixups.
// Tables decoded with deserialization on are kept sorted ascending so the
// field codecs can binary search them.
type RuntimeFields struct {
	VTables        []uint64
	ObjectLists    []uint64
	Offsets        []uint64
	PoolIDs        []uint64
	StringTables   []uint64
	StringRefs     []uint64
	MemHandles     []uint64
	Externals      []uint64
	NamedExternals []uint64
	Handles        []uint64
}

// LoaderContext is the per-file scratch state shared between the fixup
// handlers and the field codecs.
type LoaderContext struct {
	Version           uint32
	MetaObjectVersion uint32
	Platform          Platform
	SectionCount      uint32
	FixupCount        uint32
	LoadedPools       [maxSections]MemoryPool
	LoadedPointers    [maxSections]uint32
	FixupOffset       uint32

	VtblList          []*MetaObject
	StringList        []string
	ExternalList      []*Handle
	NamedExternalList []Object
	NamedHandleList   []*Handle
	ReadDependencies  bool
	Thumbnails        []Thumbnail
	Runtime           RuntimeFields

	// OffsetObjects maps serialized offsets to the objects instantiated
	// there during RVTB.
	OffsetObjects map[uint64]Object
}

// DeserializeOffset turns an encoded serialized offset into a physical
// byte position using the section base pointers.
func (ctx *LoaderContext) DeserializeOffset(v uint64) uint64 {
	shift, mask := ctx.offsetEncoding()
	slot := v >> shift
	if slot >= maxSections {
		return v & mask
	}
	return uint64(ctx.LoadedPointers[slot]) + (v & mask)
}

// PoolOf returns the memory pool a serialized offset belongs to.
func (ctx *LoaderContext) PoolOf(v uint64) MemoryPool {
	shift, _ := ctx.offsetEncoding()
	slot := v >> shift
	if slot >= maxSections {
		return PoolDefault
	}
	return ctx.LoadedPools[slot]
}

func (ctx *LoaderContext) offsetEncoding() (uint, uint64) {
	if ctx.Version <= LegacyMaxVersion {
		return 0x18, 0x00FFFFFF
	}
	return 0x1B, 0x07FFFFFF
}

// chunkDescriptorStart returns the section table offset for a version.
func chunkDescriptorStart(version uint32) (uint64, error) {
	switch version {
	case 5, 6:
		return 0xC, nil
	case 7, 8, 9:
		return 0x14, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
}

// attributeLocation returns the base of the pool-name string region. The
// v8/v9 value matches every container checked so far but has not been
// validated exhaustively; a wrong base surfaces as an unknown pool name.
func attributeLocation(version uint32) (uint32, error) {
	switch version {
	case 5, 6, 7:
		return 0x56C, nil
	case 8, 9:
		return 0x224, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
}

// IGZLoader decodes .igz/.bld/.lng containers.
type IGZLoader struct{}

// CanRead implements ObjectLoader.
func (l *IGZLoader) CanRead(fileName string) bool {
	return strings.HasSuffix(fileName, ".igz") ||
		strings.HasSuffix(fileName, ".bld") ||
		strings.HasSuffix(fileName, ".lng")
}

// Name implements ObjectLoader.
func (l *IGZLoader) Name() string {
	return "Alchemy Platform"
}

// Type implements ObjectLoader.
func (l *IGZLoader) Type() string {
	return "Alchemy"
}

// ReadFile implements ObjectLoader.
func (l *IGZLoader) ReadFile(a *Alchemy, dir *ObjectDirectory, path string) error {
	_, err := readIGZ(a, dir, path, true)
	return err
}

// loaderRun bundles the per-container decode state.
type loaderRun struct {
	a   *Alchemy
	dir *ObjectDirectory
	r   *Reader
	ctx *LoaderContext
}

func readIGZ(a *Alchemy, dir *ObjectDirectory, path string, readDependencies bool) (*LoaderContext, error) {
	fd := a.FileContext.Open(a.Registry, path, 0)
	if fd.Handle == nil {
		return nil, fmt.Errorf("loading igz %s: %w", path, ErrFileNotReadable)
	}
	r := fd.Handle

	magic, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("loading igz %s: %w", path, err)
	}
	switch magic {
	case IGZLittleEndianMagic:
		r.SetOrder(binary.LittleEndian)
	case IGZBigEndianMagic:
		r.SetOrder(binary.BigEndian)
	default:
		return nil, fmt.Errorf("loading igz %s: %w (got %#x)", path, ErrWrongMagic, magic)
	}

	version, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	metaObjectVersion, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	rawPlatform, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	platform, err := PlatformFromUint32(rawPlatform)
	if err != nil {
		return nil, fmt.Errorf("loading igz %s: %w (%d)", path, err, rawPlatform)
	}

	// Older versions store the fixup count behind the first section
	// instead of the header; it is picked up during section parsing.
	var fixupCount uint32
	if version >= 7 {
		fixupCount, err = r.ReadUint32()
		if err != nil {
			return nil, err
		}
	}

	run := &loaderRun{
		a:   a,
		dir: dir,
		r:   r,
		ctx: &LoaderContext{
			Version:           version,
			MetaObjectVersion: metaObjectVersion,
			Platform:          platform,
			FixupCount:        fixupCount,
			ReadDependencies:  readDependencies,
			OffsetObjects:     make(map[uint64]Object),
		},
	}

	if err := run.parseSections(); err != nil {
		return nil, fmt.Errorf("loading igz %s: %w", path, err)
	}
	if version > LegacyMaxVersion {
		err = run.processModernFixups()
	} else {
		err = run.processLegacyFixups()
	}
	if err != nil {
		return nil, fmt.Errorf("loading igz %s: %w", path, err)
	}
	if err := run.readObjects(); err != nil {
		return nil, fmt.Errorf("loading igz %s: %w", path, err)
	}
	return run.ctx, nil
}

// parseSections walks the section table. Section 0 is the fixup region;
// every following section maps a memory pool and its base pointer.
func (run *loaderRun) parseSections() error {
	tableStart, err := chunkDescriptorStart(run.ctx.Version)
	if err != nil {
		return err
	}
	attrBase, err := attributeLocation(run.ctx.Version)
	if err != nil {
		return err
	}

	r := run.r
	for i := uint32(0); i < maxSections; i++ {
		r.SeekTo(tableStart + 0x10*uint64(i))
		namePtr, err := r.ReadUint32()
		if err != nil {
			return err
		}
		offset, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if _, err := r.ReadUint32(); err != nil { // length
			return err
		}
		if _, err := r.ReadUint32(); err != nil { // alignment
			return err
		}

		if offset == 0 {
			if i > 0 {
				run.ctx.SectionCount = i - 1
			}
			break
		}

		if i == 0 {
			run.ctx.FixupOffset = offset
			if run.ctx.Version <= LegacyMaxVersion {
				// Legacy containers keep the fixup count in a
				// second header area behind section 0.
				r.SeekTo(uint64(offset) + 0x10)
				count, err := r.ReadUint32()
				if err != nil {
					return err
				}
				run.ctx.FixupCount = count
			}
			continue
		}

		r.SeekTo(uint64(attrBase) + uint64(namePtr))
		poolName, err := r.ReadCString()
		if err != nil {
			return err
		}
		pool, err := PoolFromString(poolName)
		if err != nil {
			return fmt.Errorf("section %d: %w (%q)", i, err, poolName)
		}
		run.ctx.LoadedPools[i-1] = pool
		run.ctx.LoadedPointers[i-1] = offset
	}
	return nil
}

func (run *loaderRun) processModernFixups() error {
	r := run.r
	bytesProcessed := uint64(0)

	for i := uint32(0); i < run.ctx.FixupCount; i++ {
		r.SeekTo(uint64(run.ctx.FixupOffset) + bytesProcessed)
		var hdr [4]uint32
		for j := range hdr {
			v, err := r.ReadUint32()
			if err != nil {
				return err
			}
			hdr[j] = v
		}
		magic, count, length, start := hdr[0], hdr[1], hdr[2], hdr[3]
		if length == 0 {
			return fmt.Errorf("%w: zero length entry %d", ErrBadFixup, i)
		}

		var tag [4]byte
		binary.LittleEndian.PutUint32(tag[:], magic)
		r.SeekTo(uint64(run.ctx.FixupOffset) + bytesProcessed + uint64(start))

		if err := run.dispatch(string(tag[:]), count, length, start); err != nil {
			return err
		}
		bytesProcessed += uint64(length)
	}
	return nil
}

func (run *loaderRun) processLegacyFixups() error {
	r := run.r

	// The preamble holding the fixup count occupies the region before the
	// first entry.
	bytesProcessed := uint64(0x1C)

	for i := uint32(0); i < run.ctx.FixupCount; i++ {
		r.SeekTo(uint64(run.ctx.FixupOffset) + bytesProcessed)
		var hdr [6]uint32
		for j := range hdr {
			v, err := r.ReadUint32()
			if err != nil {
				return err
			}
			hdr[j] = v
		}
		id, count, length, start := uint8(hdr[0]), hdr[3], hdr[4], hdr[5]
		if length == 0 {
			return fmt.Errorf("%w: zero length entry %d", ErrBadFixup, i)
		}

		r.SeekTo(uint64(run.ctx.FixupOffset) + bytesProcessed + uint64(start))

		tag, ok := legacyFixupMagics[id]
		if !ok {
			run.a.logger.Warnf("no fixup registered for legacy id %#02x, skipping", id)
		} else if err := run.dispatch(tag, count, length, start); err != nil {
			return err
		}
		bytesProcessed += uint64(length)
	}
	return nil
}

// dispatch applies one fixup. Unknown magics are logged and skipped.
func (run *loaderRun) dispatch(tag string, count, length, start uint32) error {
	run.a.logger.Debugf("processing fixup %s", tag)

	switch tag {
	case FixupTDEP:
		return run.fixDependencies(count)
	case FixupTMET:
		return run.fixMetadata(count)
	case FixupTSTR:
		return run.fixStringList(count)
	case FixupEXID:
		return run.fixExternalsByID(count)
	case FixupEXNM:
		return run.fixExternalsByName(count)
	case FixupTMHN:
		return run.fixThumbnails(count)
	case FixupRVTB:
		return run.fixVTables(count, length, start)
	case FixupROOT:
		return run.fixObjectLists(count, length, start)
	case FixupROFS:
		return run.fixRuntimeTable(&run.ctx.Runtime.Offsets, count, length, start)
	case FixupRPID:
		return run.fixRuntimeTable(&run.ctx.Runtime.PoolIDs, count, length, start)
	case FixupRSTT:
		return run.fixRuntimeTable(&run.ctx.Runtime.StringTables, count, length, start)
	case FixupRSTR:
		return run.fixRuntimeTable(&run.ctx.Runtime.StringRefs, count, length, start)
	case FixupRMHN:
		return run.fixRuntimeTable(&run.ctx.Runtime.MemHandles, count, length, start)
	case FixupREXT:
		return run.fixRuntimeTable(&run.ctx.Runtime.Externals, count, length, start)
	case FixupRNEX:
		return run.fixRuntimeTable(&run.ctx.Runtime.NamedExternals, count, length, start)
	case FixupRHND:
		return run.fixRuntimeTable(&run.ctx.Runtime.Handles, count, length, start)
	case FixupONAM:
		return run.fixNameList()
	case FixupMTSZ:
		return nil
	}
	run.a.logger.Debugf("no fixup exists for the magic value %q", tag)
	return nil
}

// fixDependencies loads each named dependency container and records it on
// the directory. Failures leave the dependency absent; later EXNM/EXID
// lookups against it null-resolve.
func (run *loaderRun) fixDependencies(count uint32) error {
	if !run.ctx.ReadDependencies {
		return nil
	}
	for i := uint32(0); i < count; i++ {
		name, err := run.r.ReadCString()
		if err != nil {
			return err
		}
		path, err := run.r.ReadCString()
		if err != nil {
			return err
		}
		if strings.HasPrefix(path, "<build>") {
			run.a.logger.Debugf("skipping build-time dependency %s", path)
			continue
		}
		dep, err := run.a.StreamManager.LoadWithNamespace(run.a, path, NewName(name))
		if err != nil {
			run.a.logger.Errorf("failed to load dependency %s: %v", path, err)
			continue
		}
		run.dir.AddDependency(dep)
	}
	return nil
}

// alignStringEntry realigns the cursor after a TMET/TSTR string. Entries
// pad to 2 bytes past version 7, 1 byte otherwise.
func (run *loaderRun) alignStringEntry(base uint64) {
	bits := uint64(1)
	if run.ctx.Version > 7 {
		bits = 2
	}
	cur := run.r.Tell()
	run.r.SeekTo(base + bits + ((cur - base - 1) &^ (bits - 1)))
}

func (run *loaderRun) fixMetadata(count uint32) error {
	for i := uint32(0); i < count; i++ {
		base := run.r.Tell()
		typeName, err := run.r.ReadCString()
		if err != nil {
			return err
		}
		meta, err := run.a.Metadata.GetOrCreateMeta(typeName)
		if err != nil {
			return fmt.Errorf("resolving meta %s: %w", typeName, err)
		}
		run.ctx.VtblList = append(run.ctx.VtblList, meta)
		run.a.logger.Debugf("igz contains object of type %s", typeName)
		run.alignStringEntry(base)
	}
	return nil
}

func (run *loaderRun) fixStringList(count uint32) error {
	for i := uint32(0); i < count; i++ {
		base := run.r.Tell()
		s, err := run.r.ReadCString()
		if err != nil {
			return err
		}
		run.ctx.StringList = append(run.ctx.StringList, s)
		run.alignStringEntry(base)
	}
	return nil
}

// fixExternalsByID interns one handle per (alias_hash, ns_hash) pair,
// resolving against already-loaded directories of the namespace where
// possible.
func (run *loaderRun) fixExternalsByID(count uint32) error {
	for i := uint32(0); i < count; i++ {
		aliasHash, err := run.r.ReadUint32()
		if err != nil {
			return err
		}
		nsHash, err := run.r.ReadUint32()
		if err != nil {
			return err
		}

		handle := run.a.Handles.LookupHandle(NameFromHash(nsHash), NameFromHash(aliasHash))
		dirs := run.a.StreamManager.DirectoriesByName(nsHash)
		if len(dirs) == 0 {
			run.a.logger.Errorf("EXID fixup: failed to find namespace %#x, referenced in %s", nsHash, run.dir.Path)
		} else if handle.Object() == nil {
			for _, dir := range dirs {
				if obj, ok := dir.lookupAlias(aliasHash); ok {
					handle.SetObject(obj)
					break
				}
			}
		}
		run.ctx.ExternalList = append(run.ctx.ExternalList, handle)
	}
	return nil
}

// fixExternalsByName resolves string-named cross-container references.
// Entries with the namespace high bit set are handles; the rest resolve to
// objects, with a null sentinel standing in for failures.
func (run *loaderRun) fixExternalsByName(count uint32) error {
	for i := uint32(0); i < count; i++ {
		raw, err := run.r.ReadUint64()
		if err != nil {
			return err
		}
		nsRaw := uint32(raw >> 32)
		nsIdx := nsRaw & 0x7FFFFFFF
		nameIdx := uint32(raw) & 0x7FFFFFFF
		if uint64(nsIdx) >= uint64(len(run.ctx.StringList)) ||
			uint64(nameIdx) >= uint64(len(run.ctx.StringList)) {
			return fmt.Errorf("%w: EXNM string index out of range", ErrBadFixup)
		}

		handleName := NewHandleName(
			NewName(run.ctx.StringList[nameIdx]),
			NewName(run.ctx.StringList[nsIdx]),
		)

		if nsRaw&0x80000000 != 0 {
			run.ctx.NamedHandleList = append(run.ctx.NamedHandleList,
				run.a.Handles.LookupHandleName(handleName))
			continue
		}

		refCtx := ReferenceResolverContext{Metadata: run.a.Metadata}
		obj := run.a.ExternalRefs.GlobalSet.ResolveReference(handleName, &refCtx)
		if obj == nil {
			obj = run.a.Handles.LookupHandleName(handleName).Resolve(run.a.StreamManager)
		}
		if obj == nil {
			obj = run.a.nullObject()
		}
		run.ctx.NamedExternalList = append(run.ctx.NamedExternalList, obj)
	}
	return nil
}

func (run *loaderRun) fixThumbnails(count uint32) error {
	for i := uint32(0); i < count; i++ {
		size, err := run.r.ReadPtr(run.ctx.Platform)
		if err != nil {
			return err
		}
		data, err := run.r.ReadPtr(run.ctx.Platform)
		if err != nil {
			return err
		}
		run.ctx.Thumbnails = append(run.ctx.Thumbnails, Thumbnail{Size: size, Data: data})
	}
	return nil
}

// unpackTable decodes the packed offset payload of a runtime fixup.
func (run *loaderRun) unpackTable(count, length, start uint32, deserialize bool) ([]uint64, error) {
	if length < start {
		return nil, fmt.Errorf("%w: payload shorter than header", ErrBadFixup)
	}
	payload, err := run.r.ReadBytes(uint64(length - start))
	if err != nil {
		return nil, err
	}
	values, err := UnpackOffsets(payload, count, run.ctx.Version)
	if err != nil {
		return nil, err
	}
	if deserialize {
		for i, v := range values {
			values[i] = run.ctx.DeserializeOffset(v)
		}
	}
	return values, nil
}

// fixVTables instantiates every object announced by the RVTB table: seek
// to the object, read its vtable index, instantiate through the metadata
// manager with the pool of its serialized offset.
func (run *loaderRun) fixVTables(count, length, start uint32) error {
	vtables, err := run.unpackTable(count, length, start, false)
	if err != nil {
		return err
	}
	run.ctx.Runtime.VTables = vtables

	for _, offset := range vtables {
		run.r.SeekTo(run.ctx.DeserializeOffset(offset))
		index, err := run.r.ReadPtr(run.ctx.Platform)
		if err != nil {
			return err
		}
		if index >= uint64(len(run.ctx.VtblList)) {
			return fmt.Errorf("%w: vtable index %d of %d", ErrBadFixup, index, len(run.ctx.VtblList))
		}
		meta := run.ctx.VtblList[index]
		obj, err := meta.RawInstantiate(run.ctx.PoolOf(offset), false)
		if err != nil {
			return fmt.Errorf("instantiating %s: %w", meta.Name, err)
		}
		run.ctx.OffsetObjects[offset] = obj
	}
	return nil
}

// fixObjectLists installs the container's root object list: the first
// decoded offset names it in the offset-object map.
func (run *loaderRun) fixObjectLists(count, length, start uint32) error {
	lists, err := run.unpackTable(count, length, start, false)
	if err != nil {
		return err
	}
	run.ctx.Runtime.ObjectLists = lists
	if len(lists) == 0 {
		return nil
	}

	obj, ok := run.ctx.OffsetObjects[lists[0]]
	if !ok {
		return fmt.Errorf("%w: ROOT names no instantiated object", ErrBadFixup)
	}
	list, ok := obj.(*ObjectList)
	if !ok {
		return &TypeMismatchError{Expected: MetaObjectList}
	}
	run.dir.SetObjects(list)
	return nil
}

func (run *loaderRun) fixRuntimeTable(table *[]uint64, count, length, start uint32) error {
	values, err := run.unpackTable(count, length, start, true)
	if err != nil {
		return err
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	*table = values
	return nil
}

// fixNameList installs the directory's alias list and flags its use.
func (run *loaderRun) fixNameList() error {
	index, err := run.r.ReadUint32()
	if err != nil {
		return err
	}
	obj, ok := run.ctx.OffsetObjects[uint64(index)]
	if !ok {
		return fmt.Errorf("%w: ONAM names no instantiated object", ErrBadFixup)
	}
	names, ok := obj.(*NameList)
	if !ok {
		return &TypeMismatchError{Expected: MetaNameList}
	}
	run.dir.SetNames(names)
	run.dir.UseNameList = true
	return nil
}

// readObjects is the post-fixup field pass: every instantiated object gets
// its fields decoded at its deserialized offset, in offset order.
func (run *loaderRun) readObjects() error {
	offsets := make([]uint64, 0, len(run.ctx.OffsetObjects))
	for offset := range run.ctx.OffsetObjects {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	for _, offset := range offsets {
		obj := run.ctx.OffsetObjects[offset]
		run.r.SeekTo(run.ctx.DeserializeOffset(offset))
		if err := run.a.Metadata.ReadIGZFields(run.a, run.r, run.ctx, obj); err != nil {
			return err
		}
	}
	return nil
}
