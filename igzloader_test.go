// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"encoding/binary"
	"errors"
	"sort"
	"testing"
)

type testPool struct {
	name string
	data []byte
}

type testFixup struct {
	magic string
	count uint32
	// legacyID replaces magic for containers using the legacy dialect.
	legacyID uint8
	payload  []byte
}

// stringEntry encodes one TMET/TSTR string with its per-version padding.
func stringEntry(s string, version uint32) []byte {
	raw := append([]byte(s), 0)
	bits := 1
	if version > 7 {
		bits = 2
	}
	padded := bits + ((len(raw) - 1) &^ (bits - 1))
	out := make([]byte, padded)
	copy(out, raw)
	return out
}

func packTest(t *testing.T, offsets []uint64, version uint32) []byte {
	t.Helper()
	b, err := PackOffsets(offsets, version)
	if err != nil {
		t.Fatalf("PackOffsets(%v) failed, reason: %v", offsets, err)
	}
	return b
}

// buildContainer assembles a synthetic container. Pool data blocks are
// placed after the fixup region; serialized offsets inside them are
// (slot << shift) | offset-within-pool.
func buildContainer(t *testing.T, version uint32, platform Platform, pools []testPool, fixups []testFixup) []byte {
	t.Helper()
	le := binary.LittleEndian

	attrBase, err := attributeLocation(version)
	if err != nil {
		t.Fatalf("attributeLocation failed, reason: %v", err)
	}
	tableStart, err := chunkDescriptorStart(version)
	if err != nil {
		t.Fatalf("chunkDescriptorStart failed, reason: %v", err)
	}
	legacy := version <= LegacyMaxVersion
	fixupBase := attrBase + 0x100

	// Assemble the fixup region.
	var region []byte
	if legacy {
		region = make([]byte, 0x1C)
		le.PutUint32(region[0x10:], uint32(len(fixups)))
		for _, f := range fixups {
			entry := make([]byte, 0x18)
			le.PutUint32(entry[0x00:], uint32(f.legacyID))
			le.PutUint32(entry[0x0C:], f.count)
			le.PutUint32(entry[0x10:], uint32(0x18+len(f.payload)))
			le.PutUint32(entry[0x14:], 0x18)
			region = append(region, entry...)
			region = append(region, f.payload...)
		}
	} else {
		for _, f := range fixups {
			entry := make([]byte, 0x10)
			copy(entry, f.magic)
			le.PutUint32(entry[0x04:], f.count)
			le.PutUint32(entry[0x08:], uint32(0x10+len(f.payload)))
			le.PutUint32(entry[0x0C:], 0x10)
			region = append(region, entry...)
			region = append(region, f.payload...)
		}
	}

	dataBase := (fixupBase + uint32(len(region)) + 0xF) &^ 0xF
	total := dataBase
	for _, p := range pools {
		total += uint32(len(p.data))
	}
	b := make([]byte, total)

	// Header.
	copy(b[0:], []byte{0x49, 0x47, 0x5A, 0x01})
	le.PutUint32(b[0x04:], version)
	le.PutUint32(b[0x08:], 0) // meta object version
	le.PutUint32(b[0x0C:], uint32(platform))
	if !legacy {
		le.PutUint32(b[0x10:], uint32(len(fixups)))
	}

	// Section table: section 0 is the fixup region, pools follow.
	sec := tableStart
	le.PutUint32(b[sec+0x04:], fixupBase)
	le.PutUint32(b[sec+0x08:], uint32(len(region)))
	le.PutUint32(b[sec+0x0C:], 4)

	namePtr := uint32(0)
	poolOff := dataBase
	for i, p := range pools {
		entry := sec + 0x10*uint64(i+1)
		le.PutUint32(b[entry+0x00:], namePtr)
		le.PutUint32(b[entry+0x04:], poolOff)
		le.PutUint32(b[entry+0x08:], uint32(len(p.data)))
		le.PutUint32(b[entry+0x0C:], 4)

		copy(b[attrBase+namePtr:], append([]byte(p.name), 0))
		copy(b[poolOff:], p.data)
		namePtr += uint32(len(p.name)) + 1
		poolOff += uint32(len(p.data))
	}

	copy(b[fixupBase:], region)
	return b
}

func mountContainers(a *Alchemy, files map[string][]byte) {
	a.FileContext.ArchiveManager.Mount(NewMemoryArchive("test.pak", files))
}

// Spec'd minimal container: one-entry section table, TMET with count 0,
// fixup count zero in the header.
func TestMinimalV8Container(t *testing.T) {
	le := binary.LittleEndian
	b := make([]byte, 0x120)
	copy(b[0:], []byte{0x49, 0x47, 0x5A, 0x01, 0x08, 0x00, 0x00, 0x00})
	le.PutUint32(b[0x18:], 0x100) // section 0 offset
	le.PutUint32(b[0x1C:], 0x10)  // section 0 length
	le.PutUint32(b[0x20:], 4)     // section 0 alignment
	copy(b[0x100:], "TMET")
	le.PutUint32(b[0x108:], 0x10) // length
	le.PutUint32(b[0x10C:], 0x10) // start

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"minimal.igz": b})

	dir := NewObjectDirectory("minimal.igz", NewName("minimal.igz"))
	ctx, err := readIGZ(a, dir, "minimal.igz", true)
	if err != nil {
		t.Fatalf("readIGZ failed, reason: %v", err)
	}

	if ctx.Version != 8 {
		t.Errorf("version assertion failed, got %d, want 8", ctx.Version)
	}
	if ctx.SectionCount != 0 {
		t.Errorf("section count assertion failed, got %d, want 0", ctx.SectionCount)
	}
	if len(ctx.VtblList) != 0 {
		t.Errorf("vtbl list should be empty, got %d entries", len(ctx.VtblList))
	}
	if len(ctx.OffsetObjects) != 0 {
		t.Errorf("field pass should have zero iterations, got %d objects", len(ctx.OffsetObjects))
	}
}

func TestMinimalV8ContainerWithCountedFixup(t *testing.T) {
	b := buildContainer(t, 8, PlatformCafe, nil, []testFixup{
		{magic: FixupTMET, count: 0},
	})

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"counted.igz": b})

	dir := NewObjectDirectory("counted.igz", NewName("counted.igz"))
	ctx, err := readIGZ(a, dir, "counted.igz", true)
	if err != nil {
		t.Fatalf("readIGZ failed, reason: %v", err)
	}
	if ctx.FixupCount != 1 || len(ctx.VtblList) != 0 {
		t.Errorf("TMET with count 0 should leave the vtbl list empty")
	}
}

func TestWrongMagic(t *testing.T) {
	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"bogus.igz": {0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}})

	dir := NewObjectDirectory("bogus.igz", NewName("bogus.igz"))
	_, err := readIGZ(a, dir, "bogus.igz", true)
	if !errors.Is(err, ErrWrongMagic) {
		t.Errorf("expected ErrWrongMagic, got %v", err)
	}
}

func TestUnknownPoolNameIsTerminal(t *testing.T) {
	b := buildContainer(t, 8, PlatformCafe,
		[]testPool{{name: "Bogus", data: make([]byte, 0x10)}}, nil)

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"badpool.igz": b})

	dir := NewObjectDirectory("badpool.igz", NewName("badpool.igz"))
	_, err := readIGZ(a, dir, "badpool.igz", true)
	if !errors.Is(err, ErrUnknownPool) {
		t.Errorf("expected ErrUnknownPool, got %v", err)
	}
}

func tdepPayload(deps ...string) []byte {
	var out []byte
	for i := 0; i+1 < len(deps); i += 2 {
		out = append(out, deps[i]...)
		out = append(out, 0)
		out = append(out, deps[i+1]...)
		out = append(out, 0)
	}
	return out
}

// Spec'd cycle scenario: A depends on B depends on A; the second load of A
// terminates at the cached partial directory.
func TestDependencyCycle(t *testing.T) {
	aBytes := buildContainer(t, 8, PlatformCafe, nil, []testFixup{
		{magic: FixupTDEP, count: 1, payload: tdepPayload("B", "b.igz")},
	})
	bBytes := buildContainer(t, 8, PlatformCafe, nil, []testFixup{
		{magic: FixupTDEP, count: 1, payload: tdepPayload("A", "a.igz")},
	})

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"a.igz": aBytes, "b.igz": bBytes})

	dirA, err := a.Load("a.igz")
	if err != nil {
		t.Fatalf("Load(a.igz) failed, reason: %v", err)
	}
	dirB, ok := a.StreamManager.DirectoryByPath("b.igz")
	if !ok {
		t.Fatal("b.igz was not loaded as a dependency")
	}

	depsA := dirA.Dependencies()
	if len(depsA) != 1 || depsA[0] != dirB {
		t.Errorf("A should depend on B, got %v", depsA)
	}
	depsB := dirB.Dependencies()
	if len(depsB) != 1 || depsB[0] != dirA {
		t.Errorf("B should depend on the cached partial A, got %v", depsB)
	}
}

// Spec'd boundary: dependencies prefixed <build> are skipped silently.
func TestBuildPrefixedDependenciesSkipped(t *testing.T) {
	b := buildContainer(t, 8, PlatformCafe, nil, []testFixup{
		{magic: FixupTDEP, count: 1, payload: tdepPayload("X", "<build>internal/x.igz")},
	})

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"skip.igz": b})

	dir, err := a.Load("skip.igz")
	if err != nil {
		t.Fatalf("Load failed, reason: %v", err)
	}
	if len(dir.Dependencies()) != 0 {
		t.Errorf("build-prefixed dependency must not be loaded")
	}
}

// A full modern container: two objects (the root object list and a name
// list), runtime offset table, ROOT and ONAM installation.
func TestRootAndNameList(t *testing.T) {
	le := binary.LittleEndian

	poolData := make([]byte, 0x20)
	le.PutUint32(poolData[0x10:], 1) // name list vtable index

	b := buildContainer(t, 8, PlatformCafe,
		[]testPool{{name: "Default", data: poolData}},
		[]testFixup{
			{magic: FixupTMET, count: 2, payload: append(
				stringEntry(MetaObjectList, 8), stringEntry(MetaNameList, 8)...)},
			{magic: FixupRVTB, count: 2, payload: packTest(t, []uint64{0x04, 0x10}, 8)},
			{magic: FixupROFS, count: 2, payload: packTest(t, []uint64{0x08, 0x0C}, 8)},
			{magic: FixupROOT, count: 1, payload: packTest(t, []uint64{0x04}, 8)},
			{magic: FixupONAM, count: 1, payload: []byte{0x10, 0, 0, 0}},
		})

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"rooted.igz": b})

	dir := NewObjectDirectory("rooted.igz", NewName("rooted.igz"))
	ctx, err := readIGZ(a, dir, "rooted.igz", true)
	if err != nil {
		t.Fatalf("readIGZ failed, reason: %v", err)
	}

	if ctx.SectionCount != 1 {
		t.Errorf("section count assertion failed, got %d, want 1", ctx.SectionCount)
	}
	if got := ctx.LoadedPools[0]; got != PoolDefault {
		t.Errorf("pool assertion failed, got %v", got)
	}

	// Every RVTB offset instantiated an object of the announced type.
	wantTypes := map[uint64]string{0x04: MetaObjectList, 0x10: MetaNameList}
	for _, offset := range ctx.Runtime.VTables {
		obj, ok := ctx.OffsetObjects[offset]
		if !ok {
			t.Fatalf("no object instantiated at offset %#x", offset)
		}
		if obj.Meta().Name != wantTypes[offset] {
			t.Errorf("type assertion failed at %#x, got %s, want %s",
				offset, obj.Meta().Name, wantTypes[offset])
		}
	}

	// Runtime tables decoded with deserialization stay sorted.
	if !sort.SliceIsSorted(ctx.Runtime.Offsets, func(i, j int) bool {
		return ctx.Runtime.Offsets[i] < ctx.Runtime.Offsets[j]
	}) {
		t.Errorf("runtime offsets are not sorted: %v", ctx.Runtime.Offsets)
	}

	if !dir.UseNameList {
		t.Fatal("ONAM should set UseNameList")
	}
	objects := dir.Objects().Objects
	names := dir.Names().Names
	if len(objects) != len(names) {
		t.Errorf("name list length %d does not match object list length %d",
			len(names), len(objects))
	}
}

// Legacy dialect: numeric fixup ids, preamble-resident fixup count, and
// unknown ids skipped with a warning.
func TestLegacyFixupDialect(t *testing.T) {
	b := buildContainer(t, 6, PlatformDefault, nil, []testFixup{
		{legacyID: 0x01, count: 2, payload: append(
			stringEntry("hello", 6), stringEntry("world", 6)...)},
		{legacyID: 0x04, count: 1, payload: []byte{0xFF, 0xFF, 0xFF, 0xFF}},
	})

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"legacy.igz": b})

	dir := NewObjectDirectory("legacy.igz", NewName("legacy.igz"))
	ctx, err := readIGZ(a, dir, "legacy.igz", true)
	if err != nil {
		t.Fatalf("readIGZ failed, reason: %v", err)
	}

	if ctx.FixupCount != 2 {
		t.Errorf("legacy fixup count assertion failed, got %d, want 2", ctx.FixupCount)
	}
	want := []string{"hello", "world"}
	if len(ctx.StringList) != 2 || ctx.StringList[0] != want[0] || ctx.StringList[1] != want[1] {
		t.Errorf("string list assertion failed, got %v, want %v", ctx.StringList, want)
	}
}

// Spec'd object-ref decode: the serialized location's runtime table
// membership selects the semantics.
func TestObjectRefDecode(t *testing.T) {
	le := binary.LittleEndian
	a := newTestAlchemy(t, t.TempDir())

	target := &GenericObject{}
	dir := NewObjectDirectory("level2.igz", NewName("level2"))
	dir.SetObjects(&ObjectList{Objects: []Object{target}})
	dir.SetNames(&NameList{Names: []Name{NewName("rock")}})
	dir.UseNameList = true
	pushDirectory(a.StreamManager, dir)

	handles := make([]*Handle, 4)
	for i := range handles {
		handles[i] = &Handle{Namespace: NewName("nowhere"), Alias: NewName("x")}
	}
	handles[3] = a.Handles.LookupHandle(NewName("level2"), NewName("rock"))

	const loc = 0x40
	data := make([]byte, 0x48)
	le.PutUint32(data[loc:], 3)

	ctx := &LoaderContext{Version: 8, Platform: PlatformCafe}
	ctx.Runtime.Externals = []uint64{loc}
	ctx.ExternalList = handles

	r := NewReader(data, le)
	r.SeekTo(loc)
	field := &objectRefField{}
	v, err := field.ReadIGZ(a, r, ctx)
	if err != nil {
		t.Fatalf("external decode failed, reason: %v", err)
	}
	if v != Object(target) {
		t.Errorf("external resolution failed, got %v", v)
	}

	// Absent namespace null-resolves.
	handles[3] = &Handle{Namespace: NewName("absent"), Alias: NewName("rock")}
	r.SeekTo(loc)
	v, err = field.ReadIGZ(a, r, ctx)
	if err != nil || v != nil {
		t.Errorf("absent namespace should resolve to nil, got %v, %v", v, err)
	}

	// Local offset membership indexes the offset-object map.
	local := &GenericObject{}
	ctx = &LoaderContext{
		Version:       8,
		Platform:      PlatformCafe,
		OffsetObjects: map[uint64]Object{4: local},
	}
	ctx.Runtime.Offsets = []uint64{loc}
	le.PutUint32(data[loc:], 4)
	r.SeekTo(loc)
	v, err = field.ReadIGZ(a, r, ctx)
	if err != nil {
		t.Fatalf("local decode failed, reason: %v", err)
	}
	if v != Object(local) {
		t.Errorf("local resolution failed, got %v", v)
	}

	// Zero with no membership is null.
	ctx = &LoaderContext{Version: 8, Platform: PlatformCafe}
	le.PutUint32(data[loc:], 0)
	r.SeekTo(loc)
	v, err = field.ReadIGZ(a, r, ctx)
	if err != nil || v != nil {
		t.Errorf("zero should decode to nil, got %v, %v", v, err)
	}

	// Non-zero with no membership is fatal.
	le.PutUint32(data[loc:], 12)
	r.SeekTo(loc)
	if _, err = field.ReadIGZ(a, r, ctx); !errors.Is(err, ErrDanglingObjectRef) {
		t.Errorf("expected ErrDanglingObjectRef, got %v", err)
	}
}

// EXID entries against unloaded namespaces fall back to handle interning.
func TestExternalByIDInterning(t *testing.T) {
	le := binary.LittleEndian
	aliasHash := NewName("widget").Hash
	nsHash := NewName("gadgets").Hash

	payload := make([]byte, 8)
	le.PutUint32(payload[0:], aliasHash)
	le.PutUint32(payload[4:], nsHash)

	b := buildContainer(t, 8, PlatformCafe, nil, []testFixup{
		{magic: FixupEXID, count: 1, payload: payload},
	})

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"exid.igz": b})

	dir := NewObjectDirectory("exid.igz", NewName("exid.igz"))
	ctx, err := readIGZ(a, dir, "exid.igz", true)
	if err != nil {
		t.Fatalf("readIGZ failed, reason: %v", err)
	}

	if len(ctx.ExternalList) != 1 {
		t.Fatalf("external list assertion failed, got %d entries", len(ctx.ExternalList))
	}
	h := ctx.ExternalList[0]
	if h.Namespace.Hash != nsHash || h.Alias.Hash != aliasHash {
		t.Errorf("interned handle hashes wrong: %+v", h)
	}
	if h != a.Handles.LookupHandle(NameFromHash(nsHash), NameFromHash(aliasHash)) {
		t.Errorf("handle was not interned in the manager")
	}
}

// EXNM entries resolve through the string table: high-bit namespaces are
// handles, the rest resolve to objects with a null sentinel fallback.
func TestExternalByName(t *testing.T) {
	le := binary.LittleEndian

	payload := make([]byte, 16)
	// Entry 0: handle (namespace high bit set), ns index 0, name index 1.
	le.PutUint64(payload[0:], 0x8000000000000001)
	// Entry 1: object reference, unresolvable, expects a null sentinel.
	le.PutUint64(payload[8:], 0x0000000000000001)

	b := buildContainer(t, 8, PlatformCafe, nil, []testFixup{
		{magic: FixupTSTR, count: 2, payload: append(
			stringEntry("space", 8), stringEntry("thing", 8)...)},
		{magic: FixupEXNM, count: 2, payload: payload},
	})

	a := newTestAlchemy(t, t.TempDir())
	mountContainers(a, map[string][]byte{"exnm.igz": b})

	dir := NewObjectDirectory("exnm.igz", NewName("exnm.igz"))
	ctx, err := readIGZ(a, dir, "exnm.igz", true)
	if err != nil {
		t.Fatalf("readIGZ failed, reason: %v", err)
	}

	if len(ctx.NamedHandleList) != 1 {
		t.Fatalf("named handle list assertion failed, got %d", len(ctx.NamedHandleList))
	}
	h := ctx.NamedHandleList[0]
	if h.Namespace.Str != "space" || h.Alias.Str != "thing" {
		t.Errorf("handle names wrong: %s.%s", h.Namespace, h.Alias)
	}

	if len(ctx.NamedExternalList) != 1 {
		t.Fatalf("named external list assertion failed, got %d", len(ctx.NamedExternalList))
	}
	if _, ok := ctx.NamedExternalList[0].(*NullObject); !ok {
		t.Errorf("unresolvable reference should be the null sentinel, got %T",
			ctx.NamedExternalList[0])
	}
}
