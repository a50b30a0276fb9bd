// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterpretPath(t *testing.T) {

	tests := []struct {
		in   string
		want string
	}{
		{"materials:/chair.igz", "materialInstances/chair.igz"},
		{"data:/x.igz", "/x.igz"},
		{"luts:/day.igz", "loosetextures/luts/day.igz"},
		{"C:/foo", "C:/foo"},
		{"c:\\foo", "c:\\foo"},
		{"app:/archives/env.pak", "archives/env.pak"},
		{"plain/path.igz", "plain/path.igz"},
		{"actors:/hero.igz", "actors/hero.igz"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := interpretPath(tt.in)
			require.Equal(t, tt.want, got)
			// Normalization is idempotent.
			require.Equal(t, got, interpretPath(got))
		})
	}
}

func TestNativePath(t *testing.T) {
	require.Equal(t, "maps/town/main.igz", NativePath("maps:\\town\\main.igz"))
	require.Equal(t, NativePath("maps:/town/main.igz"),
		NativePath(NativePath("maps:/town/main.igz")))
}

func TestFileName(t *testing.T) {
	require.Equal(t, "chair", FileName("materialInstances/chair.igz"))
	require.Equal(t, "env", FileName("env.pak"))
}

func newTestAlchemy(t *testing.T, root string) *Alchemy {
	t.Helper()
	return New(&Options{RootDir: root, Platform: PlatformCafe})
}

func TestOpenCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "foo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "foo", "BAR.IGZ"), []byte("payload"), 0o644))

	a := newTestAlchemy(t, root)

	fd := a.FileContext.Open(a.Registry, "Foo/Bar.igz", 0)
	require.NotNil(t, fd.Handle, "case-insensitive open should succeed")
	require.Equal(t, uint64(7), fd.Size)
	require.NoError(t, fd.Close())
}

func TestOpenMissingParentIsInvalidPath(t *testing.T) {
	a := newTestAlchemy(t, t.TempDir())

	item := WorkItem{
		Registry: a.Registry,
		Path:     "absent/dir/file.igz",
		Type:     WorkTypeOpen,
	}
	a.FileContext.Do(&item)
	require.Equal(t, StatusInvalidPath, item.Status)
	require.Nil(t, item.File.Handle)
}

func TestUnsupportedWorkTypes(t *testing.T) {
	a := newTestAlchemy(t, t.TempDir())

	for _, workType := range []WorkType{
		WorkTypeWrite, WorkTypeTruncate, WorkTypeMkdir, WorkTypeUnlink,
		WorkTypeRename, WorkTypePrefetch, WorkTypeFormat, WorkTypeCommit,
	} {
		item := WorkItem{Registry: a.Registry, Path: "x", Type: workType}
		a.FileContext.Do(&item)
		require.Equal(t, StatusUnsupported, item.Status, "work type %d", workType)
	}
}

func TestReadAndOverwrite(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), []byte("0123456789"), 0o644))

	a := newTestAlchemy(t, root)
	fd := a.FileContext.Open(a.Registry, "blob.bin", 0)
	require.NotNil(t, fd.Handle)

	// Canonical read: the buffer is filled from the handle.
	buf := make([]byte, 4)
	item := WorkItem{Registry: a.Registry, File: fd, Type: WorkTypeRead, Offset: 2, Bytes: buf}
	a.FileContext.Do(&item)
	require.Equal(t, StatusComplete, item.Status)
	require.Equal(t, []byte("2345"), buf)

	// The inverted legacy behavior lives under its own work type.
	item = WorkItem{Registry: a.Registry, File: fd, Type: WorkTypeOverwrite, Offset: 0, Bytes: []byte("ab")}
	a.FileContext.Do(&item)
	require.Equal(t, StatusComplete, item.Status)
	fd.Handle.SeekTo(0)
	head, err := fd.Handle.ReadBytes(2)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), head)
}

func TestExistsThroughChain(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "present.igz"), []byte("x"), 0o644))

	a := newTestAlchemy(t, root)
	require.True(t, a.FileContext.Exists(a.Registry, "present.igz"))
	require.False(t, a.FileContext.Exists(a.Registry, "absent.igz"))

	// Archive members answer Exists before host storage.
	a.FileContext.ArchiveManager.Mount(NewMemoryArchive("mem.pak", map[string][]byte{
		"inside/archive.igz": []byte("y"),
	}))
	require.True(t, a.FileContext.Exists(a.Registry, "inside/archive.igz"))
}
