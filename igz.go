// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package igz reads the IGZ family of binary asset containers and
// reconstructs an in-memory graph of typed objects with resolvable
// cross-container references.
package igz

import "errors"

// Container magic values. The first four bytes of a container select its
// endianness: a file whose bytes read "IGZ\x01" in order was produced by a
// little-endian target; a byte-swapped magic marks a big-endian target.
const (
	// IGZLittleEndianMagic is the magic as read with a little-endian u32
	// from a little-endian container ("IGZ\x01" in byte order).
	IGZLittleEndianMagic = 0x015A4749

	// IGZBigEndianMagic is the same magic read with a little-endian u32
	// from a big-endian container ("\x01ZGI" in byte order).
	IGZBigEndianMagic = 0x49475A01
)

// Supported container versions.
const (
	// MinIGZVersion is the oldest container version the loader accepts.
	MinIGZVersion = 5

	// MaxIGZVersion is the newest container version the loader accepts.
	MaxIGZVersion = 9

	// LegacyMaxVersion is the last version using the legacy fixup dialect.
	LegacyMaxVersion = 6
)

// Platform identifies the target a container was cooked for. The numeric
// values are the ones serialized in container headers.
type Platform uint32

// Target platforms.
const (
	PlatformDefault Platform = iota
	PlatformWin32
	PlatformWii
	PlatformDurango
	PlatformAspen
	PlatformXenon
	PlatformPS3
	PlatformOSX
	PlatformWin64
	PlatformCafe
	PlatformRaspi
	PlatformAndroid
	PlatformAspen64
	PlatformLGTV
	PlatformPS4
	PlatformWP8
	PlatformLinux
	PlatformNX
	PlatformMax
)

// String implements fmt.Stringer.
func (p Platform) String() string {
	platformMap := map[Platform]string{
		PlatformDefault: "Default",
		PlatformWin32:   "Win32",
		PlatformWii:     "Wii",
		PlatformDurango: "Durango",
		PlatformAspen:   "Aspen",
		PlatformXenon:   "Xenon",
		PlatformPS3:     "PS3",
		PlatformOSX:     "OSX",
		PlatformWin64:   "Win64",
		PlatformCafe:    "Cafe",
		PlatformRaspi:   "Raspi",
		PlatformAndroid: "Android",
		PlatformAspen64: "Aspen64",
		PlatformLGTV:    "LGTV",
		PlatformPS4:     "PS4",
		PlatformWP8:     "WP8",
		PlatformLinux:   "Linux",
		PlatformNX:      "NX",
	}
	return platformMap[p]
}

// PlatformString returns the short token substituted for
// ${platform_string} in init scripts.
func (p Platform) PlatformString() string {
	switch p {
	case PlatformWin32:
		return "win"
	case PlatformAspen:
		return "aspenLow"
	case PlatformAspen64:
		return "aspenHigh"
	case PlatformDefault:
		return "unknown"
	case PlatformWii:
		return "wii"
	case PlatformDurango:
		return "durango"
	case PlatformXenon:
		return "xenon"
	case PlatformPS3:
		return "ps3"
	case PlatformOSX:
		return "osx"
	case PlatformWin64:
		return "win64"
	case PlatformCafe:
		return "cafe"
	case PlatformRaspi:
		return "raspi"
	case PlatformAndroid:
		return "android"
	case PlatformLGTV:
		return "lgtv"
	case PlatformPS4:
		return "ps4"
	case PlatformWP8:
		return "wp8"
	case PlatformLinux:
		return "linux"
	case PlatformNX:
		return "nx"
	}
	return "unknown"
}

// PointerSize returns the serialized pointer width for the platform.
func (p Platform) PointerSize() uint32 {
	switch p {
	case PlatformWin64, PlatformAspen64, PlatformDurango, PlatformPS4, PlatformNX:
		return 8
	}
	return 4
}

// PlatformFromUint32 converts a serialized platform id, validating range.
func PlatformFromUint32(v uint32) (Platform, error) {
	if v >= uint32(PlatformMax) {
		return PlatformDefault, ErrUnknownPlatform
	}
	return Platform(v), nil
}

// ErrUnknownBuildTool is returned for unrecognized [engine_type] values.
var ErrUnknownBuildTool = errors.New("unknown engine type")

// BuildTool tags the engine variant that produced the loaded data set. It
// is selected by the init script's [engine_type] task.
type BuildTool int

// Engine variants.
const (
	BuildToolNone BuildTool = iota
	BuildToolAlchemyLaboratory
	BuildToolTfbTool
)

// String implements fmt.Stringer.
func (b BuildTool) String() string {
	switch b {
	case BuildToolAlchemyLaboratory:
		return "AlchemyLaboratory"
	case BuildToolTfbTool:
		return "TfbTool"
	}
	return "None"
}

// BuildToolFromString parses an [engine_type] value.
func BuildToolFromString(s string) (BuildTool, error) {
	switch s {
	case "None":
		return BuildToolNone, nil
	case "AlchemyLaboratory":
		return BuildToolAlchemyLaboratory, nil
	case "TfbTool":
		return BuildToolTfbTool, nil
	}
	return BuildToolNone, ErrUnknownBuildTool
}

// Registry stores the per-instance target configuration shared by every
// component: the platform being loaded and the engine variant in use.
type Registry struct {
	Platform  Platform
	BuildTool BuildTool
}

// NewRegistry returns a registry for the given platform.
func NewRegistry(platform Platform) *Registry {
	return &Registry{Platform: platform}
}
