// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Name is an interned string with its 32-bit hash. Containers frequently
// carry only the hash; the string form is back-filled on first observation.
type Name struct {
	Str  string
	Hash uint32
}

// NewName returns a Name for s.
func NewName(s string) Name {
	return Name{Str: s, Hash: hashString(s)}
}

// NameFromHash returns a Name known only by its hash.
func NameFromHash(h uint32) Name {
	return Name{Hash: h}
}

// String implements fmt.Stringer.
func (n Name) String() string {
	if n.Str == "" {
		return "(null)"
	}
	return n.Str
}

// HandleName is the (namespace, alias) pair naming an object across
// containers.
type HandleName struct {
	Name      Name
	Namespace Name
}

// NewHandleName builds a HandleName from its parts.
func NewHandleName(name, namespace Name) HandleName {
	return HandleName{Name: name, Namespace: namespace}
}

func hashString(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

func hashLower(s string) uint32 {
	return hashString(strings.ToLower(s))
}
