// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

// ObjectLoader is the shared base of anything that can decode an asset
// container into an ObjectDirectory.
type ObjectLoader interface {
	// CanRead reports whether the loader handles the file.
	CanRead(fileName string) bool

	// Name is the loader's internal name.
	Name() string

	// Type is the loader's provider tag.
	Type() string

	// ReadFile decodes the container at path into dir. dir has already
	// been inserted into the stream manager caches.
	ReadFile(a *Alchemy, dir *ObjectDirectory, path string) error
}

// lookupLoader returns the first registered loader claiming the file, nil
// when none matches.
func (a *Alchemy) lookupLoader(path string) ObjectLoader {
	for _, loader := range a.loaders {
		if loader.CanRead(path) {
			return loader
		}
	}
	return nil
}

// RegisterLoader appends a loader to the lookup order.
func (a *Alchemy) RegisterLoader(loader ObjectLoader) {
	a.loaders = append(a.loaders, loader)
}
