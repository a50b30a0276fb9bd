// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"os"

	"github.com/openalchemy/igz/log"
)

// Options configures a runtime instance.
type Options struct {

	// RootDir is the physical root resolved against by the VFS.
	RootDir string

	// UpdateFolder enables the update-folder provider in the VFS chain.
	// Only engines with a separate update directory use one.
	UpdateFolder string

	// MetadataRoot is the per-game metadata descriptor directory.
	MetadataRoot string

	// Platform is the target platform being loaded.
	Platform Platform

	// A custom logger.
	Logger log.Logger
}

// Alchemy aggregates the state of one loaded game instance. Every loader
// operation takes it explicitly; there are no package-level singletons.
type Alchemy struct {
	FileContext   *FileContext
	Registry      *Registry
	StreamManager *ObjectStreamManager
	ExternalRefs  *ExternalReferenceSystem
	Handles       *HandleManager
	Metadata      *MetadataManager
	Precache      *PrecacheManager

	loaders []ObjectLoader
	logger  *log.Helper
}

// New builds a runtime instance from opts.
func New(opts *Options) *Alchemy {
	if opts == nil {
		opts = &Options{}
	}

	var logger log.Logger
	var helper *log.Helper
	if opts.Logger == nil {
		logger = log.NewStdLogger(os.Stdout)
		helper = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		helper = log.NewHelper(opts.Logger)
	}

	a := &Alchemy{
		Registry:      NewRegistry(opts.Platform),
		StreamManager: NewObjectStreamManager(),
		ExternalRefs:  NewExternalReferenceSystem(),
		Handles:       NewHandleManager(),
		logger:        helper,
	}
	a.FileContext = NewFileContext(opts.RootDir, opts.UpdateFolder, helper)
	a.Metadata = NewMetadataManager(opts.MetadataRoot, opts.Platform, helper)
	a.Precache = NewPrecacheManager(helper)
	a.Precache.registerDefaults()
	a.RegisterLoader(&IGZLoader{})
	return a
}

// Logger returns the instance's log helper.
func (a *Alchemy) Logger() *log.Helper {
	return a.logger
}

// Load loads the container at path through the stream manager.
func (a *Alchemy) Load(path string) (*ObjectDirectory, error) {
	return a.StreamManager.Load(a, path)
}

// nullObject returns a fresh null sentinel tagged with the builtin meta.
func (a *Alchemy) nullObject() Object {
	meta, err := a.Metadata.GetOrCreateMeta(MetaNull)
	if err != nil {
		return &NullObject{}
	}
	obj, err := meta.RawInstantiate(PoolDefault, true)
	if err != nil {
		return &NullObject{}
	}
	return obj
}
