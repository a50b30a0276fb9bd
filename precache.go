// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openalchemy/igz/log"
)

// Errors
var (
	// ErrNoBuildTool is returned when a package precache is requested
	// before an engine type was selected.
	ErrNoBuildTool = errors.New("no build tool selected, cannot precache package")

	// ErrBadInitScript is returned for structurally broken init scripts.
	ErrBadInitScript = errors.New("invalid initscript")
)

// ResourcePrecacher is the per-resource-type precache hook. The hooks here
// are placeholders; embedders replace them with real cachers.
type ResourcePrecacher interface {
	Precache(a *Alchemy) error
	Recache()
	Uncache()
}

// stubPrecacher is the placeholder implementation registered for every
// known resource tag.
type stubPrecacher struct {
	tag string
}

func (p *stubPrecacher) Precache(a *Alchemy) error { return nil }
func (p *stubPrecacher) Recache()                  {}
func (p *stubPrecacher) Uncache()                  {}

// precacherTags is the resource-type roster of the engine's package
// manifests.
var precacherTags = []string{
	"pkg",
	"character_data",
	"actorskin",
	"havokanimdb",
	"havokrigidbody",
	"havokphysicssystem",
	"texture",
	"effect",
	"shader",
	"motionpath",
	"igx_file",
	"material_instances",
	"igx_entities",
	"gui_project",
	"font",
	"lang_file",
	"spawnmesh",
	"model",
	"sky_model",
	"behavior",
	"graphdata_behavior",
	"events_behavior",
	"asset_behavior",
	"hkb_behavior",
	"hkc_character",
	"navmesh",
	"script",
}

// PrecacheManager drives package precaching: given a logical package name
// it opens the package container, walks its (type, file) manifest and
// delegates each entry to the registered precacher for its type.
type PrecacheManager struct {
	mu           sync.Mutex
	precachers   map[string]ResourcePrecacher
	poolPackages map[MemoryPool][]string
	logger       *log.Helper
}

// NewPrecacheManager returns an empty manager.
func NewPrecacheManager(logger *log.Helper) *PrecacheManager {
	m := &PrecacheManager{
		precachers:   make(map[string]ResourcePrecacher),
		poolPackages: make(map[MemoryPool][]string, PoolCount),
		logger:       logger,
	}
	for pool := PoolDefault; pool < PoolCount; pool++ {
		m.poolPackages[pool] = nil
	}
	return m
}

// Register installs the precacher for a resource tag.
func (m *PrecacheManager) Register(tag string, p ResourcePrecacher) {
	m.mu.Lock()
	m.precachers[tag] = p
	m.mu.Unlock()
}

func (m *PrecacheManager) registerDefaults() {
	for _, tag := range precacherTags {
		m.Register(tag, &stubPrecacher{tag: tag})
	}
}

func (m *PrecacheManager) lookup(tag string) (ResourcePrecacher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.precachers[tag]
	return p, ok
}

// PackageCached reports whether the package was already precached into the
// pool.
func (m *PrecacheManager) PackageCached(packageName string, pool MemoryPool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lower := strings.ToLower(packageName)
	for _, name := range m.poolPackages[pool] {
		if name == lower {
			return true
		}
	}
	return false
}

func (m *PrecacheManager) markCached(packageName string, pool MemoryPool) {
	m.mu.Lock()
	m.poolPackages[pool] = append(m.poolPackages[pool], strings.ToLower(packageName))
	m.mu.Unlock()
}

// PrecachePackage loads the named package and precaches its manifest into
// pool. The TfbTool variant loads the package's level container through
// the same object-stream pipeline instead of a manifest.
func (m *PrecacheManager) PrecachePackage(a *Alchemy, packageName string, pool MemoryPool) error {
	switch a.Registry.BuildTool {
	case BuildToolAlchemyLaboratory:
		return m.precacheLaboratoryPackage(a, packageName, pool)

	case BuildToolTfbTool:
		if _, err := a.FileContext.LoadArchive(a.Registry, packageName); err != nil {
			m.logger.Errorf("failed to load archive for package %s: %v", packageName, err)
		}
		_, err := a.StreamManager.Load(a, fmt.Sprintf("%s/level.bld", packageName))
		return err

	default:
		m.logger.Error(ErrNoBuildTool.Error())
		return ErrNoBuildTool
	}
}

func (m *PrecacheManager) precacheLaboratoryPackage(a *Alchemy, packageName string, pool MemoryPool) error {
	packagePath := strings.ToLower(packageName)
	if !strings.HasPrefix(packagePath, "packages") {
		packagePath = "packages/" + packagePath
	}
	if !strings.HasSuffix(packagePath, "_pkg.igz") {
		packagePath += "_pkg.igz"
	}

	if m.PackageCached(packagePath, pool) {
		return nil
	}

	stem := FileName(strings.TrimSuffix(packagePath, "_pkg.igz"))
	if _, err := a.FileContext.LoadArchive(a.Registry, stem); err != nil {
		m.logger.Errorf("failed to open archive %s: %v", stem, err)
	}

	pkgDir, err := a.StreamManager.Load(a, packagePath)
	if err != nil {
		return err
	}
	m.markCached(packagePath, pool)

	objects := pkgDir.Objects().Objects
	if len(objects) == 0 {
		return nil
	}
	manifest, ok := objects[0].(*StringRefList)
	if !ok {
		return &TypeMismatchError{Expected: MetaStringRefList}
	}

	for i := 0; i+1 < len(manifest.Strings); i += 2 {
		fileDataType := manifest.Strings[i]
		fileName := manifest.Strings[i+1]

		precacher, ok := m.lookup(fileDataType)
		if !ok {
			m.logger.Debugf("file type %s has no registered precacher", fileDataType)
			continue
		}
		m.logger.Debugf("precache type = %s, value = %s", fileDataType, fileName)
		if err := precacher.Precache(a); err != nil {
			m.logger.Errorf("precache of %s (%s) failed: %v", fileName, fileDataType, err)
		}
	}
	return nil
}

// loaderTask is one init-script task state.
type loaderTask int

const (
	taskUnknown loaderTask = iota
	taskLoosePak
	taskFullPackage
	taskLoosePackage
	taskEngineType
	taskNoOp
)

// String implements fmt.Stringer.
func (t loaderTask) String() string {
	switch t {
	case taskLoosePak:
		return "LoosePak"
	case taskFullPackage:
		return "FullPackage"
	case taskLoosePackage:
		return "LoosePackage"
	case taskEngineType:
		return "EngineType"
	case taskNoOp:
		return "NoOp"
	}
	return "Unknown"
}

// envLookup maps ${token} substitutions to their producers.
var envLookup = map[string]func(*Registry) string{
	"platform_string": func(reg *Registry) string {
		return reg.Platform.PlatformString()
	},
}

// LoadInitScript executes the init script at scriptPath: a line-oriented
// list of file paths grouped under bracketed task headers. In weak mode
// full_package tasks are skipped entirely.
func LoadInitScript(a *Alchemy, scriptPath string, weaklyLoaded bool) error {
	f, err := os.Open(scriptPath)
	if err != nil {
		return fmt.Errorf("initscript not found: %w", err)
	}
	defer f.Close()

	task := taskLoosePak
	lineNumber := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		lineNumber++
		if line == "" {
			continue
		}

		if line[0] == '[' {
			if line[len(line)-1] != ']' {
				a.logger.Errorf("invalid initscript, unterminated '[' on line %d", lineNumber)
				break
			}
			task = parseTask(line, weaklyLoaded)
			if task == taskUnknown {
				a.logger.Errorf("invalid initscript, unknown task type on line %d: %s", lineNumber, line)
			}
			continue
		}

		path, ok := ParseFilePath(line, a.Registry)
		if !ok {
			a.logger.Errorf("invalid initscript, malformed filepath on line %d", lineNumber)
			continue
		}
		processTask(a, task, path)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	a.logger.Info("initscript -> done")
	return nil
}

func parseTask(line string, weaklyLoaded bool) loaderTask {
	switch line[1 : len(line)-1] {
	case "loose_package":
		return taskLoosePackage
	case "loose_pak":
		return taskLoosePak
	case "full_package":
		if weaklyLoaded {
			return taskNoOp
		}
		return taskFullPackage
	case "engine_type":
		return taskEngineType
	}
	return taskUnknown
}

// ParseFilePath substitutes ${token} occurrences in an init-script path.
// The second return is false for malformed substitutions and unknown
// tokens.
func ParseFilePath(line string, reg *Registry) (string, bool) {
	var out strings.Builder
	out.Grow(len(line))

	for i := 0; i < len(line); i++ {
		c := line[i]
		if c != '$' {
			out.WriteByte(c)
			continue
		}
		if i+1 >= len(line) || line[i+1] != '{' {
			return "", false
		}
		end := strings.IndexByte(line[i+2:], '}')
		if end < 0 {
			return "", false
		}
		token := line[i+2 : i+2+end]
		producer, ok := envLookup[token]
		if !ok {
			return "", false
		}
		out.WriteString(producer(reg))
		i += 2 + end
	}
	return out.String(), true
}

func processTask(a *Alchemy, task loaderTask, line string) {
	a.logger.Infof("initscript -> %s %s", task, line)

	switch task {
	case taskLoosePak:
		if _, err := a.FileContext.LoadArchive(a.Registry, line); err != nil {
			a.logger.Errorf("failed to load archive %s: %v", line, err)
		}
	case taskFullPackage:
		if err := a.Precache.PrecachePackage(a, line, PoolDefault); err != nil {
			a.logger.Errorf("failed to precache package %s: %v", line, err)
		}
	case taskLoosePackage:
		fullPath := fmt.Sprintf("app:/archives/%s.pak", line)
		if _, err := a.FileContext.LoadArchive(a.Registry, fullPath); err != nil {
			a.logger.Errorf("failed to load archive %s: %v", fullPath, err)
		}
	case taskEngineType:
		tool, err := BuildToolFromString(line)
		if err != nil {
			a.logger.Errorf("invalid initscript, %s is not a valid EngineType", line)
			return
		}
		a.Registry.BuildTool = tool
	}
}
