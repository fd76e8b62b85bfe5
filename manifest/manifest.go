// Package manifest handles metavm.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/hotpath"
	"github.com/chazu/metavm/vm/profile"
	"github.com/chazu/metavm/vm/record"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "metavm.toml"

// Manifest represents a metavm.toml configuration.
type Manifest struct {
	Tracer      TracerConfig      `toml:"tracer"`
	Interpreter InterpreterConfig `toml:"interpreter"`
	Profile     ProfileConfig     `toml:"profile"`
	Log         LogConfig         `toml:"log"`

	// Dir is the directory containing the metavm.toml file (set at load time).
	Dir string `toml:"-"`
}

// TracerConfig configures recording and trace execution.
type TracerConfig struct {
	Enabled           bool   `toml:"enabled"`
	HotThreshold      uint64 `toml:"hot-threshold"`
	SideExitThreshold uint64 `toml:"side-exit-threshold"` // 0 disables side traces
	MaxFailures       uint64 `toml:"max-failures"`        // 0 never blacklists
	MaxTraceLength    int    `toml:"max-trace-length"`
	MaxIterations     uint64 `toml:"max-iterations"` // 0 is unlimited
}

// InterpreterConfig configures the baseline interpreter.
type InterpreterConfig struct {
	MaxDepth int `toml:"max-depth"`
}

// ProfileConfig selects where anchor profiles persist.
type ProfileConfig struct {
	Backend string `toml:"backend"` // pebble, sqlite or memory
	Path    string `toml:"path"`    // relative to Dir
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"` // empty logs to stderr
}

// Default returns the configuration used when there is no metavm.toml.
// Profiles stay in memory.
func Default() *Manifest {
	m := &Manifest{}
	m.Tracer.Enabled = true
	m.Tracer.SideExitThreshold = hotpath.DefaultSideExitThreshold
	m.Tracer.MaxFailures = hotpath.DefaultMaxFailures
	m.Profile.Backend = profile.BackendMemory
	m.applyDefaults()
	if dir, err := os.Getwd(); err == nil {
		m.Dir = dir
	}
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Tracer.HotThreshold == 0 {
		m.Tracer.HotThreshold = hotpath.DefaultHotThreshold
	}
	if m.Tracer.MaxTraceLength == 0 {
		m.Tracer.MaxTraceLength = record.DefaultMaxLength
	}
	if m.Interpreter.MaxDepth == 0 {
		m.Interpreter.MaxDepth = vm.DefaultMaxDepth
	}
	if m.Profile.Backend == "" {
		m.Profile.Backend = profile.BackendPebble
	}
	if m.Profile.Path == "" && m.Profile.Backend != profile.BackendMemory {
		m.Profile.Path = filepath.Join(".metavm", "profile")
	}
}

// Load parses a metavm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults. Keys where zero is meaningful only default when absent.
	if !md.IsDefined("tracer", "enabled") {
		m.Tracer.Enabled = true
	}
	if !md.IsDefined("tracer", "side-exit-threshold") {
		m.Tracer.SideExitThreshold = hotpath.DefaultSideExitThreshold
	}
	if !md.IsDefined("tracer", "max-failures") {
		m.Tracer.MaxFailures = hotpath.DefaultMaxFailures
	}
	m.applyDefaults()

	return &m, nil
}

// FindAndLoad walks up from startDir to find a metavm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ProfilePath returns the absolute location of the profile store.
func (m *Manifest) ProfilePath() string {
	if m.Profile.Path == "" || filepath.IsAbs(m.Profile.Path) {
		return m.Profile.Path
	}
	return filepath.Join(m.Dir, m.Profile.Path)
}

// LogFile returns the absolute log file path, or nil to log to stderr.
func (m *Manifest) LogFile() *string {
	if m.Log.File == "" {
		return nil
	}
	path := m.Log.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Dir, path)
	}
	return &path
}

// Policy returns the recording policy the tracer section describes.
func (m *Manifest) Policy() hotpath.Policy {
	if !m.Tracer.Enabled {
		return hotpath.NeverPolicy{}
	}
	return hotpath.ThresholdPolicy{Hot: m.Tracer.HotThreshold, SideExits: m.Tracer.SideExitThreshold}
}
