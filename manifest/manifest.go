// Package manifest handles nib.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/nib/vm"
)

// FileName is the name of the project configuration file.
const FileName = "nib.toml"

// Manifest represents a nib.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	Heap    HeapSection `toml:"heap"`
	VM      VMSection   `toml:"vm"`
	Image   ImageConfig `toml:"image"`
	Log     LogConfig   `toml:"log"`

	// Dir is the directory containing the nib.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// HeapSection sizes the heap pools and paces the collector.
type HeapSection struct {
	SlabSize  int `toml:"slab-size"`
	MaxSlots  int `toml:"max-slots"`
	GCTrigger int `toml:"gc-trigger"`
}

// VMSection bounds interpreter recursion.
type VMSection struct {
	MaxFrameDepth int `toml:"max-frame-depth"`
	MaxStackDepth int `toml:"max-stack-depth"`
}

// ImageConfig says where the bootstrap image comes from and what to run.
type ImageConfig struct {
	Path  string `toml:"path"`
	Store string `toml:"store"`
	Entry string `toml:"entry"`
}

// LogConfig configures commonlog output.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the manifest used when no nib.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	hc := vm.DefaultHeapConfig()
	if m.Heap.SlabSize == 0 {
		m.Heap.SlabSize = hc.SlabSize
	}
	if m.Heap.GCTrigger == 0 {
		m.Heap.GCTrigger = hc.GCTrigger
	}
	ic := vm.DefaultInterpreterConfig()
	if m.VM.MaxFrameDepth == 0 {
		m.VM.MaxFrameDepth = ic.MaxFrameDepth
	}
	if m.VM.MaxStackDepth == 0 {
		m.VM.MaxStackDepth = ic.MaxStackDepth
	}
	if m.Image.Entry == "" {
		m.Image.Entry = "main"
	}
}

// Validate reports the first out-of-range setting.
func (m *Manifest) Validate() error {
	checks := []struct {
		key string
		v   int
	}{
		{"heap.slab-size", m.Heap.SlabSize},
		{"heap.max-slots", m.Heap.MaxSlots},
		{"heap.gc-trigger", m.Heap.GCTrigger},
		{"vm.max-frame-depth", m.VM.MaxFrameDepth},
		{"vm.max-stack-depth", m.VM.MaxStackDepth},
		{"log.verbosity", m.Log.Verbosity},
	}
	for _, c := range checks {
		if c.v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", c.key, c.v)
		}
	}
	if m.Heap.MaxSlots > 0 && m.Heap.MaxSlots < m.Heap.SlabSize {
		return fmt.Errorf("heap.max-slots (%d) is smaller than heap.slab-size (%d)", m.Heap.MaxSlots, m.Heap.SlabSize)
	}
	return nil
}

// Parse decodes nib.toml content. Unknown keys are rejected so that typos
// don't silently fall back to defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load parses a nib.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the manifest at an explicit path. Relative paths inside
// it resolve against the directory holding the file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a nib.toml file,
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

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ImagePath returns the configured image file, resolved against Dir.
func (m *Manifest) ImagePath() string {
	return m.resolve(m.Image.Path)
}

// StorePath returns the configured image store database, resolved against
// Dir.
func (m *Manifest) StorePath() string {
	return m.resolve(m.Image.Store)
}

// LogFile returns the configured log file, resolved against Dir.
func (m *Manifest) LogFile() string {
	return m.resolve(m.Log.File)
}

// HeapConfig converts the [heap] section into a vm.HeapConfig.
func (m *Manifest) HeapConfig() vm.HeapConfig {
	return vm.HeapConfig{
		SlabSize:  m.Heap.SlabSize,
		MaxSlots:  m.Heap.MaxSlots,
		GCTrigger: m.Heap.GCTrigger,
	}
}

// VMConfig converts the [vm] section into a vm.InterpreterConfig.
func (m *Manifest) VMConfig() vm.InterpreterConfig {
	return vm.InterpreterConfig{
		MaxFrameDepth: m.VM.MaxFrameDepth,
		MaxStackDepth: m.VM.MaxStackDepth,
	}
}
