package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/nib/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
version = "0.1.0"

[heap]
slab-size = 256
max-slots = 4096
gc-trigger = 1000

[vm]
max-frame-depth = 5000
max-stack-depth = 20000

[image]
path = "build/app.image"
store = "images.db"
entry = "start"

[log]
verbosity = 2
file = "nib.log"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}

	hc := m.HeapConfig()
	if hc != (vm.HeapConfig{SlabSize: 256, MaxSlots: 4096, GCTrigger: 1000}) {
		t.Errorf("HeapConfig = %+v", hc)
	}
	ic := m.VMConfig()
	if ic.MaxFrameDepth != 5000 || ic.MaxStackDepth != 20000 {
		t.Errorf("VMConfig = %+v", ic)
	}

	if m.Image.Entry != "start" {
		t.Errorf("image entry = %q, want start", m.Image.Entry)
	}
	if want := filepath.Join(m.Dir, "build", "app.image"); m.ImagePath() != want {
		t.Errorf("ImagePath = %q, want %q", m.ImagePath(), want)
	}
	if want := filepath.Join(m.Dir, "images.db"); m.StorePath() != want {
		t.Errorf("StorePath = %q, want %q", m.StorePath(), want)
	}
	if m.Log.Verbosity != 2 || m.LogFile() != filepath.Join(m.Dir, "nib.log") {
		t.Errorf("log = %+v, file %q", m.Log, m.LogFile())
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if hc := m.HeapConfig(); hc != vm.DefaultHeapConfig() {
		t.Errorf("default HeapConfig = %+v, want %+v", hc, vm.DefaultHeapConfig())
	}
	if ic := m.VMConfig(); ic != vm.DefaultInterpreterConfig() {
		t.Errorf("default VMConfig = %+v", ic)
	}
	if m.Image.Entry != "main" {
		t.Errorf("default entry = %q, want main", m.Image.Entry)
	}
	if m.ImagePath() != "" || m.StorePath() != "" {
		t.Error("unset paths should stay empty")
	}
}

func TestDefaultMatchesEmptyFile(t *testing.T) {
	parsed, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if *parsed != *Default() {
		t.Errorf("Parse(empty) = %+v, Default() = %+v", parsed, Default())
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"unknown key", "[heap]\nslab-sise = 4\n", "heap.slab-sise"},
		{"unknown section", "[network]\nport = 1\n", "network.port"},
		{"negative", "[vm]\nmax-frame-depth = -1\n", "vm.max-frame-depth"},
		{"max below slab", "[heap]\nslab-size = 64\nmax-slots = 8\n", "max-slots"},
		{"syntax", "[heap\n", ""},
		{"wrong type", "[heap]\nslab-size = \"big\"\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("err = %v, want mention of %q", err, tt.errText)
			}
		})
	}
}

func TestLoadFileAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(path, []byte("[image]\npath = \"/abs/x.image\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.ImagePath() != "/abs/x.image" {
		t.Errorf("absolute path rewritten: %q", m.ImagePath())
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected an error for a missing nib.toml")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, `[project]
name = "found-project"
`)

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no nib.toml exists")
	}
}
