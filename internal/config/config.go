package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/buildprep/internal/verify"
)

// Config is the top-level configuration
type Config struct {
	Workspace   string          `yaml:"workspace"`
	BinariesDir string          `yaml:"binaries_dir"`
	DBPath      string          `yaml:"db_path"`
	Staging     []Entry         `yaml:"staging"`
	Bundle      BundleConfig    `yaml:"bundle"`
	Libraries   []Entry         `yaml:"libraries"`
	Generator   GeneratorConfig `yaml:"generator"`
}

// Entry is one source -> destination staging operation.
// Kind and DestKind are "file", "dir", or empty to sniff the path.
type Entry struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Kind        string `yaml:"kind,omitempty"`
	DestKind    string `yaml:"dest_kind,omitempty"`
	Optional    bool   `yaml:"optional,omitempty"`
}

// BundleConfig describes the third-party library archive
type BundleConfig struct {
	URL           string   `yaml:"url"`
	Archive       string   `yaml:"archive"`
	ExpectedHash  string   `yaml:"expected_hash"`
	Algorithm     string   `yaml:"algorithm"`
	ExtractDir    string   `yaml:"extract_dir"`
	OverwriteAll  bool     `yaml:"overwrite_all"`
	NestedTargets []string `yaml:"nested_targets"`
	MaxSize       string   `yaml:"max_size"`
	Timeout       string   `yaml:"timeout"`
	Attempts      int      `yaml:"attempts"`
}

// GeneratorConfig holds the external project generator settings
type GeneratorConfig struct {
	Binary         string              `yaml:"binary"`
	Script         string              `yaml:"script"`
	TargetBinaries map[string]string   `yaml:"target_binaries"`
	Outputs        map[string][]string `yaml:"outputs"`
	DefaultOutputs []string            `yaml:"default_outputs"`
}

// Manifest is the immutable set of provisioning work for one run.
type Manifest struct {
	Staging   []Entry
	Bundle    BundleConfig
	Libraries []Entry
}

const (
	KindFile = "file"
	KindDir  = "dir"
)

// DefaultConfig returns a config matching the engine's source tree layout
func DefaultConfig() *Config {
	return &Config{
		Workspace:   ".",
		BinariesDir: "binaries",
		DBPath:      "",
		Staging: []Entry{
			{Name: "data", Source: "data", Destination: "binaries/data", Kind: KindDir, DestKind: KindDir},
			{Name: "download_assets", Source: "build_scripts/download_assets.py", Destination: "binaries", Kind: KindFile, DestKind: KindDir},
			{Name: "file_utilities", Source: "build_scripts/file_utilities.py", Destination: "binaries", Kind: KindFile, DestKind: KindDir},
			{Name: "7z_exe", Source: "build_scripts/7z.exe", Destination: "binaries", Kind: KindFile, DestKind: KindDir},
			{Name: "7z_dll", Source: "build_scripts/7z.dll", Destination: "binaries", Kind: KindFile, DestKind: KindDir},
			{Name: "models", Source: "assets/models", Destination: "binaries/project/models", Kind: KindDir, DestKind: KindDir, Optional: true},
			{Name: "music", Source: "assets/music", Destination: "binaries/project/music", Kind: KindDir, DestKind: KindDir, Optional: true},
			{Name: "terrain", Source: "assets/terrain", Destination: "binaries/project/terrain", Kind: KindDir, DestKind: KindDir, Optional: true},
			{Name: "materials", Source: "assets/materials", Destination: "binaries/project/materials", Kind: KindDir, DestKind: KindDir, Optional: true},
		},
		Bundle: BundleConfig{
			URL:           "https://www.dropbox.com/scl/fi/zq64yfpbly1goahmanm4r/libraries.7z?rlkey=m90lngvaosc9i3w8k16f1e1r6&st=5jm4fmqv&dl=1",
			Archive:       "third_party/libraries/libraries.7z",
			ExpectedHash:  "8a20305ee9658dfdfba2aea88f26e6ee3d1330d7e6d26f42bc07bb76150ff1c5",
			Algorithm:     string(verify.SHA256),
			ExtractDir:    "third_party/libraries",
			OverwriteAll:  false,
			NestedTargets: []string{"vs2022"},
			Attempts:      1,
		},
		Libraries: []Entry{
			{Name: "dx", Source: "third_party/libraries/dxcompiler.dll", Destination: "binaries", Kind: KindFile, DestKind: KindDir},
			{Name: "fmod", Source: "third_party/libraries/fmod.dll", Destination: "binaries", Kind: KindFile, DestKind: KindDir},
			{Name: "fmod_debug", Source: "third_party/libraries/fmodL.dll", Destination: "binaries", Kind: KindFile, DestKind: KindDir},
		},
		Generator: GeneratorConfig{
			Binary: "premake5",
			Script: "build_scripts/premake.lua",
			TargetBinaries: map[string]string{
				"vs2022": "build_scripts/premake5.exe",
			},
			Outputs: map[string][]string{
				"vs2022": {"spartan.sln"},
			},
			DefaultOutputs: []string{"Makefile", "editor/Makefile", "runtime/Makefile"},
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"buildprep.yaml",
		filepath.Join("build_scripts", "buildprep.yaml"),
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "buildprep", "buildprep.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	for i, e := range c.Staging {
		if err := e.validate(); err != nil {
			return fmt.Errorf("staging[%d]: %w", i, err)
		}
	}
	for i, e := range c.Libraries {
		if err := e.validate(); err != nil {
			return fmt.Errorf("libraries[%d]: %w", i, err)
		}
	}

	b := c.Bundle
	if b.URL == "" {
		return fmt.Errorf("bundle.url is required")
	}
	if b.Archive == "" {
		return fmt.Errorf("bundle.archive is required")
	}
	if b.ExtractDir == "" {
		return fmt.Errorf("bundle.extract_dir is required")
	}
	algo, err := verify.ParseAlgorithm(b.Algorithm)
	if err != nil {
		return fmt.Errorf("bundle.algorithm: %w", err)
	}
	if len(b.ExpectedHash) != algo.HexLen() {
		return fmt.Errorf("bundle.expected_hash must be %d hex characters for %s, got %d",
			algo.HexLen(), algo, len(b.ExpectedHash))
	}
	if _, err := hex.DecodeString(b.ExpectedHash); err != nil {
		return fmt.Errorf("bundle.expected_hash is not hex: %w", err)
	}
	if b.MaxSize != "" {
		if _, err := ParseSize(b.MaxSize); err != nil {
			return fmt.Errorf("bundle.max_size: %w", err)
		}
	}
	if b.Timeout != "" {
		if _, err := time.ParseDuration(b.Timeout); err != nil {
			return fmt.Errorf("bundle.timeout: %w", err)
		}
	}
	if b.Attempts < 0 {
		return fmt.Errorf("bundle.attempts must not be negative")
	}

	if c.Generator.Binary == "" {
		return fmt.Errorf("generator.binary is required")
	}
	return nil
}

func (e Entry) validate() error {
	if e.Source == "" || e.Destination == "" {
		return fmt.Errorf("entry %q needs both source and destination", e.Name)
	}
	for _, k := range []string{e.Kind, e.DestKind} {
		if k != "" && k != KindFile && k != KindDir {
			return fmt.Errorf("entry %q has unknown kind %q", e.Name, k)
		}
	}
	return nil
}

// Manifest snapshots the provisioning work described by the config.
func (c *Config) Manifest() Manifest {
	return Manifest{
		Staging:   slices.Clone(c.Staging),
		Bundle:    c.Bundle,
		Libraries: slices.Clone(c.Libraries),
	}
}

// Resolve returns path anchored at the workspace unless it is already absolute
func (c *Config) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Workspace, filepath.FromSlash(path))
}

// ResolvedDBPath returns the ledger location, defaulting under the binaries folder
func (c *Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.Resolve(c.DBPath)
	}
	return c.Resolve(filepath.Join(c.BinariesDir, ".buildprep.db"))
}

// NestedFor reports whether the bundle should be extracted in nested mode for target
func (b BundleConfig) NestedFor(target string) bool {
	return slices.Contains(b.NestedTargets, target)
}

// MaxSizeBytes returns the parsed download cap, or 0 for no cap
func (b BundleConfig) MaxSizeBytes() int64 {
	if b.MaxSize == "" {
		return 0
	}
	n, err := ParseSize(b.MaxSize)
	if err != nil {
		return 0
	}
	return n
}

// TimeoutDuration returns the parsed fetch deadline, or 0 for none
func (b BundleConfig) TimeoutDuration() time.Duration {
	if b.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// OutputsFor returns the generator artifacts expected for target
func (g GeneratorConfig) OutputsFor(target string) []string {
	if outs, ok := g.Outputs[target]; ok && len(outs) > 0 {
		return outs
	}
	return g.DefaultOutputs
}

// BinaryFor returns the generator executable for target
func (g GeneratorConfig) BinaryFor(target string) string {
	if bin, ok := g.TargetBinaries[target]; ok && bin != "" {
		return bin
	}
	return g.Binary
}
