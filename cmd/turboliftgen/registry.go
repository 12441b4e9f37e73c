package main

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Target names one function marked for distribution: its declaring file,
// its identifier, which backend dispatches its calls, and the package the
// generated stub belongs to.
type Target struct {
	// SourceFile is the path, relative to the registry file's directory, of
	// the Go file declaring the function.
	SourceFile string `yaml:"source_file"`

	// Function is the identifier turbolift should extract from SourceFile.
	Function string `yaml:"function"`

	// Backend selects which Backend implementation the generated stub
	// dispatches through: "localqueue" or "kubernetes".
	Backend string `yaml:"backend"`

	// Package is the Go package name the generated stub file declares.
	// Defaults to the declaring file's own package if empty.
	Package string `yaml:"package,omitempty"`

	// MaxReplicas, for a "kubernetes" target, is emitted as a generated
	// <Function>MaxReplicas constant the caller must pass into
	// k8sbackend.Config.MaxReplicas when constructing that backend; ignored
	// for the localqueue backend.
	MaxReplicas int32 `yaml:"max_replicas,omitempty"`
}

// Registry is the top-level shape of a turboliftgen registry file: the set
// of functions to distribute plus where generated stubs are written.
type Registry struct {
	// OutputDir is the directory generated stub files are written to,
	// relative to the registry file's directory.
	OutputDir string `yaml:"output_dir"`

	Targets []Target `yaml:"targets"`
}

// LoadRegistry reads and parses a registry file at path. If a sibling
// ".env" file exists in the same directory it is loaded first (optional
// local configuration for DeployContainer targets, etc.), matching
// Treefle-labs-Anexis's godotenv-then-flags convention.
func LoadRegistry(path string) (*Registry, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading registry %s", path)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, errors.Wrapf(err, "parsing registry %s", path)
	}
	if len(reg.Targets) == 0 {
		return nil, errors.Errorf("registry %s declares no targets", path)
	}
	for i, t := range reg.Targets {
		if t.SourceFile == "" || t.Function == "" {
			return nil, errors.Errorf("registry %s: target %d missing source_file or function", path, i)
		}
		if t.Backend != "localqueue" && t.Backend != "kubernetes" {
			return nil, errors.Errorf("registry %s: target %d has unknown backend %q", path, i, t.Backend)
		}
	}
	return &reg, nil
}
