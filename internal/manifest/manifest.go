// Package manifest models wapm.toml package manifests.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
)

// Filename is the manifest file name inside a package directory.
const Filename = "wapm.toml"

// GlobalNamespace is the namespace assumed for bare package names.
const GlobalNamespace = "_"

var (
	ErrNotFound = errors.New("manifest not found")
	ErrInvalid  = errors.New("invalid manifest")
)

// InvalidError reports a manifest validation failure for a specific field.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid manifest: %s: %s", e.Field, e.Reason)
}

func (e *InvalidError) Unwrap() error { return ErrInvalid }

// namePattern matches fully qualified package names: namespace/name.
var namePattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_.-]*/[a-z0-9_][a-z0-9_.-]*$`)

// identPattern matches module and command identifiers.
var identPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

// PackageID identifies an exact package release.
type PackageID struct {
	Name    string
	Version string
}

func (id PackageID) String() string { return id.Name + "@" + id.Version }

// Less orders IDs by name, then version string.
func (id PackageID) Less(other PackageID) bool {
	if id.Name != other.Name {
		return id.Name < other.Name
	}
	return id.Version < other.Version
}

// Manifest is the parsed contents of a wapm.toml file.
type Manifest struct {
	Package      Package           `toml:"package"`
	Dependencies map[string]string `toml:"dependencies,omitempty"`
	Modules      []Module          `toml:"module,omitempty"`
	Commands     []Command         `toml:"command,omitempty"`
}

// Package is the [package] section of a manifest.
type Package struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description,omitempty"`
	License     string `toml:"license,omitempty"`
	Repository  string `toml:"repository,omitempty"`
	Homepage    string `toml:"homepage,omitempty"`
	Readme      string `toml:"readme,omitempty"`
}

// Module is a [[module]] entry: one binary module shipped by the package.
type Module struct {
	Name   string `toml:"name"`
	Source string `toml:"source"`
	Abi    Abi    `toml:"abi,omitempty"`
}

// Command is a [[command]] entry: a runnable entrypoint exposed by the
// package. Package, when set, points the command at a module from a
// dependency instead of a local one.
type Command struct {
	Name     string `toml:"name"`
	Module   string `toml:"module"`
	Package  string `toml:"package,omitempty"`
	MainArgs string `toml:"main-args,omitempty"`
}

// NormalizeName qualifies a bare package name with the global namespace.
func NormalizeName(name string) string {
	if !strings.Contains(name, "/") {
		return GlobalNamespace + "/" + name
	}
	return name
}

// ValidName reports whether name is a fully qualified package name.
func ValidName(name string) bool { return namePattern.MatchString(name) }

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, &InvalidError{Field: "toml", Reason: err.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the manifest in dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// Save writes the manifest to dir after validating it.
func (m *Manifest) Save(dir string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, Filename), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Validate checks structural invariants: names, versions, constraints,
// module and command references.
func (m *Manifest) Validate() error {
	if m.Package.Name == "" {
		return &InvalidError{Field: "package.name", Reason: "missing"}
	}
	if !ValidName(m.Package.Name) {
		return &InvalidError{Field: "package.name", Reason: fmt.Sprintf("%q is not a valid namespace/name", m.Package.Name)}
	}
	if m.Package.Version == "" {
		return &InvalidError{Field: "package.version", Reason: "missing"}
	}
	if _, err := semver.NewVersion(m.Package.Version); err != nil {
		return &InvalidError{Field: "package.version", Reason: fmt.Sprintf("%q is not a semantic version", m.Package.Version)}
	}

	for name, rng := range m.Dependencies {
		if !ValidName(name) {
			return &InvalidError{Field: "dependencies", Reason: fmt.Sprintf("%q is not a valid package name", name)}
		}
		if _, err := semver.NewConstraint(rng); err != nil {
			return &InvalidError{Field: "dependencies." + name, Reason: fmt.Sprintf("bad version range %q", rng)}
		}
	}

	moduleNames := make(map[string]bool, len(m.Modules))
	for i, mod := range m.Modules {
		field := fmt.Sprintf("module[%d]", i)
		if mod.Name == "" || !identPattern.MatchString(mod.Name) {
			return &InvalidError{Field: field + ".name", Reason: fmt.Sprintf("%q is not a valid module name", mod.Name)}
		}
		if moduleNames[mod.Name] {
			return &InvalidError{Field: field + ".name", Reason: fmt.Sprintf("duplicate module %q", mod.Name)}
		}
		moduleNames[mod.Name] = true
		if mod.Source == "" {
			return &InvalidError{Field: field + ".source", Reason: "missing"}
		}
		if !mod.Abi.Valid() {
			return &InvalidError{Field: field + ".abi", Reason: fmt.Sprintf("unknown abi %q", mod.Abi)}
		}
	}

	commandNames := make(map[string]bool, len(m.Commands))
	for i, cmd := range m.Commands {
		field := fmt.Sprintf("command[%d]", i)
		if cmd.Name == "" || !identPattern.MatchString(cmd.Name) {
			return &InvalidError{Field: field + ".name", Reason: fmt.Sprintf("%q is not a valid command name", cmd.Name)}
		}
		if commandNames[cmd.Name] {
			return &InvalidError{Field: field + ".name", Reason: fmt.Sprintf("duplicate command %q", cmd.Name)}
		}
		commandNames[cmd.Name] = true
		if cmd.Module == "" {
			return &InvalidError{Field: field + ".module", Reason: "missing"}
		}
		// Commands backed by a dependency's module are checked at install
		// time; local references must exist now.
		if cmd.Package == "" && !moduleNames[cmd.Module] {
			return &InvalidError{Field: field + ".module", Reason: fmt.Sprintf("no module named %q", cmd.Module)}
		}
		if cmd.Package != "" && !ValidName(cmd.Package) {
			return &InvalidError{Field: field + ".package", Reason: fmt.Sprintf("%q is not a valid package name", cmd.Package)}
		}
	}

	return nil
}

// ID returns the package identity declared by the manifest.
func (m *Manifest) ID() PackageID {
	return PackageID{Name: m.Package.Name, Version: m.Package.Version}
}

// Dependency is one requirement from the [dependencies] table.
type Dependency struct {
	Name  string
	Range *semver.Constraints
}

// SortedDependencies returns the dependency table as parsed constraints in
// name order. Call Validate first; bad ranges fail here too.
func (m *Manifest) SortedDependencies() ([]Dependency, error) {
	deps := make([]Dependency, 0, len(m.Dependencies))
	for name, rng := range m.Dependencies {
		c, err := semver.NewConstraint(rng)
		if err != nil {
			return nil, &InvalidError{Field: "dependencies." + name, Reason: fmt.Sprintf("bad version range %q", rng)}
		}
		deps = append(deps, Dependency{Name: name, Range: c})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

// ModuleNamed returns the module declaration with the given name.
func (m *Manifest) ModuleNamed(name string) (Module, bool) {
	for _, mod := range m.Modules {
		if mod.Name == name {
			return mod, true
		}
	}
	return Module{}, false
}
