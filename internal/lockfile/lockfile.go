// Package lockfile reads and writes wapm.lock files. Serialization is
// byte-stable: an unchanged graph always re-serializes to identical bytes,
// so entries are kept sorted and no Go maps appear in the output types.
package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/john-sharratt/wapm-cli/internal/manifest"
)

// Filename is the lockfile name inside a package directory.
const Filename = "wapm.lock"

// SchemaVersion is the lockfile format generation, recorded in the header
// comment the same way earlier implementations did.
const SchemaVersion = 4

var header = fmt.Sprintf("# Lockfile v%d\n# This file is automatically generated; do not edit it by hand.\n\n", SchemaVersion)

var (
	ErrNotFound = errors.New("lockfile not found")
	ErrVersion  = errors.New("unsupported lockfile version")
)

// Signature states recorded per package.
const (
	SignatureVerified = "verified"
	SignatureUnsigned = "unsigned"
)

// Lockfile pins the fully resolved dependency closure of a project.
type Lockfile struct {
	Packages []Package `toml:"package,omitempty"`
}

// Package is one pinned release.
type Package struct {
	Name         string    `toml:"name"`
	Version      string    `toml:"version"`
	Resolved     string    `toml:"resolved,omitempty"`
	ContentHash  string    `toml:"content_hash"`
	Signature    string    `toml:"signature,omitempty"`
	Dependencies []string  `toml:"dependencies,omitempty"`
	Modules      []Module  `toml:"module,omitempty"`
	Commands     []Command `toml:"command,omitempty"`
}

// Module projects a package's module declaration onto the installed tree.
type Module struct {
	Name               string       `toml:"name"`
	Entry              string       `toml:"entry"`
	Abi                manifest.Abi `toml:"abi,omitempty"`
	PrehashedModuleKey string       `toml:"prehashed_module_key,omitempty"`
}

// Command records a runnable entrypoint provided by a pinned package.
type Command struct {
	Name                 string `toml:"name"`
	Module               string `toml:"module"`
	MainArgs             string `toml:"main_args,omitempty"`
	IsTopLevelDependency bool   `toml:"is_top_level_dependency"`
}

// ID returns the package identity of a pinned entry.
func (p *Package) ID() manifest.PackageID {
	return manifest.PackageID{Name: p.Name, Version: p.Version}
}

// DependencyRef formats a pinned dependency edge for the dependencies list.
func DependencyRef(id manifest.PackageID) string {
	return id.Name + "@" + id.Version
}

// ParseDependencyRef splits a dependencies list entry back into an ID.
func ParseDependencyRef(ref string) (manifest.PackageID, error) {
	i := strings.LastIndex(ref, "@")
	if i <= 0 || i == len(ref)-1 {
		return manifest.PackageID{}, fmt.Errorf("malformed dependency ref %q", ref)
	}
	return manifest.PackageID{Name: ref[:i], Version: ref[i+1:]}, nil
}

// Parse decodes a lockfile, checking the version header.
func Parse(data []byte) (*Lockfile, error) {
	if err := checkHeader(data); err != nil {
		return nil, err
	}
	var l Lockfile
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decoding lockfile: %w", err)
	}
	l.normalize()
	return &l, nil
}

func checkHeader(data []byte) error {
	line, _, _ := bytes.Cut(data, []byte("\n"))
	const prefix = "# Lockfile v"
	if !bytes.HasPrefix(line, []byte(prefix)) {
		// Tolerate a missing header; treat as current version.
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(line[len(prefix):])))
	if err != nil {
		return fmt.Errorf("%w: malformed header %q", ErrVersion, string(line))
	}
	if v != SchemaVersion {
		return fmt.Errorf("%w: v%d (want v%d)", ErrVersion, v, SchemaVersion)
	}
	return nil
}

// Load reads and parses the lockfile in dir.
func Load(dir string) (*Lockfile, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	return Parse(data)
}

// Serialize renders the lockfile with its header. Entries are sorted first
// so identical graphs produce identical bytes.
func (l *Lockfile) Serialize() ([]byte, error) {
	l.normalize()
	body, err := toml.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encoding lockfile: %w", err)
	}
	return append([]byte(header), body...), nil
}

// Save atomically writes the lockfile into dir.
func (l *Lockfile) Save(dir string) error {
	data, err := l.Serialize()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".wapm.lock.*")
	if err != nil {
		return fmt.Errorf("creating lockfile temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing lockfile temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, Filename)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing lockfile: %w", err)
	}
	return nil
}

func (l *Lockfile) normalize() {
	sort.Slice(l.Packages, func(i, j int) bool {
		return l.Packages[i].ID().Less(l.Packages[j].ID())
	})
	for i := range l.Packages {
		p := &l.Packages[i]
		sort.Strings(p.Dependencies)
		sort.Slice(p.Modules, func(a, b int) bool { return p.Modules[a].Name < p.Modules[b].Name })
		sort.Slice(p.Commands, func(a, b int) bool { return p.Commands[a].Name < p.Commands[b].Name })
	}
}

// PackageFor returns the pinned entry for a package name.
func (l *Lockfile) PackageFor(name string) (*Package, bool) {
	for i := range l.Packages {
		if l.Packages[i].Name == name {
			return &l.Packages[i], true
		}
	}
	return nil, false
}

// CommandFor returns the pinned package and command entry providing the
// named command.
func (l *Lockfile) CommandFor(name string) (*Package, *Command, bool) {
	for i := range l.Packages {
		p := &l.Packages[i]
		for j := range p.Commands {
			if p.Commands[j].Name == name {
				return p, &p.Commands[j], true
			}
		}
	}
	return nil, nil, false
}

// ModuleFor returns the module entry within a pinned package.
func (p *Package) ModuleFor(name string) (*Module, bool) {
	for i := range p.Modules {
		if p.Modules[i].Name == name {
			return &p.Modules[i], true
		}
	}
	return nil, false
}
