package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	if err != nil {
		t.Fatalf("bad version %q: %v", s, err)
	}
	return v
}

const sampleManifest = `
[package]
name = "_/coreutils"
version = "0.4.1"
description = "Basic shell utilities"
license = "MIT"

[dependencies]
"_/libc" = "^0.3"
"acme/ini" = ">=1.0.0, <2.0.0"

[[module]]
name = "coreutils"
source = "target/coreutils.wasm"
abi = "wasi"

[[command]]
name = "cat"
module = "coreutils"
main-args = "cat"
`

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := m.ID(); got.Name != "_/coreutils" || got.Version != "0.4.1" {
		t.Errorf("unexpected id %v", got)
	}
	if len(m.Dependencies) != 2 {
		t.Errorf("expected 2 dependencies, got %d", len(m.Dependencies))
	}
	mod, ok := m.ModuleNamed("coreutils")
	if !ok {
		t.Fatalf("module coreutils not found")
	}
	if mod.Abi != AbiWasi {
		t.Errorf("expected wasi abi, got %q", mod.Abi)
	}
	if m.Commands[0].MainArgs != "cat" {
		t.Errorf("main-args not parsed: %+v", m.Commands[0])
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []struct {
		name  string
		input string
		field string
	}{
		{
			name:  "missing name",
			input: "[package]\nversion = \"1.0.0\"\n",
			field: "package.name",
		},
		{
			name:  "unqualified name",
			input: "[package]\nname = \"coreutils\"\nversion = \"1.0.0\"\n",
			field: "package.name",
		},
		{
			name:  "bad version",
			input: "[package]\nname = \"_/a\"\nversion = \"not-a-version\"\n",
			field: "package.version",
		},
		{
			name:  "bad range",
			input: "[package]\nname = \"_/a\"\nversion = \"1.0.0\"\n\n[dependencies]\n\"_/b\" = \"^^oops\"\n",
			field: "dependencies._/b",
		},
		{
			name:  "module without source",
			input: "[package]\nname = \"_/a\"\nversion = \"1.0.0\"\n\n[[module]]\nname = \"a\"\n",
			field: "module[0].source",
		},
		{
			name:  "unknown abi",
			input: "[package]\nname = \"_/a\"\nversion = \"1.0.0\"\n\n[[module]]\nname = \"a\"\nsource = \"a.wasm\"\nabi = \"sparc\"\n",
			field: "module[0].abi",
		},
		{
			name:  "command referencing missing module",
			input: "[package]\nname = \"_/a\"\nversion = \"1.0.0\"\n\n[[command]]\nname = \"run\"\nmodule = \"ghost\"\n",
			field: "command[0].module",
		},
		{
			name:  "duplicate command",
			input: "[package]\nname = \"_/a\"\nversion = \"1.0.0\"\n\n[[module]]\nname = \"m\"\nsource = \"m.wasm\"\n\n[[command]]\nname = \"run\"\nmodule = \"m\"\n\n[[command]]\nname = \"run\"\nmodule = \"m\"\n",
			field: "command[1].name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			if err == nil {
				t.Fatalf("expected error, got none")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			var inv *InvalidError
			if !errors.As(err, &inv) {
				t.Fatalf("expected InvalidError, got %T", err)
			}
			if inv.Field != tc.field {
				t.Errorf("expected field %q, got %q (%v)", tc.field, inv.Field, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty dir, got %v", err)
	}

	path := filepath.Join(dir, Filename)
	if err := os.WriteFile(path, []byte(sampleManifest), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Package.Name != "_/coreutils" {
		t.Errorf("unexpected package name %q", m.Package.Name)
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("sqlite"); got != "_/sqlite" {
		t.Errorf("expected _/sqlite, got %q", got)
	}
	if got := NormalizeName("acme/ini"); got != "acme/ini" {
		t.Errorf("expected acme/ini unchanged, got %q", got)
	}
}

func TestSortedDependencies(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	deps, err := m.SortedDependencies()
	if err != nil {
		t.Fatalf("SortedDependencies failed: %v", err)
	}
	if len(deps) != 2 || deps[0].Name != "_/libc" || deps[1].Name != "acme/ini" {
		t.Fatalf("unexpected order: %+v", deps)
	}
	if !deps[0].Range.Check(mustVersion(t, "0.3.9")) {
		t.Errorf("^0.3 should admit 0.3.9")
	}
	if deps[0].Range.Check(mustVersion(t, "0.4.0")) {
		t.Errorf("^0.3 should reject 0.4.0")
	}
}

func TestAbiCompatible(t *testing.T) {
	cases := []struct {
		a, b Abi
		want bool
	}{
		{AbiWasi, AbiWasi, true},
		{AbiWasi, AbiEmscripten, false},
		{AbiNone, AbiEmscripten, true},
		{"", AbiWasi, true},
		{"", "", true},
	}
	for _, tc := range cases {
		if got := tc.a.Compatible(tc.b); got != tc.want {
			t.Errorf("Compatible(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
