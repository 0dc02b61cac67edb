package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/john-sharratt/wapm-cli/internal/manifest"
)

var (
	// ErrNotFound means the registry answered and the package or command
	// does not exist. Never retried.
	ErrNotFound = errors.New("not found in registry")
	// ErrUnavailable means the registry could not be reached or kept
	// failing transiently until the retry budget ran out.
	ErrUnavailable = errors.New("registry unavailable")
	// ErrArchiveTooLarge means a download exceeded the configured ceiling.
	ErrArchiveTooLarge = errors.New("archive exceeds size limit")
)

// RequestError carries the context of a failed registry operation.
type RequestError struct {
	Op         string
	Name       string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("registry %s %q failed after %d attempt(s): %v", e.Op, e.Name, e.Attempts, e.Err)
	}
	return fmt.Sprintf("registry %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Entry is the registry's metadata for one package: every published
// version with its distribution and dependency information.
type Entry struct {
	Name     string
	Versions []VersionMeta
}

// VersionMeta describes a single published release.
type VersionMeta struct {
	Version      string
	DownloadURL  string
	ContentHash  string
	Signature    string
	Abi          manifest.Abi
	Dependencies []Dependency
}

// Dependency is a requirement declared by a published release.
type Dependency struct {
	Name  string
	Range string
}

// VersionNamed returns the metadata for an exact version string.
func (e *Entry) VersionNamed(version string) (*VersionMeta, bool) {
	for i := range e.Versions {
		if e.Versions[i].Version == version {
			return &e.Versions[i], true
		}
	}
	return nil, false
}

// CommandTarget maps a command name to the release providing it.
type CommandTarget struct {
	Command string
	Module  string
	Package manifest.PackageID
}

// ----- GraphQL wire types -----

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type wireDistribution struct {
	DownloadURL string `json:"downloadUrl"`
	ContentHash string `json:"contentHash"`
	Signature   string `json:"signature,omitempty"`
}

type wireDependency struct {
	Name  string `json:"name"`
	Range string `json:"range"`
}

type wireVersion struct {
	Version      string           `json:"version"`
	Abi          string           `json:"abi,omitempty"`
	Distribution wireDistribution `json:"distribution"`
	Dependencies []wireDependency `json:"dependencies,omitempty"`
}

type wirePackage struct {
	Name     string        `json:"name"`
	Versions []wireVersion `json:"versions"`
}

type packageVersionsData struct {
	Package *wirePackage `json:"package"`
}

type wirePackageHeader struct {
	Name string `json:"name"`
}

type wirePackageVersion struct {
	Version string            `json:"version"`
	Package wirePackageHeader `json:"package"`
}

type wireCommand struct {
	Name           string             `json:"name"`
	Module         string             `json:"module"`
	PackageVersion wirePackageVersion `json:"packageVersion"`
}

type commandData struct {
	Command *wireCommand `json:"command"`
}

type viewerData struct {
	Viewer *struct {
		Username string `json:"username"`
	} `json:"viewer"`
}

func (v *wireVersion) toMeta() VersionMeta {
	meta := VersionMeta{
		Version:     v.Version,
		DownloadURL: v.Distribution.DownloadURL,
		ContentHash: v.Distribution.ContentHash,
		Signature:   v.Distribution.Signature,
		Abi:         manifest.Abi(v.Abi),
	}
	for _, d := range v.Dependencies {
		meta.Dependencies = append(meta.Dependencies, Dependency{Name: d.Name, Range: d.Range})
	}
	return meta
}
