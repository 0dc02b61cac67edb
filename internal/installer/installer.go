// Package installer materializes resolved dependency graphs: archives are
// fetched through the content-addressed cache, verified, unpacked, and
// laid out under wapm_packages. The lockfile is written only after every
// node has installed.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/john-sharratt/wapm-cli/internal/lockfile"
	"github.com/john-sharratt/wapm-cli/internal/manifest"
	"github.com/john-sharratt/wapm-cli/internal/registry"
	"github.com/john-sharratt/wapm-cli/internal/resolver"
	"github.com/john-sharratt/wapm-cli/internal/store"
	"github.com/john-sharratt/wapm-cli/internal/verify"
)

// PackagesDir is the per-project directory packages materialize into.
const PackagesDir = "wapm_packages"

// fetchWait is how long to wait between cache polls while another
// process holds the fetch mark for a hash.
const fetchWait = 250 * time.Millisecond

var (
	ErrAbiIncompatible = errors.New("abi incompatible")
	ErrNotInstalled    = errors.New("package not installed")
)

// AbiConflict records one dependency edge whose ABIs cannot be merged.
type AbiConflict struct {
	Package       string
	PackageAbi    string
	Dependency    string
	DependencyAbi string
}

func (c AbiConflict) String() string {
	return fmt.Sprintf("%s (%s) depends on %s (%s)", c.Package, c.PackageAbi, c.Dependency, c.DependencyAbi)
}

// AbiError wraps ErrAbiIncompatible when strict ABI checking refuses a
// graph.
type AbiError struct {
	Conflicts []AbiConflict
}

func (e *AbiError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("abi incompatible: %s", strings.Join(parts, "; "))
}

func (e *AbiError) Unwrap() error { return ErrAbiIncompatible }

// NodeFailure records one package that could not be installed.
type NodeFailure struct {
	ID  string
	Err error
}

// Report summarizes an install run.
type Report struct {
	RunID     string
	Installed []string // fetched and materialized this run
	Reused    []string // served from the cache
	Failed    []NodeFailure
	Conflicts []AbiConflict
}

// Source is the registry surface the installer needs.
type Source interface {
	BaseURL() string
	PackageVersions(ctx context.Context, name string) (*registry.Entry, error)
	FetchArchive(ctx context.Context, url, dest string) (int64, error)
}

// Options configures an Installer.
type Options struct {
	Store       *store.Store
	Source      Source
	Verifier    *verify.Verifier
	Logger      *log.Logger
	Parallelism int
	StrictAbi   bool
}

// Installer drives install and verify runs against one store and registry.
type Installer struct {
	store       *store.Store
	source      Source
	verifier    *verify.Verifier
	logger      *log.Logger
	parallelism int
	strictAbi   bool

	flight singleflight.Group
}

// New builds an Installer from options, applying defaults for anything
// left unset.
func New(opts Options) *Installer {
	inst := &Installer{
		store:       opts.Store,
		source:      opts.Source,
		verifier:    opts.Verifier,
		logger:      opts.Logger,
		parallelism: opts.Parallelism,
		strictAbi:   opts.StrictAbi,
	}
	if inst.verifier == nil {
		// Zero value fails closed: admitting unsigned packages is an
		// explicit choice the caller makes, never a default.
		inst.verifier = &verify.Verifier{}
	}
	if inst.logger == nil {
		inst.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "install"})
	}
	if inst.parallelism < 1 {
		inst.parallelism = 8
	}
	return inst
}

// Install fetches, verifies, unpacks, and materializes every node of the
// graph under projectDir, then writes the lockfile. A node that fails is
// rolled back; completed nodes keep their cache entries but the lockfile
// is not written unless the whole graph installed.
func (inst *Installer) Install(ctx context.Context, projectDir string, g *resolver.Graph) (*Report, error) {
	return inst.run(ctx, projectDir, g, true)
}

// VerifyOnly fetches and verifies every node of the graph into the cache
// without materializing packages or touching the lockfile.
func (inst *Installer) VerifyOnly(ctx context.Context, g *resolver.Graph) (*Report, error) {
	return inst.run(ctx, "", g, false)
}

func (inst *Installer) run(ctx context.Context, projectDir string, g *resolver.Graph, materialize bool) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}

	report.Conflicts = abiConflicts(g)
	for _, c := range report.Conflicts {
		inst.logger.Warn("abi conflict", "edge", c.String())
	}
	if inst.strictAbi && len(report.Conflicts) > 0 {
		return report, &AbiError{Conflicts: report.Conflicts}
	}

	nodes := g.SortedNodes()
	inst.logger.Debug("installing graph",
		"run", report.RunID,
		"root", g.Root.String(),
		"packages", len(nodes),
		"fingerprint", g.Fingerprint(),
	)

	var (
		mu     sync.Mutex
		locked []lockfile.Package
	)

	eg := new(errgroup.Group)
	eg.SetLimit(inst.parallelism)
	for _, node := range nodes {
		node := node
		eg.Go(func() error {
			pkg, fresh, err := inst.ensureNode(ctx, projectDir, g, node, materialize)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, NodeFailure{ID: node.ID.String(), Err: err})
				return nil
			}
			if fresh {
				report.Installed = append(report.Installed, node.ID.String())
			} else {
				report.Reused = append(report.Reused, node.ID.String())
			}
			if materialize {
				locked = append(locked, pkg)
			}
			return nil
		})
	}
	eg.Wait()

	sort.Strings(report.Installed)
	sort.Strings(report.Reused)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].ID < report.Failed[j].ID })

	if len(report.Failed) > 0 {
		first := report.Failed[0]
		return report, fmt.Errorf("installing %s: %w", first.ID, first.Err)
	}

	if materialize {
		lf := &lockfile.Lockfile{Packages: locked}
		if err := lf.Save(projectDir); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ensureNode brings one package into the cache and, when materializing,
// into the project tree. Any partial materialization is rolled back on
// error.
func (inst *Installer) ensureNode(ctx context.Context, projectDir string, g *resolver.Graph, node *resolver.Node, materialize bool) (lockfile.Package, bool, error) {
	var pkg lockfile.Package

	blob, fresh, err := inst.ensureBlob(ctx, node)
	if err != nil {
		return pkg, false, err
	}
	if !materialize {
		return pkg, fresh, nil
	}

	installPath := InstallPath(projectDir, node.ID)
	if err := inst.materialize(blob.unpacked, installPath); err != nil {
		inst.rollback(node, installPath)
		return pkg, false, err
	}

	pkg, err = inst.lockedPackage(g, node, blob)
	if err == nil {
		err = inst.store.RecordInstall(&store.InstalledPackage{
			Name:        node.ID.Name,
			Version:     node.ID.Version,
			ContentHash: node.Meta.ContentHash,
			InstallPath: installPath,
			Abi:         string(node.Meta.Abi),
		})
	}
	if err != nil {
		inst.rollback(node, installPath)
		return lockfile.Package{}, false, err
	}
	return pkg, fresh, nil
}

// blobInfo describes a verified archive in the cache.
type blobInfo struct {
	entry    *store.CacheEntry
	unpacked string
}

// ensureBlob returns the cached archive for a node, fetching and
// verifying it if needed. Concurrent requests for the same content hash
// collapse to one fetch; a mark in the store keeps other processes from
// duplicating it.
func (inst *Installer) ensureBlob(ctx context.Context, node *resolver.Node) (*blobInfo, bool, error) {
	hash := node.Meta.ContentHash
	type flightResult struct {
		blob  *blobInfo
		fresh bool
	}
	v, err, _ := inst.flight.Do(hash, func() (interface{}, error) {
		blob, fresh, err := inst.fetchBlob(ctx, node)
		if err != nil {
			return nil, err
		}
		return flightResult{blob: blob, fresh: fresh}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(flightResult)
	return res.blob, res.fresh, nil
}

func (inst *Installer) fetchBlob(ctx context.Context, node *resolver.Node) (*blobInfo, bool, error) {
	hash := node.Meta.ContentHash

	// Cache short-circuit.
	blob, err := inst.cachedBlob(hash)
	if err == nil {
		return blob, false, nil
	}
	if errors.Is(err, store.ErrCorrupted) {
		inst.logger.Warn("evicting corrupted cache entry", "hash", hash, "err", err)
		if dropErr := inst.store.DropCacheEntry(hash); dropErr != nil {
			return nil, false, dropErr
		}
	} else if !errors.Is(err, store.ErrNotCached) {
		return nil, false, err
	}

	// Cross-process fetch mark. While another process holds it, poll the
	// cache; its finished download serves us too.
	for {
		acquired, err := inst.store.BeginFetch(hash)
		if err != nil {
			return nil, false, err
		}
		if acquired {
			break
		}
		inst.logger.Debug("waiting for concurrent fetch", "hash", hash)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(fetchWait):
		}
		if blob, err := inst.cachedBlob(hash); err == nil {
			return blob, false, nil
		}
	}
	defer inst.store.EndFetch(hash)

	if blob, err := inst.cachedBlob(hash); err == nil {
		return blob, false, nil
	}

	signature := node.Meta.Signature
	trustedKey, err := inst.store.KeyFor(inst.source.BaseURL())
	if err != nil {
		return nil, false, err
	}
	// Lockfile-derived nodes carry no signature. When a key is pinned the
	// signature is required, so ask the registry for it.
	if signature == "" && trustedKey != "" {
		entry, err := inst.source.PackageVersions(ctx, node.ID.Name)
		if err != nil {
			return nil, false, err
		}
		if meta, ok := entry.VersionNamed(node.ID.Version); ok {
			signature = meta.Signature
		}
	}

	tmp, err := os.CreateTemp(inst.store.TempDir(), "fetch-*")
	if err != nil {
		return nil, false, fmt.Errorf("creating download file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	size, err := inst.source.FetchArchive(ctx, node.Meta.DownloadURL, tmpPath)
	if err != nil {
		return nil, false, err
	}
	inst.logger.Debug("fetched archive", "package", node.ID.String(), "bytes", size)

	status, err := inst.verifier.Verify(tmpPath, hash, signature, trustedKey)
	if err != nil {
		return nil, false, err
	}

	entry, err := inst.store.PlaceBlob(tmpPath, hash, status)
	if err != nil {
		return nil, false, err
	}
	unpacked, err := inst.ensureUnpacked(entry)
	if err != nil {
		return nil, false, err
	}
	// Recorded last: processes polling the cache must only ever see
	// entries whose blob and unpacked tree are both complete.
	if err := inst.store.PutCacheEntry(entry); err != nil {
		return nil, false, err
	}
	return &blobInfo{entry: entry, unpacked: unpacked}, true, nil
}

func (inst *Installer) cachedBlob(hash string) (*blobInfo, error) {
	entry, err := inst.store.LookupCached(hash)
	if err != nil {
		return nil, err
	}
	unpacked, err := inst.ensureUnpacked(entry)
	if err != nil {
		return nil, err
	}
	return &blobInfo{entry: entry, unpacked: unpacked}, nil
}

func (inst *Installer) ensureUnpacked(entry *store.CacheEntry) (string, error) {
	unpacked, err := inst.store.UnpackPath(entry.ContentHash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(unpacked); err == nil {
		return unpacked, nil
	}
	if err := Unpack(entry.Path, unpacked); err != nil {
		return "", err
	}
	return unpacked, nil
}

// materialize links the unpacked package into the project tree, falling
// back to a copy where symlinks are unavailable.
func (inst *Installer) materialize(unpacked, installPath string) error {
	if err := os.RemoveAll(installPath); err != nil {
		return fmt.Errorf("clearing install path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(installPath), 0755); err != nil {
		return fmt.Errorf("creating package directory: %w", err)
	}
	if err := os.Symlink(unpacked, installPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(installPath, 0755); err != nil {
		return fmt.Errorf("creating package directory: %w", err)
	}
	if err := copyTree(unpacked, installPath); err != nil {
		return fmt.Errorf("copying package: %w", err)
	}
	return nil
}

func (inst *Installer) rollback(node *resolver.Node, installPath string) {
	inst.logger.Warn("rolling back package", "package", node.ID.String())
	os.RemoveAll(installPath)
	inst.store.RemoveInstall(node.ID.Name, node.ID.Version)
}

// lockedPackage builds the lockfile entry for an installed node from the
// graph edges and the manifest inside the unpacked archive.
func (inst *Installer) lockedPackage(g *resolver.Graph, node *resolver.Node, blob *blobInfo) (lockfile.Package, error) {
	pkg := lockfile.Package{
		Name:        node.ID.Name,
		Version:     node.ID.Version,
		Resolved:    node.Meta.DownloadURL,
		ContentHash: node.Meta.ContentHash,
		Signature:   blob.entry.SignatureStatus,
	}
	for _, dep := range node.Requires {
		depNode, ok := g.Node(dep)
		if !ok {
			return pkg, fmt.Errorf("dependency %s missing from graph", dep)
		}
		pkg.Dependencies = append(pkg.Dependencies, lockfile.DependencyRef(depNode.ID))
	}

	man, err := manifest.Load(blob.unpacked)
	if errors.Is(err, manifest.ErrNotFound) {
		inst.logger.Warn("package ships no manifest", "package", node.ID.String())
		return pkg, nil
	}
	if err != nil {
		return pkg, err
	}

	isTop := false
	for _, by := range node.RequiredBy {
		if by == g.Root.Name {
			isTop = true
			break
		}
	}

	for _, m := range man.Modules {
		key, err := verify.ModuleKey(filepath.Join(blob.unpacked, filepath.FromSlash(m.Source)))
		if err != nil {
			return pkg, fmt.Errorf("hashing module %s: %w", m.Name, err)
		}
		pkg.Modules = append(pkg.Modules, lockfile.Module{
			Name:               m.Name,
			Entry:              m.Source,
			Abi:                m.Abi.Norm(),
			PrehashedModuleKey: key,
		})
	}
	for _, c := range man.Commands {
		pkg.Commands = append(pkg.Commands, lockfile.Command{
			Name:                 c.Name,
			Module:               c.Module,
			MainArgs:             c.MainArgs,
			IsTopLevelDependency: isTop,
		})
	}
	return pkg, nil
}

// InstallPath is where a package materializes under a project directory.
func InstallPath(projectDir string, id manifest.PackageID) string {
	return filepath.Join(projectDir, PackagesDir, filepath.FromSlash(id.Name)+"@"+id.Version)
}

// Uninstall removes a package from the project tree, the lockfile, and
// the installed index. Packages still required by another locked package
// cannot be removed.
func (inst *Installer) Uninstall(projectDir, name string) error {
	lf, err := lockfile.Load(projectDir)
	if errors.Is(err, lockfile.ErrNotFound) {
		return fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	if err != nil {
		return err
	}

	var removed []lockfile.Package
	var kept []lockfile.Package
	for _, pkg := range lf.Packages {
		if pkg.Name == name {
			removed = append(removed, pkg)
		} else {
			kept = append(kept, pkg)
		}
	}
	if len(removed) == 0 {
		return fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	for _, pkg := range kept {
		for _, ref := range pkg.Dependencies {
			id, err := lockfile.ParseDependencyRef(ref)
			if err != nil {
				continue
			}
			if id.Name == name {
				return fmt.Errorf("cannot uninstall %s: required by %s", name, pkg.ID().String())
			}
		}
	}

	for _, pkg := range removed {
		installPath := InstallPath(projectDir, pkg.ID())
		if err := os.RemoveAll(installPath); err != nil {
			return fmt.Errorf("removing %s: %w", pkg.ID().String(), err)
		}
		if err := inst.store.RemoveInstall(pkg.Name, pkg.Version); err != nil {
			return err
		}
		inst.logger.Info("uninstalled package", "package", pkg.ID().String())
	}

	lf.Packages = kept
	return lf.Save(projectDir)
}

// Reindex restores installed package records for a project from its
// lockfile. After a store rebuild the installed index may be empty;
// only packages whose trees are still on disk are re-recorded.
func (inst *Installer) Reindex(projectDir string) (int, error) {
	lf, err := lockfile.Load(projectDir)
	if errors.Is(err, lockfile.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, pkg := range lf.Packages {
		installPath := InstallPath(projectDir, pkg.ID())
		if _, err := os.Stat(installPath); err != nil {
			continue
		}
		var abi manifest.Abi
		if len(pkg.Modules) > 0 {
			abi = pkg.Modules[0].Abi.Norm()
		}
		if err := inst.store.RecordInstall(&store.InstalledPackage{
			Name:        pkg.Name,
			Version:     pkg.Version,
			ContentHash: pkg.ContentHash,
			InstallPath: installPath,
			Abi:         string(abi),
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// abiConflicts walks every dependency edge and reports the ones whose
// ABIs cannot be merged.
func abiConflicts(g *resolver.Graph) []AbiConflict {
	var conflicts []AbiConflict
	for _, node := range g.SortedNodes() {
		from := node.Meta.Abi
		for _, dep := range node.Requires {
			depNode, ok := g.Node(dep)
			if !ok {
				continue
			}
			to := depNode.Meta.Abi
			if !from.Compatible(to) {
				conflicts = append(conflicts, AbiConflict{
					Package:       node.ID.String(),
					PackageAbi:    string(from.Norm()),
					Dependency:    depNode.ID.String(),
					DependencyAbi: string(to.Norm()),
				})
			}
		}
	}
	return conflicts
}
