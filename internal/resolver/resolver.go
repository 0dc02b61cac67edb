// Package resolver turns a manifest's dependency constraints into a
// complete dependency graph by backtracking constraint search over the
// registry's published versions.
//
// The search runs on an explicit work stack rather than recursion: pending
// requirements and scope markers live in a work list, every choice is
// recorded as a decision with its untried alternatives, and a trail of
// state mutations allows O(depth) undo when a conflict forces
// backtracking. Names currently open on the path are tracked in a set so a
// cycle is detected in constant time and fails hard instead of looping.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/john-sharratt/wapm-cli/internal/lockfile"
	"github.com/john-sharratt/wapm-cli/internal/manifest"
	"github.com/john-sharratt/wapm-cli/internal/registry"
)

// Source lists published versions for package names. registry.Client
// satisfies it; tests substitute fixtures.
type Source interface {
	PackageVersions(ctx context.Context, name string) (*registry.Entry, error)
}

var (
	ErrUnsatisfiable = errors.New("no version satisfies the constraints")
	ErrCycle         = errors.New("dependency cycle")
)

// UnsatisfiableError reports the conflict that exhausted the search.
type UnsatisfiableError struct {
	Name        string
	Range       string
	Requirer    string
	Pinned      string
	PinnedBy    string
	PinnedRange string
	Available   []string
}

func (e *UnsatisfiableError) Error() string {
	if e.Pinned != "" {
		return fmt.Sprintf("cannot satisfy %q: %q requires %s but %s is pinned by %q (%s)",
			e.Name, e.Requirer, e.Range, e.Pinned, e.PinnedBy, e.PinnedRange)
	}
	if len(e.Available) == 0 {
		return fmt.Sprintf("cannot satisfy %q: %q requires %s (no published versions)",
			e.Name, e.Requirer, e.Range)
	}
	return fmt.Sprintf("cannot satisfy %q: %q requires %s (published: %s)",
		e.Name, e.Requirer, e.Range, strings.Join(e.Available, ", "))
}

func (e *UnsatisfiableError) Unwrap() error { return ErrUnsatisfiable }

// CycleError reports the dependency path that re-entered itself.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Resolve produces the dependency graph for a manifest. Identical inputs
// yield identical graphs: candidates are tried newest first with a
// deterministic tie-break, and requirements expand in name order.
func Resolve(ctx context.Context, m *manifest.Manifest, src Source) (*Graph, error) {
	rootDeps, err := rootRequirements(m)
	if err != nil {
		return nil, err
	}
	rootVer, err := semver.NewVersion(m.Package.Version)
	if err != nil {
		return nil, &manifest.InvalidError{Field: "package.version", Reason: err.Error()}
	}

	s := &state{
		ctx:      ctx,
		src:      src,
		root:     m.Package.Name,
		memo:     make(map[string][]candidate),
		assigned: make(map[string]*assignment),
		onPath:   make(map[string]bool),
	}
	s.assign(s.root, candidate{ver: rootVer}, requirement{name: s.root, raw: m.Package.Version})

	if err := s.run(rootDeps); err != nil {
		return nil, err
	}
	return s.buildGraph(m, rootDeps), nil
}

// ResolveWithLock reuses the lockfile when it still satisfies the manifest
// and falls back to a fresh resolve otherwise. The bool reports reuse; a
// reused graph costs zero registry queries.
func ResolveWithLock(ctx context.Context, m *manifest.Manifest, lock *lockfile.Lockfile, src Source) (*Graph, bool, error) {
	if g, ok := FromLock(m, lock); ok {
		return g, true, nil
	}
	g, err := Resolve(ctx, m, src)
	return g, false, err
}

func rootRequirements(m *manifest.Manifest) ([]requirement, error) {
	deps, err := m.SortedDependencies()
	if err != nil {
		return nil, err
	}
	reqs := make([]requirement, len(deps))
	for i, d := range deps {
		reqs[i] = requirement{name: d.Name, rng: d.Range, raw: m.Dependencies[d.Name], requirer: m.Package.Name}
	}
	return reqs, nil
}

// ----- search state -----

type requirement struct {
	name     string
	rng      *semver.Constraints
	raw      string
	requirer string
}

type candidate struct {
	ver  *semver.Version
	meta *registry.VersionMeta
}

type assignment struct {
	ver      *semver.Version
	meta     *registry.VersionMeta
	rng      string
	requirer string
}

// versionString prefers the registry's exact version string; the root
// assignment has no metadata.
func (a *assignment) versionString() string {
	if a.meta != nil {
		return a.meta.Version
	}
	return a.ver.String()
}

// workItem is either a pending requirement or, when close is set, the end
// of an expanded package's scope.
type workItem struct {
	req   requirement
	close string
}

// decision is a choice point: one requirement with the candidates that
// were admissible when it was first expanded.
type decision struct {
	req       requirement
	cands     []candidate
	next      int
	trailMark int
	rest      []workItem
}

type trailKind int

const (
	kindAssign trailKind = iota
	kindOpen
	kindClose
)

type trailEntry struct {
	kind trailKind
	name string
}

type conflict struct {
	name        string
	rng         string
	requirer    string
	pinned      string
	pinnedBy    string
	pinnedRange string
	available   []string
}

func (c conflict) err() error {
	return &UnsatisfiableError{
		Name:        c.name,
		Range:       c.rng,
		Requirer:    c.requirer,
		Pinned:      c.pinned,
		PinnedBy:    c.pinnedBy,
		PinnedRange: c.pinnedRange,
		Available:   c.available,
	}
}

type state struct {
	ctx       context.Context
	src       Source
	root      string
	memo      map[string][]candidate
	assigned  map[string]*assignment
	onPath    map[string]bool
	openStack []string
	trail     []trailEntry
	decisions []*decision
}

func (s *state) run(rootDeps []requirement) error {
	remaining := make([]workItem, 0, len(rootDeps)+1)
	for _, r := range rootDeps {
		remaining = append(remaining, workItem{req: r})
	}
	remaining = append(remaining, workItem{close: s.root})

	for len(remaining) > 0 {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		item := remaining[0]
		rest := remaining[1:]

		if item.close != "" {
			s.closeScope(item.close)
			remaining = rest
			continue
		}

		req := item.req
		if a, ok := s.assigned[req.name]; ok {
			if s.onPath[req.name] {
				return s.cycleError(req.name)
			}
			if req.rng.Check(a.ver) {
				remaining = rest
				continue
			}
			c := conflict{
				name: req.name, rng: req.raw, requirer: req.requirer,
				pinned: a.versionString(), pinnedBy: a.requirer, pinnedRange: a.rng,
			}
			next, ok, err := s.backtrack()
			if err != nil {
				return err
			}
			if !ok {
				return c.err()
			}
			remaining = next
			continue
		}

		cands, err := s.admissible(req)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			c := conflict{
				name: req.name, rng: req.raw, requirer: req.requirer,
				available: s.published(req.name),
			}
			next, ok, err := s.backtrack()
			if err != nil {
				return err
			}
			if !ok {
				return c.err()
			}
			remaining = next
			continue
		}

		d := &decision{req: req, cands: cands, trailMark: len(s.trail), rest: rest}
		s.decisions = append(s.decisions, d)
		remaining, err = s.applyNext(d)
		if err != nil {
			return err
		}
	}
	return nil
}

// applyNext pins the decision's next candidate and queues its dependencies
// ahead of the remaining work.
func (s *state) applyNext(d *decision) ([]workItem, error) {
	cand := d.cands[d.next]
	d.next++
	s.assign(d.req.name, cand, d.req)

	deps, err := requirementsOf(d.req.name, cand)
	if err != nil {
		return nil, err
	}
	items := make([]workItem, 0, len(deps)+1+len(d.rest))
	for _, r := range deps {
		items = append(items, workItem{req: r})
	}
	items = append(items, workItem{close: d.req.name})
	items = append(items, d.rest...)
	return items, nil
}

// backtrack unwinds to the most recent decision with an untried candidate
// and applies it. ok is false when every alternative is exhausted.
func (s *state) backtrack() (remaining []workItem, ok bool, err error) {
	for len(s.decisions) > 0 {
		d := s.decisions[len(s.decisions)-1]
		if d.next < len(d.cands) {
			s.undoTo(d.trailMark)
			remaining, err = s.applyNext(d)
			return remaining, true, err
		}
		s.undoTo(d.trailMark)
		s.decisions = s.decisions[:len(s.decisions)-1]
	}
	return nil, false, nil
}

func (s *state) assign(name string, cand candidate, req requirement) {
	s.assigned[name] = &assignment{ver: cand.ver, meta: cand.meta, rng: req.raw, requirer: req.requirer}
	s.trail = append(s.trail, trailEntry{kind: kindAssign, name: name})
	s.onPath[name] = true
	s.openStack = append(s.openStack, name)
	s.trail = append(s.trail, trailEntry{kind: kindOpen, name: name})
}

func (s *state) closeScope(name string) {
	s.onPath[name] = false
	s.openStack = s.openStack[:len(s.openStack)-1]
	s.trail = append(s.trail, trailEntry{kind: kindClose, name: name})
}

func (s *state) undoTo(mark int) {
	for i := len(s.trail) - 1; i >= mark; i-- {
		e := s.trail[i]
		switch e.kind {
		case kindAssign:
			delete(s.assigned, e.name)
		case kindOpen:
			delete(s.onPath, e.name)
			s.openStack = s.openStack[:len(s.openStack)-1]
		case kindClose:
			s.onPath[e.name] = true
			s.openStack = append(s.openStack, e.name)
		}
	}
	s.trail = s.trail[:mark]
}

func (s *state) cycleError(name string) error {
	start := 0
	for i, n := range s.openStack {
		if n == name {
			start = i
			break
		}
	}
	path := append([]string{}, s.openStack[start:]...)
	path = append(path, name)
	return &CycleError{Path: path}
}

// admissible returns the published versions satisfying the requirement,
// newest first.
func (s *state) admissible(req requirement) ([]candidate, error) {
	all, err := s.versionsOf(req.name, req.requirer)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(all))
	for _, c := range all {
		if req.rng.Check(c.ver) {
			out = append(out, c)
		}
	}
	return out, nil
}

// versionsOf queries the source once per name and memoizes the parsed,
// sorted result. A name the registry does not know resolves to zero
// candidates so the search can still backtrack to versions that never
// required it.
func (s *state) versionsOf(name, requirer string) ([]candidate, error) {
	if cands, ok := s.memo[name]; ok {
		return cands, nil
	}
	entry, err := s.src.PackageVersions(s.ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		s.memo[name] = []candidate{}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %q (required by %q): %w", name, requirer, err)
	}
	cands := make([]candidate, 0, len(entry.Versions))
	for i := range entry.Versions {
		meta := &entry.Versions[i]
		v, err := semver.NewVersion(meta.Version)
		if err != nil {
			return nil, fmt.Errorf("registry lists bad version %q for %q: %w", meta.Version, name, err)
		}
		cands = append(cands, candidate{ver: v, meta: meta})
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].ver.Equal(cands[j].ver) {
			return cands[i].ver.GreaterThan(cands[j].ver)
		}
		return cands[i].ver.Original() > cands[j].ver.Original()
	})
	s.memo[name] = cands
	return cands, nil
}

func (s *state) published(name string) []string {
	cands := s.memo[name]
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.meta.Version
	}
	return out
}

func requirementsOf(name string, cand candidate) ([]requirement, error) {
	deps := cand.meta.Dependencies
	reqs := make([]requirement, 0, len(deps))
	for _, d := range deps {
		rng, err := semver.NewConstraint(d.Range)
		if err != nil {
			return nil, fmt.Errorf("registry metadata for %s@%s has bad range %q on %q: %w",
				name, cand.meta.Version, d.Range, d.Name, err)
		}
		reqs = append(reqs, requirement{name: d.Name, rng: rng, raw: d.Range, requirer: name})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].name < reqs[j].name })
	return reqs, nil
}

func (s *state) buildGraph(m *manifest.Manifest, rootDeps []requirement) *Graph {
	g := &Graph{Root: m.ID(), Nodes: make(map[string]*Node, len(s.assigned)-1)}
	for name, a := range s.assigned {
		if name == s.root {
			continue
		}
		node := &Node{
			ID:      manifest.PackageID{Name: name, Version: a.meta.Version},
			Version: a.ver,
			Meta:    a.meta,
		}
		for _, d := range a.meta.Dependencies {
			node.Requires = append(node.Requires, d.Name)
		}
		g.Nodes[name] = node
	}
	g.linkEdges()
	for _, r := range rootDeps {
		if n, ok := g.Nodes[r.name]; ok {
			n.RequiredBy = insertSorted(n.RequiredBy, s.root)
		}
	}
	return g
}
