package resolver

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/john-sharratt/wapm-cli/internal/lockfile"
	"github.com/john-sharratt/wapm-cli/internal/manifest"
	"github.com/john-sharratt/wapm-cli/internal/registry"
)

// Node is one resolved package.
type Node struct {
	ID         manifest.PackageID
	Version    *semver.Version
	Meta       *registry.VersionMeta
	Requires   []string
	RequiredBy []string
}

// Graph is a resolved dependency closure: exactly one version per package
// name, acyclic, rooted at the manifest package. The root itself is not a
// node; its direct dependencies carry the root name in RequiredBy.
type Graph struct {
	Root  manifest.PackageID
	Nodes map[string]*Node
}

// Node returns the resolved node for a package name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// SortedNodes returns the nodes in package name order.
func (g *Graph) SortedNodes() []*Node {
	nodes := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.Name < nodes[j].ID.Name })
	return nodes
}

// IDs returns the resolved package identities in name order.
func (g *Graph) IDs() []manifest.PackageID {
	nodes := g.SortedNodes()
	ids := make([]manifest.PackageID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func (g *Graph) linkEdges() {
	for _, n := range g.Nodes {
		sort.Strings(n.Requires)
		for _, dep := range n.Requires {
			if d, ok := g.Nodes[dep]; ok {
				d.RequiredBy = append(d.RequiredBy, n.ID.Name)
			}
		}
	}
	for _, n := range g.Nodes {
		sort.Strings(n.RequiredBy)
	}
}

// FromLock rebuilds a graph from a lockfile when it still satisfies the
// manifest: every manifest constraint admits the pinned version and the
// pinned closure is complete. Returns false when a fresh resolve is needed.
func FromLock(m *manifest.Manifest, lock *lockfile.Lockfile) (*Graph, bool) {
	if lock == nil {
		return nil, false
	}
	deps, err := m.SortedDependencies()
	if err != nil {
		return nil, false
	}

	pinned := make(map[string]*lockfile.Package, len(lock.Packages))
	for i := range lock.Packages {
		p := &lock.Packages[i]
		if _, dup := pinned[p.Name]; dup {
			return nil, false
		}
		pinned[p.Name] = p
	}

	for _, dep := range deps {
		p, ok := pinned[dep.Name]
		if !ok {
			return nil, false
		}
		v, err := semver.NewVersion(p.Version)
		if err != nil || !dep.Range.Check(v) {
			return nil, false
		}
	}

	// The closure must be closed: every pinned edge points at a pinned
	// entry with the exact version.
	for _, p := range pinned {
		for _, ref := range p.Dependencies {
			id, err := lockfile.ParseDependencyRef(ref)
			if err != nil {
				return nil, false
			}
			target, ok := pinned[id.Name]
			if !ok || target.Version != id.Version {
				return nil, false
			}
		}
	}

	// And rooted: an entry no longer reachable from the manifest's
	// dependencies means a dependency was removed, so a fresh resolve
	// must drop it.
	reach := make(map[string]bool, len(pinned))
	var frontier []string
	for _, dep := range deps {
		frontier = append(frontier, dep.Name)
	}
	for len(frontier) > 0 {
		name := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if reach[name] {
			continue
		}
		reach[name] = true
		for _, ref := range pinned[name].Dependencies {
			id, _ := lockfile.ParseDependencyRef(ref)
			frontier = append(frontier, id.Name)
		}
	}
	if len(reach) != len(pinned) {
		return nil, false
	}

	g := &Graph{Root: m.ID(), Nodes: make(map[string]*Node, len(pinned))}
	for name, p := range pinned {
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			return nil, false
		}
		node := &Node{
			ID:      p.ID(),
			Version: v,
			Meta: &registry.VersionMeta{
				Version:     p.Version,
				DownloadURL: p.Resolved,
				ContentHash: p.ContentHash,
			},
		}
		for _, ref := range p.Dependencies {
			id, _ := lockfile.ParseDependencyRef(ref)
			node.Requires = append(node.Requires, id.Name)
			node.Meta.Dependencies = append(node.Meta.Dependencies, registry.Dependency{Name: id.Name})
		}
		if mod := firstModule(p); mod != nil {
			node.Meta.Abi = mod.Abi
		}
		g.Nodes[name] = node
	}
	g.linkEdges()
	for _, dep := range deps {
		if n, ok := g.Nodes[dep.Name]; ok {
			n.RequiredBy = insertSorted(n.RequiredBy, m.Package.Name)
		}
	}
	return g, true
}

func firstModule(p *lockfile.Package) *lockfile.Module {
	if len(p.Modules) == 0 {
		return nil
	}
	return &p.Modules[0]
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

// Fingerprint summarizes a graph for change detection in logs.
func (g *Graph) Fingerprint() string {
	ids := g.IDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return fmt.Sprintf("%d packages: %v", len(ids), out)
}
