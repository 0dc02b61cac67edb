package resolver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/john-sharratt/wapm-cli/internal/lockfile"
	"github.com/john-sharratt/wapm-cli/internal/manifest"
	"github.com/john-sharratt/wapm-cli/internal/registry"
)

type fakeSource struct {
	entries map[string]*registry.Entry
	calls   map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{entries: make(map[string]*registry.Entry), calls: make(map[string]int)}
}

func (f *fakeSource) PackageVersions(ctx context.Context, name string) (*registry.Entry, error) {
	f.calls[name]++
	e, ok := f.entries[name]
	if !ok {
		return nil, fmt.Errorf("package %q: %w", name, registry.ErrNotFound)
	}
	return e, nil
}

func (f *fakeSource) add(name string, versions ...registry.VersionMeta) {
	f.entries[name] = &registry.Entry{Name: name, Versions: versions}
}

func ver(v string, deps ...registry.Dependency) registry.VersionMeta {
	return registry.VersionMeta{
		Version:      v,
		DownloadURL:  "https://cdn.example/" + v + ".tar.gz",
		ContentHash:  "sha256:" + v,
		Dependencies: deps,
	}
}

func dep(name, rng string) registry.Dependency {
	return registry.Dependency{Name: name, Range: rng}
}

func testManifest(deps map[string]string) *manifest.Manifest {
	return &manifest.Manifest{
		Package:      manifest.Package{Name: "test/app", Version: "0.1.0"},
		Dependencies: deps,
	}
}

func mustResolve(t *testing.T, m *manifest.Manifest, src Source) *Graph {
	t.Helper()
	g, err := Resolve(context.Background(), m, src)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return g
}

func versionOf(t *testing.T, g *Graph, name string) string {
	t.Helper()
	n, ok := g.Node(name)
	if !ok {
		t.Fatalf("node %q missing from graph", name)
	}
	return n.ID.Version
}

func TestResolvePicksNewestSatisfying(t *testing.T) {
	src := newFakeSource()
	src.add("test/x", ver("1.0.0"), ver("1.2.0"), ver("2.0.0"))

	g := mustResolve(t, testManifest(map[string]string{"test/x": ">=1.0.0, <2.0.0"}), src)
	if got := versionOf(t, g, "test/x"); got != "1.2.0" {
		t.Fatalf("expected 1.2.0, got %s", got)
	}

	// A newly published in-range version wins the next fresh resolve.
	src.add("test/x", ver("1.0.0"), ver("1.2.0"), ver("1.3.0"), ver("2.0.0"))
	g = mustResolve(t, testManifest(map[string]string{"test/x": ">=1.0.0, <2.0.0"}), src)
	if got := versionOf(t, g, "test/x"); got != "1.3.0" {
		t.Fatalf("expected 1.3.0 after publish, got %s", got)
	}
}

func TestResolveTransitiveClosure(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("1.0.0", dep("test/b", "^2.0")))
	src.add("test/b", ver("2.1.0", dep("test/c", "~3.2")))
	src.add("test/c", ver("3.2.4"), ver("3.3.0"))

	g := mustResolve(t, testManifest(map[string]string{"test/a": "^1.0"}), src)
	if len(g.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(g.Nodes))
	}
	if got := versionOf(t, g, "test/c"); got != "3.2.4" {
		t.Errorf("expected ~3.2 to pin 3.2.4, got %s", got)
	}
	b, _ := g.Node("test/b")
	if !reflect.DeepEqual(b.Requires, []string{"test/c"}) {
		t.Errorf("unexpected requires for b: %v", b.Requires)
	}
	if !reflect.DeepEqual(b.RequiredBy, []string{"test/a"}) {
		t.Errorf("unexpected requiredBy for b: %v", b.RequiredBy)
	}
	a, _ := g.Node("test/a")
	if !reflect.DeepEqual(a.RequiredBy, []string{"test/app"}) {
		t.Errorf("root edge missing: %v", a.RequiredBy)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("1.0.0", dep("test/shared", ">=1.0")))
	src.add("test/b", ver("1.0.0", dep("test/shared", ">=1.0")))
	src.add("test/shared", ver("1.0.0"), ver("1.4.2"), ver("1.4.0"))

	m := testManifest(map[string]string{"test/a": "*", "test/b": "*"})
	first := mustResolve(t, m, src).IDs()
	for i := 0; i < 10; i++ {
		if got := mustResolve(t, m, src).IDs(); !reflect.DeepEqual(got, first) {
			t.Fatalf("resolution differed on run %d: %v vs %v", i, got, first)
		}
	}
	if versionOf(t, mustResolve(t, m, src), "test/shared") != "1.4.2" {
		t.Errorf("shared should pin newest 1.4.2")
	}
}

func TestResolveConflictReportsBothRequirers(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("1.0.0", dep("test/c", "=1.0.0")))
	src.add("test/b", ver("1.0.0", dep("test/c", "=2.0.0")))
	src.add("test/c", ver("1.0.0"), ver("2.0.0"))

	_, err := Resolve(context.Background(), testManifest(map[string]string{"test/a": "*", "test/b": "*"}), src)
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Fatalf("expected ErrUnsatisfiable, got %v", err)
	}
	var ue *UnsatisfiableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnsatisfiableError, got %T", err)
	}
	if ue.Name != "test/c" {
		t.Errorf("conflict should name test/c, got %q", ue.Name)
	}
	if ue.Requirer != "test/b" || ue.PinnedBy != "test/a" {
		t.Errorf("conflict should name both requirers: %+v", ue)
	}
	if ue.Pinned != "1.0.0" || ue.Range != "=2.0.0" {
		t.Errorf("conflict versions wrong: %+v", ue)
	}
}

func TestResolveBacktracksToOlderCandidate(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("2.0.0", dep("test/c", "^2.0")), ver("1.0.0", dep("test/c", "^1.0")))
	src.add("test/b", ver("1.0.0", dep("test/c", "^1.0")))
	src.add("test/c", ver("2.0.0"), ver("1.0.0"))

	g := mustResolve(t, testManifest(map[string]string{"test/a": "*", "test/b": "*"}), src)
	if got := versionOf(t, g, "test/a"); got != "1.0.0" {
		t.Fatalf("expected backtrack to a 1.0.0, got %s", got)
	}
	if got := versionOf(t, g, "test/c"); got != "1.0.0" {
		t.Fatalf("expected c 1.0.0, got %s", got)
	}
}

func TestResolveCycleFails(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("1.0.0", dep("test/b", "^1.0")))
	src.add("test/b", ver("1.0.0", dep("test/a", "^1.0")))

	_, err := Resolve(context.Background(), testManifest(map[string]string{"test/a": "^1.0"}), src)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %T", err)
	}
	if len(ce.Path) < 3 || ce.Path[0] != ce.Path[len(ce.Path)-1] {
		t.Errorf("cycle path should start and end at the same name: %v", ce.Path)
	}
}

func TestResolveQueriesEachNameOnce(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("1.0.0", dep("test/shared", "^1.0")))
	src.add("test/b", ver("1.0.0", dep("test/shared", "^1.0")))
	src.add("test/shared", ver("1.0.0"), ver("1.1.0"))

	mustResolve(t, testManifest(map[string]string{"test/a": "*", "test/b": "*"}), src)
	for name, n := range src.calls {
		if n != 1 {
			t.Errorf("%s queried %d times", name, n)
		}
	}
}

func TestResolveUnknownPackage(t *testing.T) {
	src := newFakeSource()
	_, err := Resolve(context.Background(), testManifest(map[string]string{"test/ghost": "^1.0"}), src)
	var ue *UnsatisfiableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnsatisfiableError, got %v", err)
	}
	if ue.Name != "test/ghost" || len(ue.Available) != 0 {
		t.Errorf("unexpected conflict: %+v", ue)
	}
}

func TestResolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := newFakeSource()
	src.add("test/a", ver("1.0.0"))
	_, err := Resolve(ctx, testManifest(map[string]string{"test/a": "*"}), src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func lockFor(g *Graph) *lockfile.Lockfile {
	l := &lockfile.Lockfile{}
	for _, n := range g.SortedNodes() {
		p := lockfile.Package{
			Name:        n.ID.Name,
			Version:     n.ID.Version,
			Resolved:    n.Meta.DownloadURL,
			ContentHash: n.Meta.ContentHash,
		}
		for _, d := range n.Meta.Dependencies {
			if target, ok := g.Nodes[d.Name]; ok {
				p.Dependencies = append(p.Dependencies, lockfile.DependencyRef(target.ID))
			}
		}
		l.Packages = append(l.Packages, p)
	}
	return l
}

func TestFromLockReuse(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("1.2.0", dep("test/b", "^1.0")))
	src.add("test/b", ver("1.0.0"))

	m := testManifest(map[string]string{"test/a": "^1.0"})
	lock := lockFor(mustResolve(t, m, src))

	g, ok := FromLock(m, lock)
	if !ok {
		t.Fatalf("lockfile should be reusable")
	}
	if got := versionOf(t, g, "test/a"); got != "1.2.0" {
		t.Errorf("expected pinned 1.2.0, got %s", got)
	}

	// A manifest change that the pins no longer satisfy forces a fresh
	// resolve.
	if _, ok := FromLock(testManifest(map[string]string{"test/a": "^2.0"}), lock); ok {
		t.Errorf("stale lockfile must not be reused")
	}

	// A missing transitive pin breaks closure.
	broken := &lockfile.Lockfile{Packages: lock.Packages[:1]}
	if _, ok := FromLock(m, broken); ok {
		t.Errorf("open closure must not be reused")
	}

	// A locked package no longer reachable from the manifest means a
	// dependency was removed; reuse would keep installing the orphan.
	orphaned := &lockfile.Lockfile{Packages: append([]lockfile.Package{}, lock.Packages...)}
	orphaned.Packages = append(orphaned.Packages, lockfile.Package{
		Name:        "test/gone",
		Version:     "1.0.0",
		Resolved:    "https://cdn.example/gone.tar.gz",
		ContentHash: "sha256:gone",
	})
	if _, ok := FromLock(m, orphaned); ok {
		t.Errorf("orphaned lock entry must force a fresh resolve")
	}
}

func TestResolveWithLockSkipsRegistry(t *testing.T) {
	src := newFakeSource()
	src.add("test/a", ver("1.2.0", dep("test/b", "^1.0")))
	src.add("test/b", ver("1.0.0"))

	m := testManifest(map[string]string{"test/a": "^1.0"})
	lock := lockFor(mustResolve(t, m, src))

	fresh := newFakeSource()
	g, reused, err := ResolveWithLock(context.Background(), m, lock, fresh)
	if err != nil {
		t.Fatalf("ResolveWithLock failed: %v", err)
	}
	if !reused {
		t.Fatalf("expected lockfile reuse")
	}
	if len(fresh.calls) != 0 {
		t.Errorf("lockfile reuse must not query the registry: %v", fresh.calls)
	}
	if got := versionOf(t, g, "test/b"); got != "1.0.0" {
		t.Errorf("unexpected b version %s", got)
	}

	// Newer publishes do not disturb a satisfied lockfile.
	fresh.add("test/a", ver("1.9.0"))
	g, reused, err = ResolveWithLock(context.Background(), m, lock, fresh)
	if err != nil || !reused {
		t.Fatalf("expected reuse, got reused=%v err=%v", reused, err)
	}
	if got := versionOf(t, g, "test/a"); got != "1.2.0" {
		t.Errorf("lockfile reuse must keep 1.2.0, got %s", got)
	}
}
