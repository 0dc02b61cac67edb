// Package main provides the wapm CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/john-sharratt/wapm-cli/internal/config"
	"github.com/john-sharratt/wapm-cli/internal/installer"
	"github.com/john-sharratt/wapm-cli/internal/lockfile"
	"github.com/john-sharratt/wapm-cli/internal/manifest"
	"github.com/john-sharratt/wapm-cli/internal/pack"
	"github.com/john-sharratt/wapm-cli/internal/registry"
	"github.com/john-sharratt/wapm-cli/internal/resolver"
	"github.com/john-sharratt/wapm-cli/internal/store"
	"github.com/john-sharratt/wapm-cli/internal/verify"
)

// Version is the current wapm CLI version.
var Version = "0.5.9"

var rootCmd = &cobra.Command{
	Use:   "wapm",
	Short: "wapm - package manager for WebAssembly modules",
	Long: `wapm installs and verifies packages of binary WebAssembly modules
from a wapm registry.

Dependencies are declared in wapm.toml, pinned in wapm.lock, and
materialized under wapm_packages/. Every fetched archive lands in a
content-addressed local store and is checked against its content hash,
and against the registry's pinned minisign key when one is trusted,
before anything is unpacked.`,
	Version: Version,
}

var installCmd = &cobra.Command{
	Use:   "install [package...]",
	Short: "Install dependencies from the manifest, or add new ones",
	Long: `Install resolves the dependency graph and materializes it under
wapm_packages/.

With no arguments, it installs everything wapm.toml declares, reusing
wapm.lock when it still satisfies the manifest.

With package arguments, it adds them to the manifest first:

  wapm install syrusakbary/cowsay          # latest version
  wapm install syrusakbary/cowsay@^0.2     # constrained
  wapm install -g syrusakbary/cowsay       # into the global directory

Global installs never touch a project manifest; they maintain their own
lockfile under the wasmer data directory.`,
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <package>",
	Short: "Remove an installed package",
	Args:  cobra.ExactArgs(1),
	RunE:  runUninstall,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	RunE:  runList,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Fetch and verify the dependency graph without installing",
	Long: `Verify resolves the manifest, downloads every archive that is not
already cached, and checks hashes and signatures. Nothing is written to
wapm_packages/ and the lockfile is untouched.`,
	RunE: runVerify,
}

var whichCmd = &cobra.Command{
	Use:   "which <command>",
	Short: "Show which package provides a command",
	Long: `Which looks a command up in the project lockfile, then the global
one, then the registry:

  wapm which cowsay

For installed commands it prints the module path that backs them.`,
	Args: cobra.ExactArgs(1),
	RunE: runWhich,
}

var packCmd = &cobra.Command{
	Use:   "pack [dir]",
	Short: "Build a publishable package archive",
	Long: `Pack archives the project directory into a tar.gz with the layout
the installer unpacks. Paths matched by .wapmignore patterns stay out;
wapm.toml and every module source always ship. The archive bytes are
deterministic, so the printed content hash is stable for a given tree.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPack,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a wapm.toml in the current directory",
	RunE:  runInit,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the registry user the configured token belongs to",
	RunE:  runWhoami,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write the global configuration",
	Long: `The global configuration lives in wapm.toml under the wasmer data
directory ($WASMER_DIR, default ~/.wasmer). Keys:

  ` + strings.Join(config.Keys(), "\n  "),
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage trusted registry signing keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pinned signing keys",
	RunE:  runKeysList,
}

var keysTrustCmd = &cobra.Command{
	Use:   "trust <public-key>",
	Short: "Pin a minisign public key for a registry",
	Long: `Trust pins a minisign public key. The argument is either the raw
base64 key or the path of a minisign .pub file. Once a key is pinned,
packages from that registry must carry a valid signature; unsigned or
tampered archives are rejected regardless of trust.allow_unsigned.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysTrust,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Remove the pinned key for a registry",
	RunE:  runKeysRevoke,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and repair the local package store",
}

var cacheDirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Print the cache directory",
	RunE:  runCacheDir,
}

var cacheCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check store integrity",
	RunE:  runCacheCheck,
}

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the cache index from the blobs on disk",
	Long: `Rebuild rescans the blob directory, drops anything whose bytes no
longer match its digest, and rewrites the cache index to match. Install
records are restored from the global and current-project lockfiles. An
unreadable database file is recreated from scratch. Use it after
'wapm cache check' reports corruption.`,
	RunE: runCacheRebuild,
}

var (
	installGlobal   bool
	uninstallGlobal bool
	listGlobal      bool
	verifyGlobal    bool
	packOut         string
	initName        string
	keysRegistry    string
)

func init() {
	installCmd.Flags().BoolVarP(&installGlobal, "global", "g", false, "Install into the global package directory")
	uninstallCmd.Flags().BoolVarP(&uninstallGlobal, "global", "g", false, "Uninstall from the global package directory")
	listCmd.Flags().BoolVarP(&listGlobal, "global", "g", false, "List the global package directory")
	verifyCmd.Flags().BoolVarP(&verifyGlobal, "global", "g", false, "Verify the global package directory")
	packCmd.Flags().StringVarP(&packOut, "out", "o", ".", "Directory to write the archive to")
	initCmd.Flags().StringVar(&initName, "name", "", "Package name (default: derived from the directory name)")
	keysTrustCmd.Flags().StringVar(&keysRegistry, "registry", "", "Registry the key belongs to (default: the configured registry)")
	keysRevokeCmd.Flags().StringVar(&keysRegistry, "registry", "", "Registry to revoke the key for (default: the configured registry)")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysTrustCmd)
	keysCmd.AddCommand(keysRevokeCmd)

	cacheCmd.AddCommand(cacheDirCmd)
	cacheCmd.AddCommand(cacheCheckCmd)
	cacheCmd.AddCommand(cacheRebuildCmd)

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(whichCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ----- install / uninstall -----

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	target, err := s.targetDir(installGlobal)
	if err != nil {
		return err
	}

	lock, err := loadLockfile(target)
	if err != nil {
		return err
	}

	var m *manifest.Manifest
	var saveManifest bool
	if installGlobal {
		if len(args) == 0 && lock == nil {
			fmt.Println("No global packages to install.")
			return nil
		}
		m, err = globalManifest(lock, args)
		if err != nil {
			return err
		}
	} else {
		m, err = manifest.Load(target)
		if errors.Is(err, manifest.ErrNotFound) {
			return fmt.Errorf("no %s in %s; run 'wapm init' first", manifest.Filename, target)
		}
		if err != nil {
			return err
		}
		if len(args) > 0 {
			if err := addDependencies(m, args); err != nil {
				return err
			}
			saveManifest = true
		}
	}

	client, err := s.client()
	if err != nil {
		return err
	}
	g, reused, err := resolver.ResolveWithLock(ctx, m, lock, client)
	if err != nil {
		return err
	}

	report, err := s.installer(client).Install(ctx, target, g)
	if err != nil {
		return err
	}
	if saveManifest {
		if err := m.Save(target); err != nil {
			return err
		}
	}

	if reused {
		fmt.Printf("Installed %d packages from %s (all pinned)\n", len(g.Nodes), lockfile.Filename)
	} else {
		fmt.Printf("Installed %d packages (%d fetched, %d from cache)\n",
			len(g.Nodes), len(report.Installed), len(report.Reused))
	}
	fmt.Printf("Packages are in %s\n", filepath.Join(target, installer.PackagesDir))
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	target, err := s.targetDir(uninstallGlobal)
	if err != nil {
		return err
	}
	name := manifest.NormalizeName(args[0])

	inst := installer.New(installer.Options{Store: s.store, Logger: s.logger("install")})
	if err := inst.Uninstall(target, name); err != nil {
		if errors.Is(err, installer.ErrNotInstalled) {
			return fmt.Errorf("package %q is not installed", name)
		}
		return err
	}

	if !uninstallGlobal {
		if m, err := manifest.Load(target); err == nil {
			if _, ok := m.Dependencies[name]; ok {
				delete(m.Dependencies, name)
				if err := m.Save(target); err != nil {
					return err
				}
			}
		}
	}

	fmt.Printf("Uninstalled %s\n", name)
	return nil
}

// ----- list / verify / which -----

func runList(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	target, err := s.targetDir(listGlobal)
	if err != nil {
		return err
	}
	lock, err := loadLockfile(target)
	if err != nil {
		return err
	}
	if lock == nil || len(lock.Packages) == 0 {
		fmt.Println("No packages installed.")
		return nil
	}

	fmt.Printf("%-40s  %-12s  %-10s  %s\n", "PACKAGE", "VERSION", "STATUS", "COMMANDS")
	for i := range lock.Packages {
		p := &lock.Packages[i]
		names := make([]string, len(p.Commands))
		for j, c := range p.Commands {
			names[j] = c.Name
		}
		status := p.Signature
		if status == "" {
			status = lockfile.SignatureUnsigned
		}
		fmt.Printf("%-40s  %-12s  %-10s  %s\n", p.Name, p.Version, status, strings.Join(names, ", "))
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	target, err := s.targetDir(verifyGlobal)
	if err != nil {
		return err
	}
	lock, err := loadLockfile(target)
	if err != nil {
		return err
	}

	var m *manifest.Manifest
	if verifyGlobal {
		if lock == nil {
			fmt.Println("No global packages to verify.")
			return nil
		}
		m, err = globalManifest(lock, nil)
		if err != nil {
			return err
		}
	} else {
		m, err = manifest.Load(target)
		if err != nil {
			return err
		}
	}

	client, err := s.client()
	if err != nil {
		return err
	}
	g, _, err := resolver.ResolveWithLock(ctx, m, lock, client)
	if err != nil {
		return err
	}

	report, err := s.installer(client).VerifyOnly(ctx, g)
	if err != nil {
		return err
	}
	fmt.Printf("Verified %d packages (%d fetched, %d already cached)\n",
		len(g.Nodes), len(report.Installed), len(report.Reused))
	return nil
}

func runWhich(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	command := args[0]

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	for _, dir := range []string{cwd, config.GlobalsDir(s.dataDir)} {
		lock, err := loadLockfile(dir)
		if err != nil {
			return err
		}
		if lock == nil {
			// A manifest without a lockfile means the project was never
			// installed; its commands cannot be looked up yet.
			if dir == cwd {
				if _, merr := manifest.Load(dir); merr == nil {
					return fmt.Errorf("%s exists but %s is missing; run 'wapm install' first", manifest.Filename, lockfile.Filename)
				}
			}
			continue
		}
		if p, c, ok := lock.CommandFor(command); ok {
			printLocalCommand(dir, p, c)
			return nil
		}
	}

	client, err := s.client()
	if err != nil {
		return err
	}
	tgt, err := client.PackageByCommand(ctx, command)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("command %q was not found locally or on %s", command, client.BaseURL())
		}
		return err
	}
	fmt.Printf("%s is provided by %s (module %s), not installed\n", command, tgt.Package, tgt.Module)
	fmt.Printf("Run 'wapm install %s' to install it\n", tgt.Package.Name)
	return nil
}

func printLocalCommand(dir string, p *lockfile.Package, c *lockfile.Command) {
	fmt.Printf("%s is provided by %s\n", c.Name, p.ID())
	if mod, ok := p.ModuleFor(c.Module); ok {
		path := filepath.Join(installer.InstallPath(dir, p.ID()), filepath.FromSlash(mod.Entry))
		fmt.Printf("module: %s\n", path)
		if mod.Abi != "" {
			fmt.Printf("abi: %s\n", mod.Abi)
		}
	}
}

// ----- pack / init -----

func runPack(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	res, err := pack.Build(dir, packOut)
	if err != nil {
		return err
	}
	fmt.Printf("Packed %d files into %s\n", len(res.Files), res.Path)
	fmt.Printf("size: %d bytes\n", res.Size)
	fmt.Printf("hash: %s\n", res.ContentHash)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(cwd, manifest.Filename)); err == nil {
		return fmt.Errorf("%s already exists", manifest.Filename)
	}

	name := initName
	if name == "" {
		name = packageNameFromDir(cwd)
	}
	name = manifest.NormalizeName(name)
	if !manifest.ValidName(name) {
		return fmt.Errorf("%q is not a valid package name", name)
	}

	m := &manifest.Manifest{Package: manifest.Package{Name: name, Version: "0.1.0"}}
	if err := m.Save(cwd); err != nil {
		return err
	}
	fmt.Printf("Created %s for %s\n", manifest.Filename, name)
	return nil
}

// packageNameFromDir derives a usable package name from a directory name.
func packageNameFromDir(dir string) string {
	base := strings.ToLower(filepath.Base(dir))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-.")
	if name == "" {
		name = "package"
	}
	return name
}

// ----- whoami / config / keys / cache -----

func runWhoami(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := s.client()
	if err != nil {
		return err
	}
	user, err := client.Viewer(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s (on %s)\n", user, client.BaseURL())
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	dataDir, err := config.Dir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}
	value, err := cfg.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	dataDir, err := config.Dir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}
	if err := cfg.Set(args[0], args[1]); err != nil {
		return err
	}
	if err := config.Save(dataDir, cfg); err != nil {
		return err
	}
	fmt.Printf("Set %s\n", args[0])
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	keys, err := s.store.Keys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No trusted keys.")
		return nil
	}
	fmt.Printf("%-40s  %s\n", "REGISTRY", "PUBLIC KEY")
	for _, k := range keys {
		fmt.Printf("%-40s  %s\n", k.Registry, k.PublicKey)
	}
	return nil
}

func runKeysTrust(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	key := args[0]
	if data, err := os.ReadFile(key); err == nil {
		key = strings.TrimSpace(string(data))
	}
	if _, err := verify.ParsePublicKey(key); err != nil {
		return fmt.Errorf("not a minisign public key: %w", err)
	}

	reg := s.registryForKeys()
	if err := s.store.TrustKey(reg, key); err != nil {
		return err
	}
	fmt.Printf("Trusted key for %s\n", reg)
	fmt.Println("Unsigned packages from this registry will now be rejected.")
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	reg := s.registryForKeys()
	if err := s.store.RevokeKey(reg); err != nil {
		return err
	}
	fmt.Printf("Revoked key for %s\n", reg)
	return nil
}

func runCacheDir(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Println(filepath.Dir(s.store.BlobDir()))
	return nil
}

func runCacheCheck(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.store.Check(); err != nil {
		var corrupt *store.CorruptionError
		if errors.As(err, &corrupt) {
			for _, p := range corrupt.Problems {
				fmt.Printf("  %s\n", p)
			}
			return fmt.Errorf("store is corrupted; run 'wapm cache rebuild'")
		}
		return err
	}
	fmt.Println("Store is clean.")
	return nil
}

func runCacheRebuild(cmd *cobra.Command, args []string) error {
	dataDir, err := config.Dir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}

	st, err := store.Open(dataDir)
	if errors.Is(err, store.ErrCorrupted) {
		// The database itself is unreadable. Start it over; the blobs
		// and lockfiles on disk carry everything needed to rebuild.
		fmt.Println("Store database is unreadable, recreating it.")
		dbPath := filepath.Join(dataDir, store.DBFilename)
		if err := os.Remove(dbPath); err != nil {
			return fmt.Errorf("removing unreadable database: %w", err)
		}
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
		st, err = store.Open(dataDir)
	}
	if err != nil {
		return err
	}
	s := &session{cfg: cfg, dataDir: dataDir, store: st}
	defer s.Close()

	n, err := st.Rebuild(cmd.Context())
	if err != nil {
		return err
	}

	inst := installer.New(installer.Options{Store: st, Logger: s.logger("cache")})
	restored, err := inst.Reindex(config.GlobalsDir(dataDir))
	if err != nil {
		return err
	}
	if wd, err := os.Getwd(); err == nil {
		more, err := inst.Reindex(wd)
		if err != nil {
			return err
		}
		restored += more
	}

	fmt.Printf("Rebuilt cache index: %d blobs kept, %d install records restored\n", n, restored)
	return nil
}

// ----- shared plumbing -----

// session bundles the pieces nearly every command needs: the global
// config, the data directory, and an open store.
type session struct {
	cfg     *config.Config
	dataDir string
	store   *store.Store
}

func openSession() (*session, error) {
	dataDir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dataDir)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, dataDir: dataDir, store: st}, nil
}

func (s *session) Close() error { return s.store.Close() }

func (s *session) logger(prefix string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: prefix})
	if lvl, err := log.ParseLevel(s.cfg.Log.Level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

func (s *session) client() (*registry.Client, error) {
	opts := []registry.Option{registry.WithLogger(s.logger("registry"))}
	if s.cfg.Registry.Token != "" {
		opts = append(opts, registry.WithToken(s.cfg.Registry.Token))
	}
	if s.cfg.Proxy.URL != "" {
		opts = append(opts, registry.WithProxy(s.cfg.Proxy.URL))
	}
	return registry.New(s.cfg.Registry.URL, opts...)
}

func (s *session) installer(client *registry.Client) *installer.Installer {
	return installer.New(installer.Options{
		Store:       s.store,
		Source:      client,
		Verifier:    &verify.Verifier{AllowUnsigned: s.cfg.Trust.AllowUnsigned},
		Logger:      s.logger("install"),
		Parallelism: s.cfg.Install.Parallelism,
		StrictAbi:   s.cfg.Abi.Strict,
	})
}

// targetDir returns the directory installs operate on: the current
// working directory, or the globals directory with -g.
func (s *session) targetDir(global bool) (string, error) {
	if global {
		dir := config.GlobalsDir(s.dataDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating globals directory: %w", err)
		}
		return dir, nil
	}
	return os.Getwd()
}

// registryForKeys canonicalizes the registry a key operation applies to,
// matching how the client reports its base URL.
func (s *session) registryForKeys() string {
	reg := keysRegistry
	if reg == "" {
		reg = s.cfg.Registry.URL
	}
	return strings.TrimSuffix(reg, "/")
}

// loadLockfile reads dir's lockfile, mapping "none" to nil.
func loadLockfile(dir string) (*lockfile.Lockfile, error) {
	lock, err := lockfile.Load(dir)
	if errors.Is(err, lockfile.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// addDependencies merges "name[@range]" arguments into the manifest.
func addDependencies(m *manifest.Manifest, args []string) error {
	if m.Dependencies == nil {
		m.Dependencies = make(map[string]string, len(args))
	}
	for _, arg := range args {
		name, rng := splitPackageArg(arg)
		name = manifest.NormalizeName(name)
		if !manifest.ValidName(name) {
			return fmt.Errorf("%q is not a valid package name", name)
		}
		if _, err := semver.NewConstraint(rng); err != nil {
			return fmt.Errorf("bad version range %q for %s: %w", rng, name, err)
		}
		m.Dependencies[name] = rng
	}
	return nil
}

// splitPackageArg splits "name[@range]"; a bare name means any version.
func splitPackageArg(arg string) (name, rng string) {
	if i := strings.LastIndex(arg, "@"); i > 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, "*"
}

// globalManifest synthesizes the manifest the globals directory is
// resolved against: every explicitly installed package stays a root so
// one 'install -g' never drops another's packages from the lockfile.
func globalManifest(lock *lockfile.Lockfile, args []string) (*manifest.Manifest, error) {
	m := &manifest.Manifest{
		Package:      manifest.Package{Name: manifest.GlobalNamespace + "/globals", Version: "0.0.0"},
		Dependencies: make(map[string]string),
	}
	for _, name := range lockfileRoots(lock) {
		m.Dependencies[name] = "*"
	}
	// Args override the open ranges with whatever was requested.
	if err := addDependencies(m, args); err != nil {
		return nil, err
	}
	return m, nil
}

// lockfileRoots returns the locked packages nothing else depends on.
func lockfileRoots(lock *lockfile.Lockfile) []string {
	if lock == nil {
		return nil
	}
	depended := make(map[string]bool)
	for i := range lock.Packages {
		for _, ref := range lock.Packages[i].Dependencies {
			if id, err := lockfile.ParseDependencyRef(ref); err == nil {
				depended[id.Name] = true
			}
		}
	}
	var roots []string
	for i := range lock.Packages {
		if !depended[lock.Packages[i].Name] {
			roots = append(roots, lock.Packages[i].Name)
		}
	}
	return roots
}
