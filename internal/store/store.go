// Package store provides the SQLite-backed local store: installed package
// records, the content-addressed archive cache, pinned registry keys, and
// in-flight fetch marks shared between processes.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/john-sharratt/wapm-cli/internal/verify"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// DBFilename is the store database file under the data directory.
const DBFilename = "wapm.sqlite"

// fetchTTL is how long an in-flight fetch mark is honored before it is
// considered abandoned by a dead process.
const fetchTTL = 15 * time.Minute

var (
	ErrNotCached    = errors.New("archive not cached")
	ErrNotInstalled = errors.New("package not installed")
	ErrCorrupted    = errors.New("store corrupted")
)

// CorruptionError wraps ErrCorrupted with what the integrity pass found.
type CorruptionError struct {
	Problems []string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store corrupted: %s", strings.Join(e.Problems, "; "))
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }

// InstalledPackage is one record in the installed package index.
type InstalledPackage struct {
	Name        string
	Version     string
	ContentHash string
	InstallPath string
	Abi         string
	InstalledAt int64
}

// CacheEntry describes one verified archive in the content-addressed cache.
type CacheEntry struct {
	ContentHash     string
	Path            string
	Size            int64
	SignatureStatus string
	VerifiedAt      int64
}

// TrustedKey is a minisign public key pinned for a registry URL.
type TrustedKey struct {
	Registry  string
	PublicKey string
	AddedAt   int64
}

// Store wraps the SQLite connection and the cache directories under the
// data directory. Write transactions are serialized.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex
	root string
}

// Open opens or creates the store under the given data directory.
func Open(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{root, s.BlobDir(), s.UnpackDir(), s.TempDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", filepath.Join(root, DBFilename))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	s.conn = conn

	// A database file that cannot take the pragmas or schema is
	// unreadable, which callers treat as corruption they can rebuild
	// away from.
	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, &CorruptionError{Problems: []string{fmt.Sprintf("applying pragma %q: %v", pragma, err)}}
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, &CorruptionError{Problems: []string{fmt.Sprintf("applying schema: %v", err)}}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Root returns the data directory the store was opened under.
func (s *Store) Root() string { return s.root }

// BlobDir is where verified archives live, named by content hash.
func (s *Store) BlobDir() string { return filepath.Join(s.root, "cache", "blobs") }

// UnpackDir is where unpacked archives live, one directory per hash.
func (s *Store) UnpackDir() string { return filepath.Join(s.root, "cache", "unpacked") }

// TempDir holds in-progress downloads. It shares a filesystem with the
// blob directory so admission is a rename.
func (s *Store) TempDir() string { return filepath.Join(s.root, "cache", "tmp") }

// BlobPath returns where the archive for a content hash belongs.
func (s *Store) BlobPath(contentHash string) (string, error) {
	name, err := hashHex(contentHash)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.BlobDir(), name), nil
}

// UnpackPath returns the unpacked directory for a content hash.
func (s *Store) UnpackPath(contentHash string) (string, error) {
	name, err := hashHex(contentHash)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.UnpackDir(), name), nil
}

// ----- Installed packages -----

// RecordInstall upserts an installed package record. Re-recording an
// existing install refreshes the content columns but keeps the original
// install time, so an idempotent reinstall leaves the row unchanged.
func (s *Store) RecordInstall(p *InstalledPackage) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO installed_packages (name, version, content_hash, install_path, abi, installed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name, version) DO UPDATE SET content_hash=excluded.content_hash, install_path=excluded.install_path, abi=excluded.abi`,
			p.Name, p.Version, p.ContentHash, p.InstallPath, p.Abi, nowMs(),
		)
		if err != nil {
			return fmt.Errorf("recording install: %w", err)
		}
		return nil
	})
}

// RemoveInstall deletes an installed package record. Removing a record
// that does not exist is not an error.
func (s *Store) RemoveInstall(name, version string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM installed_packages WHERE name = ? AND version = ?`, name, version,
		); err != nil {
			return fmt.Errorf("removing install: %w", err)
		}
		return nil
	})
}

// Installed retrieves one installed package record.
func (s *Store) Installed(name, version string) (*InstalledPackage, error) {
	var p InstalledPackage
	err := s.conn.QueryRow(
		`SELECT name, version, content_hash, install_path, abi, installed_at
		 FROM installed_packages WHERE name = ? AND version = ?`,
		name, version,
	).Scan(&p.Name, &p.Version, &p.ContentHash, &p.InstallPath, &p.Abi, &p.InstalledAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s@%s: %w", name, version, ErrNotInstalled)
	}
	if err != nil {
		return nil, fmt.Errorf("querying installed package: %w", err)
	}
	return &p, nil
}

// LookupInstalled returns every installed version of a package.
func (s *Store) LookupInstalled(name string) ([]*InstalledPackage, error) {
	return s.queryInstalled(
		`SELECT name, version, content_hash, install_path, abi, installed_at
		 FROM installed_packages WHERE name = ? ORDER BY version`, name)
}

// ListInstalled returns all installed package records.
func (s *Store) ListInstalled() ([]*InstalledPackage, error) {
	return s.queryInstalled(
		`SELECT name, version, content_hash, install_path, abi, installed_at
		 FROM installed_packages ORDER BY name, version`)
}

func (s *Store) queryInstalled(query string, args ...interface{}) ([]*InstalledPackage, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying installed packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*InstalledPackage
	for rows.Next() {
		var p InstalledPackage
		if err := rows.Scan(&p.Name, &p.Version, &p.ContentHash, &p.InstallPath, &p.Abi, &p.InstalledAt); err != nil {
			return nil, fmt.Errorf("scanning installed package: %w", err)
		}
		pkgs = append(pkgs, &p)
	}
	return pkgs, rows.Err()
}

// ----- Archive cache -----

// PlaceBlob moves a verified archive from srcPath into the blob
// directory and returns its cache entry, not yet recorded. srcPath
// should live under TempDir so the move is a rename. Call PutCacheEntry
// once the blob is fully prepared; until then LookupCached keeps
// reporting a miss, so concurrent readers never see a half-ready blob.
func (s *Store) PlaceBlob(srcPath, contentHash, signatureStatus string) (*CacheEntry, error) {
	dest, err := s.BlobPath(contentHash)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(srcPath, dest); err != nil {
		return nil, fmt.Errorf("placing blob: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("placing blob: %w", err)
	}

	return &CacheEntry{
		ContentHash:     contentHash,
		Path:            dest,
		Size:            info.Size(),
		SignatureStatus: signatureStatus,
		VerifiedAt:      nowMs(),
	}, nil
}

// PutCacheEntry upserts a cache entry row.
func (s *Store) PutCacheEntry(e *CacheEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO cache_entries (content_hash, path, size, signature_status, verified_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(content_hash) DO UPDATE SET path=excluded.path, size=excluded.size, signature_status=excluded.signature_status, verified_at=excluded.verified_at`,
			e.ContentHash, e.Path, e.Size, e.SignatureStatus, e.VerifiedAt,
		)
		if err != nil {
			return fmt.Errorf("recording cache entry: %w", err)
		}
		return nil
	})
}

// LookupCached retrieves a cache entry and checks that its blob is still
// present and the recorded size. A missing or resized blob reports
// ErrCorrupted rather than a miss so callers never reuse damaged data.
func (s *Store) LookupCached(contentHash string) (*CacheEntry, error) {
	var e CacheEntry
	err := s.conn.QueryRow(
		`SELECT content_hash, path, size, signature_status, verified_at
		 FROM cache_entries WHERE content_hash = ?`, contentHash,
	).Scan(&e.ContentHash, &e.Path, &e.Size, &e.SignatureStatus, &e.VerifiedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", contentHash, ErrNotCached)
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}

	info, err := os.Stat(e.Path)
	if err != nil {
		return nil, &CorruptionError{Problems: []string{fmt.Sprintf("cache entry %s: blob missing at %s", contentHash, e.Path)}}
	}
	if info.Size() != e.Size {
		return nil, &CorruptionError{Problems: []string{fmt.Sprintf("cache entry %s: blob size %d, recorded %d", contentHash, info.Size(), e.Size)}}
	}
	return &e, nil
}

// ListCache returns all cache entries.
func (s *Store) ListCache() ([]*CacheEntry, error) {
	rows, err := s.conn.Query(
		`SELECT content_hash, path, size, signature_status, verified_at
		 FROM cache_entries ORDER BY content_hash`)
	if err != nil {
		return nil, fmt.Errorf("querying cache entries: %w", err)
	}
	defer rows.Close()

	var entries []*CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.ContentHash, &e.Path, &e.Size, &e.SignatureStatus, &e.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DropCacheEntry removes a cache entry row and its blob and unpacked
// directory. Used to evict corrupted entries before refetching.
func (s *Store) DropCacheEntry(contentHash string) error {
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM cache_entries WHERE content_hash = ?`, contentHash); err != nil {
			return fmt.Errorf("dropping cache entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if path, err := s.BlobPath(contentHash); err == nil {
		os.Remove(path)
	}
	if path, err := s.UnpackPath(contentHash); err == nil {
		os.RemoveAll(path)
	}
	return nil
}

// ----- Trusted keys -----

// TrustKey pins a minisign public key for a registry, replacing any
// previous key.
func (s *Store) TrustKey(registry, publicKey string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO trusted_keys (registry, public_key, added_at) VALUES (?, ?, ?)
			 ON CONFLICT(registry) DO UPDATE SET public_key=excluded.public_key, added_at=excluded.added_at`,
			registry, publicKey, nowMs(),
		)
		if err != nil {
			return fmt.Errorf("pinning key: %w", err)
		}
		return nil
	})
}

// KeyFor returns the key pinned for a registry, or "" when none is.
func (s *Store) KeyFor(registry string) (string, error) {
	var key string
	err := s.conn.QueryRow(
		`SELECT public_key FROM trusted_keys WHERE registry = ?`, registry,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying trusted key: %w", err)
	}
	return key, nil
}

// Keys returns all pinned keys.
func (s *Store) Keys() ([]*TrustedKey, error) {
	rows, err := s.conn.Query(
		`SELECT registry, public_key, added_at FROM trusted_keys ORDER BY registry`)
	if err != nil {
		return nil, fmt.Errorf("querying trusted keys: %w", err)
	}
	defer rows.Close()

	var keys []*TrustedKey
	for rows.Next() {
		var k TrustedKey
		if err := rows.Scan(&k.Registry, &k.PublicKey, &k.AddedAt); err != nil {
			return nil, fmt.Errorf("scanning trusted key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// RevokeKey removes the key pinned for a registry.
func (s *Store) RevokeKey(registry string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM trusted_keys WHERE registry = ?`, registry); err != nil {
			return fmt.Errorf("revoking key: %w", err)
		}
		return nil
	})
}

// ----- Fetch marks -----

// BeginFetch marks a content hash as being fetched. It reports whether
// the mark was acquired; false means another process already holds it.
// Marks older than fetchTTL are treated as abandoned.
func (s *Store) BeginFetch(contentHash string) (bool, error) {
	var acquired bool
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM fetches WHERE started_at < ?`, nowMs()-fetchTTL.Milliseconds(),
		); err != nil {
			return fmt.Errorf("expiring fetch marks: %w", err)
		}
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO fetches (content_hash, started_at) VALUES (?, ?)`,
			contentHash, nowMs(),
		)
		if err != nil {
			return fmt.Errorf("marking fetch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("marking fetch: %w", err)
		}
		acquired = n == 1
		return nil
	})
	return acquired, err
}

// EndFetch clears a fetch mark.
func (s *Store) EndFetch(contentHash string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM fetches WHERE content_hash = ?`, contentHash); err != nil {
			return fmt.Errorf("clearing fetch mark: %w", err)
		}
		return nil
	})
}

// ----- Integrity -----

// Check runs the database integrity check and confirms every cache entry
// still has its blob at the recorded size. Problems report as ErrCorrupted.
func (s *Store) Check() error {
	var problems []string

	var result string
	if err := s.conn.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("running integrity check: %w", err)
	}
	if result != "ok" {
		problems = append(problems, fmt.Sprintf("integrity check: %s", result))
	}

	entries, err := s.ListCache()
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := os.Stat(e.Path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("cache entry %s: blob missing at %s", e.ContentHash, e.Path))
			continue
		}
		if info.Size() != e.Size {
			problems = append(problems, fmt.Sprintf("cache entry %s: blob size %d, recorded %d", e.ContentHash, info.Size(), e.Size))
		}
	}

	if len(problems) > 0 {
		return &CorruptionError{Problems: problems}
	}
	return nil
}

// Rebuild discards the cache index and re-derives it from the blob
// directory. Blobs whose content no longer matches their name are
// removed, as are unpacked directories with no surviving blob. Rebuilt
// entries lose their signature status. Returns how many entries survive.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	names, err := os.ReadDir(s.BlobDir())
	if err != nil {
		return 0, fmt.Errorf("reading blob directory: %w", err)
	}

	var kept []*CacheEntry
	for _, de := range names {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if de.IsDir() {
			continue
		}
		path := filepath.Join(s.BlobDir(), de.Name())
		hash, err := verify.FileHash(path)
		if err != nil {
			return 0, err
		}
		if strings.TrimPrefix(hash, verify.HashPrefix) != de.Name() {
			os.Remove(path)
			continue
		}
		info, err := de.Info()
		if err != nil {
			return 0, fmt.Errorf("reading blob directory: %w", err)
		}
		kept = append(kept, &CacheEntry{
			ContentHash:     hash,
			Path:            path,
			Size:            info.Size(),
			SignatureStatus: verify.StatusUnsigned,
			VerifiedAt:      nowMs(),
		})
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM cache_entries`); err != nil {
			return fmt.Errorf("clearing cache entries: %w", err)
		}
		for _, e := range kept {
			if _, err := tx.Exec(
				`INSERT INTO cache_entries (content_hash, path, size, signature_status, verified_at)
				 VALUES (?, ?, ?, ?, ?)`,
				e.ContentHash, e.Path, e.Size, e.SignatureStatus, e.VerifiedAt,
			); err != nil {
				return fmt.Errorf("recording cache entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.pruneUnpacked(kept)
	return len(kept), nil
}

// pruneUnpacked removes unpacked directories with no matching cache entry.
func (s *Store) pruneUnpacked(entries []*CacheEntry) {
	live := make(map[string]bool, len(entries))
	for _, e := range entries {
		live[strings.TrimPrefix(e.ContentHash, verify.HashPrefix)] = true
	}
	dirs, err := os.ReadDir(s.UnpackDir())
	if err != nil {
		return
	}
	for _, de := range dirs {
		if !live[de.Name()] {
			os.RemoveAll(filepath.Join(s.UnpackDir(), de.Name()))
		}
	}
}

// ----- Utilities -----

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// hashHex extracts the hex digest from a canonical content hash for use
// as a filename.
func hashHex(contentHash string) (string, error) {
	digest := strings.TrimPrefix(contentHash, verify.HashPrefix)
	if digest == contentHash || digest == "" {
		return "", fmt.Errorf("malformed content hash %q", contentHash)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("malformed content hash %q: %w", contentHash, err)
	}
	return digest, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
