// Package verify checks fetched archives before they enter the store:
// content hash comparison, and minisign signature verification against the
// key pinned for the registry. Signature failures are always fatal; they
// are never downgraded by configuration.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
	"lukechampine.com/blake3"
)

// HashPrefix tags canonical content hashes.
const HashPrefix = "sha256:"

// ModuleKeyPrefix tags prehashed module cache keys.
const ModuleKeyPrefix = "blake3:"

var (
	ErrHashMismatch = errors.New("content hash mismatch")
	ErrBadSignature = errors.New("signature verification failed")
)

// HashMismatchError wraps ErrHashMismatch with both digests so callers can
// report what was expected against what arrived.
type HashMismatchError struct {
	Path     string
	Expected string
	Got      string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("content hash mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }

// SignatureError wraps ErrBadSignature. A missing signature under a pinned
// key reports through the same error: the package cannot be trusted either
// way.
type SignatureError struct {
	Path   string
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %s", e.Path, e.Reason)
}

func (e *SignatureError) Unwrap() error { return ErrBadSignature }

// Verification states, recorded in the lockfile and the store.
const (
	StatusVerified = "verified"
	StatusUnsigned = "unsigned"
)

// FileHash computes the canonical content hash of a file.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the canonical content hash of a byte slice.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// CheckFile compares a file against an expected content hash and returns
// the actual hash. The expected value may omit the prefix; hex case is
// ignored.
func CheckFile(path, expected string) (string, error) {
	got, err := FileHash(path)
	if err != nil {
		return "", err
	}
	want := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(expected), HashPrefix))
	if want == "" {
		return got, fmt.Errorf("empty expected hash for %s", path)
	}
	if strings.TrimPrefix(got, HashPrefix) != want {
		return got, &HashMismatchError{Path: path, Expected: HashPrefix + want, Got: got}
	}
	return got, nil
}

// ModuleKey computes the prehashed cache key for a module file. Runtimes
// use it to look up compiled artifacts without rehashing the module.
func ModuleKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return ModuleKeyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Verifier applies the trust policy to fetched archives.
type Verifier struct {
	// AllowUnsigned admits packages that cannot be signature-checked
	// because no key is pinned for their registry. It never overrides a
	// pinned key.
	AllowUnsigned bool
}

// Verify checks the archive at path: the content hash always, and the
// detached signature according to policy. trustedKey is the minisign
// public key pinned for the registry ("" when none). It returns the
// verification status for the lockfile.
func (v *Verifier) Verify(path, expectedHash, signature, trustedKey string) (string, error) {
	if _, err := CheckFile(path, expectedHash); err != nil {
		return "", err
	}

	if trustedKey == "" {
		if !v.AllowUnsigned {
			return "", &SignatureError{Path: path, Reason: "no trusted key is pinned for this registry and unsigned packages are not allowed"}
		}
		return StatusUnsigned, nil
	}

	if signature == "" {
		return "", &SignatureError{Path: path, Reason: "registry key is pinned but the package is unsigned"}
	}
	if err := VerifyDetached(path, signature, trustedKey); err != nil {
		return "", err
	}
	return StatusVerified, nil
}

// VerifyDetached checks a minisign detached signature over the file at
// path with the given public key.
func VerifyDetached(path, signature, publicKey string) error {
	pk, err := ParsePublicKey(publicKey)
	if err != nil {
		return &SignatureError{Path: path, Reason: fmt.Sprintf("bad trusted key: %v", err)}
	}
	sig, err := minisign.DecodeSignature(signature)
	if err != nil {
		return &SignatureError{Path: path, Reason: fmt.Sprintf("bad signature: %v", err)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	ok, err := pk.Verify(data, sig)
	if err != nil {
		return &SignatureError{Path: path, Reason: err.Error()}
	}
	if !ok {
		return &SignatureError{Path: path, Reason: "signature does not match"}
	}
	return nil
}

// ParsePublicKey accepts either the raw base64 key or a full minisign key
// file with its comment line.
func ParsePublicKey(s string) (minisign.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "\n") {
		return minisign.DecodePublicKey(s)
	}
	return minisign.NewPublicKey(s)
}
