// Package fsadapter wraps OS file primitives with the contracts spec
// §4.2 (C2) requires: confinement to an allowlist of canonical roots,
// no-follow-symlink canonicalization, shared-read opens, exclusive
// staging writes, explicit flush-before-rename, and same-volume atomic
// finalize.
//
// Grounded on the teacher's atomic temp-then-rename idiom
// (ivoronin-dupedog/internal/deduper/links.go) and its batched
// directory enumeration (ivoronin-dupedog/internal/scanner/scanner.go).
package fsadapter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/johnnywatts/forker/internal/ferrors"
)

// StagingSuffix is appended to every staging file name. Consumers are
// documented to ignore paths carrying it (spec §4.2, §6).
const StagingSuffix = ".forker-tmp"

// Adapter confines every filesystem operation to a fixed set of
// allowlisted canonical roots.
type Adapter struct {
	roots []string // canonicalized, absolute, no trailing slash
}

// New creates an Adapter confined to the given allowlisted roots. Each
// root is canonicalized (symlinks resolved, made absolute) at
// construction time.
func New(roots []string) (*Adapter, error) {
	canon := make([]string, 0, len(roots))
	for _, r := range roots {
		c, err := canonicalize(r)
		if err != nil {
			return nil, fmt.Errorf("canonicalize root %q: %w", r, err)
		}
		canon = append(canon, c)
	}
	return &Adapter{roots: canon}, nil
}

// canonicalize resolves symlinks and returns an absolute, cleaned path.
// It does not require the path to exist.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Path (or a trailing component) doesn't exist yet; resolve
			// the deepest existing ancestor and rejoin the remainder so
			// staging directories can be confined before they exist.
			return canonicalizeMissing(abs)
		}
		return "", err
	}
	return filepath.Clean(resolved), nil
}

func canonicalizeMissing(abs string) (string, error) {
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return "", fmt.Errorf("cannot resolve %q", abs)
	}
	resolvedDir, err := canonicalize(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

// confine verifies that path, once canonicalized, is a descendant of
// one of the adapter's allowlisted roots, rejecting any path whose
// resolved chain contains a reparse point/symlink escaping the
// allowlist. Returns the canonical path on success.
func (a *Adapter) confine(path string) (string, error) {
	canon, err := canonicalize(path)
	if err != nil {
		return "", ferrors.New(ferrors.KindIoPermanent, fmt.Errorf("resolve %q: %w", path, err))
	}
	for _, root := range a.roots {
		if canon == root || strings.HasPrefix(canon, root+string(filepath.Separator)) {
			return canon, nil
		}
	}
	return "", ferrors.New(ferrors.KindPathOutsideRoot, fmt.Errorf("%q is outside all allowlisted roots", path))
}

// OpenRead opens path for shared-reading. External observers must
// always be able to read concurrently (spec §4.2); this never takes an
// exclusive lock.
func (a *Adapter) OpenRead(path string) (*os.File, error) {
	canon, err := a.confine(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(canon)
	if err != nil {
		return nil, classifyOpenErr(err)
	}
	return f, nil
}

// CreateStaging opens a staging path for exclusive writing, creating
// its parent directory if needed. The caller owns cleanup on failure.
func (a *Adapter) CreateStaging(path string) (*os.File, error) {
	canon, err := a.confine(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(canon), 0o755); err != nil {
		return nil, ferrors.New(ferrors.KindIoPermanent, fmt.Errorf("mkdir staging parent: %w", err))
	}
	f, err := os.OpenFile(canon, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, classifyOpenErr(err)
	}
	return f, nil
}

// FlushAndClose fsyncs f's data to disk (durability before rename,
// spec §4.2/§4.7) then closes it.
func FlushAndClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return ferrors.New(ferrors.KindIoTransient, fmt.Errorf("fsync: %w", err))
	}
	if err := f.Close(); err != nil {
		return ferrors.New(ferrors.KindIoTransient, fmt.Errorf("close: %w", err))
	}
	return nil
}

// Finalize atomically renames a staging path to its final path.
// Cross-volume renames are rejected with a distinct error rather than
// silently falling back to copy+delete (spec §4.2). On success, the
// staging path is no longer observable.
func (a *Adapter) Finalize(stagingPath, finalPath string) error {
	stagingCanon, err := a.confine(stagingPath)
	if err != nil {
		return err
	}
	finalCanon, err := a.confine(finalPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalCanon), 0o755); err != nil {
		return ferrors.New(ferrors.KindIoPermanent, fmt.Errorf("mkdir final parent: %w", err))
	}
	if err := os.Rename(stagingCanon, finalCanon); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			return ferrors.New(ferrors.KindIoPermanent, fmt.Errorf("cross-volume rename rejected: %w", err))
		}
		return ferrors.New(ferrors.KindIoTransient, fmt.Errorf("rename: %w", err))
	}
	return nil
}

// RemoveStaging deletes a staging file if present, ignoring a
// not-exist error (idempotent cleanup on any failure path).
func (a *Adapter) RemoveStaging(path string) error {
	canon, err := a.confine(path)
	if err != nil {
		return err
	}
	if err := os.Remove(canon); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ferrors.New(ferrors.KindIoTransient, fmt.Errorf("remove staging: %w", err))
	}
	return nil
}

// Stat returns size, mtime, and whether the file is currently
// shared-readable, in one call (spec §4.2 enumeration contract).
type Stat struct {
	Size     int64
	ModTime  time.Time
	Readable bool
}

// StatPath canonicalizes and confines path, then stats it.
func (a *Adapter) StatPath(path string) (Stat, error) {
	canon, err := a.confine(path)
	if err != nil {
		return Stat{}, err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return Stat{}, classifyOpenErr(err)
	}
	readable := true
	if f, openErr := os.Open(canon); openErr != nil {
		readable = false
	} else {
		_ = f.Close()
	}
	return Stat{Size: info.Size(), ModTime: info.ModTime(), Readable: readable}, nil
}

// Enumerate walks root (which must be inside the allowlist) and
// returns every regular file whose base name matches one of patterns
// and does not carry StagingSuffix.
func (a *Adapter) Enumerate(root string, patterns []string) ([]string, error) {
	canonRoot, err := a.confine(root)
	if err != nil {
		return nil, err
	}
	var matches []string
	err = filepath.WalkDir(canonRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil // never follow symlinks/devices
		}
		base := filepath.Base(path)
		if strings.HasSuffix(base, StagingSuffix) {
			return nil
		}
		if matchesAny(base, patterns) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.New(ferrors.KindIoTransient, fmt.Errorf("enumerate %s: %w", root, err))
	}
	return matches, nil
}

// EnumerateStaging walks root and returns every regular file carrying
// StagingSuffix, the inverse of Enumerate's filter. Recovery uses this
// to find orphaned staging files no job references any more (spec
// §4.12 step 4). Missing root is not an error: it simply yields no
// candidates, since a target with no in-flight copies never creates
// its tmp directory.
func (a *Adapter) EnumerateStaging(root string) ([]string, error) {
	canonRoot, err := a.confine(root)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(canonRoot); statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, classifyOpenErr(statErr)
	}
	var matches []string
	err = filepath.WalkDir(canonRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasSuffix(path, StagingSuffix) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.New(ferrors.KindIoTransient, fmt.Errorf("enumerate staging %s: %w", root, err))
	}
	return matches, nil
}

func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// StagingPath builds the conventional staging path for a job/target:
// <targetRoot>/.<engine>/tmp/<jobID>/<finalName><StagingSuffix>
// (spec §4.2).
func StagingPath(targetRoot, engineName, jobID, finalName string) string {
	return filepath.Join(targetRoot, "."+engineName, "tmp", jobID, finalName+StagingSuffix)
}

func classifyOpenErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ferrors.New(ferrors.KindIoPermanent, err)
	case errors.Is(err, fs.ErrPermission):
		return ferrors.New(ferrors.KindIoPermanent, err)
	default:
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.ENOSPC) {
			return ferrors.New(ferrors.KindStorageFull, err)
		}
		return ferrors.New(ferrors.KindIoTransient, err)
	}
}
