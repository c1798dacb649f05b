// Package integrity implements streaming file hashing, free-space
// probing, and path-traversal-safe joins used by the download engine and
// registry before committing a model artifact to disk.
package integrity

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Akshay-at-360/onplay/pkg/model"
)

// hashChunkBytes is the streaming read buffer size for HashFile.
const hashChunkBytes = 64 * 1024

// HashFile computes the streaming SHA-256 digest of the file at path,
// reading in 64 KiB chunks. Returns IoReadError-classed errors (KindIO,
// CodeFile) on truncation or other read failures.
func HashFile(path string) ([32]byte, error) {
	var sum [32]byte

	f, err := os.Open(path)
	if err != nil {
		return sum, model.Wrap(model.KindIO, model.CodeFile, fmt.Sprintf("open %q for hashing", path), err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkBytes)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return sum, model.Wrap(model.KindIO, model.CodeFile, fmt.Sprintf("read %q while hashing", path), err)
	}

	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// FreeBytes probes the filesystem hosting dir and returns the number of
// bytes available to an unprivileged writer.
func FreeBytes(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, model.Wrap(model.KindIO, model.CodeDisk, fmt.Sprintf("statfs %q", dir), err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// SafeJoin joins base and rel, rejecting any result that escapes base via
// ".." components, an absolute rel subcomponent, or a symlink that
// resolves outside base. Returns ErrPathTraversal on rejection.
func SafeJoin(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", model.ErrPathTraversal
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", model.ErrPathTraversal
		}
	}

	cleanBase, err := filepath.Abs(base)
	if err != nil {
		return "", model.Wrap(model.KindSecurity, model.CodePathTraversal, "resolve base directory", err)
	}
	joined := filepath.Join(cleanBase, rel)
	if !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) && joined != cleanBase {
		return "", model.ErrPathTraversal
	}

	// Resolve symlinks along the existing prefix of joined (the file
	// itself may not exist yet, e.g. a download target) to reject escapes
	// via a symlinked intermediate directory.
	resolved, err := resolveExistingPrefix(joined)
	if err != nil {
		return "", model.Wrap(model.KindSecurity, model.CodePathTraversal, "resolve symlinks", err)
	}
	if !strings.HasPrefix(resolved, cleanBase+string(filepath.Separator)) && resolved != cleanBase {
		return "", model.ErrPathTraversal
	}

	return joined, nil
}

// resolveExistingPrefix walks up from path until it finds a prefix that
// exists on disk, resolves symlinks on that prefix, and re-appends the
// remaining (not-yet-existing) suffix unchanged.
func resolveExistingPrefix(path string) (string, error) {
	suffix := ""
	cur := path
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	if suffix == "" {
		return resolved, nil
	}
	return filepath.Join(resolved, suffix), nil
}
