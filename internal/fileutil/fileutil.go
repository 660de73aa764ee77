package fileutil

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CollisionTimeFormat is the timestamp appended to a name that is already
// taken at the destination.
const CollisionTimeFormat = "20060102150405"

const maxCollisionAttempts = 1000

// MoveNoClobber moves src to dst without ever replacing an existing file.
// When dst is taken, name_<timestamp>.ext and then name_<timestamp>_<n>.ext
// are tried. It returns the path the file ended up at.
func MoveNoClobber(src, dst string, now time.Time) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}

	for i := 0; i < maxCollisionAttempts; i++ {
		candidate := CollisionName(dst, now, i)
		err := placeExclusive(src, candidate)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := os.Remove(src); err != nil {
			return candidate, fmt.Errorf("remove source after placing %s: %w", candidate, err)
		}
		return candidate, nil
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", dst, maxCollisionAttempts)
}

// CollisionName returns the attempt-th candidate for dst: dst itself, then
// the timestamped variants.
func CollisionName(dst string, now time.Time, attempt int) string {
	if attempt == 0 {
		return dst
	}
	dir, base := filepath.Split(dst)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	ts := now.Format(CollisionTimeFormat)
	if attempt == 1 {
		return filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, ts, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", stem, ts, attempt-1, ext))
}

// placeExclusive makes the content of src appear at dst, failing with
// os.ErrExist if dst is already there. A hard link is tried first; across
// filesystems the content is copied into a file created with O_EXCL.
func placeExclusive(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil || errors.Is(err, os.ErrExist) {
		return err
	}
	if _, statErr := os.Stat(src); statErr != nil {
		return fmt.Errorf("stat source: %w", statErr)
	}
	return CopyFileExclusive(src, dst)
}

// CopyFileExclusive copies src to a new file at dst with SHA256 and size
// verification. dst must not exist. On any failure dst is removed.
func CopyFileExclusive(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	fail := func(e error) error {
		_ = out.Close()
		_ = os.Remove(dst)
		return e
	}

	srcHasher := sha256.New()
	written, err := io.Copy(out, io.TeeReader(in, srcHasher))
	if err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if written != info.Size() {
		_ = os.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	if err := verifyCopy(dst, srcHasher.Sum(nil), written); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

// verifyCopy re-reads dst from disk and compares it with the digest and size
// taken while reading the source.
func verifyCopy(dst string, sum []byte, size int64) error {
	f, err := os.Open(dst)
	if err != nil {
		return fmt.Errorf("reopen copy: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("read back copy: %w", err)
	}
	if n != size {
		return fmt.Errorf("copy size mismatch: source %d bytes, on disk %d bytes", size, n)
	}
	if !bytes.Equal(h.Sum(nil), sum) {
		return errors.New("copy hash mismatch: file corrupted during copy")
	}
	return nil
}
