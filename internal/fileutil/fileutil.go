// Package fileutil provides the file plumbing shared by the normalization,
// watcher, and transfer stages: verified copies, cross-device moves, and
// content comparison for skip-existing semantics.
package fileutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// CopyFile copies src to dst, creating parent directories and verifying both
// size and content hash. A partial or corrupted destination is removed.
func CopyFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	srcSize := srcInfo.Size()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	// Hash source while reading, hash destination while writing
	srcHasher := sha256.New()
	dstHasher := sha256.New()
	tee := io.TeeReader(in, srcHasher)
	multi := io.MultiWriter(out, dstHasher)

	written, err := io.Copy(multi, tee)
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if written != srcSize {
		_ = os.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcSize, written)
	}

	if !bytes.Equal(srcHasher.Sum(nil), dstHasher.Sum(nil)) {
		_ = os.Remove(dst)
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}

	return nil
}

// HashFile returns the hex SHA-256 digest and size of the file at path.
func HashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// SameContent reports whether dst exists with the same size and SHA-256
// digest as src. A missing destination is not an error.
func SameContent(src, dst string) (bool, error) {
	dstInfo, err := os.Stat(dst)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if dstInfo.Size() != srcInfo.Size() {
		return false, nil
	}
	srcSum, _, err := HashFile(src)
	if err != nil {
		return false, err
	}
	dstSum, _, err := HashFile(dst)
	if err != nil {
		return false, err
	}
	return srcSum == dstSum, nil
}

// MoveFile renames src to dst, falling back to verified copy plus delete for
// cross-device moves.
func MoveFile(logger *slog.Logger, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	var linkErr *os.LinkError
	if errors.As(renameErr, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		if copyErr := CopyFile(src, dst); copyErr != nil {
			return copyErr
		}
		if err := os.Remove(src); err != nil && logger != nil {
			logger.Warn("failed to remove source file after copy; duplicate files remain",
				slog.String("path", src),
				slog.Any("error", err),
			)
		}
		return nil
	}

	return renameErr
}

// MoveDir renames the directory src to dst, falling back to a recursive
// verified copy plus delete for cross-device moves.
func MoveDir(logger *slog.Logger, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(renameErr, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return renameErr
	}

	walkErr := filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return CopyFile(path, target)
	})
	if walkErr != nil {
		return walkErr
	}
	if err := os.RemoveAll(src); err != nil && logger != nil {
		logger.Warn("failed to remove source directory after copy; duplicate files remain",
			slog.String("path", src),
			slog.Any("error", err),
		)
	}
	return nil
}

// storageUnavailableErrors lists syscall errors that indicate a storage
// filesystem is unavailable rather than a per-file problem.
var storageUnavailableErrors = []error{
	syscall.ENODEV,
	syscall.ENOTCONN,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
	syscall.ETIMEDOUT,
	syscall.EIO,
	syscall.ESTALE,
}

// IsStorageUnavailable checks whether an error indicates the backing
// filesystem (typically the archive mount) is unavailable.
func IsStorageUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	for _, target := range storageUnavailableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
