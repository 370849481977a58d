// Package fsops provides atomic filesystem operations for concurrent-safe
// file handling.
//
// All destination-writing operations share a collision-resolution loop:
// the desired path is tried first, then <base>_1.<ext>, <base>_2.<ext> and
// so on until an exclusive create succeeds. This avoids TOCTOU races when
// multiple workers target the same destination name simultaneously.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// MaxAttempts is the number of collision-suffix candidates tried before an
// operation gives up.
const MaxAttempts = 100

// DefaultVerifyIOWait is how long to wait for a slow remote filesystem to
// flush before declaring a size mismatch fatal.
const DefaultVerifyIOWait = 3 * time.Second

// ErrExhausted is returned when no unique destination path could be claimed
// within MaxAttempts.
var ErrExhausted = errors.New("no unique destination path available")

// FS performs atomic file operations with structured logging.
type FS struct {
	logger *slog.Logger

	// VerifyWait is the settle time before the second size-verification
	// stat. Tests shorten it.
	VerifyWait time.Duration
}

// New creates an FS with the default verification wait.
func New(logger *slog.Logger) *FS {
	if logger == nil {
		logger = slog.Default()
	}
	return &FS{logger: logger, VerifyWait: DefaultVerifyIOWait}
}

// candidate returns the attempt-th collision candidate for dest:
// attempt 0 is dest itself, attempt N inserts _N before the extension.
func candidate(dest string, attempt int) string {
	if attempt == 0 {
		return dest
	}
	ext := filepath.Ext(dest)
	base := dest[:len(dest)-len(ext)]
	return fmt.Sprintf("%s_%d%s", base, attempt, ext)
}

// AtomicWrite writes data to a file with atomic collision detection and
// returns the path actually written, which may carry a collision suffix.
func (f *FS) AtomicWrite(dest string, data []byte) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		try := candidate(dest, attempt)

		fd, err := os.OpenFile(try, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating %s: %w", try, err)
		}

		_, werr := fd.Write(data)
		cerr := fd.Close()
		if werr != nil {
			return "", fmt.Errorf("writing %s: %w", try, werr)
		}
		if cerr != nil {
			return "", fmt.Errorf("closing %s: %w", try, cerr)
		}

		f.logCollision(attempt, try)
		return try, nil
	}

	return "", fmt.Errorf("%w after %d attempts: %s", ErrExhausted, MaxAttempts, dest)
}

// AtomicMove moves a file with collision detection and returns the path the
// file landed on.
//
// Same-filesystem moves use os.Rename, which is atomic and triggers inotify
// IN_MOVED_TO events that library watchers rely on. Cross-device moves fall
// back to exclusive create plus verified copy plus source unlink. Permission
// failures (NFS/CIFS mounts where rename needs write on the source) walk the
// fallback ladder: content-only copy, then an external mv command.
func (f *FS) AtomicMove(source, dest string) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		try := candidate(dest, attempt)

		// os.Rename would silently overwrite an existing destination.
		if _, err := os.Lstat(try); err == nil {
			continue
		}

		err := os.Rename(source, try)
		if err == nil {
			f.logCollision(attempt, try)
			return try, nil
		}

		switch {
		case errors.Is(err, fs.ErrExist):
			// Destination appeared between the Lstat and the rename.
			continue

		case isCrossDevice(err):
			moved, crossErr := f.crossDeviceMove(source, try)
			if errors.Is(crossErr, fs.ErrExist) {
				continue
			}
			if crossErr != nil {
				return "", crossErr
			}
			f.logCollision(attempt, moved)
			return moved, nil

		case isPermission(err):
			LogTransferPermissionContext(f.logger, "atomic_move", source, try, err)
			f.logger.Debug("permission error during move, trying fallback ladder",
				slog.String("source", source),
				slog.String("dest", try),
				slog.String("error", err.Error()))
			if fbErr := f.fallbackTransfer(source, try, true); fbErr != nil {
				f.logger.Error("move fallback ladder failed",
					slog.String("source", source),
					slog.String("dest", try),
					slog.String("error", fbErr.Error()))
				return "", fmt.Errorf("moving %s to %s: %w", source, try, err)
			}
			f.logCollision(attempt, try)
			return try, nil

		default:
			return "", fmt.Errorf("moving %s to %s: %w", source, try, err)
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %s", ErrExhausted, MaxAttempts, dest)
}

// crossDeviceMove claims dest with an exclusive create, copies through a
// sibling temp file, verifies the size, and unlinks the source. Any failure
// after the claim removes both the claimed destination and the temp file.
// A fs.ErrExist return means the candidate was taken and the caller should
// advance the collision counter.
func (f *FS) crossDeviceMove(source, dest string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("stat source %s: %w", source, err)
	}
	expected := info.Size()

	fd, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", err
		}
		if isPermission(err) {
			LogTransferPermissionContext(f.logger, "atomic_move_claim", source, dest, err)
		}
		return "", fmt.Errorf("claiming %s: %w", dest, err)
	}
	if err := fd.Close(); err != nil {
		return "", fmt.Errorf("closing claim %s: %w", dest, err)
	}

	temp := siblingTemp(dest)
	cleanup := func() {
		_ = os.Remove(dest)
		_ = os.Remove(temp)
	}

	if err := f.copyWithFallback(source, temp); err != nil {
		cleanup()
		return "", err
	}

	if err := os.Rename(temp, dest); err != nil {
		cleanup()
		return "", fmt.Errorf("replacing %s: %w", dest, err)
	}

	if err := f.VerifyTransferSize(dest, expected, "move"); err != nil {
		cleanup()
		return "", err
	}

	if err := os.Remove(source); err != nil {
		return "", fmt.Errorf("removing source %s: %w", source, err)
	}

	return dest, nil
}

// AtomicCopy copies a file with atomic collision detection and returns the
// path actually written. The destination name is claimed with an exclusive
// create, data flows through a sibling temp file, and the result is
// size-verified before the claim is satisfied.
func (f *FS) AtomicCopy(source, dest string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("stat source %s: %w", source, err)
	}
	expected := info.Size()

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		try := candidate(dest, attempt)

		fd, err := os.OpenFile(try, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("claiming %s: %w", try, err)
		}
		if err := fd.Close(); err != nil {
			return "", fmt.Errorf("closing claim %s: %w", try, err)
		}

		temp := siblingTemp(try)
		copyErr := func() error {
			if err := f.copyWithFallback(source, temp); err != nil {
				return err
			}
			if err := os.Rename(temp, try); err != nil {
				return fmt.Errorf("replacing %s: %w", try, err)
			}
			return f.VerifyTransferSize(try, expected, "copy")
		}()
		if copyErr != nil {
			_ = os.Remove(try)
			_ = os.Remove(temp)
			return "", copyErr
		}

		f.logCollision(attempt, try)
		return try, nil
	}

	return "", fmt.Errorf("%w after %d attempts: %s", ErrExhausted, MaxAttempts, dest)
}

// AtomicHardlink creates a hardlink with atomic collision detection.
// Permission, cross-device, and too-many-links failures silently fall back
// to AtomicCopy. On a successful link, source and destination share an inode.
func (f *FS) AtomicHardlink(source, dest string) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		try := candidate(dest, attempt)

		err := os.Link(source, try)
		if err == nil {
			f.logCollision(attempt, try)
			return try, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if isPermission(err) || isCrossDevice(err) || isTooManyLinks(err) {
			if isPermission(err) {
				LogTransferPermissionContext(f.logger, "atomic_hardlink", source, try, err)
			}
			f.logger.Debug("hardlink failed, falling back to copy",
				slog.String("source", source),
				slog.String("dest", dest),
				slog.String("error", err.Error()))
			return f.AtomicCopy(source, dest)
		}
		return "", fmt.Errorf("linking %s to %s: %w", source, try, err)
	}

	return "", fmt.Errorf("%w after %d attempts: %s", ErrExhausted, MaxAttempts, dest)
}

// VerifyTransferSize verifies a transfer wrote the expected number of bytes.
//
// Some filesystems (especially remote NAS/CIFS/NFS) report stale sizes
// briefly after large writes, so a mismatch gets a second stat after a
// settle period before being declared data loss.
func (f *FS) VerifyTransferSize(dest string, expected int64, action string) error {
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("stat %s after %s: %w", dest, action, err)
	}
	if info.Size() == expected {
		return nil
	}

	f.logger.Debug("transfer size mismatch, waiting for filesystem sync",
		slog.String("dest", dest),
		slog.String("action", action),
		slog.Int64("actual", info.Size()),
		slog.Int64("expected", expected))
	time.Sleep(f.VerifyWait)

	info, err = os.Stat(dest)
	if err != nil {
		return fmt.Errorf("stat %s after %s: %w", dest, action, err)
	}
	if info.Size() != expected {
		return fmt.Errorf("file %s incomplete, data loss may have occurred: %s was %d bytes instead of expected %d",
			action, dest, info.Size(), expected)
	}
	return nil
}

// copyWithFallback copies source to dest preserving metadata, downgrading to
// a content-only copy when the metadata-preserving path hits a permission
// error (common on NFS/SMB mounts that reject chown/chmod).
func (f *FS) copyWithFallback(source, dest string) error {
	err := copyPreserve(source, dest)
	if err == nil {
		return nil
	}
	if !isPermission(err) {
		return err
	}

	LogTransferPermissionContext(f.logger, "copy_preserve", source, dest, err)
	f.logger.Debug("permission error during copy, falling back to content-only copy",
		slog.String("source", source),
		slog.String("dest", dest),
		slog.String("error", err.Error()))

	if fbErr := f.fallbackTransfer(source, dest, false); fbErr != nil {
		f.logger.Error("copy fallback ladder failed",
			slog.String("source", source),
			slog.String("dest", dest),
			slog.String("error", fbErr.Error()))
		return fmt.Errorf("copying %s to %s: %w", source, dest, err)
	}
	return nil
}

// fallbackTransfer handles NFS/SMB permission errors: content-only copy
// first, then an external mv/cp command as the final attempt. isMove
// additionally unlinks the source on success.
func (f *FS) fallbackTransfer(source, dest string, isMove bool) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat source %s: %w", source, err)
	}
	expected := info.Size()

	copyErr := func() error {
		if err := copyContents(source, dest); err != nil {
			return err
		}
		return f.VerifyTransferSize(dest, expected, "copy")
	}()
	if copyErr == nil {
		if isMove {
			if err := os.Remove(source); err != nil {
				return fmt.Errorf("removing source %s: %w", source, err)
			}
		}
		return nil
	}

	_ = os.Remove(dest)
	if isPermission(copyErr) {
		LogTransferPermissionContext(f.logger, "fallback_copy_contents", source, dest, copyErr)
	}
	f.logger.Error("fallback content copy failed",
		slog.String("source", source),
		slog.String("dest", dest),
		slog.String("error", copyErr.Error()))

	op := "cp"
	if isMove {
		op = "mv"
	}
	f.logger.Warn("attempting system command as final fallback",
		slog.String("op", op),
		slog.String("source", source),
		slog.String("dest", dest))

	cmd := exec.Command(op, "-f", source, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		LogTransferPermissionContext(f.logger, "fallback_system", source, dest, err)
		f.logger.Error("system command failed",
			slog.String("op", op),
			slog.String("output", string(out)),
			slog.String("error", err.Error()))
		_ = os.Remove(dest)
		return fmt.Errorf("system %s %s to %s: %w", op, source, dest, err)
	}

	// Best-effort verify after the external command.
	if _, err := os.Stat(dest); err == nil {
		if err := f.VerifyTransferSize(dest, expected, op); err != nil {
			return err
		}
	}
	if isMove {
		_ = os.Remove(source)
	}
	return nil
}

func (f *FS) logCollision(attempt int, path string) {
	if attempt > 0 {
		f.logger.Info("file collision resolved",
			slog.String("path", filepath.Base(path)),
			slog.Int("attempt", attempt))
	}
}

// siblingTemp returns the hidden sibling temp name used while copying into
// a claimed destination.
func siblingTemp(dest string) string {
	return filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp")
}

// copyPreserve copies a file and preserves mode and modification time.
func copyPreserve(source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat %s: %w", source, err)
	}

	if err := copyContents(source, dest); err != nil {
		return err
	}

	if err := os.Chmod(dest, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", dest, err)
	}
	mtime := info.ModTime()
	if err := os.Chtimes(dest, mtime, mtime); err != nil {
		return fmt.Errorf("chtimes %s: %w", dest, err)
	}
	return nil
}

// copyContents copies file content only, without metadata.
func copyContents(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("copying to %s: %w", dest, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", dest, closeErr)
	}
	return nil
}

// isPermission reports whether err is a permission failure, including the
// EPERM variants NFS/SMB mounts produce.
func isPermission(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM || errno == syscall.EACCES
	}
	return false
}

// isCrossDevice reports whether err is an EXDEV cross-filesystem failure.
func isCrossDevice(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EXDEV
}

// isTooManyLinks reports whether err is an EMLINK failure.
func isTooManyLinks(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EMLINK
}
