package postprocess

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/shelfarr/shelfarr/internal/config"
	"github.com/shelfarr/shelfarr/internal/fsops"
	"github.com/shelfarr/shelfarr/internal/models"
	"github.com/shelfarr/shelfarr/internal/workspace"
)

// Transferrer performs the per-file transfer phase: strategy selection from
// runtime facts and the atomic operation itself.
type Transferrer struct {
	fs     *fsops.FS
	mgr    *workspace.Manager
	logger *slog.Logger
}

// NewTransferrer creates a Transferrer.
func NewTransferrer(fs *fsops.FS, mgr *workspace.Manager, logger *slog.Logger) *Transferrer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transferrer{fs: fs, mgr: mgr, logger: logger}
}

// IsTorrentSource reports whether input is the external torrent-like source
// named by the task's original download path, which must be preserved for
// seeding.
func IsTorrentSource(task models.DownloadTask, input string) bool {
	if task.OriginalDownloadPath == "" {
		return false
	}
	return samePath(input, task.OriginalDownloadPath)
}

// ExternalOwned classifies a source path. External sources must never be
// moved, renamed, or unlinked.
func (t *Transferrer) ExternalOwned(task models.DownloadTask, source string) bool {
	if IsTorrentSource(task, source) {
		return true
	}
	return !t.mgr.IsManagedPath(source) && task.Source.External()
}

// ShouldPreserveArchiveOpaquely reports whether archives from this source
// are transferred without extraction. For external torrent-like inputs with
// hardlinking enabled, opening the archive would write extracted files
// outside the seeding set and alter the name the tracker expects, so the
// archive travels as opaque payload.
func (t *Transferrer) ShouldPreserveArchiveOpaquely(task models.DownloadTask, source string, media config.MediaConfig) bool {
	return t.ExternalOwned(task, source) && media.HardlinkTorrents
}

// ChooseStrategy selects the transfer strategy for one prepared file from
// the classification, the hardlink toggle, and filesystem identity.
func (t *Transferrer) ChooseStrategy(task models.DownloadTask, source, dest string, media config.MediaConfig) TransferStrategy {
	if !t.ExternalOwned(task, source) {
		return StrategyMove
	}
	if media.HardlinkTorrents && fsops.SameFilesystem(source, dest) {
		return StrategyHardlink
	}
	return StrategyCopy
}

// Transfer performs one strategy call, creating destination subdirectories
// as needed and emitting the user-visible status for the operation. It
// returns the path the file actually landed on, which may carry a
// collision suffix.
func (t *Transferrer) Transfer(source, dest string, strategy TransferStrategy, sink models.StatusSink) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating destination directory: %w", err)
	}

	size := sizeOf(source)
	name := filepath.Base(dest)

	var (
		final string
		err   error
	)
	switch strategy {
	case StrategyHardlink:
		sink.Report(models.StatusInfo, fmt.Sprintf("Hardlinking %s (%s)", name, size))
		final, err = t.fs.AtomicHardlink(source, dest)
	case StrategyCopy:
		sink.Report(models.StatusCopying, fmt.Sprintf("Copying %s (%s)", name, size))
		final, err = t.fs.AtomicCopy(source, dest)
	default:
		sink.Report(models.StatusMoving, fmt.Sprintf("Moving %s (%s)", name, size))
		final, err = t.fs.AtomicMove(source, dest)
	}
	if err != nil {
		return "", err
	}

	t.logger.Debug("transferred file",
		slog.String("source", source),
		slog.String("dest", final),
		slog.String("strategy", strategy.String()))
	return final, nil
}

func sizeOf(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown size"
	}
	return humanize.Bytes(uint64(info.Size()))
}

// samePath compares two paths after cleaning; symlink resolution is
// best-effort.
func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
