package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shelfarr/shelfarr/internal/fsops"
	"github.com/shelfarr/shelfarr/internal/models"
	"github.com/shelfarr/shelfarr/internal/workspace"
)

// ScanOptions configures one scan of a pipeline input.
type ScanOptions struct {
	// Formats is the supported extension set for the task's content type.
	Formats map[string]bool

	// AllowExtract permits expanding archive containers into the managed
	// workspace.
	AllowExtract bool

	// PreserveArchives treats archive containers as opaque payload instead
	// of expanding them. Set for external torrent-like sources in hardlink
	// mode, where the seeding set must stay intact.
	PreserveArchives bool

	// StageExternal copies archives into the managed workspace before
	// extraction. Set for external sources: only archives the service has
	// staged may be opened.
	StageExternal bool

	// Workspace receives extraction scratch directories.
	Workspace *workspace.Workspace

	// Status receives user-visible progress while extracting.
	Status models.StatusSink
}

func (o ScanOptions) status() models.StatusSink {
	if o.Status == nil {
		return models.NopStatus
	}
	return o.Status
}

// Scan enumerates the payload files inside input, which may be a single
// file or a directory, producing the transfer plan for the task.
//
// Archives directly inside a directory input are expanded only when the
// walk finds no directly supported files: supported files present mean the
// archives are release noise, not payload.
func Scan(ctx context.Context, input string, opts ScanOptions, logger *slog.Logger) *PreparedFiles {
	prepared := &PreparedFiles{}

	info, err := os.Stat(input)
	if err != nil {
		prepared.Err = fmt.Errorf("scanning %s: %w", input, err)
		return prepared
	}

	if !info.IsDir() {
		scanFile(ctx, input, opts, prepared, logger)
	} else {
		scanDirectory(ctx, input, opts, prepared, logger)
	}

	if prepared.Err != nil {
		prepared.Files = nil
		return prepared
	}

	fsops.SortNatural(prepared.Files)
	return prepared
}

// scanFile handles a single-file input.
func scanFile(ctx context.Context, input string, opts ScanOptions, prepared *PreparedFiles, logger *slog.Logger) {
	ext := extOf(input)

	switch {
	case opts.isPayload(ext):
		prepared.Files = append(prepared.Files, input)

	case isArchive(ext) && opts.AllowExtract:
		dir, err := extractIntoWorkspace(ctx, input, opts, prepared, logger)
		if err != nil {
			prepared.Err = err
			return
		}
		collectSupported(dir, opts, prepared, logger)

	default:
		prepared.Rejected = append(prepared.Rejected, input)
	}
}

// scanDirectory walks a directory input, tolerating permission failures on
// subtrees.
func scanDirectory(ctx context.Context, root string, opts ScanOptions, prepared *PreparedFiles, logger *slog.Logger) {
	var supported, archives []string

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Debug("skipping unreadable subtree",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := extOf(path)
		switch {
		case opts.isPayload(ext):
			supported = append(supported, path)
		case isArchive(ext):
			archives = append(archives, path)
		default:
			prepared.Rejected = append(prepared.Rejected, path)
		}
		return nil
	})
	if walkErr != nil {
		prepared.Err = fmt.Errorf("scanning %s: %w", root, walkErr)
		return
	}

	if len(supported) > 0 {
		// Supported files present: archives are release noise, not payload.
		prepared.Files = append(prepared.Files, supported...)
		prepared.Rejected = append(prepared.Rejected, archives...)
		return
	}

	if !opts.AllowExtract {
		prepared.Rejected = append(prepared.Rejected, archives...)
		return
	}

	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			prepared.Err = err
			return
		}
		dir, err := extractIntoWorkspace(ctx, archive, opts, prepared, logger)
		if err != nil {
			prepared.Err = err
			return
		}
		collectSupported(dir, opts, prepared, logger)
	}
}

// extractIntoWorkspace expands one archive into a fresh scratch directory
// under the managed workspace and records it for cleanup.
func extractIntoWorkspace(ctx context.Context, archive string, opts ScanOptions, prepared *PreparedFiles, logger *slog.Logger) (string, error) {
	if opts.Workspace == nil {
		return "", errors.New("archive extraction requires a managed workspace")
	}

	if opts.StageExternal {
		staged, err := stageArchiveCopy(archive, opts.Workspace, prepared, logger)
		if err != nil {
			return "", err
		}
		archive = staged
	}

	dir, err := opts.Workspace.ExtractionDir()
	if err != nil {
		return "", err
	}
	prepared.WorkspaceCleanup = append(prepared.WorkspaceCleanup, dir)

	opts.status().Report(models.StatusExtracting,
		fmt.Sprintf("Extracting %s", filepath.Base(archive)))
	logger.Debug("extracting archive",
		slog.String("archive", archive),
		slog.String("dest", dir))

	if err := extractArchive(ctx, archive, dir); err != nil {
		return "", fmt.Errorf("extracting %s: %w", archive, err)
	}
	return dir, nil
}

// stageArchiveCopy copies an external archive into the workspace staging
// area so the extraction source is service-owned. The external original is
// only read.
func stageArchiveCopy(archive string, ws *workspace.Workspace, prepared *PreparedFiles, logger *slog.Logger) (string, error) {
	staging, err := ws.StagingDir()
	if err != nil {
		return "", err
	}
	prepared.WorkspaceCleanup = append(prepared.WorkspaceCleanup, staging)

	staged := filepath.Join(staging, filepath.Base(archive))
	if err := copyFile(archive, staged); err != nil {
		return "", fmt.Errorf("staging %s: %w", archive, err)
	}
	logger.Debug("staged external archive",
		slog.String("archive", archive),
		slog.String("staged", staged))
	return staged, nil
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// collectSupported walks an extraction directory picking up supported files.
// Archives nested inside extracted content are not expanded again.
func collectSupported(root string, opts ScanOptions, prepared *PreparedFiles, logger *slog.Logger) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug("skipping unreadable extracted path",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if opts.Formats[extOf(path)] {
			prepared.Files = append(prepared.Files, path)
		} else {
			prepared.Rejected = append(prepared.Rejected, path)
		}
		return nil
	})
}

// isPayload reports whether a file with the given extension is payload
// under these options.
func (o ScanOptions) isPayload(ext string) bool {
	if o.Formats[ext] {
		return true
	}
	return o.PreserveArchives && isArchive(ext)
}

// extOf returns the lowercase extension of path without the dot.
func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
