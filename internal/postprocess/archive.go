package postprocess

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nwaples/rardecode/v2"
)

// archiveExts are the container extensions the pipeline may expand.
// cbz/cbr are zip/rar underneath but are book formats in their own right,
// so they are never treated as containers.
var archiveExts = map[string]bool{
	"zip": true,
	"rar": true,
}

// isArchive reports whether ext (lowercase, no dot) is a container format.
func isArchive(ext string) bool {
	return archiveExts[ext]
}

// extractArchive expands a zip or rar archive into destDir. Entry paths are
// confined to destDir; a traversal entry such as "../x" is written as
// destDir/x.
func extractArchive(ctx context.Context, archivePath, destDir string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(archivePath), "."))
	switch ext {
	case "zip":
		return extractZip(ctx, archivePath, destDir)
	case "rar":
		return extractRar(ctx, archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive type: %s", archivePath)
	}
}

// entryPath resolves an archive entry name inside destDir. The name is
// cleaned as if rooted at destDir, so ".." components cannot climb out of it.
func entryPath(destDir, name string) (string, error) {
	cleaned := filepath.Join(destDir, filepath.Clean("/"+name))
	if cleaned != destDir && !strings.HasPrefix(cleaned, destDir+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return cleaned, nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := entryPath(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening entry %s: %w", f.Name, err)
		}
		err = writeEntry(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractRar(ctx context.Context, archivePath, destDir string) error {
	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive %s: %w", archivePath, err)
		}

		target, perr := entryPath(destDir, header.Name)
		if perr != nil {
			return perr
		}

		if header.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			continue
		}

		if err := writeEntry(target, r); err != nil {
			return err
		}
	}
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}

	_, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("extracting to %s: %w", target, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", target, closeErr)
	}
	return nil
}
