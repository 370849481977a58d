package postprocess

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shelfarr/shelfarr/internal/config"
	"github.com/shelfarr/shelfarr/internal/fsops"
	"github.com/shelfarr/shelfarr/internal/models"
)

// FinalDestination computes the destination directory for a task, applying
// content-type routing overrides for non-audiobook direct downloads.
func FinalDestination(lib *config.LibraryConfig, task models.DownloadTask) string {
	if task.Source == models.SourceDirectDownload && !task.ContentType.Audiobook() {
		if override := lib.ContentTypeDir(task.ContentType); override != "" {
			return override
		}
	}
	return lib.DestinationFor(task.ContentType)
}

// ValidateDestination checks that a destination is absolute, is (or can
// become) a directory, and is writable, proving writability with a
// uniquely-named probe file. Failures are reported through the status sink
// with permission diagnostics logged at debug level; the returned error
// tells the router to fall through to the next handler.
func ValidateDestination(dest string, sink models.StatusSink, logger *slog.Logger) error {
	fail := func(format string, args ...any) error {
		msg := fmt.Sprintf(format, args...)
		logger.Warn(msg)
		sink.Report(models.StatusError, msg)
		return fmt.Errorf("%s", msg)
	}

	if !filepath.IsAbs(dest) {
		return fail("Destination must be absolute: %s", dest)
	}

	info, err := os.Stat(dest)
	switch {
	case err == nil && !info.IsDir():
		return fail("Destination is not a directory: %s", dest)
	case err != nil:
		if mkErr := os.MkdirAll(dest, 0o755); mkErr != nil {
			fsops.LogPathPermissionContext(logger, "destination_create", dest)
			return fail("Cannot create destination: %s (%v)", dest, mkErr)
		}
	}

	probe := filepath.Join(dest, fmt.Sprintf(".shelfarr_write_test_%s.tmp", uuid.NewString()))
	content := fmt.Sprintf("This file was created to verify if '%s' is writable. "+
		"It should've been automatically deleted. Feel free to delete it.\n", dest)

	if err := os.WriteFile(probe, []byte(content), 0o644); err != nil {
		logger.Debug("destination write probe path", slog.String("path", probe))
		fsops.LogPathPermissionContext(logger, "destination_write_probe", dest)
		return fail("Destination not writable: %s (%v)", dest, err)
	}
	if err := os.Remove(probe); err != nil {
		logger.Debug("failed to remove write probe",
			slog.String("path", probe),
			slog.String("error", err.Error()))
	}

	return nil
}
