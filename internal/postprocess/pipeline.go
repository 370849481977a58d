package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/shelfarr/shelfarr/internal/config"
	"github.com/shelfarr/shelfarr/internal/fsops"
	"github.com/shelfarr/shelfarr/internal/models"
	"github.com/shelfarr/shelfarr/internal/workspace"
)

// ErrHandlerDeclined tells the router this handler cannot take the task and
// the next handler should be tried. It is not a task failure.
var ErrHandlerDeclined = errors.New("output handler declined")

// FolderHandler imports downloads into a library destination directory.
// It is the default output handler.
type FolderHandler struct {
	cfg    *config.Config
	mgr    *workspace.Manager
	tr     *Transferrer
	logger *slog.Logger
}

// NewFolderHandler creates the folder output handler.
func NewFolderHandler(cfg *config.Config, mgr *workspace.Manager, fs *fsops.FS, logger *slog.Logger) *FolderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FolderHandler{
		cfg:    cfg,
		mgr:    mgr,
		tr:     NewTransferrer(fs, mgr, logger),
		logger: logger,
	}
}

// Mode returns the handler's output mode name.
func (h *FolderHandler) Mode() string { return "folder" }

// Accepts reports whether the handler can take the task. The folder handler
// takes everything; it is the fallback.
func (h *FolderHandler) Accepts(models.DownloadTask) bool { return true }

// Process runs the five pipeline phases for one completed download and
// returns the absolute destination path of the primary imported file.
//
// The managed workspace created here is destroyed on every exit path.
// Cancellation is observed at each phase boundary and between transfers;
// on cancellation, destinations already created by this invocation are
// removed before returning.
func (h *FolderHandler) Process(ctx context.Context, input string, task models.DownloadTask, sink models.StatusSink) (string, error) {
	var steps []PlanStep
	defer func() { LogPlanSteps(h.logger, task.TaskID, steps) }()

	dest := FinalDestination(&h.cfg.Library, task)
	if err := ValidateDestination(dest, sink, h.logger); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandlerDeclined, err)
	}
	RecordStep(&steps, "validate_destination", map[string]any{"dest": dest})

	sink.Report(models.StatusDownloading, fmt.Sprintf("Processing %s", task.Title))

	ws, err := h.mgr.Create(task.TaskID)
	if err != nil {
		sink.Report(models.StatusError, err.Error())
		return "", err
	}
	defer ws.Destroy()
	defer h.reclaimManagedInput(input)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	media := h.cfg.Library.MediaFor(task.ContentType)
	preserve := h.tr.ShouldPreserveArchiveOpaquely(task, input, media)

	prepared := Scan(ctx, input, ScanOptions{
		Formats:          h.cfg.Library.SupportedFormatSet(task.ContentType),
		AllowExtract:     !preserve,
		PreserveArchives: preserve,
		StageExternal:    h.tr.ExternalOwned(task, input),
		Workspace:        ws,
		Status:           sink,
	}, h.logger)
	defer h.cleanupStaging(prepared)

	if prepared.Err != nil {
		sink.Report(models.StatusError, prepared.Err.Error())
		return "", prepared.Err
	}
	if len(prepared.Files) == 0 {
		err := fmt.Errorf("no supported files found in %s (%d rejected)",
			input, len(prepared.Rejected))
		sink.Report(models.StatusError, err.Error())
		return "", err
	}
	RecordStep(&steps, "scan", map[string]any{
		"files":    len(prepared.Files),
		"rejected": len(prepared.Rejected),
	})

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var created []string
	total := len(prepared.Files)
	for i, source := range prepared.Files {
		if err := ctx.Err(); err != nil {
			h.rollback(created)
			sink.Report(models.StatusError, "Processing canceled")
			return "", err
		}

		part := PartNumberFor(i, total)
		rel := RenderName(media.Organization, media.Template(), task, source, part)
		target := filepath.Join(dest, rel)
		strategy := h.tr.ChooseStrategy(task, source, target, media)

		final, err := h.tr.Transfer(source, target, strategy, sink)
		if err != nil {
			sink.Report(models.StatusError, err.Error())
			return "", err
		}
		created = append(created, final)
		RecordStep(&steps, "transfer", map[string]any{
			"source":   source,
			"dest":     final,
			"strategy": strategy.String(),
		})
	}

	h.runCustomScript(ctx, created[0])

	sink.Report(models.StatusComplete, fmt.Sprintf("Imported %s", task.Title))
	return created[0], nil
}

// cleanupStaging removes every path the scan recorded under the managed
// workspace. Invoked on every exit path of the transfer phase.
func (h *FolderHandler) cleanupStaging(prepared *PreparedFiles) {
	for _, path := range prepared.WorkspaceCleanup {
		if err := h.mgr.SafeCleanup(path); err != nil {
			h.logger.Debug("staging cleanup failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// reclaimManagedInput removes a managed input path once processing is over.
// Moved files are already gone; this catches the leftover directory trees,
// files that failed to move, and the now-empty staging directories above
// the input. External inputs are refused by SafeCleanup by construction.
func (h *FolderHandler) reclaimManagedInput(input string) {
	if !h.mgr.IsManagedPath(input) {
		return
	}
	if err := h.mgr.SafeCleanup(input); err != nil {
		h.logger.Debug("input cleanup failed",
			slog.String("path", input),
			slog.String("error", err.Error()))
		return
	}

	// Prune empty managed parents up to (not including) the tmp root.
	for dir := filepath.Dir(input); h.mgr.IsManagedPath(dir); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := h.mgr.SafeCleanup(dir); err != nil {
			return
		}
	}
}

// rollback removes destinations created by this invocation. They were
// claimed with exclusive create, so they are attributable to us.
func (h *FolderHandler) rollback(created []string) {
	for _, path := range created {
		if err := os.Remove(path); err != nil {
			h.logger.Debug("rollback failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// runCustomScript invokes the configured post-processing script with the
// primary destination path. Script failures are warnings; the import stands.
func (h *FolderHandler) runCustomScript(ctx context.Context, dest string) {
	script := h.cfg.Library.CustomScript
	if script == "" {
		return
	}

	cmd := exec.CommandContext(ctx, script, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		h.logger.Warn("custom script failed",
			slog.String("script", script),
			slog.String("dest", dest),
			slog.String("output", string(out)),
			slog.String("error", err.Error()))
	}
}
