package postprocess

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shelfarr/shelfarr/internal/models"
)

// OutputHandler consumes a completed download and places it in a
// destination. Handlers must never mutate external sources, must fully
// clean their managed workspace on every exit, and report progress through
// the status sink.
type OutputHandler interface {
	// Mode names the handler for logs and diagnostics.
	Mode() string

	// Accepts reports whether the handler wants this task.
	Accepts(task models.DownloadTask) bool

	// Process imports the input and returns the primary destination path.
	// Returning ErrHandlerDeclined (possibly wrapped) lets the router try
	// the next handler.
	Process(ctx context.Context, input string, task models.DownloadTask, sink models.StatusSink) (string, error)
}

// Router selects an output handler for each task. The folder handler is the
// fallback when no registered handler takes the task.
type Router struct {
	handlers []OutputHandler
	fallback OutputHandler
	logger   *slog.Logger
}

// NewRouter creates a Router with the given fallback handler.
func NewRouter(fallback OutputHandler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{fallback: fallback, logger: logger}
}

// Register adds a handler ahead of the fallback. Handlers are consulted in
// registration order.
func (r *Router) Register(h OutputHandler) {
	r.handlers = append(r.handlers, h)
}

// Process routes one completed download through the first accepting
// handler, falling through on ErrHandlerDeclined.
func (r *Router) Process(ctx context.Context, input string, task models.DownloadTask, sink models.StatusSink) (string, error) {
	switch {
	case task.SearchMode == "":
		r.logger.Warn("task missing search_mode, defaulting to direct mode behavior",
			slog.String("task_id", task.TaskID))
	case !task.SearchMode.Valid():
		r.logger.Warn("task has invalid search_mode, defaulting to direct mode behavior",
			slog.String("task_id", task.TaskID),
			slog.String("search_mode", string(task.SearchMode)))
	}

	for _, h := range r.handlers {
		if !h.Accepts(task) {
			continue
		}
		r.logger.Info("using output mode",
			slog.String("task_id", task.TaskID),
			slog.String("mode", h.Mode()))

		out, err := h.Process(ctx, input, task, sink)
		if errors.Is(err, ErrHandlerDeclined) {
			r.logger.Info("output handler declined, trying next",
				slog.String("task_id", task.TaskID),
				slog.String("mode", h.Mode()))
			continue
		}
		return out, err
	}

	r.logger.Info("using output mode",
		slog.String("task_id", task.TaskID),
		slog.String("mode", r.fallback.Mode()))
	return r.fallback.Process(ctx, input, task, sink)
}
