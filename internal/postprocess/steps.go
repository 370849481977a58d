package postprocess

import (
	"log/slog"
	"strings"
)

// PlanStep is one human-readable entry in a pipeline invocation's debug
// trace.
type PlanStep struct {
	Name    string
	Details map[string]any
}

// RecordStep appends a named step to the plan trace.
func RecordStep(steps *[]PlanStep, name string, details map[string]any) {
	*steps = append(*steps, PlanStep{Name: name, Details: details})
}

// LogPlanSteps emits the plan trace for a task at debug level.
func LogPlanSteps(logger *slog.Logger, taskID string, steps []PlanStep) {
	if len(steps) == 0 {
		return
	}
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = step.Name
	}
	logger.Debug("processing plan",
		slog.String("task_id", taskID),
		slog.String("steps", strings.Join(names, " -> ")))
}
