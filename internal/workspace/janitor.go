package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps orphaned workspaces out of the tmp root.
// A workspace can be orphaned by a hard crash between creation and the
// deferred destroy; the janitor removes any entry older than the retention
// window.
type Janitor struct {
	mgr       *Manager
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewJanitor creates a Janitor for the given manager.
func NewJanitor(mgr *Manager, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		mgr:       mgr,
		retention: retention,
		logger:    logger,
	}
}

// Start runs an immediate sweep and schedules recurring sweeps on the given
// cron expression.
func (j *Janitor) Start(schedule string) error {
	j.Sweep()

	c := cron.New()
	if _, err := c.AddFunc(schedule, j.Sweep); err != nil {
		return err
	}
	c.Start()
	j.cron = c
	return nil
}

// Stop stops scheduled sweeps. A sweep in flight runs to completion.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.cron = nil
	}
}

// Sweep removes every entry under the tmp root whose modification time is
// older than the retention window.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.mgr.Root())
	if err != nil {
		j.logger.Warn("janitor sweep failed to list tmp root",
			slog.String("root", j.mgr.Root()),
			slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().Add(-j.retention)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.mgr.Root(), entry.Name())
		if err := j.mgr.SafeCleanup(path); err != nil {
			continue
		}
		removed++
	}

	if removed > 0 {
		j.logger.Info("janitor removed stale workspaces",
			slog.Int("count", removed),
			slog.Duration("retention", j.retention))
	}
}
