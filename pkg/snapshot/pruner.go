package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wachiwi/printer-cam/pkg/logger"
)

// Pruner removes old motion snapshots from the snapshot directory on a schedule.
type Pruner struct {
	dir       string
	retention time.Duration
	now       func() time.Time
	cron      *cron.Cron
}

// NewPruner schedules Prune with a cron expression such as "@every 1h".
func NewPruner(dir string, retention time.Duration, schedule string) (*Pruner, error) {
	p := &Pruner{dir: dir, retention: retention, now: time.Now}

	cronLog := &logger.CronLogger{Logger: slog.Default()}
	p.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := p.cron.AddFunc(schedule, func() {
		if n, err := p.Prune(); err != nil {
			slog.Error("Error pruning snapshots", "error", err)
		} else if n > 0 {
			slog.Info("Pruned snapshots", "removed", n, "dir", dir)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Pruner) Start() { p.cron.Start() }

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() { <-p.cron.Stop().Done() }

// Prune deletes motion_*.jpg files whose embedded trigger time is older than
// the retention. Other files are left alone. It returns the number removed.
func (p *Pruner) Prune() (int, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(p.dir, "motion_*.jpg"))
	if err != nil {
		return 0, err
	}

	cutoff := p.now().Add(-p.retention)
	removed := 0
	for _, path := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "motion_"), ".jpg")
		taken, err := time.ParseInLocation(filenameLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		if taken.Before(cutoff) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
