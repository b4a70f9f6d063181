package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SomethingGeneric/gort/internal/domain"
)

// SlugLocker is the non-blocking side of the per-repository lock
type SlugLocker interface {
	TryLock(slug domain.RepositorySlug) (unlock func(), ok bool)
}

// Janitor removes checkouts left behind by crashed or abandoned runs
type Janitor struct {
	root   string
	maxAge time.Duration
	locks  SlugLocker
	logger *slog.Logger
	cron   *cron.Cron
}

// NewJanitor creates a Janitor for checkouts under root
func NewJanitor(root string, maxAge time.Duration, locks SlugLocker, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		root:   root,
		maxAge: maxAge,
		locks:  locks,
		logger: logger,
	}
}

// ParseSchedule parses a standard five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Sweep removes every checkout last modified before now-maxAge whose
// repository is not locked by a run. It returns the removed slugs.
func (j *Janitor) Sweep(now time.Time) ([]domain.RepositorySlug, error) {
	owners, err := os.ReadDir(j.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := now.Add(-j.maxAge)
	var removed []domain.RepositorySlug

	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(j.root, owner.Name())
		repos, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		for _, repo := range repos {
			if !repo.IsDir() {
				continue
			}
			info, err := repo.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}

			slug := domain.RepositorySlug{Owner: owner.Name(), Name: repo.Name()}
			unlock, ok := j.locks.TryLock(slug)
			if !ok {
				continue // A run owns it
			}
			err = os.RemoveAll(filepath.Join(ownerDir, repo.Name()))
			unlock()
			if err != nil {
				j.logger.Warn("janitor remove", "repo", slug.String(), "error", err)
				continue
			}
			removed = append(removed, slug)
			j.logger.Info("janitor removed stale workspace", "repo", slug.String(), "modified", info.ModTime())
		}
		_ = os.Remove(ownerDir) // Only succeeds when empty
	}
	return removed, nil
}

// Start runs Sweep on the cron schedule until Stop is called
func (j *Janitor) Start(schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	j.cron = cron.New()
	j.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := j.Sweep(time.Now()); err != nil {
			j.logger.Warn("janitor sweep", "error", err)
		}
	}))
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}
