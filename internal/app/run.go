package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/conveyor-ci/conveyor/internal/cache"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/environ"
	"github.com/conveyor-ci/conveyor/internal/rules"
	"github.com/conveyor-ci/conveyor/internal/scheduler"
	"github.com/conveyor-ci/conveyor/internal/trigger"
)

// ErrRunFailed reports that the run completed with at least one fatal job
// failure. It maps to a non-zero exit code without being a usage error.
var ErrRunFailed = errors.New("pipeline run failed")

// Run executes one pipeline run end to end and writes the per-job trail to
// the output writer.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	tc := trigger.New(trigger.Context{
		Branch:        a.cfg.Branch,
		DefaultBranch: a.cfg.DefaultBranch,
		Tag:           a.cfg.Tag,
		CommitSHA:     a.cfg.CommitSHA,
		Manual:        a.cfg.Manual,
		Variables:     a.cfg.Variables,
	})
	a.logger.Info("🚀 Starting pipeline run.", "run_id", tc.RunID, "branch", tc.Branch, "tag", tc.Tag)

	// Decide inclusion for every job. A malformed condition is fatal to
	// its job only: the node is kept so the failure cascades properly.
	decisions := make(map[string]rules.Decision, len(a.pipeline.Jobs))
	ruleErrs := make(map[string]error)
	for name, job := range a.pipeline.Jobs {
		decision, err := rules.Evaluate(job, tc)
		if err != nil {
			a.logger.Error("Rule evaluation failed.", "job", name, "error", err)
			ruleErrs[name] = err
		}
		decisions[name] = decision
		a.logger.Debug("Rule decision.", "job", name, "decision", decision.String())
	}

	graph, err := dag.Build(ctx, a.pipeline, decisions, ruleErrs)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "node_count", len(graph.Nodes))
	if len(graph.Nodes) == 0 {
		a.logger.Warn("All jobs excluded by rules; nothing to run.")
		return nil
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}

	workDir := a.cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "conveyor-run-")
		if err != nil {
			return fmt.Errorf("creating run workspace: %w", err)
		}
	}

	sched := scheduler.New(graph, a.pipeline, tc, environ.NewLocal(), store, scheduler.Options{
		Workers: a.cfg.Workers,
		WorkDir: workDir,
		Metrics: scheduler.NewMetrics(a.promReg),
	})

	if a.cfg.ListenAddr != "" {
		a.startAPIServer(a.cfg.ListenAddr, tc.RunID, sched)
	}

	summary, err := sched.Run(ctx)
	if err != nil {
		return fmt.Errorf("execution aborted: %w", err)
	}
	a.printSummary(summary, store, tc.RunID)

	if summary.Status == scheduler.StatusFailed {
		return ErrRunFailed
	}
	a.logger.Info("🏁 Pipeline run succeeded.", "run_id", tc.RunID)
	return nil
}

// openStore opens the shared cache/artifact store, or disables caching when
// no directory is configured.
func (a *App) openStore() (*cache.Store, error) {
	if a.cfg.CacheDir == "" {
		a.logger.Debug("No cache directory configured; running cacheless.")
		return nil, nil
	}
	store, err := cache.NewStore(a.cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	return store, nil
}

// printSummary writes the human-readable run trail: one line per job plus
// the retained artifact manifest.
func (a *App) printSummary(summary *scheduler.Summary, store *cache.Store, runID string) {
	fmt.Fprintf(a.outW, "\nrun %s: %s\n", summary.RunID, summary.Status)
	for _, res := range summary.Jobs {
		line := fmt.Sprintf("  %-24s %-14s attempts=%d", res.Job, res.Status, res.Attempts)
		if res.Reason != "" {
			line += " reason=" + res.Reason
		}
		if res.Coverage != nil {
			line += fmt.Sprintf(" coverage=%.1f%%", *res.Coverage)
		}
		fmt.Fprintln(a.outW, line)
	}
	if store == nil {
		return
	}
	manifest, err := store.Manifest(runID)
	if err != nil {
		a.logger.Warn("Could not read artifact manifest.", "error", err)
		return
	}
	for _, rec := range manifest {
		fmt.Fprintf(a.outW, "  artifact %s: %v (%s)\n", rec.Job, rec.Paths, rec.Digest[:12])
	}
}
