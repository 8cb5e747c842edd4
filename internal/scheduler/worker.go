package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/coverage"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/environ"
)

// worker is the processing loop of one pool member: it picks up runnable
// nodes, executes them through the environment adapter, and reports the
// terminal result back to the event loop.
func (s *Scheduler) worker(ctx context.Context, id int) {
	logger := ctxlog.FromContext(ctx).With("worker", id)
	logger.Debug("Worker started.")

	for n := range s.ready {
		if ctx.Err() != nil {
			if n.Skip() {
				s.events <- event{kind: evCompleted, node: n, res: &Result{
					Job: n.Name(), Stage: n.Job.Stage, Status: dag.Skipped.String(), Reason: ReasonCanceled,
				}}
			}
			continue
		}

		logger.Debug("Worker picked up job.", "job", n.Name())
		n.SetState(dag.Running)
		s.opts.Metrics.jobStarted()

		res := s.executeNode(ctx, n)

		s.opts.Metrics.jobStopped()
		s.events <- event{kind: evCompleted, node: n, res: res}
	}
	logger.Debug("Worker finished.")
}

// executeNode runs one job to its terminal state: workspace setup, cache and
// artifact materialization, the attempt loop with retry policy, then cache
// write-back and artifact retention on success.
func (s *Scheduler) executeNode(ctx context.Context, n *dag.Node) *Result {
	logger := ctxlog.FromContext(ctx).With("job", n.Name())
	job := n.Job
	res := &Result{Job: job.Name, Stage: job.Stage}

	// A malformed rule condition fails the job without executing it.
	if n.RuleError != nil {
		res.Reason = ReasonRuleError
		res.Log = n.RuleError.Error()
		s.finish(n, res, false)
		return res
	}

	workDir := filepath.Join(s.opts.WorkDir, job.Name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		res.Reason = ReasonEnvironmentFailure
		res.Log = fmt.Sprintf("creating workspace: %v", err)
		s.finish(n, res, false)
		return res
	}

	s.materializeArtifacts(ctx, n, workDir)

	cacheKey := ""
	if spec := s.pipe.EffectiveCache(job); spec != nil && s.store != nil {
		cacheKey = s.tc.ExpandKey(spec.Key)
		hit, err := s.store.Get(cacheKey, workDir)
		if err != nil {
			logger.Warn("Cache fetch failed; continuing cold.", "key", cacheKey, "error", err)
		}
		res.CacheHit = hit
		logger.Debug("Cache consulted.", "key", cacheKey, "hit", hit)
	}

	spec := environ.JobSpec{
		Name:     job.Name,
		Image:    s.pipe.EffectiveImage(job),
		Services: services(job),
		Script:   job.Script,
		Env:      s.jobEnv(job),
		WorkDir:  workDir,
	}

	retry := s.pipe.EffectiveRetry(job)
	maxAttempts := 1
	if retry != nil {
		maxAttempts += retry.Max
	}
	timeout := s.pipe.EffectiveTimeout(job)

	started := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		reason, rr := s.runAttempt(ctx, spec, timeout)
		res.ExitCode = rr.ExitCode
		res.Log = rr.Log

		if reason == "" {
			res.Duration = time.Since(started)
			s.extractCoverage(ctx, job, res)
			s.persistOutputs(ctx, n, cacheKey, workDir)
			s.finish(n, res, true)
			return res
		}

		res.Reason = reason
		if reason != ReasonCanceled && attempt < maxAttempts && retryable(retry, reason) {
			logger.Warn("Attempt failed; retrying.", "attempt", attempt, "reason", reason)
			s.opts.Metrics.jobRetried()
			continue
		}
		break
	}

	res.Duration = time.Since(started)
	s.finish(n, res, false)
	return res
}

// runAttempt executes one attempt and classifies its outcome. An empty
// reason means success.
func (s *Scheduler) runAttempt(ctx context.Context, spec environ.JobSpec, timeout time.Duration) (string, environ.RunResult) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rr, err := s.adapter.Run(attemptCtx, spec)
	switch {
	case ctx.Err() != nil:
		return ReasonCanceled, rr
	case attemptCtx.Err() == context.DeadlineExceeded:
		return ReasonTimeout, rr
	case err != nil:
		rr.Log += "\n" + err.Error()
		return ReasonEnvironmentFailure, rr
	case rr.ExitCode != 0:
		return ReasonScriptFailure, rr
	}
	return "", rr
}

// finish stamps the node's terminal state. A failed allow_failure job lands
// in AllowedFailed: satisfied for dependents, invisible to run status.
func (s *Scheduler) finish(n *dag.Node, res *Result, success bool) {
	switch {
	case success:
		n.SetState(dag.Succeeded)
	case n.Job.AllowFailure:
		n.SetState(dag.AllowedFailed)
	default:
		n.SetState(dag.Failed)
	}
	res.Status = n.State().String()
}

// materializeArtifacts extracts every upstream job's retained artifacts into
// the workspace before the script runs.
func (s *Scheduler) materializeArtifacts(ctx context.Context, n *dag.Node, workDir string) {
	if s.store == nil {
		return
	}
	logger := ctxlog.FromContext(ctx)
	for _, up := range n.Upstream() {
		hit, err := s.store.GetArtifacts(s.tc.RunID, up, workDir)
		if err != nil {
			logger.Warn("Artifact fetch failed.", "job", n.Name(), "from", up, "error", err)
			continue
		}
		if hit {
			logger.Debug("Artifacts materialized.", "job", n.Name(), "from", up)
		}
	}
}

// persistOutputs writes the cache entry and retained artifacts after a
// successful run. Both are best-effort: a failed write-back never fails the
// job.
func (s *Scheduler) persistOutputs(ctx context.Context, n *dag.Node, cacheKey, workDir string) {
	if s.store == nil {
		return
	}
	logger := ctxlog.FromContext(ctx)
	job := n.Job
	if spec := s.pipe.EffectiveCache(job); spec != nil && cacheKey != "" {
		if err := s.store.Put(cacheKey, workDir, spec.Paths); err != nil {
			logger.Warn("Cache write-back failed.", "job", job.Name, "key", cacheKey, "error", err)
		}
	}
	if job.Artifacts != nil && len(job.Artifacts.Paths) > 0 {
		if err := s.store.PutArtifacts(s.tc.RunID, job.Name, workDir, job.Artifacts.Paths); err != nil {
			logger.Warn("Artifact retention failed.", "job", job.Name, "error", err)
		}
	}
}

// extractCoverage applies the job's coverage pattern to the captured log.
func (s *Scheduler) extractCoverage(ctx context.Context, job *config.Job, res *Result) {
	if job.Coverage == "" {
		return
	}
	value, ok, err := coverage.Extract(job.Coverage, res.Log)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Invalid coverage pattern.", "job", job.Name, "error", err)
		return
	}
	if ok {
		res.Coverage = &value
	}
}

// jobEnv merges variable scopes lowest-precedence first: document globals,
// default block, job variables, then externally supplied trigger variables,
// plus the built-in CI_* identity of the run.
func (s *Scheduler) jobEnv(job *config.Job) []string {
	merged := map[string]string{}
	for k, v := range s.pipe.Variables {
		merged[k] = v
	}
	for k, v := range s.pipe.Default.Vars {
		merged[k] = v
	}
	for k, v := range job.Variables {
		merged[k] = v
	}
	for k, v := range s.tc.Variables {
		merged[k] = v
	}
	merged["CI_PIPELINE_ID"] = s.tc.RunID
	merged["CI_JOB_NAME"] = job.Name
	merged["CI_JOB_STAGE"] = job.Stage
	merged["CI_COMMIT_BRANCH"] = s.tc.Branch
	merged["CI_COMMIT_SHA"] = s.tc.CommitSHA
	merged["CI_COMMIT_TAG"] = s.tc.Tag
	merged["CI_DEFAULT_BRANCH"] = s.tc.DefaultBranch

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// retryable reports whether a failure reason qualifies under the policy. An
// empty When list retries on any reason except cancellation.
func retryable(retry *config.Retry, reason string) bool {
	if retry == nil || retry.Max <= 0 {
		return false
	}
	if len(retry.When) == 0 {
		return true
	}
	for _, r := range retry.When {
		if r == reason {
			return true
		}
	}
	return false
}

func services(job *config.Job) []environ.Service {
	out := make([]environ.Service, 0, len(job.Services))
	for _, svc := range job.Services {
		out = append(out, environ.Service{Image: svc.Image, Alias: svc.Alias, Command: svc.Command})
	}
	return out
}
