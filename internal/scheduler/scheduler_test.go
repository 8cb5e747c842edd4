package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/internal/cache"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/environ"
	"github.com/conveyor-ci/conveyor/internal/rules"
	"github.com/conveyor-ci/conveyor/internal/scheduler"
	"github.com/conveyor-ci/conveyor/internal/trigger"
)

// stubAdapter is a scriptable in-memory environment. behave decides the
// outcome of each attempt; timing of every attempt is recorded.
type stubAdapter struct {
	mu     sync.Mutex
	delay  time.Duration
	behave func(spec environ.JobSpec, attempt int) (environ.RunResult, error)

	attempts   map[string]int
	starts     map[string][]time.Time
	ends       map[string][]time.Time
	running    int
	maxRunning int
}

func newStub(delay time.Duration, behave func(spec environ.JobSpec, attempt int) (environ.RunResult, error)) *stubAdapter {
	if behave == nil {
		behave = func(environ.JobSpec, int) (environ.RunResult, error) {
			return environ.RunResult{ExitCode: 0}, nil
		}
	}
	return &stubAdapter{
		delay:    delay,
		behave:   behave,
		attempts: map[string]int{},
		starts:   map[string][]time.Time{},
		ends:     map[string][]time.Time{},
	}
}

func (f *stubAdapter) Run(ctx context.Context, spec environ.JobSpec) (environ.RunResult, error) {
	f.mu.Lock()
	f.attempts[spec.Name]++
	attempt := f.attempts[spec.Name]
	f.starts[spec.Name] = append(f.starts[spec.Name], time.Now())
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.recordEnd(spec.Name)
			return environ.RunResult{ExitCode: -1}, nil
		}
	}
	res, err := f.behave(spec, attempt)
	f.recordEnd(spec.Name)
	return res, err
}

func (f *stubAdapter) recordEnd(job string) {
	f.mu.Lock()
	f.ends[job] = append(f.ends[job], time.Now())
	f.running--
	f.mu.Unlock()
}

func (f *stubAdapter) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func (f *stubAdapter) attemptCount(job string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[job]
}

func pl(stages []string, jobs ...*config.Job) *config.Pipeline {
	p := &config.Pipeline{Stages: stages, Jobs: map[string]*config.Job{}}
	for _, j := range jobs {
		if len(j.Script) == 0 {
			j.Script = []string{"true"}
		}
		p.Jobs[j.Name] = j
	}
	return p
}

func allIncluded(p *config.Pipeline) map[string]rules.Decision {
	d := make(map[string]rules.Decision, len(p.Jobs))
	for name := range p.Jobs {
		d[name] = rules.Included
	}
	return d
}

func newSched(t *testing.T, p *config.Pipeline, decisions map[string]rules.Decision, ruleErrs map[string]error, adapter environ.Adapter, store *cache.Store) *scheduler.Scheduler {
	t.Helper()
	if decisions == nil {
		decisions = allIncluded(p)
	}
	g, err := dag.Build(context.Background(), p, decisions, ruleErrs)
	require.NoError(t, err)
	tc := trigger.New(trigger.Context{Branch: "main", DefaultBranch: "main", CommitSHA: "abc123"})
	return scheduler.New(g, p, tc, adapter, store, scheduler.Options{Workers: 4, WorkDir: t.TempDir()})
}

func jobResult(t *testing.T, summary *scheduler.Summary, name string) *scheduler.Result {
	t.Helper()
	for _, res := range summary.Jobs {
		if res.Job == name {
			return res
		}
	}
	t.Fatalf("job %q not in summary", name)
	return nil
}

func TestRun_ImplicitStageOrdering(t *testing.T) {
	stub := newStub(40*time.Millisecond, nil)
	p := pl([]string{"test", "deploy"},
		&config.Job{Name: "unit", Stage: "test"},
		&config.Job{Name: "ship", Stage: "deploy"},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSucceeded, summary.Status)

	// ship never starts before unit reaches a terminal status.
	require.Len(t, stub.starts["ship"], 1)
	require.Len(t, stub.ends["unit"], 1)
	assert.False(t, stub.starts["ship"][0].Before(stub.ends["unit"][0]))
}

func TestRun_FailureSkipsDependents(t *testing.T) {
	stub := newStub(0, func(spec environ.JobSpec, _ int) (environ.RunResult, error) {
		if spec.Name == "unit" {
			return environ.RunResult{ExitCode: 1, Log: "boom"}, nil
		}
		return environ.RunResult{}, nil
	})
	p := pl([]string{"test", "deploy"},
		&config.Job{Name: "unit", Stage: "test"},
		&config.Job{Name: "ship", Stage: "deploy"},
		&config.Job{Name: "pages", Stage: "deploy"},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailed, summary.Status)

	unit := jobResult(t, summary, "unit")
	assert.Equal(t, "failed", unit.Status)
	assert.Equal(t, scheduler.ReasonScriptFailure, unit.Reason)
	assert.Equal(t, 1, unit.ExitCode)

	for _, name := range []string{"ship", "pages"} {
		res := jobResult(t, summary, name)
		assert.Equal(t, "skipped", res.Status)
		assert.Equal(t, scheduler.ReasonUpstreamFailed, res.Reason)
		assert.Zero(t, stub.attemptCount(name), "%s must never execute", name)
	}
}

func TestRun_AllowFailureNeverFailsRun(t *testing.T) {
	stub := newStub(0, func(spec environ.JobSpec, _ int) (environ.RunResult, error) {
		if spec.Name == "lint" {
			return environ.RunResult{ExitCode: 2}, nil
		}
		return environ.RunResult{}, nil
	})
	p := pl([]string{"test", "deploy"},
		&config.Job{Name: "lint", Stage: "test", AllowFailure: true},
		&config.Job{Name: "ship", Stage: "deploy"},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSucceeded, summary.Status)
	assert.Equal(t, "allowed_failed", jobResult(t, summary, "lint").Status)

	// An allowed failure satisfies dependents.
	assert.Equal(t, "succeeded", jobResult(t, summary, "ship").Status)
	assert.Equal(t, 1, stub.attemptCount("ship"))
}

func TestRun_NeedsGatesOnAllUpstreams(t *testing.T) {
	stub := newStub(50*time.Millisecond, nil)
	p := pl([]string{"test", "deploy"},
		&config.Job{Name: "a", Stage: "test"},
		&config.Job{Name: "b", Stage: "test"},
		&config.Job{Name: "j", Stage: "deploy", Needs: []string{"a", "b"}},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSucceeded, summary.Status)

	start := stub.starts["j"][0]
	assert.False(t, start.Before(stub.ends["a"][0]))
	assert.False(t, start.Before(stub.ends["b"][0]))
}

func TestRun_WorkerCountBoundsParallelism(t *testing.T) {
	stub := newStub(60*time.Millisecond, nil)
	p := pl([]string{"test"},
		&config.Job{Name: "a", Stage: "test"},
		&config.Job{Name: "b", Stage: "test"},
		&config.Job{Name: "c", Stage: "test"},
		&config.Job{Name: "d", Stage: "test"},
		&config.Job{Name: "e", Stage: "test"},
	)
	g, err := dag.Build(context.Background(), p, allIncluded(p), nil)
	require.NoError(t, err)
	tc := trigger.New(trigger.Context{Branch: "main", DefaultBranch: "main"})
	sched := scheduler.New(g, p, tc, stub, nil, scheduler.Options{Workers: 2, WorkDir: t.TempDir()})

	summary, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSucceeded, summary.Status)

	// Five independent jobs, two workers: executions overlap but never
	// exceed the worker count.
	assert.LessOrEqual(t, stub.peakConcurrency(), 2)
	assert.GreaterOrEqual(t, stub.peakConcurrency(), 1)
}

func TestRun_RetryExhaustionCountsAttempts(t *testing.T) {
	stub := newStub(0, func(environ.JobSpec, int) (environ.RunResult, error) {
		return environ.RunResult{ExitCode: 1}, nil
	})
	p := pl([]string{"test"},
		&config.Job{Name: "flaky", Stage: "test", Retry: &config.Retry{Max: 2, When: []string{"script_failure"}}},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	res := jobResult(t, summary, "flaky")
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, stub.attemptCount("flaky"))
}

func TestRun_RetryRecoversBeforeExhaustion(t *testing.T) {
	stub := newStub(0, func(_ environ.JobSpec, attempt int) (environ.RunResult, error) {
		if attempt == 1 {
			return environ.RunResult{ExitCode: 1}, nil
		}
		return environ.RunResult{}, nil
	})
	p := pl([]string{"test"},
		&config.Job{Name: "flaky", Stage: "test", Retry: &config.Retry{Max: 2}},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	res := jobResult(t, summary, "flaky")
	assert.Equal(t, "succeeded", res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestRun_RetryReasonMustMatch(t *testing.T) {
	stub := newStub(0, func(environ.JobSpec, int) (environ.RunResult, error) {
		return environ.RunResult{ExitCode: 1}, nil
	})
	p := pl([]string{"test"},
		&config.Job{Name: "strict", Stage: "test", Retry: &config.Retry{Max: 2, When: []string{"timeout"}}},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	res := jobResult(t, summary, "strict")
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, 1, res.Attempts, "script_failure must not trigger a timeout-only retry")
}

func TestRun_EnvironmentErrorIsRetryable(t *testing.T) {
	stub := newStub(0, func(_ environ.JobSpec, attempt int) (environ.RunResult, error) {
		if attempt == 1 {
			return environ.RunResult{ExitCode: -1}, &environ.Error{Op: "exec", Err: errors.New("image unavailable")}
		}
		return environ.RunResult{}, nil
	})
	p := pl([]string{"test"},
		&config.Job{Name: "pull", Stage: "test", Retry: &config.Retry{Max: 1, When: []string{"environment_failure"}}},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	res := jobResult(t, summary, "pull")
	assert.Equal(t, "succeeded", res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestRun_TimeoutFailsWithTimeoutReason(t *testing.T) {
	stub := newStub(5*time.Second, nil)
	p := pl([]string{"test"},
		&config.Job{Name: "slow", Stage: "test", Timeout: config.Duration(50 * time.Millisecond)},
	)

	summary, err := newSched(t, p, nil, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	res := jobResult(t, summary, "slow")
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, scheduler.ReasonTimeout, res.Reason)
}

func TestRun_ManualGateNeverAutoRuns(t *testing.T) {
	stub := newStub(0, nil)
	p := pl([]string{"deploy"}, &config.Job{Name: "ship", Stage: "deploy"})
	decisions := map[string]rules.Decision{"ship": rules.ManualGate}

	sched := newSched(t, p, decisions, nil, stub, nil)
	summary, err := sched.Run(context.Background())
	require.NoError(t, err)

	// The run completes without waiting on the gate, and the gated job
	// never executed.
	assert.Equal(t, scheduler.StatusSucceeded, summary.Status)
	assert.Equal(t, "gated", jobResult(t, summary, "ship").Status)
	assert.Zero(t, stub.attemptCount("ship"))

	assert.ErrorIs(t, sched.Play("ship"), scheduler.ErrRunFinished)
}

func TestRun_PlayPromotesGatedJob(t *testing.T) {
	stub := newStub(300*time.Millisecond, nil)
	p := pl([]string{"test", "deploy"},
		&config.Job{Name: "long", Stage: "test"},
		&config.Job{Name: "ship", Stage: "deploy"},
	)
	decisions := allIncluded(p)
	decisions["ship"] = rules.ManualGate

	sched := newSched(t, p, decisions, nil, stub, nil)

	done := make(chan *scheduler.Summary, 1)
	go func() {
		summary, err := sched.Run(context.Background())
		assert.NoError(t, err)
		done <- summary
	}()

	// Deliver the play while the upstream job is still running: the gate
	// must be promoted the moment its upstreams are satisfied.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sched.Play("ship"))

	require.Error(t, sched.Play("ghost"))
	require.Error(t, sched.Play("long"), "non-gated jobs cannot be played")

	summary := <-done
	assert.Equal(t, scheduler.StatusSucceeded, summary.Status)
	assert.Equal(t, "succeeded", jobResult(t, summary, "ship").Status)
	assert.Equal(t, 1, stub.attemptCount("ship"))
}

func TestRun_CancellationSkipsAndTerminates(t *testing.T) {
	stub := newStub(2*time.Second, nil)
	p := pl([]string{"test", "deploy"},
		&config.Job{Name: "running", Stage: "test"},
		&config.Job{Name: "waiting", Stage: "deploy"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	summary, err := newSched(t, p, nil, nil, stub, nil).Run(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, "failed", jobResult(t, summary, "running").Status)
	assert.Equal(t, scheduler.ReasonCanceled, jobResult(t, summary, "running").Reason)
	assert.Equal(t, "skipped", jobResult(t, summary, "waiting").Status)
	assert.Zero(t, stub.attemptCount("waiting"))
}

func TestRun_RuleErrorFailsJobWithoutExecuting(t *testing.T) {
	stub := newStub(0, nil)
	p := pl([]string{"test", "deploy"},
		&config.Job{Name: "broken", Stage: "test"},
		&config.Job{Name: "ship", Stage: "deploy"},
	)
	decisions := map[string]rules.Decision{"broken": rules.Excluded, "ship": rules.Included}
	ruleErrs := map[string]error{"broken": &rules.EvaluationError{Job: "broken", Condition: "nope(", Detail: "bad"}}

	summary, err := newSched(t, p, decisions, ruleErrs, stub, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailed, summary.Status)

	broken := jobResult(t, summary, "broken")
	assert.Equal(t, "failed", broken.Status)
	assert.Equal(t, scheduler.ReasonRuleError, broken.Reason)
	assert.Zero(t, stub.attemptCount("broken"))
	assert.Equal(t, "skipped", jobResult(t, summary, "ship").Status)
}

func TestRun_ExcludedJobsAreNeverScheduled(t *testing.T) {
	stub := newStub(0, nil)
	p := pl([]string{"test"},
		&config.Job{Name: "always", Stage: "test"},
		&config.Job{Name: "rc-only", Stage: "test"},
	)
	decisions := map[string]rules.Decision{"always": rules.Included, "rc-only": rules.Excluded}

	summary, err := newSched(t, p, decisions, nil, stub, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSucceeded, summary.Status)
	assert.Zero(t, stub.attemptCount("rc-only"))
	for _, res := range summary.Jobs {
		assert.NotEqual(t, "rc-only", res.Job)
	}
}

func TestRun_CacheHitAcrossRuns(t *testing.T) {
	store, err := cache.NewStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	cacheSpec := &config.CacheSpec{Key: "${branch}", Paths: []string{".venv"}}
	run := func(runID, script string) *scheduler.Summary {
		p := pl([]string{"test"},
			&config.Job{Name: "build", Stage: "test", Script: []string{script}, Cache: cacheSpec},
		)
		g, err := dag.Build(context.Background(), p, allIncluded(p), nil)
		require.NoError(t, err)
		tc := trigger.New(trigger.Context{RunID: runID, Branch: "main", DefaultBranch: "main"})
		sched := scheduler.New(g, p, tc, environ.NewLocal(), store, scheduler.Options{Workers: 2, WorkDir: t.TempDir()})
		summary, err := sched.Run(context.Background())
		require.NoError(t, err)
		return summary
	}

	first := run("run-1", "mkdir -p .venv && echo warm > .venv/marker")
	require.Equal(t, scheduler.StatusSucceeded, first.Status)
	assert.False(t, jobResult(t, first, "build").CacheHit)

	// The second run on the same branch observes the first run's paths.
	second := run("run-2", "test -f .venv/marker")
	require.Equal(t, scheduler.StatusSucceeded, second.Status)
	assert.True(t, jobResult(t, second, "build").CacheHit)
}

func TestRun_ArtifactHandoffBetweenStages(t *testing.T) {
	store, err := cache.NewStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	p := pl([]string{"build", "deploy"},
		&config.Job{
			Name:      "package",
			Stage:     "build",
			Script:    []string{"mkdir -p dist && echo wheel > dist/pkg.whl"},
			Artifacts: &config.Artifacts{Paths: []string{"dist"}},
		},
		&config.Job{
			Name:   "publish",
			Stage:  "deploy",
			Needs:  []string{"package"},
			Script: []string{"test -f dist/pkg.whl"},
		},
	)
	g, err := dag.Build(context.Background(), p, allIncluded(p), nil)
	require.NoError(t, err)
	tc := trigger.New(trigger.Context{Branch: "main", DefaultBranch: "main"})
	sched := scheduler.New(g, p, tc, environ.NewLocal(), store, scheduler.Options{Workers: 2, WorkDir: t.TempDir()})

	summary, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusSucceeded, summary.Status)

	manifest, err := store.Manifest(tc.RunID)
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	assert.Equal(t, "package", manifest[0].Job)
}

func TestRun_CoverageExtraction(t *testing.T) {
	p := pl([]string{"test"},
		&config.Job{
			Name:     "unit",
			Stage:    "test",
			Script:   []string{`echo "TOTAL    1204   76   93.7%"`},
			Coverage: `TOTAL.+?(\d+\.?\d*)%`,
		},
	)
	sched := newSched(t, p, nil, nil, environ.NewLocal(), nil)
	summary, err := sched.Run(context.Background())
	require.NoError(t, err)

	res := jobResult(t, summary, "unit")
	require.Equal(t, "succeeded", res.Status)
	require.NotNil(t, res.Coverage)
	assert.InDelta(t, 93.7, *res.Coverage, 0.001)
}

func TestRun_SnapshotWhileRunning(t *testing.T) {
	stub := newStub(200*time.Millisecond, nil)
	p := pl([]string{"test"}, &config.Job{Name: "unit", Stage: "test"})
	sched := newSched(t, p, nil, nil, stub, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sched.Run(context.Background())
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	snap := sched.Snapshot()
	assert.Equal(t, scheduler.StatusRunning, snap.Status)
	<-done
	assert.Equal(t, scheduler.StatusSucceeded, sched.Snapshot().Status)
}

func TestRun_WorkspacesAreIsolatedPerJob(t *testing.T) {
	workDir := t.TempDir()
	p := pl([]string{"test"},
		&config.Job{Name: "a", Stage: "test", Script: []string{"echo a > owned.txt"}},
		&config.Job{Name: "b", Stage: "test", Script: []string{"test ! -f owned.txt"}},
	)
	g, err := dag.Build(context.Background(), p, allIncluded(p), nil)
	require.NoError(t, err)
	tc := trigger.New(trigger.Context{Branch: "main", DefaultBranch: "main"})
	sched := scheduler.New(g, p, tc, environ.NewLocal(), nil, scheduler.Options{Workers: 1, WorkDir: workDir})

	summary, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusSucceeded, summary.Status, summaryLog(summary))

	_, err = os.Stat(filepath.Join(workDir, "a", "owned.txt"))
	assert.NoError(t, err)
}

func summaryLog(summary *scheduler.Summary) string {
	out := ""
	for _, res := range summary.Jobs {
		out += fmt.Sprintf("%s=%s reason=%s log=%q\n", res.Job, res.Status, res.Reason, res.Log)
	}
	return out
}
