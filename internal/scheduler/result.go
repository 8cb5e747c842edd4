package scheduler

import (
	"time"
)

// Failure reasons recorded on job results and matched against retry
// policies.
const (
	ReasonScriptFailure      = "script_failure"
	ReasonTimeout            = "timeout"
	ReasonEnvironmentFailure = "environment_failure"
	ReasonCanceled           = "canceled"
	ReasonRuleError          = "rule_error"
	ReasonUpstreamFailed     = "upstream_failed"
)

// Result is the per-job outcome visible to callers and the run API.
type Result struct {
	Job      string        `json:"job"`
	Stage    string        `json:"stage"`
	Status   string        `json:"status"`
	Attempts int           `json:"attempts"`
	ExitCode int           `json:"exit_code"`
	Reason   string        `json:"reason,omitempty"`
	Log      string        `json:"log,omitempty"`
	Coverage *float64      `json:"coverage,omitempty"`
	CacheHit bool          `json:"cache_hit"`
	Duration time.Duration `json:"duration_ns"`
}

// Run-level statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Summary is the state of a whole run: overall status plus the per-job
// trail, ordered by stage then job name.
type Summary struct {
	RunID  string    `json:"run_id"`
	Status string    `json:"status"`
	Jobs   []*Result `json:"jobs"`
}
