// Package config parses and validates pipeline documents into the in-memory
// model the rest of the engine operates on. Documents are declarative YAML:
// an ordered stage list plus a map of named jobs with rules, caches and
// explicit dependency (needs) edges.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/internal/ctxlog"
)

// ParseError reports a malformed or inconsistent pipeline document. It is
// fatal: a run never starts from a document that fails to load.
type ParseError struct {
	Msg string
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Msg, e.Err)
	}
	return "parse error: " + e.Msg
}

// Unwrap exposes the underlying cause, if any.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// maxRetries bounds a job's retry policy; anything higher is almost
// certainly a typo rather than intent.
const maxRetries = 10

// Load reads a pipeline document from disk and parses it.
func Load(ctx context.Context, path string) (*Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading pipeline document.", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Msg: "reading document", Err: err}
	}
	return Parse(ctx, data)
}

// Parse decodes and validates a pipeline document. It returns a *ParseError
// for any malformed or internally inconsistent input.
func Parse(ctx context.Context, data []byte) (*Pipeline, error) {
	logger := ctxlog.FromContext(ctx)

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &ParseError{Msg: "decoding document", Err: err}
	}

	for name, job := range p.Jobs {
		if job == nil {
			return nil, &ParseError{Msg: fmt.Sprintf("job %q has no body", name)}
		}
		job.Name = name
	}

	if err := validate(&p); err != nil {
		return nil, err
	}

	logger.Debug("Pipeline document parsed.", "stages", len(p.Stages), "jobs", len(p.Jobs))
	return &p, nil
}

// validate enforces the structural invariants of the model: declared stages,
// resolvable needs edges that never point forward across stage boundaries,
// non-empty scripts, and bounded policies.
func validate(p *Pipeline) error {
	if len(p.Stages) == 0 {
		return &ParseError{Msg: "no stages declared"}
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s == "" {
			return &ParseError{Msg: "empty stage name"}
		}
		if seen[s] {
			return &ParseError{Msg: fmt.Sprintf("stage %q declared twice", s)}
		}
		seen[s] = true
	}
	if len(p.Jobs) == 0 {
		return &ParseError{Msg: "no jobs declared"}
	}

	for _, name := range p.JobNames() {
		job := p.Jobs[name]
		stageIdx := p.StageIndex(job.Stage)
		if stageIdx < 0 {
			return &ParseError{Msg: fmt.Sprintf("job %q references undeclared stage %q", name, job.Stage)}
		}
		if len(job.Script) == 0 {
			return &ParseError{Msg: fmt.Sprintf("job %q has no script", name)}
		}
		for _, need := range job.Needs {
			target, ok := p.Jobs[need]
			if !ok {
				return &ParseError{Msg: fmt.Sprintf("invalid dependency: job %q needs unknown job %q", name, need)}
			}
			if need == name {
				return &ParseError{Msg: fmt.Sprintf("invalid dependency: job %q needs itself", name)}
			}
			if p.StageIndex(target.Stage) > stageIdx {
				return &ParseError{Msg: fmt.Sprintf(
					"invalid dependency: job %q (stage %q) needs %q from later stage %q",
					name, job.Stage, need, target.Stage)}
			}
		}
		if retry := p.EffectiveRetry(job); retry != nil {
			if retry.Max < 0 || retry.Max > maxRetries {
				return &ParseError{Msg: fmt.Sprintf("job %q retry max %d out of range [0,%d]", name, retry.Max, maxRetries)}
			}
			for _, reason := range retry.When {
				switch reason {
				case "script_failure", "timeout", "environment_failure":
				default:
					return &ParseError{Msg: fmt.Sprintf("job %q has unknown retry reason %q", name, reason)}
				}
			}
		}
		for _, rule := range job.Rules {
			switch rule.When {
			case "", "always", "on_success", "never", "manual":
			default:
				return &ParseError{Msg: fmt.Sprintf("job %q has unknown rule effect %q", name, rule.When)}
			}
		}
	}
	return nil
}

// sortJobs orders job names by stage ordinal, then lexically. Jobs are
// declared in a YAML map, so this is the engine's canonical order.
func sortJobs(p *Pipeline, names []string) {
	sort.Slice(names, func(i, j int) bool {
		si := p.StageIndex(p.Jobs[names[i]].Stage)
		sj := p.StageIndex(p.Jobs[names[j]].Stage)
		if si != sj {
			return si < sj
		}
		return names[i] < names[j]
	})
}
