package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline is the in-memory representation of one pipeline document: the
// ordered stage list, global variables, the default cache spec, and the
// static job set. It is immutable after Load.
type Pipeline struct {
	Stages    []string          `yaml:"stages"`
	Variables map[string]string `yaml:"variables"`
	Default   Defaults          `yaml:"default"`
	Cache     *CacheSpec        `yaml:"cache"`
	Jobs      map[string]*Job   `yaml:"jobs"`
}

// Defaults holds document-wide settings a job inherits when it does not
// declare its own.
type Defaults struct {
	Image   string         `yaml:"image"`
	Timeout Duration       `yaml:"timeout"`
	Retry   *Retry         `yaml:"retry"`
	Cache   *CacheSpec     `yaml:"cache"`
	Vars    map[string]string `yaml:"variables"`
}

// CacheSpec declares a keyed, best-effort reusable directory set. The key is
// a template resolved against the trigger context at lookup time.
type CacheSpec struct {
	Key   string   `yaml:"key"`
	Paths []string `yaml:"paths"`
}

// Service is a sidecar container attached to a job's execution environment.
type Service struct {
	Image   string   `yaml:"image"`
	Alias   string   `yaml:"alias"`
	Command []string `yaml:"command"`
}

// Rule is one (condition, effect) pair. An empty If always matches. When is
// one of "", "always", "on_success", "never" or "manual"; the zero value
// behaves like "on_success".
type Rule struct {
	If   string `yaml:"if"`
	When string `yaml:"when"`
}

// Retry bounds local recovery for a failing job. When lists the failure
// reasons that qualify; empty means any reason except cancellation.
type Retry struct {
	Max  int      `yaml:"max"`
	When []string `yaml:"when"`
}

// Artifacts declares the paths a job exposes to its downstream dependents
// and retains past the end of the run.
type Artifacts struct {
	Paths []string `yaml:"paths"`
}

// Job is one atomic unit of work: an ordered script executed in an isolated
// environment, plus the policy that governs when and how it runs.
type Job struct {
	// Name is the map key the job was declared under; filled in by Load.
	Name string `yaml:"-"`

	Stage        string            `yaml:"stage"`
	Image        string            `yaml:"image"`
	Services     []Service         `yaml:"services"`
	Script       []string          `yaml:"script"`
	Rules        []Rule            `yaml:"rules"`
	AllowFailure bool              `yaml:"allow_failure"`
	Retry        *Retry            `yaml:"retry"`
	Needs        []string          `yaml:"needs"`
	Artifacts    *Artifacts        `yaml:"artifacts"`
	Coverage     string            `yaml:"coverage"`
	Timeout      Duration          `yaml:"timeout"`
	Variables    map[string]string `yaml:"variables"`
	Cache        *CacheSpec        `yaml:"cache"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StageIndex returns the ordinal of a declared stage, or -1 if the stage is
// not declared.
func (p *Pipeline) StageIndex(name string) int {
	for i, s := range p.Stages {
		if s == name {
			return i
		}
	}
	return -1
}

// JobNames returns all job names in a stable order: by stage ordinal first,
// then lexically within a stage.
func (p *Pipeline) JobNames() []string {
	names := make([]string, 0, len(p.Jobs))
	for name := range p.Jobs {
		names = append(names, name)
	}
	sortJobs(p, names)
	return names
}

// EffectiveCache returns the cache spec governing a job: the job's own
// override if present, else the default block's, else the document-level one.
// Nil means the job runs cacheless.
func (p *Pipeline) EffectiveCache(job *Job) *CacheSpec {
	if job.Cache != nil {
		return job.Cache
	}
	if p.Default.Cache != nil {
		return p.Default.Cache
	}
	return p.Cache
}

// EffectiveImage returns the container image a job runs in, falling back to
// the default block.
func (p *Pipeline) EffectiveImage(job *Job) string {
	if job.Image != "" {
		return job.Image
	}
	return p.Default.Image
}

// EffectiveRetry returns the retry policy governing a job, or nil when the
// job runs with no retries.
func (p *Pipeline) EffectiveRetry(job *Job) *Retry {
	if job.Retry != nil {
		return job.Retry
	}
	return p.Default.Retry
}

// EffectiveTimeout returns the max duration for a job, zero meaning no limit.
func (p *Pipeline) EffectiveTimeout(job *Job) time.Duration {
	if job.Timeout != 0 {
		return job.Timeout.Std()
	}
	return p.Default.Timeout.Std()
}
