// Package trigger defines the immutable per-run snapshot of the event that
// started a pipeline: branch, tag, commit, and externally supplied variables.
// Rule evaluation and cache-key templating both read from it; nothing writes
// to it after construction.
package trigger

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"
)

// Context is the read-only trigger snapshot owned by a single pipeline run.
// Construct it with New; treat all fields as frozen afterwards.
type Context struct {
	// RunID uniquely identifies the pipeline run.
	RunID string
	// Branch is the branch the run was triggered for.
	Branch string
	// DefaultBranch is the repository's default branch name.
	DefaultBranch string
	// Tag is the tag name when the run was triggered by a tag, else empty.
	Tag string
	// CommitSHA identifies the commit under execution.
	CommitSHA string
	// Manual is true when the run was started by an explicit user action.
	Manual bool
	// Variables holds externally supplied variables (credentials, overrides).
	Variables map[string]string
}

// New returns a finalized Context. A missing RunID is filled with a fresh
// UUID and the variable map is copied so later caller mutations cannot leak
// into the run.
func New(c Context) *Context {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	vars := make(map[string]string, len(c.Variables))
	for k, v := range c.Variables {
		vars[k] = v
	}
	c.Variables = vars
	return &c
}

// slugMaxLen caps branch slugs the way CI platforms do, so slugs stay usable
// as DNS labels and path segments.
const slugMaxLen = 63

// Slug returns the branch name lowercased with every run of
// non-alphanumeric characters collapsed to a single '-', trimmed of leading
// and trailing dashes, capped at 63 bytes.
func (c *Context) Slug() string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(c.Branch) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case alnum:
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > slugMaxLen {
		slug = strings.TrimRight(slug[:slugMaxLen], "-")
	}
	return slug
}

// EvalVariables returns the variable scope rule conditions evaluate against:
// the built-in trigger fields plus every externally supplied variable as a
// string. Built-ins win on collision.
func (c *Context) EvalVariables() map[string]cty.Value {
	vars := make(map[string]cty.Value, len(c.Variables)+6)
	for k, v := range c.Variables {
		vars[k] = cty.StringVal(v)
	}
	vars["branch"] = cty.StringVal(c.Branch)
	vars["default_branch"] = cty.StringVal(c.DefaultBranch)
	vars["tag"] = cty.BoolVal(c.Tag != "")
	vars["tag_name"] = cty.StringVal(c.Tag)
	vars["commit_sha"] = cty.StringVal(c.CommitSHA)
	vars["manual"] = cty.BoolVal(c.Manual)
	return vars
}

// ExpandKey resolves a cache-key template against this context. Templates
// use ${name} placeholders over the same scope as rule conditions, plus
// ${branch_slug}; unknown placeholders resolve to the empty string.
func (c *Context) ExpandKey(template string) string {
	return os.Expand(template, func(name string) string {
		switch name {
		case "branch":
			return c.Branch
		case "branch_slug":
			return c.Slug()
		case "default_branch":
			return c.DefaultBranch
		case "tag":
			return c.Tag
		case "commit_sha":
			return c.CommitSHA
		}
		return c.Variables[name]
	})
}
