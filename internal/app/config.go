package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// PipelinePath points at the YAML pipeline document.
	PipelinePath string

	// Trigger inputs for this run.
	Branch        string
	DefaultBranch string
	Tag           string
	CommitSHA     string
	Manual        bool
	Variables     map[string]string

	// Engine settings.
	Workers   int
	CacheDir  string
	WorkDir   string
	ListenAddr string

	LogFormat string
	LogLevel  string
}

// NewConfig validates a Config and fills derivable defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return &cfg, nil
}
