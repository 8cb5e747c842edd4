// Package cli turns command-line arguments into an app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("conveyor", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Conveyor - a declarative CI/CD pipeline execution engine.

Usage:
  conveyor [options] [PIPELINE_PATH]

Arguments:
  PIPELINE_PATH
    Path to the YAML pipeline document.

Options:
`)
		flagSet.PrintDefaults()
	}

	pipelineFlag := flagSet.String("pipeline", "", "Path to the pipeline document.")
	pFlag := flagSet.String("p", "", "Path to the pipeline document (shorthand).")
	branchFlag := flagSet.String("branch", "", "Branch the run is triggered for.")
	defaultBranchFlag := flagSet.String("default-branch", "main", "The repository's default branch name.")
	tagFlag := flagSet.String("tag", "", "Tag name when triggered by a tag.")
	commitFlag := flagSet.String("commit", "", "Commit SHA under execution.")
	manualFlag := flagSet.Bool("manual", false, "Mark the run as manually started.")
	workersFlag := flagSet.Int("workers", 4, "Max number of concurrently executing jobs.")
	cacheDirFlag := flagSet.String("cache-dir", "", "Directory for the shared cache/artifact store. Empty disables caching.")
	workDirFlag := flagSet.String("work-dir", "", "Base directory for job workspaces. Empty uses a fresh temp directory.")
	listenFlag := flagSet.String("listen", "", "Address for the run API server (e.g. :8080). Empty disables it.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	vars := map[string]string{}
	flagSet.Func("var", "Trigger variable as KEY=VALUE; repeatable.", func(raw string) error {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return fmt.Errorf("expected KEY=VALUE, got %q", raw)
		}
		vars[key] = value
		return nil
	})

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *pipelineFlag != "" {
		path = *pipelineFlag
	} else if *pFlag != "" {
		path = *pFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" {
		slog.Debug("No pipeline path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *workersFlag <= 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid workers: must be positive"}
	}

	config, err := app.NewConfig(app.Config{
		PipelinePath:  path,
		Branch:        *branchFlag,
		DefaultBranch: *defaultBranchFlag,
		Tag:           *tagFlag,
		CommitSHA:     *commitFlag,
		Manual:        *manualFlag,
		Variables:     vars,
		Workers:       *workersFlag,
		CacheDir:      *cacheDirFlag,
		WorkDir:       *workDirFlag,
		ListenAddr:    *listenFlag,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.")
	return config, false, nil
}
