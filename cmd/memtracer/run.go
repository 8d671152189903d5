// run.go implements the 'memtracer run' command.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cparra/memtracer/internal/trace/api"
	"github.com/cparra/memtracer/internal/trace/report"
)

// runCommand instruments the patient sources, builds them to a temporary
// binary, and executes it with the tracer configured through the
// environment. The patient's exit code is passed through; the tracer's own
// fatal codes (1, 2, 3) arrive the same way.
func runCommand(args []string) {
	initLogging()

	cfg, runOpts, patientArgs, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tempBinary, err := buildTemporary(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = os.Remove(tempBinary) }()

	os.Exit(executeBinary(tempBinary, patientArgs, runOpts))
}

// runOptions is the tracer configuration handed to the patient process.
type runOptions struct {
	output   string
	collapse string // "yes" or "no"
}

// parseRunArgs splits the command line into build configuration, tracer
// options, and patient arguments.
//
// Accepted shape:
//
//	memtracer run [-o path] [-c yes|no] [--] file.go... [patient-args]
func parseRunArgs(args []string) (*buildConfig, runOptions, []string, error) {
	opts := runOptions{output: report.DefaultOutputPath, collapse: "yes"}

	// Flags come first; a lone "--" or the first .go file ends them.
	i := 0
flags:
	for i < len(args) {
		switch args[i] {
		case "-o":
			if i+1 >= len(args) {
				return nil, opts, nil, fmt.Errorf("-o requires a path")
			}
			opts.output = args[i+1]
			i += 2
		case "-c":
			if i+1 >= len(args) {
				return nil, opts, nil, fmt.Errorf("-c requires yes or no")
			}
			opts.collapse = args[i+1]
			i += 2
		case "--":
			i++
			break flags
		default:
			break flags
		}
	}
	if opts.collapse != "yes" && opts.collapse != "no" {
		return nil, opts, nil, fmt.Errorf("-c must be yes or no, got %q", opts.collapse)
	}

	rest := args[i:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}

	var sourceFiles []string
	var patientArgs []string
	for j, arg := range rest {
		if filepath.Ext(arg) == ".go" && len(patientArgs) == 0 {
			sourceFiles = append(sourceFiles, arg)
			continue
		}
		if len(sourceFiles) == 0 {
			return nil, opts, nil, fmt.Errorf("no Go source files specified before %q", arg)
		}
		patientArgs = rest[j:]
		break
	}
	if len(sourceFiles) == 0 {
		return nil, opts, nil, fmt.Errorf("no Go source files specified")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, opts, nil, fmt.Errorf("get working directory: %w", err)
	}
	cfg := &buildConfig{
		sourceFiles: sourceFiles,
		workDir:     cwd,
	}
	return cfg, opts, patientArgs, nil
}

// buildTemporary builds the instrumented patient into a throwaway binary.
func buildTemporary(cfg *buildConfig) (string, error) {
	tempBinary, err := os.CreateTemp("", "memtracer-run-*")
	if err != nil {
		return "", fmt.Errorf("create temp binary: %w", err)
	}
	tempPath := tempBinary.Name()
	_ = tempBinary.Close()

	cfg.outputFile = tempPath
	if err := buildInstrumented(cfg); err != nil {
		_ = os.Remove(tempPath)
		return "", err
	}
	return tempPath, nil
}

// executeBinary runs the instrumented patient, forwarding the standard
// streams, with the tracer configured through the environment.
//
// Exit mapping: a regular patient exit code (including the tracer's fatal
// 1/2/3) passes through; termination by signal reports 3, the abnormal
// termination code.
func executeBinary(binaryPath string, args []string, opts runOptions) int {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		api.EnvOutput+"="+opts.output,
		api.EnvCollapse+"="+opts.collapse,
	)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				return code
			}
			return api.ExitZeroSize // killed by signal: abnormal termination
		}
		fmt.Fprintf(os.Stderr, "Error executing patient: %v\n", err)
		return 1
	}
	return 0
}
