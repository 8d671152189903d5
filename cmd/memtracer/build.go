// build.go implements the 'memtracer build' command and the shared
// instrument-and-compile pipeline used by run.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/golang/glog"
	"golang.org/x/mod/modfile"

	"github.com/cparra/memtracer/cmd/memtracer/instrument"
)

// buildConfig describes one instrument-and-compile job.
type buildConfig struct {
	sourceFiles []string // patient .go files
	workDir     string   // where the sources live
	outputFile  string   // compiled binary path
}

// buildCommand instruments the patient and compiles it, leaving the binary
// behind for later runs.
//
//	memtracer build [-o binary] main.go...
func buildCommand(args []string) {
	initLogging()

	cfg := &buildConfig{outputFile: "patient"}
	i := 0
	if len(args) >= 2 && args[0] == "-o" {
		cfg.outputFile = args[1]
		i = 2
	}
	for ; i < len(args); i++ {
		if filepath.Ext(args[i]) != ".go" {
			fmt.Fprintf(os.Stderr, "Error: not a Go source file: %s\n", args[i])
			os.Exit(1)
		}
		cfg.sourceFiles = append(cfg.sourceFiles, args[i])
	}
	if len(cfg.sourceFiles) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no Go source files specified")
		os.Exit(1)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.workDir = cwd

	if err := buildInstrumented(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Built instrumented binary: %s\n", cfg.outputFile)
}

// buildInstrumented runs the full pipeline: scratch workspace, per-file
// instrumentation, go.mod wiring, compilation.
func buildInstrumented(cfg *buildConfig) error {
	ws, err := createWorkspace()
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	defer ws.cleanup()

	if err := instrumentSources(cfg, ws); err != nil {
		return err
	}
	if err := ws.writeGoMod(cfg.workDir); err != nil {
		return err
	}
	return ws.build(cfg)
}

// workspace is the scratch directory holding instrumented sources.
type workspace struct {
	dir string
}

func createWorkspace() (*workspace, error) {
	dir, err := os.MkdirTemp("", "memtracer-build-*")
	if err != nil {
		return nil, err
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) cleanup() {
	if err := os.RemoveAll(w.dir); err != nil {
		glog.Warningf("cleaning workspace %s: %v", w.dir, err)
	}
}

// instrumentSources rewrites every patient file into the workspace.
func instrumentSources(cfg *buildConfig, ws *workspace) error {
	for _, src := range cfg.sourceFiles {
		path := src
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.workDir, src)
		}

		res, err := instrument.File(path, nil)
		if err != nil {
			return err
		}
		glog.V(1).Infof("instrumented %s: %d reads, %d writes, %d goroutines wrapped",
			src, res.Stats.Reads, res.Stats.Writes, res.Stats.GoWrapped)

		out := filepath.Join(ws.dir, filepath.Base(src))
		if err := os.WriteFile(out, []byte(res.Code), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
	}
	return nil
}

// tracerModulePath is the module the instrumented code imports.
const tracerModulePath = "github.com/cparra/memtracer"

// writeGoMod gives the workspace a go.mod that requires the tracer module.
// In a development tree the requirement is satisfied by a replace directive
// pointing at the checked-out sources; the patient's own replace directives
// are carried over with their relative paths made absolute.
func (w *workspace) writeGoMod(sourceDir string) error {
	f := new(modfile.File)
	if err := f.AddModuleStmt("patient"); err != nil {
		return err
	}
	if err := f.AddGoStmt("1.24.0"); err != nil {
		return err
	}
	if err := f.AddRequire(tracerModulePath, "v0.0.0"); err != nil {
		return err
	}

	root, err := findTracerRoot()
	if err != nil {
		return fmt.Errorf("locate tracer module: %w", err)
	}
	if err := f.AddReplace(tracerModulePath, "", root, ""); err != nil {
		return err
	}
	copyReplaceDirectives(f, sourceDir)

	data, err := f.Format()
	if err != nil {
		return fmt.Errorf("format go.mod: %w", err)
	}
	return os.WriteFile(filepath.Join(w.dir, "go.mod"), data, 0o644)
}

// copyReplaceDirectives carries the patient project's replace directives
// into the workspace, since the build runs from a different directory.
func copyReplaceDirectives(f *modfile.File, sourceDir string) {
	goModPath := findGoMod(sourceDir)
	if goModPath == "" {
		return
	}
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return
	}
	orig, err := modfile.Parse(goModPath, data, nil)
	if err != nil {
		glog.Warningf("parsing %s: %v", goModPath, err)
		return
	}

	goModDir := filepath.Dir(goModPath)
	for _, rep := range orig.Replace {
		newPath := rep.New.Path
		if rep.New.Version == "" && !filepath.IsAbs(newPath) {
			if abs, err := filepath.Abs(filepath.Join(goModDir, newPath)); err == nil {
				newPath = abs
			}
		}
		if err := f.AddReplace(rep.Old.Path, rep.Old.Version, newPath, rep.New.Version); err != nil {
			glog.Warningf("carrying replace %s: %v", rep.Old.Path, err)
		}
	}
}

// findGoMod walks up from dir looking for a go.mod.
func findGoMod(dir string) string {
	for {
		candidate := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// findTracerRoot locates the tracer module sources, first by walking up
// from the working directory, then from the executable location. The
// marker is the runtime hook package directory.
func findTracerRoot() (string, error) {
	marker := filepath.Join("internal", "trace", "api")

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		for _, candidate := range []string{exeDir, filepath.Dir(exeDir)} {
			if _, err := os.Stat(filepath.Join(candidate, marker)); err == nil {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("tracer module not found; run from its checkout or install the binary next to it")
}

// build compiles the workspace into cfg.outputFile.
func (w *workspace) build(cfg *buildConfig) error {
	out := cfg.outputFile
	if !filepath.IsAbs(out) {
		out = filepath.Join(cfg.workDir, out)
	}

	cmd := exec.Command("go", "build", "-o", out, ".")
	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(), "GOFLAGS=-mod=mod")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build: %w\n%s", err, output)
	}
	return nil
}
