// ABOUTME: LocalExecutor runs generated Python code in a run's working folder on the local machine.
// ABOUTME: Installs requested libraries, then runs the script with a timeout, process-group kill and env filtering.

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/2389-research/assay/workflow"
)

const (
	// DefaultTimeout bounds one script run.
	DefaultTimeout = 5 * time.Minute
	// DefaultInstallTimeout bounds one library installation.
	DefaultInstallTimeout = 3 * time.Minute
	// defaultKillGrace is the wait between SIGTERM and SIGKILL.
	defaultKillGrace = 2 * time.Second
	// maxOutputBytes caps the captured output; the tail is kept.
	maxOutputBytes = 256 * 1024
)

// stdlibModules are never passed to the installer even when a plan lists them.
var stdlibModules = map[string]bool{
	"io": true, "os": true, "sys": true, "re": true, "json": true, "csv": true,
	"math": true, "base64": true, "datetime": true, "time": true, "statistics": true,
	"collections": true, "itertools": true, "functools": true, "pathlib": true,
	"urllib": true, "random": true, "string": true, "typing": true, "glob": true,
	"sqlite3": true, "zipfile": true, "gzip": true, "shutil": true, "tempfile": true,
	"decimal": true, "fractions": true, "html": true, "xml": true, "logging": true,
}

// Option configures a LocalExecutor.
type Option func(*LocalExecutor)

// WithInterpreter sets the command used to run scripts. The script path is
// appended as the last argument.
func WithInterpreter(argv ...string) Option {
	return func(e *LocalExecutor) {
		if len(argv) > 0 {
			e.interpreter = argv
		}
	}
}

// WithInstallCommand sets the command used to install libraries. Library
// names are appended as arguments. An empty command disables installation.
func WithInstallCommand(argv ...string) Option {
	return func(e *LocalExecutor) {
		e.install = argv
	}
}

// WithTimeout bounds each script run.
func WithTimeout(d time.Duration) Option {
	return func(e *LocalExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithInstallTimeout bounds each library installation.
func WithInstallTimeout(d time.Duration) Option {
	return func(e *LocalExecutor) {
		if d > 0 {
			e.installTimeout = d
		}
	}
}

// WithEnvPolicy sets the environment variable inheritance policy.
func WithEnvPolicy(policy EnvPolicy) Option {
	return func(e *LocalExecutor) {
		e.envPolicy = policy
	}
}

// WithEnv adds variables to the child environment.
func WithEnv(vars map[string]string) Option {
	return func(e *LocalExecutor) {
		for k, v := range vars {
			e.env[k] = v
		}
	}
}

// LocalExecutor implements workflow.Executor with local processes.
type LocalExecutor struct {
	interpreter    []string
	install        []string
	timeout        time.Duration
	installTimeout time.Duration
	killGrace      time.Duration
	envPolicy      EnvPolicy
	env            map[string]string
}

var _ workflow.Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates an executor that runs python3 and installs with pip.
func NewLocalExecutor(opts ...Option) *LocalExecutor {
	e := &LocalExecutor{
		interpreter:    []string{"python3"},
		install:        []string{"python3", "-m", "pip", "install", "--quiet", "--disable-pip-version-check"},
		timeout:        DefaultTimeout,
		installTimeout: DefaultInstallTimeout,
		killGrace:      defaultKillGrace,
		envPolicy:      EnvPolicyInheritCore,
		env: map[string]string{
			"PYTHONUNBUFFERED": "1",
			"MPLBACKEND":       "Agg",
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.envPolicy == "" {
		e.envPolicy = EnvPolicyInheritCore
	}
	return e
}

// procResult is the outcome of one child process.
type procResult struct {
	output   string
	exitCode int
	timedOut bool
	duration time.Duration
}

func (r procResult) ok() bool {
	return r.exitCode == 0 && !r.timedOut
}

// Run writes code to the next stage-N.py in folder, installs libraries and
// runs the script with folder as its working directory. Script failures are
// reported in the outcome. Errors are returned only when the executor itself
// cannot work or ctx is cancelled.
func (e *LocalExecutor) Run(ctx context.Context, code string, libraries []string, folder string) (workflow.ExecutionOutcome, error) {
	start := time.Now()
	info, err := os.Stat(folder)
	if err != nil {
		return workflow.ExecutionOutcome{}, fmt.Errorf("working folder: %w", err)
	}
	if !info.IsDir() {
		return workflow.ExecutionOutcome{}, fmt.Errorf("working folder %s is not a directory", folder)
	}

	script, err := nextScriptPath(folder)
	if err != nil {
		return workflow.ExecutionOutcome{}, err
	}
	if err := os.WriteFile(script, []byte(code), 0o644); err != nil {
		return workflow.ExecutionOutcome{}, fmt.Errorf("write script: %w", err)
	}

	var output strings.Builder
	if pkgs := installable(libraries); len(pkgs) > 0 && len(e.install) > 0 {
		argv := append(append([]string(nil), e.install...), pkgs...)
		res, err := e.runProcess(ctx, argv, folder, e.installTimeout)
		if err != nil {
			return workflow.ExecutionOutcome{}, err
		}
		log.Printf("component=sandbox action=install folder=%s packages=%q exit=%d timed_out=%t duration=%s",
			folder, strings.Join(pkgs, ","), res.exitCode, res.timedOut, res.duration.Round(time.Millisecond))
		output.WriteString(res.output)
		if !res.ok() {
			output.WriteString(failureNote("library installation", res, e.installTimeout))
			return workflow.ExecutionOutcome{Status: workflow.StatusFailure, Output: output.String(), Duration: time.Since(start)}, nil
		}
	}

	argv := append(append([]string(nil), e.interpreter...), script)
	res, err := e.runProcess(ctx, argv, folder, e.timeout)
	if err != nil {
		return workflow.ExecutionOutcome{}, err
	}
	log.Printf("component=sandbox action=run script=%s exit=%d timed_out=%t duration=%s",
		script, res.exitCode, res.timedOut, res.duration.Round(time.Millisecond))

	output.WriteString(res.output)
	status := workflow.StatusSuccess
	if !res.ok() {
		status = workflow.StatusFailure
		output.WriteString(failureNote("script", res, e.timeout))
	}
	return workflow.ExecutionOutcome{Status: status, Output: output.String(), Duration: time.Since(start)}, nil
}

// runProcess runs argv in dir with a timeout. The child gets its own process
// group: on timeout the group receives SIGTERM, then SIGKILL after killGrace.
// A cancelled parent ctx is returned as an error.
func (e *LocalExecutor) runProcess(ctx context.Context, argv []string, dir string, timeout time.Duration) (procResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = buildEnv(e.envPolicy, e.env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.killGrace

	out := newTailBuffer(maxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return procResult{}, fmt.Errorf("start %s: %w", argv[0], err)
	}
	waitErr := cmd.Wait()
	res := procResult{output: out.String(), duration: time.Since(started)}

	if runCtx.Err() != nil {
		// Stragglers that ignored SIGTERM.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err := ctx.Err(); err != nil {
			return procResult{}, err
		}
		res.timedOut = true
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			res.exitCode = exitErr.ExitCode()
		case !res.timedOut:
			res.exitCode = -1
			res.output += "\n" + waitErr.Error()
		}
	}
	return res, nil
}

func failureNote(what string, res procResult, timeout time.Duration) string {
	if res.timedOut {
		return fmt.Sprintf("\n%s timed out after %s", what, timeout)
	}
	return fmt.Sprintf("\n%s exited with status %d", what, res.exitCode)
}

// nextScriptPath returns the first unused stage-N.py in folder.
func nextScriptPath(folder string) (string, error) {
	for n := 1; n < 10000; n++ {
		p := filepath.Join(folder, fmt.Sprintf("stage-%d.py", n))
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("too many scripts in %s", folder)
}

// installable drops blanks, standard library modules and names that look
// like installer flags.
func installable(libraries []string) []string {
	var out []string
	for _, lib := range libraries {
		lib = strings.TrimSpace(lib)
		if lib == "" || strings.HasPrefix(lib, "-") || stdlibModules[strings.ToLower(lib)] {
			continue
		}
		out = append(out, lib)
	}
	return out
}

// tailBuffer keeps the last max bytes written to it. Stdout and stderr share
// one instance; exec serializes writes when both are the same writer.
type tailBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "[output truncated]\n" + t.buf.String()
	}
	return t.buf.String()
}
