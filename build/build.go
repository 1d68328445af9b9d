// Package build compiles a workspace and reports diagnostics.
package build

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
)

// Config selects the build command for one compile
type Config struct {
	Command string        // shell-quoted, e.g. "go build ./..."
	Timeout time.Duration // 0 means no limit beyond ctx
	Env     []string      // appended to the host environment
}

// Result is the outcome of a compile. Success is false when the build ran
// and reported errors; environment failures are returned as errors instead.
type Result struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Output   string   `json:"output,omitempty"`
	Duration time.Duration
}

// Compiler builds the code at path
type Compiler interface {
	Compile(ctx context.Context, path string, cfg Config) (*Result, error)
}

// CompilerFunc adapts a function to Compiler
type CompilerFunc func(ctx context.Context, path string, cfg Config) (*Result, error)

// Compile calls f
func (f CompilerFunc) Compile(ctx context.Context, path string, cfg Config) (*Result, error) {
	return f(ctx, path, cfg)
}

// maxOutput bounds the output kept on a Result
const maxOutput = 64 * 1024

var (
	errorLine   = regexp.MustCompile(`(?i)(^|[\s:])(error|fatal)\b|: undefined:|cannot use |syntax error`)
	warningLine = regexp.MustCompile(`(?i)(^|[\s:])warning\b|^vet: `)
)

// Exec runs the configured command in the workspace
type Exec struct {
	logger *zap.SugaredLogger
}

// NewExec creates an exec-based compiler
func NewExec(logger *zap.SugaredLogger) *Exec {
	return &Exec{logger: logger.Named("build")}
}

// Compile runs cfg.Command with path as working directory. A non-zero exit
// is a failed build; a command that cannot start is an error.
func (e *Exec) Compile(ctx context.Context, path string, cfg Config) (*Result, error) {
	args, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid compile command %q: %v", cfg.Command, err)
	}
	if len(args) == 0 {
		return nil, errors.NewInvalidRequestError("no compile command configured")
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = path
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 2 * time.Second
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	e.logger.Infow("Compiling", "dir", path, "command", args[0], "args", len(args)-1)
	start := time.Now()
	runErr := cmd.Run()
	result := parseOutput(out.Bytes())
	result.Duration = time.Since(start)

	switch {
	case runErr == nil:
		result.Success = true
	case ctx.Err() == context.DeadlineExceeded:
		err := errors.Wrapf(ctx.Err(), "compile exceeded %s", cfg.Timeout)
		return result, errors.Mark(err, errors.ErrTimeout)
	case ctx.Err() != nil:
		return result, ctx.Err()
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			err := errors.Wrapf(runErr, "failed to run %s", args[0])
			return nil, errors.WithHint(err, "check compile.command and that the tool is on PATH")
		}
		if len(result.Errors) == 0 {
			result.Errors = []string{exitErr.Error()}
		}
	}

	e.logger.Infow("Compile finished",
		"dir", path,
		"success", result.Success,
		"errors", len(result.Errors),
		"warnings", len(result.Warnings),
		"duration", result.Duration)
	return result, nil
}

func parseOutput(out []byte) *Result {
	result := &Result{}
	if len(out) > maxOutput {
		result.Output = string(out[len(out)-maxOutput:])
	} else {
		result.Output = string(out)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case warningLine.MatchString(line):
			result.Warnings = append(result.Warnings, line)
		case errorLine.MatchString(line):
			result.Errors = append(result.Errors, line)
		}
	}
	return result
}
