// Package script loads capabilities written as interpreted Go source.
//
// Each package gets a fresh yaegi interpreter whose GOPATH is the package
// directory, so imports resolve from <package>/src and never from the host
// or another package. The entry file must define
//
//	func Validate(params map[string]interface{}) error
//	func Execute(artifact string, params map[string]interface{}, progress func(string)) (map[string]string, error)
//
// Execute returns changed files as path -> content.
package script

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
)

const (
	validateFuncName = "Validate"
	executeFuncName  = "Execute"
)

type (
	validateFunc func(map[string]interface{}) error
	executeFunc  func(string, map[string]interface{}, func(string)) (map[string]string, error)
)

// Loader evaluates script capability packages
type Loader struct {
	logger *zap.SugaredLogger
}

// NewLoader creates a script loader
func NewLoader(logger *zap.SugaredLogger) *Loader {
	return &Loader{logger: logger.Named("script")}
}

// Load implements capability.Loader
func (l *Loader) Load(_ context.Context, m *capability.Manifest) (capability.Capability, error) {
	path := m.EntryPath()
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, errors.Newf("%s is empty", path)
	}

	i := interp.New(interp.Options{GoPath: m.Dir, Env: envList(m.Env)})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, errors.Wrap(err, "failed to load interpreter symbols")
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, errors.Wrapf(err, "failed to interpret %s", path)
	}

	s := &scriptCapability{manifest: m, interp: i, logger: l.logger.With("capability", m.Name)}

	if v, err := i.Eval(validateFuncName); err == nil {
		fn, ok := v.Interface().(func(map[string]interface{}) error)
		if !ok {
			return nil, errors.Newf("%s has the wrong signature, want func(map[string]interface{}) error", validateFuncName)
		}
		s.validate = fn
	}

	v, err := i.Eval(executeFuncName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s must define %s", path, executeFuncName)
	}
	fn, ok := v.Interface().(func(string, map[string]interface{}, func(string)) (map[string]string, error))
	if !ok {
		return nil, errors.Newf("%s has the wrong signature, want func(string, map[string]interface{}, func(string)) (map[string]string, error)", executeFuncName)
	}
	s.execute = fn

	return s, nil
}

func envList(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// scriptCapability runs calls one at a time; an interpreter is not safe
// for concurrent evaluation.
type scriptCapability struct {
	manifest *capability.Manifest
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	interp   *interp.Interpreter
	validate validateFunc
	execute  executeFunc
}

func (s *scriptCapability) Info() capability.Info {
	return capability.Info{
		Name:        s.manifest.Name,
		Description: s.manifest.Description,
		Version:     s.manifest.Version,
		Kind:        capability.KindScript,
		Dir:         s.manifest.Dir,
	}
}

func decodeParams(raw json.RawMessage) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.Newf("parameters must be a JSON object: %v", err)
	}
	return params, nil
}

func (s *scriptCapability) Validate(ctx context.Context, raw json.RawMessage) error {
	params, err := decodeParams(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.validate == nil {
		return nil
	}
	return s.call(ctx, func() error { return s.validate(params) })
}

func (s *scriptCapability) Execute(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
	params, err := decodeParams(exec.Parameters)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execute == nil {
		return nil, errors.Mark(errors.Newf("capability %s was unloaded", s.manifest.Name), errors.ErrServiceUnavailable)
	}

	var files map[string]string
	err = s.call(ctx, func() error {
		var err error
		files, err = s.execute(exec.Artifact, params, exec.Report)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &capability.Result{Changes: make([]capability.Change, 0, len(files))}
	for path, content := range files {
		res.Changes = append(res.Changes, capability.Change{Path: path, Content: []byte(content)})
	}
	sort.Slice(res.Changes, func(i, j int) bool { return res.Changes[i].Path < res.Changes[j].Path })
	return res, nil
}

// call runs fn, returning early if ctx ends. Interpreted code cannot be
// interrupted, so an abandoned call finishes in the background.
func (s *scriptCapability) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("script panicked: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Warnw("Abandoning script call", "error", ctx.Err())
		return ctx.Err()
	}
}

// Close drops the interpreter
func (s *scriptCapability) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interp = nil
	s.validate = nil
	s.execute = nil
	return nil
}
