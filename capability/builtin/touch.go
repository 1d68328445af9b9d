// Package builtin holds capabilities compiled into the host.
package builtin

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
)

// TouchName is the name Touch registers under
const TouchName = "noop.touch"

// DefaultTouchPath is the marker written when no path is given
const DefaultTouchPath = ".transmute/touched"

type touchParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	// Skip produces no changes, for exercising the no-op path
	Skip bool `json:"skip"`
}

// Touch writes a single marker file. It lets a fresh install run a job
// through the whole pipeline without any capability packages.
type Touch struct {
	now func() time.Time
}

// NewTouch creates the noop.touch capability
func NewTouch() *Touch {
	return &Touch{now: time.Now}
}

// Info implements capability.Capability
func (t *Touch) Info() capability.Info {
	return capability.Info{
		Name:        TouchName,
		Description: "Writes a marker file into the artifact",
		Kind:        capability.KindBuiltin,
	}
}

func (t *Touch) parse(raw json.RawMessage) (touchParams, error) {
	var p touchParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, errors.Newf("parameters: %v", err)
		}
	}
	if p.Path == "" {
		p.Path = DefaultTouchPath
	}
	return p, nil
}

// Validate implements capability.Capability
func (t *Touch) Validate(_ context.Context, raw json.RawMessage) error {
	p, err := t.parse(raw)
	if err != nil {
		return err
	}
	clean := filepath.ToSlash(filepath.Clean(p.Path))
	if filepath.IsAbs(p.Path) || clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.Newf("path must stay inside the artifact, got %q", p.Path)
	}
	return nil
}

// Execute implements capability.Capability
func (t *Touch) Execute(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
	p, err := t.parse(exec.Parameters)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Skip {
		exec.Report("skip requested, leaving the artifact untouched")
		return &capability.Result{Summary: "nothing to do"}, nil
	}

	content := p.Content
	if content == "" {
		content = "touched at " + t.now().UTC().Format(time.RFC3339) + "\n"
	}
	exec.Report("touching " + p.Path)

	return &capability.Result{
		Changes: []capability.Change{{Path: p.Path, Content: []byte(content)}},
		Summary: "1 marker written",
	}, nil
}
