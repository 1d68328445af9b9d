// Package capability defines the contract for pluggable transformations and
// the registry that discovers, isolates and serves them.
//
// Capability packages live in subdirectories of a capabilities directory,
// each with a capability.toml or capability.yaml manifest. The manifest kind
// selects the Loader that gives the package its own dependency graph:
// "process" packages run as separate executables spoken to over gRPC,
// "script" packages are interpreted with a private GOPATH.
package capability

import (
	"context"
	"encoding/json"
)

// Kind selects how a capability package is loaded
type Kind string

const (
	KindProcess Kind = "process"
	KindScript  Kind = "script"
	KindBuiltin Kind = "builtin"
)

// Info describes a registered capability
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version,omitempty"`
	Kind        Kind   `json:"kind"`
	Dir         string `json:"dir,omitempty"`
}

// ProgressFunc receives human-readable progress messages during Execute
type ProgressFunc func(message string)

// ExecContext carries everything Execute may use. Cancellation arrives
// through the ctx passed alongside it.
type ExecContext struct {
	// Artifact is the working copy directory the capability reads from
	Artifact   string
	Parameters json.RawMessage
	Progress   ProgressFunc
}

// Report forwards a progress message if a sink is set
func (e ExecContext) Report(message string) {
	if e.Progress != nil {
		e.Progress(message)
	}
}

// Change is one transformed file, relative to the artifact root
type Change struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Result is the transformed artifact: the set of changed units
type Result struct {
	Changes []Change `json:"changes"`
	Summary string   `json:"summary,omitempty"`
}

// Capability is a named transformation unit
type Capability interface {
	Info() Info
	// Validate rejects parameters before any work starts. The error text is
	// shown to the submitter verbatim.
	Validate(ctx context.Context, params json.RawMessage) error
	Execute(ctx context.Context, exec ExecContext) (*Result, error)
}

// Closer is implemented by capabilities that hold an isolated context
// (a child process, an interpreter) that must be released on unload.
type Closer interface {
	Close(ctx context.Context) error
}

// Loader turns a manifest into a running capability
type Loader interface {
	Load(ctx context.Context, m *Manifest) (Capability, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, m *Manifest) (Capability, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, m *Manifest) (Capability, error) {
	return f(ctx, m)
}
