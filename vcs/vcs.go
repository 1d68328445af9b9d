// Package vcs is the version-control contract the validation pipeline uses,
// with a go-git implementation.
package vcs

import (
	"context"
	"time"
)

// Signature attributes a commit
type Signature struct {
	Name  string
	Email string
	When  time.Time // zero means now
}

// VCS manages per-job branches in a working copy at dir
type VCS interface {
	// CreateBranch creates branch from base and checks it out, keeping
	// uncommitted changes in the working tree.
	CreateBranch(ctx context.Context, dir, branch, base string) error
	// CommitAll stages every change, including deletions, and commits.
	CommitAll(ctx context.Context, dir, message string, author Signature) (string, error)
	Push(ctx context.Context, dir, remote, branch string) error
	// DeleteBranch checks out base and deletes branch locally, and on
	// remote when remote is non-empty.
	DeleteBranch(ctx context.Context, dir, branch, base, remote string) error
	// FastForward moves base to branch. It fails with a conflict when base
	// is not an ancestor of branch. A non-empty remote receives base.
	FastForward(ctx context.Context, dir, base, branch, remote string) error
}
