package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/transmute/errors"
)

func TestMain(m *testing.M) {
	// Serve file:// remotes in-process so tests do not need a git binary
	client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
	os.Exit(m.Run())
}

var testAuthor = Signature{Name: "Test User", Email: "test@example.com"}

// initTestRepo creates a repository on main with one commit and a bare
// origin remote.
func initTestRepo(t *testing.T) (dir string, remote *git.Repository) {
	t.Helper()
	dir = t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	_, err = wt.Commit("Initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	remoteDir := t.TempDir()
	remote, err = git.PlainInit(remoteDir, true)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{remoteDir}})
	require.NoError(t, err)
	return dir, remote
}

func headBranch(t *testing.T, dir string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	return head.Name().Short()
}

func hasBranch(repo *git.Repository, branch string) bool {
	_, err := repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

func TestBranchCommitPush(t *testing.T) {
	ctx := context.Background()
	dir, remote := initTestRepo(t)
	g := NewGit("", zaptest.NewLogger(t).Sugar())

	// Uncommitted changes made before branching travel with the new branch
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package main\n"), 0o644))

	require.NoError(t, g.CreateBranch(ctx, dir, "transmute/job-1", "main"))
	assert.Equal(t, "transmute/job-1", headBranch(t, dir))

	hash, err := g.CommitAll(ctx, dir, "Apply rewriter", testAuthor)
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	commit, err := repo.CommitObject(plumbing.NewHash(hash))
	require.NoError(t, err)
	assert.Equal(t, "Apply rewriter", commit.Message)
	assert.Equal(t, "Test User", commit.Author.Name)
	_, err = commit.File("new.go")
	assert.NoError(t, err, "untracked files are committed")

	require.NoError(t, g.Push(ctx, dir, "origin", "transmute/job-1"))
	assert.True(t, hasBranch(remote, "transmute/job-1"))

	// Pushing again is a no-op
	require.NoError(t, g.Push(ctx, dir, "origin", "transmute/job-1"))
}

func TestCreateBranchErrors(t *testing.T) {
	ctx := context.Background()
	dir, _ := initTestRepo(t)
	g := NewGit("", zaptest.NewLogger(t).Sugar())

	require.NoError(t, g.CreateBranch(ctx, dir, "transmute/a", "main"))
	err := g.CreateBranch(ctx, dir, "transmute/a", "main")
	assert.True(t, errors.IsConflictError(err))

	err = g.CreateBranch(ctx, dir, "transmute/b", "no-such-base")
	assert.True(t, errors.IsNotFoundError(err))

	err = g.CreateBranch(ctx, t.TempDir(), "x", "main")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDeleteBranch(t *testing.T) {
	ctx := context.Background()
	dir, remote := initTestRepo(t)
	g := NewGit("", zaptest.NewLogger(t).Sugar())

	require.NoError(t, g.CreateBranch(ctx, dir, "transmute/job-2", "main"))
	_, err := g.CommitAll(ctx, dir, "change", testAuthor)
	require.NoError(t, err)
	require.NoError(t, g.Push(ctx, dir, "origin", "transmute/job-2"))

	require.NoError(t, g.DeleteBranch(ctx, dir, "transmute/job-2", "main", "origin"))

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	assert.False(t, hasBranch(repo, "transmute/job-2"))
	assert.False(t, hasBranch(remote, "transmute/job-2"))
	assert.Equal(t, "main", headBranch(t, dir))
}

func TestDeleteBranchLocalOnly(t *testing.T) {
	ctx := context.Background()
	dir, _ := initTestRepo(t)
	g := NewGit("", zaptest.NewLogger(t).Sugar())

	require.NoError(t, g.CreateBranch(ctx, dir, "transmute/job-3", "main"))
	require.NoError(t, g.DeleteBranch(ctx, dir, "transmute/job-3", "main", ""))

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	assert.False(t, hasBranch(repo, "transmute/job-3"))
}

func TestFastForward(t *testing.T) {
	ctx := context.Background()
	dir, remote := initTestRepo(t)
	g := NewGit("", zaptest.NewLogger(t).Sugar())

	require.NoError(t, g.CreateBranch(ctx, dir, "transmute/job-4", "main"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main // v2\n"), 0o644))
	hash, err := g.CommitAll(ctx, dir, "v2", testAuthor)
	require.NoError(t, err)

	require.NoError(t, g.FastForward(ctx, dir, "main", "transmute/job-4", "origin"))

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	assert.Equal(t, hash, ref.Hash().String())

	remoteRef, err := remote.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	assert.Equal(t, hash, remoteRef.Hash().String())
}

func TestFastForwardDiverged(t *testing.T) {
	ctx := context.Background()
	dir, _ := initTestRepo(t)
	g := NewGit("", zaptest.NewLogger(t).Sugar())

	require.NoError(t, g.CreateBranch(ctx, dir, "side", "main"))
	_, err := g.CommitAll(ctx, dir, "side work", testAuthor)
	require.NoError(t, err)

	// Advance main independently
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("main")}))
	_, err = g.CommitAll(ctx, dir, "main work", testAuthor)
	require.NoError(t, err)

	err = g.FastForward(ctx, dir, "main", "side", "")
	assert.True(t, errors.IsConflictError(err))
	assert.Contains(t, errors.FlattenHints(err), "CreatePullRequest")
}

func TestPushAuthOnlyForHTTPRemotes(t *testing.T) {
	dir, _ := initTestRepo(t)
	g := NewGit("secret", zaptest.NewLogger(t).Sugar())
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)

	auth, err := g.auth(repo, "origin")
	require.NoError(t, err)
	assert.Nil(t, auth, "file remotes get no credentials")

	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "hub", URLs: []string{"https://example.com/acme/app.git"}})
	require.NoError(t, err)
	auth, err = g.auth(repo, "hub")
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.NotContains(t, auth.String(), "secret")

	_, err = g.auth(repo, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}
