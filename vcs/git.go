package vcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
)

// Git implements VCS with go-git. No git binary is required.
type Git struct {
	token  string // HTTPS push credential
	logger *zap.SugaredLogger
}

// NewGit creates the go-git VCS. token, if set, authenticates pushes to
// HTTPS remotes.
func NewGit(token string, logger *zap.SugaredLogger) *Git {
	return &Git{token: token, logger: logger.Named("vcs")}
}

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, errors.NewInvalidRequestError("not a git repository: %s", dir)
		}
		return nil, errors.Wrapf(err, "failed to open repository %s", dir)
	}
	return repo, nil
}

// resolve finds a local branch, falling back to a remote-tracking branch
func resolve(repo *git.Repository, branch string) (*plumbing.Reference, error) {
	if branch == "" {
		ref, err := repo.Head()
		return ref, errors.Wrap(err, "failed to resolve HEAD")
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == nil {
		return ref, nil
	}
	remotes, _ := repo.Remotes()
	for _, r := range remotes {
		if ref, rerr := repo.Reference(plumbing.NewRemoteReferenceName(r.Config().Name, branch), true); rerr == nil {
			return ref, nil
		}
	}
	return nil, errors.NewNotFoundError("branch %s not found", branch)
}

func (g *Git) CreateBranch(ctx context.Context, dir, branch, base string) error {
	repo, err := open(dir)
	if err != nil {
		return err
	}
	name := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(name, false); err == nil {
		return errors.NewConflictError("branch %s already exists", branch)
	}

	baseRef, err := resolve(repo, base)
	if err != nil {
		return errors.Wrapf(err, "cannot branch from %q", base)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "failed to open worktree")
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:   baseRef.Hash(),
		Branch: name,
		Create: true,
		Keep:   true,
	}); err != nil {
		return errors.Wrapf(err, "failed to create branch %s", branch)
	}

	g.logger.Infow("Branch created", "dir", dir, "branch", branch, "base", base, "commit", baseRef.Hash().String()[:12])
	return nil
}

func (g *Git) CommitAll(ctx context.Context, dir, message string, author Signature) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "failed to open worktree")
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", errors.Wrap(err, "failed to stage changes")
	}

	when := author.When
	if when.IsZero() {
		when = time.Now()
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            &object.Signature{Name: author.Name, Email: author.Email, When: when},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to commit")
	}

	g.logger.Infow("Committed", "dir", dir, "commit", hash.String()[:12])
	return hash.String(), nil
}

func (g *Git) auth(repo *git.Repository, remote string) (transport.AuthMethod, error) {
	r, err := repo.Remote(remote)
	if err != nil {
		return nil, errors.NewNotFoundError("remote %s not configured", remote)
	}
	if g.token == "" || len(r.Config().URLs) == 0 {
		return nil, nil
	}
	url := strings.ToLower(r.Config().URLs[0])
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil, nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: g.token}, nil
}

func (g *Git) push(ctx context.Context, repo *git.Repository, remote string, specs ...config.RefSpec) error {
	auth, err := g.auth(repo, remote)
	if err != nil {
		return err
	}
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   specs,
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

func (g *Git) Push(ctx context.Context, dir, remote, branch string) error {
	repo, err := open(dir)
	if err != nil {
		return err
	}
	spec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err := g.push(ctx, repo, remote, spec); err != nil {
		return errors.Wrapf(err, "failed to push %s to %s", branch, remote)
	}
	g.logger.Infow("Pushed", "dir", dir, "remote", remote, "branch", branch)
	return nil
}

func (g *Git) DeleteBranch(ctx context.Context, dir, branch, base, remote string) error {
	repo, err := open(dir)
	if err != nil {
		return err
	}
	name := plumbing.NewBranchReferenceName(branch)

	head, err := repo.Head()
	if err == nil && head.Name() == name {
		baseRef, err := resolve(repo, base)
		if err != nil {
			return errors.Wrapf(err, "cannot leave %s", branch)
		}
		wt, err := repo.Worktree()
		if err != nil {
			return errors.Wrap(err, "failed to open worktree")
		}
		opts := &git.CheckoutOptions{Force: true}
		if baseRef.Name().IsBranch() {
			opts.Branch = baseRef.Name()
		} else {
			opts.Hash = baseRef.Hash()
		}
		if err := wt.Checkout(opts); err != nil {
			return errors.Wrapf(err, "failed to check out %s", base)
		}
	}

	if err := repo.Storer.RemoveReference(name); err != nil {
		return errors.Wrapf(err, "failed to delete branch %s", branch)
	}
	if err := repo.DeleteBranch(branch); err != nil && !errors.Is(err, git.ErrBranchNotFound) {
		return errors.Wrapf(err, "failed to delete branch config for %s", branch)
	}

	if remote != "" {
		spec := config.RefSpec(":" + name.String())
		if err := g.push(ctx, repo, remote, spec); err != nil {
			return errors.Wrapf(err, "failed to delete %s on %s", branch, remote)
		}
	}

	g.logger.Infow("Branch deleted", "dir", dir, "branch", branch, "remote", remote)
	return nil
}

func (g *Git) FastForward(ctx context.Context, dir, base, branch, remote string) error {
	repo, err := open(dir)
	if err != nil {
		return err
	}
	baseRef, err := resolve(repo, base)
	if err != nil {
		return err
	}
	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return errors.NewNotFoundError("branch %s not found", branch)
	}

	baseCommit, err := repo.CommitObject(baseRef.Hash())
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", base)
	}
	branchCommit, err := repo.CommitObject(branchRef.Hash())
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", branch)
	}
	ok, err := baseCommit.IsAncestor(branchCommit)
	if err != nil {
		return errors.Wrap(err, "failed to compare histories")
	}
	if !ok {
		err := errors.NewConflictError("%s has diverged from %s", base, branch)
		return errors.WithHint(err, "rebase the branch or use CreatePullRequest")
	}

	updated := plumbing.NewHashReference(plumbing.NewBranchReferenceName(base), branchRef.Hash())
	var old *plumbing.Reference
	if baseRef.Name() == updated.Name() {
		old = baseRef
	}
	if err := repo.Storer.CheckAndSetReference(updated, old); err != nil {
		return errors.Wrapf(err, "failed to move %s", base)
	}

	if remote != "" {
		spec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", base, base))
		if err := g.push(ctx, repo, remote, spec); err != nil {
			return errors.Wrapf(err, "failed to push %s to %s", base, remote)
		}
	}

	g.logger.Infow("Fast-forwarded", "dir", dir, "base", base, "branch", branch, "commit", branchRef.Hash().String()[:12])
	return nil
}
