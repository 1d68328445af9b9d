// Package workspace materializes an artifact locator into a per-job
// working copy and confines writes to it.
//
// Locators are resolved with go-getter, so a job may name a local path, a
// git URL, GitHub shorthand or an archive:
//
//	/src/app
//	github.com/acme/app
//	git::https://example.com/app.git?ref=main
//	https://example.com/app.tar.gz
//
// Local git repositories are cloned in-process; everything else is fetched
// with go-getter. A working copy that is not a git repository is
// initialized with one commit on the base branch.
package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
)

// Source is a detected artifact locator
type Source struct {
	Raw      string
	Detected string // go-getter source string
	Local    bool
	Path     string // absolute path when Local
}

// Detect resolves a locator the way go-getter does. Local paths are made
// absolute relative to the current directory; ~/ is expanded.
func Detect(artifact string) (Source, error) {
	raw := strings.TrimSpace(artifact)
	if raw == "" {
		return Source{}, errors.NewInvalidRequestError("artifact is required")
	}
	if strings.HasPrefix(raw, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Source{}, errors.Wrap(err, "failed to expand home directory")
		}
		raw = filepath.Join(home, raw[2:])
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}
	detected, err := getter.Detect(raw, pwd, getter.Detectors)
	if err != nil {
		return Source{}, errors.NewInvalidRequestError("cannot resolve artifact %q: %v", artifact, err)
	}

	src := Source{Raw: artifact, Detected: detected}
	u, err := url.Parse(detected)
	if err == nil && (u.Scheme == "file" || u.Scheme == "") {
		src.Local = true
		src.Path = u.Path
		if src.Path == "" {
			src.Path = raw
		}
		if !filepath.IsAbs(src.Path) {
			src.Path = filepath.Join(pwd, src.Path)
		}
	}
	return src, nil
}

// Workspace is one job's working copy
type Workspace struct {
	JobID string
	Path  string
	// RemoteURL is origin's URL after materialization, empty if none
	RemoteURL string
}

// Options configures a Manager
type Options struct {
	Root        string
	BaseBranch  string // branch created when the artifact has no history
	AuthorName  string
	AuthorEmail string
}

// Manager creates and removes per-job working copies under Root
type Manager struct {
	opts   Options
	logger *zap.SugaredLogger
}

var installLocalTransport sync.Once

// NewManager creates a workspace manager
func NewManager(opts Options, logger *zap.SugaredLogger) *Manager {
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	installLocalTransport.Do(func() {
		// Serve file:// clones with go-git's own server instead of git-upload-pack
		client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
	})
	return &Manager{opts: opts, logger: logger.Named("workspace")}
}

// Dir returns the working copy path for a job
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.opts.Root, jobID)
}

// Prepare materializes artifact into Root/<jobID>
func (m *Manager) Prepare(ctx context.Context, jobID, artifact string) (*Workspace, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, errors.NewInvalidRequestError("invalid job id %q", jobID)
	}
	src, err := Detect(artifact)
	if err != nil {
		return nil, err
	}

	dst := m.Dir(jobID)
	if _, err := os.Stat(dst); err == nil {
		return nil, errors.NewConflictError("workspace %s already exists", dst)
	}
	if err := os.MkdirAll(m.opts.Root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create workspace root %s", m.opts.Root)
	}

	start := time.Now()
	switch {
	case src.Local && isGitRepository(src.Path):
		err = m.cloneLocal(ctx, src.Path, dst)
	case src.Local && isDir(src.Path):
		err = copyTree(ctx, src.Path, dst)
	default:
		err = m.fetch(ctx, src, dst)
	}
	if err != nil {
		os.RemoveAll(dst)
		err = errors.WithDetail(err, fmt.Sprintf("Artifact: %s", artifact))
		return nil, err
	}

	if !isGitRepository(dst) {
		if err := m.initRepository(dst); err != nil {
			os.RemoveAll(dst)
			return nil, err
		}
	}

	ws := &Workspace{JobID: jobID, Path: dst, RemoteURL: originURL(dst)}
	m.logger.Infow("Workspace ready",
		"job_id", jobID,
		"artifact", artifact,
		"detected", src.Detected,
		"path", dst,
		"duration", time.Since(start))
	return ws, nil
}

// Release removes a job's working copy
func (m *Manager) Release(jobID string) error {
	if jobID == "" {
		return nil
	}
	if err := os.RemoveAll(m.Dir(jobID)); err != nil {
		return errors.Wrapf(err, "failed to remove workspace for %s", jobID)
	}
	return nil
}

// cloneLocal clones a repository on disk. origin in the clone points to the
// source's origin when it has one, otherwise to the source's git directory.
func (m *Manager) cloneLocal(ctx context.Context, path, dst string) error {
	gitDir := path
	if info, err := os.Stat(filepath.Join(path, ".git")); err == nil && info.IsDir() {
		gitDir = filepath.Join(path, ".git")
	}
	repo, err := git.PlainCloneContext(ctx, dst, false, &git.CloneOptions{URL: gitDir})
	if err != nil {
		return errors.Wrapf(err, "failed to clone %s", path)
	}

	upstream := originURL(path)
	if upstream == "" {
		upstream = gitDir
	}
	if err := repo.DeleteRemote("origin"); err != nil && !errors.Is(err, git.ErrRemoteNotFound) {
		return errors.Wrap(err, "failed to reset origin")
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{upstream}}); err != nil {
		return errors.Wrap(err, "failed to set origin")
	}
	return nil
}

func (m *Manager) fetch(ctx context.Context, src Source, dst string) error {
	c := &getter.Client{
		Ctx:     ctx,
		Src:     src.Detected,
		Dst:     dst,
		Pwd:     filepath.Dir(dst),
		Mode:    getter.ClientModeDir,
		Getters: getter.Getters,
	}
	if err := c.Get(); err != nil {
		return errors.Wrapf(err, "failed to fetch %s", src.Raw)
	}
	return nil
}

// initRepository commits the fetched tree on the base branch
func (m *Manager) initRepository(dir string) error {
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(m.opts.BaseBranch)},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to initialize repository in %s", dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "failed to open worktree")
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return errors.Wrap(err, "failed to stage artifact")
	}
	_, err = wt.Commit("Import artifact", &git.CommitOptions{
		Author:            &object.Signature{Name: m.opts.AuthorName, Email: m.opts.AuthorEmail, When: time.Now()},
		AllowEmptyCommits: true,
	})
	return errors.Wrap(err, "failed to commit artifact")
}

// Resolve maps a relative path to an absolute path inside the workspace. It
// rejects absolute paths, escapes and anything under .git.
func (w *Workspace) Resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", errors.NewInvalidRequestError("path %q must be relative to the artifact", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.NewInvalidRequestError("path %q escapes the artifact", rel)
	}
	first := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]
	if first == ".git" {
		return "", errors.NewInvalidRequestError("path %q is inside repository metadata", rel)
	}

	full := filepath.Join(w.Path, clean)
	// A symlinked directory inside the copy must not lead outside it
	if parent, err := filepath.EvalSymlinks(filepath.Dir(full)); err == nil {
		root, rerr := filepath.EvalSymlinks(w.Path)
		if rerr != nil {
			root = w.Path
		}
		if r, err := filepath.Rel(root, parent); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return "", errors.NewInvalidRequestError("path %q escapes the artifact through a symlink", rel)
		}
	}
	return full, nil
}

// WriteFile writes content to a path inside the workspace, creating parents
func (w *Workspace) WriteFile(rel string, content []byte) error {
	full, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", rel)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(full, content, mode); err != nil {
		return errors.Wrapf(err, "failed to write %s", rel)
	}
	return nil
}

// copyTree copies a plain directory. go-getter symlinks local directories,
// which would let a job write into its source.
func copyTree(ctx context.Context, src, dst string) error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
	return errors.Wrapf(err, "failed to copy %s", src)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isGitRepository(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}

func originURL(path string) string {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return ""
	}
	remote, err := repo.Remote("origin")
	if err != nil || len(remote.Config().URLs) == 0 {
		return ""
	}
	return remote.Config().URLs[0]
}
