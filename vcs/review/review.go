// Package review opens merge requests for validated branches.
package review

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
)

// Request describes the merge request to open
type Request struct {
	Title string
	Body  string
	Head  string // branch with the changes
	Base  string // branch to merge into
	// RemoteURL is the pushed remote's URL, used to find the repository
	// when the requester is not configured with one.
	RemoteURL string
}

// Requester opens a merge request and returns its URL
type Requester interface {
	Open(ctx context.Context, req Request) (string, error)
}

// Options selects and configures a Requester
type Options struct {
	Provider string // "github", "none" or empty
	APIURL   string
	Token    string
	Owner    string
	Repo     string
	Client   *http.Client
	Logger   *zap.SugaredLogger
}

// New returns the requester for opts.Provider. "none" and empty return a
// requester that records the branch only.
func New(opts Options) (Requester, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "github":
		return NewGitHub(opts)
	case "", "none":
		return &BranchOnly{logger: opts.Logger.Named("review")}, nil
	}
	err := errors.Newf("unsupported review provider %q", opts.Provider)
	return nil, errors.Mark(err, errors.ErrUnsupported)
}

// BranchOnly opens nothing and reports the pushed branch as the result
type BranchOnly struct {
	logger *zap.SugaredLogger
}

func (b *BranchOnly) Open(ctx context.Context, req Request) (string, error) {
	b.logger.Infow("No review provider configured, leaving branch for manual review",
		"head", req.Head, "base", req.Base)
	return "refs/heads/" + req.Head, nil
}

// ParseRemoteURL extracts owner and repository from an HTTPS or SSH remote
// URL such as https://github.com/owner/repo.git or git@github.com:owner/repo.git.
func ParseRemoteURL(raw string) (owner, repo string, err error) {
	normalized := strings.TrimSuffix(strings.TrimSpace(raw), ".git")

	var path string
	switch {
	case strings.HasPrefix(normalized, "git@"):
		parts := strings.SplitN(strings.TrimPrefix(normalized, "git@"), ":", 2)
		if len(parts) != 2 {
			return "", "", errors.NewInvalidRequestError("invalid SSH remote URL: %s", raw)
		}
		path = parts[1]
	case strings.HasPrefix(normalized, "https://"), strings.HasPrefix(normalized, "http://"):
		withoutScheme := strings.TrimPrefix(strings.TrimPrefix(normalized, "https://"), "http://")
		parts := strings.SplitN(withoutScheme, "/", 2)
		if len(parts) != 2 {
			return "", "", errors.NewInvalidRequestError("invalid HTTPS remote URL: %s", raw)
		}
		path = parts[1]
	default:
		return "", "", errors.NewInvalidRequestError("unsupported remote URL format: %s", raw)
	}

	ownerRepo := strings.SplitN(path, "/", 2)
	if len(ownerRepo) != 2 || ownerRepo[0] == "" || ownerRepo[1] == "" {
		return "", "", errors.NewInvalidRequestError("remote URL has no owner/repo: %s", raw)
	}
	return ownerRepo[0], ownerRepo[1], nil
}
