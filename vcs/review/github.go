package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/internal/httpclient"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHub opens pull requests through the REST API
type GitHub struct {
	base   *url.URL
	owner  string
	repo   string
	client *http.Client
	logger *zap.SugaredLogger
}

// NewGitHub creates a pull-request requester. Owner and Repo may be empty,
// in which case they come from the request's remote URL.
func NewGitHub(opts Options) (*GitHub, error) {
	raw := opts.APIURL
	if raw == "" {
		raw = defaultGitHubAPI
	}
	base, err := httpclient.ValidateBaseURL(raw)
	if err != nil {
		return nil, errors.NewInvalidRequestError("review api_url: %v", err)
	}
	client := opts.Client
	if client == nil {
		client = httpclient.New(httpclient.DefaultOptions())
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GitHub{
		base:   base,
		owner:  opts.Owner,
		repo:   opts.Repo,
		client: httpclient.WithBearer(client, opts.Token),
		logger: logger.Named("github"),
	}, nil
}

func (g *GitHub) repository(req Request) (string, string, error) {
	if g.owner != "" && g.repo != "" {
		return g.owner, g.repo, nil
	}
	if req.RemoteURL == "" {
		return "", "", errors.NewInvalidRequestError("review.owner and review.repo are not set and the remote URL is unknown")
	}
	return ParseRemoteURL(req.RemoteURL)
}

func (g *GitHub) pullsURL(owner, repo string, query url.Values) string {
	u := *g.base
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf("/repos/%s/%s/pulls", url.PathEscape(owner), url.PathEscape(repo))
	u.RawQuery = query.Encode()
	return u.String()
}

type pullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// Open creates the pull request. If one is already open for the head
// branch, its URL is returned.
func (g *GitHub) Open(ctx context.Context, req Request) (string, error) {
	owner, repo, err := g.repository(req)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode pull request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.pullsURL(owner, repo, nil), bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var pr pullRequest
	status, err := g.do(httpReq, &pr)
	if status == http.StatusUnprocessableEntity {
		if existing, lookupErr := g.findOpen(ctx, owner, repo, req.Head); lookupErr == nil && existing != "" {
			g.logger.Infow("Pull request already open", "url", existing, "head", req.Head)
			return existing, nil
		}
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to open pull request for %s", req.Head)
	}

	g.logger.Infow("Pull request opened", "url", pr.HTMLURL, "number", pr.Number, "head", req.Head, "base", req.Base)
	return pr.HTMLURL, nil
}

func (g *GitHub) findOpen(ctx context.Context, owner, repo, head string) (string, error) {
	query := url.Values{"state": {"open"}, "head": {owner + ":" + head}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.pullsURL(owner, repo, query), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build request")
	}
	var prs []pullRequest
	if _, err := g.do(httpReq, &prs); err != nil {
		return "", err
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].HTMLURL, nil
}

func (g *GitHub) do(req *http.Request, target interface{}) (int, error) {
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := errors.Newf("github API error: %s", resp.Status)
		if len(excerpt) > 0 {
			err = errors.WithDetail(err, fmt.Sprintf("Response: %s", excerpt))
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err = errors.Mark(err, errors.ErrUnauthorized)
		}
		return resp.StatusCode, err
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return resp.StatusCode, errors.Wrap(err, "failed to decode github response")
	}
	return resp.StatusCode, nil
}
