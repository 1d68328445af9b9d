package ci

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/internal/httpclient"
)

const defaultBranchParameter = "BRANCH"

// jenkins triggers asynchronously: the trigger call only returns a queue
// item, which later resolves to a build number.
type jenkins struct {
	cfg    JenkinsConfig
	base   *url.URL
	client *http.Client
	opts   Options
	logger *zap.SugaredLogger
}

func newJenkins(cfg JenkinsConfig, client *http.Client, opts Options) (*jenkins, error) {
	base, err := httpclient.ValidateBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, errors.NewInvalidRequestError("jenkins base_url: %v", err)
	}
	if cfg.BranchParameter == "" {
		cfg.BranchParameter = defaultBranchParameter
	}
	if cfg.User == "" {
		client = httpclient.WithBearer(client, cfg.credential())
	}
	return &jenkins{
		cfg:    cfg,
		base:   base,
		client: client,
		opts:   opts,
		logger: opts.Logger.Named("jenkins"),
	}, nil
}

func (j *jenkins) Type() SystemType { return SystemJenkins }

// jobPath expands "folder/name" to /job/folder/job/name
func (j *jenkins) jobPath() string {
	parts := strings.Split(strings.Trim(j.cfg.Job, "/"), "/")
	segments := make([]string, 0, 2*len(parts))
	for _, p := range parts {
		segments = append(segments, "job", p)
	}
	return path.Join(segments...)
}

func (j *jenkins) url(elem ...string) string {
	u := *j.base
	u.Path = path.Join(append([]string{"/", u.Path, j.jobPath()}, elem...)...)
	u.RawPath = ""
	return u.String()
}

func (j *jenkins) newRequest(ctx context.Context, method, target string, form url.Values) (*http.Request, error) {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	if j.cfg.User != "" {
		req.SetBasicAuth(j.cfg.User, j.cfg.credential())
	}
	return req, nil
}

// Trigger queues the job with the branch parameter, then resolves the
// queue item to a build number.
func (j *jenkins) Trigger(ctx context.Context, branch string) (BuildHandle, error) {
	form := url.Values{}
	for k, v := range j.cfg.Parameters {
		form.Set(k, v)
	}
	form.Set(j.cfg.BranchParameter, branch)

	req, err := j.newRequest(ctx, http.MethodPost, j.url("buildWithParameters"), form)
	if err != nil {
		return BuildHandle{}, err
	}
	resp, err := doJSON(j.client, req, nil)
	if err != nil {
		return BuildHandle{}, errors.Wrap(err, "failed to queue jenkins build")
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return BuildHandle{}, errors.New("jenkins did not return a queue location")
	}
	queueURL, err := j.base.Parse(location)
	if err != nil {
		return BuildHandle{}, errors.Wrapf(err, "invalid queue location %q", location)
	}
	j.logger.Infow("Build queued", "branch", branch, "queue_item", queueURL.Redacted())

	return j.resolveQueueItem(ctx, queueURL)
}

type jenkinsQueueItem struct {
	Cancelled  bool   `json:"cancelled"`
	Why        string `json:"why"`
	Executable *struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
	} `json:"executable"`
}

func (j *jenkins) resolveQueueItem(ctx context.Context, queueURL *url.URL) (BuildHandle, error) {
	if err := sleep(ctx, j.opts.QueueSettle); err != nil {
		return BuildHandle{}, err
	}

	itemURL := *queueURL
	itemURL.Path = strings.TrimSuffix(itemURL.Path, "/") + "/api/json"

	var lastWhy string
	for attempt := 1; attempt <= j.opts.QueuePollAttempts; attempt++ {
		req, err := j.newRequest(ctx, http.MethodGet, itemURL.String(), nil)
		if err != nil {
			return BuildHandle{}, err
		}
		var item jenkinsQueueItem
		if _, err := doJSON(j.client, req, &item); err != nil {
			return BuildHandle{}, errors.Wrap(err, "failed to read jenkins queue item")
		}
		if item.Cancelled {
			return BuildHandle{}, errors.New("jenkins cancelled the queued build")
		}
		if item.Executable != nil && item.Executable.Number > 0 {
			handle := BuildHandle{
				System: SystemJenkins,
				ID:     strconv.Itoa(item.Executable.Number),
				URL:    item.Executable.URL,
			}
			j.logger.Infow("Queued build started", "build_id", handle.ID, "attempt", attempt)
			return handle, nil
		}
		lastWhy = item.Why

		if attempt < j.opts.QueuePollAttempts {
			if err := sleep(ctx, j.opts.QueuePollInterval); err != nil {
				return BuildHandle{}, err
			}
		}
	}

	err := errors.Newf("queued build did not start after %d attempts", j.opts.QueuePollAttempts)
	if lastWhy != "" {
		err = errors.WithDetail(err, fmt.Sprintf("Jenkins: %s", lastWhy))
	}
	return BuildHandle{}, errors.Mark(err, errors.ErrTimeout)
}

type jenkinsBuild struct {
	Building bool    `json:"building"`
	Result   *string `json:"result"`
	URL      string  `json:"url"`
}

// Poll reads build state. complete iff building is false; success iff the
// result is exactly "SUCCESS".
func (j *jenkins) Poll(ctx context.Context, handle BuildHandle) (BuildStatus, error) {
	req, err := j.newRequest(ctx, http.MethodGet, j.url(handle.ID, "api", "json"), nil)
	if err != nil {
		return BuildStatus{}, err
	}

	var build jenkinsBuild
	if _, err := doJSON(j.client, req, &build); err != nil {
		return BuildStatus{}, errors.Wrapf(err, "failed to poll jenkins build %s", handle.ID)
	}

	status := BuildStatus{URL: build.URL}
	if status.URL == "" {
		status.URL = handle.URL
	}
	if build.Building {
		status.Status = "running"
		return status, nil
	}

	status.Complete = true
	status.Status = "completed"
	if build.Result != nil {
		status.NativeResult = *build.Result
		status.Success = *build.Result == "SUCCESS"
	}
	return status, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
