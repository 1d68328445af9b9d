package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/internal/httpclient"
)

const (
	defaultAzureBaseURL    = "https://dev.azure.com"
	defaultAzureAPIVersion = "7.0"
)

// azureDevOps triggers builds synchronously: the queue call returns the id
type azureDevOps struct {
	cfg     AzureDevOpsConfig
	base    *url.URL
	client  *http.Client
	logger  *zap.SugaredLogger
	version string
}

func newAzureDevOps(cfg AzureDevOpsConfig, client *http.Client, opts Options) (*azureDevOps, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = defaultAzureBaseURL
	}
	base, err := httpclient.ValidateBaseURL(raw)
	if err != nil {
		return nil, errors.NewInvalidRequestError("azuredevops base_url: %v", err)
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultAzureAPIVersion
	}
	return &azureDevOps{
		cfg:     cfg,
		base:    base,
		client:  client,
		logger:  opts.Logger.Named("azuredevops"),
		version: version,
	}, nil
}

func (a *azureDevOps) Type() SystemType { return SystemAzureDevOps }

// buildsURL returns {base}/{org}/{project}/_apis/build/builds[/{id}]
func (a *azureDevOps) buildsURL(id string) string {
	u := *a.base
	u.Path = path.Join("/", u.Path, a.cfg.Organization, a.cfg.Project, "_apis", "build", "builds", id)
	u.RawPath = ""
	u.RawQuery = url.Values{"api-version": {a.version}}.Encode()
	return u.String()
}

func (a *azureDevOps) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.cfg.credential(); token != "" {
		req.SetBasicAuth("", token)
	}
	return req, nil
}

type azureBuild struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Result string `json:"result"`
	Links  struct {
		Web struct {
			Href string `json:"href"`
		} `json:"web"`
	} `json:"_links"`
}

// Trigger queues the definition for refs/heads/<branch>
func (a *azureDevOps) Trigger(ctx context.Context, branch string) (BuildHandle, error) {
	body, err := json.Marshal(map[string]interface{}{
		"definition":   map[string]int{"id": a.cfg.DefinitionID},
		"sourceBranch": "refs/heads/" + branch,
	})
	if err != nil {
		return BuildHandle{}, errors.Wrap(err, "failed to encode build request")
	}

	req, err := a.newRequest(ctx, http.MethodPost, a.buildsURL(""), body)
	if err != nil {
		return BuildHandle{}, err
	}

	var build azureBuild
	if _, err := doJSON(a.client, req, &build); err != nil {
		return BuildHandle{}, errors.Wrap(err, "failed to queue azure devops build")
	}
	if build.ID == 0 {
		return BuildHandle{}, errors.New("azure devops returned no build id")
	}

	handle := BuildHandle{System: SystemAzureDevOps, ID: strconv.Itoa(build.ID), URL: build.Links.Web.Href}
	a.logger.Infow("Build queued", "build_id", handle.ID, "branch", branch, "definition_id", a.cfg.DefinitionID)
	return handle, nil
}

// Poll reads build status. complete iff status is "completed"; success
// iff complete and result is "succeeded".
func (a *azureDevOps) Poll(ctx context.Context, handle BuildHandle) (BuildStatus, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.buildsURL(handle.ID), nil)
	if err != nil {
		return BuildStatus{}, err
	}

	var build azureBuild
	if _, err := doJSON(a.client, req, &build); err != nil {
		return BuildStatus{}, errors.Wrapf(err, "failed to poll azure devops build %s", handle.ID)
	}

	complete := build.Status == "completed"
	status := BuildStatus{
		Complete:     complete,
		Success:      complete && build.Result == "succeeded",
		Status:       build.Status,
		NativeResult: build.Result,
		URL:          build.Links.Web.Href,
	}
	if status.URL == "" {
		status.URL = handle.URL
	}
	return status, nil
}

func (a *azureDevOps) String() string {
	return fmt.Sprintf("azuredevops(%s)", a.cfg)
}
