package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/internal/httpclient"
)

// ErrBuildTimeout is returned by Await when the deadline passes first
var ErrBuildTimeout = errors.Mark(errors.New("build did not complete before the deadline"), errors.ErrTimeout)

// BuildHandle identifies a triggered build
type BuildHandle struct {
	System SystemType `json:"system"`
	ID     string     `json:"id"`
	URL    string     `json:"url,omitempty"`
}

// BuildStatus is the normalized state of a build. Success is only
// meaningful when Complete is true.
type BuildStatus struct {
	Complete     bool   `json:"complete"`
	Success      bool   `json:"success"`
	Status       string `json:"status"`
	NativeResult string `json:"native_result,omitempty"`
	URL          string `json:"url,omitempty"`
}

// System triggers and polls builds on one CI server
type System interface {
	Type() SystemType
	Trigger(ctx context.Context, branch string) (BuildHandle, error)
	Poll(ctx context.Context, handle BuildHandle) (BuildStatus, error)
}

// Options tunes adapter behavior shared by all systems
type Options struct {
	// QueueSettle is how long a queued build is left alone before its
	// build number is first requested.
	QueueSettle       time.Duration
	QueuePollAttempts int
	QueuePollInterval time.Duration
	Logger            *zap.SugaredLogger
}

// DefaultOptions returns the adapter defaults
func DefaultOptions() Options {
	return Options{
		QueueSettle:       5 * time.Second,
		QueuePollAttempts: 10,
		QueuePollInterval: 2 * time.Second,
	}
}

// NewSystem builds the adapter for a trigger. client carries the retry and
// pacing policy; credentials are added per system.
func NewSystem(t *Trigger, client *http.Client, opts Options) (System, error) {
	def := DefaultOptions()
	if opts.QueuePollAttempts <= 0 {
		opts.QueuePollAttempts = def.QueuePollAttempts
	}
	if opts.QueuePollInterval <= 0 {
		opts.QueuePollInterval = def.QueuePollInterval
	}
	if opts.QueueSettle < 0 {
		opts.QueueSettle = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if client == nil {
		client = httpclient.New(httpclient.DefaultOptions())
	}

	switch {
	case t == nil:
		return nil, errors.NewInvalidRequestError("no CI trigger configured")
	case t.AzureDevOps != nil:
		return newAzureDevOps(*t.AzureDevOps, client, opts)
	case t.Jenkins != nil:
		return newJenkins(*t.Jenkins, client, opts)
	}
	err := errors.Wrapf(ErrUnsupportedSystem, "type %q", t.Type)
	return nil, errors.Mark(err, errors.ErrUnsupported)
}

// Await polls until the build completes, ctx ends, or timeout passes.
// Poll errors are logged and retried on the next tick.
func Await(ctx context.Context, sys System, handle BuildHandle, interval, timeout time.Duration, logger *zap.SugaredLogger) (BuildStatus, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last BuildStatus
	var lastErr error
	for {
		status, err := sys.Poll(ctx, handle)
		if err == nil {
			last = status
			if status.Complete {
				return status, nil
			}
		} else if ctx.Err() == nil {
			lastErr = err
			logger.Warnw("Build poll failed", "ci_system", handle.System, "build_id", handle.ID, "error", err)
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return last, errors.WithSecondaryError(ErrBuildTimeout, lastErr)
			}
			return last, ErrBuildTimeout
		case <-ticker.C:
		}
	}
}

// doJSON sends req and decodes a JSON response into target (if non-nil).
// Non-2xx responses become errors carrying the status and a body excerpt.
func doJSON(client *http.Client, req *http.Request, target interface{}) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := errors.Newf("%s %s: unexpected status %s", req.Method, req.URL.Redacted(), resp.Status)
		if len(excerpt) > 0 {
			err = errors.WithDetail(err, fmt.Sprintf("Response: %s", excerpt))
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err = errors.Mark(err, errors.ErrUnauthorized)
		}
		return resp, err
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return resp, errors.Wrapf(err, "failed to decode response from %s", req.URL.Redacted())
		}
	}
	return resp, nil
}
