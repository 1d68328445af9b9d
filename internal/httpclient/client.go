// Package httpclient builds the outbound HTTP client shared by the CI and
// review adapters: retries with backoff, request pacing, and optional
// bearer credentials.
package httpclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/version"
)

// Options configures New
type Options struct {
	Timeout           time.Duration // per attempt
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	UserAgent         string  // default version.Get().UserAgent()
	Logger            *zap.SugaredLogger
}

// DefaultOptions returns defaults for talking to build servers
func DefaultOptions() Options {
	return Options{
		Timeout:           30 * time.Second,
		RetryMax:          3,
		RetryWaitMin:      500 * time.Millisecond,
		RetryWaitMax:      10 * time.Second,
		RequestsPerSecond: 5,
	}
}

// New creates an *http.Client that retries transient failures and paces
// requests. A POST is never retried after the server answered, so a
// trigger cannot start two builds.
func New(opts Options) *http.Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = def.RetryWaitMin
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = def.RetryWaitMax
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = version.Get().UserAgent()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.HTTPClient.Timeout = opts.Timeout
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Logger != nil {
		rc.Logger = leveledLogger{opts.Logger.Named("http")}
	} else {
		rc.Logger = nil
	}

	client := rc.StandardClient()
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		client.Transport = &pacedTransport{
			base:    client.Transport,
			limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		}
	}
	client.Transport = &userAgentTransport{base: client.Transport, agent: opts.UserAgent}
	return client
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.Request != nil && resp.Request.Method == http.MethodPost {
		// Only 429 is safe to repeat: the server refused before doing anything
		return resp.StatusCode == http.StatusTooManyRequests, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// WithBearer returns a copy of client that sends token as a bearer credential
func WithBearer(client *http.Client, token string) *http.Client {
	if token == "" {
		return client
	}
	c := *client
	c.Transport = &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Base:   client.Transport,
	}
	return &c
}

// ValidateBaseURL accepts absolute http(s) URLs without embedded credentials
func ValidateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, errors.Newf("scheme %q not allowed (allowed: [http https])", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Newf("URL %q has no host", raw)
	}
	if u.User != nil {
		// Credentials belong in the config's credential fields, where they are redacted
		return nil, errors.New("URL must not embed credentials")
	}
	return u, nil
}

type pacedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(r)
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, redact(keysAndValues)...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, redact(keysAndValues)...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, redact(keysAndValues)...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, redact(keysAndValues)...)
}

// redact replaces request values, whose headers may carry credentials,
// with method and URL.
func redact(kv []interface{}) []interface{} {
	out := make([]interface{}, len(kv))
	for i, v := range kv {
		switch r := v.(type) {
		case *http.Request:
			out[i] = r.Method + " " + r.URL.Redacted()
		case *retryablehttp.Request:
			out[i] = r.Method + " " + r.URL.Redacted()
		default:
			out[i] = v
		}
	}
	return out
}
