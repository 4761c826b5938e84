// Package gateway is the single path through which every backend call passes.
//
// It attaches the session credential to each request, enforces a fixed
// deadline, and turns every failure into an *apierror.Error carrying a
// localized message. An authentication rejection additionally fires the
// OnUnauthorized hook, which the session store uses to clear itself. There are
// no retries, no back-off, no coalescing and no caching.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/apierror"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/metrics"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
)

const (
	defaultTimeout      = 10 * time.Second
	maxErrorBodyBytes   = 1 << 20 // 1MiB
	maxSuccessBodyBytes = 8 << 20 // 8MiB
)

// Config configures a Client.
type Config struct {
	// BaseURL is the REST root, e.g. https://api.example.com/api.
	BaseURL string
	// Timeout bounds every call, including reading the response body.
	Timeout time.Duration
	// Locale selects the message catalog (see apierror.NewCatalog).
	Locale string
	// Tokens provides the bearer credential. Nil makes an anonymous gateway.
	Tokens TokenSource
	// OnUnauthorized runs after a 401 and before the error is returned.
	OnUnauthorized func(ctx context.Context)
	// RateLimit caps outbound requests per second; zero disables it.
	RateLimit float64
	RateBurst int
	// HTTPClient supplies the base transport. Its Timeout is ignored.
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Client issues JSON calls against the backend.
type Client struct {
	baseURL        string
	timeout        time.Duration
	catalog        *apierror.Catalog
	onUnauthorized func(ctx context.Context)
	httpClient     *http.Client
	log            *logger.Logger
}

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("gateway: BaseURL must be a valid URL")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var base http.RoundTripper
	if cfg.HTTPClient != nil {
		base = cfg.HTTPClient.Transport
	}

	transport := &Transport{Base: base, Tokens: cfg.Tokens, Host: parsed.Host}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		transport.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("gateway")
	}

	return &Client{
		baseURL:        baseURL,
		timeout:        timeout,
		catalog:        apierror.NewCatalog(cfg.Locale),
		onUnauthorized: cfg.OnUnauthorized,
		httpClient:     &http.Client{Transport: transport},
		log:            log,
	}, nil
}

// Response is a successful backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v. An empty body leaves v untouched.
func (r *Response) JSON(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Do performs one call. body, when non-nil, is sent as JSON. Any status >= 400
// and any transport failure is returned as *apierror.Error.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := metrics.RequestStarted(method)
	start := time.Now()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		done(apierror.KindUnclassified.String())
		return nil, err
	}

	fields := logrus.Fields{
		"method":     method,
		"path":       req.URL.Path,
		"request_id": req.Header.Get(RequestIDHeader),
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := apierror.FromTransport(c.catalog, err)
		c.log.WithFields(fields).WithField("kind", apiErr.Kind.String()).WithError(err).Warn("request failed")
		done(apiErr.Kind.String())
		return nil, apiErr
	}
	defer resp.Body.Close()

	fields["status"] = resp.StatusCode
	fields["duration"] = time.Since(start).String()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _, _ := readAllWithLimit(resp.Body, maxErrorBodyBytes)
		apiErr := apierror.FromStatus(c.catalog, resp.StatusCode, errorDetail(raw))

		if apiErr.Kind == apierror.KindUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized(context.WithoutCancel(ctx))
		}

		c.log.WithFields(fields).WithField("kind", apiErr.Kind.String()).WithField("detail", apiErr.Detail).Warn("request rejected")
		done(apiErr.Kind.String())
		return nil, apiErr
	}

	raw, err := readAllStrict(resp.Body, maxSuccessBodyBytes)
	if err != nil {
		var apiErr *apierror.Error
		if errors.Is(err, errBodyTooLarge) {
			apiErr = &apierror.Error{
				Kind:    apierror.KindUnclassified,
				Status:  resp.StatusCode,
				Message: c.catalog.Message(apierror.KindUnclassified, 0),
				Detail:  err.Error(),
				Err:     err,
			}
		} else {
			apiErr = apierror.FromTransport(c.catalog, err)
		}
		c.log.WithFields(fields).WithError(err).Warn("read response failed")
		done(apiErr.Kind.String())
		return nil, apiErr
	}

	c.log.WithFields(fields).Debug("request completed")
	done("ok")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw,
	}, nil
}

// Get performs a GET and decodes the body into out when out is non-nil.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out)
}

// Post performs a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, http.MethodPost, path, body, out)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.JSON(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}
