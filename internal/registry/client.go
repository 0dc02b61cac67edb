// Package registry implements the wapm registry protocol: package metadata
// queries over GraphQL plus archive downloads, with bounded retry for
// transient failures.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/john-sharratt/wapm-cli/internal/manifest"
)

// DefaultURL is the production registry.
const DefaultURL = "https://registry.wapm.io"

const (
	graphqlPath = "/graphql"
	userAgent   = "wapm-cli"

	// maxResponseBytes caps metadata responses; archives have their own
	// configurable ceiling.
	maxResponseBytes = 10 << 20
)

// DefaultMaxArchiveBytes is the download ceiling when none is configured.
const DefaultMaxArchiveBytes = 512 << 20

const packageVersionsQuery = `query GetPackageVersions($name: String!) {
  package(name: $name) {
    name
    versions {
      version
      abi
      distribution { downloadUrl contentHash signature }
      dependencies { name range }
    }
  }
}`

const packageByCommandQuery = `query GetPackageByCommand($name: String!) {
  command(name: $name) {
    name
    module
    packageVersion { version package { name } }
  }
}`

const viewerQuery = `query WhoAmI { viewer { username } }`

// Client talks to one registry endpoint.
type Client struct {
	baseURL    string
	gqlURL     string
	token      string
	proxyURL   string
	httpClient *http.Client
	logger     *log.Logger
	maxRetries uint64
	retryBase  time.Duration
	maxArchive int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithProxy routes all traffic through the given proxy URL.
func WithProxy(proxyURL string) Option { return func(c *Client) { c.proxyURL = proxyURL } }

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMaxRetries bounds how often a transient failure is retried.
func WithMaxRetries(n uint64) Option { return func(c *Client) { c.maxRetries = n } }

// WithRetryInterval sets the initial backoff interval.
func WithRetryInterval(d time.Duration) Option { return func(c *Client) { c.retryBase = d } }

// WithMaxArchiveBytes sets the archive download ceiling.
func WithMaxArchiveBytes(n int64) Option { return func(c *Client) { c.maxArchive = n } }

// New creates a client for the registry at baseURL. The GraphQL endpoint
// lives at baseURL + "/graphql".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: 3,
		retryBase:  250 * time.Millisecond,
		maxArchive: DefaultMaxArchiveBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gqlURL = c.baseURL + graphqlPath
	if c.logger == nil {
		c.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "registry"})
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if c.proxyURL != "" {
		proxy, err := url.Parse(c.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport := &http.Transport{Proxy: http.ProxyURL(proxy)}
		// Copy the client so a shared http.Client is not mutated.
		clone := *c.httpClient
		clone.Transport = transport
		c.httpClient = &clone
	}
	return c, nil
}

// BaseURL returns the configured registry endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// PackageVersions fetches the full version list for a package.
func (c *Client) PackageVersions(ctx context.Context, name string) (*Entry, error) {
	var data packageVersionsData
	if err := c.query(ctx, "package versions", name, packageVersionsQuery, map[string]any{"name": name}, &data); err != nil {
		return nil, err
	}
	if data.Package == nil {
		return nil, fmt.Errorf("package %q: %w", name, ErrNotFound)
	}
	entry := &Entry{Name: data.Package.Name}
	for i := range data.Package.Versions {
		entry.Versions = append(entry.Versions, data.Package.Versions[i].toMeta())
	}
	return entry, nil
}

// PackageByCommand resolves a command name to the release providing it.
func (c *Client) PackageByCommand(ctx context.Context, command string) (*CommandTarget, error) {
	var data commandData
	if err := c.query(ctx, "command lookup", command, packageByCommandQuery, map[string]any{"name": command}, &data); err != nil {
		return nil, err
	}
	if data.Command == nil {
		return nil, fmt.Errorf("command %q: %w", command, ErrNotFound)
	}
	return &CommandTarget{
		Command: data.Command.Name,
		Module:  data.Command.Module,
		Package: manifest.PackageID{
			Name:    data.Command.PackageVersion.Package.Name,
			Version: data.Command.PackageVersion.Version,
		},
	}, nil
}

// Viewer returns the username the configured token authenticates as.
func (c *Client) Viewer(ctx context.Context) (string, error) {
	var data viewerData
	if err := c.query(ctx, "viewer", "", viewerQuery, nil, &data); err != nil {
		return "", err
	}
	if data.Viewer == nil {
		return "", fmt.Errorf("viewer: %w", ErrNotFound)
	}
	return data.Viewer.Username, nil
}

// FetchArchive streams the archive at rawURL into dst, honoring ctx and the
// configured size ceiling. Transient failures restart the download from the
// beginning.
func (c *Client) FetchArchive(ctx context.Context, rawURL, dst string) (int64, error) {
	f, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("creating archive file: %w", err)
	}
	defer f.Close()

	var written int64
	attempts := 0
	lastStatus := 0
	operation := func() error {
		attempts++
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("rewinding archive file: %w", err))
		}
		if err := f.Truncate(0); err != nil {
			return backoff.Permanent(fmt.Errorf("truncating archive file: %w", err))
		}
		n, status, err := c.fetchOnce(ctx, rawURL, f)
		written = n
		lastStatus = status
		if err == nil {
			return nil
		}
		var te *transientError
		if errors.As(err, &te) {
			c.logger.Debug("retrying archive download", "url", rawURL, "attempt", attempts, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return 0, c.requestError("archive download", rawURL, lastStatus, attempts, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing archive file: %w", err)
	}
	return written, nil
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string, w io.Writer) (int64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return 0, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, &transientError{fmt.Errorf("downloading archive: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return 0, resp.StatusCode, fmt.Errorf("archive %s: %w", rawURL, ErrNotFound)
	case retryableStatus(resp.StatusCode):
		return 0, resp.StatusCode, &transientError{fmt.Errorf("unexpected status %s", resp.Status)}
	default:
		return 0, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, c.maxArchive+1))
	if err != nil {
		return n, resp.StatusCode, &transientError{fmt.Errorf("streaming archive: %w", err)}
	}
	if n > c.maxArchive {
		return n, resp.StatusCode, fmt.Errorf("%w (limit %d bytes)", ErrArchiveTooLarge, c.maxArchive)
	}
	return n, resp.StatusCode, nil
}

// ----- request plumbing -----

// transientError marks failures worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)
}

// query runs one GraphQL operation with the retry policy and decodes the
// data field into out.
func (c *Client) query(ctx context.Context, op, name, q string, vars map[string]any, out any) error {
	attempts := 0
	lastStatus := 0
	operation := func() error {
		attempts++
		status, err := c.once(ctx, q, vars, out)
		lastStatus = status
		if err == nil {
			return nil
		}
		var te *transientError
		if errors.As(err, &te) {
			c.logger.Debug("retrying registry query", "op", op, "attempt", attempts, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return c.requestError(op, name, lastStatus, attempts, err)
	}
	return nil
}

// requestError shapes the final failure, folding exhausted transient
// retries into ErrUnavailable.
func (c *Client) requestError(op, name string, status, attempts int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &RequestError{Op: op, Name: name, StatusCode: status, Attempts: attempts, Err: err}
	}
	var te *transientError
	if errors.As(err, &te) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, te.err)
	}
	return &RequestError{Op: op, Name: name, StatusCode: status, Attempts: attempts, Err: err}
}

// once performs a single GraphQL POST.
func (c *Client) once(ctx context.Context, q string, vars map[string]any, out any) (int, error) {
	body, err := json.Marshal(graphqlRequest{Query: q, Variables: vars})
	if err != nil {
		return 0, fmt.Errorf("marshaling query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gqlURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &transientError{fmt.Errorf("posting query: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if retryableStatus(resp.StatusCode) {
			return resp.StatusCode, &transientError{fmt.Errorf("unexpected status %s", resp.Status)}
		}
		return resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var env graphqlEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	if len(env.Errors) > 0 {
		return resp.StatusCode, fmt.Errorf("query rejected: %s", env.Errors[0].Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding data: %w", err)
		}
	}
	return resp.StatusCode, nil
}
