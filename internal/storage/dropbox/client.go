// Package dropbox implements storage.Store against the Dropbox HTTP API
// (files namespace). Auth uses the offline refresh-token flow via
// golang.org/x/oauth2; access tokens refresh transparently.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/picvault/picvault/internal/storage"
)

const (
	defaultAPIBase     = "https://api.dropboxapi.com"
	defaultContentBase = "https://content.dropboxapi.com"
	tokenURL           = "https://api.dropboxapi.com/oauth2/token"

	// maxDownloadBytes bounds a single file read (images and sidecars only).
	maxDownloadBytes = 64 << 20
)

// Config carries the credentials and knobs for a Client.
type Config struct {
	AppKey       string
	AppSecret    string
	RefreshToken string

	// TokenSource overrides the refresh-token flow; tests use a static one.
	TokenSource oauth2.TokenSource
	// HTTPClient overrides the default 60s-timeout client.
	HTTPClient *http.Client
	// APIBase / ContentBase override the Dropbox hosts (tests).
	APIBase     string
	ContentBase string
	Retry       storage.RetryConfig
}

// Client talks to the Dropbox files API. Safe for concurrent use.
type Client struct {
	apiBase     string
	contentBase string
	tokens      oauth2.TokenSource
	httpc       *http.Client
	retry       storage.RetryConfig
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}

	ts := cfg.TokenSource
	if ts == nil {
		oc := &oauth2.Config{
			ClientID:     cfg.AppKey,
			ClientSecret: cfg.AppSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
		// Seeding with only the refresh token forces an immediate refresh on
		// first use; ReuseTokenSource then caches until expiry.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpc)
		ts = oauth2.ReuseTokenSource(nil, oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}))
	}

	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	contentBase := cfg.ContentBase
	if contentBase == "" {
		contentBase = defaultContentBase
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = storage.DefaultRetryConfig()
	}

	return &Client{
		apiBase:     strings.TrimRight(apiBase, "/"),
		contentBase: strings.TrimRight(contentBase, "/"),
		tokens:      ts,
		httpc:       httpc,
		retry:       retry,
	}
}

// rpc posts a JSON argument to an api-host endpoint and decodes the reply.
func (c *Client) rpc(ctx context.Context, endpoint string, args, out any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return &storage.Error{Kind: storage.KindPermanent, Op: endpoint, Detail: "marshal args", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+endpoint, bytes.NewReader(body))
	if err != nil {
		return &storage.Error{Kind: storage.KindPermanent, Op: endpoint, Detail: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req, endpoint)
	if err != nil {
		return err
	}
	defer respBody.Close()

	if out == nil {
		io.Copy(io.Discard, respBody)
		return nil
	}
	if err := json.NewDecoder(respBody).Decode(out); err != nil {
		return &storage.Error{Kind: storage.KindPermanent, Op: endpoint, Detail: "decode response", Err: err}
	}
	return nil
}

// contentDownload posts to a content-host endpoint with the argument in the
// Dropbox-API-Arg header and returns the raw payload.
func (c *Client) contentDownload(ctx context.Context, endpoint string, apiArg any) ([]byte, error) {
	arg, err := json.Marshal(apiArg)
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindPermanent, Op: endpoint, Detail: "marshal arg", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentBase+endpoint, nil)
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindPermanent, Op: endpoint, Detail: "build request", Err: err}
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))

	respBody, err := c.do(req, endpoint)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	data, err := io.ReadAll(io.LimitReader(respBody, maxDownloadBytes))
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindTransient, Op: endpoint, Detail: "read body", Err: err}
	}
	return data, nil
}

// contentUpload posts raw bytes to a content-host endpoint.
func (c *Client) contentUpload(ctx context.Context, endpoint string, apiArg any, payload []byte) error {
	arg, err := json.Marshal(apiArg)
	if err != nil {
		return &storage.Error{Kind: storage.KindPermanent, Op: endpoint, Detail: "marshal arg", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentBase+endpoint, bytes.NewReader(payload))
	if err != nil {
		return &storage.Error{Kind: storage.KindPermanent, Op: endpoint, Detail: "build request", Err: err}
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))
	req.Header.Set("Content-Type", "application/octet-stream")

	respBody, err := c.do(req, endpoint)
	if err != nil {
		return err
	}
	respBody.Close()
	return nil
}

// do attaches the bearer token, executes the request, and normalizes
// every failure into a *storage.Error.
func (c *Client) do(req *http.Request, op string) (io.ReadCloser, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindAuth, Op: op, Detail: "token refresh", Err: err}
	}
	tok.SetAuthHeader(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindTransient, Op: op, Detail: "request failed", Err: err}
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	return nil, normalizeStatus(op, resp, raw)
}

// apiError is the JSON error envelope Dropbox returns on 409/429.
type apiError struct {
	ErrorSummary string `json:"error_summary"`
	Error        struct {
		RetryAfter int `json:"retry_after"`
	} `json:"error"`
}

func normalizeStatus(op string, resp *http.Response, raw []byte) *storage.Error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)
	summary := strings.TrimSpace(ae.ErrorSummary)
	if summary == "" {
		summary = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &storage.Error{Kind: storage.KindAuth, Op: op, Detail: summary}
	case resp.StatusCode == http.StatusConflict:
		if strings.Contains(summary, "not_found") {
			return &storage.Error{Kind: storage.KindNotFound, Op: op, Detail: summary}
		}
		return &storage.Error{Kind: storage.KindPermanent, Op: op, Detail: summary}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &storage.Error{
			Kind:       storage.KindRateLimited,
			Op:         op,
			Detail:     summary,
			RetryAfter: retryAfterOf(resp, ae),
		}
	case resp.StatusCode >= 500:
		return &storage.Error{Kind: storage.KindTransient, Op: op, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, summary)}
	default:
		return &storage.Error{Kind: storage.KindPermanent, Op: op, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, summary)}
	}
}

func retryAfterOf(resp *http.Response, ae apiError) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if ae.Error.RetryAfter > 0 {
		return time.Duration(ae.Error.RetryAfter) * time.Second
	}
	return 0
}

// joinPath builds an absolute Dropbox path from a folder and a bare name.
func joinPath(folder, name string) string {
	folder = strings.TrimRight(folder, "/")
	if folder == "" {
		return "/" + name
	}
	return folder + "/" + name
}
