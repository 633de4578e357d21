package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/tenant"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	chatPath        = "/chat/completions"
	defaultMaxToken = 512
	maxRetries      = 3
)

const analyzePrompt = `Describe this image for a photography catalog. Respond with a single JSON object:
{
  "description": "what the image shows, at most 30 words",
  "mood": "one or two words",
  "tags": ["5-10 short tags"],
  "nsfw": false,
  "safety_labels": [],
  "lighting": "optional",
  "pose": "optional",
  "materials": "optional",
  "art_style": "optional",
  "aesthetic_terms": [],
  "sd_caption": "one comma-separated training caption line"
}
Keep every text field PG-13. Omit optional fields you cannot judge. Output JSON only.`

const captionPromptTemplate = `Write a social media caption for the image analysis below. Respond with a single JSON object {"caption": "...", "sd_caption": "..."}.
Platform: %s
Style: %s
Max caption length: %d characters
Hashtags to weave in (at most these, never invent more): %s
The sd_caption is one comma-separated training line without hashtags.
Analysis:
%s
Output JSON only.`

const legacyCaptionPromptTemplate = `Write one social media caption (plain text, no JSON, max %d characters) for this image analysis:
%s`

// Client talks to an OpenAI-compatible chat completions API. One Client is
// shared process-wide; per-tenant settings arrive with each call.
type Client struct {
	httpc     *http.Client
	limiter   *rate.Limiter
	log       *slog.Logger
	retryBase time.Duration
}

// Options configures the shared Client.
type Options struct {
	HTTPClient *http.Client
	// Limiter bounds vendor QPS across all tenants. Nil means 1 rps.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// New builds the shared vision client.
func New(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 120 * time.Second}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(1), 2)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{httpc: httpc, limiter: limiter, log: log, retryBase: 500 * time.Millisecond}
}

// Analyze runs one multimodal call over a temporary image URL and parses
// the strict-JSON reply into an Analysis. The URL itself is never logged.
func (c *Client) Analyze(ctx context.Context, cfg tenant.AI, imageURL string) (*Analysis, error) {
	timer := logging.StartTimer()

	content, err := c.chat(ctx, cfg, []message{{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: analyzePrompt},
			{Type: "image_url", ImageURL: &imageURLPart{URL: imageURL}},
		},
	}}, true)
	if err != nil {
		c.log.Error("vision_analysis_ms",
			"elapsed_ms", timer.ElapsedMS(), "ok", false, "error_type", errorType(err))
		return nil, err
	}

	var a Analysis
	if jsonErr := json.Unmarshal([]byte(content), &a); jsonErr != nil {
		// One salvage pass: models occasionally wrap the object in prose.
		if extracted, ok := extractJSONObject(content); ok {
			jsonErr = json.Unmarshal([]byte(extracted), &a)
		}
		if jsonErr != nil {
			c.log.Error("vision_analysis_ms",
				"elapsed_ms", timer.ElapsedMS(), "ok", false, "error_type", "decode")
			return nil, &ServiceError{Op: "analyze", Detail: "model reply is not valid JSON", Err: jsonErr}
		}
	}

	c.log.Info("vision_analysis_ms", "elapsed_ms", timer.ElapsedMS(), "ok", true)
	return &a, nil
}

// CreateCaptionPair generates {caption, sd_caption} for an analysis. If the
// JSON-strict call fails, it falls back to the legacy caption-only prompt
// and returns an empty SDCaption.
func (c *Client) CreateCaptionPair(ctx context.Context, cfg tenant.AI, analysis *Analysis, spec CaptionSpec) (*CaptionPair, error) {
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return nil, &ServiceError{Op: "caption", Detail: "encode analysis", Err: err}
	}

	maxLen := spec.MaxLength
	if maxLen <= 0 {
		maxLen = 1024
	}
	prompt := fmt.Sprintf(captionPromptTemplate,
		defaultString(spec.Platform, "generic"),
		defaultString(spec.Style, "natural"),
		maxLen,
		strings.Join(spec.Hashtags, " "),
		analysisJSON)

	content, err := c.chat(ctx, cfg, []message{{Role: "user", Content: prompt}}, true)
	if err == nil {
		var pair CaptionPair
		jsonErr := json.Unmarshal([]byte(content), &pair)
		if jsonErr != nil {
			if extracted, ok := extractJSONObject(content); ok {
				jsonErr = json.Unmarshal([]byte(extracted), &pair)
			}
		}
		if jsonErr == nil && pair.Caption != "" {
			return &pair, nil
		}
	}

	// Legacy fallback: caption only, no sd_caption.
	legacy := fmt.Sprintf(legacyCaptionPromptTemplate, maxLen, analysisJSON)
	content, err = c.chat(ctx, cfg, []message{{Role: "user", Content: legacy}}, false)
	if err != nil {
		return nil, err
	}
	caption := strings.TrimSpace(content)
	if caption == "" {
		return nil, &ServiceError{Op: "caption", Detail: "empty caption"}
	}
	c.log.Warn("caption_pair_fallback", "platform", spec.Platform)
	return &CaptionPair{Caption: caption}, nil
}

// --- wire types ---

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// httpError carries the status for retry classification.
type httpError struct {
	status     int
	retryAfter time.Duration
}

func (e *httpError) Error() string {
	return fmt.Sprintf("vision api status %d", e.status)
}

// IsRateLimited reports whether err is a rate-limit failure that survived
// the retry budget.
func IsRateLimited(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.status == http.StatusTooManyRequests
}

// chat performs one completions call and returns the first choice content.
// Retries transient statuses with a short backoff, capped at maxRetries.
func (c *Client) chat(ctx context.Context, cfg tenant.AI, messages []message, jsonStrict bool) (string, error) {
	if cfg.APIKey == "" {
		return "", &ServiceError{Op: "chat", Detail: "no api key configured"}
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}
	body := map[string]any{
		"model":      defaultString(cfg.Model, "gpt-4o"),
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if jsonStrict {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", &ServiceError{Op: "chat", Detail: "marshal request", Err: err}
	}

	baseURL := strings.TrimRight(defaultString(cfg.BaseURL, defaultBaseURL), "/")

	var lastErr error
	delay := c.retryBase
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &ServiceError{Op: "chat", Detail: "canceled", Err: err}
		}

		content, err := c.doRequest(ctx, baseURL, cfg.APIKey, data)
		if err == nil {
			return content, nil
		}
		lastErr = err

		var he *httpError
		if !errors.As(err, &he) || (he.status != http.StatusTooManyRequests && he.status < 500) {
			break
		}
		if attempt == maxRetries {
			break
		}
		wait := delay
		if he.retryAfter > 0 {
			wait = he.retryAfter
		}
		select {
		case <-ctx.Done():
			return "", &ServiceError{Op: "chat", Detail: "canceled", Err: ctx.Err()}
		case <-time.After(wait):
		}
		delay *= 2
	}

	var he *httpError
	if errors.As(lastErr, &he) {
		return "", &ServiceError{Op: "chat", Detail: fmt.Sprintf("status %d", he.status), Err: lastErr}
	}
	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return "", &ServiceError{Op: "chat", Detail: "canceled", Err: lastErr}
	}
	return "", &ServiceError{Op: "chat", Detail: "request failed", Err: lastErr}
}

func (c *Client) doRequest(ctx context.Context, baseURL, apiKey string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+chatPath, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return "", &httpError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("api error: %s", cr.Error.Type)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return cr.Choices[0].Message.Content, nil
}

// extractJSONObject pulls the substring between the first '{' and the last
// '}' so prose-wrapped objects still parse.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// errorType coarsely classifies an error for the timing log.
func errorType(err error) string {
	var he *httpError
	switch {
	case errors.As(err, &he) && he.status == http.StatusTooManyRequests:
		return "rate_limited"
	case errors.As(err, &he):
		return "http"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport"
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
