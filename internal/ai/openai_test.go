package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/picvault/picvault/internal/tenant"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chatRecorder captures every request body sent to the fake completions
// endpoint and replies from a scripted queue.
type chatRecorder struct {
	mu      sync.Mutex
	bodies  []map[string]any
	replies []reply
}

type reply struct {
	status  int
	content string
	header  http.Header
}

func (r *chatRecorder) push(rep reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, rep)
}

func (r *chatRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", req.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}

		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		var rep reply
		if len(r.replies) > 0 {
			rep = r.replies[0]
			r.replies = r.replies[1:]
		} else {
			rep = reply{status: http.StatusOK, content: "{}"}
		}
		r.mu.Unlock()

		for k, vs := range rep.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rep.status)
		if rep.status == http.StatusOK {
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{"content": rep.content}},
				},
			})
		} else {
			io.WriteString(w, `{"error":{"message":"nope"}}`)
		}
	}
}

func (r *chatRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *chatRecorder) body(i int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[i]
}

func newTestClient(t *testing.T, rec *chatRecorder) (*Client, tenant.AI) {
	t.Helper()
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)

	c := New(Options{
		HTTPClient: srv.Client(),
		Limiter:    rate.NewLimiter(rate.Inf, 1),
		Logger:     discardLogger(),
	})
	c.retryBase = time.Millisecond
	return c, tenant.AI{Model: "gpt-4o", MaxTokens: 256, BaseURL: srv.URL, APIKey: "test-key"}
}

func TestAnalyzeParsesStrictJSON(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusOK, content: `{"description":"a red barn at dusk","mood":"calm","tags":["barn","dusk"],"nsfw":false,"sd_caption":"red barn, dusk, wide shot"}`})
	c, cfg := newTestClient(t, rec)

	a, err := c.Analyze(context.Background(), cfg, "https://example.test/tmp/img.jpg")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Description != "a red barn at dusk" {
		t.Errorf("Description = %q", a.Description)
	}
	if len(a.Tags) != 2 || a.Tags[0] != "barn" {
		t.Errorf("Tags = %v", a.Tags)
	}
	if a.SDCaption != "red barn, dusk, wide shot" {
		t.Errorf("SDCaption = %q", a.SDCaption)
	}

	body := rec.body(0)
	if body["model"] != "gpt-4o" {
		t.Errorf("model = %v", body["model"])
	}
	if body["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
	rf, ok := body["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v", body["response_format"])
	}
	msgs := body["messages"].([]any)
	parts := msgs[0].(map[string]any)["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("content parts = %d, want 2", len(parts))
	}
	img := parts[1].(map[string]any)
	if img["type"] != "image_url" {
		t.Errorf("second part type = %v", img["type"])
	}
}

func TestAnalyzeSalvagesWrappedJSON(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusOK, content: "Sure, here you go:\n{\"description\":\"pier\",\"tags\":[\"sea\"]}\nHope that helps!"})
	c, cfg := newTestClient(t, rec)

	a, err := c.Analyze(context.Background(), cfg, "https://example.test/i.jpg")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Description != "pier" {
		t.Errorf("Description = %q", a.Description)
	}
}

func TestAnalyzeRejectsNonJSON(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusOK, content: "I cannot describe this image."})
	c, cfg := newTestClient(t, rec)

	_, err := c.Analyze(context.Background(), cfg, "https://example.test/i.jpg")
	if err == nil {
		t.Fatal("want error for non-JSON reply")
	}
	var se *ServiceError
	if !errors.As(err, &se) || se.Op != "analyze" {
		t.Errorf("err = %v, want analyze ServiceError", err)
	}
}

func TestChatRetriesRateLimit(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusTooManyRequests})
	rec.push(reply{status: http.StatusOK, content: `{"description":"ok"}`})
	c, cfg := newTestClient(t, rec)

	a, err := c.Analyze(context.Background(), cfg, "https://example.test/i.jpg")
	if err != nil {
		t.Fatalf("Analyze after retry: %v", err)
	}
	if a.Description != "ok" {
		t.Errorf("Description = %q", a.Description)
	}
	if got := rec.calls(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestChatNoRetryOnAuthFailure(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusUnauthorized})
	c, cfg := newTestClient(t, rec)

	_, err := c.Analyze(context.Background(), cfg, "https://example.test/i.jpg")
	if err == nil {
		t.Fatal("want error")
	}
	if got := rec.calls(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 401)", got)
	}
}

func TestChatExhaustsRetries(t *testing.T) {
	rec := &chatRecorder{}
	for i := 0; i < maxRetries; i++ {
		rec.push(reply{status: http.StatusServiceUnavailable})
	}
	c, cfg := newTestClient(t, rec)

	_, err := c.Analyze(context.Background(), cfg, "https://example.test/i.jpg")
	if err == nil {
		t.Fatal("want error after exhausting retries")
	}
	if got := rec.calls(); got != maxRetries {
		t.Errorf("calls = %d, want %d", got, maxRetries)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want status in message", err)
	}
}

func TestChatRequiresAPIKey(t *testing.T) {
	rec := &chatRecorder{}
	c, cfg := newTestClient(t, rec)
	cfg.APIKey = ""

	_, err := c.Analyze(context.Background(), cfg, "https://example.test/i.jpg")
	if err == nil {
		t.Fatal("want error without api key")
	}
	if got := rec.calls(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestCreateCaptionPair(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusOK, content: `{"caption":"Golden hour at the pier #sunset","sd_caption":"pier, golden hour, long exposure"}`})
	c, cfg := newTestClient(t, rec)

	pair, err := c.CreateCaptionPair(context.Background(), cfg,
		&Analysis{Description: "pier at sunset"},
		CaptionSpec{Platform: "telegram", Style: "casual", Hashtags: []string{"#sunset"}, MaxLength: 1024})
	if err != nil {
		t.Fatalf("CreateCaptionPair: %v", err)
	}
	if pair.Caption != "Golden hour at the pier #sunset" {
		t.Errorf("Caption = %q", pair.Caption)
	}
	if pair.SDCaption != "pier, golden hour, long exposure" {
		t.Errorf("SDCaption = %q", pair.SDCaption)
	}
	if got := rec.calls(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}

	prompt := rec.body(0)["messages"].([]any)[0].(map[string]any)["content"].(string)
	if !strings.Contains(prompt, "telegram") || !strings.Contains(prompt, "#sunset") {
		t.Errorf("prompt missing platform or hashtags: %q", prompt)
	}
}

func TestCreateCaptionPairLegacyFallback(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusOK, content: "no json here at all"})
	rec.push(reply{status: http.StatusOK, content: "  A quiet pier at dusk.  "})
	c, cfg := newTestClient(t, rec)

	pair, err := c.CreateCaptionPair(context.Background(), cfg,
		&Analysis{Description: "pier"}, CaptionSpec{Platform: "email"})
	if err != nil {
		t.Fatalf("CreateCaptionPair fallback: %v", err)
	}
	if pair.Caption != "A quiet pier at dusk." {
		t.Errorf("Caption = %q", pair.Caption)
	}
	if pair.SDCaption != "" {
		t.Errorf("SDCaption = %q, want empty on legacy fallback", pair.SDCaption)
	}
	if got := rec.calls(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
	// The legacy call must not force JSON mode.
	if _, ok := rec.body(1)["response_format"]; ok {
		t.Error("legacy fallback request still has response_format")
	}
}

func TestDefaultsApplied(t *testing.T) {
	rec := &chatRecorder{}
	rec.push(reply{status: http.StatusOK, content: `{"description":"d"}`})
	c, cfg := newTestClient(t, rec)
	cfg.Model = ""
	cfg.MaxTokens = 0

	if _, err := c.Analyze(context.Background(), cfg, "https://example.test/i.jpg"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	body := rec.body(0)
	if body["model"] != "gpt-4o" {
		t.Errorf("model = %v, want default gpt-4o", body["model"])
	}
	if body["max_tokens"] != float64(defaultMaxToken) {
		t.Errorf("max_tokens = %v, want %d", body["max_tokens"], defaultMaxToken)
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`text {"a":1} more`, `{"a":1}`, true},
		{`no braces`, "", false},
		{`only open {`, "", false},
	}
	for _, tt := range tests {
		got, ok := extractJSONObject(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("extractJSONObject(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
