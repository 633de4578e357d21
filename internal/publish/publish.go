// Package publish fans a captioned image out to the tenant's configured
// platforms. Each publisher owns its platform rules (size limits, caption
// caps, subject composition) and reports one Result; failures are values,
// never propagated errors or panics.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/tenant"
)

// ImageRef is the selected image as publishers see it: raw bytes for
// attachment-style platforms and a short-lived URL for URL-ingest ones.
type ImageRef struct {
	Filename string
	Data     []byte
	TempURL  string
}

// Meta carries run attribution that platforms may want beyond the caption.
type Meta struct {
	TenantID  string
	SDCaption string
}

// Result is the outcome of one platform publish attempt.
type Result struct {
	Platform   string `json:"platform"`
	Success    bool   `json:"success"`
	PostID     string `json:"post_id,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Publisher is implemented once per platform.
type Publisher interface {
	Name() string
	Enabled() bool
	Publish(ctx context.Context, img ImageRef, caption string, meta Meta) Result
}

// Deps holds process-wide collaborators shared by all publishers.
type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// New builds the publisher for one tenant publisher entry. The tenant
// config supplies shared material such as the email server.
func New(p tenant.Publisher, cfg *tenant.Config, deps Deps) (Publisher, error) {
	switch p.Type {
	case tenant.TypeTelegram:
		return newTelegram(p, deps)
	case tenant.TypeEmail, tenant.TypeFetLife:
		return newEmail(p, cfg, deps)
	case tenant.TypeInstagram:
		return newInstagram(p, deps)
	case tenant.TypeDiscord:
		return newDiscord(p, deps)
	default:
		return nil, fmt.Errorf("unknown publisher type %q", p.Type)
	}
}

// BuildAll constructs every enabled publisher for the tenant. Entries that
// fail to construct are logged and skipped so one bad platform cannot take
// the run down.
func BuildAll(cfg *tenant.Config, deps Deps) []Publisher {
	log := deps.logger()
	var out []Publisher
	for _, p := range cfg.EnabledPublishers() {
		pub, err := New(p, cfg, deps)
		if err != nil {
			log.Warn("publisher_init_failed",
				"tenant_id", cfg.TenantID, "platform", p.Type, "error", err.Error())
			continue
		}
		out = append(out, pub)
	}
	return out
}

// Run invokes one publisher and guarantees a well-formed Result: platform
// and duration always set, panics converted to failures.
func Run(ctx context.Context, p Publisher, img ImageRef, caption string, meta Meta) (res Result) {
	timer := logging.StartTimer()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Success: false, Error: fmt.Sprintf("panic: %v", r)}
		}
		res.Platform = p.Name()
		res.DurationMS = timer.ElapsedMS()
	}()
	res = p.Publish(ctx, img, caption, meta)
	return res
}

// failure builds an error Result with credential material scrubbed out of
// the message. SDK errors sometimes echo request URLs that embed tokens.
func failure(err error, secrets ...string) Result {
	msg := err.Error()
	for _, s := range secrets {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, "***")
		}
	}
	return Result{Success: false, Error: msg}
}

// truncateRunes caps s at n runes, appending nothing. Platform caption
// limits count characters, not bytes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
