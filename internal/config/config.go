// Package config loads the immutable process configuration from the
// environment: JSON grouping vars first, then individual vars, then the
// legacy INI file, then built-in defaults. Secrets are flat env vars and
// never travel inside groupings.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/picvault/picvault/internal/tenant"
)

// Storage mirrors the STORAGE_PATHS grouping.
type Storage struct {
	Provider     string `json:"provider"`
	Root         string `json:"root"`
	Archive      string `json:"archive"`
	FolderKeep   string `json:"folder_keep"`
	FolderRemove string `json:"folder_remove"`
}

// EmailServer mirrors the EMAIL_SERVER grouping. Keys match the runtime
// wire names; the tenant mapping renames them.
type EmailServer struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	FromEmail string `json:"from_email"`
	Username  string `json:"username"`
	UseTLS    bool   `json:"use_tls"`
}

// OpenAI mirrors the OPENAI_SETTINGS grouping.
type OpenAI struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	BaseURL   string `json:"base_url"`
}

// Captionfile mirrors the CAPTIONFILE_SETTINGS grouping.
type Captionfile struct {
	SDCaptionVersion        string `json:"sd_caption_version"`
	ModelVersion            string `json:"model_version"`
	ExtendedMetadataEnabled bool   `json:"extended_metadata_enabled"`
}

// Confirmation mirrors the CONFIRMATION_SETTINGS grouping.
type Confirmation struct {
	Enabled   bool   `json:"enabled"`
	Recipient string `json:"recipient"`
}

// Content mirrors the CONTENT_SETTINGS grouping.
type Content struct {
	Archive          bool     `json:"archive"`
	Style            string   `json:"style"`
	Hashtags         []string `json:"hashtags"`
	MaxCaptionLength int      `json:"max_caption_length"`
}

// Publisher is one entry of the PUBLISHERS grouping.
type Publisher struct {
	Type          string `json:"type"`
	Enabled       bool   `json:"enabled"`
	ChatID        string `json:"chat_id,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	SubjectMode   string `json:"subject_mode,omitempty"`
	CaptionTarget string `json:"caption_target,omitempty"`
	Username      string `json:"username,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
}

// Features are the process-level feature gates (FEATURE_* env vars).
type Features struct {
	AnalyzeCaption bool `json:"analyze_caption"`
	Publish        bool `json:"publish"`
	KeepCurate     bool `json:"keep_curate"`
	RemoveCurate   bool `json:"remove_curate"`
}

// Auth0 carries the OIDC client settings. The client secret is flat env.
type Auth0 struct {
	Domain   string `json:"domain"`
	ClientID string `json:"client_id"`
	Audience string `json:"audience"`
}

// Configured reports whether OIDC login can be offered.
func (a Auth0) Configured() bool {
	return a.Domain != "" && a.ClientID != ""
}

// Web holds the admin/viewer surface settings.
type Web struct {
	AdminLoginEmails []string `json:"admin_login_emails"`
	CookieTTLSeconds int      `json:"cookie_ttl_seconds"`
}

// Orchestrator configures multi-tenant resolution. An empty URL means
// single-tenant mode.
type Orchestrator struct {
	URL          string `json:"url"`
	CacheMaxSize int    `json:"cache_max_size"`
	TTLSeconds   int    `json:"ttl_seconds"`
}

// Telemetry configures the optional OTLP exporter.
type Telemetry struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint"`
	Protocol    string            `json:"protocol"`
	Insecure    bool              `json:"insecure"`
	ServiceName string            `json:"service_name"`
	Headers     map[string]string `json:"headers"`
}

// AutoPublish configures the optional cron publisher.
type AutoPublish struct {
	Cron  string   `json:"cron"`
	Hosts []string `json:"hosts"`
}

// Secrets are flat env vars only. Excluded from every marshal.
type Secrets struct {
	OpenAIAPIKey        string `json:"-"`
	DropboxAppKey       string `json:"-"`
	DropboxAppSecret    string `json:"-"`
	DropboxRefreshToken string `json:"-"`
	TelegramBotToken    string `json:"-"`
	EmailPassword       string `json:"-"`
	InstaPassword       string `json:"-"`
	DiscordBotToken     string `json:"-"`
	WebSessionSecret    string `json:"-"`
	WebAdminPassword    string `json:"-"`
	ViewerToken         string `json:"-"`
	ViewerBasicAuth     string `json:"-"`
	Auth0ClientSecret   string `json:"-"`
}

// App is the immutable process configuration, loaded once at startup.
type App struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Environment string `json:"environment"`

	Storage      Storage      `json:"storage"`
	EmailServer  EmailServer  `json:"email_server"`
	OpenAI       OpenAI       `json:"openai"`
	Captionfile  Captionfile  `json:"captionfile"`
	Confirmation Confirmation `json:"confirmation"`
	Content      Content      `json:"content"`
	Features     Features     `json:"features"`
	Publishers   []Publisher  `json:"publishers"`
	Auth0        Auth0        `json:"auth0"`
	Web          Web          `json:"web"`
	Orchestrator Orchestrator `json:"orchestrator"`
	Telemetry    Telemetry    `json:"telemetry"`
	AutoPublish  AutoPublish  `json:"auto_publish"`

	Secrets Secrets `json:"-"`
}

// Default returns the built-in configuration before any env or INI overlay.
func Default() *App {
	return &App{
		Host:        "0.0.0.0",
		Port:        8000,
		Environment: "development",
		Storage: Storage{
			Provider:     "dropbox",
			Root:         "/photos",
			Archive:      "archive",
			FolderKeep:   "keep",
			FolderRemove: "remove",
		},
		OpenAI: OpenAI{
			Model:     "gpt-4o",
			MaxTokens: 512,
		},
		Captionfile: Captionfile{
			SDCaptionVersion: "v2",
		},
		Content: Content{
			Archive:          true,
			MaxCaptionLength: 1024,
		},
		Features: Features{
			AnalyzeCaption: true,
			Publish:        true,
			KeepCurate:     true,
			RemoveCurate:   true,
		},
		Web: Web{
			CookieTTLSeconds: 3600,
		},
		Orchestrator: Orchestrator{
			CacheMaxSize: 256,
			TTLSeconds:   600,
		},
		Telemetry: Telemetry{
			Protocol:    "grpc",
			ServiceName: "picvault",
		},
	}
}

// ListenAddr joins host and port for the HTTP listener.
func (a *App) ListenAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Hash returns a short digest of the non-secret configuration, used as the
// default tenant's config_version.
func (a *App) Hash() string {
	data, _ := json.Marshal(a)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// MultiTenant reports whether an orchestrator is configured.
func (a *App) MultiTenant() bool { return a.Orchestrator.URL != "" }

// Production reports whether the process runs with production hardening
// (secure cookies, etc).
func (a *App) Production() bool { return a.Environment == "production" }

// RequiredSecret names the flat env var a publisher type depends on and
// whether it is set. Unknown types need nothing.
func RequiredSecret(pubType string, s Secrets) (string, bool) {
	switch pubType {
	case tenant.TypeTelegram:
		return "TELEGRAM_BOT_TOKEN", s.TelegramBotToken != ""
	case tenant.TypeEmail, tenant.TypeFetLife:
		return "EMAIL_PASSWORD", s.EmailPassword != ""
	case tenant.TypeInstagram:
		return "INSTA_PASSWORD", s.InstaPassword != ""
	case tenant.TypeDiscord:
		return "DISCORD_BOT_TOKEN", s.DiscordBotToken != ""
	}
	return "", true
}

// Validate checks the loaded configuration. All violations are reported
// together.
func (a *App) Validate() error {
	var errs []error

	st := tenant.Storage{
		Provider:      a.Storage.Provider,
		Root:          a.Storage.Root,
		ArchiveFolder: a.Storage.Archive,
		KeepFolder:    a.Storage.FolderKeep,
		RemoveFolder:  a.Storage.FolderRemove,
	}
	if err := tenant.ValidateStorage(st); err != nil {
		errs = append(errs, err)
	}

	if a.Port <= 0 || a.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", a.Port))
	}
	if a.EmailServer.Port != 0 && (a.EmailServer.Port < 1 || a.EmailServer.Port > 65535) {
		errs = append(errs, fmt.Errorf("smtp_port %d out of range", a.EmailServer.Port))
	}

	seen := map[string]bool{}
	for _, p := range a.Publishers {
		if p.Type == "" {
			errs = append(errs, errors.New("publisher with empty type"))
			continue
		}
		if seen[p.Type] {
			errs = append(errs, fmt.Errorf("duplicate publisher type %q", p.Type))
		}
		seen[p.Type] = true
		if p.Enabled {
			if env, ok := RequiredSecret(p.Type, a.Secrets); !ok {
				errs = append(errs, fmt.Errorf("publisher %q enabled but %s is not set", p.Type, env))
			}
		}
	}

	if a.Storage.Provider == "dropbox" && !a.MultiTenant() {
		if a.Secrets.DropboxAppKey == "" || a.Secrets.DropboxAppSecret == "" || a.Secrets.DropboxRefreshToken == "" {
			errs = append(errs, errors.New("dropbox storage requires DROPBOX_APP_KEY, DROPBOX_APP_SECRET and DROPBOX_REFRESH_TOKEN"))
		}
	}

	if (a.Auth0.Configured() || a.Secrets.WebAdminPassword != "") && a.Secrets.WebSessionSecret == "" {
		errs = append(errs, errors.New("admin login requires WEB_SESSION_SECRET"))
	}
	if a.Auth0.Configured() && a.Secrets.Auth0ClientSecret == "" {
		errs = append(errs, errors.New("auth0 login requires AUTH0_CLIENT_SECRET"))
	}

	return errors.Join(errs...)
}

// DefaultTenant materializes the single-tenant runtime config from the
// process settings. Publisher credentials come from the flat secret vars.
func (a *App) DefaultTenant() *tenant.Config {
	cfg := &tenant.Config{
		TenantID:      "default",
		SchemaVersion: 2,
		Features: tenant.Features{
			AnalyzeCaptionEnabled: a.Features.AnalyzeCaption,
			PublishEnabled:        a.Features.Publish,
			KeepEnabled:           a.Features.KeepCurate,
			RemoveEnabled:         a.Features.RemoveCurate,
		},
		Storage: tenant.Storage{
			Provider:      a.Storage.Provider,
			Root:          a.Storage.Root,
			ArchiveFolder: a.Storage.Archive,
			KeepFolder:    a.Storage.FolderKeep,
			RemoveFolder:  a.Storage.FolderRemove,
		},
		AI: tenant.AI{
			Model:     a.OpenAI.Model,
			MaxTokens: a.OpenAI.MaxTokens,
			BaseURL:   a.OpenAI.BaseURL,
			APIKey:    a.Secrets.OpenAIAPIKey,
		},
		Captionfile: tenant.Captionfile{
			SDCaptionVersion:        a.Captionfile.SDCaptionVersion,
			ModelVersion:            defaultString(a.Captionfile.ModelVersion, a.OpenAI.Model),
			ExtendedMetadataEnabled: a.Captionfile.ExtendedMetadataEnabled,
		},
		Confirmation: tenant.Confirmation{
			Enabled:   a.Confirmation.Enabled,
			Recipient: a.Confirmation.Recipient,
		},
		Content: tenant.Content{
			Archive:          a.Content.Archive,
			Style:            a.Content.Style,
			Hashtags:         a.Content.Hashtags,
			MaxCaptionLength: a.Content.MaxCaptionLength,
		},
	}

	if a.EmailServer.Host != "" {
		cfg.EmailServer = &tenant.EmailServer{
			SMTPServer: a.EmailServer.Host,
			SMTPPort:   a.EmailServer.Port,
			Sender:     a.EmailServer.FromEmail,
			Username:   a.EmailServer.Username,
			UseTLS:     a.EmailServer.UseTLS,
			Password:   a.Secrets.EmailPassword,
		}
	}

	for _, p := range a.Publishers {
		if !p.Enabled {
			continue
		}
		tp := tenant.Publisher{
			Type:          p.Type,
			Enabled:       true,
			ChatID:        p.ChatID,
			Recipient:     p.Recipient,
			SubjectMode:   p.SubjectMode,
			CaptionTarget: p.CaptionTarget,
			Username:      p.Username,
			ChannelID:     p.ChannelID,
		}
		switch p.Type {
		case tenant.TypeTelegram:
			tp.Credential = a.Secrets.TelegramBotToken
		case tenant.TypeEmail, tenant.TypeFetLife:
			tp.Credential = a.Secrets.EmailPassword
		case tenant.TypeInstagram:
			tp.Credential = a.Secrets.InstaPassword
		case tenant.TypeDiscord:
			tp.Credential = a.Secrets.DiscordBotToken
		}
		cfg.Publishers = append(cfg.Publishers, tp)
	}

	cfg.ConfigVersion = a.Hash()
	return cfg
}

// AdminEmailAllowed checks an OIDC email against the allowlist,
// case-insensitively.
func (a *App) AdminEmailAllowed(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, allowed := range a.Web.AdminLoginEmails {
		if strings.ToLower(allowed) == email {
			return true
		}
	}
	return false
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
