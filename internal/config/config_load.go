package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/ini.v1"
)

// Load builds the process configuration from the environment and validates
// it. Resolution order per key: JSON grouping env var, then individual env
// var, then the legacy INI file, then the built-in default.
func Load(log *slog.Logger) (*App, error) {
	return loadFrom(os.Getenv, log)
}

func loadFrom(get func(string) string, log *slog.Logger) (*App, error) {
	cfg := Default()

	if err := applyINI(cfg, get, log); err != nil {
		return nil, err
	}
	if err := applyEnvScalars(cfg, get); err != nil {
		return nil, err
	}
	if err := applyEnvGroupings(cfg, get); err != nil {
		return nil, err
	}
	applySecrets(cfg, get)
	clampWeb(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

// applyEnvGroupings overlays the JSON grouping vars. Parsing is json5 so
// trailing commas and comments in deployment manifests don't break startup;
// unknown fields are ignored for forward compatibility.
func applyEnvGroupings(cfg *App, get func(string) string) error {
	groups := []struct {
		env string
		dst any
	}{
		{"STORAGE_PATHS", &cfg.Storage},
		{"EMAIL_SERVER", &cfg.EmailServer},
		{"OPENAI_SETTINGS", &cfg.OpenAI},
		{"CAPTIONFILE_SETTINGS", &cfg.Captionfile},
		{"CONFIRMATION_SETTINGS", &cfg.Confirmation},
		{"CONTENT_SETTINGS", &cfg.Content},
		{"TELEMETRY_SETTINGS", &cfg.Telemetry},
		{"PUBLISHERS", &cfg.Publishers},
	}
	for _, g := range groups {
		raw := get(g.env)
		if raw == "" {
			continue
		}
		if err := json5.Unmarshal([]byte(raw), g.dst); err != nil {
			return fmt.Errorf("parse %s: %w", g.env, err)
		}
	}
	return nil
}

// applyEnvScalars overlays the individual (non-grouped, non-secret) vars.
func applyEnvScalars(cfg *App, get func(string) string) error {
	envStr := func(key string, dst *string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := get(key); v != "" {
			*dst = parseBool(v, *dst)
		}
	}

	envStr("HOST", &cfg.Host)
	envInt("PORT", &cfg.Port)
	envStr("ENVIRONMENT", &cfg.Environment)

	envStr("STORAGE_ROOT", &cfg.Storage.Root)
	envStr("STORAGE_ARCHIVE", &cfg.Storage.Archive)
	envStr("FOLDER_KEEP", &cfg.Storage.FolderKeep)
	envStr("FOLDER_REMOVE", &cfg.Storage.FolderRemove)

	envStr("SMTP_SERVER", &cfg.EmailServer.Host)
	if v := get("SMTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT must be an integer, got %q", v)
		}
		cfg.EmailServer.Port = n
	}
	envStr("EMAIL_FROM", &cfg.EmailServer.FromEmail)
	envStr("EMAIL_USERNAME", &cfg.EmailServer.Username)
	envBool("EMAIL_USE_TLS", &cfg.EmailServer.UseTLS)
	envStr("EMAIL_RECIPIENT", &cfg.Confirmation.Recipient)

	envStr("OPENAI_MODEL", &cfg.OpenAI.Model)
	envInt("OPENAI_MAX_TOKENS", &cfg.OpenAI.MaxTokens)
	envStr("OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)

	envBool("FEATURE_ANALYZE_CAPTION", &cfg.Features.AnalyzeCaption)
	envBool("FEATURE_PUBLISH", &cfg.Features.Publish)
	envBool("FEATURE_KEEP_CURATE", &cfg.Features.KeepCurate)
	envBool("FEATURE_REMOVE_CURATE", &cfg.Features.RemoveCurate)

	envStr("AUTH0_DOMAIN", &cfg.Auth0.Domain)
	envStr("AUTH0_CLIENT_ID", &cfg.Auth0.ClientID)
	envStr("AUTH0_AUDIENCE", &cfg.Auth0.Audience)

	if v := get("ADMIN_LOGIN_EMAILS"); v != "" {
		cfg.Web.AdminLoginEmails = splitCSV(v)
	}
	envInt("WEB_ADMIN_COOKIE_TTL_SECONDS", &cfg.Web.CookieTTLSeconds)

	envStr("ORCHESTRATOR_URL", &cfg.Orchestrator.URL)
	envInt("RUNTIME_CONFIG_CACHE_MAX_SIZE", &cfg.Orchestrator.CacheMaxSize)
	envInt("RUNTIME_CONFIG_TTL_SECONDS", &cfg.Orchestrator.TTLSeconds)

	envBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	envStr("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	envStr("TELEMETRY_PROTOCOL", &cfg.Telemetry.Protocol)
	envBool("TELEMETRY_INSECURE", &cfg.Telemetry.Insecure)
	envStr("TELEMETRY_SERVICE_NAME", &cfg.Telemetry.ServiceName)

	envStr("AUTO_PUBLISH_CRON", &cfg.AutoPublish.Cron)
	if v := get("AUTO_PUBLISH_HOSTS"); v != "" {
		cfg.AutoPublish.Hosts = splitCSV(v)
	}
	return nil
}

// applySecrets reads the flat secret vars. These never appear in groupings
// and are excluded from marshaling.
func applySecrets(cfg *App, get func(string) string) {
	s := &cfg.Secrets
	s.OpenAIAPIKey = get("OPENAI_API_KEY")
	s.DropboxAppKey = get("DROPBOX_APP_KEY")
	s.DropboxAppSecret = get("DROPBOX_APP_SECRET")
	s.DropboxRefreshToken = get("DROPBOX_REFRESH_TOKEN")
	s.TelegramBotToken = get("TELEGRAM_BOT_TOKEN")
	s.EmailPassword = get("EMAIL_PASSWORD")
	s.InstaPassword = get("INSTA_PASSWORD")
	s.DiscordBotToken = get("DISCORD_BOT_TOKEN")
	s.WebSessionSecret = get("WEB_SESSION_SECRET")
	// Historical lowercase name, kept for existing deployments.
	s.WebAdminPassword = get("web_admin_pw")
	s.ViewerToken = get("WEB_VIEWER_TOKEN")
	s.ViewerBasicAuth = get("WEB_VIEWER_BASIC_AUTH")
	s.Auth0ClientSecret = get("AUTH0_CLIENT_SECRET")
}

// applyINI overlays the legacy INI file when PICVAULT_INI points at one (or
// picvault.ini exists). Any use emits a single config_deprecation warning
// naming the sections read.
func applyINI(cfg *App, get func(string) string, log *slog.Logger) error {
	path := get("PICVAULT_INI")
	if path == "" {
		if _, err := os.Stat("picvault.ini"); err == nil {
			path = "picvault.ini"
		} else {
			return nil
		}
	}

	f, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("parse ini %s: %w", path, err)
	}

	var used []string
	section := func(name string) *ini.Section {
		s, err := f.GetSection(name)
		if err != nil {
			return nil
		}
		used = append(used, name)
		return s
	}

	if s := section("server"); s != nil {
		iniStr(s, "host", &cfg.Host)
		iniInt(s, "port", &cfg.Port)
	}
	if s := section("storage"); s != nil {
		iniStr(s, "provider", &cfg.Storage.Provider)
		iniStr(s, "root", &cfg.Storage.Root)
		iniStr(s, "archive", &cfg.Storage.Archive)
		iniStr(s, "folder_keep", &cfg.Storage.FolderKeep)
		iniStr(s, "folder_remove", &cfg.Storage.FolderRemove)
	}
	if s := section("email"); s != nil {
		iniStr(s, "host", &cfg.EmailServer.Host)
		iniInt(s, "port", &cfg.EmailServer.Port)
		iniStr(s, "from_email", &cfg.EmailServer.FromEmail)
		iniStr(s, "username", &cfg.EmailServer.Username)
		iniBool(s, "use_tls", &cfg.EmailServer.UseTLS)
	}
	if s := section("openai"); s != nil {
		iniStr(s, "model", &cfg.OpenAI.Model)
		iniInt(s, "max_tokens", &cfg.OpenAI.MaxTokens)
	}
	if s := section("features"); s != nil {
		iniBool(s, "analyze_caption", &cfg.Features.AnalyzeCaption)
		iniBool(s, "publish", &cfg.Features.Publish)
		iniBool(s, "keep_curate", &cfg.Features.KeepCurate)
		iniBool(s, "remove_curate", &cfg.Features.RemoveCurate)
	}
	if s := section("web"); s != nil {
		if v := s.Key("admin_login_emails").String(); v != "" {
			cfg.Web.AdminLoginEmails = splitCSV(v)
		}
		iniInt(s, "cookie_ttl_seconds", &cfg.Web.CookieTTLSeconds)
	}

	for _, name := range f.SectionStrings() {
		pubType, ok := strings.CutPrefix(name, "publisher.")
		if !ok {
			continue
		}
		used = append(used, name)
		s := f.Section(name)
		p := Publisher{
			Type:          pubType,
			Enabled:       s.Key("enabled").MustBool(false),
			ChatID:        s.Key("chat_id").String(),
			Recipient:     s.Key("recipient").String(),
			SubjectMode:   s.Key("subject_mode").String(),
			CaptionTarget: s.Key("caption_target").String(),
			Username:      s.Key("username").String(),
			ChannelID:     s.Key("channel_id").String(),
		}
		cfg.Publishers = append(cfg.Publishers, p)
	}

	if len(used) > 0 {
		log.Warn("config_deprecation",
			"path", path,
			"sections", strings.Join(used, ","),
			"hint", "migrate to env JSON groupings")
	}
	return nil
}

func clampWeb(cfg *App) {
	if cfg.Web.CookieTTLSeconds < 60 {
		cfg.Web.CookieTTLSeconds = 60
	}
	if cfg.Web.CookieTTLSeconds > 3600 {
		cfg.Web.CookieTTLSeconds = 3600
	}
}

func iniStr(s *ini.Section, key string, dst *string) {
	if v := s.Key(key).String(); v != "" {
		*dst = v
	}
}

func iniInt(s *ini.Section, key string, dst *int) {
	if v := s.Key(key).String(); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func iniBool(s *ini.Section, key string, dst *bool) {
	if v := s.Key(key).String(); v != "" {
		*dst = parseBool(v, *dst)
	}
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// splitCSV splits a comma-separated value tolerating whitespace around
// entries and dropping empties.
func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
