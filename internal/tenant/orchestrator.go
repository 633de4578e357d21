package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/picvault/picvault/internal/credentials"
)

// wireConfig is the orchestrator's by-host payload. Known fields are typed;
// the raw body is kept alongside so unknown fields survive round-trips.
type wireConfig struct {
	SchemaVersion int    `json:"schema_version"`
	TenantID      string `json:"tenant_id"`
	ConfigVersion string `json:"config_version"`
	TTLSeconds    *int   `json:"ttl_seconds"`

	Features struct {
		AnalyzeCaption bool `json:"analyze_caption"`
		Publish        bool `json:"publish"`
		KeepCurate     bool `json:"keep_curate"`
		RemoveCurate   bool `json:"remove_curate"`
	} `json:"features"`

	Storage struct {
		Provider     string `json:"provider"`
		Root         string `json:"root"`
		Archive      string `json:"archive"`
		FolderKeep   string `json:"folder_keep"`
		FolderRemove string `json:"folder_remove"`
	} `json:"storage"`

	Publishers []wirePublisher `json:"publishers"`

	EmailServer *struct {
		Host        string `json:"host"`
		Port        int    `json:"port"`
		FromEmail   string `json:"from_email"`
		Username    string `json:"username"`
		UseTLS      bool   `json:"use_tls"`
		PasswordRef string `json:"password_ref"`
	} `json:"email_server"`

	AI struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		BaseURL   string `json:"base_url"`
		APIKeyRef string `json:"api_key_ref"`
	} `json:"ai"`

	Captionfile struct {
		SDCaptionVersion        string `json:"sd_caption_version"`
		ModelVersion            string `json:"model_version"`
		ExtendedMetadataEnabled bool   `json:"extended_metadata_enabled"`
	} `json:"captionfile"`

	Confirmation struct {
		Enabled   bool   `json:"enabled"`
		Recipient string `json:"recipient"`
	} `json:"confirmation"`

	Content struct {
		Archive          bool     `json:"archive"`
		Style            string   `json:"style"`
		Hashtags         []string `json:"hashtags"`
		MaxCaptionLength int      `json:"max_caption_length"`
	} `json:"content"`

	raw json.RawMessage
}

type wirePublisher struct {
	Type           string  `json:"type"`
	Enabled        bool    `json:"enabled"`
	CredentialsRef *string `json:"credentials_ref"`
	ChatID         string  `json:"chat_id"`
	Recipient      string  `json:"recipient"`
	SubjectMode    string  `json:"subject_mode"`
	CaptionTarget  string  `json:"caption_target"`
	Username       string  `json:"username"`
	ChannelID      string  `json:"channel_id"`
}

// orchestratorClient fetches tenant config over HTTP.
type orchestratorClient struct {
	baseURL string
	httpc   *http.Client
}

func newOrchestratorClient(baseURL string, httpc *http.Client) *orchestratorClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &orchestratorClient{baseURL: strings.TrimRight(baseURL, "/"), httpc: httpc}
}

// fetchByHost performs GET /v1/runtime/by-host?host= with a fresh
// X-Request-Id. 404 maps to ErrNotFound; 5xx and transport failures map to
// ErrUnavailable so the cache can decide on stale-serve.
func (c *orchestratorClient) fetchByHost(ctx context.Context, host string) (*wireConfig, error) {
	u := c.baseURL + "/v1/runtime/by-host?host=" + url.QueryEscape(host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &ConfigError{Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var w wireConfig
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &ConfigError{Detail: "undecodable payload"}
	}
	w.raw = body
	return &w, nil
}

// mapWire validates a payload and builds the resolved Config. Credential
// refs become live secrets here; a failed resolution disables the affected
// publisher rather than failing the tenant.
func mapWire(w *wireConfig, res credentials.Resolver, log *slog.Logger) (*Config, error) {
	if w.SchemaVersion != 1 && w.SchemaVersion != 2 {
		return nil, &ConfigError{Detail: fmt.Sprintf("unsupported schema_version %d", w.SchemaVersion)}
	}
	if w.TenantID == "" {
		return nil, &ConfigError{Detail: "missing tenant_id"}
	}

	st := Storage{
		Provider:      defaultString(w.Storage.Provider, "dropbox"),
		Root:          w.Storage.Root,
		ArchiveFolder: defaultString(w.Storage.Archive, "archive"),
		KeepFolder:    defaultString(w.Storage.FolderKeep, "keep"),
		RemoveFolder:  defaultString(w.Storage.FolderRemove, "remove"),
	}
	if err := ValidateStorage(st); err != nil {
		return nil, &ConfigError{Detail: err.Error()}
	}

	cfg := &Config{
		TenantID:      w.TenantID,
		ConfigVersion: w.ConfigVersion,
		SchemaVersion: w.SchemaVersion,
		Features: Features{
			AnalyzeCaptionEnabled: w.Features.AnalyzeCaption,
			PublishEnabled:        w.Features.Publish,
			KeepEnabled:           w.Features.KeepCurate,
			RemoveEnabled:         w.Features.RemoveCurate,
		},
		Storage: st,
	}

	if w.SchemaVersion == 1 {
		// v1 payloads predate publishers and AI settings: conservative
		// defaults, AI analysis off.
		cfg.Features.AnalyzeCaptionEnabled = false
		cfg.Content.Archive = true
		finishConfig(cfg)
		return cfg, nil
	}

	if w.EmailServer != nil {
		es := &EmailServer{
			SMTPServer:  w.EmailServer.Host,
			SMTPPort:    w.EmailServer.Port,
			Sender:      w.EmailServer.FromEmail,
			Username:    w.EmailServer.Username,
			UseTLS:      w.EmailServer.UseTLS,
			PasswordRef: w.EmailServer.PasswordRef,
		}
		if es.PasswordRef != "" {
			pw, err := res.Resolve(es.PasswordRef)
			if err != nil {
				log.Warn("tenant.email_server_credentials_unavailable", "tenant_id", w.TenantID)
			} else {
				es.Password = pw
			}
		}
		cfg.EmailServer = es
	}

	for _, wp := range w.Publishers {
		if !wp.Enabled {
			continue
		}
		p := Publisher{
			Type:          wp.Type,
			Enabled:       true,
			ChatID:        wp.ChatID,
			Recipient:     wp.Recipient,
			SubjectMode:   wp.SubjectMode,
			CaptionTarget: wp.CaptionTarget,
			Username:      wp.Username,
			ChannelID:     wp.ChannelID,
		}
		if wp.CredentialsRef != nil && *wp.CredentialsRef != "" {
			p.CredentialsRef = *wp.CredentialsRef
			secret, err := res.Resolve(p.CredentialsRef)
			if err != nil {
				log.Warn("tenant.publisher_credentials_unavailable",
					"tenant_id", w.TenantID, "platform", p.Type)
				continue
			}
			p.Credential = secret
		} else if requiresOwnCredential(p.Type) {
			log.Warn("tenant.publisher_credentials_unavailable",
				"tenant_id", w.TenantID, "platform", p.Type)
			continue
		}
		// FetLife and credential-less email publishers ride the shared
		// email_server password.
		if p.Credential == "" && (p.Type == TypeFetLife || p.Type == TypeEmail) {
			if cfg.EmailServer == nil || cfg.EmailServer.Password == "" {
				log.Warn("tenant.publisher_credentials_unavailable",
					"tenant_id", w.TenantID, "platform", p.Type)
				continue
			}
			p.Credential = cfg.EmailServer.Password
		}
		cfg.Publishers = append(cfg.Publishers, p)
	}

	cfg.AI = AI{
		Model:     defaultString(w.AI.Model, "gpt-4o"),
		MaxTokens: w.AI.MaxTokens,
		BaseURL:   w.AI.BaseURL,
		APIKeyRef: w.AI.APIKeyRef,
	}
	if cfg.AI.MaxTokens <= 0 {
		cfg.AI.MaxTokens = 512
	}
	if cfg.AI.APIKeyRef != "" {
		key, err := res.Resolve(cfg.AI.APIKeyRef)
		if err != nil {
			log.Warn("tenant.ai_credentials_unavailable", "tenant_id", w.TenantID)
			cfg.Features.AnalyzeCaptionEnabled = false
		} else {
			cfg.AI.APIKey = key
		}
	}

	cfg.Captionfile = Captionfile{
		SDCaptionVersion:        defaultString(w.Captionfile.SDCaptionVersion, "v2"),
		ModelVersion:            defaultString(w.Captionfile.ModelVersion, cfg.AI.Model),
		ExtendedMetadataEnabled: w.Captionfile.ExtendedMetadataEnabled,
	}
	cfg.Confirmation = Confirmation{
		Enabled:   w.Confirmation.Enabled,
		Recipient: w.Confirmation.Recipient,
	}
	cfg.Content = Content{
		Archive:          w.Content.Archive,
		Style:            w.Content.Style,
		Hashtags:         w.Content.Hashtags,
		MaxCaptionLength: w.Content.MaxCaptionLength,
	}

	finishConfig(cfg)
	return cfg, nil
}

func finishConfig(cfg *Config) {
	if cfg.ConfigVersion == "" {
		cfg.ConfigVersion = cfg.Hash()
	}
}

// requiresOwnCredential reports whether a publisher type is unusable
// without its own credentials_ref.
func requiresOwnCredential(t string) bool {
	switch t {
	case TypeTelegram, TypeInstagram, TypeDiscord:
		return true
	}
	return false
}

// ValidateStorage enforces the path-safety rules for a tenant's storage
// group: absolute traversal-free root and simple subfolder names.
func ValidateStorage(s Storage) error {
	if s.Root == "" || !strings.HasPrefix(s.Root, "/") {
		return fmt.Errorf("storage root must be absolute")
	}
	for _, seg := range strings.Split(strings.Trim(s.Root, "/"), "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("storage root must not traverse")
		}
	}
	for _, sub := range []string{s.ArchiveFolder, s.KeepFolder, s.RemoveFolder} {
		if err := ValidateSubfolderName(sub); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSubfolderName rejects anything but a simple single-level name.
func ValidateSubfolderName(name string) error {
	if name == "" {
		return fmt.Errorf("subfolder name empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("subfolder name %q must be a simple name", name)
	}
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
