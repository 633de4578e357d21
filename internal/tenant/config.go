// Package tenant resolves the runtime configuration for one hostname: the
// model types, the orchestrator client that fetches them, and the TTL+LRU
// cache with stale-serve that fronts it.
package tenant

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Publisher types understood by the factory.
const (
	TypeTelegram  = "telegram"
	TypeEmail     = "email"
	TypeFetLife   = "fetlife"
	TypeInstagram = "instagram"
	TypeDiscord   = "discord"
)

// Features are the per-tenant gates, read once per run.
type Features struct {
	AnalyzeCaptionEnabled bool `json:"analyze_caption_enabled"`
	PublishEnabled        bool `json:"publish_enabled"`
	KeepEnabled           bool `json:"keep_enabled"`
	RemoveEnabled         bool `json:"remove_enabled"`
}

// Storage locates the tenant's assets inside the object store.
type Storage struct {
	Provider      string `json:"provider"`
	Root          string `json:"root"`
	ArchiveFolder string `json:"archive_folder"`
	KeepFolder    string `json:"keep_folder"`
	RemoveFolder  string `json:"remove_folder"`
}

// Publisher is one resolved publish target. Credential holds the live
// secret after ref resolution; it is never marshaled or logged.
type Publisher struct {
	Type           string `json:"type"`
	Enabled        bool   `json:"enabled"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
	Credential     string `json:"-"`

	// Telegram
	ChatID string `json:"chat_id,omitempty"`
	// Email / FetLife
	Recipient     string `json:"recipient,omitempty"`
	SubjectMode   string `json:"subject_mode,omitempty"`
	CaptionTarget string `json:"caption_target,omitempty"`
	// Instagram
	Username string `json:"username,omitempty"`
	// Discord
	ChannelID string `json:"channel_id,omitempty"`
}

// EmailServer is the tenant's shared SMTP endpoint. FetLife publishers use
// it instead of owning a credential.
type EmailServer struct {
	SMTPServer  string `json:"smtp_server"`
	SMTPPort    int    `json:"smtp_port"`
	Sender      string `json:"sender"`
	Username    string `json:"username,omitempty"`
	UseTLS      bool   `json:"use_tls"`
	PasswordRef string `json:"password_ref,omitempty"`
	Password    string `json:"-"`
}

// AI selects the vision model and its bounds.
type AI struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKeyRef string `json:"api_key_ref,omitempty"`
	APIKey    string `json:"-"`
}

// Captionfile controls sidecar generation.
type Captionfile struct {
	SDCaptionVersion        string `json:"sd_caption_version"`
	ModelVersion            string `json:"model_version"`
	ExtendedMetadataEnabled bool   `json:"extended_metadata_enabled"`
}

// Confirmation is the post-publish confirmation email policy.
type Confirmation struct {
	Enabled   bool   `json:"enabled"`
	Recipient string `json:"recipient,omitempty"`
}

// Content shapes captions and gates archiving.
type Content struct {
	Archive          bool     `json:"archive"`
	Style            string   `json:"style,omitempty"`
	Hashtags         []string `json:"hashtags,omitempty"`
	MaxCaptionLength int      `json:"max_caption_length,omitempty"`
}

// Config is the fully resolved runtime configuration for one host.
// Replaced, never mutated: the resolver builds a fresh value on every
// orchestrator fetch.
type Config struct {
	TenantID      string      `json:"tenant_id"`
	ConfigVersion string      `json:"config_version"`
	SchemaVersion int         `json:"schema_version"`
	Features      Features    `json:"features"`
	Storage       Storage     `json:"storage"`
	Publishers    []Publisher `json:"publishers,omitempty"`
	EmailServer   *EmailServer `json:"email_server,omitempty"`
	AI            AI          `json:"ai"`
	Captionfile   Captionfile `json:"captionfile"`
	Confirmation  Confirmation `json:"confirmation"`
	Content       Content     `json:"content"`
}

// Hash derives a short stable digest of the config, used as the
// config_version when the orchestrator does not supply one.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// EnabledPublishers returns the publishers that survived resolution.
func (c *Config) EnabledPublishers() []Publisher {
	out := make([]Publisher, 0, len(c.Publishers))
	for _, p := range c.Publishers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// PublisherStatus maps platform type to enabled, for the public config
// endpoint. Disabled publishers are filtered at resolution time, so
// presence in the list means enabled.
func (c *Config) PublisherStatus() map[string]bool {
	out := make(map[string]bool, len(c.Publishers))
	for _, p := range c.Publishers {
		out[p.Type] = p.Enabled
	}
	return out
}
