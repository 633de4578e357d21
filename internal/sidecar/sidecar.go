// Package sidecar encodes and decodes the .txt companion file stored next
// to each image. Line 1 carries the training caption, the rest is a small
// commented metadata block. The file doubles as the analysis cache, so the
// parser is deliberately forgiving: anything it cannot read turns into a
// cache miss, never a crash.
package sidecar

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/picvault/picvault/internal/ai"
)

const separator = "# ---"

// Identity names the stored object the sidecar belongs to.
type Identity struct {
	ImageFile   string
	ContentHash string
	SHA256      string
	Created     time.Time
}

// Versions records which prompt and model produced the contents.
type Versions struct {
	SDCaption string
	Model     string
}

// CacheView is what a parsed sidecar contributes back to the pipeline.
// Presence of SDCaption decides whether the view counts as a cache hit;
// everything else is enrichment.
type CacheView struct {
	Caption   string `json:"caption,omitempty"`
	SDCaption string `json:"sd_caption"`

	Tags           []string `json:"tags,omitempty"`
	Lighting       string   `json:"lighting,omitempty"`
	Pose           string   `json:"pose,omitempty"`
	Materials      string   `json:"materials,omitempty"`
	ArtStyle       string   `json:"art_style,omitempty"`
	AestheticTerms []string `json:"aesthetic_terms,omitempty"`
	Moderation     []string `json:"moderation,omitempty"`

	ImageFile        string    `json:"image_file,omitempty"`
	ContentHash      string    `json:"content_hash,omitempty"`
	SHA256           string    `json:"sha256,omitempty"`
	SDCaptionVersion string    `json:"sd_caption_version,omitempty"`
	ModelVersion     string    `json:"model_version,omitempty"`
	Created          time.Time `json:"created"`
}

// Build renders the sidecar text: sd_caption on line 1, then "# ---", then
// "# key: value" metadata lines. Identity and version keys always come
// first; the caption and the extended analysis keys follow when available.
// Every line is newline-terminated and values are flattened to one line.
func Build(a *ai.Analysis, caption string, id Identity, v Versions, extended bool) string {
	var sb strings.Builder

	sdCaption := ""
	if a != nil {
		sdCaption = a.SDCaption
	}
	sb.WriteString(flatten(sdCaption))
	sb.WriteString("\n")
	sb.WriteString(separator)
	sb.WriteString("\n")

	writeKey := func(key, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&sb, "# %s: %s\n", key, flatten(value))
	}
	writeList := func(key string, values []string) {
		if len(values) == 0 {
			return
		}
		data, err := json.Marshal(values)
		if err != nil {
			return
		}
		writeKey(key, string(data))
	}

	writeKey("image_file", id.ImageFile)
	writeKey("content_hash", id.ContentHash)
	writeKey("sha256", id.SHA256)
	if !id.Created.IsZero() {
		writeKey("created", id.Created.UTC().Format(time.RFC3339))
	}
	writeKey("sd_caption_version", v.SDCaption)
	writeKey("model_version", v.Model)
	writeKey("caption", caption)

	if extended && a != nil {
		writeKey("lighting", a.Lighting)
		writeKey("pose", a.Pose)
		writeKey("materials", a.Materials)
		writeKey("art_style", a.ArtStyle)
		writeList("tags", a.Tags)
		writeList("aesthetic_terms", a.AestheticTerms)
		writeList("moderation", a.Moderation)
	}

	return sb.String()
}

// Parse splits sidecar text into the line-1 caption and the metadata map.
// Malformed pieces are skipped and reported through parseErr; callers treat
// a true parseErr as insufficient for caching.
func Parse(text string) (sdCaption string, meta map[string]any, parseErr bool) {
	meta = map[string]any{}
	if text == "" {
		return "", meta, false
	}
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return "", meta, true
	}

	lines := strings.Split(text, "\n")
	sdCaption = strings.TrimSpace(lines[0])

	inMeta := false
	for _, line := range lines[1:] {
		trimmed := strings.TrimRight(line, " \t\r")
		if trimmed == "" {
			continue
		}
		if trimmed == separator {
			inMeta = true
			continue
		}
		if !inMeta {
			// Content between the caption and the separator is not ours.
			parseErr = true
			continue
		}
		key, value, ok := metadataLine(trimmed)
		if !ok {
			parseErr = true
			continue
		}
		meta[key] = decodeValue(value)
	}
	return sdCaption, meta, parseErr
}

// Rehydrate turns sidecar text into a CacheView. ok reports whether the
// view qualifies as a cache hit: line 1 present and nothing malformed.
func Rehydrate(text string) (*CacheView, bool) {
	sdCaption, meta, parseErr := Parse(text)
	if parseErr || sdCaption == "" {
		return nil, false
	}
	view := &CacheView{
		SDCaption:        sdCaption,
		Caption:          metaString(meta, "caption"),
		Lighting:         metaString(meta, "lighting"),
		Pose:             metaString(meta, "pose"),
		Materials:        metaString(meta, "materials"),
		ArtStyle:         metaString(meta, "art_style"),
		ImageFile:        metaString(meta, "image_file"),
		ContentHash:      metaString(meta, "content_hash"),
		SHA256:           metaString(meta, "sha256"),
		SDCaptionVersion: metaString(meta, "sd_caption_version"),
		ModelVersion:     metaString(meta, "model_version"),
		Tags:             metaStrings(meta, "tags"),
		AestheticTerms:   metaStrings(meta, "aesthetic_terms"),
		Moderation:       metaStrings(meta, "moderation"),
	}
	if raw := metaString(meta, "created"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			view.Created = ts
		}
	}
	return view, true
}

// Analysis reconstructs the analysis-shaped part of a cache view so the
// pipeline can reuse it where a fresh model call would have produced one.
func (v *CacheView) Analysis() *ai.Analysis {
	return &ai.Analysis{
		SDCaption:      v.SDCaption,
		Tags:           v.Tags,
		Lighting:       v.Lighting,
		Pose:           v.Pose,
		Materials:      v.Materials,
		ArtStyle:       v.ArtStyle,
		AestheticTerms: v.AestheticTerms,
		Moderation:     v.Moderation,
	}
}

// metadataLine matches "# key: value" with a lower_snake_case key.
func metadataLine(line string) (key, value string, ok bool) {
	rest, found := strings.CutPrefix(line, "# ")
	if !found {
		return "", "", false
	}
	key, value, found = strings.Cut(rest, ": ")
	if !found || key == "" {
		return "", "", false
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(value), true
}

// decodeValue tries JSON for bracketed or quoted values and otherwise
// keeps the raw string. Hex hashes stay strings this way even when they
// happen to look numeric.
func decodeValue(value string) any {
	if len(value) == 0 {
		return value
	}
	switch value[0] {
	case '[', '{', '"':
		var out any
		if err := json.Unmarshal([]byte(value), &out); err == nil {
			return out
		}
	}
	return value
}

func metaString(meta map[string]any, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

func metaStrings(meta map[string]any, key string) []string {
	raw, ok := meta[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// flatten collapses a value onto one line with no leading or trailing
// whitespace, keeping the file format line-safe.
func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}
