// Package ai adapts the vision model behind two operations: analyzing an
// image URL into a structured record and turning that record into a
// caption pair. Calls are JSON-strict, token-bounded, and rate limited.
package ai

import (
	"fmt"
)

// Analysis is the structured output of one vision call.
type Analysis struct {
	Description  string   `json:"description"`
	Mood         string   `json:"mood,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	NSFW         bool     `json:"nsfw"`
	SafetyLabels []string `json:"safety_labels,omitempty"`

	// Extended fields, populated when the model offers them.
	Lighting       string   `json:"lighting,omitempty"`
	Pose           string   `json:"pose,omitempty"`
	Materials      string   `json:"materials,omitempty"`
	ArtStyle       string   `json:"art_style,omitempty"`
	AestheticTerms []string `json:"aesthetic_terms,omitempty"`
	Moderation     []string `json:"moderation,omitempty"`

	// SDCaption is a single training-grade line with no inline metadata.
	SDCaption string `json:"sd_caption,omitempty"`
}

// CaptionSpec shapes caption generation for a platform.
type CaptionSpec struct {
	Platform  string   `json:"platform"`
	Style     string   `json:"style,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
}

// CaptionPair is the result of one caption call. SDCaption may be empty
// when only the legacy caption path succeeded.
type CaptionPair struct {
	Caption   string `json:"caption"`
	SDCaption string `json:"sd_caption,omitempty"`
}

// ServiceError is the single error type the adapter surfaces.
type ServiceError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ai %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("ai %s failed", e.Op)
}

func (e *ServiceError) Unwrap() error { return e.Err }
