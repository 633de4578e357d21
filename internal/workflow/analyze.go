package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/picvault/picvault/internal/ai"
	"github.com/picvault/picvault/internal/sidecar"
	"github.com/picvault/picvault/internal/storage"
	"github.com/picvault/picvault/internal/tenant"
)

// analysisOutcome is what stage 3 hands the rest of the pipeline,
// whichever way it was obtained.
type analysisOutcome struct {
	analysis    *ai.Analysis
	caption     string
	sdCaption   string
	cacheHit    bool
	fresh       bool
	sidecarText string
	tempURL     string
}

// resolveAnalysis returns the cached sidecar view when one qualifies and
// force is off; otherwise it runs the model and prepares the sidecar text
// for the caller to persist.
func (o *Orchestrator) resolveAnalysis(ctx context.Context, cfg *tenant.Config, name, contentHash string, data []byte, force bool) (*analysisOutcome, error) {
	root := cfg.Storage.Root

	if !force {
		text, ok, err := o.store.ReadSidecarText(ctx, root, storage.Stem(name))
		switch {
		case err != nil:
			// Treat a failed read as a miss; the sidecar is a cache.
			o.log.WarnContext(ctx, "workflow_sidecar_read_failed",
				"filename", name, "error", err.Error())
		case ok:
			if view, hit := sidecar.Rehydrate(text); hit {
				o.log.InfoContext(ctx, "workflow_sidecar_cache_hit",
					"tenant_id", cfg.TenantID, "filename", name)
				return &analysisOutcome{
					analysis:  view.Analysis(),
					caption:   view.Caption,
					sdCaption: view.SDCaption,
					cacheHit:  true,
				}, nil
			}
			o.log.InfoContext(ctx, "workflow_sidecar_parse_error", "filename", name)
		}
	}

	tempURL, err := o.store.TempLink(ctx, root, name)
	if err != nil {
		return nil, err
	}
	analysis, err := o.ai.Analyze(ctx, cfg.AI, tempURL)
	if err != nil {
		return nil, err
	}
	pair, err := o.ai.CreateCaptionPair(ctx, cfg.AI, analysis, captionSpec(cfg))
	if err != nil {
		return nil, err
	}

	sdCaption := pair.SDCaption
	if sdCaption == "" {
		sdCaption = analysis.SDCaption
	}
	if analysis.SDCaption == "" {
		analysis.SDCaption = sdCaption
	}

	text := sidecar.Build(analysis, pair.Caption,
		sidecar.Identity{
			ImageFile:   name,
			ContentHash: contentHash,
			SHA256:      sha256Hex(data),
			Created:     o.now(),
		},
		sidecar.Versions{
			SDCaption: cfg.Captionfile.SDCaptionVersion,
			Model:     cfg.Captionfile.ModelVersion,
		},
		cfg.Captionfile.ExtendedMetadataEnabled)

	return &analysisOutcome{
		analysis:    analysis,
		caption:     pair.Caption,
		sdCaption:   sdCaption,
		fresh:       true,
		sidecarText: text,
		tempURL:     tempURL,
	}, nil
}

func captionSpec(cfg *tenant.Config) ai.CaptionSpec {
	enabled := cfg.EnabledPublishers()
	platforms := make([]string, 0, len(enabled))
	for _, p := range enabled {
		platforms = append(platforms, p.Type)
	}
	return ai.CaptionSpec{
		Platform:  strings.Join(platforms, ","),
		Style:     cfg.Content.Style,
		MaxLength: cfg.Content.MaxCaptionLength,
		Hashtags:  cfg.Content.Hashtags,
	}
}

// AnalyzeResult is the standalone analysis outcome served by the web layer.
type AnalyzeResult struct {
	Filename       string       `json:"filename"`
	Analysis       *ai.Analysis `json:"analysis,omitempty"`
	Caption        string       `json:"caption,omitempty"`
	SDCaption      string       `json:"sd_caption,omitempty"`
	CacheHit       bool         `json:"cache_hit"`
	SidecarWritten bool         `json:"sidecar_written"`
}

// AnalyzeImage analyzes one image on demand, sidecar-first unless
// forceRefresh. Fresh analysis always rewrites the sidecar.
func (o *Orchestrator) AnalyzeImage(ctx context.Context, cfg *tenant.Config, filename string, forceRefresh bool) (*AnalyzeResult, error) {
	if !cfg.Features.AnalyzeCaptionEnabled {
		return nil, fmt.Errorf("%w: analyze_caption", ErrFeatureDisabled)
	}
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	root := cfg.Storage.Root

	entries, err := o.store.ListImagesWithHashes(ctx, root)
	if err != nil {
		return nil, err
	}
	var entry storage.Entry
	found := false
	for _, e := range entries {
		if e.Name == filename {
			entry = e
			found = true
			break
		}
	}
	if !found {
		return nil, &storage.Error{Kind: storage.KindNotFound, Op: "analyze_image", Detail: filename}
	}

	if !forceRefresh {
		if text, ok, err := o.store.ReadSidecarText(ctx, root, storage.Stem(filename)); err == nil && ok {
			if view, hit := sidecar.Rehydrate(text); hit {
				return &AnalyzeResult{
					Filename:  filename,
					Analysis:  view.Analysis(),
					Caption:   view.Caption,
					SDCaption: view.SDCaption,
					CacheHit:  true,
				}, nil
			}
		}
	}

	data, err := o.store.Download(ctx, root, filename)
	if err != nil {
		return nil, err
	}
	// The cache was consulted above, so force the fresh path.
	outcome, err := o.resolveAnalysis(ctx, cfg, filename, entry.ContentHash, data, true)
	if err != nil {
		return nil, err
	}

	written := true
	if err := o.store.WriteSidecarText(ctx, root, storage.Stem(filename), outcome.sidecarText); err != nil {
		written = false
		o.log.WarnContext(ctx, "workflow_sidecar_write_failed",
			"filename", filename, "error", err.Error())
	}
	return &AnalyzeResult{
		Filename:       filename,
		Analysis:       outcome.analysis,
		Caption:        outcome.caption,
		SDCaption:      outcome.sdCaption,
		SidecarWritten: written,
	}, nil
}
