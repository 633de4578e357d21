// Package workflow runs the publish pipeline for one tenant: select an
// unposted image, analyze and caption it, write the sidecar, fan publishes
// out to the tenant's platforms, and archive once any of them succeeds.
// Preview and dry runs leave the object store untouched.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/picvault/picvault/internal/ai"
	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/publish"
	"github.com/picvault/picvault/internal/sidecar"
	"github.com/picvault/picvault/internal/state"
	"github.com/picvault/picvault/internal/storage"
	"github.com/picvault/picvault/internal/tenant"
)

const tracerName = "github.com/picvault/picvault/internal/workflow"

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// defaultTimeout bounds one pipeline run end to end.
const defaultTimeout = 60 * time.Second

// Run statuses. The first two are terminal non-errors.
const (
	StatusNoNewImages    = "no_new_images"
	StatusDuplicate      = "duplicate"
	StatusPreview        = "preview"
	StatusDryRun         = "dry_run"
	StatusPublished      = "published"
	StatusPublishFailed  = "publish_failed"
	StatusPublishSkipped = "publish_skipped"
)

// ErrFeatureDisabled marks an operation the tenant has switched off.
var ErrFeatureDisabled = errors.New("feature disabled")

// ErrInvalidFilename marks a filename that is not a bare name.
var ErrInvalidFilename = errors.New("invalid filename")

// Analyzer is the slice of the vision adapter the pipeline consumes.
type Analyzer interface {
	Analyze(ctx context.Context, cfg tenant.AI, imageURL string) (*ai.Analysis, error)
	CreateCaptionPair(ctx context.Context, cfg tenant.AI, analysis *ai.Analysis, spec ai.CaptionSpec) (*ai.CaptionPair, error)
}

var _ Analyzer = (*ai.Client)(nil)

// Options wires the orchestrator's collaborators.
type Options struct {
	Store         storage.Store
	AI            Analyzer
	PublisherDeps publish.Deps
	Logger        *slog.Logger
	Timeout       time.Duration
}

// Orchestrator coordinates one tenant run at a time per call; it holds no
// per-run state and is safe for concurrent use.
type Orchestrator struct {
	store   storage.Store
	ai      Analyzer
	log     *slog.Logger
	timeout time.Duration

	now             func() time.Time
	randIntN        func(int) int
	buildPublishers func(*tenant.Config) []publish.Publisher
}

// New builds an Orchestrator with defaults filled in.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:   opts.Store,
		ai:      opts.AI,
		log:     opts.Logger,
		timeout: opts.Timeout,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
	o.now = time.Now
	o.randIntN = rand.IntN
	deps := opts.PublisherDeps
	o.buildPublishers = func(cfg *tenant.Config) []publish.Publisher {
		return publish.BuildAll(cfg, deps)
	}
	return o
}

// ExecuteRequest selects and shapes one run.
type ExecuteRequest struct {
	// SelectFilename pins the selection when the name is still a candidate;
	// otherwise selection falls back to uniform random.
	SelectFilename string
	PreviewMode    bool
	DryRun         bool
	ForceRefresh   bool
}

// Result is the outcome of one run.
type Result struct {
	Status        string           `json:"status"`
	Filename      string           `json:"filename,omitempty"`
	ContentHash   string           `json:"content_hash,omitempty"`
	SHA256        string           `json:"sha256,omitempty"`
	Caption       string           `json:"caption,omitempty"`
	SDCaption     string           `json:"sd_caption,omitempty"`
	CacheHit      bool             `json:"cache_hit"`
	PerPlatform   []publish.Result `json:"per_platform,omitempty"`
	AnySuccess    bool             `json:"any_success"`
	Archived      bool             `json:"archived"`
	Preview       string           `json:"preview,omitempty"`
	CorrelationID string           `json:"correlation_id"`
}

// Execute runs the pipeline: list and dedup, select, analyze and caption,
// sidecar, publish fan-out, archive. Terminal non-error outcomes
// (no_new_images, duplicate) come back as Results, not errors.
func (o *Orchestrator) Execute(ctx context.Context, cfg *tenant.Config, req ExecuteRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}

	ctx, runSpan := startSpan(ctx, "workflow.execute")
	defer runSpan.End()
	runSpan.SetAttributes(attribute.String("tenant.id", cfg.TenantID))

	// Gates are read once here; mid-run config changes never apply.
	features := cfg.Features
	root := cfg.Storage.Root

	// Stage 1: list and drop everything already posted. Posted images are
	// never downloaded.
	timer := logging.StartTimer()
	listCtx, listSpan := startSpan(ctx, "workflow.list")
	entries, err := o.store.ListImagesWithHashes(listCtx, root)
	if err != nil {
		endSpan(listSpan, err)
		return nil, err
	}
	posted, err := state.Load(listCtx, o.store, root)
	endSpan(listSpan, err)
	if err != nil {
		return nil, err
	}
	var candidates []storage.Entry
	for _, e := range entries {
		if !posted.IsPosted("", e.ContentHash) {
			candidates = append(candidates, e)
		}
	}
	o.log.InfoContext(ctx, "workflow_list_ms",
		"elapsed_ms", timer.ElapsedMS(), "tenant_id", cfg.TenantID,
		"total", len(entries), "candidates", len(candidates))
	if len(candidates) == 0 {
		runSpan.SetAttributes(attribute.String("status", StatusNoNewImages))
		return &Result{Status: StatusNoNewImages, CorrelationID: correlationID}, nil
	}

	// Stage 2: select, download, and dedup again on the payload hash.
	timer = logging.StartTimer()
	sel := candidates[o.randIntN(len(candidates))]
	if req.SelectFilename != "" {
		for _, e := range candidates {
			if e.Name == req.SelectFilename {
				sel = e
				break
			}
		}
	}
	selCtx, selSpan := startSpan(ctx, "workflow.select")
	data, err := o.store.Download(selCtx, root, sel.Name)
	endSpan(selSpan, err)
	if err != nil {
		return nil, err
	}
	shaHex := sha256Hex(data)
	if posted.IsPosted(shaHex, "") {
		o.log.InfoContext(ctx, "workflow_duplicate",
			"tenant_id", cfg.TenantID, "filename", sel.Name)
		runSpan.SetAttributes(attribute.String("status", StatusDuplicate))
		return &Result{
			Status: StatusDuplicate, Filename: sel.Name,
			ContentHash: sel.ContentHash, SHA256: shaHex,
			CorrelationID: correlationID,
		}, nil
	}
	o.log.InfoContext(ctx, "workflow_select_ms",
		"elapsed_ms", timer.ElapsedMS(), "filename", sel.Name)

	// Stage 3: analysis and caption, sidecar-first.
	timer = logging.StartTimer()
	anaCtx, anaSpan := startSpan(ctx, "workflow.analyze")
	var outcome *analysisOutcome
	if features.AnalyzeCaptionEnabled {
		outcome, err = o.resolveAnalysis(anaCtx, cfg, sel.Name, sel.ContentHash, data, req.ForceRefresh)
		if err != nil {
			endSpan(anaSpan, err)
			return nil, err
		}
	} else {
		o.log.InfoContext(ctx, "feature_analyze_caption_skipped", "tenant_id", cfg.TenantID)
		outcome = o.cachedView(anaCtx, cfg, sel.Name)
	}
	anaSpan.SetAttributes(attribute.Bool("cache_hit", outcome.cacheHit))
	anaSpan.End()
	o.log.InfoContext(ctx, "workflow_analyze_ms",
		"elapsed_ms", timer.ElapsedMS(), "cache_hit", outcome.cacheHit, "fresh", outcome.fresh)

	// Stage 4: persist the sidecar. Failures are logged, never fatal.
	if outcome.fresh && !req.PreviewMode && !req.DryRun {
		timer = logging.StartTimer()
		scCtx, scSpan := startSpan(ctx, "workflow.sidecar")
		if err := o.store.WriteSidecarText(scCtx, root, storage.Stem(sel.Name), outcome.sidecarText); err != nil {
			o.log.WarnContext(ctx, "workflow_sidecar_write_failed",
				"filename", sel.Name, "error", err.Error())
		}
		scSpan.End()
		o.log.InfoContext(ctx, "workflow_sidecar_ms", "elapsed_ms", timer.ElapsedMS())
	}

	res := &Result{
		Filename:      sel.Name,
		ContentHash:   sel.ContentHash,
		SHA256:        shaHex,
		Caption:       outcome.caption,
		SDCaption:     outcome.sdCaption,
		CacheHit:      outcome.cacheHit,
		CorrelationID: correlationID,
	}

	if req.PreviewMode {
		res.Status = StatusPreview
		res.Preview = formatPreview(sel, shaHex, outcome)
		runSpan.SetAttributes(attribute.String("status", res.Status))
		return res, nil
	}

	// Stage 5: publish fan-out. Collect every outcome; no peer cancellation.
	timer = logging.StartTimer()
	pubCtx, pubSpan := startSpan(ctx, "workflow.publish")
	switch {
	case !features.PublishEnabled:
		o.log.InfoContext(ctx, "feature_publish_skipped", "tenant_id", cfg.TenantID)
		res.Status = StatusPublishSkipped
	case req.DryRun:
		for _, p := range o.buildPublishers(cfg) {
			res.PerPlatform = append(res.PerPlatform,
				publish.Result{Platform: p.Name(), Success: false, Error: "dry run"})
		}
		res.Status = StatusDryRun
	default:
		pubs := o.buildPublishers(cfg)
		img := publish.ImageRef{Filename: sel.Name, Data: data, TempURL: outcome.tempURL}
		if img.TempURL == "" && needsTempURL(pubs) {
			url, err := o.store.TempLink(pubCtx, root, sel.Name)
			if err != nil {
				o.log.WarnContext(ctx, "workflow_temp_link_failed", "error", err.Error())
			} else {
				img.TempURL = url
			}
		}
		meta := publish.Meta{TenantID: cfg.TenantID, SDCaption: outcome.sdCaption}

		results := make([]publish.Result, len(pubs))
		var wg sync.WaitGroup
		for i, p := range pubs {
			wg.Add(1)
			go func(i int, p publish.Publisher) {
				defer wg.Done()
				results[i] = publish.Run(pubCtx, p, img, outcome.caption, meta)
			}(i, p)
		}
		wg.Wait()

		res.PerPlatform = results
		for _, r := range results {
			if r.Success {
				res.AnySuccess = true
			}
			o.log.InfoContext(ctx, "workflow_publish_result",
				"platform", r.Platform, "success", r.Success,
				"duration_ms", r.DurationMS, "error", r.Error)
		}
		if res.AnySuccess {
			res.Status = StatusPublished
		} else {
			res.Status = StatusPublishFailed
		}
	}
	pubSpan.SetAttributes(attribute.Bool("any_success", res.AnySuccess))
	pubSpan.End()
	o.log.InfoContext(ctx, "workflow_publish_ms",
		"elapsed_ms", timer.ElapsedMS(), "any_success", res.AnySuccess)

	// Stage 6: archive after any success, then record both hashes.
	if cfg.Content.Archive && res.AnySuccess && !req.DryRun {
		timer = logging.StartTimer()
		arcCtx, arcSpan := startSpan(ctx, "workflow.archive")
		if err := o.store.MoveWithSidecars(arcCtx, root, sel.Name, cfg.Storage.ArchiveFolder); err != nil {
			o.log.ErrorContext(ctx, "workflow_archive_failed",
				"filename", sel.Name, "error", err.Error())
		} else {
			res.Archived = true
			posted.Add(shaHex, sel.ContentHash)
			if err := posted.Save(arcCtx, o.store, root); err != nil {
				o.log.ErrorContext(ctx, "workflow_state_save_failed", "error", err.Error())
			}
		}
		arcSpan.SetAttributes(attribute.Bool("archived", res.Archived))
		arcSpan.End()
		o.log.InfoContext(ctx, "workflow_archive_ms",
			"elapsed_ms", timer.ElapsedMS(), "archived", res.Archived)
	}

	runSpan.SetAttributes(attribute.String("status", res.Status))
	return res, nil
}

// cachedView rehydrates whatever sidecar exists; misses produce an empty
// outcome, never an error.
func (o *Orchestrator) cachedView(ctx context.Context, cfg *tenant.Config, name string) *analysisOutcome {
	text, ok, err := o.store.ReadSidecarText(ctx, cfg.Storage.Root, storage.Stem(name))
	if err != nil || !ok {
		return &analysisOutcome{}
	}
	view, hit := sidecar.Rehydrate(text)
	if !hit {
		return &analysisOutcome{}
	}
	return &analysisOutcome{
		analysis:  view.Analysis(),
		caption:   view.Caption,
		sdCaption: view.SDCaption,
		cacheHit:  true,
	}
}

func needsTempURL(pubs []publish.Publisher) bool {
	for _, p := range pubs {
		if p.Name() == tenant.TypeInstagram {
			return true
		}
	}
	return false
}

// formatPreview renders the human-readable dry report, sidecar included.
func formatPreview(sel storage.Entry, sha string, outcome *analysisOutcome) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "file: %s\n", sel.Name)
	fmt.Fprintf(&sb, "content_hash: %s\n", sel.ContentHash)
	fmt.Fprintf(&sb, "sha256: %s\n", sha)
	fmt.Fprintf(&sb, "cache_hit: %t\n", outcome.cacheHit)
	if outcome.caption != "" {
		fmt.Fprintf(&sb, "caption: %s\n", outcome.caption)
	}
	if outcome.sidecarText != "" {
		sb.WriteString("--- sidecar ---\n")
		sb.WriteString(outcome.sidecarText)
	} else if outcome.sdCaption != "" {
		fmt.Fprintf(&sb, "sd_caption: %s\n", outcome.sdCaption)
	}
	return sb.String()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validateFilename(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}
