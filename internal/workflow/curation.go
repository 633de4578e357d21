package workflow

import (
	"context"
	"fmt"
	"path"

	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/tenant"
)

// Curation actions.
const (
	ActionKeep   = "keep"
	ActionRemove = "remove"
)

// CurationResult reports one keep/remove move.
type CurationResult struct {
	Filename          string `json:"filename"`
	Action            string `json:"action"`
	DestinationFolder string `json:"destination_folder"`
	PreviewOnly       bool   `json:"preview_only,omitempty"`
}

// KeepImage moves an image and its sidecar into the tenant's keep folder.
// Preview reports the destination without touching the store.
func (o *Orchestrator) KeepImage(ctx context.Context, cfg *tenant.Config, filename string, preview bool) (*CurationResult, error) {
	if !cfg.Features.KeepEnabled {
		return nil, fmt.Errorf("%w: keep", ErrFeatureDisabled)
	}
	return o.curate(ctx, cfg, filename, ActionKeep, cfg.Storage.KeepFolder, preview)
}

// RemoveImage moves an image and its sidecar into the tenant's remove
// folder. Nothing is ever deleted from the store.
func (o *Orchestrator) RemoveImage(ctx context.Context, cfg *tenant.Config, filename string, preview bool) (*CurationResult, error) {
	if !cfg.Features.RemoveEnabled {
		return nil, fmt.Errorf("%w: remove", ErrFeatureDisabled)
	}
	return o.curate(ctx, cfg, filename, ActionRemove, cfg.Storage.RemoveFolder, preview)
}

func (o *Orchestrator) curate(ctx context.Context, cfg *tenant.Config, filename, action, subfolder string, preview bool) (*CurationResult, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	if err := tenant.ValidateSubfolderName(subfolder); err != nil {
		return nil, err
	}
	res := &CurationResult{
		Filename:          filename,
		Action:            action,
		DestinationFolder: path.Join(cfg.Storage.Root, subfolder),
	}
	if preview {
		res.PreviewOnly = true
		o.log.InfoContext(ctx, "curation_preview",
			"tenant_id", cfg.TenantID, "action", action, "filename", filename)
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	timer := logging.StartTimer()
	if err := o.store.MoveWithSidecars(ctx, cfg.Storage.Root, filename, subfolder); err != nil {
		return nil, err
	}
	o.log.InfoContext(ctx, "workflow_curation_ms",
		"elapsed_ms", timer.ElapsedMS(), "tenant_id", cfg.TenantID,
		"action", action, "filename", filename)
	return res, nil
}
