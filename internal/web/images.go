package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/picvault/picvault/internal/sidecar"
	"github.com/picvault/picvault/internal/state"
	"github.com/picvault/picvault/internal/storage"
	"github.com/picvault/picvault/internal/tenant"
	"github.com/picvault/picvault/internal/workflow"
)

const listCacheTTL = 30 * time.Second

// listCache keeps recent folder listings per storage root so gallery
// pagination does not hammer the storage API.
type listCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]listEntry
}

type listEntry struct {
	names   []string
	expires time.Time
}

func newListCache() *listCache {
	return &listCache{now: time.Now, entries: make(map[string]listEntry)}
}

func (c *listCache) get(root string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[root]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.names, true
}

func (c *listCache) put(root string, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[root] = listEntry{names: names, expires: c.now().Add(listCacheTTL)}
}

// imageView is the single-image response body. The sidecar block is present
// only when a parseable sidecar exists.
type imageView struct {
	Filename    string             `json:"filename"`
	ContentHash string             `json:"content_hash,omitempty"`
	SHA256      string             `json:"sha256,omitempty"`
	TempURL     string             `json:"temp_url,omitempty"`
	Sidecar     *sidecar.CacheView `json:"sidecar,omitempty"`
}

func (s *Server) handleImageRandom(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	ctx := r.Context()
	root := rc.tenant.Storage.Root

	entries, err := s.store.ListImagesWithHashes(ctx, root)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	posted, err := state.Load(ctx, s.store, root)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	candidates := entries[:0:0]
	for _, e := range entries {
		if !posted.IsPosted("", e.ContentHash) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		writeDetail(w, http.StatusNotFound, "no candidate images")
		return
	}

	view, err := s.buildImageView(ctx, rc.tenant, candidates[s.randIntN(len(candidates))])
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleImageList(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	ctx := r.Context()
	root := rc.tenant.Storage.Root

	if names, ok := s.lists.get(root); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"images": names, "count": len(names), "cached": true,
		})
		return
	}

	names, err := s.store.ListImages(ctx, root)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	sort.Strings(names)
	s.lists.put(root, names)
	writeJSON(w, http.StatusOK, map[string]any{
		"images": names, "count": len(names), "cached": false,
	})
}

func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	ctx := r.Context()
	filename := r.PathValue("filename")
	if !storage.IsImageFilename(filename) {
		writeDetail(w, http.StatusBadRequest, "invalid filename")
		return
	}

	entries, err := s.store.ListImagesWithHashes(ctx, rc.tenant.Storage.Root)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	for _, e := range entries {
		if e.Name == filename {
			view, err := s.buildImageView(ctx, rc.tenant, e)
			if err != nil {
				s.writeError(ctx, w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "image not found")
}

func (s *Server) handleImageAnalyze(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	ctx := r.Context()
	filename := r.PathValue("filename")
	force := queryBool(r, "force_refresh")

	res, err := s.runner.AnalyzeImage(ctx, rc.tenant, filename, force)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if res.CacheHit {
		s.log.InfoContext(ctx, "web_analyze_sidecar_cache_hit", "filename", res.Filename)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImagePublish(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	ctx := r.Context()
	filename := r.PathValue("filename")

	if !rc.tenant.Features.PublishEnabled {
		writeDetail(w, http.StatusForbidden, "feature disabled: publish")
		return
	}

	var body struct {
		PreviewMode  bool `json:"preview_mode"`
		DryRun       bool `json:"dry_run"`
		ForceRefresh bool `json:"force_refresh"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.runner.Execute(ctx, rc.tenant, workflow.ExecuteRequest{
		SelectFilename: filename,
		PreviewMode:    body.PreviewMode,
		DryRun:         body.DryRun,
		ForceRefresh:   body.ForceRefresh,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if res.Status == workflow.StatusDuplicate {
		writeDetail(w, http.StatusConflict, "image already posted")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImageKeep(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	s.handleCuration(w, r, rc, s.runner.KeepImage)
}

func (s *Server) handleImageRemove(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	s.handleCuration(w, r, rc, s.runner.RemoveImage)
}

func (s *Server) handleCuration(w http.ResponseWriter, r *http.Request, rc *reqScope,
	move func(ctx context.Context, cfg *tenant.Config, filename string, preview bool) (*workflow.CurationResult, error)) {

	ctx := r.Context()
	res, err := move(ctx, rc.tenant, r.PathValue("filename"), queryBool(r, "preview"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// buildImageView assembles the response for one stored image: hashes, a
// short-lived direct URL, and the cached sidecar view when one exists. A
// failing temp link degrades the view instead of failing the request.
func (s *Server) buildImageView(ctx context.Context, cfg *tenant.Config, entry storage.Entry) (*imageView, error) {
	root := cfg.Storage.Root

	data, err := s.store.Download(ctx, root, entry.Name)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)

	view := &imageView{
		Filename:    entry.Name,
		ContentHash: entry.ContentHash,
		SHA256:      hex.EncodeToString(sum[:]),
	}

	if url, err := s.store.TempLink(ctx, root, entry.Name); err != nil {
		s.log.WarnContext(ctx, "web_temp_link_failed", "filename", entry.Name, "error", err.Error())
	} else {
		view.TempURL = url
	}

	if text, ok, err := s.store.ReadSidecarText(ctx, root, storage.Stem(entry.Name)); err == nil && ok {
		if cached, ok := sidecar.Rehydrate(text); ok {
			view.Sidecar = cached
		}
	}
	return view, nil
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
