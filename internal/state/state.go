// Package state tracks which images have already been published. The record
// lives as posted.json in the tenant's image folder on the object store, so
// every replica and restart sees the same history.
package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// Filename is the state file kept beside the images.
const Filename = "posted.json"

// Store is the slice of the object store the state file needs.
type Store interface {
	ReadStateJSON(ctx context.Context, folder, name string) ([]byte, bool, error)
	WriteStateJSON(ctx context.Context, folder, name string, data []byte) error
}

// Posted holds the two hash families used for dedup. An image counts as
// posted when either hash matches; the families exist because legacy
// entries predate content-hash listings.
type Posted struct {
	SHA256Hashes  []string `json:"sha256_hashes"`
	ContentHashes []string `json:"dropbox_content_hashes"`

	sha256Set  map[string]struct{}
	contentSet map[string]struct{}
}

// Load reads posted.json from folder. A missing file is an empty state.
// A present but undecodable file is an error: silently treating it as
// empty would re-publish the whole folder.
func Load(ctx context.Context, store Store, folder string) (*Posted, error) {
	data, found, err := store.ReadStateJSON(ctx, folder, Filename)
	if err != nil {
		return nil, err
	}
	p := &Posted{}
	if found {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("state: decode %s: %w", Filename, err)
		}
	}
	p.reindex()
	return p, nil
}

// Save writes the state back to folder.
func (p *Posted) Save(ctx context.Context, store Store, folder string) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", Filename, err)
	}
	return store.WriteStateJSON(ctx, folder, Filename, data)
}

// IsPosted reports whether either hash is already recorded. Empty hashes
// never match.
func (p *Posted) IsPosted(sha256, contentHash string) bool {
	if sha256 != "" {
		if _, ok := p.sha256Set[sha256]; ok {
			return true
		}
	}
	if contentHash != "" {
		if _, ok := p.contentSet[contentHash]; ok {
			return true
		}
	}
	return false
}

// Add records both hashes, skipping empties and duplicates.
func (p *Posted) Add(sha256, contentHash string) {
	if sha256 != "" {
		if _, ok := p.sha256Set[sha256]; !ok {
			p.SHA256Hashes = append(p.SHA256Hashes, sha256)
			p.sha256Set[sha256] = struct{}{}
		}
	}
	if contentHash != "" {
		if _, ok := p.contentSet[contentHash]; !ok {
			p.ContentHashes = append(p.ContentHashes, contentHash)
			p.contentSet[contentHash] = struct{}{}
		}
	}
}

// Len returns how many distinct hashes are recorded across both families.
func (p *Posted) Len() int {
	return len(p.sha256Set) + len(p.contentSet)
}

func (p *Posted) reindex() {
	p.sha256Set = make(map[string]struct{}, len(p.SHA256Hashes))
	for _, h := range p.SHA256Hashes {
		p.sha256Set[h] = struct{}{}
	}
	p.contentSet = make(map[string]struct{}, len(p.ContentHashes))
	for _, h := range p.ContentHashes {
		p.contentSet[h] = struct{}{}
	}
}
