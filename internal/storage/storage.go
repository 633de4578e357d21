// Package storage defines the object-store contract the workflow runs
// against, plus the normalized error and retry machinery shared by
// implementations. The store is the source of truth for assets, sidecars,
// and the posted-state file.
package storage

import (
	"context"
	"path"
	"strings"
)

// Entry is one listed file with the store's native content fingerprint.
type Entry struct {
	Name        string
	ContentHash string
}

// Store is the capability set the orchestrator and web layer consume.
// Folder arguments are absolute store paths; file arguments are bare names.
type Store interface {
	// ListImages returns supported image filenames directly inside folder.
	ListImages(ctx context.Context, folder string) ([]string, error)

	// ListImagesWithHashes returns image filenames with their content hashes,
	// used for dedup without downloading.
	ListImagesWithHashes(ctx context.Context, folder string) ([]Entry, error)

	// Download fetches the raw bytes of one file.
	Download(ctx context.Context, folder, name string) ([]byte, error)

	// TempLink issues a short-lived URL for one file. Never persisted.
	TempLink(ctx context.Context, folder, name string) (string, error)

	// WriteSidecarText overwrites <basename>.txt beside the image.
	WriteSidecarText(ctx context.Context, folder, basename, text string) error

	// ReadSidecarText reads <basename>.txt. A missing sidecar is not an
	// error: it returns ("", false, nil).
	ReadSidecarText(ctx context.Context, folder, basename string) (string, bool, error)

	// MoveWithSidecars moves the image into folder/targetSubfolder, creating
	// the subfolder if needed, then attempts to move the sidecar along. A
	// missing sidecar is swallowed; the image move is the authoritative result.
	MoveWithSidecars(ctx context.Context, folder, name, targetSubfolder string) error

	// EnsureFolder creates folder if absent. Already-exists is success.
	EnsureFolder(ctx context.Context, folder string) error

	// ReadStateJSON reads a JSON state file (e.g. posted.json). Missing file
	// returns (nil, false, nil).
	ReadStateJSON(ctx context.Context, folder, name string) ([]byte, bool, error)

	// WriteStateJSON overwrites a JSON state file.
	WriteStateJSON(ctx context.Context, folder, name string, data []byte) error
}

// imageSuffixes are the only asset types the pipeline selects.
var imageSuffixes = []string{".jpg", ".jpeg", ".png"}

// IsImageFilename reports whether name has a supported image suffix.
func IsImageFilename(name string) bool {
	lower := strings.ToLower(name)
	for _, suf := range imageSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// SidecarName returns the companion .txt filename for an image name.
func SidecarName(imageName string) string {
	ext := path.Ext(imageName)
	return strings.TrimSuffix(imageName, ext) + ".txt"
}

// Stem returns the image basename without its extension.
func Stem(imageName string) string {
	return strings.TrimSuffix(imageName, path.Ext(imageName))
}
