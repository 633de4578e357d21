package dropbox

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/picvault/picvault/internal/storage"
)

var _ storage.Store = (*Client)(nil)

// fileMetadata is the subset of Dropbox entry metadata we rely on.
type fileMetadata struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	PathLower   string `json:"path_lower"`
	ContentHash string `json:"content_hash"`
}

type listFolderResult struct {
	Entries []fileMetadata `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

// ListImages returns the image filenames directly under folder, sorted.
func (c *Client) ListImages(ctx context.Context, folder string) ([]string, error) {
	entries, err := c.ListImagesWithHashes(ctx, folder)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// ListImagesWithHashes returns image entries with provider content hashes,
// sorted by name. Paginates through list_folder/continue as needed.
func (c *Client) ListImagesWithHashes(ctx context.Context, folder string) ([]storage.Entry, error) {
	var out []storage.Entry
	collect := func(entries []fileMetadata) {
		for _, e := range entries {
			if e.Tag != "file" || !storage.IsImageFilename(e.Name) {
				continue
			}
			out = append(out, storage.Entry{Name: e.Name, ContentHash: e.ContentHash})
		}
	}

	res, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) (listFolderResult, error) {
		var r listFolderResult
		err := c.rpc(ctx, "/2/files/list_folder", map[string]any{
			"path":            dropboxPathArg(folder),
			"recursive":       false,
			"include_deleted": false,
		}, &r)
		return r, err
	})
	if err != nil {
		return nil, err
	}
	collect(res.Entries)

	for res.HasMore {
		cursor := res.Cursor
		res, err = storage.RetryDo(ctx, c.retry, func(ctx context.Context) (listFolderResult, error) {
			var r listFolderResult
			err := c.rpc(ctx, "/2/files/list_folder/continue", map[string]any{"cursor": cursor}, &r)
			return r, err
		})
		if err != nil {
			return nil, err
		}
		collect(res.Entries)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Download fetches the full contents of folder/name.
func (c *Client) Download(ctx context.Context, folder, name string) ([]byte, error) {
	return storage.RetryDo(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.contentDownload(ctx, "/2/files/download", map[string]any{
			"path": joinPath(folder, name),
		})
	})
}

// TempLink returns a short-lived public URL for folder/name.
func (c *Client) TempLink(ctx context.Context, folder, name string) (string, error) {
	type linkResult struct {
		Link string `json:"link"`
	}
	res, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) (linkResult, error) {
		var r linkResult
		err := c.rpc(ctx, "/2/files/get_temporary_link", map[string]any{
			"path": joinPath(folder, name),
		}, &r)
		return r, err
	})
	if err != nil {
		return "", err
	}
	return res.Link, nil
}

// WriteSidecarText overwrites <basename>.txt beside the images in folder.
func (c *Client) WriteSidecarText(ctx context.Context, folder, basename, text string) error {
	_, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		err := c.contentUpload(ctx, "/2/files/upload", map[string]any{
			"path":       joinPath(folder, basename+".txt"),
			"mode":       "overwrite",
			"autorename": false,
			"mute":       true,
		}, []byte(text))
		return struct{}{}, err
	})
	return err
}

// ReadSidecarText fetches <basename>.txt. A missing sidecar is not an
// error; it reports ok=false.
func (c *Client) ReadSidecarText(ctx context.Context, folder, basename string) (string, bool, error) {
	data, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.contentDownload(ctx, "/2/files/download", map[string]any{
			"path": joinPath(folder, basename+".txt"),
		})
	})
	if storage.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// MoveWithSidecars moves folder/name into folder/subfolder/, carrying the
// sidecar along when one exists. The destination folder is created first so
// the image move cannot land in a void.
func (c *Client) MoveWithSidecars(ctx context.Context, folder, name, subfolder string) error {
	dest := joinPath(folder, subfolder)
	if err := c.EnsureFolder(ctx, dest); err != nil {
		return err
	}
	if err := c.move(ctx, joinPath(folder, name), joinPath(dest, name)); err != nil {
		return err
	}

	sidecar := storage.SidecarName(name)
	err := c.move(ctx, joinPath(folder, sidecar), joinPath(dest, sidecar))
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) move(ctx context.Context, from, to string) error {
	_, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		err := c.rpc(ctx, "/2/files/move_v2", map[string]any{
			"from_path":  from,
			"to_path":    to,
			"autorename": false,
		}, nil)
		return struct{}{}, err
	})
	return err
}

// EnsureFolder creates path if absent. An existing folder is success.
func (c *Client) EnsureFolder(ctx context.Context, path string) error {
	_, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		err := c.rpc(ctx, "/2/files/create_folder_v2", map[string]any{
			"path":       path,
			"autorename": false,
		}, nil)
		if conflictErr(err) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

func conflictErr(err error) bool {
	var se *storage.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == storage.KindPermanent && strings.Contains(se.Detail, "conflict")
}

// ReadStateJSON fetches the raw bytes of a JSON state file. Missing files
// report ok=false so callers can start from an empty state.
func (c *Client) ReadStateJSON(ctx context.Context, folder, name string) ([]byte, bool, error) {
	data, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.contentDownload(ctx, "/2/files/download", map[string]any{
			"path": joinPath(folder, name),
		})
	})
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// WriteStateJSON overwrites folder/name with the given JSON payload.
func (c *Client) WriteStateJSON(ctx context.Context, folder, name string, data []byte) error {
	_, err := storage.RetryDo(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		err := c.contentUpload(ctx, "/2/files/upload", map[string]any{
			"path":       joinPath(folder, name),
			"mode":       "overwrite",
			"autorename": false,
			"mute":       true,
		}, data)
		return struct{}{}, err
	})
	return err
}

// dropboxPathArg maps the canonical root folder to the API's "" sentinel.
func dropboxPathArg(folder string) string {
	if folder == "/" || folder == "" {
		return ""
	}
	return strings.TrimRight(folder, "/")
}
