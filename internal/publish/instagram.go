package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/picvault/picvault/internal/tenant"
)

const (
	instagramAPIBase    = "https://graph.facebook.com/v19.0"
	instagramCaptionMax = 2200
)

// Instagram publishes through the Graph container flow: create a media
// container from a public image URL, then publish the container. It needs
// the temp link, never the image bytes.
type Instagram struct {
	httpc   *http.Client
	apiBase string
	userID  string
	token   string
}

func newInstagram(p tenant.Publisher, deps Deps) (*Instagram, error) {
	if p.Credential == "" {
		return nil, fmt.Errorf("instagram: no access token")
	}
	if p.Username == "" {
		return nil, fmt.Errorf("instagram: no user id")
	}
	return &Instagram{
		httpc:   deps.httpClient(),
		apiBase: instagramAPIBase,
		userID:  p.Username,
		token:   p.Credential,
	}, nil
}

func (ig *Instagram) Name() string  { return tenant.TypeInstagram }
func (ig *Instagram) Enabled() bool { return true }

func (ig *Instagram) Publish(ctx context.Context, img ImageRef, caption string, _ Meta) Result {
	if img.TempURL == "" {
		return Result{Success: false, Error: "no public image url"}
	}

	creationID, err := ig.graphPost(ctx, ig.userID+"/media", url.Values{
		"image_url": {img.TempURL},
		"caption":   {truncateRunes(caption, instagramCaptionMax)},
	})
	if err != nil {
		return failure(err, ig.token)
	}

	postID, err := ig.graphPost(ctx, ig.userID+"/media_publish", url.Values{
		"creation_id": {creationID},
	})
	if err != nil {
		return failure(err, ig.token)
	}
	return Result{Success: true, PostID: postID}
}

// graphPost posts form values to one Graph edge and returns the object id.
func (ig *Instagram) graphPost(ctx context.Context, edge string, form url.Values) (string, error) {
	form.Set("access_token", ig.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ig.apiBase+"/"+edge, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ig.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		var ge struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			return "", fmt.Errorf("graph %s: %s", edge, ge.Error.Message)
		}
		return "", fmt.Errorf("graph %s: status %d", edge, resp.StatusCode)
	}

	var ok struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &ok); err != nil {
		return "", fmt.Errorf("graph %s: decode: %w", edge, err)
	}
	if ok.ID == "" {
		return "", fmt.Errorf("graph %s: empty id", edge)
	}
	return ok.ID, nil
}
