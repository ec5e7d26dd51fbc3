// Package emby is the client for the media backend: item metadata, playback
// info, manifest and segment fetches, and transcode session control. The
// backend API key stays inside this package; it is sent as a request header
// and never appears in any URL handed to viewers.
package emby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds every backend fetch; on expiry the request fails
// immediately with no retry.
const DefaultTimeout = 30 * time.Second

// ErrUpstream marks failures to reach the backend or non-2xx responses.
var ErrUpstream = errors.New("media backend request failed")

// Client talks to one Emby-compatible media server.
type Client struct {
	baseURL  string
	apiKey   string
	deviceID string
	userID   string
	httpc    *http.Client
	log      *slog.Logger
}

// New returns a Client for the backend at baseURL. timeout <= 0 selects
// DefaultTimeout. The device id identifies this proxy's transcode sessions
// to the backend.
func New(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		deviceID: "watchparty-" + uuid.NewString(),
		httpc:    &http.Client{Timeout: timeout},
		log:      log,
	}
}

// BaseURL returns the backend base URL without trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// DeviceID returns the device identity used for transcode sessions.
func (c *Client) DeviceID() string { return c.deviceID }

// ResolveUser fetches a backend user id for API calls that require user
// context, preferring the first listed user. Failure is logged and tolerated;
// user-scoped lookups then fall back to unscoped endpoints.
func (c *Client) ResolveUser(ctx context.Context) {
	var users []struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	}
	if err := c.getJSON(ctx, "/emby/Users", nil, &users); err != nil {
		c.log.Warn("could not resolve backend user, user-scoped lookups disabled", "error", err)
		return
	}
	if len(users) == 0 {
		c.log.Warn("backend reports no users, user-scoped lookups disabled")
		return
	}
	c.userID = users[0].ID
	c.log.Info("using backend user", "name", users[0].Name, "user_id", c.userID)
}

// GetPlaybackInfo returns media sources and a play session id for an item.
func (c *Client) GetPlaybackInfo(ctx context.Context, itemID string) (*PlaybackInfo, error) {
	q := url.Values{}
	if c.userID != "" {
		q.Set("UserId", c.userID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.buildURL("/emby/Items/"+itemID+"/PlaybackInfo", q), strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: playback info returned status %d", ErrUpstream, resp.StatusCode)
	}

	var info PlaybackInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decoding playback info: %v", ErrUpstream, err)
	}
	if len(info.MediaSources) == 0 {
		return nil, fmt.Errorf("%w: item %s has no media sources", ErrUpstream, itemID)
	}
	return &info, nil
}

// GetItemDetails returns raw item metadata, preferring the user-scoped
// endpoint and falling back to the plain items endpoint on 404.
func (c *Client) GetItemDetails(ctx context.Context, itemID string) (json.RawMessage, error) {
	if c.userID != "" {
		raw, err := c.getRaw(ctx, "/emby/Users/"+c.userID+"/Items/"+itemID, nil)
		if err == nil {
			return raw, nil
		}
	}
	return c.getRaw(ctx, "/emby/Items/"+itemID, nil)
}

// GetLibraries returns the backend's media folders verbatim.
func (c *Client) GetLibraries(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/emby/Library/MediaFolders", nil)
}

// GetItems lists items, optionally filtered by parent and type.
func (c *Client) GetItems(ctx context.Context, parentID, itemType string, recursive bool) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("Recursive", strconv.FormatBool(recursive))
	q.Set("Fields", "Overview,PrimaryImageAspectRatio,ProductionYear,IndexNumber,ParentIndexNumber,SeriesId,SeasonId")
	if parentID != "" {
		q.Set("ParentId", parentID)
	}
	if itemType != "" {
		q.Set("IncludeItemTypes", itemType)
	}
	return c.getRaw(ctx, "/emby/Items", q)
}

// SearchItems searches movies and series by name.
func (c *Client) SearchItems(ctx context.Context, query string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("SearchTerm", query)
	q.Set("Recursive", "true")
	q.Set("Fields", "Overview,PrimaryImageAspectRatio,ProductionYear")
	q.Set("IncludeItemTypes", "Movie,Series")

	path := "/emby/Items"
	if c.userID != "" {
		path = "/emby/Users/" + c.userID + "/Items"
	}
	return c.getRaw(ctx, path, q)
}

// GetIntros returns the backend intro plugin's timing table. The plugin
// reports every known item in one list; callers match by item id.
func (c *Client) GetIntros(ctx context.Context) ([]Intro, error) {
	var intros []Intro
	if err := c.getJSON(ctx, "/emby/Items/Intros", nil, &intros); err != nil {
		return nil, err
	}
	return intros, nil
}

// FetchVideo fetches a manifest or segment under an item's video path,
// forwarding the given query parameters. The caller owns the response body.
func (c *Client) FetchVideo(ctx context.Context, itemID, subpath string, q url.Values) (*http.Response, error) {
	return c.fetch(ctx, "/emby/Videos/"+itemID+"/"+subpath, q)
}

// FetchImage fetches an item's image of the given type (Primary, Backdrop, ...).
func (c *Client) FetchImage(ctx context.Context, itemID, imageType string) (*http.Response, error) {
	return c.fetch(ctx, "/emby/Items/"+itemID+"/Images/"+imageType, nil)
}

// FetchSubtitles fetches a subtitle stream converted to WebVTT.
func (c *Client) FetchSubtitles(ctx context.Context, itemID, mediaSourceID string, index int) (*http.Response, error) {
	path := fmt.Sprintf("/emby/Videos/%s/%s/Subtitles/%d/Stream.vtt", itemID, mediaSourceID, index)
	return c.fetch(ctx, path, nil)
}

// StopActiveEncodings asks the backend to end all transcode sessions for this
// proxy's device. Best-effort: failures are logged and swallowed so they
// never block the surrounding operation.
func (c *Client) StopActiveEncodings(ctx context.Context) {
	q := url.Values{}
	q.Set("DeviceId", c.deviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.buildURL("/emby/Videos/ActiveEncodings", q), nil)
	if err != nil {
		c.log.Warn("stop active encodings", "error", err)
		return
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.log.Warn("stop active encodings", "error", err)
		return
	}
	resp.Body.Close()
	c.log.Debug("stopped active encodings", "device_id", c.deviceID, "status", resp.StatusCode)
}

func (c *Client) fetch(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(path, q), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUpstream, path, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) getRaw(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	resp, err := c.fetch(ctx, path, q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrUpstream, path, err)
	}
	return raw, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	raw, err := c.getRaw(ctx, path, q)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) buildURL(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
