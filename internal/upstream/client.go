package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

// Mobile client identity expected by the upstream service.
const (
	userAgent      = "Mozilla/5.0 (iPhone; CPU iPhone OS 18_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Mobile/15E148 Safari/604.1"
	tokenUserAgent = "Blink/2511191620 CFNetwork/3860.200.71 Darwin/25.1.0"
)

// Client talks to the upstream cloud REST API. It is stateless: callers pass
// the Credential per call so the auth manager stays the single owner of
// token state.
type Client struct {
	OAuthBase string
	RestBase  string // default; superseded by Credential.RestBaseURL once known

	http *http.Client
}

func NewClient(oauthBase, restBase string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		OAuthBase: strings.TrimRight(oauthBase, "/"),
		RestBase:  strings.TrimRight(restBase, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			// The OAuth flow ends in a redirect to the app's custom scheme;
			// stop there and let the caller read the Location header.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return http.ErrUseLastResponse
				}
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// ResolveURL expands an upstream-relative path against the credential's
// tier-specific base. Absolute URLs pass through unchanged.
func (c *Client) ResolveURL(cred Credential, path string) string {
	if strings.HasPrefix(path, "http") {
		return path
	}
	base := cred.RestBaseURL
	if base == "" {
		base = c.RestBase
	}
	return base + path
}

// doAuthed performs an authenticated JSON call. A 401 is classified as
// AUTH_EXPIRED so call sites can funnel it into the refresh-or-logout path;
// 5xx carries the status for the relay's retry policy.
func (c *Client) doAuthed(ctx context.Context, cred Credential, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, gwerr.New(gwerr.KindIOError, "upstream request failed", err)
	}

	if res.StatusCode == http.StatusUnauthorized {
		res.Body.Close()
		return nil, gwerr.New(gwerr.KindAuthExpired, "upstream rejected credential", nil)
	}
	if res.StatusCode >= 500 {
		res.Body.Close()
		return nil, gwerr.Upstream(res.StatusCode, fmt.Sprintf("%s %s", method, url))
	}
	return res, nil
}

// Homescreen fetches the account inventory and merges all product families
// into one camera list with normalized kinds. Accounts that predate the
// homescreen camera arrays fall back to per-network listings.
func (c *Client) Homescreen(ctx context.Context, cred Credential) (*Homescreen, error) {
	raw, err := c.RawHomescreen(ctx, cred)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Networks  []Network         `json:"networks"`
		Cameras   []json.RawMessage `json:"cameras"`
		Owls      []json.RawMessage `json:"owls"`
		Doorbells []json.RawMessage `json:"doorbells"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode homescreen: %w", err)
	}

	hs := &Homescreen{Networks: payload.Networks}
	appendKind := func(items []json.RawMessage, kind ProductKind) {
		for _, item := range items {
			var cam Camera
			if err := json.Unmarshal(item, &cam); err != nil {
				continue
			}
			cam.Kind = kind
			hs.Cameras = append(hs.Cameras, cam)
		}
	}
	appendKind(payload.Cameras, KindCamera)
	appendKind(payload.Owls, KindOwl)
	appendKind(payload.Doorbells, KindDoorbell)

	if len(hs.Cameras) == 0 {
		for _, net := range hs.Networks {
			cams, err := c.NetworkCameras(ctx, cred, net.ID)
			if err != nil {
				continue
			}
			hs.Cameras = append(hs.Cameras, cams...)
		}
	}
	return hs, nil
}

// RawHomescreen returns the unparsed homescreen document for pass-through.
func (c *Client) RawHomescreen(ctx context.Context, cred Credential) ([]byte, error) {
	url := c.ResolveURL(cred, fmt.Sprintf("/api/v3/accounts/%d/homescreen", cred.AccountID))
	res, err := c.doAuthed(ctx, cred, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

// NetworkCameras lists cameras attached to one network (legacy endpoint).
func (c *Client) NetworkCameras(ctx context.Context, cred Credential, networkID int64) ([]Camera, error) {
	url := c.ResolveURL(cred, fmt.Sprintf("/network/%d/cameras", networkID))
	res, err := c.doAuthed(ctx, cred, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var payload struct {
		Dev []struct {
			ID        int64          `json:"id"`
			Name      string         `json:"name"`
			Thumbnail string         `json:"thumbnail"`
			Status    string         `json:"status"`
			Battery   string         `json:"battery"`
			Signals   *CameraSignals `json:"signals"`
			Type      string         `json:"type"`
			Serial    string         `json:"serial"`
		} `json:"dev"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode network cameras: %w", err)
	}

	cams := make([]Camera, 0, len(payload.Dev))
	for _, d := range payload.Dev {
		cams = append(cams, Camera{
			ID:        d.ID,
			Name:      d.Name,
			Thumbnail: d.Thumbnail,
			Status:    d.Status,
			Battery:   d.Battery,
			Signals:   d.Signals,
			NetworkID: networkID,
			Kind:      ParseProductKind(d.Type),
			Serial:    d.Serial,
		})
	}
	return cams, nil
}

// MediaChanged returns the raw paged clip listing since N days back.
func (c *Client) MediaChanged(ctx context.Context, cred Credential, page, sinceDays int64) ([]byte, error) {
	if page < 1 {
		page = 1
	}
	if sinceDays < 1 {
		sinceDays = 1
	}
	since := time.Now().UTC().AddDate(0, 0, -int(sinceDays)).Format("2006-01-02T15:04:05+00:00")
	url := c.ResolveURL(cred, fmt.Sprintf("/api/v1/accounts/%d/media/changed?since=%s&page=%d", cred.AccountID, since, page))

	res, err := c.doAuthed(ctx, cred, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

// MediaIDs extracts clip ids from a raw media-changed document.
func MediaIDs(raw []byte) []int64 {
	var payload struct {
		Media []struct {
			ID int64 `json:"id"`
		} `json:"media"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	ids := make([]int64, 0, len(payload.Media))
	for _, m := range payload.Media {
		ids = append(ids, m.ID)
	}
	return ids
}

// RequestLiveView negotiates a liveview grant for one camera.
func (c *Client) RequestLiveView(ctx context.Context, cred Credential, kind ProductKind, networkID, cameraID int64) (*LiveViewGrant, error) {
	url := c.ResolveURL(cred, liveViewPath(kind, cred.AccountID, networkID, cameraID))
	body := map[string]string{"intent": "liveview"}

	res, err := c.doAuthed(ctx, cred, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, gwerr.Upstream(res.StatusCode, fmt.Sprintf("liveview request: %s", strings.TrimSpace(string(detail))))
	}

	var grant LiveViewGrant
	if err := json.NewDecoder(res.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode liveview grant: %w", err)
	}
	if grant.Server == "" || grant.CommandID == 0 {
		return nil, gwerr.New(gwerr.KindUpstreamUnavailable, "liveview grant missing server or command id", nil)
	}
	if grant.PollingInterval < 1 {
		grant.PollingInterval = 1
	}
	return &grant, nil
}

// CommandActive reports whether the liveview command is still new/running.
func (c *Client) CommandActive(ctx context.Context, cred Credential, networkID, commandID int64) (bool, error) {
	url := c.ResolveURL(cred, fmt.Sprintf("/network/%d/command/%d", networkID, commandID))
	res, err := c.doAuthed(ctx, cred, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	var payload struct {
		Commands []struct {
			ID             int64  `json:"id"`
			StateCondition string `json:"state_condition"`
		} `json:"commands"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode command status: %w", err)
	}
	for _, cmd := range payload.Commands {
		if cmd.ID == commandID && (cmd.StateCondition == "new" || cmd.StateCondition == "running") {
			return true, nil
		}
	}
	return false, nil
}

// SetArm arms or disarms a network.
func (c *Client) SetArm(ctx context.Context, cred Credential, networkID int64, arm bool) error {
	action := "disarm"
	if arm {
		action = "arm"
	}
	url := c.ResolveURL(cred, fmt.Sprintf("/api/v1/accounts/%d/networks/%d/state/%s", cred.AccountID, networkID, action))

	res, err := c.doAuthed(ctx, cred, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return gwerr.Upstream(res.StatusCode, "arm state change rejected")
	}
	return nil
}

// CameraConfig fetches the per-kind config document.
func (c *Client) CameraConfig(ctx context.Context, cred Credential, kind ProductKind, networkID, cameraID int64) (json.RawMessage, error) {
	getPath, _ := configPaths(kind, cred.AccountID, networkID, cameraID)
	res, err := c.doAuthed(ctx, cred, http.MethodGet, c.ResolveURL(cred, getPath), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

// UpdateCameraConfig posts a config document to the per-kind endpoint.
func (c *Client) UpdateCameraConfig(ctx context.Context, cred Credential, kind ProductKind, networkID, cameraID int64, cfg json.RawMessage) error {
	_, updatePath := configPaths(kind, cred.AccountID, networkID, cameraID)
	res, err := c.doAuthed(ctx, cred, http.MethodPost, c.ResolveURL(cred, updatePath), cfg)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return gwerr.Upstream(res.StatusCode, "camera config update rejected")
	}
	return nil
}

// DeleteMedia removes clips. The upstream delete endpoint accepts several
// payload shapes depending on account age, so on failure we walk through the
// known variants before giving up.
func (c *Client) DeleteMedia(ctx context.Context, cred Credential, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	url := c.ResolveURL(cred, fmt.Sprintf("/api/v1/accounts/%d/media/delete", cred.AccountID))

	asObjects := make([]map[string]int64, 0, len(ids))
	asMediaIDs := make([]map[string]int64, 0, len(ids))
	for _, id := range ids {
		asObjects = append(asObjects, map[string]int64{"id": id})
		asMediaIDs = append(asMediaIDs, map[string]int64{"media_id": id})
	}
	payloads := []any{
		map[string]any{"media_list": ids},
		map[string]any{"media_list": asObjects},
		map[string]any{"media_list": asMediaIDs},
	}

	var lastErr error
	for _, body := range payloads {
		res, err := c.doAuthed(ctx, cred, http.MethodPost, url, body)
		if err != nil {
			lastErr = err
			continue
		}
		status := res.StatusCode
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		res.Body.Close()

		if status < 300 {
			return nil
		}
		lastErr = gwerr.Upstream(status, strings.TrimSpace(string(detail)))
	}
	return fmt.Errorf("media delete failed: %w", lastErr)
}

// SetNetworkLiveviewSave toggles whether upstream records liveview sessions
// as clips. Two endpoint generations and two payload shapes exist; try all.
func (c *Client) SetNetworkLiveviewSave(ctx context.Context, cred Credential, networkID int64, enabled bool) error {
	endpoints := []string{
		c.ResolveURL(cred, fmt.Sprintf("/api/v1/accounts/%d/networks/%d/update", cred.AccountID, networkID)),
		c.ResolveURL(cred, fmt.Sprintf("/network/%d/update", networkID)),
	}
	payloads := []any{
		map[string]any{"lv_save": enabled},
		map[string]any{"network": map[string]any{"lv_save": enabled}},
	}

	var lastErr error
	for _, url := range endpoints {
		for _, body := range payloads {
			res, err := c.doAuthed(ctx, cred, http.MethodPost, url, body)
			if err != nil {
				lastErr = err
				continue
			}
			status := res.StatusCode
			res.Body.Close()
			if status < 300 {
				return nil
			}
			lastErr = gwerr.Upstream(status, "lv_save update rejected")
		}
	}
	return fmt.Errorf("lv_save update failed: %w", lastErr)
}
