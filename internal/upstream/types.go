package upstream

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProductKind is the closed set of camera product families. Each kind selects
// different upstream endpoint shapes for liveview and config, so it is a real
// enum with exhaustive switches rather than a raw string.
type ProductKind int

const (
	KindCamera ProductKind = iota
	KindDoorbell
	KindMini
	KindOwl
	KindOther
)

func (k ProductKind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindDoorbell:
		return "doorbell"
	case KindMini:
		return "mini"
	case KindOwl:
		return "owl"
	case KindOther:
		return "other"
	}
	return "other"
}

// ParseProductKind maps the upstream type strings onto the closed set.
// "tulip" is the upstream name for doorbells; anything unknown is KindOther.
func ParseProductKind(s string) ProductKind {
	switch s {
	case "camera", "sedona":
		return KindCamera
	case "doorbell", "tulip", "lotus":
		return KindDoorbell
	case "mini":
		return KindMini
	case "owl":
		return KindOwl
	default:
		return KindOther
	}
}

func (k ProductKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ProductKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParseProductKind(s)
	return nil
}

// Credential is the single persisted authentication record. Owned by the
// auth manager; everything else receives read-only copies.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccountID    int64     `json:"account_id"`
	RestBaseURL  string    `json:"rest_base_url"`
	DeviceID     string    `json:"device_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the credential can authenticate API calls at all.
func (c Credential) Valid() bool {
	return c.AccessToken != "" && c.AccountID != 0
}

// ExpiresSoon reports whether the token is expired or within the refresh
// window. A 60s margin avoids races with upstream clock skew.
func (c Credential) ExpiresSoon(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-60 * time.Second))
}

type Network struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Armed bool   `json:"armed"`
}

type CameraSignals struct {
	Wifi    *int64 `json:"wifi"`
	Battery *int64 `json:"battery"`
	Temp    *int64 `json:"temp"`
}

type Camera struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Thumbnail string         `json:"thumbnail"`
	Status    string         `json:"status"`
	Battery   string         `json:"battery,omitempty"`
	Signals   *CameraSignals `json:"signals,omitempty"`
	NetworkID int64          `json:"network_id"`
	Kind      ProductKind    `json:"type"`
	Serial    string         `json:"serial,omitempty"`
}

// Homescreen is the merged inventory: cameras of all product kinds plus
// their networks.
type Homescreen struct {
	Networks []Network `json:"networks"`
	Cameras  []Camera  `json:"cameras"`
}

// LiveViewGrant is the result of a successful liveview negotiation: an
// ephemeral stream endpoint plus the command to keep polling.
type LiveViewGrant struct {
	Server          string `json:"server"`
	CommandID       int64  `json:"command_id"`
	PollingInterval int64  `json:"polling_interval"`
}

// MediaItem is one clip entry from the media-changed listing.
type MediaItem struct {
	ID         int64  `json:"id"`
	DeviceName string `json:"device_name"`
	Thumbnail  string `json:"thumbnail"`
	Media      string `json:"media"`
	CreatedAt  string `json:"created_at"`
}

// AuthTokens is the outcome of a completed token grant, with the account's
// regional REST base already resolved.
type AuthTokens struct {
	AccessToken  string
	RefreshToken string
	AccountID    int64
	RestBaseURL  string
	DeviceID     string
	ExpiresAt    time.Time
}

// Credential builds the persisted record from a grant result.
func (t *AuthTokens) Credential() Credential {
	return Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		AccountID:    t.AccountID,
		RestBaseURL:  t.RestBaseURL,
		DeviceID:     t.DeviceID,
		ExpiresAt:    t.ExpiresAt,
	}
}

// liveViewPath returns the account-scoped liveview path for the product kind.
// Standard cameras use the v5 endpoint; owls/minis and doorbells use their
// own v1 paths.
func liveViewPath(kind ProductKind, accountID, networkID, cameraID int64) string {
	switch kind {
	case KindOwl, KindMini:
		return fmt.Sprintf("/api/v1/accounts/%d/networks/%d/owls/%d/liveview", accountID, networkID, cameraID)
	case KindDoorbell:
		return fmt.Sprintf("/api/v1/accounts/%d/networks/%d/doorbells/%d/liveview", accountID, networkID, cameraID)
	case KindCamera, KindOther:
		return fmt.Sprintf("/api/v5/accounts/%d/networks/%d/cameras/%d/liveview", accountID, networkID, cameraID)
	}
	return fmt.Sprintf("/api/v5/accounts/%d/networks/%d/cameras/%d/liveview", accountID, networkID, cameraID)
}

// configPaths returns (get, update) paths for the product kind. Owls and
// doorbells share one config endpoint for read and write; legacy cameras
// split them.
func configPaths(kind ProductKind, accountID, networkID, cameraID int64) (string, string) {
	switch kind {
	case KindOwl, KindMini:
		p := fmt.Sprintf("/api/v1/accounts/%d/networks/%d/owls/%d/config", accountID, networkID, cameraID)
		return p, p
	case KindDoorbell:
		p := fmt.Sprintf("/api/v1/accounts/%d/networks/%d/doorbells/%d/config", accountID, networkID, cameraID)
		return p, p
	case KindCamera, KindOther:
		return fmt.Sprintf("/network/%d/camera/%d/config", networkID, cameraID),
			fmt.Sprintf("/network/%d/camera/%d/update", networkID, cameraID)
	}
	p := fmt.Sprintf("/network/%d/camera/%d/config", networkID, cameraID)
	return p, p
}
