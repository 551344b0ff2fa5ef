package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-cloudcam/internal/auth"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
)

// CameraHandler passes inventory and device operations through to the
// upstream cloud with the gateway's credential attached.
type CameraHandler struct {
	Auth  *auth.Manager
	Cloud *upstream.Client
}

func NewCameraHandler(mgr *auth.Manager, cloud *upstream.Client) *CameraHandler {
	return &CameraHandler{Auth: mgr, Cloud: cloud}
}

func pathInt64(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return v, err == nil
}

// Homescreen returns the merged camera inventory across product kinds.
// GET /api/v1/cameras
func (h *CameraHandler) Homescreen(w http.ResponseWriter, r *http.Request) {
	var hs *upstream.Homescreen
	err := h.Auth.WithCredential(r.Context(), func(cred upstream.Credential) error {
		var err error
		hs, err = h.Cloud.Homescreen(r.Context(), cred)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

// GetConfig returns the camera's config document. The shape varies by
// product kind, so it goes through untouched as raw JSON.
// GET /api/v1/networks/{networkID}/cameras/{cameraID}/config?kind=
func (h *CameraHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	networkID, ok1 := pathInt64(r, "networkID")
	cameraID, ok2 := pathInt64(r, "cameraID")
	if !ok1 || !ok2 {
		http.Error(w, "bad camera identity", http.StatusBadRequest)
		return
	}
	kind := upstream.ParseProductKind(r.URL.Query().Get("kind"))

	var cfg json.RawMessage
	err := h.Auth.WithCredential(r.Context(), func(cred upstream.Credential) error {
		var err error
		cfg, err = h.Cloud.CameraConfig(r.Context(), cred, kind, networkID, cameraID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(cfg)
}

// UpdateConfig pushes a config document upstream.
// POST /api/v1/networks/{networkID}/cameras/{cameraID}/config?kind=
func (h *CameraHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	networkID, ok1 := pathInt64(r, "networkID")
	cameraID, ok2 := pathInt64(r, "cameraID")
	if !ok1 || !ok2 {
		http.Error(w, "bad camera identity", http.StatusBadRequest)
		return
	}
	kind := upstream.ParseProductKind(r.URL.Query().Get("kind"))

	var body json.RawMessage
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.Auth.WithCredential(r.Context(), func(cred upstream.Credential) error {
		return h.Cloud.UpdateCameraConfig(r.Context(), cred, kind, networkID, cameraID, body)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Arm arms a network.
// POST /api/v1/networks/{networkID}/arm
func (h *CameraHandler) Arm(w http.ResponseWriter, r *http.Request) {
	h.setArm(w, r, true)
}

// Disarm disarms a network.
// POST /api/v1/networks/{networkID}/disarm
func (h *CameraHandler) Disarm(w http.ResponseWriter, r *http.Request) {
	h.setArm(w, r, false)
}

func (h *CameraHandler) setArm(w http.ResponseWriter, r *http.Request, arm bool) {
	networkID, ok := pathInt64(r, "networkID")
	if !ok {
		http.Error(w, "bad network id", http.StatusBadRequest)
		return
	}

	err := h.Auth.WithCredential(r.Context(), func(cred upstream.Credential) error {
		return h.Cloud.SetArm(r.Context(), cred, networkID, arm)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"armed": arm})
}

// LiveviewSave toggles whether the upstream records live view sessions.
// POST /api/v1/networks/{networkID}/liveview_save
func (h *CameraHandler) LiveviewSave(w http.ResponseWriter, r *http.Request) {
	networkID, ok := pathInt64(r, "networkID")
	if !ok {
		http.Error(w, "bad network id", http.StatusBadRequest)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.Auth.WithCredential(r.Context(), func(cred upstream.Credential) error {
		return h.Cloud.SetNetworkLiveviewSave(r.Context(), cred, networkID, req.Enabled)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}
