package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-cloudcam/internal/auth"
	"github.com/technosupport/ts-cloudcam/internal/proxy"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The route is already behind token auth; origins vary (file://, local
	// ports) so the origin check stays open.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type MediaHandler struct {
	Auth  *auth.Manager
	Cloud *upstream.Client
	Proxy *proxy.Proxy
}

func NewMediaHandler(mgr *auth.Manager, cloud *upstream.Client, p *proxy.Proxy) *MediaHandler {
	return &MediaHandler{Auth: mgr, Cloud: cloud, Proxy: p}
}

// List returns the paged clip listing as the upstream produced it.
// GET /api/v1/media?page=&since_days=
func (h *MediaHandler) List(w http.ResponseWriter, r *http.Request) {
	page := int64(1)
	if v, err := strconv.ParseInt(r.URL.Query().Get("page"), 10, 64); err == nil && v > 0 {
		page = v
	}
	sinceDays := int64(14)
	if v, err := strconv.ParseInt(r.URL.Query().Get("since_days"), 10, 64); err == nil && v > 0 {
		sinceDays = v
	}

	var raw []byte
	err := h.Auth.WithCredential(r.Context(), func(cred upstream.Credential) error {
		var err error
		raw, err = h.Cloud.MediaChanged(r.Context(), cred, page, sinceDays)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// Delete removes clips upstream. Partial failures are tolerated: the
// response lists ids that could not be deleted.
// POST /api/v1/media/delete
func (h *MediaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids required", http.StatusBadRequest)
		return
	}

	if _, err := h.Auth.Credential(); err != nil {
		writeError(w, err)
		return
	}

	var failed []int64
	for _, id := range req.IDs {
		id := id
		err := h.Auth.WithCredential(r.Context(), func(cred upstream.Credential) error {
			return h.Cloud.DeleteMedia(r.Context(), cred, []int64{id})
		})
		if err != nil {
			log.Printf("Media: delete %d failed: %v", id, err)
			failed = append(failed, id)
		}
	}
	if failed == nil {
		failed = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": len(req.IDs) - len(failed),
		"failed":  failed,
	})
}

// Stream plays a clip through the guarded proxy.
// GET /api/v1/media/stream?path=
func (h *MediaHandler) Stream(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	contentType, length, err := h.Proxy.ContentInfo(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if length > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	}

	if err := h.Proxy.Stream(r.Context(), w, path); err != nil {
		// Headers are out; nothing left but to drop the connection.
		log.Printf("Media: stream %s aborted: %v", path, err)
	}
}

// Thumbnail serves a camera or clip thumbnail through the proxy's cache.
// GET /api/v1/media/thumbnail?path=
func (h *MediaHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	data, contentType, err := h.Proxy.Thumbnail(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// StartDownload begins a background clip download and returns the job id.
// POST /api/v1/downloads
func (h *MediaHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string `json:"path"`
		Filename string `json:"filename"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	job, err := h.Proxy.StartDownload(req.Path, req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Status())
}

// ListDownloads returns all tracked download jobs.
// GET /api/v1/downloads
func (h *MediaHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Proxy.Jobs().List())
}

// DownloadStatus returns one job's progress.
// GET /api/v1/downloads/{id}
func (h *MediaHandler) DownloadStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.Proxy.Jobs().Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Status())
}

// CancelDownload aborts a running job.
// POST /api/v1/downloads/{id}/cancel
func (h *MediaHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.Proxy.Jobs().Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusOK, job.Status())
}

// RemoveDownload forgets a finished job.
// DELETE /api/v1/downloads/{id}
func (h *MediaHandler) RemoveDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, ok := h.Proxy.Jobs().Get(id); ok && job.Status().State == proxy.JobRunning {
		http.Error(w, "job still running", http.StatusConflict)
		return
	}
	h.Proxy.Jobs().Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// DownloadEvents streams a job's progress over a websocket. The socket gets
// an immediate snapshot and closes after the terminal update.
// GET /api/v1/downloads/{id}/events
func (h *MediaHandler) DownloadEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := h.Proxy.Jobs().Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Media: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, detach := job.Subscribe()
	defer detach()

	// Drain the read side so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case p, open := <-updates:
			if !open {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
