package api

import (
	"net/http"
	"strconv"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
	"github.com/technosupport/ts-cloudcam/internal/relay"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
)

type LiveHandler struct {
	Relay *relay.Registry
	Spool *relay.Spool
}

func NewLiveHandler(reg *relay.Registry, spool *relay.Spool) *LiveHandler {
	return &LiveHandler{Relay: reg, Spool: spool}
}

func cameraRef(r *http.Request) (relay.CameraRef, bool) {
	networkID, ok1 := pathInt64(r, "networkID")
	cameraID, ok2 := pathInt64(r, "cameraID")
	if !ok1 || !ok2 {
		return relay.CameraRef{}, false
	}
	return relay.CameraRef{
		NetworkID: networkID,
		CameraID:  cameraID,
		Kind:      upstream.ParseProductKind(r.URL.Query().Get("kind")),
		Serial:    r.URL.Query().Get("serial"),
	}, true
}

// Stream attaches the caller to the camera's live session, starting one if
// none is running, and plays fragmented MP4 until the client disconnects.
// Concurrent callers share a single upstream negotiation and remux process.
// GET /api/v1/live/{networkID}/{cameraID}/stream
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ref, ok := cameraRef(r)
	if !ok {
		http.Error(w, "bad camera identity", http.StatusBadRequest)
		return
	}

	viewer := h.Relay.Acquire(ref)
	defer h.Relay.Release(viewer)
	session := viewer.Session()

	// Hold the response until the pipeline produces output, so the client
	// either gets a playable stream or a structured error.
	select {
	case <-session.Ready():
	case <-session.Done():
		err := session.Err()
		if err == nil {
			err = gwerr.New(gwerr.KindCancelled, "session ended before start", nil)
		}
		writeError(w, err)
		return
	case <-r.Context().Done():
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case chunk, open := <-viewer.Frames():
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// Sessions lists every live session with state and viewer count.
// GET /api/v1/live/sessions
func (h *LiveHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Relay.Snapshot())
}

// Status returns one camera's session state and recent transitions.
// GET /api/v1/live/{networkID}/{cameraID}/status
func (h *LiveHandler) Status(w http.ResponseWriter, r *http.Request) {
	ref, ok := cameraRef(r)
	if !ok {
		http.Error(w, "bad camera identity", http.StatusBadRequest)
		return
	}

	session, found := h.Relay.Session(ref)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"state": relay.StateStopped, "active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   session.State(),
		"active":  true,
		"viewers": session.ViewerCount(),
		"events":  session.Events(),
	})
}

// Stop force-terminates one camera's session.
// POST /api/v1/live/{networkID}/{cameraID}/stop
func (h *LiveHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ref, ok := cameraRef(r)
	if !ok {
		http.Error(w, "bad camera identity", http.StatusBadRequest)
		return
	}
	stopped := h.Relay.Stop(ref)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// StopAll tears down every session.
// POST /api/v1/live/stop_all
func (h *LiveHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	h.Relay.StopAll()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// Log returns recent session transitions from the on-disk spool. Purely
// diagnostic; the spool is best effort.
// GET /api/v1/live/log?limit=
func (h *LiveHandler) Log(w http.ResponseWriter, r *http.Request) {
	if h.Spool == nil {
		writeJSON(w, http.StatusOK, []relay.SpoolRecord{})
		return
	}

	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	records, err := h.Spool.Recent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []relay.SpoolRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
