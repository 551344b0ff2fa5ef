package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-cloudcam/internal/middleware"
)

// Deps is everything the router mounts. Metrics is optional; rate limiting
// applies to the credential-bearing auth routes only.
type Deps struct {
	Auth   *AuthHandler
	Camera *CameraHandler
	Live   *LiveHandler
	Media  *MediaHandler

	JWT       *middleware.JWTAuth
	RateLimit *middleware.RateLimitMiddleware
	Metrics   http.Handler
}

// NewRouter wires the gateway surface. Pairing and token refresh are the
// only unauthenticated API routes; everything else sits behind the gateway
// JWT (unless auth is disabled for desktop use).
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	limited := func(h http.HandlerFunc) http.Handler {
		if d.RateLimit == nil {
			return h
		}
		return d.RateLimit.Middleware(h)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public: pairing and gateway token refresh.
		r.Method(http.MethodPost, "/auth/pair", limited(d.Auth.Pair))
		r.Post("/auth/refresh", d.Auth.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(d.JWT.Middleware)

			r.Method(http.MethodPost, "/auth/login", limited(d.Auth.Login))
			r.Method(http.MethodPost, "/auth/verify_2fa", limited(d.Auth.VerifySecondFactor))
			r.Post("/auth/cancel", d.Auth.CancelLogin)
			r.Post("/auth/logout", d.Auth.Logout)
			r.Get("/auth/status", d.Auth.Status)

			r.Get("/cameras", d.Camera.Homescreen)
			r.Get("/networks/{networkID}/cameras/{cameraID}/config", d.Camera.GetConfig)
			r.Post("/networks/{networkID}/cameras/{cameraID}/config", d.Camera.UpdateConfig)
			r.Post("/networks/{networkID}/arm", d.Camera.Arm)
			r.Post("/networks/{networkID}/disarm", d.Camera.Disarm)
			r.Post("/networks/{networkID}/liveview_save", d.Camera.LiveviewSave)

			r.Get("/live/{networkID}/{cameraID}/stream", d.Live.Stream)
			r.Get("/live/{networkID}/{cameraID}/status", d.Live.Status)
			r.Post("/live/{networkID}/{cameraID}/stop", d.Live.Stop)
			r.Get("/live/sessions", d.Live.Sessions)
			r.Post("/live/stop_all", d.Live.StopAll)
			r.Get("/live/log", d.Live.Log)

			r.Get("/media", d.Media.List)
			r.Post("/media/delete", d.Media.Delete)
			r.Get("/media/stream", d.Media.Stream)
			r.Get("/media/thumbnail", d.Media.Thumbnail)

			r.Post("/downloads", d.Media.StartDownload)
			r.Get("/downloads", d.Media.ListDownloads)
			r.Get("/downloads/{id}", d.Media.DownloadStatus)
			r.Post("/downloads/{id}/cancel", d.Media.CancelDownload)
			r.Delete("/downloads/{id}", d.Media.RemoveDownload)
			r.Get("/downloads/{id}/events", d.Media.DownloadEvents)
		})
	})

	return r
}
