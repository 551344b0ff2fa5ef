package api

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/technosupport/ts-cloudcam/internal/auth"
	"github.com/technosupport/ts-cloudcam/internal/gwerr"
	"github.com/technosupport/ts-cloudcam/internal/middleware"
	"github.com/technosupport/ts-cloudcam/internal/tokens"
)

type AuthHandler struct {
	Auth        *auth.Manager
	Tokens      *tokens.Manager
	Blacklist   auth.TokenBlacklist
	PairingHash string
}

func NewAuthHandler(mgr *auth.Manager, tm *tokens.Manager, bl auth.TokenBlacklist, pairingHash string) *AuthHandler {
	return &AuthHandler{Auth: mgr, Tokens: tm, Blacklist: bl, PairingHash: pairingHash}
}

// Pair trades the deployment's pairing secret for a gateway token pair.
// POST /api/v1/auth/pair
func (h *AuthHandler) Pair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Client string `json:"client"`
		Secret string `json:"secret"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Client == "" {
		http.Error(w, "client name required", http.StatusBadRequest)
		return
	}
	if h.PairingHash == "" {
		http.Error(w, "pairing not configured", http.StatusForbidden)
		return
	}

	ok, err := auth.CheckSecret(req.Secret, h.PairingHash)
	if err != nil {
		log.Printf("Auth: pairing hash unreadable: %v", err)
		http.Error(w, "pairing not configured", http.StatusForbidden)
		return
	}
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	access, err := h.Tokens.GenerateAccessToken(req.Client)
	if err != nil {
		writeError(w, err)
		return
	}
	refresh, err := h.Tokens.GenerateRefreshToken(req.Client)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("Auth: paired client %q", req.Client)
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

// Refresh mints a new access token from a gateway refresh token.
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	claims, err := h.Tokens.ValidateToken(req.RefreshToken)
	if err != nil || claims.TokenType != tokens.Refresh {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if revoked, err := h.Blacklist.IsBlacklisted(r.Context(), claims.ID); err != nil || revoked {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	access, err := h.Tokens.GenerateAccessToken(claims.Client)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

// Login starts an upstream login. A second-factor challenge is not a
// failure; the client continues at /auth/verify_2fa.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil && gwerr.KindOf(err) != gwerr.KindSecondFactorRequired {
		writeError(w, err)
		return
	}
	h.writeStatus(w)
}

// VerifySecondFactor completes a login parked at the PIN step.
// POST /api/v1/auth/verify_2fa
func (h *AuthHandler) VerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pin string `json:"pin"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Pin) == "" {
		http.Error(w, "pin required", http.StatusBadRequest)
		return
	}

	if err := h.Auth.VerifySecondFactor(r.Context(), req.Pin); err != nil {
		writeError(w, err)
		return
	}
	h.writeStatus(w)
}

// CancelLogin abandons a pending second-factor flow.
// POST /api/v1/auth/cancel
func (h *AuthHandler) CancelLogin(w http.ResponseWriter, r *http.Request) {
	h.Auth.CancelLogin()
	h.writeStatus(w)
}

// Logout drops the upstream session and revokes the caller's gateway token
// so a stolen token dies with the session.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(); err != nil {
		writeError(w, err)
		return
	}

	if ac, ok := middleware.GetAuthContext(r.Context()); ok && ac.TokenID != "" {
		if err := h.Blacklist.AddToBlacklist(r.Context(), ac.TokenID, 31*24*time.Hour); err != nil {
			log.Printf("Auth: token revoke failed: %v", err)
		}
	}
	h.writeStatus(w)
}

// Status reports the auth machine's position.
// GET /api/v1/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w)
}

func (h *AuthHandler) writeStatus(w http.ResponseWriter) {
	state, accountID := h.Auth.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         state,
		"authenticated": state == auth.StateAuthenticated,
		"account_id":    accountID,
	})
}
