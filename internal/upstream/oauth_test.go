package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

const signinPage = `<html><head>
<script type="application/json" id="oauth-args">{"csrf_token":"csrf-abc"}</script>
</head><body></body></html>`

// oauthStub fakes the hosted login plus the token/tier endpoints.
type oauthStub struct {
	requireSecondFactor bool
	sawVerifier         string
	sawCSRF             string
}

func (s *oauthStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v2/authorize", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "S256", r.URL.Query().Get("code_challenge_method"))
		assert.NotEmpty(t, r.URL.Query().Get("code_challenge"))
		fmt.Fprint(w, signinPage)
	})
	mux.HandleFunc("/oauth/v2/signin", func(w http.ResponseWriter, r *http.Request) {
		s.sawCSRF = r.Header.Get("X-CSRF-Token")
		if r.FormValue("password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.requireSecondFactor {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("Location", "immedia-blink://oauth/redirect?code=code-1&state=x")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/oauth/v2/2fa/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("code") != "123456" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// This endpoint answers with a JSON body instead of a header.
		json.NewEncoder(w).Encode(map[string]string{
			"redirect_uri": "immedia-blink://oauth/redirect?code=code-2&state=x",
		})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		s.sawVerifier = r.FormValue("code_verifier")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"account_id":    42,
		})
	})
	mux.HandleFunc("/api/v1/users/tier_info", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"tier": "u011", "account_id": 42})
	})
	return mux
}

func TestLoginFlowDirect(t *testing.T) {
	stub := &oauthStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	flow, err := c.StartLogin(context.Background(), "dev-1")
	require.NoError(t, err)

	tokens, err := flow.SubmitCredentials(context.Background(), "me@example.com", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, "csrf-abc", stub.sawCSRF)
	assert.NotEmpty(t, stub.sawVerifier)
	assert.Equal(t, "at-1", tokens.AccessToken)
	assert.Equal(t, int64(42), tokens.AccountID)
	assert.Equal(t, "dev-1", tokens.DeviceID)
	assert.Equal(t, "https://rest-u011.immedia-semi.com", tokens.RestBaseURL)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tokens.ExpiresAt, 10*time.Second)
}

func TestLoginFlowSecondFactor(t *testing.T) {
	stub := &oauthStub{requireSecondFactor: true}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	flow, err := c.StartLogin(context.Background(), "")
	require.NoError(t, err)

	_, err = flow.SubmitCredentials(context.Background(), "me@example.com", "hunter2")
	require.Error(t, err)
	require.Equal(t, gwerr.KindSecondFactorRequired, gwerr.KindOf(err))

	_, err = flow.VerifySecondFactor(context.Background(), "000000")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidCredentials, gwerr.KindOf(err))

	tokens, err := flow.VerifySecondFactor(context.Background(), " 123456 ")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tokens.AccessToken)
	assert.NotEmpty(t, tokens.DeviceID)
}

func TestLoginFlowBadPassword(t *testing.T) {
	stub := &oauthStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	flow, err := c.StartLogin(context.Background(), "dev-1")
	require.NoError(t, err)

	_, err = flow.SubmitCredentials(context.Background(), "me@example.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidCredentials, gwerr.KindOf(err))
}

func TestRefreshGrant(t *testing.T) {
	var sawGrant, sawRefresh string
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		sawGrant = r.FormValue("grant_type")
		sawRefresh = r.FormValue("refresh_token")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    3600,
			"account_id":    42,
		})
	})
	mux.HandleFunc("/api/v1/users/tier_info", func(w http.ResponseWriter, r *http.Request) {
		// Account without tier info keeps the default host.
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	tokens, err := c.Refresh(context.Background(), Credential{
		RefreshToken: "rt-1",
		DeviceID:     "dev-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", sawGrant)
	assert.Equal(t, "rt-1", sawRefresh)
	assert.Equal(t, "at-2", tokens.AccessToken)
	assert.Equal(t, "dev-1", tokens.DeviceID)
	assert.Equal(t, srv.URL, tokens.RestBaseURL)
}

func TestRefreshRejectedIsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	_, err := c.Refresh(context.Background(), Credential{RefreshToken: "stale"})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAuthExpired, gwerr.KindOf(err))
}

func TestScrapeCSRF(t *testing.T) {
	csrf, err := scrapeCSRF([]byte(signinPage))
	require.NoError(t, err)
	assert.Equal(t, "csrf-abc", csrf)

	_, err = scrapeCSRF([]byte("<html></html>"))
	require.Error(t, err)

	_, err = scrapeCSRF([]byte(`<script id="oauth-args">{"csrf_token":""}</script>`))
	require.Error(t, err)
}

func TestPKCEPair(t *testing.T) {
	v1, c1, err := newPKCEPair()
	require.NoError(t, err)
	v2, c2, err := newPKCEPair()
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
	assert.NotEqual(t, c1, c2)
	assert.NotContains(t, c1, "=")
}
