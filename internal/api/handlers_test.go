package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-cloudcam/internal/api"
	"github.com/technosupport/ts-cloudcam/internal/auth"
	"github.com/technosupport/ts-cloudcam/internal/guard"
	"github.com/technosupport/ts-cloudcam/internal/gwerr"
	"github.com/technosupport/ts-cloudcam/internal/middleware"
	"github.com/technosupport/ts-cloudcam/internal/proxy"
	"github.com/technosupport/ts-cloudcam/internal/relay"
	"github.com/technosupport/ts-cloudcam/internal/tokens"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
	"github.com/technosupport/ts-cloudcam/internal/vault"
)

// ---- upstream auth fakes ----

type stubFlow struct {
	tokens      *upstream.AuthTokens
	pinRequired bool
}

func (f *stubFlow) SubmitCredentials(_ context.Context, _, _ string) (*upstream.AuthTokens, error) {
	if f.pinRequired {
		return nil, gwerr.New(gwerr.KindSecondFactorRequired, "verification pin sent", nil)
	}
	return f.tokens, nil
}

func (f *stubFlow) VerifySecondFactor(_ context.Context, _ string) (*upstream.AuthTokens, error) {
	return f.tokens, nil
}

type stubAuthn struct {
	flow *stubFlow
}

func (a stubAuthn) StartLogin(_ context.Context, _ string) (auth.Flow, error) {
	return a.flow, nil
}

func (a stubAuthn) Refresh(_ context.Context, _ upstream.Credential) (*upstream.AuthTokens, error) {
	return a.flow.tokens, nil
}

type memBlacklist struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newMemBlacklist() *memBlacklist {
	return &memBlacklist{revoked: make(map[string]bool)}
}

func (b *memBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[jti], nil
}

func (b *memBlacklist) AddToBlacklist(_ context.Context, jti string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[jti] = true
	return nil
}

// ---- relay fakes ----

type stubHandle struct {
	ready chan struct{}
	out   chan []byte
	done  chan struct{}

	mu  sync.Mutex
	err error
}

func newStubHandle() *stubHandle {
	return &stubHandle{
		ready: make(chan struct{}),
		out:   make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (h *stubHandle) Ready() <-chan struct{} { return h.ready }
func (h *stubHandle) Output() <-chan []byte  { return h.out }
func (h *stubHandle) Done() <-chan struct{}  { return h.done }

func (h *stubHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *stubHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

type stubEngine struct {
	mu      sync.Mutex
	starts  int
	handles []*stubHandle
}

func (e *stubEngine) Start(ctx context.Context, job relay.Job) (relay.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	h := newStubHandle()
	e.handles = append(e.handles, h)
	close(h.ready)
	// A steady trickle of fake fMP4 segments.
	go func() {
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case h.out <- []byte("SEGMENT"):
				default:
				}
			case <-h.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return h, nil
}

func (e *stubEngine) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

type stubNegotiator struct {
	mu       sync.Mutex
	fail     bool
	requests int
}

func (n *stubNegotiator) RequestLiveView(_ context.Context, _ upstream.Credential, _ upstream.ProductKind, networkID, cameraID int64) (*upstream.LiveViewGrant, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests++
	if n.fail {
		return nil, gwerr.Upstream(502, "liveview negotiation")
	}
	return &upstream.LiveViewGrant{
		Server:          fmt.Sprintf("immis://cam.example.com:443/%d__session?client_id=7", cameraID),
		CommandID:       900 + cameraID,
		PollingInterval: 3600,
	}, nil
}

func (n *stubNegotiator) CommandActive(_ context.Context, _ upstream.Credential, _, _ int64) (bool, error) {
	return true, nil
}

// ---- harness ----

type gateway struct {
	srv     *httptest.Server
	mgr     *auth.Manager
	tokens  *tokens.Manager
	bl      *memBlacklist
	flow    *stubFlow
	engine  *stubEngine
	neg     *stubNegotiator
	relay   *relay.Registry
	proxy   *proxy.Proxy
	spool   *relay.Spool
	upCalls *upstreamStub
}

// upstreamStub is the fake cloud REST host.
type upstreamStub struct {
	mu              sync.Mutex
	thumbHits       int
	homescreenCalls int
	rejectToken     string          // bearer token the homescreen endpoint 401s
	deleteFail      map[string]bool // substring of body that should 500
}

func newGateway(t *testing.T, authDisabled bool) *gateway {
	t.Helper()

	stub := &upstreamStub{deleteFail: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/accounts/42/homescreen", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.homescreenCalls++
		rejected := stub.rejectToken != "" && r.Header.Get("Authorization") == "Bearer "+stub.rejectToken
		stub.mu.Unlock()
		if rejected {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"networks": [{"id": 1, "name": "Home", "armed": true}],
			"cameras":  [{"id": 7, "name": "Porch", "network_id": 1, "serial": "A1B2"}],
			"owls":     [{"id": 9, "name": "Garage", "network_id": 1}]
		}`)
	})
	mux.HandleFunc("/api/v1/accounts/42/media/changed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"media": [{"id": 1, "media": "/media/clip1.mp4"}, {"id": 2, "media": "/media/clip2.mp4"}]}`)
	})
	mux.HandleFunc("/api/v1/accounts/42/media/delete", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		stub.mu.Lock()
		defer stub.mu.Unlock()
		for substr := range stub.deleteFail {
			if strings.Contains(buf.String(), substr) {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/thumb/porch.jpg", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.thumbHits++
		stub.mu.Unlock()
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	})
	mux.HandleFunc("/media/clip1.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(bytes.Repeat([]byte("v"), 2048))
	})
	mux.HandleFunc("/api/v1/accounts/42/networks/1/state/arm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/accounts/42/networks/1/state/disarm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	up := httptest.NewServer(mux)
	t.Cleanup(up.Close)

	flow := &stubFlow{tokens: &upstream.AuthTokens{
		AccessToken:  "upstream-token",
		RefreshToken: "upstream-refresh",
		AccountID:    42,
		RestBaseURL:  up.URL,
		DeviceID:     "dev-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}

	mgr := auth.NewManager(stubAuthn{flow: flow}, vault.NewPlainFileStore(filepath.Join(t.TempDir(), "cred.json")))
	client := upstream.NewClient(up.URL, up.URL)
	g := guard.New([]string{"127.0.0.1"})

	engine := &stubEngine{}
	neg := &stubNegotiator{}
	settings := relay.Settings{
		ReadinessTimeout: 2 * time.Second,
		RetryBase:        5 * time.Millisecond,
		RetryCap:         20 * time.Millisecond,
		RetryMax:         3,
		ReleaseGrace:     20 * time.Millisecond,
	}
	spool, err := relay.NewSpool(t.TempDir(), 1)
	require.NoError(t, err)
	reg := relay.NewRegistry(settings, mgr, neg, engine).WithSpool(spool)
	t.Cleanup(reg.Close)

	p := proxy.New(g, mgr, client, t.TempDir())
	tm := tokens.NewManager("gateway-test-key")
	bl := newMemBlacklist()

	pairingHash, err := auth.HashSecret("pair-me")
	require.NoError(t, err)

	router := api.NewRouter(api.Deps{
		Auth:   api.NewAuthHandler(mgr, tm, bl, pairingHash),
		Camera: api.NewCameraHandler(mgr, client),
		Live:   api.NewLiveHandler(reg, spool),
		Media:  api.NewMediaHandler(mgr, client, p),
		JWT:    middleware.NewJWTAuth(tm, bl, authDisabled),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &gateway{
		srv: srv, mgr: mgr, tokens: tm, bl: bl, flow: flow,
		engine: engine, neg: neg, relay: reg, proxy: p, spool: spool,
		upCalls: stub,
	}
}

func (g *gateway) login(t *testing.T) {
	t.Helper()
	require.NoError(t, g.mgr.Login(context.Background(), "a@example.com", "pw"))
}

func (g *gateway) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

// ---- tests ----

func TestPairIssuesTokens(t *testing.T) {
	gw := newGateway(t, false)

	res := gw.do(t, "POST", "/api/v1/auth/pair", "", map[string]string{
		"client": "tablet", "secret": "pair-me",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var pair map[string]string
	decodeBody(t, res, &pair)
	assert.NotEmpty(t, pair["access_token"])
	assert.NotEmpty(t, pair["refresh_token"])

	// The issued token opens protected routes.
	res = gw.do(t, "GET", "/api/v1/auth/status", pair["access_token"], nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()
}

func TestPairWrongSecret(t *testing.T) {
	gw := newGateway(t, false)

	res := gw.do(t, "POST", "/api/v1/auth/pair", "", map[string]string{
		"client": "tablet", "secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	gw := newGateway(t, false)

	res := gw.do(t, "GET", "/api/v1/auth/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestGatewayRefreshGrant(t *testing.T) {
	gw := newGateway(t, false)

	refresh, err := gw.tokens.GenerateRefreshToken("tablet")
	require.NoError(t, err)

	res := gw.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out map[string]string
	decodeBody(t, res, &out)
	assert.NotEmpty(t, out["access_token"])

	// An access token is not a valid refresh grant.
	access, err := gw.tokens.GenerateAccessToken("tablet")
	require.NoError(t, err)
	res = gw.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refresh_token": access})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestLoginDirect(t *testing.T) {
	gw := newGateway(t, true)

	res := gw.do(t, "POST", "/api/v1/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "pw",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var status map[string]any
	decodeBody(t, res, &status)
	assert.Equal(t, true, status["authenticated"])
	assert.Equal(t, float64(42), status["account_id"])
}

func TestLoginSecondFactorFlow(t *testing.T) {
	gw := newGateway(t, true)

	// Force the challenge path.
	flow := &stubFlow{pinRequired: true, tokens: &upstream.AuthTokens{
		AccessToken: "t", AccountID: 42, ExpiresAt: time.Now().Add(time.Hour),
	}}
	mgr := auth.NewManager(stubAuthn{flow: flow}, vault.NewPlainFileStore(filepath.Join(t.TempDir(), "cred.json")))
	tm := tokens.NewManager("k")
	router := api.NewRouter(api.Deps{
		Auth:   api.NewAuthHandler(mgr, tm, newMemBlacklist(), ""),
		Camera: api.NewCameraHandler(mgr, upstream.NewClient("http://x", "http://x")),
		Live:   api.NewLiveHandler(gw.relay, nil),
		Media:  api.NewMediaHandler(mgr, upstream.NewClient("http://x", "http://x"), gw.proxy),
		JWT:    middleware.NewJWTAuth(tm, newMemBlacklist(), true),
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"email": "a@example.com", "password": "pw"})
	res, err := http.Post(srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var status map[string]any
	decodeBody(t, res, &status)
	assert.Equal(t, string(auth.StateAwaitingSecondFactor), status["state"])
	assert.Equal(t, false, status["authenticated"])

	flow.pinRequired = false
	body, _ = json.Marshal(map[string]string{"pin": "123456"})
	res, err = http.Post(srv.URL+"/api/v1/auth/verify_2fa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	decodeBody(t, res, &status)
	assert.Equal(t, true, status["authenticated"])
}

func TestLogoutRevokesGatewayToken(t *testing.T) {
	gw := newGateway(t, false)
	gw.login(t)

	access, err := gw.tokens.GenerateAccessToken("tablet")
	require.NoError(t, err)

	res := gw.do(t, "POST", "/api/v1/auth/logout", access, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status map[string]any
	decodeBody(t, res, &status)
	assert.Equal(t, false, status["authenticated"])

	// The token that performed the logout no longer works.
	res = gw.do(t, "GET", "/api/v1/auth/status", access, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestHomescreenPassThrough(t *testing.T) {
	gw := newGateway(t, true)
	gw.login(t)

	res := gw.do(t, "GET", "/api/v1/cameras", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var hs upstream.Homescreen
	decodeBody(t, res, &hs)
	require.Len(t, hs.Networks, 1)
	assert.Equal(t, "Home", hs.Networks[0].Name)
	assert.Len(t, hs.Cameras, 2) // porch camera + garage owl merged
}

func TestHomescreenRecoversFromUpstreamRejection(t *testing.T) {
	gw := newGateway(t, true)
	gw.login(t)

	// The cloud invalidated the access token server side; the local expiry
	// clock still considers it fresh.
	gw.upCalls.mu.Lock()
	gw.upCalls.rejectToken = "upstream-token"
	gw.upCalls.mu.Unlock()
	gw.flow.tokens = &upstream.AuthTokens{
		AccessToken:  "upstream-token-2",
		RefreshToken: "upstream-refresh",
		AccountID:    42,
		RestBaseURL:  gw.flow.tokens.RestBaseURL,
		DeviceID:     "dev-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	res := gw.do(t, "GET", "/api/v1/cameras", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var hs upstream.Homescreen
	decodeBody(t, res, &hs)
	assert.Len(t, hs.Cameras, 2)

	// The 401 was answered with one refresh and one retried call.
	gw.upCalls.mu.Lock()
	calls := gw.upCalls.homescreenCalls
	gw.upCalls.mu.Unlock()
	assert.Equal(t, 2, calls)

	cred, err := gw.mgr.Credential()
	require.NoError(t, err)
	assert.Equal(t, "upstream-token-2", cred.AccessToken)
}

func TestHomescreenUnauthenticated(t *testing.T) {
	gw := newGateway(t, true)

	res := gw.do(t, "GET", "/api/v1/cameras", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	var out map[string]map[string]string
	decodeBody(t, res, &out)
	assert.Equal(t, "AUTH_EXPIRED", out["error"]["code"])
}

func TestArmDisarm(t *testing.T) {
	gw := newGateway(t, true)
	gw.login(t)

	res := gw.do(t, "POST", "/api/v1/networks/1/arm", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var out map[string]bool
	decodeBody(t, res, &out)
	assert.True(t, out["armed"])

	res = gw.do(t, "POST", "/api/v1/networks/1/disarm", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeBody(t, res, &out)
	assert.False(t, out["armed"])
}

func TestMediaDeletePartialFailure(t *testing.T) {
	gw := newGateway(t, true)
	gw.login(t)

	gw.upCalls.mu.Lock()
	gw.upCalls.deleteFail["2"] = true
	gw.upCalls.mu.Unlock()

	res := gw.do(t, "POST", "/api/v1/media/delete", "", map[string][]int64{"ids": {1, 2}})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out struct {
		Deleted int     `json:"deleted"`
		Failed  []int64 `json:"failed"`
	}
	decodeBody(t, res, &out)
	assert.Equal(t, 1, out.Deleted)
	assert.Equal(t, []int64{2}, out.Failed)
}

func TestThumbnailCaching(t *testing.T) {
	gw := newGateway(t, true)
	gw.login(t)

	for i := 0; i < 2; i++ {
		res := gw.do(t, "GET", "/api/v1/media/thumbnail?path=/thumb/porch", "", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))
		res.Body.Close()
	}

	gw.upCalls.mu.Lock()
	hits := gw.upCalls.thumbHits
	gw.upCalls.mu.Unlock()
	assert.Equal(t, 1, hits, "second request should be served from cache")
}

func TestMediaStream(t *testing.T) {
	gw := newGateway(t, true)
	gw.login(t)

	res := gw.do(t, "GET", "/api/v1/media/stream?path=/media/clip1.mp4", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	defer res.Body.Close()
	assert.Equal(t, "video/mp4", res.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Equal(t, 2048, buf.Len())
}
