package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

func testCred(base string) Credential {
	return Credential{
		AccessToken: "tok-123",
		AccountID:   42,
		RestBaseURL: base,
	}
}

func TestHomescreenMergesProductFamilies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/accounts/42/homescreen", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"networks": []map[string]any{{"id": 7, "name": "Home", "armed": true}},
			"cameras": []map[string]any{
				{"id": 1, "name": "Porch", "network_id": 7, "type": "sedona"},
			},
			"owls": []map[string]any{
				{"id": 2, "name": "Desk", "network_id": 7},
			},
			"doorbells": []map[string]any{
				{"id": 3, "name": "Front", "network_id": 7, "type": "lotus"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	hs, err := c.Homescreen(context.Background(), testCred(srv.URL))
	require.NoError(t, err)

	require.Len(t, hs.Networks, 1)
	require.Len(t, hs.Cameras, 3)
	assert.Equal(t, KindCamera, hs.Cameras[0].Kind)
	assert.Equal(t, KindOwl, hs.Cameras[1].Kind)
	assert.Equal(t, KindDoorbell, hs.Cameras[2].Kind)
}

func TestHomescreenFallsBackToNetworkListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/accounts/42/homescreen":
			json.NewEncoder(w).Encode(map[string]any{
				"networks": []map[string]any{{"id": 7, "name": "Home"}},
			})
		case "/network/7/cameras":
			json.NewEncoder(w).Encode(map[string]any{
				"dev": []map[string]any{
					{"id": 9, "name": "Garage", "type": "lotus"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	hs, err := c.Homescreen(context.Background(), testCred(srv.URL))
	require.NoError(t, err)

	require.Len(t, hs.Cameras, 1)
	assert.Equal(t, int64(9), hs.Cameras[0].ID)
	assert.Equal(t, int64(7), hs.Cameras[0].NetworkID)
	assert.Equal(t, KindDoorbell, hs.Cameras[0].Kind)
}

func TestRequestLiveViewUsesKindSpecificPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"server":           "immis://lv.example.com:443/session",
			"command_id":       555,
			"polling_interval": 15,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	cred := testCred(srv.URL)

	grant, err := c.RequestLiveView(context.Background(), cred, KindCamera, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, "/api/v5/accounts/42/networks/7/cameras/1/liveview", gotPath)
	assert.Equal(t, int64(555), grant.CommandID)

	_, err = c.RequestLiveView(context.Background(), cred, KindOwl, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/accounts/42/networks/7/owls/2/liveview", gotPath)

	_, err = c.RequestLiveView(context.Background(), cred, KindDoorbell, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/accounts/42/networks/7/doorbells/3/liveview", gotPath)
}

func TestRequestLiveViewServerErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	_, err := c.RequestLiveView(context.Background(), testCred(srv.URL), KindCamera, 7, 1)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindUpstreamUnavailable, gwerr.KindOf(err))
	assert.Equal(t, http.StatusBadGateway, gwerr.UpstreamStatus(err))
}

func TestUnauthorizedClassifiedAsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	_, err := c.RawHomescreen(context.Background(), testCred(srv.URL))
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAuthExpired, gwerr.KindOf(err))
}

func TestCommandActive(t *testing.T) {
	state := "running"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/network/7/command/555", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"commands": []map[string]any{
				{"id": 555, "state_condition": state},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	cred := testCred(srv.URL)

	active, err := c.CommandActive(context.Background(), cred, 7, 555)
	require.NoError(t, err)
	assert.True(t, active)

	state = "done"
	active, err = c.CommandActive(context.Background(), cred, 7, 555)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestDeleteMediaWalksPayloadShapes(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		bodies = append(bodies, string(raw["media_list"]))
		// Only the object-list shape is accepted.
		if len(bodies) == 2 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	err := c.DeleteMedia(context.Background(), testCred(srv.URL), []int64{10, 11})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, "[10,11]", bodies[0])
	assert.Contains(t, bodies[1], `"id":10`)
}

func TestDeleteMediaAllShapesRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	err := c.DeleteMedia(context.Background(), testCred(srv.URL), []int64{10})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, gwerr.UpstreamStatus(err))
}

func TestDeleteMediaEmptyListIsNoop(t *testing.T) {
	c := NewClient("http://unused", "http://unused")
	require.NoError(t, c.DeleteMedia(context.Background(), Credential{}, nil))
}

func TestSetNetworkLiveviewSaveFallsBackToLegacyEndpoint(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/network/7/update" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL)
	err := c.SetNetworkLiveviewSave(context.Background(), testCred(srv.URL), 7, false)
	require.NoError(t, err)
	assert.Contains(t, paths, "/api/v1/accounts/42/networks/7/update")
	assert.Contains(t, paths, "/network/7/update")
}

func TestMediaIDs(t *testing.T) {
	raw := []byte(`{"media":[{"id":1},{"id":2}],"limit":25}`)
	assert.Equal(t, []int64{1, 2}, MediaIDs(raw))
	assert.Nil(t, MediaIDs([]byte("not json")))
}

func TestResolveURL(t *testing.T) {
	c := NewClient("https://oauth.example.com", "https://rest-prod.example.com")

	assert.Equal(t, "https://rest-u1.example.com/x",
		c.ResolveURL(Credential{RestBaseURL: "https://rest-u1.example.com"}, "/x"))
	assert.Equal(t, "https://rest-prod.example.com/x", c.ResolveURL(Credential{}, "/x"))
	assert.Equal(t, "https://cdn.example.com/clip.mp4",
		c.ResolveURL(Credential{}, "https://cdn.example.com/clip.mp4"))
}
