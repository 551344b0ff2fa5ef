package upstream

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

const (
	oauthClientID    = "ios_app"
	oauthRedirectURI = "immedia-blink://oauth/redirect"
	oauthScope       = "openid"
)

var oauthArgsRe = regexp.MustCompile(`(?s)<script[^>]+id="oauth-args"[^>]*>(.*?)</script>`)

// LoginFlow carries the transient state of one interactive login: the PKCE
// verifier, the CSRF token scraped from the hosted signin page, and the
// cookie session shared with the upstream. The auth manager holds exactly
// one flow between submitting credentials and completing the second factor.
type LoginFlow struct {
	client   *Client
	verifier string
	csrf     string
	deviceID string
}

// StartLogin opens the authorize page and scrapes the embedded CSRF token.
// The returned flow must be used for the rest of this login attempt.
func (c *Client) StartLogin(ctx context.Context, deviceID string) (*LoginFlow, error) {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	verifier, challenge, err := newPKCEPair()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("client_id", oauthClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", oauthRedirectURI)
	q.Set("scope", oauthScope)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", uuid.NewString())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.OAuthBase+"/oauth/v2/authorize?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, gwerr.New(gwerr.KindIOError, "authorize page unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, gwerr.Upstream(res.StatusCode, "authorize page")
	}
	page, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	csrf, err := scrapeCSRF(page)
	if err != nil {
		return nil, err
	}
	return &LoginFlow{client: c, verifier: verifier, csrf: csrf, deviceID: deviceID}, nil
}

// SubmitCredentials posts email/password to the hosted signin endpoint.
// A 412 means the account wants a second factor; the flow stays usable and
// the caller should collect the code and call VerifySecondFactor.
func (f *LoginFlow) SubmitCredentials(ctx context.Context, email, password string) (*AuthTokens, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)

	res, err := f.postForm(ctx, "/oauth/v2/signin", form)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusPreconditionFailed:
		return nil, gwerr.New(gwerr.KindSecondFactorRequired, "account requires second factor", nil)
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusBadRequest:
		return nil, gwerr.New(gwerr.KindInvalidCredentials, "signin rejected", nil)
	case res.StatusCode >= 500:
		return nil, gwerr.Upstream(res.StatusCode, "signin")
	}

	code, err := codeFromResponse(res)
	if err != nil {
		return nil, err
	}
	return f.exchangeCode(ctx, code)
}

// VerifySecondFactor submits the one-time code for a login that stopped at 412.
func (f *LoginFlow) VerifySecondFactor(ctx context.Context, pin string) (*AuthTokens, error) {
	form := url.Values{}
	form.Set("code", strings.TrimSpace(pin))

	res, err := f.postForm(ctx, "/oauth/v2/2fa/verify", form)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusBadRequest:
		return nil, gwerr.New(gwerr.KindInvalidCredentials, "second factor rejected", nil)
	case res.StatusCode >= 500:
		return nil, gwerr.Upstream(res.StatusCode, "second factor verify")
	}

	code, err := codeFromResponse(res)
	if err != nil {
		return nil, err
	}
	return f.exchangeCode(ctx, code)
}

func (f *LoginFlow) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.client.OAuthBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", f.csrf)

	res, err := f.client.http.Do(req)
	if err != nil {
		return nil, gwerr.New(gwerr.KindIOError, "signin endpoint unreachable", err)
	}
	return res, nil
}

// exchangeCode trades the authorization code for tokens, then resolves the
// account's REST tier so the credential points at the right regional host.
func (f *LoginFlow) exchangeCode(ctx context.Context, code string) (*AuthTokens, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", oauthClientID)
	form.Set("redirect_uri", oauthRedirectURI)
	form.Set("code", code)
	form.Set("code_verifier", f.verifier)

	tokens, err := f.client.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	tokens.DeviceID = f.deviceID
	return tokens, nil
}

// Refresh runs the refresh grant against the token endpoint.
func (c *Client) Refresh(ctx context.Context, cred Credential) (*AuthTokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", oauthClientID)
	form.Set("refresh_token", cred.RefreshToken)

	tokens, err := c.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	tokens.DeviceID = cred.DeviceID
	return tokens, nil
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*AuthTokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.OAuthBase+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", tokenUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, gwerr.New(gwerr.KindIOError, "token endpoint unreachable", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusBadRequest:
		return nil, gwerr.New(gwerr.KindAuthExpired, "token grant rejected", nil)
	case res.StatusCode >= 500:
		return nil, gwerr.Upstream(res.StatusCode, "token endpoint")
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		AccountID    int64  `json:"account_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, gwerr.New(gwerr.KindAuthExpired, "token response missing access token", nil)
	}

	tokens := &AuthTokens{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		AccountID:    payload.AccountID,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}

	tokens.RestBaseURL, tokens.AccountID, err = c.tierInfo(ctx, tokens.AccessToken, payload.AccountID)
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// tierInfo asks the default REST host which regional tier owns the account
// and rebases the credential's REST base onto it.
func (c *Client) tierInfo(ctx context.Context, accessToken string, accountID int64) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RestBase+"/api/v1/users/tier_info", nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return "", 0, gwerr.New(gwerr.KindIOError, "tier info unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		// Older accounts lack the endpoint; keep the default host.
		return c.RestBase, accountID, nil
	}

	var payload struct {
		Tier      string `json:"tier"`
		AccountID int64  `json:"account_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return c.RestBase, accountID, nil
	}
	if payload.AccountID != 0 {
		accountID = payload.AccountID
	}
	if payload.Tier == "" {
		return c.RestBase, accountID, nil
	}
	return fmt.Sprintf("https://rest-%s.immedia-semi.com", payload.Tier), accountID, nil
}

// codeFromResponse pulls the authorization code out of the custom-scheme
// redirect the signin endpoints answer with. The HTTP client refuses to
// follow non-http schemes, so the Location header survives on the response.
func codeFromResponse(res *http.Response) (string, error) {
	loc := res.Header.Get("Location")
	if loc == "" {
		// Some responses deliver the redirect in a JSON body instead.
		body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		var payload struct {
			RedirectURI string `json:"redirect_uri"`
		}
		if json.Unmarshal(body, &payload) == nil {
			loc = payload.RedirectURI
		}
	}
	if loc == "" {
		return "", gwerr.New(gwerr.KindInvalidCredentials, "signin response carried no redirect", nil)
	}

	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("parse redirect %q: %w", loc, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", gwerr.New(gwerr.KindInvalidCredentials, "redirect carried no authorization code", nil)
	}
	return code, nil
}

func scrapeCSRF(page []byte) (string, error) {
	m := oauthArgsRe.FindSubmatch(page)
	if m == nil {
		return "", gwerr.New(gwerr.KindUpstreamUnavailable, "signin page missing oauth args", nil)
	}
	var args struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(m[1], &args); err != nil {
		return "", fmt.Errorf("decode oauth args: %w", err)
	}
	if args.CSRFToken == "" {
		return "", gwerr.New(gwerr.KindUpstreamUnavailable, "signin page missing csrf token", nil)
	}
	return args.CSRFToken, nil
}

func newPKCEPair() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
