// Package auth owns the gateway's single upstream identity: the login state
// machine, the persisted credential, and token refresh. Everything else
// reads credentials through the manager and never holds tokens of its own.
package auth

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
	"github.com/technosupport/ts-cloudcam/internal/vault"
)

// State is the auth machine's current position.
type State string

const (
	StateUnauthenticated      State = "unauthenticated"
	StateAwaitingSecondFactor State = "awaiting_second_factor"
	StateAuthenticated        State = "authenticated"
)

var (
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	ErrNoPendingLogin   = errors.New("auth: no login awaiting a second factor")
	ErrLoginInProgress  = errors.New("auth: a login attempt is already pending")
)

// Flow is one in-progress interactive login.
type Flow interface {
	SubmitCredentials(ctx context.Context, email, password string) (*upstream.AuthTokens, error)
	VerifySecondFactor(ctx context.Context, pin string) (*upstream.AuthTokens, error)
}

// Authenticator is the subset of the upstream client the manager needs.
type Authenticator interface {
	StartLogin(ctx context.Context, deviceID string) (Flow, error)
	Refresh(ctx context.Context, cred upstream.Credential) (*upstream.AuthTokens, error)
}

// upstreamAuthenticator adapts *upstream.Client to the Authenticator interface.
type upstreamAuthenticator struct {
	c *upstream.Client
}

func NewUpstreamAuthenticator(c *upstream.Client) Authenticator {
	return upstreamAuthenticator{c: c}
}

func (a upstreamAuthenticator) StartLogin(ctx context.Context, deviceID string) (Flow, error) {
	return a.c.StartLogin(ctx, deviceID)
}

func (a upstreamAuthenticator) Refresh(ctx context.Context, cred upstream.Credential) (*upstream.AuthTokens, error) {
	return a.c.Refresh(ctx, cred)
}

// Manager is the auth state machine. Safe for concurrent use.
type Manager struct {
	authn Authenticator
	store vault.Store
	now   func() time.Time

	mu    sync.RWMutex
	state State
	cred  upstream.Credential
	flow  Flow

	// refreshMu serializes token refreshes so a burst of expired calls
	// produces one upstream refresh, not N.
	refreshMu sync.Mutex

	onLogout []func()
}

func NewManager(authn Authenticator, store vault.Store) *Manager {
	return &Manager{
		authn: authn,
		store: store,
		now:   time.Now,
		state: StateUnauthenticated,
	}
}

// OnLogout registers a callback fired after every logout, forced or
// requested. Register before serving traffic; not safe to call concurrently
// with logouts.
func (m *Manager) OnLogout(fn func()) {
	m.onLogout = append(m.onLogout, fn)
}

// Restore loads a persisted credential from the vault. Missing vault is a
// clean first boot, not an error.
func (m *Manager) Restore() error {
	cred, err := m.store.Load()
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if !cred.Valid() {
		log.Printf("Auth: vault held an incomplete credential, ignoring")
		return nil
	}

	m.mu.Lock()
	m.cred = cred
	m.state = StateAuthenticated
	m.mu.Unlock()
	log.Printf("Auth: restored session for account %d", cred.AccountID)
	return nil
}

// ReloadFromVault re-reads the vault after an external edit. A vanished or
// unreadable vault while authenticated forces a logout.
func (m *Manager) ReloadFromVault() {
	cred, err := m.store.Load()
	if err != nil {
		m.mu.RLock()
		wasAuthed := m.state == StateAuthenticated
		m.mu.RUnlock()
		if wasAuthed {
			log.Printf("Auth: vault no longer readable (%v), logging out", err)
			m.forceLogout("vault file removed or unreadable")
		}
		return
	}
	if !cred.Valid() {
		return
	}
	m.mu.Lock()
	m.cred = cred
	m.state = StateAuthenticated
	m.mu.Unlock()
	log.Printf("Auth: credential reloaded from vault")
}

// Status reports the state and, when authenticated, the account id.
func (m *Manager) Status() (State, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateAuthenticated {
		return m.state, m.cred.AccountID
	}
	return m.state, 0
}

// Login starts a fresh interactive login. On a second-factor challenge the
// flow is parked and the caller gets KindSecondFactorRequired; complete it
// with VerifySecondFactor.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.mu.Lock()
	if m.state == StateAwaitingSecondFactor {
		m.mu.Unlock()
		return ErrLoginInProgress
	}
	deviceID := m.cred.DeviceID
	m.mu.Unlock()

	flow, err := m.authn.StartLogin(ctx, deviceID)
	if err != nil {
		return err
	}

	tokens, err := flow.SubmitCredentials(ctx, email, password)
	if err != nil {
		if gwerr.KindOf(err) == gwerr.KindSecondFactorRequired {
			m.mu.Lock()
			m.flow = flow
			m.state = StateAwaitingSecondFactor
			m.mu.Unlock()
		}
		return err
	}
	return m.completeLogin(tokens)
}

// VerifySecondFactor finishes a login parked at the second-factor step. The
// flow survives a wrong pin so the user can retry.
func (m *Manager) VerifySecondFactor(ctx context.Context, pin string) error {
	m.mu.RLock()
	flow := m.flow
	pending := m.state == StateAwaitingSecondFactor
	m.mu.RUnlock()

	if !pending || flow == nil {
		return ErrNoPendingLogin
	}

	tokens, err := flow.VerifySecondFactor(ctx, pin)
	if err != nil {
		return err
	}
	return m.completeLogin(tokens)
}

// CancelLogin abandons a parked second-factor flow.
func (m *Manager) CancelLogin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAwaitingSecondFactor {
		m.flow = nil
		m.state = StateUnauthenticated
	}
}

func (m *Manager) completeLogin(tokens *upstream.AuthTokens) error {
	cred := tokens.Credential()

	m.mu.Lock()
	m.cred = cred
	m.flow = nil
	m.state = StateAuthenticated
	m.mu.Unlock()

	if err := m.store.Save(cred); err != nil {
		log.Printf("Auth: session active but vault save failed: %v", err)
		return err
	}
	log.Printf("Auth: logged in as account %d (tier host %s)", cred.AccountID, cred.RestBaseURL)
	return nil
}

// Logout drops the credential, clears the vault, and notifies dependents.
func (m *Manager) Logout() error {
	m.mu.Lock()
	wasAuthed := m.state != StateUnauthenticated
	m.cred = upstream.Credential{DeviceID: m.cred.DeviceID}
	m.flow = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()

	if !wasAuthed {
		return nil
	}
	if err := m.store.Clear(); err != nil {
		log.Printf("Auth: vault clear failed: %v", err)
	}
	for _, fn := range m.onLogout {
		fn()
	}
	log.Printf("Auth: logged out")
	return nil
}

func (m *Manager) forceLogout(reason string) {
	log.Printf("Auth: forced logout: %s", reason)
	m.Logout()
}

// Credential returns a read-only copy without refreshing. Prefer
// EnsureValidCredential for upstream calls.
func (m *Manager) Credential() (upstream.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated {
		return upstream.Credential{}, ErrNotAuthenticated
	}
	return m.cred, nil
}

// EnsureValidCredential returns a credential fit for an upstream call,
// refreshing first if the token is inside the expiry window. A refresh the
// upstream rejects outright forces a logout.
func (m *Manager) EnsureValidCredential(ctx context.Context) (upstream.Credential, error) {
	cred, err := m.Credential()
	if err != nil {
		return upstream.Credential{}, err
	}
	if !cred.ExpiresSoon(m.now()) {
		return cred, nil
	}
	return m.refresh(ctx, cred)
}

// HandleAuthRejected is the recovery path for a 401 seen mid-call: refresh
// once and hand back the new credential, or force a logout if the refresh
// token is dead too.
func (m *Manager) HandleAuthRejected(ctx context.Context) (upstream.Credential, error) {
	cred, err := m.Credential()
	if err != nil {
		return upstream.Credential{}, err
	}
	return m.refresh(ctx, cred)
}

// WithCredential runs call with a valid credential. When the upstream
// rejects the credential mid-call, the call gets exactly one
// refresh-and-retry before the rejection surfaces; a dead refresh token
// forces a logout on the way out.
func (m *Manager) WithCredential(ctx context.Context, call func(cred upstream.Credential) error) error {
	cred, err := m.EnsureValidCredential(ctx)
	if err != nil {
		return err
	}

	err = call(cred)
	if err == nil || gwerr.KindOf(err) != gwerr.KindAuthExpired {
		return err
	}

	fresh, rerr := m.HandleAuthRejected(ctx)
	if rerr != nil {
		return rerr
	}
	return call(fresh)
}

func (m *Manager) refresh(ctx context.Context, stale upstream.Credential) (upstream.Credential, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we queued.
	cred, err := m.Credential()
	if err != nil {
		return upstream.Credential{}, err
	}
	if cred.AccessToken != stale.AccessToken {
		return cred, nil
	}

	tokens, err := m.authn.Refresh(ctx, cred)
	if err != nil {
		if gwerr.KindOf(err) == gwerr.KindAuthExpired {
			m.forceLogout("refresh token rejected by upstream")
			return upstream.Credential{}, gwerr.New(gwerr.KindAuthExpired, "session expired, login required", err)
		}
		return upstream.Credential{}, err
	}

	fresh := tokens.Credential()
	m.mu.Lock()
	m.cred = fresh
	m.mu.Unlock()

	if err := m.store.Save(fresh); err != nil {
		log.Printf("Auth: vault save after refresh failed: %v", err)
	}
	log.Printf("Auth: access token refreshed for account %d", fresh.AccountID)
	return fresh, nil
}
