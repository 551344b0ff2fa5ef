package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
)

// State of one live session.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// CameraRef identifies one camera for session purposes.
type CameraRef struct {
	NetworkID int64                `json:"network_id"`
	CameraID  int64                `json:"camera_id"`
	Kind      upstream.ProductKind `json:"kind"`
	Serial    string               `json:"serial,omitempty"`
}

func (r CameraRef) Key() string {
	return fmt.Sprintf("%d/%d", r.NetworkID, r.CameraID)
}

// CredentialSource hands out a call-ready upstream credential and recovers
// from a mid-call rejection.
type CredentialSource interface {
	EnsureValidCredential(ctx context.Context) (upstream.Credential, error)
	HandleAuthRejected(ctx context.Context) (upstream.Credential, error)
}

// Negotiator is the slice of the upstream client sessions need.
type Negotiator interface {
	RequestLiveView(ctx context.Context, cred upstream.Credential, kind upstream.ProductKind, networkID, cameraID int64) (*upstream.LiveViewGrant, error)
	CommandActive(ctx context.Context, cred upstream.Credential, networkID, commandID int64) (bool, error)
}

const ringCapacity = 32

// Session supervises one camera's live pipeline: negotiate a grant, bring
// up the remux engine, fan frames out to viewers, and keep the upstream
// command alive. Exactly one session exists per camera at a time.
type Session struct {
	ref    CameraRef
	cfg    Settings
	creds  CredentialSource
	neg    Negotiator
	engine Engine

	ring    *StatusRing
	onEvent func(ref CameraRef, ev Event)

	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	viewers   map[*Viewer]struct{}
	readyOnce sync.Once
}

// Settings are the supervisor's timing knobs.
type Settings struct {
	ReadinessTimeout time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	RetryMax         int
	ReleaseGrace     time.Duration
}

func newSession(ref CameraRef, cfg Settings, creds CredentialSource, neg Negotiator, engine Engine, onEvent func(CameraRef, Event)) *Session {
	return &Session{
		ref:     ref,
		cfg:     cfg,
		creds:   creds,
		neg:     neg,
		engine:  engine,
		ring:    NewStatusRing(ringCapacity),
		onEvent: onEvent,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		state:   StatePending,
		viewers: make(map[*Viewer]struct{}),
	}
}

func (s *Session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.setState(StatePending, "session starting")
	go s.run(ctx)
}

// Ref returns the camera this session serves.
func (s *Session) Ref() CameraRef { return s.ref }

// Ready closes once the stream produced its first output.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done closes when the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session stopped, nil for a clean shutdown.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Events returns the retained status history, oldest first.
func (s *Session) Events() []Event { return s.ring.Events() }

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

func (s *Session) stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) setState(state State, detail string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	ev := Event{Time: time.Now(), State: state, Detail: detail}
	s.ring.Push(ev)
	if s.onEvent != nil {
		s.onEvent(s.ref, ev)
	}
	log.Printf("Relay: session %s -> %s (%s)", s.ref.Key(), state, detail)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.setState(StateStopped, err.Error())
}

// run is the supervisor loop. Transient upstream failures degrade and
// retry with backoff; anything else stops the session.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.closeViewers()

	attempt := 0
	for {
		if ctx.Err() != nil {
			s.finishStopped("session cancelled")
			return
		}

		handle, grant, err := s.bringUp(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.finishStopped("session cancelled")
				return
			}
			if !retryable(err) {
				s.fail(err)
				return
			}
			attempt++
			if attempt > s.cfg.RetryMax {
				s.fail(gwerr.New(gwerr.KindUpstreamUnavailable,
					fmt.Sprintf("gave up after %d attempts", attempt-1), err))
				return
			}
			delay := backoff(s.cfg.RetryBase, s.cfg.RetryCap, attempt)
			s.setState(StateDegraded, fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, delay, err))
			select {
			case <-ctx.Done():
				s.finishStopped("session cancelled")
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		s.readyOnce.Do(func() { close(s.ready) })
		s.setState(StateActive, "stream up")

		reason, err := s.serve(ctx, handle, grant)
		handle.Stop()
		switch {
		case err == nil:
			s.finishStopped(reason)
			return
		case retryable(err):
			attempt++
			if attempt > s.cfg.RetryMax {
				s.fail(err)
				return
			}
			delay := backoff(s.cfg.RetryBase, s.cfg.RetryCap, attempt)
			s.setState(StateDegraded, fmt.Sprintf("stream lost, retrying in %s: %v", delay, err))
			select {
			case <-ctx.Done():
				s.finishStopped("session cancelled")
				return
			case <-time.After(delay):
			}
		default:
			s.fail(err)
			return
		}
	}
}

// bringUp negotiates a grant and waits for the pipeline to produce output,
// bounded by the readiness timeout.
func (s *Session) bringUp(ctx context.Context) (Handle, *upstream.LiveViewGrant, error) {
	deadline := time.NewTimer(s.cfg.ReadinessTimeout)
	defer deadline.Stop()

	grant, err := s.negotiate(ctx)
	if err != nil {
		return nil, nil, err
	}

	handle, err := s.engine.Start(ctx, Job{StreamURL: grant.Server, Serial: s.ref.Serial})
	if err != nil {
		return nil, nil, err
	}

	select {
	case <-handle.Ready():
		return handle, grant, nil
	case <-handle.Done():
		err := handle.Err()
		if err == nil {
			err = gwerr.New(gwerr.KindProcessFailure, "stream ended before producing output", nil)
		}
		return nil, nil, err
	case <-deadline.C:
		handle.Stop()
		return nil, nil, gwerr.New(gwerr.KindNegotiationTimeout,
			fmt.Sprintf("no output within %s", s.cfg.ReadinessTimeout), nil)
	case <-ctx.Done():
		handle.Stop()
		return nil, nil, ctx.Err()
	}
}

// negotiate requests a liveview grant. A credential the upstream rejects
// mid-call gets one refresh-and-retry before the rejection surfaces.
func (s *Session) negotiate(ctx context.Context) (*upstream.LiveViewGrant, error) {
	cred, err := s.creds.EnsureValidCredential(ctx)
	if err != nil {
		return nil, err
	}

	grant, err := s.neg.RequestLiveView(ctx, cred, s.ref.Kind, s.ref.NetworkID, s.ref.CameraID)
	if err == nil || gwerr.KindOf(err) != gwerr.KindAuthExpired {
		return grant, err
	}

	cred, err = s.creds.HandleAuthRejected(ctx)
	if err != nil {
		return nil, err
	}
	return s.neg.RequestLiveView(ctx, cred, s.ref.Kind, s.ref.NetworkID, s.ref.CameraID)
}

// pollCommand checks whether the upstream liveview command is still alive,
// with the same one-refresh recovery as negotiate.
func (s *Session) pollCommand(ctx context.Context, grant *upstream.LiveViewGrant) (bool, error) {
	cred, err := s.creds.EnsureValidCredential(ctx)
	if err != nil {
		return false, err
	}

	active, err := s.neg.CommandActive(ctx, cred, s.ref.NetworkID, grant.CommandID)
	if err == nil || gwerr.KindOf(err) != gwerr.KindAuthExpired {
		return active, err
	}

	cred, err = s.creds.HandleAuthRejected(ctx)
	if err != nil {
		return false, err
	}
	return s.neg.CommandActive(ctx, cred, s.ref.NetworkID, grant.CommandID)
}

// serve fans output to viewers and polls the upstream command. Returns a
// reason string for a clean end, or an error.
func (s *Session) serve(ctx context.Context, handle Handle, grant *upstream.LiveViewGrant) (string, error) {
	pollEvery := time.Duration(grant.PollingInterval) * time.Second
	if pollEvery < time.Second {
		pollEvery = time.Second
	}
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return "session cancelled", nil

		case chunk, ok := <-handle.Output():
			if !ok {
				if err := handle.Err(); err != nil {
					return "", err
				}
				return "stream ended", nil
			}
			s.broadcast(chunk)

		case <-handle.Done():
			if err := handle.Err(); err != nil {
				return "", err
			}
			return "stream ended", nil

		case <-poll.C:
			active, err := s.pollCommand(ctx, grant)
			if err != nil {
				if gwerr.KindOf(err) == gwerr.KindAuthExpired {
					return "", err
				}
				log.Printf("Relay: session %s command poll error: %v", s.ref.Key(), err)
				continue
			}
			if !active {
				return "camera ended the session", nil
			}
		}
	}
}

func (s *Session) finishStopped(reason string) {
	s.setState(StateStopped, reason)
}

// retryable reports whether an error should degrade-and-retry rather than
// stop the session. Only upstream availability failures qualify; auth,
// process, and local IO errors are terminal.
func retryable(err error) bool {
	return gwerr.KindOf(err) == gwerr.KindUpstreamUnavailable
}

func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

// Viewer is one consumer of a session's output. Slow viewers lose frames
// rather than stalling the pipeline.
type Viewer struct {
	ch      chan []byte
	session *Session
}

// Frames yields remuxed output. The channel closes when the session ends
// or the viewer is detached.
func (v *Viewer) Frames() <-chan []byte { return v.ch }

// Session returns the session this viewer is attached to.
func (v *Viewer) Session() *Session { return v.session }

func (s *Session) addViewer() *Viewer {
	v := &Viewer{ch: make(chan []byte, 64), session: s}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		close(v.ch)
		return v
	}
	s.viewers[v] = struct{}{}
	s.mu.Unlock()
	return v
}

func (s *Session) removeViewer(v *Viewer) {
	s.mu.Lock()
	_, present := s.viewers[v]
	delete(s.viewers, v)
	s.mu.Unlock()
	if present {
		close(v.ch)
	}
}

func (s *Session) closeViewers() {
	s.mu.Lock()
	viewers := make([]*Viewer, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = make(map[*Viewer]struct{})
	s.mu.Unlock()

	for _, v := range viewers {
		close(v.ch)
	}
}

func (s *Session) broadcast(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.viewers {
		select {
		case v.ch <- chunk:
		default:
			// Viewer is behind; drop rather than block the stream.
		}
	}
}
