package relay

import (
	"context"
	"log"
	"sync"
	"time"
)

// EventSink receives session lifecycle notifications. Optional.
type EventSink interface {
	Publish(subject string, payload any)
}

// Stats counts session activity. Optional.
type Stats interface {
	SessionStarted()
	SessionEnded()
	ViewerJoined()
	ViewerLeft()
	SessionDegraded()
}

// Registry enforces the one-session-per-camera rule. Viewers acquire and
// release sessions; the last release arms a short grace timer before the
// pipeline is torn down, so channel flips don't pay the negotiation cost
// twice.
type Registry struct {
	cfg    Settings
	creds  CredentialSource
	neg    Negotiator
	engine Engine
	sink   EventSink
	stats  Stats
	spool  *Spool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	session *Session
	refs    int
	grace   *time.Timer
}

func NewRegistry(cfg Settings, creds CredentialSource, neg Negotiator, engine Engine) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		creds:   creds,
		neg:     neg,
		engine:  engine,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// WithSink attaches a lifecycle event sink.
func (r *Registry) WithSink(sink EventSink) *Registry {
	r.sink = sink
	return r
}

// WithStats attaches a stats counter.
func (r *Registry) WithStats(stats Stats) *Registry {
	r.stats = stats
	return r
}

// WithSpool persists session events to disk.
func (r *Registry) WithSpool(spool *Spool) *Registry {
	r.spool = spool
	return r
}

// Acquire attaches a viewer to the camera's session, starting one if
// needed. The viewer must be released exactly once.
func (r *Registry) Acquire(ref CameraRef) *Viewer {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ref.Key()
	e := r.entries[key]
	if e != nil {
		select {
		case <-e.session.Done():
			// Previous session already ended; replace it.
			e = nil
		default:
		}
	}

	if e == nil {
		s := newSession(ref, r.cfg, r.creds, r.neg, r.engine, r.onEvent)
		s.start(r.ctx)
		e = &entry{session: s}
		r.entries[key] = e
		if r.stats != nil {
			r.stats.SessionStarted()
		}
		go r.reapWhenDone(key, s)
	}

	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
	e.refs++
	if r.stats != nil {
		r.stats.ViewerJoined()
	}
	return e.session.addViewer()
}

// Release detaches a viewer. When the last viewer leaves, the session gets
// a grace period before teardown; a re-acquire within it cancels the stop.
func (r *Registry) Release(v *Viewer) {
	if v == nil {
		return
	}
	s := v.Session()
	s.removeViewer(v)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.Ref().Key()
	e := r.entries[key]
	if e == nil || e.session != s {
		return
	}
	if r.stats != nil {
		r.stats.ViewerLeft()
	}
	e.refs--
	if e.refs > 0 {
		return
	}

	grace := r.cfg.ReleaseGrace
	if grace <= 0 {
		r.stopLocked(key, e)
		return
	}
	e.grace = time.AfterFunc(grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur := r.entries[key]
		if cur == e && cur.refs == 0 {
			r.stopLocked(key, cur)
		}
	})
}

func (r *Registry) stopLocked(key string, e *entry) {
	log.Printf("Relay: stopping session %s (no viewers)", key)
	e.session.stop()
	delete(r.entries, key)
}

// Session returns the live session for a camera, if any.
func (r *Registry) Session(ref CameraRef) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref.Key()]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// SessionInfo is a point-in-time view of one session for status surfaces.
type SessionInfo struct {
	Ref     CameraRef `json:"camera"`
	State   State     `json:"state"`
	Viewers int       `json:"viewers"`
	Events  []Event   `json:"events"`
}

// Snapshot lists all current sessions.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			Ref:     s.Ref(),
			State:   s.State(),
			Viewers: s.ViewerCount(),
			Events:  s.Events(),
		})
	}
	return out
}

// Stop force-terminates one camera's session regardless of attached
// viewers. Their frame channels close; HTTP streams see EOF.
func (r *Registry) Stop(ref CameraRef) bool {
	r.mu.Lock()
	key := ref.Key()
	e, ok := r.entries[key]
	if ok {
		if e.grace != nil {
			e.grace.Stop()
		}
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.session.stop()
	<-e.session.Done()
	return true
}

// StopAll tears down every session immediately. Wired to logout: a dropped
// credential must not leave streams running.
func (r *Registry) StopAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.grace != nil {
			e.grace.Stop()
		}
		e.session.stop()
	}
	for _, e := range entries {
		<-e.session.Done()
	}
	if len(entries) > 0 {
		log.Printf("Relay: stopped %d session(s)", len(entries))
	}
}

// Close shuts the registry down for good.
func (r *Registry) Close() {
	r.StopAll()
	r.cancel()
}

func (r *Registry) reapWhenDone(key string, s *Session) {
	<-s.Done()
	if r.stats != nil {
		r.stats.SessionEnded()
	}
	r.mu.Lock()
	if e, ok := r.entries[key]; ok && e.session == s {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

func (r *Registry) onEvent(ref CameraRef, ev Event) {
	if r.stats != nil && ev.State == StateDegraded {
		r.stats.SessionDegraded()
	}
	if r.spool != nil {
		if err := r.spool.Append(ref, ev); err != nil {
			log.Printf("Relay: spool write failed: %v", err)
		}
	}
	if r.sink != nil {
		r.sink.Publish("session."+string(ev.State), struct {
			Camera CameraRef `json:"camera"`
			Event  Event     `json:"event"`
		}{ref, ev})
	}
}
