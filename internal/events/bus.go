// Package events fans session state changes out to connected websocket
// subscribers. Broadcast is best-effort: a subscriber whose send fails is
// pruned from the session and the remaining subscribers get a fresh
// presence update.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// Payload is one frame sent to session subscribers. Every frame carries
// "type" and "timestamp"; the rest is event-specific.
type Payload map[string]any

// Sender delivers payloads to a single subscriber. Implementations apply
// their own write deadlines; a returned error drops the subscriber.
type Sender interface {
	Send(Payload) error
}

// Viewer describes one connected subscriber, as published in
// presence_update frames.
type Viewer struct {
	User     string `json:"user"`
	JoinedAt string `json:"joined_at"`
}

// Subscription ties a Sender to a session until Unsubscribe.
type Subscription struct {
	sessionID string
	user      string
	joinedAt  string
	sender    Sender
}

// Bus tracks per-session subscriber lists.
type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionSubs
}

// Subscriber lists are guarded per session so a slow broadcast on one
// session never blocks joins on another.
type sessionSubs struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "events")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:   slog.Default().With("component", "events"),
		now:      time.Now,
		sessions: make(map[string]*sessionSubs),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewPayload stamps type and timestamp onto the given fields.
func (b *Bus) NewPayload(eventType string, fields map[string]any) Payload {
	p := Payload{
		"type":      eventType,
		"timestamp": models.Timestamp(b.now()),
	}
	for k, v := range fields {
		p[k] = v
	}
	return p
}

// Subscribe attaches a sender to a session and publishes the updated
// presence set.
func (b *Bus) Subscribe(sessionID, user string, sender Sender) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		user:      user,
		joinedAt:  models.Timestamp(b.now()),
		sender:    sender,
	}

	b.mu.Lock()
	ss := b.sessions[sessionID]
	if ss == nil {
		ss = &sessionSubs{}
		b.sessions[sessionID] = ss
	}
	b.mu.Unlock()

	ss.mu.Lock()
	ss.subs = append(ss.subs, sub)
	ss.mu.Unlock()

	b.logger.Debug("subscriber joined", "session_id", sessionID, "user", user)
	b.publishPresence(sessionID)
	return sub
}

// Unsubscribe detaches a subscription and publishes the updated presence
// set to the remaining subscribers.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	ss := b.sessions[sub.sessionID]
	b.mu.Unlock()
	if ss == nil {
		return
	}

	ss.mu.Lock()
	removed := false
	for i, s := range ss.subs {
		if s == sub {
			ss.subs = append(ss.subs[:i], ss.subs[i+1:]...)
			removed = true
			break
		}
	}
	ss.mu.Unlock()

	if removed {
		b.logger.Debug("subscriber left", "session_id", sub.sessionID, "user", sub.user)
		b.publishPresence(sub.sessionID)
	}
}

// DropSession discards the subscriber list for a deleted session.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// Publish builds a payload from eventType and fields and broadcasts it.
func (b *Bus) Publish(sessionID, eventType string, fields map[string]any) {
	b.Broadcast(sessionID, b.NewPayload(eventType, fields))
}

// Broadcast sends a payload to every subscriber of the session, pruning
// subscribers whose send fails.
func (b *Bus) Broadcast(sessionID string, p Payload) {
	b.mu.Lock()
	ss := b.sessions[sessionID]
	b.mu.Unlock()
	if ss == nil {
		return
	}

	ss.mu.Lock()
	subs := make([]*Subscription, len(ss.subs))
	copy(subs, ss.subs)
	ss.mu.Unlock()

	var dead []*Subscription
	for _, s := range subs {
		if err := s.sender.Send(p); err != nil {
			b.logger.Debug("dropping dead subscriber",
				"session_id", sessionID,
				"user", s.user,
				"error", err,
			)
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}

	ss.mu.Lock()
	for _, d := range dead {
		for i, s := range ss.subs {
			if s == d {
				ss.subs = append(ss.subs[:i], ss.subs[i+1:]...)
				break
			}
		}
	}
	ss.mu.Unlock()

	// Each pass permanently removes at least one subscriber, so the
	// recursion through the presence publish is bounded.
	b.publishPresence(sessionID)
}

// Viewers returns the current subscriber set for a session.
func (b *Bus) Viewers(sessionID string) []Viewer {
	b.mu.Lock()
	ss := b.sessions[sessionID]
	b.mu.Unlock()
	if ss == nil {
		return []Viewer{}
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	viewers := make([]Viewer, 0, len(ss.subs))
	for _, s := range ss.subs {
		viewers = append(viewers, Viewer{User: s.user, JoinedAt: s.joinedAt})
	}
	return viewers
}

func (b *Bus) publishPresence(sessionID string) {
	viewers := b.Viewers(sessionID)
	b.Broadcast(sessionID, b.NewPayload(models.EventPresenceUpdate, map[string]any{
		"users": viewers,
		"count": len(viewers),
	}))
}
