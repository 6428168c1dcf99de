package app

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

// ConnID identifies one live signaling connection.
type ConnID string

type connEntry struct {
	Session core.SignalSession
	Cancel  context.CancelFunc
}

type memberKey struct {
	session     domain.SessionID
	participant domain.ParticipantKey
}

// Registry tracks live signaling connections of this process. A participant
// holds at most one connection per session; binding a second one cancels
// the first.
type Registry struct {
	mu       sync.RWMutex
	conns    map[ConnID]*connEntry
	byMember map[memberKey]ConnID
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[ConnID]*connEntry),
		byMember: make(map[memberKey]ConnID),
	}
}

// Bind registers sess under id and returns the cancel func of the connection
// it replaced, if any. The caller runs it outside the registry lock.
func (r *Registry) Bind(id ConnID, sess core.SignalSession, cancel context.CancelFunc) context.CancelFunc {
	key := memberKey{session: sess.Session(), participant: sess.Participant()}

	r.mu.Lock()
	defer r.mu.Unlock()
	var replaced context.CancelFunc
	if prev, ok := r.byMember[key]; ok && prev != id {
		if e, ok := r.conns[prev]; ok {
			replaced = e.Cancel
			delete(r.conns, prev)
		}
	}
	r.conns[id] = &connEntry{Session: sess, Cancel: cancel}
	r.byMember[key] = id
	log.Info().Str("module", "app.registry").
		Str("conn", string(id)).
		Str("session_id", string(key.session)).
		Str("participant", string(key.participant)).
		Bool("replaced", replaced != nil).
		Msg("bound signal")
	return replaced
}

func (r *Registry) Get(id ConnID) (core.SignalSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind removes id. It is a no-op when id was already replaced.
func (r *Registry) Unbind(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	key := memberKey{session: e.Session.Session(), participant: e.Session.Participant()}
	if r.byMember[key] == id {
		delete(r.byMember, key)
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind signal")
}

// Participants lists the participants connected to a session through this
// process, sorted.
func (r *Registry) Participants(sid domain.SessionID) []domain.ParticipantKey {
	r.mu.RLock()
	out := make([]domain.ParticipantKey, 0)
	for key := range r.byMember {
		if key.session == sid {
			out = append(out, key.participant)
		}
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Kick cancels the connection of a participant, if it is connected here,
// and closes its transport so blocked pumps return at once.
func (r *Registry) Kick(sid domain.SessionID, key domain.ParticipantKey) bool {
	r.mu.RLock()
	id, ok := r.byMember[memberKey{session: sid, participant: key}]
	var e *connEntry
	if ok {
		e = r.conns[id]
	}
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	if conn := e.Session.Signal(); conn != nil {
		conn.Close()
	}
	log.Info().Str("module", "app.registry").
		Str("session_id", string(sid)).
		Str("participant", string(key)).
		Msg("kicked signal")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
