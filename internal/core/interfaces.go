package core

import (
	"context"
	"time"

	"github.com/dkeye/Classmate/internal/domain"
)

// OpenSession is a forming session that still has room.
type OpenSession struct {
	domain.Session
	MemberCount int `json:"memberCount"`
}

// SessionStore is the durable session relation. Status writes are
// compare-and-swap only.
type SessionStore interface {
	Session(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	// OpenSessions lists forming sessions of topic with member_count < capacity,
	// oldest first (created_at, then id).
	OpenSessions(ctx context.Context, topic domain.Topic, limit int) ([]OpenSession, error)
	// CompareAndSetStatus applies from->to only when the stored status is still from.
	CompareAndSetStatus(ctx context.Context, id domain.SessionID, from, to domain.Status) (bool, error)
}

// MembershipLedger is the durable (session, participant) relation. Every
// write that can add a row is guarded by the session's capacity in the same
// transaction.
type MembershipLedger interface {
	// CreateWithMember inserts a forming session and its first member atomically.
	CreateWithMember(ctx context.Context, s *domain.Session, m *domain.Member) error
	// JoinForming upserts m into a forming session with room. It returns
	// ErrConflict when the session is no longer forming or is full.
	JoinForming(ctx context.Context, m *domain.Member) (int, error)
	// JoinOpen is JoinForming that also accepts active sessions.
	JoinOpen(ctx context.Context, m *domain.Member) (int, error)
	// FindForming returns the forming session of topic that key already belongs to.
	FindForming(ctx context.Context, topic domain.Topic, key domain.ParticipantKey) (*domain.Session, error)
	// Leave deletes the membership; when none remain the session is closed in
	// the same transaction.
	Leave(ctx context.Context, id domain.SessionID, key domain.ParticipantKey) (remaining int, closed bool, err error)
	Members(ctx context.Context, id domain.SessionID) ([]domain.Member, error)
	CountMembers(ctx context.Context, id domain.SessionID) (int, error)
	// Touch refreshes last_seen_at only; the join order is left alone.
	// A missing membership is ErrNotFound.
	Touch(ctx context.Context, id domain.SessionID, key domain.ParticipantKey, at time.Time) error
	// PruneStale removes memberships not seen since the cutoff and closes the
	// sessions they leave empty.
	PruneStale(ctx context.Context, before time.Time) (pruned int, closed int, err error)
}

type Repository interface {
	SessionStore
	MembershipLedger
	Close() error
}
