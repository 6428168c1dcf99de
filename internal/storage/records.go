package storage

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/domain"
)

// SessionRecord is the sessions row (GORM).
type SessionRecord struct {
	ID        string    `gorm:"size:64;primaryKey"`
	Topic     string    `gorm:"size:64;not null;index:idx_sessions_open,priority:1"`
	Status    string    `gorm:"size:16;not null;default:forming;index:idx_sessions_open,priority:2"`
	Capacity  int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_sessions_open,priority:3"`
	UpdatedAt time.Time
}

func (SessionRecord) TableName() string { return "sessions" }

// MemberRecord is one (session, participant) ledger row (GORM).
type MemberRecord struct {
	SessionID      string    `gorm:"size:64;primaryKey"`
	ParticipantKey string    `gorm:"size:64;primaryKey"`
	DisplayName    string    `gorm:"size:64;not null"`
	JoinedAt       time.Time `gorm:"not null;index"`
	LastSeenAt     time.Time `gorm:"not null;index"`
}

func (MemberRecord) TableName() string { return "session_members" }

func sessionFromDomain(s *domain.Session) *SessionRecord {
	return &SessionRecord{
		ID:        string(s.ID),
		Topic:     string(s.Topic),
		Status:    string(s.Status),
		Capacity:  s.Capacity,
		CreatedAt: s.CreatedAt.UTC(),
	}
}

// toDomain maps a row the store cannot interpret to closed, so it is never
// joined or re-evaluated.
func (r *SessionRecord) toDomain() *domain.Session {
	status := domain.Status(r.Status)
	if !status.Valid() {
		log.Warn().Str("module", "storage").Str("session_id", r.ID).Str("status", r.Status).Msg("unknown session status, treating as closed")
		status = domain.StatusClosed
	}
	return &domain.Session{
		ID:        domain.SessionID(r.ID),
		Topic:     domain.Topic(r.Topic),
		Status:    status,
		Capacity:  r.Capacity,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func memberFromDomain(m *domain.Member) *MemberRecord {
	return &MemberRecord{
		SessionID:      string(m.SessionID),
		ParticipantKey: string(m.ParticipantKey),
		DisplayName:    m.DisplayName,
		JoinedAt:       m.JoinedAt.UTC(),
		LastSeenAt:     lastSeen(m).UTC(),
	}
}

func (r *MemberRecord) toDomain() domain.Member {
	return domain.Member{
		SessionID:      domain.SessionID(r.SessionID),
		ParticipantKey: domain.ParticipantKey(r.ParticipantKey),
		DisplayName:    r.DisplayName,
		JoinedAt:       r.JoinedAt.UTC(),
		LastSeenAt:     r.LastSeenAt.UTC(),
	}
}

func lastSeen(m *domain.Member) time.Time {
	if m.LastSeenAt.IsZero() {
		return m.JoinedAt
	}
	return m.LastSeenAt
}
