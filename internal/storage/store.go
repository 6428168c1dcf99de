package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

// Store implements core.Repository on GORM. Every write that touches a
// session's membership locks the session row first, so the capacity check
// and the insert are one atomic step.
type Store struct {
	db *gorm.DB
}

var _ core.Repository = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// wrap maps driver errors onto the core failure classes.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrConflict):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return core.Transient(op, err)
	}
}

func lockSession(tx *gorm.DB, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func countMembers(tx *gorm.DB, id string) (int, error) {
	var n int64
	if err := tx.Model(&MemberRecord{}).Where("session_id = ?", id).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// upsertMember inserts the row or refreshes joined_at, last_seen_at and
// display_name.
func upsertMember(tx *gorm.DB, rec *MemberRecord) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "participant_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "joined_at", "last_seen_at"}),
	}).Create(rec).Error
}

func (s *Store) Session(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var rec SessionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&rec).Error; err != nil {
		return nil, wrap("get session", err)
	}
	return rec.toDomain(), nil
}

func (s *Store) OpenSessions(ctx context.Context, topic domain.Topic, limit int) ([]core.OpenSession, error) {
	db := s.db.WithContext(ctx)
	count := db.Model(&MemberRecord{}).Select("COUNT(*)").Where("session_members.session_id = sessions.id")

	var recs []SessionRecord
	q := db.Where("topic = ? AND status = ?", string(topic), string(domain.StatusForming)).
		Where("(?) < capacity", count).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, wrap("open sessions", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	var counts []struct {
		SessionID string
		N         int
	}
	if err := db.Model(&MemberRecord{}).
		Select("session_id, COUNT(*) AS n").
		Where("session_id IN ?", ids).
		Group("session_id").
		Scan(&counts).Error; err != nil {
		return nil, wrap("open sessions", err)
	}
	byID := make(map[string]int, len(counts))
	for _, c := range counts {
		byID[c.SessionID] = c.N
	}

	out := make([]core.OpenSession, 0, len(recs))
	for i := range recs {
		out = append(out, core.OpenSession{Session: *recs[i].toDomain(), MemberCount: byID[recs[i].ID]})
	}
	return out, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id domain.SessionID, from, to domain.Status) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("id = ? AND status = ?", string(id), string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, wrap("set status", res.Error)
	}
	ok := res.RowsAffected == 1
	if ok {
		log.Info().Str("module", "storage").Str("session_id", string(id)).
			Str("from", string(from)).Str("to", string(to)).Msg("status transition")
	}
	return ok, nil
}

func (s *Store) CreateWithMember(ctx context.Context, sess *domain.Session, m *domain.Member) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sessionFromDomain(sess)).Error; err != nil {
			return err
		}
		return tx.Create(memberFromDomain(m)).Error
	})
	return wrap("create session", err)
}

func (s *Store) JoinForming(ctx context.Context, m *domain.Member) (int, error) {
	return s.joinGuarded(ctx, m, domain.StatusForming)
}

func (s *Store) JoinOpen(ctx context.Context, m *domain.Member) (int, error) {
	return s.joinGuarded(ctx, m, domain.StatusForming, domain.StatusActive)
}

func (s *Store) joinGuarded(ctx context.Context, m *domain.Member, allowed ...domain.Status) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := lockSession(tx, string(m.SessionID))
		if err != nil {
			return err
		}
		if !statusIn(domain.Status(rec.Status), allowed) {
			return fmt.Errorf("session is %s: %w", rec.Status, core.ErrConflict)
		}

		var existing int64
		if err := tx.Model(&MemberRecord{}).
			Where("session_id = ? AND participant_key = ?", rec.ID, string(m.ParticipantKey)).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			n, err := countMembers(tx, rec.ID)
			if err != nil {
				return err
			}
			if n >= rec.Capacity {
				return fmt.Errorf("session full: %w", core.ErrConflict)
			}
		}
		if err := upsertMember(tx, memberFromDomain(m)); err != nil {
			return err
		}
		count, err = countMembers(tx, rec.ID)
		return err
	})
	if err != nil {
		return 0, wrap("join session", err)
	}
	return count, nil
}

func statusIn(s domain.Status, allowed []domain.Status) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func (s *Store) FindForming(ctx context.Context, topic domain.Topic, key domain.ParticipantKey) (*domain.Session, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Select("sessions.*").
		Joins("JOIN session_members ON session_members.session_id = sessions.id").
		Where("sessions.topic = ? AND sessions.status = ? AND session_members.participant_key = ?",
			string(topic), string(domain.StatusForming), string(key)).
		Order("sessions.created_at ASC, sessions.id ASC").
		Take(&rec).Error
	if err != nil {
		return nil, wrap("find membership", err)
	}
	return rec.toDomain(), nil
}

func (s *Store) Leave(ctx context.Context, id domain.SessionID, key domain.ParticipantKey) (int, bool, error) {
	var remaining int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := lockSession(tx, string(id))
		if err != nil {
			return err
		}
		if err := tx.Where("session_id = ? AND participant_key = ?", rec.ID, string(key)).
			Delete(&MemberRecord{}).Error; err != nil {
			return err
		}
		remaining, err = countMembers(tx, rec.ID)
		if err != nil {
			return err
		}
		if remaining == 0 && rec.Status != string(domain.StatusClosed) {
			return tx.Model(&SessionRecord{}).
				Where("id = ?", rec.ID).
				Update("status", string(domain.StatusClosed)).Error
		}
		return nil
	})
	if err != nil {
		return 0, false, wrap("leave session", err)
	}
	return remaining, remaining == 0, nil
}

// Touch marks the membership as alive without moving it in the join order.
func (s *Store) Touch(ctx context.Context, id domain.SessionID, key domain.ParticipantKey, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&MemberRecord{}).
		Where("session_id = ? AND participant_key = ?", string(id), string(key)).
		Update("last_seen_at", at.UTC())
	if res.Error != nil {
		return wrap("touch member", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("touch member: %w", core.ErrNotFound)
	}
	return nil
}

func (s *Store) Members(ctx context.Context, id domain.SessionID) ([]domain.Member, error) {
	var recs []MemberRecord
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", string(id)).
		Order("joined_at ASC, participant_key ASC").
		Find(&recs).Error; err != nil {
		return nil, wrap("list members", err)
	}
	out := make([]domain.Member, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}

func (s *Store) CountMembers(ctx context.Context, id domain.SessionID) (int, error) {
	n, err := countMembers(s.db.WithContext(ctx), string(id))
	return n, wrap("count members", err)
}

func (s *Store) PruneStale(ctx context.Context, before time.Time) (int, int, error) {
	var pruned, closed int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&MemberRecord{}).
			Where("last_seen_at < ?", before.UTC()).
			Distinct().
			Pluck("session_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("last_seen_at < ?", before.UTC()).Delete(&MemberRecord{})
		if res.Error != nil {
			return res.Error
		}
		pruned = int(res.RowsAffected)

		for _, id := range ids {
			n, err := countMembers(tx, id)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			res := tx.Model(&SessionRecord{}).
				Where("id = ? AND status <> ?", id, string(domain.StatusClosed)).
				Update("status", string(domain.StatusClosed))
			if res.Error != nil {
				return res.Error
			}
			closed += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, 0, wrap("prune members", err)
	}
	return pruned, closed, nil
}
