package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"relay/internal/domain"
	"relay/internal/store"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	DB DB
}

var _ store.Store = (*Store)(nil)

func New(db DB) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

const groupColumns = `group_id, name, is_active, rules, metadata, last_message_at, created_at, updated_at`

func (s *Store) FindGroupByID(ctx context.Context, id string) (domain.Group, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE group_id=$1`, id)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Group{}, store.ErrNotFound
	}
	return g, err
}

func (s *Store) SaveGroup(ctx context.Context, g domain.Group) error {
	rules, meta, err := encodeGroup(g)
	if err != nil {
		return err
	}
	now := g.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO groups (group_id, name, is_active, rules, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (group_id)
		DO UPDATE SET name=EXCLUDED.name, is_active=EXCLUDED.is_active, rules=EXCLUDED.rules,
		              metadata=EXCLUDED.metadata, updated_at=EXCLUDED.updated_at
	`, g.ID, g.Name, g.Active, rules, meta, now)
	return err
}

func (s *Store) EnsureGroup(ctx context.Context, g domain.Group) (domain.Group, bool, error) {
	rules, meta, err := encodeGroup(g)
	if err != nil {
		return domain.Group{}, false, err
	}
	now := g.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO groups (group_id, name, is_active, rules, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (group_id) DO NOTHING
	`, g.ID, g.Name, g.Active, rules, meta, now)
	if err != nil {
		return domain.Group{}, false, err
	}
	stored, err := s.FindGroupByID(ctx, g.ID)
	if err != nil {
		return domain.Group{}, false, err
	}
	return stored, ct.RowsAffected() == 1, nil
}

func (s *Store) FindGroupsByRuleActionType(ctx context.Context, kind domain.ActionKind) ([]domain.Group, error) {
	filter, _ := json.Marshal([]map[string]any{{"actions": []map[string]string{{"type": string(kind)}}}})
	return s.queryGroups(ctx, `SELECT `+groupColumns+` FROM groups WHERE rules @> $1::jsonb ORDER BY group_id`, filter)
}

func (s *Store) ListGroups(ctx context.Context) ([]domain.Group, error) {
	return s.queryGroups(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY group_id`)
}

func (s *Store) TouchLastMessage(ctx context.Context, in store.GroupTouch) error {
	_, err := s.DB.Exec(ctx, `UPDATE groups SET last_message_at=$2 WHERE group_id=$1`, in.ID, in.At)
	return err
}

func (s *Store) queryGroups(ctx context.Context, sql string, args ...any) ([]domain.Group, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) CreateMessage(ctx context.Context, in store.MessageInsert) (bool, error) {
	r := in.Record
	meta, err := json.Marshal(nonNil(r.Metadata))
	if err != nil {
		return false, err
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO messages (message_id, group_id, sender, content, type, status, quoted_message_id, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		ON CONFLICT (message_id) DO NOTHING
	`, r.ID, r.GroupID, r.Sender, r.Content, string(r.Type), string(r.Status), nullIfEmpty(r.QuotedMessageID), meta, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.MessageRecord, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT message_id, group_id, sender, content, type, status, COALESCE(quoted_message_id,''),
		       metadata, processed_at, created_at, updated_at
		FROM messages WHERE message_id=$1
	`, id)

	var (
		m         domain.MessageRecord
		typ, st   string
		meta      []byte
		processed pgtype.Timestamptz
	)
	err := row.Scan(&m.ID, &m.GroupID, &m.Sender, &m.Content, &typ, &st, &m.QuotedMessageID,
		&meta, &processed, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MessageRecord{}, store.ErrNotFound
		}
		return domain.MessageRecord{}, err
	}
	m.Type = domain.Classification(typ)
	m.Status = domain.Status(st)
	if processed.Valid {
		t := processed.Time
		m.ProcessedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return domain.MessageRecord{}, fmt.Errorf("message %s metadata: %w", id, err)
		}
	}
	return m, nil
}

func (s *Store) UpdateStatus(ctx context.Context, in store.StatusUpdate) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET status=$2, processed_at=COALESCE($3, processed_at), updated_at=$4 WHERE message_id=$1
	`, in.ID, string(in.Status), in.ProcessedAt, in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MergeMetadata(ctx context.Context, in store.MetadataUpdate) error {
	b, err := json.Marshal(nonNil(in.Values))
	if err != nil {
		return err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET metadata = metadata || $2::jsonb, updated_at=$3 WHERE message_id=$1
	`, in.ID, b, in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanGroup(row pgx.Row) (domain.Group, error) {
	var (
		g           domain.Group
		rules, meta []byte
		last        pgtype.Timestamptz
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Active, &rules, &meta, &last, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return domain.Group{}, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &g.Rules); err != nil {
			return domain.Group{}, fmt.Errorf("group %s rules: %w", g.ID, err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &g.Metadata); err != nil {
			return domain.Group{}, fmt.Errorf("group %s metadata: %w", g.ID, err)
		}
	}
	if last.Valid {
		t := last.Time
		g.LastMessageAt = &t
	}
	return g, nil
}

func encodeGroup(g domain.Group) (rules, meta []byte, err error) {
	rs := g.Rules
	if rs == nil {
		rs = []domain.Rule{}
	}
	if rules, err = json.Marshal(rs); err != nil {
		return nil, nil, fmt.Errorf("encode rules: %w", err)
	}
	if meta, err = json.Marshal(nonNil(g.Metadata)); err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return rules, meta, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
