package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"relay/internal/domain"
	"relay/internal/store"
)

// Store is a single-node store backed by an embedded SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		group_id        TEXT PRIMARY KEY,
		name            TEXT NOT NULL DEFAULT '',
		is_active       INTEGER NOT NULL DEFAULT 1,
		rules           TEXT NOT NULL DEFAULT '[]',
		metadata        TEXT NOT NULL DEFAULT '{}',
		last_message_at INTEGER,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id        TEXT PRIMARY KEY,
		group_id          TEXT NOT NULL REFERENCES groups(group_id),
		sender            TEXT NOT NULL DEFAULT '',
		content           TEXT NOT NULL DEFAULT '',
		type              TEXT NOT NULL,
		status            TEXT NOT NULL,
		quoted_message_id TEXT NOT NULL DEFAULT '',
		metadata          TEXT NOT NULL DEFAULT '{}',
		processed_at      INTEGER,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

const groupColumns = `group_id, name, is_active, rules, metadata, last_message_at, created_at, updated_at`

func (s *Store) FindGroupByID(ctx context.Context, id string) (domain.Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE group_id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, name, is_active, rules, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET name=excluded.name, is_active=excluded.is_active,
			rules=excluded.rules, metadata=excluded.metadata, updated_at=excluded.updated_at
	`, g.ID, g.Name, g.Active, rules, meta, now.UnixMilli(), now.UnixMilli())
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, name, is_active, rules, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO NOTHING
	`, g.ID, g.Name, g.Active, rules, meta, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return domain.Group{}, false, err
	}
	n, _ := res.RowsAffected()
	stored, err := s.FindGroupByID(ctx, g.ID)
	if err != nil {
		return domain.Group{}, false, err
	}
	return stored, n == 1, nil
}

func (s *Store) FindGroupsByRuleActionType(ctx context.Context, kind domain.ActionKind) ([]domain.Group, error) {
	all, err := s.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Group
	for _, g := range all {
		if g.HasActionKind(kind) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY group_id`)
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

func (s *Store) TouchLastMessage(ctx context.Context, in store.GroupTouch) error {
	_, err := s.db.ExecContext(ctx, `UPDATE groups SET last_message_at = ? WHERE group_id = ?`, in.At.UnixMilli(), in.ID)
	return err
}

func (s *Store) CreateMessage(ctx context.Context, in store.MessageInsert) (bool, error) {
	r := in.Record
	meta, err := json.Marshal(nonNil(r.Metadata))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, group_id, sender, content, type, status, quoted_message_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, r.ID, r.GroupID, r.Sender, r.Content, string(r.Type), string(r.Status), r.QuotedMessageID, string(meta),
		in.Now.UnixMilli(), in.Now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, group_id, sender, content, type, status, quoted_message_id, metadata,
		       processed_at, created_at, updated_at
		FROM messages WHERE message_id = ?
	`, id)

	var (
		m                  domain.MessageRecord
		typ, st, meta      string
		processed          sql.NullInt64
		created, updatedAt int64
	)
	err := row.Scan(&m.ID, &m.GroupID, &m.Sender, &m.Content, &typ, &st, &m.QuotedMessageID, &meta,
		&processed, &created, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MessageRecord{}, store.ErrNotFound
		}
		return domain.MessageRecord{}, err
	}
	m.Type = domain.Classification(typ)
	m.Status = domain.Status(st)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updatedAt)
	if processed.Valid {
		t := fromMillis(processed.Int64)
		m.ProcessedAt = &t
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return domain.MessageRecord{}, fmt.Errorf("message %s metadata: %w", id, err)
	}
	return m, nil
}

func (s *Store) UpdateStatus(ctx context.Context, in store.StatusUpdate) error {
	var processed any
	if in.ProcessedAt != nil {
		processed = in.ProcessedAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, processed_at = COALESCE(?, processed_at), updated_at = ? WHERE message_id = ?
	`, string(in.Status), processed, in.Now.UnixMilli(), in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MergeMetadata(ctx context.Context, in store.MetadataUpdate) error {
	b, err := json.Marshal(nonNil(in.Values))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET metadata = json_patch(metadata, ?), updated_at = ? WHERE message_id = ?
	`, string(b), in.Now.UnixMilli(), in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (domain.Group, error) {
	var (
		g                  domain.Group
		rules, meta        string
		last               sql.NullInt64
		created, updatedAt int64
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Active, &rules, &meta, &last, &created, &updatedAt); err != nil {
		return domain.Group{}, err
	}
	if err := json.Unmarshal([]byte(rules), &g.Rules); err != nil {
		return domain.Group{}, fmt.Errorf("group %s rules: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &g.Metadata); err != nil {
		return domain.Group{}, fmt.Errorf("group %s metadata: %w", g.ID, err)
	}
	g.CreatedAt = fromMillis(created)
	g.UpdatedAt = fromMillis(updatedAt)
	if last.Valid {
		t := fromMillis(last.Int64)
		g.LastMessageAt = &t
	}
	return g, nil
}

func encodeGroup(g domain.Group) (rules, meta string, err error) {
	rs := g.Rules
	if rs == nil {
		rs = []domain.Rule{}
	}
	rb, err := json.Marshal(rs)
	if err != nil {
		return "", "", fmt.Errorf("encode rules: %w", err)
	}
	mb, err := json.Marshal(nonNil(g.Metadata))
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(rb), string(mb), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
