// Package sqlstore implements store.ConversationStore over database/sql.
// The postgres and sqlite packages open the connection and pick the dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source"
	migratefile "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
	"github.com/nextlevelbuilder/groupclaw/migrations"
)

// Dialect names a SQL flavour and its migrations directory.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Store is a ConversationStore backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites "?" placeholders to "$n" for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) Append(ctx context.Context, groupID string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.insertMessages(ctx, tx, groupID, msgs)
	})
}

func (s *Store) insertMessages(ctx context.Context, tx *sql.Tx, groupID string, msgs []providers.Message) error {
	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO group_messages (group_id, payload, created_at) VALUES (?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, m := range store.ForStorage(msgs) {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, groupID, string(payload), now); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

func (s *Store) History(ctx context.Context, groupID string) ([]providers.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT payload FROM group_messages WHERE group_id = ? ORDER BY id`), groupID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []providers.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m providers.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, groupID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM group_messages WHERE group_id = ?`), groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) Memory(ctx context.Context, groupID string) (store.GroupMemory, error) {
	var summary string
	var compressedAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT summary, last_compressed_at FROM group_memory WHERE group_id = ?`), groupID).
		Scan(&summary, &compressedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.GroupMemory{}, nil
	}
	if err != nil {
		return store.GroupMemory{}, fmt.Errorf("query memory: %w", err)
	}
	return store.GroupMemory{Summary: summary, LastCompressedAt: fromMillis(compressedAt)}, nil
}

func (s *Store) Replace(ctx context.Context, groupID string, history []providers.Message, mem store.GroupMemory) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM group_messages WHERE group_id = ?`), groupID); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		if err := s.insertMessages(ctx, tx, groupID, history); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO group_memory (group_id, summary, last_compressed_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (group_id) DO UPDATE SET
			   summary = excluded.summary,
			   last_compressed_at = excluded.last_compressed_at,
			   updated_at = excluded.updated_at`),
			groupID, mem.Summary, toMillis(mem.LastCompressedAt), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert memory: %w", err)
		}
		return nil
	})
}

func (s *Store) Reset(ctx context.Context, groupID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var affected int64
		for _, q := range []string{
			`DELETE FROM group_messages WHERE group_id = ?`,
			`DELETE FROM group_memory WHERE group_id = ?`,
		} {
			res, err := tx.ExecContext(ctx, s.rebind(q), groupID)
			if err != nil {
				return fmt.Errorf("reset group: %w", err)
			}
			n, _ := res.RowsAffected()
			affected += n
		}
		if affected == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) Groups(ctx context.Context) ([]store.GroupInfo, error) {
	byID := make(map[string]*store.GroupInfo)
	get := func(id string) *store.GroupInfo {
		g, ok := byID[id]
		if !ok {
			g = &store.GroupInfo{GroupID: id}
			byID[id] = g
		}
		return g
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, COUNT(*), MAX(created_at) FROM group_messages GROUP BY group_id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	for rows.Next() {
		var id string
		var n int
		var last int64
		if err := rows.Scan(&id, &n, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g := get(id)
		g.Messages = n
		g.Updated = fromMillis(last)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT group_id, summary, updated_at FROM group_memory`)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, summary string
		var updated int64
		if err := rows.Scan(&id, &summary, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		g := get(id)
		g.HasMemory = summary != ""
		if t := fromMillis(updated); t.After(g.Updated) {
			g.Updated = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]store.GroupInfo, 0, len(byID))
	for _, g := range byID {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NewMigrator builds a migrator over drv. An empty dir uses the embedded
// migrations; otherwise files are read from dir.
func NewMigrator(dialect Dialect, drv database.Driver, dir string) (*migrate.Migrate, error) {
	var (
		src     source.Driver
		srcName string
		err     error
	)
	if dir != "" {
		src, err = (&migratefile.File{}).Open("file://" + dir)
		srcName = "file"
	} else {
		src, err = iofs.New(migrations.FS, string(dialect))
		srcName = "iofs"
	}
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance(srcName, src, string(dialect), drv)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Up applies pending migrations; an up-to-date schema is not an error.
func Up(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
