package preset

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/automerge/automerge-go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/cuemix/pkg/console"
)

const (
	docKeyName  = "name"
	docKeyState = "state"
)

// SQLiteStore keeps each preset as a base64 encoded automerge document in one row. Every save commits a new revision
// to the existing document so the history of a preset can be inspected later.
type SQLiteStore struct {
	database *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS presets (
		name text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create presets table: %w", err)
	}
	slog.Debug("ensured presets table exists")
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.database.Close()
}

func queryDoc(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, name string) (*automerge.Doc, error) {
	var rawContent string
	if err := q.QueryRowContext(ctx, `SELECT content FROM presets WHERE name = ?`, name).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	doc, err := automerge.Load(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) Save(ctx context.Context, name string, state console.State) error {
	if err := checkName(name); err != nil {
		return err
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	doc, err := queryDoc(ctx, tx, name)
	if errors.Is(err, ErrNotFound) {
		doc = automerge.New()
	} else if err != nil {
		return err
	}

	if err := doc.Path(docKeyName).Set(name); err != nil {
		return fmt.Errorf("failed to set name: %w", err)
	}
	if err := doc.Path(docKeyState).Set(string(encoded)); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	if _, err := doc.Commit(fmt.Sprintf("save %d x %d", len(state), state.ChannelCount()), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("failed to commit doc: %w", err)
	}

	content := base64.StdEncoding.EncodeToString(doc.Save())
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO presets(name, content) VALUES (?, ?)`, name, content); err != nil {
		return fmt.Errorf("failed to persist preset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	slog.Debug("saved preset", "name", name, "heads", doc.Heads())
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (console.State, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	doc, err := queryDoc(ctx, s.database, name)
	if err != nil {
		return nil, err
	}
	return StateAt(doc)
}

// StateAt reads the console state held by a preset document, at whatever heads the document is checked out at.
func StateAt(doc *automerge.Doc) (console.State, error) {
	value, err := doc.Path(docKeyState).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	raw, ok := value.Interface().(string)
	if !ok {
		return nil, fmt.Errorf("preset doc has no state")
	}
	var st console.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return st, nil
}

// History returns the full revision document of a preset.
func (s *SQLiteStore) History(ctx context.Context, name string) (*automerge.Doc, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return queryDoc(ctx, s.database, name)
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if res, err := s.database.ExecContext(ctx, `DELETE FROM presets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete preset: %w", err)
	} else if r, _ := res.RowsAffected(); r > 0 {
		slog.Debug("deleted preset", "name", name)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	res, err := s.database.QueryContext(ctx, `SELECT name FROM presets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(res)
	names := make([]string, 0)
	for res.Next() {
		var name string
		if err := res.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		names = append(names, name)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate: %w", err)
	}
	return names, nil
}
