package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const treeColumns = `id, root_path, added_at, last_modified, content_commit, meta_commit`

func scanTree(r rowScanner) (*Tree, error) {
	var (
		t                 Tree
		added, modified   int64
		content, metaHead sql.NullString
	)
	if err := r.Scan(&t.ID, &t.RootPath, &added, &modified, &content, &metaHead); err != nil {
		return nil, err
	}
	t.AddedAt = time.Unix(0, added)
	if modified != 0 {
		t.LastModified = time.Unix(0, modified)
	}
	if content.Valid {
		t.Cursor = &Cursor{ContentCommit: content.String, MetaCommit: metaHead.String}
	}
	return &t, nil
}

// SaveTree inserts t or updates its root path. The cursor and watermark of an
// existing tree are kept.
func (s *SQLiteStore) SaveTree(ctx context.Context, t *Tree) error {
	if t.ID == "" {
		t.ID = TreeID(t.RootPath)
	}
	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now()
	}
	_, err := s.write(ctx, "", "save tree", func(tx *sql.Tx, _ int64) ([]string, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trees (id, root_path, added_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET root_path = excluded.root_path
		`, t.ID, t.RootPath, t.AddedAt.UnixNano())
		return nil, err
	})
	return err
}

// GetTree returns the tree with id, or nil if unknown.
func (s *SQLiteStore) GetTree(ctx context.Context, id string) (*Tree, error) {
	t, err := scanTree(s.db.QueryRowContext(ctx, `SELECT `+treeColumns+` FROM trees WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr("get tree", err)
	}
	return t, nil
}

// GetTreeByRoot returns the tree rooted at root, or nil if unknown.
func (s *SQLiteStore) GetTreeByRoot(ctx context.Context, root string) (*Tree, error) {
	t, err := scanTree(s.db.QueryRowContext(ctx, `SELECT `+treeColumns+` FROM trees WHERE root_path = ?`, root))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr("get tree by root", err)
	}
	return t, nil
}

// ListTrees returns every tree ordered by root path.
func (s *SQLiteStore) ListTrees(ctx context.Context) ([]*Tree, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+treeColumns+` FROM trees ORDER BY root_path`)
	if err != nil {
		return nil, readErr("list trees", err)
	}
	defer rows.Close()

	var out []*Tree
	for rows.Next() {
		t, err := scanTree(rows)
		if err != nil {
			return nil, readErr("list trees", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("list trees", err)
	}
	return out, nil
}

// DeleteTree removes the tree and all of its rows.
func (s *SQLiteStore) DeleteTree(ctx context.Context, id string) error {
	_, err := s.write(ctx, "", "delete tree", func(tx *sql.Tx, _ int64) ([]string, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM path_status WHERE tree_id = ?`, id); err != nil {
			return nil, err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM trees WHERE id = ?`, id)
		return nil, err
	})
	return err
}

// SetCursor records the history folded into the tree's rows.
func (s *SQLiteStore) SetCursor(ctx context.Context, id string, c Cursor) error {
	_, err := s.write(ctx, "", "set cursor", func(tx *sql.Tx, _ int64) ([]string, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE trees SET content_commit = ?, meta_commit = ? WHERE id = ?`,
			c.ContentCommit, c.MetaCommit, id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, errors.New("unknown tree " + id)
		}
		return nil, nil
	})
	return err
}
