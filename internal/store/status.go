package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const statusColumns = `path, parent_path, is_directory, is_tracked, presence, sufficiency,
	replica_count, content_key, needs_update, last_modified`

func nowNanos() int64 {
	return time.Now().UnixNano()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(r rowScanner) (*PathStatus, error) {
	var (
		ps       PathStatus
		parent   sql.NullString
		count    sql.NullInt64
		modified int64
	)
	if err := r.Scan(&ps.Path, &parent, &ps.IsDirectory, &ps.IsTracked, &ps.Presence,
		&ps.Sufficiency, &count, &ps.ContentKey, &ps.NeedsUpdate, &modified); err != nil {
		return nil, err
	}
	ps.ParentPath = parent.String
	if count.Valid {
		n := int(count.Int64)
		ps.ReplicaCount = &n
	}
	ps.LastModified = time.Unix(0, modified)
	return &ps, nil
}

func collectStatus(rows *sql.Rows) ([]PathStatus, error) {
	defer rows.Close()
	var out []PathStatus
	for rows.Next() {
		ps, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ps)
	}
	return out, rows.Err()
}

func collectPaths(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullParent(p string) sql.NullString {
	parent := ParentOf(p)
	return sql.NullString{String: parent, Valid: parent != ""}
}

func nullCount(c *int) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func getTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, treeID, p string) (*PathStatus, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM path_status WHERE tree_id = ? AND path = ?`, treeID, p)
	ps, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ps, err
}

// Get returns the row for p, or nil if there is none.
func (s *SQLiteStore) Get(ctx context.Context, treeID, p string) (*PathStatus, error) {
	ps, err := getTx(ctx, s.db, treeID, Clean(p))
	if err != nil {
		return nil, readErr("get path status", err)
	}
	return ps, nil
}

// Upsert writes f for p. If the stored row already equals f nothing is
// written and changed is false.
func (s *SQLiteStore) Upsert(ctx context.Context, treeID, p string, f Fields) (bool, error) {
	p = Clean(p)
	if f.IsDirectory {
		f.ContentKey = ""
	}
	changed, err := s.write(ctx, treeID, "upsert path status", func(tx *sql.Tx, now int64) ([]string, error) {
		cur, err := getTx(ctx, tx, treeID, p)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.Fields().Equal(f) {
			return nil, nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO path_status (tree_id, path, parent_path, is_directory, is_tracked, presence,
				sufficiency, replica_count, content_key, needs_update, last_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tree_id, path) DO UPDATE SET
				is_directory = excluded.is_directory,
				is_tracked = excluded.is_tracked,
				presence = excluded.presence,
				sufficiency = excluded.sufficiency,
				replica_count = excluded.replica_count,
				content_key = excluded.content_key,
				needs_update = excluded.needs_update,
				last_modified = excluded.last_modified
		`, treeID, p, nullParent(p), f.IsDirectory, f.IsTracked, string(f.Presence),
			string(f.Sufficiency), nullCount(f.ReplicaCount), f.ContentKey, f.NeedsUpdate, now)
		if err != nil {
			return nil, err
		}
		return []string{p}, nil
	})
	return len(changed) > 0, err
}

// BatchInsertPlaceholders inserts pending rows for paths that have none.
// Existing rows are left untouched. It returns the number of rows inserted.
func (s *SQLiteStore) BatchInsertPlaceholders(ctx context.Context, treeID string, paths []string, isDirectory bool) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	changed, err := s.write(ctx, treeID, "insert placeholders", func(tx *sql.Tx, now int64) ([]string, error) {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO path_status (tree_id, path, parent_path, is_directory, needs_update, last_modified)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(tree_id, path) DO NOTHING
		`)
		if err != nil {
			return nil, fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()
		return execEach(ctx, stmt, paths, func(p string) []any {
			return []any{treeID, p, nullParent(p), isDirectory, now}
		})
	})
	return len(changed), err
}

// MarkPending sets needsUpdate on existing rows and inserts placeholders
// for missing ones. A row whose kind differs from isDirectory takes the new
// kind even when it was already pending. It returns the number of rows changed.
func (s *SQLiteStore) MarkPending(ctx context.Context, treeID string, paths []string, isDirectory bool) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	changed, err := s.write(ctx, treeID, "mark pending", func(tx *sql.Tx, now int64) ([]string, error) {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO path_status (tree_id, path, parent_path, is_directory, needs_update, last_modified)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(tree_id, path) DO UPDATE SET
				needs_update = 1,
				is_directory = excluded.is_directory,
				last_modified = excluded.last_modified
			WHERE needs_update = 0 OR is_directory != excluded.is_directory
		`)
		if err != nil {
			return nil, fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()
		return execEach(ctx, stmt, paths, func(p string) []any {
			return []any{treeID, p, nullParent(p), isDirectory, now}
		})
	})
	return len(changed), err
}

// execEach runs stmt once per distinct clean path and returns those that affected a row.
func execEach(ctx context.Context, stmt *sql.Stmt, paths []string, args func(string) []any) ([]string, error) {
	seen := make(map[string]struct{}, len(paths))
	var changed []string
	for _, raw := range paths {
		p := Clean(raw)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		res, err := stmt.ExecContext(ctx, args(p)...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = append(changed, p)
		}
	}
	return changed, nil
}

// MarkDirty marks directory p as needing aggregation.
func (s *SQLiteStore) MarkDirty(ctx context.Context, treeID, p string) error {
	_, err := s.MarkPending(ctx, treeID, []string{p}, true)
	return err
}

// ChildrenOf returns the rows whose parent is parent, ordered by path.
func (s *SQLiteStore) ChildrenOf(ctx context.Context, treeID, parent string) ([]PathStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM path_status WHERE tree_id = ? AND parent_path = ? ORDER BY path`,
		treeID, Clean(parent))
	if err != nil {
		return nil, readErr("children of", err)
	}
	out, err := collectStatus(rows)
	if err != nil {
		return nil, readErr("children of", err)
	}
	return out, nil
}

// DirtyDirectories returns directories with needsUpdate set.
func (s *SQLiteStore) DirtyDirectories(ctx context.Context, treeID string) ([]string, error) {
	return s.queryPaths(ctx, "dirty directories",
		`SELECT path FROM path_status WHERE tree_id = ? AND is_directory = 1 AND needs_update = 1`, treeID)
}

// PathsForKey returns the files carrying content key.
func (s *SQLiteStore) PathsForKey(ctx context.Context, treeID, key string) ([]string, error) {
	if key == "" {
		return nil, nil
	}
	return s.queryPaths(ctx, "paths for key",
		`SELECT path FROM path_status WHERE tree_id = ? AND content_key = ? ORDER BY path`, treeID, key)
}

// UntrackedPaths returns resolved files outside the tracker's purview.
func (s *SQLiteStore) UntrackedPaths(ctx context.Context, treeID string) ([]string, error) {
	return s.queryPaths(ctx, "untracked paths",
		`SELECT path FROM path_status
		 WHERE tree_id = ? AND is_directory = 0 AND needs_update = 0 AND is_tracked = 0
		 ORDER BY path`, treeID)
}

func (s *SQLiteStore) queryPaths(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readErr(op, err)
	}
	out, err := collectPaths(rows)
	if err != nil {
		return nil, readErr(op, err)
	}
	return out, nil
}

// likeEscape escapes LIKE wildcards with a backslash.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeletePath removes p and every row beneath it. It returns the number removed.
func (s *SQLiteStore) DeletePath(ctx context.Context, treeID, p string) (int, error) {
	p = Clean(p)
	var n int64
	_, err := s.write(ctx, treeID, "delete path", func(tx *sql.Tx, _ int64) ([]string, error) {
		var (
			res sql.Result
			err error
		)
		if p == Root {
			res, err = tx.ExecContext(ctx, `DELETE FROM path_status WHERE tree_id = ?`, treeID)
		} else {
			res, err = tx.ExecContext(ctx,
				`DELETE FROM path_status WHERE tree_id = ? AND (path = ? OR path LIKE ? ESCAPE '\')`,
				treeID, p, likeEscape(p)+"/%")
		}
		if err != nil {
			return nil, err
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil, nil
		}
		return []string{p}, nil
	})
	return int(n), err
}

// ChangedSince returns rows written strictly after t.
func (s *SQLiteStore) ChangedSince(ctx context.Context, treeID string, t time.Time) ([]PathStatus, error) {
	var since int64
	if !t.IsZero() {
		since = t.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM path_status WHERE tree_id = ? AND last_modified > ? ORDER BY last_modified`,
		treeID, since)
	if err != nil {
		return nil, readErr("changed since", err)
	}
	out, err := collectStatus(rows)
	if err != nil {
		return nil, readErr("changed since", err)
	}
	return out, nil
}

// LastModified returns the tree's write watermark (zero if unknown).
func (s *SQLiteStore) LastModified(ctx context.Context, treeID string) (time.Time, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT last_modified FROM trees WHERE id = ?`, treeID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, readErr("last modified", err)
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}

// Stats counts a tree's rows.
func (s *SQLiteStore) Stats(ctx context.Context, treeID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(needs_update), 0),
			COALESCE(SUM(CASE WHEN is_tracked = 1 AND is_directory = 0 THEN 1 ELSE 0 END), 0)
		FROM path_status WHERE tree_id = ?`, treeID).Scan(&st.Rows, &st.Dirty, &st.Tracked)
	if err != nil {
		return Stats{}, readErr("stats", err)
	}
	return st, nil
}
