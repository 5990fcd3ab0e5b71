package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SQLite implements Store over a single documents table. Bodies are JSON;
// predicates and order keys compile to json_extract expressions that are
// covered by expression indexes in the schema.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an initialized *sql.DB (see database.InitDB).
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var fieldPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)*$`)

// fieldExpr compiles a dotted field path into a json_extract expression.
// Field names come from the engine, never from request input, but the
// allowlist keeps the SQL builder honest.
func fieldExpr(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid field path %q", field)
	}
	return fmt.Sprintf("json_extract(body, '$.%s')", field), nil
}

func getDoc(ctx context.Context, q queryer, collection, id string) (*Doc, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, body, row_version FROM documents WHERE collection = ? AND id = ?`,
		collection, id)

	var d Doc
	if err := row.Scan(&d.ID, &d.Body, &d.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

func queryDocs(ctx context.Context, q queryer, collection string, preds []Predicate, order []Order, limit int) ([]Doc, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, body, row_version FROM documents WHERE collection = ?`)
	args := []any{collection}

	for _, p := range preds {
		expr, err := fieldExpr(p.Field)
		if err != nil {
			return nil, err
		}
		switch p.Op {
		case "=", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("unsupported predicate op %q", p.Op)
		}
		if p.MatchMissing {
			// json_extract yields NULL for absent fields.
			fmt.Fprintf(&sb, " AND (%s %s ? OR %s IS NULL)", expr, p.Op, expr)
		} else {
			fmt.Fprintf(&sb, " AND %s %s ?", expr, p.Op)
		}
		args = append(args, p.Value)
	}

	sb.WriteString(" ORDER BY ")
	for i, o := range order {
		expr, err := fieldExpr(o.Field)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(expr)
		if o.Desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}
	if len(order) > 0 {
		sb.WriteString(", ")
	}
	// Deterministic tie-break.
	sb.WriteString("id ASC")

	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var d Doc
		if err := rows.Scan(&d.ID, &d.Body, &d.Version); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func createDoc(ctx context.Context, q queryer, collection, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)`,
		collection, id, string(body))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func updateDoc(ctx context.Context, q queryer, collection, id string, v any, expectVersion int64) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE documents
		    SET body = ?, row_version = row_version + 1, updated_at = datetime('now', 'utc')
		  WHERE collection = ? AND id = ? AND row_version = ?`,
		string(body), collection, id, expectVersion)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Either the row moved under us or it never existed; both are a
		// lost CAS from the caller's point of view.
		return ErrConflict
	}
	return nil
}

func deleteDoc(ctx context.Context, q queryer, collection, id string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a primary-key violation from
// the sqlite driver. modernc surfaces them as "constraint failed" text;
// matching the message avoids importing driver internals.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: documents")
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (*Doc, error) {
	return getDoc(ctx, s.db, collection, id)
}

func (s *SQLite) Query(ctx context.Context, collection string, preds []Predicate, order []Order, limit int) ([]Doc, error) {
	return queryDocs(ctx, s.db, collection, preds, order, limit)
}

func (s *SQLite) Set(ctx context.Context, collection, id string, v any, merge bool) error {
	if !merge {
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)
			 ON CONFLICT (collection, id) DO UPDATE
			    SET body = excluded.body,
			        row_version = documents.row_version + 1,
			        updated_at = datetime('now', 'utc')`,
			collection, id, string(body))
		if err != nil {
			return fmt.Errorf("set document: %w", err)
		}
		return nil
	}

	// Merge writes go through a transaction so the read-modify-write is
	// atomic with respect to other writers.
	return s.RunTransaction(ctx, func(tx Tx) error {
		existing, err := tx.Get(ctx, collection, id)
		if errors.Is(err, ErrNotFound) {
			return tx.Create(ctx, collection, id, v)
		}
		if err != nil {
			return err
		}

		var base map[string]any
		if err := json.Unmarshal(existing.Body, &base); err != nil {
			return fmt.Errorf("unmarshal existing document: %w", err)
		}
		patch, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal patch: %w", err)
		}
		var patchMap map[string]any
		if err := json.Unmarshal(patch, &patchMap); err != nil {
			return fmt.Errorf("unmarshal patch: %w", err)
		}
		for k, val := range patchMap {
			base[k] = val
		}
		return tx.Update(ctx, collection, id, base, existing.Version)
	})
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, s.db, collection, id)
}

// sqliteTx adapts *sql.Tx to the Tx interface.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Get(ctx context.Context, collection, id string) (*Doc, error) {
	return getDoc(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Query(ctx context.Context, collection string, preds []Predicate, order []Order, limit int) ([]Doc, error) {
	return queryDocs(ctx, t.tx, collection, preds, order, limit)
}

func (t *sqliteTx) Create(ctx context.Context, collection, id string, v any) error {
	return createDoc(ctx, t.tx, collection, id, v)
}

func (t *sqliteTx) Update(ctx context.Context, collection, id string, v any, expectVersion int64) error {
	return updateDoc(ctx, t.tx, collection, id, v, expectVersion)
}

func (t *sqliteTx) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, t.tx, collection, id)
}

func (s *SQLite) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
