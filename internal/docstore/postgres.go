package docstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore keeps documents as JSONB rows. Unique index keys live in
// document_unique_keys and are rewritten in the same transaction as the
// document, so the primary key on that table enforces uniqueness.
type PostgresStore struct {
	db *sql.DB

	mu      sync.RWMutex
	indexes map[string]map[string]Index
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, indexes: map[string]map[string]Index{}}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *PostgresStore) Create(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	normalized, err := normalize(data)
	if err != nil {
		return Document{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := json.Marshal(normalized)
	if err != nil {
		return Document{}, fmt.Errorf("marshal document: %w", err)
	}

	doc := Document{ID: id, Collection: collection, Data: normalized}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO documents (collection, id, data)
			VALUES ($1, $2, $3::jsonb)
			RETURNING created_at, updated_at
		`, collection, id, string(payload)).Scan(&doc.CreatedAt, &doc.UpdatedAt)
		if err != nil {
			return err
		}
		return s.writeKeys(ctx, tx, collection, id, normalized)
	})
	if err != nil {
		return Document{}, fmt.Errorf("create %s: %w", collection, err)
	}
	return doc, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, data, created_at, updated_at FROM documents
		WHERE collection=$1 AND id=$2
	`, collection, id)
	doc, err := scanDocument(row, collection)
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	patch, err := normalize(data)
	if err != nil {
		return Document{}, err
	}

	var doc Document
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanDocument(tx.QueryRowContext(ctx, `
			SELECT id, data, created_at, updated_at FROM documents
			WHERE collection=$1 AND id=$2
			FOR UPDATE
		`, collection, id), collection)
		if err != nil {
			return err
		}

		merged := merge(current.Data, patch)
		payload, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		doc = current
		doc.Data = merged
		if err := tx.QueryRowContext(ctx, `
			UPDATE documents SET data=$3::jsonb, updated_at=NOW()
			WHERE collection=$1 AND id=$2
			RETURNING updated_at
		`, collection, id, string(payload)).Scan(&doc.UpdatedAt); err != nil {
			return err
		}
		return s.writeKeys(ctx, tx, collection, id, merged)
	})
	if err != nil {
		return Document{}, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, classify(err))
	}
	if affected == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, collection string, q Query) ([]Document, int, error) {
	where, args := buildWhere(collection, q.Filters)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", collection, classify(err))
	}

	query := `SELECT id, data, created_at, updated_at FROM documents WHERE ` + where
	orderExpr, orderArgs := orderClause(q.OrderBy, len(args))
	args = append(args, orderArgs...)
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", orderExpr, direction, direction)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", collection, classify(err))
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows, collection)
		if err != nil {
			return nil, 0, fmt.Errorf("list %s: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", collection, classify(err))
	}
	return docs, total, nil
}

// EnsureIndex records idx and backfills its keys for existing documents.
func (s *PostgresStore) EnsureIndex(ctx context.Context, collection string, idx Index) error {
	if err := validateIndex(idx); err != nil {
		return err
	}
	definition, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal index %s: %w", idx.Name, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_indexes (collection, name, definition)
			VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (collection, name) DO UPDATE SET definition = EXCLUDED.definition
		`, collection, idx.Name, string(definition)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_unique_keys WHERE collection=$1 AND index_name=$2`, collection, idx.Name); err != nil {
			return err
		}
		if !idx.Unique {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, data, created_at, updated_at FROM documents WHERE collection=$1`, collection)
		if err != nil {
			return err
		}
		var docs []Document
		for rows.Next() {
			doc, err := scanDocument(rows, collection)
			if err != nil {
				_ = rows.Close()
				return err
			}
			docs = append(docs, doc)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, doc := range docs {
			if err := insertKey(ctx, tx, collection, idx, doc.ID, doc.Data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure index %s on %s: %w", idx.Name, collection, err)
	}

	s.mu.Lock()
	if s.indexes[collection] == nil {
		s.indexes[collection] = map[string]Index{}
	}
	s.indexes[collection][idx.Name] = idx
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) writeKeys(ctx context.Context, tx *sql.Tx, collection, id string, data map[string]any) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_unique_keys WHERE collection=$1 AND document_id=$2`, collection, id); err != nil {
		return err
	}
	s.mu.RLock()
	indexes := make([]Index, 0, len(s.indexes[collection]))
	for _, idx := range s.indexes[collection] {
		indexes = append(indexes, idx)
	}
	s.mu.RUnlock()

	for _, idx := range indexes {
		if !idx.Unique {
			continue
		}
		if err := insertKey(ctx, tx, collection, idx, id, data); err != nil {
			return err
		}
	}
	return nil
}

func insertKey(ctx context.Context, tx *sql.Tx, collection string, idx Index, id string, data map[string]any) error {
	key, ok := indexKey(idx, data)
	if !ok {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO document_unique_keys (collection, index_name, key, document_id)
		VALUES ($1, $2, $3, $4)
	`, collection, idx.Name, key, id)
	return err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	return classify(tx.Commit())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, collection string) (Document, error) {
	var (
		doc     Document
		payload []byte
	)
	if err := row.Scan(&doc.ID, &payload, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, classify(err)
	}
	doc.Collection = collection
	doc.Data = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc.Data); err != nil {
			return Document{}, fmt.Errorf("unmarshal document: %w", err)
		}
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func buildWhere(collection string, filters []Filter) (string, []any) {
	clauses := []string{"collection = $1"}
	args := []any{collection}
	for _, filter := range filters {
		switch filter.Field {
		case "id":
			if filter.Op == OpSearch {
				args = append(args, containsPattern(strings.TrimSpace(fmt.Sprint(filter.Value))))
				clauses = append(clauses, fmt.Sprintf(`id ILIKE $%d ESCAPE '\'`, len(args)))
			} else {
				args = append(args, fmt.Sprint(filter.Value))
				clauses = append(clauses, fmt.Sprintf("id = $%d", len(args)))
			}
			continue
		}
		if filter.Op == OpSearch {
			args = append(args, filter.Field, containsPattern(strings.TrimSpace(fmt.Sprint(filter.Value))))
			clauses = append(clauses, fmt.Sprintf(`data->>($%d::text) ILIKE $%d ESCAPE '\'`, len(args)-1, len(args)))
			continue
		}
		contained, _ := json.Marshal(map[string]any{filter.Field: filter.Value})
		args = append(args, string(contained))
		clauses = append(clauses, fmt.Sprintf("data @> $%d::jsonb", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern matches term literally anywhere in the value, the same
// as MemoryStore's substring search.
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

func orderClause(orderBy string, argc int) (string, []any) {
	switch orderBy {
	case "", "createdAt":
		return "created_at", nil
	case "updatedAt":
		return "updated_at", nil
	case "id":
		return "id", nil
	default:
		return fmt.Sprintf("data->($%d::text)", argc+1), []any{orderBy}
	}
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57014":
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
