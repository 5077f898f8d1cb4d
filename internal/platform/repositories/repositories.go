package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fieldsync/internal/platform/database"

	"github.com/google/uuid"
)

// UpsertResult describes what a value-diff upsert did to the local row.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Changed reports whether the upsert mutated a row.
func (r UpsertResult) Changed() bool {
	return r != Unchanged
}

type scanner interface {
	Scan(dest ...any) error
}

// entityTable describes a table mirroring an external entity. columns lists the
// mapped columns in the same order as the model's Mapped() values.
type entityTable struct {
	name    string
	prefix  string
	columns []string
}

func (t entityTable) selectColumns() string {
	return "id, external_uuid, " + strings.Join(t.columns, ", ") + ", created_at, updated_at"
}

// upsert inserts the row when current is nil and otherwise updates it only if a
// mapped value differs. Concurrent writers to the same external UUID race
// benignly: a lost insert falls through to an update and the last write wins.
func (t entityTable) upsert(ctx context.Context, db *database.DB, externalUUID string, current, next []any, now int64) (UpsertResult, error) {
	if current == nil {
		cols := append([]string{"id", "external_uuid"}, t.columns...)
		cols = append(cols, "created_at", "updated_at")

		args := make([]any, 0, len(cols))
		args = append(args, t.prefix+uuid.New().String(), externalUUID)
		args = append(args, next...)
		args = append(args, now, now)

		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (external_uuid) DO NOTHING`,
			t.name, strings.Join(cols, ", "), database.Placeholders(len(cols)))
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return Unchanged, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return Inserted, nil
		}
	} else if sameValues(current, next) {
		return Unchanged, nil
	}

	sets := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		sets = append(sets, c+" = ?")
	}
	sets = append(sets, "updated_at = ?")

	args := make([]any, 0, len(next)+2)
	args = append(args, next...)
	args = append(args, now, externalUUID)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE external_uuid = ?`, t.name, strings.Join(sets, ", "))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return Unchanged, err
	}
	return Updated, nil
}

func (t entityTable) deactivate(ctx context.Context, db *database.DB, externalUUID string, now int64) (bool, error) {
	res, err := db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET active = ?, updated_at = ? WHERE external_uuid = ? AND active = ?`, t.name),
		false, now, externalUUID, true)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func sameValues(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func queryList[T any](ctx context.Context, db *database.DB, scan func(scanner) (*T, error), query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func queryOne[T any](ctx context.Context, db *database.DB, scan func(scanner) (*T, error), query string, args ...any) (*T, error) {
	item, err := scan(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}
