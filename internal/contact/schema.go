package contact

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL,
	email TEXT NOT NULL,
	current_carrier TEXT,
	plan_type TEXT,
	effective_date TEXT,
	birth_date TEXT,
	tobacco_user INTEGER NOT NULL DEFAULT 0,
	gender TEXT,
	state TEXT,
	zip_code TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_email ON contacts (lower(trim(email)));
`

// Querier is the subset of *sql.DB and *sql.Tx the helpers need.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EnsureSchema creates the contacts table and indexes if they do not exist.
// Called on first-ever tenant access, when there is no generation to restore.
func EnsureSchema(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create contacts schema: %w", err)
	}
	return nil
}

// Insert adds a record and returns its assigned ID.
func Insert(ctx context.Context, q Querier, rec Record) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO contacts (
			first_name, last_name, email, current_carrier, plan_type,
			effective_date, birth_date, tobacco_user, gender, state, zip_code
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FirstName, rec.LastName, rec.Email, rec.CurrentCarrier, rec.PlanType,
		rec.EffectiveDate, rec.BirthDate, boolToInt(rec.TobaccoUser), rec.Gender,
		rec.State, rec.ZipCode,
	)
	if err != nil {
		return 0, fmt.Errorf("insert contact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read contact id: %w", err)
	}
	return id, nil
}

// Update rewrites a record in place by ID.
func Update(ctx context.Context, q Querier, rec Record) error {
	_, err := q.ExecContext(ctx, `
		UPDATE contacts SET
			first_name = ?, last_name = ?, email = ?, current_carrier = ?,
			plan_type = ?, effective_date = ?, birth_date = ?, tobacco_user = ?,
			gender = ?, state = ?, zip_code = ?, updated_at = datetime('now')
		WHERE id = ?`,
		rec.FirstName, rec.LastName, rec.Email, rec.CurrentCarrier, rec.PlanType,
		rec.EffectiveDate, rec.BirthDate, boolToInt(rec.TobaccoUser), rec.Gender,
		rec.State, rec.ZipCode, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update contact %d: %w", rec.ID, err)
	}
	return nil
}

// DeleteByID removes a record.
func DeleteByID(ctx context.Context, q Querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete contact %d: %w", id, err)
	}
	return nil
}

// Count returns the number of contacts.
func Count(ctx context.Context, q Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT count(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// KeyIndex loads every contact's normalized key mapped to its row ID. The
// bulk pipeline uses this for O(1) duplicate detection.
func KeyIndex(ctx context.Context, q Querier) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, email FROM contacts`)
	if err != nil {
		return nil, fmt.Errorf("scan contact keys: %w", err)
	}
	defer rows.Close()

	idx := make(map[string]int64)
	for rows.Next() {
		var id int64
		var email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("scan contact key row: %w", err)
		}
		idx[NormalizeKey(email)] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact keys: %w", err)
	}
	return idx, nil
}

// List returns contacts ordered by creation time, newest first.
func List(ctx context.Context, q Querier, limit int) ([]Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, first_name, last_name, email, current_carrier, plan_type,
			effective_date, birth_date, tobacco_user, gender, state, zip_code
		FROM contacts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

// GetByID fetches one contact. Returns sql.ErrNoRows when absent.
func GetByID(ctx context.Context, q Querier, id int64) (Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, first_name, last_name, email, current_carrier, plan_type,
			effective_date, birth_date, tobacco_user, gender, state, zip_code
		FROM contacts WHERE id = ?`, id)
	if err != nil {
		return Record{}, fmt.Errorf("get contact %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, fmt.Errorf("get contact %d: %w", id, err)
		}
		return Record{}, sql.ErrNoRows
	}
	return scanRecord(rows)
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var carrier, planType, effective, birth, gender, state, zip sql.NullString
	var tobacco int
	err := rows.Scan(&rec.ID, &rec.FirstName, &rec.LastName, &rec.Email,
		&carrier, &planType, &effective, &birth, &tobacco, &gender, &state, &zip)
	if err != nil {
		return Record{}, fmt.Errorf("scan contact row: %w", err)
	}
	rec.CurrentCarrier = carrier.String
	rec.PlanType = planType.String
	rec.EffectiveDate = effective.String
	rec.BirthDate = birth.String
	rec.TobaccoUser = tobacco != 0
	rec.Gender = gender.String
	rec.State = state.String
	rec.ZipCode = zip.String
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
