package attendance

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so ledger writes can join
// a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, org_id, student_id, session_id, status, occurred_at, marked_at, arrived_at, marked_by, source, ticket_id`

// Insert writes a new attendance record.
func Insert(ctx context.Context, q Querier, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now().UTC()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = rec.MarkedAt
	}
	if rec.Source == "" {
		rec.Source = SourceManual
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10,$11)
	`, rec.ID, rec.OrgID, rec.StudentID, rec.SessionID, string(rec.Status), rec.OccurredAt, rec.MarkedAt, rec.ArrivedAt, rec.MarkedBy, rec.Source, rec.TicketID)
	if err != nil {
		return Record{}, errors.Wrap(err, "insert attendance record")
	}
	return rec, nil
}

// LatestByStudent returns the most recent record per student within the
// organization. Records are ordered by the session time they refer to, then
// by when they were marked.
func LatestByStudent(ctx context.Context, q Querier, orgID string, studentIDs []string) (map[string]Record, error) {
	out := make(map[string]Record, len(studentIDs))
	if len(studentIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT ON (student_id) `+recordColumns+`
		FROM attendance_records
		WHERE org_id = $1 AND student_id = ANY($2)
		ORDER BY student_id, occurred_at DESC, marked_at DESC
	`, orgID, studentIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query latest attendance")
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.StudentID] = rec
	}
	return out, errors.Wrap(rows.Err(), "iterate latest attendance")
}

// List returns records for a student, newest first.
func List(ctx context.Context, q Querier, orgID, studentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE org_id = $1 AND student_id = $2
		ORDER BY occurred_at DESC, marked_at DESC
		LIMIT $3
	`, orgID, studentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list attendance")
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, errors.Wrap(rows.Err(), "iterate attendance")
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec      Record
		status   string
		markedBy sql.NullString
		ticketID sql.NullString
		arrived  sql.NullTime
	)
	if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.StudentID, &rec.SessionID, &status, &rec.OccurredAt, &rec.MarkedAt, &arrived, &markedBy, &rec.Source, &ticketID); err != nil {
		return Record{}, errors.Wrap(err, "scan attendance record")
	}
	rec.Status = Status(status)
	rec.MarkedBy = markedBy.String
	if arrived.Valid {
		t := arrived.Time
		rec.ArrivedAt = &t
	}
	if ticketID.Valid {
		id := ticketID.String
		rec.TicketID = &id
	}
	return rec, nil
}
