package latepass

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"latepass/internal/attendance"
)

// oneIssuedIndex is the partial unique index allowing at most one ISSUED
// ticket per (org, student, session).
const oneIssuedIndex = "late_pass_tickets_one_issued"

// PGRepository persists late pass data in Postgres.
type PGRepository struct {
	db *sql.DB
	q  attendance.Querier
}

// NewPGRepository creates a repository over db.
func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db, q: db}
}

func (r *PGRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if _, ok := r.q.(*sql.Tx); ok {
		return fn(ctx, r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(ctx, &PGRepository{db: r.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

const configColumns = `org_id, generation_window_minutes, acceptance_window_minutes, validity_days,
	allow_multiple_active, auto_expire, include_logo, include_barcode, created_at, updated_at, updated_by`

func (r *PGRepository) GetConfig(ctx context.Context, orgID string) (Config, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+configColumns+` FROM late_pass_configs WHERE org_id = $1`, orgID)
	var cfg Config
	err := row.Scan(&cfg.OrgID, &cfg.GenerationWindowMinutes, &cfg.AcceptanceWindowMinutes, &cfg.ValidityDays,
		&cfg.AllowMultipleActive, &cfg.AutoExpire, &cfg.IncludeLogo, &cfg.IncludeBarcode,
		&cfg.CreatedAt, &cfg.UpdatedAt, &cfg.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, errNotFound
	}
	return cfg, errors.Wrap(err, "get config")
}

func (r *PGRepository) CreateConfigIfAbsent(ctx context.Context, cfg Config) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO late_pass_configs (`+configColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (org_id) DO NOTHING
	`, cfg.OrgID, cfg.GenerationWindowMinutes, cfg.AcceptanceWindowMinutes, cfg.ValidityDays,
		cfg.AllowMultipleActive, cfg.AutoExpire, cfg.IncludeLogo, cfg.IncludeBarcode,
		cfg.CreatedAt, cfg.UpdatedAt, cfg.UpdatedBy)
	return errors.Wrap(err, "create config")
}

func (r *PGRepository) SaveConfig(ctx context.Context, cfg Config) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE late_pass_configs
		SET generation_window_minutes = $2, acceptance_window_minutes = $3, validity_days = $4,
			allow_multiple_active = $5, auto_expire = $6, include_logo = $7, include_barcode = $8,
			updated_at = $9, updated_by = $10
		WHERE org_id = $1
	`, cfg.OrgID, cfg.GenerationWindowMinutes, cfg.AcceptanceWindowMinutes, cfg.ValidityDays,
		cfg.AllowMultipleActive, cfg.AutoExpire, cfg.IncludeLogo, cfg.IncludeBarcode,
		cfg.UpdatedAt, cfg.UpdatedBy)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	return requireRow(res)
}

func (r *PGRepository) AutoExpireOrgs(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT org_id FROM late_pass_configs WHERE auto_expire ORDER BY org_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list auto-expire orgs")
	}
	return scanStrings(rows)
}

const sessionColumns = `t.id, t.org_id, t.starts_at, t.ends_at, COALESCE(t.room, ''), COALESCE(t.subject, ''),
	COALESCE(t.teacher_id, ''), COALESCE(t.classroom_id, ''), COALESCE(t.classroom_group_id, '')`

func (r *PGRepository) Session(ctx context.Context, orgID, sessionID string) (Session, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM timetables t WHERE t.org_id = $1 AND t.id = $2`, orgID, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, errNotFound
	}
	return s, errors.Wrap(err, "get session")
}

func (r *PGRepository) StudentSessions(ctx context.Context, orgID, studentID string, from, to time.Time) ([]Session, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM timetables t
		WHERE t.org_id = $1 AND t.starts_at BETWEEN $3 AND $4
		  AND (
			EXISTS (SELECT 1 FROM classroom_members m
				WHERE m.org_id = t.org_id AND m.classroom_id = t.classroom_id AND m.student_id = $2)
			OR EXISTS (SELECT 1 FROM classroom_group_members g
				WHERE g.org_id = t.org_id AND g.group_id = t.classroom_group_id AND g.student_id = $2)
		  )
		ORDER BY t.starts_at
	`, orgID, studentID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "query student sessions")
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate sessions")
}

func (r *PGRepository) ScopeStudents(ctx context.Context, orgID string, scope Scope) ([]string, error) {
	query := `SELECT student_id FROM classroom_members WHERE org_id = $1 AND classroom_id = $2 ORDER BY student_id`
	id := scope.ClassroomID
	if scope.ClassroomGroupID != "" {
		query = `SELECT student_id FROM classroom_group_members WHERE org_id = $1 AND group_id = $2 ORDER BY student_id`
		id = scope.ClassroomGroupID
	}
	rows, err := r.q.QueryContext(ctx, query, orgID, id)
	if err != nil {
		return nil, errors.Wrap(err, "query scope students")
	}
	return scanStrings(rows)
}

func (r *PGRepository) LatestAttendance(ctx context.Context, orgID string, studentIDs []string) (map[string]attendance.Record, error) {
	return attendance.LatestByStudent(ctx, r.q, orgID, studentIDs)
}

func (r *PGRepository) InsertAttendance(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	return attendance.Insert(ctx, r.q, rec)
}

func (r *PGRepository) StudentAttendance(ctx context.Context, orgID, studentID string, limit int) ([]attendance.Record, error) {
	return attendance.List(ctx, r.q, orgID, studentID, limit)
}

func (r *PGRepository) LockStudent(ctx context.Context, orgID, studentID string) error {
	_, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, orgID+"/"+studentID)
	return errors.Wrap(err, "lock student")
}

func (r *PGRepository) NextSequence(ctx context.Context, orgID string, year int) (int, error) {
	// The first allocation of a year seeds the counter from any numbers
	// already on file; later ones increment the locked counter row.
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO late_pass_counters (org_id, year, last_seq)
		VALUES ($1, $2, COALESCE((
			SELECT MAX(CAST(SUBSTRING(ticket_number FROM 10) AS INTEGER))
			FROM late_pass_tickets
			WHERE org_id = $1 AND ticket_number LIKE $3
		), 0) + 1)
		ON CONFLICT (org_id, year) DO UPDATE SET last_seq = late_pass_counters.last_seq + 1
		RETURNING last_seq
	`, orgID, year, fmt.Sprintf("%s-%04d-%%", ticketNumberPrefix, year))
	var seq int
	if err := row.Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "next ticket sequence")
	}
	return seq, nil
}

const ticketColumns = `id, org_id, ticket_number, student_id, session_id, status, issued_at, expires_at,
	used_at, canceled_at, cancellation_reason, token_data, qr_image_path, pdf_path, issued_by, canceled_by`

func (r *PGRepository) InsertTicket(ctx context.Context, t Ticket) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO late_pass_tickets (`+ticketColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, t.ID, t.OrgID, t.TicketNumber, t.StudentID, t.SessionID, string(t.Status), t.IssuedAt, t.ExpiresAt,
		t.UsedAt, t.CanceledAt, t.CancellationReason, t.TokenData, t.QRImagePath, t.PDFPath, t.IssuedBy, t.CanceledBy)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == oneIssuedIndex {
		return errDuplicateActive
	}
	return errors.Wrap(err, "insert ticket")
}

func (r *PGRepository) GetTicket(ctx context.Context, orgID, ticketID string) (Ticket, error) {
	return r.getTicket(ctx, orgID, ticketID, "")
}

func (r *PGRepository) GetTicketForUpdate(ctx context.Context, orgID, ticketID string) (Ticket, error) {
	return r.getTicket(ctx, orgID, ticketID, " FOR UPDATE")
}

func (r *PGRepository) getTicket(ctx context.Context, orgID, ticketID, suffix string) (Ticket, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM late_pass_tickets WHERE org_id = $1 AND id = $2`+suffix, orgID, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, errNotFound
	}
	return t, errors.Wrap(err, "get ticket")
}

func (r *PGRepository) ListTickets(ctx context.Context, orgID string, f TicketFilter) ([]Ticket, error) {
	args := []any{orgID}
	clauses := []string{"org_id = $1"}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, clause+" $"+strconv.Itoa(len(args)))
	}
	if f.StudentID != "" {
		add("student_id =", f.StudentID)
	}
	if f.SessionID != "" {
		add("session_id =", f.SessionID)
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if f.IssuedBy != "" {
		add("issued_by =", f.IssuedBy)
	}
	if !f.IssuedFrom.IsZero() {
		add("issued_at >=", f.IssuedFrom)
	}
	if !f.IssuedTo.IsZero() {
		add("issued_at <=", f.IssuedTo)
	}
	query := `SELECT ` + ticketColumns + ` FROM late_pass_tickets WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY issued_at DESC, ticket_number DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, f.Limit, f.Offset)
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tickets")
	}
	return scanTickets(rows)
}

func (r *PGRepository) ActiveTickets(ctx context.Context, orgID, studentID string, now time.Time) ([]Ticket, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM late_pass_tickets
		WHERE org_id = $1 AND student_id = $2 AND status = 'ISSUED' AND expires_at >= $3
		ORDER BY issued_at
	`, orgID, studentID, now)
	if err != nil {
		return nil, errors.Wrap(err, "active tickets")
	}
	return scanTickets(rows)
}

func (r *PGRepository) TransitionTicket(ctx context.Context, t Ticket) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE late_pass_tickets
		SET status = $3, used_at = $4, canceled_at = $5, cancellation_reason = $6, canceled_by = $7
		WHERE org_id = $1 AND id = $2 AND status = 'ISSUED'
	`, t.OrgID, t.ID, string(t.Status), t.UsedAt, t.CanceledAt, t.CancellationReason, t.CanceledBy)
	if err != nil {
		return false, errors.Wrap(err, "transition ticket")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "transition ticket")
}

func (r *PGRepository) ExpireOverdue(ctx context.Context, orgID, studentID string, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE late_pass_tickets SET status = 'EXPIRED'
		WHERE org_id = $1 AND status = 'ISSUED' AND expires_at <= $2 AND ($3 = '' OR student_id = $3)
	`, orgID, now, studentID)
	if err != nil {
		return 0, errors.Wrap(err, "expire overdue")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "expire overdue")
}

func (r *PGRepository) SetArtifacts(ctx context.Context, orgID, ticketID, qrImagePath, pdfPath string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE late_pass_tickets SET qr_image_path = $3, pdf_path = $4 WHERE org_id = $1 AND id = $2
	`, orgID, ticketID, qrImagePath, pdfPath)
	if err != nil {
		return errors.Wrap(err, "set artifacts")
	}
	return requireRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (Session, error) {
	var out Session
	err := s.Scan(&out.ID, &out.OrgID, &out.StartsAt, &out.EndsAt, &out.Room, &out.Subject,
		&out.TeacherID, &out.ClassroomID, &out.ClassroomGroupID)
	return out, err
}

func scanTicket(s scanner) (Ticket, error) {
	var (
		t        Ticket
		status   string
		used     sql.NullTime
		canceled sql.NullTime
	)
	err := s.Scan(&t.ID, &t.OrgID, &t.TicketNumber, &t.StudentID, &t.SessionID, &status, &t.IssuedAt, &t.ExpiresAt,
		&used, &canceled, &t.CancellationReason, &t.TokenData, &t.QRImagePath, &t.PDFPath, &t.IssuedBy, &t.CanceledBy)
	if err != nil {
		return Ticket{}, err
	}
	t.Status = Status(status)
	if used.Valid {
		at := used.Time
		t.UsedAt = &at
	}
	if canceled.Valid {
		at := canceled.Time
		t.CanceledAt = &at
	}
	return t, nil
}

func scanTickets(rows *sql.Rows) ([]Ticket, error) {
	defer rows.Close()
	out := []Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ticket")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate tickets")
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate ids")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errNotFound
	}
	return nil
}
