package latepass

import (
	"context"
	"time"

	"latepass/internal/attendance"
)

// Repository is the backing store for the late pass engine together with the
// read side of the scheduling, roster and attendance collaborators. All of
// them live in one database so that Use can write the ticket transition and
// the attendance record in a single transaction.
//
// Missing rows are reported as errNotFound.
type Repository interface {
	// InTx runs fn inside a transaction. The Repository passed to fn is bound
	// to that transaction; fn's error rolls it back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error

	GetConfig(ctx context.Context, orgID string) (Config, error)
	// CreateConfigIfAbsent inserts cfg unless a row already exists for the
	// org. Losing a concurrent insert race is not an error.
	CreateConfigIfAbsent(ctx context.Context, cfg Config) error
	SaveConfig(ctx context.Context, cfg Config) error
	AutoExpireOrgs(ctx context.Context) ([]string, error)

	Session(ctx context.Context, orgID, sessionID string) (Session, error)
	// StudentSessions lists sessions reachable by the student through
	// classroom or classroom-group membership starting in [from, to].
	StudentSessions(ctx context.Context, orgID, studentID string, from, to time.Time) ([]Session, error)
	ScopeStudents(ctx context.Context, orgID string, scope Scope) ([]string, error)

	LatestAttendance(ctx context.Context, orgID string, studentIDs []string) (map[string]attendance.Record, error)
	InsertAttendance(ctx context.Context, rec attendance.Record) (attendance.Record, error)
	StudentAttendance(ctx context.Context, orgID, studentID string, limit int) ([]attendance.Record, error)

	// LockStudent serializes ticket issuance for one student until the
	// surrounding transaction ends.
	LockStudent(ctx context.Context, orgID, studentID string) error
	// NextSequence atomically increments and returns the org's ticket counter
	// for year. The increment is undone if the transaction rolls back.
	NextSequence(ctx context.Context, orgID string, year int) (int, error)

	InsertTicket(ctx context.Context, t Ticket) error
	GetTicket(ctx context.Context, orgID, ticketID string) (Ticket, error)
	// GetTicketForUpdate loads the ticket and locks it for the transaction.
	GetTicketForUpdate(ctx context.Context, orgID, ticketID string) (Ticket, error)
	ListTickets(ctx context.Context, orgID string, f TicketFilter) ([]Ticket, error)
	ActiveTickets(ctx context.Context, orgID, studentID string, now time.Time) ([]Ticket, error)
	// TransitionTicket writes t's status and transition fields only if the
	// stored status is still ISSUED. It reports whether a row changed.
	TransitionTicket(ctx context.Context, t Ticket) (bool, error)
	// ExpireOverdue moves ISSUED tickets with expires_at <= now to EXPIRED.
	// An empty studentID covers the whole org.
	ExpireOverdue(ctx context.Context, orgID, studentID string, now time.Time) (int64, error)
	SetArtifacts(ctx context.Context, orgID, ticketID, qrImagePath, pdfPath string) error
}
