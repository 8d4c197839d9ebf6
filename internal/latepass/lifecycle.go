package latepass

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"latepass/internal/attendance"
)

const (
	maxCancellationReason = 500
	defaultListLimit      = 50
	maxListLimit          = 500
)

// RenderDispatcher hands a freshly issued ticket to the renderer. It is called
// after the issuing transaction commits.
type RenderDispatcher interface {
	DispatchRender(ctx context.Context, orgID, ticketID string) error
}

// Manager owns the ticket state machine: ISSUED -> USED | CANCELED | EXPIRED.
type Manager struct {
	repo   Repository
	policy *PolicyStore
	codec  *Codec
	render RenderDispatcher
	now    func() time.Time
	log    *slog.Logger
}

// NewManager creates a lifecycle manager. render may be nil.
func NewManager(repo Repository, policy *PolicyStore, codec *Codec, render RenderDispatcher, now func() time.Time, log *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{repo: repo, policy: policy, codec: codec, render: render, now: now, log: log}
}

// Issue creates a ticket letting studentID re-enter sessionID.
func (m *Manager) Issue(ctx context.Context, orgID, studentID, sessionID, actorID string) (Ticket, error) {
	ticket, err := m.issue(ctx, orgID, studentID, sessionID, actorID)
	if err != nil {
		issueRejected.WithLabelValues(CodeOf(err).String()).Inc()
		return Ticket{}, err
	}
	ticketsIssued.Inc()
	m.log.Info("late pass issued",
		"org_id", orgID, "ticket_id", ticket.ID, "ticket_number", ticket.TicketNumber,
		"student_id", studentID, "session_id", sessionID, "expires_at", ticket.ExpiresAt)
	m.dispatchRender(ctx, ticket)
	return ticket, nil
}

func (m *Manager) issue(ctx context.Context, orgID, studentID, sessionID, actorID string) (Ticket, error) {
	if orgID == "" || studentID == "" || sessionID == "" {
		return Ticket{}, invalidArgument("organization, student and session ids are required")
	}
	cfg, err := m.policy.Get(ctx, orgID)
	if err != nil {
		return Ticket{}, err
	}

	var ticket Ticket
	err = m.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		sess, err := tx.Session(ctx, orgID, sessionID)
		if errors.Is(err, errNotFound) {
			return notFound("session %s", sessionID)
		}
		if err != nil {
			return internal(err, "load session")
		}

		now := m.now()
		deadline := sess.StartsAt.Add(cfg.GenerationWindow())
		if now.After(deadline) {
			return failedPrecondition("generation window for session %s closed at %s", sessionID, deadline.UTC().Format(time.RFC3339))
		}

		if err := tx.LockStudent(ctx, orgID, studentID); err != nil {
			return internal(err, "lock student")
		}
		// Overdue tickets no longer count as active; settle them first so
		// they cannot hold the uniqueness slot.
		if _, err := tx.ExpireOverdue(ctx, orgID, studentID, now); err != nil {
			return internal(err, "expire overdue tickets")
		}
		active, err := tx.ActiveTickets(ctx, orgID, studentID, now)
		if err != nil {
			return internal(err, "load active tickets")
		}
		for _, t := range active {
			if t.SessionID == sessionID {
				return newError(codes.AlreadyExists, "student %s already holds ticket %s for session %s", studentID, t.TicketNumber, sessionID)
			}
		}
		if !cfg.AllowMultipleActive && len(active) > 0 {
			return failedPrecondition("student %s already holds active ticket %s", studentID, active[0].TicketNumber)
		}

		number, err := nextNumber(ctx, tx, orgID, now)
		if err != nil {
			return err
		}
		ticket = Ticket{
			ID:           uuid.NewString(),
			OrgID:        orgID,
			TicketNumber: number,
			StudentID:    studentID,
			SessionID:    sessionID,
			Status:       StatusIssued,
			IssuedAt:     now.UTC(),
			ExpiresAt:    sess.StartsAt.Add(cfg.AcceptanceWindow()).UTC(),
			IssuedBy:     actorID,
		}
		token, err := m.codec.Encode(ticket.ID, studentID, sessionID, ticket.ExpiresAt)
		if err != nil {
			return internal(err, "sign late pass token")
		}
		ticket.TokenData = token

		err = tx.InsertTicket(ctx, ticket)
		if errors.Is(err, errDuplicateActive) {
			return newError(codes.AlreadyExists, "student %s already holds a ticket for session %s", studentID, sessionID)
		}
		if err != nil {
			return internal(err, "insert ticket")
		}
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

// dispatchRender queues artifact rendering. Failures are logged only; the
// ticket is valid without its artifacts.
func (m *Manager) dispatchRender(ctx context.Context, t Ticket) {
	if m.render == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := m.render.DispatchRender(ctx, t.OrgID, t.ID); err != nil {
		m.log.Warn("render dispatch failed", "org_id", t.OrgID, "ticket_id", t.ID, "err", err)
	}
}

// Get returns a ticket by id.
func (m *Manager) Get(ctx context.Context, orgID, ticketID string) (Ticket, error) {
	t, err := m.repo.GetTicket(ctx, orgID, ticketID)
	if errors.Is(err, errNotFound) {
		return Ticket{}, &Error{Code: codes.NotFound, Reason: ReasonNotFound, Msg: "ticket " + ticketID}
	}
	if err != nil {
		return Ticket{}, internal(err, "load ticket")
	}
	return t, nil
}

// List returns tickets matching f, newest first.
func (m *Manager) List(ctx context.Context, orgID string, f TicketFilter) ([]Ticket, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalidArgument("unknown status %q", f.Status)
	}
	if !f.IssuedFrom.IsZero() && !f.IssuedTo.IsZero() && f.IssuedFrom.After(f.IssuedTo) {
		return nil, invalidArgument("issued date range is inverted")
	}
	if f.Limit < 0 || f.Limit > maxListLimit || f.Offset < 0 {
		return nil, invalidArgument("limit must be in [0,%d] and offset non-negative", maxListLimit)
	}
	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}
	tickets, err := m.repo.ListTickets(ctx, orgID, f)
	if err != nil {
		return nil, internal(err, "list tickets")
	}
	return tickets, nil
}

// Cancel moves an ISSUED ticket to CANCELED.
func (m *Manager) Cancel(ctx context.Context, orgID, ticketID, reason, actorID string) (Ticket, error) {
	if utf8.RuneCountInString(reason) > maxCancellationReason {
		return Ticket{}, invalidArgument("cancellation reason longer than %d characters", maxCancellationReason)
	}
	var out Ticket
	err := m.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		t, err := tx.GetTicketForUpdate(ctx, orgID, ticketID)
		if errors.Is(err, errNotFound) {
			return &Error{Code: codes.NotFound, Reason: ReasonNotFound, Msg: "ticket " + ticketID}
		}
		if err != nil {
			return internal(err, "load ticket")
		}
		now := m.now()
		if err := requireIssued(t, now); err != nil {
			return err
		}
		at := now.UTC()
		t.Status = StatusCanceled
		t.CanceledAt = &at
		t.CanceledBy = actorID
		t.CancellationReason = reason
		changed, err := tx.TransitionTicket(ctx, t)
		if err != nil {
			return internal(err, "cancel ticket")
		}
		if !changed {
			return failedPrecondition("ticket %s changed state concurrently", ticketID)
		}
		out = t
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	ticketsCanceled.Inc()
	m.log.Info("late pass canceled", "org_id", orgID, "ticket_id", ticketID, "actor_id", actorID)
	return out, nil
}

// Use redeems an ISSUED, unexpired ticket and records the student's
// attendance in the same transaction.
func (m *Manager) Use(ctx context.Context, orgID, ticketID string, status attendance.Status, actorID string) (Ticket, attendance.Record, error) {
	if status != attendance.StatusPresent && status != attendance.StatusLate {
		return Ticket{}, attendance.Record{}, invalidArgument("attendance status must be PRESENT or LATE, got %q", status)
	}
	var (
		out Ticket
		rec attendance.Record
	)
	err := m.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		t, err := tx.GetTicketForUpdate(ctx, orgID, ticketID)
		if errors.Is(err, errNotFound) {
			return &Error{Code: codes.NotFound, Reason: ReasonNotFound, Msg: "ticket " + ticketID}
		}
		if err != nil {
			return internal(err, "load ticket")
		}
		now := m.now()
		if err := requireIssued(t, now); err != nil {
			return err
		}
		sess, err := tx.Session(ctx, orgID, t.SessionID)
		if err != nil {
			return internal(err, "load session")
		}

		at := now.UTC()
		t.Status = StatusUsed
		t.UsedAt = &at
		changed, err := tx.TransitionTicket(ctx, t)
		if err != nil {
			return internal(err, "mark ticket used")
		}
		if !changed {
			return failedPrecondition("ticket %s changed state concurrently", ticketID)
		}

		ticketRef := t.ID
		rec, err = tx.InsertAttendance(ctx, attendance.Record{
			ID:         uuid.NewString(),
			OrgID:      orgID,
			StudentID:  t.StudentID,
			SessionID:  t.SessionID,
			Status:     status,
			OccurredAt: sess.StartsAt.UTC(),
			MarkedAt:   at,
			ArrivedAt:  &at,
			MarkedBy:   actorID,
			Source:     attendance.SourceLatePass,
			TicketID:   &ticketRef,
		})
		if err != nil {
			return internal(err, "record attendance")
		}
		out = t
		return nil
	})
	if err != nil {
		return Ticket{}, attendance.Record{}, err
	}
	ticketsUsed.WithLabelValues(string(status)).Inc()
	m.log.Info("late pass used", "org_id", orgID, "ticket_id", ticketID, "status", status)
	return out, rec, nil
}

// requireIssued rejects tickets that can no longer transition. Overdue
// ISSUED tickets are rejected as expired.
func requireIssued(t Ticket, now time.Time) error {
	if t.Status.Terminal() {
		return &Error{Code: codes.FailedPrecondition, Reason: reasonForStatus(t.Status), Msg: "ticket " + t.ID + " is " + string(t.Status)}
	}
	if t.Overdue(now) {
		return &Error{Code: codes.DeadlineExceeded, Reason: ReasonExpired, Msg: "ticket " + t.ID + " expired at " + t.ExpiresAt.UTC().Format(time.RFC3339)}
	}
	return nil
}

// ExpireOverdue moves every overdue ISSUED ticket in the org to EXPIRED and
// returns how many changed. A second call with no intervening change returns
// zero.
func (m *Manager) ExpireOverdue(ctx context.Context, orgID string) (int64, error) {
	if orgID == "" {
		return 0, invalidArgument("organization id required")
	}
	n, err := m.repo.ExpireOverdue(ctx, orgID, "", m.now())
	if err != nil {
		return 0, internal(err, "expire overdue tickets")
	}
	if n > 0 {
		ticketsExpired.Add(float64(n))
		m.log.Info("late passes expired", "org_id", orgID, "count", n)
	}
	return n, nil
}

// SweepExpired runs ExpireOverdue for every org with autoExpire enabled.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	orgs, err := m.repo.AutoExpireOrgs(ctx)
	if err != nil {
		return 0, internal(err, "list auto-expire orgs")
	}
	var total int64
	for _, orgID := range orgs {
		n, err := m.ExpireOverdue(ctx, orgID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RenderInput is everything the renderer needs for one ticket.
type RenderInput struct {
	Ticket  Ticket
	Session Session
	Config  Config
}

// RenderInput loads the ticket, its session and the org config.
func (m *Manager) RenderInput(ctx context.Context, orgID, ticketID string) (RenderInput, error) {
	t, err := m.Get(ctx, orgID, ticketID)
	if err != nil {
		return RenderInput{}, err
	}
	sess, err := m.repo.Session(ctx, orgID, t.SessionID)
	if errors.Is(err, errNotFound) {
		return RenderInput{}, notFound("session %s", t.SessionID)
	}
	if err != nil {
		return RenderInput{}, internal(err, "load session")
	}
	cfg, err := m.policy.Get(ctx, orgID)
	if err != nil {
		return RenderInput{}, err
	}
	return RenderInput{Ticket: t, Session: sess, Config: cfg}, nil
}

// SetArtifacts records where the rendered QR image and PDF were stored.
func (m *Manager) SetArtifacts(ctx context.Context, orgID, ticketID, qrImagePath, pdfPath string) error {
	err := m.repo.SetArtifacts(ctx, orgID, ticketID, qrImagePath, pdfPath)
	if errors.Is(err, errNotFound) {
		return notFound("ticket %s", ticketID)
	}
	if err != nil {
		return internal(err, "store ticket artifacts")
	}
	return nil
}
