package attendance

import (
	"context"
	"errors"
	"time"
)

// Status is the attendance mark recorded for a student at a session.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
	StatusExcused Status = "EXCUSED"
	StatusSick    Status = "SICK"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused, StatusSick:
		return true
	}
	return false
}

// Missed reports whether the status means the student did not attend.
func (s Status) Missed() bool {
	return s == StatusAbsent || s == StatusExcused || s == StatusSick
}

// Source values recorded on attendance rows.
const (
	SourceManual   = "manual"
	SourceLatePass = "late_pass"
)

// Record is a single attendance mark.
type Record struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"orgId"`
	StudentID  string     `json:"studentId"`
	SessionID  string     `json:"sessionId"`
	Status     Status     `json:"status"`
	OccurredAt time.Time  `json:"occurredAt"`
	MarkedAt   time.Time  `json:"markedAt"`
	ArrivedAt  *time.Time `json:"arrivedAt,omitempty"`
	MarkedBy   string     `json:"markedBy,omitempty"`
	Source     string     `json:"source"`
	TicketID   *string    `json:"ticketId,omitempty"`
}

// Store persists and reads attendance records.
type Store interface {
	InsertAttendance(ctx context.Context, rec Record) (Record, error)
	StudentAttendance(ctx context.Context, orgID, studentID string, limit int) ([]Record, error)
}

// ErrInvalidRecord is returned by Mark for incomplete or malformed records.
var ErrInvalidRecord = errors.New("attendance: invalid record")

// Service records manual attendance marks.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a service backed by store.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Mark validates and persists a manual attendance mark.
func (s *Service) Mark(ctx context.Context, rec Record) (Record, error) {
	if rec.OrgID == "" || rec.StudentID == "" || rec.SessionID == "" {
		return Record{}, ErrInvalidRecord
	}
	if !rec.Status.Valid() {
		return Record{}, ErrInvalidRecord
	}
	now := s.now().UTC()
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = now
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = rec.MarkedAt
	}
	if rec.Source == "" {
		rec.Source = SourceManual
	}
	return s.store.InsertAttendance(ctx, rec)
}

// History returns a student's records, newest first. limit is clamped to
// [1, 500] with 50 as the default.
func (s *Service) History(ctx context.Context, orgID, studentID string, limit int) ([]Record, error) {
	if orgID == "" || studentID == "" {
		return nil, ErrInvalidRecord
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.store.StudentAttendance(ctx, orgID, studentID, limit)
}
