package latepass

import (
	"time"

	"latepass/internal/attendance"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusIssued   Status = "ISSUED"
	StatusUsed     Status = "USED"
	StatusExpired  Status = "EXPIRED"
	StatusCanceled Status = "CANCELED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIssued, StatusUsed, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusUsed || s == StatusExpired || s == StatusCanceled
}

// Config is the per-organization late pass policy.
type Config struct {
	OrgID                   string    `json:"orgId"`
	GenerationWindowMinutes int       `json:"generationWindowMinutes"`
	AcceptanceWindowMinutes int       `json:"acceptanceWindowMinutes"`
	ValidityDays            int       `json:"ticketValidityDays"`
	AllowMultipleActive     bool      `json:"allowMultipleActiveTickets"`
	AutoExpire              bool      `json:"autoExpire"`
	IncludeLogo             bool      `json:"includeLogo"`
	IncludeBarcode          bool      `json:"includeBarcode"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
	UpdatedBy               string    `json:"updatedBy,omitempty"`
}

// GenerationWindow returns the generation window as a duration.
func (c Config) GenerationWindow() time.Duration {
	return time.Duration(c.GenerationWindowMinutes) * time.Minute
}

// AcceptanceWindow returns the acceptance window as a duration.
func (c Config) AcceptanceWindow() time.Duration {
	return time.Duration(c.AcceptanceWindowMinutes) * time.Minute
}

// ValidityHorizon returns how far ahead upcoming sessions are surfaced.
func (c Config) ValidityHorizon() time.Duration {
	return time.Duration(c.ValidityDays) * 24 * time.Hour
}

// DefaultConfig returns the policy created on first access for an org.
func DefaultConfig(orgID string) Config {
	return Config{
		OrgID:                   orgID,
		GenerationWindowMinutes: 15,
		AcceptanceWindowMinutes: 30,
		ValidityDays:            7,
		AllowMultipleActive:     false,
		AutoExpire:              true,
		IncludeLogo:             true,
		IncludeBarcode:          true,
	}
}

// Ticket is a late pass credential for one student and one session.
type Ticket struct {
	ID                 string     `json:"id"`
	OrgID              string     `json:"orgId"`
	TicketNumber       string     `json:"ticketNumber"`
	StudentID          string     `json:"studentId"`
	SessionID          string     `json:"sessionId"`
	Status             Status     `json:"status"`
	IssuedAt           time.Time  `json:"issuedAt"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	UsedAt             *time.Time `json:"usedAt,omitempty"`
	CanceledAt         *time.Time `json:"canceledAt,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`
	TokenData          string     `json:"tokenData"`
	QRImagePath        string     `json:"qrImagePath,omitempty"`
	PDFPath            string     `json:"pdfPath,omitempty"`
	IssuedBy           string     `json:"issuedByUserId"`
	CanceledBy         string     `json:"canceledByUserId,omitempty"`
}

// Overdue reports whether the ticket is still ISSUED past its expiry. An
// overdue ticket is treated as expired everywhere, whether or not the sweep
// has run.
func (t Ticket) Overdue(now time.Time) bool {
	return t.Status == StatusIssued && now.After(t.ExpiresAt)
}

// Active reports whether the ticket is ISSUED and not yet past expiry.
func (t Ticket) Active(now time.Time) bool {
	return t.Status == StatusIssued && !now.After(t.ExpiresAt)
}

// Session is a timetable entry owned by the scheduling collaborator.
type Session struct {
	ID               string    `json:"id"`
	OrgID            string    `json:"orgId"`
	StartsAt         time.Time `json:"startsAt"`
	EndsAt           time.Time `json:"endsAt"`
	Room             string    `json:"room,omitempty"`
	Subject          string    `json:"subject,omitempty"`
	TeacherID        string    `json:"teacherId,omitempty"`
	ClassroomID      string    `json:"classroomId,omitempty"`
	ClassroomGroupID string    `json:"classroomGroupId,omitempty"`
}

// Scope selects the students considered for eligibility. Exactly one field
// must be set.
type Scope struct {
	ClassroomID      string
	ClassroomGroupID string
}

// EligibleStudent is a student whose latest attendance qualifies them for a
// ticket.
type EligibleStudent struct {
	StudentID               string            `json:"studentId"`
	LatestStatus            attendance.Status `json:"latestStatus"`
	LatestSessionID         string            `json:"latestSessionId"`
	LatestMarkedAt          time.Time         `json:"latestMarkedAt"`
	UpcomingTimetablesCount int               `json:"upcomingTimetablesCount"`
	ActiveTicketsCount      int               `json:"activeTicketsCount"`
}

// UpcomingSession is a session a student could receive a ticket for.
type UpcomingSession struct {
	Session
	GenerationDeadline time.Time `json:"generationDeadline"`
	CanGenerateTicket  bool      `json:"canGenerateTicket"`
	HasActiveTicket    bool      `json:"hasActiveTicket"`
}

// TicketFilter narrows ListTickets. Zero values are ignored.
type TicketFilter struct {
	StudentID  string
	SessionID  string
	Status     Status
	IssuedFrom time.Time
	IssuedTo   time.Time
	IssuedBy   string
	Limit      int
	Offset     int
}
