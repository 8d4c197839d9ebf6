package latepass

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"

	"latepass/internal/attendance"
)

// Verdict is the door-side answer for a presented token.
type Verdict struct {
	Valid     bool    `json:"valid"`
	Ticket    *Ticket `json:"ticket,omitempty"`
	ErrorCode Reason  `json:"errorCode,omitempty"`
}

// Gate checks presented tokens against the session being entered. Validate
// never mutates state.
type Gate struct {
	manager *Manager
	codec   *Codec
	now     func() time.Time
}

// NewGate creates a validation gate.
func NewGate(manager *Manager, codec *Codec, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{manager: manager, codec: codec, now: now}
}

// Validate decodes token and checks it against sessionID. The returned error
// is non-nil only for storage failures; every rejection is a Verdict.
func (g *Gate) Validate(ctx context.Context, orgID, token, sessionID string) (Verdict, error) {
	v, err := g.validate(ctx, orgID, token, sessionID)
	if err != nil {
		return Verdict{}, err
	}
	label := "valid"
	if !v.Valid {
		label = string(v.ErrorCode)
	}
	validations.WithLabelValues(label).Inc()
	return v, nil
}

func (g *Gate) validate(ctx context.Context, orgID, token, sessionID string) (Verdict, error) {
	claims, err := g.codec.Decode(token)
	tokenExpired := errors.Is(err, ErrTokenExpired)
	if err != nil && !tokenExpired {
		return reject(ReasonInvalidQR, nil), nil
	}
	if claims.SessionID != sessionID {
		return reject(ReasonWrongTimetable, nil), nil
	}

	t, err := g.manager.Get(ctx, orgID, claims.TicketID)
	if CodeOf(err) == codes.NotFound {
		return reject(ReasonNotFound, nil), nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if t.StudentID != claims.StudentID || t.SessionID != claims.SessionID {
		return reject(ReasonInvalidQR, nil), nil
	}
	if t.Status.Terminal() {
		return reject(reasonForStatus(t.Status), &t), nil
	}
	// The ticket row is authoritative; the token's exp is never earlier.
	if tokenExpired || t.Overdue(g.now()) {
		return reject(ReasonExpired, &t), nil
	}
	return Verdict{Valid: true, Ticket: &t}, nil
}

func reject(reason Reason, t *Ticket) Verdict {
	return Verdict{Valid: false, Ticket: t, ErrorCode: reason}
}

// Redeem validates token for sessionID and, when valid, uses the ticket. A
// ticket that changes state between the two steps is reported through the
// verdict like any other rejection.
func (g *Gate) Redeem(ctx context.Context, orgID, token, sessionID string, status attendance.Status, actorID string) (Verdict, *attendance.Record, error) {
	v, err := g.Validate(ctx, orgID, token, sessionID)
	if err != nil || !v.Valid {
		return v, nil, err
	}
	t, rec, err := g.manager.Use(ctx, orgID, v.Ticket.ID, status, actorID)
	if reason := ReasonOf(err); reason != "" {
		return reject(reason, v.Ticket), nil, nil
	}
	if err != nil {
		return Verdict{}, nil, err
	}
	return Verdict{Valid: true, Ticket: &t}, &rec, nil
}
