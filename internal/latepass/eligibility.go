package latepass

import (
	"context"
	"sort"
	"time"
)

// Resolver determines which students may currently receive a ticket. It is
// read-only.
type Resolver struct {
	repo   Repository
	policy *PolicyStore
	now    func() time.Time
}

// NewResolver creates an eligibility resolver.
func NewResolver(repo Repository, policy *PolicyStore, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{repo: repo, policy: policy, now: now}
}

// ListEligible returns the students of a classroom or classroom group whose
// most recent attendance in the org is ABSENT, EXCUSED or SICK. Students
// without any attendance history count as present and are never returned.
func (r *Resolver) ListEligible(ctx context.Context, orgID string, scope Scope) ([]EligibleStudent, error) {
	if (scope.ClassroomID == "") == (scope.ClassroomGroupID == "") {
		return nil, invalidArgument("exactly one of classroomId or classroomGroupId is required")
	}
	cfg, err := r.policy.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	students, err := r.repo.ScopeStudents(ctx, orgID, scope)
	if err != nil {
		return nil, internal(err, "resolve scope students")
	}
	latest, err := r.repo.LatestAttendance(ctx, orgID, students)
	if err != nil {
		return nil, internal(err, "load latest attendance")
	}

	now := r.now()
	horizon := now.Add(cfg.ValidityHorizon())
	out := make([]EligibleStudent, 0)
	for _, studentID := range students {
		rec, ok := latest[studentID]
		if !ok || !rec.Status.Missed() {
			continue
		}
		sessions, err := r.repo.StudentSessions(ctx, orgID, studentID, now, horizon)
		if err != nil {
			return nil, internal(err, "load upcoming sessions")
		}
		active, err := r.repo.ActiveTickets(ctx, orgID, studentID, now)
		if err != nil {
			return nil, internal(err, "load active tickets")
		}
		out = append(out, EligibleStudent{
			StudentID:               studentID,
			LatestStatus:            rec.Status,
			LatestSessionID:         rec.SessionID,
			LatestMarkedAt:          rec.MarkedAt,
			UpcomingTimetablesCount: len(sessions),
			ActiveTicketsCount:      len(active),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// ListUpcomingSessions returns the sessions a student can reach within the
// validity horizon. Sessions that already started are included while their
// generation window is still open.
func (r *Resolver) ListUpcomingSessions(ctx context.Context, orgID, studentID string, cfg Config) ([]UpcomingSession, error) {
	if studentID == "" {
		return nil, invalidArgument("student id required")
	}
	now := r.now()
	from := now.Add(-cfg.GenerationWindow())
	sessions, err := r.repo.StudentSessions(ctx, orgID, studentID, from, now.Add(cfg.ValidityHorizon()))
	if err != nil {
		return nil, internal(err, "load upcoming sessions")
	}
	active, err := r.repo.ActiveTickets(ctx, orgID, studentID, now)
	if err != nil {
		return nil, internal(err, "load active tickets")
	}
	held := make(map[string]bool, len(active))
	for _, t := range active {
		held[t.SessionID] = true
	}

	out := make([]UpcomingSession, 0, len(sessions))
	for _, s := range sessions {
		deadline := s.StartsAt.Add(cfg.GenerationWindow())
		out = append(out, UpcomingSession{
			Session:            s,
			GenerationDeadline: deadline,
			CanGenerateTicket:  !now.After(deadline),
			HasActiveTicket:    held[s.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}
