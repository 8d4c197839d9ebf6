package latepass

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"latepass/internal/attendance"
)

func TestResolver_ListEligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	yesterday := func(hh, mm int) time.Time { return at(hh, mm).Add(-24 * time.Hour) }
	for _, s := range []string{"stu-4", "stu-5", "stu-6"} {
		f.repo.AddClassroomMember(testOrg, "class-a", s)
	}

	f.mark(t, "stu-1", "old-1", attendance.StatusAbsent, yesterday(9, 0), yesterday(9, 5))
	f.mark(t, "stu-2", "old-1", attendance.StatusAbsent, yesterday(9, 0), yesterday(9, 5))
	f.mark(t, "stu-2", "old-2", attendance.StatusPresent, yesterday(11, 0), yesterday(11, 5))
	// stu-3 has no history.
	f.mark(t, "stu-4", "old-1", attendance.StatusSick, yesterday(9, 0), yesterday(9, 5))
	// Same session time: the later mark wins.
	f.mark(t, "stu-5", "old-1", attendance.StatusAbsent, yesterday(9, 0), yesterday(9, 5))
	f.mark(t, "stu-5", "old-1b", attendance.StatusPresent, yesterday(9, 0), yesterday(9, 30))
	f.mark(t, "stu-6", "old-1", attendance.StatusPresent, yesterday(9, 0), yesterday(9, 5))
	f.mark(t, "stu-6", "old-1b", attendance.StatusExcused, yesterday(9, 0), yesterday(9, 30))
	// Other orgs never leak in.
	_, err := f.repo.InsertAttendance(ctx, attendance.Record{OrgID: "org-2", StudentID: "stu-3", SessionID: "x", Status: attendance.StatusAbsent, OccurredAt: yesterday(10, 0), MarkedAt: yesterday(10, 0)})
	require.NoError(t, err)

	f.issue(t, "stu-4", "sess-1")

	got, err := f.resolver.ListEligible(ctx, testOrg, Scope{ClassroomID: "class-a"})
	require.NoError(t, err)
	want := []struct {
		id       string
		status   attendance.Status
		upcoming int
		active   int
	}{
		{"stu-1", attendance.StatusAbsent, 2, 0},
		{"stu-4", attendance.StatusSick, 2, 1},
		{"stu-6", attendance.StatusExcused, 2, 0},
	}
	require.Len(t, got, len(want), "eligible = %+v", got)
	for i, w := range want {
		g := got[i]
		assert.Equal(t, w.id, g.StudentID, "eligible[%d]", i)
		assert.Equal(t, w.status, g.LatestStatus, "eligible[%d]", i)
		assert.Equal(t, w.upcoming, g.UpcomingTimetablesCount, "eligible[%d]", i)
		assert.Equal(t, w.active, g.ActiveTicketsCount, "eligible[%d]", i)
	}
}

func TestResolver_ListEligibleGroupScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.AddGroupMember(testOrg, "group-x", "stu-1")
	f.mark(t, "stu-1", "old-1", attendance.StatusAbsent, at(8, 0), at(8, 5))

	got, err := f.resolver.ListEligible(ctx, testOrg, Scope{ClassroomGroupID: "group-x"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stu-1", got[0].StudentID)
	assert.Equal(t, 3, got[0].UpcomingTimetablesCount, "two class sessions plus the group session")

	empty, err := f.resolver.ListEligible(ctx, testOrg, Scope{ClassroomGroupID: "no-such-group"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestResolver_ListEligibleScopeValidation(t *testing.T) {
	f := newFixture(t)
	for _, scope := range []Scope{{}, {ClassroomID: "class-a", ClassroomGroupID: "group-x"}} {
		_, err := f.resolver.ListEligible(context.Background(), testOrg, scope)
		wantCode(t, err, codes.InvalidArgument)
	}
}

func TestResolver_ListUpcomingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg, err := f.policy.Get(ctx, testOrg)
	require.NoError(t, err)

	f.clock.Set(at(10, 10))
	f.issue(t, "stu-1", "sess-1")

	f.clock.Set(at(10, 12))
	got, err := f.resolver.ListUpcomingSessions(ctx, testOrg, "stu-1", cfg)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sess-1", got[0].ID)
	assert.Equal(t, "sess-2", got[1].ID)
	assert.True(t, got[0].CanGenerateTicket)
	assert.True(t, got[0].HasActiveTicket)
	assert.True(t, got[0].GenerationDeadline.Equal(at(10, 15)), "deadline = %v", got[0].GenerationDeadline)
	assert.True(t, got[1].CanGenerateTicket)
	assert.False(t, got[1].HasActiveTicket)

	f.clock.Set(at(10, 16))
	got, err = f.resolver.ListUpcomingSessions(ctx, testOrg, "stu-1", cfg)
	require.NoError(t, err)
	require.Len(t, got, 1, "at 10:16")
	assert.Equal(t, "sess-2", got[0].ID)

	_, err = f.resolver.ListUpcomingSessions(ctx, testOrg, "", cfg)
	wantCode(t, err, codes.InvalidArgument)
}
