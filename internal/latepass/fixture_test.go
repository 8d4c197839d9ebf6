package latepass

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"latepass/internal/attendance"
)

const (
	testOrg   = "org-1"
	testActor = "staff-1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) DispatchRender(_ context.Context, _, ticketID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ticketID)
	return d.err
}

type fixture struct {
	repo     *MemoryRepository
	clock    *fakeClock
	policy   *PolicyStore
	codec    *Codec
	manager  *Manager
	gate     *Gate
	resolver *Resolver
	render   *recordingDispatcher
}

// at returns 2025-03-10 hh:mm UTC.
func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 10, hh, mm, 0, 0, time.UTC)
}

func timeUTC(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, NewMemoryRepository())
}

func newFixtureWithRepo(t *testing.T, repo *MemoryRepository) *fixture {
	t.Helper()
	clock := &fakeClock{now: at(9, 0)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec, err := NewCodec(CodecConfig{SigningKey: []byte("test-signing-key"), Issuer: "latepass-test"}, clock.Now)
	require.NoError(t, err)
	policy := NewPolicyStore(repo, clock.Now, log)
	render := &recordingDispatcher{}
	manager := NewManager(repo, policy, codec, render, clock.Now, log)

	repo.AddSession(Session{ID: "sess-1", OrgID: testOrg, StartsAt: at(10, 0), EndsAt: at(10, 45), Room: "R1", Subject: "Math", ClassroomID: "class-a"})
	repo.AddSession(Session{ID: "sess-2", OrgID: testOrg, StartsAt: at(11, 0), EndsAt: at(11, 45), Room: "R2", Subject: "Physics", ClassroomID: "class-a"})
	repo.AddSession(Session{ID: "sess-g", OrgID: testOrg, StartsAt: at(13, 0), EndsAt: at(13, 45), ClassroomGroupID: "group-x"})
	for _, s := range []string{"stu-1", "stu-2", "stu-3"} {
		repo.AddClassroomMember(testOrg, "class-a", s)
	}

	return &fixture{
		repo:     repo,
		clock:    clock,
		policy:   policy,
		codec:    codec,
		manager:  manager,
		gate:     NewGate(manager, codec, clock.Now),
		resolver: NewResolver(repo, policy, clock.Now),
		render:   render,
	}
}

func (f *fixture) issue(t *testing.T, studentID, sessionID string) Ticket {
	t.Helper()
	ticket, err := f.manager.Issue(context.Background(), testOrg, studentID, sessionID, testActor)
	require.NoError(t, err, "Issue(%s, %s)", studentID, sessionID)
	return ticket
}

func (f *fixture) mark(t *testing.T, studentID, sessionID string, status attendance.Status, occurred, marked time.Time) {
	t.Helper()
	_, err := f.repo.InsertAttendance(context.Background(), attendance.Record{
		OrgID: testOrg, StudentID: studentID, SessionID: sessionID, Status: status,
		OccurredAt: occurred, MarkedAt: marked,
	})
	require.NoError(t, err)
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Equal(t, want, CodeOf(err), "error: %v", err)
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// failingLedgerRepo fails every attendance insert, inside or outside a
// transaction.
type failingLedgerRepo struct {
	*MemoryRepository
}

func (r *failingLedgerRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return r.MemoryRepository.InTx(ctx, func(ctx context.Context, tx Repository) error {
		return fn(ctx, &failingLedgerRepo{MemoryRepository: tx.(*MemoryRepository)})
	})
}

func (r *failingLedgerRepo) InsertAttendance(context.Context, attendance.Record) (attendance.Record, error) {
	return attendance.Record{}, errors.New("ledger unavailable")
}
