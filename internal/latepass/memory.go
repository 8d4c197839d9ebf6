package latepass

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"latepass/internal/attendance"
)

// MemoryRepository is an in-process Repository for development and tests.
// Transactions take the write lock for their whole duration and work on a
// copy of the state that replaces the original only on success.
type MemoryRepository struct {
	root    *memRoot
	txState *memState
}

type memRoot struct {
	mu    sync.RWMutex
	state *memState
}

type counterKey struct {
	orgID string
	year  int
}

type memState struct {
	configs    map[string]Config
	tickets    map[string]Ticket
	counters   map[counterKey]int
	sessions   map[string]Session
	classrooms map[string]map[string]bool
	groups     map[string]map[string]bool
	attendance []attendance.Record
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{root: &memRoot{state: &memState{
		configs:    map[string]Config{},
		tickets:    map[string]Ticket{},
		counters:   map[counterKey]int{},
		sessions:   map[string]Session{},
		classrooms: map[string]map[string]bool{},
		groups:     map[string]map[string]bool{},
	}}}
}

func (s *memState) clone() *memState {
	out := &memState{
		configs:    make(map[string]Config, len(s.configs)),
		tickets:    make(map[string]Ticket, len(s.tickets)),
		counters:   make(map[counterKey]int, len(s.counters)),
		sessions:   make(map[string]Session, len(s.sessions)),
		classrooms: make(map[string]map[string]bool, len(s.classrooms)),
		groups:     make(map[string]map[string]bool, len(s.groups)),
		attendance: append([]attendance.Record(nil), s.attendance...),
	}
	for k, v := range s.configs {
		out.configs[k] = v
	}
	for k, v := range s.tickets {
		out.tickets[k] = v
	}
	for k, v := range s.counters {
		out.counters[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.classrooms {
		out.classrooms[k] = copySet(v)
	}
	for k, v := range s.groups {
		out.groups[k] = copySet(v)
	}
	return out
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func memberKey(orgID, id string) string { return orgID + "/" + id }

func (r *MemoryRepository) read(fn func(s *memState) error) error {
	if r.txState != nil {
		return fn(r.txState)
	}
	r.root.mu.RLock()
	defer r.root.mu.RUnlock()
	return fn(r.root.state)
}

func (r *MemoryRepository) write(fn func(s *memState) error) error {
	if r.txState != nil {
		return fn(r.txState)
	}
	r.root.mu.Lock()
	defer r.root.mu.Unlock()
	return fn(r.root.state)
}

// InTx runs fn against a private copy of the state and publishes it when fn
// succeeds.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.txState != nil {
		return fn(ctx, r)
	}
	r.root.mu.Lock()
	defer r.root.mu.Unlock()
	work := r.root.state.clone()
	if err := fn(ctx, &MemoryRepository{root: r.root, txState: work}); err != nil {
		return err
	}
	r.root.state = work
	return nil
}

// AddSession stores a timetable entry.
func (r *MemoryRepository) AddSession(s Session) {
	_ = r.write(func(st *memState) error {
		st.sessions[s.ID] = s
		return nil
	})
}

// AddClassroomMember enrolls a student in a classroom.
func (r *MemoryRepository) AddClassroomMember(orgID, classroomID, studentID string) {
	_ = r.write(func(st *memState) error {
		addMember(st.classrooms, memberKey(orgID, classroomID), studentID)
		return nil
	})
}

// AddGroupMember enrolls a student in a classroom group.
func (r *MemoryRepository) AddGroupMember(orgID, groupID, studentID string) {
	_ = r.write(func(st *memState) error {
		addMember(st.groups, memberKey(orgID, groupID), studentID)
		return nil
	})
}

func addMember(m map[string]map[string]bool, key, studentID string) {
	if m[key] == nil {
		m[key] = map[string]bool{}
	}
	m[key][studentID] = true
}

// Attendance returns the student's attendance records in insertion order.
func (r *MemoryRepository) Attendance(orgID, studentID string) []attendance.Record {
	var out []attendance.Record
	_ = r.read(func(st *memState) error {
		for _, rec := range st.attendance {
			if rec.OrgID == orgID && rec.StudentID == studentID {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out
}

func (r *MemoryRepository) GetConfig(_ context.Context, orgID string) (Config, error) {
	var cfg Config
	err := r.read(func(st *memState) error {
		c, ok := st.configs[orgID]
		if !ok {
			return errNotFound
		}
		cfg = c
		return nil
	})
	return cfg, err
}

func (r *MemoryRepository) CreateConfigIfAbsent(_ context.Context, cfg Config) error {
	return r.write(func(st *memState) error {
		if _, ok := st.configs[cfg.OrgID]; !ok {
			st.configs[cfg.OrgID] = cfg
		}
		return nil
	})
}

func (r *MemoryRepository) SaveConfig(_ context.Context, cfg Config) error {
	return r.write(func(st *memState) error {
		if _, ok := st.configs[cfg.OrgID]; !ok {
			return errNotFound
		}
		st.configs[cfg.OrgID] = cfg
		return nil
	})
}

func (r *MemoryRepository) AutoExpireOrgs(_ context.Context) ([]string, error) {
	var out []string
	err := r.read(func(st *memState) error {
		for orgID, cfg := range st.configs {
			if cfg.AutoExpire {
				out = append(out, orgID)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (r *MemoryRepository) Session(_ context.Context, orgID, sessionID string) (Session, error) {
	var out Session
	err := r.read(func(st *memState) error {
		s, ok := st.sessions[sessionID]
		if !ok || s.OrgID != orgID {
			return errNotFound
		}
		out = s
		return nil
	})
	return out, err
}

func (r *MemoryRepository) StudentSessions(_ context.Context, orgID, studentID string, from, to time.Time) ([]Session, error) {
	var out []Session
	err := r.read(func(st *memState) error {
		for _, s := range st.sessions {
			if s.OrgID != orgID || s.StartsAt.Before(from) || s.StartsAt.After(to) {
				continue
			}
			inClass := s.ClassroomID != "" && st.classrooms[memberKey(orgID, s.ClassroomID)][studentID]
			inGroup := s.ClassroomGroupID != "" && st.groups[memberKey(orgID, s.ClassroomGroupID)][studentID]
			if inClass || inGroup {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, err
}

func (r *MemoryRepository) ScopeStudents(_ context.Context, orgID string, scope Scope) ([]string, error) {
	var out []string
	err := r.read(func(st *memState) error {
		set := st.classrooms[memberKey(orgID, scope.ClassroomID)]
		if scope.ClassroomGroupID != "" {
			set = st.groups[memberKey(orgID, scope.ClassroomGroupID)]
		}
		for id := range set {
			out = append(out, id)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (r *MemoryRepository) LatestAttendance(_ context.Context, orgID string, studentIDs []string) (map[string]attendance.Record, error) {
	want := make(map[string]bool, len(studentIDs))
	for _, id := range studentIDs {
		want[id] = true
	}
	out := make(map[string]attendance.Record, len(studentIDs))
	err := r.read(func(st *memState) error {
		for _, rec := range st.attendance {
			if rec.OrgID != orgID || !want[rec.StudentID] {
				continue
			}
			cur, ok := out[rec.StudentID]
			if !ok || rec.OccurredAt.After(cur.OccurredAt) ||
				(rec.OccurredAt.Equal(cur.OccurredAt) && rec.MarkedAt.After(cur.MarkedAt)) {
				out[rec.StudentID] = rec
			}
		}
		return nil
	})
	return out, err
}

func (r *MemoryRepository) InsertAttendance(_ context.Context, rec attendance.Record) (attendance.Record, error) {
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
		rec.Source = attendance.SourceManual
	}
	err := r.write(func(st *memState) error {
		st.attendance = append(st.attendance, rec)
		return nil
	})
	return rec, err
}

func (r *MemoryRepository) StudentAttendance(_ context.Context, orgID, studentID string, limit int) ([]attendance.Record, error) {
	out := r.Attendance(orgID, studentID)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].MarkedAt.After(out[j].MarkedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LockStudent is a no-op: a memory transaction already holds the write lock.
func (r *MemoryRepository) LockStudent(context.Context, string, string) error { return nil }

func (r *MemoryRepository) NextSequence(_ context.Context, orgID string, year int) (int, error) {
	var seq int
	err := r.write(func(st *memState) error {
		key := counterKey{orgID: orgID, year: year}
		cur, ok := st.counters[key]
		if !ok {
			for _, t := range st.tickets {
				if t.OrgID != orgID {
					continue
				}
				if y, n, err := ParseTicketNumber(t.TicketNumber); err == nil && y == year && n > cur {
					cur = n
				}
			}
		}
		seq = cur + 1
		st.counters[key] = seq
		return nil
	})
	return seq, err
}

func (r *MemoryRepository) InsertTicket(_ context.Context, t Ticket) error {
	return r.write(func(st *memState) error {
		for _, other := range st.tickets {
			if other.OrgID == t.OrgID && other.StudentID == t.StudentID &&
				other.SessionID == t.SessionID && other.Status == StatusIssued {
				return errDuplicateActive
			}
		}
		st.tickets[t.ID] = t
		return nil
	})
}

func (r *MemoryRepository) GetTicket(_ context.Context, orgID, ticketID string) (Ticket, error) {
	var out Ticket
	err := r.read(func(st *memState) error {
		t, ok := st.tickets[ticketID]
		if !ok || t.OrgID != orgID {
			return errNotFound
		}
		out = t
		return nil
	})
	return out, err
}

func (r *MemoryRepository) GetTicketForUpdate(ctx context.Context, orgID, ticketID string) (Ticket, error) {
	return r.GetTicket(ctx, orgID, ticketID)
}

func (r *MemoryRepository) ListTickets(_ context.Context, orgID string, f TicketFilter) ([]Ticket, error) {
	var out []Ticket
	err := r.read(func(st *memState) error {
		for _, t := range st.tickets {
			if t.OrgID != orgID ||
				(f.StudentID != "" && t.StudentID != f.StudentID) ||
				(f.SessionID != "" && t.SessionID != f.SessionID) ||
				(f.Status != "" && t.Status != f.Status) ||
				(f.IssuedBy != "" && t.IssuedBy != f.IssuedBy) ||
				(!f.IssuedFrom.IsZero() && t.IssuedAt.Before(f.IssuedFrom)) ||
				(!f.IssuedTo.IsZero() && t.IssuedAt.After(f.IssuedTo)) {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].TicketNumber > out[j].TicketNumber
	})
	if f.Offset >= len(out) {
		return []Ticket{}, err
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, err
}

func (r *MemoryRepository) ActiveTickets(_ context.Context, orgID, studentID string, now time.Time) ([]Ticket, error) {
	var out []Ticket
	err := r.read(func(st *memState) error {
		for _, t := range st.tickets {
			if t.OrgID == orgID && t.StudentID == studentID && t.Active(now) {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, err
}

func (r *MemoryRepository) TransitionTicket(_ context.Context, t Ticket) (bool, error) {
	var changed bool
	err := r.write(func(st *memState) error {
		cur, ok := st.tickets[t.ID]
		if !ok || cur.OrgID != t.OrgID || cur.Status != StatusIssued {
			return nil
		}
		st.tickets[t.ID] = t
		changed = true
		return nil
	})
	return changed, err
}

func (r *MemoryRepository) ExpireOverdue(_ context.Context, orgID, studentID string, now time.Time) (int64, error) {
	var n int64
	err := r.write(func(st *memState) error {
		for id, t := range st.tickets {
			if t.OrgID != orgID || t.Status != StatusIssued || t.ExpiresAt.After(now) {
				continue
			}
			if studentID != "" && t.StudentID != studentID {
				continue
			}
			t.Status = StatusExpired
			st.tickets[id] = t
			n++
		}
		return nil
	})
	return n, err
}

func (r *MemoryRepository) SetArtifacts(_ context.Context, orgID, ticketID, qrImagePath, pdfPath string) error {
	return r.write(func(st *memState) error {
		t, ok := st.tickets[ticketID]
		if !ok || t.OrgID != orgID {
			return errNotFound
		}
		t.QRImagePath = qrImagePath
		t.PDFPath = pdfPath
		st.tickets[ticketID] = t
		return nil
	})
}
