package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shigulys/boletines-medicion-sub000/internal/boletin"
	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

type memRepo struct {
	seq       int64
	nextID    int64
	nextLine  int64
	nextAudit int64
	schedules map[int64]PaymentSchedule
	now       func() time.Time
}

func newMemRepo(now func() time.Time) *memRepo {
	return &memRepo{schedules: make(map[int64]PaymentSchedule), now: now}
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memTx{repo: m})
}

func (m *memRepo) Get(ctx context.Context, id int64) (PaymentSchedule, error) {
	ps, ok := m.schedules[id]
	if !ok {
		return PaymentSchedule{}, shared.NotFoundf("payment schedule %d not found", id)
	}
	return ps, nil
}

func (m *memRepo) List(ctx context.Context, filters ListFilters) ([]PaymentSchedule, error) {
	var out []PaymentSchedule
	for _, ps := range m.schedules {
		if filters.Status != "" && ps.Status != filters.Status {
			continue
		}
		out = append(out, ps)
	}
	return out, nil
}

func (m *memRepo) ActiveMemberships(ctx context.Context, requestIDs []int64, excludeScheduleID int64) (map[int64][]string, error) {
	wanted := make(map[int64]struct{}, len(requestIDs))
	for _, id := range requestIDs {
		wanted[id] = struct{}{}
	}
	memberships := make(map[int64][]string)
	for _, ps := range m.schedules {
		if ps.ID == excludeScheduleID {
			continue
		}
		for _, line := range ps.Lines {
			if !line.Active {
				continue
			}
			if _, ok := wanted[line.RequestID]; ok {
				memberships[line.RequestID] = append(memberships[line.RequestID], ps.ScheduleNumber)
			}
		}
	}
	return memberships, nil
}

type memTx struct {
	repo *memRepo
}

func (t *memTx) NextScheduleNumber(ctx context.Context) (string, error) {
	t.repo.seq++
	return ScheduleNumberFor(t.repo.seq), nil
}

func (t *memTx) CreateSchedule(ctx context.Context, s PaymentSchedule) (int64, error) {
	t.repo.nextID++
	s.ID = t.repo.nextID
	s.CreatedAt = t.repo.now()
	s.UpdatedAt = s.CreatedAt
	t.repo.schedules[s.ID] = s
	return s.ID, nil
}

func (t *memTx) UpdateHeader(ctx context.Context, s PaymentSchedule) error {
	current, ok := t.repo.schedules[s.ID]
	if !ok {
		return shared.NotFoundf("payment schedule %d not found", s.ID)
	}
	current.CommitmentDate = s.CommitmentDate
	current.PaymentDate = s.PaymentDate
	current.Notes = s.Notes
	current.UpdatedAt = t.repo.now()
	t.repo.schedules[s.ID] = current
	return nil
}

func (t *memTx) DeleteLines(ctx context.Context, scheduleID int64) error {
	ps := t.repo.schedules[scheduleID]
	ps.Lines = nil
	t.repo.schedules[scheduleID] = ps
	return nil
}

func (t *memTx) InsertLine(ctx context.Context, line Line) error {
	if line.Active {
		for _, other := range t.repo.schedules {
			for _, held := range other.Lines {
				if held.Active && held.RequestID == line.RequestID {
					return ErrMembershipTaken
				}
			}
		}
	}
	ps := t.repo.schedules[line.ScheduleID]
	t.repo.nextLine++
	line.ID = t.repo.nextLine
	ps.Lines = append(ps.Lines, line)
	t.repo.schedules[line.ScheduleID] = ps
	return nil
}

func (t *memTx) DeactivateLines(ctx context.Context, scheduleID int64) error {
	ps := t.repo.schedules[scheduleID]
	for i := range ps.Lines {
		ps.Lines[i].Active = false
	}
	t.repo.schedules[scheduleID] = ps
	return nil
}

func (t *memTx) ReactivateLines(ctx context.Context, scheduleID int64) error {
	ps := t.repo.schedules[scheduleID]
	for i := range ps.Lines {
		for otherID, other := range t.repo.schedules {
			if otherID == scheduleID {
				continue
			}
			for _, held := range other.Lines {
				if held.Active && held.RequestID == ps.Lines[i].RequestID {
					return ErrMembershipTaken
				}
			}
		}
		ps.Lines[i].Active = true
	}
	t.repo.schedules[scheduleID] = ps
	return nil
}

func (t *memTx) SetStatus(ctx context.Context, id int64, status Status) error {
	ps := t.repo.schedules[id]
	ps.Status = status
	ps.UpdatedAt = t.repo.now()
	t.repo.schedules[id] = ps
	return nil
}

func (t *memTx) SetApproval(ctx context.Context, id int64, by int64, at time.Time) error {
	ps := t.repo.schedules[id]
	ps.ApprovedAt = &at
	ps.ApprovedBy = &by
	t.repo.schedules[id] = ps
	return nil
}

func (t *memTx) ClearApproval(ctx context.Context, id int64) error {
	ps := t.repo.schedules[id]
	ps.ApprovedAt = nil
	ps.ApprovedBy = nil
	t.repo.schedules[id] = ps
	return nil
}

func (t *memTx) SetSentToFinance(ctx context.Context, id int64, by int64, at time.Time) error {
	ps := t.repo.schedules[id]
	ps.SentToFinanceAt = &at
	ps.SentToFinanceBy = &by
	t.repo.schedules[id] = ps
	return nil
}

func (t *memTx) ClearSentToFinance(ctx context.Context, id int64) error {
	ps := t.repo.schedules[id]
	ps.SentToFinanceAt = nil
	ps.SentToFinanceBy = nil
	t.repo.schedules[id] = ps
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry AuditEntry) error {
	ps := t.repo.schedules[entry.ScheduleID]
	t.repo.nextAudit++
	entry.ID = t.repo.nextAudit
	entry.At = t.repo.now()
	ps.Audits = append(ps.Audits, entry)
	t.repo.schedules[entry.ScheduleID] = ps
	return nil
}

type stubRequests struct {
	requests map[int64]boletin.PaymentRequest
}

func (s *stubRequests) Get(ctx context.Context, id int64) (boletin.PaymentRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return boletin.PaymentRequest{}, shared.NotFoundf("payment request %d not found", id)
	}
	return req, nil
}

// raceRepo hides memberships from the first exclusivity check, simulating a
// competing writer that commits between the service pre-check and the line
// insert.
type raceRepo struct {
	*memRepo
	hideChecks int
}

func (r *raceRepo) ActiveMemberships(ctx context.Context, requestIDs []int64, excludeScheduleID int64) (map[int64][]string, error) {
	if r.hideChecks > 0 {
		r.hideChecks--
		return map[int64][]string{}, nil
	}
	return r.memRepo.ActiveMemberships(ctx, requestIDs, excludeScheduleID)
}

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memRepo, *stubRequests) {
	repo := newMemRepo(func() time.Time { return testNow })
	requests := &stubRequests{requests: map[int64]boletin.PaymentRequest{
		1: {ID: 1, DocNumber: "BM-000001", Status: boletin.StatusApproved, Date: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)},
		2: {ID: 2, DocNumber: "BM-000002", Status: boletin.StatusApproved, Date: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)},
		3: {ID: 3, DocNumber: "BM-000003", Status: boletin.StatusPending, Date: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)},
	}}
	svc := NewService(repo, requests)
	svc.now = func() time.Time { return testNow }
	return svc, repo, requests
}

var actor = shared.Actor{ID: 7, Name: "tesoreria", Role: shared.RoleAccounting}

func createInput(ids ...int64) CreateInput {
	return CreateInput{
		RequestIDs:     ids,
		CommitmentDate: "2026-09-01",
		PaymentDate:    "2026-09-05",
		Actor:          actor,
	}
}

func TestCreateSchedule(t *testing.T) {
	svc, _, _ := newTestService()

	sched, err := svc.Create(context.Background(), createInput(1, 2))
	require.NoError(t, err)

	require.Equal(t, "PP-000001", sched.ScheduleNumber)
	require.Equal(t, StatusPendingApproval, sched.Status)
	require.Len(t, sched.Lines, 2)
	for _, line := range sched.Lines {
		require.True(t, line.Active)
	}
	require.Len(t, sched.Audits, 1)
	require.Equal(t, ActionCreated, sched.Audits[0].Action)
	require.Equal(t, "tesoreria", sched.Audits[0].Actor)
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, createInput())
	require.Equal(t, shared.KindValidation, shared.KindOf(err))

	bad := createInput(1)
	bad.PaymentDate = "05/09/2026"
	_, err = svc.Create(ctx, bad)
	require.Equal(t, shared.KindValidation, shared.KindOf(err))

	past := createInput(1)
	past.PaymentDate = "2026-08-29"
	_, err = svc.Create(ctx, past)
	require.Equal(t, shared.KindValidation, shared.KindOf(err))

	// Today is allowed: the bound is inclusive.
	today := createInput(1)
	today.PaymentDate = "2026-08-30"
	_, err = svc.Create(ctx, today)
	require.NoError(t, err)
}

func TestCreateRejectsUnknownRequest(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Create(context.Background(), createInput(99))
	require.Equal(t, shared.KindNotFound, shared.KindOf(err))
}

func TestCreateEnforcesExclusivity(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)

	_, err = svc.Create(ctx, createInput(1, 2))
	require.Equal(t, shared.KindConflict, shared.KindOf(err))

	var shErr *shared.Error
	require.ErrorAs(t, err, &shErr)
	require.Equal(t, []string{"PP-000001"}, shErr.Refs)
}

func TestCreateNamesConcurrentWinner(t *testing.T) {
	svc, repo, requests := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)

	// The loser's pre-check ran before the winner committed, so it sees no
	// memberships; the line insert then trips the uniqueness backstop.
	racing := NewService(&raceRepo{memRepo: repo, hideChecks: 1}, requests)
	racing.now = func() time.Time { return testNow }

	_, err = racing.Create(ctx, createInput(1))
	require.Equal(t, shared.KindConflict, shared.KindOf(err))

	var shErr *shared.Error
	require.ErrorAs(t, err, &shErr)
	require.Equal(t, []string{"PP-000001"}, shErr.Refs)
}

func TestCreateConcurrentConflictWithoutWinner(t *testing.T) {
	svc, repo, requests := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)

	// The winner is gone by the conflict re-query; the caller still gets a
	// conflict, never the raw storage error.
	racing := NewService(&raceRepo{memRepo: repo, hideChecks: 2}, requests)
	racing.now = func() time.Time { return testNow }

	_, err = racing.Create(ctx, createInput(1))
	require.Equal(t, shared.KindConflict, shared.KindOf(err))
	require.NotErrorIs(t, err, ErrMembershipTaken)
}

func TestCreateEnforcesCommitmentCeiling(t *testing.T) {
	svc, _, requests := newTestService()
	requests.requests[2] = boletin.PaymentRequest{
		ID: 2, DocNumber: "BM-000002", Status: boletin.StatusApproved,
		Date: time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
	}

	_, err := svc.Create(context.Background(), createInput(1, 2))
	require.Equal(t, shared.KindConflict, shared.KindOf(err))
	require.Contains(t, err.Error(), "BM-000002")
}

func TestCancelReleasesRequests(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, first.ID, actor)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.False(t, cancelled.Lines[0].Active)

	second, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)
	require.Equal(t, "PP-000002", second.ScheduleNumber)

	_, err = svc.Cancel(ctx, first.ID, actor)
	require.Equal(t, shared.KindState, shared.KindOf(err))
}

func TestApproveRequiresMembersApproved(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1, 3))
	require.NoError(t, err)

	_, err = svc.Approve(ctx, sched.ID, actor)
	require.Equal(t, shared.KindConflict, shared.KindOf(err))

	var shErr *shared.Error
	require.ErrorAs(t, err, &shErr)
	require.Equal(t, []string{"BM-000003"}, shErr.Refs)
}

func TestApproveIgnoresRejectedMembers(t *testing.T) {
	svc, _, requests := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1, 2))
	require.NoError(t, err)

	// A member rejected after scheduling no longer blocks approval.
	req := requests.requests[2]
	req.Status = boletin.StatusRejected
	requests.requests[2] = req

	approved, err := svc.Approve(ctx, sched.ID, actor)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.Equal(t, int64(7), *approved.ApprovedBy)
}

func TestSendToFinance(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)

	_, err = svc.SendToFinance(ctx, sched.ID, actor)
	require.Equal(t, shared.KindState, shared.KindOf(err))

	_, err = svc.Approve(ctx, sched.ID, actor)
	require.NoError(t, err)

	sent, err := svc.SendToFinance(ctx, sched.ID, actor)
	require.NoError(t, err)
	require.Equal(t, StatusSentToFinance, sent.Status)
	require.NotNil(t, sent.SentToFinanceAt)

	_, err = svc.SendToFinance(ctx, sched.ID, actor)
	require.Equal(t, shared.KindState, shared.KindOf(err))
	_, err = svc.Approve(ctx, sched.ID, actor)
	require.Equal(t, shared.KindState, shared.KindOf(err))
	_, err = svc.Cancel(ctx, sched.ID, actor)
	require.Equal(t, shared.KindState, shared.KindOf(err))
}

func TestSentScheduleIsImmutable(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, sched.ID, actor)
	require.NoError(t, err)
	_, err = svc.SendToFinance(ctx, sched.ID, actor)
	require.NoError(t, err)

	_, err = svc.Update(ctx, sched.ID, UpdateInput{
		CommitmentDate: "2026-09-01",
		PaymentDate:    "2026-09-10",
		Actor:          actor,
	})
	require.Equal(t, shared.KindState, shared.KindOf(err))
}

func TestUpdateCancelledScheduleRejected(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, sched.ID, actor)
	require.NoError(t, err)

	_, err = svc.Update(ctx, sched.ID, UpdateInput{
		RequestIDs:     []int64{2},
		CommitmentDate: "2026-09-01",
		PaymentDate:    "2026-09-05",
		Actor:          actor,
	})
	require.Equal(t, shared.KindState, shared.KindOf(err))

	// A cancelled schedule never holds requests hostage: the member it
	// tried to swap in stays schedulable elsewhere.
	second, err := svc.Create(ctx, createInput(2))
	require.NoError(t, err)
	require.Equal(t, "PP-000002", second.ScheduleNumber)
}

func TestUpdateResetsApproval(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, sched.ID, actor)
	require.NoError(t, err)

	result, err := svc.Update(ctx, sched.ID, UpdateInput{
		RequestIDs:     []int64{1, 2},
		CommitmentDate: "2026-09-01",
		PaymentDate:    "2026-09-05",
		Actor:          actor,
	})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.True(t, result.ApprovalReset)
	require.Equal(t, StatusPendingApproval, result.Schedule.Status)
	require.Nil(t, result.Schedule.ApprovedAt)
	require.Len(t, result.Schedule.Lines, 2)
}

func TestUpdateNoChangeIsNoop(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1, 2))
	require.NoError(t, err)

	result, err := svc.Update(ctx, sched.ID, UpdateInput{
		RequestIDs:     []int64{1, 2},
		CommitmentDate: "2026-09-01",
		PaymentDate:    "2026-09-05",
		Actor:          actor,
	})
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.False(t, result.ApprovalReset)
	require.Len(t, result.Schedule.Audits, 1)
}

func TestUpdateHeaderOnlyKeepsLines(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1, 2))
	require.NoError(t, err)

	result, err := svc.Update(ctx, sched.ID, UpdateInput{
		CommitmentDate: "2026-09-01",
		PaymentDate:    "2026-09-12",
		Notes:          "pago quincenal",
		Actor:          actor,
	})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Len(t, result.Schedule.Lines, 2)
	require.Equal(t, "pago quincenal", result.Schedule.Notes)
}

func TestRestartFlow(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sched, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)

	_, err = svc.RestartFlow(ctx, sched.ID, actor)
	require.Equal(t, shared.KindState, shared.KindOf(err))

	_, err = svc.Approve(ctx, sched.ID, actor)
	require.NoError(t, err)

	restarted, err := svc.RestartFlow(ctx, sched.ID, actor)
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, restarted.Status)
	require.Nil(t, restarted.ApprovedAt)
	require.Equal(t, ActionFlowRestarted, restarted.Audits[len(restarted.Audits)-1].Action)
}

func TestRestartFromCancelledReclaimsRequests(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Create(ctx, createInput(1))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, first.ID, actor)
	require.NoError(t, err)

	// Request 1 is now held by a second schedule; the cancelled one cannot
	// reclaim it.
	_, err = svc.Create(ctx, createInput(1))
	require.NoError(t, err)

	_, err = svc.RestartFlow(ctx, first.ID, actor)
	require.Equal(t, shared.KindConflict, shared.KindOf(err))
}
