package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shigulys/boletines-medicion-sub000/internal/boletin"
	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

// RequestSource reads payment requests for membership validation.
type RequestSource interface {
	Get(ctx context.Context, id int64) (boletin.PaymentRequest, error)
}

// Service builds payment schedules and drives their status workflow. All
// transitions require an elevated caller; the capability check happens at the
// HTTP boundary and the service trusts the actor it is handed.
type Service struct {
	repo     RepositoryPort
	requests RequestSource
	now      func() time.Time
}

// NewService constructs the schedule service.
func NewService(repo RepositoryPort, requests RequestSource) *Service {
	return &Service{repo: repo, requests: requests, now: time.Now}
}

const dateLayout = "2006-01-02"

// CreateInput describes a schedule to create.
type CreateInput struct {
	RequestIDs     []int64
	CommitmentDate string
	PaymentDate    string
	Notes          string
	Actor          shared.Actor
}

// UpdateInput describes a schedule edit. An empty RequestIDs keeps the
// current membership and only updates the header.
type UpdateInput struct {
	RequestIDs     []int64
	CommitmentDate string
	PaymentDate    string
	Notes          string
	Actor          shared.Actor
}

// UpdateResult reports what an edit did. ApprovalReset is surfaced so callers
// can tell the user a prior approval was invalidated; Changed is false when
// the edit matched current state and nothing was written.
type UpdateResult struct {
	Schedule      PaymentSchedule
	Changed       bool
	ApprovalReset bool
}

// Create validates the member requests and persists header, lines and the
// CREATED audit row in one transaction.
func (s *Service) Create(ctx context.Context, input CreateInput) (PaymentSchedule, error) {
	ids := dedupe(input.RequestIDs)
	if len(ids) == 0 {
		return PaymentSchedule{}, shared.Validationf("at least one payment request is required")
	}
	commitment, payment, err := parseDates(input.CommitmentDate, input.PaymentDate)
	if err != nil {
		return PaymentSchedule{}, err
	}
	if payment.Before(startOfDay(s.now())) {
		return PaymentSchedule{}, shared.Validationf("payment date cannot be earlier than today")
	}

	if err := s.checkExclusivity(ctx, ids, 0); err != nil {
		return PaymentSchedule{}, err
	}
	members, err := s.loadRequests(ctx, ids)
	if err != nil {
		return PaymentSchedule{}, err
	}
	if err := checkCommitmentCeiling(members, commitment, false); err != nil {
		return PaymentSchedule{}, err
	}

	sched := PaymentSchedule{
		CommitmentDate: commitment,
		PaymentDate:    payment,
		Notes:          input.Notes,
		Status:         StatusPendingApproval,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextScheduleNumber(ctx)
		if err != nil {
			return err
		}
		sched.ScheduleNumber = number
		id, err := tx.CreateSchedule(ctx, sched)
		if err != nil {
			return err
		}
		sched.ID = id
		for _, reqID := range ids {
			if err := tx.InsertLine(ctx, Line{ScheduleID: id, RequestID: reqID, Active: true}); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ScheduleID:   id,
			Action:       ActionCreated,
			StatusBefore: StatusPendingApproval,
			StatusAfter:  StatusPendingApproval,
			Detail:       fmt.Sprintf("schedule %s created with %d requests", number, len(ids)),
			Actor:        input.Actor.Name,
		})
	})
	if err != nil {
		// A concurrent creator may win the membership race between our
		// check and the insert; name the winning schedule. The winner may
		// already be gone by the re-query, so fall back to an unnamed
		// conflict rather than a storage error.
		if errors.Is(err, ErrMembershipTaken) {
			if conflictErr := s.checkExclusivity(ctx, ids, 0); conflictErr != nil {
				return PaymentSchedule{}, conflictErr
			}
			return PaymentSchedule{}, shared.Conflictf("requests already belong to active schedules")
		}
		return PaymentSchedule{}, err
	}
	return s.repo.Get(ctx, sched.ID)
}

// Update edits header and membership. Editing an APPROVED schedule always
// resets it to PENDING_APPROVAL and clears the approval stamps; editing a
// SENT_TO_FINANCE or CANCELLED schedule always fails.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (UpdateResult, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return UpdateResult{}, err
	}
	if current.Status == StatusSentToFinance {
		return UpdateResult{}, shared.Statef("schedule %s was sent to finance and is immutable", current.ScheduleNumber)
	}
	// A cancelled schedule released its members; editing it would re-claim
	// them while the schedule stays CANCELLED. Restart the flow first.
	if current.Status == StatusCancelled {
		return UpdateResult{}, shared.Statef("schedule %s is cancelled", current.ScheduleNumber)
	}
	commitment, payment, err := parseDates(input.CommitmentDate, input.PaymentDate)
	if err != nil {
		return UpdateResult{}, err
	}
	if payment.Before(startOfDay(current.CreatedAt)) {
		return UpdateResult{}, shared.Validationf("payment date cannot precede the schedule creation date")
	}

	ids := dedupe(input.RequestIDs)
	replaceLines := len(ids) > 0
	if replaceLines {
		if err := s.checkExclusivity(ctx, ids, id); err != nil {
			return UpdateResult{}, err
		}
		members, err := s.loadRequests(ctx, ids)
		if err != nil {
			return UpdateResult{}, err
		}
		if err := checkCommitmentCeiling(members, commitment, true); err != nil {
			return UpdateResult{}, err
		}
	}

	if !s.changed(current, ids, commitment, payment, input.Notes) {
		return UpdateResult{Schedule: current, Changed: false}, nil
	}

	approvalReset := current.Status == StatusApproved
	updated := current
	updated.CommitmentDate = commitment
	updated.PaymentDate = payment
	updated.Notes = input.Notes

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateHeader(ctx, updated); err != nil {
			return err
		}
		if replaceLines {
			if err := tx.DeleteLines(ctx, id); err != nil {
				return err
			}
			for _, reqID := range ids {
				if err := tx.InsertLine(ctx, Line{ScheduleID: id, RequestID: reqID, Active: true}); err != nil {
					return err
				}
			}
		}
		statusAfter := current.Status
		if approvalReset {
			statusAfter = StatusPendingApproval
			if err := tx.SetStatus(ctx, id, StatusPendingApproval); err != nil {
				return err
			}
			if err := tx.ClearApproval(ctx, id); err != nil {
				return err
			}
		}
		detail := "schedule updated"
		if approvalReset {
			detail = "schedule updated; prior approval reset"
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ScheduleID:   id,
			Action:       ActionUpdated,
			StatusBefore: current.Status,
			StatusAfter:  statusAfter,
			Detail:       detail,
			Actor:        input.Actor.Name,
		})
	})
	if err != nil {
		if errors.Is(err, ErrMembershipTaken) {
			if conflictErr := s.checkExclusivity(ctx, ids, id); conflictErr != nil {
				return UpdateResult{}, conflictErr
			}
			return UpdateResult{}, shared.Conflictf("requests already belong to active schedules")
		}
		return UpdateResult{}, err
	}
	sched, err := s.repo.Get(ctx, id)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Schedule: sched, Changed: true, ApprovalReset: approvalReset}, nil
}

// Approve moves the schedule to APPROVED once every linked non-rejected
// request is itself APPROVED.
func (s *Service) Approve(ctx context.Context, id int64, actor shared.Actor) (PaymentSchedule, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PaymentSchedule{}, err
	}
	if current.Status == StatusSentToFinance {
		return PaymentSchedule{}, shared.Statef("schedule %s was already sent to finance", current.ScheduleNumber)
	}
	if current.Status == StatusCancelled {
		return PaymentSchedule{}, shared.Statef("schedule %s is cancelled", current.ScheduleNumber)
	}
	if err := s.checkAllApproved(ctx, current); err != nil {
		return PaymentSchedule{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetStatus(ctx, id, StatusApproved); err != nil {
			return err
		}
		if err := tx.SetApproval(ctx, id, actor.ID, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ScheduleID:   id,
			Action:       ActionApproved,
			StatusBefore: current.Status,
			StatusAfter:  StatusApproved,
			Detail:       fmt.Sprintf("schedule %s approved", current.ScheduleNumber),
			Actor:        actor.Name,
		})
	})
	if err != nil {
		return PaymentSchedule{}, err
	}
	return s.repo.Get(ctx, id)
}

// SendToFinance marks an APPROVED schedule as handed to disbursement. The
// completeness condition is re-validated because edits may have altered
// membership after approval.
func (s *Service) SendToFinance(ctx context.Context, id int64, actor shared.Actor) (PaymentSchedule, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PaymentSchedule{}, err
	}
	if current.Status == StatusSentToFinance {
		return PaymentSchedule{}, shared.Statef("schedule %s was already sent to finance", current.ScheduleNumber)
	}
	if current.Status != StatusApproved {
		return PaymentSchedule{}, shared.Statef("schedule %s is not approved", current.ScheduleNumber)
	}
	if err := s.checkAllApproved(ctx, current); err != nil {
		return PaymentSchedule{}, err
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetStatus(ctx, id, StatusSentToFinance); err != nil {
			return err
		}
		if err := tx.SetSentToFinance(ctx, id, actor.ID, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ScheduleID:   id,
			Action:       ActionSentToFinance,
			StatusBefore: current.Status,
			StatusAfter:  StatusSentToFinance,
			Detail:       fmt.Sprintf("schedule %s sent to finance", current.ScheduleNumber),
			Actor:        actor.Name,
		})
	})
	if err != nil {
		return PaymentSchedule{}, err
	}
	return s.repo.Get(ctx, id)
}

// RestartFlow resets any non-initial schedule back to PENDING_APPROVAL and
// clears approval and send stamps. Restarting a cancelled schedule re-claims
// its member requests, so exclusivity is re-checked first.
func (s *Service) RestartFlow(ctx context.Context, id int64, actor shared.Actor) (PaymentSchedule, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PaymentSchedule{}, err
	}
	if current.Status == StatusPendingApproval {
		return PaymentSchedule{}, shared.Statef("schedule %s is already at the first approval level", current.ScheduleNumber)
	}
	reclaim := current.Status == StatusCancelled
	if reclaim {
		ids := make([]int64, 0, len(current.Lines))
		for _, line := range current.Lines {
			ids = append(ids, line.RequestID)
		}
		if err := s.checkExclusivity(ctx, ids, id); err != nil {
			return PaymentSchedule{}, err
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetStatus(ctx, id, StatusPendingApproval); err != nil {
			return err
		}
		if err := tx.ClearApproval(ctx, id); err != nil {
			return err
		}
		if err := tx.ClearSentToFinance(ctx, id); err != nil {
			return err
		}
		if reclaim {
			if err := tx.ReactivateLines(ctx, id); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ScheduleID:   id,
			Action:       ActionFlowRestarted,
			StatusBefore: current.Status,
			StatusAfter:  StatusPendingApproval,
			Detail:       fmt.Sprintf("schedule %s flow restarted", current.ScheduleNumber),
			Actor:        actor.Name,
		})
	})
	if err != nil {
		if errors.Is(err, ErrMembershipTaken) {
			ids := make([]int64, 0, len(current.Lines))
			for _, line := range current.Lines {
				ids = append(ids, line.RequestID)
			}
			if conflictErr := s.checkExclusivity(ctx, ids, id); conflictErr != nil {
				return PaymentSchedule{}, conflictErr
			}
			return PaymentSchedule{}, shared.Conflictf("requests already belong to active schedules")
		}
		return PaymentSchedule{}, err
	}
	return s.repo.Get(ctx, id)
}

// Cancel releases every member request: their lines stop counting toward the
// exclusivity invariant immediately.
func (s *Service) Cancel(ctx context.Context, id int64, actor shared.Actor) (PaymentSchedule, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PaymentSchedule{}, err
	}
	if current.Status == StatusSentToFinance {
		return PaymentSchedule{}, shared.Statef("schedule %s was already sent to finance", current.ScheduleNumber)
	}
	if current.Status == StatusCancelled {
		return PaymentSchedule{}, shared.Statef("schedule %s is already cancelled", current.ScheduleNumber)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetStatus(ctx, id, StatusCancelled); err != nil {
			return err
		}
		if err := tx.DeactivateLines(ctx, id); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ScheduleID:   id,
			Action:       ActionCancelled,
			StatusBefore: current.Status,
			StatusAfter:  StatusCancelled,
			Detail:       fmt.Sprintf("schedule %s cancelled", current.ScheduleNumber),
			Actor:        actor.Name,
		})
	})
	if err != nil {
		return PaymentSchedule{}, err
	}
	return s.repo.Get(ctx, id)
}

// Get returns a schedule with lines and audit trail.
func (s *Service) Get(ctx context.Context, id int64) (PaymentSchedule, error) {
	return s.repo.Get(ctx, id)
}

// List returns schedules matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]PaymentSchedule, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) checkExclusivity(ctx context.Context, ids []int64, excludeScheduleID int64) error {
	memberships, err := s.repo.ActiveMemberships(ctx, ids, excludeScheduleID)
	if err != nil {
		return err
	}
	if len(memberships) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var numbers []string
	for _, held := range memberships {
		for _, number := range held {
			if _, ok := seen[number]; ok {
				continue
			}
			seen[number] = struct{}{}
			numbers = append(numbers, number)
		}
	}
	sort.Strings(numbers)
	return shared.ConflictRefs("requests already belong to active schedules", numbers)
}

func (s *Service) loadRequests(ctx context.Context, ids []int64) ([]boletin.PaymentRequest, error) {
	members := make([]boletin.PaymentRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.requests.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		members = append(members, req)
	}
	return members, nil
}

// checkAllApproved verifies every linked non-rejected request is APPROVED.
// Rejected members are excluded from the completeness condition.
func (s *Service) checkAllApproved(ctx context.Context, sched PaymentSchedule) error {
	var offending []string
	for _, line := range sched.Lines {
		req, err := s.requests.Get(ctx, line.RequestID)
		if err != nil {
			return err
		}
		if req.Status == boletin.StatusRejected {
			continue
		}
		if req.Status != boletin.StatusApproved {
			offending = append(offending, req.DocNumber)
		}
	}
	if len(offending) > 0 {
		return shared.ConflictRefs("not all requests in the schedule are approved", offending)
	}
	return nil
}

func (s *Service) changed(current PaymentSchedule, ids []int64, commitment, payment time.Time, notes string) bool {
	if !current.CommitmentDate.Equal(commitment) || !current.PaymentDate.Equal(payment) || current.Notes != notes {
		return true
	}
	if len(ids) == 0 {
		return false
	}
	if len(ids) != len(current.Lines) {
		return true
	}
	existing := make(map[int64]struct{}, len(current.Lines))
	for _, line := range current.Lines {
		existing[line.RequestID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := existing[id]; !ok {
			return true
		}
	}
	return false
}

func checkCommitmentCeiling(members []boletin.PaymentRequest, commitment time.Time, skipRejected bool) error {
	endOfCommitment := startOfDay(commitment).AddDate(0, 0, 1)
	for _, req := range members {
		if skipRejected && req.Status == boletin.StatusRejected {
			continue
		}
		if !req.Date.Before(endOfCommitment) {
			return shared.Conflictf("request %s is dated after the commitment date", req.DocNumber)
		}
	}
	return nil
}

func parseDates(commitmentDate, paymentDate string) (time.Time, time.Time, error) {
	commitment, err := time.Parse(dateLayout, commitmentDate)
	if err != nil {
		return time.Time{}, time.Time{}, shared.Validationf("commitment date must be YYYY-MM-DD")
	}
	payment, err := time.Parse(dateLayout, paymentDate)
	if err != nil {
		return time.Time{}, time.Time{}, shared.Validationf("payment date must be YYYY-MM-DD")
	}
	return commitment, payment, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
