package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/samber/lo"

	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/notify"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/observability/tracing"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// Service runs the maker-checker workflow
type Service struct {
	repo        Repository
	groups      GroupChecker
	types       TypeChecker
	users       UserChecker
	notifier    notify.Notifier
	auditLogger audit.Logger
	invalidator Invalidator
	recorder    Recorder
	policy      Policy
	now         func() time.Time
}

// Option customizes a Service
type Option func(*Service)

// WithInvalidator sets the hook that drops cached authorization context
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

// WithRecorder sets the workflow metrics recorder
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new approval service
func NewService(
	repo Repository,
	groups GroupChecker,
	types TypeChecker,
	users UserChecker,
	notifier notify.Notifier,
	auditLogger audit.Logger,
	policy Policy,
	opts ...Option,
) *Service {
	s := &Service{
		repo:        repo,
		groups:      groups,
		types:       types,
		users:       users,
		notifier:    notifier,
		auditLogger: auditLogger,
		policy:      policy,
		invalidator: noopInvalidator{},
		recorder:    noopRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Propose validates a batch of binding changes for userID and inserts the
// surviving rows in one transaction. Changes for pairs with a pending row are
// skipped and reported; any other invalid item fails the whole batch.
func (s *Service) Propose(ctx context.Context, actor rbac.Actor, userID int64, changes []Change) (*ProposeResult, error) {
	ctx, span := tracing.Span(ctx, "approval", "approval.propose")
	defer span.End()

	if len(changes) == 0 {
		return nil, ErrInvalidProposal.WithItems(errs.Item{Field: "changes", Message: "at least one change is required"})
	}

	ok, err := s.users.IsActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check user: %w", err)
	}
	if !ok {
		return nil, ErrInvalidProposal.WithItems(errs.Item{Field: "userId", Value: userID, Message: "user does not exist or is inactive"})
	}

	if items := shapeErrors(changes); len(items) > 0 {
		return nil, ErrInvalidProposal.WithItems(items...)
	}
	if items, err := s.groupErrors(ctx, changes); err != nil || len(items) > 0 {
		return nil, orInvalid(err, items)
	}
	if items, err := s.pairErrors(ctx, changes); err != nil || len(items) > 0 {
		return nil, orInvalid(err, items)
	}

	result := &ProposeResult{Created: []*Binding{}, Skipped: []Skipped{}}
	var rows []*Binding
	var items []errs.Item
	now := s.now()
	approved := actor.IsSuperadmin()

	for i, c := range changes {
		pending, err := s.repo.HasPending(ctx, userID, c.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to check pending requests: %w", err)
		}
		if pending {
			result.Skipped = append(result.Skipped, Skipped{Index: i, GroupID: c.GroupID, Reason: "a pending request already exists for this group"})
			continue
		}

		row := &Binding{
			UserID:    userID,
			GroupID:   c.GroupID,
			TypeID:    c.TypeID,
			IsDefault: c.IsDefault,
			RowAction: c.RowAction,
			State:     StateWaiting,
			MadeBy:    actor.UserID,
			MadeAt:    now,
			Changelog: c.Changelog,
			Status:    rbac.StatusActive,
		}

		effective, err := s.repo.Effective(ctx, userID, c.GroupID)
		switch {
		case err != nil && errs.KindOf(err) != errs.KindNotFound:
			return nil, fmt.Errorf("failed to load effective binding: %w", err)
		case c.RowAction == RowCreate && effective != nil:
			items = append(items, errs.Item{Index: i, Field: "groupId", Value: c.GroupID, Message: "user is already bound to this group"})
			continue
		case c.RowAction == RowCreate:
			row.MainID = uuid.NewString()
		case effective == nil:
			items = append(items, errs.Item{Index: i, Field: "groupId", Value: c.GroupID, Message: "user has no binding to this group"})
			continue
		default:
			row.MainID = effective.MainID
			if c.RowAction == RowDelete && row.TypeID == 0 {
				row.TypeID = effective.TypeID
			}
		}

		if approved {
			row.State = StateApproved
			row.CheckedBy = null.IntFrom(actor.UserID)
			row.CheckedAt = null.TimeFrom(now)
		}
		rows = append(rows, row)
	}

	if len(items) > 0 {
		return nil, ErrInvalidProposal.WithItems(items...)
	}
	if len(rows) == 0 {
		return result, nil
	}

	if err := s.repo.InsertBatch(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to insert bindings: %w", err)
	}
	result.Created = rows
	s.recorder.Proposed(ctx, string(rows[0].State), len(rows))

	for _, r := range rows {
		s.auditLogger.Log(ctx, audit.Event{
			ServiceName: audit.ServiceApproval,
			Action:      audit.ActionBindingProposed,
			Message:     fmt.Sprintf("%s binding of user %d to group %d (%s)", r.RowAction, r.UserID, r.GroupID, r.State),
			Snapshot:    map[string]any{"before": nil, "after": r},
		}.WithActor(actor))
		if r.State == StateApproved {
			s.invalidator.InvalidateContext(ctx, r.UserID, r.GroupID)
		}
	}

	return result, nil
}

// ValidateInitial checks the bindings proposed for a user that does not exist
// yet: the same batch rules as Propose, and only CREATE rows.
func (s *Service) ValidateInitial(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return ErrInvalidProposal.WithItems(errs.Item{Field: "changes", Message: "at least one change is required"})
	}
	items := shapeErrors(changes)
	for i, c := range changes {
		if c.RowAction.Valid() && c.RowAction != RowCreate {
			items = append(items, errs.Item{Index: i, Field: "rowAction", Value: c.RowAction, Message: "a new user has no binding to change"})
		}
	}
	if len(items) > 0 {
		return ErrInvalidProposal.WithItems(items...)
	}
	if items, err := s.groupErrors(ctx, changes); err != nil || len(items) > 0 {
		return orInvalid(err, items)
	}
	if items, err := s.pairErrors(ctx, changes); err != nil || len(items) > 0 {
		return orInvalid(err, items)
	}
	return nil
}

// Approve moves a WAITING row to APPROVED
func (s *Service) Approve(ctx context.Context, actor rbac.Actor, id int64, changelog string) (*Binding, error) {
	return s.resolve(ctx, actor, id, StateApproved, changelog)
}

// Reject moves a WAITING row to REJECTED
func (s *Service) Reject(ctx context.Context, actor rbac.Actor, id int64, changelog string) (*Binding, error) {
	return s.resolve(ctx, actor, id, StateRejected, changelog)
}

func (s *Service) resolve(ctx context.Context, actor rbac.Actor, id int64, state State, changelog string) (*Binding, error) {
	ctx, span := tracing.Span(ctx, "approval", "approval.resolve")
	defer span.End()

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() || current.CheckedAt.Valid {
		return nil, ErrAlreadyProcessed
	}
	if !actor.IsSuperadmin() {
		if current.GroupID != actor.GroupID {
			return nil, ErrOutsideGroup
		}
		if s.policy.ForbidSelfApproval && current.MadeBy == actor.UserID {
			return nil, ErrSelfApproval
		}
	}

	// The repository re-checks WAITING inside the update; a concurrent
	// resolver loses here with ErrAlreadyProcessed.
	resolved, err := s.repo.Resolve(ctx, id, state, actor.UserID, changelog, s.now())
	if err != nil {
		return nil, err
	}

	s.recorder.Resolution(ctx, string(state))
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceApproval,
		Action:      lo.Ternary(state == StateApproved, audit.ActionBindingApproved, audit.ActionBindingRejected),
		Message:     fmt.Sprintf("binding %d %s", id, state),
		Snapshot:    map[string]any{"before": current, "after": resolved},
	}.WithActor(actor))

	s.notifier.Notify(ctx, notify.Notification{
		FromUserID: actor.UserID,
		Action:     string(state),
		ForUserID:  resolved.MadeBy,
		Message:    fmt.Sprintf("your %s request for user %d in group %d was %s", resolved.RowAction, resolved.UserID, resolved.GroupID, state),
		Payload:    resolved,
	})

	if state == StateApproved {
		s.invalidator.InvalidateContext(ctx, resolved.UserID, resolved.GroupID)
	}

	slog.InfoContext(ctx, "binding resolved",
		logger.BindingID(id),
		logger.MainID(resolved.MainID),
		logger.UserID(actor.UserID),
		slog.String("state", string(state)),
	)
	return resolved, nil
}

// PendingForGroup is the checker queue: WAITING rows of the actor's group.
// Superadmin actors see every group.
func (s *Service) PendingForGroup(ctx context.Context, actor rbac.Actor, req paging.Request) (paging.Page[*Binding], error) {
	f := PendingFilter{GroupID: actor.GroupID}
	if actor.IsSuperadmin() {
		f.GroupID = 0
	}
	return s.pending(ctx, f, req)
}

// PendingForMe is the maker's self-tracking queue: WAITING rows bound to the actor.
func (s *Service) PendingForMe(ctx context.Context, actor rbac.Actor, req paging.Request) (paging.Page[*Binding], error) {
	return s.pending(ctx, PendingFilter{UserID: actor.UserID}, req)
}

func (s *Service) pending(ctx context.Context, f PendingFilter, req paging.Request) (paging.Page[*Binding], error) {
	items, total, err := s.repo.ListPending(ctx, f, req.Normalize())
	if err != nil {
		return paging.Page[*Binding]{}, fmt.Errorf("failed to list pending bindings: %w", err)
	}
	return paging.Build(req, total, items), nil
}

// Effective returns the binding currently in force for the pair
func (s *Service) Effective(ctx context.Context, userID, groupID int64) (*Binding, error) {
	return s.repo.Effective(ctx, userID, groupID)
}

// EffectiveForUser returns the bindings in force for a user, default first,
// then most recently approved.
func (s *Service) EffectiveForUser(ctx context.Context, userID int64) ([]*Binding, error) {
	rows, err := s.repo.EffectiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load effective bindings: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].IsDefault != rows[j].IsDefault {
			return rows[i].IsDefault
		}
		return rows[i].CheckedAt.Time.After(rows[j].CheckedAt.Time)
	})
	return rows, nil
}

func shapeErrors(changes []Change) []errs.Item {
	var items []errs.Item
	for i, c := range changes {
		if !c.RowAction.Valid() {
			items = append(items, errs.Item{Index: i, Field: "rowAction", Value: c.RowAction, Message: "unknown row action"})
		}
		if c.GroupID <= 0 {
			items = append(items, errs.Item{Index: i, Field: "groupId", Message: "group is required"})
		}
		if c.TypeID <= 0 && c.RowAction != RowDelete {
			items = append(items, errs.Item{Index: i, Field: "typeId", Message: "type is required"})
		}
	}
	for _, g := range lo.FindDuplicates(lo.Map(changes, func(c Change, _ int) int64 { return c.GroupID })) {
		items = append(items, errs.Item{Field: "groupId", Value: g, Message: "group appears more than once in the batch"})
	}
	return items
}

func (s *Service) groupErrors(ctx context.Context, changes []Change) ([]errs.Item, error) {
	var items []errs.Item
	active := make(map[int64]bool)
	for _, g := range lo.Uniq(lo.Map(changes, func(c Change, _ int) int64 { return c.GroupID })) {
		ok, err := s.groups.IsActive(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("failed to check group: %w", err)
		}
		active[g] = ok
	}
	for i, c := range changes {
		if !active[c.GroupID] {
			items = append(items, errs.Item{Index: i, Field: "groupId", Value: c.GroupID, Message: "group does not exist or is inactive"})
		}
	}
	return items, nil
}

func (s *Service) pairErrors(ctx context.Context, changes []Change) ([]errs.Item, error) {
	var items []errs.Item
	valid := make(map[Pair]bool)
	for i, c := range changes {
		if c.TypeID == 0 {
			continue
		}
		p := Pair{GroupID: c.GroupID, TypeID: c.TypeID}
		ok, seen := valid[p]
		if !seen {
			var err error
			if ok, err = s.types.BelongsToGroup(ctx, c.TypeID, c.GroupID); err != nil {
				return nil, fmt.Errorf("failed to check type: %w", err)
			}
			valid[p] = ok
		}
		if !ok {
			items = append(items, errs.Item{Index: i, Field: "typeId", Value: c.TypeID, Message: "type is not an active type of the group"})
		}
	}
	return items, nil
}

func orInvalid(err error, items []errs.Item) error {
	if err != nil {
		return err
	}
	return ErrInvalidProposal.WithItems(items...)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateContext(context.Context, int64, int64) {}

type noopRecorder struct{}

func (noopRecorder) Proposed(context.Context, string, int) {}

func (noopRecorder) Resolution(context.Context, string) {}
