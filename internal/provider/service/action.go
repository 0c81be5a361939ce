package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/globus/action-provider-tools/internal/provider/domain"
	"github.com/globus/action-provider-tools/internal/provider/store"
	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/idx"
	"github.com/globus/action-provider-tools/pkg/schemax"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

var (
	// ErrActionNotFound is returned both for unknown actions and for actions
	// the caller may not see.
	ErrActionNotFound = errors.New("action not found")
	ErrInvalidState   = errors.New("action is in the wrong state")
)

// Log codes written to an action's log.
const (
	LogActionStarted   = "ActionStarted"
	LogActionSucceeded = "ActionSucceeded"
	LogActionCancelled = "ActionCancelled"
)

// DefaultLogLimit caps GET /{action_id}/log when the caller gives no limit.
const DefaultLogLimit = 10

// Caller is the authenticated side of a request. *authstate.AuthState
// implements it.
type Caller interface {
	EffectiveIdentity(ctx context.Context) (string, error)
	Identities(ctx context.Context) ([]string, error)
	CheckAuthorization(ctx context.Context, allowed []string, opts ...authstate.CheckOption) (bool, error)
}

var _ Caller = (*authstate.AuthState)(nil)

// ActionService runs the "what time is it" action: it reports the current
// time at a UTC offset once ProcessingTime has elapsed.
type ActionService struct {
	Store          store.Store
	ProcessingTime time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

func (s *ActionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Run starts an action for req. A request id the caller already used
// returns the existing action and created=false.
func (s *ActionService) Run(ctx context.Context, caller Caller, req domain.RunRequest) (a domain.Action, created bool, err error) {
	l := slogx.FromContext(ctx)

	if err := req.Validate(); err != nil {
		return domain.Action{}, false, err
	}
	offset, err := validateBody(req.Body)
	if err != nil {
		return domain.Action{}, false, err
	}
	if err := validatePrincipals("monitor_by", req.MonitorBy); err != nil {
		return domain.Action{}, false, err
	}
	if err := validatePrincipals("manage_by", req.ManageBy); err != nil {
		return domain.Action{}, false, err
	}

	creator, err := caller.EffectiveIdentity(ctx)
	if err != nil {
		return domain.Action{}, false, err
	}

	existing, err := s.Store.Actions().GetActionByRequest(ctx, creator, req.RequestID)
	switch {
	case err == nil:
		l.Info("run request replayed", "action_id", existing.ActionID, "request_id", req.RequestID)
		replay, err := s.reconcile(ctx, existing)
		return replay, false, err
	case !errors.Is(err, store.ErrNotFound):
		return domain.Action{}, false, err
	}

	identities, err := caller.Identities(ctx)
	if err != nil {
		return domain.Action{}, false, err
	}

	releaseAfter := domain.DefaultReleaseAfter
	if req.ReleaseAfter != "" {
		// Validate already parsed it once.
		releaseAfter, _ = domain.ParseISODuration(req.ReleaseAfter)
	}

	now := s.now()
	done := now.Add(s.ProcessingTime)
	a = domain.Action{
		ActionID:      string(idx.New()),
		RequestID:     req.RequestID,
		Status:        domain.StatusActive,
		DisplayStatus: string(domain.StatusActive),
		CreatorID:     creator,
		Label:         req.Label,
		MonitorBy:     orDefault(req.MonitorBy, identities),
		ManageBy:      orDefault(req.ManageBy, identities),
		Details: map[string]any{
			"estimated_completion_time": done.Format(time.RFC3339),
		},
		Result: map[string]any{
			"whattimeisit": now.In(time.FixedZone("", int(offset*3600))).Format(time.RFC3339),
		},
		StartTime:           now,
		EstimatedCompletion: done,
		ReleaseAfter:        releaseAfter,
	}

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Actions().CreateAction(ctx, a); err != nil {
			return err
		}
		return tx.Actions().AppendLog(ctx, a.ActionID, domain.LogEntry{
			Time:        now,
			Code:        LogActionStarted,
			Description: "action started",
		})
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost a race with a concurrent run of the same request.
		existing, err := s.Store.Actions().GetActionByRequest(ctx, creator, req.RequestID)
		if err != nil {
			return domain.Action{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		l.Error("failed to create action", "error", err)
		return domain.Action{}, false, err
	}

	l.Info("action started", "action_id", a.ActionID, "request_id", a.RequestID, "creator_id", creator)
	return a, true, nil
}

// Status returns the action if the caller may monitor it.
func (s *ActionService) Status(ctx context.Context, caller Caller, actionID string) (domain.Action, error) {
	a, err := s.get(ctx, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := AuthorizeAccess(ctx, caller, a); err != nil {
		return domain.Action{}, err
	}
	return s.reconcile(ctx, a)
}

// Log returns up to limit log entries of an action the caller may monitor.
func (s *ActionService) Log(ctx context.Context, caller Caller, actionID string, limit int) ([]domain.LogEntry, error) {
	a, err := s.get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeAccess(ctx, caller, a); err != nil {
		return nil, err
	}
	if _, err := s.reconcile(ctx, a); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return s.Store.Actions().ListLog(ctx, actionID, limit)
}

// Cancel fails a running action. Completed actions cannot be cancelled.
func (s *ActionService) Cancel(ctx context.Context, caller Caller, actionID string) (domain.Action, error) {
	a, err := s.get(ctx, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := AuthorizeManagement(ctx, caller, a); err != nil {
		return domain.Action{}, err
	}
	a, err = s.reconcile(ctx, a)
	if err != nil {
		return domain.Action{}, err
	}
	if a.IsTerminal() {
		return domain.Action{}, fmt.Errorf("%w: %s already completed", ErrInvalidState, actionID)
	}

	now := s.now()
	a.Status = domain.StatusFailed
	a.DisplayStatus = string(domain.StatusFailed)
	a.CompletionTime = &now
	a.Details = map[string]any{"message": "Job cancelled", "error": "CANCELLED"}

	if err := s.update(ctx, a, LogActionCancelled, "action cancelled"); err != nil {
		return domain.Action{}, err
	}
	slogx.FromContext(ctx).Info("action cancelled", "action_id", actionID)
	return a, nil
}

// Release forgets a completed action. Running actions cannot be released.
func (s *ActionService) Release(ctx context.Context, caller Caller, actionID string) (domain.Action, error) {
	a, err := s.get(ctx, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := AuthorizeManagement(ctx, caller, a); err != nil {
		return domain.Action{}, err
	}
	a, err = s.reconcile(ctx, a)
	if err != nil {
		return domain.Action{}, err
	}
	if !a.IsTerminal() {
		return domain.Action{}, fmt.Errorf("%w: %s has not completed", ErrInvalidState, actionID)
	}

	if err := s.Store.Actions().DeleteAction(ctx, actionID); err != nil {
		return domain.Action{}, mapNotFound(err)
	}
	slogx.FromContext(ctx).Info("action released", "action_id", actionID)
	return a, nil
}

// get treats actions past release_after as gone even before housekeeping
// deletes them.
func (s *ActionService) get(ctx context.Context, actionID string) (domain.Action, error) {
	a, err := s.Store.Actions().GetAction(ctx, actionID)
	if err != nil {
		return domain.Action{}, mapNotFound(err)
	}
	if a.Expired(s.now()) {
		return domain.Action{}, ErrActionNotFound
	}
	return a, nil
}

// reconcile completes a running action whose estimated completion has
// passed, revealing its result.
func (s *ActionService) reconcile(ctx context.Context, a domain.Action) (domain.Action, error) {
	if a.IsTerminal() || s.now().Before(a.EstimatedCompletion) {
		return a, nil
	}

	done := a.EstimatedCompletion
	a.Status = domain.StatusSucceeded
	a.DisplayStatus = string(domain.StatusSucceeded)
	a.CompletionTime = &done
	a.Details = a.Result

	if err := s.update(ctx, a, LogActionSucceeded, "action completed"); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

func (s *ActionService) update(ctx context.Context, a domain.Action, code, desc string) error {
	return s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Actions().UpdateAction(ctx, a); err != nil {
			return mapNotFound(err)
		}
		return tx.Actions().AppendLog(ctx, a.ActionID, domain.LogEntry{
			Time:        s.now(),
			Code:        code,
			Description: desc,
		})
	})
}

// AuthorizeAccess allows the creator and monitor_by principals. Anyone else
// gets ErrActionNotFound so that action ids do not leak.
func AuthorizeAccess(ctx context.Context, caller Caller, a domain.Action) error {
	return authorize(ctx, caller, a, a.MonitorBy)
}

// AuthorizeManagement allows the creator and manage_by principals.
func AuthorizeManagement(ctx context.Context, caller Caller, a domain.Action) error {
	return authorize(ctx, caller, a, a.ManageBy)
}

func authorize(ctx context.Context, caller Caller, a domain.Action, extra []string) error {
	allowed := append([]string{a.CreatorID}, extra...)
	ok, err := caller.CheckAuthorization(ctx, allowed, authstate.AllowAllAuthenticatedUsers())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, a.ActionID)
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrActionNotFound
	}
	return err
}

// validateBody checks body against InputSchema and returns its utc_offset.
func validateBody(body map[string]any) (float64, error) {
	if err := inputValidator.Validate(body); err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	switch v := body["utc_offset"].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: 'utc_offset' is not a number", domain.ErrInvalidRequest)
}

func validatePrincipals(field string, ps []string) error {
	for _, p := range ps {
		if p == authstate.PrincipalAllAuthenticatedUsers || authstate.IsIdentityPrincipal(p) || authstate.IsGroupPrincipal(p) {
			continue
		}
		return fmt.Errorf("%w: %s: %q is not a principal URN", domain.ErrInvalidRequest, field, p)
	}
	return nil
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

var inputValidator = schemax.MustNew(InputSchema())

// InputSchema is the JSON schema of a run request body.
func InputSchema() map[string]any {
	return map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"utc_offset": map[string]any{
				"type":        "number",
				"minimum":     -12,
				"maximum":     14,
				"description": "Hours east of UTC to report the time in",
			},
		},
		"required":             []string{"utc_offset"},
		"additionalProperties": false,
	}
}
