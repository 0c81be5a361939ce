package domain

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/globus/action-provider-tools/pkg/schemax"
)

type ActionStatusValue string

const (
	StatusActive    ActionStatusValue = "ACTIVE"
	StatusInactive  ActionStatusValue = "INACTIVE"
	StatusSucceeded ActionStatusValue = "SUCCEEDED"
	StatusFailed    ActionStatusValue = "FAILED"
)

// DefaultReleaseAfter is how long a completed action is kept when the
// request does not say.
const DefaultReleaseAfter = 30 * 24 * time.Hour

// Action is one run of the provider. CreatorID, MonitorBy and ManageBy hold
// principal URNs.
type Action struct {
	ActionID      string
	RequestID     string
	Status        ActionStatusValue
	DisplayStatus string
	CreatorID     string
	Label         string
	MonitorBy     []string
	ManageBy      []string
	Details       map[string]any

	// Result is computed at run time and only revealed once the action
	// completes.
	Result map[string]any

	StartTime           time.Time
	EstimatedCompletion time.Time
	CompletionTime      *time.Time
	ReleaseAfter        time.Duration
}

func (a Action) IsTerminal() bool {
	return a.Status == StatusSucceeded || a.Status == StatusFailed
}

// Expired reports whether a terminal action has outlived ReleaseAfter.
func (a Action) Expired(now time.Time) bool {
	return a.IsTerminal() && a.CompletionTime != nil && !now.Before(a.CompletionTime.Add(a.ReleaseAfter))
}

// ActionStatus is the wire form of an Action.
type ActionStatus struct {
	ActionID       string            `json:"action_id"`
	Status         ActionStatusValue `json:"status"`
	DisplayStatus  string            `json:"display_status,omitempty"`
	CreatorID      string            `json:"creator_id"`
	Label          string            `json:"label,omitempty"`
	MonitorBy      []string          `json:"monitor_by"`
	ManageBy       []string          `json:"manage_by"`
	StartTime      time.Time         `json:"start_time"`
	CompletionTime *time.Time        `json:"completion_time,omitempty"`
	ReleaseAfter   string            `json:"release_after"`
	Details        map[string]any    `json:"details"`
}

func (a Action) ToStatus() ActionStatus {
	details := a.Details
	if details == nil {
		details = map[string]any{}
	}
	monitorBy, manageBy := a.MonitorBy, a.ManageBy
	if monitorBy == nil {
		monitorBy = []string{}
	}
	if manageBy == nil {
		manageBy = []string{}
	}
	return ActionStatus{
		ActionID:       a.ActionID,
		Status:         a.Status,
		DisplayStatus:  a.DisplayStatus,
		CreatorID:      a.CreatorID,
		Label:          a.Label,
		MonitorBy:      monitorBy,
		ManageBy:       manageBy,
		StartTime:      a.StartTime,
		CompletionTime: a.CompletionTime,
		ReleaseAfter:   FormatISODuration(a.ReleaseAfter),
		Details:        details,
	}
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	RequestID    string         `json:"request_id"`
	Body         map[string]any `json:"body"`
	Label        string         `json:"label,omitempty"`
	MonitorBy    []string       `json:"monitor_by,omitempty"`
	ManageBy     []string       `json:"manage_by,omitempty"`
	ReleaseAfter string         `json:"release_after,omitempty"`
}

var ErrInvalidRequest = errors.New("invalid request")

var (
	//go:embed schemas/action_request.json
	actionRequestSchema []byte
	//go:embed schemas/action_status.json
	actionStatusSchema []byte

	actionRequestValidator = schemax.MustNewBytes(actionRequestSchema)
	actionStatusValidator  = schemax.MustNewBytes(actionStatusSchema)
)

// Validate checks the envelope against the ActionRequest schema. The body is
// validated by the action itself.
func (r RunRequest) Validate() error {
	if err := actionRequestValidator.Validate(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.ReleaseAfter != "" {
		if _, err := ParseISODuration(r.ReleaseAfter); err != nil {
			return fmt.Errorf("%w: release_after: %w", ErrInvalidRequest, err)
		}
	}
	return nil
}

// Validate checks a status against the ActionStatus schema.
func (s ActionStatus) Validate() error {
	return actionStatusValidator.Validate(s)
}

// LogEntry is one line of an action's log.
type LogEntry struct {
	Time        time.Time `json:"time"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
}
