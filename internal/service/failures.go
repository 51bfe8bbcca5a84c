package service

import "github.com/pesio-ai/be-task-approvals/internal/platform/errors"

// Business failures. Compare with errors.Is; messages are refined per call
// with WithMessage.
var (
	ErrTaskNotFound            = errors.Rule(errors.ErrCodeNotFound, "TaskNotFound", "task not found")
	ErrForbidden               = errors.Rule(errors.ErrCodeForbidden, "Forbidden", "actor may not perform this operation")
	ErrAlreadyCompleted        = errors.Rule(errors.ErrCodeConflict, "AlreadyCompleted", "task already completed")
	ErrAlreadySubmitted        = errors.Rule(errors.ErrCodeConflict, "AlreadySubmitted", "task is already awaiting approval")
	ErrNoApproverPath          = errors.Rule(errors.ErrCodeBusinessRule, "NoApproverPath", "no approvers could be determined")
	ErrNoMatchingTemplate      = errors.Rule(errors.ErrCodeBusinessRule, "NoMatchingTemplate", "no matching approval template found")
	ErrTemplateMissing         = errors.Rule(errors.ErrCodeBusinessRule, "TemplateMissing", "approval template not found")
	ErrNoPendingApproval       = errors.Rule(errors.ErrCodeForbidden, "NoPendingApproval", "no pending approval found for this user")
	ErrPreviousLevelIncomplete = errors.Rule(errors.ErrCodeConflict, "PreviousLevelIncomplete", "previous approval levels must be completed first")
	ErrNoTargetUser            = errors.Rule(errors.ErrCodeBusinessRule, "NoTargetUser", "no target user found for rejection")
	ErrInvalidStatusTransition = errors.Rule(errors.ErrCodeConflict, "InvalidStatusTransition", "cannot change status of task in approval or completed")
	ErrTemplateInUse           = errors.Rule(errors.ErrCodeConflict, "TemplateInUse", "approval template is referenced by tasks")
)

// taskNotFound maps a store not-found onto ErrTaskNotFound and passes every
// other error through.
func taskNotFound(err error, id string) error {
	if errors.IsNotFound(err) {
		return ErrTaskNotFound.WithMessage("task not found: %s", id)
	}
	return err
}
