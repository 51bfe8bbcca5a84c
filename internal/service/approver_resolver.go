package service

import (
	"context"

	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

// DynamicRole is an approver that depends on the task being routed.
type DynamicRole int

const (
	DynamicRoleUnknown DynamicRole = iota
	// DepartmentHead is the active hod of the task's department.
	DepartmentHead
	// FinanceOfficer is the active cfo.
	FinanceOfficer
)

// ParseDynamicRole maps a stage's approver value onto a DynamicRole.
func ParseDynamicRole(value string) DynamicRole {
	switch value {
	case "HOD":
		return DepartmentHead
	case "CFO":
		return FinanceOfficer
	default:
		return DynamicRoleUnknown
	}
}

func (r DynamicRole) String() string {
	switch r {
	case DepartmentHead:
		return "HOD"
	case FinanceOfficer:
		return "CFO"
	default:
		return "unknown"
	}
}

type dynamicResolver func(ctx context.Context, dir repository.DirectoryStore, task *repository.Task) (*repository.User, error)

var dynamicResolvers = map[DynamicRole]dynamicResolver{
	DepartmentHead: resolveDepartmentHead,
	FinanceOfficer: resolveFinanceOfficer,
}

func resolveDepartmentHead(ctx context.Context, dir repository.DirectoryStore, task *repository.Task) (*repository.User, error) {
	if task.DepartmentID == nil {
		return nil, nil
	}
	return dir.FirstActiveUserWithRole(ctx, repository.RoleHOD, task.DepartmentID)
}

func resolveFinanceOfficer(ctx context.Context, dir repository.DirectoryStore, _ *repository.Task) (*repository.User, error) {
	return dir.FirstActiveUserWithRole(ctx, repository.RoleCFO, nil)
}

// ResolveApprovers builds one pending row per stage that resolves to a user.
// Unresolvable stages are skipped; level orders are copied from the stages.
// Only directory failures are returned as errors.
func ResolveApprovers(ctx context.Context, dir repository.DirectoryStore, task *repository.Task, stages []repository.ApprovalTemplateStage) ([]*repository.TaskApprover, error) {
	approvers := make([]*repository.TaskApprover, 0, len(stages))
	for _, stage := range stages {
		userID, err := resolveStage(ctx, dir, task, stage)
		if err != nil {
			return nil, err
		}
		if userID == "" {
			continue
		}
		approvers = append(approvers, &repository.TaskApprover{
			TaskID:         task.ID,
			LevelOrder:     stage.LevelOrder,
			ApproverUserID: userID,
			Status:         repository.ApproverStatusPending,
		})
	}
	return approvers, nil
}

func resolveStage(ctx context.Context, dir repository.DirectoryStore, task *repository.Task, stage repository.ApprovalTemplateStage) (string, error) {
	var (
		user *repository.User
		err  error
	)
	switch stage.ApproverType {
	case repository.ApproverTypeUser:
		return stage.ApproverValue, nil
	case repository.ApproverTypeRole:
		user, err = dir.FirstActiveUserWithRole(ctx, stage.ApproverValue, nil)
	case repository.ApproverTypeDynamicRole:
		resolve, ok := dynamicResolvers[ParseDynamicRole(stage.ApproverValue)]
		if !ok {
			return "", nil
		}
		user, err = resolve(ctx, dir, task)
	default:
		return "", nil
	}
	if err != nil || user == nil {
		return "", err
	}
	return user.ID, nil
}
