package service

import "github.com/pesio-ai/be-task-approvals/internal/repository"

// MatchTemplate returns the first template, in the order given, whose
// condition holds for the task. Callers pass active templates newest first.
// departmentName is the name of the task's department, nil when it has none.
// Templates whose stored condition failed to parse are skipped.
func MatchTemplate(task *repository.Task, departmentName *string, templates []*repository.ApprovalTemplate) (*repository.ApprovalTemplate, error) {
	for _, t := range templates {
		if t.Condition == nil {
			continue
		}
		if conditionHolds(t.Condition, departmentName, task.Amount) {
			return t, nil
		}
	}
	return nil, ErrNoMatchingTemplate
}

func conditionHolds(c *repository.Condition, departmentName *string, amount *float64) bool {
	if c.Department != nil {
		if departmentName == nil || *departmentName != *c.Department {
			return false
		}
	}
	if c.AmountMin != nil {
		if amount == nil || *amount < *c.AmountMin {
			return false
		}
	}
	return true
}
