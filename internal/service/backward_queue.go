package service

import "github.com/pesio-ai/be-task-approvals/internal/repository"

// BuildBackwardQueue turns a forwarding path into the 360 approval order.
// Nodes must be oldest first. Every participant except the completer is
// listed once, by first appearance (sender before receiver), and the list is
// then reversed so the most recent hand-off approves first.
func BuildBackwardQueue(nodes []*repository.TaskNode, completerID string) []string {
	seen := make(map[string]struct{})
	var order []string
	add := func(id string) {
		if id == completerID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		order = append(order, id)
	}
	for _, n := range nodes {
		add(n.FromUserID)
		add(n.ToUserID)
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// queueToApprovers assigns levels 1..N in queue order.
func queueToApprovers(taskID string, queue []string) []*repository.TaskApprover {
	approvers := make([]*repository.TaskApprover, 0, len(queue))
	for i, userID := range queue {
		approvers = append(approvers, &repository.TaskApprover{
			TaskID:         taskID,
			LevelOrder:     i + 1,
			ApproverUserID: userID,
			Status:         repository.ApproverStatusPending,
		})
	}
	return approvers
}
