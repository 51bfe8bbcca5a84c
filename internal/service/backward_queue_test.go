package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

func path(hops ...[2]string) []*repository.TaskNode {
	nodes := make([]*repository.TaskNode, 0, len(hops))
	for _, h := range hops {
		nodes = append(nodes, &repository.TaskNode{FromUserID: h[0], ToUserID: h[1]})
	}
	return nodes
}

func TestBuildBackwardQueue(t *testing.T) {
	tests := []struct {
		name      string
		nodes     []*repository.TaskNode
		completer string
		want      []string
	}{
		{
			name:      "linear chain",
			nodes:     path([2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "D"}),
			completer: "D",
			want:      []string{"C", "B", "A"},
		},
		{
			name:      "revisited user keeps first position",
			nodes:     path([2]string{"A", "B"}, [2]string{"B", "A"}, [2]string{"A", "C"}),
			completer: "C",
			want:      []string{"B", "A"},
		},
		{
			name:      "completer appears mid path",
			nodes:     path([2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "B"}),
			completer: "B",
			want:      []string{"C", "A"},
		},
		{
			name:      "self forward only",
			nodes:     path([2]string{"A", "A"}),
			completer: "A",
			want:      nil,
		},
		{
			name:      "no nodes",
			completer: "A",
			want:      nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildBackwardQueue(tt.nodes, tt.completer))
		})
	}
}

func TestQueueToApproversAssignsLevels(t *testing.T) {
	rows := queueToApprovers("t1", []string{"C", "B", "A"})
	if assert.Len(t, rows, 3) {
		for i, r := range rows {
			assert.Equal(t, i+1, r.LevelOrder)
			assert.Equal(t, repository.ApproverStatusPending, r.Status)
			assert.Equal(t, "t1", r.TaskID)
		}
		assert.Equal(t, "C", rows[0].ApproverUserID)
	}
}
