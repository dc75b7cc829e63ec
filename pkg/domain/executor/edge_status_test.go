package executor

import (
	"testing"

	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func edgesWithStatuses(statuses ...domain.EdgeStatus) []*domain.Edge {
	edges := make([]*domain.Edge, 0, len(statuses))

	for _, status := range statuses {
		edges = append(edges, &domain.Edge{Status: status})
	}

	return edges
}

func TestGetNodeRunStatus(t *testing.T) {
	tests := []struct {
		name     string
		incoming []*domain.Edge
		expected NodeRunStatus
	}{
		{name: "no incoming edges", incoming: nil, expected: NodeRunStatusRun},
		{name: "all active", incoming: edgesWithStatuses(domain.EdgeStatusActive, domain.EdgeStatusActive), expected: NodeRunStatusRun},
		{name: "one waiting", incoming: edgesWithStatuses(domain.EdgeStatusActive, domain.EdgeStatusWaiting), expected: NodeRunStatusWait},
		{name: "all skipped", incoming: edgesWithStatuses(domain.EdgeStatusSkipped, domain.EdgeStatusSkipped), expected: NodeRunStatusSkip},
		{name: "skipped and waiting", incoming: edgesWithStatuses(domain.EdgeStatusSkipped, domain.EdgeStatusWaiting), expected: NodeRunStatusSkip},
		{name: "skipped and active", incoming: edgesWithStatuses(domain.EdgeStatusSkipped, domain.EdgeStatusActive), expected: NodeRunStatusWait},
		{name: "all waiting", incoming: edgesWithStatuses(domain.EdgeStatusWaiting), expected: NodeRunStatusWait},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetNodeRunStatus(tt.incoming))
		})
	}
}

func TestSkipHandleIDs(t *testing.T) {
	catchHandle := domain.CatchErrorHandle("n")
	okHandle := domain.SourceHandle("n", "right")

	outgoing := []*domain.Edge{
		{Source: "n", SourceHandle: okHandle},
		{Source: "n", SourceHandle: catchHandle},
	}

	tests := []struct {
		name       string
		catchError bool
		failed     bool
		requested  []string
		expected   map[string]struct{}
	}{
		{
			name:     "failure without catch skips everything",
			failed:   true,
			expected: map[string]struct{}{okHandle: {}, catchHandle: {}},
		},
		{
			name:       "failure with catch keeps the catch handle",
			catchError: true,
			failed:     true,
			expected:   map[string]struct{}{okHandle: {}},
		},
		{
			name:       "success with catch skips the catch handle",
			catchError: true,
			expected:   map[string]struct{}{catchHandle: {}},
		},
		{
			name:      "success passes requested handles through",
			requested: []string{okHandle},
			expected:  map[string]struct{}{okHandle: {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &domain.Node{NodeID: "n", CatchError: tt.catchError}
			assert.Equal(t, tt.expected, SkipHandleIDs(node, outgoing, tt.requested, tt.failed))
		})
	}
}
