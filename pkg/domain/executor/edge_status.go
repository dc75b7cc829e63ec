package executor

import (
	"github.com/flowbaker/flowdispatch/pkg/domain"
)

type NodeRunStatus string

const (
	NodeRunStatusRun  NodeRunStatus = "run"
	NodeRunStatusSkip NodeRunStatus = "skip"
	NodeRunStatusWait NodeRunStatus = "wait"
)

// GetNodeRunStatus decides what to do with a node from the statuses of its
// incoming edges alone.
func GetNodeRunStatus(incoming []*domain.Edge) NodeRunStatus {
	if len(incoming) == 0 {
		return NodeRunStatusRun
	}

	activeCount := 0
	skippedCount := 0

	for _, edge := range incoming {
		switch edge.Status {
		case domain.EdgeStatusActive:
			activeCount++
		case domain.EdgeStatusSkipped:
			skippedCount++
		}
	}

	if activeCount == len(incoming) {
		return NodeRunStatusRun
	}

	if skippedCount > 0 && activeCount == 0 {
		return NodeRunStatusSkip
	}

	return NodeRunStatusWait
}

// SkipHandleIDs returns the source handles whose edges must be skipped after
// a node finished, given the handles the executor asked to skip and whether
// it failed.
func SkipHandleIDs(node *domain.Node, outgoing []*domain.Edge, requested []string, failed bool) map[string]struct{} {
	skip := map[string]struct{}{}
	catchHandle := domain.CatchErrorHandle(node.NodeID)

	if failed {
		for _, edge := range outgoing {
			if node.CatchError && edge.SourceHandle == catchHandle {
				continue
			}

			skip[edge.SourceHandle] = struct{}{}
		}

		return skip
	}

	for _, handle := range requested {
		skip[handle] = struct{}{}
	}

	if node.CatchError {
		skip[catchHandle] = struct{}{}
	}

	return skip
}
