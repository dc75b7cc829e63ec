package executor

import (
	"fmt"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

// GetEntryNodeIDs picks the nodes a run starts from: the pending entry nodes
// of a resumed pause, then explicitly flagged nodes, then start-type nodes.
func GetEntryNodeIDs(nodes []domain.Node, lastInteractive *domain.InteractiveSnapshot) ([]string, error) {
	if lastInteractive != nil && len(lastInteractive.EntryNodeIDs) > 0 {
		return append([]string{}, lastInteractive.EntryNodeIDs...), nil
	}

	entryNodeIDs := []string{}

	for _, node := range nodes {
		if node.IsEntry {
			entryNodeIDs = append(entryNodeIDs, node.NodeID)
		}
	}

	if len(entryNodeIDs) > 0 {
		return entryNodeIDs, nil
	}

	for _, node := range nodes {
		if node.Type.IsEntryType() {
			entryNodeIDs = append(entryNodeIDs, node.NodeID)
		}
	}

	if len(entryNodeIDs) == 0 {
		return nil, fmt.Errorf("%w: no entry node", domain.ErrMalformedGraph)
	}

	return entryNodeIDs, nil
}

type BuildInteractiveSnapshotParams struct {
	Pending   PendingInteractive
	Nodes     []domain.Node
	Edges     []domain.Edge
	SkipQueue []domain.SkipRecord
	UsageID   string
}

// BuildInteractiveSnapshot captures a paused run. Edges into the entry nodes
// are stored as active so the entry nodes are runnable on resume.
func BuildInteractiveSnapshot(p BuildInteractiveSnapshotParams) domain.InteractiveSnapshot {
	entries := toSet(p.Pending.EntryNodeIDs)

	memoryEdges := make([]domain.Edge, 0, len(p.Edges))
	for _, edge := range p.Edges {
		if _, ok := entries[edge.Target]; ok {
			edge.Status = domain.EdgeStatusActive
		}

		memoryEdges = append(memoryEdges, edge)
	}

	nodeOutputs := []domain.NodeOutputValue{}
	for _, node := range p.Nodes {
		for _, output := range node.Outputs {
			if output.Value == nil {
				continue
			}

			nodeOutputs = append(nodeOutputs, domain.NodeOutputValue{
				NodeID: node.NodeID,
				Key:    output.Key,
				Value:  output.Value,
			})
		}
	}

	skipQueue := append([]domain.SkipRecord{}, p.SkipQueue...)

	return domain.InteractiveSnapshot{
		Type:          p.Pending.Response.Type,
		Params:        p.Pending.Response.Params,
		EntryNodeIDs:  append([]string{}, p.Pending.EntryNodeIDs...),
		SkipNodeQueue: skipQueue,
		MemoryEdges:   memoryEdges,
		NodeOutputs:   nodeOutputs,
		UsageID:       p.UsageID,
	}
}

type RestoredGraph struct {
	Nodes        []domain.Node
	Edges        []domain.Edge
	EntryNodeIDs []string
	SkipQueue    []domain.SkipRecord
}

// RestoreFromSnapshot rebuilds the graph state of a paused run. It does not
// modify its inputs.
func RestoreFromSnapshot(nodes []domain.Node, edges []domain.Edge, snapshot domain.InteractiveSnapshot) RestoredGraph {
	restoredEdges := domain.CloneEdges(edges)
	if len(snapshot.MemoryEdges) > 0 {
		restoredEdges = domain.CloneEdges(snapshot.MemoryEdges)
	}

	entries := toSet(snapshot.EntryNodeIDs)

	for i := range restoredEdges {
		if _, ok := entries[restoredEdges[i].Target]; ok {
			restoredEdges[i].Status = domain.EdgeStatusActive
		}
	}

	restoredNodes := domain.CloneNodes(nodes)
	for i := range restoredNodes {
		_, isEntry := entries[restoredNodes[i].NodeID]
		restoredNodes[i].IsEntry = isEntry
	}

	nodeIndex := make(map[string]int, len(restoredNodes))
	for i, node := range restoredNodes {
		nodeIndex[node.NodeID] = i
	}

	for _, output := range snapshot.NodeOutputs {
		i, ok := nodeIndex[output.NodeID]
		if !ok {
			continue
		}

		restoredNodes[i].SetOutputValue(output.Key, output.Value)
	}

	return RestoredGraph{
		Nodes:        restoredNodes,
		Edges:        restoredEdges,
		EntryNodeIDs: append([]string{}, snapshot.EntryNodeIDs...),
		SkipQueue:    append([]domain.SkipRecord{}, snapshot.SkipNodeQueue...),
	}
}
