package executor

import (
	"encoding/json"
	"fmt"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const graphSchema = `{
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["nodeId", "flowNodeType"],
        "properties": {
          "nodeId": {"type": "string", "minLength": 1},
          "flowNodeType": {"type": "string", "minLength": 1},
          "inputs": {
            "type": ["array", "null"],
            "items": {"type": "object", "required": ["key"], "properties": {"key": {"type": "string", "minLength": 1}}}
          },
          "outputs": {
            "type": ["array", "null"],
            "items": {"type": "object", "required": ["key"], "properties": {"key": {"type": "string", "minLength": 1}}}
          }
        }
      }
    },
    "edges": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "status": {"enum": ["", "waiting", "active", "skipped"]}
        }
      }
    }
  }
}`

type GraphValidator struct {
	schema *jsonschema.Schema
}

func NewGraphValidator() (*GraphValidator, error) {
	schema, err := jsonschema.CompileString("graph.json", graphSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile graph schema: %w", err)
	}

	return &GraphValidator{schema: schema}, nil
}

// Validate checks the graph shape and that every edge references an existing
// node. All failures wrap domain.ErrMalformedGraph.
func (v *GraphValidator) Validate(graph domain.Graph) error {
	raw, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedGraph, err)
	}

	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedGraph, err)
	}

	if err := v.schema.Validate(document); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedGraph, err)
	}

	nodeIDs := make(map[string]struct{}, len(graph.Nodes))
	for _, node := range graph.Nodes {
		if _, exists := nodeIDs[node.NodeID]; exists {
			return fmt.Errorf("%w: duplicate node id %s", domain.ErrMalformedGraph, node.NodeID)
		}

		nodeIDs[node.NodeID] = struct{}{}
	}

	for _, edge := range graph.Edges {
		if _, ok := nodeIDs[edge.Source]; !ok {
			return fmt.Errorf("%w: edge source %s: %w", domain.ErrMalformedGraph, edge.Source, domain.ErrNodeNotFound)
		}

		if _, ok := nodeIDs[edge.Target]; !ok {
			return fmt.Errorf("%w: edge target %s: %w", domain.ErrMalformedGraph, edge.Target, domain.ErrNodeNotFound)
		}
	}

	return nil
}
