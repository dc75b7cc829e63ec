package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

// VariableNodeID is the pseudo node id used by reference inputs that point at
// the variable bag instead of a node output.
const VariableNodeID = "VARIABLE_NODE_ID"

// NodeValueLookup returns the current value of an output (or, failing that,
// an input) of a runtime node.
type NodeValueLookup interface {
	LookupNodeValue(nodeID string, key string) (any, bool)
}

type NodeValueLookupFunc func(nodeID string, key string) (any, bool)

func (f NodeValueLookupFunc) LookupNodeValue(nodeID string, key string) (any, bool) {
	return f(nodeID, key)
}

const (
	nodeRefPattern  = `\{\{\$([^.{}$]+)\.([^{}$]+)\$\}\}`
	variablePattern = `\{\{([^{}$][^{}]*?)\}\}`
)

type VariableResolver struct {
	nodeRefRegex  *regexp.Regexp
	variableRegex *regexp.Regexp
	templateRegex *regexp.Regexp
}

func NewVariableResolver() *VariableResolver {
	return &VariableResolver{
		nodeRefRegex:  regexp.MustCompile(nodeRefPattern),
		variableRegex: regexp.MustCompile(variablePattern),
		templateRegex: regexp.MustCompile(nodeRefPattern + `|` + variablePattern),
	}
}

type ResolveNodeParamsParams struct {
	Node      domain.Node
	Variables map[string]any
	Lookup    NodeValueLookup
}

// ResolveNodeParams turns the declared inputs of a node into concrete runtime
// parameters keyed by input key. Only the declared input values are
// templated; values pulled in through a reference are used as they are.
func (r *VariableResolver) ResolveNodeParams(p ResolveNodeParamsParams) (map[string]any, error) {
	params := make(map[string]any, len(p.Node.Inputs))

	for _, input := range p.Node.Inputs {
		value := r.ResolveValue(input.Value, p.Variables, p.Lookup)
		value = r.resolveReference(value, p.Variables, p.Lookup)

		formatted, err := FormatValue(value, input.ValueType)
		if err != nil {
			return nil, fmt.Errorf("input %s of node %s: %w", input.Key, p.Node.NodeID, err)
		}

		if formatted == nil && input.Required {
			return nil, fmt.Errorf("input %s of node %s is required", input.Key, p.Node.NodeID)
		}

		params[input.Key] = formatted
	}

	return params, nil
}

// resolveReference handles the [nodeId, outputKey] reference form.
func (r *VariableResolver) resolveReference(value any, variables map[string]any, lookup NodeValueLookup) any {
	reference, ok := value.([]any)
	if !ok || len(reference) != 2 {
		return value
	}

	nodeID, ok := reference[0].(string)
	if !ok {
		return value
	}

	key, ok := reference[1].(string)
	if !ok {
		return value
	}

	if nodeID == VariableNodeID {
		return variables[key]
	}

	if lookup == nil {
		return value
	}

	resolved, found := lookup.LookupNodeValue(nodeID, key)
	if !found {
		return value
	}

	return resolved
}

// ResolveValue walks maps and slices and resolves every string it finds.
func (r *VariableResolver) ResolveValue(value any, variables map[string]any, lookup NodeValueLookup) any {
	switch v := value.(type) {
	case string:
		return r.ResolveString(v, variables, lookup)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, item := range v {
			resolved[key] = r.ResolveValue(item, variables, lookup)
		}
		return resolved
	case []any:
		resolved := make([]any, 0, len(v))
		for _, item := range v {
			resolved = append(resolved, r.ResolveValue(item, variables, lookup))
		}
		return resolved
	default:
		return value
	}
}

// ResolveString replaces {{$nodeId.key$}} and {{key}} references. A string
// that is exactly one reference resolves to the raw referenced value;
// otherwise references are interpolated as text in a single pass, so text
// inserted from a referenced value is never expanded again.
func (r *VariableResolver) ResolveString(str string, variables map[string]any, lookup NodeValueLookup) any {
	if !strings.Contains(str, "{{") {
		return str
	}

	if match := r.nodeRefRegex.FindStringSubmatch(str); match != nil && match[0] == str {
		if value, ok := r.lookupNode(lookup, match[1], match[2]); ok {
			return value
		}
		return str
	}

	if match := r.variableRegex.FindStringSubmatch(str); match != nil && match[0] == str {
		if value, ok := lookupVariable(variables, strings.TrimSpace(match[1])); ok {
			return value
		}
		return str
	}

	return r.templateRegex.ReplaceAllStringFunc(str, func(fullMatch string) string {
		match := r.templateRegex.FindStringSubmatch(fullMatch)

		var (
			value any
			ok    bool
		)

		if match[1] != "" {
			value, ok = r.lookupNode(lookup, match[1], match[2])
		} else {
			value, ok = lookupVariable(variables, strings.TrimSpace(match[3]))
		}

		if !ok {
			return fullMatch
		}

		return ValueToString(value)
	})
}

func (r *VariableResolver) lookupNode(lookup NodeValueLookup, nodeID string, key string) (any, bool) {
	if lookup == nil {
		return nil, false
	}

	return lookup.LookupNodeValue(nodeID, key)
}

// lookupVariable supports dotted paths into nested maps.
func lookupVariable(variables map[string]any, key string) (any, bool) {
	if value, ok := variables[key]; ok {
		return value, true
	}

	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, false
	}

	var current any = variables

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func ValueToString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
