package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/flowbaker/flowdispatch/pkg/expressions"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxConcurrency = 10

	OutputKeyErrorText = "errorText"

	budgetEpsilon = 1e-9
)

type WorkflowQueueDeps struct {
	Selector       domain.NodeExecutorSelector
	Resolver       *expressions.VariableResolver
	Observer       *ExecutionObserver
	Accumulator    *RunAccumulator
	WorkerPool     *ants.Pool
	BalanceChecker domain.BalanceChecker
	Tracer         trace.Tracer
	RunContext     *domain.RunContext
	Variables      map[string]any
	MaxRunTimes    float64
	MaxConcurrency int
}

type RunParams struct {
	Nodes        []domain.Node
	Edges        []domain.Edge
	EntryNodeIDs []string
	SkipQueue    []domain.SkipRecord
}

type skipRecord struct {
	nodeID  string
	skipped map[string]struct{}
}

type nodeCompletion struct {
	nodeID    string
	skipped   map[string]struct{}
	params    map[string]any
	result    domain.NodeResult
	err       error
	startedAt time.Time
	endedAt   time.Time
}

// WorkflowQueue drives one graph run. All graph state is owned by the
// goroutine calling Run; node executors run on the worker pool and report
// back through the completions channel.
type WorkflowQueue struct {
	selector       domain.NodeExecutorSelector
	resolver       *expressions.VariableResolver
	observer       *ExecutionObserver
	accumulator    *RunAccumulator
	workerPool     *ants.Pool
	balanceChecker domain.BalanceChecker
	tracer         trace.Tracer
	runContext     *domain.RunContext

	variables      map[string]any
	maxRunTimes    float64
	maxConcurrency int

	nodeOrder     []string
	nodesByID     map[string]*domain.Node
	edges         []*domain.Edge
	edgesBySource map[string][]*domain.Edge
	edgesByTarget map[string][]*domain.Edge

	activeQueue []string
	activeSet   map[string]struct{}
	skipQueue   []*skipRecord
	inFlight    int
	completions chan nodeCompletion

	halted   bool
	fatalErr error
}

func NewWorkflowQueue(deps WorkflowQueueDeps) *WorkflowQueue {
	maxConcurrency := deps.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("flowdispatch")
	}

	observer := deps.Observer
	if observer == nil {
		observer = NewExecutionObserver()
	}

	accumulator := deps.Accumulator
	if accumulator == nil {
		accumulator = NewRunAccumulator()
	}

	runContext := deps.RunContext
	if runContext == nil {
		runContext = &domain.RunContext{Mode: domain.DispatchModeChat}
	}

	variables := map[string]any{}
	for key, value := range deps.Variables {
		variables[key] = value
	}

	return &WorkflowQueue{
		selector:       deps.Selector,
		resolver:       deps.Resolver,
		observer:       observer,
		accumulator:    accumulator,
		workerPool:     deps.WorkerPool,
		balanceChecker: deps.BalanceChecker,
		tracer:         tracer,
		runContext:     runContext,
		variables:      variables,
		maxRunTimes:    deps.MaxRunTimes,
		maxConcurrency: maxConcurrency,
		nodesByID:      map[string]*domain.Node{},
		edgesBySource:  map[string][]*domain.Edge{},
		edgesByTarget:  map[string][]*domain.Edge{},
		activeSet:      map[string]struct{}{},
		completions:    make(chan nodeCompletion, maxConcurrency),
	}
}

// Run executes the graph until no node can make progress, the budget is
// spent, an interactive pause is pending or ctx is done. Only contract
// violations are returned as errors.
func (q *WorkflowQueue) Run(ctx context.Context, p RunParams) error {
	if err := q.load(p); err != nil {
		return err
	}

	for _, record := range p.SkipQueue {
		q.addSkipNode(record.NodeID, toSet(record.SkippedNodeIDs))
	}

	for _, nodeID := range p.EntryNodeIDs {
		q.addActiveNode(nodeID)
	}

	for {
		q.dispatchActiveNodes(ctx)

		if q.inFlight > 0 {
			q.handleCompletion(ctx, <-q.completions)
			continue
		}

		if q.halted {
			break
		}

		if q.accumulator.HasInteractive() {
			break
		}

		if q.isDebug() && len(q.accumulator.NextStepNodeIDs()) > 0 {
			break
		}

		if len(q.skipQueue) == 0 {
			break
		}

		q.processSkipNode(ctx)
	}

	return q.fatalErr
}

func (q *WorkflowQueue) load(p RunParams) error {
	for i := range p.Nodes {
		node := p.Nodes[i]

		if _, exists := q.nodesByID[node.NodeID]; exists {
			return fmt.Errorf("%w: duplicate node id %s", domain.ErrMalformedGraph, node.NodeID)
		}

		q.nodesByID[node.NodeID] = &node
		q.nodeOrder = append(q.nodeOrder, node.NodeID)
	}

	for i := range p.Edges {
		edge := p.Edges[i]

		if _, ok := q.nodesByID[edge.Source]; !ok {
			return fmt.Errorf("%w: edge source %s: %w", domain.ErrMalformedGraph, edge.Source, domain.ErrNodeNotFound)
		}

		if _, ok := q.nodesByID[edge.Target]; !ok {
			return fmt.Errorf("%w: edge target %s: %w", domain.ErrMalformedGraph, edge.Target, domain.ErrNodeNotFound)
		}

		if edge.Status == "" {
			edge.Status = domain.EdgeStatusWaiting
		}

		q.edges = append(q.edges, &edge)
		q.edgesBySource[edge.Source] = append(q.edgesBySource[edge.Source], &edge)
		q.edgesByTarget[edge.Target] = append(q.edgesByTarget[edge.Target], &edge)
	}

	for _, nodeID := range p.EntryNodeIDs {
		if _, ok := q.nodesByID[nodeID]; !ok {
			return fmt.Errorf("%w: entry node %s: %w", domain.ErrMalformedGraph, nodeID, domain.ErrNodeNotFound)
		}
	}

	return nil
}

func (q *WorkflowQueue) addActiveNode(nodeID string) {
	if _, ok := q.activeSet[nodeID]; ok {
		return
	}

	q.activeSet[nodeID] = struct{}{}
	q.activeQueue = append(q.activeQueue, nodeID)
}

// addSkipNode queues a skip evaluation. A node already queued has its
// skipped id sets merged and moves to the back of the queue.
func (q *WorkflowQueue) addSkipNode(nodeID string, skipped map[string]struct{}) {
	merged := map[string]struct{}{}

	remaining := q.skipQueue[:0]
	for _, record := range q.skipQueue {
		if record.nodeID == nodeID {
			for id := range record.skipped {
				merged[id] = struct{}{}
			}
			continue
		}

		remaining = append(remaining, record)
	}

	for id := range skipped {
		merged[id] = struct{}{}
	}

	q.skipQueue = append(remaining, &skipRecord{nodeID: nodeID, skipped: merged})
}

func (q *WorkflowQueue) dispatchActiveNodes(ctx context.Context) {
	for !q.halted && len(q.activeQueue) > 0 && q.inFlight < q.maxConcurrency {
		nodeID := q.activeQueue[0]
		q.activeQueue = q.activeQueue[1:]
		delete(q.activeSet, nodeID)

		q.checkNodeCanRun(ctx, nodeID, map[string]struct{}{})
	}
}

func (q *WorkflowQueue) processSkipNode(ctx context.Context) {
	record := q.skipQueue[0]
	q.skipQueue = q.skipQueue[1:]

	q.checkNodeCanRun(ctx, record.nodeID, record.skipped)
}

func (q *WorkflowQueue) checkNodeCanRun(ctx context.Context, nodeID string, skipped map[string]struct{}) {
	if q.halted {
		return
	}

	if ctx.Err() != nil {
		q.halt("context done")
		return
	}

	node, ok := q.nodesByID[nodeID]
	if !ok {
		return
	}

	switch GetNodeRunStatus(q.edgesByTarget[nodeID]) {
	case NodeRunStatusRun:
		if !q.hasBudget(RunCost) {
			q.halt("max run times reached")
			return
		}

		q.startNode(ctx, node, skipped)

	case NodeRunStatusSkip:
		if _, ok := skipped[nodeID]; ok {
			return
		}

		if !q.hasBudget(SkipCost) {
			q.halt("max run times reached")
			return
		}

		q.skipNode(ctx, node, skipped)
	}
}

func (q *WorkflowQueue) hasBudget(cost float64) bool {
	return q.maxRunTimes-q.accumulator.RunTimes() >= cost-budgetEpsilon
}

func (q *WorkflowQueue) halt(reason string) {
	if q.halted {
		return
	}

	q.halted = true

	log.Info().Str("run_id", q.runContext.RunID).Str("reason", reason).Msg("Workflow run halted")
}

func (q *WorkflowQueue) fail(err error) {
	if q.fatalErr == nil {
		q.fatalErr = err
	}

	q.halt(err.Error())
}

func (q *WorkflowQueue) startNode(ctx context.Context, node *domain.Node, skipped map[string]struct{}) {
	executor, err := q.selector.Select(ctx, domain.SelectNodeExecutorParams{NodeType: node.Type})
	if err != nil {
		q.fail(err)
		return
	}

	q.accumulator.AddRunTimes(RunCost)

	// Consume the incoming edges so a loop back into this node has to
	// activate them again.
	for _, edge := range q.edgesByTarget[node.NodeID] {
		edge.Status = domain.EdgeStatusWaiting
	}

	startedAt := time.Now()

	if err := q.observer.Notify(ctx, NodeRunStartedEvent{Node: *node, Timestamp: startedAt}); err != nil {
		log.Error().Err(err).Str("node_id", node.NodeID).Msg("Failed to notify node run started")
	}

	q.inFlight++

	params, err := q.resolver.ResolveNodeParams(expressions.ResolveNodeParamsParams{
		Node:      *node,
		Variables: q.variables,
		Lookup:    q,
	})
	if err != nil {
		q.completions <- nodeCompletion{
			nodeID:    node.NodeID,
			skipped:   skipped,
			err:       err,
			startedAt: startedAt,
			endedAt:   time.Now(),
		}
		return
	}

	nodeCopy := node.Clone()
	runContext := q.nodeRunContext()

	// A node is only an entry for its first run after a resume.
	node.IsEntry = false

	// In-flight nodes are allowed to finish after the caller goes away.
	execCtx := context.WithoutCancel(ctx)

	task := func() {
		result, execErr := q.execute(execCtx, nodeCopy, executor, params, runContext)

		q.completions <- nodeCompletion{
			nodeID:    nodeCopy.NodeID,
			skipped:   skipped,
			params:    params,
			result:    result,
			err:       execErr,
			startedAt: startedAt,
			endedAt:   time.Now(),
		}
	}

	if q.workerPool == nil {
		go task()
		return
	}

	if err := q.workerPool.Submit(task); err != nil {
		log.Warn().Err(err).Str("node_id", node.NodeID).Msg("Worker pool rejected node, running on a new goroutine")
		go task()
	}
}

func (q *WorkflowQueue) execute(ctx context.Context, node domain.Node, executor domain.NodeExecutor, params map[string]any, runContext *domain.RunContext) (result domain.NodeResult, err error) {
	ctx, span := q.tracer.Start(ctx, "flowdispatch.node", trace.WithAttributes(
		attribute.String("node.id", node.NodeID),
		attribute.String("node.type", string(node.Type)),
		attribute.Int("dispatch.depth", runContext.Depth),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", node.NodeID, r)
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if q.balanceChecker != nil {
		if err := q.balanceChecker.CheckBalance(ctx, runContext.TeamID); err != nil {
			if !errors.Is(err, domain.ErrInsufficientBalance) {
				return domain.NodeResult{}, err
			}

			return domain.NodeResult{
				Interactive: &domain.InteractiveResponse{
					Type:   domain.InteractiveTypePaymentPause,
					Params: domain.InteractiveParams{Description: err.Error()},
				},
			}, nil
		}
	}

	ctx = domain.NewContextWithRunContext(ctx, runContext)

	return executor.Execute(ctx, domain.NodeExecutorInput{
		Node:       node,
		Params:     params,
		RunContext: runContext,
	})
}

func (q *WorkflowQueue) nodeRunContext() *domain.RunContext {
	runContext := *q.runContext

	runContext.Variables = make(map[string]any, len(q.variables))
	for key, value := range q.variables {
		runContext.Variables[key] = value
	}

	runContext.RemainingRunTimes = max(q.maxRunTimes-q.accumulator.RunTimes(), 0)

	return &runContext
}

func (q *WorkflowQueue) handleCompletion(ctx context.Context, c nodeCompletion) {
	q.inFlight--

	node, ok := q.nodesByID[c.nodeID]
	if !ok {
		return
	}

	if c.err != nil && isContractViolation(c.err) {
		q.fail(c.err)
		return
	}

	if c.err != nil {
		log.Warn().Err(c.err).Str("node_id", node.NodeID).Str("node_type", string(node.Type)).Msg("Node execution failed")
	}

	if c.err == nil && c.result.RunTimes > 0 {
		q.accumulator.AddRunTimes(c.result.RunTimes)
	}

	nodeTrace := q.buildTrace(node, c)

	if c.err == nil && c.result.Interactive != nil {
		q.notifyCompleted(ctx, node, nodeTrace, c)
		q.accumulator.SetInteractive(node.NodeID, *c.result.Interactive)
		q.recordDebug(node.NodeID, NodeRunStatusRun, &nodeTrace, c.result.Interactive)
		return
	}

	q.applyOutputs(node, c)
	q.notifyCompleted(ctx, node, nodeTrace, c)
	q.recordDebug(node.NodeID, NodeRunStatusRun, &nodeTrace, nil)

	outgoing := q.edgesBySource[node.NodeID]
	skipHandles := SkipHandleIDs(node, outgoing, c.result.SkipHandleIDs, c.err != nil)

	skipped := c.skipped
	if len(skipHandles) > 0 {
		skipped = withNode(skipped, node.NodeID)
	}

	for _, edge := range outgoing {
		if _, skip := skipHandles[edge.SourceHandle]; skip {
			edge.Status = domain.EdgeStatusSkipped
		} else {
			edge.Status = domain.EdgeStatusActive
		}
	}

	q.propagate(node.NodeID, skipped)
}

func (q *WorkflowQueue) skipNode(ctx context.Context, node *domain.Node, skipped map[string]struct{}) {
	q.accumulator.AddRunTimes(SkipCost)

	skipped = withNode(skipped, node.NodeID)

	for _, edge := range q.edgesBySource[node.NodeID] {
		edge.Status = domain.EdgeStatusSkipped
	}

	if err := q.observer.Notify(ctx, NodeSkippedEvent{NodeID: node.NodeID, Timestamp: time.Now()}); err != nil {
		log.Error().Err(err).Str("node_id", node.NodeID).Msg("Failed to notify node skipped")
	}

	q.propagate(node.NodeID, skipped)
}

// propagate enqueues the targets of a finished node's outgoing edges. It
// must only be called once the node's outputs and edge statuses are final.
func (q *WorkflowQueue) propagate(nodeID string, skipped map[string]struct{}) {
	activeTargets := []string{}
	skipTargets := []string{}
	seenActive := map[string]struct{}{}
	seenSkip := map[string]struct{}{}

	for _, edge := range q.edgesBySource[nodeID] {
		switch edge.Status {
		case domain.EdgeStatusActive:
			if _, ok := seenActive[edge.Target]; !ok {
				seenActive[edge.Target] = struct{}{}
				activeTargets = append(activeTargets, edge.Target)
			}
		case domain.EdgeStatusSkipped:
			if _, ok := seenSkip[edge.Target]; !ok {
				seenSkip[edge.Target] = struct{}{}
				skipTargets = append(skipTargets, edge.Target)
			}
		}
	}

	for _, target := range skipTargets {
		q.addSkipNode(target, skipped)
	}

	if q.isDebug() {
		for _, target := range activeTargets {
			q.accumulator.AddNextStepNode(target)
		}
		return
	}

	for _, target := range activeTargets {
		q.addActiveNode(target)
	}
}

func (q *WorkflowQueue) applyOutputs(node *domain.Node, c nodeCompletion) {
	data := map[string]any{}
	for key, value := range c.result.Data {
		data[key] = value
	}

	if c.err != nil {
		if _, ok := data[OutputKeyErrorText]; !ok {
			data[OutputKeyErrorText] = c.err.Error()
		}
	}

	for i := range node.Outputs {
		output := &node.Outputs[i]

		if value, ok := data[output.Key]; ok && value != nil {
			output.Value = value
			continue
		}

		if output.Required {
			output.Value = expressions.DefaultValue(*output)
		}
	}

	for key, value := range c.result.NewVariables {
		q.variables[key] = value
	}
}

func (q *WorkflowQueue) buildTrace(node *domain.Node, c nodeCompletion) domain.NodeTrace {
	runningTime := c.endedAt.Sub(c.startedAt).Seconds()

	nodeTrace := domain.NodeTrace{
		ID:          uuid.NewString(),
		NodeID:      node.NodeID,
		ModuleName:  node.Name,
		ModuleType:  node.Type,
		RunningTime: math.Round(runningTime*100) / 100,
		TotalPoints: domain.SumUsagePoints(c.result.Usages),
		Params:      c.params,
		Data:        c.result.Data,
		Details:     c.result.Details,
		ChildTraces: c.result.ChildTraces,
	}

	if c.result.ForbidStream {
		nodeTrace.Withheld = c.result.AssistantResponses
	}

	if c.err != nil {
		nodeTrace.Error = c.err.Error()
	}

	return nodeTrace
}

func (q *WorkflowQueue) notifyCompleted(ctx context.Context, node *domain.Node, nodeTrace domain.NodeTrace, c nodeCompletion) {
	err := q.observer.Notify(ctx, NodeRunCompletedEvent{
		Node:      *node,
		Trace:     nodeTrace,
		Result:    c.result,
		Error:     c.err,
		StartedAt: c.startedAt,
		EndedAt:   c.endedAt,
	})
	if err != nil {
		log.Error().Err(err).Str("node_id", node.NodeID).Msg("Failed to notify node run completed")
	}
}

func (q *WorkflowQueue) recordDebug(nodeID string, status NodeRunStatus, trace *domain.NodeTrace, interactive *domain.InteractiveResponse) {
	if !q.runContext.Mode.RecordsDebugTrace() {
		return
	}

	q.accumulator.RecordDebugNode(domain.DebugNodeResponse{
		NodeID:      nodeID,
		Type:        string(status),
		Response:    trace,
		Interactive: interactive,
	})
}

func (q *WorkflowQueue) isDebug() bool {
	return q.runContext.Mode == domain.DispatchModeDebug
}

// LookupNodeValue resolves {{$nodeId.key$}} references against the current
// node outputs, falling back to the node's declared inputs.
func (q *WorkflowQueue) LookupNodeValue(nodeID string, key string) (any, bool) {
	node, ok := q.nodesByID[nodeID]
	if !ok {
		return nil, false
	}

	if output, ok := node.GetOutput(key); ok && output.Value != nil {
		return output.Value, true
	}

	if input, ok := node.GetInput(key); ok {
		return input.Value, true
	}

	return nil, false
}

func (q *WorkflowQueue) Nodes() []domain.Node {
	nodes := make([]domain.Node, 0, len(q.nodeOrder))

	for _, nodeID := range q.nodeOrder {
		nodes = append(nodes, q.nodesByID[nodeID].Clone())
	}

	return nodes
}

func (q *WorkflowQueue) Node(nodeID string) (domain.Node, bool) {
	node, ok := q.nodesByID[nodeID]
	if !ok {
		return domain.Node{}, false
	}

	return node.Clone(), true
}

func (q *WorkflowQueue) Edges() []domain.Edge {
	edges := make([]domain.Edge, 0, len(q.edges))

	for _, edge := range q.edges {
		edges = append(edges, *edge)
	}

	return edges
}

func (q *WorkflowQueue) SkipQueue() []domain.SkipRecord {
	records := make([]domain.SkipRecord, 0, len(q.skipQueue))

	for _, record := range q.skipQueue {
		records = append(records, domain.SkipRecord{
			NodeID:         record.nodeID,
			SkippedNodeIDs: fromSet(record.skipped),
		})
	}

	return records
}

func (q *WorkflowQueue) Variables() map[string]any {
	variables := make(map[string]any, len(q.variables))
	for key, value := range q.variables {
		variables[key] = value
	}

	return variables
}

func (q *WorkflowQueue) Accumulator() *RunAccumulator {
	return q.accumulator
}

func isContractViolation(err error) bool {
	return errors.Is(err, domain.ErrNodeExecutorNotFound) || errors.Is(err, domain.ErrMalformedGraph)
}

func withNode(set map[string]struct{}, nodeID string) map[string]struct{} {
	next := make(map[string]struct{}, len(set)+1)
	for id := range set {
		next[id] = struct{}{}
	}

	next[nodeID] = struct{}{}

	return next
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}

func fromSet(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
