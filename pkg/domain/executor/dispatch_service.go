package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/flowbaker/flowdispatch/pkg/expressions"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	MaxDispatchDepth = 20

	DefaultMaxRunTimes       = 500
	DefaultHeartbeatInterval = 10 * time.Second

	UsageSourceDispatch = "dispatch"
)

type DispatchService interface {
	Dispatch(ctx context.Context, params domain.DispatchParams) (domain.DispatchResult, error)
}

type dispatchService struct {
	selector          domain.NodeExecutorSelector
	resolver          *expressions.VariableResolver
	validator         *GraphValidator
	usageLedger       domain.UsageLedger
	balanceChecker    domain.BalanceChecker
	workerPool        *ants.Pool
	tracer            trace.Tracer
	maxRunTimes       float64
	maxConcurrency    int
	heartbeatInterval time.Duration
}

type DispatchServiceDependencies struct {
	Selector          domain.NodeExecutorSelector
	Resolver          *expressions.VariableResolver
	Validator         *GraphValidator
	UsageLedger       domain.UsageLedger
	BalanceChecker    domain.BalanceChecker
	WorkerPool        *ants.Pool
	Tracer            trace.Tracer
	MaxRunTimes       float64
	MaxConcurrency    int
	HeartbeatInterval time.Duration
}

func NewDispatchService(deps DispatchServiceDependencies) DispatchService {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = expressions.NewVariableResolver()
	}

	maxRunTimes := deps.MaxRunTimes
	if maxRunTimes <= 0 {
		maxRunTimes = DefaultMaxRunTimes
	}

	maxConcurrency := deps.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	heartbeatInterval := deps.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("flowdispatch")
	}

	return &dispatchService{
		selector:          deps.Selector,
		resolver:          resolver,
		validator:         deps.Validator,
		usageLedger:       deps.UsageLedger,
		balanceChecker:    deps.BalanceChecker,
		workerPool:        deps.WorkerPool,
		tracer:            tracer,
		maxRunTimes:       maxRunTimes,
		maxConcurrency:    maxConcurrency,
		heartbeatInterval: heartbeatInterval,
	}
}

// Dispatch runs a graph to completion, to a pause or until its budget is
// spent. Sub-workflow executors call back into it with Depth set.
func (s *dispatchService) Dispatch(ctx context.Context, params domain.DispatchParams) (domain.DispatchResult, error) {
	depth := params.Depth + 1
	if depth > MaxDispatchDepth {
		log.Warn().Str("app_id", params.AppID).Int("depth", depth).Msg("Max dispatch depth exceeded, returning empty result")

		return emptyDispatchResult(), nil
	}

	isTopLevel := depth == 1

	ctx, span := s.tracer.Start(ctx, "flowdispatch.dispatch", trace.WithAttributes(
		attribute.String("app_id", params.AppID),
		attribute.Int("depth", depth),
	))
	defer span.End()

	if s.validator != nil {
		if err := s.validator.Validate(domain.Graph{Nodes: params.Nodes, Edges: params.Edges}); err != nil {
			return domain.DispatchResult{}, err
		}
	}

	nodes := domain.CloneNodes(params.Nodes)
	edges := domain.CloneEdges(params.Edges)
	skipQueue := []domain.SkipRecord{}

	if params.LastInteractive != nil {
		restored := RestoreFromSnapshot(nodes, edges, *params.LastInteractive)
		nodes = restored.Nodes
		edges = restored.Edges
		skipQueue = restored.SkipQueue
	}

	entryNodeIDs, err := GetEntryNodeIDs(nodes, params.LastInteractive)
	if err != nil {
		return domain.DispatchResult{}, err
	}

	mode := params.Mode
	if mode == "" {
		mode = domain.DispatchModeChat
	}

	maxRunTimes := params.MaxRunTimes
	if maxRunTimes <= 0 {
		maxRunTimes = s.maxRunTimes
	}

	maxConcurrency := params.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = s.maxConcurrency
	}

	pool := params.Pool
	if pool == nil {
		pool = domain.NewConnectionPool()
		defer func() {
			if err := pool.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close connection pool")
			}
		}()
	}

	var sink domain.StreamSink
	if params.Sink != nil {
		sink = params.Sink
		if isTopLevel {
			sink = newLockedSink(params.Sink)
		}
	}

	var stream domain.StreamFunc
	if params.Stream && sink != nil {
		stream = func(event domain.StreamEvent) {
			if err := sink.Publish(ctx, event); err != nil {
				log.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish stream event")
			}
		}
	}

	usageID := s.resolveUsageID(ctx, params, isTopLevel)

	runContext := &domain.RunContext{
		RunID:           xid.New().String(),
		TeamID:          params.TeamID,
		UserID:          params.UserID,
		AppID:           params.AppID,
		ChatID:          params.ChatID,
		UsageID:         usageID,
		Mode:            mode,
		Histories:       params.Histories,
		Query:           params.Query,
		LastInteractive: params.LastInteractive,
		Stream:          stream,
		Pool:            pool,
		Depth:           depth,
		Dispatcher:      s,
		ResponseAllData: params.ResponseAllData,
	}

	log.Info().
		Str("run_id", runContext.RunID).
		Str("app_id", params.AppID).
		Int("depth", depth).
		Str("mode", string(mode)).
		Strs("entry_node_ids", entryNodeIDs).
		Msg("Dispatching workflow")

	if isTopLevel && stream != nil {
		stopHeartbeat := s.startHeartbeat(stream)
		defer stopHeartbeat()
	}

	accumulator := NewRunAccumulator()

	observer := NewExecutionObserver()
	observer.Subscribe(accumulator)
	observer.Subscribe(NewStreamPublisher(StreamPublisherDeps{
		Stream:            stream,
		EmitNodeResponses: isTopLevel,
		ResponseAllData:   params.ResponseAllData,
	}))

	var usagePusher *UsagePusher
	if isTopLevel && s.usageLedger != nil && usageID != "" {
		usagePusher = NewUsagePusher(ctx, s.usageLedger, usageID)
		observer.Subscribe(usagePusher)
	}

	queue := NewWorkflowQueue(WorkflowQueueDeps{
		Selector:       s.selector,
		Resolver:       s.resolver,
		Observer:       observer,
		Accumulator:    accumulator,
		WorkerPool:     s.workerPool,
		BalanceChecker: s.balanceChecker,
		Tracer:         s.tracer,
		RunContext:     runContext,
		Variables:      params.Variables,
		MaxRunTimes:    maxRunTimes,
		MaxConcurrency: maxConcurrency,
	})

	startedAt := time.Now()

	runErr := queue.Run(ctx, RunParams{
		Nodes:        nodes,
		Edges:        edges,
		EntryNodeIDs: entryNodeIDs,
		SkipQueue:    skipQueue,
	})

	if usagePusher != nil {
		defer usagePusher.Close()
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())

		log.Error().Err(runErr).Str("run_id", runContext.RunID).Msg("Workflow run aborted")

		return domain.DispatchResult{}, runErr
	}

	durationSeconds := math.Round(time.Since(startedAt).Seconds()*100) / 100

	err = observer.Notify(ctx, WorkflowRunCompletedEvent{
		RunID:           runContext.RunID,
		DurationSeconds: durationSeconds,
		Timestamp:       time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", runContext.RunID).Msg("Failed to notify workflow run completed")
	}

	result := domain.DispatchResult{
		RunTimes:        accumulator.RunTimes(),
		ToolResponses:   accumulator.ToolResponses(),
		NewVariables:    queue.Variables(),
		DurationSeconds: durationSeconds,
	}

	if pending := accumulator.Interactive(); pending != nil {
		snapshot := BuildInteractiveSnapshot(BuildInteractiveSnapshotParams{
			Pending:   *pending,
			Nodes:     queue.Nodes(),
			Edges:     queue.Edges(),
			SkipQueue: queue.SkipQueue(),
			UsageID:   usageID,
		})

		result.WorkflowInteractiveResponse = &snapshot
		accumulator.AppendAssistantResponse(domain.NewInteractiveResponseItem(snapshot))

		if isTopLevel {
			runContext.Emit(domain.StreamEvent{
				Type: domain.StreamEventInteractive,
				Data: domain.InteractiveEventData{Interactive: snapshot},
			})
		}
	}

	result.FlowResponses = accumulator.Traces()
	result.FlowUsages = accumulator.Usages()
	result.AssistantResponses = accumulator.AssistantResponses()

	if mode.RecordsDebugTrace() {
		result.DebugResponse = buildDebugResponse(queue, accumulator)
	}

	log.Info().
		Str("run_id", runContext.RunID).
		Float64("run_times", result.RunTimes).
		Float64("duration_seconds", durationSeconds).
		Bool("interactive", result.WorkflowInteractiveResponse != nil).
		Msg("Workflow run finished")

	return result, nil
}

func (s *dispatchService) resolveUsageID(ctx context.Context, params domain.DispatchParams, isTopLevel bool) string {
	if params.UsageID != "" {
		return params.UsageID
	}

	if params.LastInteractive != nil && params.LastInteractive.UsageID != "" {
		return params.LastInteractive.UsageID
	}

	if !isTopLevel || s.usageLedger == nil {
		return ""
	}

	usageID := xid.New().String()

	err := s.usageLedger.CreateUsage(ctx, domain.CreateUsageParams{
		UsageID: usageID,
		TeamID:  params.TeamID,
		AppID:   params.AppID,
		Source:  UsageSourceDispatch,
	})
	if err != nil {
		log.Error().Err(err).Str("app_id", params.AppID).Msg("Failed to create usage, usages will not be pushed")
		return ""
	}

	return usageID
}

func (s *dispatchService) startHeartbeat(stream domain.StreamFunc) func() {
	done := make(chan struct{})
	ticker := time.NewTicker(s.heartbeatInterval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				stream(domain.StreamEvent{Type: domain.StreamEventHeartbeat, Data: ""})
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() { close(done) })
	}
}

func buildDebugResponse(queue *WorkflowQueue, accumulator *RunAccumulator) *domain.DebugResponse {
	nextStepNodes := []domain.Node{}

	for _, nodeID := range accumulator.NextStepNodeIDs() {
		node, ok := queue.Node(nodeID)
		if !ok {
			continue
		}

		nextStepNodes = append(nextStepNodes, node)
	}

	return &domain.DebugResponse{
		FinishedNodes:    queue.Nodes(),
		FinishedEdges:    queue.Edges(),
		NextStepRunNodes: nextStepNodes,
		NodeResponses:    accumulator.DebugNodeResponses(),
	}
}

func emptyDispatchResult() domain.DispatchResult {
	return domain.DispatchResult{
		FlowResponses:      []domain.NodeTrace{},
		FlowUsages:         []domain.UsageRecord{},
		AssistantResponses: []domain.AssistantResponseItem{},
		NewVariables:       map[string]any{},
	}
}

// lockedSink serializes publishes from concurrently running nodes.
type lockedSink struct {
	mutex sync.Mutex
	sink  domain.StreamSink
}

func newLockedSink(sink domain.StreamSink) *lockedSink {
	return &lockedSink{sink: sink}
}

func (s *lockedSink) Publish(ctx context.Context, event domain.StreamEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.sink.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	return nil
}
