package executor

import (
	"context"
	"sync"

	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/rs/zerolog/log"
)

// StreamPublisher turns execution events into stream events.
type StreamPublisher struct {
	stream            domain.StreamFunc
	emitNodeResponses bool
	responseAllData   bool
}

type StreamPublisherDeps struct {
	Stream domain.StreamFunc
	// Only the top-level run reports node responses and duration; nested
	// traces travel inside their parent node's trace.
	EmitNodeResponses bool
	ResponseAllData   bool
}

func NewStreamPublisher(deps StreamPublisherDeps) *StreamPublisher {
	return &StreamPublisher{
		stream:            deps.Stream,
		emitNodeResponses: deps.EmitNodeResponses,
		responseAllData:   deps.ResponseAllData,
	}
}

func (p *StreamPublisher) HandleEvent(ctx context.Context, event ExecutionEvent) error {
	if p.stream == nil {
		return nil
	}

	switch e := event.(type) {
	case NodeRunStartedEvent:
		if !e.Node.ShowStatus {
			return nil
		}

		p.stream(domain.StreamEvent{
			Type: domain.StreamEventFlowNodeStatus,
			Data: domain.NodeStatusData{
				Status: "running",
				NodeID: e.Node.NodeID,
				Name:   e.Node.Name,
			},
		})

	case NodeRunCompletedEvent:
		if !p.emitNodeResponses {
			return nil
		}

		trace := e.Trace
		if !p.responseAllData {
			trace = trace.Public()
		}

		p.stream(domain.StreamEvent{
			Type: domain.StreamEventFlowNodeResponse,
			Data: trace,
		})

	case WorkflowRunCompletedEvent:
		if !p.emitNodeResponses {
			return nil
		}

		p.stream(domain.StreamEvent{
			Type: domain.StreamEventWorkflowDuration,
			Data: domain.WorkflowDurationData{DurationSeconds: e.DurationSeconds},
		})
	}

	return nil
}

// UsagePusher forwards node usages to the ledger as soon as a node completes.
// Pushes run on their own goroutine in arrival order.
type UsagePusher struct {
	ledger  domain.UsageLedger
	usageID string

	queue     chan []domain.UsageRecord
	done      chan struct{}
	closeOnce sync.Once

	mutex  sync.Mutex
	pushed []domain.UsageRecord
}

func NewUsagePusher(ctx context.Context, ledger domain.UsageLedger, usageID string) *UsagePusher {
	p := &UsagePusher{
		ledger:  ledger,
		usageID: usageID,
		queue:   make(chan []domain.UsageRecord, 64),
		done:    make(chan struct{}),
		pushed:  []domain.UsageRecord{},
	}

	go p.run(context.WithoutCancel(ctx))

	return p
}

func (p *UsagePusher) run(ctx context.Context) {
	defer close(p.done)

	for usages := range p.queue {
		if err := p.ledger.PushUsages(ctx, p.usageID, usages); err != nil {
			log.Error().Err(err).Str("usage_id", p.usageID).Msg("Failed to push usages")
			continue
		}

		p.mutex.Lock()
		p.pushed = append(p.pushed, usages...)
		p.mutex.Unlock()
	}
}

func (p *UsagePusher) HandleEvent(ctx context.Context, event ExecutionEvent) error {
	e, ok := event.(NodeRunCompletedEvent)
	if !ok || len(e.Result.Usages) == 0 {
		return nil
	}

	usages := append([]domain.UsageRecord{}, e.Result.Usages...)
	p.queue <- usages

	return nil
}

// Close waits until every queued push has been attempted.
func (p *UsagePusher) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
	})

	<-p.done
}

func (p *UsagePusher) Pushed() []domain.UsageRecord {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return append([]domain.UsageRecord{}, p.pushed...)
}
