package subagent

import (
	"context"
	"fmt"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// ChainResult is the outcome of a complete worked-example chain: the final
// writer output plus every hop's result, keyed by agent name, for a caller
// that wants per-hop receipts or cost.
type ChainResult struct {
	Output map[string]any
	Hops   map[string]*HopResult
}

// HelpdeskChainInput is the shared input to both worked-example chains.
type HelpdeskChainInput struct {
	TaskID  string
	UserRef string
	Budget  routepilot.Budget
	Input   map[string]any
}

// RunHelpdeskChain runs the sequential worked example: Triage, then a
// Retriever hop unless Triage came back over budget, then Writer. Writer's
// parent is the Retriever hop when it ran, else Triage directly.
func (c *Controller) RunHelpdeskChain(ctx context.Context, in HelpdeskChainInput) (*ChainResult, error) {
	hops := make(map[string]*HopResult)

	triage, err := c.RunHop(ctx, routepilot.Envelope{
		EnvelopeVersion: "1",
		TaskID:          in.TaskID,
		Agent:           "triage",
		Budget:          in.Budget,
		Input:           in.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("subagent: helpdesk triage: %w", err)
	}
	hops["triage"] = triage

	records := map[string]any{"records": []any{}}
	writerParent := triage.ReceiptID

	if !triage.OverBudget {
		retriever, err := c.RunHop(ctx, routepilot.Envelope{
			EnvelopeVersion: "1",
			TaskID:          in.TaskID,
			ParentID:        triage.ReceiptID,
			Agent:           "retriever",
			Budget:          in.Budget,
			Input:           triage.Output,
		})
		if err != nil {
			return nil, fmt.Errorf("subagent: helpdesk retriever: %w", err)
		}
		hops["retriever"] = retriever
		records = retriever.Output
		writerParent = retriever.ReceiptID
	}

	writer, err := c.RunHop(ctx, routepilot.Envelope{
		EnvelopeVersion: "1",
		TaskID:          in.TaskID,
		ParentID:        writerParent,
		Agent:           "writer",
		Budget:          in.Budget,
		Input:           records,
	})
	if err != nil {
		return nil, fmt.Errorf("subagent: helpdesk writer: %w", err)
	}
	hops["writer"] = writer

	return &ChainResult{Output: writer.Output, Hops: hops}, nil
}

// RunHelpdeskParallelChain runs the fan-out worked example: Triage, then
// RetrieverFast and RetrieverAccurate concurrently (both parented on
// Triage), then Aggregator over both branch outputs, then Writer.
func (c *Controller) RunHelpdeskParallelChain(ctx context.Context, in HelpdeskChainInput, earlyStop bool) (*ChainResult, error) {
	hops := make(map[string]*HopResult)

	triage, err := c.RunHop(ctx, routepilot.Envelope{
		EnvelopeVersion: "1",
		TaskID:          in.TaskID,
		Agent:           "triage",
		Budget:          in.Budget,
		Input:           in.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("subagent: helpdesk-par triage: %w", err)
	}
	hops["triage"] = triage

	branchEnvs := []routepilot.Envelope{
		{
			EnvelopeVersion: "1",
			TaskID:          in.TaskID,
			ParentID:        triage.ReceiptID,
			Agent:           "retriever-fast",
			Budget:          in.Budget,
			Input:           triage.Output,
		},
		{
			EnvelopeVersion: "1",
			TaskID:          in.TaskID,
			ParentID:        triage.ReceiptID,
			Agent:           "retriever-accurate",
			Budget:          in.Budget,
			Input:           triage.Output,
		},
	}
	branchResults, cancelledAgents := c.fanOut(ctx, branchEnvs, earlyStop)
	for _, br := range branchResults {
		if br.result != nil {
			hops[br.agent] = br.result
		}
	}

	aggregated := Aggregate(successfulOutputs(branchResults))

	aggregatorEnv := routepilot.Envelope{
		EnvelopeVersion: "1",
		TaskID:          in.TaskID,
		ParentID:        triage.ReceiptID,
		Agent:           "aggregator",
		Budget:          in.Budget,
		Input:           aggregated,
	}
	var extraMeta map[string]any
	if len(cancelledAgents) > 0 {
		extraMeta = map[string]any{"cancelled_agents": cancelledAgents}
	}
	aggregator, err := c.RunHopWithMeta(ctx, aggregatorEnv, extraMeta)
	if err != nil {
		return nil, fmt.Errorf("subagent: helpdesk-par aggregator: %w", err)
	}
	hops["aggregator"] = aggregator

	writer, err := c.RunHop(ctx, routepilot.Envelope{
		EnvelopeVersion: "1",
		TaskID:          in.TaskID,
		ParentID:        triage.ReceiptID,
		Agent:           "writer",
		Budget:          in.Budget,
		Input:           aggregator.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("subagent: helpdesk-par writer: %w", err)
	}
	hops["writer"] = writer

	return &ChainResult{Output: writer.Output, Hops: hops}, nil
}
