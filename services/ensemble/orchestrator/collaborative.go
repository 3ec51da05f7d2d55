// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// BlackboardAgentRef is the AgentRef of a COLLABORATIVE chosen output.
const BlackboardAgentRef = "blackboard"

// runCollaborative runs every candidate once per round against a shared
// blackboard. It stops after the configured rounds, or earlier after a
// round that changed no key.
//
// The chosen output is synthetic: its payload is the final board, its
// score the mean of the last round's successful scores, its cost the sum
// of every invocation.
func (o *Orchestrator) runCollaborative(ctx context.Context, task datatypes.Task, plan datatypes.ExecutionPlan) strategyResult {
	rounds := o.ResolveParams(datatypes.StrategyCollaborative, plan.Params).Rounds

	start := time.Now()
	board := newBlackboard()
	var res strategyResult
	var lastRound []datatypes.AgentOutput

	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			break
		}
		board.beginRound(round)

		c := &collector{}
		g := &errgroup.Group{}
		g.SetLimit(o.cfg.Workers)
		for rank, cand := range plan.Candidates {
			g.Go(func() error {
				params := datatypes.Params{Round: round, Blackboard: view{board: board, rank: rank}}
				c.add(o.invoke(ctx, invocation{cand: cand, task: task, params: params}))
				return nil
			})
		}
		_ = g.Wait()

		res.outputs = append(res.outputs, c.outputs...)
		res.warnings = append(res.warnings, c.warnings...)
		res.rounds = round
		lastRound = c.outputs

		changed := board.endRound()
		o.logger.Debug("collaborative round finished",
			slog.String("task_id", task.ID),
			slog.Int("round", round),
			slog.Int("changed_keys", changed),
		)
		if changed == 0 {
			break
		}
	}
	recordRounds(res.rounds)

	if len(datatypes.Successful(res.outputs)) == 0 {
		if ctx.Err() != nil {
			res.err = cancelled("collaborative", ctx.Err(), res.outputs)
		} else {
			res.err = failed("collaborative", fmt.Errorf("no successful contribution in %d rounds", res.rounds), res.outputs)
		}
		return res
	}
	if ctx.Err() != nil {
		res.warnings = append(res.warnings, datatypes.Warning{
			Kind:    datatypes.KindCancelled,
			Message: fmt.Sprintf("stopped after round %d of %d", res.rounds, rounds),
		})
	}

	now := time.Now()
	res.chosen = &datatypes.AgentOutput{
		AgentRef:      BlackboardAgentRef,
		Payload:       board.current(),
		Score:         datatypes.Score(datatypes.MeanScore(lastRound)),
		CostActual:    datatypes.TotalCost(res.outputs),
		LatencyActual: now.Sub(start),
		StartedAt:     start,
		CompletedAt:   now,
		Round:         res.rounds,
	}
	return res
}
