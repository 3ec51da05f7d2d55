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

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// runParallel invokes every candidate concurrently.
//
// With a quorum below the candidate count, the remaining invocations are
// cancelled once that many have succeeded; their outputs are recorded as
// Cancelled. The chosen output is the highest score, ties broken by lower
// latency and then plan order.
func (o *Orchestrator) runParallel(ctx context.Context, task datatypes.Task, plan datatypes.ExecutionPlan) strategyResult {
	quorum := plan.Params.Quorum
	if quorum <= 0 || quorum > len(plan.Candidates) {
		quorum = len(plan.Candidates)
	}

	scope, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &collector{}
	g := &errgroup.Group{}
	g.SetLimit(o.cfg.Workers)
	for _, cand := range plan.Candidates {
		if scope.Err() != nil {
			break
		}
		g.Go(func() error {
			out, warn := o.invoke(scope, invocation{cand: cand, task: task})
			if c.add(out, warn) >= quorum {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	res := strategyResult{outputs: c.outputs, warnings: c.warnings}
	if c.successes >= quorum {
		res.chosen = pickParallel(res.outputs, plan.Candidates)
		return res
	}
	if ctx.Err() != nil {
		res.err = cancelled("parallel", ctx.Err(), res.outputs)
		return res
	}
	if res.chosen = pickParallel(res.outputs, plan.Candidates); res.chosen == nil {
		res.err = failed("parallel", fmt.Errorf("no successful output from %d candidates", len(plan.Candidates)), res.outputs)
	}
	return res
}

// pickParallel chooses among successful outputs by score, then latency,
// then candidate order. Returns nil when nothing succeeded.
func pickParallel(outputs []datatypes.AgentOutput, cands []datatypes.Candidate) *datatypes.AgentOutput {
	rank := make(map[string]int, len(cands))
	for i, c := range cands {
		rank[c.Name] = i
	}
	var best *datatypes.AgentOutput
	for i := range outputs {
		o := &outputs[i]
		if !o.OK() {
			continue
		}
		if best == nil {
			best = o
			continue
		}
		switch {
		case o.ScoreValue() > best.ScoreValue():
			best = o
		case o.ScoreValue() < best.ScoreValue():
		case o.LatencyActual < best.LatencyActual:
			best = o
		case o.LatencyActual == best.LatencyActual && rank[o.AgentRef] < rank[best.AgentRef]:
			best = o
		}
	}
	if best == nil {
		return nil
	}
	chosen := *best
	return &chosen
}
