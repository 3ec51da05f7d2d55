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
	"maps"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// Override keys set on every QUANTUM variation.
const (
	OverrideTemperature    = "temperature"
	OverrideSeed           = "seed"
	OverrideVariationIndex = "variation_index"
)

// Variations expands plan into its QUANTUM branches. Candidates are
// assigned round-robin; each branch gets a distinct temperature and seed.
func (o *Orchestrator) Variations(plan datatypes.ExecutionPlan) []datatypes.Variation {
	n := o.ResolveParams(datatypes.StrategyQuantum, plan.Params).VariationCount
	out := make([]datatypes.Variation, n)
	for i := range out {
		out[i] = datatypes.Variation{
			ID: fmt.Sprintf("%s/var-%d", plan.TaskID, i),
			Overrides: map[string]any{
				OverrideTemperature:    o.cfg.TemperatureBase + o.cfg.TemperatureStep*float64(i),
				OverrideSeed:           i + 1,
				OverrideVariationIndex: i,
			},
			Agent: plan.Candidates[i%len(plan.Candidates)],
		}
	}
	return out
}

// runQuantum runs every variation concurrently under one shared
// cancellation scope, each with its own deadline. It only collects; the
// collapse happens in Execute once the task is COLLAPSING.
func (o *Orchestrator) runQuantum(ctx context.Context, task datatypes.Task, plan datatypes.ExecutionPlan) strategyResult {
	timeout := plan.Params.VariationTimeout
	if timeout <= 0 {
		timeout = o.cfg.VariationTimeout
	}

	scope, cancel := context.WithCancel(ctx)
	defer cancel()

	variations := o.Variations(plan)
	c := &collector{}
	g := &errgroup.Group{}
	g.SetLimit(o.cfg.Workers)
	for _, v := range variations {
		g.Go(func() error {
			vctx, vcancel := context.WithTimeout(scope, timeout)
			defer vcancel()
			params := datatypes.Params{VariationID: v.ID, Overrides: maps.Clone(v.Overrides)}
			c.add(o.invoke(vctx, invocation{cand: v.Agent, task: task, params: params}))
			return nil
		})
	}
	_ = g.Wait()

	res := strategyResult{outputs: c.outputs, warnings: c.warnings}
	if c.successes == 0 && ctx.Err() != nil {
		res.err = cancelled("quantum", ctx.Err(), res.outputs)
	}
	return res
}
