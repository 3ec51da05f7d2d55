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

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// runSequential invokes candidates one at a time in plan order.
//
// Without RequireAll it stops at the first success, which is chosen. With
// RequireAll every candidate runs and the last success is chosen. With
// ChainRefine each agent receives the most recent successful payload as
// Params.Refine.
func (o *Orchestrator) runSequential(ctx context.Context, task datatypes.Task, plan datatypes.ExecutionPlan) strategyResult {
	var res strategyResult
	var refine any

	for _, cand := range plan.Candidates {
		if ctx.Err() != nil {
			break
		}
		params := datatypes.Params{}
		if plan.Params.ChainRefine {
			params.Refine = refine
		}

		out, warn := o.invoke(ctx, invocation{cand: cand, task: task, params: params})
		if warn != nil {
			res.warnings = append(res.warnings, *warn)
		}
		if out == nil {
			continue
		}
		res.outputs = append(res.outputs, *out)
		if !out.OK() {
			continue
		}

		chosen := *out
		res.chosen = &chosen
		refine = out.Payload
		if !plan.Params.RequireAll {
			return res
		}
	}

	switch {
	case ctx.Err() != nil && (res.chosen == nil || plan.Params.RequireAll):
		res.chosen = nil
		res.err = cancelled("sequential", ctx.Err(), res.outputs)
	case res.chosen == nil:
		res.err = failed("sequential", fmt.Errorf("all %d candidates failed", len(plan.Candidates)), res.outputs)
	}
	return res
}
