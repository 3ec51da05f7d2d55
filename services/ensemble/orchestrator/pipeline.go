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

// runPipeline runs candidates as ordered stages. Stage i receives the
// task with stage i-1's payload and agent under the ContextKeyPrevious*
// keys, plus every earlier payload under ContextKeyStageOutputs.
//
// Any stage failure, including a skipped stage, fails the task with the
// outputs produced so far. The last stage's output is chosen.
func (o *Orchestrator) runPipeline(ctx context.Context, task datatypes.Task, plan datatypes.ExecutionPlan) strategyResult {
	var res strategyResult
	var stageOutputs []any

	for i, cand := range plan.Candidates {
		if ctx.Err() != nil {
			res.err = cancelled("pipeline", ctx.Err(), res.outputs)
			return res
		}

		stageTask := task
		if i > 0 {
			prev := res.outputs[len(res.outputs)-1]
			stageTask = task.WithContext(map[string]any{
				datatypes.ContextKeyPreviousOutput: prev.Payload,
				datatypes.ContextKeyPreviousAgent:  prev.AgentRef,
				datatypes.ContextKeyStage:          i,
				datatypes.ContextKeyStageOutputs:   append([]any(nil), stageOutputs...),
			})
		}

		out, warn := o.invoke(ctx, invocation{cand: cand, task: stageTask, params: datatypes.Params{Stage: i}})
		if warn != nil {
			res.warnings = append(res.warnings, *warn)
			res.err = failed("pipeline", fmt.Errorf("stage %d (%s): %s", i, cand.Name, warn.Message), res.outputs)
			return res
		}
		if out == nil {
			res.err = cancelled("pipeline", ctx.Err(), res.outputs)
			return res
		}
		res.outputs = append(res.outputs, *out)
		if !out.OK() {
			if out.ErrKind == datatypes.KindCancelled {
				res.err = cancelled("pipeline", out.Err, res.outputs)
			} else {
				res.err = failed("pipeline", fmt.Errorf("stage %d (%s): %w", i, cand.Name, out.Err), res.outputs)
			}
			return res
		}
		stageOutputs = append(stageOutputs, out.Payload)
	}

	last := res.outputs[len(res.outputs)-1]
	res.chosen = &last
	return res
}
