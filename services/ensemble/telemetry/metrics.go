// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the OTel instruments recorded by the service layer.
type Instruments struct {
	// SubmitsTotal counts submissions by kind, strategy and outcome.
	SubmitsTotal metric.Int64Counter

	// SubmitDuration records end-to-end submission time in seconds.
	SubmitDuration metric.Float64Histogram

	// ActiveTasks tracks tasks currently in flight.
	ActiveTasks metric.Int64UpDownCounter

	// Reward records shaped rewards by kind and strategy.
	Reward metric.Float64Histogram
}

// NewInstruments creates the instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	m := &Instruments{}
	var err error

	m.SubmitsTotal, err = meter.Int64Counter(
		"ensemble_submits_total",
		metric.WithDescription("Task submissions"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create submits_total: %w", err)
	}

	m.SubmitDuration, err = meter.Float64Histogram(
		"ensemble_submit_duration_seconds",
		metric.WithDescription("End-to-end submission duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create submit_duration: %w", err)
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter(
		"ensemble_active_tasks",
		metric.WithDescription("Tasks currently executing"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_tasks: %w", err)
	}

	m.Reward, err = meter.Float64Histogram(
		"ensemble_reward",
		metric.WithDescription("Shaped reward per finished task"),
		metric.WithExplicitBucketBoundaries(-2, -1, -0.5, 0, 0.25, 0.5, 0.75, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create reward: %w", err)
	}

	return m, nil
}

// RecordSubmit records one finished submission.
func (m *Instruments) RecordSubmit(ctx context.Context, kind, strategy, outcome string, d time.Duration, reward float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	)
	m.SubmitsTotal.Add(ctx, 1, attrs)
	m.SubmitDuration.Record(ctx, d.Seconds(), attrs)
	if strategy != "" {
		m.Reward.Record(ctx, reward, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("strategy", strategy),
		))
	}
}
