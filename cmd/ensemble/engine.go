// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/agents/scripted"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/checkpoint"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/collapse"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/config"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/cost"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/feedback"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/orchestrator"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/registry"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

// engine owns every long-lived component of a serving process.
type engine struct {
	svc          *ensemble.Service
	loop         *feedback.Loop
	checkpointer *checkpoint.Checkpointer
	influx       *telemetry.InfluxSink
	shutdownOTel func(context.Context) error
	logger       *slog.Logger
}

// buildEngine wires the components described by cfg. Nothing runs in the
// background until start.
func buildEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*engine, error) {
	e := &engine{logger: logger}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	e.shutdownOTel = shutdown

	inst, err := telemetry.NewInstruments(otel.Meter(telemetry.TracerService))
	if err != nil {
		logger.Warn("otel instruments unavailable", slog.String("error", err.Error()))
	}

	var sinks []telemetry.Sink
	switch sink, err := telemetry.NewInfluxSink(cfg.Telemetry.Influx, logger); {
	case err == nil:
		e.influx = sink
		sinks = append(sinks, sink)
		logger.Info("influx event sink enabled",
			slog.String("url", cfg.Telemetry.Influx.URL),
			slog.String("bucket", cfg.Telemetry.Influx.Bucket),
			slog.Bool("token_present", cfg.Telemetry.Influx.Token != ""),
		)
	case !errors.Is(err, telemetry.ErrInfluxDisabled):
		_ = e.stop(ctx)
		return nil, fmt.Errorf("influx sink: %w", err)
	}
	events := telemetry.NewEmitter(
		telemetry.WithRecentSize(cfg.Telemetry.RecentEvents),
		telemetry.WithSinks(sinks...),
		telemetry.WithEmitterLogger(logger),
	)

	reg := registry.New(registry.WithLogger(logger))
	for _, ac := range cfg.Agents {
		if err := reg.Register(scripted.New(ac), registry.WithPriority(ac.Priority)); err != nil {
			_ = e.stop(ctx)
			return nil, fmt.Errorf("register agent %q: %w", ac.Name, err)
		}
	}
	if reg.Len() == 0 {
		logger.Warn("no agents configured; every submission will fail with NoCapableAgent")
	}

	// One engine instance serves both the orchestrator and Tune.
	collapser := collapse.NewEngine(cfg.Collapse, collapse.WithLogger(logger))
	orch := orchestrator.New(cfg.Orchestrator, collapser, orchestrator.WithLogger(logger))

	actions := routing.DefaultActions()
	policy := routing.NewPolicy(actions, cfg.Routing.Policy, routing.WithPolicyLogger(logger))
	e.loop = feedback.NewLoop(policy, cfg.Feedback, feedback.WithLogger(logger))
	router := routing.NewRouter(policy, actions, cfg.Routing.Router,
		routing.WithRouterLogger(logger),
		routing.WithSuccessRates(e.loop.History()),
		routing.WithParamResolver(orch.ResolveParams),
	)

	store, err := checkpoint.OpenStore(ctx, cfg.Checkpoint)
	if err != nil {
		_ = e.stop(ctx)
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	if store != nil {
		e.checkpointer = checkpoint.New(policy, store, cfg.Checkpoint,
			checkpoint.WithLogger(logger),
			checkpoint.WithPublisher(events),
		)
	}

	e.svc, err = ensemble.NewService(cfg.Service, ensemble.Components{
		Registry:     reg,
		Estimator:    cost.NewEstimator(cfg.Cost, cost.WithLogger(logger)),
		Policy:       policy,
		Router:       router,
		Orchestrator: orch,
		Collapse:     collapser,
		Feedback:     e.loop,
		Events:       events,
	},
		ensemble.WithLogger(logger),
		ensemble.WithInstruments(inst),
		ensemble.WithCheckpointer(e.checkpointer),
	)
	if err != nil {
		_ = e.stop(ctx)
		return nil, err
	}

	logger.Info("engine built",
		slog.Int("agents", reg.Len()),
		slog.Int("actions", len(actions)),
		slog.String("checkpoint_backend", cfg.Checkpoint.Backend),
	)
	return e, nil
}

// start restores the policy and launches the background workers.
func (e *engine) start(ctx context.Context) error {
	if e.checkpointer != nil {
		if _, err := e.checkpointer.Restore(ctx); err != nil {
			return fmt.Errorf("restore policy: %w", err)
		}
		e.checkpointer.Start()
	}
	e.loop.Start()
	return nil
}

// stop flushes pending feedback before the final checkpoint so the saved
// policy includes every completed task.
func (e *engine) stop(ctx context.Context) error {
	var errs []error
	if e.loop != nil {
		e.loop.Stop()
	}
	if e.checkpointer != nil {
		errs = append(errs, e.checkpointer.Stop(ctx))
	}
	if e.influx != nil {
		e.influx.Close()
	}
	if e.shutdownOTel != nil {
		errs = append(errs, e.shutdownOTel(ctx))
	}
	return errors.Join(errs...)
}
