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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/config"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	submitKind         string
	submitPrompt       string
	submitCapabilities []string
	submitPersona      string

	policyExportOut string
)

// =============================================================================
// COMMANDS
// =============================================================================

var (
	submitCmd = &cobra.Command{
		Use:   "submit [task.json | -]",
		Short: "Submit a task to a running server",
		Long: `Submit a task read from a JSON file, from stdin ("-"), or built from
--kind, --prompt and --capability flags, and print the result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSubmit,
	}

	policyCmd = &cobra.Command{
		Use:   "policy",
		Short: "Inspect and move the learned routing policy",
	}
	policyStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the policy and feedback loop state",
		Args:  cobra.NoArgs,
		RunE:  runPolicyStatus,
	}
	policyExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Download the policy checkpoint blob",
		Args:  cobra.NoArgs,
		RunE:  runPolicyExport,
	}
	policyImportCmd = &cobra.Command{
		Use:   "import <file | ->",
		Short: "Replace the server's policy with a checkpoint blob",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyImport,
	}
	policyCheckpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Save the policy to the configured checkpoint store now",
		Args:  cobra.NoArgs,
		RunE:  runPolicyCheckpoint,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}
	configValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigValidate,
	}
	configPrintCmd = &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE:  runConfigPrint,
	}
)

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", string(datatypes.TaskKindGeneration), "Task kind")
	submitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "Task prompt")
	submitCmd.Flags().StringSliceVar(&submitCapabilities, "capability", nil, "Required capability (repeatable)")
	submitCmd.Flags().StringVar(&submitPersona, "persona", "", "Persona hint")

	policyExportCmd.Flags().StringVarP(&policyExportOut, "out", "o", "-", "Output file, - for stdout")
}

// =============================================================================
// SUBMIT
// =============================================================================

func runSubmit(cmd *cobra.Command, args []string) error {
	task, err := readTask(cmd.InOrStdin(), args)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	data, err := newAPIClient(serverURL).postJSON(cmd.Context(), "/v1/ensemble/tasks", task)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(indentJSON(data))
	return err
}

func readTask(stdin io.Reader, args []string) (datatypes.Task, error) {
	var task datatypes.Task
	if len(args) == 0 {
		if submitPrompt == "" {
			return task, fmt.Errorf("either a task file or --prompt is required")
		}
		caps := make([]datatypes.Capability, 0, len(submitCapabilities))
		for _, c := range submitCapabilities {
			caps = append(caps, datatypes.Capability(strings.TrimSpace(c)))
		}
		task = datatypes.Task{
			Kind:                 datatypes.TaskKind(submitKind),
			Prompt:               submitPrompt,
			RequiredCapabilities: datatypes.NewCapabilitySet(caps...),
			PersonaHint:          submitPersona,
		}
	} else {
		raw, err := readInput(stdin, args[0])
		if err != nil {
			return task, err
		}
		if err := json.Unmarshal(raw, &task); err != nil {
			return task, fmt.Errorf("parse task: %w", err)
		}
	}
	if err := task.Validate(); err != nil {
		return task, err
	}
	return task, nil
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

// =============================================================================
// POLICY
// =============================================================================

func runPolicyStatus(cmd *cobra.Command, _ []string) error {
	data, err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/v1/ensemble/policy", "", nil)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(indentJSON(data))
	return err
}

func runPolicyExport(cmd *cobra.Command, _ []string) error {
	data, err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/v1/ensemble/policy/export", "", nil)
	if err != nil {
		return err
	}
	if policyExportOut == "-" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(policyExportOut, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", policyExportOut, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), policyExportOut)
	return nil
}

func runPolicyImport(cmd *cobra.Command, args []string) error {
	blob, err := readInput(cmd.InOrStdin(), args[0])
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	data, err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPut, "/v1/ensemble/policy", "application/octet-stream", blob)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(indentJSON(data))
	return err
}

func runPolicyCheckpoint(cmd *cobra.Command, _ []string) error {
	data, err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, "/v1/ensemble/policy/checkpoint", "", nil)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(indentJSON(data))
	return err
}

// =============================================================================
// CONFIG
// =============================================================================

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	source := configPath
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config OK (%s): %d agents, checkpoint backend %s, listening on %s\n",
		source, len(cfg.Agents), cfg.Checkpoint.Backend, cfg.HTTP.Addr)
	return nil
}

func runConfigPrint(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if cfg.Telemetry.Influx.Token != "" {
		cfg.Telemetry.Influx.Token = "<redacted>"
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
