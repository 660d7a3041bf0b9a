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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianIELTS/services/recovery"
	"github.com/spf13/cobra"
)

// maxResponseSize caps the saved model response read by recover.
const maxResponseSize = 4 << 20

type recoverOptions struct {
	task           string
	original       string
	count          int
	recoveryConfig string
}

// recoverReport is printed by the recover command.
type recoverReport struct {
	Task     string         `json:"task"`
	Strategy string         `json:"strategy"`
	Verdict  string         `json:"verdict"`
	Missing  []string       `json:"missing,omitempty"`
	Repairs  []string       `json:"repairs,omitempty"`
	Result   map[string]any `json:"result"`
}

// errIncomplete marks a response that would have been retried.
var errIncomplete = errors.New("response is incomplete")

func newRecoverCmd() *cobra.Command {
	var opts recoverOptions
	cmd := &cobra.Command{
		Use:   "recover [file]",
		Short: "Decode, validate, and finalize a saved model response",
		Long: `Runs a saved model response through the decoder chain, reconciler,
validator, and finalizer for one task, and prints the finalized object with
the verdict. Reads stdin when no file is given. Exits non-zero when the
response would have been retried.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runRecover(cmd, opts, in)
		},
	}
	cmd.Flags().StringVar(&opts.task, "task", recovery.TaskGeneric, "Task schema to apply")
	cmd.Flags().StringVar(&opts.original, "original", "", "Original text for rewrite tasks")
	cmd.Flags().IntVar(&opts.count, "count", 0, "Requested item count for list tasks")
	cmd.Flags().StringVar(&opts.recoveryConfig, "recovery-config", "", "YAML file overriding the embedded recovery config")
	return cmd
}

func runRecover(cmd *cobra.Command, opts recoverOptions, in io.Reader) error {
	cfg, err := loadRecoveryConfig(cmd.Context(), opts.recoveryConfig)
	if err != nil {
		return err
	}
	schema, err := cfg.Schema(opts.task)
	if err != nil {
		return fmt.Errorf("%w (known: %v)", err, cfg.Tasks())
	}

	raw, err := io.ReadAll(io.LimitReader(in, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(raw) > maxResponseSize {
		return fmt.Errorf("response exceeds %d bytes", maxResponseSize)
	}

	input := recovery.Input{Original: opts.original, RequestedCount: opts.count}
	decoded := recovery.Decode(string(raw), schema)
	candidate := recovery.Reconcile(decoded.Value, schema)
	verdict := recovery.Validate(candidate, schema, input)

	report := recoverReport{
		Task:     opts.task,
		Strategy: decoded.Strategy.String(),
		Verdict:  verdict.String(),
		Missing:  verdict.Missing,
		Repairs:  verdict.Repairs,
		Result:   recovery.Finalize(candidate, schema, input),
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(report); err != nil {
		return err
	}

	if !verdict.Complete() && !verdict.Soft() {
		return fmt.Errorf("%w: %s", errIncomplete, verdict)
	}
	return nil
}
