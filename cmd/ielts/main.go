// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ielts serves the IELTS speaking API and runs offline recovery of
// saved model responses.
//
// Usage:
//
//	ielts serve --port 8001
//	ielts serve --debug --trace-stdout
//	ielts recover --task grammar --original "I go yesterday" response.txt
//
// With a hosted backend on /api/v2:
//
//	GEMINI_API_KEY=... ielts serve
//
// Example requests:
//
//	curl http://localhost:8001/health
//
//	curl -X POST http://localhost:8001/api/v2/score \
//	  -H "Content-Type: application/json" \
//	  -d '{"transcription": "I like reading books in my free time."}'
package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var debugLogging bool

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ielts",
		Short:         "IELTS speaking evaluation over local and hosted LLMs",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(debugLogging)
		},
	}
	root.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRecoverCmd())
	return root
}

// setupLogging installs a text handler on terminals and a JSON handler
// otherwise.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
