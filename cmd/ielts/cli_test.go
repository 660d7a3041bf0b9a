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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeRecover(t *testing.T, stdin string, args ...string) (recoverReport, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"recover"}, args...))

	err := root.ExecuteContext(context.Background())

	var report recoverReport
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &report), "output: %s", out.String())
	}
	return report, err
}

func TestRecover_FencedScoreFromStdin(t *testing.T) {
	report, err := executeRecover(t, "Sure:\n```json\n{\"bandScore\": 7.5, \"overallFeedback\": \"Good range.\"}\n```", "--task", "score")
	require.NoError(t, err)

	assert.Equal(t, "score", report.Task)
	assert.Equal(t, "fenced", report.Strategy)
	assert.Equal(t, 7.5, report.Result["bandScore"])
	assert.Equal(t, 6.0, report.Result["pronunciationScore"])
}

func TestRecover_GrammarFromFile(t *testing.T) {
	original := "I go to the market yesterday and buy some fruits for my family."
	path := filepath.Join(t.TempDir(), "response.txt")
	body := `{"corrected": "I went to the market yesterday and bought some fruit for my family.", "corrections": []}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	report, err := executeRecover(t, "", "--task", "grammar", "--original", original, path)
	require.NoError(t, err)

	assert.Equal(t, original, report.Result["original"])
	assert.Equal(t, "Made minor adjustments to improve grammar and naturalness.", report.Result["explanation"])
}

func TestRecover_IncompleteExitsWithError(t *testing.T) {
	report, err := executeRecover(t, `{"corrected": "I went."}`,
		"--task", "grammar", "--original", "I go to the market yesterday and buy some fruits.")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errIncomplete))
	assert.NotEmpty(t, report.Verdict)
}

func TestRecover_ShortListIsAccepted(t *testing.T) {
	report, err := executeRecover(t,
		`{"vocabulary": [{"word": "a", "definition": "b", "example": "c"}]}`,
		"--task", "vocabulary", "--count", "5")
	require.NoError(t, err, "a count shortfall is a soft failure")
	assert.Len(t, report.Result["vocabulary"], 1)
}

func TestRecover_UnknownTask(t *testing.T) {
	_, err := executeRecover(t, "{}", "--task", "poetry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known:")
}

func TestPortFromEnv(t *testing.T) {
	t.Setenv("PORT", "")
	assert.Equal(t, defaultPort, portFromEnv())
	t.Setenv("PORT", "9100")
	assert.Equal(t, 9100, portFromEnv())
	t.Setenv("PORT", "not-a-port")
	assert.Equal(t, defaultPort, portFromEnv())
}

func TestSetupTracing_NoExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := setupTracing(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}
