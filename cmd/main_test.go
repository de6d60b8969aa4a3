package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("PEDIATRIC_STORAGE_BACKEND", "sqlite")
	t.Setenv("PEDIATRIC_STORAGE_SQLITE_PATH", filepath.Join(t.TempDir(), "pediatric.db"))
	t.Setenv("PEDIATRIC_RETRIEVAL_EMBEDDINGS", "false")
	t.Setenv("PEDIATRIC_OPENAI_API_KEY", "sk-test")
	t.Setenv("PEDIATRIC_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestTriageCommand_ReportsDanger(t *testing.T) {
	out := runCommand(t, "triage", "--facts", "symptom=fever,age_months=2,temperature=38.5")

	var report triageReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Danger)
	require.Equal(t, "fever_under_3_months", report.Danger.RuleID)
}

func TestTriageCommand_ListsMissingSlots(t *testing.T) {
	out := runCommand(t, "triage", "--facts", "symptom=fever,age_months=14")

	var report triageReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Nil(t, report.Danger)
	require.NotEmpty(t, report.Missing)
	require.Nil(t, report.Decision)
}

func TestSearchCommand_KeywordMode(t *testing.T) {
	out := runCommand(t, "search", "fever")

	var resp struct {
		Mode    string      `json:"mode"`
		Results []searchHit `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "keyword", resp.Mode)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, 1, resp.Results[0].Rank)
}

func TestWorkerCommand_OnceWithEmptyQueue(t *testing.T) {
	out := runCommand(t, "worker", "--once")
	require.Equal(t, "processed 0 task(s)\n", out)
}
