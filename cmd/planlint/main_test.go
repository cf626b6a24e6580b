package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releasePlan = "../../pkg/plan/testdata/release.yaml"

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_ValidPlan(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{releasePlan}, &stdout, &stderr)

	assert.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "ok   "+releasePlan)
	assert.Contains(t, stdout.String(), "plan release")
}

func TestRun_UnknownStepType(t *testing.T) {
	path := writePlan(t, `id: custom
root: root
nodes:
  - id: root
    step_type: DEPLOY
    mode: SYNC
`)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{path}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "FAIL "+path)

	stdout.Reset()
	assert.Equal(t, 0, run([]string{"--schema-only", path}, &stdout, &stderr))
}

func TestRun_JSONOutput(t *testing.T) {
	broken := writePlan(t, "id: broken\n")

	var stdout, stderr bytes.Buffer
	code := run([]string{"--json", releasePlan, broken}, &stdout, &stderr)
	assert.Equal(t, 1, code)

	var results []result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, 8, results[0].Nodes)
	assert.NotEmpty(t, results[1].Error)
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: planlint")

	assert.Equal(t, 2, run([]string{"--bogus"}, &stdout, &stderr))
}
