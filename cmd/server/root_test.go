package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/jingjin/internal/phase"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestPhasesCommandPrintsTable(t *testing.T) {
	out := runCLI(t, "phases", "--log-level", "error")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 8)
	assert.Contains(t, lines[0], "KEY")
	assert.Contains(t, lines[1], "time_compass")
	assert.Contains(t, lines[7], "review_hub")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[7]), "-"))
}

func TestPhasesCommandJSON(t *testing.T) {
	out := runCLI(t, "phases", "--json", "--log-level", "error")

	var phases []phase.Phase
	require.NoError(t, json.Unmarshal([]byte(out), &phases))
	require.Len(t, phases, 7)
	assert.Equal(t, "choice_navigator", phases[0].Next)
}

func TestMigrateCommandCreatesSQLiteSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "jingjin.db")
	runCLI(t, "migrate", "--db-path", dbPath, "--log-level", "error")
	assert.FileExists(t, dbPath)
}

func TestUnknownLogLevelFails(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"phases", "--log-level", "loud"})
	assert.Error(t, root.Execute())
}
