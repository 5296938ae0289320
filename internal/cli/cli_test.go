package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridtree/jobtree/internal/store"
	"github.com/gridtree/jobtree/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "jobtreectl", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 3)

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"])
	assert.True(t, commandNames["submit"])
	assert.True(t, commandNames["status"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "config.xml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "completion")
	assert.NotNil(t, cmd.RunE)

	harnessFlag := cmd.Flags().Lookup("harness")
	require.NotNil(t, harnessFlag)
	assert.Equal(t, "jobtree-worker", harnessFlag.DefValue)
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	commandFlag := cmd.Flags().Lookup("command")
	require.NotNil(t, commandFlag)
	assert.Equal(t, "", commandFlag.DefValue)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.xml")
	xmlDoc := `<config job_file_dir="jobs" log_file_dir="logs" slave_log_file_dir="logs/slave" temp_dir_dir="tmp" ` +
		`job_time="30" max_job_duration="1000000" rescue_jobs_frequency="300" max_jobs="100" retry_count="2" ` +
		`default_memory="1024" default_cpu="1" max_log_file_size="1000" log_level="INFO" reportAllJobLogFiles="0"/>`
	require.NoError(t, os.WriteFile(path, []byte(xmlDoc), 0o644))
	return path
}

func TestSubmitRootCreatesGreyRecord(t *testing.T) {
	dir := t.TempDir()
	configFile = writeTestConfig(t, dir)

	require.NoError(t, submitRoot("true", 0, 0))

	jobDir := filepath.Join(dir, "jobs")
	entries, err := os.ReadDir(jobDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rec, err := store.New().ReadRecord(filepath.Join(jobDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, types.Grey, rec.Colour)
}

func TestShowStatusWithNoJobDirectory(t *testing.T) {
	dir := t.TempDir()
	configFile = writeTestConfig(t, dir)

	assert.NoError(t, showStatus())
}

func TestShowStatusCountsColours(t *testing.T) {
	dir := t.TempDir()
	configFile = writeTestConfig(t, dir)

	require.NoError(t, submitRoot("true", 0, 0))
	require.NoError(t, submitRoot("true", 0, 0))

	jobDir := filepath.Join(dir, "jobs")
	entries, err := os.ReadDir(jobDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.NoError(t, showStatus())
}

func TestRecordColourZeroValue(t *testing.T) {
	var rec types.Record
	assert.Equal(t, types.Colour(""), rec.Colour)
}
