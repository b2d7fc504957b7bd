// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// executeCommandNoPreRun runs a command with the config already in its
// context, skipping the root's config loading.
func executeCommandNoPreRun(t *testing.T, c *cobra.Command, cfg config.Interface, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs(args)
	ctx := context.WithValue(context.Background(), configKey, cfg)
	err := c.ExecuteContext(ctx)
	return out.String(), err
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a config file that keeps every output inside a temp dir.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "logger:\n  log_file: " + filepath.Join(dir, "sentient.log") + "\n" +
		"trace:\n  path: " + filepath.Join(dir, "trace.jsonl") + "\n  rl_dir: " + filepath.Join(dir, "rl") + "\n" +
		"guardrails:\n  resources:\n    enabled: false\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeRoot(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeRoot(t)
	require.NoError(t, err)
	assert.Contains(t, out, "plan, execute, observe, decide loop")
}

func TestVersionCmd(t *testing.T) {
	out, err := executeRoot(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sentient "+Version)
}

func TestRootCmd_ConfigFile(t *testing.T) {
	path := writeConfig(t, "")
	out, err := executeRoot(t, "--config", path, "plan", "check memory usage", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "goal: check memory usage")
}

func TestRootCmd_InvalidConfigFile(t *testing.T) {
	path := writeConfig(t, "loop:\n  max_steps: -5\n")
	_, err := executeRoot(t, "--config", path, "plan", "check memory usage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
}

func TestRootCmd_MissingConfigFile(t *testing.T) {
	_, err := executeRoot(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "plan", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestRunCmd_DryRunFlag(t *testing.T) {
	cfg := newTestConfig(t)
	out, err := executeCommandNoPreRun(t, newRunCmd(nil), cfg, "--dry-run", "--max-steps", "7", "check", "memory", "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "Validation: OK")
	assert.Equal(t, 7, cfg.Loop().MaxSteps)
}

func TestRunCmd_RequiresGoal(t *testing.T) {
	_, err := executeCommandNoPreRun(t, newRunCmd(nil), newTestConfig(t))
	require.Error(t, err)
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	require.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, config.Interface(cfg)))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
