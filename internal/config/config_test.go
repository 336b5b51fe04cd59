package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Agent.Interval)
	assert.Equal(t, 50, cfg.Agent.MaxSignalsPerBatch)
	assert.Equal(t, 2, cfg.Agent.PatternThreshold)
	assert.Equal(t, 0.9, cfg.Decider.AutoApproveThreshold)
	assert.Equal(t, 0.5, cfg.Decider.EscalationFloor)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, "memory", cfg.Target.Kind)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("agent:\n  pattern_threshold: 3\nreasoner:\n  provider: rules\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agent.PatternThreshold)
	assert.Equal(t, "rules", cfg.Reasoner.Provider)
	assert.Equal(t, 50, cfg.Agent.MaxSignalsPerBatch)
	assert.Equal(t, 8*time.Second, cfg.Reasoner.Timeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"provider":  "reasoner:\n  provider: magic\n",
		"floor":     "decider:\n  escalation_floor: 0.95\n",
		"target":    "target:\n  kind: http\n",
		"auth":      "auth:\n  mode: oauth\n",
		"threshold": "agent:\n  pattern_threshold: 0\n",
		"webhook":   "webhooks:\n  - events: [workflow_completed]\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.MkdirAll(filepath.Dir(Path(dir)), 0o755))
	require.NoError(t, os.WriteFile(Path(dir), []byte("executor:\n  max_attempts: 5\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Executor.MaxAttempts)
}

func TestPermissionsFromRoles(t *testing.T) {
	cfg := Default()
	perms := cfg.Permissions([]string{"viewer", "approver", "unknown"})
	assert.Contains(t, perms, "workflows.approve")
	assert.Contains(t, perms, "issues.read")
	seen := map[string]int{}
	for _, p := range perms {
		seen[p]++
	}
	for p, n := range seen {
		assert.Equal(t, 1, n, p)
	}
}
