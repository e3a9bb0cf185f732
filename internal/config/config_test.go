package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Pipeline.ConceptCount)
	assert.Equal(t, 30, cfg.Pipeline.PhraseCount)
	assert.Equal(t, 5, cfg.Pipeline.SampleCount)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 300*time.Second, cfg.Timeouts.Render)
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("pipeline:\n  sample_count: 2\nretry:\n  max_attempts: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pipeline.SampleCount)
	assert.Equal(t, 30, cfg.Pipeline.PhraseCount)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"samples > phrases": "pipeline:\n  phrase_count: 3\n  sample_count: 4\n",
		"too many concepts": "pipeline:\n  concept_count: 4\n",
		"unknown driver":    "database:\n  driver: mysql\n",
		"unknown gateway":   "gateways:\n  render: dalle\n",
		"pgx without dsn":   "database:\n  driver: pgx\n",
		"webhook no url":    "notify:\n  webhooks:\n    - events: [job.failed]\n",
		"missing font":      "compose:\n  font_path: /nonexistent/NotoSansJP.ttf\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, GatewaySynthetic, cfg.Gateways.Text)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stampline.yml"), []byte("runner:\n  workers: 9\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Runner.Workers)
}
