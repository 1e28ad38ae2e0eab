package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.Set(KeyNewSARIF, "new.sarif")
	v.Set(KeyOpenAPISpec, "openapi.yaml")
	v.Set(KeyTargetURL, "http://localhost:8000/api")
	v.Set(KeyCWEConfig, "cwe.yaml")
	v.Set(KeyWorkspace, "/work")
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(baseViper())
	require.NoError(t, err)

	assert.Equal(t, 31, cfg.InputVector)
	assert.Equal(t, 5, cfg.RPC)
	assert.Equal(t, "reports/scan-results.json", cfg.OutputFile)
	assert.Equal(t, filepath.Join("reports", "confirmed.sarif"), cfg.FilteredSARIF)
	assert.True(t, cfg.Engine.Managed)
	assert.Equal(t, "http://localhost:8080", cfg.Engine.URL)
	assert.Equal(t, "zaproxy/zap-stable", cfg.Engine.Image)
	assert.Equal(t, "zap-ci", cfg.Engine.Container)
	assert.Equal(t, 60*time.Second, cfg.Engine.StartupDelay)
	assert.Equal(t, 30*time.Second, cfg.Engine.StartupTimeout)
	assert.Equal(t, time.Second, cfg.Scan.PollInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Scan.FastPollInterval)
	assert.Zero(t, cfg.Scan.Timeout)
	assert.Zero(t, cfg.Scan.Concurrency)
}

func TestLoad_ExternalEngine(t *testing.T) {
	v := baseViper()
	v.Set(KeyZAPURL, "http://zap.internal:8090")
	v.Set(KeyOutputFile, "out/run.json")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.False(t, cfg.Engine.Managed)
	assert.Equal(t, "http://zap.internal:8090", cfg.Engine.URL)
	assert.Equal(t, filepath.Join("out", "confirmed.sarif"), cfg.FilteredSARIF)
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	t.Setenv("NEW_SARIF", "env.sarif")
	t.Setenv("OPENAPI_SPEC", "env.yaml")
	t.Setenv("TARGET_URL", "http://env.local")
	t.Setenv("CWE_CONFIG", "env-cwe.yaml")
	t.Setenv("INPUT_VECTOR", "3")

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "env.sarif", cfg.NewSARIF)
	assert.Equal(t, "http://env.local", cfg.TargetURL)
	assert.Equal(t, 3, cfg.InputVector)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want error
	}{
		{"missing sarif", KeyNewSARIF, "", ErrMissingRequired},
		{"missing target", KeyTargetURL, " ", ErrMissingRequired},
		{"relative target", KeyTargetURL, "/api", ErrInvalidConfig},
		{"vector not a number", KeyInputVector, "all", ErrInvalidConfig},
		{"vector out of range", KeyInputVector, 32, ErrInvalidConfig},
		{"vector zero", KeyInputVector, 0, ErrInvalidConfig},
		{"negative concurrency", KeyConcurrency, -1, ErrInvalidConfig},
		{"rpc not a number", KeyRPC, "x", ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := baseViper()
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadClassRules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cwe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cwe_scanners:\n  CWE-89: [40018, 40019]\n  CWE-79: [40012, 40018]\n"), 0o644))

	rules, err := LoadClassRules(path)
	require.NoError(t, err)
	assert.Equal(t, []int{40018, 40019}, rules["CWE-89"])
	assert.True(t, rules.Has("CWE-79"))
	assert.False(t, rules.Has("CWE-22"))
	assert.Equal(t, []string{"CWE-79", "CWE-89"}, rules.Classes())
	assert.Equal(t, []int{40012, 40018, 40019}, rules.RuleIDs())

	_, err = LoadClassRules(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseClassRules_Invalid(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"not yaml":      "cwe_scanners: [",
		"no mapping":    "other: 1\n",
		"empty class":   "cwe_scanners:\n  CWE-89: []\n",
		"wrong shape":   "cwe_scanners:\n  CWE-89: forty\n",
		"empty mapping": "cwe_scanners: {}\n",
	} {
		_, err := ParseClassRules([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}
