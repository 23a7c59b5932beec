package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MockCoderunner(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "mock", cfg.Coderunner.Mode)
	assert.Empty(t, cfg.ObjectStore.Endpoint)
}

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Coderunner.Mode)
}

func TestLoad_ValidConfig_ParsesCoderunnerAndObjectStore(t *testing.T) {
	content := `
coderunner:
  mode: external
  baseUrl: "https://coderunner.internal"
  timeout: 45s
objectStore:
  endpoint: "minio:9000"
  bucket: "conductor"
  accessKey: "ak"
  secretKey: "sk"
  useSsl: true
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "external", cfg.Coderunner.Mode)
	assert.Equal(t, "https://coderunner.internal", cfg.Coderunner.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Coderunner.Timeout)

	assert.Equal(t, "minio:9000", cfg.ObjectStore.Endpoint)
	assert.Equal(t, "conductor", cfg.ObjectStore.Bucket)
	assert.True(t, cfg.ObjectStore.UseSSL)
}

func TestLoad_ExternalModeMissingBaseURL_ReturnsError(t *testing.T) {
	content := `
coderunner:
  mode: external
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "baseUrl")
}

func TestLoad_UnknownMode_ReturnsError(t *testing.T) {
	content := `
coderunner:
  mode: bogus
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_NoMode_DefaultsToMock(t *testing.T) {
	content := `
objectStore:
  endpoint: "minio:9000"
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.Coderunner.Mode)
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "coderunner:\n  mode: mock")
	t.Setenv("CONDUCTOR_CONFIG", tmp)

	path := ResolvePath()
	assert.Equal(t, tmp, path)
}

func TestResolvePath_NoEnvVar_FallsBackToDefault(t *testing.T) {
	t.Setenv("CONDUCTOR_CONFIG", "")

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "conductor.yaml")
	os.WriteFile(yamlPath, []byte("coderunner:\n  mode: mock"), 0o644)

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "conductor.yaml", path)
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("CONDUCTOR_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "", path)
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}
