package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable the loader reads, so host environment
// doesn't leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v.name, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "moltgate.yaml")
	writeFile(t, path, `
gemini_api_key: key-from-file
gateway_token: tok
dm_policy: pairing
`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-file", s.GeminiAPIKey)
	assert.Equal(t, "tok", s.GatewayToken)
	assert.Equal(t, "pairing", s.DMPolicy)
	assert.Empty(t, s.DiscordBotToken)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "moltgate.yaml")
	writeFile(t, path, "gemini_api_key: key-from-file\n")

	t.Setenv("GEMINI_API_KEY", "key-from-env")
	t.Setenv("MOLT_DEV_MODE", "1")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", s.GeminiAPIKey)
	assert.Equal(t, "1", s.DevMode)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "moltgate.yaml")
	writeFile(t, path, "gemini_api_key: [not a string\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadSearchesUpward(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writeFile(t, filepath.Join(root, DefaultFileName), "gemini_api_key: found-above\n")

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	defer os.Chdir(wd)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "found-above", s.GeminiAPIKey)
}

func TestGatewayEnvOmitsEmpty(t *testing.T) {
	s := &Secrets{
		GeminiAPIKey: "k",
		DMPolicy:     "pairing",
	}
	env := s.GatewayEnv()
	assert.ElementsMatch(t, []string{"GEMINI_API_KEY=k", "MOLT_DM_POLICY=pairing"}, env)
}

func TestMissingCredential(t *testing.T) {
	s := &Secrets{}
	assert.Equal(t, "GEMINI_API_KEY", s.MissingCredential())

	s.GeminiAPIKey = "k"
	assert.Empty(t, s.MissingCredential())
}

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "x", "y", "z")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writeFile(t, filepath.Join(root, "marker.yaml"), "")

	assert.Equal(t, filepath.Join(root, "marker.yaml"), FindUp("marker.yaml", nested))
	assert.Empty(t, FindUp("definitely-not-present-anywhere.yaml", nested))
}
