package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefaultConfig_Validates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, generateDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "v0.1", raw["version"])

	var out bytes.Buffer
	require.NoError(t, validateConfig(&out, path))
	assert.Contains(t, out.String(), "Result: PASS")
}

func TestValidateConfig_ReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "v0.1",
		"api": {"baseURL": "https://api.estate.example.com"},
		"identity": {"provider": "google", "clientId": "id", "clientSecret": "plain", "redirectUri": "http://127.0.0.1:7777/oauth/callback"}
	}`), 0600))

	var out bytes.Buffer
	err := validateConfig(&out, path)
	require.Error(t, err)
	assert.Contains(t, out.String(), "identity.clientSecret")
	assert.Contains(t, out.String(), "Result: FAIL")
}

func TestValidateConfig_MissingFile(t *testing.T) {
	var out bytes.Buffer
	err := validateConfig(&out, filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "error during validation")
}

func TestParseMethod(t *testing.T) {
	m, err := parseMethod("patch")
	require.NoError(t, err)
	assert.Equal(t, "PATCH", m)

	_, err = parseMethod("TRACE")
	assert.Error(t, err)
}

func TestReadData(t *testing.T) {
	body, err := readData("", strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = readData("-", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	body, err = readData(`{"b":2}`, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(body))
}

func TestPrintBody(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printBody(&out, []byte(`{"id":"l-1"}`)))
	assert.Equal(t, "{\n  \"id\": \"l-1\"\n}\n", out.String())

	out.Reset()
	require.NoError(t, printBody(&out, []byte("plain text\n")))
	assert.Equal(t, "plain text\n", out.String())

	out.Reset()
	require.NoError(t, printBody(&out, nil))
	assert.Empty(t, out.String())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, BuildVersion+"\n", out.String())
}
