package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_Redacts(t *testing.T) {
	assert.Equal(t, "***", Secret("client-secret").String())
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "secret: ***", fmt.Sprintf("secret: %s", Secret("client-secret")))
	assert.NotContains(t, fmt.Sprintf("%v", Secret("client-secret")), "client-secret")
}

func TestSecret_JSONRedacted(t *testing.T) {
	data, err := json.Marshal(IdentityConfig{
		Provider:     ProviderGoogle,
		ClientID:     "estate-web",
		ClientSecret: Secret("GOCSPX-abcdef"),
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "GOCSPX-abcdef")
	assert.Contains(t, string(data), `"clientSecret":"***"`)
	assert.Contains(t, string(data), "estate-web")
}

func TestSecret_NotLeakedByConfigDump(t *testing.T) {
	cfg := Config{
		Identity: IdentityConfig{ClientSecret: Secret("GOCSPX-abcdef")},
		Storage: StorageConfig{
			Kind:          StorageRedis,
			RedisAddr:     "localhost:6379",
			RedisPassword: Secret("redis-pass-12345"),
			EncryptionKey: Secret("0123456789abcdef0123456789abcdef"),
		},
		Shell: ShellConfig{StateSecret: Secret("state-secret-state-secret")},
	}

	dump := fmt.Sprintf("%+v", cfg)
	for _, leaked := range []string{"GOCSPX-abcdef", "redis-pass-12345", "0123456789abcdef", "state-secret-state-secret"} {
		assert.NotContains(t, dump, leaked)
	}

	assert.Equal(t, "redis-pass-12345", string(cfg.Storage.RedisPassword), "the raw value stays usable")
}
