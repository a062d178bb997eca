package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"API_ADDR", "STORE_BACKEND", "JOIN_TIMEOUT", "CURSOR_RATE", "CORS_ALLOWED_ORIGINS", "MINIO_USE_SSL"} {
		t.Setenv(k, "")
	}
	c := Load()
	assert.Equal(t, ":8080", c.APIAddr)
	assert.Equal(t, BackendMemory, c.StoreBackend)
	assert.Equal(t, 12*time.Second, c.JoinTimeout)
	assert.Equal(t, 30, c.CursorRate)
	assert.Equal(t, defaultAllowedOrigins, c.AllowedOrigin)
	assert.False(t, c.MinioUseSSL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("JOIN_TIMEOUT", "3s")
	t.Setenv("LEASE_TTL", "not-a-duration")
	t.Setenv("CURSOR_RATE", "x")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	c := Load()
	assert.Equal(t, BackendRedis, c.StoreBackend)
	assert.Equal(t, 3*time.Second, c.JoinTimeout)
	assert.Equal(t, defaultLeaseTTL, c.LeaseTTL)
	assert.Equal(t, defaultCursorRate, c.CursorRate)
	assert.True(t, c.MinioUseSSL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigin)
}

func TestValidate(t *testing.T) {
	c := Config{StoreBackend: BackendMemory, JWTSecret: "s"}
	require.NoError(t, c.Validate())

	c.StoreBackend = BackendFirebase
	assert.Error(t, c.Validate())
	c.FirebaseDatabaseURL = "https://example.firebaseio.com"
	assert.NoError(t, c.Validate())

	c.StoreBackend = "etcd"
	assert.Error(t, c.Validate())

	c = Config{StoreBackend: BackendMemory}
	assert.Error(t, c.Validate())
}
