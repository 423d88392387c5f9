package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-memory/internal/similarity"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FACE_STORAGE_DIR", "FACE_SAVE_INTERVAL", "FACE_THRESHOLD_PROFILE",
		"FACE_COSINE_THRESHOLD", "FACE_L2_THRESHOLD", "EMBEDDING_DIM", "WEB_PORT",
		"WEB_ALLOWED_ORIGINS", "WEB_API_TOKEN", "WEB_MAX_UPLOAD_BYTES",
	} {
		if v, ok := os.LookupEnv(key); ok {
			t.Setenv(key, v) // restored after the test
			_ = os.Unsetenv(key)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.Storage.Dir)
	assert.Equal(t, 60*time.Second, cfg.Storage.SaveInterval)
	assert.Equal(t, 5*time.Second, cfg.Storage.CheckInterval)
	assert.Equal(t, 10*time.Second, cfg.Storage.ShutdownTimeout)
	assert.Equal(t, 0.9, cfg.Matching.DetectionThreshold)
	assert.Equal(t, 0.85, cfg.Matching.ImportThreshold)
	assert.Equal(t, 45*time.Second, cfg.Matching.SaveRequestInterval)
	assert.Equal(t, 10, cfg.Matching.SaveRequestUpdates)
	assert.Equal(t, 96, cfg.Matching.ThumbnailWidth)
	assert.Equal(t, 128, cfg.Matching.ThumbnailHeight)
	assert.Equal(t, 128, cfg.Provider.Dim)
	assert.Equal(t, "0.0.0.0:8085", cfg.Web.Addr())
	assert.Equal(t, int64(20<<20), cfg.Web.MaxUploadBytes)
	assert.Empty(t, cfg.Web.APIToken)

	th, err := cfg.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, similarity.LenientThresholds, th)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("FACE_STORAGE_DIR", "/var/lib/faces")
	t.Setenv("FACE_SAVE_INTERVAL", "2m")
	t.Setenv("EMBEDDING_DIM", "512")
	t.Setenv("WEB_PORT", "9000")
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/faces", cfg.Storage.Dir)
	assert.Equal(t, 2*time.Minute, cfg.Storage.SaveInterval)
	assert.Equal(t, 512, cfg.Provider.Dim)
	assert.Equal(t, 9000, cfg.Web.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Web.AllowedOrigins)
}

func TestLoad_InvalidValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMBEDDING_DIM", "invalid")

	_, err := Load()
	assert.Error(t, err)
}

func TestThresholds_Profiles(t *testing.T) {
	tests := []struct {
		name     string
		profile  string
		cosine   string
		l2       string
		expected similarity.Thresholds
	}{
		{"strict", "strict", "", "", similarity.StrictThresholds},
		{"case insensitive", " Lenient ", "", "", similarity.LenientThresholds},
		{"cosine override", "strict", "0.5", "", similarity.Thresholds{Cosine: 0.5, L2: 1.12}},
		{"l2 override", "", "", "0.9", similarity.Thresholds{Cosine: 0.33, L2: 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, v := range map[string]string{
				"FACE_THRESHOLD_PROFILE": tt.profile,
				"FACE_COSINE_THRESHOLD":  tt.cosine,
				"FACE_L2_THRESHOLD":      tt.l2,
			} {
				if v != "" {
					t.Setenv(key, v)
				}
			}

			cfg, err := Load()
			require.NoError(t, err)
			th, err := cfg.Thresholds()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, th)
		})
	}
}

func TestThresholds_UnknownProfile(t *testing.T) {
	clearEnv(t)
	t.Setenv("FACE_THRESHOLD_PROFILE", "paranoid")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lenient, strict")
}
