// internal/accessibility/correlation_test.go
package accessibility_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/remotesuite/internal/accessibility"
	"github.com/xkilldash9x/remotesuite/internal/interception"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestCorrelationFromEnv(t *testing.T) {
	t.Run("all present", func(t *testing.T) {
		corr := accessibility.CorrelationFromEnv(lookupFrom(map[string]string{
			accessibility.EnvTestRunUUID: "run-1",
			accessibility.EnvBuildUUID:   "build-1",
			accessibility.EnvJWT:         "token",
		}))
		assert.Equal(t, map[string]any{
			"thTestRunUuid": "run-1",
			"thBuildUuid":   "build-1",
			"thJwtToken":    "token",
		}, corr.Payload())
	})

	t.Run("absent values are omitted", func(t *testing.T) {
		corr := accessibility.CorrelationFromEnv(lookupFrom(map[string]string{
			accessibility.EnvBuildUUID: "build-1",
			accessibility.EnvJWT:       "",
		}))
		assert.Nil(t, corr.TestRunUUID)
		assert.Nil(t, corr.JWT)
		assert.Equal(t, map[string]any{"thBuildUuid": "build-1"}, corr.Payload())
	})
}

func TestCorrelation_TokenExpiry(t *testing.T) {
	exp := time.Now().Add(-time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("secret"))
	require.NoError(t, err)

	got, ok, err := accessibility.Correlation{JWT: &signed}.TokenExpiry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok, err = accessibility.Correlation{}.TokenExpiry()
	assert.NoError(t, err)
	assert.False(t, ok)

	garbage := "not-a-token"
	_, _, err = accessibility.Correlation{JWT: &garbage}.TokenExpiry()
	assert.Error(t, err)
}

func TestLoadScripts(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		scripts, err := accessibility.LoadScripts("")
		require.NoError(t, err)
		assert.Equal(t, accessibility.DefaultScripts(), scripts)
		for _, s := range []string{scripts.PerformScan, scripts.SaveResults, scripts.ResultsSummary, scripts.Results} {
			assert.True(t, interception.IsInternalPayload(s), "default scripts must carry the marker")
		}
	})

	t.Run("overlay adds the marker", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scripts.yaml")
		require.NoError(t, os.WriteFile(path, []byte("perform_scan: |\n  return window.runScan();\n"), 0o600))

		scripts, err := accessibility.LoadScripts(path)
		require.NoError(t, err)
		assert.True(t, interception.IsInternalPayload(scripts.PerformScan))
		assert.True(t, strings.HasSuffix(strings.TrimSpace(scripts.PerformScan), "return window.runScan();"))
		assert.Equal(t, accessibility.DefaultScripts().SaveResults, scripts.SaveResults)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := accessibility.LoadScripts(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("perform_scan: [unclosed"), 0o600))
		_, err := accessibility.LoadScripts(path)
		assert.Error(t, err)
	})
}
