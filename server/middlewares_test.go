package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLogOmitsQueryTokens(t *testing.T) {
	file := filepath.Join(t.TempDir(), "access.log")
	logger.Configure(logger.Options{Level: "info", File: file})
	defer logger.Configure(logger.Options{})

	_, handler := newTestApp(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?token=secret-bearer-token", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	contents, err := os.ReadFile(file)
	require.Nil(t, err)
	assert.Contains(t, string(contents), "GET /ws")
	assert.NotContains(t, string(contents), "secret-bearer-token")
}
