package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpfleet/internal/supervisor"
)

func TestCleanBasePath(t *testing.T) {
	for in, want := range map[string]string{
		"":         "",
		"/":        "",
		"api":      "/api",
		"/api/":    "/api",
		" fleet ":  "/fleet",
		"/a/b//":   "/a/b",
		"//fleet/": "/fleet",
	} {
		assert.Equal(t, want, cleanBasePath(in), in)
	}
}

// runParams serves one request through nameParam and linesParam.
func runParams(t *testing.T, target string) (*httptest.ResponseRecorder, string, int) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var name string
	var lines int
	g := gin.New()
	g.GET("/logs/:name", func(c *gin.Context) {
		var ok bool
		if name, ok = nameParam(c); !ok {
			return
		}
		if lines, ok = linesParam(c); !ok {
			return
		}
		c.Status(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec, name, lines
}

func TestLogParams(t *testing.T) {
	rec, name, lines := runParams(t, "/logs/github.v2_x-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "github.v2_x-1", name)
	assert.Equal(t, defaultTailLines, lines)

	_, _, lines = runParams(t, "/logs/a?lines=7")
	assert.Equal(t, 7, lines)
	_, _, lines = runParams(t, "/logs/a?lines=999999")
	assert.Equal(t, maxTailLines, lines)

	for _, target := range []string{"/logs/a..b", "/logs/hello*", "/logs/a?lines=0", "/logs/a?lines=ten"} {
		rec, _, _ := runParams(t, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Contains(t, rec.Body.String(), `"error"`, target)
	}
}

func TestLogFile(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "a.log")

	path, code, err := logFile(supervisor.ServerStatus{LogPath: abs})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, abs, path)

	wd, err := os.Getwd()
	require.NoError(t, err)
	path, _, err = logFile(supervisor.ServerStatus{LogPath: filepath.Join("logs", "b.log")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "logs", "b.log"), path)

	for _, lp := range []string{"", foregroundLog} {
		_, code, err = logFile(supervisor.ServerStatus{LogPath: lp, Foreground: true})
		assert.ErrorIs(t, err, errNoLogFile)
		assert.Equal(t, http.StatusConflict, code)
	}

	_, code, err = logFile(supervisor.ServerStatus{LogPath: dir + "/../etc/passwd"})
	assert.ErrorIs(t, err, errLogPath)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.GET("/x", func(c *gin.Context) { writeError(c, http.StatusTeapot, "nope") })
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"nope"}`, rec.Body.String())
}
