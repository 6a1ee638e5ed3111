package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcpfleet/internal/process"
	"github.com/loykin/mcpfleet/internal/supervisor"
)

var (
	errNoLogFile = errors.New("server writes to the terminal, no log file")
	errLogPath   = errors.New("unusable log path")
)

// cleanBasePath normalizes a mount prefix to "" or "/x" without a trailing slash.
func cleanBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// nameParam returns the :name segment, answering 400 when it cannot name a server.
func nameParam(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !process.ValidName(name) {
		writeError(c, http.StatusBadRequest, "invalid name: allowed [A-Za-z0-9._-] and no '..'")
		return "", false
	}
	return name, true
}

// linesParam parses ?lines=N for /logs, capped at maxTailLines.
func linesParam(c *gin.Context) (int, bool) {
	s := c.Query("lines")
	if s == "" {
		return defaultTailLines, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		writeError(c, http.StatusBadRequest, "lines must be a positive integer")
		return 0, false
	}
	return min(n, maxTailLines), true
}

// logFile resolves the file a server's output goes to. An attached server has
// none (409); paths with ".." segments are refused.
func logFile(st supervisor.ServerStatus) (string, int, error) {
	if st.LogPath == "" || st.LogPath == foregroundLog {
		return "", http.StatusConflict, errNoLogFile
	}
	if slices.Contains(strings.Split(filepath.ToSlash(st.LogPath), "/"), "..") {
		return "", http.StatusInternalServerError, errLogPath
	}
	path, err := filepath.Abs(st.LogPath)
	if err != nil {
		return "", http.StatusInternalServerError, errLogPath
	}
	return path, http.StatusOK, nil
}

func writeError(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Error: msg})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
