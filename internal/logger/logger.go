package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters, used only when rotation is enabled (MaxSizeMB > 0).
const (
	DefaultMaxBackups = 3 // number of backup files
	DefaultMaxAgeDays = 7 // days
)

// Config describes where a server's combined stdout/stderr is written.
// Path overrides the derived Dir/<name>.log location. When Dir is empty the
// system temp directory is used. Rotation follows lumberjack semantics and is
// off unless MaxSizeMB is set.
type Config struct {
	Dir        string `json:"dir,omitempty" mapstructure:"dir"`
	Path       string `json:"path,omitempty" mapstructure:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days,omitempty" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" mapstructure:"compress"`
}

// PathFor returns the sink location for the named server.
func (c Config) PathFor(name string) string {
	if c.Path != "" {
		return c.Path
	}
	dir := c.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("%s.log", name))
}

// Open opens the sink for name in append mode, creating it (and its
// directory) if absent. The returned path is the file being written.
// A plain *os.File is returned when rotation is disabled so it can be handed
// to a child process directly.
func (c Config) Open(name string) (io.WriteCloser, string, error) {
	path := c.PathFor(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, path, fmt.Errorf("create log dir for %s: %w", name, err)
	}
	if c.MaxSizeMB > 0 {
		return &lj.Logger{
			Filename:   path,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}, path, nil
	}
	// #nosec G304 -- path is derived from a validated server name or operator config
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, path, fmt.Errorf("open log sink for %s: %w", name, err)
	}
	return f, path, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
