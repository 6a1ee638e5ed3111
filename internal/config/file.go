package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type format struct {
	name      string
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

var (
	jsonFormat = format{
		name: "json",
		marshal: func(v any) ([]byte, error) {
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return nil, err
			}
			return append(b, '\n'), nil
		},
		unmarshal: json.Unmarshal,
	}
	tomlFormat = format{name: "toml", marshal: toml.Marshal, unmarshal: toml.Unmarshal}
	yamlFormat = format{name: "yaml", marshal: yaml.Marshal, unmarshal: yaml.Unmarshal}
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		return jsonFormat, nil
	case ".toml":
		return tomlFormat, nil
	case ".yaml", ".yml":
		return yamlFormat, nil
	default:
		return format{}, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// decodeHook accepts durations as Go duration strings ("30s") or as plain
// numbers of seconds.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsToDuration,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func secondsToDuration(_ reflect.Type, t reflect.Type, data any) (any, error) {
	if t != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

type rawServer struct {
	Env map[string]any `json:"env" toml:"env" yaml:"env"`
}

type rawFile struct {
	Servers []rawServer `json:"servers" toml:"servers" yaml:"servers"`
}

// restoreEnv re-reads the servers' env tables with the format's own decoder
// so variable names keep their case.
func restoreEnv(path string, f format, c *Config) error {
	// #nosec G304 -- operator supplied config path
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var raw rawFile
	if err := f.unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	for i := range c.Servers {
		if i >= len(raw.Servers) {
			break
		}
		if raw.Servers[i].Env == nil {
			c.Servers[i].Env = nil
			continue
		}
		m := make(map[string]string, len(raw.Servers[i].Env))
		for k, v := range raw.Servers[i].Env {
			if s, ok := v.(string); ok {
				m[k] = s
			} else {
				m[k] = fmt.Sprint(v)
			}
		}
		c.Servers[i].Env = m
	}
	return nil
}

// Save writes the server list back to the configuration file, keeping the
// file's other keys. The file is replaced atomically.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("%w: config has no path", ErrInvalidConfig)
	}
	f, err := formatFor(c.path)
	if err != nil {
		return err
	}
	doc := map[string]any{}
	// #nosec G304 -- operator supplied config path
	b, err := os.ReadFile(filepath.Clean(c.path))
	switch {
	case err == nil && len(bytes.TrimSpace(b)) > 0:
		if err := f.unmarshal(b, &doc); err != nil {
			return fmt.Errorf("decode config %s: %w", c.path, err)
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return err
	}
	servers := c.Servers
	if servers == nil {
		servers = []Server{}
	}
	doc["servers"] = servers
	out, err := f.marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeAtomic(c.path, out)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
