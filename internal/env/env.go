package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env resolves ${VAR} references in server environment overlays.
// Lookups consult Var (env files, explicit settings) first and then the
// cached OS environment.
type Env struct {
	Var Var // variables loaded from env files or set explicitly
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parsePairs(os.Environ())
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// LoadFile merges a dotenv-style file (KEY=VALUE per line, '#' comments,
// optional "export " prefix, optional surrounding quotes) into Var.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := unquote(strings.TrimSpace(line[i+1:]))
		e.Set(k, v)
	}
	return nil
}

// Lookup returns the value for k from Var, then the OS environment.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// Expand replaces every ${NAME} in s. Unknown names expand to the empty
// string. A bare '$' not followed by '{' is kept verbatim.
func (e *Env) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		v, _ := e.Lookup(s[i+2 : i+2+j])
		b.WriteString(v)
		s = s[i+2+j+1:]
	}
	return b.String()
}

// Resolve returns a copy of overlay with every value expanded.
func (e *Env) Resolve(overlay map[string]string) map[string]string {
	if overlay == nil {
		return nil
	}
	out := make(map[string]string, len(overlay))
	for k, v := range overlay {
		out[k] = e.Expand(v)
	}
	return out
}

// Unresolved lists the ${NAME} references in overlay values that have no
// definition. Callers use it to warn; resolution still yields "".
func (e *Env) Unresolved(overlay map[string]string) []string {
	seen := map[string]struct{}{}
	for _, v := range overlay {
		for {
			i := strings.Index(v, "${")
			if i < 0 {
				break
			}
			j := strings.IndexByte(v[i+2:], '}')
			if j < 0 {
				break
			}
			name := v[i+2 : i+2+j]
			if _, ok := e.Lookup(name); !ok {
				seen[name] = struct{}{}
			}
			v = v[i+2+j+1:]
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Merge composes an exec environment: OS environ overlaid with overlay.
// The result is sorted for stable output.
func Merge(overlay map[string]string) []string {
	m := parsePairs(os.Environ())
	for k, v := range overlay {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parsePairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func unquote(v string) string {
	if n := len(v); n >= 2 {
		if (v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'') {
			return v[1 : n-1]
		}
	}
	return v
}
