// Package tls builds server TLS settings for the status API listener.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

// Config is the `api.tls` section of the fleet configuration.
type Config struct {
	Enabled bool `json:"enabled,omitempty" mapstructure:"enabled"`
	// CertFile and KeyFile take priority over Dir.
	CertFile string `json:"cert_file,omitempty" mapstructure:"cert_file"`
	KeyFile  string `json:"key_file,omitempty" mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key; with AutoGenerate they are created
	// when missing.
	Dir          string  `json:"dir,omitempty" mapstructure:"dir"`
	AutoGenerate bool    `json:"auto_generate,omitempty" mapstructure:"auto_generate"`
	AutoGen      AutoGen `json:"auto_gen" mapstructure:"auto_gen"`
	MinVersion   string  `json:"min_version,omitempty" mapstructure:"min_version"`
}

type AutoGen struct {
	CommonName   string   `json:"common_name,omitempty" mapstructure:"common_name"`
	Organization string   `json:"organization,omitempty" mapstructure:"organization"`
	DNSNames     []string `json:"dns_names,omitempty" mapstructure:"dns_names"`
	IPAddresses  []string `json:"ip_addresses,omitempty" mapstructure:"ip_addresses"`
	ValidDays    int      `json:"valid_days,omitempty" mapstructure:"valid_days"`
}

// parseVersion maps "1.2"/"1.3" style strings; empty means TLS 1.2.
func parseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "", "default", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", v)
	}
}

// Setup returns the server TLS settings for c, or nil when TLS is disabled.
// Certificates are re-read on each handshake so rotated files are picked up
// without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath = filepath.Join(c.Dir, CertFile)
		keyPath = filepath.Join(c.Dir, KeyFile)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c.AutoGen, c.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func orDefault[T string | []string](v, def T) T {
	if len(v) == 0 {
		return def
	}
	return v
}

func generate(a AutoGen, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	days := a.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(a.CommonName, "localhost"),
		Organization: orDefault(a.Organization, "mcpfleet"),
		DNSNames:     orDefault(a.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefault(a.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(dir, CertFile),
		KeyPath:      filepath.Join(dir, KeyFile),
		CACertPath:   filepath.Join(dir, CACertFile),
	})
}
