// Package tlsconfig discovers and loads TLS material for the control API.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/taskroom/internal/paths"
)

// Environment variables consulted when a path is not given explicitly.
const (
	EnvCert = "TASKROOM_TLS_CERT"
	EnvKey  = "TASKROOM_TLS_KEY"
	EnvCA   = "TASKROOM_TLS_CA"
)

// Options holds explicit TLS paths from CLI flags or environment variables.
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// WithEnv fills empty paths from the TASKROOM_TLS_* variables.
func (o Options) WithEnv() Options {
	fill := func(v *string, env string) {
		if strings.TrimSpace(*v) == "" {
			*v = strings.TrimSpace(os.Getenv(env))
		}
	}
	fill(&o.CertPath, EnvCert)
	fill(&o.KeyPath, EnvKey)
	fill(&o.CAPath, EnvCA)
	return o
}

// Material reports which files would be used, after discovery.
type Material struct {
	Dir      string
	CertPath string
	KeyPath  string
	CAPath   string
}

func (m Material) HasServerPair() bool {
	return m.CertPath != "" && m.KeyPath != ""
}

// Discover resolves explicit paths and falls back to server.pem, server.key
// and ca.pem in the TLS directory.
func Discover(opts Options) Material {
	m := Material{CertPath: opts.CertPath, KeyPath: opts.KeyPath, CAPath: opts.CAPath}
	dir, err := paths.TLSDir()
	if err != nil {
		return m
	}
	m.Dir = dir
	discover := func(v *string, name string) {
		if *v != "" {
			return
		}
		if candidate := filepath.Join(dir, name); fileExists(candidate) {
			*v = candidate
		}
	}
	discover(&m.CertPath, "server.pem")
	discover(&m.KeyPath, "server.key")
	discover(&m.CAPath, "ca.pem")
	return m
}

// ResolveServer returns a tls.Config for the server side, or nil when no
// certificate and key are configured or discovered.
func ResolveServer(opts Options) (*tls.Config, error) {
	m := Discover(opts)
	if m.CertPath == "" && m.KeyPath == "" {
		return nil, nil
	}
	if !m.HasServerPair() {
		return nil, errors.New("server TLS needs both a certificate and a key")
	}

	cert, err := tls.LoadX509KeyPair(m.CertPath, m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient returns a tls.Config for the client side. Client certificates
// are not supported; a discovered CA replaces the system roots.
func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, errors.New("client certificates are not supported")
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if caPath := Discover(opts).CAPath; caPath != "" {
		pool, err := loadCAPool(caPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", path)
	}
	return pool, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
