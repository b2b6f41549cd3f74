// Package tlsbootstrap generates the private CA and server certificate used
// when the control API listens on https://.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCommonName     = "taskroom-ca"
	serverCommonName = "taskroom-server"
	validity         = 365 * 24 * time.Hour
)

// File names written by Init and discovered by tlsconfig.
const (
	CAFile         = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server.key"
)

// DefaultHosts are always included in the server certificate.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// KeyPair holds PEM-encoded certificate and private key material.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte

	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

type InitOptions struct {
	// Hosts are extra DNS names or IP addresses for the server certificate.
	Hosts []string
	Force bool
	now   func() time.Time
}

// GenerateCA creates a self-signed ECDSA P-256 CA that may only sign leaf
// certificates.
func GenerateCA(now time.Time) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	return &KeyPair{CertPEM: encodeCertPEM(der), KeyPEM: encodeKeyPEM(key), cert: cert, key: key}, nil
}

// IssueServerCert signs a server-auth certificate for hosts with ca.
func IssueServerCert(ca *KeyPair, hosts []string, now time.Time) (*KeyPair, error) {
	if ca == nil || ca.cert == nil || ca.key == nil {
		return nil, errors.New("issue server certificate: CA key pair not loaded")
	}
	dnsNames, ips := classifyHosts(hosts)
	if len(dnsNames) == 0 && len(ips) == 0 {
		return nil, errors.New("issue server certificate: no hosts")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverCommonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse server certificate: %w", err)
	}
	return &KeyPair{CertPEM: encodeCertPEM(der), KeyPEM: encodeKeyPEM(key), cert: cert, key: key}, nil
}

// Init writes ca.pem, server.pem and server.key to dir. The CA key is
// discarded once the server certificate is signed. Existing material is kept
// unless opts.Force is set.
func Init(dir string, opts InitOptions) ([]string, error) {
	serverPath := filepath.Join(dir, ServerCertFile)
	if !opts.Force {
		if _, err := os.Stat(serverPath); err == nil {
			return nil, fmt.Errorf("server certificate already exists at %s (use --force to overwrite)", serverPath)
		}
	}
	now := time.Now()
	if opts.now != nil {
		now = opts.now()
	}

	ca, err := GenerateCA(now)
	if err != nil {
		return nil, err
	}
	server, err := IssueServerCert(ca, append(append([]string(nil), DefaultHosts...), opts.Hosts...), now)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create TLS directory: %w", err)
	}
	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{CAFile, ca.CertPEM, 0o644},
		{ServerCertFile, server.CertPEM, 0o644},
		{ServerKeyFile, server.KeyPEM, 0o600},
	}
	written := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, f.perm); err != nil {
			return written, fmt.Errorf("write %s: %w", f.name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func classifyHosts(hosts []string) (dnsNames []string, ips []net.IP) {
	seen := map[string]bool{}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}
	return dnsNames, ips
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *ecdsa.PrivateKey) []byte {
	der, _ := x509.MarshalECPrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
