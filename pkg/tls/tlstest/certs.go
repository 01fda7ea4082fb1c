// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlstest generates certificates for TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Certs holds paths to generated certificates.
type Certs struct {
	CAFile         string
	ServerCertFile string
	ServerKeyFile  string
	ClientCertFile string
	ClientKeyFile  string
}

type issued struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	der  []byte
}

// Generate creates a CA plus a server certificate valid for localhost and
// a client certificate, all signed by the CA. Files live in a temporary
// directory removed when the test ends.
func Generate(t *testing.T) *Certs {
	t.Helper()

	dir := t.TempDir()
	now := time.Now()

	ca := issue(t, &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"HMQ Test CA"}, CommonName: "HMQ Test CA"},
		NotBefore:             now,
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, nil)

	server := issue(t, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{"HMQ Test Server"}, CommonName: "localhost"},
		NotBefore:    now,
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}, ca)

	client := issue(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{Organization: []string{"HMQ Test Client"}, CommonName: "test-client"},
		NotBefore:    now,
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, ca)

	certs := &Certs{
		CAFile:         filepath.Join(dir, "ca.crt"),
		ServerCertFile: filepath.Join(dir, "server.crt"),
		ServerKeyFile:  filepath.Join(dir, "server.key"),
		ClientCertFile: filepath.Join(dir, "client.crt"),
		ClientKeyFile:  filepath.Join(dir, "client.key"),
	}
	writeCert(t, certs.CAFile, ca)
	writeCert(t, certs.ServerCertFile, server)
	writeKey(t, certs.ServerKeyFile, server)
	writeCert(t, certs.ClientCertFile, client)
	writeKey(t, certs.ClientKeyFile, client)

	return certs
}

// ClientConfig returns a client configuration trusting the generated CA,
// presenting the client certificate when withCert is set.
func ClientConfig(t *testing.T, certs *Certs, withCert bool) *tls.Config {
	t.Helper()

	pemData, err := os.ReadFile(certs.CAFile)
	if err != nil {
		t.Fatalf("failed to read CA cert: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		t.Fatal("failed to parse CA certificate")
	}

	config := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if withCert {
		cert, err := tls.LoadX509KeyPair(certs.ClientCertFile, certs.ClientKeyFile)
		if err != nil {
			t.Fatalf("failed to load client certificate: %v", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config
}

// issue signs template with parent, or self-signs it when parent is nil.
func issue(t *testing.T, template *x509.Certificate, parent *issued) *issued {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("failed to create certificate %q: %v", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return &issued{cert: cert, key: key, der: der}
}

func writeCert(t *testing.T, path string, c *issued) {
	t.Helper()
	writePEM(t, path, &pem.Block{Type: "CERTIFICATE", Bytes: c.der})
}

func writeKey(t *testing.T, path string, c *issued) {
	t.Helper()

	der, err := x509.MarshalECPrivateKey(c.key)
	if err != nil {
		t.Fatalf("failed to encode key: %v", err)
	}
	writePEM(t, path, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writePEM(t *testing.T, path string, block *pem.Block) {
	t.Helper()

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
