// Package certs generates the self-signed ECDSA P-256 certificate the
// broadcast server presents on its HTTPS and HTTP/3 listeners. Clients pin
// the SHA-256 fingerprint published by the cert-hash endpoint, so validity
// is kept short to bound how long a leaked key stays trusted.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

const maxValidity = 14 * 24 * time.Hour

// Certificate holds a serving certificate and its SHA-256 fingerprint.
type Certificate struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotBefore   time.Time
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64, the form
// published to clients for pinning.
func (c *Certificate) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// TLSConfig returns a tls.Config presenting this certificate, shared by
// the TCP and QUIC listeners.
func (c *Certificate) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
	}
}

// Generate creates a new self-signed ECDSA P-256 certificate valid for the
// given duration, capped at 14 days.
func Generate(validity time.Duration) (*Certificate, error) {
	if validity > maxValidity || validity <= 0 {
		validity = maxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	// Slight backdate so a client with modest clock skew accepts the cert.
	notBefore := time.Now().Add(-1 * time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "platereader"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &Certificate{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotBefore:   template.NotBefore,
		NotAfter:    template.NotAfter,
	}, nil
}
